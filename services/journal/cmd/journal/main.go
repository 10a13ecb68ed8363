package main

import (
	"log"
	"log/slog"
	"net/http"
	"os"
	"time"

	"kanjounikki/internal/ratelimit"
	"kanjounikki/internal/util"
	"kanjounikki/pkg/storage"
	syncpkg "kanjounikki/pkg/sync"
	"kanjounikki/services/journal/internal/app"
	"kanjounikki/services/journal/internal/config"
	"kanjounikki/services/journal/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	sessionTTL, err := config.ParseSessionTTL(cfg.SessionTTL)
	if err != nil {
		log.Fatalf("failed to parse session TTL: %v", err)
	}
	batchDelay, err := config.ParseBatchDelay(cfg.SyncBatchDelay)
	if err != nil {
		log.Fatalf("failed to parse sync batch delay: %v", err)
	}
	maintStart, maintEnd, err := config.ParseMaintenanceWindow(cfg.MaintenanceStart, cfg.MaintenanceEnd)
	if err != nil {
		log.Fatalf("failed to parse maintenance window: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)

	var archive syncpkg.Archiver
	if cfg.ArchiveEndpoint != "" {
		minioArchive, err := storage.NewMinioArchive(
			cfg.ArchiveEndpoint,
			cfg.ArchiveAccessKey,
			cfg.ArchiveSecretKey,
			cfg.ArchiveBucket,
			cfg.ArchiveUseSSL,
		)
		if err != nil {
			log.Fatalf("failed to init cleanup archive: %v", err)
		}
		archive = minioArchive
	}

	appCore, err := app.New(app.Config{
		DatabaseURL:        cfg.DatabaseURL,
		ServiceDatabaseURL: cfg.ServiceDatabaseURL,
		RedisAddr:          cfg.RedisAddr,
		RedisPassword:      cfg.RedisPassword,
		LocalBackend:       cfg.LocalStoreBackend,
		LocalDir:           cfg.LocalStoreDir,
		SessionSecret:      cfg.SessionSecret,
		SessionTTL:         sessionTTL,
		BatchSize:          cfg.SyncBatchSize,
		BatchDelay:         batchDelay,
		Maintenance: app.MaintenanceConfig{
			Enabled: cfg.MaintenanceEnabled,
			Start:   maintStart,
			End:     maintEnd,
			Message: cfg.MaintenanceMessage,
		},
		Logger:  logger,
		Archive: archive,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}
	if appCore.LocalOnly() {
		slog.Warn("remote database not configured, running in local-only mode")
	}

	if email := os.Getenv("ADMIN_EMAIL"); email != "" && !appCore.LocalOnly() {
		if err := appCore.SeedCounselor(os.Getenv("ADMIN_NAME"), email, os.Getenv("ADMIN_PASSWORD")); err != nil {
			log.Fatalf("failed to seed counselor account: %v", err)
		}
	}

	var syncLimiter *ratelimit.FixedWindowLimiter
	if cfg.SyncRateLimitPerMinute > 0 {
		syncLimiter, err = ratelimit.NewRedisFixedWindowLimiter(
			cfg.RedisAddr,
			cfg.RedisPassword,
			"kanjounikki:ratelimit:sync",
			cfg.SyncRateLimitPerMinute,
			time.Minute,
		)
		if err != nil {
			log.Fatalf("failed to init sync rate limiter: %v", err)
		}
	}

	trusted, err := util.NewTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		log.Fatalf("failed to parse trusted proxies: %v", err)
	}

	httpServer := server.New(server.Config{
		App:            appCore,
		SyncLimiter:    syncLimiter,
		TrustedProxies: trusted,
	})

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("journal server listening", "addr", addr, "local_only", appCore.LocalOnly())
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "err", err)
	}
}
