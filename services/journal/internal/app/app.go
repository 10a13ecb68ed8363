package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"kanjounikki/internal/util"
	"kanjounikki/pkg/auth"
	"kanjounikki/pkg/domain"
	"kanjounikki/pkg/localstore"
	"kanjounikki/pkg/store"
	syncpkg "kanjounikki/pkg/sync"
)

// Config holds runtime configuration for the core application.
type Config struct {
	DatabaseURL        string
	ServiceDatabaseURL string
	RedisAddr          string
	RedisPassword      string

	LocalBackend string // "file" or "redis"
	LocalDir     string

	SessionSecret string
	SessionTTL    time.Duration

	BatchSize  int
	BatchDelay time.Duration

	Maintenance MaintenanceConfig
	Logger      *slog.Logger

	// Dependency overrides, primarily for tests.
	Local   localstore.Store
	Remote  *store.Tiers
	Archive syncpkg.Archiver
	Now     func() time.Time
}

// ArchivePresigner is implemented by archive sinks that can hand out
// time-limited download links for stored cleanup snapshots.
type ArchivePresigner interface {
	PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error)
}

// App wires the local store, the two remote tiers and the reconciliation
// engine behind one call surface. With no remote configured it degrades to
// local-only mode: entry and consent capture keep working against the local
// blob store, everything that needs the database returns ErrLocalOnly.
type App struct {
	local          localstore.Store
	tiers          store.Tiers
	engine         *syncpkg.Engine
	signer         *auth.SessionSigner
	archivePresign ArchivePresigner
	maintenance    MaintenanceConfig
	logger         *slog.Logger
	now            func() time.Time
}

// New constructs the application.
func New(cfg Config) (*App, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	local := cfg.Local
	if local == nil {
		switch cfg.LocalBackend {
		case "", "file":
			fileStore, err := localstore.NewFileStore(cfg.LocalDir)
			if err != nil {
				return nil, fmt.Errorf("init local store: %w", err)
			}
			local = fileStore
		case "redis":
			local = localstore.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, "")
		default:
			return nil, fmt.Errorf("unknown local store backend %q", cfg.LocalBackend)
		}
	}

	tiers := store.Tiers{}
	if cfg.Remote != nil {
		tiers = *cfg.Remote
	} else if cfg.DatabaseURL != "" && cfg.ServiceDatabaseURL != "" {
		var err error
		tiers, err = store.OpenTiers(cfg.DatabaseURL, cfg.ServiceDatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
	}

	var engine *syncpkg.Engine
	if tiers.Service != nil {
		var err error
		engine, err = syncpkg.New(syncpkg.Config{
			Local:      local,
			Remote:     tiers.Service,
			Logger:     logger,
			BatchSize:  cfg.BatchSize,
			BatchDelay: cfg.BatchDelay,
			Archive:    cfg.Archive,
			Now:        now,
		})
		if err != nil {
			return nil, fmt.Errorf("init sync engine: %w", err)
		}
	}

	signer, err := auth.NewSessionSigner(cfg.SessionSecret, "", cfg.SessionTTL)
	if err != nil {
		return nil, fmt.Errorf("init session signer: %w", err)
	}

	// The minio sink can also presign downloads; plain sinks cannot.
	presigner, _ := cfg.Archive.(ArchivePresigner)

	return &App{
		local:          local,
		tiers:          tiers,
		engine:         engine,
		signer:         signer,
		archivePresign: presigner,
		maintenance:    cfg.Maintenance,
		logger:         logger,
		now:            now,
	}, nil
}

// LocalOnly reports whether the app runs without a remote database.
func (a *App) LocalOnly() bool {
	return a.engine == nil
}

// Maintenance returns the current maintenance window status.
func (a *App) Maintenance() MaintenanceStatus {
	return a.maintenance.Status(a.now())
}

// users

// RegisterUser creates the user row for a line username, or returns the
// existing one. A unique-key race on insert is recovered by re-fetching the
// winning row. The username is also remembered in the local store.
func (a *App) RegisterUser(lineUsername string) (domain.User, error) {
	lineUsername = strings.TrimSpace(lineUsername)
	if lineUsername == "" {
		return domain.User{}, ErrUsernameRequired
	}
	if a.LocalOnly() {
		return domain.User{}, ErrLocalOnly
	}
	if err := localstore.SaveLineUsername(a.local, lineUsername); err != nil {
		a.logger.Warn("line username not stored locally", "err", err)
	}
	user, ok, err := a.tiers.Standard.FindUserByUsername(lineUsername)
	if err != nil {
		return domain.User{}, fmt.Errorf("fetch user: %w", err)
	}
	if ok {
		return user, nil
	}
	user, err = a.tiers.Standard.InsertUser(lineUsername)
	if err == nil {
		return user, nil
	}
	if errors.Is(err, store.ErrDuplicateUser) {
		// Lost the race; the winning row is what we wanted anyway.
		user, ok, ferr := a.tiers.Standard.FindUserByUsername(lineUsername)
		if ferr != nil {
			return domain.User{}, fmt.Errorf("refetch user after duplicate: %w", ferr)
		}
		if !ok {
			return domain.User{}, fmt.Errorf("duplicate user vanished: %s", lineUsername)
		}
		return user, nil
	}
	return domain.User{}, fmt.Errorf("create user: %w", err)
}

// GetUser looks up a user by line username.
func (a *App) GetUser(lineUsername string) (domain.User, error) {
	if a.LocalOnly() {
		return domain.User{}, ErrLocalOnly
	}
	user, ok, err := a.tiers.Standard.FindUserByUsername(strings.TrimSpace(lineUsername))
	if err != nil {
		return domain.User{}, fmt.Errorf("fetch user: %w", err)
	}
	if !ok {
		return domain.User{}, ErrUserNotFound
	}
	return user, nil
}

// journal entries

// Entries returns the user's journal in the local shape. Local-only mode
// reads the local blob and ignores the username.
func (a *App) Entries(lineUsername string) ([]domain.JournalEntry, error) {
	if a.LocalOnly() {
		return localstore.LoadJournalEntries(a.local)
	}
	user, err := a.GetUser(lineUsername)
	if err != nil {
		return nil, err
	}
	remote, err := a.tiers.Standard.ListEntriesForUser(user.ID)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	entries := make([]domain.JournalEntry, 0, len(remote))
	for _, e := range remote {
		entries = append(entries, e.ToLocal())
	}
	return entries, nil
}

// AddEntry stores a new journal entry. Absent scores take the 50/50 default.
func (a *App) AddEntry(lineUsername string, entry domain.JournalEntry) (domain.JournalEntry, error) {
	if entry.Date == "" || entry.Emotion == "" {
		return domain.JournalEntry{}, fmt.Errorf("date and emotion are required")
	}
	if a.LocalOnly() {
		entries, err := localstore.LoadJournalEntries(a.local)
		if err != nil {
			return domain.JournalEntry{}, fmt.Errorf("read local journal: %w", err)
		}
		if entry.ID == "" {
			entry.ID = util.NewID()
		}
		entries = append(entries, entry)
		if err := localstore.SaveJournalEntries(a.local, entries); err != nil {
			return domain.JournalEntry{}, fmt.Errorf("write local journal: %w", err)
		}
		return entry, nil
	}
	user, err := a.RegisterUser(lineUsername)
	if err != nil {
		return domain.JournalEntry{}, err
	}
	remote := entry.ToRemote(user.ID)
	remote.ID = ""
	inserted, err := a.tiers.Standard.InsertEntry(remote)
	if err != nil {
		return domain.JournalEntry{}, fmt.Errorf("insert entry: %w", err)
	}
	return inserted.ToLocal(), nil
}

// AnnotateEntry applies a counselor annotation to an entry.
func (a *App) AnnotateEntry(id string, upd store.EntryUpdate) (domain.JournalEntry, error) {
	if a.LocalOnly() {
		return a.annotateLocal(id, upd)
	}
	entry, ok, err := a.tiers.Service.UpdateEntry(id, upd)
	if err != nil {
		return domain.JournalEntry{}, fmt.Errorf("update entry: %w", err)
	}
	if !ok {
		return domain.JournalEntry{}, ErrEntryNotFound
	}
	return entry.ToLocal(), nil
}

func (a *App) annotateLocal(id string, upd store.EntryUpdate) (domain.JournalEntry, error) {
	entries, err := localstore.LoadJournalEntries(a.local)
	if err != nil {
		return domain.JournalEntry{}, fmt.Errorf("read local journal: %w", err)
	}
	for i := range entries {
		if entries[i].ID != id {
			continue
		}
		if upd.CounselorMemo != nil {
			entries[i].CounselorMemo = *upd.CounselorMemo
		}
		if upd.IsVisibleToUser != nil {
			entries[i].IsVisibleToUser = *upd.IsVisibleToUser
		}
		if upd.CounselorName != nil {
			entries[i].CounselorName = *upd.CounselorName
		}
		if err := localstore.SaveJournalEntries(a.local, entries); err != nil {
			return domain.JournalEntry{}, fmt.Errorf("write local journal: %w", err)
		}
		return entries[i], nil
	}
	return domain.JournalEntry{}, ErrEntryNotFound
}

// DeleteEntry removes one entry by id.
func (a *App) DeleteEntry(id string) error {
	if a.LocalOnly() {
		entries, err := localstore.LoadJournalEntries(a.local)
		if err != nil {
			return fmt.Errorf("read local journal: %w", err)
		}
		kept := entries[:0]
		for _, e := range entries {
			if e.ID != id {
				kept = append(kept, e)
			}
		}
		if len(kept) == len(entries) {
			return ErrEntryNotFound
		}
		return localstore.SaveJournalEntries(a.local, kept)
	}
	if err := a.tiers.Service.DeleteEntry(id); err != nil {
		return fmt.Errorf("delete entry: %w", err)
	}
	return nil
}

// DeleteUserData removes the user's journal on both sides. Consent records
// are retained.
func (a *App) DeleteUserData(lineUsername string) error {
	if err := localstore.SaveJournalEntries(a.local, []domain.JournalEntry{}); err != nil {
		return fmt.Errorf("clear local journal: %w", err)
	}
	if a.LocalOnly() {
		return nil
	}
	user, err := a.GetUser(lineUsername)
	if err != nil {
		return err
	}
	if err := a.tiers.Service.DeleteEntriesForUser(user.ID); err != nil {
		return fmt.Errorf("delete remote entries: %w", err)
	}
	return nil
}

// reconciliation

// Migrate pushes local entries one by one, creating the user row first.
func (a *App) Migrate(ctx context.Context, lineUsername string) error {
	user, err := a.RegisterUser(lineUsername)
	if err != nil {
		return err
	}
	return a.engine.MigrateLocalData(ctx, user.ID)
}

// BulkMigrate pushes local entries in batches and returns the progress trace.
func (a *App) BulkMigrate(ctx context.Context, lineUsername string) ([]int, error) {
	user, err := a.RegisterUser(lineUsername)
	if err != nil {
		return nil, err
	}
	var progress []int
	err = a.engine.BulkMigrateLocalData(ctx, user.ID, func(percent int) {
		progress = append(progress, percent)
	})
	return progress, err
}

// Pull replaces the local journal with the remote rows for the user.
func (a *App) Pull(ctx context.Context, lineUsername string) error {
	user, err := a.GetUser(lineUsername)
	if err != nil {
		return err
	}
	return a.engine.SyncToLocal(ctx, user.ID)
}

// PushConsents uploads local consent records.
func (a *App) PushConsents(ctx context.Context) error {
	if a.LocalOnly() {
		return ErrLocalOnly
	}
	return a.engine.SyncConsentHistories(ctx)
}

// PullConsents replaces the local consent blob with the remote table.
func (a *App) PullConsents(ctx context.Context) error {
	if a.LocalOnly() {
		return ErrLocalOnly
	}
	return a.engine.SyncConsentHistoriesToLocal(ctx)
}

// consents

// RecordConsent captures a privacy consent decision, stamped with the
// caller's IP and user agent. Duplicate (username, date) pairs are ignored.
func (a *App) RecordConsent(lineUsername string, given bool, consentDate, ipAddress, userAgent string) (domain.ConsentHistory, error) {
	lineUsername = strings.TrimSpace(lineUsername)
	if lineUsername == "" {
		return domain.ConsentHistory{}, ErrUsernameRequired
	}
	if consentDate == "" {
		consentDate = a.now().UTC().Format("2006-01-02")
	}
	if ipAddress == "" {
		ipAddress = "unknown"
	}
	if userAgent == "" {
		userAgent = "unknown"
	}
	record := domain.ConsentHistory{
		LineUsername: lineUsername,
		ConsentGiven: given,
		ConsentDate:  consentDate,
		IPAddress:    ipAddress,
		UserAgent:    userAgent,
	}
	if a.LocalOnly() {
		return a.recordConsentLocal(record)
	}
	_, exists, err := a.tiers.Standard.FindConsent(lineUsername, consentDate)
	if err != nil {
		return domain.ConsentHistory{}, fmt.Errorf("probe consent: %w", err)
	}
	if exists {
		return record, nil
	}
	inserted, err := a.tiers.Standard.InsertConsent(record)
	if err != nil {
		return domain.ConsentHistory{}, fmt.Errorf("insert consent: %w", err)
	}
	return inserted, nil
}

func (a *App) recordConsentLocal(record domain.ConsentHistory) (domain.ConsentHistory, error) {
	histories, err := localstore.LoadConsentHistories(a.local)
	if err != nil {
		return domain.ConsentHistory{}, fmt.Errorf("read local consents: %w", err)
	}
	for _, h := range histories {
		if h.LineUsername == record.LineUsername && h.ConsentDate == record.ConsentDate {
			return h, nil
		}
	}
	record.ID = util.NewID()
	record.CreatedAt = a.now().UTC()
	histories = append(histories, record)
	if err := localstore.SaveConsentHistories(a.local, histories); err != nil {
		return domain.ConsentHistory{}, fmt.Errorf("write local consents: %w", err)
	}
	return record, nil
}

// ListConsents returns every consent record (admin use).
func (a *App) ListConsents() ([]domain.ConsentHistory, error) {
	if a.LocalOnly() {
		return localstore.LoadConsentHistories(a.local)
	}
	return a.tiers.Service.ListAllConsents()
}

// admin

// AdminEntries returns the joined, paginated entry listing.
func (a *App) AdminEntries(limit, offset int) ([]domain.AdminEntry, error) {
	if a.LocalOnly() {
		return nil, ErrLocalOnly
	}
	return a.tiers.Service.ListAllEntries(limit, offset)
}

// StatsResult bundles the two stat families the admin dashboard shows.
type StatsResult struct {
	Users   domain.UserStats  `json:"users"`
	Diaries domain.DiaryStats `json:"diaries"`
}

// Stats aggregates user and diary statistics in parallel.
func (a *App) Stats(ctx context.Context) (StatsResult, error) {
	if a.LocalOnly() {
		return StatsResult{}, ErrLocalOnly
	}
	now := a.now()
	var result StatsResult
	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		stats, err := a.tiers.Service.UserStats(now)
		if err != nil {
			return fmt.Errorf("user stats: %w", err)
		}
		result.Users = stats
		return nil
	})
	g.Go(func() error {
		stats, err := a.tiers.Service.DiaryStats(now)
		if err != nil {
			return fmt.Errorf("diary stats: %w", err)
		}
		result.Diaries = stats
		return nil
	})
	if err := g.Wait(); err != nil {
		return StatsResult{}, err
	}
	return result, nil
}

// Cleanup purges test data. The remote side runs only when a line username
// is supplied; local-only mode cleans the local blob regardless.
func (a *App) Cleanup(ctx context.Context, lineUsername string) (domain.CleanupResult, error) {
	if a.LocalOnly() {
		removed, err := syncpkg.CleanupLocal(a.local, a.now())
		if err != nil {
			return domain.CleanupResult{}, err
		}
		return domain.CleanupResult{LocalRemoved: removed}, nil
	}
	userID := ""
	if strings.TrimSpace(lineUsername) != "" {
		user, err := a.GetUser(lineUsername)
		if err != nil {
			return domain.CleanupResult{}, err
		}
		userID = user.ID
	}
	return a.engine.PerformFullCleanup(ctx, userID)
}

// archiveURLExpiry bounds how long an archive download link stays valid.
const archiveURLExpiry = 15 * time.Minute

// ArchiveDownloadURL returns a time-limited link to a cleanup snapshot in
// the archive bucket.
func (a *App) ArchiveDownloadURL(ctx context.Context, key string) (string, error) {
	if a.archivePresign == nil {
		return "", ErrArchiveNotConfigured
	}
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("archive key is required")
	}
	url, err := a.archivePresign.PresignGet(ctx, key, archiveURLExpiry)
	if err != nil {
		return "", fmt.Errorf("presign archive download: %w", err)
	}
	return url, nil
}

// counselor sessions

// AdminLogin verifies counselor credentials and issues a session token.
func (a *App) AdminLogin(email, password string) (string, domain.Counselor, error) {
	if a.LocalOnly() {
		return "", domain.Counselor{}, ErrLocalOnly
	}
	email = strings.TrimSpace(strings.ToLower(email))
	counselor, ok, err := a.tiers.Service.FindCounselorByEmail(email)
	if err != nil {
		return "", domain.Counselor{}, fmt.Errorf("fetch counselor: %w", err)
	}
	if !ok || !auth.CheckPassword(password, counselor.PasswordHash) {
		return "", domain.Counselor{}, ErrInvalidCredentials
	}
	if !counselor.IsActive {
		return "", domain.Counselor{}, ErrCounselorDisabled
	}
	token, err := a.signer.Issue(counselor.ID, counselor.Name)
	if err != nil {
		return "", domain.Counselor{}, fmt.Errorf("issue session: %w", err)
	}
	return token, counselor, nil
}

// VerifySession validates a counselor session token.
func (a *App) VerifySession(token string) (auth.CounselorClaims, error) {
	return a.signer.Verify(token)
}

// SeedCounselor creates a counselor account when none exists for the email.
func (a *App) SeedCounselor(name, email, password string) error {
	if a.LocalOnly() {
		return ErrLocalOnly
	}
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || password == "" {
		return fmt.Errorf("counselor email and password are required")
	}
	_, ok, err := a.tiers.Service.FindCounselorByEmail(email)
	if err != nil {
		return fmt.Errorf("fetch counselor: %w", err)
	}
	if ok {
		return nil
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	return a.tiers.Service.SaveCounselor(domain.Counselor{
		ID:           util.NewID(),
		Name:         name,
		Email:        email,
		PasswordHash: hash,
		IsActive:     true,
		CreatedAt:    a.now().UTC(),
	})
}
