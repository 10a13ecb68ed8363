package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"kanjounikki/internal/ratelimit"
	"kanjounikki/internal/util"
	"kanjounikki/pkg/auth"
	"kanjounikki/pkg/domain"
	"kanjounikki/pkg/store"
	syncpkg "kanjounikki/pkg/sync"
	"kanjounikki/services/journal/internal/app"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App *app.App

	// SyncLimiter throttles the sync trigger routes. Nil disables limiting.
	SyncLimiter *ratelimit.FixedWindowLimiter

	// TrustedProxies controls which peers may supply forwarded-for headers
	// for consent IP stamping.
	TrustedProxies *util.TrustedProxies
}

// Server exposes HTTP endpoints for the journal service.
type Server struct {
	app         *app.App
	mux         *http.ServeMux
	syncLimiter *ratelimit.FixedWindowLimiter
	trusted     *util.TrustedProxies
}

// New constructs the server with routes configured.
func New(cfg Config) *Server {
	s := &Server{
		app:         cfg.App,
		mux:         http.NewServeMux(),
		syncLimiter: cfg.SyncLimiter,
		trusted:     cfg.TrustedProxies,
	}
	s.routes()
	return s
}

// Router returns the configured handler with the middleware chain applied.
func (s *Server) Router() http.Handler {
	return util.WithSecurityHeaders(util.WithCORS(util.WithRequestID(util.WithRequestLog("journal", s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.HandleFunc("/api/maintenance", s.handleMaintenance)

	// users and entries
	s.mux.HandleFunc("/api/users", s.handleUsers)
	s.mux.HandleFunc("/api/users/", s.handleUserSubtree)
	s.mux.HandleFunc("/api/entries/", s.handleEntryByID)

	// reconciliation triggers
	s.mux.HandleFunc("/api/sync/migrate", s.handleMigrate)
	s.mux.HandleFunc("/api/sync/bulk-migrate", s.handleBulkMigrate)
	s.mux.HandleFunc("/api/sync/pull", s.handlePull)
	s.mux.HandleFunc("/api/sync/consents/push", s.handleConsentsPush)
	s.mux.HandleFunc("/api/sync/consents/pull", s.handleConsentsPull)

	// consent capture
	s.mux.HandleFunc("/api/consents", s.handleConsents)

	// admin
	s.mux.HandleFunc("/api/admin/login", s.handleAdminLogin)
	s.mux.Handle("/api/admin/entries", s.adminOnly(s.handleAdminEntries))
	s.mux.Handle("/api/admin/consents", s.adminOnly(s.handleAdminConsents))
	s.mux.Handle("/api/admin/stats", s.adminOnly(s.handleAdminStats))
	s.mux.Handle("/api/admin/cleanup", s.adminOnly(s.handleAdminCleanup))
	s.mux.Handle("/api/admin/archive-url", s.adminOnly(s.handleAdminArchiveURL))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMaintenance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, s.app.Maintenance())
}

// auth wrappers
type adminHandler func(http.ResponseWriter, *http.Request, auth.CounselorClaims)

func (s *Server) adminOnly(next adminHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		claims, err := s.app.VerifySession(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, claims)
	})
}

// maintenanceGate blocks non-admin mutations while the window is active.
func (s *Server) maintenanceGate(w http.ResponseWriter) bool {
	status := s.app.Maintenance()
	if !status.Enabled {
		return true
	}
	msg := status.Message
	if msg == "" {
		msg = "service is under maintenance"
	}
	writeError(w, http.StatusServiceUnavailable, msg)
	return false
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request) bool {
	if s.syncLimiter == nil {
		return true
	}
	key := r.URL.Path + "|" + util.ClientIP(r, s.trusted)
	if s.syncLimiter.Allow(key) {
		return true
	}
	w.Header().Set("Retry-After", "60")
	writeError(w, http.StatusTooManyRequests, "too many sync requests")
	return false
}

// users

func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.maintenanceGate(w) {
		return
	}
	var req usernameRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, err := s.app.RegisterUser(req.LineUsername)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

func (s *Server) handleUserSubtree(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/users/")
	username, tail, _ := strings.Cut(rest, "/")
	if username == "" {
		http.NotFound(w, r)
		return
	}
	switch tail {
	case "":
		s.handleUserByName(w, r, username)
	case "entries":
		s.handleUserEntries(w, r, username)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleUserByName(w http.ResponseWriter, r *http.Request, username string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	user, err := s.app.GetUser(username)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleUserEntries(w http.ResponseWriter, r *http.Request, username string) {
	switch r.Method {
	case http.MethodGet:
		entries, err := s.app.Entries(username)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"items": entries,
			"count": len(entries),
		})
	case http.MethodPost:
		if !s.maintenanceGate(w) {
			return
		}
		var req entryRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		entry, err := s.app.AddEntry(username, req.JournalEntry())
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, entry)
	case http.MethodDelete:
		if !s.maintenanceGate(w) {
			return
		}
		if err := s.app.DeleteUserData(username); err != nil {
			s.writeAppError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleEntryByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/entries/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}
	switch r.Method {
	case http.MethodPut:
		if !s.maintenanceGate(w) {
			return
		}
		var req annotateRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		entry, err := s.app.AnnotateEntry(id, store.EntryUpdate{
			CounselorMemo:   req.CounselorMemo,
			IsVisibleToUser: req.IsVisibleToUser,
			CounselorName:   req.CounselorName,
		})
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, entry)
	case http.MethodDelete:
		if !s.maintenanceGate(w) {
			return
		}
		if err := s.app.DeleteEntry(id); err != nil {
			s.writeAppError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w)
	}
}

// reconciliation triggers

func (s *Server) handleMigrate(w http.ResponseWriter, r *http.Request) {
	username, ok := s.syncRequest(w, r)
	if !ok {
		return
	}
	if err := s.app.Migrate(r.Context(), username); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "migrated"})
}

func (s *Server) handleBulkMigrate(w http.ResponseWriter, r *http.Request) {
	username, ok := s.syncRequest(w, r)
	if !ok {
		return
	}
	progress, err := s.app.BulkMigrate(r.Context(), username)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "migrated",
		"progress": progress,
	})
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	username, ok := s.syncRequest(w, r)
	if !ok {
		return
	}
	if err := s.app.Pull(r.Context(), username); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "pulled"})
}

// syncRequest applies the shared checks of the sync trigger routes and
// extracts the target username.
func (s *Server) syncRequest(w http.ResponseWriter, r *http.Request) (string, bool) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return "", false
	}
	if !s.maintenanceGate(w) {
		return "", false
	}
	if !s.allowRate(w, r) {
		return "", false
	}
	var req usernameRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return "", false
	}
	if strings.TrimSpace(req.LineUsername) == "" {
		writeError(w, http.StatusBadRequest, "line_username is required")
		return "", false
	}
	return req.LineUsername, true
}

func (s *Server) handleConsentsPush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.maintenanceGate(w) {
		return
	}
	if !s.allowRate(w, r) {
		return
	}
	if err := s.app.PushConsents(r.Context()); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "pushed"})
}

func (s *Server) handleConsentsPull(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.maintenanceGate(w) {
		return
	}
	if !s.allowRate(w, r) {
		return
	}
	if err := s.app.PullConsents(r.Context()); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "pulled"})
}

// consent capture

func (s *Server) handleConsents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.maintenanceGate(w) {
		return
	}
	var req consentRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	record, err := s.app.RecordConsent(
		req.LineUsername,
		req.ConsentGiven,
		req.ConsentDate,
		util.ClientIP(r, s.trusted),
		r.UserAgent(),
	)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, record)
}

// admin

func (s *Server) handleAdminLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req loginRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	token, counselor, err := s.app.AdminLogin(req.Email, req.Password)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":     token,
		"counselor": counselor,
	})
}

func (s *Server) handleAdminEntries(w http.ResponseWriter, r *http.Request, _ auth.CounselorClaims) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	entries, err := s.app.AdminEntries(limit, offset)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":  entries,
		"count":  len(entries),
		"limit":  limit,
		"offset": offset,
	})
}

func (s *Server) handleAdminConsents(w http.ResponseWriter, r *http.Request, _ auth.CounselorClaims) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	consents, err := s.app.ListConsents()
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": consents,
		"count": len(consents),
	})
}

func (s *Server) handleAdminStats(w http.ResponseWriter, r *http.Request, _ auth.CounselorClaims) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	stats, err := s.app.Stats(r.Context())
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleAdminCleanup(w http.ResponseWriter, r *http.Request, claims auth.CounselorClaims) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req usernameRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	result, err := s.app.Cleanup(r.Context(), req.LineUsername)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	slog.Info("test data cleanup", "counselor", claims.CounselorID,
		"local_removed", result.LocalRemoved, "remote_removed", result.RemoteRemoved)
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleAdminArchiveURL(w http.ResponseWriter, r *http.Request, _ auth.CounselorClaims) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	key := strings.TrimSpace(r.URL.Query().Get("key"))
	if key == "" {
		writeError(w, http.StatusBadRequest, "key is required")
		return
	}
	url, err := s.app.ArchiveDownloadURL(r.Context(), key)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

// error mapping

func (s *Server) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, app.ErrLocalOnly):
		writeError(w, http.StatusServiceUnavailable, "remote database not configured")
	case errors.Is(err, app.ErrArchiveNotConfigured):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, syncpkg.ErrSyncInProgress):
		writeError(w, http.StatusConflict, "sync already in progress")
	case errors.Is(err, app.ErrUserNotFound), errors.Is(err, app.ErrEntryNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, app.ErrUsernameRequired):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, app.ErrInvalidCredentials), errors.Is(err, app.ErrCounselorDisabled):
		writeError(w, http.StatusUnauthorized, err.Error())
	default:
		util.LoggerFromContext(r.Context()).Error("request failed", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// request/response shapes

type usernameRequest struct {
	LineUsername string `json:"line_username"`
}

type entryRequest struct {
	ID                 string `json:"id"`
	Date               string `json:"date"`
	Emotion            string `json:"emotion"`
	Event              string `json:"event"`
	Realization        string `json:"realization"`
	SelfEsteemScore    int    `json:"selfEsteemScore"`
	WorthlessnessScore int    `json:"worthlessnessScore"`
}

func (r entryRequest) JournalEntry() domain.JournalEntry {
	return domain.JournalEntry{
		ID:                 r.ID,
		Date:               r.Date,
		Emotion:            r.Emotion,
		Event:              r.Event,
		Realization:        r.Realization,
		SelfEsteemScore:    r.SelfEsteemScore,
		WorthlessnessScore: r.WorthlessnessScore,
	}
}

type annotateRequest struct {
	CounselorMemo   *string `json:"counselor_memo"`
	IsVisibleToUser *bool   `json:"is_visible_to_user"`
	CounselorName   *string `json:"counselor_name"`
}

type consentRequest struct {
	LineUsername string `json:"line_username"`
	ConsentGiven bool   `json:"consent_given"`
	ConsentDate  string `json:"consent_date"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// helpers

func decodeBody(r *http.Request, into any) error {
	return json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(into)
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}
