// Package sync reconciles the local journal copy with the remote database.
// Every operation is a stateless batch job: no resume state is kept, and a
// re-run after interruption converges because writes dedup on natural keys.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	gosync "sync"
	"time"

	"kanjounikki/pkg/domain"
	"kanjounikki/pkg/localstore"
	"kanjounikki/pkg/store"
)

// ErrSyncInProgress is returned when the same operation is already running
// for the same user. The original client had no such guard and two syncs
// triggered from the UI could interleave reads and writes.
var ErrSyncInProgress = errors.New("sync: operation already in progress")

const (
	defaultBatchSize  = 10
	defaultBatchDelay = 300 * time.Millisecond
)

// Archiver receives rows about to be purged so they can be kept elsewhere.
type Archiver interface {
	ArchivePurgedEntries(ctx context.Context, userID string, entries []domain.DiaryEntry) error
}

// Config wires the engine's dependencies.
type Config struct {
	Local  localstore.Store
	Remote store.RemoteStore // service tier; row policies must not block bulk jobs
	Logger *slog.Logger

	// BatchSize and BatchDelay throttle bulk migration. Zero values take
	// the defaults (10 entries per batch, 300ms between batches).
	BatchSize  int
	BatchDelay time.Duration

	// Archive, when set, receives remote rows before test-data deletion.
	Archive Archiver

	// Now overrides the clock for tests.
	Now func() time.Time
}

// Engine copies journal entries and consent records between the local blob
// store and the remote database. It owns neither side and tolerates either
// being stale or partial; per-row failures are logged and skipped while
// failures of the enclosing read abort the whole operation.
type Engine struct {
	local      localstore.Store
	remote     store.RemoteStore
	logger     *slog.Logger
	batchSize  int
	batchDelay time.Duration
	archive    Archiver
	now        func() time.Time

	mu       gosync.Mutex
	inflight map[string]bool
}

// New builds an engine, applying defaults for unset knobs.
func New(cfg Config) (*Engine, error) {
	if cfg.Local == nil {
		return nil, errors.New("sync: local store is required")
	}
	if cfg.Remote == nil {
		return nil, errors.New("sync: remote store is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	batchDelay := cfg.BatchDelay
	if batchDelay < 0 {
		batchDelay = 0
	} else if batchDelay == 0 {
		batchDelay = defaultBatchDelay
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		local:      cfg.Local,
		remote:     cfg.Remote,
		logger:     logger,
		batchSize:  batchSize,
		batchDelay: batchDelay,
		archive:    cfg.Archive,
		now:        now,
		inflight:   make(map[string]bool),
	}, nil
}

// MigrateLocalData pushes every local journal entry to the remote store,
// probing for an existing row on (user, date, emotion) and inserting only
// when absent. Row-level failures are logged and skipped; only a failed
// local read aborts the operation.
func (e *Engine) MigrateLocalData(ctx context.Context, userID string) error {
	if err := e.begin("migrate", userID); err != nil {
		return err
	}
	defer e.end("migrate", userID)

	started := e.now()
	entries, err := localstore.LoadJournalEntries(e.local)
	if err != nil {
		return fmt.Errorf("read local journal: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	processed, skipped := 0, 0
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, exists, err := e.remote.FindEntry(userID, entry.Date, entry.Emotion)
		if err != nil {
			// The unique index catches a duplicate if the probe lied.
			e.logger.Warn("entry dedup probe failed", "date", entry.Date, "emotion", entry.Emotion, "err", err)
		}
		if exists {
			skipped++
			continue
		}
		remote := entry.ToRemote(userID)
		remote.ID = "" // remote assigns its own row id
		if _, err := e.remote.InsertEntry(remote); err != nil {
			e.logger.Warn("entry migration skipped", "id", entry.ID, "date", entry.Date, "err", err)
			skipped++
			continue
		}
		processed++
	}

	e.recordAudit("migrate_local_data", userID, processed, skipped, started)
	e.logger.Info("local journal migrated", "user_id", userID, "inserted", processed, "skipped", skipped)
	return nil
}

// BulkMigrateLocalData pushes the local journal in fixed-size batches using
// upsert with ignore-duplicates on (user, date, emotion): first-inserted
// wins, re-running is a no-op. onProgress, when set, receives a monotonic
// percentage after each batch, ending at 100. Batches are spaced by a short
// delay to respect the remote rate limit.
func (e *Engine) BulkMigrateLocalData(ctx context.Context, userID string, onProgress func(percent int)) error {
	if err := e.begin("bulk_migrate", userID); err != nil {
		return err
	}
	defer e.end("bulk_migrate", userID)

	started := e.now()
	entries, err := localstore.LoadJournalEntries(e.local)
	if err != nil {
		return fmt.Errorf("read local journal: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	totalBatches := (len(entries) + e.batchSize - 1) / e.batchSize
	skippedBatches := 0
	for i := 0; i < totalBatches; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lo := i * e.batchSize
		hi := lo + e.batchSize
		if hi > len(entries) {
			hi = len(entries)
		}
		batch := make([]domain.DiaryEntry, 0, hi-lo)
		for _, entry := range entries[lo:hi] {
			remote := entry.ToRemote(userID)
			remote.ID = ""
			batch = append(batch, remote)
		}
		if err := e.remote.UpsertEntries(batch); err != nil {
			e.logger.Warn("bulk migration batch failed", "batch", i+1, "of", totalBatches, "err", err)
			skippedBatches++
		}
		if onProgress != nil {
			onProgress(int(math.Round(float64(i+1) / float64(totalBatches) * 100)))
		}
		if i+1 < totalBatches {
			if err := sleepCtx(ctx, e.batchDelay); err != nil {
				return err
			}
		}
	}

	e.recordAudit("bulk_migrate_local_data", userID, len(entries), skippedBatches*e.batchSize, started)
	e.logger.Info("bulk migration finished", "user_id", userID, "entries", len(entries), "batches", totalBatches)
	return nil
}

// SyncToLocal pulls every remote entry for the user and replaces the whole
// local journal blob with the result, counselor annotations included. This
// is a full replace, not a merge: local-only entries that were never
// migrated are lost. An empty remote set leaves the local blob untouched.
func (e *Engine) SyncToLocal(ctx context.Context, userID string) error {
	if err := e.begin("pull", userID); err != nil {
		return err
	}
	defer e.end("pull", userID)

	started := e.now()
	if err := ctx.Err(); err != nil {
		return err
	}
	remote, err := e.remote.ListEntriesForUser(userID)
	if err != nil {
		return fmt.Errorf("fetch remote journal: %w", err)
	}
	if len(remote) == 0 {
		e.logger.Info("nothing to pull", "user_id", userID)
		return nil
	}

	local := make([]domain.JournalEntry, 0, len(remote))
	for _, entry := range remote {
		local = append(local, entry.ToLocal())
	}
	if err := localstore.SaveJournalEntries(e.local, local); err != nil {
		return fmt.Errorf("write local journal: %w", err)
	}

	e.recordAudit("sync_to_local", userID, len(remote), 0, started)
	e.logger.Info("remote journal pulled", "user_id", userID, "entries", len(remote))
	return nil
}

// SyncConsentHistories pushes local consent records to the remote store,
// deduplicating on (line_username, consent_date). Consents are never
// deleted by any sync path.
func (e *Engine) SyncConsentHistories(ctx context.Context) error {
	if err := e.begin("consents_push", ""); err != nil {
		return err
	}
	defer e.end("consents_push", "")

	started := e.now()
	histories, err := localstore.LoadConsentHistories(e.local)
	if err != nil {
		return fmt.Errorf("read local consents: %w", err)
	}
	if len(histories) == 0 {
		return nil
	}

	processed, skipped := 0, 0
	for _, history := range histories {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, exists, err := e.remote.FindConsent(history.LineUsername, history.ConsentDate)
		if err != nil {
			e.logger.Warn("consent dedup probe failed", "line_username", history.LineUsername, "err", err)
			skipped++
			continue
		}
		if exists {
			skipped++
			continue
		}
		record := history
		record.ID = ""
		if record.IPAddress == "" {
			record.IPAddress = "unknown"
		}
		if record.UserAgent == "" {
			record.UserAgent = "unknown"
		}
		if _, err := e.remote.InsertConsent(record); err != nil {
			e.logger.Warn("consent sync skipped", "line_username", history.LineUsername, "err", err)
			skipped++
			continue
		}
		processed++
	}

	e.recordAudit("sync_consents_to_remote", "", processed, skipped, started)
	e.logger.Info("consent histories pushed", "inserted", processed, "skipped", skipped)
	return nil
}

// SyncConsentHistoriesToLocal pulls the whole remote consent table and
// replaces the local consent blob. An empty remote set leaves the local
// blob untouched.
func (e *Engine) SyncConsentHistoriesToLocal(ctx context.Context) error {
	if err := e.begin("consents_pull", ""); err != nil {
		return err
	}
	defer e.end("consents_pull", "")

	started := e.now()
	if err := ctx.Err(); err != nil {
		return err
	}
	histories, err := e.remote.ListAllConsents()
	if err != nil {
		return fmt.Errorf("fetch remote consents: %w", err)
	}
	if len(histories) == 0 {
		return nil
	}
	if err := localstore.SaveConsentHistories(e.local, histories); err != nil {
		return fmt.Errorf("write local consents: %w", err)
	}

	e.recordAudit("sync_consents_to_local", "", len(histories), 0, started)
	e.logger.Info("consent histories pulled", "records", len(histories))
	return nil
}

func (e *Engine) begin(op, userID string) error {
	key := op + ":" + userID
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inflight[key] {
		return ErrSyncInProgress
	}
	e.inflight[key] = true
	return nil
}

func (e *Engine) end(op, userID string) {
	key := op + ":" + userID
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inflight, key)
}

func (e *Engine) recordAudit(operation, userID string, processed, skipped int, started time.Time) {
	audit := store.SyncAudit{
		Operation: operation,
		UserID:    userID,
		Processed: processed,
		Skipped:   skipped,
		Duration:  e.now().Sub(started),
		StartedAt: started,
	}
	if err := e.remote.RecordSyncAudit(audit); err != nil {
		e.logger.Warn("sync audit not recorded", "operation", operation, "err", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
