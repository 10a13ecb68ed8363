package sync

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"kanjounikki/pkg/domain"
	"kanjounikki/pkg/localstore"
)

// minContentRunes is the length below which entry text counts as placeholder.
const minContentRunes = 5

// testMarkers classify an entry as synthetic when found in its text.
var testMarkers = []string{"test", "テスト"}

// sampleMarkers are checked against the event text only.
var sampleMarkers = []string{"Lorem ipsum", "サンプル", "example", "例"}

// IsTestData reports whether an entry looks like synthetic placeholder data.
// Any single heuristic is enough: the filter deliberately tolerates false
// positives, preferring to drop ambiguous rows over polluting production
// views.
func IsTestData(entry domain.JournalEntry, now time.Time) bool {
	if entry.Event == "" || entry.Realization == "" {
		return true
	}
	if utf8.RuneCountInString(entry.Event) < minContentRunes ||
		utf8.RuneCountInString(entry.Realization) < minContentRunes {
		return true
	}
	for _, marker := range testMarkers {
		if strings.Contains(entry.Event, marker) || strings.Contains(entry.Realization, marker) {
			return true
		}
	}
	for _, marker := range sampleMarkers {
		if strings.Contains(entry.Event, marker) {
			return true
		}
	}
	if entry.SelfEsteemScore == domain.DefaultScore && entry.WorthlessnessScore == domain.DefaultScore {
		return true
	}
	if d, ok := parseEntryDate(entry.Date); ok && d.After(now) {
		return true
	}
	return false
}

func parseEntryDate(raw string) (time.Time, bool) {
	for _, layout := range []string{"2006-01-02", time.RFC3339} {
		if d, err := time.Parse(layout, raw); err == nil {
			return d, true
		}
	}
	return time.Time{}, false
}

// CleanupLocal rewrites the local journal blob with classified entries
// removed and returns how many were dropped. It is usable without an engine
// so that local-only mode can still purge test data.
func CleanupLocal(local localstore.Store, now time.Time) (int, error) {
	entries, err := localstore.LoadJournalEntries(local)
	if err != nil {
		return 0, fmt.Errorf("read local journal: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}
	kept := make([]domain.JournalEntry, 0, len(entries))
	for _, entry := range entries {
		if IsTestData(entry, now) {
			continue
		}
		kept = append(kept, entry)
	}
	removed := len(entries) - len(kept)
	if removed == 0 {
		return 0, nil
	}
	if err := localstore.SaveJournalEntries(local, kept); err != nil {
		return 0, fmt.Errorf("write local journal: %w", err)
	}
	return removed, nil
}

// CleanupLocalTestData removes classified entries from the local journal.
func (e *Engine) CleanupLocalTestData() (int, error) {
	removed, err := CleanupLocal(e.local, e.now())
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		e.logger.Info("local test data removed", "removed", removed)
	}
	return removed, nil
}

// CleanupRemoteTestData classifies every remote entry of the user and batch
// deletes the matches. When an archive sink is configured the purged rows
// are written there first.
func (e *Engine) CleanupRemoteTestData(ctx context.Context, userID string) (int, error) {
	entries, err := e.remote.ListEntriesForUser(userID)
	if err != nil {
		return 0, fmt.Errorf("fetch remote journal: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}
	now := e.now()
	var purged []domain.DiaryEntry
	var ids []string
	for _, entry := range entries {
		if IsTestData(entry.ToLocal(), now) {
			purged = append(purged, entry)
			ids = append(ids, entry.ID)
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}
	if e.archive != nil {
		if err := e.archive.ArchivePurgedEntries(ctx, userID, purged); err != nil {
			e.logger.Warn("purged entries not archived", "user_id", userID, "err", err)
		}
	}
	if err := e.remote.DeleteEntries(ids); err != nil {
		return 0, fmt.Errorf("delete remote test data: %w", err)
	}
	e.logger.Info("remote test data removed", "user_id", userID, "removed", len(ids))
	return len(ids), nil
}

// PerformFullCleanup removes test data from the local store and, when a
// user ID is supplied, from the remote store too. No transaction spans the
// two sides; a crash in between is safe because re-running finds nothing
// left to remove.
func (e *Engine) PerformFullCleanup(ctx context.Context, userID string) (domain.CleanupResult, error) {
	if err := e.begin("cleanup", userID); err != nil {
		return domain.CleanupResult{}, err
	}
	defer e.end("cleanup", userID)

	started := e.now()
	result := domain.CleanupResult{}
	localRemoved, err := e.CleanupLocalTestData()
	if err != nil {
		return result, err
	}
	result.LocalRemoved = localRemoved

	if userID != "" {
		remoteRemoved, err := e.CleanupRemoteTestData(ctx, userID)
		if err != nil {
			return result, err
		}
		result.RemoteRemoved = remoteRemoved
	}

	e.recordAudit("full_cleanup", userID, result.LocalRemoved+result.RemoteRemoved, 0, started)
	return result, nil
}
