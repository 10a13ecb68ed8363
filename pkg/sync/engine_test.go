package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"kanjounikki/pkg/domain"
	"kanjounikki/pkg/localstore"
	"kanjounikki/pkg/store"
)

func newTestEngine(t *testing.T) (*Engine, localstore.Store, *store.MemoryStore) {
	t.Helper()
	local, err := localstore.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new local store: %v", err)
	}
	remote := store.NewMemoryStore()
	engine, err := New(Config{
		Local:      local,
		Remote:     remote,
		Logger:     slog.Default(),
		BatchSize:  20,
		BatchDelay: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return engine, local, remote
}

func realisticEntry(i int) domain.JournalEntry {
	return domain.JournalEntry{
		ID:                 fmt.Sprintf("local-%d", i),
		Date:               fmt.Sprintf("2025-06-%02d", i%28+1),
		Emotion:            []string{"悲しみ", "怒り", "恐怖", "寂しさ"}[i%4],
		Event:              fmt.Sprintf("朝から雨で予定が流れてしまった (%d)", i),
		Realization:        fmt.Sprintf("天気のせいにせず自分で決めたい (%d)", i),
		SelfEsteemScore:    40 + i%10,
		WorthlessnessScore: 55 + i%10,
	}
}

func TestMigrateLocalDataInsertsOnlyMissing(t *testing.T) {
	engine, local, remote := newTestEngine(t)
	user, err := remote.InsertUser("taro")
	if err != nil {
		t.Fatalf("insert user: %v", err)
	}

	entries := []domain.JournalEntry{realisticEntry(1), realisticEntry(2), realisticEntry(3)}
	if err := localstore.SaveJournalEntries(local, entries); err != nil {
		t.Fatalf("seed local: %v", err)
	}
	// One entry already exists remotely under the dedup key.
	pre := entries[0].ToRemote(user.ID)
	pre.ID = ""
	if _, err := remote.InsertEntry(pre); err != nil {
		t.Fatalf("seed remote: %v", err)
	}
	preInserts := remote.Calls("InsertEntry")

	if err := engine.MigrateLocalData(context.Background(), user.ID); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if got := remote.EntryCount(); got != 3 {
		t.Fatalf("expected 3 remote entries, got %d", got)
	}
	if got := remote.Calls("InsertEntry") - preInserts; got != 2 {
		t.Fatalf("expected 2 inserts, got %d", got)
	}
}

func TestMigrateLocalDataSkipsFailedRows(t *testing.T) {
	engine, local, remote := newTestEngine(t)
	entries := []domain.JournalEntry{realisticEntry(1), realisticEntry(2), realisticEntry(3)}
	if err := localstore.SaveJournalEntries(local, entries); err != nil {
		t.Fatalf("seed local: %v", err)
	}
	remote.FailEntryInsert[entries[1].Date] = errors.New("row rejected")

	// A failing row is logged and skipped; the operation still succeeds.
	if err := engine.MigrateLocalData(context.Background(), "u-1"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if got := remote.EntryCount(); got != 2 {
		t.Fatalf("expected 2 remote entries after one skip, got %d", got)
	}
}

func TestBulkMigrateIsIdempotent(t *testing.T) {
	engine, local, remote := newTestEngine(t)
	entries := make([]domain.JournalEntry, 0, 12)
	for i := 0; i < 12; i++ {
		entries = append(entries, realisticEntry(i))
	}
	if err := localstore.SaveJournalEntries(local, entries); err != nil {
		t.Fatalf("seed local: %v", err)
	}

	for run := 0; run < 2; run++ {
		if err := engine.BulkMigrateLocalData(context.Background(), "u-1", nil); err != nil {
			t.Fatalf("bulk migrate run %d: %v", run+1, err)
		}
	}
	if got := remote.EntryCount(); got != 12 {
		t.Fatalf("expected exactly 12 remote entries after two runs, got %d", got)
	}
}

func TestBulkMigrateProgressReporting(t *testing.T) {
	engine, local, _ := newTestEngine(t)
	entries := make([]domain.JournalEntry, 0, 47)
	for i := 0; i < 47; i++ {
		e := realisticEntry(i)
		// All 47 dedup keys must be distinct.
		e.Date = fmt.Sprintf("2025-%02d-%02d", i/28+1, i%28+1)
		e.Emotion = "悲しみ"
		entries = append(entries, e)
	}
	if err := localstore.SaveJournalEntries(local, entries); err != nil {
		t.Fatalf("seed local: %v", err)
	}

	var reported []int
	err := engine.BulkMigrateLocalData(context.Background(), "u-1", func(percent int) {
		reported = append(reported, percent)
	})
	if err != nil {
		t.Fatalf("bulk migrate: %v", err)
	}
	// 47 entries at batch size 20 is 3 batches.
	if len(reported) != 3 {
		t.Fatalf("expected 3 progress calls, got %d: %v", len(reported), reported)
	}
	for i := 1; i < len(reported); i++ {
		if reported[i] < reported[i-1] {
			t.Fatalf("progress must be non-decreasing: %v", reported)
		}
	}
	if reported[len(reported)-1] != 100 {
		t.Fatalf("progress must end at 100: %v", reported)
	}
}

func TestPullThenPushIsNoOp(t *testing.T) {
	engine, _, remote := newTestEngine(t)
	user, err := remote.InsertUser("taro")
	if err != nil {
		t.Fatalf("insert user: %v", err)
	}
	for i := 0; i < 5; i++ {
		e := realisticEntry(i).ToRemote(user.ID)
		e.ID = ""
		if _, err := remote.InsertEntry(e); err != nil {
			t.Fatalf("seed remote: %v", err)
		}
	}
	preInserts := remote.Calls("InsertEntry")

	if err := engine.SyncToLocal(context.Background(), user.ID); err != nil {
		t.Fatalf("pull: %v", err)
	}
	if err := engine.MigrateLocalData(context.Background(), user.ID); err != nil {
		t.Fatalf("push after pull: %v", err)
	}
	if got := remote.Calls("InsertEntry") - preInserts; got != 0 {
		t.Fatalf("round trip must insert zero rows, inserted %d", got)
	}
	if got := remote.EntryCount(); got != 5 {
		t.Fatalf("expected 5 remote entries, got %d", got)
	}
}

func TestSyncToLocalReplacesWholeBlob(t *testing.T) {
	engine, local, remote := newTestEngine(t)
	user, err := remote.InsertUser("taro")
	if err != nil {
		t.Fatalf("insert user: %v", err)
	}
	memo := "よく書けています"
	e := realisticEntry(1).ToRemote(user.ID)
	e.ID = ""
	inserted, err := remote.InsertEntry(e)
	if err != nil {
		t.Fatalf("seed remote: %v", err)
	}
	if _, _, err := remote.UpdateEntry(inserted.ID, store.EntryUpdate{CounselorMemo: &memo}); err != nil {
		t.Fatalf("annotate: %v", err)
	}
	// Local has an unmigrated entry that the pull will discard.
	if err := localstore.SaveJournalEntries(local, []domain.JournalEntry{realisticEntry(9)}); err != nil {
		t.Fatalf("seed local: %v", err)
	}

	if err := engine.SyncToLocal(context.Background(), user.ID); err != nil {
		t.Fatalf("pull: %v", err)
	}
	got, err := localstore.LoadJournalEntries(local)
	if err != nil {
		t.Fatalf("load local: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected full replace with 1 entry, got %d", len(got))
	}
	if got[0].CounselorMemo != memo {
		t.Fatalf("counselor annotation lost on pull: %+v", got[0])
	}
}

func TestSyncToLocalEmptyRemoteLeavesLocalAlone(t *testing.T) {
	engine, local, _ := newTestEngine(t)
	seed := []domain.JournalEntry{realisticEntry(1)}
	if err := localstore.SaveJournalEntries(local, seed); err != nil {
		t.Fatalf("seed local: %v", err)
	}
	if err := engine.SyncToLocal(context.Background(), "u-1"); err != nil {
		t.Fatalf("pull: %v", err)
	}
	got, err := localstore.LoadJournalEntries(local)
	if err != nil {
		t.Fatalf("load local: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("empty remote must not clear local, got %d entries", len(got))
	}
}

func TestConsentSyncDeduplicatesAndNeverDeletes(t *testing.T) {
	engine, local, remote := newTestEngine(t)
	histories := []domain.ConsentHistory{
		{LineUsername: "taro", ConsentGiven: true, ConsentDate: "2025-05-01", IPAddress: "203.0.113.9", UserAgent: "Mozilla/5.0"},
		{LineUsername: "hanako", ConsentGiven: true, ConsentDate: "2025-05-02"},
	}
	if err := localstore.SaveConsentHistories(local, histories); err != nil {
		t.Fatalf("seed local: %v", err)
	}

	for run := 0; run < 2; run++ {
		if err := engine.SyncConsentHistories(context.Background()); err != nil {
			t.Fatalf("consent push run %d: %v", run+1, err)
		}
	}
	stored, err := remote.ListAllConsents()
	if err != nil {
		t.Fatalf("list consents: %v", err)
	}
	if len(stored) != 2 {
		t.Fatalf("expected 2 consent rows after two pushes, got %d", len(stored))
	}
	for _, h := range stored {
		if h.LineUsername == "hanako" && (h.IPAddress != "unknown" || h.UserAgent != "unknown") {
			t.Fatalf("expected unknown fallbacks, got %+v", h)
		}
	}

	if err := engine.SyncConsentHistoriesToLocal(context.Background()); err != nil {
		t.Fatalf("consent pull: %v", err)
	}

	// No consent sync path may ever delete anything.
	for _, method := range []string{"DeleteEntry", "DeleteEntries", "DeleteEntriesForUser"} {
		if n := remote.Calls(method); n != 0 {
			t.Fatalf("consent sync issued %s %d times", method, n)
		}
	}
}

func TestConcurrentSameOperationIsRejected(t *testing.T) {
	local, err := localstore.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new local store: %v", err)
	}
	// A long inter-batch delay keeps the first run in flight while the
	// second one is attempted.
	engine, err := New(Config{
		Local:      local,
		Remote:     store.NewMemoryStore(),
		BatchSize:  20,
		BatchDelay: 200 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	entries := make([]domain.JournalEntry, 0, 40)
	for i := 0; i < 40; i++ {
		entries = append(entries, realisticEntry(i))
	}
	if err := localstore.SaveJournalEntries(local, entries); err != nil {
		t.Fatalf("seed local: %v", err)
	}

	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- engine.BulkMigrateLocalData(context.Background(), "u-1", func(int) {
			select {
			case <-started:
			default:
				close(started)
			}
		})
	}()
	<-started

	if err := engine.BulkMigrateLocalData(context.Background(), "u-1", nil); !errors.Is(err, ErrSyncInProgress) {
		t.Fatalf("expected ErrSyncInProgress, got %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("first run failed: %v", err)
	}
}

func TestBulkMigrateHonorsCancellation(t *testing.T) {
	engine, local, _ := newTestEngine(t)
	entries := make([]domain.JournalEntry, 0, 60)
	for i := 0; i < 60; i++ {
		e := realisticEntry(i)
		e.Date = fmt.Sprintf("2025-%02d-%02d", i/28+1, i%28+1)
		entries = append(entries, e)
	}
	if err := localstore.SaveJournalEntries(local, entries); err != nil {
		t.Fatalf("seed local: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	err := engine.BulkMigrateLocalData(ctx, "u-1", func(percent int) {
		if percent >= 34 {
			cancel()
		}
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestSyncRecordsAudit(t *testing.T) {
	engine, local, remote := newTestEngine(t)
	if err := localstore.SaveJournalEntries(local, []domain.JournalEntry{realisticEntry(1)}); err != nil {
		t.Fatalf("seed local: %v", err)
	}
	if err := engine.MigrateLocalData(context.Background(), "u-1"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	audits := remote.Audits()
	if len(audits) != 1 {
		t.Fatalf("expected 1 audit record, got %d", len(audits))
	}
	if audits[0].Operation != "migrate_local_data" || audits[0].Processed != 1 {
		t.Fatalf("unexpected audit: %+v", audits[0])
	}
}
