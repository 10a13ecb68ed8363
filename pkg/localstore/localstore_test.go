package localstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"kanjounikki/pkg/domain"
)

func TestFileStoreRoundTrip(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}

	entries := []domain.JournalEntry{
		{ID: "e-1", Date: "2025-08-01", Emotion: "悲しみ", Event: "仕事で失敗してしまった", Realization: "次は準備をしようと思った", SelfEsteemScore: 40, WorthlessnessScore: 60},
	}
	if err := SaveJournalEntries(s, entries); err != nil {
		t.Fatalf("save entries: %v", err)
	}

	got, err := LoadJournalEntries(s)
	if err != nil {
		t.Fatalf("load entries: %v", err)
	}
	if len(got) != 1 || got[0] != entries[0] {
		t.Fatalf("unexpected entries after round trip: %+v", got)
	}
}

func TestFileStoreMissingKeyIsEmpty(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	got, err := LoadJournalEntries(s)
	if err != nil {
		t.Fatalf("load entries: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty journal, got %d entries", len(got))
	}
}

func TestFileStoreCorruptBlobIsEmpty(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, KeyJournalEntries+".json"), []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write corrupt blob: %v", err)
	}
	got, err := LoadJournalEntries(s)
	if err != nil {
		t.Fatalf("load entries: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected corrupt blob to read as empty, got %d entries", len(got))
	}
}

func TestFileStoreSaveOverwritesWholeBlob(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	if err := SaveJournalEntries(s, []domain.JournalEntry{{ID: "a"}, {ID: "b"}}); err != nil {
		t.Fatalf("first save: %v", err)
	}
	if err := SaveJournalEntries(s, []domain.JournalEntry{{ID: "c"}}); err != nil {
		t.Fatalf("second save: %v", err)
	}
	got, err := LoadJournalEntries(s)
	if err != nil {
		t.Fatalf("load entries: %v", err)
	}
	if len(got) != 1 || got[0].ID != "c" {
		t.Fatalf("expected full replace, got %+v", got)
	}
}

func TestRedisStoreRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	s := NewRedisStore(mr.Addr(), "", "")

	histories := []domain.ConsentHistory{
		{ID: "c-1", LineUsername: "hanako", ConsentGiven: true, ConsentDate: "2025-07-15", IPAddress: "203.0.113.7", UserAgent: "Mozilla/5.0"},
	}
	if err := SaveConsentHistories(s, histories); err != nil {
		t.Fatalf("save consents: %v", err)
	}
	got, err := LoadConsentHistories(s)
	if err != nil {
		t.Fatalf("load consents: %v", err)
	}
	if len(got) != 1 || got[0].LineUsername != "hanako" {
		t.Fatalf("unexpected consents: %+v", got)
	}

	if err := SaveLineUsername(s, "hanako"); err != nil {
		t.Fatalf("save username: %v", err)
	}
	name, err := LoadLineUsername(s)
	if err != nil {
		t.Fatalf("load username: %v", err)
	}
	if name != "hanako" {
		t.Fatalf("unexpected username %q", name)
	}
}

func TestRedisStoreCorruptBlobIsEmpty(t *testing.T) {
	mr := miniredis.RunT(t)
	s := NewRedisStore(mr.Addr(), "", "")
	if err := mr.Set("kanjounikki:local:"+KeyJournalEntries, "[broken"); err != nil {
		t.Fatalf("seed corrupt blob: %v", err)
	}
	got, err := LoadJournalEntries(s)
	if err != nil {
		t.Fatalf("load entries: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected corrupt blob to read as empty, got %d entries", len(got))
	}
}
