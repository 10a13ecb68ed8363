// Package localstore is the server-side stand-in for the browser's
// key/value storage: JSON blobs under fixed keys, whole-blob overwrite on
// every save, last writer wins.
package localstore

import (
	"kanjounikki/pkg/domain"
)

// Keys the journaling client persists under.
const (
	KeyJournalEntries   = "journalEntries"
	KeyConsentHistories = "consent_histories"
	KeyLineUsername     = "line-username"
)

// Store reads and writes one JSON blob per key. Load reports ok=false for a
// missing key and for a blob that does not parse; both mean "no data".
// Errors are reserved for the storage itself being unreachable.
type Store interface {
	Load(key string, into any) (bool, error)
	Save(key string, v any) error
}

// LoadJournalEntries returns the local journal, or an empty slice when the
// blob is absent or corrupt.
func LoadJournalEntries(s Store) ([]domain.JournalEntry, error) {
	var entries []domain.JournalEntry
	ok, err := s.Load(KeyJournalEntries, &entries)
	if err != nil {
		return nil, err
	}
	if !ok || entries == nil {
		return []domain.JournalEntry{}, nil
	}
	return entries, nil
}

// SaveJournalEntries replaces the local journal blob.
func SaveJournalEntries(s Store, entries []domain.JournalEntry) error {
	return s.Save(KeyJournalEntries, entries)
}

// LoadConsentHistories returns the local consent records, or an empty slice
// when the blob is absent or corrupt.
func LoadConsentHistories(s Store) ([]domain.ConsentHistory, error) {
	var histories []domain.ConsentHistory
	ok, err := s.Load(KeyConsentHistories, &histories)
	if err != nil {
		return nil, err
	}
	if !ok || histories == nil {
		return []domain.ConsentHistory{}, nil
	}
	return histories, nil
}

// SaveConsentHistories replaces the local consent blob.
func SaveConsentHistories(s Store, histories []domain.ConsentHistory) error {
	return s.Save(KeyConsentHistories, histories)
}

// LoadLineUsername returns the locally remembered username, empty when none.
func LoadLineUsername(s Store) (string, error) {
	var username string
	ok, err := s.Load(KeyLineUsername, &username)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", nil
	}
	return username, nil
}

// SaveLineUsername stores the username blob.
func SaveLineUsername(s Store, username string) error {
	return s.Save(KeyLineUsername, username)
}
