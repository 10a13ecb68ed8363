package store

import (
	"errors"
	"time"

	"kanjounikki/pkg/domain"
)

// ErrDuplicateUser signals a unique-key race on user creation. Callers
// recover by re-fetching the winning row.
var ErrDuplicateUser = errors.New("store: duplicate line_username")

// EntryUpdate carries a partial counselor annotation. Nil fields are left
// untouched.
type EntryUpdate struct {
	CounselorMemo   *string
	IsVisibleToUser *bool
	CounselorName   *string
}

// SyncAudit is one reconciliation run, recorded for admin diagnostics.
type SyncAudit struct {
	ID        string
	Operation string
	UserID    string
	Processed int
	Skipped   int
	Duration  time.Duration
	StartedAt time.Time
}

// RemoteStore is the capability surface of the hosted database. Absence is
// reported as a false second return, never as an error.
type RemoteStore interface {
	// users
	FindUserByUsername(lineUsername string) (domain.User, bool, error)
	InsertUser(lineUsername string) (domain.User, error)

	// diary entries
	FindEntry(userID, date, emotion string) (string, bool, error)
	InsertEntry(e domain.DiaryEntry) (domain.DiaryEntry, error)
	// UpsertEntries writes a batch with conflict target
	// (user_id, date, emotion) and ignore-duplicates semantics:
	// first-inserted wins, conflicting rows are left untouched.
	UpsertEntries(entries []domain.DiaryEntry) error
	UpdateEntry(id string, upd EntryUpdate) (domain.DiaryEntry, bool, error)
	DeleteEntry(id string) error
	DeleteEntries(ids []string) error
	DeleteEntriesForUser(userID string) error
	ListEntriesForUser(userID string) ([]domain.DiaryEntry, error)
	ListAllEntries(limit, offset int) ([]domain.AdminEntry, error)

	// consent histories; no delete exists on this surface (legal retention)
	FindConsent(lineUsername, consentDate string) (string, bool, error)
	InsertConsent(h domain.ConsentHistory) (domain.ConsentHistory, error)
	ListAllConsents() ([]domain.ConsentHistory, error)

	// counselors
	FindCounselorByEmail(email string) (domain.Counselor, bool, error)
	SaveCounselor(c domain.Counselor) error

	// statistics
	UserStats(now time.Time) (domain.UserStats, error)
	DiaryStats(now time.Time) (domain.DiaryStats, error)

	// audit
	RecordSyncAudit(a SyncAudit) error
}

// Tiers bundles the two privilege levels of the remote service. Standard is
// bound by row-level policies of the interactive session; Service bypasses
// them and is what reconciliation and admin operations use.
type Tiers struct {
	Standard RemoteStore
	Service  RemoteStore
}
