package store

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"kanjounikki/pkg/domain"
)

// MemoryStore is an in-process RemoteStore used by tests. It counts calls
// per method so tests can assert on the operations a sync path issued.
type MemoryStore struct {
	mu         sync.Mutex
	users      map[string]domain.User // key: user ID
	byUsername map[string]string      // line_username -> user ID
	entries    map[string]domain.DiaryEntry
	consents   map[string]domain.ConsentHistory
	counselors map[string]domain.Counselor // key: email
	audits     []SyncAudit

	calls map[string]int
	// FailEntryInsert makes InsertEntry fail for the given entry dates.
	FailEntryInsert map[string]error
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:           make(map[string]domain.User),
		byUsername:      make(map[string]string),
		entries:         make(map[string]domain.DiaryEntry),
		consents:        make(map[string]domain.ConsentHistory),
		counselors:      make(map[string]domain.Counselor),
		calls:           make(map[string]int),
		FailEntryInsert: make(map[string]error),
	}
}

// Calls returns how many times a method was invoked.
func (m *MemoryStore) Calls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

func (m *MemoryStore) count(method string) {
	m.calls[method]++
}

func (m *MemoryStore) FindUserByUsername(lineUsername string) (domain.User, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("FindUserByUsername")
	id, ok := m.byUsername[lineUsername]
	if !ok {
		return domain.User{}, false, nil
	}
	return m.users[id], true, nil
}

func (m *MemoryStore) InsertUser(lineUsername string) (domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("InsertUser")
	if _, exists := m.byUsername[lineUsername]; exists {
		return domain.User{}, ErrDuplicateUser
	}
	u := domain.User{
		ID:           uuid.NewString(),
		LineUsername: lineUsername,
		CreatedAt:    time.Now().UTC(),
	}
	m.users[u.ID] = u
	m.byUsername[lineUsername] = u.ID
	return u, nil
}

func (m *MemoryStore) FindEntry(userID, date, emotion string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("FindEntry")
	for _, e := range m.entries {
		if e.UserID == userID && e.Date == date && e.Emotion == emotion {
			return e.ID, true, nil
		}
	}
	return "", false, nil
}

func (m *MemoryStore) InsertEntry(e domain.DiaryEntry) (domain.DiaryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("InsertEntry")
	if err, ok := m.FailEntryInsert[e.Date]; ok {
		return domain.DiaryEntry{}, err
	}
	e = prepareEntry(e)
	m.entries[e.ID] = e
	return e, nil
}

func (m *MemoryStore) UpsertEntries(entries []domain.DiaryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("UpsertEntries")
	for _, e := range entries {
		if m.hasDedupKeyLocked(e.UserID, e.Date, e.Emotion) {
			continue // first-inserted wins
		}
		e = prepareEntry(e)
		m.entries[e.ID] = e
	}
	return nil
}

func (m *MemoryStore) hasDedupKeyLocked(userID, date, emotion string) bool {
	for _, e := range m.entries {
		if e.UserID == userID && e.Date == date && e.Emotion == emotion {
			return true
		}
	}
	return false
}

func (m *MemoryStore) UpdateEntry(id string, upd EntryUpdate) (domain.DiaryEntry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("UpdateEntry")
	e, ok := m.entries[id]
	if !ok {
		return domain.DiaryEntry{}, false, nil
	}
	if upd.CounselorMemo != nil {
		e.CounselorMemo = *upd.CounselorMemo
	}
	if upd.IsVisibleToUser != nil {
		e.IsVisibleToUser = *upd.IsVisibleToUser
	}
	if upd.CounselorName != nil {
		e.CounselorName = *upd.CounselorName
	}
	m.entries[id] = e
	return e, true, nil
}

func (m *MemoryStore) DeleteEntry(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("DeleteEntry")
	delete(m.entries, id)
	return nil
}

func (m *MemoryStore) DeleteEntries(ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("DeleteEntries")
	for _, id := range ids {
		delete(m.entries, id)
	}
	return nil
}

func (m *MemoryStore) DeleteEntriesForUser(userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("DeleteEntriesForUser")
	for id, e := range m.entries {
		if e.UserID == userID {
			delete(m.entries, id)
		}
	}
	return nil
}

func (m *MemoryStore) ListEntriesForUser(userID string) ([]domain.DiaryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("ListEntriesForUser")
	res := make([]domain.DiaryEntry, 0)
	for _, e := range m.entries {
		if e.UserID == userID {
			res = append(res, e)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Date > res[j].Date })
	return res, nil
}

func (m *MemoryStore) ListAllEntries(limit, offset int) ([]domain.AdminEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("ListAllEntries")
	if limit <= 0 {
		limit = 100
	}
	all := make([]domain.AdminEntry, 0, len(m.entries))
	for _, e := range m.entries {
		u := m.users[e.UserID]
		all = append(all, domain.AdminEntry{DiaryEntry: e, User: u})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	if offset >= len(all) {
		return []domain.AdminEntry{}, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

func (m *MemoryStore) FindConsent(lineUsername, consentDate string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("FindConsent")
	for _, h := range m.consents {
		if h.LineUsername == lineUsername && h.ConsentDate == consentDate {
			return h.ID, true, nil
		}
	}
	return "", false, nil
}

func (m *MemoryStore) InsertConsent(h domain.ConsentHistory) (domain.ConsentHistory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("InsertConsent")
	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now().UTC()
	}
	m.consents[h.ID] = h
	return h, nil
}

func (m *MemoryStore) ListAllConsents() ([]domain.ConsentHistory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("ListAllConsents")
	res := make([]domain.ConsentHistory, 0, len(m.consents))
	for _, h := range m.consents {
		res = append(res, h)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.After(res[j].CreatedAt) })
	return res, nil
}

func (m *MemoryStore) FindCounselorByEmail(email string) (domain.Counselor, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("FindCounselorByEmail")
	c, ok := m.counselors[email]
	return c, ok, nil
}

func (m *MemoryStore) SaveCounselor(c domain.Counselor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("SaveCounselor")
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	m.counselors[c.Email] = c
	return nil
}

func (m *MemoryStore) UserStats(now time.Time) (domain.UserStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("UserStats")
	stats := domain.UserStats{}
	today := now.UTC().Format("2006-01-02")
	weekAgo := now.UTC().Add(-7 * 24 * time.Hour)
	for _, u := range m.users {
		stats.Total++
		if u.CreatedAt.UTC().Format("2006-01-02") >= today {
			stats.Today++
		}
		if u.CreatedAt.After(weekAgo) {
			stats.ThisWeek++
		}
	}
	return stats, nil
}

func (m *MemoryStore) DiaryStats(now time.Time) (domain.DiaryStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("DiaryStats")
	stats := domain.DiaryStats{ByEmotion: map[string]int64{}}
	today := now.UTC().Format("2006-01-02")
	weekAgo := now.UTC().Add(-7 * 24 * time.Hour).Format("2006-01-02")
	for _, e := range m.entries {
		stats.Total++
		if e.Date >= today {
			stats.Today++
		}
		if e.Date >= weekAgo {
			stats.ThisWeek++
		}
		stats.ByEmotion[e.Emotion]++
	}
	return stats, nil
}

func (m *MemoryStore) RecordSyncAudit(a SyncAudit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("RecordSyncAudit")
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	m.audits = append(m.audits, a)
	return nil
}

// Audits returns recorded sync audits in insertion order.
func (m *MemoryStore) Audits() []SyncAudit {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SyncAudit, len(m.audits))
	copy(out, m.audits)
	return out
}

// EntryCount reports how many entries the store holds.
func (m *MemoryStore) EntryCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
