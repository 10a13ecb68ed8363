package domain

import "time"

// DefaultScore is stored when a journal entry carries no score.
// The classifier also treats a 50/50 pair as a test-data sentinel.
const DefaultScore = 50

type User struct {
	ID           string    `json:"id"`
	LineUsername string    `json:"line_username"`
	CreatedAt    time.Time `json:"created_at"`
}

// JournalEntry is the local-store shape of a diary entry. Field names match
// the JSON blobs the browser client writes, camelCase scores included.
type JournalEntry struct {
	ID                 string `json:"id"`
	Date               string `json:"date"`
	Emotion            string `json:"emotion"`
	Event              string `json:"event"`
	Realization        string `json:"realization"`
	SelfEsteemScore    int    `json:"selfEsteemScore"`
	WorthlessnessScore int    `json:"worthlessnessScore"`
	CounselorMemo      string `json:"counselor_memo,omitempty"`
	IsVisibleToUser    bool   `json:"is_visible_to_user,omitempty"`
	CounselorName      string `json:"counselor_name,omitempty"`
}

// DiaryEntry is the canonical remote shape.
type DiaryEntry struct {
	ID                 string    `json:"id"`
	UserID             string    `json:"user_id"`
	Date               string    `json:"date"`
	Emotion            string    `json:"emotion"`
	Event              string    `json:"event"`
	Realization        string    `json:"realization"`
	SelfEsteemScore    int       `json:"self_esteem_score"`
	WorthlessnessScore int       `json:"worthlessness_score"`
	CounselorMemo      string    `json:"counselor_memo,omitempty"`
	IsVisibleToUser    bool      `json:"is_visible_to_user,omitempty"`
	CounselorName      string    `json:"counselor_name,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

type ConsentHistory struct {
	ID           string    `json:"id"`
	LineUsername string    `json:"line_username"`
	ConsentGiven bool      `json:"consent_given"`
	ConsentDate  string    `json:"consent_date"`
	IPAddress    string    `json:"ip_address"`
	UserAgent    string    `json:"user_agent"`
	CreatedAt    time.Time `json:"created_at"`
}

// Counselor is an admin-panel account.
type Counselor struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
}

// AdminEntry is a diary entry joined with its owner for the admin listing.
type AdminEntry struct {
	DiaryEntry
	User User `json:"user"`
}

type UserStats struct {
	Total    int64 `json:"total"`
	Today    int64 `json:"today"`
	ThisWeek int64 `json:"thisWeek"`
}

type DiaryStats struct {
	Total     int64            `json:"total"`
	Today     int64            `json:"today"`
	ThisWeek  int64            `json:"thisWeek"`
	ByEmotion map[string]int64 `json:"byEmotion"`
}

// CleanupResult reports how many rows a full cleanup removed on each side.
type CleanupResult struct {
	LocalRemoved  int `json:"localRemoved"`
	RemoteRemoved int `json:"supabaseRemoved"`
}

// ToRemote translates a local entry to the remote shape. Absent scores fall
// back to the 50/50 default rather than zero.
func (e JournalEntry) ToRemote(userID string) DiaryEntry {
	return DiaryEntry{
		ID:                 e.ID,
		UserID:             userID,
		Date:               e.Date,
		Emotion:            e.Emotion,
		Event:              e.Event,
		Realization:        e.Realization,
		SelfEsteemScore:    scoreOrDefault(e.SelfEsteemScore),
		WorthlessnessScore: scoreOrDefault(e.WorthlessnessScore),
		CounselorMemo:      e.CounselorMemo,
		IsVisibleToUser:    e.IsVisibleToUser,
		CounselorName:      e.CounselorName,
	}
}

// ToLocal translates a remote entry back to the local shape, counselor
// annotation fields included.
func (e DiaryEntry) ToLocal() JournalEntry {
	return JournalEntry{
		ID:                 e.ID,
		Date:               e.Date,
		Emotion:            e.Emotion,
		Event:              e.Event,
		Realization:        e.Realization,
		SelfEsteemScore:    e.SelfEsteemScore,
		WorthlessnessScore: e.WorthlessnessScore,
		CounselorMemo:      e.CounselorMemo,
		IsVisibleToUser:    e.IsVisibleToUser,
		CounselorName:      e.CounselorName,
	}
}

func scoreOrDefault(score int) int {
	if score == 0 {
		return DefaultScore
	}
	return score
}
