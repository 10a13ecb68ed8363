package store

import (
	"time"

	"gorm.io/datatypes"

	"kanjounikki/pkg/domain"
)

// GORM models used for persistence. Table names mirror the hosted schema.

type UserModel struct {
	ID           string    `gorm:"primaryKey"`
	LineUsername string    `gorm:"uniqueIndex;not null"`
	CreatedAt    time.Time `gorm:"not null"`
}

func (UserModel) TableName() string { return "users" }

type DiaryEntryModel struct {
	ID                 string    `gorm:"primaryKey"`
	UserID             string    `gorm:"not null;index;uniqueIndex:idx_diary_dedup"`
	Date               string    `gorm:"not null;uniqueIndex:idx_diary_dedup"`
	Emotion            string    `gorm:"not null;uniqueIndex:idx_diary_dedup"`
	Event              string    `gorm:"type:text"`
	Realization        string    `gorm:"type:text"`
	SelfEsteemScore    int       `gorm:"not null"`
	WorthlessnessScore int       `gorm:"not null"`
	CounselorMemo      string    `gorm:"type:text"`
	IsVisibleToUser    bool      `gorm:"not null;default:false"`
	CounselorName      string
	CreatedAt          time.Time `gorm:"not null;index"`
}

func (DiaryEntryModel) TableName() string { return "diary_entries" }

type ConsentHistoryModel struct {
	ID           string    `gorm:"primaryKey"`
	LineUsername string    `gorm:"not null;uniqueIndex:idx_consent_dedup"`
	ConsentGiven bool      `gorm:"not null"`
	ConsentDate  string    `gorm:"not null;uniqueIndex:idx_consent_dedup"`
	IPAddress    string    `gorm:"not null"`
	UserAgent    string    `gorm:"not null"`
	CreatedAt    time.Time `gorm:"not null"`
}

func (ConsentHistoryModel) TableName() string { return "consent_histories" }

type CounselorModel struct {
	ID           string    `gorm:"primaryKey"`
	Name         string    `gorm:"not null"`
	Email        string    `gorm:"uniqueIndex;not null"`
	PasswordHash string    `gorm:"not null"`
	IsActive     bool      `gorm:"not null;default:true"`
	CreatedAt    time.Time `gorm:"not null"`
}

func (CounselorModel) TableName() string { return "counselors" }

type SyncAuditModel struct {
	ID        string         `gorm:"primaryKey"`
	Operation string         `gorm:"not null;index"`
	Payload   datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt time.Time      `gorm:"not null;index"`
}

func (SyncAuditModel) TableName() string { return "sync_audits" }

func userFromModel(m UserModel) domain.User {
	return domain.User{ID: m.ID, LineUsername: m.LineUsername, CreatedAt: m.CreatedAt}
}

func entryToModel(e domain.DiaryEntry) DiaryEntryModel {
	return DiaryEntryModel{
		ID:                 e.ID,
		UserID:             e.UserID,
		Date:               e.Date,
		Emotion:            e.Emotion,
		Event:              e.Event,
		Realization:        e.Realization,
		SelfEsteemScore:    e.SelfEsteemScore,
		WorthlessnessScore: e.WorthlessnessScore,
		CounselorMemo:      e.CounselorMemo,
		IsVisibleToUser:    e.IsVisibleToUser,
		CounselorName:      e.CounselorName,
		CreatedAt:          e.CreatedAt,
	}
}

func entryFromModel(m DiaryEntryModel) domain.DiaryEntry {
	return domain.DiaryEntry{
		ID:                 m.ID,
		UserID:             m.UserID,
		Date:               m.Date,
		Emotion:            m.Emotion,
		Event:              m.Event,
		Realization:        m.Realization,
		SelfEsteemScore:    m.SelfEsteemScore,
		WorthlessnessScore: m.WorthlessnessScore,
		CounselorMemo:      m.CounselorMemo,
		IsVisibleToUser:    m.IsVisibleToUser,
		CounselorName:      m.CounselorName,
		CreatedAt:          m.CreatedAt,
	}
}

func consentToModel(h domain.ConsentHistory) ConsentHistoryModel {
	return ConsentHistoryModel{
		ID:           h.ID,
		LineUsername: h.LineUsername,
		ConsentGiven: h.ConsentGiven,
		ConsentDate:  h.ConsentDate,
		IPAddress:    h.IPAddress,
		UserAgent:    h.UserAgent,
		CreatedAt:    h.CreatedAt,
	}
}

func consentFromModel(m ConsentHistoryModel) domain.ConsentHistory {
	return domain.ConsentHistory{
		ID:           m.ID,
		LineUsername: m.LineUsername,
		ConsentGiven: m.ConsentGiven,
		ConsentDate:  m.ConsentDate,
		IPAddress:    m.IPAddress,
		UserAgent:    m.UserAgent,
		CreatedAt:    m.CreatedAt,
	}
}

func counselorToModel(c domain.Counselor) CounselorModel {
	return CounselorModel{
		ID:           c.ID,
		Name:         c.Name,
		Email:        c.Email,
		PasswordHash: c.PasswordHash,
		IsActive:     c.IsActive,
		CreatedAt:    c.CreatedAt,
	}
}

func counselorFromModel(m CounselorModel) domain.Counselor {
	return domain.Counselor{
		ID:           m.ID,
		Name:         m.Name,
		Email:        m.Email,
		PasswordHash: m.PasswordHash,
		IsActive:     m.IsActive,
		CreatedAt:    m.CreatedAt,
	}
}
