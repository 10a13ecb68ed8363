package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"kanjounikki/pkg/domain"
)

const migrateLockID int64 = 48104810

// GormStore implements RemoteStore using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// OpenTiers opens both privilege tiers against the remote database. The
// service DSN owns the schema, so auto-migration runs on that tier only; the
// standard DSN connects with the policy-bound role.
func OpenTiers(standardDSN, serviceDSN string) (Tiers, error) {
	service, err := NewGormStore(serviceDSN, true)
	if err != nil {
		return Tiers{}, fmt.Errorf("open service tier: %w", err)
	}
	standard, err := NewGormStore(standardDSN, false)
	if err != nil {
		return Tiers{}, fmt.Errorf("open standard tier: %w", err)
	}
	return Tiers{Standard: standard, Service: service}, nil
}

// NewGormStore opens the DB and optionally runs auto-migrations.
func NewGormStore(dsn string, migrate bool) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if migrate {
		if err := withMigrationLock(db, func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(
				&UserModel{},
				&DiaryEntryModel{},
				&ConsentHistoryModel{},
				&CounselorModel{},
				&SyncAuditModel{},
			); err != nil {
				return fmt.Errorf("auto migrate: %w", err)
			}
			return nil
		}); err != nil {
			return nil, err
		}
	}
	return &GormStore{db: db}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// FindUserByUsername looks up a user by line_username.
func (s *GormStore) FindUserByUsername(lineUsername string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.Where("line_username = ?", lineUsername).First(&model).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// InsertUser creates a user row. A unique-key race surfaces as
// ErrDuplicateUser so the caller can re-fetch the winner.
func (s *GormStore) InsertUser(lineUsername string) (domain.User, error) {
	model := UserModel{
		ID:           uuid.NewString(),
		LineUsername: lineUsername,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.db.Create(&model).Error; err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return domain.User{}, ErrDuplicateUser
		}
		return domain.User{}, err
	}
	return userFromModel(model), nil
}

// FindEntry probes for an existing row with the dedup key.
func (s *GormStore) FindEntry(userID, date, emotion string) (string, bool, error) {
	var model DiaryEntryModel
	err := s.db.Select("id").
		Where("user_id = ? AND date = ? AND emotion = ?", userID, date, emotion).
		First(&model).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return "", false, nil
		}
		return "", false, err
	}
	return model.ID, true, nil
}

// InsertEntry creates a single diary entry.
func (s *GormStore) InsertEntry(e domain.DiaryEntry) (domain.DiaryEntry, error) {
	model := entryToModel(prepareEntry(e))
	if err := s.db.Create(&model).Error; err != nil {
		return domain.DiaryEntry{}, err
	}
	return entryFromModel(model), nil
}

// UpsertEntries writes a batch with DO NOTHING on the dedup key, so rows
// already present keep their original content.
func (s *GormStore) UpsertEntries(entries []domain.DiaryEntry) error {
	if len(entries) == 0 {
		return nil
	}
	models := make([]DiaryEntryModel, 0, len(entries))
	for _, e := range entries {
		models = append(models, entryToModel(prepareEntry(e)))
	}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "date"}, {Name: "emotion"}},
		DoNothing: true,
	}).Create(&models).Error
}

// UpdateEntry applies a counselor annotation to one entry.
func (s *GormStore) UpdateEntry(id string, upd EntryUpdate) (domain.DiaryEntry, bool, error) {
	updates := map[string]any{}
	if upd.CounselorMemo != nil {
		updates["counselor_memo"] = *upd.CounselorMemo
	}
	if upd.IsVisibleToUser != nil {
		updates["is_visible_to_user"] = *upd.IsVisibleToUser
	}
	if upd.CounselorName != nil {
		updates["counselor_name"] = *upd.CounselorName
	}
	if len(updates) > 0 {
		res := s.db.Model(&DiaryEntryModel{}).Where("id = ?", id).Updates(updates)
		if res.Error != nil {
			return domain.DiaryEntry{}, false, res.Error
		}
		if res.RowsAffected == 0 {
			return domain.DiaryEntry{}, false, nil
		}
	}
	var model DiaryEntryModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.DiaryEntry{}, false, nil
		}
		return domain.DiaryEntry{}, false, err
	}
	return entryFromModel(model), true, nil
}

// DeleteEntry removes one entry by id.
func (s *GormStore) DeleteEntry(id string) error {
	return s.db.Delete(&DiaryEntryModel{}, "id = ?", id).Error
}

// DeleteEntries removes a batch of entries by id.
func (s *GormStore) DeleteEntries(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.db.Delete(&DiaryEntryModel{}, "id IN ?", ids).Error
}

// DeleteEntriesForUser removes every entry owned by a user.
func (s *GormStore) DeleteEntriesForUser(userID string) error {
	return s.db.Delete(&DiaryEntryModel{}, "user_id = ?", userID).Error
}

// ListEntriesForUser returns all entries for a user, newest date first.
func (s *GormStore) ListEntriesForUser(userID string) ([]domain.DiaryEntry, error) {
	var models []DiaryEntryModel
	if err := s.db.Where("user_id = ?", userID).Order("date DESC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.DiaryEntry, 0, len(models))
	for _, m := range models {
		res = append(res, entryFromModel(m))
	}
	return res, nil
}

// ListAllEntries returns entries joined with their owners for the admin
// panel, newest first.
func (s *GormStore) ListAllEntries(limit, offset int) ([]domain.AdminEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	type joinedRow struct {
		DiaryEntryModel
		UserLineUsername string
		UserCreatedAt    time.Time
	}
	var rows []joinedRow
	err := s.db.Model(&DiaryEntryModel{}).
		Select("diary_entries.*, users.line_username AS user_line_username, users.created_at AS user_created_at").
		Joins("INNER JOIN users ON users.id = diary_entries.user_id").
		Order("diary_entries.created_at DESC").
		Limit(limit).
		Offset(offset).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	res := make([]domain.AdminEntry, 0, len(rows))
	for _, r := range rows {
		res = append(res, domain.AdminEntry{
			DiaryEntry: entryFromModel(r.DiaryEntryModel),
			User: domain.User{
				ID:           r.UserID,
				LineUsername: r.UserLineUsername,
				CreatedAt:    r.UserCreatedAt,
			},
		})
	}
	return res, nil
}

// FindConsent probes for an existing consent record with the dedup key.
func (s *GormStore) FindConsent(lineUsername, consentDate string) (string, bool, error) {
	var model ConsentHistoryModel
	err := s.db.Select("id").
		Where("line_username = ? AND consent_date = ?", lineUsername, consentDate).
		First(&model).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return "", false, nil
		}
		return "", false, err
	}
	return model.ID, true, nil
}

// InsertConsent creates a consent record. Records are immutable once written.
func (s *GormStore) InsertConsent(h domain.ConsentHistory) (domain.ConsentHistory, error) {
	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now().UTC()
	}
	model := consentToModel(h)
	if err := s.db.Create(&model).Error; err != nil {
		return domain.ConsentHistory{}, err
	}
	return consentFromModel(model), nil
}

// ListAllConsents returns every consent record, newest first.
func (s *GormStore) ListAllConsents() ([]domain.ConsentHistory, error) {
	var models []ConsentHistoryModel
	if err := s.db.Order("created_at DESC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.ConsentHistory, 0, len(models))
	for _, m := range models {
		res = append(res, consentFromModel(m))
	}
	return res, nil
}

// FindCounselorByEmail looks up a counselor account.
func (s *GormStore) FindCounselorByEmail(email string) (domain.Counselor, bool, error) {
	var model CounselorModel
	if err := s.db.Where("email = ?", email).First(&model).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Counselor{}, false, nil
		}
		return domain.Counselor{}, false, err
	}
	return counselorFromModel(model), true, nil
}

// SaveCounselor creates or updates a counselor account.
func (s *GormStore) SaveCounselor(c domain.Counselor) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	model := counselorToModel(c)
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "email", "password_hash", "is_active"}),
	}).Create(&model).Error
}

// UserStats aggregates registration counts. The three counts run in
// parallel, matching the fan-out the admin panel issues.
func (s *GormStore) UserStats(now time.Time) (domain.UserStats, error) {
	today := now.UTC().Format("2006-01-02")
	weekAgo := now.UTC().Add(-7 * 24 * time.Hour)

	var stats domain.UserStats
	g := new(errgroup.Group)
	g.Go(func() error {
		return s.db.Model(&UserModel{}).Count(&stats.Total).Error
	})
	g.Go(func() error {
		return s.db.Model(&UserModel{}).Where("created_at >= ?", today).Count(&stats.Today).Error
	})
	g.Go(func() error {
		return s.db.Model(&UserModel{}).Where("created_at >= ?", weekAgo).Count(&stats.ThisWeek).Error
	})
	if err := g.Wait(); err != nil {
		return domain.UserStats{}, err
	}
	return stats, nil
}

// DiaryStats aggregates entry counts and the per-emotion breakdown.
func (s *GormStore) DiaryStats(now time.Time) (domain.DiaryStats, error) {
	today := now.UTC().Format("2006-01-02")
	weekAgo := now.UTC().Add(-7 * 24 * time.Hour).Format("2006-01-02")

	stats := domain.DiaryStats{ByEmotion: map[string]int64{}}
	type emotionCount struct {
		Emotion string
		Count   int64
	}
	var byEmotion []emotionCount

	g := new(errgroup.Group)
	g.Go(func() error {
		return s.db.Model(&DiaryEntryModel{}).Count(&stats.Total).Error
	})
	g.Go(func() error {
		return s.db.Model(&DiaryEntryModel{}).Where("date >= ?", today).Count(&stats.Today).Error
	})
	g.Go(func() error {
		return s.db.Model(&DiaryEntryModel{}).Where("date >= ?", weekAgo).Count(&stats.ThisWeek).Error
	})
	g.Go(func() error {
		return s.db.Model(&DiaryEntryModel{}).
			Select("emotion, COUNT(*) AS count").
			Group("emotion").
			Scan(&byEmotion).Error
	})
	if err := g.Wait(); err != nil {
		return domain.DiaryStats{}, err
	}
	for _, ec := range byEmotion {
		stats.ByEmotion[ec.Emotion] = ec.Count
	}
	return stats, nil
}

// RecordSyncAudit persists one reconciliation run.
func (s *GormStore) RecordSyncAudit(a SyncAudit) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	payload, err := json.Marshal(map[string]any{
		"user_id":     a.UserID,
		"processed":   a.Processed,
		"skipped":     a.Skipped,
		"duration_ms": a.Duration.Milliseconds(),
		"started_at":  a.StartedAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("marshal audit payload: %w", err)
	}
	model := SyncAuditModel{
		ID:        a.ID,
		Operation: a.Operation,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	return s.db.Create(&model).Error
}

func prepareEntry(e domain.DiaryEntry) domain.DiaryEntry {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	return e
}
