package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"mednote/pkg/domain"
)

const migrateLockID int64 = 61736153

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
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
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&TranscriptModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

// withMigrationLock serializes migrations across replicas with a Postgres advisory lock.
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

// CreateTranscript inserts t under a fresh UUID.
func (s *GormStore) CreateTranscript(ctx context.Context, t domain.Transcript) (string, error) {
	now := time.Now().UTC()
	t.ID = uuid.NewString()
	t.CreatedAt = now
	t.UpdatedAt = now
	model := transcriptToModel(t)
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return "", err
	}
	return t.ID, nil
}

// ListTranscriptsByOwner returns the subject's transcripts, newest first.
func (s *GormStore) ListTranscriptsByOwner(ctx context.Context, subject string) ([]domain.Transcript, error) {
	var models []TranscriptModel
	if err := s.db.WithContext(ctx).
		Where("owner_subject = ?", subject).
		Order("created_at DESC, id DESC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Transcript, 0, len(models))
	for _, m := range models {
		res = append(res, transcriptFromModel(m))
	}
	return res, nil
}

func (s *GormStore) GetTranscript(ctx context.Context, id, subject string) (domain.Transcript, bool, error) {
	if _, err := uuid.Parse(id); err != nil {
		return domain.Transcript{}, false, nil
	}
	var model TranscriptModel
	err := s.db.WithContext(ctx).First(&model, "id = ? AND owner_subject = ?", id, subject).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Transcript{}, false, nil
	}
	if err != nil {
		return domain.Transcript{}, false, err
	}
	return transcriptFromModel(model), true, nil
}

func (s *GormStore) UpdateTranscriptFields(ctx context.Context, id, subject string, patch domain.TranscriptPatch) (bool, error) {
	if _, err := uuid.Parse(id); err != nil {
		return false, nil
	}
	res := s.db.WithContext(ctx).Model(&TranscriptModel{}).
		Where("id = ? AND owner_subject = ?", id, subject).
		Updates(patchColumns(patch, time.Now().UTC()))
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (s *GormStore) DeleteTranscript(ctx context.Context, id, subject string) (bool, error) {
	if _, err := uuid.Parse(id); err != nil {
		return false, nil
	}
	res := s.db.WithContext(ctx).Delete(&TranscriptModel{}, "id = ? AND owner_subject = ?", id, subject)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// Close releases the connection pool.
func (s *GormStore) Close(context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
