// Package store implements app.AssessmentStore.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/dkeye/Collab/internal/domain"
)

var (
	ErrConflict     = errors.New("assessment changed concurrently")
	ErrExists       = errors.New("assessment already exists")
	ErrNotAnObject  = errors.New("updates must be a JSON object")
	errNoUpdateKeys = errors.New("updates are empty")
)

// Assessment holds the current field values as one JSON document.
type Assessment struct {
	ID        string `gorm:"primaryKey;size:64"`
	Fields    string `gorm:"type:text;not null"`
	Version   int64  `gorm:"not null;default:0"`
	UpdatedBy string `gorm:"size:64"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// AssessmentUpdate is the append-only log of accepted updates.
type AssessmentUpdate struct {
	ID           uint64 `gorm:"primaryKey;autoIncrement"`
	AssessmentID string `gorm:"size:64;index"`
	UpdatedBy    string `gorm:"size:64"`
	Payload      string `gorm:"type:text"`
	Version      int64
	CreatedAt    time.Time
}

type GormStore struct {
	db *gorm.DB
}

// Open migrates the schema on an already chosen dialector.
func Open(d gorm.Dialector, lvl logger.LogLevel) (*GormStore, error) {
	db, err := gorm.Open(d, &gorm.Config{
		Logger:         logger.Default.LogMode(lvl),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := db.AutoMigrate(&Assessment{}, &AssessmentUpdate{}); err != nil {
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return &GormStore{db: db}, nil
}

func NewMySQL(dsn string) (*GormStore, error) {
	return Open(gormmysql.Open(dsn), logger.Warn)
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *GormStore) CreateAssessment(ctx context.Context, id string, fields json.RawMessage) error {
	if len(fields) == 0 {
		fields = json.RawMessage(`{}`)
	}
	if _, err := decodeObject(fields); err != nil {
		return err
	}
	err := s.db.WithContext(ctx).Create(&Assessment{ID: id, Fields: string(fields)}).Error
	return classify(err)
}

// Fields returns the current document and its version.
func (s *GormStore) Fields(ctx context.Context, id string) (json.RawMessage, int64, error) {
	var a Assessment
	if err := s.db.WithContext(ctx).First(&a, "id = ?", id).Error; err != nil {
		return nil, 0, classify(err)
	}
	return json.RawMessage(a.Fields), a.Version, nil
}

// ApplyUpdate merges updates into the stored document. The version check
// makes a concurrent writer fail with ErrConflict instead of losing fields.
func (s *GormStore) ApplyUpdate(ctx context.Context, assessmentID string, updates json.RawMessage, by domain.UserID) error {
	patch, err := decodeObject(updates)
	if err != nil {
		return err
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var a Assessment
		if err := tx.First(&a, "id = ?", assessmentID).Error; err != nil {
			return err
		}
		merged, err := merge(json.RawMessage(a.Fields), patch)
		if err != nil {
			return err
		}
		res := tx.Model(&Assessment{}).
			Where("id = ? AND version = ?", a.ID, a.Version).
			Updates(map[string]any{
				"fields":     string(merged),
				"version":    a.Version + 1,
				"updated_by": string(by),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrConflict
		}
		return tx.Create(&AssessmentUpdate{
			AssessmentID: a.ID,
			UpdatedBy:    string(by),
			Payload:      string(updates),
			Version:      a.Version + 1,
		}).Error
	})
	return classify(err)
}

// classify maps driver errors onto domain.ErrStoreRejected. Context errors
// pass through so callers can tell a timeout from a verdict.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, domain.ErrStoreRejected) {
		return err
	}
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("%w: %w", domain.ErrStoreRejected, domain.ErrAssessmentNotFound)
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("%w: %w", domain.ErrStoreRejected, ErrExists)
	case errors.Is(err, ErrConflict):
		return fmt.Errorf("%w: %w", domain.ErrStoreRejected, ErrConflict)
	}
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		switch mysqlErr.Number {
		case 1062:
			return fmt.Errorf("%w: %w", domain.ErrStoreRejected, ErrExists)
		case 1213, 1205:
			return fmt.Errorf("%w: %w", domain.ErrStoreRejected, ErrConflict)
		}
		return fmt.Errorf("%w: mysql %d: %s", domain.ErrStoreRejected, mysqlErr.Number, mysqlErr.Message)
	}
	return err
}

func decodeObject(raw json.RawMessage) (map[string]json.RawMessage, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil || m == nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrStoreRejected, ErrNotAnObject)
	}
	return m, nil
}

// merge overlays patch keys onto the stored document, top level only.
func merge(doc json.RawMessage, patch map[string]json.RawMessage) (json.RawMessage, error) {
	if len(patch) == 0 {
		return nil, fmt.Errorf("%w: %w", domain.ErrStoreRejected, errNoUpdateKeys)
	}
	base := map[string]json.RawMessage{}
	if len(doc) > 0 {
		if err := json.Unmarshal(doc, &base); err != nil {
			return nil, fmt.Errorf("stored fields corrupt: %w", err)
		}
	}
	for k, v := range patch {
		base[k] = v
	}
	return json.Marshal(base)
}
