package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Resource types stored in the session_resources table.
const (
	ResourceTunnel    = "tunnel"
	ResourceJumpChain = "jump_chain"
)

// Record is the durable row for a persisted session.
type Record struct {
	SessionID        string    `gorm:"primaryKey" json:"session_id"`
	ConnectionConfig string    `gorm:"type:text;not null" json:"connection_config"`
	CreatedAt        time.Time `gorm:"not null" json:"created_at"`
	LastActive       time.Time `gorm:"not null" json:"last_active"`
	Persist          bool      `gorm:"not null;default:false" json:"persist"`
	AutoRecover      bool      `gorm:"not null;default:false;index" json:"auto_recover"`
	RecoveryCount    int       `gorm:"not null;default:0" json:"recovery_count"`
	StateData        string    `gorm:"type:text" json:"state_data"`

	Resources []Resource `gorm:"foreignKey:SessionID;constraint:OnDelete:CASCADE" json:"resources,omitempty"`
}

func (Record) TableName() string { return "sessions" }

// Resource is a tunnel or jump chain attached to a session when it was
// persisted. ResourceConfig holds its JSON configuration.
type Resource struct {
	ID             uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID      string `gorm:"not null;index" json:"session_id"`
	ResourceType   string `gorm:"not null" json:"resource_type"`
	ResourceConfig string `gorm:"type:text;not null" json:"resource_config"`
}

func (Resource) TableName() string { return "session_resources" }

// Store persists session records.
type Store interface {
	Insert(ctx context.Context, rec *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	// MarkRecovered sets last_active and increments recovery_count.
	MarkRecovered(ctx context.Context, id string, at time.Time) error
	Delete(ctx context.Context, id string) error
	ListAutoRecover(ctx context.Context) ([]Record, error)
	Close() error
}

// SQLStore is a Store backed by SQLite through GORM.
type SQLStore struct {
	db *gorm.DB
}

// OpenSQLStore opens (creating if needed) the database at path and migrates
// its schema.
func OpenSQLStore(path string) (*SQLStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if err := db.AutoMigrate(&Record{}, &Resource{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}

	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Insert(ctx context.Context, rec *Record) error {
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("insert session %s: %w", rec.SessionID, err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*Record, error) {
	var rec Record
	err := s.db.WithContext(ctx).Preload("Resources").Where("session_id = ?", id).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	return &rec, nil
}

func (s *SQLStore) MarkRecovered(ctx context.Context, id string, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&Record{}).Where("session_id = ?", id).Updates(map[string]any{
		"last_active":    at,
		"recovery_count": gorm.Expr("recovery_count + ?", 1),
	})
	if res.Error != nil {
		return fmt.Errorf("update session %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("session_id = ?", id).Delete(&Resource{}).Error; err != nil {
			return fmt.Errorf("delete session resources %s: %w", id, err)
		}
		res := tx.Where("session_id = ?", id).Delete(&Record{})
		if res.Error != nil {
			return fmt.Errorf("delete session %s: %w", id, res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
		}
		return nil
	})
}

func (s *SQLStore) ListAutoRecover(ctx context.Context) ([]Record, error) {
	var recs []Record
	if err := s.db.WithContext(ctx).Preload("Resources").Where("auto_recover = ?", true).Order("created_at").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return recs, nil
}

func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
