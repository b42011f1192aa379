package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ActionStatus is the lifecycle of a journaled user action.
type ActionStatus string

const (
	ActionPending   ActionStatus = "PENDING"
	ActionSucceeded ActionStatus = "SUCCEEDED"
	ActionFailed    ActionStatus = "FAILED"
)

// Action records one user-initiated write and how it ended.
type Action struct {
	ID        uuid.UUID    `gorm:"type:uuid;primaryKey"`
	Kind      string       `gorm:"index"`
	Actor     string       `gorm:"index"`
	Election  string       `gorm:"index"`
	Detail    string
	Status    ActionStatus `gorm:"index"`
	TxHash    string
	ErrorKind string
	Reason    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Journal persists the action log through gorm.
type Journal struct {
	db    *gorm.DB
	clock func() time.Time
}

// OpenJournal connects to dsn. postgres:// DSNs use the postgres driver;
// anything else is a sqlite path, and an empty DSN is a private in-memory
// database.
func OpenJournal(dsn string) (*Journal, error) {
	var dialector gorm.Dialector
	switch trimmed := strings.TrimSpace(dsn); {
	case trimmed == "":
		dialector = sqlite.Open("file:journal-" + uuid.NewString() + "?mode=memory&cache=shared")
	case strings.HasPrefix(trimmed, "postgres://"), strings.HasPrefix(trimmed, "postgresql://"):
		dialector = postgres.Open(trimmed)
	default:
		dialector = sqlite.Open(trimmed)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("storage: open journal: %w", err)
	}
	return NewJournal(db)
}

// NewJournal migrates the schema on an existing gorm handle.
func NewJournal(db *gorm.DB) (*Journal, error) {
	if err := db.AutoMigrate(&Action{}); err != nil {
		return nil, fmt.Errorf("storage: migrate journal: %w", err)
	}
	return &Journal{db: db, clock: time.Now}, nil
}

// Begin records a pending action and returns its id.
func (j *Journal) Begin(ctx context.Context, kind, actor, electionAddr, detail string) (uuid.UUID, error) {
	now := j.clock().UTC()
	action := Action{
		ID:        uuid.New(),
		Kind:      kind,
		Actor:     actor,
		Election:  electionAddr,
		Detail:    detail,
		Status:    ActionPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := j.db.WithContext(ctx).Create(&action).Error; err != nil {
		return uuid.Nil, err
	}
	return action.ID, nil
}

// Succeed marks an action as succeeded.
func (j *Journal) Succeed(ctx context.Context, id uuid.UUID, txHash string) error {
	return j.finish(ctx, id, map[string]interface{}{
		"status":     ActionSucceeded,
		"tx_hash":    txHash,
		"updated_at": j.clock().UTC(),
	})
}

// Fail marks an action as failed with the error kind and a reason.
func (j *Journal) Fail(ctx context.Context, id uuid.UUID, kind, reason, txHash string) error {
	return j.finish(ctx, id, map[string]interface{}{
		"status":     ActionFailed,
		"error_kind": kind,
		"reason":     reason,
		"tx_hash":    txHash,
		"updated_at": j.clock().UTC(),
	})
}

func (j *Journal) finish(ctx context.Context, id uuid.UUID, updates map[string]interface{}) error {
	res := j.db.WithContext(ctx).Model(&Action{}).
		Where("id = ? AND status = ?", id, ActionPending).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("storage: action %s is not pending", id)
	}
	return nil
}

// Get loads one action.
func (j *Journal) Get(ctx context.Context, id uuid.UUID) (Action, error) {
	var action Action
	err := j.db.WithContext(ctx).First(&action, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Action{}, ErrNotFound
	}
	return action, err
}

// Recent lists the newest actions first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Action, error) {
	if limit <= 0 {
		limit = 50
	}
	var actions []Action
	err := j.db.WithContext(ctx).Order("created_at desc").Limit(limit).Find(&actions).Error
	return actions, err
}

// Close releases the database handle.
func (j *Journal) Close() error {
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
