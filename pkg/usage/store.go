// Package usage persists the per-tenant byte counters enforced by the quota
// decorator.
//
// One row per tenant in the tenant_usage table. The store is a thin GORM
// layer over SQLite (default) or PostgreSQL; every failure is reported
// wrapped in filestore.ErrSQL.
package usage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/marmos91/shardstore/internal/logger"
	"github.com/marmos91/shardstore/pkg/filestore"
)

// Record is the usage row of one tenant.
type Record struct {
	TenantID  string    `gorm:"primaryKey;size:255" json:"tenant_id"`
	UsedBytes int64     `gorm:"not null;default:0" json:"used_bytes"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the table name for Record.
func (Record) TableName() string {
	return "tenant_usage"
}

// Store implements usage persistence using GORM.
// It supports both SQLite and PostgreSQL backends via the same codebase.
type Store struct {
	db     *gorm.DB
	config *Config
}

// New opens the usage database and creates the schema via AutoMigrate.
func New(config *Config) (*Store, error) {
	if config == nil {
		config = &Config{}
	}

	config.ApplyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database configuration: %w", err)
	}

	var dialector gorm.Dialector
	switch config.Type {
	case DatabaseTypeSQLite:
		if err := os.MkdirAll(filepath.Dir(config.SQLite.Path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		// journal_mode(WAL): concurrent readers with a single writer
		// busy_timeout(5000): wait up to 5 seconds when the database is locked
		dsn := config.SQLite.Path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
		dialector = sqlite.Open(dsn)

	case DatabaseTypePostgres:
		dialector = postgres.Open(config.Postgres.DSN())

	default:
		return nil, fmt.Errorf("unsupported database type: %s", config.Type)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to connect to database: %w", filestore.ErrSQL, err)
	}

	if config.Type == DatabaseTypePostgres {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get underlying database: %w", err)
		}
		sqlDB.SetMaxOpenConns(config.Postgres.MaxOpenConns)
		sqlDB.SetMaxIdleConns(config.Postgres.MaxIdleConns)
	}

	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("%w: failed to run database migration: %w", filestore.ErrSQL, err)
	}

	return &Store{db: db, config: config}, nil
}

// DB returns the underlying GORM database connection.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Close closes the database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Get returns the recorded usage of tenant. A tenant without a row uses
// zero bytes.
func (s *Store) Get(ctx context.Context, tenant string) (int64, error) {
	var rec Record
	result := s.db.WithContext(ctx).Where("tenant_id = ?", tenant).Limit(1).Find(&rec)
	if result.Error != nil {
		return 0, sqlError("get usage", tenant, result.Error)
	}
	return rec.UsedBytes, nil
}

// GetForWrite reads the usage of tenant in the scope intended for a
// following update.
//
// On PostgreSQL the row is read with SELECT ... FOR UPDATE in a short
// transaction. The row lock ends with that transaction, so this is best
// effort only: callers serialize updates with the storage lock, not with
// the database. On SQLite it is equivalent to Get.
func (s *Store) GetForWrite(ctx context.Context, tenant string) (int64, error) {
	if s.config.Type != DatabaseTypePostgres {
		return s.Get(ctx, tenant)
	}

	var rec Record
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("tenant_id = ?", tenant).Limit(1).Find(&rec).Error
	})
	if err != nil {
		return 0, sqlError("get usage for write", tenant, err)
	}
	return rec.UsedBytes, nil
}

// Add adds delta (possibly negative) to the usage of tenant.
//
// A result below zero is clamped to zero and clamped is set; the caller
// decides how to report the inconsistency.
//
// The row is created on first use with read-then-insert. Two writers that
// both see no row race on the insert; the loser's duplicate-key failure is
// logged and discarded, and its delta is lost. RecalculateUsage is the
// repair path for the resulting drift.
func (s *Store) Add(ctx context.Context, tenant string, delta int64) (value int64, clamped bool, err error) {
	db := s.db.WithContext(ctx)

	var rec Record
	result := db.Where("tenant_id = ?", tenant).Limit(1).Find(&rec)
	if result.Error != nil {
		return 0, false, sqlError("read usage", tenant, result.Error)
	}

	value, clamped = clamp(rec.UsedBytes + delta)
	now := time.Now()

	if result.RowsAffected == 0 {
		rec = Record{TenantID: tenant, UsedBytes: value, UpdatedAt: now}
		if err := db.Create(&rec).Error; err != nil {
			if isUniqueConstraintError(err) {
				logger.Warn("Concurrent usage row creation for tenant %s, discarding delta %d", tenant, delta)
				return value, clamped, nil
			}
			return 0, false, sqlError("insert usage", tenant, err)
		}
		return value, clamped, nil
	}

	err = db.Model(&Record{}).
		Where("tenant_id = ?", tenant).
		Updates(map[string]any{
			"used_bytes": value,
			"updated_at": now,
		}).Error
	if err != nil {
		return 0, false, sqlError("update usage", tenant, err)
	}
	return value, clamped, nil
}

// Set overwrites the usage of tenant, creating the row if needed.
func (s *Store) Set(ctx context.Context, tenant string, value int64) error {
	if value < 0 {
		return fmt.Errorf("%w: usage of tenant %s cannot be negative (%d)", filestore.ErrInvalidParameter, tenant, value)
	}

	rec := Record{TenantID: tenant, UsedBytes: value, UpdatedAt: time.Now()}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tenant_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"used_bytes", "updated_at"}),
	}).Create(&rec).Error
	if err != nil {
		return sqlError("set usage", tenant, err)
	}
	return nil
}

// Delete removes the row of tenant and reports whether one existed.
func (s *Store) Delete(ctx context.Context, tenant string) (bool, error) {
	result := s.db.WithContext(ctx).Where("tenant_id = ?", tenant).Delete(&Record{})
	if result.Error != nil {
		return false, sqlError("delete usage", tenant, result.Error)
	}
	return result.RowsAffected > 0, nil
}

// List returns all usage rows ordered by tenant.
func (s *Store) List(ctx context.Context) ([]Record, error) {
	var records []Record
	if err := s.db.WithContext(ctx).Order("tenant_id").Find(&records).Error; err != nil {
		return nil, sqlError("list usage", "", err)
	}
	return records, nil
}

func clamp(v int64) (int64, bool) {
	if v < 0 {
		return 0, true
	}
	return v, false
}

func sqlError(op, tenant string, err error) error {
	if errors.Is(err, filestore.ErrSQL) {
		return err
	}
	if tenant == "" {
		return fmt.Errorf("%w: %s: %w", filestore.ErrSQL, op, err)
	}
	return fmt.Errorf("%w: %s for tenant %s: %w", filestore.ErrSQL, op, tenant, err)
}

// isUniqueConstraintError checks if the error is a unique constraint violation.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	errStr := err.Error()
	// SQLite or PostgreSQL unique constraint errors
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "duplicate key value violates unique constraint")
}
