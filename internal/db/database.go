package db

import (
	"errors"
	"fmt"
	"time"

	"stablepay-backend/internal/config"
	"stablepay-backend/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

// InitDB opens the postgres payment registry and migrates its schema.
func InitDB(cfg config.DatabaseConfig) (*gorm.DB, error) {
	if cfg.DSN == "" {
		return nil, errors.New("database DSN is required")
	}

	logrus.Info("🗄️ [DB] Connecting to postgres")
	conn, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		SkipDefaultTransaction:                   true,
		PrepareStmt:                              true,
		TranslateError:                           true,
		Logger:                                   logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	if err := Migrate(conn); err != nil {
		return nil, err
	}

	DB = conn
	logrus.Info("✅ [DB] Database connected and migrated")
	return conn, nil
}

// Migrate creates or updates the payments table.
func Migrate(conn *gorm.DB) error {
	if err := conn.AutoMigrate(&models.Payment{}); err != nil {
		return fmt.Errorf("AutoMigrate failed: %w", err)
	}
	if err := backfillReconciliationFlags(conn); err != nil {
		logrus.Warnf("⚠️ [DB] Failed to backfill reconciliation flags: %v", err)
	}
	return nil
}

// backfillReconciliationFlags flags timed-out payments written before the
// needs_reconciliation column existed.
func backfillReconciliationFlags(conn *gorm.DB) error {
	result := conn.Model(&models.Payment{}).
		Where("status = ? AND error_code = ? AND needs_reconciliation = ?", models.PaymentStatusFailed, "CONFIRMATION_TIMEOUT", false).
		Update("needs_reconciliation", true)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		logrus.Infof("🔧 [DB] Flagged %d timed-out payments for reconciliation", result.RowsAffected)
	}
	return nil
}

// Close closes the global connection, if any.
func Close() {
	if DB == nil {
		return
	}
	if sqlDB, err := DB.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
