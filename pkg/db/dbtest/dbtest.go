// Package dbtest opens throwaway sqlite databases migrated with the
// application models for repository and service tests.
package dbtest

import (
	"testing"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/angelmondragon/bazaar-backend/pkg/db"
	"github.com/angelmondragon/bazaar-backend/pkg/db/models"
)

// Open returns a private in-memory database with every table migrated. The
// pool is pinned to one connection so concurrent transactions serialize
// instead of tripping sqlite's shared-cache table locks.
func Open(t testing.TB) *gorm.DB {
	t.Helper()
	dsn := "file:bazaar_" + uuid.NewString() + "?mode=memory&cache=shared"
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := conn.DB()
	if err != nil {
		t.Fatalf("sqlite handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := conn.AutoMigrate(
		&models.PaymentIntent{},
		&models.PaymentStateChange{},
		&models.ReconciliationLedgerEntry{},
		&models.Order{},
		&models.RefundRequest{},
		&models.CartItem{},
		&models.OutboxEvent{},
		&models.OutboxDLQ{},
	); err != nil {
		t.Fatalf("migrate sqlite: %v", err)
	}
	return conn
}

// Client wraps Open in the application db client.
func Client(t testing.TB) *db.Client {
	t.Helper()
	return db.NewFromConn(Open(t))
}
