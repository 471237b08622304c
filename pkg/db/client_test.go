package db

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/angelmondragon/bazaar-backend/pkg/config"
	"github.com/angelmondragon/bazaar-backend/pkg/logger"
)

type testModel struct {
	ID   int
	Name string `gorm:"uniqueIndex"`
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{SkipDefaultTransaction: true})
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(&testModel{}))
	return conn
}

func countRows(t *testing.T, conn *gorm.DB) int64 {
	t.Helper()
	var count int64
	require.NoError(t, conn.Model(&testModel{}).Count(&count).Error)
	return count
}

func TestWithTxCommitsAndRollsBack(t *testing.T) {
	conn := newTestDB(t)
	client := NewFromConn(conn)
	ctx := context.Background()

	require.NoError(t, client.WithTx(ctx, func(tx *gorm.DB) error {
		return tx.Create(&testModel{Name: "committed"}).Error
	}))
	assert.Equal(t, int64(1), countRows(t, conn))

	err := client.WithTx(ctx, func(tx *gorm.DB) error {
		if err := tx.Create(&testModel{Name: "rolled"}).Error; err != nil {
			return err
		}
		return errors.New("boom")
	})
	require.EqualError(t, err, "boom")
	assert.Equal(t, int64(1), countRows(t, conn))
}

func TestWithTxRollsBackOnPanic(t *testing.T) {
	conn := newTestDB(t)
	client := NewFromConn(conn)

	assert.PanicsWithValue(t, "kaboom", func() {
		_ = client.WithTx(context.Background(), func(tx *gorm.DB) error {
			require.NoError(t, tx.Create(&testModel{Name: "lost"}).Error)
			panic("kaboom")
		})
	})
	assert.Zero(t, countRows(t, conn))
}

func TestPing(t *testing.T) {
	client := NewFromConn(newTestDB(t))
	assert.NoError(t, client.Ping(context.Background()))
}

func TestIsUniqueViolation(t *testing.T) {
	conn := newTestDB(t)
	require.NoError(t, conn.Create(&testModel{Name: "dup"}).Error)
	err := conn.Create(&testModel{Name: "dup"}).Error
	assert.True(t, IsUniqueViolation(err, ""), "sqlite duplicate: %v", err)

	pgErr := fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505", ConstraintName: "ux_orders_intent_product"})
	assert.True(t, IsUniqueViolation(pgErr, "ux_orders_intent_product"))
	assert.False(t, IsUniqueViolation(pgErr, "ux_other"))
	assert.False(t, IsUniqueViolation(&pgconn.PgError{Code: "23503"}, ""))
	assert.False(t, IsUniqueViolation(errors.New("boom"), ""))
	assert.False(t, IsUniqueViolation(nil, ""))
}

func TestQueryLoggerReportsSlowAndFailedStatements(t *testing.T) {
	var buf bytes.Buffer
	ql := newQueryLogger(logger.New(logger.Options{ServiceName: "db-test", Output: &buf}), 10*time.Millisecond)
	ctx := context.Background()
	stmt := func() (string, int64) { return "SELECT 1", 1 }

	ql.Trace(ctx, time.Now(), stmt, nil)
	assert.Empty(t, buf.String(), "fast statements are not logged")

	ql.Trace(ctx, time.Now(), stmt, gorm.ErrRecordNotFound)
	assert.Empty(t, buf.String(), "not found is not a failure")

	ql.Trace(ctx, time.Now().Add(-time.Second), stmt, nil)
	assert.Contains(t, buf.String(), "db.slow_query")

	buf.Reset()
	ql.Trace(ctx, time.Now(), stmt, &pgconn.PgError{Code: "23505", ConstraintName: "ux_payment_intents_idempotency_key"})
	assert.Contains(t, buf.String(), "db.unique_violation")
	assert.Contains(t, buf.String(), "ux_payment_intents_idempotency_key")

	buf.Reset()
	ql.LogMode(gormlogger.Silent).Trace(ctx, time.Now().Add(-time.Second), stmt, errors.New("boom"))
	assert.Empty(t, buf.String())
}

func TestQueryLoggerWithoutLoggerDiscards(t *testing.T) {
	assert.Equal(t, gormlogger.Discard, newQueryLogger(nil, time.Second))
}

func TestNewOpensConfiguredDriver(t *testing.T) {
	ctx := context.Background()

	client, err := New(ctx, config.DBConfig{
		Driver:       "SQLite",
		DSN:          "file:new_client?mode=memory&cache=shared",
		MaxOpenConns: 2,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	assert.NoError(t, client.Ping(ctx))

	_, err = New(ctx, config.DBConfig{Driver: "mysql", DSN: "root@/bazaar"}, nil)
	assert.ErrorContains(t, err, "unsupported database driver")

	_, err = New(ctx, config.DBConfig{Driver: "postgres"}, nil)
	assert.ErrorContains(t, err, "DSN is required")
}
