package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/angelmondragon/bazaar-backend/pkg/config"
	"github.com/angelmondragon/bazaar-backend/pkg/logger"
)

const (
	driverPostgres = "postgres"
	driverSQLite   = "sqlite"

	connectAttempts = 5
	connectBackoff  = 250 * time.Millisecond
)

// Client owns the pooled connection shared by every repository.
type Client struct {
	conn *gorm.DB
}

// New opens the configured driver and waits for the database to answer.
// Postgres goes through pgx; sqlite is accepted for local runs only.
// Queries slower than cfg.SlowQuery and failed statements go to logg.
func New(ctx context.Context, cfg config.DBConfig, logg *logger.Logger) (*Client, error) {
	dialector, err := dialectorFor(cfg)
	if err != nil {
		return nil, err
	}

	conn, err := gorm.Open(dialector, &gorm.Config{
		Logger:                 newQueryLogger(logg, cfg.SlowQuery),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening %s connection: %w", driverName(cfg), err)
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return nil, fmt.Errorf("getting sql db handle: %w", err)
	}
	configurePool(sqlDB, cfg)

	if err := waitReachable(ctx, sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	if logg != nil {
		logg.Info(logg.WithFields(ctx, map[string]any{
			"driver":         driverName(cfg),
			"max_open_conns": cfg.MaxOpenConns,
			"max_idle_conns": cfg.MaxIdleConns,
		}), "database connection established")
	}
	return &Client{conn: conn}, nil
}

func driverName(cfg config.DBConfig) string {
	name := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if name == "" {
		return driverPostgres
	}
	return name
}

func dialectorFor(cfg config.DBConfig) (gorm.Dialector, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN is required")
	}
	switch driverName(cfg) {
	case driverPostgres:
		return postgres.New(postgres.Config{DSN: cfg.DSN, PreferSimpleProtocol: true}), nil
	case driverSQLite:
		return sqlite.Open(cfg.DSN), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

// waitReachable pings with a short exponential backoff. Containers often
// start before the database accepts connections.
func waitReachable(ctx context.Context, sqlDB *sql.DB) error {
	backoff := retry.WithMaxRetries(connectAttempts-1, retry.NewExponential(connectBackoff))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := sqlDB.PingContext(ctx); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
}

func configurePool(sqlDB *sql.DB, cfg config.DBConfig) {
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if cfg.ConnMaxIdleTime > 0 {
		sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}
}

// NewFromConn wraps an already opened connection. Tests use it with sqlite.
func NewFromConn(conn *gorm.DB) *Client {
	return &Client{conn: conn}
}

func (c *Client) DB() *gorm.DB {
	return c.conn
}

func (c *Client) Ping(ctx context.Context) error {
	sqlDB, err := c.conn.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (c *Client) Close() error {
	sqlDB, err := c.conn.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// WithTx runs fn in one transaction. A returned error or a panic rolls it
// back; the panic is re-raised. fn runs once: callers that emit outbox rows
// or bind idempotency keys are not safe to replay.
func (c *Client) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return c.conn.WithContext(ctx).Transaction(fn)
}
