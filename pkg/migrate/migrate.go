package migrate

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"

	"github.com/pressly/goose/v3"
)

// DefaultDir is where the schema lives in the source tree. The same files
// are embedded in every binary, so running from another working directory
// still migrates the right schema.
const DefaultDir = "pkg/migrate/migrations"

//go:embed migrations/*.sql
var embedded embed.FS

var errDBRequired = errors.New("db is required")

// source resolves dir to the migration files. DefaultDir and "" map to the
// embedded copy.
func source(dir string) (fs.FS, error) {
	if dir == "" || dir == DefaultDir {
		return fs.Sub(embedded, "migrations")
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("migrations dir %q: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("migrations dir %q is not a directory", dir)
	}
	return os.DirFS(dir), nil
}

func newProvider(db *sql.DB, dir string) (*goose.Provider, error) {
	if db == nil {
		return nil, errDBRequired
	}
	fsys, err := source(dir)
	if err != nil {
		return nil, err
	}
	provider, err := goose.NewProvider(goose.DialectPostgres, db, fsys)
	if err != nil {
		return nil, fmt.Errorf("goose provider: %w", err)
	}
	return provider, nil
}

// Run applies up, down or redo and returns one result per migration touched.
func Run(ctx context.Context, db *sql.DB, dir, command string) ([]*goose.MigrationResult, error) {
	provider, err := newProvider(db, dir)
	if err != nil {
		return nil, err
	}
	defer provider.Close()

	switch command {
	case "up":
		return provider.Up(ctx)
	case "down":
		res, err := provider.Down(ctx)
		return single(res), err
	case "redo":
		down, err := provider.Down(ctx)
		if err != nil {
			return single(down), err
		}
		up, err := provider.UpByOne(ctx)
		return append(single(down), single(up)...), err
	default:
		return nil, fmt.Errorf("unsupported goose command %q", command)
	}
}

// Status reports every known migration and whether it has been applied.
func Status(ctx context.Context, db *sql.DB, dir string) ([]*goose.MigrationStatus, error) {
	provider, err := newProvider(db, dir)
	if err != nil {
		return nil, err
	}
	defer provider.Close()
	return provider.Status(ctx)
}

// MigrateToVersion moves the schema up or down until it sits at targetVersion.
func MigrateToVersion(ctx context.Context, db *sql.DB, dir, targetVersion string) ([]*goose.MigrationResult, error) {
	target, err := strconv.ParseInt(targetVersion, 10, 64)
	if err != nil || len(targetVersion) != versionDigits {
		return nil, fmt.Errorf("invalid version %q (expected YYYYMMDDHHMMSS)", targetVersion)
	}

	provider, err := newProvider(db, dir)
	if err != nil {
		return nil, err
	}
	defer provider.Close()

	current, err := provider.GetDBVersion(ctx)
	if err != nil {
		return nil, fmt.Errorf("get db version: %w", err)
	}
	switch {
	case current == target:
		return nil, nil
	case current < target:
		return provider.UpTo(ctx, target)
	default:
		return provider.DownTo(ctx, target)
	}
}

func single(res *goose.MigrationResult) []*goose.MigrationResult {
	if res == nil {
		return nil
	}
	return []*goose.MigrationResult{res}
}
