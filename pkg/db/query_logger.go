package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/angelmondragon/bazaar-backend/pkg/logger"
)

// queryLogger forwards gorm's statement trace to the service logger. Only
// slow statements and real failures are written; record-not-found is an
// expected outcome for lookups and stays silent.
type queryLogger struct {
	logg  *logger.Logger
	slow  time.Duration
	level gormlogger.LogLevel
}

func newQueryLogger(logg *logger.Logger, slow time.Duration) gormlogger.Interface {
	if logg == nil {
		return gormlogger.Discard
	}
	return &queryLogger{logg: logg, slow: slow, level: gormlogger.Warn}
}

func (q *queryLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	clone := *q
	clone.level = level
	return &clone
}

func (q *queryLogger) Info(ctx context.Context, msg string, args ...any) {
	if q.level >= gormlogger.Info {
		q.logg.Info(ctx, fmt.Sprintf(msg, args...))
	}
}

func (q *queryLogger) Warn(ctx context.Context, msg string, args ...any) {
	if q.level >= gormlogger.Warn {
		q.logg.Warn(ctx, fmt.Sprintf(msg, args...))
	}
}

func (q *queryLogger) Error(ctx context.Context, msg string, args ...any) {
	if q.level >= gormlogger.Error {
		q.logg.Error(ctx, "db.error", fmt.Errorf(msg, args...))
	}
}

func (q *queryLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if q.level <= gormlogger.Silent {
		return
	}
	elapsed := time.Since(begin)
	failed := err != nil && !errors.Is(err, gorm.ErrRecordNotFound)
	slow := q.slow > 0 && elapsed > q.slow
	if !failed && !slow {
		return
	}

	sql, rows := fc()
	fields := map[string]any{
		"sql":         sql,
		"rows":        rows,
		"duration_ms": elapsed.Milliseconds(),
	}
	if pgCode, constraint := pgFields(err); pgCode != "" {
		fields["pg_code"] = pgCode
		fields["pg_constraint"] = constraint
	}
	logCtx := q.logg.WithFields(ctx, fields)
	switch {
	case failed && q.level >= gormlogger.Error:
		// unique violations are how duplicate writes are detected upstream
		if IsUniqueViolation(err, "") {
			q.logg.Warn(logCtx, "db.unique_violation")
			return
		}
		q.logg.Error(logCtx, "db.query_failed", err)
	case slow && q.level >= gormlogger.Warn:
		q.logg.Warn(logCtx, "db.slow_query")
	}
}
