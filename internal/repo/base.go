package repo

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Base is embedded by the domain repositories. It carries either the pool or
// an open transaction; callers never need to know which.
type Base struct {
	db *gorm.DB
}

func NewBase(db *gorm.DB) Base {
	return Base{db: db}
}

// DB scopes the connection to ctx so cancellation reaches the driver.
func (b Base) DB(ctx context.Context) *gorm.DB {
	if ctx == nil {
		return b.db
	}
	return b.db.WithContext(ctx)
}

// Locked is DB with SELECT ... FOR UPDATE. The row stays locked until the
// enclosing transaction ends; outside a transaction the lock is released at
// once. The sqlite dialect drops the clause.
func (b Base) Locked(ctx context.Context) *gorm.DB {
	return b.DB(ctx).Clauses(clause.Locking{Strength: "UPDATE"})
}
