// Package dbctx bundles a request-scoped context.Context with an optional
// GORM transaction, so repository methods can be called either standalone
// or as part of a caller-managed transaction.
package dbctx

import (
	"context"

	"gorm.io/gorm"
)

type Context struct {
	Ctx context.Context
	Tx  *gorm.DB
}

func Background() Context { return Context{Ctx: context.Background()} }

func (c Context) WithTx(tx *gorm.DB) Context {
	c.Tx = tx
	return c
}

// Resolve returns the transaction to use: the bound Tx if present, else db.
func (c Context) Resolve(db *gorm.DB) *gorm.DB {
	if c.Tx != nil {
		return c.Tx
	}
	return db
}
