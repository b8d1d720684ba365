package command

import (
	"context"

	"github.com/otcheredev/ris-dicom-archive/internal/repository"
)

// DatabaseUpdate applies its changes inside one database transaction. It
// must be the last command of a run: when it fails the transaction is rolled
// back, and when it succeeds nothing can fail after it.
type DatabaseUpdate struct {
	Description string
	Store       *repository.Store
	Apply       func(ctx context.Context, tx *repository.Store) error
}

// NewDatabaseUpdate creates the command
func NewDatabaseUpdate(description string, store *repository.Store, apply func(ctx context.Context, tx *repository.Store) error) *DatabaseUpdate {
	return &DatabaseUpdate{Description: description, Store: store, Apply: apply}
}

func (c *DatabaseUpdate) Name() string {
	return "DatabaseUpdate " + c.Description
}

func (c *DatabaseUpdate) Execute(ctx context.Context, pc *Context) error {
	return c.Store.Transaction(ctx, func(tx *repository.Store) error {
		return c.Apply(ctx, tx)
	})
}

// Undo does nothing; a failed transaction was never committed
func (c *DatabaseUpdate) Undo(ctx context.Context, pc *Context) error {
	return nil
}

func (c *DatabaseUpdate) commitsDatabase() {}
