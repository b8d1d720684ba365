package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/otcheredev/ris-dicom-archive/internal/archiveerr"
	"gorm.io/gorm"
)

// Store is the persistence collaborator. Every method works the same way
// on the root store and on the transactional store handed to Transaction.
type Store struct {
	db *gorm.DB
}

// NewStore creates a new store over db
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying gorm handle
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Transaction runs fn inside a database transaction. The transaction is
// committed when fn returns nil and rolled back otherwise.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx})
	})
}

// notFound translates gorm's not-found error into archiveerr.ErrNotFound
func notFound(err error, format string, args ...interface{}) error {
	msg := fmt.Sprintf(format, args...)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", msg, archiveerr.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", msg, err)
}
