package store

import (
	"errors"
	"log/slog"

	"github.com/jmoiron/sqlx"
)

// ErrNotFound is returned for lookups of rows that must exist. Callers that
// tolerate absence (the webhook gateway's integration source) get (nil, nil)
// instead.
var ErrNotFound = errors.New("not found")

type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
}

func New(db *sqlx.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}
}

// DB returns the underlying sqlx.DB for direct queries.
func (s *Store) DB() *sqlx.DB {
	return s.db
}
