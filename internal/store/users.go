package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"crmhub/internal/types"
)

// GetUserByEmail returns the user and their password hash for login checks.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*types.User, string, error) {
	var user struct {
		types.User
		Password string `db:"password"`
	}

	query := s.db.Rebind(`
		SELECT id, first_name, last_name, email, password, role, created_at
		FROM account
		WHERE email = ?
		LIMIT 1
	`)
	if err := s.db.GetContext(ctx, &user, query, email); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, "", ErrNotFound
		}
		return nil, "", err
	}
	return &user.User, user.Password, nil
}

func (s *Store) GetUserByID(ctx context.Context, userID int) (*types.User, error) {
	var user types.User
	query := s.db.Rebind(`
		SELECT id, first_name, last_name, email, role, created_at
		FROM account
		WHERE id = ?
	`)
	if err := s.db.GetContext(ctx, &user, query, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &user, nil
}

// EnsureAdminUser seeds the bootstrap account when the email is not taken.
func (s *Store) EnsureAdminUser(ctx context.Context, email, passwordHash string) error {
	query := s.db.Rebind(`
		INSERT INTO account (first_name, email, password, role, created_at)
		VALUES ('Admin', ?, ?, 'admin', ?)
		ON CONFLICT (email) DO NOTHING
	`)
	_, err := s.db.ExecContext(ctx, query, email, passwordHash, time.Now().UTC())
	return err
}
