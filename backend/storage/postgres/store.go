// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package postgres is the durable storage.Store used by hearthd.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/efchatnet/hearth/backend/models"
	"github.com/efchatnet/hearth/backend/storage"
	redisStore "github.com/efchatnet/hearth/backend/storage/redis"
)

type Store struct {
	db     *sql.DB
	ledger *redisStore.EventLedger
	logger *slog.Logger
}

var (
	_ storage.Store       = (*Store)(nil)
	_ storage.EventLedger = (*Store)(nil)
)

// NewStore wraps db. When rdb is non-nil, seen relay events are tracked in
// redis with ledgerTTL; otherwise they are kept in the seen_events table.
func NewStore(db *sql.DB, rdb *redis.Client, ledgerTTL time.Duration, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Store{db: db, logger: logger.With("component", "postgres")}
	if rdb != nil {
		s.ledger = redisStore.NewEventLedger(rdb, ledgerTTL)
	}
	return s
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// withTx runs fn in a transaction, committing when it returns nil.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	return nil
}

// wrap maps sql.ErrNoRows to models.ErrNotFound and prefixes op.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("postgres: %s: %w", op, models.ErrNotFound)
	}
	return fmt.Errorf("postgres: %s: %w", op, err)
}

// expectRow turns an UPDATE that touched nothing into models.ErrNotFound.
func expectRow(op string, res sql.Result, err error) error {
	if err != nil {
		return wrap(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrap(op, err)
	}
	if n == 0 {
		return fmt.Errorf("postgres: %s: %w", op, models.ErrNotFound)
	}
	return nil
}

func (s *Store) MarkSeen(ctx context.Context, eventID string) (bool, error) {
	if s.ledger != nil {
		return s.ledger.MarkSeen(ctx, eventID)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO seen_events (event_id, seen_at)
		VALUES ($1, $2)
		ON CONFLICT (event_id) DO NOTHING`,
		eventID, time.Now().UTC())
	if err != nil {
		return false, wrap("mark seen", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrap("mark seen", err)
	}
	return n == 1, nil
}
