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

package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"

	"github.com/efchatnet/hearth/backend/models"
)

const welcomeColumns = `event_id, group_id, name, description, relays, admins, member_count, welcomer, welcome, status, received_at, resolved_at`

func scanWelcome(row interface{ Scan(...any) error }) (*models.PendingWelcome, error) {
	var (
		w        models.PendingWelcome
		resolved sql.NullTime
	)
	if err := row.Scan(&w.EventID, &w.GroupID, &w.Name, &w.Description, pq.Array(&w.Relays), pq.Array(&w.Admins),
		&w.MemberCount, &w.Welcomer, &w.Welcome, &w.Status, &w.ReceivedAt, &resolved); err != nil {
		return nil, err
	}
	if resolved.Valid {
		w.ResolvedAt = &resolved.Time
	}
	return &w, nil
}

func (s *Store) SaveWelcome(ctx context.Context, w models.PendingWelcome) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_welcomes (`+welcomeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (event_id) DO NOTHING`,
		w.EventID, w.GroupID, w.Name, w.Description, pq.Array(w.Relays), pq.Array(w.Admins),
		w.MemberCount, w.Welcomer, w.Welcome, w.Status, w.ReceivedAt, w.ResolvedAt)
	if err != nil {
		return false, wrap("save welcome", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrap("save welcome", err)
	}
	return n == 1, nil
}

func (s *Store) GetWelcome(ctx context.Context, eventID string) (*models.PendingWelcome, error) {
	w, err := scanWelcome(s.db.QueryRowContext(ctx, `
		SELECT `+welcomeColumns+` FROM pending_welcomes
		WHERE event_id = $1`, eventID))
	if err != nil {
		return nil, wrap("get welcome", err)
	}
	return w, nil
}

func (s *Store) ListWelcomes(ctx context.Context, status models.WelcomeStatus) ([]models.PendingWelcome, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+welcomeColumns+` FROM pending_welcomes
		WHERE $1 = '' OR status = $1
		ORDER BY received_at`, string(status))
	if err != nil {
		return nil, wrap("list welcomes", err)
	}
	defer rows.Close()

	var out []models.PendingWelcome
	for rows.Next() {
		w, err := scanWelcome(rows)
		if err != nil {
			return nil, wrap("list welcomes", err)
		}
		out = append(out, *w)
	}
	return out, wrap("list welcomes", rows.Err())
}

func (s *Store) ResolveWelcome(ctx context.Context, eventID string, status models.WelcomeStatus, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pending_welcomes SET status = $2, resolved_at = $3
		WHERE event_id = $1`,
		eventID, status, at)
	return expectRow("resolve welcome", res, err)
}
