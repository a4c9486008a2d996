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

	"github.com/efchatnet/hearth/backend/models"
)

type execQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func appendAudit(ctx context.Context, q execQuerier, entry models.AuditEntry) (int64, error) {
	var details []byte
	if len(entry.Details) > 0 {
		details = entry.Details
	}
	var id int64
	err := q.QueryRowContext(ctx, `
		INSERT INTO audit_log (action, actor, target_type, target_id, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		entry.Action, entry.Actor, entry.TargetType, entry.TargetID, details, entry.CreatedAt).Scan(&id)
	return id, err
}

func (s *Store) AppendAudit(ctx context.Context, entry models.AuditEntry) (int64, error) {
	id, err := appendAudit(ctx, s.db, entry)
	return id, wrap("append audit", err)
}

func (s *Store) queryAudit(ctx context.Context, op, where string, args ...any) ([]models.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, action, actor, target_type, target_id, details, created_at
		FROM audit_log `+where, args...)
	if err != nil {
		return nil, wrap(op, err)
	}
	defer rows.Close()

	var out []models.AuditEntry
	for rows.Next() {
		var (
			e       models.AuditEntry
			details []byte
		)
		if err := rows.Scan(&e.ID, &e.Action, &e.Actor, &e.TargetType, &e.TargetID, &details, &e.CreatedAt); err != nil {
			return nil, wrap(op, err)
		}
		e.Details = details
		out = append(out, e)
	}
	return out, wrap(op, rows.Err())
}

func (s *Store) AuditByTarget(ctx context.Context, targetType, targetID string) ([]models.AuditEntry, error) {
	return s.queryAudit(ctx, "audit by target", `WHERE target_type = $1 AND target_id = $2 ORDER BY id`, targetType, targetID)
}

func (s *Store) AuditByAction(ctx context.Context, action models.AuditAction) ([]models.AuditEntry, error) {
	return s.queryAudit(ctx, "audit by action", `WHERE action = $1 ORDER BY id`, action)
}

func (s *Store) RecentAudit(ctx context.Context, limit int) ([]models.AuditEntry, error) {
	return s.queryAudit(ctx, "recent audit", `ORDER BY id DESC LIMIT $1`, limit)
}

func (s *Store) PruneAudit(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit_log WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, wrap("prune audit", err)
	}
	n, err := res.RowsAffected()
	return n, wrap("prune audit", err)
}
