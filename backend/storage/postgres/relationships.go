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
	"fmt"

	"github.com/efchatnet/hearth/backend/models"
)

const relationshipColumns = `id, profile_id, remote_household_key, remote_member_key, group_id, state, state_reason,
	state_changed_at, state_changed_by, created_at, last_activity_at, local_report_count, remote_report_count,
	blocked_by_remote, notes`

func scanRelationship(row interface{ Scan(...any) error }) (*models.Relationship, error) {
	var r models.Relationship
	if err := row.Scan(&r.ID, &r.ProfileID, &r.RemoteHouseholdKey, &r.RemoteMemberKey, &r.GroupID, &r.State,
		&r.StateReason, &r.StateChangedAt, &r.StateChangedBy, &r.CreatedAt, &r.LastActivityAt,
		&r.LocalReportCount, &r.RemoteReportCount, &r.BlockedByRemote, &r.Notes); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) CreateRelationship(ctx context.Context, rel models.Relationship, entry models.AuditEntry) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO relationships (`+relationshipColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
			rel.ID, rel.ProfileID, rel.RemoteHouseholdKey, rel.RemoteMemberKey, rel.GroupID, rel.State,
			rel.StateReason, rel.StateChangedAt, rel.StateChangedBy, rel.CreatedAt, rel.LastActivityAt,
			rel.LocalReportCount, rel.RemoteReportCount, rel.BlockedByRemote, rel.Notes)
		if err != nil {
			return wrap("create relationship", err)
		}
		_, err = appendAudit(ctx, tx, entry)
		return wrap("create relationship", err)
	})
}

func (s *Store) GetRelationship(ctx context.Context, id string) (*models.Relationship, error) {
	r, err := scanRelationship(s.db.QueryRowContext(ctx, `
		SELECT `+relationshipColumns+` FROM relationships
		WHERE id = $1`, id))
	if err != nil {
		return nil, wrap("get relationship", err)
	}
	return r, nil
}

func (s *Store) ListRelationships(ctx context.Context) ([]models.Relationship, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+relationshipColumns+` FROM relationships
		ORDER BY created_at, id`)
	if err != nil {
		return nil, wrap("list relationships", err)
	}
	defer rows.Close()

	var out []models.Relationship
	for rows.Next() {
		r, err := scanRelationship(rows)
		if err != nil {
			return nil, wrap("list relationships", err)
		}
		out = append(out, *r)
	}
	return out, wrap("list relationships", rows.Err())
}

func (s *Store) UpdateRelationshipState(ctx context.Context, change models.StateChange, entries ...models.AuditEntry) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var current models.RelationshipState
		err := tx.QueryRowContext(ctx, `
			SELECT state FROM relationships
			WHERE id = $1
			FOR UPDATE`, change.RelationshipID).Scan(&current)
		if err != nil {
			return wrap("update state", err)
		}
		if current != change.From {
			return fmt.Errorf("postgres: update state %s: %w", change.RelationshipID, models.ErrStateConflict)
		}
		for _, entry := range entries {
			if _, err := appendAudit(ctx, tx, entry); err != nil {
				return wrap("update state", err)
			}
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE relationships
			SET state = $2, state_reason = $3, state_changed_by = $4, state_changed_at = $5, last_activity_at = $5
			WHERE id = $1`,
			change.RelationshipID, change.To, change.Reason, change.Actor, change.At)
		return wrap("update state", err)
	})
}

func (s *Store) IncrementReportCount(ctx context.Context, id string, remote bool) error {
	query := `UPDATE relationships SET local_report_count = local_report_count + 1 WHERE id = $1`
	if remote {
		query = `UPDATE relationships SET remote_report_count = remote_report_count + 1 WHERE id = $1`
	}
	res, err := s.db.ExecContext(ctx, query, id)
	return expectRow("increment report count", res, err)
}

func (s *Store) SetBlockedByRemote(ctx context.Context, id string, blocked bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE relationships SET blocked_by_remote = $2
		WHERE id = $1`,
		id, blocked)
	return expectRow("set blocked by remote", res, err)
}

func (s *Store) UpdateNotes(ctx context.Context, id, notes string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE relationships SET notes = $2
		WHERE id = $1`,
		id, notes)
	return expectRow("update notes", res, err)
}
