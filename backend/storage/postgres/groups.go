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

	"github.com/lib/pq"

	"github.com/efchatnet/hearth/backend/models"
)

const groupColumns = `g.group_id, g.name, g.description, g.relays, g.admins, g.state, g.created_by, g.created_at, g.last_activity_at,
	COALESCE(array_agg(m.member_key ORDER BY m.seq) FILTER (WHERE m.member_key IS NOT NULL), '{}')`

func scanGroup(row interface{ Scan(...any) error }) (*models.Group, error) {
	var g models.Group
	if err := row.Scan(&g.GroupID, &g.Name, &g.Description, pq.Array(&g.Relays), pq.Array(&g.Admins),
		&g.State, &g.CreatedBy, &g.CreatedAt, &g.LastActivityAt, pq.Array(&g.Members)); err != nil {
		return nil, err
	}
	g.MemberCount = len(g.Members)
	return &g, nil
}

func insertMembers(ctx context.Context, tx *sql.Tx, groupID string, members []string) error {
	for _, member := range members {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO group_members (group_id, member_key)
			VALUES ($1, $2)
			ON CONFLICT (group_id, member_key) DO NOTHING`,
			groupID, member); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) CreateGroup(ctx context.Context, group models.Group) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO groups (group_id, name, description, relays, admins, state, created_by, created_at, last_activity_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			group.GroupID, group.Name, group.Description, pq.Array(group.Relays), pq.Array(group.Admins),
			group.State, group.CreatedBy, group.CreatedAt, group.LastActivityAt)
		if err != nil {
			return wrap("create group", err)
		}
		return wrap("create group", insertMembers(ctx, tx, group.GroupID, group.Members))
	})
}

func (s *Store) GetGroup(ctx context.Context, groupID string) (*models.Group, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+groupColumns+`
		FROM groups g
		LEFT JOIN group_members m ON m.group_id = g.group_id
		WHERE g.group_id = $1
		GROUP BY g.group_id`, groupID)
	g, err := scanGroup(row)
	if err != nil {
		return nil, wrap("get group", err)
	}
	return g, nil
}

func (s *Store) ListGroups(ctx context.Context) ([]models.Group, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+groupColumns+`
		FROM groups g
		LEFT JOIN group_members m ON m.group_id = g.group_id
		GROUP BY g.group_id
		ORDER BY g.group_id`)
	if err != nil {
		return nil, wrap("list groups", err)
	}
	defer rows.Close()

	var out []models.Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, wrap("list groups", err)
		}
		out = append(out, *g)
	}
	return out, wrap("list groups", rows.Err())
}

// groupExists locks the group row for the rest of tx.
func groupExists(ctx context.Context, tx *sql.Tx, groupID string) error {
	var id string
	return tx.QueryRowContext(ctx, `SELECT group_id FROM groups WHERE group_id = $1 FOR UPDATE`, groupID).Scan(&id)
}

func (s *Store) AddGroupMembers(ctx context.Context, groupID string, members []string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := groupExists(ctx, tx, groupID); err != nil {
			return wrap("add members", err)
		}
		return wrap("add members", insertMembers(ctx, tx, groupID, members))
	})
}

func (s *Store) RemoveGroupMembers(ctx context.Context, groupID string, members []string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := groupExists(ctx, tx, groupID); err != nil {
			return wrap("remove members", err)
		}
		_, err := tx.ExecContext(ctx, `
			DELETE FROM group_members
			WHERE group_id = $1 AND member_key = ANY($2)`,
			groupID, pq.Array(members))
		return wrap("remove members", err)
	})
}

func (s *Store) GetGroupMembers(ctx context.Context, groupID string) ([]string, error) {
	g, err := s.GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	return g.Members, nil
}

func (s *Store) SetGroupState(ctx context.Context, groupID string, state models.GroupState) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE groups SET state = $2, last_activity_at = NOW()
		WHERE group_id = $1`,
		groupID, state)
	return expectRow("set group state", res, err)
}
