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

import "context"

func (s *Store) Migrate(ctx context.Context) error {
	migrations := []string{
		// Join tickets discovered or published, keyed by content hash
		`CREATE TABLE IF NOT EXISTS key_packages (
			hash VARCHAR(64) PRIMARY KEY,
			household_key VARCHAR(64) NOT NULL,
			credential_key BYTEA NOT NULL,
			init_key BYTEA NOT NULL,
			relays TEXT[] NOT NULL DEFAULT '{}',
			body BYTEA NOT NULL,
			signature BYTEA NOT NULL,
			event_id VARCHAR(64) NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL
		)`,

		`CREATE INDEX IF NOT EXISTS idx_key_packages_household
		ON key_packages(household_key, created_at DESC)`,

		// Where our own tickets were accepted
		`CREATE TABLE IF NOT EXISTS published_handles (
			id BIGSERIAL PRIMARY KEY,
			hash VARCHAR(64) NOT NULL,
			household_key VARCHAR(64) NOT NULL,
			event_id VARCHAR(64) NOT NULL,
			accepted_relays TEXT[] NOT NULL DEFAULT '{}',
			failed_relays JSONB,
			published_at TIMESTAMPTZ NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS groups (
			group_id VARCHAR(255) PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			relays TEXT[] NOT NULL DEFAULT '{}',
			admins TEXT[] NOT NULL DEFAULT '{}',
			state VARCHAR(20) NOT NULL CHECK (state IN ('pending', 'active')),
			created_by VARCHAR(255) NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			last_activity_at TIMESTAMPTZ NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS group_members (
			seq BIGSERIAL,
			group_id VARCHAR(255) NOT NULL,
			member_key VARCHAR(64) NOT NULL,
			PRIMARY KEY (group_id, member_key),
			FOREIGN KEY (group_id) REFERENCES groups(group_id)
		)`,

		// Received welcomes; resolved rows stay as tombstones
		`CREATE TABLE IF NOT EXISTS pending_welcomes (
			event_id VARCHAR(64) PRIMARY KEY,
			group_id VARCHAR(255) NOT NULL,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			relays TEXT[] NOT NULL DEFAULT '{}',
			admins TEXT[] NOT NULL DEFAULT '{}',
			member_count INTEGER NOT NULL DEFAULT 0,
			welcomer VARCHAR(64) NOT NULL,
			welcome BYTEA,
			status VARCHAR(20) NOT NULL CHECK (status IN ('pending', 'accepted', 'declined')),
			received_at TIMESTAMPTZ NOT NULL,
			resolved_at TIMESTAMPTZ
		)`,

		`CREATE TABLE IF NOT EXISTS relationships (
			id VARCHAR(64) PRIMARY KEY,
			profile_id VARCHAR(255) NOT NULL,
			remote_household_key VARCHAR(64) NOT NULL,
			remote_member_key VARCHAR(64) NOT NULL DEFAULT '',
			group_id VARCHAR(255) NOT NULL,
			state VARCHAR(20) NOT NULL CHECK (state IN ('active', 'frozen', 'blocked', 'removed')),
			state_reason TEXT NOT NULL DEFAULT '',
			state_changed_at TIMESTAMPTZ NOT NULL,
			state_changed_by VARCHAR(255) NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			last_activity_at TIMESTAMPTZ NOT NULL,
			local_report_count INTEGER NOT NULL DEFAULT 0,
			remote_report_count INTEGER NOT NULL DEFAULT 0,
			blocked_by_remote BOOLEAN NOT NULL DEFAULT FALSE,
			notes TEXT NOT NULL DEFAULT ''
		)`,

		`CREATE INDEX IF NOT EXISTS idx_relationships_group
		ON relationships(group_id)`,

		// Reports are retained indefinitely
		`CREATE TABLE IF NOT EXISTS reports (
			id VARCHAR(64) PRIMARY KEY,
			video_id VARCHAR(255) NOT NULL DEFAULT '',
			subject_household VARCHAR(64) NOT NULL,
			sender_household VARCHAR(64) NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			note TEXT NOT NULL DEFAULT '',
			level SMALLINT NOT NULL CHECK (level BETWEEN 1 AND 3),
			audience VARCHAR(20) NOT NULL,
			reporter_profile VARCHAR(255) NOT NULL DEFAULT '',
			group_id VARCHAR(255) NOT NULL DEFAULT '',
			relationship_id VARCHAR(64) NOT NULL DEFAULT '',
			direction VARCHAR(10) NOT NULL CHECK (direction IN ('inbound', 'outbound')),
			status VARCHAR(20) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			routed_at TIMESTAMPTZ
		)`,

		`CREATE INDEX IF NOT EXISTS idx_reports_relationship
		ON reports(relationship_id, created_at)`,

		// Append-only moderation ledger
		`CREATE TABLE IF NOT EXISTS audit_log (
			id BIGSERIAL PRIMARY KEY,
			action VARCHAR(64) NOT NULL,
			actor VARCHAR(255) NOT NULL DEFAULT '',
			target_type VARCHAR(32) NOT NULL DEFAULT '',
			target_id VARCHAR(255) NOT NULL DEFAULT '',
			details JSONB,
			created_at TIMESTAMPTZ NOT NULL
		)`,

		`CREATE INDEX IF NOT EXISTS idx_audit_target
		ON audit_log(target_type, target_id, id)`,

		`CREATE INDEX IF NOT EXISTS idx_audit_action
		ON audit_log(action, id)`,

		`CREATE INDEX IF NOT EXISTS idx_audit_created
		ON audit_log(created_at)`,

		// Relay events already handled, used when redis is not configured
		`CREATE TABLE IF NOT EXISTS seen_events (
			event_id VARCHAR(64) PRIMARY KEY,
			seen_at TIMESTAMPTZ NOT NULL
		)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return wrap("migrate", err)
		}
	}

	return nil
}
