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
	"encoding/json"

	"github.com/lib/pq"

	"github.com/efchatnet/hearth/backend/models"
)

func (s *Store) SaveKeyPackage(ctx context.Context, kp models.KeyPackage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO key_packages (hash, household_key, credential_key, init_key, relays, body, signature, event_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (hash) DO UPDATE
		SET relays = $5, event_id = $8`,
		kp.Hash, kp.HouseholdKey, kp.CredentialKey, kp.InitKey, pq.Array(kp.Relays),
		kp.Body, kp.Signature, kp.EventID, kp.CreatedAt)
	return wrap("save key package", err)
}

func (s *Store) KeyPackagesForHousehold(ctx context.Context, householdKey string) ([]models.KeyPackage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT hash, household_key, credential_key, init_key, relays, body, signature, event_id, created_at
		FROM key_packages
		WHERE household_key = $1
		ORDER BY created_at DESC`, householdKey)
	if err != nil {
		return nil, wrap("key packages", err)
	}
	defer rows.Close()

	var out []models.KeyPackage
	for rows.Next() {
		var kp models.KeyPackage
		if err := rows.Scan(&kp.Hash, &kp.HouseholdKey, &kp.CredentialKey, &kp.InitKey,
			pq.Array(&kp.Relays), &kp.Body, &kp.Signature, &kp.EventID, &kp.CreatedAt); err != nil {
			return nil, wrap("key packages", err)
		}
		out = append(out, kp)
	}
	return out, wrap("key packages", rows.Err())
}

func (s *Store) SavePublishedHandle(ctx context.Context, handle models.PublishedTicketHandle) error {
	var failed []byte
	if len(handle.FailedRelays) > 0 {
		var err error
		if failed, err = json.Marshal(handle.FailedRelays); err != nil {
			return wrap("save handle", err)
		}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO published_handles (hash, household_key, event_id, accepted_relays, failed_relays, published_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		handle.Hash, handle.HouseholdKey, handle.EventID, pq.Array(handle.AcceptedRelays), failed, handle.PublishedAt)
	return wrap("save handle", err)
}

func (s *Store) LatestPublishedHandle(ctx context.Context, householdKey string) (*models.PublishedTicketHandle, error) {
	var (
		handle models.PublishedTicketHandle
		failed []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT hash, household_key, event_id, accepted_relays, failed_relays, published_at
		FROM published_handles
		WHERE household_key = $1
		ORDER BY id DESC LIMIT 1`, householdKey).Scan(
		&handle.Hash, &handle.HouseholdKey, &handle.EventID, pq.Array(&handle.AcceptedRelays), &failed, &handle.PublishedAt)
	if err != nil {
		return nil, wrap("latest handle", err)
	}
	if len(failed) > 0 {
		if err := json.Unmarshal(failed, &handle.FailedRelays); err != nil {
			return nil, wrap("latest handle", err)
		}
	}
	return &handle, nil
}
