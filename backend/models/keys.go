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

package models

import (
	"encoding/hex"
	"time"
)

// KeyPackage is a household's join ticket. It is immutable once issued;
// re-publishing produces a new ticket rather than mutating this one.
type KeyPackage struct {
	// Hash is the hex BLAKE3 digest of Body and identifies the ticket.
	Hash          string    `json:"hash" db:"hash"`
	HouseholdKey  string    `json:"household_key" db:"household_key"`
	CredentialKey []byte    `json:"credential_key" db:"credential_key"`
	InitKey       []byte    `json:"init_key" db:"init_key"`
	Relays        []string  `json:"relays" db:"relays"`
	Body          []byte    `json:"body" db:"body"`
	Signature     []byte    `json:"signature" db:"signature"`
	EventID       string    `json:"event_id,omitempty" db:"event_id"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

// PublishedTicketHandle records where a ticket was accepted.
type PublishedTicketHandle struct {
	Hash           string            `json:"hash" db:"hash"`
	HouseholdKey   string            `json:"household_key" db:"household_key"`
	EventID        string            `json:"event_id" db:"event_id"`
	AcceptedRelays []string          `json:"accepted_relays" db:"accepted_relays"`
	FailedRelays   map[string]string `json:"failed_relays,omitempty"`
	PublishedAt    time.Time         `json:"published_at" db:"published_at"`
}

// ValidHouseholdKey reports whether key is a 32-byte hex encoded public key.
func ValidHouseholdKey(key string) bool {
	if len(key) != 64 {
		return false
	}
	_, err := hex.DecodeString(key)
	return err == nil
}
