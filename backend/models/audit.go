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
	"encoding/json"
	"time"
)

type AuditAction string

const (
	AuditRelationshipCreated    AuditAction = "relationship_created"
	AuditRelationshipTransition AuditAction = "relationship_transition"
	AuditMediaPurged            AuditAction = "media_purged"
	AuditMediaPurgeFailed       AuditAction = "media_purge_failed"
	AuditGroupCreated           AuditAction = "group_created"
	AuditMembersAdded           AuditAction = "members_added"
	AuditMembersRemoved         AuditAction = "members_removed"
	AuditWelcomeAccepted        AuditAction = "welcome_accepted"
	AuditWelcomeDeclined        AuditAction = "welcome_declined"
	AuditReportSubmitted        AuditAction = "report_submitted"
	AuditReportReceived         AuditAction = "report_received"
	AuditReportStatusChanged    AuditAction = "report_status_changed"
	AuditModeratorAction        AuditAction = "moderator_action"
	AuditModeratorActionDropped AuditAction = "moderator_action_dropped"
)

// Target types used in audit entries.
const (
	TargetRelationship = "relationship"
	TargetGroup        = "group"
	TargetReport       = "report"
	TargetWelcome      = "welcome"
)

// AuditEntry is an append-only moderation ledger row.
type AuditEntry struct {
	ID         int64           `json:"id" db:"id"`
	Action     AuditAction     `json:"action" db:"action"`
	Actor      string          `json:"actor" db:"actor"`
	TargetType string          `json:"target_type,omitempty" db:"target_type"`
	TargetID   string          `json:"target_id,omitempty" db:"target_id"`
	Details    json.RawMessage `json:"details,omitempty" db:"details"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
}

// NewAuditEntry builds an entry, encoding details as JSON when present.
func NewAuditEntry(action AuditAction, actor, targetType, targetID string, details any, at time.Time) (AuditEntry, error) {
	entry := AuditEntry{
		Action:     action,
		Actor:      actor,
		TargetType: targetType,
		TargetID:   targetID,
		CreatedAt:  at.UTC(),
	}
	if details != nil {
		data, err := json.Marshal(details)
		if err != nil {
			return AuditEntry{}, err
		}
		entry.Details = data
	}
	return entry, nil
}
