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
	"fmt"
	"time"
)

// RelationshipState is the lifecycle state of a cross-household connection.
type RelationshipState string

const (
	StateActive  RelationshipState = "active"
	StateFrozen  RelationshipState = "frozen"
	StateBlocked RelationshipState = "blocked"
	StateRemoved RelationshipState = "removed"
)

var allowedTransitions = map[RelationshipState][]RelationshipState{
	StateActive:  {StateFrozen, StateBlocked, StateRemoved},
	StateFrozen:  {StateActive, StateBlocked, StateRemoved},
	StateBlocked: {StateActive, StateRemoved},
	StateRemoved: nil,
}

// AllStates lists every lifecycle state.
func AllStates() []RelationshipState {
	return []RelationshipState{StateActive, StateFrozen, StateBlocked, StateRemoved}
}

func (s RelationshipState) Valid() bool {
	_, ok := allowedTransitions[s]
	return ok
}

// CanTransitionTo reports whether the lifecycle table allows s -> to.
func (s RelationshipState) CanTransitionTo(to RelationshipState) bool {
	for _, allowed := range allowedTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// AllowsReceiving is true only for active relationships.
func (s RelationshipState) AllowsReceiving() bool {
	return s == StateActive
}

// AllowsSending mirrors AllowsReceiving for outbound traffic.
func (s RelationshipState) AllowsSending() bool {
	return s == StateActive
}

// PurgesMedia reports whether entering s deletes the group's local media.
func (s RelationshipState) PurgesMedia() bool {
	return s == StateBlocked || s == StateRemoved
}

// InvalidTransitionError is returned for a transition outside the lifecycle
// table. It is never corrected automatically.
type InvalidTransitionError struct {
	From RelationshipState
	To   RelationshipState
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid relationship transition from %q to %q", e.From, e.To)
}

// Relationship is the trust record between the local household and one
// remote household. It is never physically deleted.
type Relationship struct {
	ID                 string            `json:"id" db:"id"`
	ProfileID          string            `json:"profile_id" db:"profile_id"`
	RemoteHouseholdKey string            `json:"remote_household_key" db:"remote_household_key"`
	RemoteMemberKey    string            `json:"remote_member_key,omitempty" db:"remote_member_key"`
	GroupID            string            `json:"group_id" db:"group_id"`
	State              RelationshipState `json:"state" db:"state"`
	StateReason        string            `json:"state_reason,omitempty" db:"state_reason"`
	StateChangedAt     time.Time         `json:"state_changed_at" db:"state_changed_at"`
	StateChangedBy     string            `json:"state_changed_by" db:"state_changed_by"`
	CreatedAt          time.Time         `json:"created_at" db:"created_at"`
	LastActivityAt     time.Time         `json:"last_activity_at" db:"last_activity_at"`
	LocalReportCount   int               `json:"local_report_count" db:"local_report_count"`
	RemoteReportCount  int               `json:"remote_report_count" db:"remote_report_count"`
	BlockedByRemote    bool              `json:"blocked_by_remote" db:"blocked_by_remote"`
	Notes              string            `json:"notes,omitempty" db:"notes"`
}

func (r *Relationship) TotalReportCount() int {
	return r.LocalReportCount + r.RemoteReportCount
}

// IsHealthy is true for an active relationship nobody has reported.
func (r *Relationship) IsHealthy() bool {
	return r.State == StateActive && r.LocalReportCount == 0 && r.RemoteReportCount == 0
}

// StateChange is one committed lifecycle transition.
type StateChange struct {
	RelationshipID string            `json:"relationship_id"`
	From           RelationshipState `json:"from"`
	To             RelationshipState `json:"to"`
	Reason         string            `json:"reason,omitempty"`
	Actor          string            `json:"actor"`
	At             time.Time         `json:"at"`
}
