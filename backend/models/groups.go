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
	"time"
)

type GroupState string

const (
	GroupStatePending GroupState = "pending"
	GroupStateActive  GroupState = "active"
)

// Group is the encrypted channel shared by connected households. Groups are
// never deleted, only abandoned.
type Group struct {
	GroupID        string     `json:"group_id" db:"group_id"`
	Name           string     `json:"name" db:"name"`
	Description    string     `json:"description" db:"description"`
	Relays         []string   `json:"relays" db:"relays"`
	Admins         []string   `json:"admins" db:"admins"`
	Members        []string   `json:"members" db:"-"`
	MemberCount    int        `json:"member_count" db:"member_count"`
	State          GroupState `json:"state" db:"state"`
	CreatedBy      string     `json:"created_by" db:"created_by"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	LastActivityAt time.Time  `json:"last_activity_at" db:"last_activity_at"`
}

// CanShare reports whether content may be exchanged in the group. The
// encryption layer needs at least two members; a solitary group is inert.
func (g *Group) CanShare() bool {
	return g.State == GroupStateActive && g.MemberCount >= 2
}

type WelcomeStatus string

const (
	WelcomePending  WelcomeStatus = "pending"
	WelcomeAccepted WelcomeStatus = "accepted"
	WelcomeDeclined WelcomeStatus = "declined"
)

// PendingWelcome is an invitation received from the network. Resolved
// welcomes stay behind as tombstones so redelivery of the same event is a
// no-op.
type PendingWelcome struct {
	EventID     string        `json:"event_id" db:"event_id"`
	GroupID     string        `json:"group_id" db:"group_id"`
	Name        string        `json:"name" db:"name"`
	Description string        `json:"description" db:"description"`
	Relays      []string      `json:"relays" db:"relays"`
	Admins      []string      `json:"admins" db:"admins"`
	MemberCount int           `json:"member_count" db:"member_count"`
	Welcomer    string        `json:"welcomer" db:"welcomer"`
	Welcome     []byte        `json:"-" db:"welcome"`
	Status      WelcomeStatus `json:"status" db:"status"`
	ReceivedAt  time.Time     `json:"received_at" db:"received_at"`
	ResolvedAt  *time.Time    `json:"resolved_at,omitempty" db:"resolved_at"`
}

// UpdateItem is the outcome of one entry of a batch membership change.
type UpdateItem struct {
	GroupID string   `json:"group_id"`
	Members []string `json:"members,omitempty"`
	Err     error    `json:"-"`
	Error   string   `json:"error,omitempty"`
}

func (i UpdateItem) Succeeded() bool {
	return i.Err == nil
}

// UpdateResult reports per-item success or failure of a batch; a failing
// item never aborts the rest of the batch.
type UpdateResult struct {
	Items []UpdateItem `json:"items"`
}

func (r *UpdateResult) add(item UpdateItem) {
	if item.Err != nil {
		item.Error = item.Err.Error()
	}
	r.Items = append(r.Items, item)
}

// Succeed records a successful item.
func (r *UpdateResult) Succeed(groupID string, members []string) {
	r.add(UpdateItem{GroupID: groupID, Members: members})
}

// Fail records a failed item.
func (r *UpdateResult) Fail(groupID string, err error) {
	r.add(UpdateItem{GroupID: groupID, Err: err})
}

// Partial records a failed item that still added members.
func (r *UpdateResult) Partial(groupID string, members []string, err error) {
	r.add(UpdateItem{GroupID: groupID, Members: members, Err: err})
}

func (r *UpdateResult) Failed() []UpdateItem {
	var failed []UpdateItem
	for _, item := range r.Items {
		if !item.Succeeded() {
			failed = append(failed, item)
		}
	}
	return failed
}

// Item returns the result recorded for groupID.
func (r *UpdateResult) Item(groupID string) (UpdateItem, bool) {
	for _, item := range r.Items {
		if item.GroupID == groupID {
			return item, true
		}
	}
	return UpdateItem{}, false
}
