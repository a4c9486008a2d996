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

// Package notify carries typed notifications from the core services to
// whoever is listening, such as the host API bridge.
package notify

import (
	"sync"

	"github.com/efchatnet/hearth/backend/models"
)

const subscriberBuffer = 32

// Feed fans a value out to every current subscriber. Sends never block: a
// subscriber that falls behind misses values rather than stalling the
// sender.
type Feed[T any] struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]chan T
}

// Subscribe returns a channel of future values and a cancel function that
// closes it. Cancel is safe to call more than once.
func (f *Feed[T]) Subscribe() (<-chan T, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subs == nil {
		f.subs = make(map[int]chan T)
	}
	id := f.nextID
	f.nextID++
	ch := make(chan T, subscriberBuffer)
	f.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
			close(ch)
		})
	}
}

// Send delivers v to every subscriber and returns how many received it.
func (f *Feed[T]) Send(v T) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	delivered := 0
	for _, ch := range f.subs {
		select {
		case ch <- v:
			delivered++
		default:
		}
	}
	return delivered
}

// WelcomesChanged is sent when the set of pending welcomes changes.
type WelcomesChanged struct {
	Pending int `json:"pending"`
}

// ReportReceived is sent for every newly ingested inbound report.
type ReportReceived struct {
	ReportID         string             `json:"report_id"`
	Level            models.ReportLevel `json:"level"`
	Audience         models.Audience    `json:"audience"`
	SubjectHousehold string             `json:"subject_household"`
	SenderHousehold  string             `json:"sender_household"`
	GroupID          string             `json:"group_id,omitempty"`
}

// RelationshipChanged is sent after a committed lifecycle transition.
type RelationshipChanged struct {
	models.StateChange
	GroupID string `json:"group_id"`
}
