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

// Package relay is the contract with the public relay network: publish to a
// set of relays, query and subscribe with filters, report relay health.
// Relays are untrusted; events may be duplicated, delayed or reordered.
package relay

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"slices"
	"time"
)

// Event kinds carried by the relay network.
const (
	KindKeyPackage      = 443
	KindWelcome         = 444
	KindReport          = 1984
	KindModeratorAction = 4551
)

// Tag names.
const (
	TagRecipient = "p"
	TagGroup     = "h"
	TagRelays    = "relays"
	TagLevel     = "level"
)

type Event struct {
	ID        string     `json:"id"`
	Author    string     `json:"author"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	CreatedAt time.Time  `json:"created_at"`
	Sig       string     `json:"sig,omitempty"`
}

// Tag returns the first value of the named tag, or "".
func (e *Event) Tag(name string) string {
	for _, tag := range e.Tags {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1]
		}
	}
	return ""
}

// TagValues returns every value of the named tag.
func (e *Event) TagValues(name string) []string {
	var values []string
	for _, tag := range e.Tags {
		if len(tag) >= 2 && tag[0] == name {
			values = append(values, tag[1:]...)
		}
	}
	return values
}

// ComputeID derives the event id the way the relay protocol does: sha256 of
// the serialized [0, author, created_at, kind, tags, content] array.
func (e *Event) ComputeID() string {
	tags := e.Tags
	if tags == nil {
		tags = [][]string{}
	}
	data, _ := json.Marshal([]any{0, e.Author, e.CreatedAt.Unix(), e.Kind, tags, e.Content})
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

type Filter struct {
	Kinds   []int
	Authors []string
	// Tags matches events carrying at least one of the values per tag name.
	Tags  map[string][]string
	Since time.Time
	Limit int
}

// Matches reports whether ev satisfies the filter.
func (f Filter) Matches(ev Event) bool {
	if len(f.Kinds) > 0 && !slices.Contains(f.Kinds, ev.Kind) {
		return false
	}
	if len(f.Authors) > 0 && !slices.Contains(f.Authors, ev.Author) {
		return false
	}
	if !f.Since.IsZero() && ev.CreatedAt.Before(f.Since) {
		return false
	}
	for name, values := range f.Tags {
		found := false
		for _, v := range ev.TagValues(name) {
			if slices.Contains(values, v) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// PublishResult is the per-relay outcome of a publish.
type PublishResult struct {
	Relay string
	Err   error
}

// Accepted returns the relays that acknowledged a publish.
func Accepted(results []PublishResult) []string {
	var accepted []string
	for _, r := range results {
		if r.Err == nil {
			accepted = append(accepted, r.Relay)
		}
	}
	return accepted
}

// Failures maps each failing relay to its error text.
func Failures(results []PublishResult) map[string]string {
	failed := make(map[string]string)
	for _, r := range results {
		if r.Err != nil {
			failed[r.Relay] = r.Err.Error()
		}
	}
	return failed
}

type Status struct {
	Relay     string    `json:"relay"`
	Connected bool      `json:"connected"`
	LastError string    `json:"last_error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Transport is the relay network as seen by one household.
type Transport interface {
	// PublicKey is the household key events are authored with.
	PublicKey() string

	// Publish signs ev as this household and submits it to every relay,
	// returning the finalized event and one result per relay.
	Publish(ctx context.Context, ev Event, relays []string) (Event, []PublishResult)

	// Query returns stored events matching filter from every reachable
	// relay. Duplicates across relays are not removed. It fails with
	// models.ErrRelaysUnavailable only when no relay answered.
	Query(ctx context.Context, filter Filter, relays []string) ([]Event, error)

	// Subscribe streams stored and live events matching filter until ctx
	// is done; the channel is closed afterwards.
	Subscribe(ctx context.Context, filter Filter, relays []string) (<-chan Event, error)

	Health(ctx context.Context) []Status
}
