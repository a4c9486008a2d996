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

// Package redis holds the ephemeral state hearthd keeps in redis: the
// ledger of handled relay events and the notification channels host apps
// subscribe to.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultLedgerTTL = 7 * 24 * time.Hour

	seenPrefix = "hearth:seen:" // hearth:seen:{eventId}
)

// EventLedger remembers relay event ids for a bounded time so redelivered
// events are handled once.
type EventLedger struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewEventLedger(rdb *redis.Client, ttl time.Duration) *EventLedger {
	if ttl <= 0 {
		ttl = DefaultLedgerTTL
	}
	return &EventLedger{rdb: rdb, ttl: ttl}
}

// MarkSeen reports true the first time eventID is marked within the TTL.
func (l *EventLedger) MarkSeen(ctx context.Context, eventID string) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, seenPrefix+eventID, 1, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis: mark seen %s: %w", eventID, err)
	}
	return ok, nil
}

// Forget drops an event id, letting a failed event be handled again.
func (l *EventLedger) Forget(ctx context.Context, eventID string) error {
	if err := l.rdb.Del(ctx, seenPrefix+eventID).Err(); err != nil {
		return fmt.Errorf("redis: forget %s: %w", eventID, err)
	}
	return nil
}
