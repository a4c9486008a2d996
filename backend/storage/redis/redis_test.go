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

package redis

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("HEARTH_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("HEARTH_TEST_REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { rdb.Close() })
	require.NoError(t, rdb.Ping(context.Background()).Err())
	return rdb
}

func TestEventLedger(t *testing.T) {
	ctx := context.Background()
	ledger := NewEventLedger(testClient(t), time.Minute)
	id := uuid.New().String()

	first, err := ledger.MarkSeen(ctx, id)
	require.NoError(t, err)
	assert.True(t, first)

	again, err := ledger.MarkSeen(ctx, id)
	require.NoError(t, err)
	assert.False(t, again)

	require.NoError(t, ledger.Forget(ctx, id))
	first, err = ledger.MarkSeen(ctx, id)
	require.NoError(t, err)
	assert.True(t, first)
}

func TestPublisher(t *testing.T) {
	ctx := context.Background()
	pub := NewPublisher(testClient(t), "hearth-test-"+uuid.New().String())

	sub := pub.Subscribe(ctx, TopicReports)
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	n, err := pub.Publish(ctx, TopicReports, "report_received", map[string]int{"level": 3})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, pub.Channel(TopicReports), msg.Channel)

	var got struct {
		Type string         `json:"type"`
		Data map[string]int `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
	assert.Equal(t, "report_received", got.Type)
	assert.Equal(t, 3, got.Data["level"])
}
