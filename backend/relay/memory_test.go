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

package relay

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/efchatnet/hearth/backend/models"
)

func TestPublishPerRelayResults(t *testing.T) {
	net := NewNetwork("wss://a", "wss://b")
	net.SetDown("wss://b", true)
	tr := net.Transport("alice")

	ev, results := tr.Publish(context.Background(), Event{Kind: KindKeyPackage, Content: "x"}, []string{"wss://a", "wss://b", "wss://c"})
	require.Len(t, results, 3)
	assert.Equal(t, []string{"wss://a"}, Accepted(results))
	assert.Len(t, Failures(results), 2)
	assert.Equal(t, "alice", ev.Author)
	assert.Equal(t, ev.ComputeID(), ev.ID)
	assert.Len(t, net.Events("wss://a"), 1)
}

func TestQueryFiltersAndAvailability(t *testing.T) {
	net := NewNetwork("wss://a")
	alice := net.Transport("alice")
	bob := net.Transport("bob")
	ctx := context.Background()

	alice.Publish(ctx, Event{Kind: KindKeyPackage, Content: "a"}, []string{"wss://a"})
	bob.Publish(ctx, Event{Kind: KindKeyPackage, Content: "b"}, []string{"wss://a"})
	bob.Publish(ctx, Event{Kind: KindWelcome, Tags: [][]string{{TagRecipient, "alice"}}}, []string{"wss://a"})

	events, err := alice.Query(ctx, Filter{Kinds: []int{KindKeyPackage}, Authors: []string{"bob"}}, []string{"wss://a"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "b", events[0].Content)

	events, err = alice.Query(ctx, Filter{Tags: map[string][]string{TagRecipient: {"alice"}}}, []string{"wss://a"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, KindWelcome, events[0].Kind)

	net.SetDown("wss://a", true)
	_, err = alice.Query(ctx, Filter{}, []string{"wss://a"})
	assert.ErrorIs(t, err, models.ErrRelaysUnavailable)
}

func TestSubscribeDeliversBacklogAndLive(t *testing.T) {
	defer goleak.VerifyNone(t)

	net := NewNetwork("wss://a")
	alice := net.Transport("alice")
	bob := net.Transport("bob")
	ctx, cancel := context.WithCancel(context.Background())

	bob.Publish(ctx, Event{Kind: KindReport, Content: "old"}, []string{"wss://a"})
	ch, err := alice.Subscribe(ctx, Filter{Kinds: []int{KindReport}}, []string{"wss://a"})
	require.NoError(t, err)

	bob.Publish(ctx, Event{Kind: KindReport, Content: "new"}, []string{"wss://a"})
	bob.Publish(ctx, Event{Kind: KindWelcome, Content: "ignored"}, []string{"wss://a"})

	var got []string
	for len(got) < 2 {
		select {
		case ev := <-ch:
			got = append(got, ev.Content)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for events")
		}
	}
	assert.Equal(t, []string{"old", "new"}, got)

	cancel()
	for range ch {
	}
}

func TestEventTags(t *testing.T) {
	ev := Event{Tags: [][]string{{TagRecipient, "a"}, {TagRecipient, "b"}, {TagGroup, "g"}, {"empty"}}}
	assert.Equal(t, "a", ev.Tag(TagRecipient))
	assert.Equal(t, []string{"a", "b"}, ev.TagValues(TagRecipient))
	assert.Equal(t, "", ev.Tag("empty"))
	assert.Equal(t, "g", ev.Tag(TagGroup))
}

func TestHealth(t *testing.T) {
	net := NewNetwork("wss://b", "wss://a")
	net.SetDown("wss://b", true)
	statuses := net.Transport("x").Health(context.Background())
	require.Len(t, statuses, 2)
	assert.Equal(t, "wss://a", statuses[0].Relay)
	assert.True(t, statuses[0].Connected)
	assert.False(t, statuses[1].Connected)
}
