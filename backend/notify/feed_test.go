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

package notify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestFeedFanOut(t *testing.T) {
	defer goleak.VerifyNone(t)

	var feed Feed[ReportReceived]
	a, cancelA := feed.Subscribe()
	b, cancelB := feed.Subscribe()
	defer cancelB()

	assert.Equal(t, 2, feed.Send(ReportReceived{ReportID: "r1", Level: 2}))
	assert.Equal(t, "r1", (<-a).ReportID)
	assert.Equal(t, "r1", (<-b).ReportID)

	cancelA()
	cancelA()
	_, open := <-a
	assert.False(t, open)
	assert.Equal(t, 1, feed.Send(ReportReceived{ReportID: "r2"}))
}

func TestFeedSendDoesNotBlock(t *testing.T) {
	var feed Feed[WelcomesChanged]
	ch, cancel := feed.Subscribe()
	defer cancel()
	for i := 0; i < subscriberBuffer; i++ {
		require.Equal(t, 1, feed.Send(WelcomesChanged{Pending: i}))
	}
	assert.Equal(t, 0, feed.Send(WelcomesChanged{Pending: -1}))
	assert.Len(t, ch, subscriberBuffer)
}

func TestFeedWithoutSubscribers(t *testing.T) {
	var feed Feed[RelationshipChanged]
	assert.Equal(t, 0, feed.Send(RelationshipChanged{GroupID: "g"}))
}
