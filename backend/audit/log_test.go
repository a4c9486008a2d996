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

package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/efchatnet/hearth/backend/models"
	"github.com/efchatnet/hearth/backend/storage/memory"
)

func newTestLog(store *memory.Store, now *time.Time) *Log {
	l := NewLog(store, nil, nil)
	l.now = func() time.Time { return *now }
	return l
}

func TestLogActionAndQueries(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	l := newTestLog(memory.NewStore(), &now)

	first, err := l.LogAction(ctx, models.AuditReportSubmitted, "p1", models.TargetReport, "r1", map[string]int{"level": 2})
	require.NoError(t, err)
	assert.NotZero(t, first.ID)
	now = now.Add(time.Minute)
	_, err = l.LogAction(ctx, models.AuditReportStatusChanged, "p1", models.TargetReport, "r1", nil)
	require.NoError(t, err)
	_, err = l.LogAction(ctx, models.AuditGroupCreated, "p1", models.TargetGroup, "g1", nil)
	require.NoError(t, err)

	trail, err := l.ByTarget(ctx, models.TargetReport, "r1")
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Equal(t, models.AuditReportSubmitted, trail[0].Action)

	byAction, err := l.ByAction(ctx, models.AuditGroupCreated)
	require.NoError(t, err)
	require.Len(t, byAction, 1)
	assert.Equal(t, "g1", byAction[0].TargetID)

	recent, err := l.Recent(ctx, 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, models.AuditGroupCreated, recent[0].Action)
}

func TestLogActionPropagatesFailure(t *testing.T) {
	store := memory.NewStore()
	store.FailAudit = errors.New("read-only database")
	now := time.Now()
	l := newTestLog(store, &now)

	_, err := l.LogAction(context.Background(), models.AuditModeratorAction, "m", models.TargetReport, "r", nil)
	assert.ErrorIs(t, err, store.FailAudit)
}

func TestPrune(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	l := newTestLog(memory.NewStore(), &now)

	for i := 0; i < 3; i++ {
		_, err := l.LogAction(ctx, models.AuditReportReceived, "x", models.TargetReport, "r", nil)
		require.NoError(t, err)
		now = now.Add(24 * time.Hour)
	}
	deleted, err := l.Prune(ctx, 36*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	_, err = l.Prune(ctx, 0)
	assert.Error(t, err)
}

func TestRunRetentionStops(t *testing.T) {
	defer goleak.VerifyNone(t)
	store := memory.NewStore()
	l := NewLog(store, nil, nil)
	_, err := l.LogAction(context.Background(), models.AuditReportReceived, "x", models.TargetReport, "r", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.RunRetention(ctx, time.Nanosecond, time.Millisecond)
		close(done)
	}()
	require.Eventually(t, func() bool {
		recent, _ := store.RecentAudit(context.Background(), 10)
		return len(recent) == 0
	}, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}
