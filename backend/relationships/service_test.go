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

package relationships

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efchatnet/hearth/backend/audit"
	"github.com/efchatnet/hearth/backend/media"
	"github.com/efchatnet/hearth/backend/models"
	"github.com/efchatnet/hearth/backend/storage/memory"
)

var remoteKey = strings.Repeat("c", 64)

type failingPurger struct {
	err   error
	calls int
}

func (p *failingPurger) PurgeGroup(context.Context, string) error {
	p.calls++
	return p.err
}

type fixture struct {
	svc    *Service
	store  *memory.Store
	purger *media.FilesystemPurger
	root   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.NewStore()
	root := t.TempDir()
	purger := media.NewFilesystemPurger(root, nil)
	svc := NewService(store, audit.NewLog(store, nil, nil), purger, nil, nil)
	return &fixture{svc: svc, store: store, purger: purger, root: root}
}

func (f *fixture) create(t *testing.T, groupID string) *models.Relationship {
	t.Helper()
	rel, err := f.svc.Create(context.Background(), CreateParams{
		ProfileID:          "p1",
		RemoteHouseholdKey: remoteKey,
		GroupID:            groupID,
		Actor:              "p1",
	})
	require.NoError(t, err)
	return rel
}

func TestFreezeAndUnfreeze(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	rel := f.create(t, "g1")
	assert.Equal(t, models.StateActive, rel.State)

	frozen, err := f.svc.Freeze(ctx, rel.ID, "pause", "p1")
	require.NoError(t, err)
	assert.Equal(t, models.StateFrozen, frozen.State)
	assert.Equal(t, "pause", frozen.StateReason)
	assert.Equal(t, "p1", frozen.StateChangedBy)
	assert.False(t, f.svc.AllowsReceiving("g1"))
	assert.False(t, f.svc.AllowsSending("g1"))

	active, err := f.svc.Unfreeze(ctx, rel.ID, "p1")
	require.NoError(t, err)
	assert.Equal(t, models.StateActive, active.State)
	assert.True(t, f.svc.AllowsReceiving("g1"))

	trail, err := f.store.AuditByTarget(ctx, models.TargetRelationship, rel.ID)
	require.NoError(t, err)
	require.Len(t, trail, 3)
	assert.Equal(t, models.AuditRelationshipCreated, trail[0].Action)
	assert.Equal(t, models.AuditRelationshipTransition, trail[1].Action)
}

func TestIllegalTransitions(t *testing.T) {
	ctx := context.Background()
	illegal := []struct {
		path []models.RelationshipState
		to   models.RelationshipState
	}{
		{nil, models.StateActive},
		{[]models.RelationshipState{models.StateFrozen}, models.StateFrozen},
		{[]models.RelationshipState{models.StateBlocked}, models.StateBlocked},
		{[]models.RelationshipState{models.StateBlocked}, models.StateFrozen},
		{[]models.RelationshipState{models.StateRemoved}, models.StateActive},
		{[]models.RelationshipState{models.StateRemoved}, models.StateFrozen},
		{[]models.RelationshipState{models.StateRemoved}, models.StateBlocked},
		{[]models.RelationshipState{models.StateRemoved}, models.StateRemoved},
	}
	for i, tc := range illegal {
		f := newFixture(t)
		rel := f.create(t, "g")
		for _, step := range tc.path {
			_, err := f.svc.Transition(ctx, rel.ID, step, "", "p1")
			require.NoError(t, err, "case %d", i)
		}
		_, err := f.svc.Transition(ctx, rel.ID, tc.to, "", "p1")
		var invalid *models.InvalidTransitionError
		require.True(t, errors.As(err, &invalid), "case %d: %v", i, err)
		assert.Equal(t, tc.to, invalid.To)

		got, err := f.svc.Get(ctx, rel.ID)
		require.NoError(t, err)
		want := models.StateActive
		if len(tc.path) > 0 {
			want = tc.path[len(tc.path)-1]
		}
		assert.Equal(t, want, got.State, "case %d: failed transition must not change state", i)
	}
}

func TestRemovedIsAbsorbing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	rel := f.create(t, "g1")
	_, err := f.svc.Remove(ctx, rel.ID, "moved away", "p1")
	require.NoError(t, err)

	for _, op := range []func() error{
		func() error { _, err := f.svc.Unfreeze(ctx, rel.ID, "p1"); return err },
		func() error { _, err := f.svc.Unblock(ctx, rel.ID, "p1"); return err },
		func() error { _, err := f.svc.Freeze(ctx, rel.ID, "", "p1"); return err },
		func() error { _, err := f.svc.Block(ctx, rel.ID, "", "p1"); return err },
	} {
		var invalid *models.InvalidTransitionError
		assert.True(t, errors.As(op(), &invalid))
	}
	got, err := f.svc.Get(ctx, rel.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateRemoved, got.State)
}

func TestBlockLeavesNoMedia(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	rel := f.create(t, "g1")

	dir := filepath.Join(f.root, "g1")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for _, name := range []string{"a.mp4", "b.mp4", "c.jpg"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o600))
	}

	blocked, err := f.svc.Block(ctx, rel.ID, "unsafe", "p1")
	require.NoError(t, err)
	assert.Equal(t, models.StateBlocked, blocked.State)

	n, err := f.purger.Count("g1")
	require.NoError(t, err)
	assert.Zero(t, n)

	purged, err := f.store.AuditByAction(ctx, models.AuditMediaPurged)
	require.NoError(t, err)
	assert.Len(t, purged, 1)
}

func TestPurgeFailureStillCommits(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	purger := &failingPurger{err: errors.New("permission denied")}
	svc := NewService(store, audit.NewLog(store, nil, nil), purger, nil, nil)
	rel, err := svc.Create(ctx, CreateParams{ProfileID: "p1", RemoteHouseholdKey: remoteKey, GroupID: "g1", Actor: "p1"})
	require.NoError(t, err)

	blocked, err := svc.Block(ctx, rel.ID, "unsafe", "p1")
	assert.ErrorIs(t, err, models.ErrMediaPurgeIncomplete)
	require.NotNil(t, blocked)
	assert.Equal(t, models.StateBlocked, blocked.State)
	assert.False(t, svc.AllowsReceiving("g1"))

	failed, err := store.AuditByAction(ctx, models.AuditMediaPurgeFailed)
	require.NoError(t, err)
	assert.Len(t, failed, 1)

	purger.err = nil
	require.NoError(t, svc.PurgeMedia(ctx, rel.ID, "p1"))
	assert.Equal(t, 2, purger.calls)
}

func TestPurgeMediaRequiresClosedState(t *testing.T) {
	f := newFixture(t)
	rel := f.create(t, "g1")
	assert.Error(t, f.svc.PurgeMedia(context.Background(), rel.ID, "p1"))
}

func TestReportCounters(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	rel := f.create(t, "g1")

	require.NoError(t, f.svc.IncrementLocalReportCount(ctx, rel.ID))
	require.NoError(t, f.svc.IncrementRemoteReportCount(ctx, rel.ID))
	require.NoError(t, f.svc.IncrementRemoteReportCount(ctx, rel.ID))

	got, err := f.svc.Get(ctx, rel.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.LocalReportCount)
	assert.Equal(t, 2, got.RemoteReportCount)
	assert.Equal(t, 3, got.TotalReportCount())
	assert.False(t, got.IsHealthy())

	_, err = f.svc.Block(ctx, rel.ID, "", "p1")
	require.NoError(t, err)
	_, err = f.svc.Unblock(ctx, rel.ID, "p1")
	require.NoError(t, err)
	got, err = f.svc.Get(ctx, rel.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.TotalReportCount(), "unblocking keeps counters")
}

func TestCreateValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.Create(ctx, CreateParams{RemoteHouseholdKey: remoteKey, GroupID: "g"})
	assert.ErrorIs(t, err, models.ErrChildProfileMissing)
	_, err = f.svc.Create(ctx, CreateParams{ProfileID: "p", RemoteHouseholdKey: remoteKey})
	assert.ErrorIs(t, err, models.ErrGroupIdentifierMissing)
	_, err = f.svc.Create(ctx, CreateParams{ProfileID: "p", RemoteHouseholdKey: "bad", GroupID: "g"})
	assert.ErrorIs(t, err, models.ErrInvalidRecipientKey)

	first := f.create(t, "g1")
	again := f.create(t, "g1")
	assert.Equal(t, first.ID, again.ID)
}

func TestIndexLookups(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	rel := f.create(t, "g1")
	f.create(t, "g2")

	assert.Len(t, f.svc.ForProfile("p1"), 2)
	assert.Empty(t, f.svc.ForProfile("p2"))
	assert.Len(t, f.svc.ForHousehold(remoteKey), 2)
	got, ok := f.svc.ForGroup("g1")
	require.True(t, ok)
	assert.Equal(t, rel.ID, got.ID)
	assert.False(t, f.svc.AllowsReceiving("unknown"))

	require.NoError(t, f.svc.MarkBlockedByRemote(ctx, rel.ID, true))
	require.NoError(t, f.svc.UpdateNotes(ctx, rel.ID, "cousins"))
	got, _ = f.svc.ForGroup("g1")
	assert.True(t, got.BlockedByRemote)
	assert.Equal(t, "cousins", got.Notes)

	fresh := NewService(f.store, audit.NewLog(f.store, nil, nil), f.purger, nil, nil)
	require.NoError(t, fresh.Reload(ctx))
	assert.Len(t, fresh.ForProfile("p1"), 2)
}

func TestChangesFeed(t *testing.T) {
	f := newFixture(t)
	rel := f.create(t, "g1")
	changes, cancel := f.svc.Changes.Subscribe()
	defer cancel()

	_, err := f.svc.Freeze(context.Background(), rel.ID, "", "p1")
	require.NoError(t, err)
	change := <-changes
	assert.Equal(t, models.StateFrozen, change.To)
	assert.Equal(t, "g1", change.GroupID)
}

// slowListStore holds one ListRelationships call between reading the
// store and returning, and can fail listings on demand.
type slowListStore struct {
	*memory.Store
	hold    chan struct{}
	read    chan struct{}
	release chan struct{}
	fail    atomic.Bool
}

func (s *slowListStore) ListRelationships(ctx context.Context) ([]models.Relationship, error) {
	if s.fail.Load() {
		return nil, errors.New("store unavailable")
	}
	rels, err := s.Store.ListRelationships(ctx)
	select {
	case <-s.hold:
		close(s.read)
		<-s.release
	default:
	}
	return rels, err
}

func newSlowFixture(t *testing.T) (*Service, *slowListStore) {
	t.Helper()
	store := &slowListStore{
		Store:   memory.NewStore(),
		hold:    make(chan struct{}, 1),
		read:    make(chan struct{}),
		release: make(chan struct{}),
	}
	svc := NewService(store, audit.NewLog(store.Store, nil, nil), media.NewFilesystemPurger(t.TempDir(), nil), nil, nil)
	return svc, store
}

func TestConcurrentRebuildKeepsNewestState(t *testing.T) {
	ctx := context.Background()
	svc, store := newSlowFixture(t)
	x, err := svc.Create(ctx, CreateParams{ProfileID: "p1", RemoteHouseholdKey: remoteKey, GroupID: "gx", Actor: "p1"})
	require.NoError(t, err)
	y, err := svc.Create(ctx, CreateParams{ProfileID: "p1", RemoteHouseholdKey: remoteKey, GroupID: "gy", Actor: "p1"})
	require.NoError(t, err)

	// The counter rebuild reads the snapshot taken before the block and
	// then stalls.
	store.hold <- struct{}{}
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		assert.NoError(t, svc.IncrementRemoteReportCount(ctx, y.ID))
	}()
	<-store.read

	go func() {
		defer wg.Done()
		_, err := svc.Block(ctx, x.ID, "unsafe", "p1")
		assert.NoError(t, err)
	}()
	assert.Eventually(t, func() bool {
		rel, err := store.GetRelationship(ctx, x.ID)
		return err == nil && rel.State == models.StateBlocked
	}, time.Second, 5*time.Millisecond)

	close(store.release)
	wg.Wait()

	assert.False(t, svc.AllowsReceiving("gx"))
	got, ok := svc.ForGroup("gx")
	require.True(t, ok)
	assert.Equal(t, models.StateBlocked, got.State)
	assert.True(t, svc.AllowsReceiving("gy"))
}

func TestFailedRebuildClosesGate(t *testing.T) {
	ctx := context.Background()
	svc, store := newSlowFixture(t)
	rel, err := svc.Create(ctx, CreateParams{ProfileID: "p1", RemoteHouseholdKey: remoteKey, GroupID: "g1", Actor: "p1"})
	require.NoError(t, err)
	require.True(t, svc.AllowsReceiving("g1"))

	store.fail.Store(true)
	_, err = svc.Freeze(ctx, rel.ID, "", "p1")
	require.NoError(t, err, "the transition itself is committed")
	assert.True(t, svc.Stale())
	assert.False(t, svc.AllowsReceiving("g1"))
	assert.False(t, svc.AllowsSending("g1"))

	store.fail.Store(false)
	require.NoError(t, svc.Reload(ctx))
	assert.False(t, svc.Stale())
	got, _ := svc.ForGroup("g1")
	assert.Equal(t, models.StateFrozen, got.State)
}

func TestConcurrentMutationsMatchStore(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	rels := make([]*models.Relationship, 6)
	for i := range rels {
		rels[i] = f.create(t, "g"+string(rune('a'+i)))
	}

	var wg sync.WaitGroup
	for i, rel := range rels {
		wg.Add(2)
		go func() {
			defer wg.Done()
			var err error
			switch i % 3 {
			case 0:
				_, err = f.svc.Block(ctx, rel.ID, "unsafe", "p1")
			case 1:
				_, err = f.svc.Freeze(ctx, rel.ID, "", "p1")
			default:
				err = f.svc.UpdateNotes(ctx, rel.ID, "cousins")
			}
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			for range 5 {
				assert.NoError(t, f.svc.IncrementRemoteReportCount(ctx, rel.ID))
			}
		}()
	}
	wg.Wait()

	assert.False(t, f.svc.Stale())
	for i, rel := range rels {
		stored, err := f.store.GetRelationship(ctx, rel.ID)
		require.NoError(t, err)
		indexed, ok := f.svc.ForGroup(rel.GroupID)
		require.True(t, ok)
		assert.Equal(t, stored.State, indexed.State)
		assert.Equal(t, 5, indexed.RemoteReportCount)
		assert.Equal(t, i%3 == 2, f.svc.AllowsReceiving(rel.GroupID))
	}
}
