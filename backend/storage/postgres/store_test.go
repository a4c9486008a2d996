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

package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efchatnet/hearth/backend/models"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("HEARTH_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("HEARTH_TEST_DATABASE_URL not set")
	}
	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s := NewStore(db, nil, 0, nil)
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func key(c string) string {
	return strings.Repeat(c, 64)
}

func auditEntry(t *testing.T, action models.AuditAction, targetID string) models.AuditEntry {
	t.Helper()
	e, err := models.NewAuditEntry(action, "parent", models.TargetRelationship, targetID, map[string]string{"k": "v"}, time.Now().UTC())
	require.NoError(t, err)
	return e
}

func TestRelationshipStateIsAtomicWithAudit(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	rel := models.Relationship{
		ID:                 uuid.New().String(),
		ProfileID:          "kid-1",
		RemoteHouseholdKey: key("b"),
		GroupID:            uuid.New().String(),
		State:              models.StateActive,
		StateChangedAt:     now,
		CreatedAt:          now,
		LastActivityAt:     now,
	}
	require.NoError(t, s.CreateRelationship(ctx, rel, auditEntry(t, models.AuditRelationshipCreated, rel.ID)))

	change := models.StateChange{RelationshipID: rel.ID, From: models.StateActive, To: models.StateBlocked, Reason: "unkind", Actor: "parent", At: now}
	require.NoError(t, s.UpdateRelationshipState(ctx, change,
		auditEntry(t, models.AuditRelationshipTransition, rel.ID),
		auditEntry(t, models.AuditMediaPurged, rel.ID)))

	got, err := s.GetRelationship(ctx, rel.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateBlocked, got.State)
	assert.Equal(t, "unkind", got.StateReason)

	// A stale From leaves both the state and the audit trail untouched.
	err = s.UpdateRelationshipState(ctx, change, auditEntry(t, models.AuditRelationshipTransition, rel.ID))
	assert.ErrorIs(t, err, models.ErrStateConflict)

	entries, err := s.AuditByTarget(ctx, models.TargetRelationship, rel.ID)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, models.AuditRelationshipCreated, entries[0].Action)
	assert.JSONEq(t, `{"k":"v"}`, string(entries[0].Details))

	require.NoError(t, s.IncrementReportCount(ctx, rel.ID, true))
	got, err = s.GetRelationship(ctx, rel.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.RemoteReportCount)

	assert.ErrorIs(t, s.IncrementReportCount(ctx, "missing", false), models.ErrNotFound)
	_, err = s.GetRelationship(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestGroupMembers(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	id := uuid.New().String()

	require.NoError(t, s.CreateGroup(ctx, models.Group{
		GroupID:        id,
		Name:           "Smiths & Joneses",
		Relays:         []string{"wss://one"},
		Admins:         []string{key("a")},
		Members:        []string{key("a")},
		State:          models.GroupStatePending,
		CreatedAt:      now,
		LastActivityAt: now,
	}))
	require.NoError(t, s.AddGroupMembers(ctx, id, []string{key("b"), key("c"), key("b")}))
	require.NoError(t, s.SetGroupState(ctx, id, models.GroupStateActive))

	g, err := s.GetGroup(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{key("a"), key("b"), key("c")}, g.Members)
	assert.Equal(t, 3, g.MemberCount)
	assert.Equal(t, models.GroupStateActive, g.State)

	require.NoError(t, s.RemoveGroupMembers(ctx, id, []string{key("c")}))
	members, err := s.GetGroupMembers(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{key("a"), key("b")}, members)

	assert.ErrorIs(t, s.AddGroupMembers(ctx, "missing", []string{key("d")}), models.ErrNotFound)
}

func TestWelcomeTombstones(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	w := models.PendingWelcome{
		EventID:    uuid.New().String(),
		GroupID:    uuid.New().String(),
		Name:       "g",
		Welcomer:   key("a"),
		Welcome:    []byte{1, 2, 3},
		Status:     models.WelcomePending,
		ReceivedAt: time.Now().UTC(),
	}
	created, err := s.SaveWelcome(ctx, w)
	require.NoError(t, err)
	assert.True(t, created)

	require.NoError(t, s.ResolveWelcome(ctx, w.EventID, models.WelcomeDeclined, time.Now().UTC()))
	created, err = s.SaveWelcome(ctx, w)
	require.NoError(t, err)
	assert.False(t, created)

	got, err := s.GetWelcome(ctx, w.EventID)
	require.NoError(t, err)
	assert.Equal(t, models.WelcomeDeclined, got.Status)
	assert.NotNil(t, got.ResolvedAt)
	assert.Equal(t, []byte{1, 2, 3}, got.Welcome)
}

func TestReportsAndLedger(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	r := models.Report{
		ID:               uuid.New().String(),
		SubjectHousehold: key("b"),
		SenderHousehold:  key("a"),
		Level:            models.LevelModerator,
		Audience:         models.AudienceModerators,
		RelationshipID:   uuid.New().String(),
		Direction:        models.ReportOutbound,
		Status:           models.ReportPending,
		CreatedAt:        time.Now().UTC(),
	}
	created, err := s.SaveReport(ctx, r)
	require.NoError(t, err)
	assert.True(t, created)
	created, err = s.SaveReport(ctx, r)
	require.NoError(t, err)
	assert.False(t, created)

	require.NoError(t, s.MarkReportRouted(ctx, r.ID, time.Now().UTC()))
	reports, err := s.ReportsForRelationship(ctx, r.RelationshipID)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, models.LevelModerator, reports[0].Level)
	assert.NotNil(t, reports[0].RoutedAt)

	eventID := uuid.New().String()
	first, err := s.MarkSeen(ctx, eventID)
	require.NoError(t, err)
	assert.True(t, first)
	first, err = s.MarkSeen(ctx, eventID)
	require.NoError(t, err)
	assert.False(t, first)
}

func TestKeyPackagesAndHandles(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	household := key(uuid.New().String()[:1])
	older := models.KeyPackage{Hash: uuid.New().String(), HouseholdKey: household, InitKey: []byte{1}, CredentialKey: []byte{2},
		Body: []byte{3}, Signature: []byte{4}, Relays: []string{"wss://one"}, CreatedAt: time.Now().Add(-time.Hour).UTC()}
	newer := older
	newer.Hash = uuid.New().String()
	newer.CreatedAt = time.Now().UTC()
	require.NoError(t, s.SaveKeyPackage(ctx, older))
	require.NoError(t, s.SaveKeyPackage(ctx, newer))
	require.NoError(t, s.SaveKeyPackage(ctx, newer))

	kps, err := s.KeyPackagesForHousehold(ctx, household)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(kps), 2)
	assert.False(t, kps[0].CreatedAt.Before(kps[1].CreatedAt))

	handle := models.PublishedTicketHandle{Hash: newer.Hash, HouseholdKey: household, EventID: "ev",
		AcceptedRelays: []string{"wss://one"}, FailedRelays: map[string]string{"wss://two": "down"}, PublishedAt: time.Now().UTC()}
	require.NoError(t, s.SavePublishedHandle(ctx, handle))
	got, err := s.LatestPublishedHandle(ctx, household)
	require.NoError(t, err)
	assert.Equal(t, handle.FailedRelays, got.FailedRelays)

	raw, _ := json.Marshal(got.AcceptedRelays)
	assert.JSONEq(t, `["wss://one"]`, string(raw))
}
