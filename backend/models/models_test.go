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
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitionTable(t *testing.T) {
	allowed := map[[2]RelationshipState]bool{
		{StateActive, StateFrozen}:   true,
		{StateActive, StateBlocked}:  true,
		{StateActive, StateRemoved}:  true,
		{StateFrozen, StateActive}:   true,
		{StateFrozen, StateBlocked}:  true,
		{StateFrozen, StateRemoved}:  true,
		{StateBlocked, StateActive}:  true,
		{StateBlocked, StateRemoved}: true,
	}
	for _, from := range AllStates() {
		for _, to := range AllStates() {
			want := allowed[[2]RelationshipState{from, to}]
			assert.Equal(t, want, from.CanTransitionTo(to), "%s -> %s", from, to)
		}
	}
}

func TestRemovedIsTerminal(t *testing.T) {
	for _, to := range AllStates() {
		assert.False(t, StateRemoved.CanTransitionTo(to))
	}
}

func TestGating(t *testing.T) {
	for _, s := range AllStates() {
		assert.Equal(t, s == StateActive, s.AllowsReceiving(), s)
		assert.Equal(t, s == StateActive, s.AllowsSending(), s)
	}
	assert.True(t, StateBlocked.PurgesMedia())
	assert.True(t, StateRemoved.PurgesMedia())
	assert.False(t, StateFrozen.PurgesMedia())
}

func TestInvalidTransitionErrorAs(t *testing.T) {
	var err error = &InvalidTransitionError{From: StateRemoved, To: StateActive}
	var target *InvalidTransitionError
	require.True(t, errors.As(err, &target))
	assert.Equal(t, StateRemoved, target.From)
	assert.Contains(t, err.Error(), "removed")
}

func TestRelationshipHealth(t *testing.T) {
	r := &Relationship{State: StateActive}
	assert.True(t, r.IsHealthy())
	r.RemoteReportCount = 2
	r.LocalReportCount = 1
	assert.False(t, r.IsHealthy())
	assert.Equal(t, 3, r.TotalReportCount())

	r = &Relationship{State: StateFrozen}
	assert.False(t, r.IsHealthy())
}

func TestAudienceMappingIsFixed(t *testing.T) {
	cases := map[ReportLevel]Audience{
		LevelPeer:      AudiencePeer,
		LevelGuardian:  AudienceGuardians,
		LevelModerator: AudienceModerators,
	}
	for level, audience := range cases {
		for i := 0; i < 3; i++ {
			assert.Equal(t, audience, AudienceFor(level))
		}
	}
	assert.Equal(t, Audience(""), AudienceFor(0))
	assert.Equal(t, Audience(""), AudienceFor(4))
	assert.Equal(t, LevelPeer, DefaultReportLevel)
	assert.True(t, LevelGuardian.RoutesToGroup())
	assert.False(t, LevelModerator.RoutesToGroup())
}

func TestValidHouseholdKey(t *testing.T) {
	assert.True(t, ValidHouseholdKey("79be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f81798"))
	assert.False(t, ValidHouseholdKey("npub1xyz"))
	assert.False(t, ValidHouseholdKey("zz"+"be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f81798"))
}

func TestUpdateResult(t *testing.T) {
	var result UpdateResult
	result.Succeed("g1", []string{"a"})
	result.Fail("g2", ErrGroupIdentifierMissing)
	result.Succeed("g3", nil)

	require.Len(t, result.Items, 3)
	failed := result.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, "g2", failed[0].GroupID)
	assert.Equal(t, ErrGroupIdentifierMissing.Error(), failed[0].Error)

	item, ok := result.Item("g3")
	require.True(t, ok)
	assert.True(t, item.Succeeded())
}

func TestGroupCanShare(t *testing.T) {
	g := &Group{State: GroupStateActive, MemberCount: 1}
	assert.False(t, g.CanShare())
	g.MemberCount = 2
	assert.True(t, g.CanShare())
	g.State = GroupStatePending
	assert.False(t, g.CanShare())
}

func TestNewAuditEntry(t *testing.T) {
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	entry, err := NewAuditEntry(AuditReportSubmitted, "p1", TargetReport, "r1", map[string]int{"level": 3}, at)
	require.NoError(t, err)
	assert.JSONEq(t, `{"level":3}`, string(entry.Details))
	assert.Equal(t, at, entry.CreatedAt)

	entry, err = NewAuditEntry(AuditReportSubmitted, "p1", "", "", nil, at)
	require.NoError(t, err)
	assert.Nil(t, entry.Details)
}
