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

package wire

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efchatnet/hearth/backend/models"
	"github.com/efchatnet/hearth/backend/relay"
)

type recordingVisitor struct {
	invites []*GroupInvite
	reports []*ReportPayload
	actions []*ModeratorActionPayload
}

func (v *recordingVisitor) VisitInvite(_ context.Context, _ relay.Event, p *GroupInvite) error {
	v.invites = append(v.invites, p)
	return nil
}

func (v *recordingVisitor) VisitReport(_ context.Context, _ relay.Event, p *ReportPayload) error {
	v.reports = append(v.reports, p)
	return nil
}

func (v *recordingVisitor) VisitModeratorAction(_ context.Context, _ relay.Event, p *ModeratorActionPayload) error {
	v.actions = append(v.actions, p)
	return nil
}

func TestLegacyReportDefaultsToLevelOne(t *testing.T) {
	ev := relay.Event{
		Kind:    relay.KindReport,
		Content: `{"video_id":"v1","subject":"bob","reason":"spam","sender":"alice","timestamp":1700000000}`,
	}
	p, err := Decode(ev)
	require.NoError(t, err)

	report, ok := p.(*ReportPayload)
	require.True(t, ok)
	assert.Nil(t, report.Level)

	level, err := report.ResolvedLevel()
	require.NoError(t, err)
	assert.Equal(t, models.LevelPeer, level)
	assert.Equal(t, models.AudiencePeer, models.AudienceFor(level))
}

func TestExplicitReportLevel(t *testing.T) {
	ev := relay.Event{
		Kind:    relay.KindReport,
		Content: `{"video_id":"v1","subject":"bob","reason":"spam","sender":"alice","timestamp":1,"level":3}`,
	}
	p, err := Decode(ev)
	require.NoError(t, err)
	level, err := p.(*ReportPayload).ResolvedLevel()
	require.NoError(t, err)
	assert.Equal(t, models.LevelModerator, level)
}

func TestOutOfRangeLevelRejected(t *testing.T) {
	p := &ReportPayload{Level: new(int)}
	_, err := p.ResolvedLevel()
	assert.ErrorIs(t, err, models.ErrInvalidReportLevel)

	nine := 9
	p.Level = &nine
	_, err = p.ResolvedLevel()
	assert.ErrorIs(t, err, models.ErrInvalidReportLevel)
}

func TestEncodeDecodeDispatch(t *testing.T) {
	payloads := []Payload{
		&GroupInvite{GroupID: "g1", Name: "Smiths & Joneses", Relays: []string{"wss://a"}, Admins: []string{"k1"}, MemberCount: 2},
		&ReportPayload{VideoID: "v", Subject: "s", Reason: "r", Sender: "a", Level: LevelPtr(models.LevelGuardian)},
		&ModeratorActionPayload{ReportID: "r1", Action: models.ModeratorWarn, ModeratorKey: "m1"},
	}
	v := &recordingVisitor{}
	for _, p := range payloads {
		ev, err := Encode(p, nil)
		require.NoError(t, err)
		assert.Equal(t, p.Kind(), ev.Kind)

		decoded, err := Decode(ev)
		require.NoError(t, err)
		require.NoError(t, decoded.Accept(context.Background(), v, ev))
	}
	require.Len(t, v.invites, 1)
	require.Len(t, v.reports, 1)
	require.Len(t, v.actions, 1)
	assert.Equal(t, "g1", v.invites[0].GroupID)
	assert.Equal(t, 2, *v.reports[0].Level)
	assert.Equal(t, models.ModeratorWarn, v.actions[0].Action)
}

func TestDecodeUnknownKind(t *testing.T) {
	_, err := Decode(relay.Event{Kind: 1, Content: "{}"})
	assert.ErrorIs(t, err, ErrUnknownKind)

	_, err = Decode(relay.Event{Kind: relay.KindReport, Content: "not json"})
	assert.Error(t, err)
}
