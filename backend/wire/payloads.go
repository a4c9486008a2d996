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

// Package wire holds the versioned payloads exchanged between households.
// New fields are always optional; an absent report level means level 1.
//
// Payloads form a closed set. Consumers dispatch through Visitor, so adding
// a payload kind does not compile until every consumer handles it.
package wire

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/efchatnet/hearth/backend/models"
	"github.com/efchatnet/hearth/backend/relay"
)

const Version = 1

var ErrUnknownKind = errors.New("wire: unknown event kind")

// Payload is one of GroupInvite, ReportPayload or ModeratorActionPayload.
type Payload interface {
	Kind() int
	Accept(ctx context.Context, v Visitor, ev relay.Event) error
	sealed()
}

// Visitor handles every payload kind.
type Visitor interface {
	VisitInvite(ctx context.Context, ev relay.Event, p *GroupInvite) error
	VisitReport(ctx context.Context, ev relay.Event, p *ReportPayload) error
	VisitModeratorAction(ctx context.Context, ev relay.Event, p *ModeratorActionPayload) error
}

// GroupInvite is the welcome payload sent to a household added to a group.
type GroupInvite struct {
	Version     int      `json:"v,omitempty"`
	GroupID     string   `json:"group_id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Relays      []string `json:"relays"`
	Admins      []string `json:"admins"`
	MemberCount int      `json:"member_count"`
	// Welcome is the opaque group-key-agreement welcome message.
	Welcome []byte `json:"welcome,omitempty"`
}

func (*GroupInvite) Kind() int { return relay.KindWelcome }
func (p *GroupInvite) Accept(ctx context.Context, v Visitor, ev relay.Event) error {
	return v.VisitInvite(ctx, ev, p)
}
func (*GroupInvite) sealed() {}

// ReportPayload is a safety report as carried on the wire.
type ReportPayload struct {
	Version   int    `json:"v,omitempty"`
	VideoID   string `json:"video_id"`
	Subject   string `json:"subject"`
	Reason    string `json:"reason"`
	Note      string `json:"note,omitempty"`
	Sender    string `json:"sender"`
	Timestamp int64  `json:"timestamp"`

	Level             *int   `json:"level,omitempty"`
	RecipientAudience string `json:"recipient_audience,omitempty"`
	ReporterProfile   string `json:"reporter_profile,omitempty"`
	ReportID          string `json:"report_id,omitempty"`
	GroupID           string `json:"group_id,omitempty"`
}

func (*ReportPayload) Kind() int { return relay.KindReport }
func (p *ReportPayload) Accept(ctx context.Context, v Visitor, ev relay.Event) error {
	return v.VisitReport(ctx, ev, p)
}
func (*ReportPayload) sealed() {}

// ResolvedLevel returns the explicit level, or models.DefaultReportLevel
// for legacy payloads without one. Out of range values are rejected.
func (p *ReportPayload) ResolvedLevel() (models.ReportLevel, error) {
	if p.Level == nil {
		return models.DefaultReportLevel, nil
	}
	level := models.ReportLevel(*p.Level)
	if !level.Valid() {
		return 0, fmt.Errorf("%w: %d", models.ErrInvalidReportLevel, *p.Level)
	}
	return level, nil
}

// ModeratorActionPayload is a moderator's decision about a report.
type ModeratorActionPayload struct {
	Version      int                        `json:"v,omitempty"`
	ReportID     string                     `json:"report_id"`
	VideoID      string                     `json:"video_id,omitempty"`
	Action       models.ModeratorActionType `json:"action"`
	Reason       string                     `json:"reason,omitempty"`
	ModeratorKey string                     `json:"moderator_key"`
	Timestamp    int64                      `json:"timestamp"`
}

func (*ModeratorActionPayload) Kind() int { return relay.KindModeratorAction }
func (p *ModeratorActionPayload) Accept(ctx context.Context, v Visitor, ev relay.Event) error {
	return v.VisitModeratorAction(ctx, ev, p)
}
func (*ModeratorActionPayload) sealed() {}

// Decode parses the content of a relay event into its payload. It is the
// only place event kinds are inspected.
func Decode(ev relay.Event) (Payload, error) {
	var p Payload
	switch ev.Kind {
	case relay.KindWelcome:
		p = &GroupInvite{}
	case relay.KindReport:
		p = &ReportPayload{}
	case relay.KindModeratorAction:
		p = &ModeratorActionPayload{}
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, ev.Kind)
	}
	if err := json.Unmarshal([]byte(ev.Content), p); err != nil {
		return nil, fmt.Errorf("wire: decoding kind %d: %w", ev.Kind, err)
	}
	return p, nil
}

// Encode serializes p into an unsigned relay event of the matching kind.
func Encode(p Payload, tags [][]string) (relay.Event, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return relay.Event{}, fmt.Errorf("wire: encoding kind %d: %w", p.Kind(), err)
	}
	return relay.Event{
		Kind:      p.Kind(),
		Tags:      tags,
		Content:   string(data),
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}, nil
}

// LevelPtr is a convenience for building payloads with an explicit level.
func LevelPtr(level models.ReportLevel) *int {
	l := int(level)
	return &l
}
