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
	"time"
)

// ReportLevel is the escalation tier of a safety report.
type ReportLevel int

const (
	LevelPeer      ReportLevel = 1
	LevelGuardian  ReportLevel = 2
	LevelModerator ReportLevel = 3
)

// DefaultReportLevel applies to payloads that predate escalation levels.
// Defaulting higher would over-escalate old senders.
const DefaultReportLevel = LevelPeer

func (l ReportLevel) Valid() bool {
	return l >= LevelPeer && l <= LevelModerator
}

// Audience is the recipient-audience tag a report level resolves to.
type Audience string

const (
	AudiencePeer       Audience = "peer"
	AudienceGuardians  Audience = "guardians"
	AudienceModerators Audience = "moderators"
)

// AudienceFor is the fixed level to audience mapping shared by senders and
// receivers. It returns "" for an invalid level.
func AudienceFor(level ReportLevel) Audience {
	switch level {
	case LevelPeer:
		return AudiencePeer
	case LevelGuardian:
		return AudienceGuardians
	case LevelModerator:
		return AudienceModerators
	}
	return ""
}

// RoutesToGroup reports whether reports of this level travel through the
// originating group rather than the moderation destination.
func (l ReportLevel) RoutesToGroup() bool {
	return l == LevelPeer || l == LevelGuardian
}

type ReportStatus string

const (
	ReportPending      ReportStatus = "pending"
	ReportAcknowledged ReportStatus = "acknowledged"
	ReportDismissed    ReportStatus = "dismissed"
	ReportActioned     ReportStatus = "actioned"
)

func (s ReportStatus) Valid() bool {
	switch s {
	case ReportPending, ReportAcknowledged, ReportDismissed, ReportActioned:
		return true
	}
	return false
}

type ReportDirection string

const (
	ReportInbound  ReportDirection = "inbound"
	ReportOutbound ReportDirection = "outbound"
)

// Report is an escalatable safety complaint, retained indefinitely.
type Report struct {
	ID               string          `json:"id" db:"id"`
	VideoID          string          `json:"video_id" db:"video_id"`
	SubjectHousehold string          `json:"subject_household" db:"subject_household"`
	SenderHousehold  string          `json:"sender_household" db:"sender_household"`
	Reason           string          `json:"reason" db:"reason"`
	Note             string          `json:"note,omitempty" db:"note"`
	Level            ReportLevel     `json:"level" db:"level"`
	Audience         Audience        `json:"audience" db:"audience"`
	ReporterProfile  string          `json:"reporter_profile,omitempty" db:"reporter_profile"`
	GroupID          string          `json:"group_id,omitempty" db:"group_id"`
	RelationshipID   string          `json:"relationship_id,omitempty" db:"relationship_id"`
	Direction        ReportDirection `json:"direction" db:"direction"`
	Status           ReportStatus    `json:"status" db:"status"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
	RoutedAt         *time.Time      `json:"routed_at,omitempty" db:"routed_at"`
}

// ModeratorActionType is one of the actions a moderator may take.
type ModeratorActionType string

const (
	ModeratorDismiss       ModeratorActionType = "dismiss"
	ModeratorWarn          ModeratorActionType = "warn"
	ModeratorRemoveContent ModeratorActionType = "remove_content"
	ModeratorSuspend       ModeratorActionType = "suspend"
	ModeratorBan           ModeratorActionType = "ban"
)

func (a ModeratorActionType) Valid() bool {
	switch a {
	case ModeratorDismiss, ModeratorWarn, ModeratorRemoveContent, ModeratorSuspend, ModeratorBan:
		return true
	}
	return false
}
