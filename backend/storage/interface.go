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

package storage

import (
	"context"
	"time"

	"github.com/efchatnet/hearth/backend/models"
)

// Lookups of a missing row return models.ErrNotFound.

type KeyPackageStore interface {
	// SaveKeyPackage is an upsert keyed by the ticket hash.
	SaveKeyPackage(ctx context.Context, kp models.KeyPackage) error
	KeyPackagesForHousehold(ctx context.Context, householdKey string) ([]models.KeyPackage, error)
	SavePublishedHandle(ctx context.Context, handle models.PublishedTicketHandle) error
	LatestPublishedHandle(ctx context.Context, householdKey string) (*models.PublishedTicketHandle, error)
}

type GroupStore interface {
	CreateGroup(ctx context.Context, group models.Group) error
	GetGroup(ctx context.Context, groupID string) (*models.Group, error)
	ListGroups(ctx context.Context) ([]models.Group, error)
	AddGroupMembers(ctx context.Context, groupID string, members []string) error
	RemoveGroupMembers(ctx context.Context, groupID string, members []string) error
	GetGroupMembers(ctx context.Context, groupID string) ([]string, error)
	SetGroupState(ctx context.Context, groupID string, state models.GroupState) error
}

type WelcomeStore interface {
	// SaveWelcome stores a newly received welcome. It reports false when a
	// welcome or tombstone with the same event id already exists.
	SaveWelcome(ctx context.Context, welcome models.PendingWelcome) (bool, error)
	GetWelcome(ctx context.Context, eventID string) (*models.PendingWelcome, error)
	ListWelcomes(ctx context.Context, status models.WelcomeStatus) ([]models.PendingWelcome, error)
	ResolveWelcome(ctx context.Context, eventID string, status models.WelcomeStatus, at time.Time) error
}

type RelationshipStore interface {
	// CreateRelationship stores the record and its audit entry atomically.
	CreateRelationship(ctx context.Context, rel models.Relationship, entry models.AuditEntry) error
	GetRelationship(ctx context.Context, id string) (*models.Relationship, error)
	ListRelationships(ctx context.Context) ([]models.Relationship, error)
	// UpdateRelationshipState commits change and its audit entries in one
	// transaction. It fails with models.ErrStateConflict when the stored
	// state is no longer change.From.
	UpdateRelationshipState(ctx context.Context, change models.StateChange, entries ...models.AuditEntry) error
	IncrementReportCount(ctx context.Context, id string, remote bool) error
	SetBlockedByRemote(ctx context.Context, id string, blocked bool) error
	UpdateNotes(ctx context.Context, id, notes string) error
}

type ReportStore interface {
	// SaveReport reports false when a report with the same id exists.
	SaveReport(ctx context.Context, report models.Report) (bool, error)
	GetReport(ctx context.Context, id string) (*models.Report, error)
	MarkReportRouted(ctx context.Context, id string, at time.Time) error
	UpdateReportStatus(ctx context.Context, id string, status models.ReportStatus) error
	ReportsForRelationship(ctx context.Context, relationshipID string) ([]models.Report, error)
}

type AuditStore interface {
	AppendAudit(ctx context.Context, entry models.AuditEntry) (int64, error)
	// AuditByTarget and AuditByAction return entries oldest first.
	AuditByTarget(ctx context.Context, targetType, targetID string) ([]models.AuditEntry, error)
	AuditByAction(ctx context.Context, action models.AuditAction) ([]models.AuditEntry, error)
	// RecentAudit returns up to limit entries, newest first.
	RecentAudit(ctx context.Context, limit int) ([]models.AuditEntry, error)
	// PruneAudit deletes entries created before cutoff.
	PruneAudit(ctx context.Context, cutoff time.Time) (int64, error)
}

// EventLedger remembers which relay events were already handled.
type EventLedger interface {
	// MarkSeen reports true the first time an event id is marked.
	MarkSeen(ctx context.Context, eventID string) (bool, error)
}

type Store interface {
	KeyPackageStore
	GroupStore
	WelcomeStore
	RelationshipStore
	ReportStore
	AuditStore
}
