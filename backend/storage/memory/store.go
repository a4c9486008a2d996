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

// Package memory is an in-process storage.Store for tests and dev mode.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/efchatnet/hearth/backend/models"
	"github.com/efchatnet/hearth/backend/storage"
)

type Store struct {
	mu sync.RWMutex

	keyPackages   map[string]models.KeyPackage
	handles       []models.PublishedTicketHandle
	groups        map[string]*models.Group
	members       map[string][]string
	welcomes      map[string]models.PendingWelcome
	relationships map[string]models.Relationship
	reports       map[string]models.Report
	audit         []models.AuditEntry
	nextAuditID   int64
	seen          map[string]struct{}

	// FailAudit makes every audit append fail, for exercising error paths.
	FailAudit error
}

var (
	_ storage.Store       = (*Store)(nil)
	_ storage.EventLedger = (*Store)(nil)
)

func NewStore() *Store {
	return &Store{
		keyPackages:   make(map[string]models.KeyPackage),
		groups:        make(map[string]*models.Group),
		members:       make(map[string][]string),
		welcomes:      make(map[string]models.PendingWelcome),
		relationships: make(map[string]models.Relationship),
		reports:       make(map[string]models.Report),
		seen:          make(map[string]struct{}),
	}
}

func (s *Store) SaveKeyPackage(ctx context.Context, kp models.KeyPackage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keyPackages[kp.Hash] = kp
	return nil
}

func (s *Store) KeyPackagesForHousehold(ctx context.Context, householdKey string) ([]models.KeyPackage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.KeyPackage
	for _, kp := range s.keyPackages {
		if kp.HouseholdKey == householdKey {
			out = append(out, kp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) SavePublishedHandle(ctx context.Context, handle models.PublishedTicketHandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handles = append(s.handles, handle)
	return nil
}

func (s *Store) LatestPublishedHandle(ctx context.Context, householdKey string) (*models.PublishedTicketHandle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.handles) - 1; i >= 0; i-- {
		if s.handles[i].HouseholdKey == householdKey {
			h := s.handles[i]
			return &h, nil
		}
	}
	return nil, models.ErrNotFound
}

func (s *Store) CreateGroup(ctx context.Context, group models.Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := group
	g.Members = nil
	s.groups[group.GroupID] = &g
	s.members[group.GroupID] = nil
	s.addMembersLocked(group.GroupID, group.Members)
	return nil
}

func (s *Store) GetGroup(ctx context.Context, groupID string) (*models.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[groupID]
	if !ok {
		return nil, models.ErrNotFound
	}
	out := *g
	out.Members = append([]string(nil), s.members[groupID]...)
	out.MemberCount = len(out.Members)
	return &out, nil
}

func (s *Store) ListGroups(ctx context.Context) ([]models.Group, error) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.groups))
	for id := range s.groups {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)

	out := make([]models.Group, 0, len(ids))
	for _, id := range ids {
		g, err := s.GetGroup(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, *g)
	}
	return out, nil
}

func (s *Store) addMembersLocked(groupID string, members []string) {
	existing := s.members[groupID]
	for _, m := range members {
		dup := false
		for _, e := range existing {
			if e == m {
				dup = true
				break
			}
		}
		if !dup {
			existing = append(existing, m)
		}
	}
	s.members[groupID] = existing
	if g, ok := s.groups[groupID]; ok {
		g.MemberCount = len(existing)
	}
}

func (s *Store) AddGroupMembers(ctx context.Context, groupID string, members []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[groupID]; !ok {
		return models.ErrNotFound
	}
	s.addMembersLocked(groupID, members)
	return nil
}

func (s *Store) RemoveGroupMembers(ctx context.Context, groupID string, members []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[groupID]
	if !ok {
		return models.ErrNotFound
	}
	drop := make(map[string]bool, len(members))
	for _, m := range members {
		drop[m] = true
	}
	kept := s.members[groupID][:0:0]
	for _, m := range s.members[groupID] {
		if !drop[m] {
			kept = append(kept, m)
		}
	}
	s.members[groupID] = kept
	g.MemberCount = len(kept)
	return nil
}

func (s *Store) GetGroupMembers(ctx context.Context, groupID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.groups[groupID]; !ok {
		return nil, models.ErrNotFound
	}
	return append([]string(nil), s.members[groupID]...), nil
}

func (s *Store) SetGroupState(ctx context.Context, groupID string, state models.GroupState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[groupID]
	if !ok {
		return models.ErrNotFound
	}
	g.State = state
	return nil
}

func (s *Store) SaveWelcome(ctx context.Context, welcome models.PendingWelcome) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.welcomes[welcome.EventID]; ok {
		return false, nil
	}
	s.welcomes[welcome.EventID] = welcome
	return true, nil
}

func (s *Store) GetWelcome(ctx context.Context, eventID string) (*models.PendingWelcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.welcomes[eventID]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &w, nil
}

func (s *Store) ListWelcomes(ctx context.Context, status models.WelcomeStatus) ([]models.PendingWelcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.PendingWelcome
	for _, w := range s.welcomes {
		if status == "" || w.Status == status {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	return out, nil
}

func (s *Store) ResolveWelcome(ctx context.Context, eventID string, status models.WelcomeStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.welcomes[eventID]
	if !ok {
		return models.ErrNotFound
	}
	w.Status = status
	w.ResolvedAt = &at
	s.welcomes[eventID] = w
	return nil
}

func (s *Store) appendAuditLocked(entry models.AuditEntry) (int64, error) {
	if s.FailAudit != nil {
		return 0, s.FailAudit
	}
	s.nextAuditID++
	entry.ID = s.nextAuditID
	s.audit = append(s.audit, entry)
	return entry.ID, nil
}

func (s *Store) CreateRelationship(ctx context.Context, rel models.Relationship, entry models.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.appendAuditLocked(entry); err != nil {
		return err
	}
	s.relationships[rel.ID] = rel
	return nil
}

func (s *Store) GetRelationship(ctx context.Context, id string) (*models.Relationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.relationships[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &r, nil
}

func (s *Store) ListRelationships(ctx context.Context) ([]models.Relationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Relationship, 0, len(s.relationships))
	for _, r := range s.relationships {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) UpdateRelationshipState(ctx context.Context, change models.StateChange, entries ...models.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.relationships[change.RelationshipID]
	if !ok {
		return models.ErrNotFound
	}
	if r.State != change.From {
		return models.ErrStateConflict
	}
	if s.FailAudit != nil {
		return s.FailAudit
	}
	for _, entry := range entries {
		if _, err := s.appendAuditLocked(entry); err != nil {
			return err
		}
	}
	r.State = change.To
	r.StateReason = change.Reason
	r.StateChangedBy = change.Actor
	r.StateChangedAt = change.At
	r.LastActivityAt = change.At
	s.relationships[r.ID] = r
	return nil
}

func (s *Store) IncrementReportCount(ctx context.Context, id string, remote bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.relationships[id]
	if !ok {
		return models.ErrNotFound
	}
	if remote {
		r.RemoteReportCount++
	} else {
		r.LocalReportCount++
	}
	s.relationships[id] = r
	return nil
}

func (s *Store) SetBlockedByRemote(ctx context.Context, id string, blocked bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.relationships[id]
	if !ok {
		return models.ErrNotFound
	}
	r.BlockedByRemote = blocked
	s.relationships[id] = r
	return nil
}

func (s *Store) UpdateNotes(ctx context.Context, id, notes string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.relationships[id]
	if !ok {
		return models.ErrNotFound
	}
	r.Notes = notes
	s.relationships[id] = r
	return nil
}

func (s *Store) SaveReport(ctx context.Context, report models.Report) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.reports[report.ID]; ok {
		return false, nil
	}
	s.reports[report.ID] = report
	return true, nil
}

func (s *Store) GetReport(ctx context.Context, id string) (*models.Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reports[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &r, nil
}

func (s *Store) MarkReportRouted(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reports[id]
	if !ok {
		return models.ErrNotFound
	}
	r.RoutedAt = &at
	s.reports[id] = r
	return nil
}

func (s *Store) UpdateReportStatus(ctx context.Context, id string, status models.ReportStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reports[id]
	if !ok {
		return models.ErrNotFound
	}
	r.Status = status
	s.reports[id] = r
	return nil
}

func (s *Store) ReportsForRelationship(ctx context.Context, relationshipID string) ([]models.Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Report
	for _, r := range s.reports {
		if r.RelationshipID == relationshipID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) AppendAudit(ctx context.Context, entry models.AuditEntry) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendAuditLocked(entry)
}

func (s *Store) filterAudit(keep func(models.AuditEntry) bool) []models.AuditEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.AuditEntry
	for _, e := range s.audit {
		if keep(e) {
			out = append(out, e)
		}
	}
	return out
}

func (s *Store) AuditByTarget(ctx context.Context, targetType, targetID string) ([]models.AuditEntry, error) {
	return s.filterAudit(func(e models.AuditEntry) bool {
		return e.TargetType == targetType && e.TargetID == targetID
	}), nil
}

func (s *Store) AuditByAction(ctx context.Context, action models.AuditAction) ([]models.AuditEntry, error) {
	return s.filterAudit(func(e models.AuditEntry) bool { return e.Action == action }), nil
}

func (s *Store) RecentAudit(ctx context.Context, limit int) ([]models.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.AuditEntry, 0, limit)
	for i := len(s.audit) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.audit[i])
	}
	return out, nil
}

func (s *Store) PruneAudit(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.audit[:0:0]
	var deleted int64
	for _, e := range s.audit {
		if e.CreatedAt.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, e)
	}
	s.audit = kept
	return deleted, nil
}

func (s *Store) MarkSeen(ctx context.Context, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[eventID]; ok {
		return false, nil
	}
	s.seen[eventID] = struct{}{}
	return true, nil
}
