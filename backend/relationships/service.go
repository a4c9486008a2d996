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

// Package relationships owns the lifecycle of cross-household connections
// and answers whether traffic may flow through a group.
package relationships

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/efchatnet/hearth/backend/audit"
	"github.com/efchatnet/hearth/backend/lockmap"
	"github.com/efchatnet/hearth/backend/metrics"
	"github.com/efchatnet/hearth/backend/models"
	"github.com/efchatnet/hearth/backend/notify"
	"github.com/efchatnet/hearth/backend/storage"
)

// MediaPurger deletes the local media of a group.
type MediaPurger interface {
	PurgeGroup(ctx context.Context, groupID string) error
}

type Service struct {
	store   storage.RelationshipStore
	audit   *audit.Log
	media   MediaPurger
	locks   *lockmap.Map
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	// reloadMu orders rebuilds so a slow read never replaces a newer
	// snapshot.
	reloadMu sync.Mutex
	idxMu    sync.RWMutex
	idx      *index
	// stale is set when a rebuild after a committed mutation failed. The
	// traffic gate stays closed until a rebuild succeeds.
	stale bool

	// Changes receives every committed transition.
	Changes notify.Feed[notify.RelationshipChanged]
}

func NewService(store storage.RelationshipStore, auditLog *audit.Log, media MediaPurger, m *metrics.Metrics, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &Service{
		store:   store,
		audit:   auditLog,
		media:   media,
		locks:   lockmap.New(),
		metrics: m,
		logger:  logger.With("component", "relationships"),
		now:     time.Now,
		idx:     buildIndex(nil),
	}
}

// Reload rebuilds the lookup index from the store. A failed rebuild marks
// the index stale, which closes the traffic gate until a later rebuild
// succeeds.
func (s *Service) Reload(ctx context.Context) error {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	rels, err := s.store.ListRelationships(ctx)
	if err != nil {
		s.idxMu.Lock()
		s.stale = true
		s.idxMu.Unlock()
		return fmt.Errorf("relationships: loading: %w", err)
	}
	idx := buildIndex(rels)
	s.idxMu.Lock()
	s.idx = idx
	s.stale = false
	s.idxMu.Unlock()
	return nil
}

func (s *Service) reload(ctx context.Context) {
	if err := s.Reload(ctx); err != nil {
		s.logger.Error("rebuilding relationship index, gate closed", "error", err)
	}
}

func (s *Service) index() *index {
	s.idxMu.RLock()
	defer s.idxMu.RUnlock()
	return s.idx
}

// Stale reports whether the index may lag behind the store.
func (s *Service) Stale() bool {
	s.idxMu.RLock()
	defer s.idxMu.RUnlock()
	return s.stale
}

type CreateParams struct {
	ProfileID          string
	RemoteHouseholdKey string
	RemoteMemberKey    string
	GroupID            string
	Actor              string
}

// Create records a new active relationship for a freshly established
// group. Creating the same group and household twice returns the existing
// record.
func (s *Service) Create(ctx context.Context, p CreateParams) (*models.Relationship, error) {
	if p.ProfileID == "" {
		return nil, fmt.Errorf("relationships: create: %w", models.ErrChildProfileMissing)
	}
	if p.GroupID == "" {
		return nil, fmt.Errorf("relationships: create: %w", models.ErrGroupIdentifierMissing)
	}
	if !models.ValidHouseholdKey(p.RemoteHouseholdKey) {
		return nil, fmt.Errorf("relationships: create %q: %w", p.RemoteHouseholdKey, models.ErrInvalidRecipientKey)
	}

	unlock := s.locks.Lock("group:" + p.GroupID)
	defer unlock()

	if existing, ok := s.index().group(p.GroupID); ok && existing.RemoteHouseholdKey == p.RemoteHouseholdKey {
		return &existing, nil
	}

	now := s.now().UTC()
	rel := models.Relationship{
		ID:                 uuid.New().String(),
		ProfileID:          p.ProfileID,
		RemoteHouseholdKey: p.RemoteHouseholdKey,
		RemoteMemberKey:    p.RemoteMemberKey,
		GroupID:            p.GroupID,
		State:              models.StateActive,
		StateChangedAt:     now,
		StateChangedBy:     p.Actor,
		CreatedAt:          now,
		LastActivityAt:     now,
	}
	entry, err := s.audit.Entry(models.AuditRelationshipCreated, p.Actor, models.TargetRelationship, rel.ID, map[string]string{
		"group_id":         rel.GroupID,
		"remote_household": rel.RemoteHouseholdKey,
		"profile_id":       rel.ProfileID,
	})
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateRelationship(ctx, rel, entry); err != nil {
		return nil, fmt.Errorf("relationships: create: %w", err)
	}
	s.reload(ctx)
	s.logger.Info("relationship created", "id", rel.ID, "group_id", rel.GroupID)
	return &rel, nil
}

func (s *Service) Get(ctx context.Context, id string) (*models.Relationship, error) {
	rel, err := s.store.GetRelationship(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("relationships: %s: %w", id, err)
	}
	return rel, nil
}

// ForProfile lists the relationships of one local profile, oldest first.
func (s *Service) ForProfile(profileID string) []models.Relationship {
	idx := s.index()
	return idx.resolve(idx.byProfile[profileID])
}

// ForHousehold lists the relationships with one remote household.
func (s *Service) ForHousehold(householdKey string) []models.Relationship {
	idx := s.index()
	return idx.resolve(idx.byRemote[householdKey])
}

// ForGroup returns the relationship carried by a group.
func (s *Service) ForGroup(groupID string) (models.Relationship, bool) {
	return s.index().group(groupID)
}

// AllowsReceiving gates inbound traffic of a group. Groups without a
// relationship are closed, as is every group while the index is stale.
func (s *Service) AllowsReceiving(groupID string) bool {
	rel, ok := s.ForGroup(groupID)
	return ok && !s.Stale() && rel.State.AllowsReceiving()
}

func (s *Service) AllowsSending(groupID string) bool {
	rel, ok := s.ForGroup(groupID)
	return ok && !s.Stale() && rel.State.AllowsSending()
}

// Transition moves a relationship to a new state. Entering blocked or
// removed purges the group's media first; if that purge fails the
// transition is committed anyway, the failure is recorded in the audit log,
// and ErrMediaPurgeIncomplete is returned with the updated relationship.
func (s *Service) Transition(ctx context.Context, id string, to models.RelationshipState, reason, actor string) (*models.Relationship, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	rel, err := s.store.GetRelationship(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("relationships: %s: %w", id, err)
	}
	from := rel.State
	if !from.CanTransitionTo(to) {
		return nil, &models.InvalidTransitionError{From: from, To: to}
	}

	var purgeErr error
	if to.PurgesMedia() {
		purgeErr = s.media.PurgeGroup(ctx, rel.GroupID)
	}

	change := models.StateChange{
		RelationshipID: id,
		From:           from,
		To:             to,
		Reason:         reason,
		Actor:          actor,
		At:             s.now().UTC(),
	}
	entries := make([]models.AuditEntry, 0, 2)
	entry, err := s.audit.Entry(models.AuditRelationshipTransition, actor, models.TargetRelationship, id, change)
	if err != nil {
		return nil, err
	}
	entries = append(entries, entry)
	if to.PurgesMedia() {
		action := models.AuditMediaPurged
		details := map[string]string{"group_id": rel.GroupID}
		if purgeErr != nil {
			action = models.AuditMediaPurgeFailed
			details["error"] = purgeErr.Error()
		}
		entry, err := s.audit.Entry(action, actor, models.TargetRelationship, id, details)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}

	if err := s.store.UpdateRelationshipState(ctx, change, entries...); err != nil {
		return nil, fmt.Errorf("relationships: committing %s -> %s: %w", from, to, err)
	}
	s.reload(ctx)
	s.metrics.Transition(string(from), string(to))
	s.Changes.Send(notify.RelationshipChanged{StateChange: change, GroupID: rel.GroupID})
	s.logger.Info("relationship transition", "id", id, "from", from, "to", to, "actor", actor)

	updated, err := s.store.GetRelationship(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("relationships: %s: %w", id, err)
	}
	if purgeErr != nil {
		s.metrics.MediaPurgeFailed()
		s.logger.Error("media purge incomplete", "id", id, "group_id", rel.GroupID, "error", purgeErr)
		return updated, fmt.Errorf("relationships: %s: %w: %v", id, models.ErrMediaPurgeIncomplete, purgeErr)
	}
	return updated, nil
}

func (s *Service) Freeze(ctx context.Context, id, reason, actor string) (*models.Relationship, error) {
	return s.Transition(ctx, id, models.StateFrozen, reason, actor)
}

func (s *Service) Unfreeze(ctx context.Context, id, actor string) (*models.Relationship, error) {
	return s.Transition(ctx, id, models.StateActive, "", actor)
}

func (s *Service) Block(ctx context.Context, id, reason, actor string) (*models.Relationship, error) {
	return s.Transition(ctx, id, models.StateBlocked, reason, actor)
}

// Unblock reactivates a blocked relationship. Report counters are kept.
func (s *Service) Unblock(ctx context.Context, id, actor string) (*models.Relationship, error) {
	return s.Transition(ctx, id, models.StateActive, "", actor)
}

func (s *Service) Remove(ctx context.Context, id, reason, actor string) (*models.Relationship, error) {
	return s.Transition(ctx, id, models.StateRemoved, reason, actor)
}

// PurgeMedia retries the media purge of a blocked or removed relationship.
func (s *Service) PurgeMedia(ctx context.Context, id, actor string) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	rel, err := s.store.GetRelationship(ctx, id)
	if err != nil {
		return fmt.Errorf("relationships: %s: %w", id, err)
	}
	if !rel.State.PurgesMedia() {
		return fmt.Errorf("relationships: %s is %s, media is kept", id, rel.State)
	}
	if err := s.media.PurgeGroup(ctx, rel.GroupID); err != nil {
		s.metrics.MediaPurgeFailed()
		if _, auditErr := s.audit.LogAction(ctx, models.AuditMediaPurgeFailed, actor, models.TargetRelationship, id,
			map[string]string{"group_id": rel.GroupID, "error": err.Error()}); auditErr != nil {
			return errors.Join(fmt.Errorf("%w: %v", models.ErrMediaPurgeIncomplete, err), auditErr)
		}
		return fmt.Errorf("relationships: %s: %w: %v", id, models.ErrMediaPurgeIncomplete, err)
	}
	_, err = s.audit.LogAction(ctx, models.AuditMediaPurged, actor, models.TargetRelationship, id,
		map[string]string{"group_id": rel.GroupID})
	return err
}

func (s *Service) IncrementLocalReportCount(ctx context.Context, id string) error {
	return s.increment(ctx, id, false)
}

func (s *Service) IncrementRemoteReportCount(ctx context.Context, id string) error {
	return s.increment(ctx, id, true)
}

func (s *Service) increment(ctx context.Context, id string, remote bool) error {
	unlock := s.locks.Lock(id)
	defer unlock()
	if err := s.store.IncrementReportCount(ctx, id, remote); err != nil {
		return fmt.Errorf("relationships: counting report on %s: %w", id, err)
	}
	s.reload(ctx)
	return nil
}

// MarkBlockedByRemote records whether the remote household has cut us off.
func (s *Service) MarkBlockedByRemote(ctx context.Context, id string, blocked bool) error {
	unlock := s.locks.Lock(id)
	defer unlock()
	if err := s.store.SetBlockedByRemote(ctx, id, blocked); err != nil {
		return fmt.Errorf("relationships: %s: %w", id, err)
	}
	s.reload(ctx)
	return nil
}

func (s *Service) UpdateNotes(ctx context.Context, id, notes string) error {
	unlock := s.locks.Lock(id)
	defer unlock()
	if err := s.store.UpdateNotes(ctx, id, notes); err != nil {
		return fmt.Errorf("relationships: %s: %w", id, err)
	}
	s.reload(ctx)
	return nil
}
