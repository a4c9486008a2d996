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

// Package groups creates and maintains the encrypted groups that carry
// cross-household relationships, and processes the welcomes this household
// receives.
package groups

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/efchatnet/hearth/backend/audit"
	"github.com/efchatnet/hearth/backend/lockmap"
	"github.com/efchatnet/hearth/backend/metrics"
	"github.com/efchatnet/hearth/backend/models"
	"github.com/efchatnet/hearth/backend/notify"
	"github.com/efchatnet/hearth/backend/relationships"
	"github.com/efchatnet/hearth/backend/relay"
	"github.com/efchatnet/hearth/backend/storage"
	"github.com/efchatnet/hearth/backend/wire"
)

type Store interface {
	storage.GroupStore
	storage.WelcomeStore
}

type Coordinator struct {
	provider      Provider
	transport     relay.Transport
	store         Store
	relationships *relationships.Service
	audit         *audit.Log
	relays        []string
	locks         *lockmap.Map
	metrics       *metrics.Metrics
	logger        *slog.Logger
	now           func() time.Time

	// Welcomes is signalled whenever the pending welcome set changes.
	Welcomes notify.Feed[notify.WelcomesChanged]
}

// NewCoordinator builds a coordinator publishing on relays unless a group
// names its own.
func NewCoordinator(provider Provider, transport relay.Transport, store Store, rels *relationships.Service, auditLog *audit.Log, relays []string, m *metrics.Metrics, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &Coordinator{
		provider:      provider,
		transport:     transport,
		store:         store,
		relationships: rels,
		audit:         auditLog,
		relays:        relays,
		locks:         lockmap.New(),
		metrics:       m,
		logger:        logger.With("component", "groups"),
		now:           time.Now,
	}
}

type CreateParams struct {
	ProfileID   string
	Name        string
	Description string
	Relays      []string
	Admins      []string
	Invitees    []models.KeyPackage
}

// CreateGroup creates a group with this household as its first member and
// welcomes every invitee. The creator never receives a welcome; its other
// devices join through AddMembers. A relationship is recorded for each
// household whose welcome was delivered. When only some invitees were
// reached the group is returned together with the delivery error.
func (c *Coordinator) CreateGroup(ctx context.Context, p CreateParams) (*models.Group, []models.Relationship, error) {
	relays := p.Relays
	if len(relays) == 0 {
		relays = c.relays
	}
	if len(relays) == 0 {
		return nil, nil, fmt.Errorf("groups: create: no relays configured: %w", models.ErrRelaysUnavailable)
	}
	if p.ProfileID == "" {
		return nil, nil, fmt.Errorf("groups: create: %w", models.ErrChildProfileMissing)
	}

	localKey := c.transport.PublicKey()
	invitees := newestPerHousehold(p.Invitees, localKey)
	groupID := uuid.New().String()

	unlock := c.locks.Lock(groupID)
	defer unlock()

	welcomes, err := c.provider.CreateGroup(ctx, groupID, invitees)
	if err != nil {
		return nil, nil, fmt.Errorf("groups: create: %w", err)
	}
	members, err := c.provider.Members(ctx, groupID)
	if err != nil {
		return nil, nil, fmt.Errorf("groups: create: %w", err)
	}

	admins := p.Admins
	if len(admins) == 0 {
		admins = []string{localKey}
	}
	now := c.now().UTC()
	group := models.Group{
		GroupID:        groupID,
		Name:           p.Name,
		Description:    p.Description,
		Relays:         relays,
		Admins:         admins,
		Members:        members,
		MemberCount:    len(members),
		State:          models.GroupStatePending,
		CreatedBy:      localKey,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	if err := c.store.CreateGroup(ctx, group); err != nil {
		return nil, nil, fmt.Errorf("groups: storing %s: %w", groupID, err)
	}

	// The group stays pending, and is abandoned, if no invitee can be
	// reached.
	delivered, undelivered, sendErr := c.welcomeAll(ctx, &group, invitees, welcomes)
	if len(invitees) > 0 && len(delivered) == 0 {
		return nil, nil, sendErr
	}
	if len(undelivered) > 0 {
		if err := c.store.RemoveGroupMembers(ctx, groupID, undelivered); err != nil {
			return nil, nil, fmt.Errorf("groups: storing %s: %w", groupID, err)
		}
		group.Members = slices.DeleteFunc(group.Members, func(key string) bool { return slices.Contains(undelivered, key) })
		group.MemberCount = len(group.Members)
	}
	if err := c.store.SetGroupState(ctx, groupID, models.GroupStateActive); err != nil {
		return nil, nil, fmt.Errorf("groups: activating %s: %w", groupID, err)
	}
	group.State = models.GroupStateActive

	rels := make([]models.Relationship, 0, len(delivered))
	for _, key := range delivered {
		rel, err := c.relationships.Create(ctx, relationships.CreateParams{
			ProfileID:          p.ProfileID,
			RemoteHouseholdKey: key,
			GroupID:            groupID,
			Actor:              p.ProfileID,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("groups: create: %w", err)
		}
		rels = append(rels, *rel)
	}

	details := map[string]any{
		"name":    group.Name,
		"members": group.Members,
		"relays":  group.Relays,
	}
	if len(undelivered) > 0 {
		details["undelivered"] = undelivered
	}
	if _, err := c.audit.LogAction(ctx, models.AuditGroupCreated, p.ProfileID, models.TargetGroup, groupID, details); err != nil {
		return nil, nil, err
	}
	c.logger.Info("group created", "group_id", groupID, "members", group.MemberCount, "undelivered", len(undelivered))
	return &group, rels, sendErr
}

// welcomeAll sends every invitee its welcome, splitting the households into
// those reached and those not. The returned error joins every failure.
func (c *Coordinator) welcomeAll(ctx context.Context, group *models.Group, invitees []models.KeyPackage, welcomes Welcomes) (delivered, undelivered []string, err error) {
	var errs []error
	for _, kp := range invitees {
		if sendErr := c.sendWelcome(ctx, group, kp, welcomes[kp.HouseholdKey]); sendErr != nil {
			undelivered = append(undelivered, kp.HouseholdKey)
			errs = append(errs, sendErr)
			continue
		}
		delivered = append(delivered, kp.HouseholdKey)
	}
	return delivered, undelivered, errors.Join(errs...)
}

// newestPerHousehold keeps one ticket per household, dropping our own.
func newestPerHousehold(tickets []models.KeyPackage, localKey string) []models.KeyPackage {
	newest := make(map[string]models.KeyPackage)
	var order []string
	for _, kp := range tickets {
		if kp.HouseholdKey == localKey {
			continue
		}
		prev, seen := newest[kp.HouseholdKey]
		if !seen {
			order = append(order, kp.HouseholdKey)
		}
		if !seen || kp.CreatedAt.After(prev.CreatedAt) {
			newest[kp.HouseholdKey] = kp
		}
	}
	out := make([]models.KeyPackage, 0, len(order))
	for _, key := range order {
		out = append(out, newest[key])
	}
	return out
}

// sendWelcome publishes the invite on the group relays and the invitee's
// own relays. At least one relay must accept it.
func (c *Coordinator) sendWelcome(ctx context.Context, group *models.Group, kp models.KeyPackage, welcome []byte) error {
	invite := &wire.GroupInvite{
		Version:     wire.Version,
		GroupID:     group.GroupID,
		Name:        group.Name,
		Description: group.Description,
		Relays:      group.Relays,
		Admins:      group.Admins,
		MemberCount: group.MemberCount,
		Welcome:     welcome,
	}
	ev, err := wire.Encode(invite, [][]string{
		{relay.TagRecipient, kp.HouseholdKey},
		{relay.TagGroup, group.GroupID},
	})
	if err != nil {
		return err
	}
	targets := unionRelays(group.Relays, kp.Relays)
	_, results := c.transport.Publish(ctx, ev, targets)
	if len(relay.Accepted(results)) == 0 {
		c.logger.Warn("welcome not delivered", "group_id", group.GroupID, "household", kp.HouseholdKey)
		return fmt.Errorf("groups: welcoming %s: %w", kp.HouseholdKey, models.ErrRelaysUnavailable)
	}
	return nil
}

func unionRelays(sets ...[]string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, set := range sets {
		for _, url := range set {
			if !seen[url] {
				seen[url] = true
				out = append(out, url)
			}
		}
	}
	return out
}

// GroupRequest asks for a new group with the named households. Their join
// tickets are discovered before the group is created.
type GroupRequest struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Households  []string `json:"households"`
	Relays      []string `json:"relays,omitempty"`
}

// Invitation names households to add to an existing group.
type Invitation struct {
	GroupID    string   `json:"group_id"`
	Households []string `json:"households"`
}

// MemberAddition adds invitees to one existing group.
type MemberAddition struct {
	GroupID  string              `json:"group_id"`
	Invitees []models.KeyPackage `json:"invitees"`
}

// AddMembers welcomes new members into each listed group. Every group is
// attempted; failures are reported per group. Households whose welcome was
// delivered are recorded even when another invitee of the same group failed.
func (c *Coordinator) AddMembers(ctx context.Context, profileID string, additions []MemberAddition) models.UpdateResult {
	var result models.UpdateResult
	for _, add := range additions {
		members, err := c.addMembers(ctx, profileID, add)
		if err != nil {
			c.logger.Warn("adding members failed", "group_id", add.GroupID, "added", len(members), "error", err)
			result.Partial(add.GroupID, members, err)
			continue
		}
		result.Succeed(add.GroupID, members)
	}
	return result
}

func (c *Coordinator) addMembers(ctx context.Context, profileID string, add MemberAddition) ([]string, error) {
	if add.GroupID == "" {
		return nil, models.ErrGroupIdentifierMissing
	}
	unlock := c.locks.Lock(add.GroupID)
	defer unlock()

	group, err := c.store.GetGroup(ctx, add.GroupID)
	if err != nil {
		return nil, err
	}
	// Our own household may appear here for a second device.
	invitees := newestPerHousehold(add.Invitees, "")
	if len(invitees) == 0 {
		return nil, nil
	}

	welcomes, err := c.provider.AddMembers(ctx, group.GroupID, invitees)
	if err != nil {
		return nil, err
	}
	members, err := c.provider.Members(ctx, group.GroupID)
	if err != nil {
		return nil, err
	}
	group.Members = members
	group.MemberCount = len(members)

	added, _, sendErr := c.welcomeAll(ctx, group, invitees, welcomes)
	if len(added) == 0 {
		return nil, sendErr
	}
	if err := c.store.AddGroupMembers(ctx, group.GroupID, added); err != nil {
		return nil, err
	}

	localKey := c.transport.PublicKey()
	for _, key := range added {
		if key == localKey {
			continue
		}
		if _, err := c.relationships.Create(ctx, relationships.CreateParams{
			ProfileID:          profileID,
			RemoteHouseholdKey: key,
			GroupID:            group.GroupID,
			Actor:              profileID,
		}); err != nil {
			return nil, err
		}
	}
	if _, err := c.audit.LogAction(ctx, models.AuditMembersAdded, profileID, models.TargetGroup, group.GroupID,
		map[string]any{"members": added}); err != nil {
		return nil, err
	}
	return added, sendErr
}

// MemberRemoval removes households from one group.
type MemberRemoval struct {
	GroupID string   `json:"group_id"`
	Members []string `json:"members"`
}

// RemoveMembers removes members from each listed group, reporting failures
// per group.
func (c *Coordinator) RemoveMembers(ctx context.Context, actor string, removals []MemberRemoval) models.UpdateResult {
	var result models.UpdateResult
	for _, rm := range removals {
		if err := c.removeMembers(ctx, actor, rm); err != nil {
			c.logger.Warn("removing members failed", "group_id", rm.GroupID, "error", err)
			result.Fail(rm.GroupID, err)
			continue
		}
		result.Succeed(rm.GroupID, rm.Members)
	}
	return result
}

func (c *Coordinator) removeMembers(ctx context.Context, actor string, rm MemberRemoval) error {
	if rm.GroupID == "" {
		return models.ErrGroupIdentifierMissing
	}
	unlock := c.locks.Lock(rm.GroupID)
	defer unlock()

	if _, err := c.store.GetGroup(ctx, rm.GroupID); err != nil {
		return err
	}
	for _, key := range rm.Members {
		if !models.ValidHouseholdKey(key) {
			return fmt.Errorf("%w: %q", models.ErrInvalidRecipientKey, key)
		}
	}
	if err := c.provider.RemoveMembers(ctx, rm.GroupID, rm.Members); err != nil {
		return err
	}
	if err := c.store.RemoveGroupMembers(ctx, rm.GroupID, rm.Members); err != nil {
		return err
	}
	_, err := c.audit.LogAction(ctx, models.AuditMembersRemoved, actor, models.TargetGroup, rm.GroupID,
		map[string]any{"members": rm.Members})
	return err
}

// IngestWelcome records a welcome received from the network. Redelivery of
// an event already seen, pending or resolved, is a no-op reporting false.
func (c *Coordinator) IngestWelcome(ctx context.Context, ev relay.Event, invite *wire.GroupInvite) (bool, error) {
	if invite.GroupID == "" {
		return false, fmt.Errorf("groups: welcome %s: %w", ev.ID, models.ErrGroupIdentifierMissing)
	}
	welcome := models.PendingWelcome{
		EventID:     ev.ID,
		GroupID:     invite.GroupID,
		Name:        invite.Name,
		Description: invite.Description,
		Relays:      invite.Relays,
		Admins:      invite.Admins,
		MemberCount: invite.MemberCount,
		Welcomer:    ev.Author,
		Welcome:     invite.Welcome,
		Status:      models.WelcomePending,
		ReceivedAt:  c.now().UTC(),
	}
	created, err := c.store.SaveWelcome(ctx, welcome)
	if err != nil {
		return false, fmt.Errorf("groups: storing welcome %s: %w", ev.ID, err)
	}
	if created {
		c.logger.Info("welcome received", "event_id", ev.ID, "group_id", invite.GroupID, "welcomer", ev.Author)
		c.signalWelcomes(ctx)
	}
	return created, nil
}

// ListPendingWelcomes returns the welcomes awaiting a decision. A welcome
// for a group that is already joined, with a readable non-empty membership
// and a relationship with the welcomer, is resolved as accepted and left
// out. A joined group missing its relationship stays listed so that
// accepting it again records one.
func (c *Coordinator) ListPendingWelcomes(ctx context.Context) ([]models.PendingWelcome, error) {
	pending, err := c.store.ListWelcomes(ctx, models.WelcomePending)
	if err != nil {
		return nil, fmt.Errorf("groups: listing welcomes: %w", err)
	}
	out := make([]models.PendingWelcome, 0, len(pending))
	for _, w := range pending {
		if c.alreadyJoined(ctx, w.GroupID) && !c.missingRelationship(&w) {
			if err := c.store.ResolveWelcome(ctx, w.EventID, models.WelcomeAccepted, c.now().UTC()); err != nil {
				return nil, fmt.Errorf("groups: resolving welcome %s: %w", w.EventID, err)
			}
			c.logger.Info("welcome already joined", "event_id", w.EventID, "group_id", w.GroupID)
			continue
		}
		out = append(out, w)
	}
	c.metrics.SetPendingWelcomes(len(out))
	return out, nil
}

func (c *Coordinator) alreadyJoined(ctx context.Context, groupID string) bool {
	if _, err := c.store.GetGroup(ctx, groupID); err != nil {
		return false
	}
	members, err := c.provider.Members(ctx, groupID)
	return err == nil && len(members) > 0
}

// missingRelationship reports whether accepting w should have recorded a
// relationship with its welcomer that does not exist.
func (c *Coordinator) missingRelationship(w *models.PendingWelcome) bool {
	if w.Welcomer == c.transport.PublicKey() {
		return false
	}
	for _, rel := range c.relationships.ForHousehold(w.Welcomer) {
		if rel.GroupID == w.GroupID {
			return false
		}
	}
	return true
}

// recordAcceptance creates the relationship with the welcomer when it is
// missing and audits the acceptance. Both steps come before the welcome is
// resolved so that a failure leaves it open to another accept.
func (c *Coordinator) recordAcceptance(ctx context.Context, w *models.PendingWelcome, profileID string) error {
	if c.missingRelationship(w) {
		if _, err := c.relationships.Create(ctx, relationships.CreateParams{
			ProfileID:          profileID,
			RemoteHouseholdKey: w.Welcomer,
			GroupID:            w.GroupID,
			Actor:              profileID,
		}); err != nil {
			return fmt.Errorf("groups: accept: %w", err)
		}
	}
	_, err := c.audit.LogAction(ctx, models.AuditWelcomeAccepted, profileID, models.TargetWelcome, w.EventID,
		map[string]string{"group_id": w.GroupID, "welcomer": w.Welcomer})
	return err
}

// AcceptWelcome joins the welcome's group and records the relationship with
// the welcoming household. Accepting a resolved welcome is a no-op: an
// accepted one returns its group, a declined one returns nil. An accepted
// welcome whose relationship is missing has it recorded again.
func (c *Coordinator) AcceptWelcome(ctx context.Context, eventID, profileID string) (*models.Group, error) {
	unlock := c.locks.Lock("welcome:" + eventID)
	defer unlock()

	w, err := c.store.GetWelcome(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("groups: welcome %s: %w", eventID, err)
	}
	switch w.Status {
	case models.WelcomeDeclined:
		return nil, nil
	case models.WelcomeAccepted:
		if c.missingRelationship(w) {
			if profileID == "" {
				return nil, fmt.Errorf("groups: accept: %w", models.ErrChildProfileMissing)
			}
			c.logger.Warn("accepted welcome has no relationship", "event_id", eventID, "group_id", w.GroupID)
			if err := c.recordAcceptance(ctx, w, profileID); err != nil {
				return nil, err
			}
		}
		return c.store.GetGroup(ctx, w.GroupID)
	}
	if profileID == "" {
		return nil, fmt.Errorf("groups: accept: %w", models.ErrChildProfileMissing)
	}

	unlockGroup := c.locks.Lock(w.GroupID)
	defer unlockGroup()

	if err := c.provider.JoinGroup(ctx, w.GroupID, w.Welcome); err != nil {
		return nil, fmt.Errorf("groups: joining %s: %w", w.GroupID, err)
	}
	members, err := c.provider.Members(ctx, w.GroupID)
	if err != nil {
		return nil, fmt.Errorf("groups: joining %s: %w", w.GroupID, err)
	}

	group, err := c.store.GetGroup(ctx, w.GroupID)
	switch {
	case errors.Is(err, models.ErrNotFound):
		now := c.now().UTC()
		group = &models.Group{
			GroupID:        w.GroupID,
			Name:           w.Name,
			Description:    w.Description,
			Relays:         w.Relays,
			Admins:         w.Admins,
			Members:        members,
			MemberCount:    len(members),
			State:          models.GroupStateActive,
			CreatedBy:      w.Welcomer,
			CreatedAt:      now,
			LastActivityAt: now,
		}
		if err := c.store.CreateGroup(ctx, *group); err != nil {
			return nil, fmt.Errorf("groups: storing %s: %w", w.GroupID, err)
		}
	case err != nil:
		return nil, fmt.Errorf("groups: %s: %w", w.GroupID, err)
	default:
		if err := c.store.AddGroupMembers(ctx, w.GroupID, members); err != nil {
			return nil, fmt.Errorf("groups: %s: %w", w.GroupID, err)
		}
		if group, err = c.store.GetGroup(ctx, w.GroupID); err != nil {
			return nil, fmt.Errorf("groups: %s: %w", w.GroupID, err)
		}
	}

	if err := c.recordAcceptance(ctx, w, profileID); err != nil {
		return nil, err
	}
	if err := c.store.ResolveWelcome(ctx, eventID, models.WelcomeAccepted, c.now().UTC()); err != nil {
		return nil, fmt.Errorf("groups: resolving welcome %s: %w", eventID, err)
	}
	c.signalWelcomes(ctx)
	return group, nil
}

// DeclineWelcome discards a pending welcome, keeping a tombstone so the same
// event is not offered again. Declining a resolved welcome is a no-op.
func (c *Coordinator) DeclineWelcome(ctx context.Context, eventID, actor string) error {
	unlock := c.locks.Lock("welcome:" + eventID)
	defer unlock()

	w, err := c.store.GetWelcome(ctx, eventID)
	if err != nil {
		return fmt.Errorf("groups: welcome %s: %w", eventID, err)
	}
	if w.Status != models.WelcomePending {
		return nil
	}
	if err := c.store.ResolveWelcome(ctx, eventID, models.WelcomeDeclined, c.now().UTC()); err != nil {
		return fmt.Errorf("groups: resolving welcome %s: %w", eventID, err)
	}
	if _, err := c.audit.LogAction(ctx, models.AuditWelcomeDeclined, actor, models.TargetWelcome, eventID,
		map[string]string{"group_id": w.GroupID, "welcomer": w.Welcomer}); err != nil {
		return err
	}
	c.signalWelcomes(ctx)
	return nil
}

func (c *Coordinator) signalWelcomes(ctx context.Context) {
	pending, err := c.store.ListWelcomes(ctx, models.WelcomePending)
	if err != nil {
		c.logger.Warn("counting pending welcomes", "error", err)
		return
	}
	c.metrics.SetPendingWelcomes(len(pending))
	c.Welcomes.Send(notify.WelcomesChanged{Pending: len(pending)})
}

// GetGroup returns a stored group with its current membership.
func (c *Coordinator) GetGroup(ctx context.Context, groupID string) (*models.Group, error) {
	return c.store.GetGroup(ctx, groupID)
}

// ListGroups returns every group this household belongs to.
func (c *Coordinator) ListGroups(ctx context.Context) ([]models.Group, error) {
	return c.store.ListGroups(ctx)
}
