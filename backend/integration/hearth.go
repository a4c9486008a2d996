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

// Package integration wires hearth's components together, serves them over
// the host API and feeds them events from the relay network.
package integration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/efchatnet/hearth/backend/audit"
	"github.com/efchatnet/hearth/backend/config"
	"github.com/efchatnet/hearth/backend/groups"
	"github.com/efchatnet/hearth/backend/keypackages"
	"github.com/efchatnet/hearth/backend/metrics"
	"github.com/efchatnet/hearth/backend/models"
	"github.com/efchatnet/hearth/backend/relationships"
	"github.com/efchatnet/hearth/backend/relay"
	"github.com/efchatnet/hearth/backend/reports"
	"github.com/efchatnet/hearth/backend/storage"
	redisStore "github.com/efchatnet/hearth/backend/storage/redis"
)

// Notifier forwards notifications to host apps.
type Notifier interface {
	Publish(ctx context.Context, topic, kind string, data any) (int64, error)
}

type Options struct {
	Settings  *config.Config
	Store     storage.Store
	Ledger    storage.EventLedger
	Transport relay.Transport
	Provider  groups.Provider
	Media     relationships.MediaPurger
	// Notifier is optional.
	Notifier Notifier
	Metrics  *metrics.Metrics
	// Ping reports storage liveness for /health and may be nil.
	Ping   func(ctx context.Context) error
	Logger *slog.Logger
}

// Hearth is one household's trust and connection core.
type Hearth struct {
	cfg       *config.Config
	store     storage.Store
	ledger    storage.EventLedger
	transport relay.Transport
	notifier  Notifier
	ping      func(ctx context.Context) error
	metrics   *metrics.Metrics
	logger    *slog.Logger

	Audit         *audit.Log
	Relationships *relationships.Service
	Directory     *keypackages.Directory
	Groups        *groups.Coordinator
	Reports       *reports.Router
}

func New(ctx context.Context, opts Options) (*Hearth, error) {
	if opts.Settings == nil || opts.Store == nil || opts.Ledger == nil || opts.Transport == nil || opts.Provider == nil || opts.Media == nil {
		return nil, errors.New("integration: settings, store, ledger, transport, provider and media are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New(nil)
	}
	cfg := opts.Settings

	auditLog := audit.NewLog(opts.Store, m, logger)
	rels := relationships.NewService(opts.Store, auditLog, opts.Media, m, logger)
	if err := rels.Reload(ctx); err != nil {
		return nil, fmt.Errorf("integration: loading relationships: %w", err)
	}
	dir := keypackages.NewDirectory(opts.Transport, opts.Provider, opts.Store, keypackages.Config{
		Relays:           cfg.Relays,
		PollInterval:     cfg.DiscoveryPollInterval,
		PrimaryTimeout:   cfg.PrimaryTimeout,
		AuxiliaryTimeout: cfg.AuxiliaryTimeout,
	}, m, logger)
	coord := groups.NewCoordinator(opts.Provider, opts.Transport, opts.Store, rels, auditLog, cfg.Relays, m, logger)
	router := reports.NewRouter(opts.Store, coord, rels, auditLog, opts.Transport, reports.Config{
		ModerationRelays: cfg.ModerationRelays,
		ModeratorKeys:    cfg.ModeratorKeys,
	}, m, logger)

	return &Hearth{
		cfg:           cfg,
		store:         opts.Store,
		ledger:        opts.Ledger,
		transport:     opts.Transport,
		notifier:      opts.Notifier,
		ping:          opts.Ping,
		metrics:       m,
		logger:        logger.With("component", "hearth"),
		Audit:         auditLog,
		Relationships: rels,
		Directory:     dir,
		Groups:        coord,
		Reports:       router,
	}, nil
}

func (h *Hearth) HouseholdKey() string {
	return h.transport.PublicKey()
}

func (h *Hearth) RelayHealth(ctx context.Context) []relay.Status {
	return h.transport.Health(ctx)
}

// Connect establishes a relationship between profileID and a remote
// household: its join tickets are discovered, a two-household group is
// created and the new relationship returned. An existing active
// relationship for the same profile and household is returned as is.
func (h *Hearth) Connect(ctx context.Context, profileID, remoteKey string) (*models.Relationship, error) {
	if profileID == "" {
		return nil, fmt.Errorf("integration: connect: %w", models.ErrChildProfileMissing)
	}
	if !models.ValidHouseholdKey(remoteKey) {
		return nil, fmt.Errorf("integration: connect %q: %w", remoteKey, models.ErrInvalidRecipientKey)
	}
	for _, rel := range h.Relationships.ForHousehold(remoteKey) {
		if rel.ProfileID == profileID && rel.State == models.StateActive {
			return &rel, nil
		}
	}

	tickets, err := h.Directory.RequireKeyPackages(ctx, remoteKey, h.Directory.PrimaryTimeout())
	if err != nil {
		return nil, err
	}
	_, rels, err := h.Groups.CreateGroup(ctx, groups.CreateParams{
		ProfileID: profileID,
		Name:      "connection " + remoteKey[:8],
		Invitees:  tickets,
	})
	if err != nil {
		return nil, err
	}
	for _, rel := range rels {
		if rel.RemoteHouseholdKey == remoteKey {
			h.logger.Info("connected", "profile_id", profileID, "remote", remoteKey, "group_id", rel.GroupID)
			return &rel, nil
		}
	}
	return nil, fmt.Errorf("integration: connect %s: no relationship created", remoteKey)
}

// discoverAll fetches join tickets for every household concurrently.
func (h *Hearth) discoverAll(ctx context.Context, households []string, timeout time.Duration) ([]models.KeyPackage, error) {
	for _, key := range households {
		if !models.ValidHouseholdKey(key) {
			return nil, fmt.Errorf("integration: %q: %w", key, models.ErrInvalidRecipientKey)
		}
	}
	results := make([][]models.KeyPackage, len(households))
	g, gctx := errgroup.WithContext(ctx)
	for i, key := range households {
		g.Go(func() error {
			tickets, err := h.Directory.RequireKeyPackages(gctx, key, timeout)
			if err != nil {
				return err
			}
			results[i] = tickets
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return slices.Concat(results...), nil
}

// CreateGroup discovers the named households and creates a group with them.
func (h *Hearth) CreateGroup(ctx context.Context, profileID string, req groups.GroupRequest) (*models.Group, []models.Relationship, error) {
	tickets, err := h.discoverAll(ctx, req.Households, h.Directory.PrimaryTimeout())
	if err != nil {
		return nil, nil, err
	}
	return h.Groups.CreateGroup(ctx, groups.CreateParams{
		ProfileID:   profileID,
		Name:        req.Name,
		Description: req.Description,
		Relays:      req.Relays,
		Invitees:    tickets,
	})
}

// AddHouseholds adds households to existing groups. Discovery uses the
// auxiliary timeout; a group whose households cannot all be discovered
// fails on its own without touching the others.
func (h *Hearth) AddHouseholds(ctx context.Context, profileID string, invitations []groups.Invitation) models.UpdateResult {
	var result models.UpdateResult
	for _, inv := range invitations {
		tickets, err := h.discoverAll(ctx, inv.Households, h.Directory.AuxiliaryTimeout())
		if err != nil {
			h.logger.Warn("discovery for group failed", "group_id", inv.GroupID, "error", err)
			result.Fail(inv.GroupID, err)
			continue
		}
		added := h.Groups.AddMembers(ctx, profileID, []groups.MemberAddition{{GroupID: inv.GroupID, Invitees: tickets}})
		result.Items = append(result.Items, added.Items...)
	}
	return result
}

// Run publishes this household's join ticket and then processes inbound
// events, forwards notifications and prunes the audit log until ctx is
// done.
func (h *Hearth) Run(ctx context.Context) error {
	if _, err := h.Directory.Publish(ctx, nil); err != nil {
		h.logger.Warn("publishing join ticket failed", "error", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, sub := range h.subscriptions() {
		g.Go(func() error {
			h.consume(gctx, sub)
			return nil
		})
	}
	if h.notifier != nil {
		g.Go(func() error { return forward(gctx, h, &h.Groups.Welcomes, redisStore.TopicWelcomes, "welcomes_changed") })
		g.Go(func() error { return forward(gctx, h, &h.Reports.Received, redisStore.TopicReports, "report_received") })
		g.Go(func() error { return forward(gctx, h, &h.Relationships.Changes, redisStore.TopicRelationships, "relationship_changed") })
	}
	if h.cfg.AuditRetention > 0 {
		g.Go(func() error {
			h.Audit.RunRetention(gctx, h.cfg.AuditRetention, h.cfg.AuditPruneInterval)
			return nil
		})
	}
	return g.Wait()
}
