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

// Package keypackages publishes this household's join tickets and
// discovers the tickets of remote households.
package keypackages

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/efchatnet/hearth/backend/metrics"
	"github.com/efchatnet/hearth/backend/models"
	"github.com/efchatnet/hearth/backend/relay"
	"github.com/efchatnet/hearth/backend/storage"
)

const (
	DefaultPollInterval     = 500 * time.Millisecond
	DefaultPrimaryTimeout   = 8 * time.Second
	DefaultAuxiliaryTimeout = 3 * time.Second
)

// KeySource supplies the key material tickets are built from. It is
// implemented by the group-key-agreement provider.
type KeySource interface {
	KeyMaterial(ctx context.Context) (Credential, error)
}

type Config struct {
	// Relays is the default set used for publishing and discovery.
	Relays           []string
	PollInterval     time.Duration
	PrimaryTimeout   time.Duration
	AuxiliaryTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.PrimaryTimeout <= 0 {
		c.PrimaryTimeout = DefaultPrimaryTimeout
	}
	if c.AuxiliaryTimeout <= 0 {
		c.AuxiliaryTimeout = DefaultAuxiliaryTimeout
	}
}

type Directory struct {
	transport relay.Transport
	keys      KeySource
	store     storage.KeyPackageStore
	cfg       Config
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time

	inflight singleflight.Group
}

func NewDirectory(transport relay.Transport, keys KeySource, store storage.KeyPackageStore, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Directory {
	cfg.setDefaults()
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &Directory{
		transport: transport,
		keys:      keys,
		store:     store,
		cfg:       cfg,
		metrics:   m,
		logger:    logger.With("component", "keypackages"),
		now:       time.Now,
	}
}

func (d *Directory) PrimaryTimeout() time.Duration   { return d.cfg.PrimaryTimeout }
func (d *Directory) AuxiliaryTimeout() time.Duration { return d.cfg.AuxiliaryTimeout }

// Publish signs a fresh ticket from the current key material and submits it
// to relays, or to the configured relays when none are given. It succeeds
// when at least one relay accepts the ticket.
func (d *Directory) Publish(ctx context.Context, relays []string) (*models.PublishedTicketHandle, error) {
	if len(relays) == 0 {
		relays = d.cfg.Relays
	}
	if len(relays) == 0 {
		return nil, fmt.Errorf("keypackages: publish: no relays configured: %w", models.ErrRelaysUnavailable)
	}
	cred, err := d.keys.KeyMaterial(ctx)
	if err != nil {
		return nil, fmt.Errorf("keypackages: loading key material: %w", err)
	}

	householdKey := d.transport.PublicKey()
	kp, content, err := sealTicket(householdKey, cred, relays, d.now())
	if err != nil {
		return nil, err
	}
	ev := relay.Event{
		Kind:    relay.KindKeyPackage,
		Tags:    [][]string{append([]string{relay.TagRelays}, relays...)},
		Content: content,
	}
	published, results := d.transport.Publish(ctx, ev, relays)
	accepted := relay.Accepted(results)
	failures := relay.Failures(results)
	if len(accepted) == 0 {
		d.logger.Warn("key package rejected by every relay", "relays", len(relays))
		return nil, fmt.Errorf("keypackages: publish: %w", models.ErrRelaysUnavailable)
	}
	for url, reason := range failures {
		d.logger.Debug("relay rejected key package", "relay", url, "error", reason)
	}

	kp.EventID = published.ID
	handle := &models.PublishedTicketHandle{
		Hash:           kp.Hash,
		HouseholdKey:   householdKey,
		EventID:        published.ID,
		AcceptedRelays: accepted,
		FailedRelays:   failures,
		PublishedAt:    d.now().UTC(),
	}
	if err := d.store.SaveKeyPackage(ctx, kp); err != nil {
		return nil, fmt.Errorf("keypackages: saving ticket: %w", err)
	}
	if err := d.store.SavePublishedHandle(ctx, *handle); err != nil {
		return nil, fmt.Errorf("keypackages: saving handle: %w", err)
	}
	d.metrics.TicketPublished()
	d.logger.Info("published key package", "hash", kp.Hash, "accepted", len(accepted), "failed", len(failures))
	return handle, nil
}

type discovery struct {
	packages []models.KeyPackage
	err      error
}

// Discover polls the relays for the remote household's tickets until at
// least one is found or timeout elapses. Finding nothing is not an error;
// ErrRelaysUnavailable is returned only when no poll reached any relay.
// Concurrent calls for the same household and timeout share one poll loop.
// Discovered tickets are cached by the caller once the loop returns.
func (d *Directory) Discover(ctx context.Context, remoteKey string, timeout time.Duration) ([]models.KeyPackage, error) {
	if !models.ValidHouseholdKey(remoteKey) {
		return nil, fmt.Errorf("keypackages: discover %q: %w", remoteKey, models.ErrInvalidRecipientKey)
	}
	if timeout <= 0 {
		timeout = d.cfg.PrimaryTimeout
	}

	ch := d.inflight.DoChan(remoteKey+"|"+timeout.String(), func() (any, error) {
		loopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		packages, err := d.poll(loopCtx, remoteKey)
		return discovery{packages: packages, err: err}, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		found := res.Val.(discovery)
		if found.err != nil {
			return nil, found.err
		}
		for _, kp := range found.packages {
			if err := d.store.SaveKeyPackage(ctx, kp); err != nil {
				d.logger.Warn("caching discovered key package", "hash", kp.Hash, "error", err)
			}
		}
		return append([]models.KeyPackage(nil), found.packages...), nil
	}
}

func (d *Directory) poll(ctx context.Context, remoteKey string) ([]models.KeyPackage, error) {
	start := d.now()
	filter := relay.Filter{
		Kinds:   []int{relay.KindKeyPackage},
		Authors: []string{remoteKey},
	}
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	found := make(map[string]models.KeyPackage)
	reached := false
loop:
	for {
		events, err := d.transport.Query(ctx, filter, d.cfg.Relays)
		switch {
		case err == nil:
			reached = true
			for _, ev := range events {
				kp, err := openTicket(ev)
				if err != nil {
					d.logger.Warn("skipping invalid key package", "event_id", ev.ID, "author", ev.Author, "error", err)
					continue
				}
				found[kp.Hash] = kp
			}
		case errors.Is(err, models.ErrRelaysUnavailable):
			d.logger.Debug("discovery poll reached no relay", "household", remoteKey)
		default:
			d.logger.Debug("discovery poll failed", "household", remoteKey, "error", err)
		}
		if len(found) > 0 {
			break
		}
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
		}
	}

	elapsed := d.now().Sub(start).Seconds()
	if !reached {
		d.metrics.Discovery("unavailable", elapsed)
		return nil, fmt.Errorf("keypackages: discover %s: %w", remoteKey, models.ErrRelaysUnavailable)
	}
	if len(found) == 0 {
		d.metrics.Discovery("empty", elapsed)
		d.logger.Info("no key packages found", "household", remoteKey)
		return nil, nil
	}

	packages := make([]models.KeyPackage, 0, len(found))
	for _, kp := range found {
		packages = append(packages, kp)
	}
	sort.Slice(packages, func(i, j int) bool {
		if packages[i].CreatedAt.Equal(packages[j].CreatedAt) {
			return packages[i].Hash < packages[j].Hash
		}
		return packages[i].CreatedAt.After(packages[j].CreatedAt)
	})
	d.metrics.Discovery("found", elapsed)
	return packages, nil
}

// RequireKeyPackages is Discover that treats an empty result as
// ErrKeyPackageMissing.
func (d *Directory) RequireKeyPackages(ctx context.Context, remoteKey string, timeout time.Duration) ([]models.KeyPackage, error) {
	packages, err := d.Discover(ctx, remoteKey, timeout)
	if err != nil {
		return nil, err
	}
	if len(packages) == 0 {
		return nil, fmt.Errorf("keypackages: %s: %w", remoteKey, models.ErrKeyPackageMissing)
	}
	return packages, nil
}
