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

package integration

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/efchatnet/hearth/backend/notify"
	"github.com/efchatnet/hearth/backend/relay"
	"github.com/efchatnet/hearth/backend/wire"
)

// Inbound event outcomes.
const (
	outcomeOK        = "ok"
	outcomeDuplicate = "duplicate"
	outcomeMalformed = "malformed"
	outcomeIgnored   = "ignored"
	outcomeError     = "error"
)

const (
	resubscribeMin = time.Second
	resubscribeMax = time.Minute
)

var errIgnored = errors.New("integration: event ignored")

type subscription struct {
	name   string
	filter relay.Filter
	relays []string
}

// subscriptions lists the inbound streams for this household. Moderator
// actions are not filtered by author so that actions from unlisted keys
// still reach the audit log.
func (h *Hearth) subscriptions() []subscription {
	us := map[string][]string{relay.TagRecipient: {h.HouseholdKey()}}
	subs := []subscription{
		{name: "welcomes", filter: relay.Filter{Kinds: []int{relay.KindWelcome}, Tags: us}, relays: h.cfg.Relays},
		{name: "reports", filter: relay.Filter{Kinds: []int{relay.KindReport}, Tags: us}, relays: h.cfg.Relays},
	}
	if len(h.cfg.ModerationRelays) > 0 {
		subs = append(subs, subscription{
			name:   "moderator_actions",
			filter: relay.Filter{Kinds: []int{relay.KindModeratorAction}, Tags: us},
			relays: h.cfg.ModerationRelays,
		})
	}
	return subs
}

// consume feeds one subscription into HandleEvent, resubscribing with
// backoff whenever the stream ends, until ctx is done.
func (h *Hearth) consume(ctx context.Context, sub subscription) {
	logger := h.logger.With("subscription", sub.name)
	backoff := resubscribeMin
	for {
		events, err := h.transport.Subscribe(ctx, sub.filter, sub.relays)
		if err != nil {
			logger.Warn("subscribe failed", "error", err, "retry_in", backoff)
		} else {
			backoff = resubscribeMin
			for ev := range events {
				if err := h.HandleEvent(ctx, ev); err != nil {
					logger.Warn("handling event failed", "event_id", ev.ID, "kind", ev.Kind, "error", err)
				}
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, resubscribeMax)
	}
}

// HandleEvent processes one inbound relay event. Events already seen,
// undecodable events and events the owning component ignores are counted
// and dropped without error.
func (h *Hearth) HandleEvent(ctx context.Context, ev relay.Event) error {
	if ev.ID == "" {
		ev.ID = ev.ComputeID()
	}
	first, err := h.ledger.MarkSeen(ctx, ev.ID)
	if err != nil {
		h.metrics.InboundEvent(ev.Kind, outcomeError)
		return fmt.Errorf("integration: marking %s seen: %w", ev.ID, err)
	}
	if !first {
		h.metrics.InboundEvent(ev.Kind, outcomeDuplicate)
		return nil
	}

	payload, err := wire.Decode(ev)
	if err != nil {
		h.metrics.InboundEvent(ev.Kind, outcomeMalformed)
		h.logger.Debug("dropping malformed event", "event_id", ev.ID, "kind", ev.Kind, "error", err)
		return nil
	}
	err = payload.Accept(ctx, dispatcher{h}, ev)
	switch {
	case errors.Is(err, errIgnored):
		h.metrics.InboundEvent(ev.Kind, outcomeIgnored)
		return nil
	case err != nil:
		h.metrics.InboundEvent(ev.Kind, outcomeError)
		return err
	}
	h.metrics.InboundEvent(ev.Kind, outcomeOK)
	return nil
}

// dispatcher routes decoded payloads to the owning component.
type dispatcher struct {
	h *Hearth
}

func (d dispatcher) VisitInvite(ctx context.Context, ev relay.Event, p *wire.GroupInvite) error {
	if !slices.Contains(ev.TagValues(relay.TagRecipient), d.h.HouseholdKey()) {
		return errIgnored
	}
	stored, err := d.h.Groups.IngestWelcome(ctx, ev, p)
	if err != nil {
		return err
	}
	if !stored {
		return errIgnored
	}
	return nil
}

func (d dispatcher) VisitReport(ctx context.Context, ev relay.Event, p *wire.ReportPayload) error {
	report, err := d.h.Reports.Ingest(ctx, ev, p)
	if err != nil {
		return err
	}
	if report == nil {
		return errIgnored
	}
	return nil
}

func (d dispatcher) VisitModeratorAction(ctx context.Context, ev relay.Event, p *wire.ModeratorActionPayload) error {
	return d.h.Reports.IngestModeratorAction(ctx, ev, p)
}

// forward relays every value sent on feed to the notifier until ctx is
// done.
func forward[T any](ctx context.Context, h *Hearth, feed *notify.Feed[T], topic, kind string) error {
	values, cancel := feed.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case v := <-values:
			if _, err := h.notifier.Publish(ctx, topic, kind, v); err != nil {
				h.logger.Warn("notification failed", "topic", topic, "error", err)
			}
		}
	}
}
