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

package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/efchatnet/hearth/backend/models"
)

// NostrTransport talks to real nostr relays, signing every published event
// with the household's secret key.
type NostrTransport struct {
	secretKey string
	publicKey string
	logger    *slog.Logger

	mu     sync.Mutex
	conns  map[string]*nostr.Relay
	status map[string]Status
}

var _ Transport = (*NostrTransport)(nil)

func NewNostrTransport(secretKey string, logger *slog.Logger) (*NostrTransport, error) {
	publicKey, err := nostr.GetPublicKey(secretKey)
	if err != nil {
		return nil, fmt.Errorf("relay: deriving public key: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NostrTransport{
		secretKey: secretKey,
		publicKey: publicKey,
		logger:    logger.With("component", "relay"),
		conns:     make(map[string]*nostr.Relay),
		status:    make(map[string]Status),
	}, nil
}

func (t *NostrTransport) PublicKey() string {
	return t.publicKey
}

func (t *NostrTransport) connect(ctx context.Context, url string) (*nostr.Relay, error) {
	t.mu.Lock()
	conn, ok := t.conns[url]
	t.mu.Unlock()
	if ok && conn.IsConnected() {
		return conn, nil
	}

	conn, err := nostr.RelayConnect(ctx, url)
	t.record(url, err)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	t.conns[url] = conn
	t.mu.Unlock()
	return conn, nil
}

func (t *NostrTransport) record(url string, err error) {
	s := Status{Relay: url, Connected: err == nil, CheckedAt: time.Now().UTC()}
	if err != nil {
		s.LastError = err.Error()
	}
	t.mu.Lock()
	t.status[url] = s
	t.mu.Unlock()
}

func toNostr(ev Event) nostr.Event {
	tags := make(nostr.Tags, 0, len(ev.Tags))
	for _, tag := range ev.Tags {
		tags = append(tags, nostr.Tag(tag))
	}
	return nostr.Event{
		Kind:      ev.Kind,
		Tags:      tags,
		Content:   ev.Content,
		CreatedAt: nostr.Timestamp(ev.CreatedAt.Unix()),
	}
}

func fromNostr(ev *nostr.Event) Event {
	tags := make([][]string, 0, len(ev.Tags))
	for _, tag := range ev.Tags {
		tags = append(tags, []string(tag))
	}
	return Event{
		ID:        ev.ID,
		Author:    ev.PubKey,
		Kind:      ev.Kind,
		Tags:      tags,
		Content:   ev.Content,
		CreatedAt: ev.CreatedAt.Time().UTC(),
		Sig:       ev.Sig,
	}
}

func toNostrFilter(f Filter) nostr.Filter {
	nf := nostr.Filter{
		Kinds:   f.Kinds,
		Authors: f.Authors,
		Limit:   f.Limit,
	}
	if len(f.Tags) > 0 {
		nf.Tags = make(nostr.TagMap, len(f.Tags))
		for name, values := range f.Tags {
			nf.Tags[name] = values
		}
	}
	if !f.Since.IsZero() {
		since := nostr.Timestamp(f.Since.Unix())
		nf.Since = &since
	}
	return nf
}

func (t *NostrTransport) Publish(ctx context.Context, ev Event, relays []string) (Event, []PublishResult) {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	signed := toNostr(ev)
	if err := signed.Sign(t.secretKey); err != nil {
		results := make([]PublishResult, 0, len(relays))
		for _, url := range relays {
			results = append(results, PublishResult{Relay: url, Err: fmt.Errorf("relay: signing event: %w", err)})
		}
		return ev, results
	}
	final := fromNostr(&signed)

	results := make([]PublishResult, len(relays))
	var wg sync.WaitGroup
	for i, url := range relays {
		wg.Add(1)
		go func(i int, url string) {
			defer wg.Done()
			results[i] = PublishResult{Relay: url}
			conn, err := t.connect(ctx, url)
			if err != nil {
				results[i].Err = err
				return
			}
			if err := conn.Publish(ctx, signed); err != nil {
				t.record(url, err)
				results[i].Err = err
			}
		}(i, url)
	}
	wg.Wait()
	return final, results
}

func (t *NostrTransport) Query(ctx context.Context, filter Filter, relays []string) ([]Event, error) {
	nf := toNostrFilter(filter)

	var (
		mu        sync.Mutex
		wg        sync.WaitGroup
		out       []Event
		reachable int
	)
	for _, url := range relays {
		wg.Add(1)
		go func(url string) {
			defer wg.Done()
			conn, err := t.connect(ctx, url)
			if err != nil {
				t.logger.Debug("relay unreachable", "relay", url, "error", err)
				return
			}
			events, err := conn.QuerySync(ctx, nf)
			if err != nil {
				t.record(url, err)
				t.logger.Debug("relay query failed", "relay", url, "error", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			reachable++
			for _, ev := range events {
				if ok, err := ev.CheckSignature(); err != nil || !ok {
					continue
				}
				out = append(out, fromNostr(ev))
			}
		}(url)
	}
	wg.Wait()
	if reachable == 0 {
		return nil, models.ErrRelaysUnavailable
	}
	return out, nil
}

func (t *NostrTransport) Subscribe(ctx context.Context, filter Filter, relays []string) (<-chan Event, error) {
	nf := toNostrFilter(filter)
	out := make(chan Event, 64)

	var wg sync.WaitGroup
	attached := 0
	for _, url := range relays {
		conn, err := t.connect(ctx, url)
		if err != nil {
			t.logger.Warn("subscribe: relay unreachable", "relay", url, "error", err)
			continue
		}
		sub, err := conn.Subscribe(ctx, nostr.Filters{nf})
		if err != nil {
			t.record(url, err)
			t.logger.Warn("subscribe failed", "relay", url, "error", err)
			continue
		}
		attached++
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sub.Unsub()
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-sub.Events:
					if !ok {
						return
					}
					if valid, err := ev.CheckSignature(); err != nil || !valid {
						continue
					}
					select {
					case out <- fromNostr(ev):
					case <-ctx.Done():
						return
					}
				}
			}
		}()
	}

	if attached == 0 {
		return nil, models.ErrRelaysUnavailable
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out, nil
}

func (t *NostrTransport) Health(ctx context.Context) []Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	statuses := make([]Status, 0, len(t.status))
	for url, s := range t.status {
		if conn, ok := t.conns[url]; ok {
			s.Connected = conn.IsConnected()
		}
		statuses = append(statuses, s)
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Relay < statuses[j].Relay })
	return statuses
}

// Close disconnects from every relay.
func (t *NostrTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for url, conn := range t.conns {
		if err := conn.Close(); err != nil {
			t.logger.Debug("closing relay", "relay", url, "error", err)
		}
		delete(t.conns, url)
	}
	return nil
}
