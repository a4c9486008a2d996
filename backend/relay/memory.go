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
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/efchatnet/hearth/backend/models"
)

var errRelayDown = errors.New("relay unreachable")

// Network is an in-process set of relays shared by any number of
// MemoryTransports. It is used by tests and the daemon's dev mode.
type Network struct {
	mu     sync.Mutex
	relays map[string]*memoryRelay
}

type memoryRelay struct {
	events []Event
	down   bool
	subs   map[*memorySub]struct{}
}

type memorySub struct {
	filter Filter
	ch     chan Event
	done   <-chan struct{}
}

func NewNetwork(urls ...string) *Network {
	n := &Network{relays: make(map[string]*memoryRelay)}
	for _, url := range urls {
		n.AddRelay(url)
	}
	return n
}

func (n *Network) AddRelay(url string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.relays[url]; !ok {
		n.relays[url] = &memoryRelay{subs: make(map[*memorySub]struct{})}
	}
}

// SetDown makes a relay refuse every request until brought back up.
func (n *Network) SetDown(url string, down bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if r, ok := n.relays[url]; ok {
		r.down = down
	}
}

// Events returns a copy of everything stored on a relay.
func (n *Network) Events(url string) []Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	r, ok := n.relays[url]
	if !ok {
		return nil
	}
	return append([]Event(nil), r.events...)
}

// Transport returns a transport authoring events as publicKey.
func (n *Network) Transport(publicKey string) *MemoryTransport {
	return &MemoryTransport{network: n, publicKey: publicKey, now: time.Now}
}

func (n *Network) relay(url string) (*memoryRelay, error) {
	r, ok := n.relays[url]
	if !ok {
		return nil, fmt.Errorf("relay %s: unknown", url)
	}
	if r.down {
		return nil, fmt.Errorf("relay %s: %w", url, errRelayDown)
	}
	return r, nil
}

type MemoryTransport struct {
	network   *Network
	publicKey string
	now       func() time.Time
}

var _ Transport = (*MemoryTransport)(nil)

func (t *MemoryTransport) PublicKey() string {
	return t.publicKey
}

func (t *MemoryTransport) Publish(ctx context.Context, ev Event, relays []string) (Event, []PublishResult) {
	ev.Author = t.publicKey
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = t.now().UTC().Truncate(time.Second)
	}
	ev.ID = ev.ComputeID()

	results := make([]PublishResult, 0, len(relays))
	t.network.mu.Lock()
	defer t.network.mu.Unlock()
	for _, url := range relays {
		if err := ctx.Err(); err != nil {
			results = append(results, PublishResult{Relay: url, Err: err})
			continue
		}
		r, err := t.network.relay(url)
		if err != nil {
			results = append(results, PublishResult{Relay: url, Err: err})
			continue
		}
		r.events = append(r.events, ev)
		for sub := range r.subs {
			if !sub.filter.Matches(ev) {
				continue
			}
			select {
			case sub.ch <- ev:
			case <-sub.done:
			default:
			}
		}
		results = append(results, PublishResult{Relay: url})
	}
	return ev, results
}

func (t *MemoryTransport) Query(ctx context.Context, filter Filter, relays []string) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.network.mu.Lock()
	defer t.network.mu.Unlock()

	var out []Event
	reachable := 0
	for _, url := range relays {
		r, err := t.network.relay(url)
		if err != nil {
			continue
		}
		reachable++
		for _, ev := range r.events {
			if filter.Matches(ev) {
				out = append(out, ev)
			}
		}
	}
	if reachable == 0 {
		return nil, models.ErrRelaysUnavailable
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out, nil
}

func (t *MemoryTransport) Subscribe(ctx context.Context, filter Filter, relays []string) (<-chan Event, error) {
	t.network.mu.Lock()
	defer t.network.mu.Unlock()

	ch := make(chan Event, 64)
	var backlog []Event
	var attached []*memoryRelay
	var subs []*memorySub
	for _, url := range relays {
		r, err := t.network.relay(url)
		if err != nil {
			continue
		}
		sub := &memorySub{filter: filter, ch: ch, done: ctx.Done()}
		r.subs[sub] = struct{}{}
		attached = append(attached, r)
		subs = append(subs, sub)
		for _, ev := range r.events {
			if filter.Matches(ev) {
				backlog = append(backlog, ev)
			}
		}
	}
	if len(attached) == 0 {
		return nil, models.ErrRelaysUnavailable
	}

	out := make(chan Event, 64)
	go func() {
		defer close(out)
		defer func() {
			t.network.mu.Lock()
			for i, r := range attached {
				delete(r.subs, subs[i])
			}
			t.network.mu.Unlock()
		}()
		for _, ev := range backlog {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
		for {
			select {
			case ev := <-ch:
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (t *MemoryTransport) Health(ctx context.Context) []Status {
	t.network.mu.Lock()
	defer t.network.mu.Unlock()
	now := t.now().UTC()
	statuses := make([]Status, 0, len(t.network.relays))
	for url, r := range t.network.relays {
		s := Status{Relay: url, Connected: !r.down, CheckedAt: now}
		if r.down {
			s.LastError = errRelayDown.Error()
		}
		statuses = append(statuses, s)
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Relay < statuses[j].Relay })
	return statuses
}
