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

package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Notification topics, published on {prefix}:notify:{topic}.
const (
	TopicWelcomes      = "welcomes"
	TopicReports       = "reports"
	TopicRelationships = "relationships"
)

type Notification struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Publisher fans notifications out to host apps over redis pub/sub.
type Publisher struct {
	rdb    *redis.Client
	prefix string
}

func NewPublisher(rdb *redis.Client, prefix string) *Publisher {
	if prefix == "" {
		prefix = "hearth"
	}
	return &Publisher{rdb: rdb, prefix: prefix}
}

func (p *Publisher) Channel(topic string) string {
	return p.prefix + ":notify:" + topic
}

// Publish sends data on topic and returns the number of subscribers that
// received it.
func (p *Publisher) Publish(ctx context.Context, topic, kind string, data any) (int64, error) {
	msg, err := json.Marshal(Notification{Type: kind, Data: data})
	if err != nil {
		return 0, fmt.Errorf("redis: encoding %s notification: %w", kind, err)
	}
	n, err := p.rdb.Publish(ctx, p.Channel(topic), msg).Result()
	if err != nil {
		return 0, fmt.Errorf("redis: publishing %s: %w", kind, err)
	}
	return n, nil
}

// Subscribe subscribes to the given topics.
func (p *Publisher) Subscribe(ctx context.Context, topics ...string) *redis.PubSub {
	channels := make([]string, 0, len(topics))
	for _, topic := range topics {
		channels = append(channels, p.Channel(topic))
	}
	return p.rdb.Subscribe(ctx, channels...)
}
