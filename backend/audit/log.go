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

// Package audit is the append-only moderation ledger. Entries are only ever
// removed by retention pruning.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/efchatnet/hearth/backend/metrics"
	"github.com/efchatnet/hearth/backend/models"
	"github.com/efchatnet/hearth/backend/storage"
)

const DefaultRecentLimit = 50

type Log struct {
	store   storage.AuditStore
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

func NewLog(store storage.AuditStore, m *metrics.Metrics, logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &Log{
		store:   store,
		metrics: m,
		logger:  logger.With("component", "audit"),
		now:     time.Now,
	}
}

// Entry builds an entry stamped with the log's clock, for callers that
// persist it inside their own transaction.
func (l *Log) Entry(action models.AuditAction, actor, targetType, targetID string, details any) (models.AuditEntry, error) {
	entry, err := models.NewAuditEntry(action, actor, targetType, targetID, details, l.now())
	if err != nil {
		return models.AuditEntry{}, fmt.Errorf("audit: encoding %s details: %w", action, err)
	}
	return entry, nil
}

// LogAction appends one entry. A failed append is returned to the caller,
// never swallowed.
func (l *Log) LogAction(ctx context.Context, action models.AuditAction, actor, targetType, targetID string, details any) (models.AuditEntry, error) {
	entry, err := l.Entry(action, actor, targetType, targetID, details)
	if err != nil {
		return models.AuditEntry{}, err
	}
	id, err := l.store.AppendAudit(ctx, entry)
	if err != nil {
		return models.AuditEntry{}, fmt.Errorf("audit: appending %s: %w", action, err)
	}
	entry.ID = id
	l.logger.Debug("audit entry", "action", action, "target_type", targetType, "target_id", targetID)
	return entry, nil
}

func (l *Log) ByTarget(ctx context.Context, targetType, targetID string) ([]models.AuditEntry, error) {
	return l.store.AuditByTarget(ctx, targetType, targetID)
}

func (l *Log) ByAction(ctx context.Context, action models.AuditAction) ([]models.AuditEntry, error) {
	return l.store.AuditByAction(ctx, action)
}

// Recent returns the newest n entries, newest first.
func (l *Log) Recent(ctx context.Context, n int) ([]models.AuditEntry, error) {
	if n <= 0 {
		n = DefaultRecentLimit
	}
	return l.store.RecentAudit(ctx, n)
}

// Prune deletes entries older than olderThan and returns how many went.
func (l *Log) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("audit: prune window must be positive, got %s", olderThan)
	}
	cutoff := l.now().Add(-olderThan)
	deleted, err := l.store.PruneAudit(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("audit: pruning: %w", err)
	}
	l.metrics.AuditPruned(deleted)
	l.logger.Info("pruned audit log", "deleted", deleted, "cutoff", cutoff)
	return deleted, nil
}

// RunRetention prunes entries older than retention every interval until ctx
// is done.
func (l *Log) RunRetention(ctx context.Context, retention, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := l.Prune(ctx, retention); err != nil {
				l.logger.Error("audit retention failed", "error", err)
			}
		}
	}
}
