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

package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/efchatnet/hearth/backend/models"
	"github.com/efchatnet/hearth/backend/relay"
)

type AuditReader interface {
	ByTarget(ctx context.Context, targetType, targetID string) ([]models.AuditEntry, error)
	ByAction(ctx context.Context, action models.AuditAction) ([]models.AuditEntry, error)
	Recent(ctx context.Context, n int) ([]models.AuditEntry, error)
}

type AuditHandler struct {
	log AuditReader
}

func NewAuditHandler(log AuditReader) *AuditHandler {
	return &AuditHandler{log: log}
}

// Trail filters by target_type and target_id, or by action, and otherwise
// returns the most recent entries up to limit.
func (h *AuditHandler) Trail(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var (
		entries []models.AuditEntry
		err     error
	)
	switch {
	case q.Get("target_id") != "":
		if q.Get("target_type") == "" {
			http.Error(w, "target_type is required with target_id", http.StatusBadRequest)
			return
		}
		entries, err = h.log.ByTarget(r.Context(), q.Get("target_type"), q.Get("target_id"))
	case q.Get("action") != "":
		entries, err = h.log.ByAction(r.Context(), models.AuditAction(q.Get("action")))
	default:
		limit := 0
		if raw := q.Get("limit"); raw != "" {
			limit, err = strconv.Atoi(raw)
			if err != nil || limit <= 0 {
				http.Error(w, "Invalid limit", http.StatusBadRequest)
				return
			}
		}
		entries, err = h.log.Recent(r.Context(), min(limit, 1000))
	}
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []models.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

type RelayHealth interface {
	Health(ctx context.Context) []relay.Status
}

type HealthHandler struct {
	relays RelayHealth
	ping   func(ctx context.Context) error
}

// NewHealthHandler reports liveness through ping, which may be nil.
func NewHealthHandler(relays RelayHealth, ping func(ctx context.Context) error) *HealthHandler {
	return &HealthHandler{relays: relays, ping: ping}
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	if h.ping != nil {
		if err := h.ping(r.Context()); err != nil {
			http.Error(w, "Database unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (h *HealthHandler) Relays(w http.ResponseWriter, r *http.Request) {
	statuses := h.relays.Health(r.Context())
	if statuses == nil {
		statuses = []relay.Status{}
	}
	writeJSON(w, http.StatusOK, statuses)
}
