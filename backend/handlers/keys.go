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
	"time"

	"github.com/gorilla/mux"

	"github.com/efchatnet/hearth/backend/models"
)

type KeyDirectory interface {
	Publish(ctx context.Context, relays []string) (*models.PublishedTicketHandle, error)
	Discover(ctx context.Context, remoteKey string, timeout time.Duration) ([]models.KeyPackage, error)
	PrimaryTimeout() time.Duration
}

type KeyHandler struct {
	dir KeyDirectory
}

func NewKeyHandler(dir KeyDirectory) *KeyHandler {
	return &KeyHandler{dir: dir}
}

func (h *KeyHandler) Publish(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Relays []string `json:"relays,omitempty"`
	}
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}

	handle, err := h.dir.Publish(r.Context(), req.Relays)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, handle)
}

// Discover looks up a household's join tickets. An optional timeout query
// parameter overrides the primary discovery timeout.
func (h *KeyHandler) Discover(w http.ResponseWriter, r *http.Request) {
	householdKey := mux.Vars(r)["householdKey"]

	timeout := h.dir.PrimaryTimeout()
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			http.Error(w, "Invalid timeout", http.StatusBadRequest)
			return
		}
		timeout = min(d, time.Minute)
	}

	packages, err := h.dir.Discover(r.Context(), householdKey, timeout)
	if err != nil {
		writeError(w, err)
		return
	}
	if packages == nil {
		packages = []models.KeyPackage{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"household_key": householdKey, "key_packages": packages})
}
