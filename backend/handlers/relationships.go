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
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/efchatnet/hearth/backend/models"
)

type RelationshipManager interface {
	ForProfile(profileID string) []models.Relationship
	Get(ctx context.Context, id string) (*models.Relationship, error)
	Transition(ctx context.Context, id string, to models.RelationshipState, reason, actor string) (*models.Relationship, error)
	PurgeMedia(ctx context.Context, id, actor string) error
	UpdateNotes(ctx context.Context, id, notes string) error
	MarkBlockedByRemote(ctx context.Context, id string, blocked bool) error
}

type RelationshipHandler struct {
	rels RelationshipManager
}

func NewRelationshipHandler(rels RelationshipManager) *RelationshipHandler {
	return &RelationshipHandler{rels: rels}
}

// List returns the caller's relationships, or another profile's when a
// guardian passes profile_id.
func (h *RelationshipHandler) List(w http.ResponseWriter, r *http.Request) {
	profileID, ok := profile(w, r)
	if !ok {
		return
	}
	if other := r.URL.Query().Get("profile_id"); other != "" && other != profileID {
		if !isGuardian(r) {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		profileID = other
	}

	rels := h.rels.ForProfile(profileID)
	if rels == nil {
		rels = []models.Relationship{}
	}
	writeJSON(w, http.StatusOK, rels)
}

// load fetches the relationship named in the path and checks the caller
// may manage it.
func (h *RelationshipHandler) load(w http.ResponseWriter, r *http.Request) (*models.Relationship, string, bool) {
	profileID, ok := profile(w, r)
	if !ok {
		return nil, "", false
	}
	rel, err := h.rels.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return nil, "", false
	}
	if rel.ProfileID != profileID && !isGuardian(r) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return nil, "", false
	}
	return rel, profileID, true
}

func (h *RelationshipHandler) Get(w http.ResponseWriter, r *http.Request) {
	rel, _, ok := h.load(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, rel)
}

// Transition moves a relationship to another lifecycle state. A committed
// transition whose media purge did not finish answers 202 with
// media_purge_incomplete set.
func (h *RelationshipHandler) Transition(w http.ResponseWriter, r *http.Request) {
	rel, actor, ok := h.load(w, r)
	if !ok {
		return
	}
	var req struct {
		State  models.RelationshipState `json:"state"`
		Reason string                   `json:"reason,omitempty"`
	}
	if !decode(w, r, &req) {
		return
	}
	if !req.State.Valid() {
		http.Error(w, "Unknown state", http.StatusBadRequest)
		return
	}

	updated, err := h.rels.Transition(r.Context(), rel.ID, req.State, req.Reason, actor)
	if err != nil && !errors.Is(err, models.ErrMediaPurgeIncomplete) {
		writeError(w, err)
		return
	}
	if err != nil {
		writeJSON(w, http.StatusAccepted, map[string]any{"relationship": updated, "media_purge_incomplete": true})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"relationship": updated})
}

func (h *RelationshipHandler) PurgeMedia(w http.ResponseWriter, r *http.Request) {
	rel, actor, ok := h.load(w, r)
	if !ok {
		return
	}
	if err := h.rels.PurgeMedia(r.Context(), rel.ID, actor); err != nil {
		if errors.Is(err, models.ErrMediaPurgeIncomplete) {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *RelationshipHandler) UpdateNotes(w http.ResponseWriter, r *http.Request) {
	rel, _, ok := h.load(w, r)
	if !ok {
		return
	}
	var req struct {
		Notes string `json:"notes"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := h.rels.UpdateNotes(r.Context(), rel.ID, req.Notes); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// BlockedByRemote records that the remote household reported blocking us
// through some channel outside the relay network.
func (h *RelationshipHandler) BlockedByRemote(w http.ResponseWriter, r *http.Request) {
	rel, _, ok := h.load(w, r)
	if !ok {
		return
	}
	var req struct {
		Blocked bool `json:"blocked"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := h.rels.MarkBlockedByRemote(r.Context(), rel.ID, req.Blocked); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
