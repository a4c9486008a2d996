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

	"github.com/gorilla/mux"

	"github.com/efchatnet/hearth/backend/groups"
	"github.com/efchatnet/hearth/backend/models"
)

// Inviter runs the group operations that first discover join tickets.
type Inviter interface {
	Connect(ctx context.Context, profileID, remoteKey string) (*models.Relationship, error)
	CreateGroup(ctx context.Context, profileID string, req groups.GroupRequest) (*models.Group, []models.Relationship, error)
	AddHouseholds(ctx context.Context, profileID string, invitations []groups.Invitation) models.UpdateResult
}

type GroupCoordinator interface {
	ListGroups(ctx context.Context) ([]models.Group, error)
	RemoveMembers(ctx context.Context, actor string, removals []groups.MemberRemoval) models.UpdateResult
	ListPendingWelcomes(ctx context.Context) ([]models.PendingWelcome, error)
	AcceptWelcome(ctx context.Context, eventID, profileID string) (*models.Group, error)
	DeclineWelcome(ctx context.Context, eventID, actor string) error
}

type GroupHandler struct {
	coord   GroupCoordinator
	inviter Inviter
}

func NewGroupHandler(coord GroupCoordinator, inviter Inviter) *GroupHandler {
	return &GroupHandler{coord: coord, inviter: inviter}
}

func (h *GroupHandler) Connect(w http.ResponseWriter, r *http.Request) {
	profileID, ok := profile(w, r)
	if !ok {
		return
	}
	var req struct {
		HouseholdKey string `json:"household_key"`
	}
	if !decode(w, r, &req) {
		return
	}

	rel, err := h.inviter.Connect(r.Context(), profileID, req.HouseholdKey)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rel)
}

func (h *GroupHandler) ListGroups(w http.ResponseWriter, r *http.Request) {
	list, err := h.coord.ListGroups(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []models.Group{}
	}
	writeJSON(w, http.StatusOK, list)
}

// CreateGroup answers 201, or 207 when some households were not reached.
func (h *GroupHandler) CreateGroup(w http.ResponseWriter, r *http.Request) {
	profileID, ok := profile(w, r)
	if !ok {
		return
	}
	var req groups.GroupRequest
	if !decode(w, r, &req) {
		return
	}

	group, rels, err := h.inviter.CreateGroup(r.Context(), profileID, req)
	if group == nil {
		writeError(w, err)
		return
	}
	body := map[string]any{"group": group, "relationships": rels}
	if err != nil {
		body["error"] = err.Error()
		writeJSON(w, http.StatusMultiStatus, body)
		return
	}
	writeJSON(w, http.StatusCreated, body)
}

// AddMembers answers 200 when every group succeeded and 207 otherwise.
func (h *GroupHandler) AddMembers(w http.ResponseWriter, r *http.Request) {
	profileID, ok := profile(w, r)
	if !ok {
		return
	}
	var req struct {
		Invitations []groups.Invitation `json:"invitations"`
	}
	if !decode(w, r, &req) {
		return
	}

	writeBatch(w, h.inviter.AddHouseholds(r.Context(), profileID, req.Invitations))
}

func (h *GroupHandler) RemoveMembers(w http.ResponseWriter, r *http.Request) {
	profileID, ok := profile(w, r)
	if !ok {
		return
	}
	var req struct {
		Removals []groups.MemberRemoval `json:"removals"`
	}
	if !decode(w, r, &req) {
		return
	}

	writeBatch(w, h.coord.RemoveMembers(r.Context(), profileID, req.Removals))
}

func writeBatch(w http.ResponseWriter, result models.UpdateResult) {
	status := http.StatusOK
	if len(result.Failed()) > 0 {
		status = http.StatusMultiStatus
	}
	if result.Items == nil {
		result.Items = []models.UpdateItem{}
	}
	writeJSON(w, status, result)
}

func (h *GroupHandler) ListWelcomes(w http.ResponseWriter, r *http.Request) {
	welcomes, err := h.coord.ListPendingWelcomes(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if welcomes == nil {
		welcomes = []models.PendingWelcome{}
	}
	writeJSON(w, http.StatusOK, welcomes)
}

func (h *GroupHandler) AcceptWelcome(w http.ResponseWriter, r *http.Request) {
	profileID, ok := profile(w, r)
	if !ok {
		return
	}

	group, err := h.coord.AcceptWelcome(r.Context(), mux.Vars(r)["eventId"], profileID)
	if err != nil {
		writeError(w, err)
		return
	}
	if group == nil {
		http.Error(w, "Welcome was declined", http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, group)
}

func (h *GroupHandler) DeclineWelcome(w http.ResponseWriter, r *http.Request) {
	profileID, ok := profile(w, r)
	if !ok {
		return
	}

	if err := h.coord.DeclineWelcome(r.Context(), mux.Vars(r)["eventId"], profileID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
