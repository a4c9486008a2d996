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

	"github.com/efchatnet/hearth/backend/models"
	"github.com/efchatnet/hearth/backend/reports"
)

type ReportRouter interface {
	SubmitReport(ctx context.Context, p reports.SubmitParams) (*models.Report, error)
	RetryRouting(ctx context.Context, id string) (*models.Report, error)
	UpdateStatus(ctx context.Context, id string, status models.ReportStatus, actor string) (*models.Report, error)
	Get(ctx context.Context, id string) (*models.Report, error)
	ReportsForRelationship(ctx context.Context, relationshipID string) ([]models.Report, error)
}

type ReportHandler struct {
	router ReportRouter
}

func NewReportHandler(router ReportRouter) *ReportHandler {
	return &ReportHandler{router: router}
}

// writeRouted answers 201 for a routed report. A report that was stored
// but not routed answers 202 with the routing error.
func writeRouted(w http.ResponseWriter, report *models.Report, err error) {
	if err != nil && report == nil {
		writeError(w, err)
		return
	}
	if err != nil {
		writeJSON(w, http.StatusAccepted, map[string]any{"report": report, "routing_error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"report": report})
}

func (h *ReportHandler) Submit(w http.ResponseWriter, r *http.Request) {
	profileID, ok := profile(w, r)
	if !ok {
		return
	}
	var req reports.SubmitParams
	if !decode(w, r, &req) {
		return
	}
	if req.ReporterProfile == "" || !isGuardian(r) {
		req.ReporterProfile = profileID
	}

	report, err := h.router.SubmitReport(r.Context(), req)
	writeRouted(w, report, err)
}

func (h *ReportHandler) Retry(w http.ResponseWriter, r *http.Request) {
	report, err := h.router.RetryRouting(r.Context(), mux.Vars(r)["id"])
	writeRouted(w, report, err)
}

func (h *ReportHandler) Get(w http.ResponseWriter, r *http.Request) {
	report, err := h.router.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *ReportHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	profileID, ok := profile(w, r)
	if !ok {
		return
	}
	var req struct {
		Status models.ReportStatus `json:"status"`
	}
	if !decode(w, r, &req) {
		return
	}

	report, err := h.router.UpdateStatus(r.Context(), mux.Vars(r)["id"], req.Status, profileID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *ReportHandler) ForRelationship(w http.ResponseWriter, r *http.Request) {
	list, err := h.router.ReportsForRelationship(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []models.Report{}
	}
	writeJSON(w, http.StatusOK, list)
}
