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
	"net/http"

	"github.com/gorilla/mux"

	"github.com/efchatnet/hearth/backend/handlers"
	"github.com/efchatnet/hearth/backend/middleware"
)

// RegisterRoutes mounts the host API under /api/hearth. authMiddleware
// guards every route except /health; when nil, bearer tokens are checked
// against the configured JWT secret.
func (h *Hearth) RegisterRoutes(router *mux.Router, authMiddleware func(http.Handler) http.Handler) {
	if authMiddleware == nil {
		authMiddleware = middleware.NewAuthMiddleware(h.cfg.JWTSecret, h.cfg.JWTIssuer, h.logger)
	}

	keyHandler := handlers.NewKeyHandler(h.Directory)
	groupHandler := handlers.NewGroupHandler(h.Groups, h)
	relHandler := handlers.NewRelationshipHandler(h.Relationships)
	reportHandler := handlers.NewReportHandler(h.Reports)
	auditHandler := handlers.NewAuditHandler(h.Audit)
	healthHandler := handlers.NewHealthHandler(h.transport, h.ping)

	api := router.PathPrefix("/api/hearth").Subrouter()
	api.Use(middleware.CORS(h.cfg.CORSOrigins))
	api.HandleFunc("/health", healthHandler.Health).Methods("GET")

	protected := api.NewRoute().Subrouter()
	protected.Use(authMiddleware)

	protected.HandleFunc("/keypackages/publish", keyHandler.Publish).Methods("POST", "OPTIONS")
	protected.HandleFunc("/keypackages/{householdKey}", keyHandler.Discover).Methods("GET", "OPTIONS")

	protected.HandleFunc("/connect", groupHandler.Connect).Methods("POST", "OPTIONS")
	protected.HandleFunc("/groups", groupHandler.ListGroups).Methods("GET", "OPTIONS")
	protected.HandleFunc("/groups", groupHandler.CreateGroup).Methods("POST")
	protected.HandleFunc("/groups/members/add", groupHandler.AddMembers).Methods("POST", "OPTIONS")
	protected.HandleFunc("/groups/members/remove", groupHandler.RemoveMembers).Methods("POST", "OPTIONS")
	protected.HandleFunc("/welcomes", groupHandler.ListWelcomes).Methods("GET", "OPTIONS")
	protected.HandleFunc("/welcomes/{eventId}/accept", groupHandler.AcceptWelcome).Methods("POST", "OPTIONS")
	protected.HandleFunc("/welcomes/{eventId}/decline", groupHandler.DeclineWelcome).Methods("POST", "OPTIONS")

	protected.HandleFunc("/relationships", relHandler.List).Methods("GET", "OPTIONS")
	protected.HandleFunc("/relationships/{id}", relHandler.Get).Methods("GET", "OPTIONS")
	protected.HandleFunc("/relationships/{id}/transition", relHandler.Transition).Methods("POST", "OPTIONS")
	protected.HandleFunc("/relationships/{id}/purge-media", relHandler.PurgeMedia).Methods("POST", "OPTIONS")
	protected.HandleFunc("/relationships/{id}/notes", relHandler.UpdateNotes).Methods("PUT", "OPTIONS")
	protected.HandleFunc("/relationships/{id}/blocked-by-remote", relHandler.BlockedByRemote).Methods("POST", "OPTIONS")
	protected.HandleFunc("/relationships/{id}/reports", reportHandler.ForRelationship).Methods("GET", "OPTIONS")

	protected.HandleFunc("/reports", reportHandler.Submit).Methods("POST", "OPTIONS")
	protected.HandleFunc("/reports/{id}", reportHandler.Get).Methods("GET", "OPTIONS")
	protected.HandleFunc("/reports/{id}/retry", reportHandler.Retry).Methods("POST", "OPTIONS")
	protected.HandleFunc("/reports/{id}/status", reportHandler.UpdateStatus).Methods("POST", "OPTIONS")

	protected.HandleFunc("/audit", auditHandler.Trail).Methods("GET", "OPTIONS")
	protected.HandleFunc("/relays/health", healthHandler.Relays).Methods("GET", "OPTIONS")
}
