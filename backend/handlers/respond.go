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

// Package handlers serves the household's host API.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"

	"github.com/efchatnet/hearth/backend/groups"
	"github.com/efchatnet/hearth/backend/middleware"
	"github.com/efchatnet/hearth/backend/models"
)

// RoleGuardian may manage every relationship in the household.
const RoleGuardian = "guardian"

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// statusFor maps domain errors onto HTTP statuses.
func statusFor(err error) int {
	var transition *models.InvalidTransitionError
	switch {
	case errors.As(err, &transition),
		errors.Is(err, models.ErrStateConflict),
		errors.Is(err, models.ErrRelationshipClosed):
		return http.StatusConflict
	case errors.Is(err, models.ErrNotFound),
		errors.Is(err, models.ErrKeyPackageMissing),
		errors.Is(err, groups.ErrUnknownGroup):
		return http.StatusNotFound
	case errors.Is(err, models.ErrInvalidRecipientKey),
		errors.Is(err, models.ErrInvalidReportLevel),
		errors.Is(err, models.ErrInvalidReportStatus),
		errors.Is(err, models.ErrGroupIdentifierMissing),
		errors.Is(err, models.ErrChildProfileMissing),
		errors.Is(err, groups.ErrInvalidInitKey),
		errors.Is(err, groups.ErrWelcomeNotOurs):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrRelaysUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = http.StatusText(status)
	}
	http.Error(w, msg, status)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

// profile returns the authenticated caller, answering 401 when absent.
func profile(w http.ResponseWriter, r *http.Request) (string, bool) {
	profileID, ok := middleware.ProfileID(r)
	if !ok || profileID == "" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return "", false
	}
	return profileID, true
}

func isGuardian(r *http.Request) bool {
	claims, ok := middleware.GetClaims(r)
	return ok && slices.Contains(claims.Roles, RoleGuardian)
}
