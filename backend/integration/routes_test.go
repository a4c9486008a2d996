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
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efchatnet/hearth/backend/middleware"
	"github.com/efchatnet/hearth/backend/models"
	"github.com/efchatnet/hearth/backend/relay"
)

type apiClient struct {
	t      *testing.T
	router *mux.Router
	token  string
}

func newAPI(t *testing.T, h *household, profileID string, roles ...string) *apiClient {
	t.Helper()
	router := mux.NewRouter()
	h.RegisterRoutes(router, nil)

	claims := middleware.Claims{
		ProfileID: profileID,
		Roles:     roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    h.cfg.JWTIssuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(h.cfg.JWTSecret))
	require.NoError(t, err)
	return &apiClient{t: t, router: router, token: token}
}

func (c *apiClient) do(method, path string, body any) *httptest.ResponseRecorder {
	c.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(c.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, "/api/hearth"+path, &buf)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	rec := httptest.NewRecorder()
	c.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v), rec.Body.String())
	return v
}

func TestHealthNeedsNoAuth(t *testing.T) {
	net := relay.NewNetwork(relays...)
	alice := newHousehold(t, net, aliceKey, nil)
	api := newAPI(t, alice, "alice-kid")
	api.token = ""

	rec := api.do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())

	rec = api.do(http.MethodGet, "/relationships", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestPreflightSkipsAuth(t *testing.T) {
	net := relay.NewNetwork(relays...)
	alice := newHousehold(t, net, aliceKey, nil)
	api := newAPI(t, alice, "alice-kid")
	api.token = ""

	rec := api.do(http.MethodOptions, "/connect", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestRelationshipLifecycleOverHTTP(t *testing.T) {
	ctx := context.Background()
	net := relay.NewNetwork(relays...)
	alice := newHousehold(t, net, aliceKey, nil)
	bob := newHousehold(t, net, bobKey, nil)
	api := newAPI(t, alice, "alice-kid")

	rec := newAPI(t, bob, "bob-kid").do(http.MethodPost, "/keypackages/publish", nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = api.do(http.MethodGet, "/keypackages/"+bobKey+"?timeout=500ms", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	discovered := decodeBody[struct {
		KeyPackages []models.KeyPackage `json:"key_packages"`
	}](t, rec)
	require.Len(t, discovered.KeyPackages, 1)

	rec = api.do(http.MethodPost, "/connect", map[string]string{"household_key": bobKey})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rel := decodeBody[models.Relationship](t, rec)
	assert.Equal(t, bobKey, rel.RemoteHouseholdKey)

	rec = api.do(http.MethodGet, "/relationships", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]models.Relationship](t, rec), 1)

	rec = newAPI(t, alice, "someone-else").do(http.MethodGet, "/relationships/"+rel.ID, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = newAPI(t, alice, "parent", "guardian").do(http.MethodGet, "/relationships/"+rel.ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = api.do(http.MethodPost, "/relationships/"+rel.ID+"/transition", map[string]string{"state": "bogus"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = api.do(http.MethodPost, "/relationships/"+rel.ID+"/transition", map[string]string{"state": "frozen", "reason": "pause"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = api.do(http.MethodPost, "/relationships/"+rel.ID+"/transition", map[string]string{"state": "blocked"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = api.do(http.MethodPost, "/relationships/"+rel.ID+"/transition", map[string]string{"state": "frozen"})
	assert.Equal(t, http.StatusConflict, rec.Code, "blocked relationships cannot be frozen")

	rec = api.do(http.MethodGet, "/audit?target_type=relationship&target_id="+rel.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	trail := decodeBody[[]models.AuditEntry](t, rec)
	var actions []models.AuditAction
	for _, entry := range trail {
		actions = append(actions, entry.Action)
	}
	assert.Contains(t, actions, models.AuditRelationshipCreated)
	assert.Contains(t, actions, models.AuditRelationshipTransition)

	stored, err := alice.Relationships.Get(ctx, rel.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateBlocked, stored.State)
}

func TestModeratorReportWithoutModerationRelays(t *testing.T) {
	net := relay.NewNetwork(relays...)
	alice := newHousehold(t, net, aliceKey, nil)
	api := newAPI(t, alice, "alice-kid")

	rec := api.do(http.MethodPost, "/reports", map[string]any{
		"video_id":          "video-1",
		"subject_household": bobKey,
		"reason":            "harmful",
		"level":             3,
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	body := decodeBody[struct {
		Report       models.Report `json:"report"`
		RoutingError string        `json:"routing_error"`
	}](t, rec)
	assert.Equal(t, "alice-kid", body.Report.ReporterProfile)
	assert.Nil(t, body.Report.RoutedAt)
	assert.NotEmpty(t, body.RoutingError)
	for _, url := range relays {
		assert.Empty(t, net.Events(url), "moderator reports never fall back to household relays")
	}

	rec = api.do(http.MethodGet, "/reports/"+body.Report.ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = api.do(http.MethodPost, "/reports", map[string]any{"video_id": "v", "subject_household": bobKey, "reason": "r", "level": 7})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRelayHealthOverHTTP(t *testing.T) {
	net := relay.NewNetwork(relays...)
	net.SetDown(relays[1], true)
	alice := newHousehold(t, net, aliceKey, nil)

	rec := newAPI(t, alice, "alice-kid").do(http.MethodGet, "/relays/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	statuses := decodeBody[[]relay.Status](t, rec)
	require.Len(t, statuses, 2)
	assert.True(t, statuses[0].Connected)
	assert.False(t, statuses[1].Connected)
	assert.Len(t, alice.RelayHealth(context.Background()), 2)
}
