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

package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "household-secret"

func sign(t *testing.T, method jwt.SigningMethod, key any, claims Claims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return token
}

func validClaims() Claims {
	return Claims{
		ProfileID: "kid-1",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "hearth",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
}

func serve(t *testing.T, header string) (*httptest.ResponseRecorder, string) {
	t.Helper()
	var seen string
	h := NewAuthMiddleware(testSecret, "hearth", nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = ProfileID(r)
		claims, ok := GetClaims(r)
		require.True(t, ok)
		assert.Equal(t, seen, claims.Profile())
	}))
	req := httptest.NewRequest(http.MethodGet, "/api/hearth/relationships", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec, seen
}

func TestAuthAcceptsValidToken(t *testing.T) {
	rec, profile := serve(t, "Bearer "+sign(t, jwt.SigningMethodHS256, []byte(testSecret), validClaims()))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "kid-1", profile)
}

func TestAuthFallsBackToSubject(t *testing.T) {
	claims := validClaims()
	claims.ProfileID = ""
	claims.Subject = "kid-2"
	rec, profile := serve(t, "Bearer "+sign(t, jwt.SigningMethodHS256, []byte(testSecret), claims))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "kid-2", profile)
}

func TestAuthRejects(t *testing.T) {
	expired := validClaims()
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	foreign := validClaims()
	foreign.Issuer = "elsewhere"
	noExpiry := validClaims()
	noExpiry.ExpiresAt = nil
	anonymous := validClaims()
	anonymous.ProfileID = ""

	cases := map[string]string{
		"missing header":  "",
		"wrong scheme":    "Basic abc",
		"garbage":         "Bearer not.a.token",
		"wrong secret":    "Bearer " + sign(t, jwt.SigningMethodHS256, []byte("other"), validClaims()),
		"expired":         "Bearer " + sign(t, jwt.SigningMethodHS256, []byte(testSecret), expired),
		"foreign issuer":  "Bearer " + sign(t, jwt.SigningMethodHS256, []byte(testSecret), foreign),
		"no expiry":       "Bearer " + sign(t, jwt.SigningMethodHS256, []byte(testSecret), noExpiry),
		"no profile":      "Bearer " + sign(t, jwt.SigningMethodHS256, []byte(testSecret), anonymous),
		"unsigned":        "Bearer " + sign(t, jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType, validClaims()),
		"other algorithm": "Bearer " + sign(t, jwt.SigningMethodHS512, []byte(testSecret), validClaims()),
	}
	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			rec, _ := serve(t, header)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
}

func TestCORS(t *testing.T) {
	h := CORS([]string{"https://app.example"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://app.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, "https://app.example", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
