package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/bazaar-backend/pkg/auth"
	"github.com/angelmondragon/bazaar-backend/pkg/config"
	"github.com/angelmondragon/bazaar-backend/pkg/enums"
)

var testJWT = config.JWTConfig{Secret: "secret", Issuer: "issuer", ExpirationMinutes: 60}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthRejectsMissingToken(t *testing.T) {
	handler := Auth(testJWT, nil)(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	require.Equal(t, http.StatusUnauthorized, resp.Code)
}

func TestAuthRejectsInvalidToken(t *testing.T) {
	handler := Auth(testJWT, nil)(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer invalid")
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	require.Equal(t, http.StatusUnauthorized, resp.Code)
}

func TestAuthRejectsTokenFromOtherIssuer(t *testing.T) {
	other := testJWT
	other.Issuer = "someone-else"
	token := mintTestToken(t, other, uuid.New(), enums.RoleBuyer)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp := httptest.NewRecorder()
	Auth(testJWT, nil)(okHandler()).ServeHTTP(resp, req)
	require.Equal(t, http.StatusUnauthorized, resp.Code)
}

func TestAuthAllowsValidToken(t *testing.T) {
	userID := uuid.New()
	token := mintTestToken(t, testJWT, userID, enums.RoleSeller)

	var (
		gotUser uuid.UUID
		gotRole enums.Role
	)
	handler := Auth(testJWT, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, _ = UserIDFromContext(r.Context())
		gotRole = RoleFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "bearer "+token)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)

	require.Equal(t, http.StatusOK, resp.Code)
	require.Equal(t, userID, gotUser)
	require.Equal(t, enums.RoleSeller, gotRole)
}

func TestRequireRole(t *testing.T) {
	handler := RequireRole(nil, enums.RoleSeller, enums.RoleAdmin)(okHandler())

	cases := []struct {
		role enums.Role
		want int
	}{
		{enums.RoleSeller, http.StatusOK},
		{enums.RoleAdmin, http.StatusOK},
		{enums.RoleBuyer, http.StatusForbidden},
		{"", http.StatusForbidden},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req = req.WithContext(WithActor(req.Context(), uuid.New(), tc.role))
		resp := httptest.NewRecorder()
		handler.ServeHTTP(resp, req)
		require.Equal(t, tc.want, resp.Code, "role %q", tc.role)
	}
}

func mintTestToken(t *testing.T, cfg config.JWTConfig, userID uuid.UUID, role enums.Role) string {
	t.Helper()
	token, err := auth.Mint(cfg, time.Now(), userID, role)
	require.NoError(t, err)
	return token
}

func TestAuthRequiresBearerScheme(t *testing.T) {
	token := mintTestToken(t, testJWT, uuid.New(), enums.RoleBuyer)
	for _, header := range []string{token, "Basic " + token, "Bearer ", "Bearer"} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", header)
		resp := httptest.NewRecorder()
		Auth(testJWT, nil)(okHandler()).ServeHTTP(resp, req)
		require.Equal(t, http.StatusUnauthorized, resp.Code, header)
	}
}

func TestAuthFailsClosedWithoutSecret(t *testing.T) {
	token := mintTestToken(t, testJWT, uuid.New(), enums.RoleBuyer)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp := httptest.NewRecorder()
	Auth(config.JWTConfig{Issuer: "issuer"}, nil)(okHandler()).ServeHTTP(resp, req)
	require.Equal(t, http.StatusInternalServerError, resp.Code)
}
