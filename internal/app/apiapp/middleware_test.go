package apiapp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	authsvc "github.com/Valerii-S84/quiz-arena-sub002/internal/services/auth"
)

func TestRequireRoleAllowsCaseInsensitiveMatch(t *testing.T) {
	mw := RequireRole(authsvc.RoleOwner, authsvc.RoleSupport)

	req := httptest.NewRequest(http.MethodGet, "/v1/admin/reconciliation/latest", nil)
	req = req.WithContext(authsvc.WithIdentity(context.Background(), authsvc.Identity{
		UserID: 1,
		Role:   "support",
	}))
	rr := httptest.NewRecorder()

	mw(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})).ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("unexpected status: got %d want %d", rr.Code, http.StatusNoContent)
	}
}

func TestRequireRoleRejectsForbiddenRole(t *testing.T) {
	mw := RequireRole(authsvc.RoleOwner, authsvc.RoleSupport)

	req := httptest.NewRequest(http.MethodGet, "/v1/admin/reconciliation/latest", nil)
	req = req.WithContext(authsvc.WithIdentity(context.Background(), authsvc.Identity{
		UserID: 2,
		Role:   authsvc.RoleUser,
	}))
	rr := httptest.NewRecorder()

	mw(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		t.Fatalf("handler must not be called for forbidden role")
	})).ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("unexpected status: got %d want %d", rr.Code, http.StatusForbidden)
	}
}

func TestAuthMiddlewareSetsIdentity(t *testing.T) {
	manager := authsvc.NewJWTManager("test-secret", 15*time.Minute)
	token, _, err := manager.GenerateAccessToken(777, authsvc.RoleOwner)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/entitlements", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()

	var got authsvc.Identity
	AuthMiddleware(manager, zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = authsvc.IdentityFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})).ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("unexpected status: got %d want %d", rr.Code, http.StatusNoContent)
	}
	if got.UserID != 777 || got.Role != authsvc.RoleOwner {
		t.Fatalf("unexpected identity: %+v", got)
	}
}

func TestAuthMiddlewareRejectsMissingToken(t *testing.T) {
	manager := authsvc.NewJWTManager("test-secret", 15*time.Minute)
	req := httptest.NewRequest(http.MethodGet, "/v1/entitlements", nil)
	rr := httptest.NewRecorder()

	AuthMiddleware(manager, zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		t.Fatalf("handler must not be called without token")
	})).ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status: got %d want %d", rr.Code, http.StatusUnauthorized)
	}
}

func TestGatewayTokenMiddleware(t *testing.T) {
	tests := []struct {
		name       string
		configured string
		provided   string
		want       int
	}{
		{"valid token", "gw-secret", "gw-secret", http.StatusNoContent},
		{"wrong token", "gw-secret", "nope", http.StatusUnauthorized},
		{"missing token", "gw-secret", "", http.StatusUnauthorized},
		{"unconfigured", "", "", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/gateway/precheckout", nil)
			if tt.provided != "" {
				req.Header.Set(GatewayTokenHeader, tt.provided)
			}
			rr := httptest.NewRecorder()

			GatewayTokenMiddleware(tt.configured, zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusNoContent)
			})).ServeHTTP(rr, req)

			if rr.Code != tt.want {
				t.Fatalf("unexpected status: got %d want %d", rr.Code, tt.want)
			}
		})
	}
}
