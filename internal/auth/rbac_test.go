package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestHasPermission(t *testing.T) {
	tests := []struct {
		name       string
		role       Role
		permission Permission
		want       bool
	}{
		{"admin read", RoleAdmin, PermissionRead, true},
		{"admin write", RoleAdmin, PermissionWrite, true},
		{"viewer read", RoleViewer, PermissionRead, true},
		{"viewer write", RoleViewer, PermissionWrite, false},
		{"unknown role", Role("unknown"), PermissionRead, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HasPermission(tt.role, tt.permission); got != tt.want {
				t.Errorf("HasPermission(%v, %v) = %v, want %v", tt.role, tt.permission, got, tt.want)
			}
		})
	}
}

func TestHashPassword(t *testing.T) {
	hash, err := HashPassword("test-password-123")
	if err != nil {
		t.Fatalf("HashPassword() error = %v", err)
	}
	if hash == "" || hash == "test-password-123" {
		t.Errorf("HashPassword() = %q", hash)
	}

	hash2, _ := HashPassword("test-password-123")
	if hash == hash2 {
		t.Error("HashPassword() should salt each hash")
	}
}

func newTestAuthenticator(t *testing.T) *Authenticator {
	t.Helper()
	adminHash, _ := HashPassword("admin-pass")
	viewerHash, _ := HashPassword("viewer-pass")
	users := NewUserStore(
		User{Username: "admin", PasswordHash: adminHash, Role: RoleAdmin},
		User{Username: "viewer", PasswordHash: viewerHash, Role: RoleViewer},
	)
	a, err := NewAuthenticator(users, "test-secret", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func TestNewAuthenticator_RequiresSecret(t *testing.T) {
	if _, err := NewAuthenticator(NewUserStore(), "", time.Hour); err == nil {
		t.Error("expected error for empty secret")
	}
}

func TestAuthenticator_LoginAndVerify(t *testing.T) {
	a := newTestAuthenticator(t)

	tests := []struct {
		name     string
		username string
		password string
		wantErr  error
		wantRole Role
	}{
		{"admin", "admin", "admin-pass", nil, RoleAdmin},
		{"viewer", "viewer", "viewer-pass", nil, RoleViewer},
		{"wrong password", "admin", "wrong", ErrInvalidCredentials, ""},
		{"unknown user", "nobody", "admin-pass", ErrInvalidCredentials, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, exp, err := a.Login(context.Background(), tt.username, tt.password)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("Login() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Login() error = %v", err)
			}
			if exp.Before(time.Now()) {
				t.Errorf("expiry %v is in the past", exp)
			}

			claims, err := a.Verify(token)
			if err != nil {
				t.Fatalf("Verify() error = %v", err)
			}
			if claims.Subject != tt.username || claims.Role != tt.wantRole {
				t.Errorf("claims = %+v", claims)
			}
		})
	}
}

func TestAuthenticator_VerifyRejects(t *testing.T) {
	a := newTestAuthenticator(t)
	token, _, err := a.Login(context.Background(), "admin", "admin-pass")
	if err != nil {
		t.Fatal(err)
	}

	other, _ := NewAuthenticator(NewUserStore(), "other-secret", time.Hour)
	if _, err := other.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("wrong secret: err = %v", err)
	}

	a.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if _, err := a.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expired: err = %v", err)
	}

	none := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{Role: RoleAdmin, RegisteredClaims: jwt.RegisteredClaims{Issuer: issuer}})
	unsigned, _ := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if _, err := newTestAuthenticator(t).Verify(unsigned); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("alg none: err = %v", err)
	}
}

func TestMiddleware_RequireAuth(t *testing.T) {
	a := newTestAuthenticator(t)
	m := NewMiddleware(a)
	token, _, _ := a.Login(context.Background(), "admin", "admin-pass")

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := ClaimsFromContext(r.Context())
		if !ok || claims.Subject != "admin" {
			t.Errorf("claims missing from context: %+v", claims)
		}
		w.WriteHeader(http.StatusOK)
	})

	tests := []struct {
		name       string
		header     string
		wantStatus int
	}{
		{"valid token", "Bearer " + token, http.StatusOK},
		{"garbage token", "Bearer abc", http.StatusUnauthorized},
		{"basic auth", "Basic YWRtaW46YWRtaW4=", http.StatusUnauthorized},
		{"no auth", "", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/admin/tokens", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			m.RequireAuth(handler).ServeHTTP(rr, req)

			if rr.Code != tt.wantStatus {
				t.Errorf("status = %v, want %v", rr.Code, tt.wantStatus)
			}
		})
	}
}

func TestMiddleware_RequirePermission(t *testing.T) {
	m := NewMiddleware(newTestAuthenticator(t))
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	tests := []struct {
		name       string
		claims     *Claims
		permission Permission
		wantStatus int
	}{
		{"admin write", &Claims{Role: RoleAdmin}, PermissionWrite, http.StatusOK},
		{"viewer read", &Claims{Role: RoleViewer}, PermissionRead, http.StatusOK},
		{"viewer write", &Claims{Role: RoleViewer}, PermissionWrite, http.StatusForbidden},
		{"no claims", nil, PermissionRead, http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/admin/tokens", nil)
			if tt.claims != nil {
				req = req.WithContext(WithClaims(req.Context(), tt.claims))
			}
			rr := httptest.NewRecorder()
			m.RequirePermission(tt.permission)(handler).ServeHTTP(rr, req)

			if rr.Code != tt.wantStatus {
				t.Errorf("status = %v, want %v", rr.Code, tt.wantStatus)
			}
		})
	}
}

func TestMiddleware_Disabled(t *testing.T) {
	m := NewMiddleware(nil)
	called := false
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })

	req := httptest.NewRequest("DELETE", "/admin/logs", nil)
	m.RequireAuth(m.RequirePermission(PermissionWrite)(handler)).ServeHTTP(httptest.NewRecorder(), req)

	if !called {
		t.Error("disabled auth must let requests through")
	}
}

func TestMiddleware_Login(t *testing.T) {
	m := NewMiddleware(newTestAuthenticator(t))

	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{"valid", `{"username":"admin","password":"admin-pass"}`, http.StatusOK},
		{"wrong password", `{"username":"admin","password":"x"}`, http.StatusUnauthorized},
		{"bad json", `{`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/admin/login", strings.NewReader(tt.body))
			rr := httptest.NewRecorder()
			m.Login(rr, req)

			if rr.Code != tt.wantStatus {
				t.Errorf("status = %v, want %v", rr.Code, tt.wantStatus)
			}
			if tt.wantStatus == http.StatusOK && !strings.Contains(rr.Body.String(), `"token"`) {
				t.Errorf("body = %s", rr.Body.String())
			}
		})
	}
}

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   string
	}{
		{"valid bearer", "Bearer abc123", "abc123"},
		{"no bearer prefix", "abc123", ""},
		{"empty header", "", ""},
		{"basic auth", "Basic dXNlcjpwYXNz", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			if got := ExtractBearerToken(req); got != tt.want {
				t.Errorf("ExtractBearerToken() = %v, want %v", got, tt.want)
			}
		})
	}
}
