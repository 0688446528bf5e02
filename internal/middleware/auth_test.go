package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mmeshcher/courier-ledger/internal/model"
	"github.com/mmeshcher/courier-ledger/internal/order"
)

func TestAuthMiddleware_WithValidCookie(t *testing.T) {
	m := NewAuthMiddleware("test-secret")

	nextCalled := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		nextCalled = true
		actor, ok := GetActorFromContext(r.Context())
		if !ok {
			t.Fatalf("actor not in context")
		}
		if actor.UserID != 42 || actor.Role != model.RoleDriver {
			t.Fatalf("actor from context = %+v, want driver 42", actor)
		}
	})

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/protected", nil)

	if _, err := m.SetAuthCookie(w, 42, model.RoleDriver); err != nil {
		t.Fatalf("SetAuthCookie: %v", err)
	}
	resCookies := w.Result().Cookies()
	if len(resCookies) == 0 {
		t.Fatalf("no cookies set by SetAuthCookie")
	}

	r.AddCookie(resCookies[0])

	m.Middleware(next).ServeHTTP(httptest.NewRecorder(), r)

	if !nextCalled {
		t.Fatalf("next handler was not called")
	}
}

func TestAuthMiddleware_WithBearerToken(t *testing.T) {
	m := NewAuthMiddleware("test-secret")

	token, err := m.IssueToken(7, model.RoleDispatcher)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	var got int64
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, _ := GetActorFromContext(r.Context())
		got = actor.UserID
	})

	r := httptest.NewRequest(http.MethodGet, "/protected", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	m.Middleware(next).ServeHTTP(httptest.NewRecorder(), r)

	if got != 7 {
		t.Fatalf("user id = %d, want 7", got)
	}
}

func TestAuthMiddleware_Rejects(t *testing.T) {
	m := NewAuthMiddleware("test-secret")
	other := NewAuthMiddleware("other-secret")

	foreign, err := other.IssueToken(1, model.RoleAdmin)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	expiredIssuer := NewAuthMiddleware("test-secret")
	expiredIssuer.now = func() time.Time { return time.Now().Add(-30 * 24 * time.Hour) }
	expired, err := expiredIssuer.IssueToken(1, model.RoleAdmin)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	tests := []struct {
		name   string
		header string
	}{
		{name: "no token", header: ""},
		{name: "garbage", header: "Bearer not-a-jwt"},
		{name: "wrong scheme", header: "Basic dXNlcjpwYXNz"},
		{name: "foreign signature", header: "Bearer " + foreign},
		{name: "expired", header: "Bearer " + expired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				t.Fatalf("next handler should not be called")
			})

			r := httptest.NewRequest(http.MethodGet, "/protected", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			m.Middleware(next).ServeHTTP(w, r)

			if w.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want %d", w.Code, http.StatusUnauthorized)
			}
		})
	}
}

func TestRequireRole(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	h := RequireRole(model.RoleAdmin, model.RoleDispatcher)(next)

	tests := []struct {
		name   string
		role   model.Role
		anon   bool
		status int
	}{
		{name: "admin", role: model.RoleAdmin, status: http.StatusNoContent},
		{name: "dispatcher", role: model.RoleDispatcher, status: http.StatusNoContent},
		{name: "driver", role: model.RoleDriver, status: http.StatusForbidden},
		{name: "anonymous", anon: true, status: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/admin", nil)
			if !tt.anon {
				r = r.WithContext(WithActor(r.Context(), order.Actor{UserID: 1, Role: tt.role}))
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, r)

			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d", w.Code, tt.status)
			}
		})
	}
}
