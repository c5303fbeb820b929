package myMiddleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"duochat/internal/user"
)

type stubValidator map[string]user.Identity

func (s stubValidator) ValidateToken(token string) (user.Identity, error) {
	id, ok := s[token]
	if !ok {
		return user.Identity{}, errors.New("bad token")
	}
	return id, nil
}

func TestAuthMiddleware(t *testing.T) {
	am := NewAuthMiddleware(stubValidator{"good": {ID: 3, Username: "carol"}})

	var seen user.Identity
	h := am.Handle(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = IdentityFrom(r.Context())
	}))

	tests := []struct {
		name   string
		header string
		query  string
		want   int
	}{
		{"bearer header", "Bearer good", "", http.StatusOK},
		{"query token", "", "?token=good", http.StatusOK},
		{"missing", "", "", http.StatusUnauthorized},
		{"invalid", "Bearer bad", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic good", "", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = user.Identity{}
			r := httptest.NewRequest(http.MethodGet, "/api/conversations"+tt.query, nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, r)
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, rec.Code)
			}
			if tt.want == http.StatusOK && seen.ID != 3 {
				t.Fatalf("expected identity in context, got %+v", seen)
			}
		})
	}
}
