package identity

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

const secret = "test-secret"

func TestIssueParse(t *testing.T) {
	actor := Actor{ID: "u-coord-1", TenantID: "tenant-a", Roles: []string{"COORDINATOR"}}
	token, err := Issue(secret, actor, time.Hour)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	got, err := Parse(secret, token)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if got.ID != actor.ID || got.TenantID != actor.TenantID || len(got.Roles) != 1 {
		t.Errorf("Parse() = %+v, want %+v", got, actor)
	}

	if _, err := Parse("other-secret", token); !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("Parse with wrong secret error = %v", err)
	}

	un, err := Unverified(token)
	if err != nil || un.ID != actor.ID {
		t.Errorf("Unverified() = %+v, %v", un, err)
	}
}

func TestIssue_NegativeTTLNeverExpires(t *testing.T) {
	token, err := Issue(secret, Actor{ID: "u1"}, -time.Minute)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	// A negative ttl means no expiry.
	if _, err := Parse(secret, token); err != nil {
		t.Errorf("Parse of token without expiry failed: %v", err)
	}
}

func TestIssue_RequiresSecretAndActor(t *testing.T) {
	if _, err := Issue("", Actor{ID: "u1"}, 0); err == nil {
		t.Error("expected error without secret")
	}
	if _, err := Issue(secret, Actor{}, 0); err == nil {
		t.Error("expected error without actor id")
	}
}

func TestMiddleware(t *testing.T) {
	token, _ := Issue(secret, Actor{ID: "u1", TenantID: "t"}, time.Hour)

	var seen Actor
	h := Middleware(secret, "/health")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = FromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		path   string
		header string
		want   int
		actor  string
	}{
		{"open path", "/health", "", http.StatusNoContent, ""},
		{"missing token", "/v1/mutations", "", http.StatusUnauthorized, ""},
		{"bad scheme", "/v1/mutations", "Basic abc", http.StatusUnauthorized, ""},
		{"bad token", "/v1/mutations", "Bearer nope", http.StatusUnauthorized, ""},
		{"valid header", "/v1/mutations", "Bearer " + token, http.StatusNoContent, "u1"},
		{"query token", "/v1/subscribe?access_token=" + token, "", http.StatusNoContent, "u1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = Actor{}
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
			if seen.ID != tt.actor {
				t.Errorf("actor = %q, want %q", seen.ID, tt.actor)
			}
		})
	}
}
