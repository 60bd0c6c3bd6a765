package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/platelet-app/dispatchsync/internal/identity"
	"github.com/platelet-app/dispatchsync/internal/replica/hub"
	"github.com/platelet-app/dispatchsync/internal/replica/schema"
	"github.com/platelet-app/dispatchsync/internal/replica/syncerr"
)

func newHub(t *testing.T, secret string) (*hub.Ledger, *httptest.Server) {
	t.Helper()
	ledger := hub.NewLedger(nil)
	srv := hub.NewServer(ledger, &hub.Config{JWTSecret: secret})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ledger, ts
}

func TestClient_Handshake(t *testing.T) {
	_, ts := newHub(t, "")
	c := NewClient(ts.URL, "c1")

	h, err := c.Handshake(context.Background())
	if err != nil {
		t.Fatalf("Handshake failed: %v", err)
	}
	if h.Protocol != hub.ProtocolVersion || h.Status != "ok" {
		t.Errorf("health = %+v", h)
	}
}

func TestClient_HandshakeIncompatible(t *testing.T) {
	tests := []struct {
		name     string
		protocol string
	}{
		{"newer major", "v2.0.0"},
		{"garbage", "latest"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_ = json.NewEncoder(w).Encode(hub.Health{Status: "ok", Protocol: tt.protocol})
			}))
			defer ts.Close()

			_, err := NewClient(ts.URL, "c1").Handshake(context.Background())
			if !errors.Is(err, ErrIncompatibleHub) {
				t.Errorf("err = %v, want ErrIncompatibleHub", err)
			}
		})
	}
}

func TestClient_SubmitClassifiesErrors(t *testing.T) {
	_, ts := newHub(t, "")
	c := NewClient(ts.URL, "c1")
	ctx := context.Background()

	task := schema.K(schema.TypeTask, "t1")
	if _, err := c.Submit(ctx, mutation(1, schema.OpCreate, task, schema.F(schema.FieldStatus, schema.StatusNew))); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	tests := []struct {
		name string
		seq  uint64
		op   schema.Op
		key  schema.Key
		f    schema.Fields
		want error
	}{
		{
			name: "validation",
			seq:  2, op: schema.OpCreate, key: schema.K(schema.TypeUser, "u1"),
			want: syncerr.ErrValidationRejected,
		},
		{
			name: "deleted",
			seq:  3, op: schema.OpUpdate, key: schema.K(schema.TypeTask, "missing"),
			f:    schema.F(schema.FieldPriority, schema.PriorityHigh),
			want: syncerr.ErrEntityDeleted,
		},
		{
			name: "conflict",
			seq:  4, op: schema.OpCreate, key: task,
			want: syncerr.ErrConflictStale,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Submit(ctx, mutation(tt.seq, tt.op, tt.key, tt.f))
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
			if syncerr.IsRetryable(err) {
				t.Error("terminal rejection reported as retryable")
			}
		})
	}

	_, err := c.Submit(ctx, mutation(5, schema.OpCreate, task, nil))
	snap, ok := syncerr.SnapshotOf(err)
	if !ok || snap.ID != "t1" {
		t.Errorf("conflict snapshot = %v, %v", snap, ok)
	}
}

func TestClient_ConcurrentSubmit(t *testing.T) {
	ledger, ts := newHub(t, "")
	c := NewClient(ts.URL, "c1")
	ctx := context.Background()

	const n = 8
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			key := schema.K(schema.TypeTask, fmt.Sprintf("t%d", i))
			_, errs[i] = c.Submit(ctx, mutation(uint64(i+1), schema.OpCreate, key, schema.F(schema.FieldStatus, schema.StatusNew)))
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("submit %d failed: %v", i, err)
		}
	}
	if got := len(ledger.List(schema.TypeTask)); got != n {
		t.Errorf("hub holds %d tasks, want %d", got, n)
	}
}

func TestClient_SubmitTransient(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	_, err := NewClient(ts.URL, "c1").Submit(context.Background(), mutation(1, schema.OpCreate, schema.K(schema.TypeTask, "t1"), nil))
	if !syncerr.IsRetryable(err) {
		t.Errorf("err = %v, want retryable", err)
	}

	ts.Close()
	_, err = NewClient(ts.URL, "c1").Submit(context.Background(), mutation(1, schema.OpCreate, schema.K(schema.TypeTask, "t1"), nil))
	if !syncerr.IsRetryable(err) {
		t.Errorf("unreachable hub err = %v, want retryable", err)
	}
}

func TestClient_BearerToken(t *testing.T) {
	ledger, ts := newHub(t, "s3cret")
	c := NewClient(ts.URL, "c1")
	key := schema.K(schema.TypeTask, "t1")

	_, err := c.Submit(context.Background(), mutation(1, schema.OpCreate, key, nil))
	if !errors.Is(err, syncerr.ErrValidationRejected) {
		t.Errorf("unauthenticated err = %v, want rejection", err)
	}

	token, err := identity.Issue("s3cret", identity.Actor{ID: "coord"}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	c.BearerToken = token
	if _, err := c.Submit(context.Background(), mutation(2, schema.OpCreate, key, nil)); err != nil {
		t.Fatalf("authenticated submit failed: %v", err)
	}
	if got, _ := ledger.Get(key); got.Fields.String(schema.FieldCreatedBy) != "coord" {
		t.Errorf("createdById = %v", got.Fields[schema.FieldCreatedBy])
	}
}

func TestClient_Subscribe(t *testing.T) {
	ledger, ts := newHub(t, "")
	if err := ledger.Load([]schema.Entity{
		{Type: schema.TypeUser, ID: "u1", Fields: schema.F(schema.FieldDisplayName, "Ana")},
	}); err != nil {
		t.Fatal(err)
	}

	c := NewClient(ts.URL, "c1")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := c.Subscribe(ctx, schema.TypeUser)
	if err != nil {
		t.Fatal(err)
	}

	if ev := recv(t, events); ev.Op != schema.OpUpdate || ev.Entity.ID != "u1" {
		t.Errorf("listing event = %+v", ev)
	}
	if ev := recv(t, events); ev.Op != schema.OpResync || len(ev.Present) != 1 {
		t.Errorf("resync = %+v", ev)
	}

	if _, err := c.Submit(ctx, mutation(1, schema.OpCreate, schema.K(schema.TypeUser, "u2"), schema.F(schema.FieldDisplayName, "Ana"))); err != nil {
		t.Fatal(err)
	}
	ev := recv(t, events)
	if ev.Op != schema.OpCreate || ev.Entity.ID != "u2" {
		t.Fatalf("change event = %+v", ev)
	}
	if got := ev.Entity.Fields.String(schema.FieldDisplayName); got != "Ana-1" {
		t.Errorf("displayName = %q, want Ana-1", got)
	}
}

func TestClient_SubscribeRejectsUnknownType(t *testing.T) {
	if _, err := NewClient("http://localhost", "c").Subscribe(context.Background(), "Parcel"); err == nil {
		t.Error("expected error for unknown type")
	}
}
