package queue

import (
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/platelet-app/dispatchsync/internal/replica/schema"
	"github.com/platelet-app/dispatchsync/internal/replica/syncerr"
)

var t0 = time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)

// newTestQueue returns a queue with a controllable clock and no throttling.
func newTestQueue(t *testing.T) (*Queue, *time.Time) {
	t.Helper()
	now := t0
	q := New(Policy{BaseBackoff: 500 * time.Millisecond, MaxBackoff: 4 * time.Second, MaxRetries: 3})
	q.SetClock(func() time.Time { return now })
	return q, &now
}

func mustEnqueue(t *testing.T, q *Queue, kind schema.Op, key schema.Key, delta schema.Fields) EnqueueResult {
	t.Helper()
	res, err := q.Enqueue(kind, key, delta, time.Time{})
	if err != nil {
		t.Fatalf("Enqueue(%s %s) failed: %v", kind, key, err)
	}
	return res
}

var (
	userA = schema.K(schema.TypeUser, "a")
	userB = schema.K(schema.TypeUser, "b")
	task1 = schema.K(schema.TypeTask, "t1")
)

func TestEnqueue_MonotonicSequence(t *testing.T) {
	q, _ := newTestQueue(t)
	var last uint64
	for i, key := range []schema.Key{userA, userB, task1, userA} {
		res := mustEnqueue(t, q, schema.OpUpdate, key, schema.F(schema.FieldName, i))
		if res.Seq <= last {
			t.Fatalf("seq %d not greater than %d", res.Seq, last)
		}
		last = res.Seq
	}
}

func TestCoalescing_SameField(t *testing.T) {
	q, _ := newTestQueue(t)

	first := mustEnqueue(t, q, schema.OpUpdate, userA, schema.F(schema.FieldName, "A"))
	second := mustEnqueue(t, q, schema.OpUpdate, userA, schema.F(schema.FieldName, "B"))

	if !slices.Equal(second.Superseded, []uint64{first.Seq}) {
		t.Errorf("Superseded = %v, want [%d]", second.Superseded, first.Seq)
	}
	if q.Len() != 1 {
		t.Fatalf("queue holds %d mutations, want 1", q.Len())
	}

	var sent []Mutation
	for m := range q.Drain(t0) {
		sent = append(sent, m)
	}
	if len(sent) != 1 {
		t.Fatalf("drained %d mutations, want exactly 1", len(sent))
	}
	if sent[0].Seq != second.Seq || sent[0].Delta.String(schema.FieldName) != "B" {
		t.Errorf("sent %+v, want seq %d with name=B", sent[0], second.Seq)
	}
}

func TestCoalescing_DisjointFieldsStaySeparate(t *testing.T) {
	q, _ := newTestQueue(t)
	mustEnqueue(t, q, schema.OpUpdate, task1, schema.F(schema.FieldPriority, schema.PriorityHigh))
	res := mustEnqueue(t, q, schema.OpUpdate, task1, schema.F(schema.FieldRequesterName, "Ward 3"))

	if len(res.Superseded) != 0 {
		t.Errorf("disjoint updates coalesced: %v", res.Superseded)
	}
	if q.Len() != 2 {
		t.Errorf("queue holds %d mutations, want 2", q.Len())
	}
}

func TestCoalescing_NotAfterSend(t *testing.T) {
	q, _ := newTestQueue(t)
	mustEnqueue(t, q, schema.OpUpdate, userA, schema.F(schema.FieldName, "A"))
	if _, ok := q.Next(t0); !ok {
		t.Fatal("expected a sendable mutation")
	}

	res := mustEnqueue(t, q, schema.OpUpdate, userA, schema.F(schema.FieldName, "B"))
	if len(res.Superseded) != 0 {
		t.Error("update merged into an in-flight mutation")
	}
	if q.Len() != 2 {
		t.Errorf("queue holds %d mutations, want 2", q.Len())
	}
}

func TestCoalescing_UpdateFoldsIntoPendingCreate(t *testing.T) {
	q, _ := newTestQueue(t)
	create := mustEnqueue(t, q, schema.OpCreate, task1, schema.F(schema.FieldStatus, schema.StatusNew))
	upd := mustEnqueue(t, q, schema.OpUpdate, task1, schema.F(schema.FieldPriority, schema.PriorityLow))

	if !slices.Equal(upd.Superseded, []uint64{create.Seq}) {
		t.Errorf("Superseded = %v", upd.Superseded)
	}
	m, ok := q.Next(t0)
	if !ok {
		t.Fatal("expected a sendable mutation")
	}
	if m.Kind != schema.OpCreate || m.Delta.String(schema.FieldPriority) != schema.PriorityLow {
		t.Errorf("merged mutation = %+v", m)
	}
}

func TestThrottle_MergesDisjointUserEdits(t *testing.T) {
	now := t0
	q := New(Policy{BaseBackoff: time.Second, MaxBackoff: time.Minute, MaxRetries: 1,
		ThrottleWindow: 500 * time.Millisecond, ThrottledTypes: []schema.EntityType{schema.TypeUser}})
	q.SetClock(func() time.Time { return now })

	mustEnqueue(t, q, schema.OpUpdate, userA, schema.F(schema.FieldName, "Ann"))
	now = now.Add(100 * time.Millisecond)
	mustEnqueue(t, q, schema.OpUpdate, userA, schema.F(schema.FieldEmailAddress, "ann@example.com"))

	if q.Len() != 1 {
		t.Fatalf("throttled edits not merged: %d mutations", q.Len())
	}
	if _, ok := q.Next(now); ok {
		t.Error("throttled update sent inside its window")
	}
	wake, ok := q.NextWake()
	if !ok || !wake.Equal(t0.Add(500*time.Millisecond)) {
		t.Errorf("NextWake() = %v, %v", wake, ok)
	}

	m, ok := q.Next(wake)
	if !ok {
		t.Fatal("throttled update not sendable after window")
	}
	if m.Delta.String(schema.FieldName) != "Ann" || m.Delta.String(schema.FieldEmailAddress) != "ann@example.com" {
		t.Errorf("merged delta = %v", m.Delta)
	}

	// Tasks are not throttled.
	mustEnqueue(t, q, schema.OpUpdate, task1, schema.F(schema.FieldPriority, schema.PriorityLow))
	if _, ok := q.Next(now); !ok {
		t.Error("task update should be sendable immediately")
	}
}

func TestDrain_PerKeyOrder(t *testing.T) {
	q, _ := newTestQueue(t)
	a1 := mustEnqueue(t, q, schema.OpUpdate, userA, schema.F(schema.FieldName, "1"))
	b1 := mustEnqueue(t, q, schema.OpUpdate, userB, schema.F(schema.FieldName, "1"))
	a2 := mustEnqueue(t, q, schema.OpUpdate, userA, schema.F(schema.FieldEmailAddress, "a@example.com"))

	var first []uint64
	for m := range q.Drain(t0) {
		first = append(first, m.Seq)
	}
	// Only the head of each key is sendable; a2 waits for a1.
	if !slices.Equal(first, []uint64{a1.Seq, b1.Seq}) {
		t.Fatalf("first drain = %v, want [%d %d]", first, a1.Seq, b1.Seq)
	}

	// b1 acking does not unblock userA.
	if _, err := q.MarkAcked(b1.Seq); err != nil {
		t.Fatalf("MarkAcked failed: %v", err)
	}
	if _, ok := q.Next(t0); ok {
		t.Fatal("a2 sent while a1 in flight")
	}

	if _, err := q.MarkAcked(a1.Seq); err != nil {
		t.Fatalf("MarkAcked failed: %v", err)
	}
	m, ok := q.Next(t0)
	if !ok || m.Seq != a2.Seq {
		t.Errorf("Next() = %v, %v; want seq %d", m.Seq, ok, a2.Seq)
	}
}

func TestMarkFailed_BackoffThenTerminal(t *testing.T) {
	q, now := newTestQueue(t)
	res := mustEnqueue(t, q, schema.OpUpdate, userA, schema.F(schema.FieldName, "A"))
	transient := syncerr.Transient(userA, errors.New("connection reset"))

	wantDelays := []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second}
	for i, want := range wantDelays {
		m, ok := q.Next(*now)
		if !ok {
			t.Fatalf("attempt %d: nothing sendable", i+1)
		}
		failed, terminal, err := q.MarkFailed(m.Seq, transient)
		if err != nil {
			t.Fatalf("MarkFailed failed: %v", err)
		}
		if terminal {
			t.Fatalf("attempt %d: terminal too early", i+1)
		}
		if got := failed.NextAttempt.Sub(*now); got != want {
			t.Errorf("retry %d delay = %v, want %v", i+1, got, want)
		}
		if _, ok := q.Next(*now); ok {
			t.Errorf("retry %d sendable before backoff elapsed", i+1)
		}
		*now = failed.NextAttempt
	}

	m, _ := q.Next(*now)
	failed, terminal, err := q.MarkFailed(m.Seq, transient)
	if err != nil || !terminal {
		t.Fatalf("MarkFailed() terminal = %v, err = %v; want terminal", terminal, err)
	}
	if failed.Seq != res.Seq || failed.Status != StatusFailed || failed.RetryCount != 3 {
		t.Errorf("terminal mutation = %+v", failed)
	}
	if q.Len() != 0 {
		t.Error("terminal mutation left in queue")
	}
}

func TestMarkFailed_ValidationIsTerminal(t *testing.T) {
	q, _ := newTestQueue(t)
	mustEnqueue(t, q, schema.OpUpdate, userA, schema.F(schema.FieldEmailAddress, "x"))
	m, _ := q.Next(t0)

	_, terminal, err := q.MarkFailed(m.Seq, syncerr.New(syncerr.ErrValidationRejected, userA, "bad email"))
	if err != nil || !terminal {
		t.Errorf("validation failure terminal = %v, err = %v", terminal, err)
	}
}

func TestPolicy_BackoffCap(t *testing.T) {
	p := Policy{BaseBackoff: 500 * time.Millisecond, MaxBackoff: 30 * time.Second}
	tests := []struct {
		n    int
		want time.Duration
	}{
		{1, 500 * time.Millisecond},
		{2, time.Second},
		{4, 4 * time.Second},
		{7, 30 * time.Second},
		{40, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := p.Backoff(tt.n); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.n, got, tt.want)
		}
	}
}

func TestCancel(t *testing.T) {
	q, _ := newTestQueue(t)
	res := mustEnqueue(t, q, schema.OpUpdate, userA, schema.F(schema.FieldName, "A"))
	other := mustEnqueue(t, q, schema.OpUpdate, userB, schema.F(schema.FieldName, "B"))

	if _, err := q.Cancel(res.Seq); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if q.HasPending(userA) {
		t.Error("cancelled mutation still queued")
	}

	q.Next(t0)
	if _, err := q.Cancel(other.Seq); !errors.Is(err, ErrNotPending) {
		t.Errorf("Cancel(in-flight) error = %v, want ErrNotPending", err)
	}
	if _, err := q.Cancel(999); !errors.Is(err, ErrUnknownSeq) {
		t.Errorf("Cancel(unknown) error = %v, want ErrUnknownSeq", err)
	}
}

func TestDelete_CancelsPendingKeepsInFlight(t *testing.T) {
	q, _ := newTestQueue(t)
	inflight := mustEnqueue(t, q, schema.OpUpdate, task1, schema.F(schema.FieldPriority, schema.PriorityHigh))
	q.Next(t0)
	pending := mustEnqueue(t, q, schema.OpUpdate, task1, schema.F(schema.FieldRequesterName, "Ward 3"))

	del := mustEnqueue(t, q, schema.OpDelete, task1, nil)
	if len(del.Cancelled) != 1 || del.Cancelled[0].Seq != pending.Seq {
		t.Errorf("Cancelled = %+v, want seq %d", del.Cancelled, pending.Seq)
	}
	if del.Elided {
		t.Error("delete of a confirmed entity must be sent")
	}

	got := q.ForKey(task1)
	if len(got) != 2 || got[0].Seq != inflight.Seq || got[1].Kind != schema.OpDelete {
		t.Errorf("ForKey = %+v", got)
	}

	if _, err := q.Enqueue(schema.OpUpdate, task1, schema.F(schema.FieldPriority, schema.PriorityLow), time.Time{}); !errors.Is(err, ErrDeletePending) {
		t.Errorf("update after delete error = %v, want ErrDeletePending", err)
	}
}

func TestDelete_ElidesUnsentCreate(t *testing.T) {
	q, _ := newTestQueue(t)
	mustEnqueue(t, q, schema.OpCreate, task1, schema.F(schema.FieldStatus, schema.StatusNew))
	del := mustEnqueue(t, q, schema.OpDelete, task1, nil)

	if !del.Elided {
		t.Error("delete of an unsent create should be elided")
	}
	if q.Len() != 0 {
		t.Errorf("queue holds %d mutations, want 0", q.Len())
	}
}

func TestCreate_Duplicate(t *testing.T) {
	q, _ := newTestQueue(t)
	mustEnqueue(t, q, schema.OpCreate, task1, schema.F())
	if _, err := q.Enqueue(schema.OpCreate, task1, schema.F(), time.Time{}); !errors.Is(err, ErrCreatePending) {
		t.Errorf("duplicate create error = %v", err)
	}
}

func TestFailKey(t *testing.T) {
	q, _ := newTestQueue(t)
	mustEnqueue(t, q, schema.OpUpdate, task1, schema.F(schema.FieldPriority, schema.PriorityHigh))
	q.Next(t0)
	mustEnqueue(t, q, schema.OpUpdate, task1, schema.F(schema.FieldRequesterName, "Ward 3"))

	failed := q.FailKey(task1)
	if len(failed) != 1 || failed[0].Status != StatusFailed {
		t.Errorf("FailKey = %+v", failed)
	}
	if len(q.ForKey(task1)) != 1 {
		t.Error("in-flight mutation should survive FailKey")
	}
}

func TestRestore(t *testing.T) {
	q, _ := newTestQueue(t)
	m := Mutation{Seq: 41, Key: userA, Kind: schema.OpUpdate, Delta: schema.F(schema.FieldName, "A"), Status: StatusInFlight}
	if err := q.Restore(m); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if err := q.Restore(m); err == nil {
		t.Error("duplicate Restore should fail")
	}

	got, ok := q.Get(41)
	if !ok || got.Status != StatusPending {
		t.Errorf("restored mutation = %+v, %v", got, ok)
	}
	res := mustEnqueue(t, q, schema.OpUpdate, userB, schema.F(schema.FieldName, "B"))
	if res.Seq != 42 {
		t.Errorf("next seq after restore = %d, want 42", res.Seq)
	}
}
