package hub

import (
	"errors"
	"testing"
	"time"

	"github.com/platelet-app/dispatchsync/internal/replica/schema"
	"github.com/platelet-app/dispatchsync/internal/replica/syncerr"
)

// newTestLedger returns a ledger whose clock advances one second per commit.
func newTestLedger(t *testing.T, strict ...schema.EntityType) *Ledger {
	t.Helper()
	now := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
	cfg := DefaultLedgerConfig()
	cfg.StrictTypes = strict
	cfg.Clock = func() time.Time {
		now = now.Add(time.Second)
		return now
	}
	return NewLedger(cfg)
}

func submit(t *testing.T, l *Ledger, seq uint64, op schema.Op, key schema.Key, fields schema.Fields) schema.Ack {
	t.Helper()
	ack, err := l.Submit(schema.Submission{ClientID: "c1", Seq: seq, Op: op, Type: key.Type, ID: key.ID, Fields: fields})
	if err != nil {
		t.Fatalf("Submit(%d %s %s) failed: %v", seq, op, key, err)
	}
	return ack
}

func TestLedger_CreateUpdateDelete(t *testing.T) {
	l := newTestLedger(t)
	key := schema.K(schema.TypeTask, "t1")

	created := submit(t, l, 1, schema.OpCreate, key, schema.F(schema.FieldStatus, schema.StatusNew))
	if created.Entity.UpdatedAt.IsZero() {
		t.Fatal("create not stamped with updatedAt")
	}

	updated := submit(t, l, 2, schema.OpUpdate, key, schema.F(schema.FieldPriority, schema.PriorityHigh))
	if !updated.Entity.UpdatedAt.After(created.Entity.UpdatedAt) {
		t.Error("updatedAt did not advance")
	}
	if updated.Entity.Fields.String(schema.FieldStatus) != schema.StatusNew {
		t.Error("update dropped untouched field")
	}

	deleted := submit(t, l, 3, schema.OpDelete, key, nil)
	if !deleted.Deleted {
		t.Error("delete ack not marked deleted")
	}
	if _, ok := l.Get(key); ok {
		t.Error("entity still present after delete")
	}

	// Deleting again from another client is idempotent.
	again, err := l.Submit(schema.Submission{ClientID: "c2", Seq: 1, Op: schema.OpDelete, Type: key.Type, ID: key.ID})
	if err != nil || !again.Entity.UpdatedAt.Equal(deleted.Entity.UpdatedAt) {
		t.Errorf("repeat delete = %+v, %v", again, err)
	}

	_, err = l.Submit(schema.Submission{ClientID: "c2", Seq: 2, Op: schema.OpUpdate, Type: key.Type, ID: key.ID, Fields: schema.F(schema.FieldPriority, schema.PriorityLow)})
	if !errors.Is(err, syncerr.ErrEntityDeleted) {
		t.Errorf("update of deleted entity error = %v", err)
	}
}

func TestLedger_ResubmissionIsIdempotent(t *testing.T) {
	l := newTestLedger(t)
	key := schema.K(schema.TypeTask, "t1")
	first := submit(t, l, 1, schema.OpCreate, key, schema.F(schema.FieldStatus, schema.StatusNew))
	second := submit(t, l, 1, schema.OpCreate, key, schema.F(schema.FieldStatus, schema.StatusNew))

	if !second.Entity.UpdatedAt.Equal(first.Entity.UpdatedAt) {
		t.Error("resubmission committed a second time")
	}
	if st := l.Stats(); st.ByType[schema.TypeTask] != 1 {
		t.Errorf("task count = %d", st.ByType[schema.TypeTask])
	}
}

func TestLedger_Validation(t *testing.T) {
	l := newTestLedger(t)
	user := schema.K(schema.TypeUser, "u1")
	submit(t, l, 1, schema.OpCreate, user, schema.F(schema.FieldDisplayName, "Rider", schema.FieldEmailAddress, "rider@example.com"))

	tests := []struct {
		name string
		sub  schema.Submission
	}{
		{"bad email", schema.Submission{Op: schema.OpUpdate, Type: schema.TypeUser, ID: "u1", Fields: schema.F(schema.FieldEmailAddress, "not-an-email")}},
		{"bad status", schema.Submission{Op: schema.OpCreate, Type: schema.TypeTask, ID: "t9", Fields: schema.F(schema.FieldStatus, "LOST")}},
		{"assignment missing task", schema.Submission{Op: schema.OpCreate, Type: schema.TypeTaskAssignee, ID: "a1", Fields: schema.F(schema.FieldAssigneeID, "u1", schema.FieldRole, schema.RoleRider)}},
		{"unknown type", schema.Submission{Op: schema.OpCreate, Type: "Parcel", ID: "p1"}},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.sub.ClientID = "c1"
			tt.sub.Seq = uint64(100 + i)
			_, err := l.Submit(tt.sub)
			if !errors.Is(err, syncerr.ErrValidationRejected) {
				t.Errorf("Submit() error = %v, want ErrValidationRejected", err)
			}
		})
	}

	got, _ := l.Get(user)
	if got.Fields.String(schema.FieldEmailAddress) != "rider@example.com" {
		t.Error("rejected update was applied")
	}
}

func TestLedger_UniqueDisplayNames(t *testing.T) {
	l := newTestLedger(t)
	names := []string{"Someone Person", "Another Individual", "Another Individual-1"}
	for i, n := range names {
		submit(t, l, uint64(i+1), schema.OpCreate, schema.K(schema.TypeUser, n), schema.F(schema.FieldDisplayName, n))
	}

	ack := submit(t, l, 10, schema.OpCreate, schema.K(schema.TypeUser, "new"), schema.F(schema.FieldDisplayName, "Another Individual"))
	if got := ack.Entity.Fields.String(schema.FieldDisplayName); got != "Another Individual-2" {
		t.Errorf("displayName = %q, want Another Individual-2", got)
	}

	ack = submit(t, l, 11, schema.OpCreate, schema.K(schema.TypeUser, "fresh"), schema.F(schema.FieldDisplayName, "New User"))
	if got := ack.Entity.Fields.String(schema.FieldDisplayName); got != "New User" {
		t.Errorf("displayName = %q, want New User", got)
	}
}

func TestLedger_StrictVersionConflict(t *testing.T) {
	l := newTestLedger(t, schema.TypeTask)
	key := schema.K(schema.TypeTask, "t1")
	created := submit(t, l, 1, schema.OpCreate, key, schema.F(schema.FieldStatus, schema.StatusNew))
	submit(t, l, 2, schema.OpUpdate, key, schema.F(schema.FieldPriority, schema.PriorityHigh))

	_, err := l.Submit(schema.Submission{
		ClientID: "c2", Seq: 1, Op: schema.OpUpdate, Type: key.Type, ID: key.ID,
		Fields:        schema.F(schema.FieldPriority, schema.PriorityLow),
		BaseUpdatedAt: created.Entity.UpdatedAt,
	})
	if !errors.Is(err, syncerr.ErrConflictStale) {
		t.Fatalf("stale update error = %v, want ErrConflictStale", err)
	}
	snap, ok := syncerr.SnapshotOf(err)
	if !ok || snap.Fields.String(schema.FieldPriority) != schema.PriorityHigh {
		t.Errorf("conflict snapshot = %+v, %v", snap, ok)
	}
}

func TestLedger_DuplicateCreateConflicts(t *testing.T) {
	l := newTestLedger(t)
	key := schema.K(schema.TypeTask, "t1")
	submit(t, l, 1, schema.OpCreate, key, schema.F())

	_, err := l.Submit(schema.Submission{ClientID: "c2", Seq: 1, Op: schema.OpCreate, Type: key.Type, ID: key.ID})
	if !errors.Is(err, syncerr.ErrConflictStale) {
		t.Errorf("duplicate create error = %v", err)
	}
}

func TestLedger_Subscribe(t *testing.T) {
	l := newTestLedger(t)
	tasks, cancel := l.Subscribe(schema.TypeTask)
	defer cancel()

	submit(t, l, 1, schema.OpCreate, schema.K(schema.TypeUser, "u1"), schema.F(schema.FieldDisplayName, "U"))
	submit(t, l, 2, schema.OpCreate, schema.K(schema.TypeTask, "t1"), schema.F())

	select {
	case ev := <-tasks:
		if ev.Op != schema.OpCreate || ev.Key() != schema.K(schema.TypeTask, "t1") {
			t.Errorf("event = %+v", ev)
		}
	default:
		t.Fatal("no task event delivered")
	}
	select {
	case ev := <-tasks:
		t.Errorf("unexpected event %+v", ev)
	default:
	}

	cancel()
	cancel()
	if _, ok := <-tasks; ok {
		t.Error("channel open after cancel")
	}
}

func TestLedger_SlowSubscriberDropped(t *testing.T) {
	cfg := DefaultLedgerConfig()
	cfg.SubscriberBuffer = 1
	l := NewLedger(cfg)
	events, cancel := l.Subscribe(schema.TypeTask)
	defer cancel()

	submit(t, l, 1, schema.OpCreate, schema.K(schema.TypeTask, "t1"), schema.F())
	submit(t, l, 2, schema.OpCreate, schema.K(schema.TypeTask, "t2"), schema.F())

	<-events
	if _, ok := <-events; ok {
		t.Error("slow subscriber channel should be closed")
	}
	if st := l.Stats(); st.Subscribers != 0 {
		t.Errorf("subscribers = %d, want 0", st.Subscribers)
	}
}

func TestLedger_Load(t *testing.T) {
	l := newTestLedger(t)
	err := l.Load([]schema.Entity{
		{Type: schema.TypeUser, ID: "u1", Fields: schema.F(schema.FieldDisplayName, "Seeded", schema.FieldRoles, []string{schema.RoleRider})},
	})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	got, ok := l.Get(schema.K(schema.TypeUser, "u1"))
	if !ok || got.UpdatedAt.IsZero() {
		t.Errorf("loaded entity = %+v, %v", got, ok)
	}

	if err := l.Load([]schema.Entity{{Type: schema.TypeUser, ID: "bad"}}); err == nil {
		t.Error("Load should validate entities")
	}
}
