package store

import (
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/platelet-app/dispatchsync/internal/replica/schema"
)

func task(id, status string) schema.Entity {
	return schema.Entity{Type: schema.TypeTask, ID: id, Fields: schema.F(schema.FieldStatus, status)}
}

func TestGet_NotFound(t *testing.T) {
	s := New()
	_, err := s.Get(schema.K(schema.TypeTask, "missing"))
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestPutGet_ReturnsCopies(t *testing.T) {
	s := New()
	if err := s.Put(task("t1", schema.StatusNew), OriginLocal); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, err := s.Get(schema.K(schema.TypeTask, "t1"))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	got.Fields[schema.FieldStatus] = schema.StatusActive

	again, _ := s.Get(schema.K(schema.TypeTask, "t1"))
	if again.Fields.String(schema.FieldStatus) != schema.StatusNew {
		t.Error("mutating a returned entity changed the store")
	}
}

func TestQuery_RestartableAndLive(t *testing.T) {
	s := New()
	_ = s.Put(task("t2", schema.StatusActive), OriginRemote)
	_ = s.Put(task("t1", schema.StatusNew), OriginRemote)

	active := s.Query(schema.TypeTask, func(e schema.Entity) bool {
		return e.Fields.String(schema.FieldStatus) == schema.StatusActive
	})

	ids := func() []string {
		var out []string
		for e := range active {
			out = append(out, e.ID)
		}
		return out
	}

	if got := ids(); !slices.Equal(got, []string{"t2"}) {
		t.Errorf("first iteration = %v", got)
	}

	_ = s.Put(task("t1", schema.StatusActive), OriginRemote)
	if got := ids(); !slices.Equal(got, []string{"t1", "t2"}) {
		t.Errorf("second iteration = %v, want [t1 t2]", got)
	}

	all := s.All(schema.TypeTask)
	if len(all) != 2 || all[0].ID != "t1" {
		t.Errorf("All() = %v", all)
	}
}

func TestApply_NotifiesAfterWholeBatch(t *testing.T) {
	s := New()
	var seen [][]string

	s.Subscribe(schema.TypeTask, func(ch Change) {
		// Both writes must already be visible when the first notification runs.
		var ids []string
		for e := range s.Query(schema.TypeTask, nil) {
			ids = append(ids, e.ID)
		}
		seen = append(seen, ids)
	})

	err := s.Apply([]Write{Put(task("t1", schema.StatusNew)), Put(task("t2", schema.StatusNew))}, OriginLocal)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	if len(seen) != 2 {
		t.Fatalf("got %d notifications, want 2", len(seen))
	}
	for _, ids := range seen {
		if !slices.Equal(ids, []string{"t1", "t2"}) {
			t.Errorf("listener observed partial batch: %v", ids)
		}
	}
}

func TestListener_ChangeDetails(t *testing.T) {
	s := New()
	var changes []Change
	s.Subscribe(schema.TypeTask, func(ch Change) { changes = append(changes, ch) })
	s.Subscribe(schema.TypeUser, func(ch Change) { t.Errorf("user listener got %v", ch.Key) })

	key := schema.K(schema.TypeTask, "t1")
	_ = s.Put(task("t1", schema.StatusNew), OriginLocal)
	_ = s.Put(task("t1", schema.StatusNew), OriginLocal) // unchanged, no notification
	_ = s.Put(task("t1", schema.StatusActive), OriginRemote)
	_ = s.Delete(key, time.Time{}, OriginRemote)

	if len(changes) != 3 {
		t.Fatalf("got %d changes, want 3", len(changes))
	}
	if changes[0].Op != schema.OpCreate || changes[0].Origin != OriginLocal || changes[0].Previous != nil {
		t.Errorf("create change = %+v", changes[0])
	}
	if changes[1].Op != schema.OpUpdate || changes[1].Origin != OriginRemote {
		t.Errorf("update change = %+v", changes[1])
	}
	if changes[1].Previous.Fields.String(schema.FieldStatus) != schema.StatusNew {
		t.Errorf("update Previous = %+v", changes[1].Previous)
	}
	if changes[2].Op != schema.OpDelete || changes[2].Key != key {
		t.Errorf("delete change = %+v", changes[2])
	}
}

func TestListener_ReentrantWriteRejected(t *testing.T) {
	s := New()
	var reentrantErr error
	s.Subscribe(schema.TypeTask, func(ch Change) {
		reentrantErr = s.Put(task("t2", schema.StatusNew), OriginLocal)
	})

	if err := s.Put(task("t1", schema.StatusNew), OriginLocal); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if !errors.Is(reentrantErr, ErrReentrantWrite) {
		t.Errorf("reentrant Put error = %v, want ErrReentrantWrite", reentrantErr)
	}
	if s.Has(schema.K(schema.TypeTask, "t2")) {
		t.Error("reentrant write was applied")
	}

	// Writes work again once notification finished.
	if err := s.Put(task("t3", schema.StatusNew), OriginLocal); err != nil {
		t.Errorf("Put after notification failed: %v", err)
	}
}

func TestUnsubscribe(t *testing.T) {
	s := New()
	calls := 0
	unsub := s.Subscribe(schema.TypeTask, func(Change) { calls++ })

	_ = s.Put(task("t1", schema.StatusNew), OriginLocal)
	unsub()
	unsub()
	_ = s.Put(task("t2", schema.StatusNew), OriginLocal)

	if calls != 1 {
		t.Errorf("listener called %d times, want 1", calls)
	}
}

func TestTombstones(t *testing.T) {
	now := time.Date(2026, 10, 18, 10, 0, 0, 0, time.UTC)
	s := New(WithTombstoneTTL(time.Minute), WithClock(func() time.Time { return now }))
	key := schema.K(schema.TypeTask, "t1")
	hubTime := now.Add(-time.Second)

	_ = s.Put(task("t1", schema.StatusNew), OriginRemote)
	if err := s.Delete(key, hubTime, OriginRemote); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	if _, err := s.Get(key); !errors.Is(err, ErrNotFound) {
		t.Errorf("deleted entity still visible: %v", err)
	}
	ts, ok := s.Tombstone(key)
	if !ok || !ts.UpdatedAt.Equal(hubTime) {
		t.Fatalf("Tombstone() = %+v, %v", ts, ok)
	}

	if n := s.PurgeTombstones(now.Add(30 * time.Second)); n != 0 {
		t.Errorf("purged %d tombstones before TTL", n)
	}
	if n := s.PurgeTombstones(now.Add(time.Minute)); n != 1 {
		t.Errorf("purged %d tombstones at TTL, want 1", n)
	}
	if _, ok := s.Tombstone(key); ok {
		t.Error("tombstone survived purge")
	}
}

func TestPut_ClearsTombstone(t *testing.T) {
	s := New()
	key := schema.K(schema.TypeTask, "t1")
	_ = s.Delete(key, time.Time{}, OriginLocal)
	if _, ok := s.Tombstone(key); !ok {
		t.Fatal("expected tombstone for unknown key delete")
	}

	_ = s.Put(task("t1", schema.StatusNew), OriginLocal)
	if _, ok := s.Tombstone(key); ok {
		t.Error("tombstone kept after entity was restored")
	}
}

func TestApply_RejectsInvalidTarget(t *testing.T) {
	s := New()
	err := s.Apply([]Write{Put(task("t1", schema.StatusNew)), Put(schema.Entity{Type: schema.TypeTask})}, OriginLocal)
	if err == nil {
		t.Fatal("expected error for write without id")
	}
	if s.Len(schema.TypeTask) != 0 {
		t.Error("batch was partially applied")
	}
}
