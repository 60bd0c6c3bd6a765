package cache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/platelet-app/dispatchsync/internal/replica/queue"
	"github.com/platelet-app/dispatchsync/internal/replica/schema"
	"github.com/platelet-app/dispatchsync/internal/replica/store"
)

func openJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "replica", "journal.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestJournal_EmptyLoad(t *testing.T) {
	j := openJournal(t)

	st, err := j.Load(context.Background())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(st.Confirmed) != 0 || len(st.Tombstones) != 0 || len(st.Mutations) != 0 || st.LastSeq != 0 {
		t.Errorf("fresh journal not empty: %+v", st)
	}
}

func TestJournal_SaveLoad(t *testing.T) {
	j := openJournal(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

	task := schema.Entity{
		Type:      schema.TypeTask,
		ID:        "t1",
		UpdatedAt: at,
		Fields:    schema.F(schema.FieldStatus, "NEW", schema.FieldPriority, "HIGH"),
	}
	err := j.Save(ctx, Batch{
		Put: []schema.Entity{task},
		Tombstones: []store.Tombstone{
			{Key: schema.K(schema.TypeUser, "u9"), UpdatedAt: at, DeletedAt: at.Add(time.Second)},
		},
		Mutations: []queue.Mutation{
			{
				Seq:           7,
				Key:           task.Key(),
				Kind:          schema.OpUpdate,
				Delta:         schema.F(schema.FieldPriority, "LOW"),
				BaseUpdatedAt: at,
				Status:        queue.StatusInFlight,
				RetryCount:    2,
				LastError:     "timeout",
				EnqueuedAt:    at.Add(time.Minute),
			},
			{Seq: 8, Key: schema.K(schema.TypeComment, "c1"), Kind: schema.OpDelete},
		},
		LastSeq: 8,
	})
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	st, err := j.Load(ctx)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if len(st.Confirmed) != 1 {
		t.Fatalf("confirmed = %d, want 1", len(st.Confirmed))
	}
	got := st.Confirmed[0]
	if got.Key() != task.Key() || !got.UpdatedAt.Equal(at) || got.Fields.String(schema.FieldPriority) != "HIGH" {
		t.Errorf("snapshot = %+v", got)
	}

	if len(st.Tombstones) != 1 || st.Tombstones[0].Key.ID != "u9" || !st.Tombstones[0].UpdatedAt.Equal(at) {
		t.Errorf("tombstones = %+v", st.Tombstones)
	}

	if len(st.Mutations) != 2 {
		t.Fatalf("mutations = %d, want 2", len(st.Mutations))
	}
	m := st.Mutations[0]
	if m.Seq != 7 || m.Kind != schema.OpUpdate || m.RetryCount != 2 || m.LastError != "timeout" {
		t.Errorf("mutation = %+v", m)
	}
	if m.Status != queue.StatusPending {
		t.Errorf("restored status = %v, want pending", m.Status)
	}
	if m.Delta.String(schema.FieldPriority) != "LOW" || !m.BaseUpdatedAt.Equal(at) {
		t.Errorf("mutation payload = %+v", m)
	}
	if st.Mutations[1].Delta != nil {
		t.Errorf("delete delta = %v, want nil", st.Mutations[1].Delta)
	}
	if st.LastSeq != 8 {
		t.Errorf("LastSeq = %d, want 8", st.LastSeq)
	}
}

func TestJournal_SaveReplacesQueue(t *testing.T) {
	j := openJournal(t)
	ctx := context.Background()
	key := schema.K(schema.TypeTask, "t1")

	first := Batch{
		Mutations: []queue.Mutation{{Seq: 1, Key: key, Kind: schema.OpCreate, Delta: schema.F(schema.FieldStatus, "NEW")}},
		LastSeq:   1,
	}
	if err := j.Save(ctx, first); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := j.Save(ctx, Batch{LastSeq: 1}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	st, err := j.Load(ctx)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(st.Mutations) != 0 {
		t.Errorf("mutations = %+v, want none", st.Mutations)
	}
	if st.LastSeq != 1 {
		t.Errorf("LastSeq = %d, want 1", st.LastSeq)
	}
}

func TestJournal_TombstoneLifecycle(t *testing.T) {
	j := openJournal(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	e := schema.Entity{Type: schema.TypeUser, ID: "u1", UpdatedAt: at, Fields: schema.F(schema.FieldDisplayName, "Ana")}

	steps := []struct {
		name           string
		batch          Batch
		wantSnapshots  int
		wantTombstones int
	}{
		{"put", Batch{Put: []schema.Entity{e}}, 1, 0},
		{"delete", Batch{Tombstones: []store.Tombstone{{Key: e.Key(), UpdatedAt: at, DeletedAt: at}}}, 0, 1},
		{"revive", Batch{Put: []schema.Entity{e}}, 1, 0},
		{"forget", Batch{Forget: []schema.Key{e.Key()}}, 0, 0},
	}

	for _, step := range steps {
		if err := j.Save(ctx, step.batch); err != nil {
			t.Fatalf("%s: Save failed: %v", step.name, err)
		}
		stats, err := j.Stats(ctx)
		if err != nil {
			t.Fatalf("%s: Stats failed: %v", step.name, err)
		}
		if stats.Snapshots != step.wantSnapshots || stats.Tombstones != step.wantTombstones {
			t.Errorf("%s: stats = %+v, want %d snapshots %d tombstones",
				step.name, stats, step.wantSnapshots, step.wantTombstones)
		}
	}
}

func TestJournal_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	ctx := context.Background()

	j, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	id, err := j.ClientID(ctx, func() string { return "client-a" })
	if err != nil || id != "client-a" {
		t.Fatalf("ClientID = %q, %v", id, err)
	}
	e := schema.Entity{Type: schema.TypeLocation, ID: "l1", Fields: schema.F(schema.FieldLine1, "1 High St")}
	if err := j.Save(ctx, Batch{Put: []schema.Entity{e}, LastSeq: 3}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	j, err = Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer j.Close()

	id, err = j.ClientID(ctx, func() string { return "client-b" })
	if err != nil || id != "client-a" {
		t.Errorf("ClientID after reopen = %q, %v; want client-a", id, err)
	}
	st, err := j.Load(ctx)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(st.Confirmed) != 1 || st.Confirmed[0].Fields.String(schema.FieldLine1) != "1 High St" {
		t.Errorf("confirmed = %+v", st.Confirmed)
	}
	if st.LastSeq != 3 {
		t.Errorf("LastSeq = %d, want 3", st.LastSeq)
	}
}
