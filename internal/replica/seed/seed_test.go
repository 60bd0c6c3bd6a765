package seed

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/platelet-app/dispatchsync/internal/replica/hub"
	"github.com/platelet-app/dispatchsync/internal/replica/schema"
)

var testNow = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func byKey(entities []schema.Entity) map[schema.Key]schema.Entity {
	m := make(map[schema.Key]schema.Entity, len(entities))
	for _, e := range entities {
		m[e.Key()] = e
	}
	return m
}

func TestDemoExpands(t *testing.T) {
	entities, err := Demo().Entities(testNow)
	if err != nil {
		t.Fatalf("Entities failed: %v", err)
	}
	m := byKey(entities)

	tests := []struct {
		id             string
		status         string
		riders         string
		responsibility any
	}{
		{"task-1", schema.StatusNew, "", nil},
		{"task-2", schema.StatusActive, "Ana", "North"},
		{"task-3", schema.StatusActive, "Ben, Cat", "South"},
		{"task-4", schema.StatusActive, "Ana", "North"},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			task, ok := m[schema.K(schema.TypeTask, tt.id)]
			if !ok {
				t.Fatalf("%s missing", tt.id)
			}
			if got := task.Fields.String(schema.FieldStatus); got != tt.status {
				t.Errorf("status = %q, want %q", got, tt.status)
			}
			if got := task.Fields.String(schema.FieldAssignedRiders); got != tt.riders {
				t.Errorf("riders = %q, want %q", got, tt.riders)
			}
			if got := task.Fields[schema.FieldRiderResponsibility]; got != tt.responsibility {
				t.Errorf("responsibility = %v, want %v", got, tt.responsibility)
			}
			if task.Fields.IsSet(schema.FieldDerivedStale) {
				t.Error("derivedStale should not be seeded")
			}
			if got := task.Fields.String(schema.FieldTenantID); got != "demo" {
				t.Errorf("tenantId = %q, want demo", got)
			}
		})
	}
}

func TestRelayOrder(t *testing.T) {
	f, err := Parse([]byte(`
locations:
  - {id: a, line1: A}
tasks:
  - {id: t1}
  - {id: t2, relayAfter: t1}
  - {id: t3, relayAfter: t2}
`))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	entities, err := f.Entities(testNow)
	if err != nil {
		t.Fatalf("Entities failed: %v", err)
	}
	m := byKey(entities)

	for id, want := range map[string]float64{"t1": 1, "t2": 2, "t3": 3} {
		task := m[schema.K(schema.TypeTask, id)]
		if n, _ := task.Fields.Float(schema.FieldOrderInRelay); n != want {
			t.Errorf("%s orderInRelay = %v, want %v", id, n, want)
		}
	}
	for _, id := range []string{"t2", "t3"} {
		if got := m[schema.K(schema.TypeTask, id)].Fields.String(schema.FieldParentTaskID); got != "t1" {
			t.Errorf("%s parentTaskId = %q, want t1", id, got)
		}
	}
}

func TestEntitiesErrors(t *testing.T) {
	tests := []struct {
		name    string
		fixture string
		want    string
	}{
		{
			name:    "unknown rider",
			fixture: "tasks:\n  - {id: t1, riders: [nobody]}\n",
			want:    `unknown User "nobody"`,
		},
		{
			name:    "unknown location",
			fixture: "tasks:\n  - {id: t1, pickUp: nowhere}\n",
			want:    `unknown Location "nowhere"`,
		},
		{
			name:    "duplicate user",
			fixture: "users:\n  - {id: u, displayName: A}\n  - {id: u, displayName: B}\n",
			want:    "duplicate",
		},
		{
			name:    "invalid priority",
			fixture: "tasks:\n  - {id: t1, priority: URGENT}\n",
			want:    "invalid priority",
		},
		{
			name:    "relay before its predecessor",
			fixture: "tasks:\n  - {id: t2, relayAfter: t1}\n  - {id: t1}\n",
			want:    `unknown Task "t1"`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := Parse([]byte(tt.fixture))
			if err != nil {
				t.Fatalf("Parse failed: %v", err)
			}
			_, err = f.Entities(testNow)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestParseInvalidYAML(t *testing.T) {
	if _, err := Parse([]byte("tasks: [")); err == nil {
		t.Fatal("expected an error")
	}
}

func TestSeedLedgerAndDir(t *testing.T) {
	ledger := hub.NewLedger(hub.DefaultLedgerConfig())
	dir := filepath.Join(t.TempDir(), "feed")

	res, err := Seed(context.Background(), Demo(), ledger, Options{ToDir: dir, Now: testNow})
	if err != nil {
		t.Fatalf("Seed failed: %v", err)
	}
	if len(res.Errors) > 0 {
		t.Fatalf("unexpected errors: %v", res.Errors)
	}
	if res.ByType[schema.TypeTask] != 4 {
		t.Errorf("tasks = %d, want 4", res.ByType[schema.TypeTask])
	}
	// One coordinator on task-1, rider and coordinator on task-2, two riders on task-3, one on task-4.
	if res.ByType[schema.TypeTaskAssignee] != 6 {
		t.Errorf("assignments = %d, want 6", res.ByType[schema.TypeTaskAssignee])
	}

	total := 0
	for _, n := range res.ByType {
		total += n
	}
	if res.FilesWritten != total {
		t.Errorf("FilesWritten = %d, want %d", res.FilesWritten, total)
	}
	if got := ledger.Stats().ByType[schema.TypeUser]; got != 4 {
		t.Errorf("ledger users = %d, want 4", got)
	}

	files, err := schema.ReadAllEntityFiles(dir)
	if err != nil {
		t.Fatalf("ReadAllEntityFiles failed: %v", err)
	}
	if len(files) != total {
		t.Errorf("files = %d, want %d", len(files), total)
	}
	committed, _ := ledger.Get(schema.K(schema.TypeTask, "task-3"))
	for _, e := range files {
		if e.Key() == committed.Key() && !e.UpdatedAt.Equal(committed.UpdatedAt) {
			t.Errorf("file updatedAt = %v, ledger %v", e.UpdatedAt, committed.UpdatedAt)
		}
	}
}

func TestSeedDryRun(t *testing.T) {
	ledger := hub.NewLedger(hub.DefaultLedgerConfig())
	dir := filepath.Join(t.TempDir(), "feed")

	res, err := Seed(context.Background(), Demo(), ledger, Options{ToDir: dir, DryRun: true})
	if err != nil {
		t.Fatalf("Seed failed: %v", err)
	}
	if res.ByType[schema.TypeTask] == 0 {
		t.Error("dry run should still count entities")
	}
	if got := len(ledger.List(schema.TypeTask)); got != 0 {
		t.Errorf("ledger has %d tasks after dry run", got)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("dry run created %s", dir)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fixture.yaml")
	if err := os.WriteFile(path, []byte("users:\n  - {id: u1, displayName: Ana}\n"), 0644); err != nil {
		t.Fatal(err)
	}
	f, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(f.Users) != 1 || f.Users[0].DisplayName != "Ana" {
		t.Errorf("users = %+v", f.Users)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected an error for a missing file")
	}
}
