// Package seed populates a hub or a feed directory with fixture data, for
// demos and for working offline before the first sync.
//
// Fixtures are YAML. Tasks name their riders and coordinators by user id;
// the assignments, deliverables and comments they imply are expanded into
// entities of their own, and each task's derived fields are computed so the
// seeded state is consistent from the start.
package seed

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/platelet-app/dispatchsync/internal/replica/derive"
	"github.com/platelet-app/dispatchsync/internal/replica/hub"
	"github.com/platelet-app/dispatchsync/internal/replica/schema"
)

//go:embed demo.yaml
var demoYAML []byte

// Fixture is the YAML document.
type Fixture struct {
	Tenant           string            `yaml:"tenant,omitempty"`
	Users            []User            `yaml:"users"`
	Responsibilities []Labelled        `yaml:"responsibilities,omitempty"`
	DeliverableTypes []Labelled        `yaml:"deliverableTypes,omitempty"`
	Locations        []Location        `yaml:"locations,omitempty"`
	Tasks            []Task            `yaml:"tasks"`
}

// User is a fixture user.
type User struct {
	ID                  string   `yaml:"id"`
	DisplayName         string   `yaml:"displayName"`
	Name                string   `yaml:"name,omitempty"`
	Email               string   `yaml:"email,omitempty"`
	Roles               []string `yaml:"roles,omitempty"`
	RiderResponsibility string   `yaml:"riderResponsibility,omitempty"`
}

// Labelled is a fixture rider responsibility or deliverable type.
type Labelled struct {
	ID    string `yaml:"id"`
	Label string `yaml:"label"`
}

// Location is a fixture address.
type Location struct {
	ID       string `yaml:"id"`
	Line1    string `yaml:"line1"`
	Postcode string `yaml:"postcode,omitempty"`
}

// Deliverable is one item of a fixture task.
type Deliverable struct {
	Type  string `yaml:"type"`
	Count int    `yaml:"count"`
}

// Task is a fixture task.
type Task struct {
	ID                 string        `yaml:"id"`
	Priority           string        `yaml:"priority,omitempty"`
	RequesterName      string        `yaml:"requesterName,omitempty"`
	RequesterTelephone string        `yaml:"requesterTelephone,omitempty"`
	PickUp             string        `yaml:"pickUp,omitempty"`
	DropOff            string        `yaml:"dropOff,omitempty"`
	TimeOfCall         time.Time     `yaml:"timeOfCall,omitempty"`
	TimePickedUp       *time.Time    `yaml:"timePickedUp,omitempty"`
	TimeDroppedOff     *time.Time    `yaml:"timeDroppedOff,omitempty"`
	TimeCancelled      *time.Time    `yaml:"timeCancelled,omitempty"`
	Riders             []string      `yaml:"riders,omitempty"`
	Coordinators       []string      `yaml:"coordinators,omitempty"`
	Deliverables       []Deliverable `yaml:"deliverables,omitempty"`
	Comments           []string      `yaml:"comments,omitempty"`
	// RelayAfter chains this task after another one.
	RelayAfter string `yaml:"relayAfter,omitempty"`
}

// Options controls where a fixture goes.
type Options struct {
	// ToDir also writes every entity as a file, for a file feed.
	ToDir string
	// DryRun expands and validates without writing anything.
	DryRun bool
	// Now stamps createdAt and default call times (default: time.Now).
	Now time.Time
}

// Result contains statistics about a seeding run.
type Result struct {
	ByType       map[schema.EntityType]int
	FilesWritten int
	Errors       []string
}

// Parse decodes a fixture.
func Parse(data []byte) (*Fixture, error) {
	var f Fixture
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("invalid fixture: %w", err)
	}
	return &f, nil
}

// Load reads a fixture file.
func Load(path string) (*Fixture, error) {
	// #nosec G304 - controlled path from CLI
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fixture: %w", err)
	}
	return Parse(data)
}

// Demo returns the built-in demo fixture.
func Demo() *Fixture {
	f, err := Parse(demoYAML)
	if err != nil {
		panic(fmt.Sprintf("seed: embedded demo fixture: %v", err))
	}
	return f
}

// Entities expands the fixture. Every entity is validated and references
// between them are checked.
func (f *Fixture) Entities(now time.Time) ([]schema.Entity, error) {
	if now.IsZero() {
		now = time.Now()
	}
	var out []schema.Entity
	ids := make(map[schema.Key]bool)
	add := func(t schema.EntityType, id string, fields schema.Fields) error {
		key := schema.K(t, id)
		if ids[key] {
			return fmt.Errorf("duplicate %s", key)
		}
		ids[key] = true
		if f.Tenant != "" {
			fields[schema.FieldTenantID] = f.Tenant
		}
		if !fields.IsSet(schema.FieldCreatedAt) {
			fields[schema.FieldCreatedAt] = schema.Timestamp(now)
		}
		e := schema.Entity{Type: t, ID: id, Fields: fields}
		if err := e.Validate(); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		out = append(out, e)
		return nil
	}
	need := func(t schema.EntityType, id, from string) error {
		if id != "" && !ids[schema.K(t, id)] {
			return fmt.Errorf("%s refers to unknown %s %q", from, t, id)
		}
		return nil
	}

	for _, r := range f.Responsibilities {
		if err := add(schema.TypeRiderResponsibility, r.ID, schema.F(schema.FieldLabel, r.Label)); err != nil {
			return nil, err
		}
	}
	for _, d := range f.DeliverableTypes {
		if err := add(schema.TypeDeliverableType, d.ID, schema.F(schema.FieldLabel, d.Label)); err != nil {
			return nil, err
		}
	}
	for _, l := range f.Locations {
		fields := schema.F(schema.FieldLine1, l.Line1)
		if l.Postcode != "" {
			fields[schema.FieldPostcode] = l.Postcode
		}
		if err := add(schema.TypeLocation, l.ID, fields); err != nil {
			return nil, err
		}
	}
	users := make(map[string]schema.Entity)
	for _, u := range f.Users {
		fields := schema.F(schema.FieldDisplayName, u.DisplayName)
		if u.Name != "" {
			fields[schema.FieldName] = u.Name
		}
		if u.Email != "" {
			fields[schema.FieldEmailAddress] = u.Email
		}
		if len(u.Roles) > 0 {
			fields[schema.FieldRoles] = schema.Canonical(u.Roles)
		}
		if u.RiderResponsibility != "" {
			fields[schema.FieldRiderResponsibility] = u.RiderResponsibility
		}
		if err := add(schema.TypeUser, u.ID, fields); err != nil {
			return nil, err
		}
		users[u.ID] = out[len(out)-1]
	}
	lookup := func(id string) (schema.Entity, bool) {
		u, ok := users[id]
		return u, ok
	}

	order := make(map[string]int)
	taskAt := make(map[string]int)
	for i, t := range f.Tasks {
		from := "task " + t.ID
		for _, loc := range []string{t.PickUp, t.DropOff} {
			if err := need(schema.TypeLocation, loc, from); err != nil {
				return nil, err
			}
		}

		fields := schema.Fields{}
		set := func(name, v string) {
			if v != "" {
				fields[name] = v
			}
		}
		set(schema.FieldPriority, t.Priority)
		set(schema.FieldRequesterName, t.RequesterName)
		set(schema.FieldRequesterTelephone, t.RequesterTelephone)
		set(schema.FieldPickUpLocationID, t.PickUp)
		set(schema.FieldDropOffLocationID, t.DropOff)
		toc := t.TimeOfCall
		if toc.IsZero() {
			toc = now.Add(-time.Duration(len(f.Tasks)-i) * time.Minute)
		}
		fields[schema.FieldTimeOfCall] = schema.Timestamp(toc)
		for name, ts := range map[string]*time.Time{
			schema.FieldTimePickedUp:   t.TimePickedUp,
			schema.FieldTimeDroppedOff: t.TimeDroppedOff,
			schema.FieldTimeCancelled:  t.TimeCancelled,
		} {
			if ts != nil {
				fields[name] = schema.Timestamp(*ts)
			}
		}
		if t.RelayAfter != "" {
			if err := need(schema.TypeTask, t.RelayAfter, from); err != nil {
				return nil, err
			}
			parent := t.RelayAfter
			for {
				prev := slices.IndexFunc(f.Tasks, func(x Task) bool { return x.ID == parent })
				if prev < 0 || f.Tasks[prev].RelayAfter == "" {
					break
				}
				parent = f.Tasks[prev].RelayAfter
			}
			if order[t.RelayAfter] == 0 {
				order[t.RelayAfter] = 1
			}
			order[t.ID] = order[t.RelayAfter] + 1
			fields[schema.FieldParentTaskID] = parent
			fields[schema.FieldOrderInRelay] = float64(order[t.ID])
		}

		var assignments []schema.Entity
		assign := func(userID, role string, n int) error {
			if err := need(schema.TypeUser, userID, from); err != nil {
				return err
			}
			id := fmt.Sprintf("%s-%s-%s", t.ID, role, userID)
			err := add(schema.TypeTaskAssignee, id, schema.F(
				schema.FieldTaskID, t.ID,
				schema.FieldAssigneeID, userID,
				schema.FieldRole, role,
				schema.FieldCreatedAt, toc.Add(time.Duration(n)*time.Second),
			))
			if err == nil {
				assignments = append(assignments, out[len(out)-1])
			}
			return err
		}

		// The task goes first so its assignments can reference it.
		if err := add(schema.TypeTask, t.ID, fields); err != nil {
			return nil, err
		}
		taskIdx := len(out) - 1
		taskAt[t.ID] = taskIdx
		for n, u := range t.Riders {
			if err := assign(u, schema.RoleRider, n); err != nil {
				return nil, err
			}
		}
		for n, u := range t.Coordinators {
			if err := assign(u, schema.RoleCoordinator, n); err != nil {
				return nil, err
			}
		}
		for n, d := range t.Deliverables {
			if err := need(schema.TypeDeliverableType, d.Type, from); err != nil {
				return nil, err
			}
			id := fmt.Sprintf("%s-deliverable-%d", t.ID, n+1)
			if err := add(schema.TypeDeliverable, id, schema.F(
				schema.FieldTaskID, t.ID,
				schema.FieldDeliverableTypeID, d.Type,
				schema.FieldCount, d.Count,
			)); err != nil {
				return nil, err
			}
		}
		for n, body := range t.Comments {
			id := fmt.Sprintf("%s-comment-%d", t.ID, n+1)
			if err := add(schema.TypeComment, id, schema.F(schema.FieldParentID, t.ID, schema.FieldBody, body)); err != nil {
				return nil, err
			}
		}

		task := out[taskIdx]
		res := derive.Recompute(task, assignments, lookup)
		task.Fields = task.Fields.Merge(res.Fields())
		delete(task.Fields, schema.FieldDerivedStale)
		out[taskIdx] = task
	}

	// Relay heads only learn they are first once a later leg names them.
	for id, n := range order {
		if i, ok := taskAt[id]; ok && !out[i].Fields.IsSet(schema.FieldOrderInRelay) {
			out[i].Fields[schema.FieldOrderInRelay] = float64(n)
		}
	}
	return out, nil
}

// Seed expands f and loads it into ledger, and into opts.ToDir if set. A
// nil ledger with a ToDir writes files only.
func Seed(ctx context.Context, f *Fixture, ledger *hub.Ledger, opts Options) (*Result, error) {
	entities, err := f.Entities(opts.Now)
	if err != nil {
		return nil, fmt.Errorf("failed to expand fixture: %w", err)
	}

	result := &Result{ByType: make(map[schema.EntityType]int)}
	for _, e := range entities {
		result.ByType[e.Type]++
	}
	if opts.DryRun {
		return result, nil
	}

	if ledger != nil {
		if err := ledger.Load(entities); err != nil {
			return nil, fmt.Errorf("failed to load ledger: %w", err)
		}
	}

	if opts.ToDir != "" {
		if err := os.MkdirAll(opts.ToDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", opts.ToDir, err)
		}
		for _, e := range entities {
			if err := ctx.Err(); err != nil {
				return result, err
			}
			if ledger != nil {
				// Files carry the ledger's commit time.
				if committed, ok := ledger.Get(e.Key()); ok {
					e = committed
				}
			} else if e.UpdatedAt.IsZero() {
				e.UpdatedAt = opts.Now
				if e.UpdatedAt.IsZero() {
					e.UpdatedAt = time.Now().UTC()
				}
			}
			if err := schema.WriteEntityFile(opts.ToDir, e); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("failed to write %s: %v", e.Key(), err))
				continue
			}
			result.FilesWritten++
		}
	}
	return result, nil
}
