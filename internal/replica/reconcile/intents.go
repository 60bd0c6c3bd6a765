package reconcile

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/platelet-app/dispatchsync/internal/replica/schema"
	"github.com/platelet-app/dispatchsync/internal/replica/syncerr"
)

// NewTask describes a task to create.
type NewTask struct {
	Priority           string
	RequesterName      string
	RequesterTelephone string
	PickUpLocationID   string
	DropOffLocationID  string
	TimeOfCall         time.Time // zero means now
	Extra              schema.Fields
}

// NewLocation describes an address created alongside a task.
type NewLocation struct {
	Line1    string
	Postcode string
}

func (l *NewLocation) empty() bool {
	return l == nil || (strings.TrimSpace(l.Line1) == "" && strings.TrimSpace(l.Postcode) == "")
}

// NewDeliverable is one item a task carries.
type NewDeliverable struct {
	TypeID string
	Count  int
}

// GuidedTask is everything the guided creation form collects.
type GuidedTask struct {
	Task         NewTask
	PickUp       *NewLocation
	DropOff      *NewLocation
	Deliverables []NewDeliverable
	Comment      string
}

// NewUser describes a user to create.
type NewUser struct {
	DisplayName         string
	Name                string
	EmailAddress        string
	Roles               []string
	RiderResponsibility string
}

// stamp adds the creation metadata every new entity carries.
func (e *Engine) stamp(f schema.Fields) schema.Fields {
	f = f.Clone()
	if f == nil {
		f = schema.Fields{}
	}
	if !f.IsSet(schema.FieldCreatedAt) {
		f[schema.FieldCreatedAt] = schema.Timestamp(e.cfg.Clock())
	}
	if e.cfg.Actor.TenantID != "" {
		f[schema.FieldTenantID] = e.cfg.Actor.TenantID
	}
	if e.cfg.Actor.ID != "" {
		f[schema.FieldCreatedBy] = e.cfg.Actor.ID
	}
	return f
}

func (e *Engine) create(t schema.EntityType, id string, f schema.Fields) Op {
	return Op{Kind: schema.OpCreate, Key: schema.K(t, id), Fields: e.stamp(f)}
}

func (e *Engine) taskFields(in NewTask) schema.Fields {
	f := in.Extra.Clone()
	if f == nil {
		f = schema.Fields{}
	}
	set := func(name, v string) {
		if v != "" {
			f[name] = v
		}
	}
	set(schema.FieldPriority, in.Priority)
	set(schema.FieldRequesterName, in.RequesterName)
	set(schema.FieldRequesterTelephone, in.RequesterTelephone)
	set(schema.FieldPickUpLocationID, in.PickUpLocationID)
	set(schema.FieldDropOffLocationID, in.DropOffLocationID)

	toc := in.TimeOfCall
	if toc.IsZero() {
		toc = e.cfg.Clock()
	}
	f[schema.FieldTimeOfCall] = schema.Timestamp(toc)
	f[schema.FieldStatus] = schema.StatusNew
	return f
}

// CreateTask creates a task. The receipt's key carries the new id.
func (e *Engine) CreateTask(in NewTask) *Receipt {
	key := schema.K(schema.TypeTask, uuid.NewString())
	return e.apply(key, func() ([]Op, error) {
		return []Op{e.create(key.Type, key.ID, e.taskFields(in))}, nil
	})
}

// CreateGuidedTask creates a task together with its new locations,
// deliverables and an opening comment, as one batch.
func (e *Engine) CreateGuidedTask(g GuidedTask) *Receipt {
	key := schema.K(schema.TypeTask, uuid.NewString())
	return e.apply(key, func() ([]Op, error) {
		var ops []Op
		in := g.Task
		if !g.PickUp.empty() {
			id := uuid.NewString()
			ops = append(ops, e.create(schema.TypeLocation, id, locationFields(g.PickUp)))
			in.PickUpLocationID = id
		}
		if !g.DropOff.empty() {
			id := uuid.NewString()
			ops = append(ops, e.create(schema.TypeLocation, id, locationFields(g.DropOff)))
			in.DropOffLocationID = id
		}
		ops = append(ops, e.create(key.Type, key.ID, e.taskFields(in)))

		for _, d := range g.Deliverables {
			if d.TypeID == "" {
				return nil, syncerr.New(syncerr.ErrValidationRejected, key, "deliverable type is required")
			}
			ops = append(ops, e.create(schema.TypeDeliverable, uuid.NewString(), schema.F(
				schema.FieldTaskID, key.ID,
				schema.FieldDeliverableTypeID, d.TypeID,
				schema.FieldCount, d.Count,
			)))
		}
		if body := strings.TrimSpace(g.Comment); body != "" {
			f := schema.F(schema.FieldParentID, key.ID, schema.FieldBody, body)
			if e.cfg.Actor.ID != "" {
				f[schema.FieldAuthorID] = e.cfg.Actor.ID
			}
			ops = append(ops, e.create(schema.TypeComment, uuid.NewString(), f))
		}
		return ops, nil
	})
}

func locationFields(l *NewLocation) schema.Fields {
	f := schema.Fields{}
	if v := strings.TrimSpace(l.Line1); v != "" {
		f[schema.FieldLine1] = v
	}
	if v := strings.TrimSpace(l.Postcode); v != "" {
		f[schema.FieldPostcode] = v
	}
	return f
}

// AddRelay creates the next leg of a relay after task prevID. The new task
// picks up where the previous one drops off and joins its relay chain.
func (e *Engine) AddRelay(prevID string) *Receipt {
	key := schema.K(schema.TypeTask, uuid.NewString())
	return e.apply(key, func() ([]Op, error) {
		prevKey := schema.K(schema.TypeTask, prevID)
		prev, err := e.store.Get(prevKey)
		if err != nil {
			return nil, syncerr.New(syncerr.ErrEntityDeleted, prevKey, "task does not exist")
		}

		parent := prev.Fields.String(schema.FieldParentTaskID)
		if parent == "" {
			parent = prev.ID
		}
		order := 1.0
		if n, ok := prev.Fields.Float(schema.FieldOrderInRelay); ok && n >= 1 {
			order = n
		}

		f := e.taskFields(NewTask{
			Priority:           prev.Fields.String(schema.FieldPriority),
			RequesterName:      prev.Fields.String(schema.FieldRequesterName),
			RequesterTelephone: prev.Fields.String(schema.FieldRequesterTelephone),
			PickUpLocationID:   prev.Fields.String(schema.FieldDropOffLocationID),
		})
		f[schema.FieldParentTaskID] = parent
		f[schema.FieldOrderInRelay] = order + 1

		ops := []Op{e.create(key.Type, key.ID, f)}
		if !prev.Fields.IsSet(schema.FieldOrderInRelay) {
			ops = append(ops, Op{Kind: schema.OpUpdate, Key: prevKey, Fields: schema.F(schema.FieldOrderInRelay, 1)})
		}
		return ops, nil
	})
}

// AssignUser assigns userID to taskID in role. An empty role means rider.
// The user need not be loaded yet; the task's derived fields are marked
// stale until it is.
func (e *Engine) AssignUser(taskID, userID, role string) *Receipt {
	key := schema.K(schema.TypeTaskAssignee, uuid.NewString())
	if role == "" {
		role = schema.RoleRider
	}
	return e.apply(key, func() ([]Op, error) {
		taskKey := schema.K(schema.TypeTask, taskID)
		if !e.store.Has(taskKey) {
			return nil, syncerr.New(syncerr.ErrEntityDeleted, taskKey, "task does not exist")
		}
		return []Op{e.create(key.Type, key.ID, schema.F(
			schema.FieldTaskID, taskID,
			schema.FieldAssigneeID, userID,
			schema.FieldRole, role,
		))}, nil
	})
}

// RemoveAssignment deletes one assignment.
func (e *Engine) RemoveAssignment(assignmentID string) *Receipt {
	return e.Delete(schema.K(schema.TypeTaskAssignee, assignmentID))
}

// Unassign deletes every assignment of userID to taskID. An empty role
// matches all roles.
func (e *Engine) Unassign(taskID, userID, role string) *Receipt {
	key := schema.K(schema.TypeTask, taskID)
	return e.apply(key, func() ([]Op, error) {
		var ops []Op
		for a := range e.store.Query(schema.TypeTaskAssignee, func(a schema.Entity) bool {
			return a.Fields.String(schema.FieldTaskID) == taskID &&
				a.Fields.String(schema.FieldAssigneeID) == userID &&
				(role == "" || a.Fields.String(schema.FieldRole) == role)
		}) {
			ops = append(ops, Op{Kind: schema.OpDelete, Key: a.Key()})
		}
		if len(ops) == 0 {
			return nil, syncerr.New(syncerr.ErrEntityDeleted, key, fmt.Sprintf("user %s is not assigned", userID))
		}
		return ops, nil
	})
}

// Update writes fields onto an existing entity.
func (e *Engine) Update(key schema.Key, fields schema.Fields) *Receipt {
	fields = fields.Clone()
	return e.apply(key, func() ([]Op, error) {
		return []Op{{Kind: schema.OpUpdate, Key: key, Fields: fields}}, nil
	})
}

// UpdateField writes one field. A nil value clears it.
func (e *Engine) UpdateField(key schema.Key, name string, value any) *Receipt {
	return e.Update(key, schema.F(name, value))
}

// Delete removes an entity. Deleting a task or user also removes its
// assignments.
func (e *Engine) Delete(key schema.Key) *Receipt {
	return e.apply(key, func() ([]Op, error) {
		return []Op{{Kind: schema.OpDelete, Key: key}}, nil
	})
}

// CancelTask marks a task cancelled.
func (e *Engine) CancelTask(id string) *Receipt {
	return e.UpdateField(schema.K(schema.TypeTask, id), schema.FieldTimeCancelled, schema.Timestamp(e.cfg.Clock()))
}

// RejectTask marks a task rejected.
func (e *Engine) RejectTask(id string) *Receipt {
	return e.UpdateField(schema.K(schema.TypeTask, id), schema.FieldTimeRejected, schema.Timestamp(e.cfg.Clock()))
}

// ReinstateTask clears a cancellation or rejection. The task's status is
// recomputed from its remaining timestamps and riders.
func (e *Engine) ReinstateTask(id string) *Receipt {
	return e.Update(schema.K(schema.TypeTask, id), schema.F(
		schema.FieldTimeCancelled, nil,
		schema.FieldTimeRejected, nil,
		schema.FieldStatus, nil,
	))
}

// CreateUser creates a user. The hub may rename it to keep display names
// unique; the confirmed name arrives with the ack.
func (e *Engine) CreateUser(in NewUser) *Receipt {
	key := schema.K(schema.TypeUser, uuid.NewString())
	return e.apply(key, func() ([]Op, error) {
		f := schema.Fields{schema.FieldDisplayName: strings.TrimSpace(in.DisplayName)}
		if in.Name != "" {
			f[schema.FieldName] = in.Name
		}
		if in.EmailAddress != "" {
			f[schema.FieldEmailAddress] = in.EmailAddress
		}
		if len(in.Roles) > 0 {
			f[schema.FieldRoles] = schema.Canonical(in.Roles)
		}
		if in.RiderResponsibility != "" {
			f[schema.FieldRiderResponsibility] = in.RiderResponsibility
		}
		return []Op{e.create(key.Type, key.ID, f)}, nil
	})
}

// TasksByStatus groups the current tasks by status, oldest call first
// within each status.
func (e *Engine) TasksByStatus() map[string][]schema.Entity {
	out := make(map[string][]schema.Entity, len(schema.Statuses))
	for _, t := range e.store.All(schema.TypeTask) {
		s := t.Fields.String(schema.FieldStatus)
		if s == "" {
			s = schema.StatusNew
		}
		out[s] = append(out[s], t)
	}
	for _, tasks := range out {
		slices.SortStableFunc(tasks, func(a, b schema.Entity) int {
			ta, _ := a.Fields.Time(schema.FieldTimeOfCall)
			tb, _ := b.Fields.Time(schema.FieldTimeOfCall)
			if c := ta.Compare(tb); c != 0 {
				return c
			}
			return cmp.Compare(a.ID, b.ID)
		})
	}
	return out
}
