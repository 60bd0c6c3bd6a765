// Package derive recomputes a task's denormalized fields from its
// assignments.
//
// Everything here is pure: the functions read the task, its assignments and
// a user lookup, and return the values the task should carry. Missing users
// never cause an error; the result is marked stale and recomputed once the
// user arrives.
package derive

import (
	"cmp"
	"slices"
	"strings"
	"time"

	"github.com/platelet-app/dispatchsync/internal/replica/schema"
)

// UserLookup returns the user with the given id, if loaded.
type UserLookup func(id string) (schema.Entity, bool)

// Result holds the derived task fields.
type Result struct {
	Status                      string
	AssignedRidersDisplayString string
	RiderResponsibility         string // "" means no responsibility
	Stale                       bool
	// MissingUsers lists assignee ids that could not be resolved.
	MissingUsers []string
}

// Fields returns r as a task field delta.
func (r Result) Fields() schema.Fields {
	f := schema.Fields{
		schema.FieldStatus:         r.Status,
		schema.FieldAssignedRiders: r.AssignedRidersDisplayString,
		schema.FieldDerivedStale:   r.Stale,
	}
	if r.RiderResponsibility == "" {
		f[schema.FieldRiderResponsibility] = nil
	} else {
		f[schema.FieldRiderResponsibility] = r.RiderResponsibility
	}
	return f
}

// Differs reports whether applying r would change task.
func (r Result) Differs(task schema.Entity) bool {
	for name, v := range r.Fields() {
		if !schema.Equal(task.Fields[name], v) {
			return true
		}
	}
	return false
}

// Recompute derives status, rider display string and responsibility for task
// from the given assignments. Assignments belonging to other tasks are
// ignored.
func Recompute(task schema.Entity, assignments []schema.Entity, users UserLookup) Result {
	riders := Riders(task.ID, assignments)

	var res Result
	names := make([]string, 0, len(riders))
	for _, a := range riders {
		id := a.Fields.String(schema.FieldAssigneeID)
		u, ok := users(id)
		if !ok {
			res.Stale = true
			res.MissingUsers = append(res.MissingUsers, id)
			continue
		}
		names = append(names, DisplayName(u))
	}
	res.AssignedRidersDisplayString = strings.Join(names, ", ")
	res.RiderResponsibility = Responsibility(riders, users)
	res.Status = Status(task.Fields, len(riders))
	return res
}

// Status computes a task's status from its timestamps and rider count.
// Cancelled and rejected tasks keep that status until reinstated.
func Status(f schema.Fields, riders int) string {
	switch s := f.String(schema.FieldStatus); {
	case s == schema.StatusCancelled || f.IsSet(schema.FieldTimeCancelled):
		return schema.StatusCancelled
	case s == schema.StatusRejected || f.IsSet(schema.FieldTimeRejected):
		return schema.StatusRejected
	}

	switch {
	case f.IsSet(schema.FieldTimeRiderHome):
		return schema.StatusCompleted
	case f.IsSet(schema.FieldTimeDroppedOff):
		return schema.StatusDroppedOff
	case f.IsSet(schema.FieldTimePickedUp):
		return schema.StatusPickedUp
	case riders > 0:
		return schema.StatusActive
	default:
		return schema.StatusNew
	}
}

// Riders returns the rider assignments of taskID ordered by assignment
// creation, oldest first. Ties break on assignment id.
func Riders(taskID string, assignments []schema.Entity) []schema.Entity {
	var riders []schema.Entity
	for _, a := range assignments {
		if a.Fields.String(schema.FieldTaskID) != taskID {
			continue
		}
		if a.Fields.String(schema.FieldRole) != schema.RoleRider {
			continue
		}
		riders = append(riders, a)
	}
	slices.SortStableFunc(riders, func(x, y schema.Entity) int {
		if c := assignedAt(x).Compare(assignedAt(y)); c != 0 {
			return c
		}
		return cmp.Compare(x.ID, y.ID)
	})
	return riders
}

// Responsibility returns the responsibility label of the most recently
// assigned rider that has one. riders must be in assignment order.
func Responsibility(riders []schema.Entity, users UserLookup) string {
	for _, a := range slices.Backward(riders) {
		u, ok := users(a.Fields.String(schema.FieldAssigneeID))
		if !ok {
			continue
		}
		if label := u.Fields.String(schema.FieldRiderResponsibility); label != "" {
			return label
		}
	}
	return ""
}

// DisplayName returns the name shown for a user.
func DisplayName(u schema.Entity) string {
	if name := u.Fields.String(schema.FieldDisplayName); name != "" {
		return name
	}
	if name := u.Fields.String(schema.FieldName); name != "" {
		return name
	}
	return u.ID
}

func assignedAt(a schema.Entity) time.Time {
	if t, ok := a.Fields.Time(schema.FieldCreatedAt); ok {
		return t
	}
	return a.UpdatedAt
}
