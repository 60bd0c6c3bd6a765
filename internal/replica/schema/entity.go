package schema

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// EntityType names a kind of replicated record.
type EntityType string

const (
	TypeUser                EntityType = "User"
	TypeTask                EntityType = "Task"
	TypeTaskAssignee        EntityType = "TaskAssignee"
	TypeLocation            EntityType = "Location"
	TypeDeliverable         EntityType = "Deliverable"
	TypeDeliverableType     EntityType = "DeliverableType"
	TypeComment             EntityType = "Comment"
	TypeRiderResponsibility EntityType = "RiderResponsibility"
)

// AllTypes lists every replicated entity type.
var AllTypes = []EntityType{
	TypeUser,
	TypeTask,
	TypeTaskAssignee,
	TypeLocation,
	TypeDeliverable,
	TypeDeliverableType,
	TypeComment,
	TypeRiderResponsibility,
}

// Valid reports whether t is a known entity type.
func (t EntityType) Valid() bool {
	return slices.Contains(AllTypes, t)
}

// ParseEntityType converts a name to an EntityType, case-insensitively.
func ParseEntityType(s string) (EntityType, error) {
	for _, t := range AllTypes {
		if strings.EqualFold(string(t), s) {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown entity type %q", s)
}

// Task statuses.
const (
	StatusNew        = "NEW"
	StatusActive     = "ACTIVE"
	StatusPickedUp   = "PICKED_UP"
	StatusDroppedOff = "DROPPED_OFF"
	StatusCompleted  = "COMPLETED"
	StatusCancelled  = "CANCELLED"
	StatusRejected   = "REJECTED"
)

// Statuses lists task statuses in dashboard column order.
var Statuses = []string{
	StatusNew,
	StatusActive,
	StatusPickedUp,
	StatusDroppedOff,
	StatusCompleted,
	StatusCancelled,
	StatusRejected,
}

// Assignment roles.
const (
	RoleRider       = "RIDER"
	RoleCoordinator = "COORDINATOR"
	RoleUser        = "USER"
)

// Task priorities.
const (
	PriorityHigh   = "HIGH"
	PriorityMedium = "MEDIUM"
	PriorityLow    = "LOW"
)

// Key identifies an entity.
type Key struct {
	Type EntityType `json:"type"`
	ID   string     `json:"id"`
}

// K is shorthand for Key{Type: t, ID: id}.
func K(t EntityType, id string) Key {
	return Key{Type: t, ID: id}
}

// String returns the key as "Type/id".
func (k Key) String() string {
	return string(k.Type) + "/" + k.ID
}

// ParseKey parses a "Type/id" string.
func ParseKey(s string) (Key, error) {
	typ, id, ok := strings.Cut(s, "/")
	if !ok || id == "" {
		return Key{}, fmt.Errorf("invalid key %q: expected Type/id", s)
	}
	t, err := ParseEntityType(typ)
	if err != nil {
		return Key{}, err
	}
	return Key{Type: t, ID: id}, nil
}

// Entity is a versioned domain record.
//
// UpdatedAt is assigned by the hub on every committed write. A zero UpdatedAt
// means the entity has never been confirmed.
type Entity struct {
	Type      EntityType `json:"type"`
	ID        string     `json:"id"`
	UpdatedAt time.Time  `json:"updatedAt"`
	Fields    Fields     `json:"fields"`
}

// Key returns the entity's key.
func (e Entity) Key() Key {
	return Key{Type: e.Type, ID: e.ID}
}

// Clone returns a deep copy of e.
func (e Entity) Clone() Entity {
	e.Fields = e.Fields.Clone()
	if e.Fields == nil {
		e.Fields = Fields{}
	}
	return e
}

// Filename returns the canonical filename for this entity: {Type}.{id}.json
func (e Entity) Filename() string {
	return fmt.Sprintf("%s.%s.json", e.Type, e.ID)
}

// Validate checks the entity's identity and the fields its type requires.
func (e Entity) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("id is required")
	}
	if strings.ContainsAny(e.ID, "/\\") {
		return fmt.Errorf("id %q must not contain path separators", e.ID)
	}
	if !e.Type.Valid() {
		return fmt.Errorf("unknown entity type %q", e.Type)
	}
	return ValidateFields(e.Type, e.Fields, true)
}

// ValidateFields checks field values for an entity type. When complete is
// false only the fields present are checked, which is how deltas are
// validated.
func ValidateFields(t EntityType, f Fields, complete bool) error {
	required := func(names ...string) error {
		for _, name := range names {
			_, present := f[name]
			if (complete || present) && !f.IsSet(name) {
				return fmt.Errorf("%s is required", name)
			}
		}
		return nil
	}

	switch t {
	case TypeTask:
		if v, ok := f[FieldStatus]; ok && v != nil {
			s, _ := v.(string)
			if !slices.Contains(Statuses, s) {
				return fmt.Errorf("invalid status %v", v)
			}
		}
		if v, ok := f[FieldPriority]; ok && v != nil {
			s, _ := v.(string)
			if s != PriorityHigh && s != PriorityMedium && s != PriorityLow {
				return fmt.Errorf("invalid priority %v", v)
			}
		}
		if v, ok := f[FieldOrderInRelay]; ok && v != nil {
			n, isNum := v.(float64)
			if !isNum || n < 1 || n != float64(int(n)) {
				return fmt.Errorf("orderInRelay must be a positive integer (got %v)", v)
			}
		}
		for _, name := range []string{FieldTimeOfCall, FieldTimePickedUp, FieldTimeDroppedOff, FieldTimeRiderHome, FieldTimeCancelled, FieldTimeRejected} {
			if f.IsSet(name) {
				if _, ok := f.Time(name); !ok {
					return fmt.Errorf("%s must be an RFC 3339 timestamp (got %v)", name, f[name])
				}
			}
		}
	case TypeTaskAssignee:
		if err := required(FieldTaskID, FieldAssigneeID, FieldRole); err != nil {
			return err
		}
		if v, ok := f[FieldRole]; ok {
			s, _ := v.(string)
			if s != RoleRider && s != RoleCoordinator {
				return fmt.Errorf("invalid assignment role %v", v)
			}
		}
	case TypeUser:
		if err := required(FieldDisplayName); err != nil {
			return err
		}
		if email := f.String(FieldEmailAddress); email != "" && !strings.Contains(email, "@") {
			return fmt.Errorf("invalid email address %q", email)
		}
	case TypeDeliverable:
		if err := required(FieldTaskID); err != nil {
			return err
		}
		if v, ok := f[FieldCount]; ok && v != nil {
			n, isNum := v.(float64)
			if !isNum || n < 0 {
				return fmt.Errorf("count must be a non-negative number (got %v)", v)
			}
		}
	case TypeComment:
		if err := required(FieldParentID, FieldBody); err != nil {
			return err
		}
	case TypeRiderResponsibility, TypeDeliverableType:
		if err := required(FieldLabel); err != nil {
			return err
		}
	}
	return nil
}
