package schema

import (
	"fmt"
	"maps"
	"reflect"
	"slices"
	"time"
)

// Field names shared across entity types.
const (
	FieldCreatedAt = "createdAt"
	FieldTenantID  = "tenantId"
	FieldCreatedBy = "createdById"
)

// Task fields.
const (
	FieldStatus             = "status"
	FieldPriority           = "priority"
	FieldTimeOfCall         = "timeOfCall"
	FieldTimePickedUp       = "timePickedUp"
	FieldTimeDroppedOff     = "timeDroppedOff"
	FieldTimeRiderHome      = "timeRiderHome"
	FieldTimeCancelled      = "timeCancelled"
	FieldTimeRejected       = "timeRejected"
	FieldPickUpLocationID   = "pickUpLocationId"
	FieldDropOffLocationID  = "dropOffLocationId"
	FieldRequesterName      = "requesterName"
	FieldRequesterTelephone = "requesterTelephone"
	FieldParentTaskID       = "parentTaskId"
	FieldOrderInRelay       = "orderInRelay"

	// Derived task fields, written only by recomputation.
	FieldAssignedRiders      = "assignedRidersDisplayString"
	FieldRiderResponsibility = "riderResponsibility"
	FieldDerivedStale        = "derivedStale"
)

// TaskAssignee fields.
const (
	FieldTaskID     = "taskId"
	FieldAssigneeID = "assigneeId"
	FieldRole       = "role"
)

// User fields. Users also carry FieldRiderResponsibility.
const (
	FieldName         = "name"
	FieldDisplayName  = "displayName"
	FieldEmailAddress = "emailAddress"
	FieldRoles        = "roles"
)

// Location, Deliverable, Comment and RiderResponsibility fields.
const (
	FieldLine1             = "line1"
	FieldPostcode          = "postcode"
	FieldLabel             = "label"
	FieldDeliverableTypeID = "deliverableTypeId"
	FieldCount             = "count"
	FieldParentID          = "parentId"
	FieldBody              = "body"
	FieldAuthorID          = "authorId"
)

// DerivedTaskFields lists the task fields owned by recomputation.
var DerivedTaskFields = []string{FieldStatus, FieldAssignedRiders, FieldRiderResponsibility, FieldDerivedStale}

// Fields is a flat mapping from field name to canonical value.
type Fields map[string]any

// F builds Fields from alternating name/value pairs, canonicalizing values.
// It panics on an odd argument count or a non-string name.
func F(kv ...any) Fields {
	if len(kv)%2 != 0 {
		panic("schema.F: odd number of arguments")
	}
	f := make(Fields, len(kv)/2)
	for i := 0; i < len(kv); i += 2 {
		name, ok := kv[i].(string)
		if !ok {
			panic(fmt.Sprintf("schema.F: field name %v is not a string", kv[i]))
		}
		f[name] = Canonical(kv[i+1])
	}
	return f
}

// Clone returns a deep copy of f.
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = cloneValue(v)
	}
	return out
}

// Merge returns a copy of f with every field of delta overlaid on top.
func (f Fields) Merge(delta Fields) Fields {
	out := f.Clone()
	if out == nil {
		out = make(Fields, len(delta))
	}
	for k, v := range delta {
		out[k] = cloneValue(v)
	}
	return out
}

// Names returns the field names of f in sorted order.
func (f Fields) Names() []string {
	return slices.Sorted(maps.Keys(f))
}

// Overlaps reports whether f and other share at least one field name.
func (f Fields) Overlaps(other Fields) bool {
	for k := range other {
		if _, ok := f[k]; ok {
			return true
		}
	}
	return false
}

// Canonicalize rewrites every value of f in canonical form, in place.
func (f Fields) Canonicalize() {
	for k, v := range f {
		f[k] = Canonical(v)
	}
}

// String returns the named field as a string, or "" when absent or not a string.
func (f Fields) String(name string) string {
	s, _ := f[name].(string)
	return s
}

// Float returns the named numeric field.
func (f Fields) Float(name string) (float64, bool) {
	v, ok := f[name].(float64)
	return v, ok
}

// Bool returns the named field as a bool, false when absent.
func (f Fields) Bool(name string) bool {
	b, _ := f[name].(bool)
	return b
}

// Time parses the named field as an RFC 3339 timestamp.
func (f Fields) Time(name string) (time.Time, bool) {
	s := f.String(name)
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// IsSet reports whether the named field is present and not null or empty.
func (f Fields) IsSet(name string) bool {
	v, ok := f[name]
	if !ok || v == nil {
		return false
	}
	if s, ok := v.(string); ok {
		return s != ""
	}
	return true
}

// Strings returns the named field as a string slice.
func (f Fields) Strings(name string) []string {
	raw, _ := f[name].([]any)
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Equal reports whether two field values are equal in canonical form.
func Equal(a, b any) bool {
	return reflect.DeepEqual(Canonical(a), Canonical(b))
}

// FieldsEqual reports whether two field maps hold the same canonical values.
func FieldsEqual(a, b Fields) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || !Equal(av, bv) {
			return false
		}
	}
	return true
}

// Canonical converts v to the form it takes after a JSON round trip.
func Canonical(v any) any {
	switch x := v.(type) {
	case nil, string, bool, float64:
		return x
	case int:
		return float64(x)
	case int32:
		return float64(x)
	case int64:
		return float64(x)
	case uint:
		return float64(x)
	case uint32:
		return float64(x)
	case uint64:
		return float64(x)
	case float32:
		return float64(x)
	case time.Time:
		if x.IsZero() {
			return nil
		}
		return x.UTC().Format(time.RFC3339Nano)
	case *time.Time:
		if x == nil {
			return nil
		}
		return Canonical(*x)
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = Canonical(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = Canonical(e)
		}
		return out
	case Fields:
		return Canonical(map[string]any(x))
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = cloneValue(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = cloneValue(e)
		}
		return out
	default:
		return x
	}
}

// Timestamp formats t the way timestamp fields are stored.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
