package syncerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/platelet-app/dispatchsync/internal/replica/schema"
)

func TestClassification(t *testing.T) {
	key := schema.K(schema.TypeTask, "t1")
	cause := errors.New("connection refused")

	tests := []struct {
		name      string
		err       error
		retryable bool
		terminal  bool
		code      string
	}{
		{"nil", nil, false, false, CodeTransient},
		{"transient", Transient(key, cause), true, false, CodeTransient},
		{"wrapped transient", fmt.Errorf("submit: %w", Transient(key, cause)), true, false, CodeTransient},
		{"validation", New(ErrValidationRejected, key, "bad status"), false, true, CodeValidation},
		{"deleted", New(ErrEntityDeleted, key, ""), false, true, CodeDeleted},
		{"conflict", Conflict(key, "", nil), false, true, CodeConflict},
		{"cancelled", ErrCancelled, false, true, CodeTransient},
		{"unclassified", cause, false, false, CodeTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.retryable {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.retryable)
			}
			if got := IsTerminal(tt.err); got != tt.terminal {
				t.Errorf("IsTerminal() = %v, want %v", got, tt.terminal)
			}
			if tt.err != nil {
				if got := Code(tt.err); got != tt.code {
					t.Errorf("Code() = %q, want %q", got, tt.code)
				}
			}
		})
	}
}

func TestError_UnwrapsCause(t *testing.T) {
	cause := errors.New("dial tcp: timeout")
	err := Transient(schema.K(schema.TypeUser, "u1"), cause)

	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the underlying cause")
	}
	if !errors.Is(err, ErrTransientNetwork) {
		t.Error("errors.Is should find the kind")
	}
	want := "User/u1: transient network error: dial tcp: timeout"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestRejection_RoundTrip(t *testing.T) {
	key := schema.K(schema.TypeTask, "t1")
	snap := &schema.Entity{Type: schema.TypeTask, ID: "t1", Fields: schema.F(schema.FieldStatus, schema.StatusActive)}

	r := Rejection(Conflict(key, "version moved", snap))
	if r.Code != CodeConflict || r.Reason != "version moved" || r.Snapshot != snap {
		t.Fatalf("Rejection() = %+v", r)
	}

	back := FromRejection(key, r)
	if !errors.Is(back, ErrConflictStale) {
		t.Errorf("FromRejection kind = %v", back.Kind)
	}
	got, ok := SnapshotOf(back)
	if !ok || got.Fields.String(schema.FieldStatus) != schema.StatusActive {
		t.Errorf("SnapshotOf() = %v, %v", got, ok)
	}
}
