package application

import (
	"errors"
	"fmt"
	"testing"
)

func TestValidationError_Error(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  *ValidationError
		want string
	}{
		{name: "nil", err: nil, want: ""},
		{name: "empty", err: &ValidationError{}, want: "validation failed"},
		{
			name: "fields in name order",
			err: &ValidationError{FieldErrors: map[string]string{
				"password": "must be at least 6 characters",
				"email":    "required",
			}},
			want: "validation failed: email: required; password: must be at least 6 characters",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Fatalf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestValidationError_AddAndOrNil(t *testing.T) {
	t.Parallel()

	v := &ValidationError{}
	if v.HasErrors() {
		t.Fatalf("expected no errors on a fresh value")
	}
	if err := v.orNil(); err != nil {
		t.Fatalf("expected nil for empty validation error, got %v", err)
	}

	v.add("facultyId", "required for faculty")
	v.add("facultyId", "required")
	if !v.HasErrors() || v.FieldErrors["facultyId"] != "required" {
		t.Fatalf("expected last message to win, got %v", v.FieldErrors)
	}

	err := v.orNil()
	var target *ValidationError
	if !errors.As(fmt.Errorf("register: %w", err), &target) || target != v {
		t.Fatalf("expected populated validation error to be returned and unwrappable")
	}
}
