package application

import (
	"errors"
	"sort"
	"strings"
)

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("application: not found")
	// ErrUnauthenticated is returned when no session is active.
	ErrUnauthenticated = errors.New("application: unauthenticated")
	// ErrForbidden is returned when the active session lacks the required role.
	ErrForbidden = errors.New("application: forbidden")
	// ErrPersistence wraps substrate write failures.
	ErrPersistence = errors.New("application: persistence failed")
	// ErrReadOnlyCollection is returned for mutations on a read-only collection.
	ErrReadOnlyCollection = errors.New("application: collection is read-only")
	// ErrUnknownCollection is returned for collection names without a schema.
	ErrUnknownCollection = errors.New("application: unknown collection")
	// ErrNotSearchable is returned when a collection declares no search fields.
	ErrNotSearchable = errors.New("application: collection is not searchable")
	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("application: session manager already started")
	// ErrInvalidCredentials is returned when the identity provider rejects a sign-in.
	ErrInvalidCredentials = errors.New("application: invalid credentials")
	// ErrUserNotFound is returned when a password reset names no known user.
	ErrUserNotFound = errors.New("application: no user found with this email address")
	// ErrAlreadyExists is returned when a principal is registered twice.
	ErrAlreadyExists = errors.New("application: already exists")
)

// ValidationError captures field level validation issues that callers can surface to users.
type ValidationError struct {
	FieldErrors map[string]string
}

// Error lists the offending fields in name order.
func (v *ValidationError) Error() string {
	if v == nil {
		return ""
	}
	if len(v.FieldErrors) == 0 {
		return "validation failed"
	}
	fields := make([]string, 0, len(v.FieldErrors))
	for field := range v.FieldErrors {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	parts := make([]string, len(fields))
	for i, field := range fields {
		parts[i] = field + ": " + v.FieldErrors[field]
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// HasErrors reports whether any field level issues were recorded.
func (v *ValidationError) HasErrors() bool {
	return v != nil && len(v.FieldErrors) > 0
}

// add records a field level validation error.
func (v *ValidationError) add(field, message string) {
	if v.FieldErrors == nil {
		v.FieldErrors = make(map[string]string)
	}
	v.FieldErrors[field] = message
}

// orNil returns nil when no field errors were recorded.
func (v *ValidationError) orNil() error {
	if v.HasErrors() {
		return v
	}
	return nil
}
