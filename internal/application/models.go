package application

import (
	"context"
	"time"
)

// CollectionName identifies one of the persisted record collections. The name
// doubles as the substrate key holding the collection snapshot.
type CollectionName string

const (
	CollectionCourses     CollectionName = "courses"
	CollectionFaculty     CollectionName = "faculty"
	CollectionRooms       CollectionName = "rooms"
	CollectionTimetables  CollectionName = "timetables"
	CollectionDepartments CollectionName = "departments"
)

// Record is one domain entity. Values hold the JSON-normalised form of each
// field: string, json.Number, bool, []any, map[string]any or nil.
type Record map[string]any

// Store-managed record fields.
const (
	FieldID        = "id"
	FieldCreatedAt = "createdAt"
	FieldUpdatedAt = "updatedAt"
)

// ID returns the record identifier or an empty string.
func (r Record) ID() string {
	return r.String(FieldID)
}

// String returns the named field when it holds a string.
func (r Record) String(field string) string {
	value, _ := r[field].(string)
	return value
}

// Stats reports collection cardinalities.
type Stats struct {
	TotalCourses    int `json:"totalCourses"`
	TotalFaculty    int `json:"totalFaculty"`
	TotalRooms      int `json:"totalRooms"`
	TotalTimetables int `json:"totalTimetables"`
}

// Role is the access role carried by a user profile.
type Role string

const (
	RoleStudent Role = "student"
	RoleFaculty Role = "faculty"
	RoleAdmin   Role = "admin"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleStudent, RoleFaculty, RoleAdmin:
		return true
	}
	return false
}

// Profile is the user record held by the session and mirrored under the
// userData key.
type Profile struct {
	UID         string `json:"uid"`
	Email       string `json:"email"`
	FirstName   string `json:"firstName"`
	LastName    string `json:"lastName"`
	Role        Role   `json:"role"`
	Department  string `json:"department"`
	Semester    string `json:"semester"`
	Section     string `json:"section"`
	FacultyID   string `json:"facultyId"`
	IsActive    bool   `json:"isActive"`
	IsDemo      bool   `json:"isDemo,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	CreatedAt   string `json:"createdAt,omitempty"`
	LastLogin   string `json:"lastLogin,omitempty"`
}

// Session is the signed-in principal and its profile.
type Session struct {
	Email   string
	Profile Profile
	// Provisional is set while a restored session awaits the first identity
	// provider callback.
	Provisional bool
}

// RegisterParams carries registration input.
type RegisterParams struct {
	Email      string
	Password   string
	FirstName  string
	LastName   string
	Role       Role
	Department string
	Semester   string
	Section    string
	FacultyID  string
}

// LoginResult reports the session established by a login.
type LoginResult struct {
	Session Session
	IsDemo  bool
}

// SessionState is the state of the session state machine.
type SessionState int

const (
	StateUnstarted SessionState = iota
	StateAnonymous
	StateActive
)

func (s SessionState) String() string {
	switch s {
	case StateAnonymous:
		return "anonymous"
	case StateActive:
		return "active"
	default:
		return "unstarted"
	}
}

// Principal describes an identity known to the identity provider.
type Principal struct {
	UID         string
	Email       string
	DisplayName string
}

// IdentityProvider is the external identity collaborator. The subscription
// callback receives nil when no principal is signed in; it may be invoked from
// another goroutine.
type IdentityProvider interface {
	SubscribeStateChanges(callback func(*Principal)) (unsubscribe func(), err error)
	RegisterPrincipal(ctx context.Context, email, password string) (Principal, error)
	SignInPrincipal(ctx context.Context, email, password string) (Principal, error)
	SignOutPrincipal(ctx context.Context) error
	UpdatePrincipalProfile(ctx context.Context, uid, displayName string) error
}

// timestampLayout is ISO-8601 UTC with millisecond precision.
const timestampLayout = "2006-01-02T15:04:05.000Z"

// FormatTimestamp renders t in the record timestamp layout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

// ParseTimestamp parses a record timestamp.
func ParseTimestamp(value string) (time.Time, error) {
	return time.Parse(timestampLayout, value)
}
