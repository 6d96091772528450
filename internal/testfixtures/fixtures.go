package testfixtures

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/example/campus-scheduler/internal/application"
)

var (
	courseCounter    uint64
	facultyCounter   uint64
	roomCounter      uint64
	timetableCounter uint64
	userCounter      uint64
)

var referenceTime = time.Date(2024, time.January, 2, 15, 4, 5, 0, time.UTC)

// ReferenceTime returns the canonical baseline timestamp used by fixtures.
func ReferenceTime() time.Time {
	return referenceTime
}

// FieldOption overrides entries of a generated field map.
type FieldOption func(map[string]any)

// WithField sets key to value.
func WithField(key string, value any) FieldOption {
	return func(fields map[string]any) {
		fields[key] = value
	}
}

// WithoutField removes key.
func WithoutField(key string) FieldOption {
	return func(fields map[string]any) {
		delete(fields, key)
	}
}

func apply(fields map[string]any, opts []FieldOption) map[string]any {
	for _, opt := range opts {
		opt(fields)
	}
	return fields
}

// ----------------------------- Record fixtures -----------------------------

// CourseFields returns deterministic input for a course record.
func CourseFields(opts ...FieldOption) map[string]any {
	idx := atomic.AddUint64(&courseCounter, 1)
	return apply(map[string]any{
		"code":         fmt.Sprintf("CS%03d", 100+idx),
		"name":         fmt.Sprintf("Course %03d", idx),
		"department":   "Computer Science & Engineering",
		"credits":      4,
		"semester":     "5",
		"type":         "theory",
		"hoursPerWeek": 3,
		"isActive":     true,
	}, opts)
}

// FacultyFields returns deterministic input for a faculty record.
func FacultyFields(opts ...FieldOption) map[string]any {
	idx := atomic.AddUint64(&facultyCounter, 1)
	return apply(map[string]any{
		"facultyId":       fmt.Sprintf("FAC%03d", idx),
		"name":            fmt.Sprintf("Faculty %03d", idx),
		"email":           fmt.Sprintf("faculty%03d@example.edu", idx),
		"department":      "Electronics & Communication",
		"designation":     "Assistant Professor",
		"maxHoursPerWeek": 18,
		"subjects":        []string{"Signals", "Circuits"},
		"isActive":        true,
	}, opts)
}

// RoomFields returns deterministic input for a room record.
func RoomFields(opts ...FieldOption) map[string]any {
	idx := atomic.AddUint64(&roomCounter, 1)
	return apply(map[string]any{
		"roomId":      fmt.Sprintf("R%03d", idx),
		"name":        fmt.Sprintf("Lecture Hall %03d", idx),
		"type":        "classroom",
		"capacity":    int(40 + idx%20),
		"department":  "Mechanical Engineering",
		"building":    "Main Block",
		"floor":       "1",
		"facilities":  []string{"projector"},
		"isAvailable": true,
	}, opts)
}

// TimetableFields returns deterministic input for a timetable record.
func TimetableFields(opts ...FieldOption) map[string]any {
	idx := atomic.AddUint64(&timetableCounter, 1)
	return apply(map[string]any{
		"name":         fmt.Sprintf("Timetable %03d", idx),
		"department":   "Civil Engineering",
		"semester":     "3",
		"section":      "B",
		"academicYear": "2024-25",
		"status":       "draft",
		"schedule":     map[string]any{"monday": []string{"CE201"}},
		"generatedBy":  "admin@demo.com",
	}, opts)
}

// ----------------------------- Session fixtures -----------------------------

// RegisterOption configures generated registration input.
type RegisterOption func(*application.RegisterParams)

// NewRegisterParams returns valid registration input for a student.
func NewRegisterParams(opts ...RegisterOption) application.RegisterParams {
	idx := atomic.AddUint64(&userCounter, 1)
	params := application.RegisterParams{
		Email:      fmt.Sprintf("user%03d@example.edu", idx),
		Password:   "secret123",
		FirstName:  "Test",
		LastName:   fmt.Sprintf("User %03d", idx),
		Role:       application.RoleStudent,
		Department: "Computer Science & Engineering",
		Semester:   "5",
		Section:    "A",
	}
	for _, opt := range opts {
		opt(&params)
	}
	return params
}

// WithRegisterEmail overrides the generated email.
func WithRegisterEmail(email string) RegisterOption {
	return func(p *application.RegisterParams) {
		p.Email = email
	}
}

// WithRegisterPassword overrides the generated password.
func WithRegisterPassword(password string) RegisterOption {
	return func(p *application.RegisterParams) {
		p.Password = password
	}
}

// WithRegisterFaculty switches the input to a faculty registration.
func WithRegisterFaculty(facultyID string) RegisterOption {
	return func(p *application.RegisterParams) {
		p.Role = application.RoleFaculty
		p.Semester = ""
		p.Section = ""
		p.FacultyID = facultyID
	}
}

// WithRegisterSection overrides the student section.
func WithRegisterSection(section string) RegisterOption {
	return func(p *application.RegisterParams) {
		p.Section = section
	}
}
