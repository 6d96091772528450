package application

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// FieldKind is the JSON value kind a declared field accepts.
type FieldKind int

const (
	KindString FieldKind = iota
	KindNumber
	KindBool
	KindList
	KindObject
)

func (k FieldKind) String() string {
	switch k {
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindList:
		return "list"
	case KindObject:
		return "object"
	default:
		return "string"
	}
}

// Schema declares the shape of one collection.
type Schema struct {
	Name         CollectionName
	Prefix       string
	Fields       map[string]FieldKind
	SearchFields []string
	ReadOnly     bool
}

// Searchable reports whether the collection declares search fields.
func (s Schema) Searchable() bool {
	return len(s.SearchFields) > 0
}

var schemas = map[CollectionName]Schema{
	CollectionCourses: {
		Name:   CollectionCourses,
		Prefix: "course",
		Fields: map[string]FieldKind{
			"code":         KindString,
			"name":         KindString,
			"department":   KindString,
			"credits":      KindNumber,
			"semester":     KindString,
			"type":         KindString,
			"hoursPerWeek": KindNumber,
			"facultyId":    KindString,
			"description":  KindString,
			"isActive":     KindBool,
		},
		SearchFields: []string{"code", "name", "department"},
	},
	CollectionFaculty: {
		Name:   CollectionFaculty,
		Prefix: "faculty",
		Fields: map[string]FieldKind{
			"facultyId":       KindString,
			"name":            KindString,
			"email":           KindString,
			"phone":           KindString,
			"department":      KindString,
			"designation":     KindString,
			"specialization":  KindString,
			"maxHoursPerWeek": KindNumber,
			"subjects":        KindList,
			"isActive":        KindBool,
		},
		SearchFields: []string{"facultyId", "name", "department"},
	},
	CollectionRooms: {
		Name:   CollectionRooms,
		Prefix: "room",
		Fields: map[string]FieldKind{
			"roomId":      KindString,
			"name":        KindString,
			"type":        KindString,
			"capacity":    KindNumber,
			"department":  KindString,
			"building":    KindString,
			"floor":       KindString,
			"facilities":  KindList,
			"isAvailable": KindBool,
		},
		SearchFields: []string{"roomId", "name", "department"},
	},
	CollectionTimetables: {
		Name:   CollectionTimetables,
		Prefix: "timetable",
		Fields: map[string]FieldKind{
			"name":         KindString,
			"department":   KindString,
			"semester":     KindString,
			"section":      KindString,
			"academicYear": KindString,
			"status":       KindString,
			"schedule":     KindObject,
			"generatedBy":  KindString,
		},
	},
	CollectionDepartments: {
		Name: CollectionDepartments,
		Fields: map[string]FieldKind{
			"name": KindString,
			"code": KindString,
		},
		ReadOnly: true,
	},
}

// collectionOrder is the order collections are loaded and listed in.
var collectionOrder = []CollectionName{
	CollectionCourses,
	CollectionFaculty,
	CollectionRooms,
	CollectionTimetables,
	CollectionDepartments,
}

// Collections returns every known collection name.
func Collections() []CollectionName {
	out := make([]CollectionName, len(collectionOrder))
	copy(out, collectionOrder)
	return out
}

// SchemaFor returns the schema registered for name.
func SchemaFor(name CollectionName) (Schema, error) {
	schema, ok := schemas[name]
	if !ok {
		return Schema{}, fmt.Errorf("%w: %q", ErrUnknownCollection, name)
	}
	return schema, nil
}

// ParseCollection resolves a case-insensitive collection name.
func ParseCollection(value string) (CollectionName, error) {
	name := CollectionName(strings.ToLower(strings.TrimSpace(value)))
	if _, err := SchemaFor(name); err != nil {
		return "", err
	}
	return name, nil
}

// seedDepartments are written the first time no department snapshot exists.
func seedDepartments() []Record {
	return []Record{
		{"id": "1", "name": "Computer Science & Engineering", "code": "CSE"},
		{"id": "2", "name": "Electronics & Communication", "code": "ECE"},
		{"id": "3", "name": "Mechanical Engineering", "code": "ME"},
		{"id": "4", "name": "Civil Engineering", "code": "CE"},
	}
}

// normalizeFields converts caller input to its JSON form and validates it
// against the schema.
func (s Schema) normalizeFields(fields map[string]any) (Record, error) {
	normalized, err := normalizeValue(fields)
	if err != nil {
		vErr := &ValidationError{}
		vErr.add("fields", "fields must be JSON encodable")
		return nil, vErr
	}
	record, _ := normalized.(map[string]any)
	if record == nil {
		record = map[string]any{}
	}

	vErr := &ValidationError{}
	keys := make([]string, 0, len(record))
	for key := range record {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		switch key {
		case FieldID, FieldCreatedAt, FieldUpdatedAt:
			vErr.add(key, "field is managed by the store")
			continue
		}
		kind, ok := s.Fields[key]
		if !ok {
			vErr.add(key, "unknown field")
			continue
		}
		if !kindMatches(kind, record[key]) {
			vErr.add(key, "must be a "+kind.String())
		}
	}
	if err := vErr.orNil(); err != nil {
		return nil, err
	}
	return Record(record), nil
}

func kindMatches(kind FieldKind, value any) bool {
	if value == nil {
		return true
	}
	switch kind {
	case KindString:
		_, ok := value.(string)
		return ok
	case KindNumber:
		_, ok := value.(json.Number)
		return ok
	case KindBool:
		_, ok := value.(bool)
		return ok
	case KindList:
		_, ok := value.([]any)
		return ok
	case KindObject:
		_, ok := value.(map[string]any)
		return ok
	}
	return false
}

// normalizeValue round-trips value through JSON, keeping numbers as json.Number.
func normalizeValue(value any) (any, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return decodeJSON(raw)
}

func decodeJSON(raw []byte) (any, error) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var out any
	if err := decoder.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// decodeRecords parses a collection snapshot.
func decodeRecords(raw string) ([]Record, error) {
	decoder := json.NewDecoder(strings.NewReader(raw))
	decoder.UseNumber()
	var records []Record
	if err := decoder.Decode(&records); err != nil {
		return nil, err
	}
	if records == nil {
		records = []Record{}
	}
	return records, nil
}

// encodeRecords renders a collection snapshot.
func encodeRecords(records []Record) (string, error) {
	if records == nil {
		records = []Record{}
	}
	raw, err := json.Marshal(records)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// cloneRecord deep-copies a normalised record.
func cloneRecord(r Record) Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for key, value := range r {
		out[key] = cloneValue(value)
	}
	return out
}

func cloneValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			out[key] = cloneValue(item)
		}
		return out
	case Record:
		return map[string]any(cloneRecord(v))
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

func cloneRecords(records []Record) []Record {
	out := make([]Record, len(records))
	for i, record := range records {
		out[i] = cloneRecord(record)
	}
	return out
}
