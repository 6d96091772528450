package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/example/campus-scheduler/internal/persistence"
)

// CollectionStore provides CRUD and search over the record collections. Each
// collection is held in memory and persisted as a whole snapshot under its own
// substrate key after every mutation.
type CollectionStore struct {
	substrate persistence.KeyValueStore
	now       func() time.Time
	logger    *slog.Logger

	mu          sync.Mutex
	loaded      bool
	collections map[CollectionName][]Record
	// unreadable collections are re-read on every access and refuse
	// mutations until a read succeeds.
	unreadable map[CollectionName]error
	// corrupt holds undecodable snapshots until they are backed up.
	corrupt map[CollectionName]string
}

// CorruptSnapshotKey is where an undecodable snapshot of name is copied before
// the first write replaces it.
func CorruptSnapshotKey(name CollectionName) string {
	return string(name) + ".corrupt"
}

// NewCollectionStore constructs a CollectionStore over the provided substrate.
func NewCollectionStore(substrate persistence.KeyValueStore, now func() time.Time) *CollectionStore {
	return NewCollectionStoreWithLogger(substrate, now, nil)
}

// NewCollectionStoreWithLogger constructs a CollectionStore with a specified logger.
func NewCollectionStoreWithLogger(substrate persistence.KeyValueStore, now func() time.Time, logger *slog.Logger) *CollectionStore {
	if now == nil {
		now = time.Now
	}
	return &CollectionStore{
		substrate:   substrate,
		now:         now,
		logger:      defaultLogger(logger),
		collections: make(map[CollectionName][]Record),
		unreadable:  make(map[CollectionName]error),
		corrupt:     make(map[CollectionName]string),
	}
}

func (s *CollectionStore) loggerWith(ctx context.Context, operation string, attrs ...any) *slog.Logger {
	return serviceLogger(ctx, s.logger, "CollectionStore", operation, attrs...)
}

// Load reads every collection snapshot from the substrate. Missing or corrupt
// snapshots load as empty collections; a corrupt snapshot is copied to
// CorruptSnapshotKey before it is first overwritten. A collection whose
// snapshot cannot be read is held empty, re-read on later access and refuses
// mutations until a read succeeds. Departments are seeded when no department
// snapshot exists; the returned error reports a failure to persist that seed,
// in which case the seed is still held in memory.
func (s *CollectionStore) Load(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("CollectionStore is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(ctx)
}

func (s *CollectionStore) ensureLoaded(ctx context.Context) {
	if !s.loaded {
		// Seed persistence failures are logged by loadLocked.
		_ = s.loadLocked(ctx)
		return
	}
	if len(s.unreadable) == 0 {
		return
	}
	logger := s.loggerWith(ctx, "Load")
	for name := range s.unreadable {
		if missing := s.readCollectionLocked(ctx, name, logger); missing && name == CollectionDepartments {
			s.collections[CollectionDepartments] = seedDepartments()
			if err := s.persistLocked(ctx, CollectionDepartments); err != nil {
				logger.ErrorContext(ctx, "failed to persist seeded departments", "error", err, "error_kind", ErrorKind(err))
			}
		}
	}
}

func (s *CollectionStore) loadLocked(ctx context.Context) (err error) {
	if s.substrate == nil {
		return fmt.Errorf("persistence substrate not configured")
	}

	logger := s.loggerWith(ctx, "Load")
	defer func() {
		if err != nil {
			logger.ErrorContext(ctx, "collection load incomplete", "error", err, "error_kind", ErrorKind(err))
			return
		}
		logger.DebugContext(ctx, "collections loaded")
	}()

	s.collections = make(map[CollectionName][]Record, len(collectionOrder))
	s.unreadable = make(map[CollectionName]error)
	s.corrupt = make(map[CollectionName]string)
	seedNeeded := false
	for _, name := range collectionOrder {
		if missing := s.readCollectionLocked(ctx, name, logger); missing && name == CollectionDepartments {
			seedNeeded = true
		}
	}
	s.loaded = true

	if seedNeeded {
		s.collections[CollectionDepartments] = seedDepartments()
		err = s.persistLocked(ctx, CollectionDepartments)
	}
	return err
}

// readCollectionLocked replaces the in-memory copy of name with its stored
// snapshot and reports whether no snapshot exists.
func (s *CollectionStore) readCollectionLocked(ctx context.Context, name CollectionName, logger *slog.Logger) (missing bool) {
	raw, ok, err := s.substrate.Get(ctx, string(name))
	if err != nil {
		logger.WarnContext(ctx, "collection snapshot unreadable, holding it read-only",
			"collection", name, "error", err, "error_kind", ErrorKind(err))
		if _, held := s.collections[name]; !held {
			s.collections[name] = []Record{}
		}
		s.unreadable[name] = err
		return false
	}
	delete(s.unreadable, name)

	if !ok {
		s.collections[name] = []Record{}
		return true
	}
	records, decodeErr := decodeRecords(raw)
	if decodeErr != nil {
		logger.WarnContext(ctx, "collection snapshot corrupt, starting empty",
			"collection", name, "backup_key", CorruptSnapshotKey(name), "error", decodeErr)
		s.corrupt[name] = raw
		records = []Record{}
	}
	s.collections[name] = records
	return false
}

// writableLocked refuses mutations of a collection whose snapshot was never read.
func (s *CollectionStore) writableLocked(name CollectionName) error {
	if readErr, ok := s.unreadable[name]; ok {
		return fmt.Errorf("%w: %s snapshot unreadable: %w", ErrPersistence, name, readErr)
	}
	return nil
}

// persistLocked writes the in-memory snapshot of name to the substrate.
func (s *CollectionStore) persistLocked(ctx context.Context, name CollectionName) error {
	if backup, ok := s.corrupt[name]; ok {
		if err := s.substrate.Set(ctx, CorruptSnapshotKey(name), backup); err != nil {
			return fmt.Errorf("%w: back up corrupt %s: %w", ErrPersistence, name, err)
		}
		delete(s.corrupt, name)
	}
	raw, err := encodeRecords(s.collections[name])
	if err != nil {
		return fmt.Errorf("%w: encode %s: %w", ErrPersistence, name, err)
	}
	if err := s.substrate.Set(ctx, string(name), raw); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrPersistence, name, err)
	}
	return nil
}

func (s *CollectionStore) mutableSchema(name CollectionName) (Schema, error) {
	schema, err := SchemaFor(name)
	if err != nil {
		return Schema{}, err
	}
	if schema.ReadOnly {
		return Schema{}, fmt.Errorf("%w: %s", ErrReadOnlyCollection, name)
	}
	return schema, nil
}

// Create assigns an id and audit timestamps to fields, appends the record and
// persists the collection. When persisting fails the record stays appended in
// memory and is returned together with an error wrapping ErrPersistence.
func (s *CollectionStore) Create(ctx context.Context, name CollectionName, fields map[string]any) (record Record, err error) {
	if s == nil {
		err = fmt.Errorf("CollectionStore is nil")
		return
	}

	logger := s.loggerWith(ctx, "Create", "collection", name)
	defer func() {
		if err != nil {
			logger.ErrorContext(ctx, "record creation failed", "error", err, "error_kind", ErrorKind(err))
			return
		}
		logger.With("record_id", record.ID()).InfoContext(ctx, "record created")
	}()

	var schema Schema
	schema, err = s.mutableSchema(name)
	if err != nil {
		return
	}

	var normalized Record
	normalized, err = schema.normalizeFields(fields)
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded(ctx)
	if err = s.writableLocked(name); err != nil {
		return
	}

	now := s.now()
	normalized[FieldID] = s.nextIDLocked(schema, now)
	timestamp := FormatTimestamp(now)
	normalized[FieldCreatedAt] = timestamp
	normalized[FieldUpdatedAt] = timestamp

	s.collections[name] = append(s.collections[name], normalized)
	record = cloneRecord(normalized)
	err = s.persistLocked(ctx, name)
	return
}

// nextIDLocked returns {prefix}_{millis}, advancing millis past ids already
// present in the collection.
func (s *CollectionStore) nextIDLocked(schema Schema, now time.Time) string {
	taken := make(map[string]struct{}, len(s.collections[schema.Name]))
	for _, record := range s.collections[schema.Name] {
		taken[record.ID()] = struct{}{}
	}
	millis := now.UnixMilli()
	for {
		id := schema.Prefix + "_" + strconv.FormatInt(millis, 10)
		if _, exists := taken[id]; !exists {
			return id
		}
		millis++
	}
}

// Read returns a snapshot of the collection in insertion order.
func (s *CollectionStore) Read(ctx context.Context, name CollectionName) ([]Record, error) {
	if s == nil {
		return nil, fmt.Errorf("CollectionStore is nil")
	}
	if _, err := SchemaFor(name); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded(ctx)

	return cloneRecords(s.collections[name]), nil
}

// Departments returns the department collection.
func (s *CollectionStore) Departments(ctx context.Context) ([]Record, error) {
	return s.Read(ctx, CollectionDepartments)
}

// GetByID returns the first record whose id matches.
func (s *CollectionStore) GetByID(ctx context.Context, name CollectionName, id string) (Record, error) {
	if s == nil {
		return nil, fmt.Errorf("CollectionStore is nil")
	}
	if _, err := SchemaFor(name); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded(ctx)

	for _, record := range s.collections[name] {
		if record.ID() == id {
			return cloneRecord(record), nil
		}
	}
	return nil, fmt.Errorf("%s %q: %w", name, id, ErrNotFound)
}

// Update shallow-merges patch over the record with the given id, refreshes
// updatedAt and persists the collection. As with Create, a persistence failure
// leaves the merge applied in memory and returns the merged record with the
// error.
func (s *CollectionStore) Update(ctx context.Context, name CollectionName, id string, patch map[string]any) (record Record, err error) {
	if s == nil {
		err = fmt.Errorf("CollectionStore is nil")
		return
	}

	logger := s.loggerWith(ctx, "Update", "collection", name, "record_id", id)
	defer func() {
		if err != nil {
			logger.ErrorContext(ctx, "record update failed", "error", err, "error_kind", ErrorKind(err))
			return
		}
		logger.InfoContext(ctx, "record updated")
	}()

	var schema Schema
	schema, err = s.mutableSchema(name)
	if err != nil {
		return
	}

	var normalized Record
	normalized, err = schema.normalizeFields(patch)
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded(ctx)
	if err = s.writableLocked(name); err != nil {
		return
	}

	records := s.collections[name]
	index := -1
	for i, existing := range records {
		if existing.ID() == id {
			index = i
			break
		}
	}
	if index < 0 {
		err = fmt.Errorf("%s %q: %w", name, id, ErrNotFound)
		return
	}

	merged := cloneRecord(records[index])
	for key, value := range normalized {
		merged[key] = value
	}
	merged[FieldUpdatedAt] = s.nextUpdatedAt(merged.String(FieldUpdatedAt))

	records[index] = merged
	record = cloneRecord(merged)
	err = s.persistLocked(ctx, name)
	return
}

// nextUpdatedAt returns the current timestamp, or previous plus one
// millisecond when the clock has not advanced past previous.
func (s *CollectionStore) nextUpdatedAt(previous string) string {
	now := s.now().UTC().Truncate(time.Millisecond)
	if prev, err := ParseTimestamp(previous); err == nil && !now.After(prev) {
		now = prev.Add(time.Millisecond)
	}
	return FormatTimestamp(now)
}

// Delete removes every record with the given id and persists the collection.
// Deleting an id that does not exist succeeds.
func (s *CollectionStore) Delete(ctx context.Context, name CollectionName, id string) (err error) {
	if s == nil {
		return fmt.Errorf("CollectionStore is nil")
	}

	removed := 0
	logger := s.loggerWith(ctx, "Delete", "collection", name, "record_id", id)
	defer func() {
		if err != nil {
			logger.ErrorContext(ctx, "record deletion failed", "error", err, "error_kind", ErrorKind(err))
			return
		}
		logger.InfoContext(ctx, "record deleted", "removed", removed)
	}()

	if _, err = s.mutableSchema(name); err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded(ctx)
	if err = s.writableLocked(name); err != nil {
		return
	}

	records := s.collections[name]
	kept := make([]Record, 0, len(records))
	for _, record := range records {
		if record.ID() == id {
			removed++
			continue
		}
		kept = append(kept, record)
	}
	s.collections[name] = kept
	err = s.persistLocked(ctx, name)
	return
}

// Search returns records whose declared search fields contain query,
// case-insensitively, in collection order. Fields that are absent, empty or
// not strings never match.
func (s *CollectionStore) Search(ctx context.Context, name CollectionName, query string) ([]Record, error) {
	if s == nil {
		return nil, fmt.Errorf("CollectionStore is nil")
	}
	schema, err := SchemaFor(name)
	if err != nil {
		return nil, err
	}
	if !schema.Searchable() {
		return nil, fmt.Errorf("%w: %s", ErrNotSearchable, name)
	}

	needle := strings.ToLower(query)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded(ctx)

	matches := []Record{}
	for _, record := range s.collections[name] {
		for _, field := range schema.SearchFields {
			value := record.String(field)
			if value == "" {
				continue
			}
			if strings.Contains(strings.ToLower(value), needle) {
				matches = append(matches, cloneRecord(record))
				break
			}
		}
	}
	return matches, nil
}

// Stats reports the number of courses, faculty, rooms and timetables.
func (s *CollectionStore) Stats(ctx context.Context) (Stats, error) {
	if s == nil {
		return Stats{}, fmt.Errorf("CollectionStore is nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded(ctx)

	return Stats{
		TotalCourses:    len(s.collections[CollectionCourses]),
		TotalFaculty:    len(s.collections[CollectionFaculty]),
		TotalRooms:      len(s.collections[CollectionRooms]),
		TotalTimetables: len(s.collections[CollectionTimetables]),
	}, nil
}

// IsPersistenceError reports whether err came from a failed substrate write.
func IsPersistenceError(err error) bool {
	return errors.Is(err, ErrPersistence)
}
