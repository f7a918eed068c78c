package location

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Table errors.
var (
	ErrEmptyID  = errors.New("data id cannot be empty")
	ErrNotFound = errors.New("location record not found")
	ErrExists   = errors.New("location record already exists")
)

type entry struct {
	mu  sync.RWMutex
	rec *Record
}

// Table maps data ids to records. Reads of one record never block on other
// records. Callers that read-modify-write a record across I/O hold Lock for
// that data id, which serializes store, delete and verification of the same
// object while leaving other objects untouched.
type Table struct {
	mu      sync.RWMutex
	records map[string]*entry

	locksMu sync.Mutex
	locks   map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{
		records: make(map[string]*entry),
		locks:   make(map[string]*keyLock),
	}
}

// Lock acquires the per-object lock for dataID and returns its release func.
// The record need not exist.
func (t *Table) Lock(dataID string) func() {
	t.locksMu.Lock()
	l, ok := t.locks[dataID]
	if !ok {
		l = &keyLock{}
		t.locks[dataID] = l
	}
	l.refs++
	t.locksMu.Unlock()

	l.mu.Lock()

	return func() {
		l.mu.Unlock()

		t.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(t.locks, dataID)
		}
		t.locksMu.Unlock()
	}
}

// Create inserts rec. It fails if a record for the id already exists.
func (t *Table) Create(rec Record) error {
	if rec.DataID == "" {
		return ErrEmptyID
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.records[rec.DataID]; exists {
		return fmt.Errorf("%w: %s", ErrExists, rec.DataID)
	}
	c := rec.Clone()
	t.records[rec.DataID] = &entry{rec: &c}
	return nil
}

// Get returns a copy of the record.
func (t *Table) Get(dataID string) (Record, bool) {
	t.mu.RLock()
	e, ok := t.records[dataID]
	t.mu.RUnlock()
	if !ok {
		return Record{}, false
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.rec.Clone(), true
}

// Exists reports whether a record is present.
func (t *Table) Exists(dataID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.records[dataID]
	return ok
}

// Update applies fn to the stored record atomically with respect to other
// readers and writers of the same record.
func (t *Table) Update(dataID string, fn func(*Record)) error {
	t.mu.RLock()
	e, ok := t.records[dataID]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, dataID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	fn(e.rec)
	return nil
}

// Delete removes the record. It reports whether one was present.
func (t *Table) Delete(dataID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.records[dataID]; !ok {
		return false
	}
	delete(t.records, dataID)
	return true
}

// IDs returns all data ids, sorted.
func (t *Table) IDs() []string {
	t.mu.RLock()
	ids := make([]string, 0, len(t.records))
	for id := range t.records {
		ids = append(ids, id)
	}
	t.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// Find returns the sorted ids of records carrying every tag.
func (t *Table) Find(tags []string) []string {
	var out []string
	for _, id := range t.IDs() {
		rec, ok := t.Get(id)
		if ok && rec.HasTags(tags) {
			out = append(out, id)
		}
	}
	return out
}

// Len returns the number of records.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.records)
}
