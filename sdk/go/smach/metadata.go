package smach

import (
	"slices"
	"sync"
)

// Metadata is the LTM bookkeeping record every node owns.
//
// Registration (flag + tags) is static and set by application code before the
// tree is set up. Label and parent are stamped once by the tree annotator.
// The active execution id is non-zero only between a start event and its
// matching end event.
//
// The zero value is an unregistered, unlabelled root record.
type Metadata struct {
	mu         sync.Mutex
	registered bool
	tags       map[string]struct{}
	label      string
	parent     *Metadata
	activeID   int64
}

// Register marks the record as registered with the given tag set and clears
// any active execution.
func (m *Metadata) Register(tags []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeID = 0
	m.registered = true
	m.tags = make(map[string]struct{}, len(tags))
	for _, t := range tags {
		m.tags[t] = struct{}{}
	}
}

// MarkUnregistered resets the record to an untraced node.
func (m *Metadata) MarkUnregistered() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeID = 0
	m.registered = false
	m.tags = nil
}

// Setup stamps tree position. A nil parent marks the tree root.
func (m *Metadata) Setup(label string, parent *Metadata) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeID = 0
	m.label = label
	m.parent = parent
}

// IsRegistered reports whether the node is traced.
func (m *Metadata) IsRegistered() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.registered
}

// Label returns the slot label stamped at setup.
func (m *Metadata) Label() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.label
}

// Parent returns the enclosing node's record, nil for the root.
func (m *Metadata) Parent() *Metadata {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.parent
}

// ActiveID returns the id of the in-flight execution, or 0 when idle.
func (m *Metadata) ActiveID() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeID
}

// Tags returns a sorted copy of the tag set.
func (m *Metadata) Tags() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.tags))
	for t := range m.tags {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

// Activate records id as the in-flight execution.
func (m *Metadata) Activate(id int64) {
	m.mu.Lock()
	m.activeID = id
	m.mu.Unlock()
}

// Locked runs fn while the record is locked. fn must not call back into
// this record.
func (m *Metadata) Locked(fn func(activeID int64, registered bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(m.activeID, m.registered)
}

// Retire clears the active execution id and returns the previous value.
// fn, if non-nil, runs with the record still locked and the old id, so work
// done in it is ordered against every Locked caller.
func (m *Metadata) Retire(fn func(activeID int64)) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.activeID
	if fn != nil {
		fn(id)
	}
	m.activeID = 0
	return id
}
