// Package smach is a small hierarchical state-machine execution model.
//
// A tree is built from leaf states and containers (state machines and
// concurrences). Every node owns a Metadata record that the episode tracker
// uses to decide what gets recorded and to link executions into a tree.
// Containers expose their children through mutable slots so that an
// instrumentation layer can swap a child for an intercepting wrapper.
package smach

import (
	"context"
	"errors"
	"maps"
	"sync"
)

// Standard outcomes used by the built-in nodes.
const (
	Succeeded = "succeeded"
	Aborted   = "aborted"
	Preempted = "preempted"
)

var (
	// ErrNoTransition is returned when a state machine child produces an
	// outcome it has no transition for.
	ErrNoTransition = errors.New("smach: no transition for outcome")

	// ErrDuplicateLabel is returned when two children share a label.
	ErrDuplicateLabel = errors.New("smach: duplicate child label")

	// ErrEmptyContainer is returned when executing a container with no children.
	ErrEmptyContainer = errors.New("smach: container has no children")
)

// Node is anything the engine can execute.
type Node interface {
	// Execute runs the node's logic and returns its outcome.
	Execute(ctx context.Context, ud *UserData) (string, error)

	// Metadata returns the node's LTM record. Never nil.
	Metadata() *Metadata
}

// Child is a labelled slot inside a container. Node may be replaced before
// execution starts (see the episode package).
type Child struct {
	Label string
	Node  Node
}

// Container is a composite node.
type Container interface {
	Node

	// Children returns the container's slots in declaration order.
	Children() []*Child
}

// Base provides the owned Metadata for node implementations.
type Base struct {
	meta Metadata
}

func (b *Base) Metadata() *Metadata { return &b.meta }

// UserData is the shared blackboard passed down the tree. Safe for
// concurrent use by parallel branches.
type UserData struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewUserData returns a blackboard seeded with a copy of values.
func NewUserData(values map[string]any) *UserData {
	ud := &UserData{values: make(map[string]any, len(values))}
	maps.Copy(ud.values, values)
	return ud
}

func (u *UserData) Get(key string) (any, bool) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	v, ok := u.values[key]
	return v, ok
}

func (u *UserData) Set(key string, value any) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.values == nil {
		u.values = make(map[string]any)
	}
	u.values[key] = value
}

// Snapshot returns a copy of every key.
func (u *UserData) Snapshot() map[string]any {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return maps.Clone(u.values)
}
