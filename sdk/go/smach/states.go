package smach

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// StateFunc is the logic of a leaf state.
type StateFunc func(ctx context.Context, ud *UserData) (string, error)

// State is a leaf node.
type State struct {
	Base
	fn StateFunc
}

// NewState returns a leaf running fn. A nil fn always succeeds.
func NewState(fn StateFunc) *State {
	return &State{fn: fn}
}

func (s *State) Execute(ctx context.Context, ud *UserData) (string, error) {
	if s.fn == nil {
		return Succeeded, nil
	}
	return s.fn(ctx, ud)
}

// StateMachine runs one child at a time, choosing the next child from the
// outcome of the current one. An outcome that maps to a label which is not a
// child becomes the machine's own outcome.
type StateMachine struct {
	Base
	children    []*Child
	index       map[string]int
	transitions map[string]map[string]string
	initial     string
}

func NewStateMachine() *StateMachine {
	return &StateMachine{
		index:       make(map[string]int),
		transitions: make(map[string]map[string]string),
	}
}

// Add appends a child. The first child added is the initial state unless
// SetInitial says otherwise.
func (sm *StateMachine) Add(label string, node Node, transitions map[string]string) error {
	if _, exists := sm.index[label]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateLabel, label)
	}
	sm.index[label] = len(sm.children)
	sm.children = append(sm.children, &Child{Label: label, Node: node})
	t := make(map[string]string, len(transitions))
	for outcome, target := range transitions {
		t[outcome] = target
	}
	sm.transitions[label] = t
	return nil
}

// SetInitial selects the child execution starts from.
func (sm *StateMachine) SetInitial(label string) error {
	if _, ok := sm.index[label]; !ok {
		return fmt.Errorf("smach: unknown initial state %q", label)
	}
	sm.initial = label
	return nil
}

func (sm *StateMachine) Children() []*Child { return sm.children }

func (sm *StateMachine) Execute(ctx context.Context, ud *UserData) (string, error) {
	if len(sm.children) == 0 {
		return "", ErrEmptyContainer
	}
	current := sm.initial
	if current == "" {
		current = sm.children[0].Label
	}
	for {
		if err := ctx.Err(); err != nil {
			return Preempted, err
		}
		slot := sm.children[sm.index[current]]
		outcome, err := slot.Node.Execute(ctx, ud)
		if err != nil {
			return "", err
		}
		next, ok := sm.transitions[current][outcome]
		if !ok {
			return "", fmt.Errorf("%w: %s -> %q", ErrNoTransition, current, outcome)
		}
		if _, isChild := sm.index[next]; !isChild {
			return next, nil
		}
		current = next
	}
}

// Concurrence runs every child in parallel and waits for all of them.
// The first child error cancels the siblings' context and is returned.
type Concurrence struct {
	Base
	children []*Child
	labels   map[string]struct{}
	outcome  string

	// Resolve, if set, maps the children's outcomes (by label) to the
	// concurrence outcome. Otherwise the default outcome is returned.
	Resolve func(outcomes map[string]string) string
}

// NewConcurrence returns a concurrence whose default outcome is outcome
// (Succeeded when empty).
func NewConcurrence(outcome string) *Concurrence {
	if outcome == "" {
		outcome = Succeeded
	}
	return &Concurrence{labels: make(map[string]struct{}), outcome: outcome}
}

func (c *Concurrence) Add(label string, node Node) error {
	if _, exists := c.labels[label]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateLabel, label)
	}
	c.labels[label] = struct{}{}
	c.children = append(c.children, &Child{Label: label, Node: node})
	return nil
}

func (c *Concurrence) Children() []*Child { return c.children }

func (c *Concurrence) Execute(ctx context.Context, ud *UserData) (string, error) {
	if len(c.children) == 0 {
		return "", ErrEmptyContainer
	}
	var mu sync.Mutex
	outcomes := make(map[string]string, len(c.children))

	g, gctx := errgroup.WithContext(ctx)
	for _, child := range c.children {
		g.Go(func() error {
			outcome, err := child.Node.Execute(gctx, ud)
			if err != nil {
				return err
			}
			mu.Lock()
			outcomes[child.Label] = outcome
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Aborted, err
	}
	if c.Resolve != nil {
		return c.Resolve(outcomes), nil
	}
	return c.outcome, nil
}
