package smach

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Node types accepted in a YAML declaration.
const (
	TypeState       = "state"
	TypeMachine     = "machine"
	TypeConcurrence = "concurrence"
)

// Declaration describes one node of a YAML machine file.
//
//	type: machine
//	register: true
//	tags: [patrol]
//	children:
//	  - label: GOTO
//	    duration: 20ms
//	    register: true
//	    tags: [navigation]
//	    transitions: {succeeded: done}
type Declaration struct {
	Type        string             `yaml:"type"`
	Register    bool               `yaml:"register"`
	Tags        []string           `yaml:"tags"`
	Outcome     string             `yaml:"outcome"`
	Duration    time.Duration      `yaml:"duration"`
	Fail        string             `yaml:"fail"`
	Initial     string             `yaml:"initial"`
	Transitions map[string]string  `yaml:"transitions"`
	Children    []ChildDeclaration `yaml:"children"`
}

// ChildDeclaration is a labelled Declaration inside a container.
type ChildDeclaration struct {
	Label       string `yaml:"label"`
	Declaration `yaml:",inline"`
}

// Registration is a node the declaration asked to be traced.
type Registration struct {
	Label string
	Node  Node
	Tags  []string
}

// Tree is the result of building a declaration.
type Tree struct {
	Root          Node
	Registrations []Registration
}

// LoadFile reads and builds a YAML machine declaration from path.
func LoadFile(path string) (*Tree, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("smach: open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()
	return Load(f)
}

// Load reads and builds a YAML machine declaration.
func Load(r io.Reader) (*Tree, error) {
	var decl Declaration
	if err := yaml.NewDecoder(r).Decode(&decl); err != nil {
		return nil, fmt.Errorf("smach: decode declaration: %w", err)
	}
	tree := &Tree{}
	root, err := build(decl, "root", tree)
	if err != nil {
		return nil, err
	}
	tree.Root = root
	return tree, nil
}

func build(decl Declaration, label string, tree *Tree) (Node, error) {
	typ := decl.Type
	if typ == "" {
		typ = TypeState
		if len(decl.Children) > 0 {
			typ = TypeMachine
		}
	}

	var node Node
	switch typ {
	case TypeState:
		if len(decl.Children) > 0 {
			return nil, fmt.Errorf("smach: %s: a state cannot have children", label)
		}
		node = NewState(timedState(decl.Duration, decl.Outcome, decl.Fail))
	case TypeMachine:
		sm := NewStateMachine()
		for _, c := range decl.Children {
			child, err := build(c.Declaration, c.Label, tree)
			if err != nil {
				return nil, err
			}
			if err := sm.Add(c.Label, child, c.Transitions); err != nil {
				return nil, fmt.Errorf("smach: %s: %w", label, err)
			}
		}
		if decl.Initial != "" {
			if err := sm.SetInitial(decl.Initial); err != nil {
				return nil, fmt.Errorf("smach: %s: %w", label, err)
			}
		}
		node = sm
	case TypeConcurrence:
		cc := NewConcurrence(decl.Outcome)
		for _, c := range decl.Children {
			child, err := build(c.Declaration, c.Label, tree)
			if err != nil {
				return nil, err
			}
			if err := cc.Add(c.Label, child); err != nil {
				return nil, fmt.Errorf("smach: %s: %w", label, err)
			}
		}
		node = cc
	default:
		return nil, fmt.Errorf("smach: %s: unknown node type %q", label, decl.Type)
	}

	if decl.Register {
		tree.Registrations = append(tree.Registrations, Registration{Label: label, Node: node, Tags: decl.Tags})
	}
	return node, nil
}

// timedState waits for d (or until ctx is done), then fails with msg if set
// or returns outcome.
func timedState(d time.Duration, outcome, msg string) StateFunc {
	if outcome == "" {
		outcome = Succeeded
	}
	return func(ctx context.Context, _ *UserData) (string, error) {
		if d > 0 {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return Preempted, ctx.Err()
			case <-timer.C:
			}
		}
		if msg != "" {
			return Aborted, errors.New(msg)
		}
		return outcome, nil
	}
}
