package episode

import (
	"context"
	"fmt"
	"strings"

	"github.com/ashita-ai/ltm/sdk/go/smach"
)

// interceptor wraps a registered node so the tracker's hooks run around
// every execution of it.
type interceptor struct {
	node    smach.Node
	tracker *Tracker
}

func (w *interceptor) Metadata() *smach.Metadata { return w.node.Metadata() }

// Unwrap returns the intercepted node.
func (w *interceptor) Unwrap() smach.Node { return w.node }

// Execute runs the start hook, the node, then the end hook. The end hook is
// deferred so it also runs when the node returns an error or panics; the
// node's own error and panic value reach the caller untouched.
func (w *interceptor) Execute(ctx context.Context, ud *smach.UserData) (string, error) {
	w.tracker.start(ctx, w.node)
	defer w.tracker.end(ctx, w.node.Metadata())
	return w.node.Execute(ctx, ud)
}

// containerInterceptor keeps an intercepted container walkable.
type containerInterceptor struct {
	interceptor
	container smach.Container
}

func (w *containerInterceptor) Children() []*smach.Child { return w.container.Children() }

func (t *Tracker) wrap(node smach.Node) smach.Node {
	base := interceptor{node: node, tracker: t}
	if c, ok := node.(smach.Container); ok {
		return &containerInterceptor{interceptor: base, container: c}
	}
	return &base
}

func asInterceptor(node smach.Node) *interceptor {
	switch v := node.(type) {
	case *interceptor:
		return v
	case *containerInterceptor:
		return &v.interceptor
	}
	return nil
}

// unwrap strips any interceptor from node. existing is node itself when it
// is a single wrapper owned by t that can be reused.
func (t *Tracker) unwrap(node smach.Node) (inner, existing smach.Node) {
	if w := asInterceptor(node); w != nil && w.tracker == t && asInterceptor(w.node) == nil {
		existing = node
	}
	inner = node
	for w := asInterceptor(inner); w != nil; w = asInterceptor(inner) {
		inner = w.node
	}
	return inner, existing
}

type frame struct {
	slot   *smach.Child
	parent *smach.Metadata
}

// annotate stamps labels and parent links over the whole tree in pre-order
// and intercepts registered nodes by replacing their container slot. The
// root has no slot, so the possibly wrapped root is returned instead.
func (t *Tracker) annotate(root smach.Node) smach.Node {
	top := &smach.Child{Label: RootLabel, Node: root}
	stack := []frame{{slot: top}}

	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		node, existing := t.unwrap(f.slot.Node)
		meta := node.Metadata()
		meta.Setup(f.slot.Label, f.parent)

		switch {
		case !meta.IsRegistered():
			meta.MarkUnregistered()
			f.slot.Node = node
		case existing != nil:
			f.slot.Node = existing
		default:
			f.slot.Node = t.wrap(node)
		}

		if c, ok := node.(smach.Container); ok {
			children := c.Children()
			for i := len(children) - 1; i >= 0; i-- {
				stack = append(stack, frame{slot: children[i], parent: meta})
			}
		}
	}
	return top.Node
}

// Describe renders the tree shape, one node per line:
//
//	- node: root (2 children)
//	  - leaf: GOTO
func (t *Tracker) Describe(root smach.Node) string {
	type entry struct {
		label string
		node  smach.Node
		depth int
	}
	var b strings.Builder
	stack := []entry{{label: RootLabel, node: root}}
	for len(stack) > 0 {
		e := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		node, _ := t.unwrap(e.node)
		indent := strings.Repeat("  ", e.depth)
		c, ok := node.(smach.Container)
		if !ok {
			fmt.Fprintf(&b, "%s- leaf: %s\n", indent, e.label)
			continue
		}
		children := c.Children()
		fmt.Fprintf(&b, "%s- node: %s (%d children)\n", indent, e.label, len(children))
		for i := len(children) - 1; i >= 0; i-- {
			stack = append(stack, entry{label: children[i].Label, node: children[i].Node, depth: e.depth + 1})
		}
	}
	return b.String()
}
