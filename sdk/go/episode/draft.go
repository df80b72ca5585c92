package episode

import (
	"slices"
	"time"

	"github.com/ashita-ai/ltm/sdk/go/ltm"
)

// draft accumulates one execution from its start hook to its end hook.
// Guarded by Tracker.mu.
type draft struct {
	id       int64
	kind     ltm.Kind
	label    string
	parentID int64
	children map[int64]struct{}
	start    time.Time
}

func newDraft(id int64, kind ltm.Kind, label string, start time.Time) *draft {
	return &draft{
		id:       id,
		kind:     kind,
		label:    label,
		children: make(map[int64]struct{}),
		start:    start,
	}
}

func (d *draft) addChild(id int64) {
	d.children[id] = struct{}{}
}

// record freezes the draft into a shippable episode. end is clamped so the
// span is never negative.
func (d *draft) record(tags []string, end, created time.Time) ltm.Episode {
	if end.Before(d.start) {
		end = d.start
	}
	children := make([]int64, 0, len(d.children))
	for id := range d.children {
		children = append(children, id)
	}
	slices.Sort(children)
	if tags == nil {
		tags = []string{}
	}
	return ltm.Episode{
		UID:         d.id,
		Kind:        d.kind,
		ParentID:    d.parentID,
		ChildrenIDs: children,
		Tags:        tags,
		Info:        ltm.Info{Source: ltm.SourceSmach, CreationDate: created},
		When:        ltm.When{Start: d.start, End: end},
	}
}
