package episode

import "github.com/ashita-ai/ltm/sdk/go/smach"

// resolveParent links newID to the nearest ancestor of meta that has a live
// draft, skipping unregistered ancestors and registered ones that are not
// running (including those whose id acquisition failed). It returns the
// ancestor's execution id, or NoParent when the walk reaches the root.
//
// Each ancestor is inspected under its own metadata lock and the child is
// added to its draft before that lock is released. The end hook retires a
// draft under the same lock, so a child can never be added to a draft that
// is already being shipped.
func (t *Tracker) resolveParent(meta *smach.Metadata, newID int64) (int64, error) {
	node := meta
	for {
		p := node.Parent()
		if p == nil {
			var err error
			node.Locked(func(rootID int64, _ bool) {
				switch {
				case rootID == 0:
					err = ErrNoLiveAncestor
				case rootID != newID:
					if !t.addChild(rootID, newID) {
						err = ErrNoLiveAncestor
					}
				}
			})
			return NoParent, err
		}

		var parentID int64
		p.Locked(func(activeID int64, registered bool) {
			if registered && activeID != 0 && t.addChild(activeID, newID) {
				parentID = activeID
			}
		})
		if parentID != 0 {
			return parentID, nil
		}
		node = p
	}
}

// addChild records childID under the live draft parentID. Callers hold the
// metadata lock of the node owning parentID.
func (t *Tracker) addChild(parentID, childID int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.drafts[parentID]
	if !ok {
		return false
	}
	d.addChild(childID)
	return true
}
