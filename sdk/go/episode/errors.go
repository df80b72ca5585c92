package episode

import "errors"

// NoParent is the parent id recorded for an episode without a parent.
// Issuance services never hand out 0.
const NoParent int64 = 0

// RootTag marks a root that was registered implicitly by Setup.
const RootTag = "_unregistered_root"

// RootLabel is the label stamped on the tree root.
const RootLabel = "root"

// ErrNoLiveAncestor is reported when a started node cannot be linked because
// the tree root has no live draft. The new draft is kept without a parent.
var ErrNoLiveAncestor = errors.New("episode: no live ancestor draft")
