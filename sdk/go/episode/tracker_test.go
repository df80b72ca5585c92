package episode

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/ltm/sdk/go/ltm"
	"github.com/ashita-ai/ltm/sdk/go/smach"
)

// fakeService issues sequential ids and records stored episodes. Calls
// listed in failCalls (1-based, counting every AcquireID) report exhaustion.
type fakeService struct {
	mu        sync.Mutex
	calls     int
	next      int64
	failCalls map[int]bool
	waitErr   error
	storeErr  error
	stored    []ltm.Episode
}

func (f *fakeService) WaitReady(context.Context) error { return f.waitErr }

func (f *fakeService) AcquireID(context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failCalls[f.calls] {
		return 0, ltm.ErrExhausted
	}
	f.next++
	return f.next, nil
}

func (f *fakeService) Store(_ context.Context, ep ltm.Episode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.storeErr != nil {
		return f.storeErr
	}
	f.stored = append(f.stored, ep)
	return nil
}

func (f *fakeService) StoreBatch(ctx context.Context, eps []ltm.Episode) error {
	for _, ep := range eps {
		if err := f.Store(ctx, ep); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeService) records() map[int64]ltm.Episode {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[int64]ltm.Episode, len(f.stored))
	for _, ep := range f.stored {
		out[ep.UID] = ep
	}
	return out
}

func (f *fakeService) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.stored)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestTracker(svc *fakeService, opts ...Option) *Tracker {
	return New(svc, append([]Option{WithLogger(quietLogger())}, opts...)...)
}

// draftChildren returns the live children of draft id, or nil if it is not live.
func draftChildren(tr *Tracker, id int64) []int64 {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	d, ok := tr.drafts[id]
	if !ok {
		return nil
	}
	out := make([]int64, 0, len(d.children))
	for c := range d.children {
		out = append(out, c)
	}
	slices.Sort(out)
	return out
}

func mustAdd(t *testing.T, sm *smach.StateMachine, label string, node smach.Node, transitions map[string]string) {
	t.Helper()
	require.NoError(t, sm.Add(label, node, transitions))
}

func execute(t *testing.T, node smach.Node) (string, error) {
	t.Helper()
	return node.Execute(context.Background(), smach.NewUserData(nil))
}

func TestSetupStampsEveryNodeAndInterceptsRegistered(t *testing.T) {
	svc := &fakeService{}
	tr := newTestTracker(svc)

	a := smach.NewState(nil)
	c := smach.NewState(nil)
	b := smach.NewStateMachine()
	mustAdd(t, b, "C", c, map[string]string{smach.Succeeded: smach.Succeeded})
	root := smach.NewStateMachine()
	mustAdd(t, root, "A", a, map[string]string{smach.Succeeded: "B"})
	mustAdd(t, root, "B", b, map[string]string{smach.Succeeded: smach.Succeeded})

	tr.Register(a, []string{"a"})
	tr.Register(c, []string{"c"})
	assert.True(t, tr.IsRegistered(a))
	assert.False(t, tr.IsRegistered(b))
	assert.False(t, tr.IsRegistered(root))

	wrapped, err := tr.Setup(context.Background(), root)
	require.NoError(t, err)

	assert.True(t, tr.IsRegistered(root), "root is force-registered")
	assert.Equal(t, []string{RootTag}, root.Metadata().Tags())
	_, ok := wrapped.(*containerInterceptor)
	assert.True(t, ok, "registered root is intercepted")
	container, ok := wrapped.(smach.Container)
	require.True(t, ok)
	assert.Len(t, container.Children(), 2)

	assert.Equal(t, RootLabel, root.Metadata().Label())
	assert.Nil(t, root.Metadata().Parent())
	assert.Equal(t, "A", a.Metadata().Label())
	assert.Same(t, root.Metadata(), a.Metadata().Parent())
	assert.Same(t, b.Metadata(), c.Metadata().Parent())

	assert.IsType(t, &interceptor{}, root.Children()[0].Node)
	assert.Same(t, smach.Node(b), root.Children()[1].Node, "unregistered nodes are untouched")
	assert.IsType(t, &interceptor{}, b.Children()[0].Node)
	assert.Zero(t, svc.calls, "setup does not acquire ids")

	assert.Equal(t, "- node: root (2 children)\n  - leaf: A\n  - node: B (1 children)\n    - leaf: C\n", tr.Describe(wrapped))
}

func TestSetupResetsUnregisteredNodes(t *testing.T) {
	tr := newTestTracker(&fakeService{})
	leaf := smach.NewState(nil)
	root := smach.NewStateMachine()
	mustAdd(t, root, "LEAF", leaf, map[string]string{smach.Succeeded: smach.Succeeded})
	leaf.Metadata().Activate(42)

	_, err := tr.Setup(context.Background(), root)
	require.NoError(t, err)

	meta := leaf.Metadata()
	assert.False(t, meta.IsRegistered())
	assert.Zero(t, meta.ActiveID())
	assert.Empty(t, meta.Tags())
	assert.Equal(t, "LEAF", meta.Label())
}

func TestSetupTwiceDoesNotDoubleWrap(t *testing.T) {
	svc := &fakeService{}
	tr := newTestTracker(svc)

	leaf := smach.NewState(nil)
	root := smach.NewStateMachine()
	mustAdd(t, root, "LEAF", leaf, map[string]string{smach.Succeeded: smach.Succeeded})
	tr.Register(leaf, nil)

	first, err := tr.Setup(context.Background(), root)
	require.NoError(t, err)
	slot := root.Children()[0].Node

	second, err := tr.Setup(context.Background(), first)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Same(t, slot, root.Children()[0].Node)

	_, err = execute(t, second)
	require.NoError(t, err)
	assert.Equal(t, 2, svc.count(), "one record per registered node")
}

func TestSetupFailsWhenServiceNeverReady(t *testing.T) {
	svc := &fakeService{waitErr: context.DeadlineExceeded}
	tr := newTestTracker(svc)

	_, err := tr.Setup(context.Background(), smach.NewState(nil))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// Root(registered) -> A(unregistered) -> B(registered leaf).
func TestLinksAcrossUnregisteredIntermediate(t *testing.T) {
	svc := &fakeService{}
	tr := newTestTracker(svc)

	var rootChildrenDuringB []int64
	var bID int64
	var b *smach.State
	b = smach.NewState(func(context.Context, *smach.UserData) (string, error) {
		bID = b.Metadata().ActiveID()
		rootChildrenDuringB = draftChildren(tr, 1)
		return smach.Succeeded, nil
	})
	a := smach.NewStateMachine()
	mustAdd(t, a, "B", b, map[string]string{smach.Succeeded: smach.Succeeded})
	root := smach.NewStateMachine()
	mustAdd(t, root, "A", a, map[string]string{smach.Succeeded: smach.Succeeded})

	tr.Register(root, []string{"mission"})
	tr.Register(b, []string{"grasp"})

	node, err := tr.Setup(context.Background(), root)
	require.NoError(t, err)
	_, err = execute(t, node)
	require.NoError(t, err)

	assert.Equal(t, int64(2), bID)
	assert.Equal(t, []int64{2}, rootChildrenDuringB)
	assert.Zero(t, tr.Active())

	recs := svc.records()
	require.Len(t, recs, 2)
	assert.Equal(t, int64(1), recs[2].ParentID)
	assert.Equal(t, ltm.KindLeaf, recs[2].Kind)
	assert.Equal(t, []string{"grasp"}, recs[2].Tags)
	assert.Equal(t, []int64{2}, recs[1].ChildrenIDs)
	assert.Equal(t, NoParent, recs[1].ParentID)
	assert.Equal(t, ltm.KindComposite, recs[1].Kind)
	assert.Equal(t, ltm.SourceSmach, recs[1].Info.Source)

	// B ships before the root.
	assert.Equal(t, int64(2), svc.stored[0].UID)
	assert.Zero(t, root.Metadata().ActiveID())
	assert.Zero(t, b.Metadata().ActiveID())
}

func TestExhaustionOnLeafLeavesNoTrace(t *testing.T) {
	svc := &fakeService{failCalls: map[int]bool{2: true}}
	tr := newTestTracker(svc)

	var sawActive int64 = -1
	var b *smach.State
	b = smach.NewState(func(context.Context, *smach.UserData) (string, error) {
		sawActive = b.Metadata().ActiveID()
		return smach.Succeeded, nil
	})
	a := smach.NewStateMachine()
	mustAdd(t, a, "B", b, map[string]string{smach.Succeeded: smach.Succeeded})
	root := smach.NewStateMachine()
	mustAdd(t, root, "A", a, map[string]string{smach.Succeeded: smach.Succeeded})
	tr.Register(root, nil)
	tr.Register(b, nil)

	node, err := tr.Setup(context.Background(), root)
	require.NoError(t, err)
	_, err = execute(t, node)
	require.NoError(t, err, "exhaustion never interrupts the engine")

	assert.Zero(t, sawActive)
	assert.True(t, tr.IsRegistered(b), "registration is static")
	recs := svc.records()
	require.Len(t, recs, 1)
	assert.Empty(t, recs[1].ChildrenIDs)
	assert.Zero(t, tr.Active())
}

// Root -> M(registered, exhausted) -> X(unregistered) -> C(registered), then
// a sibling S of M. C must link to the root, not to M.
func TestExhaustionMidTreeKeepsLinkageIntact(t *testing.T) {
	svc := &fakeService{failCalls: map[int]bool{2: true}}
	tr := newTestTracker(svc)

	c := smach.NewState(nil)
	x := smach.NewStateMachine()
	mustAdd(t, x, "C", c, map[string]string{smach.Succeeded: smach.Succeeded})
	m := smach.NewStateMachine()
	mustAdd(t, m, "X", x, map[string]string{smach.Succeeded: smach.Succeeded})
	s := smach.NewState(nil)
	root := smach.NewStateMachine()
	mustAdd(t, root, "M", m, map[string]string{smach.Succeeded: "S"})
	mustAdd(t, root, "S", s, map[string]string{smach.Succeeded: smach.Succeeded})

	for _, n := range []smach.Node{m, c, s} {
		tr.Register(n, nil)
	}
	node, err := tr.Setup(context.Background(), root)
	require.NoError(t, err)
	_, err = execute(t, node)
	require.NoError(t, err)

	recs := svc.records()
	require.Len(t, recs, 3)
	// ids: root=1, M failed, C=2, S=3
	assert.Equal(t, int64(1), recs[2].ParentID)
	assert.Equal(t, int64(1), recs[3].ParentID)
	assert.Equal(t, []int64{2, 3}, recs[1].ChildrenIDs)
	assert.Zero(t, tr.Active())
}

func TestRootUntrackedIsStructuralButHarmless(t *testing.T) {
	svc := &fakeService{failCalls: map[int]bool{1: true}}
	tr := newTestTracker(svc)

	leaf := smach.NewState(nil)
	root := smach.NewStateMachine()
	mustAdd(t, root, "LEAF", leaf, map[string]string{smach.Succeeded: smach.Succeeded})
	tr.Register(leaf, nil)

	node, err := tr.Setup(context.Background(), root)
	require.NoError(t, err)
	_, err = execute(t, node)
	require.NoError(t, err)

	recs := svc.records()
	require.Len(t, recs, 1)
	assert.Equal(t, NoParent, recs[1].ParentID)
	assert.Zero(t, tr.Active())
}

func TestResolveParentWithoutLiveRoot(t *testing.T) {
	tr := newTestTracker(&fakeService{})
	var root, child smach.Metadata
	root.Register(nil)
	child.Setup("child", &root)

	_, err := tr.resolveParent(&child, 5)
	assert.ErrorIs(t, err, ErrNoLiveAncestor)
}

func TestChildrenFrozenAtShipping(t *testing.T) {
	svc := &fakeService{}
	tr := newTestTracker(svc)

	q := smach.NewState(nil)
	p := smach.NewStateMachine()
	mustAdd(t, p, "Q", q, map[string]string{smach.Succeeded: smach.Succeeded})
	r := smach.NewState(nil)
	root := smach.NewStateMachine()
	mustAdd(t, root, "P", p, map[string]string{smach.Succeeded: "R"})
	mustAdd(t, root, "R", r, map[string]string{smach.Succeeded: smach.Succeeded})
	for _, n := range []smach.Node{p, q, r} {
		tr.Register(n, nil)
	}

	node, err := tr.Setup(context.Background(), root)
	require.NoError(t, err)
	_, err = execute(t, node)
	require.NoError(t, err)

	recs := svc.records()
	// ids: root=1, P=2, Q=3, R=4
	assert.Equal(t, []int64{3}, recs[2].ChildrenIDs, "R started after P shipped")
	assert.Equal(t, []int64{2, 4}, recs[1].ChildrenIDs)
	assert.Equal(t, int64(2), recs[3].ParentID)
	assert.Equal(t, int64(1), recs[4].ParentID)
}

func TestNodeErrorPropagatesAndEpisodeShips(t *testing.T) {
	svc := &fakeService{}
	tr := newTestTracker(svc)

	boom := errors.New("gripper jammed")
	leaf := smach.NewState(func(context.Context, *smach.UserData) (string, error) {
		return smach.Aborted, boom
	})
	root := smach.NewStateMachine()
	mustAdd(t, root, "LEAF", leaf, nil)
	tr.Register(leaf, []string{"grasp"})

	node, err := tr.Setup(context.Background(), root)
	require.NoError(t, err)
	_, err = execute(t, node)
	assert.Same(t, boom, err)

	assert.Equal(t, 2, svc.count())
	assert.Zero(t, tr.Active())
	assert.Zero(t, leaf.Metadata().ActiveID())
}

func TestNodePanicPropagatesAndEpisodeShips(t *testing.T) {
	svc := &fakeService{}
	tr := newTestTracker(svc)

	leaf := smach.NewState(func(context.Context, *smach.UserData) (string, error) {
		panic("sensor exploded")
	})
	tr.Register(leaf, nil)
	node, err := tr.Setup(context.Background(), leaf)
	require.NoError(t, err)

	assert.PanicsWithValue(t, "sensor exploded", func() {
		_, _ = execute(t, node)
	})
	assert.Equal(t, 1, svc.count())
	assert.Zero(t, tr.Active())
}

func TestStoreFailureDoesNotReachEngine(t *testing.T) {
	svc := &fakeService{storeErr: errors.New("disk full")}
	tr := newTestTracker(svc)

	leaf := smach.NewState(nil)
	node, err := tr.Setup(context.Background(), leaf)
	require.NoError(t, err)

	outcome, err := execute(t, node)
	require.NoError(t, err)
	assert.Equal(t, smach.Succeeded, outcome)
	assert.Zero(t, tr.Active())
}

func TestEndNeverBeforeStart(t *testing.T) {
	svc := &fakeService{}
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	tick := 0
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		tick++
		return base.Add(-time.Duration(tick) * time.Second)
	}
	tr := newTestTracker(svc, WithClock(clock))

	node, err := tr.Setup(context.Background(), smach.NewState(nil))
	require.NoError(t, err)
	_, err = execute(t, node)
	require.NoError(t, err)

	ep := svc.records()[1]
	assert.False(t, ep.When.End.Before(ep.When.Start))
}

func TestWithStoreRedirectsShipping(t *testing.T) {
	svc := &fakeService{}
	other := &fakeService{}
	tr := newTestTracker(svc, WithStore(other))

	node, err := tr.Setup(context.Background(), smach.NewState(nil))
	require.NoError(t, err)
	_, err = execute(t, node)
	require.NoError(t, err)

	assert.Zero(t, svc.count())
	assert.Equal(t, 1, other.count())
}

// Parallel branches, each with an unregistered wrapper around a registered
// composite that itself runs registered leaves in parallel.
func TestParallelBranchesLinkConsistently(t *testing.T) {
	svc := &fakeService{}
	tr := newTestTracker(svc)

	sleepy := func() *smach.State {
		return smach.NewState(func(ctx context.Context, _ *smach.UserData) (string, error) {
			time.Sleep(time.Millisecond)
			return smach.Succeeded, nil
		})
	}

	root := smach.NewConcurrence("")
	const branches, leaves = 8, 4
	for i := range branches {
		inner := smach.NewConcurrence("")
		for j := range leaves {
			leaf := sleepy()
			tr.Register(leaf, []string{"leaf"})
			require.NoError(t, inner.Add(string(rune('a'+j)), leaf))
		}
		tr.Register(inner, []string{"branch"})
		wrapper := smach.NewStateMachine()
		mustAdd(t, wrapper, "INNER", inner, map[string]string{smach.Succeeded: smach.Succeeded})
		require.NoError(t, root.Add(string(rune('A'+i)), wrapper))
	}

	node, err := tr.Setup(context.Background(), root)
	require.NoError(t, err)
	_, err = execute(t, node)
	require.NoError(t, err)

	assert.Zero(t, tr.Active(), "no leaked drafts")
	recs := svc.records()
	require.Len(t, recs, 1+branches+branches*leaves)

	var rootID int64
	for id, ep := range recs {
		if slices.Equal(ep.Tags, []string{RootTag}) {
			rootID = id
		}
	}
	require.NotZero(t, rootID)
	assert.Len(t, recs[rootID].ChildrenIDs, branches)

	for id, ep := range recs {
		assert.False(t, ep.When.End.Before(ep.When.Start))
		if id == rootID {
			assert.Equal(t, NoParent, ep.ParentID)
			continue
		}
		parent, ok := recs[ep.ParentID]
		require.True(t, ok, "episode %d has unknown parent %d", id, ep.ParentID)
		assert.Contains(t, parent.ChildrenIDs, id)
		for _, c := range ep.ChildrenIDs {
			assert.Equal(t, id, recs[c].ParentID)
		}
		switch ep.Tags[0] {
		case "branch":
			assert.Equal(t, rootID, ep.ParentID)
			assert.Len(t, ep.ChildrenIDs, leaves)
			assert.Equal(t, ltm.KindComposite, ep.Kind)
		case "leaf":
			assert.Empty(t, ep.ChildrenIDs)
			assert.Equal(t, ltm.KindLeaf, ep.Kind)
		}
	}
}

func TestRepeatedExecutionGetsFreshIDs(t *testing.T) {
	svc := &fakeService{}
	tr := newTestTracker(svc)

	leaf := smach.NewState(nil)
	tr.Register(leaf, nil)
	root := smach.NewStateMachine()
	mustAdd(t, root, "LEAF", leaf, map[string]string{smach.Succeeded: "AGAIN"})
	mustAdd(t, root, "AGAIN", smach.NewState(nil), map[string]string{smach.Succeeded: smach.Succeeded})

	node, err := tr.Setup(context.Background(), root)
	require.NoError(t, err)
	for range 3 {
		_, err = execute(t, node)
		require.NoError(t, err)
	}
	assert.Equal(t, 6, svc.count())
	assert.Zero(t, tr.Active())
}
