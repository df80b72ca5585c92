// Package episode records executions of registered state-machine nodes as
// LTM episodes.
//
// A Tracker is built around a Service that issues ids and stores records.
// Application code registers the nodes it wants traced, then calls Setup on
// the tree root and executes the node Setup returns:
//
//	tr := episode.New(client)
//	tr.Register(grasp, []string{"manipulation"})
//	root, err := tr.Setup(ctx, machine)
//	...
//	outcome, err := root.Execute(ctx, smach.NewUserData(nil))
//
// Each execution of a registered node becomes one episode whose parent is the
// nearest ancestor execution that is still running. Unregistered nodes in
// between are skipped. If no id can be acquired for an execution, it is not
// recorded and its descendants link to the next live ancestor instead.
//
// Running the same node instance concurrently with itself is not supported.
package episode

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/ltm/sdk/go/ltm"
	"github.com/ashita-ai/ltm/sdk/go/smach"
)

// Tracker owns the table of in-flight drafts. Safe for concurrent use by
// parallel branches of the tree.
type Tracker struct {
	svc    Service
	store  Store
	logger *slog.Logger
	now    func() time.Time

	// Lock order: a node's Metadata lock, then mu.
	mu     sync.Mutex
	drafts map[int64]*draft

	started   metric.Int64Counter
	shipped   metric.Int64Counter
	untracked metric.Int64Counter
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithLogger sets the tracker's logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

// WithStore ships completed records to s instead of the Service, typically a
// Shipper in front of it.
func WithStore(s Store) Option {
	return func(t *Tracker) { t.store = s }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// New creates a Tracker backed by svc.
func New(svc Service, opts ...Option) *Tracker {
	t := &Tracker{
		svc:    svc,
		store:  svc,
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
		drafts: make(map[int64]*draft),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With("tracker", uuid.NewString())
	t.registerMetrics()
	return t
}

func (t *Tracker) registerMetrics() {
	meter := otel.Meter("ltm/episode")

	t.started, _ = meter.Int64Counter("ltm.tracker.episodes_started",
		metric.WithDescription("Executions that acquired an id and opened a draft"))
	t.shipped, _ = meter.Int64Counter("ltm.tracker.episodes_shipped",
		metric.WithDescription("Completed episode records handed to the store"))
	t.untracked, _ = meter.Int64Counter("ltm.tracker.episodes_untracked",
		metric.WithDescription("Executions of registered nodes left unrecorded after id acquisition failed"))
	_, _ = meter.Int64ObservableGauge("ltm.tracker.active",
		metric.WithDescription("Drafts currently in flight"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(t.Active()))
			return nil
		}),
	)
}

// Register marks node as traced with the given tags. Call before Setup.
func (t *Tracker) Register(node smach.Node, tags []string) {
	node.Metadata().Register(tags)
}

// IsRegistered reports whether node is traced. It does not require the node
// to be running.
func (t *Tracker) IsRegistered(node smach.Node) bool {
	return node.Metadata().IsRegistered()
}

// Setup waits for the service, registers the root if it is not registered
// yet, then stamps and intercepts the tree. The returned node must be
// executed in place of root.
func (t *Tracker) Setup(ctx context.Context, root smach.Node) (smach.Node, error) {
	if err := t.svc.WaitReady(ctx); err != nil {
		return nil, fmt.Errorf("episode: setup: %w", err)
	}
	if !t.IsRegistered(root) {
		t.Register(root, []string{RootTag})
	}
	return t.annotate(root), nil
}

// Active returns the number of drafts in flight.
func (t *Tracker) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.drafts)
}

// start opens a draft for node and links it into the running tree before the
// node's own logic runs.
func (t *Tracker) start(ctx context.Context, node smach.Node) {
	meta := node.Metadata()
	label := meta.Label()

	id, err := t.svc.AcquireID(ctx)
	if err == nil && id == NoParent {
		err = fmt.Errorf("episode: service issued reserved id %d", NoParent)
	}
	if err != nil {
		t.untracked.Add(ctx, 1)
		t.logger.Warn("episode: id acquisition failed, execution not recorded",
			"label", label, "error", err)
		return
	}

	kind := ltm.KindLeaf
	if _, ok := node.(smach.Container); ok {
		kind = ltm.KindComposite
	}
	d := newDraft(id, kind, label, t.now())

	t.mu.Lock()
	t.drafts[id] = d
	t.mu.Unlock()
	meta.Activate(id)

	parentID, err := t.resolveParent(meta, id)
	if err != nil {
		t.logger.Error("episode: execution left without parent",
			"uid", id, "label", label, "error", err)
	}

	t.mu.Lock()
	d.parentID = parentID
	t.mu.Unlock()

	t.started.Add(ctx, 1)
	t.logger.Debug("episode: started", "uid", id, "label", label, "parent", parentID)
}

// end retires the node's draft and ships it. A node without a live draft is
// ignored.
func (t *Tracker) end(ctx context.Context, meta *smach.Metadata) {
	tags := meta.Tags()

	var (
		ep  ltm.Episode
		got bool
	)
	meta.Retire(func(id int64) {
		if id == 0 {
			return
		}
		t.mu.Lock()
		defer t.mu.Unlock()
		d, ok := t.drafts[id]
		if !ok {
			return
		}
		delete(t.drafts, id)
		now := t.now()
		ep = d.record(tags, now, now)
		got = true
	})
	if !got {
		return
	}

	ctx = context.WithoutCancel(ctx)
	if err := t.store.Store(ctx, ep); err != nil {
		t.logger.Error("episode: store failed", "uid", ep.UID, "label", meta.Label(), "error", err)
		return
	}
	t.shipped.Add(ctx, 1)
	t.logger.Debug("episode: shipped", "uid", ep.UID, "children", len(ep.ChildrenIDs))
}
