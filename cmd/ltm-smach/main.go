// Command ltm-smach executes a YAML-declared state machine with episode
// tracing against an LTM server.
//
//	ltm-smach -file patrol.yaml -update-tree
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ashita-ai/ltm/internal/config"
	"github.com/ashita-ai/ltm/sdk/go/episode"
	"github.com/ashita-ai/ltm/sdk/go/ltm"
	"github.com/ashita-ai/ltm/sdk/go/smach"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		file       = flag.String("file", "", "YAML machine declaration (required)")
		updateTree = flag.Bool("update-tree", false, "recompute composite spans of every root episode after the run")
		describe   = flag.Bool("describe", false, "print the traced tree and exit without executing")
	)
	flag.Parse()
	if *file == "" {
		fmt.Fprintln(os.Stderr, "ltm-smach: -file is required")
		flag.Usage()
		return 2
	}

	_ = godotenv.Load()
	cfg, err := config.LoadClient()
	if err != nil {
		fmt.Fprintln(os.Stderr, "ltm-smach:", err)
		return 1
	}

	level := slog.LevelInfo
	if cfg.LogLevel == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := execute(ctx, cfg, logger, *file, *updateTree, *describe); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func execute(ctx context.Context, cfg config.ClientConfig, logger *slog.Logger, file string, updateTree, describe bool) error {
	tree, err := smach.LoadFile(file)
	if err != nil {
		return err
	}

	client, err := ltm.NewClient(ltm.Config{BaseURL: cfg.URL, Timeout: cfg.Timeout})
	if err != nil {
		return err
	}
	roots := &rootRecorder{BatchStore: client}
	shipper := episode.NewShipper(roots, logger, cfg.ShipBuffer, cfg.ShipInterval)
	tracker := episode.New(client, episode.WithLogger(logger), episode.WithStore(shipper))

	for _, r := range tree.Registrations {
		tracker.Register(r.Node, r.Tags)
	}

	logger.Info("ltm-smach: waiting for ltm server", "url", cfg.URL)
	root, err := tracker.Setup(ctx, tree.Root)
	if err != nil {
		return err
	}
	if describe {
		fmt.Print(tracker.Describe(root))
		return nil
	}

	// Preempted nodes still end after a signal; their records are
	// flushed by Drain below.
	shipper.Start(context.WithoutCancel(ctx))
	start := time.Now()
	outcome, runErr := root.Execute(ctx, smach.NewUserData(nil))
	logger.Info("ltm-smach: machine finished",
		"outcome", outcome, "error", runErr, "duration_ms", time.Since(start).Milliseconds())

	// The run context may already be cancelled; give the final flush its own.
	drainCtx, drainCancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer drainCancel()
	shipper.Drain(drainCtx)
	if n := shipper.Dropped(); n > 0 {
		logger.Warn("ltm-smach: episodes dropped", "count", n)
	}

	if updateTree {
		for _, uid := range roots.uids() {
			resp, err := client.UpdateTree(drainCtx, uid)
			if err != nil {
				logger.Error("ltm-smach: update tree failed", "uid", uid, "error", err)
				continue
			}
			logger.Info("ltm-smach: tree updated", "uid", uid, "visited", resp.Visited,
				"start", resp.Episode.When.Start, "end", resp.Episode.When.End)
		}
	}
	return runErr
}

// rootRecorder remembers the uids of parentless episodes on their way to the
// server.
type rootRecorder struct {
	episode.BatchStore

	mu    sync.Mutex
	roots []int64
}

func (r *rootRecorder) StoreBatch(ctx context.Context, eps []ltm.Episode) error {
	r.mu.Lock()
	for _, ep := range eps {
		if ep.ParentID == episode.NoParent {
			r.roots = append(r.roots, ep.UID)
		}
	}
	r.mu.Unlock()
	return r.BatchStore.StoreBatch(ctx, eps)
}

func (r *rootRecorder) uids() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.roots...)
}
