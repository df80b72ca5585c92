// Package episodes holds the business logic behind the LTM HTTP API: issuing
// uids, storing finished episodes, recomputing composite time spans, and
// database maintenance.
package episodes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/ltm/internal/model"
	"github.com/ashita-ai/ltm/internal/reservation"
	"github.com/ashita-ai/ltm/internal/storage"
	"github.com/ashita-ai/ltm/internal/telemetry"
)

var (
	// ErrExhausted is returned by Register when every uid in the configured
	// space is either stored or reserved.
	ErrExhausted = errors.New("episodes: uid space exhausted")

	// ErrInvalid wraps validation failures of submitted episodes.
	ErrInvalid = errors.New("episodes: invalid episode")
)

const (
	// randomProbes is how many uniformly random candidates Register tries
	// before falling back to a scan.
	randomProbes = 64

	// maxScan bounds the fallback scan so a nearly full space of billions
	// of uids fails fast instead of walking the whole store.
	maxScan = 4096
)

// Service implements the episode operations over a store and a reservation
// backend.
type Service struct {
	store        storage.EpisodeStore
	reservations reservation.Store
	maxEpisodes  int64
	logger       *slog.Logger

	randN func(n int64) int64
	now   func() time.Time

	registered metric.Int64Counter
	exhausted  metric.Int64Counter
	stored     metric.Int64Counter
}

// New returns a Service with a uid space of [1, maxEpisodes].
func New(store storage.EpisodeStore, reservations reservation.Store, maxEpisodes int64, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	meter := telemetry.Meter("ltm/episodes")
	registered, _ := meter.Int64Counter("ltm.episodes.registered",
		metric.WithDescription("Uids issued by the register endpoint"))
	exhausted, _ := meter.Int64Counter("ltm.episodes.exhausted",
		metric.WithDescription("Register calls rejected because the uid space is full"))
	stored, _ := meter.Int64Counter("ltm.episodes.stored",
		metric.WithDescription("Episodes written, by outcome"))
	return &Service{
		store:        store,
		reservations: reservations,
		maxEpisodes:  maxEpisodes,
		logger:       logger,
		randN:        rand.Int64N,
		now:          time.Now,
		registered:   registered,
		exhausted:    exhausted,
		stored:       stored,
	}
}

// Register reserves a fresh uid.
func (s *Service) Register(ctx context.Context) (int64, error) {
	stored, err := s.store.CountEpisodes(ctx)
	if err != nil {
		return 0, fmt.Errorf("episodes: register: %w", err)
	}
	reserved, err := s.reservations.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("episodes: register: %w", err)
	}
	if s.maxEpisodes <= stored+reserved {
		s.exhausted.Add(ctx, 1)
		s.logger.Warn("episodes: uid space exhausted",
			"stored", stored, "reserved", reserved, "capacity", s.maxEpisodes)
		return 0, ErrExhausted
	}

	for range randomProbes {
		uid := 1 + s.randN(s.maxEpisodes)
		ok, err := s.claim(ctx, uid)
		if err != nil {
			return 0, err
		}
		if ok {
			s.registered.Add(ctx, 1)
			return uid, nil
		}
	}

	start := s.randN(s.maxEpisodes)
	for i := range min(s.maxEpisodes, maxScan) {
		uid := (start+i)%s.maxEpisodes + 1
		ok, err := s.claim(ctx, uid)
		if err != nil {
			return 0, err
		}
		if ok {
			s.registered.Add(ctx, 1)
			return uid, nil
		}
	}
	s.exhausted.Add(ctx, 1)
	return 0, ErrExhausted
}

func (s *Service) claim(ctx context.Context, uid int64) (bool, error) {
	exists, err := s.store.EpisodeExists(ctx, uid)
	if err != nil {
		return false, fmt.Errorf("episodes: register: %w", err)
	}
	if exists {
		return false, nil
	}
	ok, err := s.reservations.Reserve(ctx, uid)
	if err != nil {
		return false, fmt.Errorf("episodes: register: %w", err)
	}
	return ok, nil
}

// Add validates and stores eps. Existing uids are replaced when update is
// set and listed as conflicts otherwise. A batch that stored nothing because
// every uid already existed fails with storage.ErrExists.
func (s *Service) Add(ctx context.Context, eps []model.Episode, update bool) (storage.InsertResult, error) {
	if len(eps) == 0 {
		return storage.InsertResult{}, fmt.Errorf("%w: no episodes", ErrInvalid)
	}
	if len(eps) > model.MaxBatchSize {
		return storage.InsertResult{}, fmt.Errorf("%w: batch exceeds maximum of %d", ErrInvalid, model.MaxBatchSize)
	}

	now := s.now().UTC()
	seen := make(map[int64]struct{}, len(eps))
	batch := make([]model.Episode, len(eps))
	for i, ep := range eps {
		if ep.Info.CreationDate.IsZero() {
			ep.Info.CreationDate = now
		}
		if err := model.ValidateEpisode(ep); err != nil {
			return storage.InsertResult{}, fmt.Errorf("%w: episodes[%d]: %v", ErrInvalid, i, err)
		}
		if _, dup := seen[ep.UID]; dup {
			return storage.InsertResult{}, fmt.Errorf("%w: episodes[%d]: duplicate uid %d in batch", ErrInvalid, i, ep.UID)
		}
		seen[ep.UID] = struct{}{}
		batch[i] = ep
	}

	res, err := s.store.InsertEpisodes(ctx, batch, update)
	if err != nil {
		return storage.InsertResult{}, fmt.Errorf("episodes: add: %w", err)
	}
	s.stored.Add(ctx, int64(res.Added), metric.WithAttributes(attribute.String("outcome", "added")))
	s.stored.Add(ctx, int64(res.Updated), metric.WithAttributes(attribute.String("outcome", "updated")))
	s.stored.Add(ctx, int64(len(res.Conflicts)), metric.WithAttributes(attribute.String("outcome", "conflict")))

	uids := make([]int64, 0, len(batch))
	for _, ep := range batch {
		uids = append(uids, ep.UID)
	}
	if err := s.reservations.Release(ctx, uids...); err != nil {
		// The episodes are stored; a stale reservation only expires later.
		s.logger.Warn("episodes: release reservations failed", "error", err, "count", len(uids))
	}

	if len(res.Conflicts) > 0 {
		s.logger.Info("episodes: add skipped existing uids", "conflicts", len(res.Conflicts))
		if res.Added == 0 && res.Updated == 0 {
			return res, fmt.Errorf("episodes: add: %w", storage.ErrExists)
		}
	}
	return res, nil
}

// UpdateTree recomputes the time span of every composite episode under uid
// from its children and returns the refreshed root together with the number
// of episodes visited. The first child's span is copied and later children
// widen it. Leaves and composites without children are left untouched.
func (s *Service) UpdateTree(ctx context.Context, uid int64) (model.Episode, int, error) {
	var visited int
	ep, err := s.updateNode(ctx, uid, make(map[int64]bool), &visited)
	if err != nil {
		return model.Episode{}, visited, err
	}
	return ep, visited, nil
}

func (s *Service) updateNode(ctx context.Context, uid int64, onPath map[int64]bool, visited *int) (model.Episode, error) {
	if onPath[uid] {
		return model.Episode{}, fmt.Errorf("%w: cycle through uid %d", ErrInvalid, uid)
	}
	ep, err := s.store.GetEpisode(ctx, uid)
	if err != nil {
		return model.Episode{}, fmt.Errorf("episodes: update tree %d: %w", uid, err)
	}
	*visited++
	if ep.Kind == model.KindLeaf || len(ep.ChildrenIDs) == 0 {
		return ep, nil
	}

	onPath[uid] = true
	defer delete(onPath, uid)

	var when model.TimeSpan
	for i, childID := range ep.ChildrenIDs {
		child, err := s.updateNode(ctx, childID, onPath, visited)
		if err != nil {
			return model.Episode{}, err
		}
		if i == 0 {
			when = child.When
			continue
		}
		when.Widen(child.When)
	}

	if !when.Start.Equal(ep.When.Start) || !when.End.Equal(ep.When.End) {
		if err := s.store.UpdateEpisodeWhen(ctx, uid, when); err != nil {
			return model.Episode{}, fmt.Errorf("episodes: update tree %d: %w", uid, err)
		}
		s.logger.Debug("episodes: widened span", "uid", uid, "start", when.Start, "end", when.End)
	}
	ep.When = when
	return ep, nil
}

// Status is a snapshot of the store.
type Status struct {
	Entries  int64
	Reserved int64
	Capacity int64
}

func (s *Service) Status(ctx context.Context) (Status, error) {
	entries, err := s.store.CountEpisodes(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("episodes: status: %w", err)
	}
	reserved, err := s.reservations.Count(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("episodes: status: %w", err)
	}
	return Status{Entries: entries, Reserved: reserved, Capacity: s.maxEpisodes}, nil
}

// Drop deletes every stored episode and forgets every reservation.
func (s *Service) Drop(ctx context.Context) (int64, error) {
	n, err := s.store.DeleteAllEpisodes(ctx)
	if err != nil {
		return 0, fmt.Errorf("episodes: drop: %w", err)
	}
	if err := s.reservations.Clear(ctx); err != nil {
		return n, fmt.Errorf("episodes: drop: %w", err)
	}
	s.logger.Info("episodes: dropped all episodes", "deleted", n)
	return n, nil
}

// Ping checks the storage backend.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Backends names the storage and reservation implementations.
func (s *Service) Backends() (store, reservations string) {
	return s.store.Backend(), s.reservations.Backend()
}
