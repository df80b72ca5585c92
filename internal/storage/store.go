package storage

import (
	"context"

	"github.com/ashita-ai/ltm/internal/model"
)

// InsertResult reports the outcome of InsertEpisodes.
type InsertResult struct {
	Added   int
	Updated int

	// Conflicts lists uids that were already stored and left untouched.
	Conflicts []int64
}

// EpisodeStore is the persistence contract of the episode service.
// *DB and *sqlite.DB implement it.
type EpisodeStore interface {
	// InsertEpisodes stores eps in one transaction. Existing uids are replaced
	// when update is set and reported in InsertResult.Conflicts otherwise.
	InsertEpisodes(ctx context.Context, eps []model.Episode, update bool) (InsertResult, error)

	// GetEpisode returns ErrNotFound for an unknown uid.
	GetEpisode(ctx context.Context, uid int64) (model.Episode, error)

	// UpdateEpisodeWhen replaces the time span of uid.
	UpdateEpisodeWhen(ctx context.Context, uid int64, when model.TimeSpan) error

	EpisodeExists(ctx context.Context, uid int64) (bool, error)
	CountEpisodes(ctx context.Context) (int64, error)

	// DeleteAllEpisodes removes every stored episode and returns how many.
	DeleteAllEpisodes(ctx context.Context) (int64, error)

	// Backend names the implementation for health reporting.
	Backend() string

	Ping(ctx context.Context) error
	Close(ctx context.Context)
}
