package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/ltm/internal/model"
)

const episodeColumns = `uid, kind, parent_id, children_ids, tags, source, creation_date, start_at, end_at`

// Backend implements EpisodeStore.
func (db *DB) Backend() string { return "postgres" }

// InsertEpisodes stores eps in a single transaction, retried on
// serialization failures and deadlocks.
func (db *DB) InsertEpisodes(ctx context.Context, eps []model.Episode, update bool) (InsertResult, error) {
	var result InsertResult
	err := WithRetry(ctx, 3, 10*time.Millisecond, func() error {
		var err error
		result, err = db.insertEpisodesTx(ctx, eps, update)
		return err
	})
	if err != nil {
		return InsertResult{}, err
	}
	return result, nil
}

func (db *DB) insertEpisodesTx(ctx context.Context, eps []model.Episode, update bool) (InsertResult, error) {
	tx, err := db.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return InsertResult{}, fmt.Errorf("storage: begin insert tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var result InsertResult
	for _, e := range eps {
		tag, err := tx.Exec(ctx,
			`INSERT INTO episodes (`+episodeColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			 ON CONFLICT (uid) DO NOTHING`,
			e.UID, string(e.Kind), nullableID(e.ParentID), nonNilIDs(e.ChildrenIDs), nonNilTags(e.Tags),
			e.Info.Source, e.Info.CreationDate, e.When.Start, e.When.End,
		)
		if err != nil {
			return InsertResult{}, fmt.Errorf("storage: insert episode %d: %w", e.UID, err)
		}
		if tag.RowsAffected() == 1 {
			result.Added++
			continue
		}
		if !update {
			result.Conflicts = append(result.Conflicts, e.UID)
			continue
		}
		if _, err := tx.Exec(ctx,
			`UPDATE episodes SET kind = $2, parent_id = $3, children_ids = $4, tags = $5,
			        source = $6, creation_date = $7, start_at = $8, end_at = $9, stored_at = now()
			 WHERE uid = $1`,
			e.UID, string(e.Kind), nullableID(e.ParentID), nonNilIDs(e.ChildrenIDs), nonNilTags(e.Tags),
			e.Info.Source, e.Info.CreationDate, e.When.Start, e.When.End,
		); err != nil {
			return InsertResult{}, fmt.Errorf("storage: update episode %d: %w", e.UID, err)
		}
		result.Updated++
	}

	if err := tx.Commit(ctx); err != nil {
		return InsertResult{}, fmt.Errorf("storage: commit insert tx: %w", err)
	}
	return result, nil
}

// GetEpisode returns the episode with the given uid.
func (db *DB) GetEpisode(ctx context.Context, uid int64) (model.Episode, error) {
	row := db.pool.QueryRow(ctx, `SELECT `+episodeColumns+` FROM episodes WHERE uid = $1`, uid)

	var (
		e      model.Episode
		kind   string
		parent *int64
	)
	err := row.Scan(&e.UID, &kind, &parent, &e.ChildrenIDs, &e.Tags,
		&e.Info.Source, &e.Info.CreationDate, &e.When.Start, &e.When.End)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Episode{}, fmt.Errorf("storage: episode %d: %w", uid, ErrNotFound)
		}
		return model.Episode{}, fmt.Errorf("storage: get episode: %w", err)
	}
	e.Kind = model.EpisodeKind(kind)
	if parent != nil {
		e.ParentID = *parent
	}
	e.Info.CreationDate = e.Info.CreationDate.UTC()
	e.When.Start = e.When.Start.UTC()
	e.When.End = e.When.End.UTC()
	return e, nil
}

// UpdateEpisodeWhen replaces the stored time span of uid.
func (db *DB) UpdateEpisodeWhen(ctx context.Context, uid int64, when model.TimeSpan) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE episodes SET start_at = $2, end_at = $3, stored_at = now() WHERE uid = $1`,
		uid, when.Start, when.End,
	)
	if err != nil {
		return fmt.Errorf("storage: update episode when: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: episode %d: %w", uid, ErrNotFound)
	}
	return nil
}

// EpisodeExists reports whether uid is stored.
func (db *DB) EpisodeExists(ctx context.Context, uid int64) (bool, error) {
	var exists bool
	if err := db.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM episodes WHERE uid = $1)`, uid,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("storage: episode exists: %w", err)
	}
	return exists, nil
}

// CountEpisodes returns the number of stored episodes.
func (db *DB) CountEpisodes(ctx context.Context) (int64, error) {
	var n int64
	if err := db.pool.QueryRow(ctx, `SELECT count(*) FROM episodes`).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count episodes: %w", err)
	}
	return n, nil
}

// DeleteAllEpisodes removes every stored episode.
func (db *DB) DeleteAllEpisodes(ctx context.Context) (int64, error) {
	tag, err := db.pool.Exec(ctx, `DELETE FROM episodes`)
	if err != nil {
		return 0, fmt.Errorf("storage: delete episodes: %w", err)
	}
	return tag.RowsAffected(), nil
}

// nullableID maps the 0 "no parent" sentinel to SQL NULL.
func nullableID(id int64) *int64 {
	if id == 0 {
		return nil
	}
	return &id
}

func nonNilIDs(ids []int64) []int64 {
	if ids == nil {
		return []int64{}
	}
	return ids
}

func nonNilTags(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}
