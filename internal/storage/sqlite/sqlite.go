// Package sqlite is an embedded, single-file EpisodeStore backed by
// modernc.org/sqlite. It needs no external database and is the default
// backend for development and single-node deployments.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/ashita-ai/ltm/internal/model"
	"github.com/ashita-ai/ltm/internal/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS episodes (
	uid           INTEGER PRIMARY KEY CHECK (uid > 0),
	kind          TEXT    NOT NULL,
	parent_id     INTEGER,
	children_ids  TEXT    NOT NULL DEFAULT '[]',
	tags          TEXT    NOT NULL DEFAULT '[]',
	source        TEXT    NOT NULL,
	creation_date INTEGER NOT NULL,
	start_at      INTEGER NOT NULL,
	end_at        INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_episodes_parent_id ON episodes (parent_id);
`

// DB is an EpisodeStore over one SQLite file.
type DB struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ storage.EpisodeStore = (*DB)(nil)

// Open opens (creating if needed) the database at path and applies the
// schema. Use ":memory:" for a throwaway store.
func Open(ctx context.Context, path string, logger *slog.Logger) (*DB, error) {
	sqldb, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	// One writer at a time; also keeps a ":memory:" database on one connection.
	sqldb.SetMaxOpenConns(1)

	pragmas := []string{"PRAGMA busy_timeout = 5000", "PRAGMA foreign_keys = ON"}
	if path != ":memory:" {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}
	for _, p := range append(pragmas, schema) {
		if _, err := sqldb.ExecContext(ctx, p); err != nil {
			_ = sqldb.Close()
			return nil, fmt.Errorf("sqlite: init: %w", err)
		}
	}
	logger.Info("sqlite: store ready", "path", path)
	return &DB{db: sqldb, logger: logger}, nil
}

func (d *DB) Backend() string { return "sqlite" }

func (d *DB) Ping(ctx context.Context) error { return d.db.PingContext(ctx) }

func (d *DB) Close(_ context.Context) {
	if err := d.db.Close(); err != nil {
		d.logger.Warn("sqlite: close", "error", err)
	}
}

// InsertEpisodes stores eps in one transaction.
func (d *DB) InsertEpisodes(ctx context.Context, eps []model.Episode, update bool) (storage.InsertResult, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return storage.InsertResult{}, fmt.Errorf("sqlite: begin insert tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var result storage.InsertResult
	for _, e := range eps {
		args, err := episodeArgs(e)
		if err != nil {
			return storage.InsertResult{}, err
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO episodes (uid, kind, parent_id, children_ids, tags, source, creation_date, start_at, end_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (uid) DO NOTHING`, args...)
		if err != nil {
			return storage.InsertResult{}, fmt.Errorf("sqlite: insert episode %d: %w", e.UID, err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			result.Added++
			continue
		}
		if !update {
			result.Conflicts = append(result.Conflicts, e.UID)
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE episodes SET kind = ?2, parent_id = ?3, children_ids = ?4, tags = ?5,
			        source = ?6, creation_date = ?7, start_at = ?8, end_at = ?9
			 WHERE uid = ?1`, args...); err != nil {
			return storage.InsertResult{}, fmt.Errorf("sqlite: update episode %d: %w", e.UID, err)
		}
		result.Updated++
	}
	if err := tx.Commit(); err != nil {
		return storage.InsertResult{}, fmt.Errorf("sqlite: commit insert tx: %w", err)
	}
	return result, nil
}

func episodeArgs(e model.Episode) ([]any, error) {
	children := e.ChildrenIDs
	if children == nil {
		children = []int64{}
	}
	tags := e.Tags
	if tags == nil {
		tags = []string{}
	}
	childrenJSON, err := json.Marshal(children)
	if err != nil {
		return nil, fmt.Errorf("sqlite: encode children of %d: %w", e.UID, err)
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return nil, fmt.Errorf("sqlite: encode tags of %d: %w", e.UID, err)
	}
	var parent sql.NullInt64
	if e.ParentID != 0 {
		parent = sql.NullInt64{Int64: e.ParentID, Valid: true}
	}
	return []any{
		e.UID, string(e.Kind), parent, string(childrenJSON), string(tagsJSON), e.Info.Source,
		e.Info.CreationDate.UnixNano(), e.When.Start.UnixNano(), e.When.End.UnixNano(),
	}, nil
}

// GetEpisode returns the episode with the given uid.
func (d *DB) GetEpisode(ctx context.Context, uid int64) (model.Episode, error) {
	var (
		e                       model.Episode
		kind, children, tags    string
		parent                  sql.NullInt64
		created, startAt, endAt int64
	)
	err := d.db.QueryRowContext(ctx,
		`SELECT uid, kind, parent_id, children_ids, tags, source, creation_date, start_at, end_at
		 FROM episodes WHERE uid = ?`, uid,
	).Scan(&e.UID, &kind, &parent, &children, &tags, &e.Info.Source, &created, &startAt, &endAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Episode{}, fmt.Errorf("sqlite: episode %d: %w", uid, storage.ErrNotFound)
		}
		return model.Episode{}, fmt.Errorf("sqlite: get episode: %w", err)
	}
	if err := json.Unmarshal([]byte(children), &e.ChildrenIDs); err != nil {
		return model.Episode{}, fmt.Errorf("sqlite: decode children of %d: %w", uid, err)
	}
	if err := json.Unmarshal([]byte(tags), &e.Tags); err != nil {
		return model.Episode{}, fmt.Errorf("sqlite: decode tags of %d: %w", uid, err)
	}
	e.Kind = model.EpisodeKind(kind)
	e.ParentID = parent.Int64
	e.Info.CreationDate = time.Unix(0, created).UTC()
	e.When = model.TimeSpan{Start: time.Unix(0, startAt).UTC(), End: time.Unix(0, endAt).UTC()}
	return e, nil
}

// UpdateEpisodeWhen replaces the stored time span of uid.
func (d *DB) UpdateEpisodeWhen(ctx context.Context, uid int64, when model.TimeSpan) error {
	res, err := d.db.ExecContext(ctx,
		`UPDATE episodes SET start_at = ?, end_at = ? WHERE uid = ?`,
		when.Start.UnixNano(), when.End.UnixNano(), uid)
	if err != nil {
		return fmt.Errorf("sqlite: update episode when: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite: episode %d: %w", uid, storage.ErrNotFound)
	}
	return nil
}

func (d *DB) EpisodeExists(ctx context.Context, uid int64) (bool, error) {
	var exists bool
	if err := d.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM episodes WHERE uid = ?)`, uid,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("sqlite: episode exists: %w", err)
	}
	return exists, nil
}

func (d *DB) CountEpisodes(ctx context.Context) (int64, error) {
	var n int64
	if err := d.db.QueryRowContext(ctx, `SELECT count(*) FROM episodes`).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite: count episodes: %w", err)
	}
	return n, nil
}

func (d *DB) DeleteAllEpisodes(ctx context.Context) (int64, error) {
	res, err := d.db.ExecContext(ctx, `DELETE FROM episodes`)
	if err != nil {
		return 0, fmt.Errorf("sqlite: delete episodes: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
