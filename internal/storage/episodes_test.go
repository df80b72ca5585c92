//go:build integration

package storage_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/ltm/internal/model"
	"github.com/ashita-ai/ltm/internal/storage"
	"github.com/ashita-ai/ltm/internal/testutil"
	"github.com/ashita-ai/ltm/migrations"
)

// testDB holds a shared test database connection for all tests in this package.
var testDB *storage.DB

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()
	db, err := tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		tc.Terminate()
		panic(err)
	}
	testDB = db
	code := m.Run()
	db.Close(context.Background())
	tc.Terminate()
	os.Exit(code)
}

func resetEpisodes(t *testing.T) {
	t.Helper()
	_, err := testDB.DeleteAllEpisodes(context.Background())
	require.NoError(t, err)
}

func sampleEpisode(uid, parent int64, children ...int64) model.Episode {
	start := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	kind := model.KindLeaf
	if len(children) > 0 {
		kind = model.KindComposite
	}
	return model.Episode{
		UID:         uid,
		Kind:        kind,
		ParentID:    parent,
		ChildrenIDs: children,
		Tags:        []string{"navigation"},
		Info:        model.EpisodeInfo{Source: model.DefaultSource, CreationDate: start},
		When:        model.TimeSpan{Start: start, End: start.Add(2 * time.Second)},
	}
}

func TestRunMigrationsIsIdempotent(t *testing.T) {
	ctx := context.Background()
	require.NoError(t, testDB.RunMigrations(ctx, migrations.FS))
	applied, err := testDB.AppliedMigrations(ctx)
	require.NoError(t, err)
	assert.Contains(t, applied, "001_episodes.sql")
}

func TestPostgresInsertAndGet(t *testing.T) {
	resetEpisodes(t)
	ctx := context.Background()

	root := sampleEpisode(1, 0, 2)
	res, err := testDB.InsertEpisodes(ctx, []model.Episode{root, sampleEpisode(2, 1)}, false)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Added)

	got, err := testDB.GetEpisode(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, root, got)

	leaf, err := testDB.GetEpisode(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(1), leaf.ParentID)
	assert.Empty(t, leaf.ChildrenIDs)

	_, err = testDB.GetEpisode(ctx, 99)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestPostgresConflictsAndUpdate(t *testing.T) {
	resetEpisodes(t)
	ctx := context.Background()

	_, err := testDB.InsertEpisodes(ctx, []model.Episode{sampleEpisode(3, 0)}, false)
	require.NoError(t, err)

	changed := sampleEpisode(3, 0)
	changed.Tags = []string{"changed"}
	res, err := testDB.InsertEpisodes(ctx, []model.Episode{changed}, false)
	require.NoError(t, err)
	assert.Equal(t, []int64{3}, res.Conflicts)

	res, err = testDB.InsertEpisodes(ctx, []model.Episode{changed}, true)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)

	got, err := testDB.GetEpisode(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"changed"}, got.Tags)
}

func TestPostgresUpdateWhenCountDelete(t *testing.T) {
	resetEpisodes(t)
	ctx := context.Background()
	_, err := testDB.InsertEpisodes(ctx, []model.Episode{sampleEpisode(4, 0), sampleEpisode(5, 0)}, false)
	require.NoError(t, err)

	span := model.TimeSpan{
		Start: time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, testDB.UpdateEpisodeWhen(ctx, 4, span))
	got, err := testDB.GetEpisode(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, span, got.When)
	assert.ErrorIs(t, testDB.UpdateEpisodeWhen(ctx, 404, span), storage.ErrNotFound)

	n, err := testDB.CountEpisodes(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	exists, err := testDB.EpisodeExists(ctx, 5)
	require.NoError(t, err)
	assert.True(t, exists)

	deleted, err := testDB.DeleteAllEpisodes(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)
}
