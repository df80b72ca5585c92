package ltm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockServer creates an httptest server that mimics the LTM API.
func mockServer(t *testing.T, handlers map[string]http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	for pattern, handler := range handlers {
		mux.HandleFunc(pattern, handler)
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, serverURL string) *Client {
	t.Helper()
	c, err := NewClient(Config{BaseURL: serverURL, Timeout: 5 * time.Second, ReadyInterval: 5 * time.Millisecond})
	require.NoError(t, err)
	return c
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	_, err := NewClient(Config{})
	assert.Error(t, err)
}

func TestRegisterReturnsUID(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/episodes/register": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"data": RegisterResponse{UID: 42}})
		},
	})
	c := newTestClient(t, srv.URL)

	uid, err := c.AcquireID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(42), uid)
}

func TestRegisterExhausted(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/episodes/register": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"error": map[string]any{"code": CodeExhausted, "message": "no uids left"},
			})
		},
	})
	c := newTestClient(t, srv.URL)

	_, err := c.Register(context.Background())
	require.Error(t, err)
	assert.True(t, IsExhausted(err))
	assert.ErrorIs(t, err, ErrExhausted)

	var apiErr *Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)
	assert.Equal(t, "no uids left", apiErr.Message)
}

func TestStoreSendsEpisode(t *testing.T) {
	var got AddEpisodesRequest
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/episodes": func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			writeJSON(w, http.StatusOK, map[string]any{"data": AddEpisodesResponse{Added: len(got.Episodes)}})
		},
	})
	c := newTestClient(t, srv.URL)

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ep := Episode{
		UID:         2,
		Kind:        KindLeaf,
		ParentID:    1,
		ChildrenIDs: []int64{},
		Tags:        []string{"grasp"},
		Info:        Info{Source: SourceSmach, CreationDate: start},
		When:        When{Start: start, End: start.Add(time.Second)},
	}
	require.NoError(t, c.Store(context.Background(), ep))
	require.Len(t, got.Episodes, 1)
	assert.Equal(t, ep.UID, got.Episodes[0].UID)
	assert.Equal(t, int64(1), got.Episodes[0].ParentID)
	assert.True(t, ep.When.End.Equal(got.Episodes[0].When.End))
	assert.False(t, got.Update)
}

func TestStoreBatchReportsConflicts(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/episodes": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"data": AddEpisodesResponse{Added: 1, Conflicts: []int64{7}}})
		},
	})
	c := newTestClient(t, srv.URL)

	err := c.StoreBatch(context.Background(), []Episode{{UID: 6}, {UID: 7}})
	require.Error(t, err)
	assert.True(t, IsConflict(err))
}

func TestStoreBatchRejectedIsInvalid(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/episodes": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]any{
				"error": map[string]string{"code": CodeInvalidInput, "message": "request body too large"},
			})
		},
	})
	c := newTestClient(t, srv.URL)

	err := c.StoreBatch(context.Background(), []Episode{{UID: 6}})
	require.Error(t, err)
	assert.True(t, IsInvalid(err))
	assert.False(t, IsConflict(err))
	assert.False(t, IsInvalid(&Error{StatusCode: http.StatusTooManyRequests, Code: "RATE_LIMITED"}))
}

func TestUpdateTreeNotFound(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/episodes/{uid}/update-tree": func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "99", r.PathValue("uid"))
			writeJSON(w, http.StatusNotFound, map[string]any{
				"error": map[string]any{"code": CodeNotFound, "message": "episode 99 not found"},
			})
		},
	})
	c := newTestClient(t, srv.URL)

	_, err := c.UpdateTree(context.Background(), 99)
	assert.True(t, IsNotFound(err))
	assert.False(t, IsExhausted(err))
}

func TestStatusAndDrop(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/status": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"data": StatusResponse{Entries: 3, Reserved: 1, Capacity: 10}})
		},
		"DELETE /v1/episodes": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"data": DropResponse{Deleted: 3}})
		},
	})
	c := newTestClient(t, srv.URL)

	st, err := c.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusResponse{Entries: 3, Reserved: 1, Capacity: 10}, *st)

	dropped, err := c.Drop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), dropped.Deleted)
}

func TestNonEnvelopeError(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/status": func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "upstream broke", http.StatusBadGateway)
		},
	})
	c := newTestClient(t, srv.URL)

	_, err := c.Status(context.Background())
	var apiErr *Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusText(http.StatusBadGateway), apiErr.Code)
	assert.Contains(t, apiErr.Message, "upstream broke")
}

func TestWaitReadyRetriesUntilHealthy(t *testing.T) {
	var calls atomic.Int32
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /health": func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) < 3 {
				writeJSON(w, http.StatusServiceUnavailable, map[string]any{
					"error": map[string]any{"code": "UNAVAILABLE", "message": "starting"},
				})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"data": HealthResponse{Status: "healthy"}})
		},
	})
	c := newTestClient(t, srv.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.WaitReady(ctx))
	assert.GreaterOrEqual(t, calls.Load(), int32(3))
}

func TestWaitReadyHonorsContext(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /health": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		},
	})
	c := newTestClient(t, srv.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := c.WaitReady(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
