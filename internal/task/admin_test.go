package task

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/depthkit/internal/testutil"
)

type fixedHistory struct {
	snaps []Snapshot
	err   error
	limit int
}

func (h *fixedHistory) TaskHistory(ctx context.Context, limit int) ([]Snapshot, error) {
	h.limit = limit
	return h.snaps, h.err
}

func TestAdminRoutes(t *testing.T) {
	e := NewExecutor()
	defer e.Shutdown(context.Background())
	hist := &fixedHistory{snaps: []Snapshot{{ID: "old", Name: "backup", State: StateCompleted}}}
	mux := http.NewServeMux()
	e.AttachAdminRoutes(mux, hist, Jobs{
		"backup": func(ctx context.Context, p *Progress) error { return nil },
		"wait":   blockUntilCancelled,
	})

	do := func(method, path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, testutil.NewLocalRequest(method, path))
		return rec
	}

	rec := do(http.MethodPost, "/debug/tasks?start=wait")
	testutil.AssertStatusCode(t, rec.Code, http.StatusAccepted)
	var started Snapshot
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&started))
	assert.Equal(t, "wait", started.Name)
	tk, ok := e.Get(started.ID)
	require.True(t, ok)

	rec = do(http.MethodGet, "/debug/tasks?limit=5")
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	var listing Listing
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&listing))
	assert.Equal(t, []string{"backup", "wait"}, listing.Jobs)
	require.Len(t, listing.Tasks, 1)
	assert.Equal(t, started.ID, listing.Tasks[0].ID)
	require.Len(t, listing.History, 1)
	assert.Equal(t, "old", listing.History[0].ID)
	assert.Equal(t, 5, hist.limit)

	rec = do(http.MethodPost, "/debug/tasks?cancel="+started.ID)
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, tk.Wait(ctx))
	assert.Equal(t, StateCancelled, tk.State())

	testutil.AssertStatusCode(t, do(http.MethodPost, "/debug/tasks?start=nope").Code, http.StatusNotFound)
	testutil.AssertStatusCode(t, do(http.MethodPost, "/debug/tasks?cancel=nope").Code, http.StatusNotFound)
	testutil.AssertStatusCode(t, do(http.MethodPost, "/debug/tasks").Code, http.StatusBadRequest)
	testutil.AssertStatusCode(t, do(http.MethodGet, "/debug/tasks?limit=x").Code, http.StatusBadRequest)
	testutil.AssertStatusCode(t, do(http.MethodDelete, "/debug/tasks").Code, http.StatusMethodNotAllowed)

	hist.err = errors.New("db closed")
	testutil.AssertStatusCode(t, do(http.MethodGet, "/debug/tasks").Code, http.StatusInternalServerError)

	require.NoError(t, e.Shutdown(context.Background()))
	testutil.AssertStatusCode(t, do(http.MethodPost, "/debug/tasks?start=backup").Code, http.StatusServiceUnavailable)
}
