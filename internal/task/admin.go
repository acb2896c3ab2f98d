package task

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strconv"

	"tailscale.com/tsweb"

	"github.com/banshee-data/depthkit/internal/httputil"
)

// HistoryReader lists persisted tasks, newest first.
type HistoryReader interface {
	TaskHistory(ctx context.Context, limit int) ([]Snapshot, error)
}

// Jobs are the task bodies the admin route may start by name.
type Jobs map[string]Func

// Listing is the body of GET /debug/tasks.
type Listing struct {
	Jobs    []string   `json:"jobs"`
	Tasks   []Snapshot `json:"tasks"`
	History []Snapshot `json:"history,omitempty"`
}

// AttachAdminRoutes mounts /debug/tasks on mux.
//
//	GET                 list live tasks, persisted history (?limit=N) and job names
//	POST ?start=<job>   start a job; responds 202 with its snapshot
//	POST ?cancel=<id>   cancel a live task
func (e *Executor) AttachAdminRoutes(mux *http.ServeMux, history HistoryReader, jobs Jobs) {
	h := &adminHandler{e: e, history: history, jobs: jobs}
	tsweb.Debugger(mux).Handle("tasks", "Background tasks (GET list, POST ?start=job or ?cancel=id)", h)
}

type adminHandler struct {
	e       *Executor
	history HistoryReader
	jobs    Jobs
}

func (h *adminHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.list(w, r)
	case http.MethodPost:
		q := r.URL.Query()
		switch {
		case q.Get("start") != "":
			h.start(w, q.Get("start"))
		case q.Get("cancel") != "":
			h.cancel(w, q.Get("cancel"))
		default:
			httputil.BadRequest(w, "expected ?start=<job> or ?cancel=<id>")
		}
	default:
		httputil.MethodNotAllowed(w)
	}
}

func (h *adminHandler) list(w http.ResponseWriter, r *http.Request) {
	out := Listing{Tasks: h.e.List()}
	for name := range h.jobs {
		out.Jobs = append(out.Jobs, name)
	}
	sort.Strings(out.Jobs)

	if h.history != nil {
		limit := 50
		if s := r.URL.Query().Get("limit"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil {
				httputil.BadRequest(w, "invalid limit")
				return
			}
			limit = n
		}
		past, err := h.history.TaskHistory(r.Context(), limit)
		if err != nil {
			httputil.WriteError(w, err)
			return
		}
		out.History = past
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}

func (h *adminHandler) start(w http.ResponseWriter, name string) {
	fn, ok := h.jobs[name]
	if !ok {
		httputil.NotFound(w, "unknown job "+strconv.Quote(name))
		return
	}
	t, err := h.e.Run(name, fn)
	if errors.Is(err, ErrShutdown) {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, t.Snapshot())
}

func (h *adminHandler) cancel(w http.ResponseWriter, id string) {
	t, ok := h.e.Get(id)
	if !ok {
		httputil.NotFound(w, "unknown task "+strconv.Quote(id))
		return
	}
	t.Cancel()
	httputil.WriteJSON(w, http.StatusOK, t.Snapshot())
}
