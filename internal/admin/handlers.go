package admin

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"notifrelay/internal/filter"
	"notifrelay/internal/ingest"
	"notifrelay/internal/queue"
	logx "notifrelay/pkg/logx"
)

const (
	maxBodyBytes     = 1 << 20
	defaultDeadLimit = 100
)

type api struct {
	deps Deps
	log  logx.Logger
}

type targetView struct {
	ID          string `json:"id"`
	MinPriority string `json:"min_priority"`
	Connected   bool   `json:"connected"`
	Worker      string `json:"worker,omitempty"`
	Depth       int    `json:"depth"`
	Pending     int    `json:"pending"`
	Inflight    int    `json:"inflight"`
	Delayed     int    `json:"delayed"`
	Dead        int    `json:"dead"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (a *api) healthz(w http.ResponseWriter, _ *http.Request) {
	if a.deps.Health != nil {
		if err := a.deps.Health(); err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (a *api) runtime(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.deps.Runtime.Snapshot())
}

func (a *api) view(id, minPriority string) targetView {
	v := targetView{ID: id, MinPriority: minPriority}
	if st, ok := a.deps.Queue.Stats(id); ok {
		v.Depth, v.Pending, v.Inflight, v.Delayed, v.Dead = st.Depth(), st.Pending, st.Inflight, st.Delayed, st.Dead
	}
	if a.deps.Conns != nil {
		v.Connected = a.deps.Conns.IsConnected(id)
	}
	if a.deps.Dispatch != nil {
		if s, ok := a.deps.Dispatch.State(id); ok {
			v.Worker = string(s)
		}
	}
	return v
}

func (a *api) listTargets(w http.ResponseWriter, _ *http.Request) {
	ts := a.deps.Targets.Targets()
	out := make([]targetView, 0, len(ts))
	for _, t := range ts {
		out = append(out, a.view(t.ID, t.MinPriority.String()))
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *api) known(id string) (string, bool) {
	for _, t := range a.deps.Targets.Targets() {
		if t.ID == id {
			return t.MinPriority.String(), true
		}
	}
	return "", false
}

func (a *api) depth(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	mp, ok := a.known(id)
	if !ok {
		// Unpaired targets may still hold items restored from storage.
		if _, has := a.deps.Queue.Stats(id); !has {
			writeError(w, http.StatusNotFound, "unknown target")
			return
		}
	}
	writeJSON(w, http.StatusOK, a.view(id, mp))
}

func (a *api) listDeadLetter(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	limit := defaultDeadLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	items := a.deps.Queue.DeadLetter(id, limit)
	if items == nil {
		items = []queue.Item{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (a *api) purgeDeadLetter(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var olderThan time.Time
	if s := r.URL.Query().Get("older_than"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d < 0 {
			writeError(w, http.StatusBadRequest, "older_than must be a duration")
			return
		}
		olderThan = time.Now().Add(-d)
	}
	n := a.deps.Queue.PurgeDeadLetter(r.Context(), id, olderThan)
	a.log.Info("dead letter purged", logx.Target(id), logx.Int("count", n))
	writeJSON(w, http.StatusOK, map[string]int{"purged": n})
}

func (a *api) requeue(w http.ResponseWriter, r *http.Request) {
	itemID := chi.URLParam(r, "itemID")
	it, err := a.deps.Queue.RequeueDeadLetter(r.Context(), itemID)
	switch {
	case err == nil:
		a.log.Info("dead letter requeued", logx.Target(it.TargetID), logx.Item(itemID), logx.String("new_item", it.ID))
		writeJSON(w, http.StatusOK, it)
	case errors.Is(err, queue.ErrUnknownItem):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, queue.ErrNotDead):
		writeError(w, http.StatusConflict, err.Error())
	case queue.IsDeadLetter(err):
		// The queue was full and the requeued copy went straight back.
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (a *api) removeTarget(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !a.deps.Targets.RemoveTarget(r.Context(), id) {
		writeError(w, http.StatusNotFound, "unknown target")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type rulesResponse struct {
	Rules  []filter.Rule `json:"rules"`
	Errors []string      `json:"errors,omitempty"`
}

func (a *api) getRules(w http.ResponseWriter, _ *http.Request) {
	rules := a.deps.Rules.Rules()
	if rules == nil {
		rules = []filter.Rule{}
	}
	writeJSON(w, http.StatusOK, rulesResponse{Rules: rules})
}

func (a *api) putRules(w http.ResponseWriter, r *http.Request) {
	var rules []filter.Rule
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&rules); err != nil {
		writeError(w, http.StatusBadRequest, "invalid rules: "+err.Error())
		return
	}
	faults, err := a.deps.Rules.SetRules(r.Context(), rules)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := rulesResponse{Rules: a.deps.Rules.Rules()}
	for _, f := range faults {
		resp.Errors = append(resp.Errors, f.Error())
	}
	a.log.Info("filter rules replaced", logx.Int("rules", len(rules)), logx.Int("faulty", len(faults)))
	writeJSON(w, http.StatusOK, resp)
}

func (a *api) ingest(w http.ResponseWriter, r *http.Request) {
	platform := chi.URLParam(r, "platform")
	var payload map[string]any
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "payload must be a JSON object")
		return
	}
	raw := ingest.RawEvent{Platform: platform, Payload: payload, CapturedAt: time.Now()}
	if a.deps.Normalizer != nil {
		if _, err := a.deps.Normalizer.Normalize(raw); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	err := a.deps.Intake.SubmitWait(r.Context(), raw)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusAccepted)
	case ingest.IsCapacityExceeded(err), errors.Is(err, ingest.ErrIntakeClosed):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
