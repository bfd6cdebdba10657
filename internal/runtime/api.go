package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/loqalabs/loqa-ime/internal/capability"
	"github.com/loqalabs/loqa-ime/internal/control"
	"github.com/loqalabs/loqa-ime/internal/eventstore"
	"github.com/loqalabs/loqa-ime/internal/protocol"
	"github.com/loqalabs/loqa-ime/internal/session"
)

const startTimeout = 30 * time.Second

type api struct {
	ctrl    control.Controller
	store   *eventstore.Store
	nodes   *capability.Registry
	events  http.Handler
	metrics http.Handler
	ready   func() bool
	log     *slog.Logger
}

type sessionView struct {
	SessionID string     `json:"session_id,omitempty"`
	State     string     `json:"state"`
	Mode      string     `json:"mode,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`
}

type historyView struct {
	SessionID string     `json:"session_id"`
	Source    string     `json:"source,omitempty"`
	Engine    string     `json:"engine,omitempty"`
	Outcome   string     `json:"outcome,omitempty"`
	FinalText string     `json:"final_text,omitempty"`
	ErrorKind string     `json:"error_kind,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

type eventView struct {
	Seq       int       `json:"seq"`
	Kind      string    `json:"kind"`
	State     string    `json:"state,omitempty"`
	Text      string    `json:"text,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (a *api) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", a.handleHealth)
	r.Get("/readyz", a.handleReady)
	if a.metrics != nil {
		r.Method(http.MethodGet, "/metrics", a.metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/session", a.handleSession)
		r.Post("/session/start", a.handleStart)
		r.Post("/session/stop", a.handleStop)
		r.Post("/session/cancel", a.handleCancel)
		r.Get("/sessions", a.handleHistory)
		r.Get("/sessions/{id}/events", a.handleHistoryEvents)
		r.Get("/nodes", a.handleNodes)
		if a.events != nil {
			r.Method(http.MethodGet, "/events", a.events)
		}
	})
	return r
}

func (a *api) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (a *api) handleReady(w http.ResponseWriter, _ *http.Request) {
	if a.ready == nil || a.ready() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (a *api) handleSession(w http.ResponseWriter, _ *http.Request) {
	snap := a.ctrl.Snapshot()
	view := sessionView{SessionID: snap.SessionID, State: snap.State.String(), Mode: control.ModeOf(snap)}
	if !snap.StartedAt.IsZero() {
		view.StartedAt = &snap.StartedAt
	}
	a.writeJSON(w, http.StatusOK, view)
}

func (a *api) handleStart(w http.ResponseWriter, r *http.Request) {
	start, err := control.StartFunc(a.ctrl, r.URL.Query().Get("mode"))
	if err != nil {
		a.writeJSON(w, http.StatusBadRequest, a.reply(false, err))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), startTimeout)
	defer cancel()
	h, err := start(ctx)
	if err != nil {
		a.writeJSON(w, startStatus(err), a.reply(false, err))
		return
	}
	reply := a.reply(true, nil)
	reply.SessionID = h.ID
	a.writeJSON(w, http.StatusAccepted, reply)
}

func startStatus(err error) int {
	switch {
	case errors.Is(err, session.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, session.ErrDeviceUnavailable), errors.Is(err, session.ErrEngineInitFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (a *api) handleStop(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, a.reply(a.ctrl.Stop(), nil))
}

func (a *api) handleCancel(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, a.reply(a.ctrl.Cancel(), nil))
}

func (a *api) reply(ok bool, err error) protocol.ControlReply {
	snap := a.ctrl.Snapshot()
	r := protocol.ControlReply{OK: ok, SessionID: snap.SessionID, State: snap.State.String(), Mode: control.ModeOf(snap)}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}

func (a *api) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		a.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	sessions, err := a.store.ListSessions(r.Context(), limit)
	if err != nil {
		a.log.Error("list sessions failed", slogError(err))
		a.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "list sessions failed"})
		return
	}
	views := make([]historyView, 0, len(sessions))
	for _, s := range sessions {
		v := historyView{
			SessionID: s.ID,
			Source:    s.Source,
			Engine:    s.Engine,
			Outcome:   s.Outcome,
			FinalText: s.FinalText,
			ErrorKind: s.ErrorKind,
			CreatedAt: s.CreatedAt,
		}
		if !s.EndedAt.IsZero() {
			ended := s.EndedAt
			v.EndedAt = &ended
		}
		views = append(views, v)
	}
	a.writeJSON(w, http.StatusOK, views)
}

func (a *api) handleHistoryEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	limit, err := queryLimit(r)
	if err != nil {
		a.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if _, err := a.store.GetSession(r.Context(), id); err != nil {
		if errors.Is(err, eventstore.ErrNotFound) {
			a.writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
			return
		}
		a.log.Error("get session failed", slogError(err))
		a.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "get session failed"})
		return
	}
	events, err := a.store.ListSessionEvents(r.Context(), id, limit)
	if err != nil {
		a.log.Error("list session events failed", slogError(err))
		a.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "list events failed"})
		return
	}
	views := make([]eventView, 0, len(events))
	for _, e := range events {
		views = append(views, eventView{Seq: e.Seq, Kind: e.Type, State: e.State, Text: e.Text, Error: e.Error, CreatedAt: e.CreatedAt})
	}
	a.writeJSON(w, http.StatusOK, views)
}

func (a *api) handleNodes(w http.ResponseWriter, r *http.Request) {
	if a.nodes == nil {
		a.writeJSON(w, http.StatusOK, []capability.NodeInfo{})
		return
	}
	filter := (func(capability.NodeInfo) bool)(nil)
	if name := r.URL.Query().Get("capability"); name != "" {
		filter = capability.WithCapabilityFilter(name)
	}
	nodes := a.nodes.Query(filter)
	if nodes == nil {
		nodes = []capability.NodeInfo{}
	}
	a.writeJSON(w, http.StatusOK, nodes)
}

func queryLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("limit must be a non-negative integer")
	}
	return n, nil
}

func (a *api) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.log.Warn("failed to write response", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
