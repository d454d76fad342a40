package hub

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/abdul-hamid-achik/testhub/packages/core/results"
	"github.com/abdul-hamid-achik/testhub/packages/core/session"
	"github.com/abdul-hamid-achik/testhub/packages/protocol"
	"github.com/abdul-hamid-achik/testhub/packages/sse"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler returns the hub's HTTP surface: runner sockets, the runner and run
// APIs, a live event stream, prometheus metrics and a health check.
func (h *Hub) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/socket", h.handleSocket)
	r.Get("/{id}/socket", h.handleSocket)
	r.Route("/api", func(r chi.Router) {
		r.Get("/runners", h.handleRunners)
		r.Get("/run", h.handleRun)
		r.Get("/events", h.handleEvents)
	})
	r.Handle("/metrics", promhttp.HandlerFor(h.metrics.Registry(), promhttp.HandlerOpts{}))
	r.Get("/healthz", h.handleHealthz)
	return r
}

func (h *Hub) handleSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	ch := protocol.NewChannel(conn,
		protocol.WithExecutor(h.post),
		protocol.WithPathID(chi.URLParam(r, "id")),
		protocol.WithLogger(h.logger),
		protocol.WithPingInterval(h.pingInterval),
		protocol.WithDecodeErrorHandler(func(error) {
			h.metrics.DecodeErrorsTotal.Inc()
		}),
	)
	h.post(func() { h.reg.OnConnect(ch) })

	if err := ch.Serve(h.ctx); err != nil {
		h.logger.Debug().Err(err).Str("channel", ch.ID()).Msg("channel ended")
	}
}

type runnersResponse struct {
	Runners []session.Info `json:"runners"`
}

func (h *Hub) handleRunners(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, runnersResponse{Runners: h.Runners()})
}

type runResponse struct {
	ID       string          `json:"id"`
	Finished bool            `json:"finished"`
	Summary  results.Summary `json:"summary"`
}

func (h *Hub) handleRun(w http.ResponseWriter, _ *http.Request) {
	run := h.Current()
	if run == nil {
		respondJSON(w, http.StatusNotFound, map[string]string{"error": "no run yet"})
		return
	}
	respondJSON(w, http.StatusOK, runResponse{
		ID:       run.ID(),
		Finished: run.finished(),
		Summary:  run.Summary(),
	})
}

// handleEvents streams hub activity as server-sent events, starting with a
// snapshot of every known runner.
func (h *Hub) handleEvents(w http.ResponseWriter, r *http.Request) {
	q, release := h.feed.subscribe()
	defer release()

	sw, err := sse.NewWriter(w)
	if err != nil {
		respondJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	for _, info := range h.Runners() {
		if err := sw.Send(runnerSnapshot(info)); err != nil {
			return
		}
	}

	var keepalive <-chan time.Time
	if h.pingInterval > 0 {
		t := time.NewTicker(h.pingInterval)
		defer t.Stop()
		keepalive = t.C
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-h.ctx.Done():
			return
		case <-keepalive:
			if err := sw.Comment("ping"); err != nil {
				return
			}
		case <-q.Ready():
			events, open := q.Drain()
			for _, ev := range events {
				if err := sw.Send(ev); err != nil {
					return
				}
			}
			if !open {
				return
			}
		}
	}
}

func (h *Hub) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	select {
	case <-h.ctx.Done():
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "stopping"})
	default:
		respondJSON(w, http.StatusOK, map[string]string{
			"status": "ok",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}
