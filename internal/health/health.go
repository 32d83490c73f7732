// Package health serves the liveness and readiness probes of meetrelay.
//
//   - GET /health and GET /healthz always answer 200 while the process can
//     serve HTTP, together with an [Info] block describing the bot.
//   - GET /readyz answers 200 only when every [Checker] passes, 503 otherwise.
//
// Bodies are JSON with "status" set to "ok" or "fail"; /readyz adds a
// "checks" object mapping each checker name to "ok" or "fail: <reason>".
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// CheckTimeout bounds each readiness check.
const CheckTimeout = 5 * time.Second

// Checker is one named readiness condition. Check returns nil when the
// condition holds and must honour ctx.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// Info describes the running service on the liveness endpoints.
type Info struct {
	Service         string     `json:"service"`
	BotState        string     `json:"bot_state,omitempty"`
	CurrentMeeting  string     `json:"current_meeting,omitempty"`
	UptimeSeconds   float64    `json:"uptime_seconds"`
	LastHealthCheck *time.Time `json:"last_health_check,omitempty"`
}

// InfoFunc produces the [Info] block. It is called per request and must not
// block on I/O.
type InfoFunc func() Info

type response struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
	*Info
}

// Handler serves the probe endpoints.
type Handler struct {
	info     InfoFunc
	checkers []Checker
}

// New returns a Handler. A nil info omits the Info block.
func New(info InfoFunc, checkers ...Checker) *Handler {
	return &Handler{info: info, checkers: append([]Checker(nil), checkers...)}
}

// Register mounts the probes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.Live)
	mux.HandleFunc("GET /healthz", h.Live)
	mux.HandleFunc("GET /readyz", h.Ready)
}

// Live answers the liveness probe.
func (h *Handler) Live(w http.ResponseWriter, _ *http.Request) {
	resp := response{Status: "ok"}
	if h.info != nil {
		info := h.info()
		resp.Info = &info
	}
	writeJSON(w, http.StatusOK, resp)
}

// Ready runs every checker concurrently and answers 503 if any fails.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	errs := h.run(r.Context())

	resp := response{Status: "ok", Checks: make(map[string]string, len(h.checkers))}
	code := http.StatusOK
	for i, c := range h.checkers {
		if errs[i] != nil {
			resp.Checks[c.Name] = "fail: " + errs[i].Error()
			resp.Status = "fail"
			code = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[c.Name] = "ok"
	}
	writeJSON(w, code, resp)
}

// run returns one error slot per checker, in checker order.
func (h *Handler) run(ctx context.Context) []error {
	errs := make([]error, len(h.checkers))
	var g errgroup.Group
	for i, c := range h.checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, CheckTimeout)
			defer cancel()
			errs[i] = c.Check(cctx)
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("health: encode response", "err", err)
	}
}
