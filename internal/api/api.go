// Package api serves the bot's HTTP control surface:
//
//   - POST /start          start a session ({"meet_link": ..., "duration": minutes})
//   - POST /stop           stop the session; succeeds when idle
//   - GET  /status         lifecycle state and stream counters
//   - GET  /audio-devices  capture devices visible to the host
//   - GET  /               service index
//
// Responses are JSON objects carrying a "success" flag; failures add an
// "error" message.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/MrWong99/meetrelay/pkg/audio"
)

// maxBody bounds request bodies.
const maxBody = 64 << 10

// Controller is the session lifecycle the API drives.
type Controller interface {
	Start(ctx context.Context, meetingURL string, limit time.Duration) (string, error)
	Stop(ctx context.Context) error
	Status() Status
}

// Error lets a [Controller] choose the HTTP status and client-facing message
// for a failure. Errors of other types are reported as 500.
type Error struct {
	Code    int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Status is the body of GET /status.
type Status struct {
	Success         bool       `json:"success"`
	Status          string     `json:"status"`
	IsRunning       bool       `json:"isRunning"`
	SessionID       string     `json:"session_id,omitempty"`
	CurrentMeeting  string     `json:"current_meeting,omitempty"`
	Uptime          float64    `json:"uptime"`
	DurationMinutes float64    `json:"duration_minutes,omitempty"`
	CaptureBackend  string     `json:"capture_backend,omitempty"`
	Connected       bool       `json:"connected"`
	ConnectionState string     `json:"connection_state"`
	BytesSent       uint64     `json:"bytes_sent"`
	FramesSent      uint64     `json:"frames_sent"`
	FramesCaptured  uint64     `json:"frames_captured"`
	FramesDropped   uint64     `json:"frames_dropped"`
	QueueLen        int        `json:"queue_len"`
	Reconnects      int        `json:"reconnects"`
	ReconnectTries  int        `json:"reconnect_attempts"`
	LastActivity    *time.Time `json:"last_activity,omitempty"`
	LastError       string     `json:"last_error,omitempty"`
}

// startRequest accepts both spellings of the meeting link.
type startRequest struct {
	MeetLink      string          `json:"meet_link"`
	MeetLinkCamel string          `json:"meetLink"`
	Duration      json.RawMessage `json:"duration"`
}

// Handler serves the control routes.
type Handler struct {
	ctrl    Controller
	devices audio.DeviceLister
	version string
}

// New returns a [Handler]. devices may be nil, in which case
// /audio-devices reports an empty list.
func New(ctrl Controller, devices audio.DeviceLister, version string) *Handler {
	return &Handler{ctrl: ctrl, devices: devices, version: version}
}

// Register adds the control routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /start", h.Start)
	mux.HandleFunc("POST /stop", h.Stop)
	mux.HandleFunc("GET /status", h.Status)
	mux.HandleFunc("GET /audio-devices", h.AudioDevices)
	mux.HandleFunc("GET /{$}", h.Index)
}

// Start handles POST /start.
func (h *Handler) Start(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		fail(w, http.StatusBadRequest, "Request body too large")
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			fail(w, http.StatusBadRequest, "Invalid JSON body")
			return
		}
	}

	link := req.MeetLink
	if link == "" {
		link = req.MeetLinkCamel
	}
	if link == "" {
		fail(w, http.StatusBadRequest, "Meeting link is required")
		return
	}
	limit, err := parseMinutes(req.Duration)
	if err != nil {
		fail(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := h.ctrl.Start(r.Context(), link, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}

	st := h.ctrl.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"status":     st.Status,
		"session_id": id,
		"meet_link":  link,
		"duration":   st.DurationMinutes,
		"message":    "Bot is starting and will join the meeting shortly",
	})
}

// parseMinutes accepts a JSON number or numeric string of minutes. A missing
// value yields 0, which the controller replaces with its configured default.
func parseMinutes(raw json.RawMessage) (time.Duration, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, nil
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, errors.New("Duration must be a number of minutes")
		}
		if v, err = strconv.ParseFloat(s, 64); err != nil {
			return 0, errors.New("Duration must be a number of minutes")
		}
	}
	ns := v * float64(time.Minute)
	switch {
	case math.IsNaN(v) || math.IsInf(v, 0):
		return 0, errors.New("Duration must be a number of minutes")
	case v < 0:
		return 0, errors.New("Duration must not be negative")
	case ns >= math.MaxInt64:
		return 0, errors.New("Duration is too large")
	}
	return time.Duration(ns), nil
}

// Stop handles POST /stop.
func (h *Handler) Stop(w http.ResponseWriter, r *http.Request) {
	before := h.ctrl.Status()
	if err := h.ctrl.Stop(r.Context()); err != nil {
		writeError(w, r, err)
		return
	}
	msg := "Bot stopped successfully"
	if before.Status == "idle" {
		msg = "Bot is not running"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": msg,
	})
}

// Status handles GET /status.
func (h *Handler) Status(w http.ResponseWriter, _ *http.Request) {
	st := h.ctrl.Status()
	st.Success = true
	writeJSON(w, http.StatusOK, st)
}

// AudioDevices handles GET /audio-devices.
func (h *Handler) AudioDevices(w http.ResponseWriter, r *http.Request) {
	devs := []audio.DeviceInfo{}
	if h.devices != nil {
		list, err := h.devices.Devices(r.Context())
		if err != nil && len(list) == 0 {
			slog.Warn("api: list audio devices", "err", err)
			fail(w, http.StatusInternalServerError, err.Error())
			return
		}
		if err != nil {
			slog.Warn("api: partial audio device list", "err", err)
		}
		devs = append(devs, list...)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"devices": devs,
		"count":   len(devs),
	})
}

// Index handles GET /.
func (h *Handler) Index(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service": "meetrelay",
		"version": h.version,
		"endpoints": map[string]string{
			"health":        "/health",
			"ready":         "/readyz",
			"metrics":       "/metrics",
			"start":         "POST /start",
			"stop":          "POST /stop",
			"status":        "/status",
			"audio_devices": "/audio-devices",
		},
	})
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		slog.Info("api: request rejected", "path", r.URL.Path, "status", apiErr.Code, "err", err)
		fail(w, apiErr.Code, apiErr.Message)
		return
	}
	slog.Error("api: request failed", "path", r.URL.Path, "err", err)
	fail(w, http.StatusInternalServerError, err.Error())
}

func fail(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{
		"success": false,
		"error":   msg,
	})
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("api: encode response", "err", err)
	}
}
