package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/voxlink/internal/config"
	"github.com/ent0n29/voxlink/internal/logging"
	"github.com/ent0n29/voxlink/internal/observability"
	"github.com/ent0n29/voxlink/internal/session"
	"github.com/ent0n29/voxlink/internal/shadow"
)

// Engine is the session coordinator as seen by the control surface.
type Engine interface {
	Status() session.Status
	Trigger(src session.Source) bool
	Close(reason string) bool
	SubscribeStatus() (<-chan session.Status, func())
}

type Shadow interface {
	Apply(ctx context.Context, props map[int]json.RawMessage) error
	Read(ids []int) map[int]any
	ReadableIDs() []int
}

// WakewordSim fires the simulated keyword detector.
type WakewordSim interface {
	Fire() bool
}

// Volume sets and persists the playback volume.
type Volume interface {
	SetVolume(ctx context.Context, level int) (int, error)
	Volume() int
}

type Deps struct {
	Engine   Engine
	Shadow   Shadow
	Wakeword WakewordSim
	Volume   Volume
	Metrics  *observability.Metrics
	Logger   *zap.Logger
	// Ready reports whether the engine can serve. Nil means always ready.
	Ready func() error
}

type Server struct {
	cfg      config.Config
	engine   Engine
	shadow   Shadow
	wakeword WakewordSim
	volume   Volume
	metrics  *observability.Metrics
	log      *zap.Logger
	ready    func() error
	upgrader websocket.Upgrader
}

const maxBodyBytes = 64 << 10

func New(cfg config.Config, deps Deps) *Server {
	return &Server{
		cfg:      cfg,
		engine:   deps.Engine,
		shadow:   deps.Shadow,
		wakeword: deps.Wakeword,
		volume:   deps.Volume,
		metrics:  deps.Metrics,
		log:      logging.OrNop(deps.Logger).Named("httpapi"),
		ready:    deps.Ready,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browser pages may watch the device.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get("/v1/status", s.handleStatus)
	r.Get("/v1/status/ws", s.handleStatusWS)
	r.Post("/v1/wake", s.handleWake)
	r.Post("/v1/session/close", s.handleCloseSession)
	r.Get("/v1/perf/latency", s.handlePerfLatency)
	r.Get("/v1/diagnostics", s.handleDiagnostics)
	r.Get("/v1/shadow", s.handleShadowRead)
	r.Post("/v1/shadow", s.handleShadowWrite)
	r.Get("/v1/volume", s.handleGetVolume)
	r.Post("/v1/volume", s.handleSetVolume)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{"status": "ok"}
	if s.engine != nil {
		body["session_state"] = s.engine.Status().State
	}
	respondJSON(w, http.StatusOK, body)
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.engine == nil {
		respondError(w, http.StatusServiceUnavailable, "not_ready", "session engine not configured")
		return
	}
	if s.ready != nil {
		if err := s.ready(); err != nil {
			respondError(w, http.StatusServiceUnavailable, "not_ready", err.Error())
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	if s.engine == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "session engine not configured")
		return
	}
	respondJSON(w, http.StatusOK, s.engine.Status())
}

type wakeRequest struct {
	Source string `json:"source"`
}

type wakeResponse struct {
	Acted  bool           `json:"acted"`
	Source session.Source `json:"source"`
	Status session.Status `json:"status"`
}

func (s *Server) handleWake(w http.ResponseWriter, r *http.Request) {
	if s.engine == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "session engine not configured")
		return
	}
	var req wakeRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	src := session.Source(strings.ToLower(strings.TrimSpace(req.Source)))
	var acted bool
	switch src {
	case "":
		src = session.SourceButton
		acted = s.engine.Trigger(src)
	case session.SourceButton, session.SourceRemote, session.SourceHTTP:
		acted = s.engine.Trigger(src)
	case session.SourceWakeword:
		if s.wakeword == nil {
			respondError(w, http.StatusNotImplemented, "unavailable", "no simulated wakeword detector")
			return
		}
		if !s.wakeword.Fire() {
			respondError(w, http.StatusConflict, "wakeword_not_armed", "wakeword detection is not running")
			return
		}
		acted = true
	default:
		respondError(w, http.StatusBadRequest, "invalid_source", "source must be button, remote, http or wakeword")
		return
	}
	respondJSON(w, http.StatusAccepted, wakeResponse{Acted: acted, Source: src, Status: s.engine.Status()})
}

type closeRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	if s.engine == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "session engine not configured")
		return
	}
	var req closeRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "http"
	}
	if !s.engine.Close(reason) {
		respondError(w, http.StatusConflict, "no_session", "no session to close")
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]any{"closing": true, "reason": reason})
}

type shadowReadResponse struct {
	Values map[int]any `json:"values"`
}

func (s *Server) handleShadowRead(w http.ResponseWriter, r *http.Request) {
	if s.shadow == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "device shadow not configured")
		return
	}
	ids, err := parseIDs(r.URL.Query().Get("ids"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_ids", err.Error())
		return
	}
	if len(ids) == 0 {
		ids = s.shadow.ReadableIDs()
	}
	respondJSON(w, http.StatusOK, shadowReadResponse{Values: s.shadow.Read(ids)})
}

func (s *Server) handleShadowWrite(w http.ResponseWriter, r *http.Request) {
	if s.shadow == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "device shadow not configured")
		return
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	props, err := shadow.DecodeCommand(raw)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_command", err.Error())
		return
	}
	if err := s.shadow.Apply(r.Context(), props); err != nil {
		s.log.Warn("shadow command partly failed", zap.Error(err))
		respondError(w, http.StatusUnprocessableEntity, "command_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"applied": len(props)})
}

type volumeRequest struct {
	Level *int `json:"level"`
	Step  int  `json:"step"`
}

func (s *Server) handleGetVolume(w http.ResponseWriter, _ *http.Request) {
	if s.volume == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "volume control not configured")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"level": s.volume.Volume()})
}

func (s *Server) handleSetVolume(w http.ResponseWriter, r *http.Request) {
	if s.volume == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "volume control not configured")
		return
	}
	var req volumeRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	target := s.volume.Volume() + req.Step
	if req.Level != nil {
		target = *req.Level
	}
	level, err := s.volume.SetVolume(r.Context(), target)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "volume_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"level": level})
}

// handleStatusWS pushes the session status whenever it changes.
func (s *Server) handleStatusWS(w http.ResponseWriter, r *http.Request) {
	if s.engine == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "session engine not configured")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		defer cancel()
		conn.SetReadLimit(1024)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	updates, unsubscribe := s.engine.SubscribeStatus()
	defer unsubscribe()

	var last []byte
	send := func(st session.Status) error {
		payload, err := json.Marshal(st)
		if err != nil || bytes.Equal(payload, last) {
			return nil
		}
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			s.metrics.ObserveDropped("status_ws_write")
			return err
		}
		s.metrics.ObserveWSMessage("status_out", "status")
		last = payload
		return nil
	}

	if err := send(s.engine.Status()); err == nil {
	push:
		for {
			select {
			case <-ctx.Done():
				break push
			case st := <-updates:
				if err := send(st); err != nil {
					break push
				}
			}
		}
	}
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	_ = conn.Close()
	<-readerDone
}

func parseIDs(raw string) ([]int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	ids := make([]int, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, errors.New("ids must be a comma separated list of numbers")
		}
		ids = append(ids, id)
	}
	return ids, nil
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
