// Package httpapi serves the config flow, config entries and light commands
// over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/samber/lo"

	"decora-wifi/internal/application"
	"decora-wifi/internal/domain"
	"decora-wifi/internal/entity"
	"decora-wifi/internal/flow"
	"decora-wifi/internal/platform"
)

const maxBody = 4096

// Flows runs config flows.
type Flows interface {
	Init(ctx context.Context, source flow.Source, input *flow.Credentials) (flow.Result, error)
	Configure(ctx context.Context, flowID string, input flow.Credentials) (flow.Result, error)
	Prune(now time.Time) int
}

// Runtime is the loaded-entry side of the integration.
type Runtime interface {
	IsLoaded(entryID string) bool
	UnloadEntry(ctx context.Context, entryID string) error
	Lights() []entity.Entity
	TurnOn(ctx context.Context, uniqueID string, opts entity.LightTurnOn) error
	TurnOff(ctx context.Context, uniqueID string) error
}

type Server struct {
	addr        string
	authToken   string
	flows       Flows
	store       flow.Store
	runtime     Runtime
	logger      *slog.Logger
	mux         *http.ServeMux
	rateLimiter *RateLimiter

	mu      sync.Mutex
	server  *http.Server
	running bool
}

func NewServer(addr, authToken string, flows Flows, store flow.Store, runtime Runtime, logger *slog.Logger) *Server {
	s := &Server{
		addr:        addr,
		authToken:   authToken,
		flows:       flows,
		store:       store,
		runtime:     runtime,
		logger:      logger,
		mux:         http.NewServeMux(),
		rateLimiter: NewRateLimiter(30, time.Minute),
	}

	// Flow steps hit the myLeviton login endpoint, so they are rate limited.
	s.mux.HandleFunc("POST /flows", s.auth(s.rateLimiter.Middleware(s.handleFlowInit)))
	s.mux.HandleFunc("POST /flows/{id}", s.auth(s.rateLimiter.Middleware(s.handleFlowConfigure)))
	s.mux.HandleFunc("GET /entries", s.auth(s.handleEntries))
	s.mux.HandleFunc("DELETE /entries/{id}", s.auth(s.handleRemoveEntry))
	s.mux.HandleFunc("GET /lights", s.auth(s.handleLights))
	s.mux.HandleFunc("POST /lights/{id}/on", s.auth(s.rateLimiter.Middleware(s.handleTurnOn)))
	s.mux.HandleFunc("POST /lights/{id}/off", s.auth(s.rateLimiter.Middleware(s.handleTurnOff)))
	s.mux.HandleFunc("GET /health", s.handleHealth)
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	srv := s.server
	s.running = true
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP API starting", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	prune := time.NewTicker(5 * time.Minute)
	defer prune.Stop()

	for {
		select {
		case err := <-errCh:
			s.setRunning(false)
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("serving HTTP: %w", err)
		case now := <-prune.C:
			s.rateLimiter.Prune()
			s.flows.Prune(now)
		case <-ctx.Done():
			return s.stop()
		}
	}
}

func (s *Server) stop() error {
	defer s.setRunning(false)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Warn("graceful shutdown failed, forcing close", "error", err)
		if err := s.server.Close(); err != nil {
			return fmt.Errorf("closing server: %w", err)
		}
	}
	return nil
}

func (s *Server) setRunning(v bool) {
	s.mu.Lock()
	s.running = v
	s.mu.Unlock()
}

func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.authToken != "" {
			token := r.Header.Get("X-Auth-Token")
			if token == "" {
				token = r.URL.Query().Get("token")
			}
			if token != s.authToken {
				s.logger.Warn("unauthorized request", "path", r.URL.Path, "remote_addr", r.RemoteAddr)
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
		}
		next(w, r)
	}
}

type flowInitRequest struct {
	Source   flow.Source `json:"source"`
	Username string      `json:"username"`
	Password string      `json:"password"`
}

func (s *Server) handleFlowInit(w http.ResponseWriter, r *http.Request) {
	var req flowInitRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Source == "" {
		req.Source = flow.SourceUser
	}

	var input *flow.Credentials
	if req.Username != "" || req.Password != "" {
		input = &flow.Credentials{Username: req.Username, Password: req.Password}
	}

	res, err := s.flows.Init(r.Context(), req.Source, input)
	if errors.Is(err, flow.ErrTooManyFlows) {
		writeError(w, http.StatusTooManyRequests, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("starting config flow", "source", req.Source, "error", err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleFlowConfigure(w http.ResponseWriter, r *http.Request) {
	var input flow.Credentials
	if err := decodeBody(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.flows.Configure(r.Context(), r.PathValue("id"), input)
	switch {
	case errors.Is(err, flow.ErrFlowNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case err != nil:
		s.logger.Error("config flow step", "flow_id", r.PathValue("id"), "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

type entryView struct {
	ID           string `json:"entry_id"`
	Title        string `json:"title"`
	UniqueID     string `json:"unique_id"`
	UserID       string `json:"user_id,omitempty"`
	EntityID     string `json:"entity_id,omitempty"`
	ScanInterval string `json:"scan_interval,omitempty"`
	Loaded       bool   `json:"loaded"`
}

func (s *Server) handleEntries(w http.ResponseWriter, r *http.Request) {
	views := lo.Map(s.store.Entries(), func(e flow.Entry, _ int) entryView {
		v := entryView{
			ID:       e.ID,
			Title:    e.Title,
			UniqueID: e.UniqueID,
			UserID:   e.Data.UserID,
			EntityID: e.Data.EntityID,
			Loaded:   s.runtime.IsLoaded(e.ID),
		}
		if e.Options.ScanInterval > 0 {
			v.ScanInterval = time.Duration(e.Options.ScanInterval).String()
		}
		return v
	})
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleRemoveEntry(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if _, err := s.store.Get(id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	if err := s.runtime.UnloadEntry(r.Context(), id); err != nil && !errors.Is(err, platform.ErrSessionNotFound) {
		s.logger.Warn("unloading removed entry", "entry_id", id, "error", err)
	}

	if err := s.store.Remove(id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type lightView struct {
	ID         string              `json:"id"`
	Name       string              `json:"name"`
	Kind       domain.PlatformKind `json:"kind"`
	On         bool                `json:"on"`
	Brightness *int                `json:"brightness,omitempty"`
	Percentage *int                `json:"percentage,omitempty"`
	Model      string              `json:"model,omitempty"`
}

func newLightView(e entity.Entity) lightView {
	v := lightView{ID: e.UniqueID(), Name: e.Name(), Kind: e.Kind()}
	switch l := e.(type) {
	case *entity.Light:
		v.On = l.IsOn()
		v.Model = l.Switch().Model
		if l.SupportedFeatures().Has(entity.FeatureBrightness) {
			v.Brightness = lo.ToPtr(l.Brightness())
		}
	case *entity.Fan:
		v.On = l.IsOn()
		v.Model = l.Switch().Model
		v.Percentage = lo.ToPtr(l.Percentage())
	}
	return v
}

func (s *Server) handleLights(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, lo.Map(s.runtime.Lights(), func(e entity.Entity, _ int) lightView {
		return newLightView(e)
	}))
}

type turnOnRequest struct {
	Brightness *int     `json:"brightness"`
	Transition *float64 `json:"transition"`
}

func (s *Server) handleTurnOn(w http.ResponseWriter, r *http.Request) {
	var req turnOnRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Brightness != nil && (*req.Brightness < 0 || *req.Brightness > entity.MaxBrightness) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("brightness must be between 0 and %d", entity.MaxBrightness))
		return
	}

	id := r.PathValue("id")
	err := s.runtime.TurnOn(r.Context(), id, entity.LightTurnOn{
		Brightness: req.Brightness,
		Transition: req.Transition,
	})
	s.commandResult(w, r, id, err)
}

func (s *Server) handleTurnOff(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.commandResult(w, r, id, s.runtime.TurnOff(r.Context(), id))
}

func (s *Server) commandResult(w http.ResponseWriter, r *http.Request, id string, err error) {
	if err != nil {
		if errors.Is(err, application.ErrUnknownEntity) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.logger.Error("light command failed", "entity", id, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	for _, e := range s.runtime.Lights() {
		if e.UniqueID() == id {
			writeJSON(w, http.StatusOK, newLightView(e))
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	entries := s.store.Entries()
	loaded := lo.CountBy(entries, func(e flow.Entry) bool { return s.runtime.IsLoaded(e.ID) })

	status, code := "ok", http.StatusOK
	if loaded < len(entries) {
		status = "degraded"
	}

	writeJSON(w, code, map[string]any{
		"status":  status,
		"entries": len(entries),
		"loaded":  loaded,
		"lights":  len(s.runtime.Lights()),
	})
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		return fmt.Errorf("reading body: %w", err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
