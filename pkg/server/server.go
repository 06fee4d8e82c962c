// Package server exposes the dispatcher over HTTP: status and plan reads,
// an SSE stream and a websocket mirror of every published snapshot, and the
// boost override endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/gorilla/websocket"
	"github.com/levenlabs/go-lflag"
	"github.com/rs/cors"

	"github.com/strompilot/strompilot/pkg/log"
	"github.com/strompilot/strompilot/pkg/loop"
	"github.com/strompilot/strompilot/pkg/reserve"
	"github.com/strompilot/strompilot/pkg/statestore"
	"github.com/strompilot/strompilot/pkg/vehicle"
)

// Server handles the HTTP API for the dispatcher.
type Server struct {
	store    *statestore.Store
	registry *vehicle.Registry
	boost    *loop.BoostManager
	reserve  *reserve.Calculator

	listenAddr  string
	corsOrigins []string
	httpServer  *http.Server

	upgrader websocket.Upgrader
}

// Configured registers the server's command-line flags. Dependencies are
// bound later with Bind, once the settings file has been loaded.
func Configured() *Server {
	srv := &Server{}

	listenAddr := lflag.String("http-listen", ":8080", "HTTP server listen address")
	corsOrigins := lflag.String("cors-origins", "", "comma-delimited list of allowed CORS origins")

	lflag.Do(func() {
		srv.listenAddr = *listenAddr
		if *corsOrigins != "" {
			srv.corsOrigins = strings.Split(*corsOrigins, ",")
			for i, o := range srv.corsOrigins {
				srv.corsOrigins[i] = strings.TrimSpace(o)
			}
		}
		srv.upgrader = websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		}
	})
	return srv
}

// Bind wires the dependencies; must be called before Run.
func (s *Server) Bind(store *statestore.Store, registry *vehicle.Registry, boost *loop.BoostManager, res *reserve.Calculator) {
	s.store = store
	s.registry = registry
	s.boost = boost
	s.reserve = res
}

func (s *Server) setupHandler() http.Handler {
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("GET /api/status", s.handleStatus)
	apiMux.HandleFunc("GET /api/plan", s.handlePlan)
	apiMux.HandleFunc("GET /api/vehicles", s.handleVehicles)
	apiMux.HandleFunc("GET /api/events", s.handleEvents)
	apiMux.HandleFunc("POST /api/boost/{vehicle}", s.handleBoostStart)
	apiMux.HandleFunc("DELETE /api/boost", s.handleBoostStop)
	apiMux.HandleFunc("POST /api/vehicles/{vehicle}/soc", s.handleManualSOC)
	apiMux.HandleFunc("POST /api/vehicles/{vehicle}/departure", s.handleDeparture)
	apiMux.HandleFunc("POST /api/reserve/live", s.handleReserveLive)

	var apiHandler http.Handler = apiMux
	if len(s.corsOrigins) > 0 {
		apiHandler = cors.New(cors.Options{
			AllowedOrigins: s.corsOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		}).Handler(apiMux)
	}

	mux := http.NewServeMux()
	mux.Handle("/api/", apiHandler)
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	return gziphandler.GzipHandler(mux)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:        s.listenAddr,
		Handler:     s.setupHandler(),
		ReadTimeout: 15 * time.Second,
		// SSE and websocket connections are long-lived; no write timeout
		IdleTimeout: 15 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		defer close(errChan)
		log.Ctx(ctx).InfoContext(ctx, "starting server", slog.String("addr", s.listenAddr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Ctx(ctx).InfoContext(ctx, "shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to write response", slog.Any("error", err))
		panic(http.ErrAbortHandler)
	}
}

func writeJSONError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{Error: msg}); err != nil {
		slog.Warn("failed to write error response", slog.Any("error", err))
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.store.Snapshot()
	// the plan has its own endpoint; keep status payloads small
	snap.Plan = nil
	writeJSON(w, snap)
}

func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	snap := s.store.Snapshot()
	if snap.Plan == nil {
		writeJSONError(w, "kein Plan vorhanden", http.StatusNotFound)
		return
	}
	writeJSON(w, snap.Plan)
}

func (s *Server) handleVehicles(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.registry.List(time.Now()))
}

func (s *Server) handleBoostStart(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("vehicle")
	if _, ok := s.registry.Get(name); !ok {
		writeJSONError(w, "unbekanntes Fahrzeug", http.StatusNotFound)
		return
	}
	boost := s.boost.Activate(r.Context(), name, "api")
	writeJSON(w, boost)
}

func (s *Server) handleBoostStop(w http.ResponseWriter, r *http.Request) {
	if !s.boost.Deactivate(r.Context(), "api") {
		writeJSONError(w, "kein Boost aktiv", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleManualSOC(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("vehicle")
	var body struct {
		SOC float64 `json:"soc"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.SOC < 0 || body.SOC > 100 {
		writeJSONError(w, "soc muss zwischen 0 und 100 liegen", http.StatusBadRequest)
		return
	}
	if !s.registry.SetManualSOC(name, body.SOC) {
		writeJSONError(w, "unbekanntes Fahrzeug", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeparture(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("vehicle")
	var body struct {
		At time.Time `json:"at"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.At.IsZero() {
		writeJSONError(w, "Abfahrtszeit fehlt oder ungueltig", http.StatusBadRequest)
		return
	}
	if body.At.Before(time.Now()) {
		writeJSONError(w, "Abfahrtszeit liegt in der Vergangenheit", http.StatusBadRequest)
		return
	}
	if !s.registry.SetDeparture(name, body.At) {
		writeJSONError(w, "unbekanntes Fahrzeug", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReserveLive(w http.ResponseWriter, r *http.Request) {
	s.reserve.ForceLive()
	w.WriteHeader(http.StatusNoContent)
}

// handleEvents streams every published snapshot as one SSE event. There is
// no replay; a reconnecting client starts from the next update.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, cancel := s.store.Subscribe()
	defer cancel()

	// send the current snapshot right away so clients render immediately
	if err := writeSSE(w, s.store.Snapshot()); err != nil {
		return
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case snap, open := <-ch:
			if !open {
				return
			}
			if err := writeSSE(w, snap); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, snap statestore.Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", payload)
	return err
}

// handleWS mirrors the SSE stream over a websocket for clients behind
// SSE-hostile proxies.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Ctx(r.Context()).DebugContext(r.Context(), "websocket upgrade failed", slog.Any("error", err))
		return
	}
	defer conn.Close()

	ch, cancel := s.store.Subscribe()
	defer cancel()

	// drain client frames so pings and close frames are processed
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	if err := conn.WriteJSON(s.store.Snapshot()); err != nil {
		return
	}
	for snap := range ch {
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(snap); err != nil {
			return
		}
	}
}
