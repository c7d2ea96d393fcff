// Package server provides the HTTP server for rpscam: the MJPEG feed, the
// gesture push channel and the JSON API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/ayusman/rpscam/internal/app"
	"github.com/ayusman/rpscam/internal/server/api"
	"github.com/ayusman/rpscam/internal/store"
)

// shutdownTimeout bounds graceful shutdown of open requests.
const shutdownTimeout = 5 * time.Second

// Controller exposes the capture loop to the API.
type Controller interface {
	Status() app.Status
	SetEnabled(enabled bool)
}

// Config holds the server configuration.
type Config struct {
	StaticDir  string
	Store      *store.Store
	Frames     FrameSource
	Hub        *Hub
	Controller Controller
	Logger     *slog.Logger
}

// Server represents the HTTP server for the rpscam application.
type Server struct {
	config Config
	logger *slog.Logger
	mux    *http.ServeMux
	start  time.Time
}

// New creates a new Server with the given configuration.
func New(config Config) *Server {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	s := &Server{
		config: config,
		logger: config.Logger.With("component", "server"),
		mux:    http.NewServeMux(),
		start:  time.Now(),
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures all HTTP routes for the server.
func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/api/health", s.handleHealth)

	if s.config.Controller != nil {
		s.mux.HandleFunc("/api/status", s.handleStatus)
		s.mux.HandleFunc("/api/detection", s.handleDetection)
	}

	if s.config.Store != nil {
		settings := api.NewSettingsHandler(s.config.Store)
		s.mux.Handle("/api/settings", settings)
		s.mux.Handle("/api/settings/", settings)
	}

	if s.config.Frames != nil {
		s.mux.Handle("/video_feed", NewStreamHandler(s.config.Frames, s.config.Logger))
	}

	if s.config.Hub != nil {
		s.mux.Handle("/socket", s.config.Hub)
		s.mux.Handle("/socket.io/", NewSocketIO(s.config.Hub, s.config.Logger))
	}

	if s.config.StaticDir != "" {
		fs := http.FileServer(http.Dir(s.config.StaticDir))
		s.mux.Handle("/", fs)
	}
}

// ServeHTTP implements the http.Handler interface. Every response allows
// cross-origin access.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, PUT, DELETE, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	s.mux.ServeHTTP(w, r)
}

// handleHealth handles GET requests to /api/health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	api.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.start).String(),
	})
}

type statusResponse struct {
	app.Status
	Clients int `json:"clients"`
}

// handleStatus handles GET requests to /api/status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := statusResponse{Status: s.config.Controller.Status()}
	if s.config.Hub != nil {
		resp.Clients = s.config.Hub.ClientCount()
	}
	api.WriteJSON(w, http.StatusOK, resp)
}

type detectionRequest struct {
	Enabled *bool `json:"enabled"`
}

// handleDetection handles PUT requests to /api/detection.
func (s *Server) handleDetection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req detectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Enabled == nil {
		api.WriteError(w, http.StatusBadRequest, "body must be {\"enabled\": true|false}")
		return
	}

	s.config.Controller.SetEnabled(*req.Enabled)
	api.WriteJSON(w, http.StatusOK, map[string]bool{"enabled": *req.Enabled})
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully. Open streams see ctx cancelled through their request context.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:        addr,
		Handler:     s,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
