// File: internal/service/server.go
package service

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-feeds/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// StatusSource is what the status surface reads from the scheduler.
type StatusSource interface {
	States(ctx context.Context) ([]schemas.FeedState, error)
	InFlight(name string) bool
}

// FeedStatus is the JSON view of one feed on /feeds.
type FeedStatus struct {
	schemas.FeedState
	Running bool `json:"running"`
}

// Server exposes metrics, liveness and feed bookkeeping over HTTP.
type Server struct {
	status StatusSource
	router *mux.Router
	log    *zap.Logger
}

// NewServer creates the status server.
func NewServer(status StatusSource, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{status: status, router: mux.NewRouter(), log: logger.Named("server")}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/feeds", s.handleFeeds).Methods(http.MethodGet)
	s.router.HandleFunc("/feeds/{name}", s.handleFeed).Methods(http.MethodGet)
}

// Router returns the HTTP handler.
func (s *Server) Router() http.Handler { return s.router }

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("Status server listening.", zap.String("address", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("Status server shutdown error.", zap.Error(err))
		}
		<-errCh
		return nil
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleFeeds(w http.ResponseWriter, r *http.Request) {
	states, err := s.status.States(r.Context())
	if err != nil {
		s.log.Error("Failed to list feed states.", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list feed states"})
		return
	}
	out := make([]FeedStatus, len(states))
	for i, st := range states {
		out[i] = FeedStatus{FeedState: st, Running: s.status.InFlight(st.Name)}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	states, err := s.status.States(r.Context())
	if err != nil {
		s.log.Error("Failed to list feed states.", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list feed states"})
		return
	}
	for _, st := range states {
		if st.Name == name {
			writeJSON(w, http.StatusOK, FeedStatus{FeedState: st, Running: s.status.InFlight(name)})
			return
		}
	}
	writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown feed " + name})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
