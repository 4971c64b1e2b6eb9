// Package web serves the HTTP API: the same operations as the CLI,
// exposed as JSON for dashboards and automation.
package web

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/prism-rag/prism/internal/orchestrator"
)

// Server is the JSON API server.
type Server struct {
	orc  *orchestrator.Orchestrator
	addr string
	log  *zap.Logger

	httpSrv *http.Server
}

// NewServer creates a Server.
func NewServer(orc *orchestrator.Orchestrator, addr string, log *zap.Logger) *Server {
	return &Server{orc: orc, addr: addr, log: log}
}

// Handler builds the route table. Split from Start so tests can drive
// the API through httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/projects", s.handleProjects)
	mux.HandleFunc("/api/projects/", s.routeProject)
	mux.HandleFunc("/api/tasks/", s.handleTaskGet)
	mux.HandleFunc("/api/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return s.logRequests(mux)
}

// Start listens until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("api server listening", zap.String("addr", s.addr))
		errCh <- s.httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("duration", time.Since(start)))
	})
}
