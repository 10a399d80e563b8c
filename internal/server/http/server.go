package httpserver

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/edsu/docnow/internal/runtime"
)

type Server struct {
	rt  *runtime.Runtime
	log *zap.Logger
	srv *http.Server
	lis net.Listener
}

func New(rt *runtime.Runtime, log *zap.Logger) *Server {
	s := &Server{rt: rt, log: log.Named("http")}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/v1/healthz", s.handleHealth)
	r.Route("/v1/searches", func(r chi.Router) {
		r.Post("/", s.handleCreateSearch)
		r.Get("/", s.handleListSearches)
		r.Route("/{searchID}", func(r chi.Router) {
			r.Get("/", s.handleGetSearch)
			r.Put("/", s.handleUpdateSearch)
			r.Delete("/", s.handleDeleteSearch)
			r.Get("/queue", s.handleQueueStats)
			r.Get("/posts", s.handleListPosts)
		})
	})
	r.Get("/v1/connections", s.handleConnections)
	r.Handle("/metrics", promhttp.Handler())

	s.srv = &http.Server{Handler: cors(r)}
	return s
}

func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.lis = l
	s.log.Info("listening", zap.String("addr", l.Addr().String()))
	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(l) }()
	select {
	case <-ctx.Done():
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(cctx)
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) Close() {
	if s.lis != nil {
		_ = s.lis.Close()
	}
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	if s.lis == nil {
		return ""
	}
	return s.lis.Addr().String()
}

// Handler returns the root handler, for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.rt.CheckHealth(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_serving"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.rt.Controller().Connections())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
