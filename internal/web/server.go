package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// CaptureRateLimit is the number of POST /capture requests allowed per
// client and CaptureRateWindow.
const (
	CaptureRateLimit  = 1
	CaptureRateWindow = 5 * time.Second
)

// Deps are the server's collaborators. RunCapture, Devices and History may be nil.
type Deps struct {
	Broadcaster  *StatusBroadcaster
	RunCapture   RunCaptureFunc
	Devices      DevicesFunc
	History      HistoryFunc
	FormDefaults FormConfig
	Log          zerolog.Logger
}

// Server wraps the HTTP server and handlers.
type Server struct {
	addr     string
	handlers *Handlers
	log      zerolog.Logger
}

// NewServer creates a server configured for the given address and dependencies.
func NewServer(addr string, deps Deps) (*Server, error) {
	subFS, err := staticRoot()
	if err != nil {
		return nil, err
	}

	handlers := NewHandlers(deps.Broadcaster, deps.RunCapture, deps.FormDefaults, subFS)
	handlers.Devices = deps.Devices
	handlers.History = deps.History
	handlers.Log = deps.Log

	return &Server{
		addr:     addr,
		handlers: handlers,
		log:      deps.Log,
	}, nil
}

// Handlers exposes the handler set, e.g. to wait for a running capture.
func (s *Server) Handlers() *Handlers { return s.handlers }

func captureRateLimit() func(http.Handler) http.Handler {
	return httprate.Limit(
		CaptureRateLimit,
		CaptureRateWindow,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(CaptureRateWindow.Seconds())))
			writeJSONError(w, http.StatusTooManyRequests, "too many capture requests, wait before retrying")
		}),
	)
}

// Mux returns an http.Handler with all routes registered.
func (s *Server) Mux() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.With(captureRateLimit()).Post("/capture", s.handlers.HandleCapture)
	r.Get("/config", s.handlers.HandleConfig)
	r.Get("/devices", s.handlers.HandleDevices)
	r.Get("/history", s.handlers.HandleHistory)
	r.Get("/status/stream", s.handlers.HandleStatusStream)
	r.Handle("/metrics", promhttp.Handler())
	r.Handle("/static/*", http.StripPrefix("/static/", http.FileServer(http.FS(s.handlers.staticFS))))
	r.Get("/", s.handlers.ServeIndex)

	return r
}

// Run starts the server and blocks until ctx is cancelled, then shuts down
// gracefully and waits for a running capture.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.Mux(), ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.addr).Msg("web server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		s.handlers.Wait()
		return err
	}
}
