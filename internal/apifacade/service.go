package apifacade

import (
	"context"
	"net/http"
	"time"

	"github.com/serrano-project/orchestrator/internal/dispatcher"
	"github.com/serrano-project/orchestrator/internal/logging"
)

// Service exposes the HTTP API and fits into the system manager lifecycle.
type Service struct {
	addr    string
	server  *http.Server
	handler http.Handler
	log     *logging.Logger
}

// NewService builds the middleware-wrapped HTTP handler. Order matters:
// metrics wraps the outermost request, then CORS (which short-circuits
// preflight before auth runs), then audit, then auth closest to the
// handler so it always sees the real request.
func NewService(addr string, disp *dispatcher.Dispatcher, jwtSecret string, log *logging.Logger) *Service {
	if log == nil {
		log = logging.NewDefault("http")
	}
	handler := NewHandler(disp, log)
	handler = wrapWithAuth(handler, jwtSecret, log)
	handler = wrapWithAudit(handler, log)
	handler = wrapWithCORS(handler)
	handler = wrapWithMetrics(handler)

	return &Service{addr: addr, handler: handler, log: log}
}

func (s *Service) Name() string { return "http" }

func (s *Service) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Error("http server error")
		}
	}()
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
