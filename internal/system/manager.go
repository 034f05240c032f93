package system

import (
	"context"
	"fmt"

	"github.com/serrano-project/orchestrator/internal/logging"
)

// Manager registers a process's Services and starts/stops them together.
// Services start in registration order and stop in reverse order so a
// component's dependencies (e.g. the KV store) start before and stop after
// the components that use them.
type Manager struct {
	log      *logging.Logger
	services []Service
}

func NewManager(log *logging.Logger) *Manager {
	if log == nil {
		log = logging.NewDefault("system")
	}
	return &Manager{log: log}
}

func (m *Manager) Register(svc Service) {
	m.services = append(m.services, svc)
}

// Start starts every registered service in order, stopping already-started
// services and returning an error if any Start call fails.
func (m *Manager) Start(ctx context.Context) error {
	started := make([]Service, 0, len(m.services))
	for _, svc := range m.services {
		m.log.WithField("service", svc.Name()).Info("starting service")
		if err := svc.Start(ctx); err != nil {
			m.log.WithField("service", svc.Name()).WithError(err).Error("service failed to start")
			for i := len(started) - 1; i >= 0; i-- {
				_ = started[i].Stop(ctx)
			}
			return fmt.Errorf("start %s: %w", svc.Name(), err)
		}
		started = append(started, svc)
	}
	return nil
}

// Stop stops every registered service in reverse order, collecting the
// first error but attempting to stop all services regardless.
func (m *Manager) Stop(ctx context.Context) error {
	var firstErr error
	for i := len(m.services) - 1; i >= 0; i-- {
		svc := m.services[i]
		m.log.WithField("service", svc.Name()).Info("stopping service")
		if err := svc.Stop(ctx); err != nil {
			m.log.WithField("service", svc.Name()).WithError(err).Error("service failed to stop")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
