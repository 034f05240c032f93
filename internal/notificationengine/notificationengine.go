// Package notificationengine subscribes to the anomaly-detector's event
// topic and forwards each event to the API Facade's ede_notification
// endpoint, the bridge between the EDE/SHAP anomaly pipeline and the
// anomaly-driven redeployment loop.
package notificationengine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/serrano-project/orchestrator/internal/brokerclient"
	"github.com/serrano-project/orchestrator/internal/logging"
)

// Config holds the Notification Engine's tunables.
type Config struct {
	Topic             string
	ServiceEndpoint   string
	RequestsPerSecond float64
	Burst             int
}

func DefaultConfig(topic, serviceEndpoint string) Config {
	return Config{Topic: topic, ServiceEndpoint: serviceEndpoint, RequestsPerSecond: 20, Burst: 40}
}

// Service consumes anomaly events off the broker and relays them to the
// API Facade, rate-limited so a noisy anomaly source can't overwhelm it.
type Service struct {
	broker  brokerclient.Client
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	log     *logging.Logger

	sub brokerclient.Subscription
}

func NewService(broker brokerclient.Client, cfg Config, log *logging.Logger) *Service {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 20
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.RequestsPerSecond * 2)
	}
	return &Service{
		broker:  broker,
		cfg:     cfg,
		http:    &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		log:     log,
	}
}

func (s *Service) Name() string { return "notification-engine" }

func (s *Service) Start(ctx context.Context) error {
	sub, err := s.broker.Subscribe(ctx, s.cfg.Topic, s.onEvent)
	if err != nil {
		return err
	}
	s.sub = sub
	s.log.WithField("topic", s.cfg.Topic).Info("notification engine subscribed")
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	if s.sub != nil {
		return s.sub.Close()
	}
	return nil
}

// onEvent normalizes the event's reporttimestamp into an added
// reporttimestamp_unix field and forwards the re-encoded event to the API
// Facade.
func (s *Service) onEvent(ctx context.Context, body []byte) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}

	var event map[string]any
	if err := json.Unmarshal(body, &event); err != nil {
		s.log.WithError(err).Error("failed decoding anomaly event")
		return nil
	}
	if ts, ok := event["reporttimestamp"].(string); ok {
		if unix, ok := parseReportTimestamp(ts); ok {
			event["reporttimestamp_unix"] = unix
		}
	}

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	if err := s.forward(ctx, data); err != nil {
		s.log.WithError(err).WithField("topic", s.cfg.Topic).Error("unable to forward notification event")
	}
	return nil
}

func (s *Service) forward(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.ServiceEndpoint+"/api/v1/orchestrator/ede_notification", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("notificationengine: ede_notification returned %d", resp.StatusCode)
	}
	return nil
}

// parseReportTimestamp parses the event's ISO-8601 timestamp, truncating
// any fractional seconds, into a unix timestamp.
func parseReportTimestamp(ts string) (int64, bool) {
	trimmed := ts
	if idx := strings.Index(ts, "."); idx >= 0 {
		trimmed = ts[:idx]
	}
	t, err := time.Parse("2006-01-02T15:04:05", trimmed)
	if err != nil {
		return 0, false
	}
	return t.Unix(), true
}
