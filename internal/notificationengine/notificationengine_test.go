package notificationengine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/serrano-project/orchestrator/internal/brokerclient"
	"github.com/serrano-project/orchestrator/internal/logging"
)

func TestParseReportTimestamp_TruncatesFractionalSeconds(t *testing.T) {
	unix, ok := parseReportTimestamp("2024-03-01T10:15:30.123456")
	require.True(t, ok)

	want := time.Date(2024, 3, 1, 10, 15, 30, 0, time.UTC).Unix()
	assert.Equal(t, want, unix)
}

func TestParseReportTimestamp_NoFraction(t *testing.T) {
	unix, ok := parseReportTimestamp("2024-03-01T10:15:30")
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 15, 30, 0, time.UTC).Unix(), unix)
}

func TestParseReportTimestamp_Invalid(t *testing.T) {
	_, ok := parseReportTimestamp("not-a-timestamp")
	assert.False(t, ok)
}

func TestService_OnEvent_ForwardsToServiceEndpoint(t *testing.T) {
	received := make(chan map[string]any, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/orchestrator/ede_notification", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		received <- body
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	broker := brokerclient.NewMemoryClient()
	cfg := DefaultConfig("ede_anomalies", srv.URL)
	svc := NewService(broker, cfg, logging.NewDefault("test"))

	require.NoError(t, svc.Start(context.Background()))
	defer svc.Stop(context.Background())

	event := map[string]any{"cluster_uuid": "c-1", "reporttimestamp": "2024-03-01T10:15:30.000000"}
	body, err := json.Marshal(event)
	require.NoError(t, err)

	require.NoError(t, broker.Publish(context.Background(), brokerclient.Envelope{Queue: cfg.Topic, Body: body}))

	select {
	case got := <-received:
		assert.Equal(t, "c-1", got["cluster_uuid"])
		assert.EqualValues(t, time.Date(2024, 3, 1, 10, 15, 30, 0, time.UTC).Unix(), got["reporttimestamp_unix"])
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for forwarded notification")
	}
}

func TestService_OnEvent_InvalidJSONIsSwallowed(t *testing.T) {
	broker := brokerclient.NewMemoryClient()
	cfg := DefaultConfig("ede_anomalies", "http://127.0.0.1:0")
	svc := NewService(broker, cfg, logging.NewDefault("test"))

	err := svc.onEvent(context.Background(), []byte("not json"))
	assert.NoError(t, err)
}

func TestNewService_DefaultsRateLimit(t *testing.T) {
	broker := brokerclient.NewMemoryClient()
	svc := NewService(broker, Config{Topic: "t", ServiceEndpoint: "http://example.invalid"}, logging.NewDefault("test"))

	assert.Equal(t, float64(20), svc.cfg.RequestsPerSecond)
	assert.Equal(t, 40, svc.cfg.Burst)
}
