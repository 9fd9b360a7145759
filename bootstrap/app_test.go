package bootstrap

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"lookout/bus/bustest"
	"lookout/config"
	"lookout/core"

	"github.com/alicebob/miniredis/v2"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadConfig("")
	require.NoError(t, err)
	cfg.Bus.Enabled = false
	cfg.HTTP.Addr = "127.0.0.1:0"
	cfg.HTTP.ShutdownGrace = 2 * time.Second
	cfg.DLQ.SQLitePath = filepath.Join(t.TempDir(), "lookout.db")
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	logger := zaptest.NewLogger(t)
	app, err := NewAppWithConfig(context.Background(), cfg, zap.NewNop(), logger.Sugar())
	require.NoError(t, err)
	require.NoError(t, app.Start(context.Background()))
	t.Cleanup(app.Shutdown)
	return app
}

func postEvent(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/events", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

const sampleEvent = `{
	"tracking_id": "trk-1",
	"timestamp": "2024-06-01T12:00:00Z",
	"severity": "critical",
	"ship_id": "SHIP-7",
	"service": "ballast",
	"device_id": "pump-2",
	"metric_name": "pressure",
	"metric_value": 12.5
}`

func TestApp_HTTPIntakeAndDeadLetters(t *testing.T) {
	app := newTestApp(t, testConfig(t))
	h := app.Server.Handler()

	rec := postEvent(t, h, sampleEvent)
	assert.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	rec = postEvent(t, h, `{"timestamp": "yesterday-ish"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/dlq", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var list dlqListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Total)
	require.Len(t, list.Events, 1)
	assert.Equal(t, core.ReasonInvalidTimestamp, list.Events[0].ErrorReason)
}

func TestApp_Readiness(t *testing.T) {
	app := newTestApp(t, testConfig(t))

	rec := httptest.NewRecorder()
	app.Server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var body readiness
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Checks["sqlite"])
	assert.NotNil(t, app.Retention, "sqlite dead letters get a retention policy")
}

func TestApp_RedisBackends(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.Redis.Addr = mr.Addr()
	cfg.Correlation.Backend = config.BackendRedis
	cfg.Suppression.Backend = config.BackendRedis

	app := newTestApp(t, cfg)
	require.NotNil(t, app.Redis)

	rec := postEvent(t, app.Server.Handler(), sampleEvent)
	assert.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	keys := mr.Keys()
	assert.Contains(t, keys, cfg.Correlation.KeyPrefix+"entry:ship=SHIP-7|svc=ballast")
}

func TestApp_RedisUnavailable(t *testing.T) {
	cfg := testConfig(t)
	cfg.Redis.Addr = "127.0.0.1:1"
	cfg.Correlation.Backend = config.BackendRedis

	_, err := NewAppWithConfig(context.Background(), cfg, zap.NewNop(), zaptest.NewLogger(t).Sugar())
	assert.Error(t, err)
}

func TestApp_BusEndToEnd(t *testing.T) {
	url := bustest.RunServer(t)
	cfg := testConfig(t)
	cfg.Bus.Enabled = true
	cfg.Bus.URL = url
	cfg.Bus.FetchTimeout = 200 * time.Millisecond
	cfg.DLQ.Backend = config.DLQBackendNATS

	app := newTestApp(t, cfg)

	nc, err := nats.Connect(url)
	require.NoError(t, err)
	defer nc.Close()
	js, err := nc.JetStream()
	require.NoError(t, err)

	incidents, err := nc.SubscribeSync(cfg.Emit.CreatedSubject)
	require.NoError(t, err)
	deadLetters, err := nc.SubscribeSync(cfg.DLQ.Subject)
	require.NoError(t, err)

	_, err = js.Publish("events.anomaly.metric", []byte(sampleEvent))
	require.NoError(t, err)
	_, err = js.Publish("events.anomaly.metric", []byte("not json"))
	require.NoError(t, err)

	msg, err := incidents.NextMsg(5 * time.Second)
	require.NoError(t, err)
	var inc core.Incident
	require.NoError(t, json.Unmarshal(msg.Data, &inc))
	assert.Equal(t, "SHIP-7", inc.ShipID)
	assert.Equal(t, 1, inc.CorrelatedEventCount)
	assert.Equal(t, []string{"trk-1"}, inc.TrackingIDs)

	dl, err := deadLetters.NextMsg(5 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "not json", string(dl.Data))
	assert.Equal(t, core.ReasonDecodeFailure, dl.Header.Get("Lookout-Error-Reason"))

	assert.Nil(t, app.DeadLetter.Store, "bus backend has no queryable store")
}

func TestApp_BusLossIsFatal(t *testing.T) {
	url := bustest.RunServer(t)
	cfg := testConfig(t)
	cfg.Bus.Enabled = true
	cfg.Bus.URL = url
	cfg.Bus.FetchTimeout = 100 * time.Millisecond

	app := newTestApp(t, cfg)

	errCh := make(chan error, 1)
	go func() { errCh <- app.WaitForShutdown() }()

	app.NATS.Close()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, core.ErrBusUnavailable)
	case <-time.After(5 * time.Second):
		t.Fatal("WaitForShutdown did not return after the bus connection closed")
	}
}
