package enrich

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"lookout/config"
	"lookout/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func registryConfig(url string) config.RegistryConfig {
	return config.RegistryConfig{
		URL:             url,
		APIToken:        "s3cret",
		Timeout:         time.Second,
		BreakerFailures: 2,
		BreakerCooldown: time.Minute,
		BreakerHalfOpen: 1,
	}
}

func TestHTTPRegistry_Lookup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer s3cret", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/devices/eng-07":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"hostname":"eng-07","ship_id":"SHIP-42","device_id":"dev-7","service":"propulsion"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	reg, err := NewHTTPRegistry(registryConfig(srv.URL+"/"), zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)

	rec, err := reg.Lookup(context.Background(), "ENG-07")
	require.NoError(t, err)
	assert.Equal(t, DeviceRecord{Hostname: "eng-07", ShipID: "SHIP-42", DeviceID: "dev-7", Service: "propulsion"}, rec)

	_, err = reg.Lookup(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrRegistryMiss)
}

func TestHTTPRegistry_MissesDoNotOpenBreaker(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	reg, err := NewHTTPRegistry(registryConfig(srv.URL), zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := reg.Lookup(context.Background(), "ghost")
		assert.ErrorIs(t, err, ErrRegistryMiss)
	}
	assert.Equal(t, core.CircuitBreakerStateClosed, reg.Breaker().State())
}

func TestHTTPRegistry_BreakerOpensOnErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	reg, err := NewHTTPRegistry(registryConfig(srv.URL), zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := reg.Lookup(context.Background(), "web-01")
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrRegistryMiss)
	}
	assert.Equal(t, core.CircuitBreakerStateOpen, reg.Breaker().State())

	_, err = reg.Lookup(context.Background(), "web-01")
	assert.ErrorIs(t, err, core.ErrCircuitBreakerOpen)
	assert.Equal(t, int32(2), hits.Load(), "open circuit must not reach the server")
}

func TestHTTPRegistry_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	cfg := registryConfig(srv.URL)
	cfg.Timeout = 50 * time.Millisecond
	reg, err := NewHTTPRegistry(cfg, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)

	_, err = reg.Lookup(context.Background(), "slow")
	assert.Error(t, err)
}

func TestHTTPRegistry_RequiresURL(t *testing.T) {
	_, err := NewHTTPRegistry(config.RegistryConfig{}, zaptest.NewLogger(t).Sugar())
	assert.Error(t, err)
}

func TestStaticRegistry(t *testing.T) {
	reg := NewStaticRegistry([]DeviceRecord{{Hostname: "Nav-1", ShipID: "SHIP-1"}})
	rec, err := reg.Lookup(context.Background(), " nav-1 ")
	require.NoError(t, err)
	assert.Equal(t, "SHIP-1", rec.ShipID)

	_, err = reg.Lookup(context.Background(), "nav-2")
	assert.ErrorIs(t, err, ErrRegistryMiss)
}

func TestLoadStaticRegistry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devices.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
devices:
  - hostname: eng-07
    ship_id: SHIP-42
    device_id: dev-7
    service: propulsion
  - hostname: nav-1
    ship_id: SHIP-42
`), 0o600))

	reg, err := LoadStaticRegistry(path)
	require.NoError(t, err)
	assert.Equal(t, 2, reg.Len())

	rec, err := reg.Lookup(context.Background(), "eng-07")
	require.NoError(t, err)
	assert.Equal(t, "propulsion", rec.Service)

	_, err = LoadStaticRegistry(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
