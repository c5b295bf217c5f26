package transport

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mohammadhprp/ratelimiting/internal/admission"
	"github.com/mohammadhprp/ratelimiting/internal/counter"
	"github.com/mohammadhprp/ratelimiting/internal/metrics"
	"github.com/mohammadhprp/ratelimiting/internal/rules"
	"github.com/mohammadhprp/ratelimiting/internal/service"
	"github.com/mohammadhprp/ratelimiting/internal/storage"
)

func newServerConfig(t *testing.T, store storage.Store, configure func(b *rules.Builder)) ServerConfig {
	t.Helper()

	b := rules.NewBuilder()
	configure(b)

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector("test")
	collector.MustRegister(reg)

	c := counter.New(store)
	return ServerConfig{
		Address:        "127.0.0.1:0",
		Logger:         zap.NewNop(),
		Pipeline:       admission.NewPipeline(b.Build(), c, zap.NewNop(), admission.WithMetrics(collector)),
		Counter:        c,
		Health:         service.NewHealthService(store, zap.NewNop()),
		Gatherer:       reg,
		HealthInterval: time.Hour,
	}
}

func newMemoryStore(t *testing.T) *storage.MemoryStore {
	store := storage.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func get(h http.Handler, path, remoteAddr string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = remoteAddr
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHTTPServerRoutes(t *testing.T) {
	cfg := newServerConfig(t, newMemoryStore(t), func(b *rules.Builder) {
		require.NoError(t, b.Blocklist("remote admin", rules.All(rules.PathPrefix("/admission"), rules.Not(rules.Loopback()))))
		require.NoError(t, b.ThrottleFixed("per-ip", 2, time.Hour, rules.Scoped(rules.PathPrefix("/admission"), rules.ByClientIP())))
	})
	h := NewHTTPServer(cfg).Handler()

	// Probes bypass admission.
	for i := 0; i < 5; i++ {
		require.Equal(t, http.StatusOK, get(h, "/health", "192.0.2.1:1000").Code)
	}

	assert.Equal(t, http.StatusForbidden, get(h, "/admission/rules", "192.0.2.1:1000").Code)

	assert.Equal(t, http.StatusOK, get(h, "/admission/rules", "127.0.0.1:1000").Code)

	w := get(h, "/admission/counters/per-ip?discriminator=127.0.0.1", "127.0.0.1:1000")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":2`)

	w = get(h, "/admission/rules", "127.0.0.1:1000")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "2", w.Header().Get("X-RateLimit-Limit"))
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	w = get(h, "/metrics", "192.0.2.1:1000")
	require.Equal(t, http.StatusOK, w.Code)
	body, err := io.ReadAll(w.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `test_admission_decisions_total{outcome="blocked",rule="remote admin"} 1`)
	assert.Contains(t, string(body), `test_admission_decisions_total{outcome="throttled",rule="per-ip"} 1`)
}

func TestHTTPServerWithoutMetrics(t *testing.T) {
	cfg := newServerConfig(t, newMemoryStore(t), func(*rules.Builder) {})
	cfg.Gatherer = nil
	h := NewHTTPServer(cfg).Handler()

	assert.Equal(t, http.StatusNotFound, get(h, "/metrics", "127.0.0.1:1").Code)
}
