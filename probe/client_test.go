package probe_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/balakumargv-solx/infra-agent/fleet"
	"github.com/balakumargv-solx/infra-agent/probe"
)

func testConfig(url string) probe.Config {
	return probe.Config{
		VesselID: "vessel-1",
		URL:      url,
		Token:    "test-token",
		Database: "vessel-1",
		Timeout:  5 * time.Second,
	}
}

func fastRetry() probe.RetryConfig {
	return probe.RetryConfig{
		MaxAttempts: 3,
		BackoffBase: 1 * time.Millisecond,
		MaxBackoff:  10 * time.Millisecond,
	}
}

func pingResponse(rows [][]any) map[string]any {
	return map[string]any{
		"results": []map[string]any{
			{
				"series": []map[string]any{
					{
						"name":    "ping",
						"columns": []string{"time", "url", "result_code", "percent_packet_loss"},
						"values":  rows,
					},
				},
			},
		},
	}
}

func TestClient_QueryPings_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "GET", r.Method)
		assert.Equal(t, "/query", r.URL.Path)
		assert.Equal(t, "Token test-token", r.Header.Get("Authorization"))
		assert.Equal(t, "vessel-1", r.URL.Query().Get("db"))
		assert.Contains(t, r.URL.Query().Get("q"), "FROM ping")
		assert.Contains(t, r.URL.Query().Get("q"), "url = '10.0.0.1'")

		resp := pingResponse([][]any{
			{"2026-03-14T10:00:00Z", "10.0.0.1", 0.0, 0.0},
			{"2026-03-14T10:05:00Z", "10.0.0.1", 1.0, 100.0},
			{"2026-03-14T10:10:00Z", "10.0.0.2", 0.0, 50.0},
		})
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	client, err := probe.NewClient(testConfig(server.URL))
	require.NoError(t, err)

	data, err := client.QueryPings(context.Background(), fleet.RoleAccessPoint, []string{"10.0.0.1", "10.0.0.2"}, 24)
	require.NoError(t, err)

	assert.Equal(t, "vessel-1", data.VesselID)
	assert.Equal(t, fleet.RoleAccessPoint, data.Role)
	require.Len(t, data.Devices, 2)

	require.Len(t, data.Devices["10.0.0.1"], 2)
	assert.True(t, data.Devices["10.0.0.1"][0].Success)
	assert.False(t, data.Devices["10.0.0.1"][1].Success)

	// Partial packet loss still counts as a reachable device.
	require.Len(t, data.Devices["10.0.0.2"], 1)
	assert.True(t, data.Devices["10.0.0.2"][0].Success)
}

func TestClient_QueryPings_AbsentIPStillRepresented(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := pingResponse([][]any{
			{"2026-03-14T10:00:00Z", "10.0.0.1", 0.0, 0.0},
		})
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	client, err := probe.NewClient(testConfig(server.URL))
	require.NoError(t, err)

	data, err := client.QueryPings(context.Background(), fleet.RoleServer, []string{"10.0.0.1", "10.0.0.9"}, 24)
	require.NoError(t, err)

	samples, present := data.Devices["10.0.0.9"]
	assert.True(t, present)
	assert.Empty(t, samples)
}

func TestClient_QueryPings_EmptySeries(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"results": []map[string]any{{}}})
	}))
	defer server.Close()

	client, err := probe.NewClient(testConfig(server.URL))
	require.NoError(t, err)

	data, err := client.QueryPings(context.Background(), fleet.RoleDashboard, []string{"10.0.0.3"}, 24)
	require.NoError(t, err)

	assert.Empty(t, data.Devices["10.0.0.3"])
}

func TestClient_QueryPings_RetryOnServerError(t *testing.T) {
	var attempts atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("influxdb restarting"))
			return
		}
		json.NewEncoder(w).Encode(pingResponse([][]any{
			{"2026-03-14T10:00:00Z", "10.0.0.1", 0.0, 0.0},
		}))
	}))
	defer server.Close()

	client, err := probe.NewClient(testConfig(server.URL), probe.WithRetryConfig(fastRetry()))
	require.NoError(t, err)

	data, err := client.QueryPings(context.Background(), fleet.RoleServer, []string{"10.0.0.1"}, 24)
	require.NoError(t, err)
	assert.Equal(t, int32(3), attempts.Load())
	assert.Len(t, data.Devices["10.0.0.1"], 1)
}

func TestClient_QueryPings_NoRetryOnAuthError(t *testing.T) {
	var attempts atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte("invalid token"))
	}))
	defer server.Close()

	client, err := probe.NewClient(testConfig(server.URL), probe.WithRetryConfig(fastRetry()))
	require.NoError(t, err)

	_, err = client.QueryPings(context.Background(), fleet.RoleServer, []string{"10.0.0.1"}, 24)
	require.Error(t, err)
	assert.Equal(t, probe.KindAuth, probe.KindOf(err))
	assert.False(t, probe.IsRetryable(err))
	assert.Equal(t, int32(1), attempts.Load())
}

func TestClient_QueryPings_RateLimitIsRetryable(t *testing.T) {
	var attempts atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		json.NewEncoder(w).Encode(pingResponse(nil))
	}))
	defer server.Close()

	client, err := probe.NewClient(testConfig(server.URL), probe.WithRetryConfig(fastRetry()))
	require.NoError(t, err)

	_, err = client.QueryPings(context.Background(), fleet.RoleServer, []string{"10.0.0.1"}, 24)
	require.NoError(t, err)
	assert.Equal(t, int32(2), attempts.Load())
}

func TestClient_QueryPings_DatabaseErrorIsPermanent(t *testing.T) {
	var attempts atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{
				{"error": "database not found: vessel-1"},
			},
		})
	}))
	defer server.Close()

	client, err := probe.NewClient(testConfig(server.URL), probe.WithRetryConfig(fastRetry()))
	require.NoError(t, err)

	_, err = client.QueryPings(context.Background(), fleet.RoleServer, []string{"10.0.0.1"}, 24)
	require.Error(t, err)
	assert.Equal(t, probe.KindConfig, probe.KindOf(err))
	assert.Equal(t, int32(1), attempts.Load())
}

func TestClient_QueryPings_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	cfg := testConfig(server.URL)
	cfg.Timeout = 20 * time.Millisecond

	client, err := probe.NewClient(cfg, probe.WithRetryConfig(probe.RetryConfig{
		MaxAttempts: 1,
		BackoffBase: 1 * time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
	}))
	require.NoError(t, err)

	_, err = client.QueryPings(context.Background(), fleet.RoleServer, []string{"10.0.0.1"}, 24)
	require.Error(t, err)
	assert.Equal(t, probe.KindTimeout, probe.KindOf(err))
	assert.True(t, probe.IsRetryable(err))
}

func TestClient_QueryPings_NoConfiguredIPs(t *testing.T) {
	// No HTTP server: the client must not issue a query at all.
	client, err := probe.NewClient(testConfig("http://127.0.0.1:0"))
	require.NoError(t, err)

	data, err := client.QueryPings(context.Background(), fleet.RoleDashboard, nil, 24)
	require.NoError(t, err)
	assert.Empty(t, data.Devices)
}

func TestClient_TestConnection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "SHOW MEASUREMENTS LIMIT 1", r.URL.Query().Get("q"))
		json.NewEncoder(w).Encode(map[string]any{"results": []map[string]any{{}}})
	}))
	defer server.Close()

	client, err := probe.NewClient(testConfig(server.URL))
	require.NoError(t, err)

	assert.NoError(t, client.TestConnection(context.Background()))
}

func TestClient_TestConnection_ConnectionRefused(t *testing.T) {
	client, err := probe.NewClient(testConfig("http://127.0.0.1:1"), probe.WithRetryConfig(probe.RetryConfig{
		MaxAttempts: 1,
		BackoffBase: 1 * time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
	}))
	require.NoError(t, err)

	err = client.TestConnection(context.Background())
	require.Error(t, err)
	assert.Equal(t, probe.KindConnection, probe.KindOf(err))
}

func TestNewClient_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  probe.Config
	}{
		{name: "missing vessel id", cfg: probe.Config{URL: "http://x", Database: "d"}},
		{name: "missing url", cfg: probe.Config{VesselID: "v", Database: "d"}},
		{name: "missing database", cfg: probe.Config{VesselID: "v", URL: "http://x"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := probe.NewClient(tt.cfg)
			require.Error(t, err)
			assert.Equal(t, probe.KindConfig, probe.KindOf(err))
		})
	}
}
