package app

import (
	"context"
	"errors"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	healthcheck "github.com/vladislavdragonenkov/storefront/internal/health"
)

func waitForHTTP(t *testing.T, url string) *http.Response {
	t.Helper()
	client := &http.Client{Timeout: time.Second}
	deadline := time.Now().Add(3 * time.Second)
	for {
		resp, err := client.Get(url)
		if err == nil {
			return resp
		}
		if time.Now().After(deadline) {
			t.Fatalf("server at %s did not start: %v", url, err)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestStartMetricsServer_Endpoints(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addr := freeAddr(t)
	handler := healthcheck.NewHandler("test")
	handler.RegisterChecker("storage", healthcheck.NewCriticalChecker("storage", func(context.Context) error { return nil }))
	srv := startMetricsServer(ctx, addr, testLogger(), handler)
	defer shutdownHTTP(srv, testLogger())

	tests := []struct {
		path string
		body string
	}{
		{path: "/livez", body: "ok"},
		{path: "/readyz", body: "ready"},
		{path: "/healthz"},
		{path: "/metrics"},
	}
	for _, tc := range tests {
		resp := waitForHTTP(t, "http://"+addr+tc.path)
		body, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode, tc.path)
		if tc.body != "" {
			assert.Equal(t, tc.body, string(body), tc.path)
		}
	}
}

func TestStartMetricsServer_NotReadyWhenStorageDown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addr := freeAddr(t)
	handler := healthcheck.NewHandler("test")
	handler.RegisterChecker("storage", healthcheck.NewCriticalChecker("storage", func(context.Context) error {
		return errors.New("connection refused")
	}))
	srv := startMetricsServer(ctx, addr, testLogger(), handler)
	defer shutdownHTTP(srv, testLogger())

	resp := waitForHTTP(t, "http://"+addr+"/readyz")
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestStartMetricsServer_StopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	addr := freeAddr(t)
	startMetricsServer(ctx, addr, testLogger(), healthcheck.NewHandler("test"))

	resp := waitForHTTP(t, "http://"+addr+"/livez")
	_ = resp.Body.Close()
	cancel()

	client := &http.Client{Timeout: 200 * time.Millisecond}
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := client.Get("http://" + addr + "/livez")
		if err != nil {
			return
		}
		_ = resp.Body.Close()
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("metrics server still serving after context cancel")
}

func TestShutdownHTTP_NilServer(t *testing.T) {
	shutdownHTTP(nil, testLogger())
}
