package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseArgs(extra ...string) []string {
	return append([]string{"-user=user-1", "-product=sku-1"}, extra...)
}

func TestParseConfig_Defaults(t *testing.T) {
	cfg, err := parseConfig(baseArgs())
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:8080", cfg.addr)
	assert.Equal(t, 400, cfg.total)
	assert.False(t, cfg.totalSet)
	assert.Equal(t, modeCreate, cfg.mode)
	assert.Equal(t, int32(1), cfg.qty)
	assert.Equal(t, "cod", cfg.paymentMethod)
	assert.Equal(t, "count:400", cfg.runTarget())
}

func TestParseConfig_DurationTargets(t *testing.T) {
	cfg, err := parseConfig(baseArgs("-duration=1m"))
	require.NoError(t, err)
	assert.Equal(t, "duration:1m0s", cfg.runTarget())

	cfg, err = parseConfig(baseArgs("-duration=1m", "-total=10"))
	require.NoError(t, err)
	assert.True(t, cfg.totalSet)
	assert.Equal(t, "duration:1m0s,max-total:10", cfg.runTarget())
}

func TestParseConfig_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{name: "missing user and product", args: nil},
		{name: "bad mode", args: baseArgs("-mode=burst")},
		{name: "zero total", args: baseArgs("-total=0")},
		{name: "zero concurrency", args: baseArgs("-concurrency=0")},
		{name: "negative rps", args: baseArgs("-rps=-1")},
		{name: "cancel rate above 100", args: baseArgs("-mode=create-pay", "-payment-method=stripe", "-cancel-rate=101")},
		{name: "replay rate negative", args: baseArgs("-replay-rate=-5")},
		{name: "payment mode with cod", args: baseArgs("-mode=create-pay")},
		{name: "zero qty", args: baseArgs("-qty=0")},
		{name: "unknown flag", args: baseArgs("-connections=3")},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := parseConfig(tc.args)
			assert.Error(t, err)
		})
	}
}

func TestPercentileAndSummary(t *testing.T) {
	assert.Zero(t, percentile(nil, 50))
	assert.Equal(t, 7.0, percentile([]float64{7}, 99))
	assert.InDelta(t, 2.5, percentile([]float64{1, 2, 3, 4}, 50), 1e-9)

	s := summarize([]float64{4, 1, 3, 2})
	assert.Equal(t, 1.0, s.Min)
	assert.Equal(t, 4.0, s.Max)
	assert.Equal(t, 2.5, s.Avg)
	assert.Equal(t, latencySummary{}, summarize(nil))
}

func TestShouldHit(t *testing.T) {
	assert.False(t, shouldHit(5, 0))
	assert.True(t, shouldHit(99, 100))
	assert.True(t, shouldHit(101, 10))
	assert.False(t, shouldHit(110, 10))
}

// fakeAPI повторяет контракт HTTP API сервиса заказов в части, нужной сценариям.
type fakeAPI struct {
	mu       sync.Mutex
	byKey    map[string]string
	seq      atomic.Int64
	paid     atomic.Int64
	canceled atomic.Int64
	failPay  bool
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	writeOrder := func(status int, id string) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(orderResponse{ID: id, Status: "pending"})
	}

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/api/v1/orders":
		var req createOrderRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Items) != 1 {
			http.Error(w, `{"error":"bad request"}`, http.StatusBadRequest)
			return
		}
		key := r.Header.Get(idempotencyHeader)
		f.mu.Lock()
		id, seen := f.byKey[key]
		if !seen {
			id = fmt.Sprintf("order-%d", f.seq.Add(1))
			f.byKey[key] = id
		}
		f.mu.Unlock()
		writeOrder(http.StatusCreated, id)
	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/payments"):
		if f.failPay {
			http.Error(w, `{"error":"gateway unavailable"}`, http.StatusBadGateway)
			return
		}
		f.paid.Add(1)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"entry":{"status":"pending"}}`))
	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/cancel"):
		f.canceled.Add(1)
		writeOrder(http.StatusOK, "cancelled")
	default:
		http.NotFound(w, r)
	}
}

func startFakeAPI(t *testing.T, api *fakeAPI) *apiClient {
	t.Helper()
	api.byKey = map[string]string{}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	client, err := newAPIClient(srv.URL, time.Second, 4)
	require.NoError(t, err)
	return client
}

func testConfig(t *testing.T, extra ...string) config {
	t.Helper()
	cfg, err := parseConfig(baseArgs(append([]string{"-total=20", "-concurrency=4"}, extra...)...))
	require.NoError(t, err)
	return cfg
}

func TestRun_CreateWithReplay(t *testing.T) {
	api := &fakeAPI{}
	client := startFakeAPI(t, api)
	cfg := testConfig(t, "-replay-rate=100")

	result := run(context.Background(), cfg, newRunner(cfg, client, newCollector()))

	assert.Equal(t, int64(20), result.TotalScenarios)
	assert.Zero(t, result.FailedScenarios)
	assert.Equal(t, int64(20), result.Steps["create_order"].Success)
	assert.Equal(t, int64(20), result.Steps["create_order_replay"].Success)
	assert.Equal(t, int64(20), result.Steps["create_order"].Statuses["201"])
	assert.Len(t, api.byKey, 20)
}

func TestRun_CreatePayWithCancelRate(t *testing.T) {
	api := &fakeAPI{}
	client := startFakeAPI(t, api)
	cfg := testConfig(t, "-mode=create-pay", "-payment-method=stripe", "-cancel-rate=10")

	result := run(context.Background(), cfg, newRunner(cfg, client, newCollector()))

	assert.Zero(t, result.FailedScenarios)
	assert.Equal(t, int64(20), api.paid.Load())
	assert.Equal(t, int64(10), api.canceled.Load())
}

func TestRun_FailedStepsAreReported(t *testing.T) {
	api := &fakeAPI{failPay: true}
	client := startFakeAPI(t, api)
	cfg := testConfig(t, "-mode=create-pay-cancel", "-payment-method=paypal")

	result := run(context.Background(), cfg, newRunner(cfg, client, newCollector()))

	assert.Equal(t, int64(20), result.FailedScenarios)
	assert.Equal(t, 1.0, result.ErrorRate)
	assert.Equal(t, int64(20), result.Steps["initiate_payment"].Statuses["502"])
	assert.Zero(t, api.canceled.Load())
}

func TestRun_TransportErrors(t *testing.T) {
	client, err := newAPIClient("http://127.0.0.1:1", 200*time.Millisecond, 1)
	require.NoError(t, err)
	cfg := testConfig(t, "-total=2", "-concurrency=1")

	result := run(context.Background(), cfg, newRunner(cfg, client, newCollector()))
	assert.Equal(t, int64(2), result.Steps["create_order"].Statuses["transport_error"])
}

func TestNewAPIClient_RejectsBadAddr(t *testing.T) {
	_, err := newAPIClient("localhost:8080", time.Second, 1)
	assert.Error(t, err)
}

func TestReportOutput(t *testing.T) {
	stats := newCollector()
	stats.record("create_order", 10*time.Millisecond, http.StatusCreated, true)
	stats.record(stepScenario, 12*time.Millisecond, 0, true)
	stats.record(stepScenario, 30*time.Millisecond, 0, false)
	result := stats.report(time.Now(), 2*time.Second)

	assert.Equal(t, int64(2), result.TotalScenarios)
	assert.Equal(t, 0.5, result.ErrorRate)
	assert.Equal(t, 1.0, result.ScenariosPerSec)
	assert.NotContains(t, result.Steps, stepScenario)

	var out bytes.Buffer
	printReport(&out, result, config{mode: modeCreate, total: 2})
	assert.Contains(t, out.String(), "scenarios=2 success=1 failed=1")
	assert.Contains(t, out.String(), "create_order: calls=1")

	path := filepath.Join(t.TempDir(), "report.json")
	require.NoError(t, writeJSONReport(path, result))
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var decoded report
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, result.TotalScenarios, decoded.TotalScenarios)

	assert.Error(t, writeJSONReport(".", result))
}
