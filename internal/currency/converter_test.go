package currency

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type stubSource struct {
	calls atomic.Int32
	mu    sync.Mutex
	rates map[string]decimal.Decimal
	err   error
}

func (s *stubSource) FetchRates(context.Context) (Rates, error) {
	s.calls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return Rates{}, s.err
	}
	return Rates{Base: "USD", Values: s.rates}, nil
}

func (s *stubSource) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func liveRates() map[string]decimal.Decimal {
	return map[string]decimal.Decimal{
		"USD": decimal.NewFromInt(1),
		"VND": decimal.NewFromInt(24000),
		"EUR": decimal.RequireFromString("0.9"),
	}
}

type recorder struct {
	mu      sync.Mutex
	sources []string
}

func (r *recorder) RecordRateSource(source string) {
	r.mu.Lock()
	r.sources = append(r.sources, source)
	r.mu.Unlock()
}

func TestConvert_LiveThenCache(t *testing.T) {
	clock := newFakeClock()
	src := &stubSource{rates: liveRates()}
	rec := &recorder{}
	conv := NewConverter(src, Config{}, WithClock(clock), WithSourceRecorder(rec))

	first, err := conv.Convert(context.Background(), 240000, "VND", "USD")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), first.AmountMinor)
	assert.Equal(t, SourceLive, first.Source)

	clock.Advance(5 * time.Minute)
	second, err := conv.Convert(context.Background(), 240000, "VND", "USD")
	require.NoError(t, err)
	assert.Equal(t, SourceCache, second.Source)
	assert.Equal(t, int32(1), src.calls.Load())

	clock.Advance(6 * time.Minute)
	third, err := conv.Convert(context.Background(), 240000, "VND", "USD")
	require.NoError(t, err)
	assert.Equal(t, SourceLive, third.Source)
	assert.Equal(t, int32(2), src.calls.Load())

	assert.Equal(t, []string{SourceLive, SourceCache, SourceLive}, rec.sources)
}

func TestConvert_DisasterRecoveryAndFallback(t *testing.T) {
	clock := newFakeClock()
	src := &stubSource{rates: liveRates()}
	conv := NewConverter(src, Config{}, WithClock(clock))

	_, err := conv.Convert(context.Background(), 24000, "VND", "USD")
	require.NoError(t, err)

	src.fail(domain.GatewayFailure("fetch rates", errors.New("boom")))

	clock.Advance(2 * time.Hour)
	dr, err := conv.Convert(context.Background(), 24000, "VND", "USD")
	require.NoError(t, err)
	assert.Equal(t, SourceDisasterRecovery, dr.Source)
	assert.Equal(t, int64(100), dr.AmountMinor)

	clock.Advance(23 * time.Hour)
	fb, err := conv.Convert(context.Background(), 25000, "VND", "USD")
	require.NoError(t, err)
	assert.Equal(t, SourceFallback, fb.Source)
	assert.Equal(t, int64(100), fb.AmountMinor, "fallback table uses 25000 VND per USD")
}

func TestConvert_NoSourceUsesFallback(t *testing.T) {
	conv := NewConverter(nil, Config{})

	got, err := conv.Convert(context.Background(), 100, "USD", "VND")
	require.NoError(t, err)
	assert.Equal(t, SourceFallback, got.Source)
	assert.Equal(t, int64(25000), got.AmountMinor)
}

func TestConvert_RoundsHalfUp(t *testing.T) {
	conv := NewConverter(nil, Config{})

	tests := []struct {
		name   string
		amount int64
		want   int64
	}{
		{name: "0.4938 USD rounds down", amount: 12345, want: 49},
		{name: "0.505 USD rounds up", amount: 12625, want: 51},
		{name: "exact 100 USD", amount: 2500000, want: 10000},
		{name: "0.004 USD rounds to zero", amount: 100, want: 0},
		{name: "0.005 USD rounds up", amount: 125, want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := conv.Convert(context.Background(), tt.amount, "VND", "USD")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.AmountMinor)
		})
	}
}

func TestConvert_IdentityAndUnsupported(t *testing.T) {
	src := &stubSource{rates: liveRates()}
	conv := NewConverter(src, Config{})

	same, err := conv.Convert(context.Background(), 777, "vnd", "VND")
	require.NoError(t, err)
	assert.Equal(t, int64(777), same.AmountMinor)
	assert.Equal(t, SourceIdentity, same.Source)
	assert.Equal(t, int32(0), src.calls.Load())

	_, err = conv.Convert(context.Background(), 1, "VND", "XXX")
	require.Error(t, err)
	assert.True(t, domain.IsValidation(err))
}

func TestConvert_PairMissingFromLiveFallsBackToTable(t *testing.T) {
	src := &stubSource{rates: map[string]decimal.Decimal{"USD": decimal.NewFromInt(1), "EUR": decimal.RequireFromString("0.9")}}
	conv := NewConverter(src, Config{})

	got, err := conv.Convert(context.Background(), 25000, "VND", "USD")
	require.NoError(t, err)
	assert.Equal(t, SourceFallback, got.Source)
	assert.Equal(t, int64(100), got.AmountMinor)
}

type gatedSource struct {
	calls   atomic.Int32
	started chan struct{}
	release chan struct{}
}

func (s *gatedSource) FetchRates(context.Context) (Rates, error) {
	if s.calls.Add(1) == 1 {
		close(s.started)
	}
	<-s.release
	return Rates{Base: "USD", Values: liveRates()}, nil
}

func TestConvert_CollapsesConcurrentMisses(t *testing.T) {
	src := &gatedSource{started: make(chan struct{}), release: make(chan struct{})}
	conv := NewConverter(src, Config{}, WithClock(newFakeClock()))

	const workers = 16
	var wg sync.WaitGroup
	results := make(chan int64, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := conv.Convert(context.Background(), 24000, "VND", "USD")
			if err == nil {
				results <- got.AmountMinor
			}
		}()
	}

	<-src.started
	time.Sleep(20 * time.Millisecond)
	close(src.release)
	wg.Wait()
	close(results)

	count := 0
	for amount := range results {
		count++
		assert.Equal(t, int64(100), amount)
	}
	assert.Equal(t, workers, count)
	assert.Equal(t, int32(1), src.calls.Load())
}

func TestReverse(t *testing.T) {
	rate := decimal.NewFromInt(1).Div(decimal.NewFromInt(25000))

	base, err := Reverse(100, "VND", "USD", rate)
	require.NoError(t, err)
	assert.Equal(t, int64(25000), base)

	_, err = Reverse(100, "VND", "USD", decimal.Zero)
	assert.True(t, domain.IsValidation(err))
}

func TestFormatAndParseMajor(t *testing.T) {
	assert.Equal(t, "12.34", FormatMajor(1234, "USD"))
	assert.Equal(t, "0.05", FormatMajor(5, "usd"))
	assert.Equal(t, "150000", FormatMajor(150000, "VND"))

	minor, err := ParseMajor("12.345", "USD")
	require.NoError(t, err)
	assert.Equal(t, int64(1235), minor)

	_, err = ParseMajor("abc", "USD")
	assert.Error(t, err)
}

func TestHTTPSource_FetchRates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"result":"success","base_code":"USD","rates":{"USD":1,"VND":25410.5,"eur":0.92}}`))
	}))
	defer srv.Close()

	rates, err := NewHTTPSource(srv.URL, time.Second).FetchRates(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "USD", rates.Base)
	assert.True(t, rates.Values["VND"].Equal(decimal.RequireFromString("25410.5")))
	assert.Contains(t, rates.Values, "EUR")
}

func TestHTTPSource_Errors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		payload string
	}{
		{name: "server error", status: http.StatusBadGateway, payload: `oops`},
		{name: "error result", status: http.StatusOK, payload: `{"result":"error","error-type":"quota-reached"}`},
		{name: "malformed body", status: http.StatusOK, payload: `{"result":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.payload))
			}))
			defer srv.Close()

			_, err := NewHTTPSource(srv.URL, time.Second).FetchRates(context.Background())
			require.Error(t, err)
			assert.True(t, domain.IsGateway(err))
		})
	}
}
