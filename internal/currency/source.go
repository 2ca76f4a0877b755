package currency

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// Rates — снимок курсов относительно общей базы: Values[code] единиц валюты за одну единицу Base.
type Rates struct {
	Base      string
	Values    map[string]decimal.Decimal
	FetchedAt time.Time
}

// Pair возвращает курс from→to, вычисленный через базу снимка.
func (r Rates) Pair(from, to string) (decimal.Decimal, bool) {
	fromRate, ok := r.Values[from]
	if !ok || fromRate.Sign() <= 0 {
		return decimal.Zero, false
	}
	toRate, ok := r.Values[to]
	if !ok || toRate.Sign() <= 0 {
		return decimal.Zero, false
	}
	return toRate.Div(fromRate), true
}

// RateSource — поставщик актуальных курсов.
type RateSource interface {
	FetchRates(ctx context.Context) (Rates, error)
}

// HTTPSource получает курсы из JSON API формата open.er-api.com.
type HTTPSource struct {
	url    string
	client *http.Client
}

// NewHTTPSource создаёт источник курсов. Нулевой timeout заменяется на 3 секунды.
func NewHTTPSource(url string, timeout time.Duration) *HTTPSource {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &HTTPSource{url: url, client: &http.Client{Timeout: timeout}}
}

type quoteResponse struct {
	Result   string                     `json:"result"`
	BaseCode string                     `json:"base_code"`
	Rates    map[string]decimal.Decimal `json:"rates"`
}

// FetchRates запрашивает снимок курсов. Любая ошибка оборачивается в класс ErrGateway.
func (s *HTTPSource) FetchRates(ctx context.Context) (Rates, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return Rates{}, fmt.Errorf("build quote request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return Rates{}, domain.GatewayFailure("fetch rates", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return Rates{}, domain.GatewayFailure("fetch rates", fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	var body quoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Rates{}, domain.GatewayFailure("decode rates", err)
	}
	if body.Result != "success" || len(body.Rates) == 0 {
		return Rates{}, domain.GatewayFailure("fetch rates", fmt.Errorf("quote result %q", body.Result))
	}

	base := strings.ToUpper(body.BaseCode)
	values := make(map[string]decimal.Decimal, len(body.Rates))
	for code, rate := range body.Rates {
		values[strings.ToUpper(code)] = rate
	}
	if _, ok := values[base]; !ok && base != "" {
		values[base] = decimal.NewFromInt(1)
	}

	return Rates{Base: base, Values: values}, nil
}
