package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/storefront/internal/version"
)

const idempotencyHeader = "Idempotency-Key"

type lineRequest struct {
	ProductID string `json:"product_id"`
	Qty       int32  `json:"qty"`
}

type addressRequest struct {
	FullName string `json:"full_name"`
	Phone    string `json:"phone"`
	Street   string `json:"street"`
}

type actor struct {
	Role string `json:"role"`
	ID   string `json:"id,omitempty"`
}

type createOrderRequest struct {
	UserID           string         `json:"user_id"`
	Items            []lineRequest  `json:"items"`
	Address          addressRequest `json:"address"`
	PaymentMethod    string         `json:"payment_method"`
	ShippingFeeMinor int64          `json:"shipping_fee_minor,omitempty"`
}

type actionRequest struct {
	Actor  actor  `json:"actor"`
	Reason string `json:"reason,omitempty"`
}

type orderResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// apiClient вызывает HTTP API сервиса заказов.
type apiClient struct {
	base   *url.URL
	client *http.Client
}

func newAPIClient(addr string, timeout time.Duration, maxConns int) (*apiClient, error) {
	base, err := url.Parse(strings.TrimRight(addr, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid addr %q: expected http(s)://host:port", addr)
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = maxConns
	transport.MaxConnsPerHost = maxConns
	return &apiClient{base: base, client: &http.Client{Timeout: timeout, Transport: transport}}, nil
}

// post отправляет JSON и декодирует ответ 2xx в out. Возвращает HTTP-код или 0 при сетевой ошибке.
func (c *apiClient) post(ctx context.Context, path, idempotencyKey string, body, out any) (int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base.JoinPath(path).String(), bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	if idempotencyKey != "" {
		req.Header.Set(idempotencyHeader, idempotencyKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, fmt.Errorf("%s: status %d: %s", path, resp.StatusCode, bytes.TrimSpace(raw))
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, fmt.Errorf("%s: decode response: %w", path, err)
		}
	}
	return resp.StatusCode, nil
}

// runner выполняет сценарии и записывает результаты шагов в collector.
type runner struct {
	cfg   config
	api   *apiClient
	stats *collector
	runID string
	newID func() string
}

func newRunner(cfg config, api *apiClient, stats *collector) *runner {
	return &runner{
		cfg:   cfg,
		api:   api,
		stats: stats,
		runID: uuid.NewString()[:8],
		newID: uuid.NewString,
	}
}

func (r *runner) step(ctx context.Context, name, path, key string, body, out any) error {
	started := time.Now()
	status, err := r.api.post(ctx, path, key, body, out)
	r.stats.record(name, time.Since(started), status, err == nil)
	return err
}

// scenario оформляет заказ и, в зависимости от режима, начинает оплату и отменяет его.
func (r *runner) scenario(ctx context.Context, index int) error {
	started := time.Now()
	err := r.scenarioSteps(ctx, index)
	r.stats.record(stepScenario, time.Since(started), 0, err == nil)
	return err
}

func (r *runner) scenarioSteps(ctx context.Context, index int) error {
	userID := r.cfg.userID
	customer := actor{Role: "customer", ID: userID}
	create := createOrderRequest{
		UserID: userID,
		Items:  []lineRequest{{ProductID: r.cfg.productID, Qty: r.cfg.qty}},
		Address: addressRequest{
			FullName: "Load Test " + r.runID,
			Phone:    "0900000000",
			Street:   fmt.Sprintf("%d Load Street", index),
		},
		PaymentMethod:    r.cfg.paymentMethod,
		ShippingFeeMinor: r.cfg.shippingFeeMinor,
	}

	key := r.newID()
	var order orderResponse
	if err := r.step(ctx, "create_order", "/api/v1/orders", key, create, &order); err != nil {
		return err
	}

	if shouldHit(index, r.cfg.replayRate) {
		var replayed orderResponse
		if err := r.step(ctx, "create_order_replay", "/api/v1/orders", key, create, &replayed); err != nil {
			return err
		}
		if replayed.ID != order.ID {
			return fmt.Errorf("idempotent replay returned order %s, want %s", replayed.ID, order.ID)
		}
	}

	orderPath := "/api/v1/orders/" + url.PathEscape(order.ID)
	if r.cfg.mode == modeCreatePay || r.cfg.mode == modeCreatePayCancel {
		if err := r.step(ctx, "initiate_payment", orderPath+"/payments", "", actionRequest{Actor: customer}, nil); err != nil {
			return err
		}
	}

	cancel := r.cfg.mode == modeCreatePayCancel || (r.cfg.mode == modeCreatePay && shouldHit(index, r.cfg.cancelRate))
	if cancel {
		req := actionRequest{Actor: customer, Reason: "load test"}
		if err := r.step(ctx, "cancel_order", orderPath+"/cancel", "", req, nil); err != nil {
			return err
		}
	}
	return nil
}

// shouldHit детерминированно выбирает percent процентов сценариев.
func shouldHit(index, percent int) bool {
	return percent > 0 && (percent >= 100 || index%100 < percent)
}
