// Package stripe — адаптер Stripe PaymentIntents с ручным списанием (capture_method=manual).
package stripe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/version"
)

// Config — ключи и параметры Stripe.
type Config struct {
	BaseURL       string
	SecretKey     string
	WebhookSecret string
	// Currency — валюта списания; по умолчанию базовая валюта магазина.
	Currency       string
	MinAmountMinor int64
	// SignatureTolerance — допустимый возраст подписи webhook.
	SignatureTolerance time.Duration
	Timeout            time.Duration
}

// Gateway реализует domain.PaymentGateway для Stripe.
type Gateway struct {
	cfg       Config
	converter domain.CurrencyConverter
	http      *http.Client
	logger    *log.Entry
	now       func() time.Time
}

// Option настраивает адаптер.
type Option func(*Gateway)

// WithHTTPClient подменяет HTTP клиент.
func WithHTTPClient(client *http.Client) Option {
	return func(g *Gateway) {
		if client != nil {
			g.http = client
		}
	}
}

// WithLogger задаёт логгер.
func WithLogger(logger *log.Entry) Option {
	return func(g *Gateway) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithClock подменяет часы для проверки возраста подписи.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) {
		if now != nil {
			g.now = now
		}
	}
}

// New создаёт адаптер Stripe. converter нужен, только если Currency отличается от валюты заказа.
func New(cfg Config, converter domain.CurrencyConverter, opts ...Option) *Gateway {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.stripe.com"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Currency == "" {
		cfg.Currency = domain.BaseCurrency
	}
	cfg.Currency = strings.ToUpper(cfg.Currency)
	if cfg.MinAmountMinor <= 0 {
		cfg.MinAmountMinor = 50
		if cfg.Currency == domain.BaseCurrency {
			cfg.MinAmountMinor = 10000
		}
	}
	if cfg.SignatureTolerance <= 0 {
		cfg.SignatureTolerance = 5 * time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	g := &Gateway{
		cfg:       cfg,
		converter: converter,
		http:      &http.Client{Timeout: cfg.Timeout},
		logger:    log.New().WithField("component", "stripe-gateway"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Method возвращает способ оплаты адаптера.
func (g *Gateway) Method() domain.PaymentMethod {
	return domain.PaymentMethodStripe
}

type paymentIntent struct {
	ID               string            `json:"id"`
	Status           string            `json:"status"`
	ClientSecret     string            `json:"client_secret"`
	Amount           int64             `json:"amount"`
	AmountCapturable int64             `json:"amount_capturable"`
	AmountReceived   int64             `json:"amount_received"`
	Currency         string            `json:"currency"`
	LatestCharge     string            `json:"latest_charge"`
	Metadata         map[string]string `json:"metadata"`
}

// CreatePaymentObject создаёт PaymentIntent с ручным списанием.
func (g *Gateway) CreatePaymentObject(ctx context.Context, intent domain.PaymentIntent) (domain.GatewayPayment, error) {
	amount := intent.AmountMinor
	var payment domain.GatewayPayment

	if !strings.EqualFold(intent.Currency, g.cfg.Currency) {
		if g.converter == nil {
			return domain.GatewayPayment{}, fmt.Errorf("%w: stripe charges in %s", domain.ErrUnsupportedCurrency, g.cfg.Currency)
		}
		conv, err := g.converter.Convert(ctx, intent.AmountMinor, intent.Currency, g.cfg.Currency)
		if err != nil {
			return domain.GatewayPayment{}, err
		}
		amount = conv.AmountMinor
		payment.ProcessedAmountMinor = conv.AmountMinor
		payment.ProcessedCurrency = g.cfg.Currency
		payment.ExchangeRate = conv.Rate
	}
	if amount < g.cfg.MinAmountMinor {
		return domain.GatewayPayment{}, fmt.Errorf("%w: %d < %d %s", domain.ErrAmountBelowMinimum, amount, g.cfg.MinAmountMinor, g.cfg.Currency)
	}

	form := url.Values{}
	form.Set("amount", strconv.FormatInt(amount, 10))
	form.Set("currency", strings.ToLower(g.cfg.Currency))
	form.Set("capture_method", "manual")
	form.Set("automatic_payment_methods[enabled]", "true")
	form.Set("metadata[entry_id]", intent.EntryID)
	form.Set("metadata[order_id]", intent.OrderID)
	if intent.Description != "" {
		form.Set("description", intent.Description)
	}

	var pi paymentIntent
	if err := g.call(ctx, http.MethodPost, "/v1/payment_intents", "create-"+intent.EntryID, form, &pi); err != nil {
		return domain.GatewayPayment{}, g.classify("stripe create payment intent", err)
	}

	payment.Details = domain.StripeDetails{PaymentIntentID: pi.ID, ClientSecret: pi.ClientSecret}
	return payment, nil
}

// Capture списывает авторизованный PaymentIntent. Idempotency-Key равен ID записи журнала.
func (g *Gateway) Capture(ctx context.Context, entry domain.LedgerEntry) (domain.CaptureResult, error) {
	details, ok := entry.Details.(domain.StripeDetails)
	if !ok || details.PaymentIntentID == "" {
		return domain.CaptureResult{}, fmt.Errorf("%w: entry %s has no payment intent", domain.ErrPaymentNotCapturable, entry.ID)
	}

	path := "/v1/payment_intents/" + url.PathEscape(details.PaymentIntentID)

	var pi paymentIntent
	err := g.call(ctx, http.MethodPost, path+"/capture", entry.ID, url.Values{}, &pi)
	if apiErr, ok := asAPIError(err); ok && apiErr.Code == "payment_intent_unexpected_state" {
		// Уже списан или ещё не авторизован: решаем по текущему состоянию.
		err = g.call(ctx, http.MethodGet, path, "", nil, &pi)
	}
	if err != nil {
		return domain.CaptureResult{}, g.classify("stripe capture", err)
	}

	switch pi.Status {
	case "succeeded":
		details.ChargeID = pi.LatestCharge
		return domain.CaptureResult{Details: details, CaptureID: pi.LatestCharge, Status: domain.GatewayStatusCompleted}, nil
	case "processing", "requires_action", "requires_confirmation":
		return domain.CaptureResult{Details: details, Status: domain.GatewayStatusPending}, nil
	case "requires_payment_method", "canceled":
		return domain.CaptureResult{}, fmt.Errorf("%w: stripe payment intent %s", domain.ErrPaymentDeclined, pi.Status)
	default:
		return domain.CaptureResult{}, domain.GatewayFailure("stripe capture", fmt.Errorf("unexpected status %q", pi.Status))
	}
}

type refund struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

// Refund возвращает всё списание по PaymentIntent.
func (g *Gateway) Refund(ctx context.Context, entry domain.LedgerEntry, req domain.RefundRequest) (domain.RefundResult, error) {
	details, ok := entry.Details.(domain.StripeDetails)
	if !ok || details.ChargeID == "" {
		return domain.RefundResult{}, fmt.Errorf("%w: entry %s has no stripe charge", domain.ErrNoCapturedPayment, entry.ID)
	}

	amount, code := entry.ChargedAmount()
	form := url.Values{}
	form.Set("payment_intent", details.PaymentIntentID)
	form.Set("amount", strconv.FormatInt(amount, 10))
	form.Set("reason", "requested_by_customer")
	form.Set("metadata[refund_id]", req.RefundID)
	if req.Reason != "" {
		form.Set("metadata[reason]", req.Reason)
	}

	var r refund
	if err := g.call(ctx, http.MethodPost, "/v1/refunds", "refund-"+req.RefundID, form, &r); err != nil {
		return domain.RefundResult{}, g.classify("stripe refund", err)
	}

	switch r.Status {
	case "succeeded", "pending", "requires_action":
	default:
		return domain.RefundResult{}, fmt.Errorf("%w: stripe refund %s", domain.ErrPaymentDeclined, r.Status)
	}

	details.RefundIDs = append(append([]string(nil), details.RefundIDs...), r.ID)
	return domain.RefundResult{
		RefundID:    r.ID,
		AmountMinor: amount,
		Currency:    code,
		Pending:     r.Status != "succeeded",
		Details:     details,
	}, nil
}

func (g *Gateway) call(ctx context.Context, method, path, idempotencyKey string, form url.Values, out any) error {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, g.cfg.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+g.cfg.SecretKey)
	req.Header.Set("User-Agent", version.UserAgent())
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := g.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		apiErr := &APIError{HTTPStatus: resp.StatusCode}
		var wrapper struct {
			Error *APIError `json:"error"`
		}
		wrapper.Error = apiErr
		_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&wrapper)
		apiErr.HTTPStatus = resp.StatusCode
		return apiErr
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// classify отделяет отказ карты от сбоя шлюза.
func (g *Gateway) classify(op string, err error) error {
	if apiErr, ok := asAPIError(err); ok && apiErr.Type == "card_error" {
		return fmt.Errorf("%w: %s: %s", domain.ErrPaymentDeclined, op, apiErr.Message)
	}
	return domain.GatewayFailure(op, err)
}
