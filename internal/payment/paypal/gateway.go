// Package paypal — адаптер PayPal Orders API v2. Суммы магазина в VND конвертируются
// в валюту расчёта (USD) перед созданием заказа PayPal.
package paypal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/currency"
	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/version"
)

// Config — учётные данные и параметры PayPal.
type Config struct {
	BaseURL       string
	ClientID      string
	Secret        string
	WebhookSecret string
	// Currency — валюта расчёта, по умолчанию USD.
	Currency string
	// MinAmountMinor — минимальная сумма в минимальных единицах Currency.
	MinAmountMinor int64
	ReturnURL      string
	CancelURL      string
	Timeout        time.Duration
}

// Gateway реализует domain.PaymentGateway для PayPal.
type Gateway struct {
	cfg       Config
	converter domain.CurrencyConverter
	http      *http.Client
	logger    *log.Entry
	now       func() time.Time

	mu          sync.Mutex
	accessToken string
	expiresAt   time.Time
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

// New создаёт адаптер PayPal.
func New(cfg Config, converter domain.CurrencyConverter, opts ...Option) *Gateway {
	if cfg.Currency == "" {
		cfg.Currency = "USD"
	}
	if cfg.MinAmountMinor <= 0 {
		cfg.MinAmountMinor = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	g := &Gateway{
		cfg:       cfg,
		converter: converter,
		http:      &http.Client{Timeout: cfg.Timeout},
		logger:    log.New().WithField("component", "paypal-gateway"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Method возвращает способ оплаты адаптера.
func (g *Gateway) Method() domain.PaymentMethod {
	return domain.PaymentMethodPayPal
}

type money struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

type purchaseUnit struct {
	ReferenceID string `json:"reference_id,omitempty"`
	CustomID    string `json:"custom_id,omitempty"`
	Description string `json:"description,omitempty"`
	Amount      *money `json:"amount,omitempty"`
	Payments    *struct {
		Captures []capture `json:"captures"`
	} `json:"payments,omitempty"`
}

type capture struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	CustomID string `json:"custom_id"`
	Amount   money  `json:"amount"`
}

type link struct {
	Href string `json:"href"`
	Rel  string `json:"rel"`
}

type orderRequest struct {
	Intent             string         `json:"intent"`
	PurchaseUnits      []purchaseUnit `json:"purchase_units"`
	ApplicationContext map[string]any `json:"application_context,omitempty"`
}

type orderResponse struct {
	ID            string         `json:"id"`
	Status        string         `json:"status"`
	PurchaseUnits []purchaseUnit `json:"purchase_units"`
	Links         []link         `json:"links"`
	Payer         struct {
		PayerID string `json:"payer_id"`
	} `json:"payer"`
}

// CreatePaymentObject конвертирует сумму и создаёт PayPal order с intent=CAPTURE.
func (g *Gateway) CreatePaymentObject(ctx context.Context, intent domain.PaymentIntent) (domain.GatewayPayment, error) {
	conv, err := g.converter.Convert(ctx, intent.AmountMinor, intent.Currency, g.cfg.Currency)
	if err != nil {
		return domain.GatewayPayment{}, err
	}
	if conv.AmountMinor < g.cfg.MinAmountMinor {
		return domain.GatewayPayment{}, fmt.Errorf("%w: %s %s < %s", domain.ErrAmountBelowMinimum,
			currency.FormatMajor(conv.AmountMinor, g.cfg.Currency), g.cfg.Currency,
			currency.FormatMajor(g.cfg.MinAmountMinor, g.cfg.Currency))
	}

	returnURL := firstNonEmpty(intent.ReturnURL, g.cfg.ReturnURL)
	cancelURL := firstNonEmpty(intent.CancelURL, g.cfg.CancelURL)

	req := orderRequest{
		Intent: "CAPTURE",
		PurchaseUnits: []purchaseUnit{{
			ReferenceID: intent.OrderID,
			CustomID:    intent.EntryID,
			Description: intent.Description,
			Amount: &money{
				CurrencyCode: g.cfg.Currency,
				Value:        currency.FormatMajor(conv.AmountMinor, g.cfg.Currency),
			},
		}},
		ApplicationContext: map[string]any{
			"return_url":          returnURL,
			"cancel_url":          cancelURL,
			"user_action":         "PAY_NOW",
			"shipping_preference": "NO_SHIPPING",
		},
	}

	var resp orderResponse
	if err := g.call(ctx, http.MethodPost, "/v2/checkout/orders", "create-"+intent.EntryID, req, &resp); err != nil {
		return domain.GatewayPayment{}, domain.GatewayFailure("paypal create order", err)
	}

	approval := ""
	for _, l := range resp.Links {
		if l.Rel == "approve" || l.Rel == "payer-action" {
			approval = l.Href
			break
		}
	}

	return domain.GatewayPayment{
		Details:              domain.PayPalDetails{OrderID: resp.ID, ApprovalURL: approval},
		RedirectURL:          approval,
		ProcessedAmountMinor: conv.AmountMinor,
		ProcessedCurrency:    g.cfg.Currency,
		ExchangeRate:         conv.Rate,
	}, nil
}

// Capture списывает одобренный PayPal order. PayPal-Request-Id равен ID записи журнала,
// поэтому параллельные попытки сходятся на одном списании.
func (g *Gateway) Capture(ctx context.Context, entry domain.LedgerEntry) (domain.CaptureResult, error) {
	details, ok := entry.Details.(domain.PayPalDetails)
	if !ok || details.OrderID == "" {
		return domain.CaptureResult{}, fmt.Errorf("%w: entry %s has no paypal order", domain.ErrPaymentNotCapturable, entry.ID)
	}

	var resp orderResponse
	err := g.call(ctx, http.MethodPost, "/v2/checkout/orders/"+url.PathEscape(details.OrderID)+"/capture", entry.ID, struct{}{}, &resp)
	if apiErr, ok := asAPIError(err); ok && apiErr.hasIssue("ORDER_ALREADY_CAPTURED") {
		err = g.call(ctx, http.MethodGet, "/v2/checkout/orders/"+url.PathEscape(details.OrderID), "", nil, &resp)
	}
	if apiErr, ok := asAPIError(err); ok && apiErr.hasIssue("INSTRUMENT_DECLINED", "PAYER_ACTION_REQUIRED") {
		return domain.CaptureResult{}, fmt.Errorf("%w: paypal: %s", domain.ErrPaymentDeclined, apiErr.Error())
	}
	if err != nil {
		return domain.CaptureResult{}, domain.GatewayFailure("paypal capture", err)
	}

	var captured capture
	for _, unit := range resp.PurchaseUnits {
		if unit.Payments != nil && len(unit.Payments.Captures) > 0 {
			captured = unit.Payments.Captures[0]
			break
		}
	}

	details.CaptureID = captured.ID
	if resp.Payer.PayerID != "" {
		details.PayerID = resp.Payer.PayerID
	}

	switch captured.Status {
	case "COMPLETED":
		return domain.CaptureResult{Details: details, CaptureID: captured.ID, Status: domain.GatewayStatusCompleted}, nil
	case "PENDING":
		return domain.CaptureResult{Details: details, CaptureID: captured.ID, Status: domain.GatewayStatusPending}, nil
	case "DECLINED", "FAILED":
		return domain.CaptureResult{}, fmt.Errorf("%w: paypal capture %s", domain.ErrPaymentDeclined, strings.ToLower(captured.Status))
	default:
		return domain.CaptureResult{}, domain.GatewayFailure("paypal capture", fmt.Errorf("unexpected order status %q", resp.Status))
	}
}

type refundRequest struct {
	Amount      money  `json:"amount"`
	CustomID    string `json:"custom_id,omitempty"`
	NoteToPayer string `json:"note_to_payer,omitempty"`
}

type refundResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Amount *money `json:"amount"`
}

// Refund возвращает всё списание в валюте расчёта.
func (g *Gateway) Refund(ctx context.Context, entry domain.LedgerEntry, req domain.RefundRequest) (domain.RefundResult, error) {
	details, ok := entry.Details.(domain.PayPalDetails)
	if !ok || details.CaptureID == "" {
		return domain.RefundResult{}, fmt.Errorf("%w: entry %s has no paypal capture", domain.ErrNoCapturedPayment, entry.ID)
	}

	amount, code := entry.ChargedAmount()
	body := refundRequest{
		Amount: money{CurrencyCode: code, Value: currency.FormatMajor(amount, code)},
		// PAYMENT.REFUND.COMPLETED возвращает custom_id, по нему находится запись журнала.
		CustomID:    entry.ID,
		NoteToPayer: req.Reason,
	}

	var resp refundResponse
	path := "/v2/payments/captures/" + url.PathEscape(details.CaptureID) + "/refund"
	if err := g.call(ctx, http.MethodPost, path, "refund-"+req.RefundID, body, &resp); err != nil {
		return domain.RefundResult{}, domain.GatewayFailure("paypal refund", err)
	}

	switch resp.Status {
	case "COMPLETED", "PENDING":
	default:
		return domain.RefundResult{}, fmt.Errorf("%w: paypal refund %s", domain.ErrPaymentDeclined, strings.ToLower(resp.Status))
	}

	details.RefundIDs = append(append([]string(nil), details.RefundIDs...), resp.ID)
	return domain.RefundResult{
		RefundID:    resp.ID,
		AmountMinor: amount,
		Currency:    code,
		Pending:     resp.Status == "PENDING",
		Details:     details,
	}, nil
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

// token возвращает кешированный OAuth2 токен, обновляя его за минуту до истечения.
func (g *Gateway) token(ctx context.Context) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.accessToken != "" && g.now().Before(g.expiresAt.Add(-time.Minute)) {
		return g.accessToken, nil
	}

	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.BaseURL+"/v1/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	req.SetBasicAuth(g.cfg.ClientID, g.cfg.Secret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := g.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", readAPIError(resp)
	}

	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", fmt.Errorf("decode token: %w", err)
	}
	g.accessToken = tok.AccessToken
	g.expiresAt = g.now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	return g.accessToken, nil
}

func (g *Gateway) call(ctx context.Context, method, path, requestID string, body, out any) error {
	token, err := g.token(ctx)
	if err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.cfg.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Prefer", "return=representation")
	req.Header.Set("User-Agent", version.UserAgent())
	if requestID != "" {
		req.Header.Set("PayPal-Request-Id", requestID)
	}

	resp, err := g.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		if resp.StatusCode == http.StatusUnauthorized {
			g.mu.Lock()
			g.accessToken = ""
			g.mu.Unlock()
		}
		return readAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
