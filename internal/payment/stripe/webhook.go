package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// SignatureHeader — заголовок подписи Stripe вида "t=<unix>,v1=<hex>".
const SignatureHeader = "Stripe-Signature"

// APIError — ошибка Stripe API.
type APIError struct {
	HTTPStatus  int    `json:"-"`
	Type        string `json:"type"`
	Code        string `json:"code"`
	DeclineCode string `json:"decline_code"`
	Message     string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("stripe api: http %d %s/%s: %s", e.HTTPStatus, e.Type, e.Code, e.Message)
}

// Temporary сообщает, имеет ли смысл повторить запрос.
func (e *APIError) Temporary() bool {
	return e.HTTPStatus >= http.StatusInternalServerError || e.HTTPStatus == http.StatusTooManyRequests
}

func asAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

type event struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

type charge struct {
	ID             string            `json:"id"`
	PaymentIntent  string            `json:"payment_intent"`
	AmountRefunded int64             `json:"amount_refunded"`
	Currency       string            `json:"currency"`
	Metadata       map[string]string `json:"metadata"`
}

// VerifyCallback проверяет Stripe-Signature и приводит событие к domain.GatewayEvent.
func (g *Gateway) VerifyCallback(_ context.Context, req domain.CallbackRequest) (domain.GatewayEvent, error) {
	if err := g.verifySignature(req.Body, req.Header.Get(SignatureHeader)); err != nil {
		return domain.GatewayEvent{}, err
	}

	var ev event
	if err := json.Unmarshal(req.Body, &ev); err != nil {
		return domain.GatewayEvent{}, domain.Validationf("decode stripe event: %v", err)
	}

	out := domain.GatewayEvent{
		ID:         ev.ID,
		Method:     domain.PaymentMethodStripe,
		OccurredAt: time.Unix(ev.Created, 0).UTC(),
	}

	if ev.Type == "charge.refunded" {
		var ch charge
		if err := json.Unmarshal(ev.Data.Object, &ch); err != nil {
			return domain.GatewayEvent{}, domain.Validationf("decode stripe charge: %v", err)
		}
		out.Kind = domain.GatewayEventRefunded
		out.ExternalRef = ch.PaymentIntent
		out.CaptureID = ch.ID
		out.EntryID = ch.Metadata["entry_id"]
		out.AmountMinor = ch.AmountRefunded
		out.Currency = strings.ToUpper(ch.Currency)
		return out, nil
	}

	var pi paymentIntent
	if err := json.Unmarshal(ev.Data.Object, &pi); err != nil {
		return domain.GatewayEvent{}, domain.Validationf("decode stripe payment intent: %v", err)
	}
	out.ExternalRef = pi.ID
	out.EntryID = pi.Metadata["entry_id"]
	out.OrderID = pi.Metadata["order_id"]
	out.Currency = strings.ToUpper(pi.Currency)

	switch ev.Type {
	case "payment_intent.amount_capturable_updated":
		out.Kind = domain.GatewayEventApproved
		out.AmountMinor = pi.AmountCapturable
	case "payment_intent.succeeded":
		out.Kind = domain.GatewayEventCaptured
		out.CaptureID = pi.LatestCharge
		out.AmountMinor = pi.AmountReceived
	case "payment_intent.payment_failed":
		out.Kind = domain.GatewayEventFailed
		out.AmountMinor = pi.Amount
	case "payment_intent.canceled":
		out.Kind = domain.GatewayEventCancelled
		out.AmountMinor = pi.Amount
	default:
		return domain.GatewayEvent{}, fmt.Errorf("%w: stripe %s", domain.ErrEventIgnored, ev.Type)
	}
	return out, nil
}

func (g *Gateway) verifySignature(body []byte, header string) error {
	if g.cfg.WebhookSecret == "" || header == "" {
		return domain.ErrInvalidSignature
	}

	var timestamp string
	var signatures [][]byte
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			timestamp = value
		case "v1":
			if sig, err := hex.DecodeString(value); err == nil {
				signatures = append(signatures, sig)
			}
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return domain.ErrInvalidSignature
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return domain.ErrInvalidSignature
	}
	age := g.now().Sub(time.Unix(ts, 0))
	if age > g.cfg.SignatureTolerance || age < -g.cfg.SignatureTolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", domain.ErrInvalidSignature)
	}

	expected := Sign(g.cfg.WebhookSecret, ts, body)
	for _, sig := range signatures {
		if hmac.Equal(sig, expected) {
			return nil
		}
	}
	return domain.ErrInvalidSignature
}

// Sign считает подпись v1 для payload с меткой времени.
func Sign(secret string, timestamp int64, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	return mac.Sum(nil)
}

// SignatureHeaderValue собирает значение заголовка Stripe-Signature.
func SignatureHeaderValue(secret string, timestamp int64, body []byte) string {
	return "t=" + strconv.FormatInt(timestamp, 10) + ",v1=" + hex.EncodeToString(Sign(secret, timestamp, body))
}
