package paypal

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/currency"
	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// SignatureHeader — заголовок с HMAC-SHA256 тела уведомления в hex.
const SignatureHeader = "Paypal-Transmission-Sig"

type webhookEvent struct {
	ID         string          `json:"id"`
	EventType  string          `json:"event_type"`
	CreateTime string          `json:"create_time"`
	Resource   json.RawMessage `json:"resource"`
}

type webhookResource struct {
	ID            string         `json:"id"`
	Status        string         `json:"status"`
	CustomID      string         `json:"custom_id"`
	Amount        *money         `json:"amount"`
	PurchaseUnits []purchaseUnit `json:"purchase_units"`
	Links         []link         `json:"links"`

	SupplementaryData struct {
		RelatedIDs struct {
			OrderID   string `json:"order_id"`
			CaptureID string `json:"capture_id"`
		} `json:"related_ids"`
	} `json:"supplementary_data"`
}

// VerifyCallback проверяет подпись и приводит событие PayPal к domain.GatewayEvent.
func (g *Gateway) VerifyCallback(_ context.Context, req domain.CallbackRequest) (domain.GatewayEvent, error) {
	if g.cfg.WebhookSecret == "" {
		return domain.GatewayEvent{}, domain.ErrInvalidSignature
	}
	got, err := hex.DecodeString(strings.TrimSpace(req.Header.Get(SignatureHeader)))
	if err != nil || len(got) == 0 || !hmac.Equal(got, Sign(g.cfg.WebhookSecret, req.Body)) {
		return domain.GatewayEvent{}, domain.ErrInvalidSignature
	}

	var event webhookEvent
	if err := json.Unmarshal(req.Body, &event); err != nil {
		return domain.GatewayEvent{}, domain.Validationf("decode paypal webhook: %v", err)
	}
	var res webhookResource
	if len(event.Resource) > 0 {
		if err := json.Unmarshal(event.Resource, &res); err != nil {
			return domain.GatewayEvent{}, domain.Validationf("decode paypal resource: %v", err)
		}
	}

	out := domain.GatewayEvent{
		ID:         event.ID,
		Method:     domain.PaymentMethodPayPal,
		EntryID:    res.CustomID,
		OccurredAt: parseTime(event.CreateTime),
	}

	switch event.EventType {
	case "CHECKOUT.ORDER.APPROVED":
		out.Kind = domain.GatewayEventApproved
		out.ExternalRef = res.ID
		if len(res.PurchaseUnits) > 0 {
			out.EntryID = res.PurchaseUnits[0].CustomID
			out.OrderID = res.PurchaseUnits[0].ReferenceID
		}
	case "CHECKOUT.ORDER.VOIDED":
		out.Kind = domain.GatewayEventCancelled
		out.ExternalRef = res.ID
		if len(res.PurchaseUnits) > 0 {
			out.EntryID = res.PurchaseUnits[0].CustomID
			out.OrderID = res.PurchaseUnits[0].ReferenceID
		}
	case "PAYMENT.CAPTURE.COMPLETED":
		out.Kind = domain.GatewayEventCaptured
		out.CaptureID = res.ID
		out.ExternalRef = res.SupplementaryData.RelatedIDs.OrderID
	case "PAYMENT.CAPTURE.DENIED", "PAYMENT.CAPTURE.DECLINED":
		out.Kind = domain.GatewayEventFailed
		out.CaptureID = res.ID
		out.ExternalRef = res.SupplementaryData.RelatedIDs.OrderID
	case "PAYMENT.CAPTURE.REFUNDED":
		out.Kind = domain.GatewayEventRefunded
		out.CaptureID = res.ID
		out.ExternalRef = res.SupplementaryData.RelatedIDs.OrderID
	case "PAYMENT.REFUND.COMPLETED":
		out.Kind = domain.GatewayEventRefunded
		out.CaptureID = res.SupplementaryData.RelatedIDs.CaptureID
		if out.CaptureID == "" {
			out.CaptureID = upLinkID(res.Links)
		}
	default:
		return domain.GatewayEvent{}, fmt.Errorf("%w: paypal %s", domain.ErrEventIgnored, event.EventType)
	}

	if res.Amount != nil {
		if amount, err := currency.ParseMajor(res.Amount.Value, res.Amount.CurrencyCode); err == nil {
			out.AmountMinor = amount
			out.Currency = res.Amount.CurrencyCode
		}
	}
	return out, nil
}

// Sign считает HMAC-SHA256 тела уведомления.
func Sign(secret string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return mac.Sum(nil)
}

func upLinkID(links []link) string {
	for _, l := range links {
		if l.Rel == "up" {
			return path.Base(l.Href)
		}
	}
	return ""
}

func parseTime(value string) time.Time {
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Now().UTC()
	}
	return t.UTC()
}
