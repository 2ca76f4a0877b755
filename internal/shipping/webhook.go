package shipping

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// SignatureHeader — заголовок с HMAC-SHA256 тела уведомления в hex.
const SignatureHeader = "X-Carrier-Signature"

type webhookPayload struct {
	OrderCode            string `json:"OrderCode"`
	Status               string `json:"Status"`
	ExpectedDeliveryTime string `json:"ExpectedDeliveryTime"`
	Time                 string `json:"Time"`
}

// VerifyWebhook проверяет подпись уведомления и разбирает его.
// Неверная подпись даёт domain.ErrInvalidSignature.
func (c *Client) VerifyWebhook(body []byte, header http.Header) (domain.CarrierUpdate, error) {
	return VerifyWebhook(c.cfg.WebhookSecret, body, header)
}

// VerifyWebhook — то же без клиента, для relay-консьюмера.
func VerifyWebhook(secret string, body []byte, header http.Header) (domain.CarrierUpdate, error) {
	if secret == "" {
		return domain.CarrierUpdate{}, domain.ErrInvalidSignature
	}

	got, err := hex.DecodeString(strings.TrimSpace(header.Get(SignatureHeader)))
	if err != nil || len(got) == 0 {
		return domain.CarrierUpdate{}, domain.ErrInvalidSignature
	}
	if !hmac.Equal(got, Sign(secret, body)) {
		return domain.CarrierUpdate{}, domain.ErrInvalidSignature
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return domain.CarrierUpdate{}, domain.Validationf("decode carrier webhook: %v", err)
	}
	if payload.OrderCode == "" || payload.Status == "" {
		return domain.CarrierUpdate{}, domain.Validationf("carrier webhook requires OrderCode and Status")
	}

	occurred := parseCarrierTime(payload.Time)
	if occurred.IsZero() {
		occurred = time.Now().UTC()
	}

	return domain.CarrierUpdate{
		OrderCode:          payload.OrderCode,
		Status:             strings.ToLower(payload.Status),
		ExpectedDeliveryAt: parseCarrierTime(payload.ExpectedDeliveryTime),
		OccurredAt:         occurred,
	}, nil
}

// Sign считает HMAC-SHA256 тела.
func Sign(secret string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return mac.Sum(nil)
}
