package vnpay

import (
	"context"
	"crypto/hmac"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// Ответы IPN, которые ожидает VNPay.
const (
	IPNConfirmSuccess   = "00"
	IPNOrderNotFound    = "01"
	IPNAlreadyConfirmed = "02"
	IPNInvalidAmount    = "04"
	IPNInvalidSignature = "97"
	IPNUnknownError     = "99"
)

// IPNResponse — тело ответа на IPN.
type IPNResponse struct {
	RspCode string `json:"RspCode"`
	Message string `json:"Message"`
}

// VerifyCallback проверяет vnp_SecureHash в параметрах IPN или return URL.
func (g *Gateway) VerifyCallback(_ context.Context, req domain.CallbackRequest) (domain.GatewayEvent, error) {
	query := req.Query
	if len(query) == 0 && len(req.Body) > 0 {
		parsed, err := url.ParseQuery(string(req.Body))
		if err != nil {
			return domain.GatewayEvent{}, domain.Validationf("decode vnpay callback: %v", err)
		}
		query = parsed
	}

	got := strings.ToLower(query.Get("vnp_SecureHash"))
	if got == "" || g.cfg.HashSecret == "" {
		return domain.GatewayEvent{}, domain.ErrInvalidSignature
	}

	params := url.Values{}
	for k, v := range query {
		if !strings.HasPrefix(k, "vnp_") || k == "vnp_SecureHash" || k == "vnp_SecureHashType" {
			continue
		}
		params[k] = v
	}
	if !hmac.Equal([]byte(got), []byte(g.sign(canonicalQuery(params)))) {
		return domain.GatewayEvent{}, domain.ErrInvalidSignature
	}

	txnRef := params.Get("vnp_TxnRef")
	if txnRef == "" {
		return domain.GatewayEvent{}, domain.Validationf("vnpay callback has no vnp_TxnRef")
	}
	responseCode := params.Get("vnp_ResponseCode")
	status := params.Get("vnp_TransactionStatus")
	transactionNo := params.Get("vnp_TransactionNo")

	event := domain.GatewayEvent{
		ID:          strings.Join([]string{txnRef, transactionNo, responseCode}, ":"),
		Method:      domain.PaymentMethodVNPay,
		EntryID:     txnRef,
		ExternalRef: txnRef,
		Currency:    domain.BaseCurrency,
		OccurredAt:  parsePayDate(params.Get("vnp_PayDate")),
	}
	if raw, err := strconv.ParseInt(params.Get("vnp_Amount"), 10, 64); err == nil {
		event.AmountMinor = raw / 100
	}

	switch {
	case responseCode == "00" && (status == "" || status == "00"):
		event.Kind = domain.GatewayEventCaptured
		event.CaptureID = transactionNo
	case responseCode == "24":
		event.Kind = domain.GatewayEventCancelled
	default:
		event.Kind = domain.GatewayEventFailed
	}
	return event, nil
}

// SignedQuery подписывает параметры так же, как VNPay подписывает IPN.
func SignedQuery(secret string, params url.Values) url.Values {
	signed := url.Values{}
	for k, v := range params {
		signed[k] = v
	}
	signed.Set("vnp_SecureHash", Sign(secret, canonicalQuery(params)))
	return signed
}

func parsePayDate(value string) time.Time {
	t, err := time.ParseInLocation(dateLayout, value, vietnam)
	if err != nil {
		return time.Now().UTC()
	}
	return t.UTC()
}
