package vnpay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

const testSecret = "SECRETKEY123"

func fixedNow() time.Time {
	return time.Date(2025, 3, 1, 3, 0, 0, 0, time.UTC) // 10:00 по Ханою
}

func newTestGateway(apiURL string) *Gateway {
	return New(Config{
		PaymentURL: "https://sandbox.vnpayment.vn/paymentv2/vpcpay.html",
		APIURL:     apiURL,
		TmnCode:    "TMN01",
		HashSecret: testSecret,
		ReturnURL:  "https://shop.example/vnpay/return",
	}, WithClock(fixedNow))
}

func TestCreatePaymentObject_SignsURL(t *testing.T) {
	gw := newTestGateway("")

	payment, err := gw.CreatePaymentObject(context.Background(), domain.PaymentIntent{
		EntryID:     "entry-1",
		OrderID:     "order-1",
		AmountMinor: 150000,
		Currency:    "VND",
		ClientIP:    "10.0.0.1",
	})
	require.NoError(t, err)

	u, err := url.Parse(payment.RedirectURL)
	require.NoError(t, err)
	q := u.Query()

	assert.Equal(t, "15000000", q.Get("vnp_Amount"))
	assert.Equal(t, "entry-1", q.Get("vnp_TxnRef"))
	assert.Equal(t, "20250301100000", q.Get("vnp_CreateDate"))
	assert.Equal(t, "20250301101500", q.Get("vnp_ExpireDate"))
	assert.Equal(t, "10.0.0.1", q.Get("vnp_IpAddr"))

	// Подпись ссылки проверяется тем же кодом, что и IPN.
	_, err = gw.VerifyCallback(context.Background(), domain.CallbackRequest{Query: q})
	require.NoError(t, err)

	details := payment.Details.(domain.VNPayDetails)
	assert.Equal(t, "entry-1", details.TxnRef)
	assert.Equal(t, "20250301100000", details.CreateDate)
	assert.Zero(t, payment.ProcessedAmountMinor)
}

func TestCreatePaymentObject_Rejections(t *testing.T) {
	gw := newTestGateway("")

	_, err := gw.CreatePaymentObject(context.Background(), domain.PaymentIntent{EntryID: "e", AmountMinor: 4000, Currency: "VND"})
	assert.ErrorIs(t, err, domain.ErrAmountBelowMinimum)

	_, err = gw.CreatePaymentObject(context.Background(), domain.PaymentIntent{EntryID: "e", AmountMinor: 100, Currency: "USD"})
	assert.True(t, domain.IsValidation(err))
}

func ipnQuery(responseCode, status string) url.Values {
	return SignedQuery(testSecret, url.Values{
		"vnp_TmnCode":           {"TMN01"},
		"vnp_TxnRef":            {"entry-1"},
		"vnp_Amount":            {"15000000"},
		"vnp_BankCode":          {"NCB"},
		"vnp_PayDate":           {"20250301101010"},
		"vnp_ResponseCode":      {responseCode},
		"vnp_TransactionNo":     {"14226112"},
		"vnp_TransactionStatus": {status},
		"vnp_OrderInfo":         {"Thanh toan don hang order-1"},
	})
}

func TestVerifyCallback(t *testing.T) {
	gw := newTestGateway("")

	tests := []struct {
		name     string
		code     string
		status   string
		wantKind domain.GatewayEventKind
	}{
		{name: "success", code: "00", status: "00", wantKind: domain.GatewayEventCaptured},
		{name: "customer cancelled", code: "24", status: "02", wantKind: domain.GatewayEventCancelled},
		{name: "insufficient balance", code: "51", status: "02", wantKind: domain.GatewayEventFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event, err := gw.VerifyCallback(context.Background(), domain.CallbackRequest{Query: ipnQuery(tt.code, tt.status)})
			require.NoError(t, err)
			assert.Equal(t, tt.wantKind, event.Kind)
			assert.Equal(t, "entry-1", event.EntryID)
			assert.Equal(t, int64(150000), event.AmountMinor)
			assert.Equal(t, time.Date(2025, 3, 1, 3, 10, 10, 0, time.UTC), event.OccurredAt)
			if tt.wantKind == domain.GatewayEventCaptured {
				assert.Equal(t, "14226112", event.CaptureID)
			}
		})
	}
}

func TestVerifyCallback_Tampered(t *testing.T) {
	gw := newTestGateway("")

	q := ipnQuery("00", "00")
	q.Set("vnp_Amount", "100")
	_, err := gw.VerifyCallback(context.Background(), domain.CallbackRequest{Query: q})
	assert.ErrorIs(t, err, domain.ErrInvalidSignature)

	q = ipnQuery("00", "00")
	q.Del("vnp_SecureHash")
	_, err = gw.VerifyCallback(context.Background(), domain.CallbackRequest{Query: q})
	assert.True(t, domain.IsIntegrity(err))
}

func TestVerifyCallback_IgnoresHashTypeAndForeignParams(t *testing.T) {
	gw := newTestGateway("")

	q := ipnQuery("00", "00")
	q.Set("vnp_SecureHashType", "HmacSHA512")
	q.Set("utm_source", "mail")

	_, err := gw.VerifyCallback(context.Background(), domain.CallbackRequest{Query: q})
	require.NoError(t, err)
}

func apiServer(t *testing.T, handle func(req map[string]string) map[string]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		_ = json.NewEncoder(w).Encode(handle(req))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestCapture_QueryDR(t *testing.T) {
	srv := apiServer(t, func(req map[string]string) map[string]string {
		assert.Equal(t, "querydr", req["vnp_Command"])
		assert.Equal(t, "entry-1", req["vnp_TxnRef"])
		assert.Equal(t, "20250301100000", req["vnp_TransactionDate"])

		data := strings.Join([]string{
			req["vnp_RequestId"], version, "querydr", "TMN01", "entry-1", "20250301100000",
			req["vnp_CreateDate"], req["vnp_IpAddr"], req["vnp_OrderInfo"],
		}, "|")
		assert.Equal(t, Sign(testSecret, data), req["vnp_SecureHash"])

		return map[string]string{
			"vnp_ResponseCode":      "00",
			"vnp_TransactionNo":     "14226112",
			"vnp_TransactionStatus": "00",
			"vnp_BankCode":          "NCB",
			"vnp_PayDate":           "20250301101010",
		}
	})

	entry := domain.LedgerEntry{ID: "entry-1", Details: domain.VNPayDetails{TxnRef: "entry-1", CreateDate: "20250301100000"}}
	result, err := newTestGateway(srv.URL).Capture(context.Background(), entry)
	require.NoError(t, err)

	assert.Equal(t, domain.GatewayStatusCompleted, result.Status)
	assert.Equal(t, "14226112", result.CaptureID)
	assert.Equal(t, "NCB", result.Details.(domain.VNPayDetails).BankCode)
}

func TestCapture_PendingAndDeclined(t *testing.T) {
	tests := []struct {
		name       string
		code       string
		status     string
		wantStatus domain.GatewayStatus
		wantErr    error
	}{
		{name: "not found yet", code: "91", wantStatus: domain.GatewayStatusPending},
		{name: "incomplete", code: "00", status: "01", wantStatus: domain.GatewayStatusPending},
		{name: "error", code: "00", status: "02", wantErr: domain.ErrPaymentDeclined},
		{name: "api failure", code: "99", wantErr: domain.ErrGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := apiServer(t, func(map[string]string) map[string]string {
				return map[string]string{"vnp_ResponseCode": tt.code, "vnp_TransactionStatus": tt.status}
			})
			entry := domain.LedgerEntry{ID: "entry-1", Details: domain.VNPayDetails{TxnRef: "entry-1"}}

			result, err := newTestGateway(srv.URL).Capture(context.Background(), entry)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, result.Status)
			assert.Empty(t, result.CaptureID)
		})
	}
}

func TestCapture_RejectsForgedResponse(t *testing.T) {
	srv := apiServer(t, func(map[string]string) map[string]string {
		return map[string]string{"vnp_ResponseCode": "00", "vnp_TransactionStatus": "00", "vnp_SecureHash": "deadbeef"}
	})
	entry := domain.LedgerEntry{ID: "entry-1", Details: domain.VNPayDetails{TxnRef: "entry-1"}}

	_, err := newTestGateway(srv.URL).Capture(context.Background(), entry)
	assert.ErrorIs(t, err, domain.ErrInvalidSignature)
}

func TestRefund(t *testing.T) {
	srv := apiServer(t, func(req map[string]string) map[string]string {
		assert.Equal(t, "refund", req["vnp_Command"])
		assert.Equal(t, "02", req["vnp_TransactionType"])
		assert.Equal(t, "15000000", req["vnp_Amount"])
		assert.Equal(t, "14226112", req["vnp_TransactionNo"])
		assert.Equal(t, "admin:a-1", req["vnp_CreateBy"])
		return map[string]string{"vnp_ResponseCode": "00", "vnp_TransactionNo": "14226999", "vnp_TransactionStatus": "05"}
	})

	entry := domain.LedgerEntry{
		ID:                  "entry-1",
		OriginalCurrency:    "VND",
		OriginalAmountMinor: 150000,
		Details:             domain.VNPayDetails{TxnRef: "entry-1", TransactionNo: "14226112", CreateDate: "20250301100000"},
	}
	result, err := newTestGateway(srv.URL).Refund(context.Background(), entry, domain.RefundRequest{
		RefundID:    "r-1",
		InitiatedBy: domain.Actor{Role: domain.ActorAdmin, ID: "a-1"},
	})
	require.NoError(t, err)

	assert.Equal(t, "14226999", result.RefundID)
	assert.Equal(t, int64(150000), result.AmountMinor)
	assert.Equal(t, "VND", result.Currency)
	assert.True(t, result.Pending)

	_, err = newTestGateway(srv.URL).Refund(context.Background(), domain.LedgerEntry{Details: domain.VNPayDetails{TxnRef: "x"}}, domain.RefundRequest{})
	assert.ErrorIs(t, err, domain.ErrNoCapturedPayment)
}
