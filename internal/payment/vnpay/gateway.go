// Package vnpay — адаптер банковского шлюза VNPay: подписанная ссылка для редиректа,
// проверка IPN и запросы querydr/refund к merchant API.
package vnpay

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

const (
	version    = "2.1.0"
	dateLayout = "20060102150405"
)

// vietnam — часовой пояс дат VNPay (GMT+7).
var vietnam = time.FixedZone("ICT", 7*60*60)

// Config — параметры мерчанта VNPay.
type Config struct {
	PaymentURL string
	APIURL     string
	TmnCode    string
	HashSecret string
	ReturnURL  string
	// MinAmountMinor — минимальная сумма в VND.
	MinAmountMinor int64
	ExpireAfter    time.Duration
	Timeout        time.Duration
}

// Gateway реализует domain.PaymentGateway для VNPay.
type Gateway struct {
	cfg    Config
	http   *http.Client
	logger *log.Entry
	now    func() time.Time
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

// WithClock подменяет часы.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) {
		if now != nil {
			g.now = now
		}
	}
}

// New создаёт адаптер VNPay.
func New(cfg Config, opts ...Option) *Gateway {
	if cfg.MinAmountMinor <= 0 {
		cfg.MinAmountMinor = 5000
	}
	if cfg.ExpireAfter <= 0 {
		cfg.ExpireAfter = 15 * time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	g := &Gateway{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: log.New().WithField("component", "vnpay-gateway"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Method возвращает способ оплаты адаптера.
func (g *Gateway) Method() domain.PaymentMethod {
	return domain.PaymentMethodVNPay
}

// CreatePaymentObject формирует подписанную ссылку оплаты. Сетевых вызовов нет.
func (g *Gateway) CreatePaymentObject(_ context.Context, intent domain.PaymentIntent) (domain.GatewayPayment, error) {
	if !strings.EqualFold(intent.Currency, domain.BaseCurrency) {
		return domain.GatewayPayment{}, fmt.Errorf("%w: vnpay accepts only VND, got %q", domain.ErrUnsupportedCurrency, intent.Currency)
	}
	if intent.AmountMinor < g.cfg.MinAmountMinor {
		return domain.GatewayPayment{}, fmt.Errorf("%w: %d VND < %d VND", domain.ErrAmountBelowMinimum, intent.AmountMinor, g.cfg.MinAmountMinor)
	}

	now := g.now().In(vietnam)
	createDate := now.Format(dateLayout)

	locale := intent.Locale
	if locale == "" {
		locale = "vn"
	}
	returnURL := intent.ReturnURL
	if returnURL == "" {
		returnURL = g.cfg.ReturnURL
	}
	ip := intent.ClientIP
	if ip == "" {
		ip = "127.0.0.1"
	}

	params := url.Values{}
	params.Set("vnp_Version", version)
	params.Set("vnp_Command", "pay")
	params.Set("vnp_TmnCode", g.cfg.TmnCode)
	params.Set("vnp_Amount", strconv.FormatInt(intent.AmountMinor*100, 10))
	params.Set("vnp_CurrCode", "VND")
	params.Set("vnp_TxnRef", intent.EntryID)
	params.Set("vnp_OrderInfo", "Thanh toan don hang "+intent.OrderID)
	params.Set("vnp_OrderType", "other")
	params.Set("vnp_Locale", locale)
	params.Set("vnp_ReturnUrl", returnURL)
	params.Set("vnp_IpAddr", ip)
	params.Set("vnp_CreateDate", createDate)
	params.Set("vnp_ExpireDate", now.Add(g.cfg.ExpireAfter).Format(dateLayout))

	query := canonicalQuery(params)
	paymentURL := g.cfg.PaymentURL + "?" + query + "&vnp_SecureHash=" + g.sign(query)

	return domain.GatewayPayment{
		Details: domain.VNPayDetails{
			TxnRef:     intent.EntryID,
			CreateDate: createDate,
			PaymentURL: paymentURL,
		},
		RedirectURL: paymentURL,
	}, nil
}

type apiResponse struct {
	ResponseID        string `json:"vnp_ResponseId"`
	Command           string `json:"vnp_Command"`
	ResponseCode      string `json:"vnp_ResponseCode"`
	Message           string `json:"vnp_Message"`
	TmnCode           string `json:"vnp_TmnCode"`
	TxnRef            string `json:"vnp_TxnRef"`
	Amount            string `json:"vnp_Amount"`
	BankCode          string `json:"vnp_BankCode"`
	PayDate           string `json:"vnp_PayDate"`
	TransactionNo     string `json:"vnp_TransactionNo"`
	TransactionType   string `json:"vnp_TransactionType"`
	TransactionStatus string `json:"vnp_TransactionStatus"`
	OrderInfo         string `json:"vnp_OrderInfo"`
	PromotionCode     string `json:"vnp_PromotionCode"`
	PromotionAmount   string `json:"vnp_PromotionAmount"`
	SecureHash        string `json:"vnp_SecureHash"`
}

// Capture подтверждает списание запросом querydr. Деньги VNPay списывает при оплате
// на стороне банка, поэтому повторный вызов безопасен.
func (g *Gateway) Capture(ctx context.Context, entry domain.LedgerEntry) (domain.CaptureResult, error) {
	details, ok := entry.Details.(domain.VNPayDetails)
	if !ok || details.TxnRef == "" {
		return domain.CaptureResult{}, fmt.Errorf("%w: entry %s has no vnpay transaction", domain.ErrPaymentNotCapturable, entry.ID)
	}

	requestID := strings.ReplaceAll(uuid.NewString(), "-", "")
	createDate := g.now().In(vietnam).Format(dateLayout)
	orderInfo := "Truy van giao dich " + details.TxnRef
	ip := "127.0.0.1"

	body := map[string]string{
		"vnp_RequestId":       requestID,
		"vnp_Version":         version,
		"vnp_Command":         "querydr",
		"vnp_TmnCode":         g.cfg.TmnCode,
		"vnp_TxnRef":          details.TxnRef,
		"vnp_OrderInfo":       orderInfo,
		"vnp_TransactionDate": details.CreateDate,
		"vnp_CreateDate":      createDate,
		"vnp_IpAddr":          ip,
	}
	body["vnp_SecureHash"] = g.sign(strings.Join([]string{
		requestID, version, "querydr", g.cfg.TmnCode, details.TxnRef, details.CreateDate, createDate, ip, orderInfo,
	}, "|"))

	resp, err := g.post(ctx, body)
	if err != nil {
		return domain.CaptureResult{}, domain.GatewayFailure("vnpay querydr", err)
	}

	switch resp.ResponseCode {
	case "00":
	case "91":
		// Банк ещё не видел транзакцию: покупатель не завершил оплату.
		return domain.CaptureResult{Details: details, Status: domain.GatewayStatusPending}, nil
	default:
		return domain.CaptureResult{}, domain.GatewayFailure("vnpay querydr", fmt.Errorf("response code %s: %s", resp.ResponseCode, resp.Message))
	}

	details.TransactionNo = resp.TransactionNo
	details.BankCode = resp.BankCode
	details.PayDate = resp.PayDate

	switch resp.TransactionStatus {
	case "00":
		return domain.CaptureResult{Details: details, CaptureID: resp.TransactionNo, Status: domain.GatewayStatusCompleted}, nil
	case "01":
		details.TransactionNo = ""
		return domain.CaptureResult{Details: details, Status: domain.GatewayStatusPending}, nil
	case "02", "07":
		return domain.CaptureResult{}, fmt.Errorf("%w: vnpay transaction status %s", domain.ErrPaymentDeclined, resp.TransactionStatus)
	default:
		return domain.CaptureResult{}, domain.GatewayFailure("vnpay querydr", fmt.Errorf("unexpected transaction status %s", resp.TransactionStatus))
	}
}

// Refund запрашивает полный возврат (vnp_TransactionType=02).
func (g *Gateway) Refund(ctx context.Context, entry domain.LedgerEntry, req domain.RefundRequest) (domain.RefundResult, error) {
	details, ok := entry.Details.(domain.VNPayDetails)
	if !ok || details.TransactionNo == "" {
		return domain.RefundResult{}, fmt.Errorf("%w: entry %s has no vnpay transaction", domain.ErrNoCapturedPayment, entry.ID)
	}

	amount, code := entry.ChargedAmount()
	requestID := strings.ReplaceAll(req.RefundID, "-", "")
	if requestID == "" {
		requestID = strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	createDate := g.now().In(vietnam).Format(dateLayout)
	createBy := req.InitiatedBy.String()
	orderInfo := "Hoan tien giao dich " + details.TxnRef
	if req.Reason != "" {
		orderInfo += ": " + req.Reason
	}
	ip := "127.0.0.1"
	vnpAmount := strconv.FormatInt(amount*100, 10)

	body := map[string]string{
		"vnp_RequestId":       requestID,
		"vnp_Version":         version,
		"vnp_Command":         "refund",
		"vnp_TmnCode":         g.cfg.TmnCode,
		"vnp_TransactionType": "02",
		"vnp_TxnRef":          details.TxnRef,
		"vnp_Amount":          vnpAmount,
		"vnp_TransactionNo":   details.TransactionNo,
		"vnp_TransactionDate": details.CreateDate,
		"vnp_CreateBy":        createBy,
		"vnp_CreateDate":      createDate,
		"vnp_IpAddr":          ip,
		"vnp_OrderInfo":       orderInfo,
	}
	body["vnp_SecureHash"] = g.sign(strings.Join([]string{
		requestID, version, "refund", g.cfg.TmnCode, "02", details.TxnRef, vnpAmount,
		details.TransactionNo, details.CreateDate, createBy, createDate, ip, orderInfo,
	}, "|"))

	resp, err := g.post(ctx, body)
	if err != nil {
		return domain.RefundResult{}, domain.GatewayFailure("vnpay refund", err)
	}

	switch resp.ResponseCode {
	case "00", "94":
		// 94 — повторный запрос возврата по той же транзакции, возврат уже принят.
	case "95":
		return domain.RefundResult{}, fmt.Errorf("%w: vnpay refund rejected: %s", domain.ErrPaymentDeclined, resp.Message)
	default:
		return domain.RefundResult{}, domain.GatewayFailure("vnpay refund", fmt.Errorf("response code %s: %s", resp.ResponseCode, resp.Message))
	}

	details.RefundTxnNo = resp.TransactionNo
	return domain.RefundResult{
		RefundID:    resp.TransactionNo,
		AmountMinor: amount,
		Currency:    code,
		Pending:     resp.TransactionStatus == "05" || resp.TransactionStatus == "06",
		Details:     details,
	}, nil
}

func (g *Gateway) post(ctx context.Context, body map[string]string) (apiResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return apiResponse{}, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.APIURL, bytes.NewReader(payload))
	if err != nil {
		return apiResponse{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.http.Do(req)
	if err != nil {
		return apiResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apiResponse{}, fmt.Errorf("%w: http %d", domain.ErrGatewayUnavailable, resp.StatusCode)
	}

	var out apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return apiResponse{}, fmt.Errorf("decode response: %w", err)
	}

	if out.SecureHash != "" {
		data := strings.Join([]string{
			out.ResponseID, out.Command, out.ResponseCode, out.Message, out.TmnCode, out.TxnRef,
			out.Amount, out.BankCode, out.PayDate, out.TransactionNo, out.TransactionType,
			out.TransactionStatus, out.OrderInfo, out.PromotionCode, out.PromotionAmount,
		}, "|")
		if !hmac.Equal([]byte(strings.ToLower(out.SecureHash)), []byte(g.sign(data))) {
			return apiResponse{}, domain.ErrInvalidSignature
		}
	}
	return out, nil
}

func (g *Gateway) sign(data string) string {
	return Sign(g.cfg.HashSecret, data)
}

// Sign считает HMAC-SHA512 в нижнем регистре hex.
func Sign(secret, data string) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil))
}

// canonicalQuery собирает параметры в порядке ключей, как того требует подпись VNPay.
func canonicalQuery(params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		if params.Get(k) == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, url.QueryEscape(k)+"="+url.QueryEscape(params.Get(k)))
	}
	return strings.Join(parts, "&")
}
