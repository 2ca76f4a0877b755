// Package shipping — клиент службы доставки (API в стиле GHN): расчёт стоимости,
// создание и отмена отправлений, справочник адресов и приём статусов перевозчика.
package shipping

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/resilience"
	"github.com/vladislavdragonenkov/storefront/internal/version"
)

const (
	pathFee       = "/shiip/public-api/v2/shipping-order/fee"
	pathCreate    = "/shiip/public-api/v2/shipping-order/create"
	pathDetailRef = "/shiip/public-api/v2/shipping-order/detail-by-client-code"
	pathCancel    = "/shiip/public-api/v2/switch-status/cancel"
	pathProvinces = "/shiip/public-api/master-data/province"
	pathDistricts = "/shiip/public-api/master-data/district"
	pathWards     = "/shiip/public-api/master-data/ward"
)

// Config — параметры подключения к перевозчику.
type Config struct {
	BaseURL        string
	Token          string
	ShopID         int
	WebhookSecret  string
	ServiceTypeID  int
	FromDistrictID int
	FromWardCode   string
	Timeout        time.Duration

	RatePerSecond   float64
	Burst           int
	BreakerFailures int
	BreakerReset    time.Duration
	Retry           resilience.RetryConfig
}

// Client реализует domain.ShippingCarrier.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	breaker *resilience.CircuitBreaker
	logger  *log.Entry
}

// Option настраивает клиента.
type Option func(*Client)

// WithHTTPClient подменяет HTTP клиент.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.http = client
		}
	}
}

// WithLogger задаёт логгер.
func WithLogger(logger *log.Entry) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient создаёт клиента перевозчика.
func NewClient(cfg Config, opts ...Option) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.ServiceTypeID == 0 {
		cfg.ServiceTypeID = 2
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}
	if cfg.BreakerReset <= 0 {
		cfg.BreakerReset = 30 * time.Second
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = resilience.DefaultRetryConfig()
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	c := &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		logger:  log.New().WithField("component", "shipping-client"),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.breaker = resilience.NewCircuitBreaker(cfg.BreakerFailures, cfg.BreakerReset, c.logger)
	return c
}

// APIError — ответ перевозчика с ошибкой.
type APIError struct {
	HTTPStatus int
	Code       int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("carrier api: http %d code %d: %s", e.HTTPStatus, e.Code, e.Message)
}

// Temporary сообщает, имеет ли смысл повторить запрос.
func (e *APIError) Temporary() bool {
	return e.HTTPStatus >= http.StatusInternalServerError || e.HTTPStatus == http.StatusTooManyRequests
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type feeRequest struct {
	ServiceTypeID  int    `json:"service_type_id"`
	FromDistrictID int    `json:"from_district_id,omitempty"`
	ToDistrictID   int    `json:"to_district_id"`
	ToWardCode     string `json:"to_ward_code"`
	Weight         int64  `json:"weight"`
	InsuranceValue int64  `json:"insurance_value"`
}

type feeResponse struct {
	Total int64 `json:"total"`
}

// QuoteFee рассчитывает стоимость доставки в базовой валюте.
func (c *Client) QuoteFee(ctx context.Context, to domain.ShippingAddress, weightGrams int64, insuranceMinor int64) (int64, error) {
	if !to.HasRouting() {
		return 0, domain.Validationf("address has no district/ward routing codes")
	}
	if weightGrams <= 0 {
		weightGrams = 1
	}

	req := feeRequest{
		ServiceTypeID:  c.cfg.ServiceTypeID,
		FromDistrictID: c.cfg.FromDistrictID,
		ToDistrictID:   to.DistrictID,
		ToWardCode:     to.WardCode,
		Weight:         weightGrams,
		InsuranceValue: insuranceMinor,
	}

	var resp feeResponse
	err := resilience.Retry(ctx, c.cfg.Retry, c.logger, "quote_fee", func(ctx context.Context) error {
		return c.call(ctx, http.MethodPost, pathFee, nil, req, &resp)
	})
	if err != nil {
		return 0, domain.GatewayFailure("quote shipping fee", err)
	}
	return resp.Total, nil
}

type createItem struct {
	Name     string `json:"name"`
	Code     string `json:"code"`
	Quantity int32  `json:"quantity"`
	Price    int64  `json:"price"`
	Weight   int32  `json:"weight"`
}

type createRequest struct {
	ClientOrderCode string       `json:"client_order_code"`
	PaymentTypeID   int          `json:"payment_type_id"`
	RequiredNote    string       `json:"required_note"`
	Note            string       `json:"note,omitempty"`
	ToName          string       `json:"to_name"`
	ToPhone         string       `json:"to_phone"`
	ToAddress       string       `json:"to_address"`
	ToWardCode      string       `json:"to_ward_code"`
	ToDistrictID    int          `json:"to_district_id"`
	CODAmount       int64        `json:"cod_amount"`
	InsuranceValue  int64        `json:"insurance_value"`
	Weight          int64        `json:"weight"`
	ServiceTypeID   int          `json:"service_type_id"`
	Items           []createItem `json:"items"`
}

type createResponse struct {
	OrderCode            string `json:"order_code"`
	Status               string `json:"status"`
	TotalFee             int64  `json:"total_fee"`
	ExpectedDeliveryTime string `json:"expected_delivery_time"`
}

// CreateShipment создаёт отправление. Код заказа магазина передаётся как client_order_code,
// поэтому повторный вызов после сетевого сбоя находит уже созданное отправление.
func (c *Client) CreateShipment(ctx context.Context, order domain.Order) (domain.Shipment, error) {
	if !order.Address.HasRouting() {
		return domain.Shipment{}, domain.Validationf("order %s has no carrier routing codes", order.ID)
	}

	req := createRequest{
		ClientOrderCode: order.ID,
		PaymentTypeID:   2,
		RequiredNote:    "KHONGCHOXEMHANG",
		Note:            order.Address.Note,
		ToName:          order.Address.FullName,
		ToPhone:         order.Address.Phone,
		ToAddress:       order.Address.Street,
		ToWardCode:      order.Address.WardCode,
		ToDistrictID:    order.Address.DistrictID,
		InsuranceValue:  order.AmountMinor,
		Weight:          max(order.TotalWeightGrams(), 1),
		ServiceTypeID:   c.cfg.ServiceTypeID,
	}
	if order.PaymentMethod == domain.PaymentMethodCOD {
		req.CODAmount = order.TotalMinor
	}
	for _, item := range order.Items {
		req.Items = append(req.Items, createItem{
			Name:     item.Name,
			Code:     item.ProductID,
			Quantity: item.Qty,
			Price:    item.PriceMinor,
			Weight:   item.WeightGrams,
		})
	}

	var resp createResponse
	err := c.call(ctx, http.MethodPost, pathCreate, nil, req, &resp)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatus == http.StatusBadRequest {
		// Отправление могло быть создано предыдущей попыткой.
		existing, lookupErr := c.shipmentByClientCode(ctx, order.ID)
		if lookupErr == nil {
			c.logger.WithFields(log.Fields{
				"order_id":     order.ID,
				"carrier_code": existing.OrderCode,
			}).Info("shipment already exists at carrier")
			return existing, nil
		}
	}
	if err != nil {
		return domain.Shipment{}, domain.GatewayFailure("create shipment", err)
	}

	return domain.Shipment{
		OrderCode:          resp.OrderCode,
		Status:             resp.Status,
		FeeMinor:           resp.TotalFee,
		ExpectedDeliveryAt: parseCarrierTime(resp.ExpectedDeliveryTime),
	}, nil
}

type detailResponse struct {
	OrderCode     string `json:"order_code"`
	Status        string `json:"status"`
	TotalFee      int64  `json:"total_fee"`
	LeadtimeOrder struct {
		To string `json:"to_estimate_date"`
	} `json:"leadtime_order"`
}

func (c *Client) shipmentByClientCode(ctx context.Context, clientCode string) (domain.Shipment, error) {
	var resp detailResponse
	if err := c.call(ctx, http.MethodPost, pathDetailRef, nil, map[string]string{"client_order_code": clientCode}, &resp); err != nil {
		return domain.Shipment{}, err
	}
	if resp.OrderCode == "" {
		return domain.Shipment{}, fmt.Errorf("no shipment for client code %s", clientCode)
	}
	return domain.Shipment{
		OrderCode:          resp.OrderCode,
		Status:             resp.Status,
		FeeMinor:           resp.TotalFee,
		ExpectedDeliveryAt: parseCarrierTime(resp.LeadtimeOrder.To),
	}, nil
}

type cancelResult struct {
	OrderCode string `json:"order_code"`
	Result    bool   `json:"result"`
	Message   string `json:"message"`
}

// CancelShipment отменяет отправление у перевозчика.
func (c *Client) CancelShipment(ctx context.Context, orderCode string) error {
	if orderCode == "" {
		return nil
	}

	var results []cancelResult
	if err := c.call(ctx, http.MethodPost, pathCancel, nil, map[string][]string{"order_codes": {orderCode}}, &results); err != nil {
		return domain.GatewayFailure("cancel shipment", err)
	}
	for _, r := range results {
		if r.OrderCode == orderCode && !r.Result {
			return domain.GatewayFailure("cancel shipment", fmt.Errorf("carrier refused: %s", r.Message))
		}
	}
	return nil
}

// Province — провинция справочника перевозчика.
type Province struct {
	ID   int    `json:"ProvinceID"`
	Name string `json:"ProvinceName"`
}

// District — район провинции.
type District struct {
	ID         int    `json:"DistrictID"`
	ProvinceID int    `json:"ProvinceID"`
	Name       string `json:"DistrictName"`
}

// Ward — квартал района.
type Ward struct {
	Code       string `json:"WardCode"`
	DistrictID int    `json:"DistrictID"`
	Name       string `json:"WardName"`
}

// Provinces возвращает список провинций.
func (c *Client) Provinces(ctx context.Context) ([]Province, error) {
	var out []Province
	err := resilience.Retry(ctx, c.cfg.Retry, c.logger, "provinces", func(ctx context.Context) error {
		return c.call(ctx, http.MethodGet, pathProvinces, nil, nil, &out)
	})
	if err != nil {
		return nil, domain.GatewayFailure("list provinces", err)
	}
	return out, nil
}

// Districts возвращает районы провинции.
func (c *Client) Districts(ctx context.Context, provinceID int) ([]District, error) {
	if provinceID <= 0 {
		return nil, domain.Validationf("province_id is required")
	}
	query := url.Values{"province_id": {strconv.Itoa(provinceID)}}

	var out []District
	err := resilience.Retry(ctx, c.cfg.Retry, c.logger, "districts", func(ctx context.Context) error {
		return c.call(ctx, http.MethodGet, pathDistricts, query, nil, &out)
	})
	if err != nil {
		return nil, domain.GatewayFailure("list districts", err)
	}
	return out, nil
}

// Wards возвращает кварталы района.
func (c *Client) Wards(ctx context.Context, districtID int) ([]Ward, error) {
	if districtID <= 0 {
		return nil, domain.Validationf("district_id is required")
	}
	query := url.Values{"district_id": {strconv.Itoa(districtID)}}

	var out []Ward
	err := resilience.Retry(ctx, c.cfg.Retry, c.logger, "wards", func(ctx context.Context) error {
		return c.call(ctx, http.MethodGet, pathWards, query, nil, &out)
	})
	if err != nil {
		return nil, domain.GatewayFailure("list wards", err)
	}
	return out, nil
}

// call выполняет запрос через rate limiter и circuit breaker и разбирает конверт ответа.
func (c *Client) call(ctx context.Context, method, path string, query url.Values, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	return c.breaker.Execute(path, func() error {
		var reader io.Reader
		if body != nil {
			payload, err := json.Marshal(body)
			if err != nil {
				return fmt.Errorf("encode request: %w", err)
			}
			reader = bytes.NewReader(payload)
		}

		target := c.cfg.BaseURL + path
		if len(query) > 0 {
			target += "?" + query.Encode()
		}

		req, err := http.NewRequestWithContext(ctx, method, target, reader)
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Token", c.cfg.Token)
		req.Header.Set("User-Agent", version.UserAgent())
		if c.cfg.ShopID > 0 {
			req.Header.Set("ShopId", strconv.Itoa(c.cfg.ShopID))
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		var env envelope
		decodeErr := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&env)

		if resp.StatusCode != http.StatusOK || (decodeErr == nil && env.Code != 0 && env.Code != http.StatusOK) {
			return &APIError{HTTPStatus: resp.StatusCode, Code: env.Code, Message: env.Message}
		}
		if decodeErr != nil {
			return fmt.Errorf("decode response: %w", decodeErr)
		}
		if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
			return nil
		}
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode response data: %w", err)
		}
		return nil
	})
}

func parseCarrierTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
