// Package httpapi — HTTP API оркестратора: заказы, платежи, справочник адресов
// перевозчика и входящие уведомления шлюзов.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
	"github.com/vladislavdragonenkov/storefront/internal/service/payment"
	"github.com/vladislavdragonenkov/storefront/internal/service/saga"
	"github.com/vladislavdragonenkov/storefront/internal/service/webhook"
	"github.com/vladislavdragonenkov/storefront/internal/shipping"
)

const (
	maxBodyBytes       = 1 << 20
	defaultListLimit   = 100
	idempotencyTTL     = 24 * time.Hour
	idempotencyHeader  = "Idempotency-Key"
	internalErrMessage = "internal error"
)

// OrderService — операции оркестратора, доступные через API.
type OrderService interface {
	CreateOrder(ctx context.Context, req saga.CreateOrderRequest) (domain.Order, error)
	GetOrder(ctx context.Context, orderID string) (domain.Order, error)
	ListOrders(ctx context.Context, userID string, limit int) ([]domain.Order, error)
	Timeline(ctx context.Context, orderID string) ([]domain.TimelineEvent, error)
	TransitionStatus(ctx context.Context, orderID string, target domain.OrderStatus, actor domain.Actor) (domain.Order, error)
	CancelOrder(ctx context.Context, orderID string, actor domain.Actor, reason string) (domain.Order, error)
	InitiatePayment(ctx context.Context, orderID string, actor domain.Actor, opts payment.InitiateOptions) (domain.LedgerEntry, domain.GatewayPayment, error)
	CapturePayment(ctx context.Context, orderID, entryID string) (domain.Order, error)
	RefundOrder(ctx context.Context, orderID string, actor domain.Actor, reason string) (domain.Order, error)
}

// WebhookProcessor проверяет и применяет входящие уведомления.
type WebhookProcessor interface {
	Verify(ctx context.Context, source string, req domain.CallbackRequest) error
	Process(ctx context.Context, source string, req domain.CallbackRequest) (webhook.Result, error)
}

// WebhookRelay передаёт проверенные уведомления на асинхронную обработку.
type WebhookRelay interface {
	Relay(envelope *kafka.WebhookEnvelope) error
}

// ShippingDirectory — справочник адресов и расчёт доставки у перевозчика.
type ShippingDirectory interface {
	Provinces(ctx context.Context) ([]shipping.Province, error)
	Districts(ctx context.Context, provinceID int) ([]shipping.District, error)
	Wards(ctx context.Context, districtID int) ([]shipping.Ward, error)
	QuoteFee(ctx context.Context, to domain.ShippingAddress, weightGrams int64, insuranceMinor int64) (int64, error)
}

// Server — HTTP-обработчики поверх gorilla/mux.
type Server struct {
	Router *mux.Router

	orders   OrderService
	webhooks WebhookProcessor
	relay    WebhookRelay
	shipping ShippingDirectory
	idem     domain.IdempotencyRepository
	metrics  *metrics.HTTPMetrics
	logger   *log.Entry
	now      func() time.Time
}

// Option настраивает Server.
type Option func(*Server)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithIdempotency включает Idempotency-Key для создания заказа.
func WithIdempotency(repo domain.IdempotencyRepository) Option {
	return func(s *Server) { s.idem = repo }
}

// WithWebhooks регистрирует эндпоинты уведомлений шлюзов и перевозчика.
func WithWebhooks(processor WebhookProcessor) Option {
	return func(s *Server) { s.webhooks = processor }
}

// WithWebhookRelay переключает уведомления в асинхронный режим: после проверки
// подписи они публикуются в очередь и подтверждаются сразу.
func WithWebhookRelay(relay WebhookRelay) Option {
	return func(s *Server) { s.relay = relay }
}

// WithShipping регистрирует справочник адресов и расчёт доставки.
func WithShipping(directory ShippingDirectory) Option {
	return func(s *Server) { s.shipping = directory }
}

// WithMetrics задаёт HTTP-метрики.
func WithMetrics(m *metrics.HTTPMetrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithClock задаёт источник времени для TTL ключей идемпотентности.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

// NewServer создаёт сервер и регистрирует маршруты.
func NewServer(orders OrderService, opts ...Option) *Server {
	s := &Server{
		Router: mux.NewRouter(),
		orders: orders,
		logger: log.New().WithField("component", "http-api"),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.Use(s.observe)

	api := s.Router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/orders", s.handleCreateOrder).Methods(http.MethodPost)
	api.HandleFunc("/orders/{id}", s.handleGetOrder).Methods(http.MethodGet)
	api.HandleFunc("/orders/{id}/timeline", s.handleTimeline).Methods(http.MethodGet)
	api.HandleFunc("/orders/{id}/status", s.handleTransition).Methods(http.MethodPost)
	api.HandleFunc("/orders/{id}/cancel", s.handleCancel).Methods(http.MethodPost)
	api.HandleFunc("/orders/{id}/payments", s.handleInitiatePayment).Methods(http.MethodPost)
	api.HandleFunc("/orders/{id}/payments/{entryID}/capture", s.handleCapture).Methods(http.MethodPost)
	api.HandleFunc("/orders/{id}/refund", s.handleRefund).Methods(http.MethodPost)
	api.HandleFunc("/users/{userID}/orders", s.handleListOrders).Methods(http.MethodGet)

	if s.shipping != nil {
		api.HandleFunc("/shipping/provinces", s.handleProvinces).Methods(http.MethodGet)
		api.HandleFunc("/shipping/districts", s.handleDistricts).Methods(http.MethodGet)
		api.HandleFunc("/shipping/wards", s.handleWards).Methods(http.MethodGet)
		api.HandleFunc("/shipping/fee", s.handleQuoteFee).Methods(http.MethodPost)
	}

	if s.webhooks != nil {
		hooks := s.Router.PathPrefix("/webhooks").Subrouter()
		hooks.HandleFunc("/paypal", s.handleWebhook(webhook.SourcePayPal)).Methods(http.MethodPost)
		hooks.HandleFunc("/stripe", s.handleWebhook(webhook.SourceStripe)).Methods(http.MethodPost)
		hooks.HandleFunc("/carrier", s.handleWebhook(webhook.SourceCarrier)).Methods(http.MethodPost)
		hooks.HandleFunc("/vnpay/ipn", s.handleVNPayIPN).Methods(http.MethodGet)
	}
}

// ServeHTTP делегирует запрос роутеру.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// observe пишет access-лог и метрики по шаблону маршрута.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tpl, err := current.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		elapsed := time.Since(start)
		if s.metrics != nil {
			s.metrics.ObserveRequest(route, r.Method, rec.status, elapsed)
		}

		entry := s.logger.WithFields(log.Fields{
			"method":   r.Method,
			"route":    route,
			"status":   rec.status,
			"duration": elapsed.String(),
		})
		if rec.status >= http.StatusInternalServerError {
			entry.Warn("request failed")
			return
		}
		entry.Debug("request served")
	})
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.WithError(err).Error("unhandled request error")
		message = internalErrMessage
	}
	writeJSON(w, status, errorResponse{Error: message})
}

// statusFor переводит класс доменной ошибки в HTTP-статус.
func statusFor(err error) int {
	switch {
	case domain.IsValidation(err):
		return http.StatusBadRequest
	case domain.IsIntegrity(err):
		return http.StatusUnauthorized
	case domain.IsNotFound(err):
		return http.StatusNotFound
	case domain.IsVersionConflict(err), domain.IsConflict(err):
		return http.StatusConflict
	case domain.IsIdempotencyConflict(err), errors.Is(err, webhook.ErrInFlight):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, domain.Validationf("read request body: %v", err)
	}
	return body, nil
}

func decodeJSON(body []byte, dst any) error {
	if len(strings.TrimSpace(string(body))) == 0 {
		return domain.Validationf("request body is required")
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return domain.Validationf("decode request body: %v", err)
	}
	return nil
}

// clientIP берёт первый адрес из X-Forwarded-For, иначе адрес соединения.
func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
