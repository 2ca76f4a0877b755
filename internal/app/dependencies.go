package app

import (
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/currency"
	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/httpapi"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
	"github.com/vladislavdragonenkov/storefront/internal/payment/paypal"
	"github.com/vladislavdragonenkov/storefront/internal/payment/stripe"
	"github.com/vladislavdragonenkov/storefront/internal/payment/vnpay"
	"github.com/vladislavdragonenkov/storefront/internal/service/inventory"
	"github.com/vladislavdragonenkov/storefront/internal/service/notification"
	"github.com/vladislavdragonenkov/storefront/internal/service/payment"
	"github.com/vladislavdragonenkov/storefront/internal/service/webhook"
	"github.com/vladislavdragonenkov/storefront/internal/shipping"
)

// Dependencies содержит доменные сервисы поверх выбранного хранилища.
type Dependencies struct {
	Storage   *runtimeDependencies
	Converter *currency.Converter
	Refresher *currency.Refresher
	Gateways  []domain.PaymentGateway
	Payments  *payment.Service
	// Carrier равен nil, если адрес перевозчика не задан.
	Carrier   *shipping.Client
	Inventory *inventory.Reconciler
	Notifier  *notification.Dispatcher
	Logger    *log.Entry
}

// NewDependencies собирает сервисы по конфигурации.
func NewDependencies(cfg Config, storage *runtimeDependencies, orderMetrics *metrics.OrderMetrics, logger *log.Entry) *Dependencies {
	if logger == nil {
		logger = log.WithField("component", "app")
	}
	if orderMetrics == nil {
		orderMetrics = metrics.NewOrderMetrics()
	}

	converter := currency.NewConverter(
		currency.NewHTTPSource(cfg.CurrencyQuoteURL, cfg.CurrencyQuoteTimeout),
		currency.Config{
			FreshTTL:    cfg.CurrencyFreshTTL,
			FallbackTTL: cfg.CurrencyFallbackTTL,
			FallbackRates: map[string]decimal.Decimal{
				"USD": decimal.NewFromInt(1),
				"VND": decimal.NewFromFloat(cfg.CurrencyFallbackVNDPerUSD),
			},
		},
		currency.WithLogger(logger.WithField("component", "currency-converter")),
		currency.WithSourceRecorder(orderMetrics),
	)

	gateways := buildGateways(cfg, converter, logger)
	payments := payment.NewService(storage.ledgerRepo, gateways,
		payment.WithLogger(logger.WithField("component", "payment-service")),
		payment.WithMaxCaptureAttempts(cfg.MaxCaptureAttempts),
	)

	var carrier *shipping.Client
	if cfg.CarrierBaseURL == "" {
		logger.Warn("адрес перевозчика не задан: отправления создаваться не будут, стоимость доставки берётся из запроса")
	} else {
		carrier = shipping.NewClient(shipping.Config{
			BaseURL:        cfg.CarrierBaseURL,
			Token:          cfg.CarrierToken,
			ShopID:         cfg.CarrierShopID,
			WebhookSecret:  cfg.CarrierWebhookSecret,
			ServiceTypeID:  cfg.CarrierServiceTypeID,
			FromDistrictID: cfg.CarrierFromDistrictID,
			FromWardCode:   cfg.CarrierFromWardCode,
			Timeout:        cfg.CarrierTimeout,
			RatePerSecond:  cfg.CarrierRatePerSecond,
			Burst:          cfg.CarrierBurst,
		}, shipping.WithLogger(logger.WithField("component", "shipping-client")))
	}

	return &Dependencies{
		Storage:   storage,
		Converter: converter,
		Refresher: currency.NewRefresher(converter, cfg.CurrencyRefreshInterval, nil, logger.WithField("component", "currency-refresher")),
		Gateways:  gateways,
		Payments:  payments,
		Carrier:   carrier,
		Inventory: inventory.NewReconciler(storage.catalog, logger.WithField("component", "inventory")),
		Notifier:  notification.NewDispatcher(storage.outboxRepo, notification.WithLogger(logger.WithField("component", "notifications"))),
		Logger:    logger,
	}
}

// carrierVerifier, shippingCarrier и shippingDirectory отдают nil-интерфейс,
// если перевозчик не настроен.
func (d *Dependencies) carrierVerifier() webhook.CarrierVerifier {
	if d.Carrier == nil {
		return nil
	}
	return d.Carrier
}

func (d *Dependencies) shippingCarrier() domain.ShippingCarrier {
	if d.Carrier == nil {
		return nil
	}
	return d.Carrier
}

func (d *Dependencies) shippingDirectory() httpapi.ShippingDirectory {
	if d.Carrier == nil {
		return nil
	}
	return d.Carrier
}

// buildGateways регистрирует шлюзы с заданными учётными данными. Без них шлюз
// заменяется заглушкой только при AllowMockIntegrations.
func buildGateways(cfg Config, converter domain.CurrencyConverter, logger *log.Entry) []domain.PaymentGateway {
	var gateways []domain.PaymentGateway
	add := func(method domain.PaymentMethod, configured bool, build func() domain.PaymentGateway) {
		switch {
		case configured:
			gateways = append(gateways, build())
		case cfg.AllowMockIntegrations:
			logger.WithField("method", method).Warn("шлюз не настроен, используется заглушка")
			gateways = append(gateways, payment.NewMockGateway(method))
		default:
			logger.WithField("method", method).Info("шлюз не настроен и отключён")
		}
	}

	add(domain.PaymentMethodPayPal, cfg.PayPalClientID != "" && cfg.PayPalSecret != "", func() domain.PaymentGateway {
		return paypal.New(paypal.Config{
			BaseURL:       cfg.PayPalBaseURL,
			ClientID:      cfg.PayPalClientID,
			Secret:        cfg.PayPalSecret,
			WebhookSecret: cfg.PayPalWebhookSecret,
			ReturnURL:     cfg.PayPalReturnURL,
			CancelURL:     cfg.PayPalCancelURL,
		}, converter, paypal.WithLogger(logger.WithField("gateway", "paypal")))
	})
	add(domain.PaymentMethodVNPay, cfg.VNPayTmnCode != "" && cfg.VNPayHashSecret != "", func() domain.PaymentGateway {
		return vnpay.New(vnpay.Config{
			PaymentURL: cfg.VNPayPaymentURL,
			APIURL:     cfg.VNPayAPIURL,
			TmnCode:    cfg.VNPayTmnCode,
			HashSecret: cfg.VNPayHashSecret,
			ReturnURL:  cfg.VNPayReturnURL,
		}, vnpay.WithLogger(logger.WithField("gateway", "vnpay")))
	})
	add(domain.PaymentMethodStripe, cfg.StripeSecretKey != "", func() domain.PaymentGateway {
		return stripe.New(stripe.Config{
			BaseURL:       cfg.StripeBaseURL,
			SecretKey:     cfg.StripeSecretKey,
			WebhookSecret: cfg.StripeWebhookSecret,
		}, converter, stripe.WithLogger(logger.WithField("gateway", "stripe")))
	})
	return gateways
}
