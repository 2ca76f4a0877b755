package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
)

// Драйверы хранилища.
const (
	StorageDriverMemory   = "memory"
	StorageDriverPostgres = "postgres"
)

// Config описывает настройки запуска приложения.
type Config struct {
	HTTPAddr    string `env:"STOREFRONT_HTTP_ADDR" envDefault:":8080"`
	GRPCAddr    string `env:"STOREFRONT_GRPC_ADDR" envDefault:":50051"`
	MetricsAddr string `env:"STOREFRONT_METRICS_ADDR" envDefault:":9090"`
	LogLevel    string `env:"STOREFRONT_LOG_LEVEL" envDefault:"info"`
	LogFormat   string `env:"STOREFRONT_LOG_FORMAT" envDefault:"text"`

	StorageDriver       string        `env:"STOREFRONT_STORAGE_DRIVER" envDefault:"memory"`
	PostgresDSN         string        `env:"STOREFRONT_POSTGRES_DSN"`
	PostgresAutoMigrate bool          `env:"STOREFRONT_POSTGRES_AUTO_MIGRATE" envDefault:"true"`
	PostgresMaxConns    int           `env:"STOREFRONT_POSTGRES_MAX_CONNS" envDefault:"25"`
	PostgresMaxIdle     int           `env:"STOREFRONT_POSTGRES_MAX_IDLE_CONNS" envDefault:"25"`
	PostgresConnTTL     time.Duration `env:"STOREFRONT_POSTGRES_CONN_TTL" envDefault:"30m"`
	// PIISecret — секрет шифрования персональных данных в postgres.
	PIISecret string `env:"STOREFRONT_PII_SECRET"`

	KafkaBrokers       []string `env:"STOREFRONT_KAFKA_BROKERS" envSeparator:","`
	KafkaConsumerGroup string   `env:"STOREFRONT_KAFKA_CONSUMER_GROUP" envDefault:"storefront-webhooks"`
	KafkaMaxRetries    int      `env:"STOREFRONT_KAFKA_MAX_RETRIES" envDefault:"3"`
	KafkaClientID      string   `env:"STOREFRONT_KAFKA_CLIENT_ID" envDefault:"storefront"`

	OutboxPollInterval time.Duration `env:"STOREFRONT_OUTBOX_POLL_INTERVAL" envDefault:"1s"`
	OutboxBatchSize    int           `env:"STOREFRONT_OUTBOX_BATCH_SIZE" envDefault:"100"`
	OutboxMaxAttempts  int           `env:"STOREFRONT_OUTBOX_MAX_ATTEMPTS" envDefault:"3"`
	OutboxRetryDelay   time.Duration `env:"STOREFRONT_OUTBOX_RETRY_DELAY" envDefault:"100ms"`
	OutboxRetention    time.Duration `env:"STOREFRONT_OUTBOX_RETENTION" envDefault:"168h"`

	IdempotencyCleanupInterval  time.Duration `env:"STOREFRONT_IDEMPOTENCY_CLEANUP_INTERVAL" envDefault:"10m"`
	IdempotencyCleanupBatchSize int           `env:"STOREFRONT_IDEMPOTENCY_CLEANUP_BATCH_SIZE" envDefault:"500"`
	WebhookDedupeTTL            time.Duration `env:"STOREFRONT_WEBHOOK_DEDUPE_TTL" envDefault:"168h"`

	// EffectWorkers — число воркеров побочных эффектов; 0 выполняет их синхронно.
	EffectWorkers   int           `env:"STOREFRONT_EFFECT_WORKERS" envDefault:"4"`
	EffectQueueSize int           `env:"STOREFRONT_EFFECT_QUEUE_SIZE" envDefault:"256"`
	EffectTimeout   time.Duration `env:"STOREFRONT_EFFECT_TIMEOUT" envDefault:"10s"`

	MaxCaptureAttempts int `env:"STOREFRONT_MAX_CAPTURE_ATTEMPTS" envDefault:"3"`

	CurrencyQuoteURL        string        `env:"STOREFRONT_CURRENCY_QUOTE_URL" envDefault:"https://open.er-api.com/v6/latest/USD"`
	CurrencyQuoteTimeout    time.Duration `env:"STOREFRONT_CURRENCY_QUOTE_TIMEOUT" envDefault:"3s"`
	CurrencyFreshTTL        time.Duration `env:"STOREFRONT_CURRENCY_FRESH_TTL" envDefault:"10m"`
	CurrencyFallbackTTL     time.Duration `env:"STOREFRONT_CURRENCY_FALLBACK_TTL" envDefault:"24h"`
	CurrencyRefreshInterval time.Duration `env:"STOREFRONT_CURRENCY_REFRESH_INTERVAL" envDefault:"5m"`
	// CurrencyFallbackVNDPerUSD — зашитый курс на случай полного отказа источника.
	CurrencyFallbackVNDPerUSD float64 `env:"STOREFRONT_CURRENCY_FALLBACK_VND_PER_USD" envDefault:"25000"`

	CarrierBaseURL        string        `env:"STOREFRONT_CARRIER_BASE_URL"`
	CarrierToken          string        `env:"STOREFRONT_CARRIER_TOKEN"`
	CarrierShopID         int           `env:"STOREFRONT_CARRIER_SHOP_ID"`
	CarrierWebhookSecret  string        `env:"STOREFRONT_CARRIER_WEBHOOK_SECRET"`
	CarrierServiceTypeID  int           `env:"STOREFRONT_CARRIER_SERVICE_TYPE_ID" envDefault:"2"`
	CarrierFromDistrictID int           `env:"STOREFRONT_CARRIER_FROM_DISTRICT_ID"`
	CarrierFromWardCode   string        `env:"STOREFRONT_CARRIER_FROM_WARD_CODE"`
	CarrierTimeout        time.Duration `env:"STOREFRONT_CARRIER_TIMEOUT" envDefault:"5s"`
	CarrierRatePerSecond  float64       `env:"STOREFRONT_CARRIER_RATE_PER_SECOND" envDefault:"10"`
	CarrierBurst          int           `env:"STOREFRONT_CARRIER_BURST" envDefault:"5"`

	PayPalBaseURL       string `env:"STOREFRONT_PAYPAL_BASE_URL" envDefault:"https://api-m.sandbox.paypal.com"`
	PayPalClientID      string `env:"STOREFRONT_PAYPAL_CLIENT_ID"`
	PayPalSecret        string `env:"STOREFRONT_PAYPAL_SECRET"`
	PayPalWebhookSecret string `env:"STOREFRONT_PAYPAL_WEBHOOK_SECRET"`
	PayPalReturnURL     string `env:"STOREFRONT_PAYPAL_RETURN_URL"`
	PayPalCancelURL     string `env:"STOREFRONT_PAYPAL_CANCEL_URL"`

	VNPayPaymentURL string `env:"STOREFRONT_VNPAY_PAYMENT_URL" envDefault:"https://sandbox.vnpayment.vn/paymentv2/vpcpay.html"`
	VNPayAPIURL     string `env:"STOREFRONT_VNPAY_API_URL" envDefault:"https://sandbox.vnpayment.vn/merchant_webapi/api/transaction"`
	VNPayTmnCode    string `env:"STOREFRONT_VNPAY_TMN_CODE"`
	VNPayHashSecret string `env:"STOREFRONT_VNPAY_HASH_SECRET"`
	VNPayReturnURL  string `env:"STOREFRONT_VNPAY_RETURN_URL"`

	StripeBaseURL       string `env:"STOREFRONT_STRIPE_BASE_URL" envDefault:"https://api.stripe.com"`
	StripeSecretKey     string `env:"STOREFRONT_STRIPE_SECRET_KEY"`
	StripeWebhookSecret string `env:"STOREFRONT_STRIPE_WEBHOOK_SECRET"`

	// AllowMockIntegrations подставляет заглушки шлюзов без учётных данных.
	AllowMockIntegrations bool `env:"STOREFRONT_ALLOW_MOCK_INTEGRATIONS" envDefault:"false"`
}

// DefaultConfig возвращает конфигурацию со значениями по умолчанию.
func DefaultConfig() Config {
	cfg, err := parseConfig(map[string]string{})
	if err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return cfg
}

// LoadConfig читает конфигурацию из переменных окружения с префиксом STOREFRONT_.
func LoadConfig() (Config, error) {
	return parseConfig(nil)
}

// parseConfig разбирает конфигурацию. nil environment означает окружение процесса.
func parseConfig(environment map[string]string) (Config, error) {
	var cfg Config
	var opts env.Options
	if environment != nil {
		opts.Environment = environment
	}
	if err := env.Parse(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse env config: %w", err)
	}
	cfg.StorageDriver = strings.ToLower(strings.TrimSpace(cfg.StorageDriver))
	cfg.PostgresDSN = strings.TrimSpace(cfg.PostgresDSN)
	cfg.KafkaBrokers = normalizeBrokers(cfg.KafkaBrokers)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate проверяет согласованность настроек.
func (c Config) Validate() error {
	var errs []error
	switch c.StorageDriver {
	case StorageDriverMemory:
	case StorageDriverPostgres:
		if c.PostgresDSN == "" {
			errs = append(errs, errors.New("postgres dsn is required for postgres storage"))
		}
		if c.PIISecret == "" {
			errs = append(errs, errors.New("pii secret is required for postgres storage"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported storage driver: %q", c.StorageDriver))
	}
	if c.OutboxPollInterval <= 0 {
		errs = append(errs, errors.New("outbox poll interval must be > 0"))
	}
	if c.OutboxBatchSize <= 0 {
		errs = append(errs, errors.New("outbox batch size must be > 0"))
	}
	if c.OutboxMaxAttempts <= 0 {
		errs = append(errs, errors.New("outbox max attempts must be > 0"))
	}
	if c.OutboxRetryDelay < 0 {
		errs = append(errs, errors.New("outbox retry delay must be >= 0"))
	}
	if c.IdempotencyCleanupInterval <= 0 {
		errs = append(errs, errors.New("idempotency cleanup interval must be > 0"))
	}
	if c.IdempotencyCleanupBatchSize <= 0 {
		errs = append(errs, errors.New("idempotency cleanup batch size must be > 0"))
	}
	if c.EffectWorkers < 0 {
		errs = append(errs, errors.New("effect workers must be >= 0"))
	}
	if c.CurrencyFallbackVNDPerUSD <= 0 {
		errs = append(errs, errors.New("fallback VND/USD rate must be > 0"))
	}
	return errors.Join(errs...)
}

// KafkaEnabled сообщает, заданы ли брокеры.
func (c Config) KafkaEnabled() bool {
	return len(c.KafkaBrokers) > 0
}

func normalizeBrokers(brokers []string) []string {
	out := make([]string, 0, len(brokers))
	for _, broker := range brokers {
		if broker = strings.TrimSpace(broker); broker != "" {
			out = append(out, broker)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
