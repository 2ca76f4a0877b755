package kafka

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"
)

const defaultClientID = "storefront"

// Record — сообщение, готовое к отправке.
type Record struct {
	Topic   string
	Key     string
	Value   []byte
	Headers map[string]string
}

func (r Record) producerMessage(now time.Time) *sarama.ProducerMessage {
	keys := make([]string, 0, len(r.Headers))
	for k := range r.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	headers := make([]sarama.RecordHeader, 0, len(keys))
	for _, k := range keys {
		headers = append(headers, sarama.RecordHeader{Key: []byte(k), Value: []byte(r.Headers[k])})
	}
	return &sarama.ProducerMessage{
		Topic:     r.Topic,
		Key:       sarama.StringEncoder(r.Key),
		Value:     sarama.ByteEncoder(r.Value),
		Headers:   headers,
		Timestamp: now,
	}
}

// ProducerOption меняет конфигурацию sarama перед созданием producer.
type ProducerOption func(*sarama.Config)

// WithClientID задаёт client.id, под которым producer виден брокеру.
func WithClientID(id string) ProducerOption {
	return func(cfg *sarama.Config) {
		if id != "" {
			cfg.ClientID = id
		}
	}
}

// WithCompression меняет кодек сжатия.
func WithCompression(codec sarama.CompressionCodec) ProducerOption {
	return func(cfg *sarama.Config) { cfg.Producer.Compression = codec }
}

func newProducerConfig(opts ...ProducerOption) *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.ClientID = defaultClientID
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Return.Successes = true
	cfg.Producer.Compression = sarama.CompressionSnappy
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// Producer синхронно публикует события заказов, уведомления и DLQ.
type Producer struct {
	sync   sarama.SyncProducer
	logger *log.Entry
	now    func() time.Time
}

// NewProducer подключается к брокерам идемпотентным producer.
func NewProducer(brokers []string, opts ...ProducerOption) (*Producer, error) {
	sp, err := sarama.NewSyncProducer(brokers, newProducerConfig(opts...))
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return NewProducerFromSync(sp, nil), nil
}

// NewProducerFromSync оборачивает готовый sarama.SyncProducer.
func NewProducerFromSync(sp sarama.SyncProducer, logger *log.Entry) *Producer {
	if logger == nil {
		logger = log.WithField("component", "kafka-producer")
	}
	return &Producer{
		sync:   sp,
		logger: logger,
		now:    time.Now,
	}
}

// Send отправляет запись и ждёт подтверждения от всех реплик.
func (p *Producer) Send(rec Record) error {
	fields := log.Fields{"topic": rec.Topic, "key": rec.Key}

	partition, offset, err := p.sync.SendMessage(rec.producerMessage(p.now()))
	if err != nil {
		p.logger.WithError(err).WithFields(fields).Error("kafka send failed")
		return fmt.Errorf("send to %s: %w", rec.Topic, err)
	}

	fields["partition"] = partition
	fields["offset"] = offset
	p.logger.WithFields(fields).Debug("kafka message sent")
	return nil
}

// SendJSON сериализует v в JSON и отправляет его в topic.
func (p *Producer) SendJSON(topic, key string, v any, headers map[string]string) error {
	value, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %T for %s: %w", v, topic, err)
	}
	return p.Send(Record{Topic: topic, Key: key, Value: value, Headers: headers})
}

func (p *Producer) Close() error {
	if err := p.sync.Close(); err != nil {
		return fmt.Errorf("close kafka producer: %w", err)
	}
	return nil
}
