// Команда dlq-reprocess возвращает сообщения из storefront.dlq в рабочие topic'и.
//
// В DLQ попадают два вида сообщений:
//   - уведомления шлюзов и перевозчика, которые consumer не смог применить:
//     тело не меняется, исходный topic лежит в заголовке x-original-topic;
//   - события outbox, которые не удалось опубликовать: конверт outbox,
//     в payload которого вложено исходное событие и причина сбоя.
//
// По умолчанию команда работает в режиме dry-run и только печатает кандидатов.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/messaging/kafka"
)

const (
	defaultReplayLimit = 100
	defaultIdleTimeout = 2 * time.Second
	envBrokers         = "STOREFRONT_KAFKA_BROKERS"

	// headerReplayedFrom помечает повторно отправленное сообщение смещением в DLQ.
	headerReplayedFrom = "x-replayed-from"
)

// Виды сообщений DLQ.
const (
	kindWebhook = "webhook"
	kindOutbox  = "outbox"
	kindAll     = "all"
)

var errUsage = errors.New("usage error")

type config struct {
	brokers     []string
	sourceTopic string
	kind        string
	limit       int
	execute     bool
	fromNewest  bool
	idleTimeout time.Duration
}

func parseConfig(args []string, getenv func(string) string) (config, error) {
	fs := flag.NewFlagSet("dlq-reprocess", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		cfg     config
		brokers string
	)
	fs.StringVar(&brokers, "brokers", "", "comma-separated kafka brokers (fallback: "+envBrokers+")")
	fs.StringVar(&cfg.sourceTopic, "source-topic", kafka.TopicDeadLetterQueue, "DLQ topic to scan")
	fs.StringVar(&cfg.kind, "kind", kindAll, "messages to replay: webhook|outbox|all")
	fs.IntVar(&cfg.limit, "limit", defaultReplayLimit, "max number of DLQ messages to scan")
	fs.BoolVar(&cfg.execute, "execute", false, "publish replayed messages; default is dry-run")
	fs.BoolVar(&cfg.fromNewest, "from-newest", false, "scan the newest messages of each partition")
	fs.DurationVar(&cfg.idleTimeout, "idle-timeout", defaultIdleTimeout, "stop reading a partition after this idle period")
	if err := fs.Parse(args); err != nil {
		return config{}, fmt.Errorf("%w: %v", errUsage, err)
	}

	if strings.TrimSpace(brokers) == "" {
		brokers = getenv(envBrokers)
	}
	cfg.brokers = splitBrokers(brokers)
	cfg.sourceTopic = strings.TrimSpace(cfg.sourceTopic)
	cfg.kind = strings.ToLower(strings.TrimSpace(cfg.kind))

	var problems []error
	if len(cfg.brokers) == 0 {
		problems = append(problems, fmt.Errorf("kafka brokers are required (-brokers or %s)", envBrokers))
	}
	if cfg.sourceTopic == "" {
		problems = append(problems, errors.New("source-topic is required"))
	}
	switch cfg.kind {
	case kindWebhook, kindOutbox, kindAll:
	default:
		problems = append(problems, fmt.Errorf("unsupported kind %q", cfg.kind))
	}
	if cfg.limit <= 0 {
		problems = append(problems, errors.New("limit must be > 0"))
	}
	if cfg.idleTimeout <= 0 {
		problems = append(problems, errors.New("idle-timeout must be > 0"))
	}
	if len(problems) > 0 {
		return config{}, fmt.Errorf("%w: %w", errUsage, errors.Join(problems...))
	}
	return cfg, nil
}

func splitBrokers(raw string) []string {
	var brokers []string
	for _, chunk := range strings.Split(raw, ",") {
		if broker := strings.TrimSpace(chunk); broker != "" {
			brokers = append(brokers, broker)
		}
	}
	return brokers
}

// replayMessage — сообщение, готовое к повторной отправке.
type replayMessage struct {
	kind  string
	topic string
	key   string
	value []byte
}

// outboxFailure — содержимое payload, которое outbox-воркер кладёт в DLQ.
type outboxFailure struct {
	OutboxID      string          `json:"outbox_id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PublishError  string          `json:"publish_error"`
}

// planner решает, куда вернуть сообщение DLQ.
type planner struct {
	routes   map[string]string
	fallback string
	dlqTopic string
	now      func() time.Time
}

func newPlanner(dlqTopic string) planner {
	return planner{
		routes:   kafka.DefaultRoutes(),
		fallback: kafka.TopicOrderEvents,
		dlqTopic: dlqTopic,
		now:      time.Now,
	}
}

// plan возвращает false без ошибки для сообщений, которые не относятся ни к одному виду.
func (p planner) plan(msg *sarama.ConsumerMessage) (replayMessage, bool, error) {
	if original := headerValue(msg, kafka.HeaderOriginalTopic); original != "" {
		if original == p.dlqTopic {
			return replayMessage{}, false, fmt.Errorf("message points back to %s", p.dlqTopic)
		}
		return replayMessage{kind: kindWebhook, topic: original, key: string(msg.Key), value: msg.Value}, true, nil
	}

	var envelope kafka.OutboxEnvelope
	if err := json.Unmarshal(msg.Value, &envelope); err != nil || envelope.AggregateType == "" || len(envelope.Payload) == 0 {
		return replayMessage{}, false, nil
	}

	var failure outboxFailure
	if err := json.Unmarshal(envelope.Payload, &failure); err != nil {
		return replayMessage{}, false, fmt.Errorf("decode outbox failure: %w", err)
	}
	if len(failure.Payload) == 0 {
		return replayMessage{}, false, errors.New("outbox failure has no original payload")
	}

	restored := kafka.OutboxEnvelope{
		ID:            firstNonEmpty(failure.OutboxID, envelope.ID),
		AggregateType: firstNonEmpty(failure.AggregateType, envelope.AggregateType),
		AggregateID:   firstNonEmpty(failure.AggregateID, envelope.AggregateID),
		EventType:     firstNonEmpty(failure.EventType, envelope.EventType),
		Payload:       failure.Payload,
		PublishedAt:   p.now().UTC(),
	}
	value, err := json.Marshal(restored)
	if err != nil {
		return replayMessage{}, false, fmt.Errorf("encode outbox envelope: %w", err)
	}

	topic, ok := p.routes[restored.AggregateType]
	if !ok {
		topic = p.fallback
	}
	return replayMessage{
		kind:  kindOutbox,
		topic: topic,
		key:   firstNonEmpty(restored.AggregateID, restored.ID),
		value: value,
	}, true, nil
}

func headerValue(msg *sarama.ConsumerMessage, key string) string {
	for _, header := range msg.Headers {
		if header != nil && string(header.Key) == key {
			return string(header.Value)
		}
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

type offsetClient interface {
	Partitions(topic string) ([]int32, error)
	GetOffset(topic string, partition int32, time int64) (int64, error)
	Close() error
}

type partitionSource interface {
	ConsumePartition(topic string, partition int32, offset int64) (sarama.PartitionConsumer, error)
	Close() error
}

// summary — итог прохода по DLQ.
type summary struct {
	scanned  int
	replayed int
	skipped  int
}

// replayer читает DLQ и переотправляет подходящие сообщения.
type replayer struct {
	cfg      config
	client   offsetClient
	source   partitionSource
	producer sarama.SyncProducer
	planner  planner
	logger   *log.Entry
}

func (r *replayer) run(ctx context.Context) (summary, error) {
	if r.cfg.execute && r.producer == nil {
		return summary{}, errors.New("producer is required in execute mode")
	}

	partitions, err := r.client.Partitions(r.cfg.sourceTopic)
	if err != nil {
		return summary{}, fmt.Errorf("list partitions of %s: %w", r.cfg.sourceTopic, err)
	}
	sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })

	var total summary
	for _, partition := range partitions {
		budget := r.cfg.limit - total.scanned
		if budget <= 0 {
			break
		}
		got, err := r.drainPartition(ctx, partition, budget)
		total.scanned += got.scanned
		total.replayed += got.replayed
		total.skipped += got.skipped
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// window возвращает диапазон смещений [from, to) для чтения партиции.
func (r *replayer) window(partition int32, budget int) (int64, int64, error) {
	oldest, err := r.client.GetOffset(r.cfg.sourceTopic, partition, sarama.OffsetOldest)
	if err != nil {
		return 0, 0, fmt.Errorf("oldest offset of partition %d: %w", partition, err)
	}
	newest, err := r.client.GetOffset(r.cfg.sourceTopic, partition, sarama.OffsetNewest)
	if err != nil {
		return 0, 0, fmt.Errorf("newest offset of partition %d: %w", partition, err)
	}
	from := oldest
	if r.cfg.fromNewest {
		from = max(oldest, newest-int64(budget))
	}
	return from, newest, nil
}

func (r *replayer) drainPartition(ctx context.Context, partition int32, budget int) (summary, error) {
	var got summary

	from, to, err := r.window(partition, budget)
	if err != nil || from >= to {
		return got, err
	}

	pc, err := r.source.ConsumePartition(r.cfg.sourceTopic, partition, from)
	if err != nil {
		return got, fmt.Errorf("consume partition %d: %w", partition, err)
	}
	defer func() { _ = pc.Close() }()

	idle := time.NewTimer(r.cfg.idleTimeout)
	defer idle.Stop()

	for got.scanned < budget {
		select {
		case <-ctx.Done():
			return got, ctx.Err()
		case <-idle.C:
			r.logger.WithField("partition", partition).Warn("partition idle before reaching newest offset")
			return got, nil
		case cerr, ok := <-pc.Errors():
			if ok && cerr != nil {
				return got, fmt.Errorf("partition %d: %w", partition, cerr)
			}
		case msg, ok := <-pc.Messages():
			if !ok || msg == nil || msg.Offset >= to {
				return got, nil
			}
			idle.Reset(r.cfg.idleTimeout)

			got.scanned++
			replayed, err := r.handle(msg)
			if err != nil {
				return got, err
			}
			if replayed {
				got.replayed++
			} else {
				got.skipped++
			}
			if msg.Offset+1 >= to {
				return got, nil
			}
		}
	}
	return got, nil
}

func (r *replayer) handle(msg *sarama.ConsumerMessage) (bool, error) {
	logger := r.logger.WithFields(log.Fields{"partition": msg.Partition, "offset": msg.Offset})

	replay, ok, err := r.planner.plan(msg)
	if err != nil {
		logger.WithError(err).Warn("skip malformed dlq message")
		return false, nil
	}
	if !ok || (r.cfg.kind != kindAll && replay.kind != r.cfg.kind) {
		return false, nil
	}

	logger = logger.WithFields(log.Fields{"kind": replay.kind, "target_topic": replay.topic, "key": replay.key})
	if !r.cfg.execute {
		logger.Info("dlq replay candidate")
		return true, nil
	}

	_, _, err = r.producer.SendMessage(&sarama.ProducerMessage{
		Topic: replay.topic,
		Key:   sarama.StringEncoder(replay.key),
		Value: sarama.ByteEncoder(replay.value),
		Headers: []sarama.RecordHeader{{
			Key:   []byte(headerReplayedFrom),
			Value: []byte(fmt.Sprintf("%s/%d/%d", msg.Topic, msg.Partition, msg.Offset)),
		}},
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return false, fmt.Errorf("replay offset %d to %s: %w", msg.Offset, replay.topic, err)
	}
	logger.Info("dlq message replayed")
	return true, nil
}

func newReplayer(cfg config, logger *log.Entry) (*replayer, func(), error) {
	saramaCfg := sarama.NewConfig()
	saramaCfg.Consumer.Return.Errors = true
	saramaCfg.Producer.RequiredAcks = sarama.WaitForAll
	saramaCfg.Producer.Return.Successes = true

	client, err := sarama.NewClient(cfg.brokers, saramaCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("create kafka client: %w", err)
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("create kafka consumer: %w", err)
	}

	r := &replayer{
		cfg:     cfg,
		client:  client,
		source:  consumer,
		planner: newPlanner(cfg.sourceTopic),
		logger:  logger,
	}
	closers := []func() error{consumer.Close, client.Close}

	if cfg.execute {
		producer, err := sarama.NewSyncProducerFromClient(client)
		if err != nil {
			_ = consumer.Close()
			_ = client.Close()
			return nil, nil, fmt.Errorf("create kafka producer: %w", err)
		}
		r.producer = producer
		closers = append([]func() error{producer.Close}, closers...)
	}

	return r, func() {
		for _, closeFn := range closers {
			_ = closeFn()
		}
	}, nil
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	logger := log.WithField("component", "dlq-reprocess")

	cfg, err := parseConfig(os.Args[1:], os.Getenv)
	if err != nil {
		logger.WithError(err).Fatal("invalid arguments")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r, closeAll, err := newReplayer(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("kafka is unavailable")
	}
	defer closeAll()

	result, err := r.run(ctx)
	fields := log.Fields{
		"execute":  cfg.execute,
		"kind":     cfg.kind,
		"scanned":  result.scanned,
		"replayed": result.replayed,
		"skipped":  result.skipped,
	}
	if err != nil {
		logger.WithError(err).WithFields(fields).Error("dlq replay failed")
		closeAll()
		os.Exit(1)
	}
	logger.WithFields(fields).Info("dlq replay finished")
}
