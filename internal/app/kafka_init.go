package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/storefront/internal/service/webhook"
)

// initKafkaProducer открывает producer. Пустой список брокеров означает работу без Kafka:
// события остаются в outbox до появления брокера.
func initKafkaProducer(brokers []string, clientID string, logger *log.Entry) (*kafka.Producer, error) {
	if len(brokers) == 0 {
		return nil, nil
	}

	entry := logger.WithFields(log.Fields{
		"brokers":   strings.Join(brokers, ","),
		"client_id": clientID,
	})
	producer, err := kafka.NewProducer(brokers, kafka.WithClientID(clientID))
	if err != nil {
		entry.WithError(err).Warn("kafka недоступна, события копятся в outbox")
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	entry.Info("kafka producer подключён")
	return producer, nil
}

func closeKafka(producer *kafka.Producer, logger *log.Entry) {
	if producer == nil {
		return
	}
	if err := producer.Close(); err != nil {
		logger.WithError(err).Warn("failed to close kafka producer")
	}
}

// webhookProcessor — часть webhook.Processor, нужная consumer'у.
type webhookProcessor interface {
	Process(ctx context.Context, source string, req domain.CallbackRequest) (webhook.Result, error)
}

// handleRelayedWebhook применяет уведомление из очереди. Ошибки, которые повтор не
// исправит, подтверждаются с записью в лог; остальные уходят на повтор и в DLQ.
func handleRelayedWebhook(processor webhookProcessor, logger *log.Entry) func(ctx context.Context, envelope kafka.WebhookEnvelope) error {
	return func(ctx context.Context, envelope kafka.WebhookEnvelope) error {
		entry := logger.WithField("source", envelope.Source)
		result, err := processor.Process(ctx, envelope.Source, domain.CallbackRequest{
			Body:   envelope.Body,
			Header: envelope.Header,
			Query:  envelope.Query,
		})
		switch {
		case err == nil:
			entry.WithFields(log.Fields{
				"event_id": result.EventID,
				"order_id": result.OrderID,
				"outcome":  result.Outcome,
			}).Debug("relayed webhook processed")
			return nil
		case permanentWebhookError(err):
			entry.WithError(err).Warn("relayed webhook rejected")
			return nil
		default:
			return err
		}
	}
}

func permanentWebhookError(err error) bool {
	if errors.Is(err, webhook.ErrInFlight) {
		return false
	}
	return domain.IsValidation(err) ||
		domain.IsIntegrity(err) ||
		domain.IsNotFound(err) ||
		(domain.IsConflict(err) && !domain.IsVersionConflict(err))
}

// startWebhookConsumer подписывается на TopicWebhooks. Без producer'а consumer не
// создаётся: уведомления тогда применяются прямо в HTTP-обработчике.
func startWebhookConsumer(ctx context.Context, cfg Config, producer *kafka.Producer, processor webhookProcessor, logger *log.Entry) (*kafka.Consumer, error) {
	if producer == nil {
		return nil, nil
	}
	consumer, err := kafka.NewConsumerWithDLQ(
		cfg.KafkaBrokers,
		cfg.KafkaConsumerGroup,
		[]string{kafka.TopicWebhooks},
		kafka.WebhookHandler(handleRelayedWebhook(processor, logger.WithField("component", "webhook-consumer"))),
		producer,
		cfg.KafkaMaxRetries,
	)
	if err != nil {
		return nil, err
	}
	if err := consumer.Start(ctx); err != nil {
		_ = consumer.Stop()
		return nil, err
	}
	return consumer, nil
}

func stopConsumer(consumer *kafka.Consumer, logger *log.Entry) {
	if consumer == nil {
		return
	}
	if err := consumer.Stop(); err != nil {
		logger.WithError(err).Warn("failed to stop kafka consumer")
	}
}
