package httpapi

import (
	"context"
	"errors"
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/storefront/internal/payment/vnpay"
	"github.com/vladislavdragonenkov/storefront/internal/service/webhook"
)

const outcomeQueued = "queued"

// handleWebhook принимает уведомление шлюза или перевозчика. Неверная подпись
// даёт 401, любая другая ошибка не-2xx, чтобы отправитель повторил доставку.
func (s *Server) handleWebhook(source string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := readBody(w, r)
		if err != nil {
			s.writeError(w, err)
			return
		}
		req := domain.CallbackRequest{Body: body, Header: r.Header.Clone(), Query: r.URL.Query()}

		outcome, err := s.acceptWebhook(r.Context(), source, req)
		if err != nil {
			s.recordWebhook(source, "error")
			s.writeError(w, err)
			return
		}
		s.recordWebhook(source, outcome)
		writeJSON(w, http.StatusOK, webhookResponse{Status: outcome})
	}
}

// handleVNPayIPN отвечает на IPN в формате VNPay: HTTP 200 и код результата в теле.
func (s *Server) handleVNPayIPN(w http.ResponseWriter, r *http.Request) {
	req := domain.CallbackRequest{Header: r.Header.Clone(), Query: r.URL.Query()}

	outcome, err := s.acceptWebhook(r.Context(), webhook.SourceVNPay, req)
	if err != nil {
		s.recordWebhook(webhook.SourceVNPay, "error")
	} else {
		s.recordWebhook(webhook.SourceVNPay, outcome)
	}
	writeJSON(w, http.StatusOK, ipnResponse(outcome, err))
}

func (s *Server) acceptWebhook(ctx context.Context, source string, req domain.CallbackRequest) (string, error) {
	if s.relay != nil {
		if err := s.webhooks.Verify(ctx, source, req); err != nil {
			return "", err
		}
		err := s.relay.Relay(kafka.NewWebhookEnvelope(source, req.Body, req.Header, req.Query))
		if err == nil {
			return outcomeQueued, nil
		}
		s.logger.WithError(err).WithField("source", source).Warn("webhook relay failed, applying inline")
	}

	result, err := s.webhooks.Process(ctx, source, req)
	if err != nil {
		s.logger.WithError(err).WithFields(log.Fields{
			"source":   source,
			"event_id": result.EventID,
		}).Info("webhook rejected")
		return "", err
	}
	return string(result.Outcome), nil
}

func ipnResponse(outcome string, err error) vnpay.IPNResponse {
	switch {
	case err == nil && outcome == string(webhook.OutcomeDuplicate):
		return vnpay.IPNResponse{RspCode: vnpay.IPNAlreadyConfirmed, Message: "Order already confirmed"}
	case err == nil:
		return vnpay.IPNResponse{RspCode: vnpay.IPNConfirmSuccess, Message: "Confirm Success"}
	case errors.Is(err, domain.ErrInvalidSignature):
		return vnpay.IPNResponse{RspCode: vnpay.IPNInvalidSignature, Message: "Invalid signature"}
	case errors.Is(err, domain.ErrAmountMismatch):
		return vnpay.IPNResponse{RspCode: vnpay.IPNInvalidAmount, Message: "Invalid amount"}
	case domain.IsNotFound(err):
		return vnpay.IPNResponse{RspCode: vnpay.IPNOrderNotFound, Message: "Order not found"}
	default:
		return vnpay.IPNResponse{RspCode: vnpay.IPNUnknownError, Message: "Unknown error"}
	}
}

func (s *Server) recordWebhook(source, outcome string) {
	if s.metrics != nil {
		s.metrics.RecordWebhook(source, outcome)
	}
}
