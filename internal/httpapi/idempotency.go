package httpapi

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

type idempotentHandler func() (status int, body any, err error)

// withIdempotency выполняет handler операции не более одного раза на ключ. Повтор с тем же
// ключом и телом получает сохранённый ответ, с другим телом получает 409.
func (s *Server) withIdempotency(w http.ResponseWriter, r *http.Request, operation string, body []byte, handler idempotentHandler) {
	clientKey := strings.TrimSpace(r.Header.Get(idempotencyHeader))
	if s.idem == nil || clientKey == "" {
		s.respond(w, handler)
		return
	}
	key := domain.RequestKey(operation, clientKey)

	record, err := s.idem.CreateProcessing(key, requestHash(r, body), s.now().Add(idempotencyTTL))
	if err != nil {
		s.replayIdempotency(w, err, record)
		return
	}

	status, resp, runErr := handler()
	if runErr != nil {
		status = statusFor(runErr)
		payload := s.errorPayload(runErr, status)
		if err := s.idem.MarkFailed(key, payload, status); err != nil {
			s.logger.WithError(err).WithField("idempotency_key", key).Warn("failed to store idempotency failure response")
		}
		s.writeError(w, runErr)
		return
	}

	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.WithError(err).Error("failed to encode response")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: internalErrMessage})
		return
	}
	if err := s.idem.MarkDone(key, data, status); err != nil {
		s.logger.WithError(err).WithField("idempotency_key", key).Warn("failed to store idempotent success response")
	}
	writeRaw(w, status, data)
}

func (s *Server) respond(w http.ResponseWriter, handler idempotentHandler) {
	status, resp, err := handler()
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, status, resp)
}

func (s *Server) replayIdempotency(w http.ResponseWriter, createErr error, record domain.IdempotencyRecord) {
	switch {
	case errors.Is(createErr, domain.ErrIdempotencyHashMismatch):
		writeJSON(w, http.StatusConflict, errorResponse{Error: "idempotency key is already used with different request payload"})
	case errors.Is(createErr, domain.ErrIdempotencyKeyAlreadyExists):
		switch record.Status {
		case domain.IdempotencyStatusDone:
			if len(record.ResponseBody) == 0 || record.HTTPStatus == 0 {
				writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "idempotency cache is empty"})
				return
			}
			writeRaw(w, record.HTTPStatus, record.ResponseBody)
		case domain.IdempotencyStatusProcessing:
			writeJSON(w, http.StatusConflict, errorResponse{Error: "request with the same idempotency key is already processing"})
		case domain.IdempotencyStatusFailed:
			status := record.HTTPStatus
			if status == 0 {
				status = http.StatusInternalServerError
			}
			writeRaw(w, status, record.ResponseBody)
		default:
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "unknown idempotency record status"})
		}
	case errors.Is(createErr, domain.ErrIdempotencyKeyRequired):
		s.writeError(w, domain.Validationf("%s header is empty", idempotencyHeader))
	default:
		s.logger.WithError(createErr).WithFields(log.Fields{"idempotency_key": record.Key}).Warn("failed to create idempotency record")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to initialize idempotency request"})
	}
}

func (s *Server) errorPayload(err error, status int) []byte {
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = internalErrMessage
	}
	payload, encodeErr := json.Marshal(errorResponse{Error: message})
	if encodeErr != nil {
		return nil
	}
	return payload
}

// requestHash связывает ключ с методом, путём и телом запроса.
func requestHash(r *http.Request, body []byte) string {
	h := sha256.New()
	h.Write([]byte(r.Method))
	h.Write([]byte{0})
	h.Write([]byte(r.URL.Path))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

func writeRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
	if len(body) > 0 && body[len(body)-1] != '\n' {
		_, _ = w.Write([]byte{'\n'})
	}
}
