package domain

import (
	"strings"
	"time"
)

// DefaultIdempotencyTTL — срок жизни ключа, если вызывающий не задал свой.
const DefaultIdempotencyTTL = 24 * time.Hour

// IdempotencyStatus — стадия обработки запроса под ключом идемпотентности.
type IdempotencyStatus string

const (
	IdempotencyStatusProcessing IdempotencyStatus = "processing"
	IdempotencyStatusDone       IdempotencyStatus = "done"
	// IdempotencyStatusFailed освобождает ключ: тот же запрос можно выполнить снова.
	IdempotencyStatusFailed IdempotencyStatus = "failed"
)

// Valid сообщает, известен ли статус.
func (s IdempotencyStatus) Valid() bool {
	switch s {
	case IdempotencyStatusProcessing, IdempotencyStatusDone, IdempotencyStatusFailed:
		return true
	default:
		return false
	}
}

// IdempotencyRecord — сохранённый результат оформления заказа по Idempotency-Key
// или отметка об обработке уведомления шлюза.
type IdempotencyRecord struct {
	Key          string
	RequestHash  string
	ResponseBody []byte
	HTTPStatus   int
	Status       IdempotencyStatus
	TTLAt        time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Live сообщает, действует ли запись в момент now.
func (r IdempotencyRecord) Live(now time.Time) bool {
	return r.TTLAt.After(now)
}

// Reclaimable сообщает, можно ли снова захватить ключ запросом с хэшем requestHash.
// Повторный захват разрешён только тому же запросу после неуспешной обработки:
// шлюзы повторяют уведомление, пока не получат 2xx.
func (r IdempotencyRecord) Reclaimable(requestHash string) bool {
	return r.Status == IdempotencyStatusFailed && r.RequestHash == requestHash
}

// Clone возвращает копию записи с собственным буфером ответа.
func (r IdempotencyRecord) Clone() IdempotencyRecord {
	r.ResponseBody = append([]byte(nil), r.ResponseBody...)
	return r
}

// NormalizeIdempotencyInput обрезает пробелы и проверяет, что ключ и хэш заданы.
func NormalizeIdempotencyInput(key, requestHash string) (string, string, error) {
	key = strings.TrimSpace(key)
	requestHash = strings.TrimSpace(requestHash)
	switch {
	case key == "":
		return "", "", ErrIdempotencyKeyRequired
	case requestHash == "":
		return "", "", ErrIdempotencyRequestHashRequired
	}
	return key, requestHash, nil
}

// RequestKey строит ключ клиентского запроса. Одинаковые Idempotency-Key разных
// операций не пересекаются.
func RequestKey(operation, clientKey string) string {
	return "request:" + operation + ":" + strings.TrimSpace(clientKey)
}

// WebhookKey строит ключ дедупликации входящего уведомления.
func WebhookKey(source, eventID string) string {
	return "webhook:" + source + ":" + eventID
}
