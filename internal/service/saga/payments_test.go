package saga

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/service/payment"
)

func TestOnlinePayment_CaptureConfirmsOrder(t *testing.T) {
	f := newFixture(t, 5)
	order := f.create(t, domain.PaymentMethodStripe, 1)

	paid := f.pay(t, order)

	assert.Equal(t, domain.PaymentStatusPaid, paid.PaymentStatus)
	assert.Equal(t, domain.OrderStatusConfirmed, paid.Status)
	assert.Equal(t, "GHN-"+order.ID, paid.Carrier.OrderCode)
	assert.Contains(t, f.notifier.kinds(), domain.NotificationOrderConfirmed)
	assert.Contains(t, f.timelineTypes(t, order.ID), domain.EventPaymentStatusChanged)
}

func TestInitiatePayment_Rejections(t *testing.T) {
	f := newFixture(t, 5)

	cod := f.create(t, domain.PaymentMethodCOD, 1)
	_, _, err := f.orch.InitiatePayment(context.Background(), cod.ID, customer(), payment.InitiateOptions{})
	assert.ErrorIs(t, err, domain.ErrPaymentNotRequired)

	online := f.create(t, domain.PaymentMethodVNPay, 1)
	_, _, err = f.orch.InitiatePayment(context.Background(), online.ID, domain.Actor{Role: domain.ActorCustomer, ID: "user-2"}, payment.InitiateOptions{})
	assert.ErrorIs(t, err, domain.ErrActorNotAllowed)

	_, err = f.orch.CancelOrder(context.Background(), online.ID, customer(), "")
	require.NoError(t, err)
	_, _, err = f.orch.InitiatePayment(context.Background(), online.ID, customer(), payment.InitiateOptions{})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestCapturePayment_DeclinedThenRetried(t *testing.T) {
	f := newFixture(t, 5)
	order := f.create(t, domain.PaymentMethodStripe, 1)
	gw := f.gateways[domain.PaymentMethodStripe]

	entry, _, err := f.orch.InitiatePayment(context.Background(), order.ID, customer(), payment.InitiateOptions{})
	require.NoError(t, err)

	gw.CaptureErr = domain.ErrPaymentDeclined
	failed, err := f.orch.CapturePayment(context.Background(), order.ID, entry.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrPaymentDeclined)
	assert.Equal(t, domain.PaymentStatusFailed, failed.PaymentStatus)
	assert.Equal(t, domain.OrderStatusPending, failed.Status)

	gw.CaptureErr = nil
	paid := f.pay(t, failed)
	assert.Equal(t, domain.PaymentStatusPaid, paid.PaymentStatus)
	assert.Equal(t, domain.OrderStatusConfirmed, paid.Status)
}

func TestCapturePayment_EntryOfAnotherOrder(t *testing.T) {
	f := newFixture(t, 5)
	first := f.create(t, domain.PaymentMethodStripe, 1)
	second := f.create(t, domain.PaymentMethodStripe, 1)

	entry, _, err := f.orch.InitiatePayment(context.Background(), first.ID, customer(), payment.InitiateOptions{})
	require.NoError(t, err)

	_, err = f.orch.CapturePayment(context.Background(), second.ID, entry.ID)
	assert.ErrorIs(t, err, domain.ErrLedgerEntryNotFound)
}

func TestRecordPaymentEvent_PayPalApprovalCaptures(t *testing.T) {
	f := newFixture(t, 5)
	order := f.create(t, domain.PaymentMethodPayPal, 1)

	entry, _, err := f.orch.InitiatePayment(context.Background(), order.ID, customer(), payment.InitiateOptions{})
	require.NoError(t, err)

	updated, err := f.orch.RecordPaymentEvent(context.Background(), domain.GatewayEvent{
		ID:      "WH-1",
		Method:  domain.PaymentMethodPayPal,
		Kind:    domain.GatewayEventApproved,
		EntryID: entry.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusPaid, updated.PaymentStatus)

	_, captures, _ := f.gateways[domain.PaymentMethodPayPal].Calls()
	assert.Equal(t, 1, captures)
}

func TestRecordPaymentEvent_FailedMarksPaymentFailed(t *testing.T) {
	f := newFixture(t, 5)
	order := f.create(t, domain.PaymentMethodVNPay, 1)
	entry, _, err := f.orch.InitiatePayment(context.Background(), order.ID, customer(), payment.InitiateOptions{})
	require.NoError(t, err)

	updated, err := f.orch.RecordPaymentEvent(context.Background(), domain.GatewayEvent{
		ID:      "vnp-1",
		Method:  domain.PaymentMethodVNPay,
		Kind:    domain.GatewayEventFailed,
		EntryID: entry.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusFailed, updated.PaymentStatus)
	assert.Equal(t, domain.OrderStatusPending, updated.Status)
}

func TestRecordPaymentEvent_DuplicateCaptureKeepsFirst(t *testing.T) {
	f := newFixture(t, 5)
	order := f.create(t, domain.PaymentMethodStripe, 1)

	first, _, err := f.orch.InitiatePayment(context.Background(), order.ID, customer(), payment.InitiateOptions{})
	require.NoError(t, err)
	second, _, err := f.orch.InitiatePayment(context.Background(), order.ID, customer(), payment.InitiateOptions{})
	require.NoError(t, err)

	paid, err := f.orch.CapturePayment(context.Background(), order.ID, first.ID)
	require.NoError(t, err)
	require.Equal(t, domain.PaymentStatusPaid, paid.PaymentStatus)

	after, err := f.orch.RecordPaymentEvent(context.Background(), domain.GatewayEvent{
		ID:      "evt-2",
		Method:  domain.PaymentMethodStripe,
		Kind:    domain.GatewayEventCaptured,
		EntryID: second.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusPaid, after.PaymentStatus)
	assert.Empty(t, after.Refunds)

	entries, err := f.payments.Entries(order.ID)
	require.NoError(t, err)
	statuses := map[string]domain.GatewayStatus{}
	for _, e := range entries {
		statuses[e.ID] = e.Status
	}
	assert.Equal(t, domain.GatewayStatusCompleted, statuses[first.ID])
	assert.Equal(t, domain.GatewayStatusRefunded, statuses[second.ID])
}

func TestCancelPaidOrder_RefundSucceeds(t *testing.T) {
	f := newFixture(t, 5)
	order := f.pay(t, f.create(t, domain.PaymentMethodStripe, 1))

	cancelled, err := f.orch.CancelOrder(context.Background(), order.ID, admin(), "fraud check")
	require.NoError(t, err)

	assert.Equal(t, domain.OrderStatusCancelled, cancelled.Status)
	assert.Equal(t, domain.PaymentStatusRefunded, cancelled.PaymentStatus)
	require.Len(t, cancelled.Refunds, 1)
	assert.Equal(t, domain.RefundOutcomeSucceeded, cancelled.Refunds[0].Outcome)
	assert.Equal(t, order.TotalMinor, cancelled.Refunds[0].BaseAmountMinor)
	assert.Equal(t, int32(5), f.stock(t))

	notice, ok := f.notifier.last(domain.NotificationRefundIssued)
	require.True(t, ok)
	assert.Equal(t, order.TotalMinor, notice.data["amount_minor"])
	assert.Equal(t, domain.BaseCurrency, notice.data["settlement_currency"])
}

func TestCancelPaidOrder_RefundFailureLeavesPending(t *testing.T) {
	f := newFixture(t, 5)
	order := f.pay(t, f.create(t, domain.PaymentMethodStripe, 1))
	gw := f.gateways[domain.PaymentMethodStripe]
	gw.RefundErr = domain.GatewayFailure("refund", errors.New("503 service unavailable"))

	cancelled, err := f.orch.CancelOrder(context.Background(), order.ID, admin(), "warehouse damage")
	require.NoError(t, err)

	assert.Equal(t, domain.OrderStatusCancelled, cancelled.Status)
	assert.Equal(t, domain.PaymentStatusRefundPending, cancelled.PaymentStatus)
	require.Len(t, cancelled.Refunds, 1)
	assert.Equal(t, domain.RefundOutcomeFailed, cancelled.Refunds[0].Outcome)
	assert.NotEmpty(t, cancelled.Refunds[0].FailureReason)
	assert.Contains(t, f.timelineTypes(t, order.ID), domain.EventRefundFailed)

	_, err = f.orch.RefundOrder(context.Background(), order.ID, customer(), "")
	assert.ErrorIs(t, err, domain.ErrActorNotAllowed)

	gw.RefundErr = nil
	refunded, err := f.orch.RefundOrder(context.Background(), order.ID, admin(), "retry")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusRefunded, refunded.PaymentStatus)
	require.Len(t, refunded.Refunds, 2)
	assert.Equal(t, domain.RefundOutcomeSucceeded, refunded.Refunds[1].Outcome)

	_, err = f.orch.RefundOrder(context.Background(), order.ID, admin(), "again")
	assert.ErrorIs(t, err, domain.ErrRefundNotPending)
}

func TestRefundOrder_WithoutCapturedPaymentChangesNothing(t *testing.T) {
	f := newFixture(t, 5)
	order := f.create(t, domain.PaymentMethodStripe, 1)

	stored, err := f.orders.Get(order.ID)
	require.NoError(t, err)
	stored.Status = domain.OrderStatusCancelled
	stored.PaymentStatus = domain.PaymentStatusRefundPending
	require.NoError(t, f.orders.Save(stored))

	before, err := f.orders.Get(order.ID)
	require.NoError(t, err)

	_, err = f.orch.RefundOrder(context.Background(), order.ID, admin(), "retry")
	require.ErrorIs(t, err, domain.ErrNoCapturedPayment)
	assert.True(t, domain.IsConflict(err))

	after, err := f.orders.Get(order.ID)
	require.NoError(t, err)
	assert.Equal(t, before.Version, after.Version)
	assert.Empty(t, after.Refunds)
	assert.Equal(t, domain.PaymentStatusRefundPending, after.PaymentStatus)
	assert.NotContains(t, f.timelineTypes(t, order.ID), domain.EventRefundFailed)

	_, _, refunds := f.gateways[domain.PaymentMethodStripe].Calls()
	assert.Zero(t, refunds)
}

func TestRefundKey(t *testing.T) {
	order := domain.Order{ID: "order-1"}
	first := refundKey(order)
	assert.Equal(t, first, refundKey(order), "same attempt reuses the key")
	assert.Len(t, strings.ReplaceAll(first, "-", ""), 32)

	order.Refunds = []domain.RefundRecord{{ID: first, Outcome: domain.RefundOutcomeFailed}}
	assert.NotEqual(t, first, refundKey(order))
	assert.NotEqual(t, first, refundKey(domain.Order{ID: "order-2"}))
}

func TestRefundOrder_AttemptsUseDistinctKeys(t *testing.T) {
	f := newFixture(t, 5)
	order := f.pay(t, f.create(t, domain.PaymentMethodStripe, 1))
	gw := f.gateways[domain.PaymentMethodStripe]
	gw.RefundErr = domain.GatewayFailure("refund", errors.New("timeout"))

	cancelled, err := f.orch.CancelOrder(context.Background(), order.ID, admin(), "")
	require.NoError(t, err)
	require.Len(t, cancelled.Refunds, 1)

	gw.RefundErr = nil
	refunded, err := f.orch.RefundOrder(context.Background(), order.ID, admin(), "retry")
	require.NoError(t, err)
	require.Len(t, refunded.Refunds, 2)

	keys := gw.RefundKeys
	require.Len(t, keys, 2)
	assert.NotEqual(t, keys[0], keys[1])
	assert.Equal(t, keys[0], refunded.Refunds[0].ID)
	assert.Equal(t, keys[1], refunded.Refunds[1].ID)
}

func TestCancelPaidOrder_PendingRefundSettledByWebhook(t *testing.T) {
	f := newFixture(t, 5)
	order := f.pay(t, f.create(t, domain.PaymentMethodPayPal, 1))
	f.gateways[domain.PaymentMethodPayPal].RefundPending = true

	cancelled, err := f.orch.CancelOrder(context.Background(), order.ID, customer(), "")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusRefundPending, cancelled.PaymentStatus)
	require.Len(t, cancelled.Refunds, 1)
	assert.Equal(t, domain.RefundOutcomePending, cancelled.Refunds[0].Outcome)

	entries, err := f.payments.Entries(order.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	settled, err := f.orch.RecordPaymentEvent(context.Background(), domain.GatewayEvent{
		ID:      "WH-refund",
		Method:  domain.PaymentMethodPayPal,
		Kind:    domain.GatewayEventRefunded,
		EntryID: entries[0].ID,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusRefunded, settled.PaymentStatus)
	_, ok := f.notifier.last(domain.NotificationRefundIssued)
	assert.True(t, ok)
}

func TestLateCaptureAfterCancelIsRefunded(t *testing.T) {
	f := newFixture(t, 5)
	order := f.create(t, domain.PaymentMethodStripe, 1)
	entry, _, err := f.orch.InitiatePayment(context.Background(), order.ID, customer(), payment.InitiateOptions{})
	require.NoError(t, err)

	cancelled, err := f.orch.CancelOrder(context.Background(), order.ID, customer(), "")
	require.NoError(t, err)
	require.Equal(t, domain.PaymentStatusFailed, cancelled.PaymentStatus)

	after, err := f.orch.RecordPaymentEvent(context.Background(), domain.GatewayEvent{
		ID:        "evt-late",
		Method:    domain.PaymentMethodStripe,
		Kind:      domain.GatewayEventCaptured,
		EntryID:   entry.ID,
		CaptureID: "ch_late",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, after.Status)
	assert.Equal(t, domain.PaymentStatusRefunded, after.PaymentStatus)
	require.Len(t, after.Refunds, 1)
	assert.Equal(t, domain.SystemActor, after.Refunds[0].InitiatedBy)
}

func TestDeliverOnlineOrder(t *testing.T) {
	f := newFixture(t, 5)
	order := f.pay(t, f.create(t, domain.PaymentMethodStripe, 1))

	_, err := f.orch.TransitionStatus(context.Background(), order.ID, domain.OrderStatusShipped, admin())
	require.NoError(t, err)
	delivered, err := f.orch.TransitionStatus(context.Background(), order.ID, domain.OrderStatusDelivered, admin())
	require.NoError(t, err)

	assert.Equal(t, domain.OrderStatusDelivered, delivered.Status)
	assert.Equal(t, domain.PaymentStatusPaid, delivered.PaymentStatus)
}
