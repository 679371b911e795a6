package logic

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/blues/payrecon/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func successPayload(ref *model.PaymentReferenceModel, txId, amount string) WebhookPayload {
	return WebhookPayload{
		CorrelationRef:       ref.PaymentCode,
		GatewayTransactionId: txId,
		Status:               WebhookStatusSuccess,
		Currency:             "USD",
		Amount:               dec(amount),
	}
}

func TestReconcileEndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.product(t, 1, "50.00", 10)
	b := f.product(t, 2, "25.00", 10)
	order, ref := f.pendingOrder(t, 100, OrderLine{ProductId: a.Id, Quantity: 3}, OrderLine{ProductId: b.Id, Quantity: 4})
	require.True(t, dec("250.00").Equal(order.TotalAmount))

	body, sig := signedBody(t, successPayload(ref, "gw-1", "250.00"))
	result, err := f.services.Reconciler.HandleWebhook(ctx, body, sig)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.False(t, result.IsDuplicate)
	assert.Equal(t, order.Id, result.OrderId)
	assert.Equal(t, model.OutcomeConfirmed, result.Outcome)

	reloaded := f.reload(t, order.Id)
	assert.Equal(t, model.PaymentStatusConfirmed, reloaded.PaymentStatus)
	assert.Equal(t, model.DeliveryStatusConfirmed, reloaded.DeliveryStatus)
	assert.True(t, reloaded.LedgerRecorded)
	require.NotNil(t, reloaded.LedgerTxRef)
	assert.Equal(t, "0xtx1", *reloaded.LedgerTxRef)

	var splits []model.OrderProducerSplitModel
	require.NoError(t, f.db.Where("order_id = ?", order.Id).Order("producer_id ASC").Find(&splits).Error)
	require.Len(t, splits, 2)
	assert.True(t, dec("15.00").Equal(splits[0].Commission))
	assert.True(t, dec("10.00").Equal(splits[1].Commission))
	for _, s := range splits {
		assert.Equal(t, model.SplitPayoutStatusScheduled, s.PayoutStatus)
	}

	var items []model.PayoutBatchItemModel
	require.NoError(t, f.db.Where("order_id = ?", order.Id).Find(&items).Error)
	assert.Len(t, items, 2)

	var usedRef model.PaymentReferenceModel
	require.NoError(t, f.db.First(&usedRef, ref.Id).Error)
	assert.NotNil(t, usedRef.UsedAt)

	var confirmation model.PaymentConfirmationModel
	require.NoError(t, f.db.Where("order_id = ?", order.Id).First(&confirmation).Error)
	assert.True(t, confirmation.IsConfirmed)
	assert.Equal(t, "gw-1", confirmation.GatewayTransactionId)

	var outbox []model.OutboxMessageModel
	require.NoError(t, f.db.Order("user_id ASC").Find(&outbox).Error)
	require.Len(t, outbox, 3)
	assert.Equal(t, model.NotifyKindNewOrder, outbox[0].Kind)
	assert.Equal(t, model.NotifyKindPaymentConfirmed, outbox[2].Kind)
}

func TestReconcileDuplicateDelivery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p := f.product(t, 1, "10.00", 5)
	order, ref := f.pendingOrder(t, 100, OrderLine{ProductId: p.Id, Quantity: 1})
	body, sig := signedBody(t, successPayload(ref, "gw-dup", "10.00"))

	first, err := f.services.Reconciler.HandleWebhook(ctx, body, sig)
	require.NoError(t, err)
	require.False(t, first.IsDuplicate)

	before := f.reload(t, order.Id)
	history, err := f.services.Orders.GetHistory(ctx, order.Id)
	require.NoError(t, err)

	f.clock.Advance(time.Second)
	second, err := f.services.Reconciler.HandleWebhook(ctx, body, sig)
	require.NoError(t, err)
	assert.True(t, second.Success)
	assert.True(t, second.IsDuplicate)
	assert.Equal(t, order.Id, second.OrderId)
	assert.Equal(t, model.OutcomeConfirmed, second.Outcome)

	after := f.reload(t, order.Id)
	assert.True(t, before.UpdatedAt.Equal(after.UpdatedAt))
	historyAfter, err := f.services.Orders.GetHistory(ctx, order.Id)
	require.NoError(t, err)
	assert.Len(t, historyAfter, len(history))
	assert.Equal(t, 1, f.notary.submits)
}

func TestReconcileNewTransactionOnConfirmedOrderIsDuplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p := f.product(t, 1, "10.00", 5)
	order, ref := f.pendingOrder(t, 100, OrderLine{ProductId: p.Id, Quantity: 1})

	_, err := f.services.Reconciler.Reconcile(ctx, successPayload(ref, "gw-a", "10.00"), nil)
	require.NoError(t, err)

	result, err := f.services.Reconciler.Reconcile(ctx, successPayload(ref, "gw-b", "10.00"), nil)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.True(t, result.IsDuplicate)
	assert.Equal(t, model.OutcomeDuplicate, result.Outcome)

	var marker model.IdempotencyMarkerModel
	require.NoError(t, f.db.Where("gateway_transaction_id = ?", "gw-b").First(&marker).Error)
	assert.Equal(t, order.Id, marker.OrderId)
	assert.Equal(t, model.OutcomeDuplicate, marker.Outcome)
}

func TestReconcileConcurrentDuplicates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p := f.product(t, 1, "10.00", 5)
	order, ref := f.pendingOrder(t, 100, OrderLine{ProductId: p.Id, Quantity: 1})
	payload := successPayload(ref, "gw-race", "10.00")

	const workers = 8
	var wg sync.WaitGroup
	results := make([]*ReconcileResult, workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.services.Reconciler.Reconcile(ctx, payload, nil)
		}(i)
	}
	wg.Wait()

	fresh := 0
	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		assert.True(t, results[i].Success)
		if !results[i].IsDuplicate {
			fresh++
		}
	}
	assert.Equal(t, 1, fresh)

	var history []model.StatusHistoryModel
	require.NoError(t, f.db.Where("order_id = ? AND field = ?", order.Id, model.StatusFieldPayment).Find(&history).Error)
	assert.Len(t, history, 1)
}

func TestReconcileFailedPayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p := f.product(t, 1, "10.00", 5)
	order, ref := f.pendingOrder(t, 100, OrderLine{ProductId: p.Id, Quantity: 1})
	payload := successPayload(ref, "gw-fail", "10.00")
	payload.Status = WebhookStatusFailed

	result, err := f.services.Reconciler.Reconcile(ctx, payload, nil)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeFailed, result.Outcome)

	reloaded := f.reload(t, order.Id)
	assert.Equal(t, model.PaymentStatusFailed, reloaded.PaymentStatus)
	assert.Equal(t, model.DeliveryStatusPending, reloaded.DeliveryStatus)
	assert.False(t, reloaded.LedgerRecorded)

	var usedRef model.PaymentReferenceModel
	require.NoError(t, f.db.First(&usedRef, ref.Id).Error)
	assert.Nil(t, usedRef.UsedAt)

	var batches int64
	require.NoError(t, f.db.Model(&model.PayoutBatchModel{}).Count(&batches).Error)
	assert.Zero(t, batches)

	// 终态之后的成功回调被拒绝但不返回错误
	late, err := f.services.Reconciler.Reconcile(ctx, successPayload(ref, "gw-late", "10.00"), nil)
	require.NoError(t, err)
	assert.False(t, late.Success)
	assert.Equal(t, model.OutcomeRejected, late.Outcome)
	assert.Equal(t, model.PaymentStatusFailed, f.reload(t, order.Id).PaymentStatus)
}

func TestReconcileAmountMismatchRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p := f.product(t, 1, "10.00", 5)
	order, ref := f.pendingOrder(t, 100, OrderLine{ProductId: p.Id, Quantity: 1})

	result, err := f.services.Reconciler.Reconcile(ctx, successPayload(ref, "gw-short", "9.99"), nil)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, model.OutcomeRejected, result.Outcome)
	assert.Equal(t, model.PaymentStatusPending, f.reload(t, order.Id).PaymentStatus)
}

func TestReconcileUnknownReference(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	payload := WebhookPayload{
		CorrelationRef:       "PAY404-20240515093000",
		GatewayTransactionId: "gw-404",
		Status:               WebhookStatusSuccess,
		Currency:             "USD",
		Amount:               dec("1.00"),
	}
	_, err := f.services.Reconciler.Reconcile(ctx, payload, nil)
	assert.True(t, errors.Is(err, ErrPaymentReferenceNotFound))

	// 失败时幂等标记随事务回滚，网关可以重试
	var count int64
	require.NoError(t, f.db.Model(&model.IdempotencyMarkerModel{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestHandleWebhookRejectsBadSignature(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p := f.product(t, 1, "10.00", 5)
	order, ref := f.pendingOrder(t, 100, OrderLine{ProductId: p.Id, Quantity: 1})
	body, _ := signedBody(t, successPayload(ref, "gw-sig", "10.00"))

	_, err := f.services.Reconciler.HandleWebhook(ctx, body, "deadbeef")
	assert.True(t, errors.Is(err, ErrInvalidSignature))

	_, err = f.services.Reconciler.HandleWebhook(ctx, body, "")
	assert.True(t, errors.Is(err, ErrInvalidSignature))

	var count int64
	require.NoError(t, f.db.Model(&model.IdempotencyMarkerModel{}).Count(&count).Error)
	assert.Zero(t, count)
	assert.Equal(t, model.PaymentStatusPending, f.reload(t, order.Id).PaymentStatus)
}

func TestHandleWebhookRejectsInvalidPayload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	body := []byte(`{"correlationRef":"PAY1-x","gatewayTransactionId":"","status":"success","currency":"USD","amount":"1.00"}`)
	_, err := f.services.Reconciler.HandleWebhook(ctx, body, SignPayload([]byte(testSecret), body))
	assert.True(t, errors.Is(err, ErrInvalidPayload))

	body = []byte(`not json`)
	_, err = f.services.Reconciler.HandleWebhook(ctx, body, SignPayload([]byte(testSecret), body))
	assert.True(t, errors.Is(err, ErrInvalidPayload))
}

func TestReconcileCancelledOrderRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p := f.product(t, 1, "10.00", 5)
	order, ref := f.pendingOrder(t, 100, OrderLine{ProductId: p.Id, Quantity: 1})
	_, err := f.services.Orders.CancelOrder(ctx, order.Id, "buyer-100", "changed mind")
	require.NoError(t, err)

	result, err := f.services.Reconciler.Reconcile(ctx, successPayload(ref, "gw-cancel", "10.00"), nil)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, model.OutcomeRejected, result.Outcome)
	assert.Equal(t, model.PaymentStatusPending, f.reload(t, order.Id).PaymentStatus)
}

// failOutboxInserts 使通知写入失败，返回的开关关闭后恢复
func failOutboxInserts(t *testing.T, db *gorm.DB) *atomic.Bool {
	t.Helper()
	failing := &atomic.Bool{}
	failing.Store(true)
	require.NoError(t, db.Callback().Create().Before("gorm:create").Register("test:fail_outbox", func(tx *gorm.DB) {
		if failing.Load() && tx.Statement.Table == "outbox_message" {
			_ = tx.AddError(errors.New("disk I/O error"))
		}
	}))
	return failing
}

func TestReconcileRollsBackWhenOutboxWriteFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p := f.product(t, 1, "10.00", 10)
	order, ref := f.pendingOrder(t, 100, OrderLine{ProductId: p.Id, Quantity: 1})

	var historyBefore int64
	require.NoError(t, f.db.Model(&model.StatusHistoryModel{}).Where("order_id = ?", order.Id).Count(&historyBefore).Error)

	failing := failOutboxInserts(t, f.db)
	payload := successPayload(ref, "gw-1", "10.00")
	_, err := f.services.Reconciler.Reconcile(ctx, payload, nil)
	require.Error(t, err)
	for _, businessErr := range []error{ErrInvalidPayload, ErrPaymentReferenceNotFound, ErrOrderNotFound, ErrInvalidTransition} {
		assert.NotErrorIs(t, err, businessErr)
	}

	// 事务整体回滚
	var markers, history, confirmations int64
	require.NoError(t, f.db.Model(&model.IdempotencyMarkerModel{}).Count(&markers).Error)
	require.NoError(t, f.db.Model(&model.StatusHistoryModel{}).Where("order_id = ?", order.Id).Count(&history).Error)
	require.NoError(t, f.db.Model(&model.PaymentConfirmationModel{}).Count(&confirmations).Error)
	assert.Zero(t, markers)
	assert.Equal(t, historyBefore, history)
	assert.Zero(t, confirmations)

	reloaded := f.reload(t, order.Id)
	assert.Equal(t, model.PaymentStatusPending, reloaded.PaymentStatus)
	assert.Equal(t, model.DeliveryStatusPending, reloaded.DeliveryStatus)
	var current model.PaymentReferenceModel
	require.NoError(t, f.db.First(&current, ref.Id).Error)
	assert.Nil(t, current.UsedAt)
	assert.Zero(t, f.notary.submits)

	// 网关重投后只确认一次
	failing.Store(false)
	result, err := f.services.Reconciler.Reconcile(ctx, payload, nil)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeConfirmed, result.Outcome)
	assert.False(t, result.IsDuplicate)

	again, err := f.services.Reconciler.Reconcile(ctx, payload, nil)
	require.NoError(t, err)
	assert.True(t, again.IsDuplicate)

	require.NoError(t, f.db.Model(&model.IdempotencyMarkerModel{}).Count(&markers).Error)
	assert.Equal(t, int64(1), markers)
	assert.Equal(t, model.PaymentStatusConfirmed, f.reload(t, order.Id).PaymentStatus)
	assert.Equal(t, 1, f.notary.submits)
}
