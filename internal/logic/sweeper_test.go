package logic

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/blues/payrecon/internal/chain"
	"github.com/blues/payrecon/internal/config"
	"github.com/blues/payrecon/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// droppingRunner 丢弃提交的任务，模拟提交后进程崩溃
type droppingRunner struct {
	dropped int
}

func (d *droppingRunner) Submit(func()) error {
	d.dropped++
	return nil
}

func TestSweepRecoversAfterCrash(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cfg := config.Default()
	cfg.Webhook.Secret = testSecret
	runner := &droppingRunner{}
	services := NewServices(f.db, cfg, chain.NewLedger(f.notary, 0), runner, f.clock)

	a := f.product(t, 1, "60.00", 10)
	b := f.product(t, 2, "40.00", 10)
	order, err := services.Orders.CreateOrder(ctx, 100, "USD", []OrderLine{{ProductId: a.Id, Quantity: 1}, {ProductId: b.Id, Quantity: 1}})
	require.NoError(t, err)
	ref, err := services.Intents.CreatePaymentReference(ctx, order.Id)
	require.NoError(t, err)

	_, err = services.Reconciler.Reconcile(ctx, successPayload(ref, "gw-1", "100.00"), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, runner.dropped)

	var batches int64
	require.NoError(t, f.db.Model(&model.PayoutBatchModel{}).Count(&batches).Error)
	require.Zero(t, batches)
	require.False(t, f.reload(t, order.Id).LedgerRecorded)

	result, err := services.Sweeper.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Scheduled)
	assert.Equal(t, 1, result.Recorded)
	assert.Zero(t, result.LedgerErrors)

	require.NoError(t, f.db.Model(&model.PayoutBatchModel{}).Count(&batches).Error)
	assert.Equal(t, int64(2), batches)
	assert.True(t, f.reload(t, order.Id).LedgerRecorded)

	// 再次执行没有待处理订单
	again, err := services.Sweeper.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, *again)
	assert.Equal(t, 1, f.notary.submits)
}

func TestSweepIgnoresUnpaidOrders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p := f.product(t, 1, "10.00", 10)
	f.pendingOrder(t, 100, OrderLine{ProductId: p.Id, Quantity: 1})

	result, err := f.services.Sweeper.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, *result)
}

func TestSweepCountsMockedLedger(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cfg := config.Default()
	cfg.Webhook.Secret = testSecret
	services := NewServices(f.db, cfg, chain.NewLedger(nil, 0), SyncRunner{}, f.clock)

	p := f.product(t, 1, "10.00", 10)
	order, err := services.Orders.CreateOrder(ctx, 100, "USD", []OrderLine{{ProductId: p.Id, Quantity: 1}})
	require.NoError(t, err)
	ref, err := services.Intents.CreatePaymentReference(ctx, order.Id)
	require.NoError(t, err)
	_, err = services.Reconciler.Reconcile(ctx, successPayload(ref, "gw-1", "10.00"), nil)
	require.NoError(t, err)

	result, err := services.Sweeper.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, result.Scheduled)
	assert.Equal(t, 1, result.Mocked)
	assert.False(t, f.reload(t, order.Id).LedgerRecorded)
}

// paidOrders 创建并确认订单，提交的后续步骤全部丢弃
func paidOrders(t *testing.T, f *fixture, services *Services, count int) []int64 {
	t.Helper()
	ctx := context.Background()

	p := f.product(t, 1, "10.00", count)
	ids := make([]int64, 0, count)
	for i := 0; i < count; i++ {
		order, err := services.Orders.CreateOrder(ctx, 100, "USD", []OrderLine{{ProductId: p.Id, Quantity: 1}})
		require.NoError(t, err)
		ref, err := services.Intents.CreatePaymentReference(ctx, order.Id)
		require.NoError(t, err)
		_, err = services.Reconciler.Reconcile(ctx, successPayload(ref, fmt.Sprintf("gw-%d", i), "10.00"), nil)
		require.NoError(t, err)
		ids = append(ids, order.Id)
	}
	return ids
}

func TestSweepRotatesPastFailingLedgerOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cfg := config.Default()
	cfg.Webhook.Secret = testSecret
	cfg.Task.SweepBatch = 1
	services := NewServices(f.db, cfg, chain.NewLedger(f.notary, time.Second), &droppingRunner{}, f.clock)
	ids := paidOrders(t, f, services, 2)

	f.notary.failing[chain.OrderKey(ids[0])] = errors.New("execution reverted")

	first, err := services.Sweeper.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, first.LedgerErrors)
	assert.False(t, f.reload(t, ids[1]).LedgerRecorded)

	// 失败的订单排到后面，第二个订单得到处理
	f.clock.Advance(time.Minute)
	second, err := services.Sweeper.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, second.Recorded)
	assert.Zero(t, second.LedgerErrors)
	assert.True(t, f.reload(t, ids[1]).LedgerRecorded)

	f.clock.Advance(time.Minute)
	third, err := services.Sweeper.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, third.LedgerErrors)

	failing := f.reload(t, ids[0])
	assert.False(t, failing.LedgerRecorded)
	assert.Equal(t, 2, failing.LedgerAttempts)
	require.NotNil(t, failing.LedgerError)
	assert.Equal(t, "execution reverted", *failing.LedgerError)
}

func TestSweepSkipsLeasedLedgerOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cfg := config.Default()
	cfg.Webhook.Secret = testSecret
	services := NewServices(f.db, cfg, chain.NewLedger(f.notary, time.Second), &droppingRunner{}, f.clock)
	ids := paidOrders(t, f, services, 1)

	leaseUntil := f.clock.Now().Add(time.Minute)
	require.NoError(t, f.db.Model(&model.OrderModel{}).Where("id = ?", ids[0]).
		Update("ledger_lease_until", &leaseUntil).Error)

	result, err := services.Sweeper.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, result.Recorded)
	assert.Zero(t, result.LedgerErrors)
	assert.Zero(t, f.notary.submits)
}

func TestSweepRotatesPastFailingPayoutOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cfg := config.Default()
	cfg.Webhook.Secret = testSecret
	cfg.Task.SweepBatch = 1
	services := NewServices(f.db, cfg, chain.NewLedger(f.notary, time.Second), &droppingRunner{}, f.clock)
	ids := paidOrders(t, f, services, 2)

	pending, err := services.Sweeper.ordersWithPendingSplits(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{ids[0]}, pending)

	services.Sweeper.markScheduleAttempt(ctx, ids[0])
	assert.Equal(t, 1, f.reload(t, ids[0]).PayoutAttempts)

	pending, err = services.Sweeper.ordersWithPendingSplits(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{ids[1]}, pending)

	// 两个都失败过时，最早失败的先重试
	f.clock.Advance(time.Minute)
	services.Sweeper.markScheduleAttempt(ctx, ids[1])
	pending, err = services.Sweeper.ordersWithPendingSplits(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{ids[0]}, pending)
}
