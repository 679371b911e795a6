package logic

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/blues/payrecon/internal/chain"
	"github.com/blues/payrecon/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubRecorder 固定返回结果的存证客户端
type stubRecorder struct {
	result chain.RecordResult
	calls  int
	last   chain.FactRequest
}

func (s *stubRecorder) RecordFact(_ context.Context, req chain.FactRequest) chain.RecordResult {
	s.calls++
	s.last = req
	return s.result
}

func (s *stubRecorder) VerifyFact(context.Context, int64) (*chain.Verification, error) {
	return &chain.Verification{}, nil
}

func confirmWithoutSideEffects(t *testing.T, f *fixture, orderId int64) {
	t.Helper()
	require.NoError(t, f.db.Model(&model.OrderModel{}).Where("id = ?", orderId).
		Updates(map[string]interface{}{"payment_status": model.PaymentStatusConfirmed, "delivery_status": model.DeliveryStatusConfirmed}).Error)
}

func TestRecordOrderTwiceWritesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p := f.product(t, 1, "10.00", 10)
	order, _ := f.pendingOrder(t, 100, OrderLine{ProductId: p.Id, Quantity: 1})
	confirmWithoutSideEffects(t, f, order.Id)

	first, err := f.services.Recorder.RecordOrder(ctx, order.Id)
	require.NoError(t, err)
	assert.True(t, first.Success)
	assert.False(t, first.AlreadyRecorded)

	// 模拟回填丢失后再次调用，账本查询兜底
	require.NoError(t, f.db.Model(&model.OrderModel{}).Where("id = ?", order.Id).Update("ledger_recorded", false).Error)
	second, err := f.services.Recorder.RecordOrder(ctx, order.Id)
	require.NoError(t, err)
	assert.True(t, second.AlreadyRecorded)
	assert.Equal(t, 1, f.notary.submits)
	assert.True(t, f.reload(t, order.Id).LedgerRecorded)
}

func TestRecordOrderUsesLargestProducer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.product(t, 1, "10.00", 10)
	b := f.product(t, 2, "30.00", 10)
	order, ref := f.pendingOrder(t, 100, OrderLine{ProductId: a.Id, Quantity: 1}, OrderLine{ProductId: b.Id, Quantity: 1})
	confirmWithoutSideEffects(t, f, order.Id)

	stub := &stubRecorder{result: chain.RecordResult{Success: true, TxHash: "0xfeed"}}
	recorder := NewLedgerRecorder(f.db, stub, f.clock, 0)
	_, err := recorder.RecordOrder(ctx, order.Id)
	require.NoError(t, err)

	assert.Equal(t, int64(2), stub.last.ProducerId)
	assert.Equal(t, int64(100), stub.last.BuyerId)
	assert.Equal(t, "40.00", stub.last.Amount)
	assert.Equal(t, ref.PaymentCode, stub.last.CorrelationRef)
}

func TestRecordOrderFailurePersistsError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p := f.product(t, 1, "10.00", 10)
	order, _ := f.pendingOrder(t, 100, OrderLine{ProductId: p.Id, Quantity: 1})
	confirmWithoutSideEffects(t, f, order.Id)

	stub := &stubRecorder{result: chain.RecordResult{Success: false, Error: "nonce too low"}}
	result, err := NewLedgerRecorder(f.db, stub, f.clock, 0).RecordOrder(ctx, order.Id)
	require.NoError(t, err)
	assert.False(t, result.Success)

	reloaded := f.reload(t, order.Id)
	assert.False(t, reloaded.LedgerRecorded)
	require.NotNil(t, reloaded.LedgerError)
	assert.Equal(t, "nonce too low", *reloaded.LedgerError)
}

func TestRecordOrderMockNotPersisted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p := f.product(t, 1, "10.00", 10)
	order, _ := f.pendingOrder(t, 100, OrderLine{ProductId: p.Id, Quantity: 1})
	confirmWithoutSideEffects(t, f, order.Id)

	recorder := NewLedgerRecorder(f.db, chain.NewLedger(nil, time.Second), f.clock, 0)
	result, err := recorder.RecordOrder(ctx, order.Id)
	require.NoError(t, err)
	assert.True(t, result.IsMock)

	reloaded := f.reload(t, order.Id)
	assert.False(t, reloaded.LedgerRecorded)
	assert.Nil(t, reloaded.LedgerTxRef)
}

func TestRecordOrderRequiresConfirmedPayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p := f.product(t, 1, "10.00", 10)
	order, _ := f.pendingOrder(t, 100, OrderLine{ProductId: p.Id, Quantity: 1})

	_, err := f.services.Recorder.RecordOrder(ctx, order.Id)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	_, err = f.services.Recorder.RecordOrder(ctx, 999)
	assert.True(t, errors.Is(err, ErrOrderNotFound))
	assert.Equal(t, 0, f.notary.submits)
}

// gatedNotary 写入阻塞到 release 关闭，模拟等待打包
type gatedNotary struct {
	*memoryNotary
	entered chan struct{}
	release chan struct{}
}

func (g *gatedNotary) Submit(ctx context.Context, fact *chain.Fact) (*chain.Inclusion, error) {
	close(g.entered)
	<-g.release
	return g.memoryNotary.Submit(ctx, fact)
}

func TestRecordOrderConcurrentWithSweepWritesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p := f.product(t, 1, "10.00", 10)
	order, _ := f.pendingOrder(t, 100, OrderLine{ProductId: p.Id, Quantity: 1})
	confirmWithoutSideEffects(t, f, order.Id)

	notary := &gatedNotary{memoryNotary: newMemoryNotary(), entered: make(chan struct{}), release: make(chan struct{})}
	recorder := NewLedgerRecorder(f.db, chain.NewLedger(notary, time.Second), f.clock, time.Minute)

	type outcome struct {
		result chain.RecordResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := recorder.RecordOrder(ctx, order.Id)
		done <- outcome{result, err}
	}()

	<-notary.entered
	_, err := recorder.RecordOrder(ctx, order.Id)
	assert.ErrorIs(t, err, ErrLedgerWriteInProgress)

	close(notary.release)
	first := <-done
	require.NoError(t, first.err)
	assert.True(t, first.result.Success)
	assert.Equal(t, 1, notary.submits)

	reloaded := f.reload(t, order.Id)
	assert.True(t, reloaded.LedgerRecorded)
	assert.Nil(t, reloaded.LedgerLeaseUntil)
	assert.Equal(t, 1, reloaded.LedgerAttempts)

	again, err := recorder.RecordOrder(ctx, order.Id)
	require.NoError(t, err)
	assert.True(t, again.AlreadyRecorded)
	assert.Equal(t, 1, notary.submits)
}

func TestRecordOrderReclaimsExpiredLease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p := f.product(t, 1, "10.00", 10)
	order, _ := f.pendingOrder(t, 100, OrderLine{ProductId: p.Id, Quantity: 1})
	confirmWithoutSideEffects(t, f, order.Id)

	// 上一次写入中途崩溃，租约未释放
	leaseUntil := f.clock.Now().Add(time.Minute)
	require.NoError(t, f.db.Model(&model.OrderModel{}).Where("id = ?", order.Id).
		Update("ledger_lease_until", &leaseUntil).Error)

	recorder := NewLedgerRecorder(f.db, chain.NewLedger(f.notary, time.Second), f.clock, time.Minute)
	_, err := recorder.RecordOrder(ctx, order.Id)
	assert.ErrorIs(t, err, ErrLedgerWriteInProgress)
	assert.Zero(t, f.notary.submits)

	f.clock.Advance(2 * time.Minute)
	result, err := recorder.RecordOrder(ctx, order.Id)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 1, f.notary.submits)
	assert.True(t, f.reload(t, order.Id).LedgerRecorded)
}

func TestRecordOrderReleasesLeaseOnFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p := f.product(t, 1, "10.00", 10)
	order, _ := f.pendingOrder(t, 100, OrderLine{ProductId: p.Id, Quantity: 1})
	confirmWithoutSideEffects(t, f, order.Id)

	f.notary.failing[chain.OrderKey(order.Id)] = errors.New("replacement transaction underpriced")
	result, err := f.services.Recorder.RecordOrder(ctx, order.Id)
	require.NoError(t, err)
	assert.False(t, result.Success)

	reloaded := f.reload(t, order.Id)
	assert.Nil(t, reloaded.LedgerLeaseUntil)
	assert.Equal(t, 1, reloaded.LedgerAttempts)
	require.NotNil(t, reloaded.LedgerAttemptAt)

	// 失败后可立即重试
	delete(f.notary.failing, chain.OrderKey(order.Id))
	result, err = f.services.Recorder.RecordOrder(ctx, order.Id)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 2, f.reload(t, order.Id).LedgerAttempts)
}
