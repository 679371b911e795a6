package logic

import (
	"context"
	"errors"
	"fmt"

	"github.com/blues/payrecon/internal/logger"
	"github.com/blues/payrecon/internal/model"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

// SweepResult 一次对账的处理结果
type SweepResult struct {
	Scheduled      int `json:"scheduled"`      // 补排期的订单数
	ScheduleErrors int `json:"scheduleErrors"` // 补排期失败的订单数
	Recorded       int `json:"recorded"`       // 完成存证的订单数
	Mocked         int `json:"mocked"`         // 账本不可用，返回 mock 的订单数
	LedgerErrors   int `json:"ledgerErrors"`   // 存证失败的订单数
	InFlight       int `json:"inFlight"`       // 已有写入在进行、本轮跳过的订单数
}

// Sweeper 对账补偿任务
// 扫描已确认但未完成分批或存证的订单，使用与回调相同的幂等步骤重试
type Sweeper struct {
	db       *gorm.DB
	batcher  *PayoutBatcher
	recorder *LedgerRecorder
	limiter  *rate.Limiter
	batch    int
}

// NewSweeper 创建对账任务，ledgerRPS 限制每秒存证写入次数
func NewSweeper(db *gorm.DB, batcher *PayoutBatcher, recorder *LedgerRecorder, ledgerRPS float64, batch int) *Sweeper {
	if batch <= 0 {
		batch = 100
	}
	limit := rate.Inf
	if ledgerRPS > 0 {
		limit = rate.Limit(ledgerRPS)
	}
	return &Sweeper{
		db:       db,
		batcher:  batcher,
		recorder: recorder,
		limiter:  rate.NewLimiter(limit, 1),
		batch:    batch,
	}
}

// Run 执行一次对账
func (s *Sweeper) Run(ctx context.Context) (*SweepResult, error) {
	result := &SweepResult{}

	unscheduled, err := s.ordersWithPendingSplits(ctx)
	if err != nil {
		return nil, err
	}
	for _, orderId := range unscheduled {
		if _, err := s.batcher.ScheduleOrder(ctx, orderId); err != nil {
			logger.Warn("Sweep failed to schedule payouts for order %d: %v", orderId, err)
			s.markScheduleAttempt(ctx, orderId)
			result.ScheduleErrors++
			continue
		}
		result.Scheduled++
	}

	unrecorded, err := s.ordersWithoutLedgerRecord(ctx)
	if err != nil {
		return nil, err
	}
	for _, orderId := range unrecorded {
		if err := s.limiter.Wait(ctx); err != nil {
			return result, err
		}
		record, err := s.recorder.RecordOrder(ctx, orderId)
		switch {
		case errors.Is(err, ErrLedgerWriteInProgress):
			result.InFlight++
		case err != nil || !record.Success:
			result.LedgerErrors++
		case record.IsMock:
			result.Mocked++
		default:
			result.Recorded++
		}
	}

	if result.Scheduled+result.ScheduleErrors+result.Recorded+result.Mocked+result.LedgerErrors+result.InFlight > 0 {
		logger.Info("Sweep finished: scheduled %d (errors %d), recorded %d, mocked %d, ledger errors %d, in flight %d",
			result.Scheduled, result.ScheduleErrors, result.Recorded, result.Mocked, result.LedgerErrors, result.InFlight)
	}
	return result, nil
}

// ordersWithPendingSplits 从未失败过的订单优先，其余按上次失败时间轮转
func (s *Sweeper) ordersWithPendingSplits(ctx context.Context) ([]int64, error) {
	var ids []int64
	if err := s.db.WithContext(ctx).
		Model(&model.OrderModel{}).
		Where("payment_status = ?", model.PaymentStatusConfirmed).
		Where("EXISTS (SELECT 1 FROM order_producer_split WHERE order_producer_split.order_id = orders.id AND order_producer_split.payout_status = ?)",
			model.SplitPayoutStatusPending).
		Order("payout_attempt_at IS NOT NULL, payout_attempt_at ASC, id ASC").
		Limit(s.batch).
		Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("查询待排期订单失败: %w", err)
	}
	return ids, nil
}

// ordersWithoutLedgerRecord 跳过租约未过期的订单，按上次尝试时间轮转
func (s *Sweeper) ordersWithoutLedgerRecord(ctx context.Context) ([]int64, error) {
	var ids []int64
	if err := s.db.WithContext(ctx).
		Model(&model.OrderModel{}).
		Where("payment_status = ? AND ledger_recorded = ?", model.PaymentStatusConfirmed, false).
		Where("(ledger_lease_until IS NULL OR ledger_lease_until < ?)", s.recorder.clock.Now()).
		Order("ledger_attempt_at IS NOT NULL, ledger_attempt_at ASC, id ASC").
		Limit(s.batch).
		Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("查询待存证订单失败: %w", err)
	}
	return ids, nil
}

func (s *Sweeper) markScheduleAttempt(ctx context.Context, orderId int64) {
	now := s.recorder.clock.Now()
	if err := s.db.WithContext(ctx).Model(&model.OrderModel{}).
		Where("id = ?", orderId).
		Updates(map[string]interface{}{
			"payout_attempt_at": &now,
			"payout_attempts":   gorm.Expr("payout_attempts + 1"),
		}).Error; err != nil {
		logger.Error("Failed to record payout scheduling attempt for order %d: %v", orderId, err)
	}
}
