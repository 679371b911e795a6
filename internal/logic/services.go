package logic

import (
	"time"

	"github.com/blues/payrecon/internal/config"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Services 业务服务集合，依赖全部显式注入
type Services struct {
	Orders     *OrderLogic
	Intents    *PaymentIntentLogic
	Machine    *StateMachine
	Splitter   *RevenueSplitter
	Batcher    *PayoutBatcher
	Recorder   *LedgerRecorder
	Outbox     *Outbox
	Reconciler *Reconciler
	Sweeper    *Sweeper
}

// NewServices 根据配置组装业务服务
func NewServices(db *gorm.DB, cfg *config.Config, ledger FactRecorder, runner TaskRunner, clock Clock) *Services {
	if clock == nil {
		clock = SystemClock
	}

	outbox := NewOutbox(db, clock, DefaultOutboxMaxAttempts)
	machine := NewStateMachine(clock)
	splitter := NewRevenueSplitter(decimal.NewFromFloat(cfg.Revenue.CommissionRate))
	schedule := PayoutSchedule{
		Weekday:  cfg.Payout.ParseWeekday(),
		Hour:     cfg.Payout.Hour,
		Minute:   cfg.Payout.Minute,
		Location: cfg.Payout.Location(),
	}
	batcher := NewPayoutBatcher(db, schedule, clock, outbox)
	recorder := NewLedgerRecorder(db, ledger, clock, cfg.Chain.ConfirmTimeoutDuration()+time.Minute)

	reconciler := NewReconciler(db, ReconcilerOptions{
		Gateway: cfg.Webhook.Gateway,
		Secret:  []byte(cfg.Webhook.Secret),
	}, machine, outbox, batcher, recorder, runner, clock)

	return &Services{
		Orders:     NewOrderLogic(db, machine, splitter, outbox),
		Intents:    NewPaymentIntentLogic(db, clock),
		Machine:    machine,
		Splitter:   splitter,
		Batcher:    batcher,
		Recorder:   recorder,
		Outbox:     outbox,
		Reconciler: reconciler,
		Sweeper:    NewSweeper(db, batcher, recorder, cfg.Task.LedgerRPS, cfg.Task.SweepBatch),
	}
}
