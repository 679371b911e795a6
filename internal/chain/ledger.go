package chain

import (
	"context"
	"fmt"
	"time"

	"github.com/blues/payrecon/internal/logger"
	"github.com/ethereum/go-ethereum/common"
)

// Notary 账本存证后端
type Notary interface {
	Connected(ctx context.Context) bool
	Writable() bool
	Lookup(ctx context.Context, orderKey common.Hash) (*Fact, error)
	Submit(ctx context.Context, fact *Fact) (*Inclusion, error)
}

// Fact 链上存证内容
type Fact struct {
	OrderKey       common.Hash    `json:"orderKey"`
	CorrelationRef string         `json:"correlationRef"`
	Amount         string         `json:"amount"`
	Buyer          common.Address `json:"buyer"`
	Producer       common.Address `json:"producer"`
	FactHash       common.Hash    `json:"factHash"`
	RecordedAt     uint64         `json:"recordedAt"`
}

// Inclusion 交易打包信息
type Inclusion struct {
	TxHash      string `json:"txHash"`
	BlockNumber uint64 `json:"blockNumber"`
	BlockHash   string `json:"blockHash"`
}

// FactRequest 存证请求
type FactRequest struct {
	OrderId        int64
	CorrelationRef string
	Amount         string
	BuyerId        int64
	ProducerId     int64
}

// RecordResult 存证结果，失败不会以 error 形式返回
type RecordResult struct {
	Success         bool   `json:"success"`
	AlreadyRecorded bool   `json:"alreadyRecorded,omitempty"`
	IsMock          bool   `json:"isMock,omitempty"`
	TxHash          string `json:"txHash,omitempty"`
	BlockNumber     uint64 `json:"blockNumber,omitempty"`
	FactHash        string `json:"factHash,omitempty"`
	Error           string `json:"error,omitempty"`
}

// Verification 存证查询结果
type Verification struct {
	Exists bool  `json:"exists"`
	Fact   *Fact `json:"fact,omitempty"`
}

// ConnectionStatus 账本连接状态
type ConnectionStatus struct {
	Connected       bool   `json:"connected"`
	Writable        bool   `json:"writable"`
	ChainType       string `json:"chainType,omitempty"`
	ChainId         int64  `json:"chainId,omitempty"`
	LatestBlock     uint64 `json:"latestBlock,omitempty"`
	ContractAddress string `json:"contractAddress,omitempty"`
}

// Ledger 账本客户端，尽力而为地对已确认支付做存证
type Ledger struct {
	resolve        func(ctx context.Context) Notary
	confirmTimeout time.Duration
	status         func(ctx context.Context) ConnectionStatus
}

// NewLedger 创建账本客户端，notary 为 nil 时所有写入返回 mock 结果
func NewLedger(notary Notary, confirmTimeout time.Duration) *Ledger {
	if confirmTimeout <= 0 {
		confirmTimeout = 2 * time.Minute
	}
	return &Ledger{
		resolve:        func(context.Context) Notary { return notary },
		confirmTimeout: confirmTimeout,
	}
}

// NewLedgerFromManager 基于链管理器创建账本客户端，每次请求都向管理器取存证后端
// 启动时节点不可用的情况下，节点恢复后无需重启即可写入
func NewLedgerFromManager(m *Manager) *Ledger {
	l := NewLedger(nil, m.GetConfig().ConfirmTimeoutDuration())
	l.resolve = m.Resolve
	l.status = m.ConnectionStatus
	return l
}

func (l *Ledger) notary(ctx context.Context) Notary {
	if l.resolve == nil {
		return nil
	}
	return l.resolve(ctx)
}

// ConnectionStatus 获取连接状态
func (l *Ledger) ConnectionStatus(ctx context.Context) ConnectionStatus {
	if l.status != nil {
		return l.status(ctx)
	}
	notary := l.notary(ctx)
	if notary == nil {
		return ConnectionStatus{}
	}
	return ConnectionStatus{
		Connected: notary.Connected(ctx),
		Writable:  notary.Writable(),
	}
}

// VerifyFact 查询订单是否已存证
func (l *Ledger) VerifyFact(ctx context.Context, orderId int64) (*Verification, error) {
	notary := l.notary(ctx)
	if notary == nil {
		return nil, fmt.Errorf("ledger not configured")
	}
	return verify(ctx, notary, orderId)
}

func verify(ctx context.Context, notary Notary, orderId int64) (*Verification, error) {
	fact, err := notary.Lookup(ctx, OrderKey(orderId))
	if err != nil {
		return nil, err
	}
	if fact == nil {
		return &Verification{Exists: false}, nil
	}
	return &Verification{Exists: true, Fact: fact}, nil
}

// RecordFact 先查询再写入，避免记录器自身被重复调用时产生两笔交易
func (l *Ledger) RecordFact(ctx context.Context, req FactRequest) RecordResult {
	buyer := DeriveIdentity(req.BuyerId)
	producer := DeriveIdentity(req.ProducerId)
	factHash := FactHash(req.OrderId, req.CorrelationRef, req.Amount, buyer, producer)

	notary := l.notary(ctx)
	if notary == nil || !notary.Connected(ctx) {
		logger.Warn("Ledger unavailable, returning mock record for order %d", req.OrderId)
		return mockResult(factHash)
	}

	verification, err := verify(ctx, notary, req.OrderId)
	if err != nil {
		return RecordResult{Success: false, FactHash: factHash.Hex(), Error: fmt.Sprintf("verify failed: %v", err)}
	}
	if verification.Exists {
		if verification.Fact.FactHash != factHash {
			logger.Warn("Ledger fact for order %d differs from payment: recorded %s, expected %s",
				req.OrderId, verification.Fact.FactHash.Hex(), factHash.Hex())
			return RecordResult{
				Success:  false,
				FactHash: factHash.Hex(),
				Error:    fmt.Sprintf("fact hash mismatch: ledger has %s", verification.Fact.FactHash.Hex()),
			}
		}
		logger.Info("Ledger fact for order %d already recorded", req.OrderId)
		return RecordResult{
			Success:         true,
			AlreadyRecorded: true,
			FactHash:        verification.Fact.FactHash.Hex(),
		}
	}

	if !notary.Writable() {
		logger.Warn("Ledger is read-only, returning mock record for order %d", req.OrderId)
		return mockResult(factHash)
	}

	writeCtx, cancel := context.WithTimeout(ctx, l.confirmTimeout)
	defer cancel()

	inclusion, err := notary.Submit(writeCtx, &Fact{
		OrderKey:       OrderKey(req.OrderId),
		CorrelationRef: req.CorrelationRef,
		Amount:         req.Amount,
		Buyer:          buyer,
		Producer:       producer,
		FactHash:       factHash,
	})
	if err != nil {
		return RecordResult{Success: false, FactHash: factHash.Hex(), Error: err.Error()}
	}

	logger.Info("Recorded ledger fact for order %d in block %d (tx %s)", req.OrderId, inclusion.BlockNumber, inclusion.TxHash)
	return RecordResult{
		Success:     true,
		TxHash:      inclusion.TxHash,
		BlockNumber: inclusion.BlockNumber,
		FactHash:    factHash.Hex(),
	}
}

// mockResult 占位结果，调用方据 IsMock 判断未真正上链
func mockResult(factHash common.Hash) RecordResult {
	return RecordResult{
		Success:  true,
		IsMock:   true,
		TxHash:   "mock-" + factHash.Hex()[2:18],
		FactHash: factHash.Hex(),
	}
}
