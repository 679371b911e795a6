package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/blues/payrecon/internal/config"
	"github.com/blues/payrecon/internal/logger"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// 支付存证合约ABI
const notaryABI = `[
	{
		"inputs": [
			{"name": "orderKey", "type": "bytes32"},
			{"name": "paymentRef", "type": "string"},
			{"name": "amount", "type": "string"},
			{"name": "buyer", "type": "address"},
			{"name": "producer", "type": "address"},
			{"name": "factHash", "type": "bytes32"}
		],
		"name": "recordPayment",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [
			{"name": "orderKey", "type": "bytes32"}
		],
		"name": "getPayment",
		"outputs": [
			{"name": "exists", "type": "bool"},
			{"name": "paymentRef", "type": "string"},
			{"name": "amount", "type": "string"},
			{"name": "buyer", "type": "address"},
			{"name": "producer", "type": "address"},
			{"name": "factHash", "type": "bytes32"},
			{"name": "recordedAt", "type": "uint256"}
		],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "name": "orderKey", "type": "bytes32"},
			{"indexed": false, "name": "factHash", "type": "bytes32"},
			{"indexed": false, "name": "buyer", "type": "address"},
			{"indexed": false, "name": "producer", "type": "address"}
		],
		"name": "PaymentRecorded",
		"type": "event"
	}
]`

// NotaryContract 存证合约包装器，实现 Notary
type NotaryContract struct {
	client           *ethclient.Client
	contract         *bind.BoundContract
	address          common.Address
	abi              abi.ABI
	privateKey       *ecdsa.PrivateKey
	chainId          *big.Int
	feeMarginPercent int64
	gasLimit         uint64
}

// NewNotaryContract 创建存证合约实例，未配置私钥时只读
func NewNotaryContract(client *ethclient.Client, cfg config.ChainConfig) (*NotaryContract, error) {
	if !common.IsHexAddress(cfg.NotaryAddress) {
		return nil, fmt.Errorf("invalid notary contract address: %q", cfg.NotaryAddress)
	}

	parsedABI, err := abi.JSON(strings.NewReader(notaryABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse notary ABI: %w", err)
	}

	var privateKey *ecdsa.PrivateKey
	if cfg.PrivateKey != "" {
		privateKey, err = crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
	}

	address := common.HexToAddress(cfg.NotaryAddress)
	return &NotaryContract{
		client:           client,
		contract:         bind.NewBoundContract(address, parsedABI, client, client, client),
		address:          address,
		abi:              parsedABI,
		privateKey:       privateKey,
		chainId:          big.NewInt(cfg.ChainId),
		feeMarginPercent: cfg.FeeMarginPercent,
		gasLimit:         cfg.GasLimit,
	}, nil
}

// GetAddress 获取合约地址
func (n *NotaryContract) GetAddress() common.Address {
	return n.address
}

// Connected 节点是否可用
func (n *NotaryContract) Connected(ctx context.Context) bool {
	_, err := n.client.BlockNumber(ctx)
	return err == nil
}

// Writable 是否具备写入权限
func (n *NotaryContract) Writable() bool {
	return n.privateKey != nil
}

// Lookup 查询订单存证，不存在时返回 nil
func (n *NotaryContract) Lookup(ctx context.Context, orderKey common.Hash) (*Fact, error) {
	var out []interface{}
	if err := n.contract.Call(&bind.CallOpts{Context: ctx}, &out, "getPayment", [32]byte(orderKey)); err != nil {
		return nil, fmt.Errorf("getPayment call failed: %w", err)
	}
	if len(out) != 7 {
		return nil, fmt.Errorf("unexpected getPayment output length %d", len(out))
	}

	exists := *abi.ConvertType(out[0], new(bool)).(*bool)
	if !exists {
		return nil, nil
	}

	recordedAt := *abi.ConvertType(out[6], new(*big.Int)).(**big.Int)
	return &Fact{
		OrderKey:       orderKey,
		CorrelationRef: *abi.ConvertType(out[1], new(string)).(*string),
		Amount:         *abi.ConvertType(out[2], new(string)).(*string),
		Buyer:          *abi.ConvertType(out[3], new(common.Address)).(*common.Address),
		Producer:       *abi.ConvertType(out[4], new(common.Address)).(*common.Address),
		FactHash:       common.Hash(*abi.ConvertType(out[5], new([32]byte)).(*[32]byte)),
		RecordedAt:     recordedAt.Uint64(),
	}, nil
}

// Submit 写入存证并阻塞等待打包，ctx 控制最长等待时间
func (n *NotaryContract) Submit(ctx context.Context, fact *Fact) (*Inclusion, error) {
	if n.privateKey == nil {
		return nil, errors.New("notary is read-only: no private key configured")
	}

	baseline, err := n.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get gas price: %w", err)
	}

	auth, err := bind.NewKeyedTransactorWithChainID(n.privateKey, n.chainId)
	if err != nil {
		return nil, fmt.Errorf("failed to create transactor: %w", err)
	}
	auth.Context = ctx
	auth.GasPrice = WithSafetyMargin(baseline, n.feeMarginPercent)
	auth.GasLimit = n.gasLimit

	tx, err := n.contract.Transact(auth, "recordPayment",
		[32]byte(fact.OrderKey),
		fact.CorrelationRef,
		fact.Amount,
		fact.Buyer,
		fact.Producer,
		[32]byte(fact.FactHash),
	)
	if err != nil {
		return nil, fmt.Errorf("recordPayment transaction failed: %w", err)
	}
	logger.Info("Submitted ledger fact for key %s, tx %s, gas price %s", fact.OrderKey.Hex(), tx.Hash().Hex(), auth.GasPrice.String())

	receipt, err := bind.WaitMined(ctx, n.client, tx)
	if err != nil {
		return nil, fmt.Errorf("waiting for tx %s: %w", tx.Hash().Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, fmt.Errorf("tx %s reverted in block %d", tx.Hash().Hex(), receipt.BlockNumber.Uint64())
	}
	if !n.hasRecordedEvent(receipt, fact.OrderKey) {
		logger.Warn("Tx %s mined without PaymentRecorded event for key %s", tx.Hash().Hex(), fact.OrderKey.Hex())
	}

	return &Inclusion{
		TxHash:      tx.Hash().Hex(),
		BlockNumber: receipt.BlockNumber.Uint64(),
		BlockHash:   receipt.BlockHash.Hex(),
	}, nil
}

// hasRecordedEvent 检查回执中是否包含对应订单的存证事件
func (n *NotaryContract) hasRecordedEvent(receipt *types.Receipt, orderKey common.Hash) bool {
	eventID := n.abi.Events["PaymentRecorded"].ID
	for _, log := range receipt.Logs {
		if log.Address != n.address || len(log.Topics) < 2 {
			continue
		}
		if log.Topics[0] == eventID && log.Topics[1] == orderKey {
			return true
		}
	}
	return false
}
