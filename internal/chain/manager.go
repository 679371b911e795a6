package chain

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/blues/payrecon/internal/config"
	"github.com/blues/payrecon/internal/logger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

// supportedChainTypes 支持的 EVM 链
var supportedChainTypes = map[string]bool{
	"ethereum": true,
	"polygon":  true,
	"bsc":      true,
	"arbitrum": true,
	"optimism": true,
}

// defaultRedialInterval 节点不可用时两次重连之间的最短间隔
const defaultRedialInterval = 30 * time.Second

// errNotaryConfig 存证合约配置错误，重连无法恢复
var errNotaryConfig = errors.New("invalid notary configuration")

// Manager 单链管理器
// 节点不可用时保持空客户端，账本写入降级为 mock，不影响支付流程；
// 之后的请求按间隔重新拨号，节点恢复后自动接入
type Manager struct {
	mu             sync.RWMutex
	client         *ethclient.Client
	notary         *NotaryContract
	config         config.ChainConfig
	lastDial       time.Time
	redialInterval time.Duration
	closed         bool
}

// NewManager 创建单链管理器
func NewManager(ctx context.Context, cfg config.ChainConfig) (*Manager, error) {
	manager := &Manager{config: cfg, redialInterval: defaultRedialInterval}

	if cfg.RpcUrl == "" {
		logger.Warn("No RPC URL configured, ledger runs in mock mode")
		return manager, nil
	}
	if !supportedChainTypes[cfg.ChainType] {
		return nil, fmt.Errorf("unsupported chain type %s, supported types: ethereum, polygon, bsc, arbitrum, optimism", cfg.ChainType)
	}
	if !common.IsHexAddress(cfg.NotaryAddress) {
		return nil, fmt.Errorf("%w: notary address %q", errNotaryConfig, cfg.NotaryAddress)
	}

	manager.mu.Lock()
	err := manager.connectLocked(ctx)
	manager.mu.Unlock()
	if errors.Is(err, errNotaryConfig) {
		return nil, err
	}
	if err != nil {
		logger.Warn("Ledger client unavailable, running in mock mode until the node is reachable: %v", err)
	}

	return manager, nil
}

// ensureClient 未连接时按间隔重新拨号
func (m *Manager) ensureClient(ctx context.Context) {
	m.mu.RLock()
	ready := m.client != nil || m.closed || m.config.RpcUrl == "" || time.Since(m.lastDial) < m.redialInterval
	m.mu.RUnlock()
	if ready {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client != nil || m.closed || time.Since(m.lastDial) < m.redialInterval {
		return
	}
	if err := m.connectLocked(ctx); err != nil {
		logger.Warn("Ledger reconnect failed: %v", err)
		return
	}
	logger.Info("Ledger node reachable again, leaving mock mode")
}

// connectLocked 拨号并初始化存证合约，调用方持有写锁
func (m *Manager) connectLocked(ctx context.Context) error {
	m.lastDial = time.Now()
	cfg := m.config
	logger.Info("Initializing chain client (type: %s, id: %d)", cfg.ChainType, cfg.ChainId)

	client, err := ethclient.DialContext(ctx, cfg.RpcUrl)
	if err != nil {
		return fmt.Errorf("failed to create %s client: %w", cfg.ChainType, err)
	}
	if _, err := client.BlockNumber(ctx); err != nil {
		client.Close()
		return fmt.Errorf("client connection test failed (%s): %w", cfg.ChainType, err)
	}

	notary, err := NewNotaryContract(client, cfg)
	if err != nil {
		client.Close()
		return fmt.Errorf("%w: %v", errNotaryConfig, err)
	}

	m.client = client
	m.notary = notary
	logger.Info("Notary contract ready at %s (writable: %t)", notary.GetAddress().Hex(), notary.Writable())
	return nil
}

// GetClient 获取客户端
func (m *Manager) GetClient() *ethclient.Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.client
}

// Resolve 获取存证后端，未连接时先尝试重连
func (m *Manager) Resolve(ctx context.Context) Notary {
	m.ensureClient(ctx)
	return m.Notary()
}

// Notary 获取存证后端，未连接时返回 nil
func (m *Manager) Notary() Notary {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.notary == nil {
		return nil
	}
	return m.notary
}

// GetConfig 获取链配置
func (m *Manager) GetConfig() config.ChainConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// ConnectionStatus 获取连接状态
func (m *Manager) ConnectionStatus(ctx context.Context) ConnectionStatus {
	m.ensureClient(ctx)

	m.mu.RLock()
	defer m.mu.RUnlock()

	status := ConnectionStatus{
		ChainType: m.config.ChainType,
		ChainId:   m.config.ChainId,
	}
	if m.client == nil {
		return status
	}

	latest, err := m.client.BlockNumber(ctx)
	if err != nil {
		logger.Warn("Ledger node unreachable: %v", err)
		return status
	}
	status.Connected = true
	status.LatestBlock = latest
	if m.notary != nil {
		status.Writable = m.notary.Writable()
		status.ContractAddress = m.notary.GetAddress().Hex()
	}
	return status
}

// Close 关闭管理器
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	if m.client != nil {
		m.client.Close()
		m.client = nil
		m.notary = nil
	}

	logger.Info("Chain manager closed")
	return nil
}
