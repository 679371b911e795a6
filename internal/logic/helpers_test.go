package logic

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/blues/payrecon/internal/chain"
	"github.com/blues/payrecon/internal/config"
	"github.com/blues/payrecon/internal/database"
	"github.com/blues/payrecon/internal/model"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const testSecret = "webhook-test-secret"

// testNow 周三，下一个打款日为 2024-05-17 10:00 UTC
var testNow = time.Date(2024, 5, 15, 9, 30, 0, 0, time.UTC)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), database.GormConfig())
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, database.Migrate(db))
	return db
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// memoryNotary 内存存证后端
type memoryNotary struct {
	facts   map[common.Hash]*chain.Fact
	failing map[common.Hash]error
	submits int
}

func newMemoryNotary() *memoryNotary {
	return &memoryNotary{facts: map[common.Hash]*chain.Fact{}, failing: map[common.Hash]error{}}
}

func (m *memoryNotary) Connected(context.Context) bool { return true }

func (m *memoryNotary) Writable() bool { return true }

func (m *memoryNotary) Lookup(_ context.Context, key common.Hash) (*chain.Fact, error) {
	return m.facts[key], nil
}

func (m *memoryNotary) Submit(_ context.Context, fact *chain.Fact) (*chain.Inclusion, error) {
	if err := m.failing[fact.OrderKey]; err != nil {
		return nil, err
	}
	m.submits++
	stored := *fact
	m.facts[fact.OrderKey] = &stored
	return &chain.Inclusion{TxHash: fmt.Sprintf("0xtx%d", m.submits), BlockNumber: uint64(m.submits)}, nil
}

type fixture struct {
	db       *gorm.DB
	clock    *FixedClock
	notary   *memoryNotary
	services *Services
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db := newTestDB(t)
	cfg := config.Default()
	cfg.Webhook.Secret = testSecret

	clock := &FixedClock{T: testNow}
	notary := newMemoryNotary()
	ledger := chain.NewLedger(notary, time.Second)

	return &fixture{
		db:       db,
		clock:    clock,
		notary:   notary,
		services: NewServices(db, cfg, ledger, SyncRunner{}, clock),
	}
}

func (f *fixture) product(t *testing.T, producerId int64, price string, qty int) model.ProductModel {
	t.Helper()
	p := model.ProductModel{
		ProducerId:        producerId,
		Name:              fmt.Sprintf("product-of-%d", producerId),
		Price:             dec(price),
		QuantityAvailable: qty,
	}
	require.NoError(t, f.db.Create(&p).Error)
	return p
}

// pendingOrder 下单并生成支付关联码
func (f *fixture) pendingOrder(t *testing.T, buyerId int64, lines ...OrderLine) (*model.OrderModel, *model.PaymentReferenceModel) {
	t.Helper()
	ctx := context.Background()

	order, err := f.services.Orders.CreateOrder(ctx, buyerId, "USD", lines)
	require.NoError(t, err)
	ref, err := f.services.Intents.CreatePaymentReference(ctx, order.Id)
	require.NoError(t, err)
	return order, ref
}

func (f *fixture) reload(t *testing.T, orderId int64) model.OrderModel {
	t.Helper()
	var order model.OrderModel
	require.NoError(t, f.db.First(&order, orderId).Error)
	return order
}

func signedBody(t *testing.T, payload WebhookPayload) ([]byte, string) {
	t.Helper()
	body := []byte(fmt.Sprintf(`{"correlationRef":%q,"gatewayTransactionId":%q,"status":%q,"currency":%q,"amount":%q}`,
		payload.CorrelationRef, payload.GatewayTransactionId, payload.Status, payload.Currency, payload.Amount.StringFixed(2)))
	return body, SignPayload([]byte(testSecret), body)
}
