package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/blues/payrecon/internal/config"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newRPCNode 只应答 eth_blockNumber 的节点，up 为 false 时返回 503
func newRPCNode(t *testing.T, up *atomic.Bool) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !up.Load() {
			http.Error(w, "node unavailable", http.StatusServiceUnavailable)
			return
		}
		var req struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"result":"0x10"}`, req.ID)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestManagerMockModeWithoutRPC(t *testing.T) {
	m, err := NewManager(context.Background(), config.ChainConfig{ChainType: "ethereum"})
	require.NoError(t, err)
	assert.Nil(t, m.Resolve(context.Background()))
	assert.False(t, m.ConnectionStatus(context.Background()).Connected)
}

func TestManagerRejectsInvalidConfig(t *testing.T) {
	_, err := NewManager(context.Background(), config.ChainConfig{ChainType: "solana", RpcUrl: "http://127.0.0.1:1"})
	assert.Error(t, err)

	_, err = NewManager(context.Background(), config.ChainConfig{ChainType: "ethereum", RpcUrl: "http://127.0.0.1:1", NotaryAddress: "nope"})
	assert.ErrorIs(t, err, errNotaryConfig)
}

func TestManagerReconnectsAfterStartupOutage(t *testing.T) {
	var up atomic.Bool
	node := newRPCNode(t, &up)
	ctx := context.Background()

	m, err := NewManager(ctx, config.ChainConfig{
		ChainType:      "ethereum",
		ChainId:        1,
		RpcUrl:         node.URL,
		NotaryAddress:  "0x00000000000000000000000000000000000000aa",
		ConfirmTimeout: 1,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	m.redialInterval = 0

	ledger := NewLedgerFromManager(m)
	assert.Nil(t, m.Resolve(ctx))
	assert.False(t, ledger.ConnectionStatus(ctx).Connected)
	assert.True(t, ledger.RecordFact(ctx, sampleRequest()).IsMock)

	up.Store(true)

	notary := m.Resolve(ctx)
	require.NotNil(t, notary)
	assert.False(t, notary.Writable())

	status := ledger.ConnectionStatus(ctx)
	assert.True(t, status.Connected)
	assert.Equal(t, uint64(16), status.LatestBlock)
	assert.Equal(t, common.HexToAddress("0x00000000000000000000000000000000000000aa").Hex(), status.ContractAddress)
}
