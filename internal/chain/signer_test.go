package chain

import (
	"context"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// anvil 默认测试私钥，不含任何真实资金
const testKeyHex = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

type stubNonceSource struct {
	mu      sync.Mutex
	nonce   uint64
	fetches int
}

func (s *stubNonceSource) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches++
	return s.nonce, nil
}

func testTx() *types.DynamicFeeTx {
	to := common.HexToAddress("0x9999999999999999999999999999999999999999")
	return &types.DynamicFeeTx{To: &to, Gas: 21000}
}

func TestSignerAssignsMonotonicNonces(t *testing.T) {
	signer, err := NewSigner(testKeyHex, 31337)
	require.NoError(t, err)
	src := &stubNonceSource{nonce: 5}

	for want := uint64(5); want < 8; want++ {
		tx, err := signer.SignTx(context.Background(), src, testTx())
		require.NoError(t, err)
		assert.Equal(t, want, tx.Nonce())
	}
	// 初始同步只拉一次节点
	assert.Equal(t, 1, src.fetches)
}

func TestSignerResyncRefetchesNonce(t *testing.T) {
	signer, err := NewSigner(testKeyHex, 31337)
	require.NoError(t, err)
	src := &stubNonceSource{nonce: 5}

	tx, err := signer.SignTx(context.Background(), src, testTx())
	require.NoError(t, err)
	assert.Equal(t, uint64(5), tx.Nonce())

	// 提交失败后重新同步：节点上 nonce 没涨，下一笔必须复用 5
	signer.Resync()
	tx, err = signer.SignTx(context.Background(), src, testTx())
	require.NoError(t, err)
	assert.Equal(t, uint64(5), tx.Nonce())
	assert.Equal(t, 2, src.fetches)
}

func TestSignerConcurrentNoncesUnique(t *testing.T) {
	signer, err := NewSigner(testKeyHex, 31337)
	require.NoError(t, err)
	src := &stubNonceSource{}

	const n = 20
	nonces := make(chan uint64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tx, err := signer.SignTx(context.Background(), src, testTx())
			if err == nil {
				nonces <- tx.Nonce()
			}
		}()
	}
	wg.Wait()
	close(nonces)

	seen := make(map[uint64]bool)
	for nonce := range nonces {
		assert.False(t, seen[nonce], "nonce %d assigned twice", nonce)
		seen[nonce] = true
	}
	assert.Len(t, seen, n)
}

func TestInvalidKeyRejected(t *testing.T) {
	_, err := NewSigner("not-a-key", 1)
	assert.Error(t, err)
}

func TestKeystore(t *testing.T) {
	ks := NewKeystore()
	signer, err := NewSigner(testKeyHex, 1)
	require.NoError(t, err)
	ks.Register(signer)

	got, err := ks.Get(signer.Address())
	require.NoError(t, err)
	assert.Equal(t, signer, got)

	_, err = ks.Get(common.HexToAddress("0x1111111111111111111111111111111111111111"))
	assert.Error(t, err)
}
