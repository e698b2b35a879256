package chain

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubBackend struct {
	mu          sync.Mutex
	sendErr     error
	receipt     *types.Receipt
	receiptErr  error
	receiptLagN int // 前 N 次查询返回 NotFound
	callResult  []byte
	sent        []*types.Transaction
}

func (s *stubBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, tx)
	return nil
}

func (s *stubBackend) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.receiptLagN > 0 {
		s.receiptLagN--
		return nil, ethereum.NotFound
	}
	if s.receiptErr != nil {
		return nil, s.receiptErr
	}
	if s.receipt == nil {
		return nil, ethereum.NotFound
	}
	return s.receipt, nil
}

func (s *stubBackend) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	if s.callResult != nil {
		return s.callResult, nil
	}
	return nil, errors.New("not implemented")
}

func (s *stubBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return 0, nil
}

func (s *stubBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func newTestClient(t *testing.T, backend *stubBackend) *Client {
	t.Helper()
	admin, err := NewSigner(testKeyHex, 31337)
	require.NoError(t, err)
	return &Client{
		backend:        backend,
		contract:       common.HexToAddress("0x9999999999999999999999999999999999999999"),
		admin:          admin,
		keystore:       NewKeystore(),
		gasLimit:       300_000,
		confirmTimeout: 200 * time.Millisecond,
		pollInterval:   10 * time.Millisecond,
		logger:         zap.NewNop(),
	}
}

func TestSubmitRefundConfirmed(t *testing.T) {
	backend := &stubBackend{
		receipt:     &types.Receipt{Status: types.ReceiptStatusSuccessful},
		receiptLagN: 2, // 先等两轮才出回执
	}
	client := newTestClient(t, backend)

	res, err := client.SubmitRefund(context.Background(), 7, 0)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, res.Status)
	assert.Len(t, backend.sent, 1)
}

func TestSubmitRefundReverted(t *testing.T) {
	backend := &stubBackend{receipt: &types.Receipt{Status: types.ReceiptStatusFailed}}
	client := newTestClient(t, backend)

	res, err := client.SubmitRefund(context.Background(), 7, 0)
	require.NoError(t, err)
	assert.Equal(t, StatusReverted, res.Status)
}

func TestSubmitTimesOutAsIndeterminate(t *testing.T) {
	backend := &stubBackend{} // 永远没有回执
	client := newTestClient(t, backend)

	res, err := client.SubmitRefund(context.Background(), 7, 0)
	require.NoError(t, err)
	assert.Equal(t, StatusIndeterminate, res.Status)
	assert.NotEqual(t, common.Hash{}, res.Hash)
}

func TestSubmitRejectedClassification(t *testing.T) {
	backend := &stubBackend{sendErr: errors.New("execution reverted: milestone not funded")}
	client := newTestClient(t, backend)

	_, err := client.SubmitRefund(context.Background(), 7, 0)
	require.ErrorIs(t, err, ErrRejected)
}

func TestSubmitInsufficientFunds(t *testing.T) {
	backend := &stubBackend{sendErr: errors.New("insufficient funds for gas * price + value")}
	client := newTestClient(t, backend)

	_, err := client.SubmitRefund(context.Background(), 7, 0)
	require.ErrorIs(t, err, ErrInsufficientFunds)
}

func TestSubmitFundRequiresCustodialKey(t *testing.T) {
	client := newTestClient(t, &stubBackend{})

	// keystore 里没有这个地址的钥匙
	_, err := client.SubmitFund(context.Background(),
		common.HexToAddress("0x1111111111111111111111111111111111111111"), 7, 0, big.NewInt(1))
	assert.Error(t, err)
}

// 管理员地址放款不需要托管钥匙，直接用管理员签名器
func TestSubmitReleaseAdminFallback(t *testing.T) {
	backend := &stubBackend{receipt: &types.Receipt{Status: types.ReceiptStatusSuccessful}}
	client := newTestClient(t, backend)

	res, err := client.SubmitRelease(context.Background(), client.admin.Address(), 7, 0)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, res.Status)
	assert.Len(t, backend.sent, 1)
}

// 启动探活用的计数器读数走通完整的 pack/call/unpack 路径
func TestReadProjectCounter(t *testing.T) {
	out, err := escrowABI.Methods["nextProjectId"].Outputs.Pack(big.NewInt(5))
	require.NoError(t, err)
	client := newTestClient(t, &stubBackend{callResult: out})

	counter, err := client.ReadProjectCounter(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(5), counter)
}

func TestConfirmedReceiptNotFoundIsNil(t *testing.T) {
	client := newTestClient(t, &stubBackend{})

	receipt, err := client.ConfirmedReceipt(context.Background(), "0xdeadbeef")
	require.NoError(t, err)
	assert.Nil(t, receipt)
}
