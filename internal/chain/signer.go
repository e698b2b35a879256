package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// NonceSource 提供签名地址的下一个可用 nonce（通常是节点的 PendingNonceAt）
type NonceSource interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// Signer 持有一把签名私钥，串行分配 nonce。
// 同一把钥匙的所有交易都经过这里，保证 nonce 单调不重复。
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
	chainID *big.Int

	mu        sync.Mutex
	nextNonce uint64
	synced    bool
}

func NewSigner(keyHex string, chainID int64) (*Signer, error) {
	key, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid signing key: %w", err)
	}
	return &Signer{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		chainID: big.NewInt(chainID),
	}, nil
}

func (s *Signer) Address() common.Address {
	return s.address
}

// SignTx 取下一个 nonce 并签名。调用方提交失败后必须调 Resync，
// 否则本地 nonce 会和链上脱节。
func (s *Signer) SignTx(ctx context.Context, src NonceSource, tx *types.DynamicFeeTx) (*types.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.synced {
		nonce, err := src.PendingNonceAt(ctx, s.address)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch pending nonce: %w", err)
		}
		s.nextNonce = nonce
		s.synced = true
	}

	tx.Nonce = s.nextNonce
	tx.ChainID = s.chainID

	signed, err := types.SignNewTx(s.key, types.LatestSignerForChainID(s.chainID), tx)
	if err != nil {
		return nil, fmt.Errorf("failed to sign tx: %w", err)
	}

	s.nextNonce++
	return signed, nil
}

// Resync 丢弃本地 nonce 计数，下次签名前重新从节点拉取。
// 提交失败（尤其 nonce 冲突）后调用。
func (s *Signer) Resync() {
	s.mu.Lock()
	s.synced = false
	s.mu.Unlock()
}

// Keystore 地址到签名器的映射。托管模式下客户端的钥匙也由服务端保管。
type Keystore struct {
	mu      sync.RWMutex
	signers map[common.Address]*Signer
}

func NewKeystore() *Keystore {
	return &Keystore{signers: make(map[common.Address]*Signer)}
}

func (k *Keystore) Register(s *Signer) {
	k.mu.Lock()
	k.signers[s.Address()] = s
	k.mu.Unlock()
}

// Get 返回地址对应的签名器，没有则报错
func (k *Keystore) Get(address common.Address) (*Signer, error) {
	k.mu.RLock()
	s, ok := k.signers[address]
	k.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no signing key for address %s", address.Hex())
	}
	return s, nil
}
