package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"gigvault/config"
	"gigvault/internal/model"
	"gigvault/pkg/metrics"
	"gigvault/pkg/otel"
	"gigvault/pkg/util"
)

// ConfirmStatus 一笔交易观察到的最终结果
type ConfirmStatus string

const (
	StatusConfirmed ConfirmStatus = "confirmed"
	StatusReverted  ConfirmStatus = "reverted"
	// StatusIndeterminate 确认窗口内没等到回执。交易可能仍会上链，
	// 调用方只能标记待对账，绝不能当作失败重试。
	StatusIndeterminate ConfirmStatus = "indeterminate"
)

// ErrInsufficientFunds 签名账户余额不足，节点在提交时就拒绝了
var ErrInsufficientFunds = errors.New("signing account has insufficient funds")

// ErrRejected 节点或合约拒绝了交易（确定性失败，链上无变更）
var ErrRejected = errors.New("transaction rejected")

// TxResult 提交并等待确认后的结果
type TxResult struct {
	Hash    common.Hash
	Status  ConfirmStatus
	Receipt *types.Receipt
}

// Backend 对节点的最小依赖面，*ethclient.Client 天然满足
type Backend interface {
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
}

var _ Backend = (*ethclient.Client)(nil)

// Client 托管合约的唯一出入口。创建和退款只允许管理员钥匙签名，
// 注资和放款用托管的用户钥匙。
type Client struct {
	backend        Backend
	contract       common.Address
	admin          *Signer
	keystore       *Keystore
	gasLimit       uint64
	confirmTimeout time.Duration
	pollInterval   time.Duration
	logger         *zap.Logger
}

func NewClient(cfg *config.Config, backend Backend, keystore *Keystore, logger *zap.Logger) (*Client, error) {
	admin, err := NewSigner(cfg.Chain.AdminKeyHex, cfg.Chain.ChainID)
	if err != nil {
		return nil, fmt.Errorf("failed to load admin key: %w", err)
	}
	if !common.IsHexAddress(cfg.Chain.ContractAddress) {
		return nil, fmt.Errorf("invalid contract address %q", cfg.Chain.ContractAddress)
	}

	return &Client{
		backend:        backend,
		contract:       common.HexToAddress(cfg.Chain.ContractAddress),
		admin:          admin,
		keystore:       keystore,
		gasLimit:       cfg.Chain.GasLimit,
		confirmTimeout: cfg.Escrow.ConfirmTimeout,
		pollInterval:   3 * time.Second,
		logger:         logger,
	}, nil
}

// Dial 连接 RPC 节点
func Dial(ctx context.Context, rpcURL string) (*ethclient.Client, error) {
	return ethclient.DialContext(ctx, rpcURL)
}

func (c *Client) AdminAddress() common.Address {
	return c.admin.Address()
}

// SubmitCreateProject 管理员签名提交项目创建，等待确认后从事件日志取链上项目 id
func (c *Client) SubmitCreateProject(ctx context.Context, freelancer common.Address, amounts []*big.Int) (*TxResult, uint64, error) {
	data, err := packCreateProject(freelancer, amounts)
	if err != nil {
		return nil, 0, err
	}
	res, err := c.submit(ctx, "createProject", c.admin, data, nil)
	if err != nil || res.Status != StatusConfirmed {
		return res, 0, err
	}
	onchainID, err := ParseProjectCreated(res.Receipt, c.contract)
	if err != nil {
		return res, 0, err
	}
	return res, onchainID, nil
}

// SubmitFund 用付款方托管钥匙签名注资，金额随交易 value 转入合约
func (c *Client) SubmitFund(ctx context.Context, payer common.Address, projectID uint64, mid int, amount *big.Int) (*TxResult, error) {
	signer, err := c.keystore.Get(payer)
	if err != nil {
		return nil, err
	}
	data, err := packFundMilestone(projectID, mid)
	if err != nil {
		return nil, err
	}
	return c.submit(ctx, "fundMilestone", signer, data, amount)
}

// SubmitRelease 放款给自由职业者，由客户方托管钥匙签名；
// 管理员仲裁放款时改用管理员钥匙
func (c *Client) SubmitRelease(ctx context.Context, caller common.Address, projectID uint64, mid int) (*TxResult, error) {
	// 管理员仲裁放款走管理员钥匙，其余走托管钥匙
	signer := c.admin
	if caller != c.admin.Address() {
		var err error
		if signer, err = c.keystore.Get(caller); err != nil {
			return nil, err
		}
	}
	data, err := packReleaseMilestone(projectID, mid)
	if err != nil {
		return nil, err
	}
	return c.submit(ctx, "releaseMilestone", signer, data, nil)
}

// SubmitRefund 退款只允许管理员钥匙签名
func (c *Client) SubmitRefund(ctx context.Context, projectID uint64, mid int) (*TxResult, error) {
	data, err := packRefundMilestone(projectID, mid)
	if err != nil {
		return nil, err
	}
	return c.submit(ctx, "refundMilestone", c.admin, data, nil)
}

func (c *Client) submit(ctx context.Context, method string, signer *Signer, data []byte, value *big.Int) (*TxResult, error) {
	ctx, span := otel.ChainSubmitSpan(ctx, method, c.contract.Hex())
	defer span.End()

	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to suggest gas price: %w", err)
	}
	if value == nil {
		value = big.NewInt(0)
	}

	tx, err := signer.SignTx(ctx, c.backend, &types.DynamicFeeTx{
		To:        &c.contract,
		Value:     value,
		Gas:       c.gasLimit,
		GasTipCap: gasPrice,
		GasFeeCap: gasPrice,
		Data:      data,
	})
	if err != nil {
		return nil, err
	}

	start := time.Now()
	if err := c.backend.SendTransaction(ctx, tx); err != nil {
		signer.Resync()
		_, class := util.IsRetryableError(err)
		c.logger.Warn("Transaction rejected at submission",
			zap.String("method", method),
			zap.String("class", class),
			zap.Error(err),
		)
		if class == "insufficient_funds" {
			return nil, fmt.Errorf("%w: %v", ErrInsufficientFunds, err)
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrRejected, method, err)
	}

	res, err := c.awaitConfirmation(ctx, method, tx.Hash())
	metrics.RecordChainConfirmLatency(method, time.Since(start))
	if err != nil {
		return nil, err
	}
	if res.Status == StatusIndeterminate {
		// 超时后 nonce 语义不再可靠，下一笔签名前强制重新同步
		signer.Resync()
	}
	return res, nil
}

// awaitConfirmation 轮询回执直到确认窗口耗尽
func (c *Client) awaitConfirmation(ctx context.Context, method string, hash common.Hash) (*TxResult, error) {
	deadline := time.Now().Add(c.confirmTimeout)
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.backend.TransactionReceipt(ctx, hash)
		switch {
		case err == nil:
			status := StatusConfirmed
			if receipt.Status != types.ReceiptStatusSuccessful {
				status = StatusReverted
			}
			c.logger.Info("Transaction confirmed",
				zap.String("method", method),
				zap.String("tx_hash", hash.Hex()),
				zap.String("status", string(status)),
			)
			return &TxResult{Hash: hash, Status: status, Receipt: receipt}, nil
		case errors.Is(err, ethereum.NotFound):
			// 还没打包，继续等
		default:
			c.logger.Warn("Receipt poll failed, will retry",
				zap.String("tx_hash", hash.Hex()),
				zap.Error(err),
			)
		}

		if time.Now().After(deadline) {
			c.logger.Warn("Confirmation window elapsed, outcome indeterminate",
				zap.String("method", method),
				zap.String("tx_hash", hash.Hex()),
			)
			return &TxResult{Hash: hash, Status: StatusIndeterminate}, nil
		}

		select {
		case <-ctx.Done():
			return &TxResult{Hash: hash, Status: StatusIndeterminate}, nil
		case <-ticker.C:
		}
	}
}

// ConfirmedReceipt 查询一笔历史交易的回执（不等待）。
// 没找到返回 (nil, nil)，交给调用方决定是否继续视为未决。
func (c *Client) ConfirmedReceipt(ctx context.Context, txHash string) (*types.Receipt, error) {
	receipt, err := c.backend.TransactionReceipt(ctx, common.HexToHash(txHash))
	if errors.Is(err, ethereum.NotFound) {
		return nil, nil
	}
	return receipt, err
}

// ParseCreatedID 从历史回执中取链上项目 id
func (c *Client) ParseCreatedID(receipt *types.Receipt) (uint64, error) {
	return ParseProjectCreated(receipt, c.contract)
}

// ReadProjectCounter 读合约的 nextProjectId 计数器
func (c *Client) ReadProjectCounter(ctx context.Context) (uint64, error) {
	out, err := c.call(ctx, "nextProjectId", escrowABI.Methods["nextProjectId"].ID)
	if err != nil {
		return 0, err
	}
	return unpackNextProjectID(out)
}

// ReadMilestoneSchedule 读项目的完整链上 schedule
func (c *Client) ReadMilestoneSchedule(ctx context.Context, projectID uint64) (*MilestoneSchedule, error) {
	data, err := escrowABI.Pack("getMilestones", new(big.Int).SetUint64(projectID))
	if err != nil {
		return nil, err
	}
	out, err := c.call(ctx, "getMilestones", data)
	if err != nil {
		return nil, err
	}
	return unpackMilestones(out)
}

// ReadMilestoneState 读单个里程碑的链上状态
func (c *Client) ReadMilestoneState(ctx context.Context, projectID uint64, mid int) (model.MilestoneState, error) {
	data, err := escrowABI.Pack("milestoneState", new(big.Int).SetUint64(projectID), big.NewInt(int64(mid)))
	if err != nil {
		return "", err
	}
	out, err := c.call(ctx, "milestoneState", data)
	if err != nil {
		return "", err
	}
	return unpackMilestoneState(out)
}

func (c *Client) call(ctx context.Context, method string, data []byte) ([]byte, error) {
	ctx, span := otel.ChainCallSpan(ctx, method, c.contract.Hex())
	defer span.End()

	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &c.contract, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("contract call %s failed: %w", method, err)
	}
	return out, nil
}
