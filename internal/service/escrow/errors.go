package escrow

import (
	"errors"
	"fmt"

	"gigvault/internal/model"
)

// ErrAdminHalted 管理员钥匙故障，自动化创建/退款流程已熔断，需人工恢复
var ErrAdminHalted = errors.New("automated admin flows halted")

// PolicyViolationError 意图在业务规则层被拒绝，链上没有发生任何交易
type PolicyViolationError struct {
	Rule   string
	Detail string
}

func (e *PolicyViolationError) Error() string {
	return fmt.Sprintf("policy violation (%s): %s", e.Rule, e.Detail)
}

func denied(rule, format string, args ...any) error {
	return &PolicyViolationError{Rule: rule, Detail: fmt.Sprintf(format, args...)}
}

// ChainRejectedError 交易被节点或合约确定性拒绝（提交被拒或回执 reverted）。
// 链上状态没有变化，账本保持原状。
type ChainRejectedError struct {
	Op     model.IntentKind
	TxHash string
	Cause  error
}

func (e *ChainRejectedError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("chain rejected %s (tx %s): %v", e.Op, e.TxHash, e.Cause)
	}
	return fmt.Sprintf("chain rejected %s: %v", e.Op, e.Cause)
}

func (e *ChainRejectedError) Unwrap() error { return e.Cause }

// StaleScheduleError 链上 schedule 金额与账本不一致。操作终止，
// 记录标记为待人工核对，绝不自动改写任何一边的金额。
type StaleScheduleError struct {
	ProjectID int64
	Mid       int
	LedgerWei string
	ChainWei  string
}

func (e *StaleScheduleError) Error() string {
	return fmt.Sprintf("stale schedule on project %d milestone %d: ledger %s wei, chain %s wei",
		e.ProjectID, e.Mid, e.LedgerWei, e.ChainWei)
}

// Outcome 一次对账操作的结果分类
type Outcome string

const (
	OutcomeConfirmed Outcome = "confirmed"
	// OutcomeNoOp 账本已经处于目标状态，重复请求是无害的幂等成功
	OutcomeNoOp Outcome = "noop"
	// OutcomePending 链上结果未决，已标记待对账，由 Sync Poller 最终裁定
	OutcomePending Outcome = "pending"
)

// Result 对账操作的成功返回
type Result struct {
	Outcome Outcome
	TxHash  string
	Project *model.Project
}
