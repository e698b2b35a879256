package model

import "math/big"

// IntentKind 对账意图类型
type IntentKind string

const (
	IntentCreateProject    IntentKind = "create_project"
	IntentFundMilestone    IntentKind = "fund_milestone"
	IntentRequestRelease   IntentKind = "request_release" // 纯账本转换，不产生链上交易
	IntentReleaseMilestone IntentKind = "release_milestone"
	IntentRefundMilestone  IntentKind = "refund_milestone"
)

// OnChain 该意图是否需要提交链上交易
func (k IntentKind) OnChain() bool {
	return k != IntentRequestRelease
}

// Principal 发起方：user_id + 链上地址 + 角色（client / freelancer / admin）
type Principal struct {
	UserID  int64
	Address string
	Role    string
}

// Intent 一次对账请求。Intent 是瞬态的，只在单次操作内存在，不落库。
type Intent struct {
	Kind         IntentKind
	ProjectID    int64 // 账本内部 id
	Mid          int
	AmountWei    *big.Int // 仅 fund 需要
	RefundReason string   // 仅 refund 需要
	Principal    Principal
}
