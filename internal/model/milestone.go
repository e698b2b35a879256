package model

import (
	"fmt"
	"math/big"
	"time"
)

// MilestoneState 里程碑生命周期状态。released / refunded 是终态。
type MilestoneState string

const (
	MilestonePending          MilestoneState = "pending"
	MilestoneFunded           MilestoneState = "funded"
	MilestoneReleaseRequested MilestoneState = "release_requested"
	MilestoneReleased         MilestoneState = "released"
	MilestoneRefunded         MilestoneState = "refunded"
)

// Terminal 终态不允许任何后续转换
func (s MilestoneState) Terminal() bool {
	return s == MilestoneReleased || s == MilestoneRefunded
}

// CanTransitionTo 状态机合法路径：
// pending → funded → (release_requested →) released，或 funded/release_requested → refunded
func (s MilestoneState) CanTransitionTo(to MilestoneState) bool {
	switch s {
	case MilestonePending:
		return to == MilestoneFunded
	case MilestoneFunded:
		return to == MilestoneReleaseRequested || to == MilestoneReleased || to == MilestoneRefunded
	case MilestoneReleaseRequested:
		return to == MilestoneReleased || to == MilestoneRefunded
	default:
		return false
	}
}

// Milestone 里程碑。金额用整数 wei 表示，数据库中存十进制字符串，
// 链上 schedule 才是权威值，账本值在比对前仅作参考。
type Milestone struct {
	ProjectID           int64
	Mid                 int // 链上 schedule 中的下标，从 0 开始连续
	AmountWei           *big.Int
	State               MilestoneState
	LastTxHash          string
	RefundReason        string
	NeedsReconciliation bool
	CheckedAt           time.Time
	UpdatedAt           time.Time
}

// ParseWei 解析十进制 wei 字符串。拒绝负数、空串和任何非整数输入，
// 绝不允许浮点数进入金额计算。
func ParseWei(s string) (*big.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("empty amount")
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid wei amount %q", s)
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("negative wei amount %q", s)
	}
	return v, nil
}

// FormatWei 输出十进制 wei 字符串（跨边界传输用）
func FormatWei(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
