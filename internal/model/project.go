package model

import (
	"math/big"
	"time"
)

// ProjectStatus 项目生命周期状态
type ProjectStatus string

const (
	ProjectDraft          ProjectStatus = "draft"           // 仅存在于账本，还没有上链
	ProjectOnchainPending ProjectStatus = "onchain_pending" // 创建交易已提交，等待确认
	ProjectOpen           ProjectStatus = "open"            // 链上已创建，onchain_project_id 已记录
	ProjectCompleted      ProjectStatus = "completed"
	ProjectCancelled      ProjectStatus = "cancelled"
)

// Project 托管项目。onchain_project_id 在链上创建确认前为 nil，
// 一旦写入便不可再变更（账本层用 CAS 保证）。
type Project struct {
	ID                  int64
	OnchainProjectID    *uint64
	ClientID            int64
	FreelancerAddress   string
	BudgetWei           *big.Int
	Status              ProjectStatus
	Milestones          []Milestone // 按 mid 升序，与链上 schedule 顺序一致
	LastTxHash          string
	NeedsReconciliation bool
	CheckedAt           time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Milestone 按下标查找里程碑
func (p *Project) Milestone(mid int) *Milestone {
	for i := range p.Milestones {
		if p.Milestones[i].Mid == mid {
			return &p.Milestones[i]
		}
	}
	return nil
}

// ScheduledTotal 所有里程碑金额之和
func (p *Project) ScheduledTotal() *big.Int {
	total := new(big.Int)
	for i := range p.Milestones {
		if p.Milestones[i].AmountWei != nil {
			total.Add(total, p.Milestones[i].AmountWei)
		}
	}
	return total
}

// AllTerminal 是否所有里程碑都到达终态
func (p *Project) AllTerminal() bool {
	if len(p.Milestones) == 0 {
		return false
	}
	for i := range p.Milestones {
		if !p.Milestones[i].State.Terminal() {
			return false
		}
	}
	return true
}

// AnyRefunded 是否存在已退款的里程碑
func (p *Project) AnyRefunded() bool {
	for i := range p.Milestones {
		if p.Milestones[i].State == MilestoneRefunded {
			return true
		}
	}
	return false
}
