package escrow

import (
	"context"
	"errors"
	"math/big"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	mqcontract "gigvault/contracts/mq"
	"gigvault/internal/chain"
	"gigvault/internal/model"
	"gigvault/internal/repository"
	"gigvault/pkg/metrics"
	"gigvault/pkg/trace"
)

// Ledger 对账器需要的账本写入面，*repository.LedgerRepository 满足
type Ledger interface {
	CreateProject(ctx context.Context, p *model.Project) (int64, error)
	GetProject(ctx context.Context, id int64) (*model.Project, error)
	SetOnchainProjectID(ctx context.Context, id int64, onchainID uint64, txHash string, events ...repository.EventSpec) error
	UpdateProjectStatus(ctx context.Context, id int64, from, to model.ProjectStatus, txHash string, events ...repository.EventSpec) error
	ApplyMilestoneTransition(ctx context.Context, projectID int64, mid int, from, to model.MilestoneState, txHash, reason string, events ...repository.EventSpec) error
	MarkMilestoneNeedsReconciliation(ctx context.Context, projectID int64, mid int) error
	MarkProjectNeedsReconciliation(ctx context.Context, id int64) error
}

// ChainGateway 对账器需要的链上提交面，*chain.Client 满足
type ChainGateway interface {
	SubmitCreateProject(ctx context.Context, freelancer common.Address, amounts []*big.Int) (*chain.TxResult, uint64, error)
	SubmitFund(ctx context.Context, payer common.Address, projectID uint64, mid int, amount *big.Int) (*chain.TxResult, error)
	SubmitRelease(ctx context.Context, caller common.Address, projectID uint64, mid int) (*chain.TxResult, error)
	SubmitRefund(ctx context.Context, projectID uint64, mid int) (*chain.TxResult, error)
	ReadMilestoneSchedule(ctx context.Context, projectID uint64) (*chain.MilestoneSchedule, error)
}

// Reconciler 托管状态机：接收意图，裁决，提交链上交易，按结果推进账本。
// 串行化粒度是 (project, mid)，同一里程碑最多一笔在途交易。
type Reconciler struct {
	ledger Ledger
	chain  ChainGateway
	locks  *KeyedLocks
	policy Policy
	logger *zap.Logger

	// 管理员钥匙余额不足后置位，熔断自动化创建/退款直到人工恢复
	halted atomic.Bool
}

func NewReconciler(ledger Ledger, gateway ChainGateway, policy Policy, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		ledger: ledger,
		chain:  gateway,
		locks:  NewKeyedLocks(),
		policy: policy,
		logger: logger,
	}
}

// Locks 对账器的键锁。Sync Poller 共用这组锁，
// 同一 (project, mid) 上的提交与修复互斥。
func (r *Reconciler) Locks() *KeyedLocks {
	return r.locks
}

// Halted 自动化管理员流程是否处于熔断状态
func (r *Reconciler) Halted() bool {
	return r.halted.Load()
}

// ResumeAdminFlows 人工确认管理员钥匙恢复后解除熔断
func (r *Reconciler) ResumeAdminFlows() {
	if r.halted.CompareAndSwap(true, false) {
		r.logger.Warn("Automated admin flows resumed by operator")
	}
}

func (r *Reconciler) halt(cause error) {
	if r.halted.CompareAndSwap(false, true) {
		metrics.AdminHaltCount.Inc()
		r.logger.Error("Halting automated admin flows: admin key cannot fund transactions",
			zap.Error(cause),
		)
	}
}

// GetProject 读取账本快照
func (r *Reconciler) GetProject(ctx context.Context, id int64) (*model.Project, error) {
	return r.ledger.GetProject(ctx, id)
}

// CreateProject 创建项目并上链。amounts 为各里程碑的 wei 金额，顺序即 mid。
func (r *Reconciler) CreateProject(ctx context.Context, principal model.Principal, freelancerAddress string, amounts []*big.Int) (*Result, error) {
	intent := &model.Intent{Kind: model.IntentCreateProject, Principal: principal}
	if err := Authorize(nil, intent, r.policy); err != nil {
		metrics.RecordReconcileOp(string(intent.Kind), "denied")
		return nil, err
	}
	if !common.IsHexAddress(freelancerAddress) {
		return nil, denied("freelancer", "invalid freelancer address %q", freelancerAddress)
	}
	if len(amounts) == 0 {
		return nil, denied("schedule", "project requires at least one milestone")
	}
	for i, a := range amounts {
		if a == nil || a.Sign() <= 0 {
			return nil, denied("schedule", "milestone %d amount must be positive", i)
		}
	}
	if r.Halted() {
		metrics.RecordReconcileOp(string(intent.Kind), "denied")
		return nil, ErrAdminHalted
	}

	budget := new(big.Int)
	milestones := make([]model.Milestone, len(amounts))
	for i, a := range amounts {
		budget.Add(budget, a)
		milestones[i] = model.Milestone{Mid: i, AmountWei: a, State: model.MilestonePending}
	}

	id, err := r.ledger.CreateProject(ctx, &model.Project{
		ClientID:          principal.UserID,
		FreelancerAddress: freelancerAddress,
		BudgetWei:         budget,
		Milestones:        milestones,
	})
	if err != nil {
		metrics.RecordReconcileOp(string(intent.Kind), "error")
		return nil, err
	}

	unlock := r.locks.Acquire(id, -1)
	defer unlock()

	if err := r.ledger.UpdateProjectStatus(ctx, id, model.ProjectDraft, model.ProjectOnchainPending, ""); err != nil {
		return nil, err
	}

	res, onchainID, err := r.chain.SubmitCreateProject(ctx, common.HexToAddress(freelancerAddress), amounts)
	if err != nil {
		// 提交被拒，链上无变更，项目退回 draft
		if rbErr := r.ledger.UpdateProjectStatus(ctx, id, model.ProjectOnchainPending, model.ProjectDraft, ""); rbErr != nil {
			r.logger.Error("Failed to roll back project to draft", zap.Int64("project_id", id), zap.Error(rbErr))
		}
		if errors.Is(err, chain.ErrInsufficientFunds) {
			r.halt(err)
			metrics.RecordReconcileOp(string(intent.Kind), "error")
			return nil, ErrAdminHalted
		}
		metrics.RecordReconcileOp(string(intent.Kind), "rejected")
		return nil, &ChainRejectedError{Op: intent.Kind, Cause: err}
	}

	switch res.Status {
	case chain.StatusConfirmed:
		events := r.projectEvents(ctx, id, principal.UserID, &onchainID, model.ProjectOpen, res.Hash.Hex(),
			mqcontract.RoutingKeyProjectCreated, mqcontract.RoutingKeyProjectOpened)
		if err := r.ledger.SetOnchainProjectID(ctx, id, onchainID, res.Hash.Hex(), events...); err != nil {
			return nil, err
		}
		metrics.RecordReconcileOp(string(intent.Kind), "confirmed")
		p, err := r.ledger.GetProject(ctx, id)
		if err != nil {
			return nil, err
		}
		return &Result{Outcome: OutcomeConfirmed, TxHash: res.Hash.Hex(), Project: p}, nil

	case chain.StatusReverted:
		if rbErr := r.ledger.UpdateProjectStatus(ctx, id, model.ProjectOnchainPending, model.ProjectDraft, res.Hash.Hex()); rbErr != nil {
			r.logger.Error("Failed to roll back project to draft", zap.Int64("project_id", id), zap.Error(rbErr))
		}
		metrics.RecordReconcileOp(string(intent.Kind), "rejected")
		return nil, &ChainRejectedError{Op: intent.Kind, TxHash: res.Hash.Hex(), Cause: errors.New("execution reverted")}

	default: // indeterminate
		// 记下交易哈希，让 Sync Poller 裁定创建是否成功
		if err := r.ledger.UpdateProjectStatus(ctx, id, model.ProjectOnchainPending, model.ProjectOnchainPending, res.Hash.Hex()); err != nil {
			r.logger.Error("Failed to record pending tx hash", zap.Int64("project_id", id), zap.Error(err))
		}
		if err := r.ledger.MarkProjectNeedsReconciliation(ctx, id); err != nil {
			return nil, err
		}
		metrics.RecordReconcileOp(string(intent.Kind), "pending")
		return &Result{Outcome: OutcomePending, TxHash: res.Hash.Hex()}, nil
	}
}

// Fund 客户为里程碑注资。金额必须与账本 schedule 完全一致。
func (r *Reconciler) Fund(ctx context.Context, principal model.Principal, projectID int64, mid int, amountWei *big.Int) (*Result, error) {
	intent := &model.Intent{
		Kind:      model.IntentFundMilestone,
		ProjectID: projectID,
		Mid:       mid,
		AmountWei: amountWei,
		Principal: principal,
	}
	return r.reconcileMilestone(ctx, intent, model.MilestoneFunded, func(ctx context.Context, p *model.Project) (*chain.TxResult, error) {
		return r.chain.SubmitFund(ctx, common.HexToAddress(principal.Address), *p.OnchainProjectID, mid, amountWei)
	})
}

// RequestRelease 自由职业者申请放款。纯账本转换，不产生链上交易。
func (r *Reconciler) RequestRelease(ctx context.Context, principal model.Principal, projectID int64, mid int) (*Result, error) {
	intent := &model.Intent{
		Kind:      model.IntentRequestRelease,
		ProjectID: projectID,
		Mid:       mid,
		Principal: principal,
	}

	unlock := r.locks.Acquire(projectID, mid)
	defer unlock()

	p, err := r.ledger.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if m := p.Milestone(mid); m != nil && m.State == model.MilestoneReleaseRequested {
		metrics.RecordReconcileOp(string(intent.Kind), "noop")
		return &Result{Outcome: OutcomeNoOp, Project: p}, nil
	}
	if err := Authorize(p, intent, r.policy); err != nil {
		metrics.RecordReconcileOp(string(intent.Kind), "denied")
		return nil, err
	}

	m := p.Milestone(mid)
	event := r.milestoneEvent(ctx, p, mid, model.MilestoneReleaseRequested, "", "", mqcontract.RoutingKeyMilestoneReleaseRequested)
	if err := r.ledger.ApplyMilestoneTransition(ctx, projectID, mid, m.State, model.MilestoneReleaseRequested, "", "", event); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			metrics.RecordReconcileOp(string(intent.Kind), "conflict")
		}
		return nil, err
	}
	metrics.RecordReconcileOp(string(intent.Kind), "confirmed")
	return &Result{Outcome: OutcomeConfirmed}, nil
}

// Release 客户放款给自由职业者
func (r *Reconciler) Release(ctx context.Context, principal model.Principal, projectID int64, mid int) (*Result, error) {
	intent := &model.Intent{
		Kind:      model.IntentReleaseMilestone,
		ProjectID: projectID,
		Mid:       mid,
		Principal: principal,
	}
	return r.reconcileMilestone(ctx, intent, model.MilestoneReleased, func(ctx context.Context, p *model.Project) (*chain.TxResult, error) {
		return r.chain.SubmitRelease(ctx, common.HexToAddress(principal.Address), *p.OnchainProjectID, mid)
	})
}

// Refund 管理员把已注资的里程碑退回客户
func (r *Reconciler) Refund(ctx context.Context, principal model.Principal, projectID int64, mid int, reason string) (*Result, error) {
	if r.Halted() {
		metrics.RecordReconcileOp(string(model.IntentRefundMilestone), "denied")
		return nil, ErrAdminHalted
	}
	intent := &model.Intent{
		Kind:         model.IntentRefundMilestone,
		ProjectID:    projectID,
		Mid:          mid,
		RefundReason: reason,
		Principal:    principal,
	}
	return r.reconcileMilestone(ctx, intent, model.MilestoneRefunded, func(ctx context.Context, p *model.Project) (*chain.TxResult, error) {
		return r.chain.SubmitRefund(ctx, *p.OnchainProjectID, mid)
	})
}

// reconcileMilestone 里程碑级链上意图的公共骨架：
// 取键锁 → 幂等检查 → 裁决 → 提交 → 按确认结果推进账本。
// 幂等检查在裁决之前：已处于目标状态的重复请求直接成功，不会被规则拒绝。
func (r *Reconciler) reconcileMilestone(ctx context.Context, intent *model.Intent, target model.MilestoneState, submit func(context.Context, *model.Project) (*chain.TxResult, error)) (*Result, error) {
	kind := string(intent.Kind)

	unlock := r.locks.Acquire(intent.ProjectID, intent.Mid)
	defer unlock()

	p, err := r.ledger.GetProject(ctx, intent.ProjectID)
	if err != nil {
		return nil, err
	}

	if m := p.Milestone(intent.Mid); m != nil && m.State == target {
		metrics.RecordReconcileOp(kind, "noop")
		return &Result{Outcome: OutcomeNoOp, TxHash: m.LastTxHash, Project: p}, nil
	}

	if err := Authorize(p, intent, r.policy); err != nil {
		metrics.RecordReconcileOp(kind, "denied")
		return nil, err
	}
	if p.OnchainProjectID == nil {
		metrics.RecordReconcileOp(kind, "denied")
		return nil, denied("project_status", "project %d has no onchain id yet", p.ID)
	}

	if intent.Kind == model.IntentFundMilestone {
		if err := r.verifyFundSchedule(ctx, p, intent.Mid); err != nil {
			metrics.RecordReconcileOp(kind, "stale_schedule")
			return nil, err
		}
	}

	from := p.Milestone(intent.Mid).State

	res, err := submit(ctx, p)
	if err != nil {
		if errors.Is(err, chain.ErrInsufficientFunds) && intent.Kind == model.IntentRefundMilestone {
			r.halt(err)
			metrics.RecordReconcileOp(kind, "error")
			return nil, ErrAdminHalted
		}
		metrics.RecordReconcileOp(kind, "rejected")
		return nil, &ChainRejectedError{Op: intent.Kind, Cause: err}
	}

	switch res.Status {
	case chain.StatusConfirmed:
		return r.commitMilestone(ctx, intent, p, from, target, res.Hash.Hex())

	case chain.StatusReverted:
		metrics.RecordReconcileOp(kind, "rejected")
		return nil, &ChainRejectedError{Op: intent.Kind, TxHash: res.Hash.Hex(), Cause: errors.New("execution reverted")}

	default: // indeterminate
		if err := r.ledger.MarkMilestoneNeedsReconciliation(ctx, intent.ProjectID, intent.Mid); err != nil {
			return nil, err
		}
		metrics.RecordReconcileOp(kind, "pending")
		return &Result{Outcome: OutcomePending, TxHash: res.Hash.Hex()}, nil
	}
}

// verifyFundSchedule 注资前与链上 schedule 核对金额。不一致说明部署后
// 有人绕过本服务改了合约或账本被污染，标记待核对并终止，绝不自动改金额。
func (r *Reconciler) verifyFundSchedule(ctx context.Context, p *model.Project, mid int) error {
	schedule, err := r.chain.ReadMilestoneSchedule(ctx, *p.OnchainProjectID)
	if err != nil {
		return &ChainRejectedError{Op: model.IntentFundMilestone, Cause: err}
	}

	m := p.Milestone(mid)
	if mid >= len(schedule.Amounts) || m.AmountWei.Cmp(schedule.Amounts[mid]) != 0 {
		chainWei := "absent"
		if mid < len(schedule.Amounts) {
			chainWei = model.FormatWei(schedule.Amounts[mid])
		}
		metrics.StaleScheduleAlerts.Inc()
		if err := r.ledger.MarkMilestoneNeedsReconciliation(ctx, p.ID, mid); err != nil {
			r.logger.Error("Failed to flag milestone for reconciliation", zap.Int64("project_id", p.ID), zap.Error(err))
		}
		r.logger.Error("On-chain schedule disagrees with ledger, refusing to fund",
			zap.Int64("project_id", p.ID),
			zap.Int("mid", mid),
			zap.String("ledger_wei", model.FormatWei(m.AmountWei)),
			zap.String("chain_wei", chainWei),
		)
		return &StaleScheduleError{
			ProjectID: p.ID,
			Mid:       mid,
			LedgerWei: model.FormatWei(m.AmountWei),
			ChainWei:  chainWei,
		}
	}
	return nil
}

// commitMilestone 链上确认后推进账本；CAS 冲突说明 Sync Poller 抢先写入了
// 同一链上事实，重新读取后按幂等成功返回。
func (r *Reconciler) commitMilestone(ctx context.Context, intent *model.Intent, p *model.Project, from, target model.MilestoneState, txHash string) (*Result, error) {
	kind := string(intent.Kind)
	routingKey := map[model.MilestoneState]string{
		model.MilestoneFunded:   mqcontract.RoutingKeyMilestoneFunded,
		model.MilestoneReleased: mqcontract.RoutingKeyMilestoneReleased,
		model.MilestoneRefunded: mqcontract.RoutingKeyMilestoneRefunded,
	}[target]

	// 退款原因随状态转换同一事务落库
	event := r.milestoneEvent(ctx, p, intent.Mid, target, txHash, intent.RefundReason, routingKey)
	err := r.ledger.ApplyMilestoneTransition(ctx, intent.ProjectID, intent.Mid, from, target, txHash, intent.RefundReason, event)
	if errors.Is(err, repository.ErrConflict) {
		fresh, rerr := r.ledger.GetProject(ctx, intent.ProjectID)
		if rerr != nil {
			return nil, rerr
		}
		if m := fresh.Milestone(intent.Mid); m != nil && m.State == target {
			metrics.RecordReconcileOp(kind, "conflict")
			return &Result{Outcome: OutcomeNoOp, TxHash: txHash, Project: fresh}, nil
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	r.settleProject(ctx, intent, txHash)

	metrics.RecordReconcileOp(kind, "confirmed")
	fresh, err := r.ledger.GetProject(ctx, intent.ProjectID)
	if err != nil {
		return nil, err
	}
	return &Result{Outcome: OutcomeConfirmed, TxHash: txHash, Project: fresh}, nil
}

// settleProject 里程碑进入终态后重算项目状态：
// 退款即取消（策略开启时），否则全部终态后按是否有退款收尾为 completed / cancelled。
func (r *Reconciler) settleProject(ctx context.Context, intent *model.Intent, txHash string) {
	p, err := r.ledger.GetProject(ctx, intent.ProjectID)
	if err != nil {
		r.logger.Error("Failed to reload project for settlement", zap.Int64("project_id", intent.ProjectID), zap.Error(err))
		return
	}
	if p.Status != model.ProjectOpen {
		return
	}

	var target model.ProjectStatus
	switch {
	case r.policy.CancelOnRefund && intent.Kind == model.IntentRefundMilestone:
		target = model.ProjectCancelled
	case p.AllTerminal() && p.AnyRefunded():
		target = model.ProjectCancelled
	case p.AllTerminal():
		target = model.ProjectCompleted
	default:
		return
	}

	routingKey := mqcontract.RoutingKeyProjectCompleted
	if target == model.ProjectCancelled {
		routingKey = mqcontract.RoutingKeyProjectCancelled
	}
	events := r.projectEvents(ctx, p.ID, p.ClientID, p.OnchainProjectID, target, txHash, routingKey)
	if err := r.ledger.UpdateProjectStatus(ctx, p.ID, model.ProjectOpen, target, txHash, events...); err != nil && !errors.Is(err, repository.ErrConflict) {
		r.logger.Error("Failed to settle project status",
			zap.Int64("project_id", p.ID),
			zap.String("target", string(target)),
			zap.Error(err),
		)
	}
}

func (r *Reconciler) projectEvents(ctx context.Context, projectID, clientID int64, onchainID *uint64, status model.ProjectStatus, txHash string, routingKeys ...string) []repository.EventSpec {
	payload := mqcontract.ProjectEventPayload{
		ProjectID:        projectID,
		OnchainProjectID: onchainID,
		ClientID:         clientID,
		Status:           string(status),
		TxHash:           txHash,
		TraceID:          trace.FromContext(ctx),
	}
	events := make([]repository.EventSpec, len(routingKeys))
	for i, key := range routingKeys {
		events[i] = repository.EventSpec{
			AggregateType: "project",
			AggregateID:   &projectID,
			RoutingKey:    key,
			Payload:       payload,
		}
	}
	return events
}

func (r *Reconciler) milestoneEvent(ctx context.Context, p *model.Project, mid int, state model.MilestoneState, txHash, reason, routingKey string) repository.EventSpec {
	var amount string
	if m := p.Milestone(mid); m != nil {
		amount = model.FormatWei(m.AmountWei)
	}
	projectID := p.ID
	return repository.EventSpec{
		AggregateType: "milestone",
		AggregateID:   &projectID,
		RoutingKey:    routingKey,
		Payload: mqcontract.MilestoneEventPayload{
			ProjectID: p.ID,
			Mid:       mid,
			State:     string(state),
			AmountWei: amount,
			TxHash:    txHash,
			Reason:    reason,
			TraceID:   trace.FromContext(ctx),
		},
	}
}
