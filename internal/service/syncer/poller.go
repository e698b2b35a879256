package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	mqcontract "gigvault/contracts/mq"
	"gigvault/internal/chain"
	"gigvault/internal/model"
	"gigvault/internal/repository"
	"gigvault/internal/service/escrow"
	"gigvault/pkg/circuitbreaker"
	"gigvault/pkg/metrics"
)

const reconcileBatchSize = 50

// ChainReader Sync Poller 需要的链上只读面，*chain.Client 满足
type ChainReader interface {
	ReadMilestoneSchedule(ctx context.Context, projectID uint64) (*chain.MilestoneSchedule, error)
	ReadMilestoneState(ctx context.Context, projectID uint64, mid int) (model.MilestoneState, error)
	ConfirmedReceipt(ctx context.Context, txHash string) (*types.Receipt, error)
	ParseCreatedID(receipt *types.Receipt) (uint64, error)
}

// Ledger Sync Poller 需要的账本面，*repository.LedgerRepository 满足
type Ledger interface {
	ListReconcilable(ctx context.Context, freshness time.Duration, limit int) ([]*model.Project, error)
	GetProject(ctx context.Context, id int64) (*model.Project, error)
	SetOnchainProjectID(ctx context.Context, id int64, onchainID uint64, txHash string, events ...repository.EventSpec) error
	UpdateProjectStatus(ctx context.Context, id int64, from, to model.ProjectStatus, txHash string, events ...repository.EventSpec) error
	ForceProjectStatus(ctx context.Context, id int64, to model.ProjectStatus, txHash string, events ...repository.EventSpec) error
	ForceMilestoneState(ctx context.Context, projectID int64, mid int, to model.MilestoneState, txHash string, events ...repository.EventSpec) error
	TouchChecked(ctx context.Context, projectID int64) error
}

// Auditor 修正审计落库面，*repository.AuditRepository 满足
type Auditor interface {
	Insert(ctx context.Context, e *repository.AuditEntry) error
}

// Poller 周期性把账本和链上状态对齐。链是唯一事实来源：
// 状态分歧一律以链上为准覆盖账本；金额分歧只告警，绝不自动改写。
// 与对账器共用同一组键锁，同一个里程碑上修复和提交互斥。
type Poller struct {
	ledger    Ledger
	audit     Auditor
	reader    ChainReader
	breaker   *circuitbreaker.CircuitBreaker
	locks     *escrow.KeyedLocks
	interval  time.Duration
	freshness time.Duration
	logger    *zap.Logger
}

func NewPoller(ledger Ledger, audit Auditor, reader ChainReader, locks *escrow.KeyedLocks, interval, freshness time.Duration, logger *zap.Logger) *Poller {
	return &Poller{
		ledger:    ledger,
		audit:     audit,
		reader:    reader,
		breaker:   circuitbreaker.NewCircuitBreaker("chain-rpc", circuitbreaker.DefaultConfig()),
		locks:     locks,
		interval:  interval,
		freshness: freshness,
		logger:    logger,
	}
}

// Run 轮询循环，ctx 取消后退出
func (p *Poller) Run(ctx context.Context) {
	p.logger.Info("Sync poller started",
		zap.Duration("interval", p.interval),
		zap.Duration("freshness", p.freshness),
	)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Sync poller stopped")
			return
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

func (p *Poller) sweep(ctx context.Context) {
	projects, err := p.ledger.ListReconcilable(ctx, p.freshness, reconcileBatchSize)
	if err != nil {
		p.logger.Error("Failed to list reconcilable projects", zap.Error(err))
		return
	}
	if len(projects) == 0 {
		return
	}
	p.logger.Debug("Reconciling projects against chain", zap.Int("count", len(projects)))

	for _, project := range projects {
		if ctx.Err() != nil {
			return
		}
		if err := p.ReconcileProject(ctx, project.ID); err != nil {
			p.logger.Error("Failed to reconcile project",
				zap.Int64("project_id", project.ID),
				zap.Error(err),
			)
		}
	}
}

// ReconcileProject 核对单个项目。创建裁定持项目级锁，里程碑核对持
// 各自的里程碑锁，与对账器在同一把锁上互斥。入参只有 id：列表快照
// 可能已经过期，一切核对都以锁内重读到的状态为准。
func (p *Poller) ReconcileProject(ctx context.Context, projectID int64) error {
	project, err := p.lockAndLoad(ctx, projectID)
	if err != nil || project == nil {
		return err
	}
	return p.reconcileMilestones(ctx, project)
}

// lockAndLoad 在项目级锁内重读账本。没有链上 id 的项目走创建裁定，
// 返回 nil 项目表示本轮对它无事可做。
func (p *Poller) lockAndLoad(ctx context.Context, projectID int64) (*model.Project, error) {
	unlock := p.locks.Acquire(projectID, -1)
	defer unlock()

	project, err := p.ledger.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if project.OnchainProjectID == nil {
		return nil, p.resolvePendingCreation(ctx, project)
	}
	return project, nil
}

// resolvePendingCreation 裁定未决的创建交易：回执成功则补记链上 id，
// 回执失败则退回 draft，没有回执就保持未决等下一轮。
func (p *Poller) resolvePendingCreation(ctx context.Context, project *model.Project) error {
	if project.Status != model.ProjectOnchainPending || project.LastTxHash == "" {
		// draft 项目没有任何链上痕迹，无需核对
		return p.ledger.TouchChecked(ctx, project.ID)
	}

	var receipt *types.Receipt
	err := p.breaker.Execute(func() error {
		var e error
		receipt, e = p.reader.ConfirmedReceipt(ctx, project.LastTxHash)
		return e
	})
	if err != nil {
		return fmt.Errorf("receipt lookup for project %d: %w", project.ID, err)
	}
	if receipt == nil {
		p.logger.Debug("Creation tx still unconfirmed",
			zap.Int64("project_id", project.ID),
			zap.String("tx_hash", project.LastTxHash),
		)
		return nil
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		if err := p.ledger.ForceProjectStatus(ctx, project.ID, model.ProjectDraft, project.LastTxHash); err != nil {
			return err
		}
		metrics.RecordDriftCorrection("project")
		p.auditCorrection(ctx, project.ID, nil, "creation_resolved",
			string(model.ProjectOnchainPending), string(model.ProjectDraft), project.LastTxHash, nil)
		return nil
	}

	onchainID, err := p.reader.ParseCreatedID(receipt)
	if err != nil {
		return fmt.Errorf("creation receipt for project %d: %w", project.ID, err)
	}

	err = p.ledger.SetOnchainProjectID(ctx, project.ID, onchainID, project.LastTxHash,
		repository.EventSpec{
			AggregateType: "project",
			AggregateID:   &project.ID,
			RoutingKey:    mqcontract.RoutingKeyProjectOpened,
			Payload: mqcontract.ProjectEventPayload{
				ProjectID:        project.ID,
				OnchainProjectID: &onchainID,
				ClientID:         project.ClientID,
				Status:           string(model.ProjectOpen),
				TxHash:           project.LastTxHash,
			},
		},
	)
	if err != nil {
		return err
	}
	metrics.RecordDriftCorrection("project")
	p.auditCorrection(ctx, project.ID, nil, "creation_resolved",
		string(model.ProjectOnchainPending), string(model.ProjectOpen), project.LastTxHash,
		map[string]any{"onchain_project_id": onchainID})
	return nil
}

// reconcileMilestones 以链上状态为准覆盖本地里程碑状态。
// 链上没有 release_requested：本地 release_requested 对应链上 funded，
// 这不算分歧。金额不一致只告警，状态照常核对。
func (p *Poller) reconcileMilestones(ctx context.Context, project *model.Project) error {
	var schedule *chain.MilestoneSchedule
	err := p.breaker.Execute(func() error {
		var e error
		schedule, e = p.reader.ReadMilestoneSchedule(ctx, *project.OnchainProjectID)
		return e
	})
	if err != nil {
		return fmt.Errorf("schedule read for project %d: %w", project.ID, err)
	}

	if len(schedule.Amounts) != len(project.Milestones) {
		metrics.StaleScheduleAlerts.Inc()
		p.logger.Error("Onchain schedule length diverges from ledger, manual intervention required",
			zap.Int64("project_id", project.ID),
			zap.Int("ledger", len(project.Milestones)),
			zap.Int("onchain", len(schedule.Amounts)),
		)
		p.auditCorrection(ctx, project.ID, nil, "stale_schedule", "", "", "",
			map[string]any{"ledger_len": len(project.Milestones), "onchain_len": len(schedule.Amounts)})
		return nil
	}

	corrected := false
	for i := range project.Milestones {
		m := &project.Milestones[i]

		// 金额在账本里不可变，快照比对即可
		if schedule.Amounts[i].Cmp(m.AmountWei) != 0 {
			metrics.StaleScheduleAlerts.Inc()
			p.logger.Error("Onchain amount diverges from ledger, not auto-correcting",
				zap.Int64("project_id", project.ID),
				zap.Int("mid", m.Mid),
				zap.String("ledger_wei", model.FormatWei(m.AmountWei)),
				zap.String("onchain_wei", schedule.Amounts[i].String()),
			)
			p.auditCorrection(ctx, project.ID, &m.Mid, "stale_schedule", "", "", "",
				map[string]any{
					"ledger_wei":  model.FormatWei(m.AmountWei),
					"onchain_wei": schedule.Amounts[i].String(),
				})
		}

		changed, err := p.reconcileMilestoneState(ctx, project.ID, *project.OnchainProjectID, m.Mid)
		if err != nil {
			return err
		}
		corrected = corrected || changed
	}

	fresh, err := p.ledger.GetProject(ctx, project.ID)
	if err != nil {
		return err
	}
	if err := p.settleProject(ctx, fresh); err != nil {
		return err
	}
	if !corrected {
		return p.ledger.TouchChecked(ctx, project.ID)
	}
	return nil
}

// reconcileMilestoneState 在里程碑锁内核对单个里程碑。锁内先重读账本
// 再读链：账本里任何已提交的状态必然已经上链，此序下读到的分歧才是
// 真实漂移，而不是与对账器提交交错产生的假象。
func (p *Poller) reconcileMilestoneState(ctx context.Context, projectID int64, onchainID uint64, mid int) (bool, error) {
	unlock := p.locks.Acquire(projectID, mid)
	defer unlock()

	fresh, err := p.ledger.GetProject(ctx, projectID)
	if err != nil {
		return false, err
	}
	m := fresh.Milestone(mid)
	if m == nil {
		return false, nil
	}

	var chainState model.MilestoneState
	err = p.breaker.Execute(func() error {
		var e error
		chainState, e = p.reader.ReadMilestoneState(ctx, onchainID, mid)
		return e
	})
	if err != nil {
		return false, fmt.Errorf("milestone state read for project %d mid %d: %w", projectID, mid, err)
	}

	if chainState == m.State {
		return false, nil
	}
	if chainState == model.MilestoneFunded && m.State == model.MilestoneReleaseRequested {
		return false, nil
	}
	if m.State.Terminal() {
		// 链上终态不可逆，账本终态却与链对不上说明数据异常，
		// 终态绝不回退，只告警留案等人工处理
		p.logger.Error("Ledger milestone is terminal but chain disagrees, refusing to regress",
			zap.Int64("project_id", projectID),
			zap.Int("mid", mid),
			zap.String("ledger_state", string(m.State)),
			zap.String("chain_state", string(chainState)),
		)
		p.auditCorrection(ctx, projectID, &mid, "state_anomaly",
			string(m.State), string(chainState), "", nil)
		return false, nil
	}

	event := repository.EventSpec{
		AggregateType: "milestone",
		AggregateID:   &projectID,
		RoutingKey:    mqcontract.RoutingKeyMilestoneCorrected,
		Payload: mqcontract.MilestoneEventPayload{
			ProjectID: projectID,
			Mid:       mid,
			State:     string(chainState),
			AmountWei: model.FormatWei(m.AmountWei),
			Corrected: true,
		},
	}
	if err := p.ledger.ForceMilestoneState(ctx, projectID, mid, chainState, "", event); err != nil {
		return false, err
	}
	metrics.RecordDriftCorrection("milestone")
	p.auditCorrection(ctx, projectID, &mid, "drift_corrected",
		string(m.State), string(chainState), "", nil)
	return true, nil
}

// settleProject 修正后重算项目状态，与对账器的收尾规则一致
func (p *Poller) settleProject(ctx context.Context, project *model.Project) error {
	if project.Status != model.ProjectOpen || !project.AllTerminal() {
		return nil
	}

	target := model.ProjectCompleted
	routingKey := mqcontract.RoutingKeyProjectCompleted
	if project.AnyRefunded() {
		target = model.ProjectCancelled
		routingKey = mqcontract.RoutingKeyProjectCancelled
	}

	err := p.ledger.UpdateProjectStatus(ctx, project.ID, model.ProjectOpen, target, "",
		repository.EventSpec{
			AggregateType: "project",
			AggregateID:   &project.ID,
			RoutingKey:    routingKey,
			Payload: mqcontract.ProjectEventPayload{
				ProjectID:        project.ID,
				OnchainProjectID: project.OnchainProjectID,
				ClientID:         project.ClientID,
				Status:           string(target),
			},
		},
	)
	if errors.Is(err, repository.ErrConflict) {
		return nil
	}
	if err == nil {
		metrics.RecordDriftCorrection("project")
		p.auditCorrection(ctx, project.ID, nil, "drift_corrected",
			string(model.ProjectOpen), string(target), "", nil)
	}
	return err
}

func (p *Poller) auditCorrection(ctx context.Context, projectID int64, mid *int, action, from, to, txHash string, detail map[string]any) {
	var raw json.RawMessage
	if detail != nil {
		raw, _ = json.Marshal(detail)
	}
	// 审计失败不阻断修正，Insert 内部已记日志
	_ = p.audit.Insert(ctx, &repository.AuditEntry{
		ProjectID: projectID,
		Mid:       mid,
		Action:    action,
		FromState: from,
		ToState:   to,
		TxHash:    txHash,
		Detail:    raw,
		Source:    "syncer",
	})
}
