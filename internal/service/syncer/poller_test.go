package syncer

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"gigvault/internal/chain"
	"gigvault/internal/model"
	"gigvault/internal/repository"
	"gigvault/internal/service/escrow"
)

type forcedMilestone struct {
	mid   int
	state model.MilestoneState
}

// recordingLedger 内存账本，记录 Sync Poller 的全部写入。
// GetProject 返回深拷贝，写入落到持有的项目上，与真实仓库同语义。
type recordingLedger struct {
	mu            sync.Mutex
	project       *model.Project
	forced        []forcedMilestone
	forcedStatus  []model.ProjectStatus
	setOnchainID  *uint64
	statusUpdates []model.ProjectStatus
	touched       int
	events        []repository.EventSpec
}

func (r *recordingLedger) ListReconcilable(context.Context, time.Duration, int) ([]*model.Project, error) {
	return nil, nil
}

func (r *recordingLedger) GetProject(_ context.Context, _ int64) (*model.Project, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *r.project
	cp.Milestones = append([]model.Milestone(nil), r.project.Milestones...)
	return &cp, nil
}

func (r *recordingLedger) SetOnchainProjectID(_ context.Context, _ int64, onchainID uint64, _ string, events ...repository.EventSpec) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.setOnchainID = &onchainID
	r.project.OnchainProjectID = &onchainID
	r.project.Status = model.ProjectOpen
	r.events = append(r.events, events...)
	return nil
}

func (r *recordingLedger) UpdateProjectStatus(_ context.Context, _ int64, from, to model.ProjectStatus, _ string, events ...repository.EventSpec) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.project.Status != from {
		return repository.ErrConflict
	}
	r.project.Status = to
	r.statusUpdates = append(r.statusUpdates, to)
	r.events = append(r.events, events...)
	return nil
}

func (r *recordingLedger) ForceProjectStatus(_ context.Context, _ int64, to model.ProjectStatus, _ string, events ...repository.EventSpec) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.project.Status = to
	r.forcedStatus = append(r.forcedStatus, to)
	r.events = append(r.events, events...)
	return nil
}

func (r *recordingLedger) ForceMilestoneState(_ context.Context, _ int64, mid int, to model.MilestoneState, _ string, events ...repository.EventSpec) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m := r.project.Milestone(mid); m != nil {
		m.State = to
	}
	r.forced = append(r.forced, forcedMilestone{mid: mid, state: to})
	r.events = append(r.events, events...)
	return nil
}

func (r *recordingLedger) TouchChecked(context.Context, int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.touched++
	return nil
}

type recordingAuditor struct {
	mu      sync.Mutex
	entries []*repository.AuditEntry
}

func (r *recordingAuditor) Insert(_ context.Context, e *repository.AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	return nil
}

func (r *recordingAuditor) actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.Action
	}
	return out
}

// stubReader 可编排的链上只读视图
type stubReader struct {
	schedule  *chain.MilestoneSchedule
	readCalls int
	receipt   *types.Receipt
	createdID uint64
}

func (s *stubReader) ReadMilestoneSchedule(context.Context, uint64) (*chain.MilestoneSchedule, error) {
	s.readCalls++
	return s.schedule, nil
}

func (s *stubReader) ReadMilestoneState(_ context.Context, _ uint64, mid int) (model.MilestoneState, error) {
	return s.schedule.States[mid], nil
}

func (s *stubReader) ConfirmedReceipt(context.Context, string) (*types.Receipt, error) {
	return s.receipt, nil
}

func (s *stubReader) ParseCreatedID(*types.Receipt) (uint64, error) {
	return s.createdID, nil
}

func newTestPoller(ledger *recordingLedger, audit *recordingAuditor, reader *stubReader, locks *escrow.KeyedLocks) *Poller {
	return NewPoller(ledger, audit, reader, locks, time.Second, time.Minute, zap.NewNop())
}

func openProject(onchainID uint64, states ...model.MilestoneState) *model.Project {
	p := &model.Project{
		ID:               1,
		OnchainProjectID: &onchainID,
		ClientID:         10,
		Status:           model.ProjectOpen,
	}
	for i, s := range states {
		p.Milestones = append(p.Milestones, model.Milestone{
			ProjectID: 1,
			Mid:       i,
			AmountWei: big.NewInt(1000),
			State:     s,
		})
	}
	p.BudgetWei = p.ScheduledTotal()
	return p
}

func onchainSchedule(states ...model.MilestoneState) *chain.MilestoneSchedule {
	s := &chain.MilestoneSchedule{}
	for range states {
		s.Amounts = append(s.Amounts, big.NewInt(1000))
	}
	s.States = states
	return s
}

// 本地落后于链上：以链上为准覆盖，并留下审计记录
func TestDriftCorrection(t *testing.T) {
	ledger := &recordingLedger{project: openProject(7, model.MilestoneFunded, model.MilestoneFunded)}
	audit := &recordingAuditor{}
	reader := &stubReader{schedule: onchainSchedule(model.MilestoneReleased, model.MilestoneFunded)}

	poller := newTestPoller(ledger, audit, reader, escrow.NewKeyedLocks())
	require.NoError(t, poller.ReconcileProject(context.Background(), 1))

	require.Len(t, ledger.forced, 1)
	assert.Equal(t, 0, ledger.forced[0].mid)
	assert.Equal(t, model.MilestoneReleased, ledger.forced[0].state)
	assert.Contains(t, audit.actions(), "drift_corrected")

	require.Len(t, ledger.events, 1)
	assert.Equal(t, "escrow.milestone.corrected", ledger.events[0].RoutingKey)
}

// 一致的项目只刷新核对时间，不产生任何写入
func TestConsistentProjectOnlyTouches(t *testing.T) {
	ledger := &recordingLedger{project: openProject(7, model.MilestoneFunded, model.MilestonePending)}
	audit := &recordingAuditor{}
	reader := &stubReader{schedule: onchainSchedule(model.MilestoneFunded, model.MilestonePending)}

	poller := newTestPoller(ledger, audit, reader, escrow.NewKeyedLocks())
	require.NoError(t, poller.ReconcileProject(context.Background(), 1))

	assert.Empty(t, ledger.forced)
	assert.Empty(t, audit.entries)
	assert.Equal(t, 1, ledger.touched)
}

// 本地 release_requested 对应链上 funded，不算分歧
func TestReleaseRequestedNotTreatedAsDrift(t *testing.T) {
	ledger := &recordingLedger{project: openProject(7, model.MilestoneReleaseRequested)}
	audit := &recordingAuditor{}
	reader := &stubReader{schedule: onchainSchedule(model.MilestoneFunded)}

	poller := newTestPoller(ledger, audit, reader, escrow.NewKeyedLocks())
	require.NoError(t, poller.ReconcileProject(context.Background(), 1))

	assert.Empty(t, ledger.forced)
	assert.Equal(t, 1, ledger.touched)
}

// 账本终态绝不回退：链上读数与终态对不上时只告警留案
func TestTerminalStateNeverRegressed(t *testing.T) {
	ledger := &recordingLedger{project: openProject(7, model.MilestoneReleased)}
	audit := &recordingAuditor{}
	reader := &stubReader{schedule: onchainSchedule(model.MilestoneFunded)}

	poller := newTestPoller(ledger, audit, reader, escrow.NewKeyedLocks())
	require.NoError(t, poller.ReconcileProject(context.Background(), 1))

	assert.Empty(t, ledger.forced, "terminal milestone must not be forced back")
	assert.Equal(t, model.MilestoneReleased, ledger.project.Milestone(0).State)
	assert.Contains(t, audit.actions(), "state_anomaly")
}

// 核对以锁内重读到的账本为准：放款在列表扫描之后落库，
// 锁内重读看到 released，与链一致，不产生任何修正
func TestFreshReadUnderLockSeesLateCommit(t *testing.T) {
	ledger := &recordingLedger{project: openProject(7, model.MilestoneFunded)}
	audit := &recordingAuditor{}
	reader := &stubReader{schedule: onchainSchedule(model.MilestoneReleased)}

	// 列表扫描后、核对前，对账器提交了放款
	ledger.project.Milestones[0].State = model.MilestoneReleased

	poller := newTestPoller(ledger, audit, reader, escrow.NewKeyedLocks())
	require.NoError(t, poller.ReconcileProject(context.Background(), 1))

	assert.Empty(t, ledger.forced)
	assert.Empty(t, audit.actions())
}

// 与对账器共用同一把里程碑锁：锁被持有期间核对必须等待
func TestReconcileWaitsForSharedMilestoneLock(t *testing.T) {
	locks := escrow.NewKeyedLocks()
	ledger := &recordingLedger{project: openProject(7, model.MilestoneFunded)}
	reader := &stubReader{schedule: onchainSchedule(model.MilestoneFunded)}
	poller := newTestPoller(ledger, &recordingAuditor{}, reader, locks)

	unlock := locks.Acquire(1, 0)
	done := make(chan error, 1)
	go func() {
		done <- poller.ReconcileProject(context.Background(), 1)
	}()

	select {
	case <-done:
		t.Fatal("reconcile finished while the milestone lock was held")
	case <-time.After(50 * time.Millisecond):
	}

	unlock()
	require.NoError(t, <-done)
	assert.Equal(t, 1, ledger.touched)
}

// 金额分歧：只告警审计，绝不改账本金额，状态核对照常进行
func TestStaleScheduleAlertsWithoutCorrection(t *testing.T) {
	ledger := &recordingLedger{project: openProject(7, model.MilestoneFunded)}
	audit := &recordingAuditor{}
	schedule := onchainSchedule(model.MilestoneFunded)
	schedule.Amounts[0] = big.NewInt(9999)
	reader := &stubReader{schedule: schedule}

	poller := newTestPoller(ledger, audit, reader, escrow.NewKeyedLocks())
	require.NoError(t, poller.ReconcileProject(context.Background(), 1))

	assert.Empty(t, ledger.forced)
	assert.Contains(t, audit.actions(), "stale_schedule")
}

// schedule 长度都对不上：只告警，什么都不碰
func TestScheduleLengthMismatch(t *testing.T) {
	ledger := &recordingLedger{project: openProject(7, model.MilestoneFunded)}
	audit := &recordingAuditor{}
	reader := &stubReader{schedule: onchainSchedule(model.MilestoneFunded, model.MilestoneFunded)}

	poller := newTestPoller(ledger, audit, reader, escrow.NewKeyedLocks())
	require.NoError(t, poller.ReconcileProject(context.Background(), 1))

	assert.Empty(t, ledger.forced)
	assert.Equal(t, 0, ledger.touched)
	assert.Contains(t, audit.actions(), "stale_schedule")
}

// 修正后全部终态：项目收尾，且退款优先判 cancelled
func TestSettleAfterCorrection(t *testing.T) {
	ledger := &recordingLedger{project: openProject(7, model.MilestoneReleased, model.MilestoneFunded)}
	audit := &recordingAuditor{}
	reader := &stubReader{schedule: onchainSchedule(model.MilestoneReleased, model.MilestoneRefunded)}

	poller := newTestPoller(ledger, audit, reader, escrow.NewKeyedLocks())
	require.NoError(t, poller.ReconcileProject(context.Background(), 1))

	require.Len(t, ledger.forced, 1)
	assert.Equal(t, model.MilestoneRefunded, ledger.forced[0].state)
	require.Len(t, ledger.statusUpdates, 1)
	assert.Equal(t, model.ProjectCancelled, ledger.statusUpdates[0])
}

// 未决创建：回执成功 → 补记链上 id
func TestResolvePendingCreationSuccess(t *testing.T) {
	ledger := &recordingLedger{
		project: &model.Project{ID: 1, ClientID: 10, Status: model.ProjectOnchainPending, LastTxHash: "0xabc"},
	}
	audit := &recordingAuditor{}
	reader := &stubReader{
		receipt:   &types.Receipt{Status: types.ReceiptStatusSuccessful},
		createdID: 42,
	}

	poller := newTestPoller(ledger, audit, reader, escrow.NewKeyedLocks())
	require.NoError(t, poller.ReconcileProject(context.Background(), 1))

	require.NotNil(t, ledger.setOnchainID)
	assert.Equal(t, uint64(42), *ledger.setOnchainID)
	assert.Contains(t, audit.actions(), "creation_resolved")
}

// 未决创建：回执失败 → 退回 draft
func TestResolvePendingCreationReverted(t *testing.T) {
	ledger := &recordingLedger{
		project: &model.Project{ID: 1, ClientID: 10, Status: model.ProjectOnchainPending, LastTxHash: "0xabc"},
	}
	audit := &recordingAuditor{}
	reader := &stubReader{receipt: &types.Receipt{Status: types.ReceiptStatusFailed}}

	poller := newTestPoller(ledger, audit, reader, escrow.NewKeyedLocks())
	require.NoError(t, poller.ReconcileProject(context.Background(), 1))

	require.Len(t, ledger.forcedStatus, 1)
	assert.Equal(t, model.ProjectDraft, ledger.forcedStatus[0])
	assert.Nil(t, ledger.setOnchainID)
}

// 未决创建：还没有回执 → 保持未决，等下一轮
func TestResolvePendingCreationStillUnconfirmed(t *testing.T) {
	ledger := &recordingLedger{
		project: &model.Project{ID: 1, ClientID: 10, Status: model.ProjectOnchainPending, LastTxHash: "0xabc"},
	}
	audit := &recordingAuditor{}
	reader := &stubReader{}

	poller := newTestPoller(ledger, audit, reader, escrow.NewKeyedLocks())
	require.NoError(t, poller.ReconcileProject(context.Background(), 1))

	assert.Empty(t, ledger.forcedStatus)
	assert.Nil(t, ledger.setOnchainID)
	assert.Empty(t, audit.entries)
}
