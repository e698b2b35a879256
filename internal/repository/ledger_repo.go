package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"gigvault/internal/model"
	"gigvault/pkg/outbox"
)

// ErrConflict compare-and-set 失败：当前持久化状态不是期望的 from 状态。
// 调用方（Reconciler）应当丢弃本次冗余写入，链上状态仍然一致。
var ErrConflict = errors.New("ledger state conflict")

// ErrNotFound 记录不存在
var ErrNotFound = errors.New("ledger record not found")

// EventSpec 随状态转换一起写入 outbox 的事件
type EventSpec struct {
	AggregateType string
	AggregateID   *int64
	RoutingKey    string
	Payload       any
}

// LedgerRepository 是项目/里程碑状态唯一的持久化入口。
// 里程碑状态只能经由 ApplyMilestoneTransition（CAS）或
// ForceMilestoneState（仅 Sync Poller 修复时使用）变更。
type LedgerRepository struct {
	db     *pgxpool.Pool
	outbox *outbox.Repository
	logger *zap.Logger
}

func NewLedgerRepository(db *pgxpool.Pool, outboxRepo *outbox.Repository, logger *zap.Logger) *LedgerRepository {
	return &LedgerRepository{
		db:     db,
		outbox: outboxRepo,
		logger: logger,
	}
}

// CreateProject 插入项目及其全部里程碑（draft 状态），返回内部 id
func (r *LedgerRepository) CreateProject(ctx context.Context, p *model.Project) (int64, error) {
	r.logger.Debug("Inserting project",
		zap.Int64("client_id", p.ClientID),
		zap.Int("milestones", len(p.Milestones)),
	)

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var id int64
	err = tx.QueryRow(ctx, `
        INSERT INTO projects (client_id, freelancer_address, budget_wei, status)
        VALUES ($1, $2, $3, $4)
        RETURNING id
    `,
		p.ClientID,
		p.FreelancerAddress,
		model.FormatWei(p.BudgetWei),
		string(model.ProjectDraft),
	).Scan(&id)
	if err != nil {
		r.logger.Error("Failed to insert project", zap.Error(err))
		return 0, err
	}

	for i := range p.Milestones {
		m := &p.Milestones[i]
		_, err = tx.Exec(ctx, `
            INSERT INTO milestones (project_id, mid, amount_wei, state)
            VALUES ($1, $2, $3, $4)
        `,
			id,
			m.Mid,
			model.FormatWei(m.AmountWei),
			string(model.MilestonePending),
		)
		if err != nil {
			r.logger.Error("Failed to insert milestone",
				zap.Int64("project_id", id),
				zap.Int("mid", m.Mid),
				zap.Error(err),
			)
			return 0, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}

	r.logger.Info("Project inserted successfully",
		zap.Int64("id", id),
		zap.Int64("client_id", p.ClientID),
	)
	return id, nil
}

// GetProject 读取项目及按 mid 升序排列的里程碑。只读已提交状态。
func (r *LedgerRepository) GetProject(ctx context.Context, id int64) (*model.Project, error) {
	var (
		p         model.Project
		onchainID *int64
		budget    string
		status    string
	)
	err := r.db.QueryRow(ctx, `
        SELECT id, onchain_project_id, client_id, freelancer_address, budget_wei,
               status, COALESCE(last_tx_hash, ''), needs_reconciliation, checked_at, created_at, updated_at
        FROM projects
        WHERE id = $1
    `, id).Scan(
		&p.ID,
		&onchainID,
		&p.ClientID,
		&p.FreelancerAddress,
		&budget,
		&status,
		&p.LastTxHash,
		&p.NeedsReconciliation,
		&p.CheckedAt,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		r.logger.Error("Failed to get project", zap.Int64("id", id), zap.Error(err))
		return nil, err
	}

	if onchainID != nil {
		v := uint64(*onchainID)
		p.OnchainProjectID = &v
	}
	p.Status = model.ProjectStatus(status)
	if p.BudgetWei, err = model.ParseWei(budget); err != nil {
		return nil, fmt.Errorf("corrupt budget for project %d: %w", id, err)
	}

	milestones, err := r.loadMilestones(ctx, id)
	if err != nil {
		return nil, err
	}
	p.Milestones = milestones

	return &p, nil
}

func (r *LedgerRepository) loadMilestones(ctx context.Context, projectID int64) ([]model.Milestone, error) {
	rows, err := r.db.Query(ctx, `
        SELECT project_id, mid, amount_wei, state, COALESCE(last_tx_hash, ''),
               COALESCE(refund_reason, ''), needs_reconciliation, checked_at, updated_at
        FROM milestones
        WHERE project_id = $1
        ORDER BY mid ASC
    `, projectID)
	if err != nil {
		r.logger.Error("Failed to query milestones", zap.Error(err))
		return nil, err
	}
	defer rows.Close()

	var milestones []model.Milestone
	for rows.Next() {
		var (
			m      model.Milestone
			amount string
			state  string
		)
		if err := rows.Scan(
			&m.ProjectID,
			&m.Mid,
			&amount,
			&state,
			&m.LastTxHash,
			&m.RefundReason,
			&m.NeedsReconciliation,
			&m.CheckedAt,
			&m.UpdatedAt,
		); err != nil {
			r.logger.Error("Failed to scan milestone", zap.Error(err))
			return nil, err
		}
		m.State = model.MilestoneState(state)
		if m.AmountWei, err = model.ParseWei(amount); err != nil {
			return nil, fmt.Errorf("corrupt amount for project %d mid %d: %w", projectID, m.Mid, err)
		}
		milestones = append(milestones, m)
	}

	return milestones, rows.Err()
}

// SetOnchainProjectID 记录链上项目 id，并把项目置为 open。
// onchain_project_id 只允许从 NULL 赋值一次：谓词失败返回 ErrConflict。
func (r *LedgerRepository) SetOnchainProjectID(ctx context.Context, id int64, onchainID uint64, txHash string, events ...EventSpec) error {
	return r.inTx(ctx, events, func(tx pgx.Tx) (int64, error) {
		tag, err := tx.Exec(ctx, `
            UPDATE projects
            SET onchain_project_id = $1, status = $2, last_tx_hash = $3,
                needs_reconciliation = FALSE, checked_at = NOW(), updated_at = NOW()
            WHERE id = $4 AND onchain_project_id IS NULL
        `, int64(onchainID), string(model.ProjectOpen), txHash, id)
		if err != nil {
			return 0, err
		}
		return tag.RowsAffected(), nil
	})
}

// UpdateProjectStatus 项目状态的 CAS 转换
func (r *LedgerRepository) UpdateProjectStatus(ctx context.Context, id int64, from, to model.ProjectStatus, txHash string, events ...EventSpec) error {
	return r.inTx(ctx, events, func(tx pgx.Tx) (int64, error) {
		tag, err := tx.Exec(ctx, `
            UPDATE projects
            SET status = $1, last_tx_hash = COALESCE(NULLIF($2, ''), last_tx_hash), updated_at = NOW()
            WHERE id = $3 AND status = $4
        `, string(to), txHash, id, string(from))
		if err != nil {
			return 0, err
		}
		return tag.RowsAffected(), nil
	})
}

// ForceProjectStatus 无前置条件的状态覆盖。仅 Sync Poller 修复分歧时使用，
// 每次调用都必须伴随审计日志。
func (r *LedgerRepository) ForceProjectStatus(ctx context.Context, id int64, to model.ProjectStatus, txHash string, events ...EventSpec) error {
	r.logger.Warn("Forcing project status from canonical chain state",
		zap.Int64("project_id", id),
		zap.String("to", string(to)),
		zap.String("tx_hash", txHash),
	)
	return r.inTx(ctx, events, func(tx pgx.Tx) (int64, error) {
		tag, err := tx.Exec(ctx, `
            UPDATE projects
            SET status = $1, last_tx_hash = COALESCE(NULLIF($2, ''), last_tx_hash),
                needs_reconciliation = FALSE, checked_at = NOW(), updated_at = NOW()
            WHERE id = $3
        `, string(to), txHash, id)
		if err != nil {
			return 0, err
		}
		return tag.RowsAffected(), nil
	})
}

// ApplyMilestoneTransition 里程碑状态的 CAS 转换，唯一的常规写入路径。
// 当前状态不等于 from 时返回 ErrConflict，防止过期的对账覆盖新结果。
// 事件、退款原因与状态变更在同一事务中写入，不会出现有退款没原因的记录。
func (r *LedgerRepository) ApplyMilestoneTransition(ctx context.Context, projectID int64, mid int, from, to model.MilestoneState, txHash, reason string, events ...EventSpec) error {
	err := r.inTx(ctx, events, func(tx pgx.Tx) (int64, error) {
		tag, err := tx.Exec(ctx, `
            UPDATE milestones
            SET state = $1, last_tx_hash = COALESCE(NULLIF($2, ''), last_tx_hash),
                refund_reason = COALESCE(NULLIF($3, ''), refund_reason),
                needs_reconciliation = FALSE, checked_at = NOW(), updated_at = NOW()
            WHERE project_id = $4 AND mid = $5 AND state = $6
        `, string(to), txHash, reason, projectID, mid, string(from))
		if err != nil {
			return 0, err
		}
		return tag.RowsAffected(), nil
	})
	if errors.Is(err, ErrConflict) {
		r.logger.Info("Milestone transition lost the race, discarding redundant write",
			zap.Int64("project_id", projectID),
			zap.Int("mid", mid),
			zap.String("from", string(from)),
			zap.String("to", string(to)),
		)
	}
	return err
}

// ForceMilestoneState 无视 from 前置条件的覆盖写入。
// 只有 Sync Poller 在确认本地状态已过期后才允许调用。
func (r *LedgerRepository) ForceMilestoneState(ctx context.Context, projectID int64, mid int, to model.MilestoneState, txHash string, events ...EventSpec) error {
	r.logger.Warn("Forcing milestone state from canonical chain state",
		zap.Int64("project_id", projectID),
		zap.Int("mid", mid),
		zap.String("to", string(to)),
		zap.String("tx_hash", txHash),
	)
	return r.inTx(ctx, events, func(tx pgx.Tx) (int64, error) {
		tag, err := tx.Exec(ctx, `
            UPDATE milestones
            SET state = $1, last_tx_hash = COALESCE(NULLIF($2, ''), last_tx_hash),
                needs_reconciliation = FALSE, checked_at = NOW(), updated_at = NOW()
            WHERE project_id = $3 AND mid = $4
        `, string(to), txHash, projectID, mid)
		if err != nil {
			return 0, err
		}
		return tag.RowsAffected(), nil
	})
}

// MarkMilestoneNeedsReconciliation 标记超时未决的里程碑，交给 Sync Poller 解决
func (r *LedgerRepository) MarkMilestoneNeedsReconciliation(ctx context.Context, projectID int64, mid int) error {
	_, err := r.db.Exec(ctx, `
        UPDATE milestones SET needs_reconciliation = TRUE, updated_at = NOW()
        WHERE project_id = $1 AND mid = $2
    `, projectID, mid)
	if err != nil {
		r.logger.Error("Failed to flag milestone for reconciliation",
			zap.Int64("project_id", projectID),
			zap.Int("mid", mid),
			zap.Error(err),
		)
	}
	return err
}

// MarkProjectNeedsReconciliation 标记项目（创建交易未决时使用）
func (r *LedgerRepository) MarkProjectNeedsReconciliation(ctx context.Context, id int64) error {
	_, err := r.db.Exec(ctx, `
        UPDATE projects SET needs_reconciliation = TRUE, updated_at = NOW()
        WHERE id = $1
    `, id)
	return err
}

// TouchChecked 记录一次核对完成（链上与本地一致，无需修正）
func (r *LedgerRepository) TouchChecked(ctx context.Context, projectID int64) error {
	_, err := r.db.Exec(ctx, `
        UPDATE projects SET needs_reconciliation = FALSE, checked_at = NOW() WHERE id = $1
    `, projectID)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `
        UPDATE milestones SET needs_reconciliation = FALSE, checked_at = NOW() WHERE project_id = $1
    `, projectID)
	return err
}

// ListReconcilable 列出需要核对的项目：被标记的，或超过新鲜度阈值未核对的。
// draft 没有链上痕迹，completed/cancelled 是终态，都不再进入核对队列。
func (r *LedgerRepository) ListReconcilable(ctx context.Context, freshness time.Duration, limit int) ([]*model.Project, error) {
	rows, err := r.db.Query(ctx, `
        SELECT DISTINCT p.id
        FROM projects p
        LEFT JOIN milestones m ON m.project_id = p.id
        WHERE p.status NOT IN ($1, $2, $3)
          AND (p.needs_reconciliation
               OR m.needs_reconciliation
               OR p.checked_at < NOW() - $4::interval)
        ORDER BY p.id ASC
        LIMIT $5
    `,
		string(model.ProjectDraft),
		string(model.ProjectCompleted),
		string(model.ProjectCancelled),
		fmt.Sprintf("%d seconds", int(freshness.Seconds())),
		limit,
	)
	if err != nil {
		r.logger.Error("Failed to list reconcilable projects", zap.Error(err))
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	projects := make([]*model.Project, 0, len(ids))
	for _, id := range ids {
		p, err := r.GetProject(ctx, id)
		if err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, nil
}

// inTx 执行 CAS 写入并在同一事务中插入 outbox 事件；0 行受影响视为 ErrConflict
func (r *LedgerRepository) inTx(ctx context.Context, events []EventSpec, mutate func(tx pgx.Tx) (int64, error)) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	affected, err := mutate(tx)
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrConflict
	}

	for _, e := range events {
		if err := outbox.InsertEventInTx(ctx, tx, r.outbox, e.AggregateType, e.AggregateID, e.RoutingKey, e.Payload); err != nil {
			return fmt.Errorf("failed to insert outbox event: %w", err)
		}
	}

	return tx.Commit(ctx)
}
