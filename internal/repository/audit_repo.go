package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// AuditEntry 一条对账/修正审计记录
type AuditEntry struct {
	ID        int64           `json:"id"`
	ProjectID int64           `json:"project_id"`
	Mid       *int            `json:"mid,omitempty"`
	Action    string          `json:"action"` // drift_corrected / stale_schedule / creation_resolved / milestone_event
	FromState string          `json:"from_state"`
	ToState   string          `json:"to_state"`
	TxHash    string          `json:"tx_hash,omitempty"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	Source    string          `json:"source"` // syncer / reconciler / consumer
	CreatedAt time.Time       `json:"created_at"`
}

// AuditRepository 修正审计日志，仅追加
type AuditRepository struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

func NewAuditRepository(db *pgxpool.Pool, logger *zap.Logger) *AuditRepository {
	return &AuditRepository{db: db, logger: logger}
}

// Insert 追加审计记录。审计失败不应阻断修正本身，调用方只记日志。
func (r *AuditRepository) Insert(ctx context.Context, e *AuditEntry) error {
	detail := e.Detail
	if detail == nil {
		detail = json.RawMessage("{}")
	}
	_, err := r.db.Exec(ctx, `
        INSERT INTO escrow_audit_log (project_id, mid, action, from_state, to_state, tx_hash, detail, source)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
    `, e.ProjectID, e.Mid, e.Action, e.FromState, e.ToState, e.TxHash, detail, e.Source)
	if err != nil {
		r.logger.Error("Failed to insert audit entry",
			zap.Int64("project_id", e.ProjectID),
			zap.String("action", e.Action),
			zap.Error(err),
		)
	}
	return err
}

// ListByProject 按时间倒序查询项目的审计记录
func (r *AuditRepository) ListByProject(ctx context.Context, projectID int64, limit int) ([]*AuditEntry, error) {
	rows, err := r.db.Query(ctx, `
        SELECT id, project_id, mid, action, from_state, to_state, COALESCE(tx_hash, ''), detail, source, created_at
        FROM escrow_audit_log
        WHERE project_id = $1
        ORDER BY created_at DESC
        LIMIT $2
    `, projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.Mid, &e.Action, &e.FromState, &e.ToState, &e.TxHash, &e.Detail, &e.Source, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
