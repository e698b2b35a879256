package mqhandler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	mqcontract "gigvault/contracts/mq"
	"gigvault/internal/repository"
	"gigvault/pkg/metrics"
	"gigvault/pkg/util"
)

const maxRetries = 5

// Auditor 审计落库面，*repository.AuditRepository 满足
type Auditor interface {
	Insert(ctx context.Context, e *repository.AuditEntry) error
}

// Deduper 消费端幂等控制，*util.Deduper 满足
type Deduper interface {
	AcquireOnce(ctx context.Context, handler, eventKey string) bool
	Release(ctx context.Context, handler, eventKey string)
}

// RetryCounter 重投计数，*util.RetryCounter 满足
type RetryCounter interface {
	IncrementAndGet(ctx context.Context, key string) (int64, error)
}

// DLQPublisher 死信发布面，*mq.Publisher 满足
type DLQPublisher interface {
	PublishToDLQ(routingKey string, payload []byte, originalError string) error
}

// EscrowEventHandler 消费 outbox 发布的托管事件，落一份审计轨迹。
// Redis 去重保证同一事件只记录一次；重试超限的消息进 DLQ 人工处理。
type EscrowEventHandler struct {
	audit   Auditor
	deduper Deduper
	retries RetryCounter
	dlq     DLQPublisher
	queue   string
	logger  *zap.Logger
}

func NewEscrowEventHandler(audit Auditor, deduper Deduper, retries RetryCounter, dlq DLQPublisher, queue string, logger *zap.Logger) *EscrowEventHandler {
	return &EscrowEventHandler{
		audit:   audit,
		deduper: deduper,
		retries: retries,
		dlq:     dlq,
		queue:   queue,
		logger:  logger,
	}
}

// HandleMilestoneEvent 处理 escrow.milestone.* 事件
func (h *EscrowEventHandler) HandleMilestoneEvent(ctx context.Context, data json.RawMessage) error {
	start := time.Now()
	defer func() {
		metrics.RecordMQConsumeLatency("escrow.milestone.*", h.queue, time.Since(start))
	}()

	var payload mqcontract.MilestoneEventPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		// 格式错误重试也没用，直接进 DLQ
		h.logger.Error("Invalid milestone event payload", zap.Error(err))
		return h.deadLetter("escrow.milestone.invalid", data, err)
	}

	eventKey := fmt.Sprintf("%d:%d:%s:%s", payload.ProjectID, payload.Mid, payload.State, payload.TxHash)
	if !h.deduper.AcquireOnce(ctx, "milestone_audit", eventKey) {
		h.logger.Debug("Duplicate milestone event skipped", zap.String("event_key", eventKey))
		return nil
	}

	action := "milestone_event"
	if payload.Corrected {
		action = "milestone_corrected_event"
	}
	mid := payload.Mid
	err := h.audit.Insert(ctx, &repository.AuditEntry{
		ProjectID: payload.ProjectID,
		Mid:       &mid,
		Action:    action,
		ToState:   payload.State,
		TxHash:    payload.TxHash,
		Detail:    data,
		Source:    "consumer",
	})
	if err != nil {
		return h.retryOrDrop(ctx, "milestone_audit", eventKey, "escrow.milestone.failed", data, err)
	}

	h.logger.Info("Milestone event recorded",
		zap.Int64("project_id", payload.ProjectID),
		zap.Int("mid", payload.Mid),
		zap.String("state", payload.State),
	)
	return nil
}

// HandleProjectEvent 处理 escrow.project.* 事件
func (h *EscrowEventHandler) HandleProjectEvent(ctx context.Context, data json.RawMessage) error {
	start := time.Now()
	defer func() {
		metrics.RecordMQConsumeLatency("escrow.project.*", h.queue, time.Since(start))
	}()

	var payload mqcontract.ProjectEventPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		h.logger.Error("Invalid project event payload", zap.Error(err))
		return h.deadLetter("escrow.project.invalid", data, err)
	}

	eventKey := fmt.Sprintf("%d:%s:%s", payload.ProjectID, payload.Status, payload.TxHash)
	if !h.deduper.AcquireOnce(ctx, "project_audit", eventKey) {
		h.logger.Debug("Duplicate project event skipped", zap.String("event_key", eventKey))
		return nil
	}

	err := h.audit.Insert(ctx, &repository.AuditEntry{
		ProjectID: payload.ProjectID,
		Action:    "project_event",
		ToState:   payload.Status,
		TxHash:    payload.TxHash,
		Detail:    data,
		Source:    "consumer",
	})
	if err != nil {
		return h.retryOrDrop(ctx, "project_audit", eventKey, "escrow.project.failed", data, err)
	}

	h.logger.Info("Project event recorded",
		zap.Int64("project_id", payload.ProjectID),
		zap.String("status", payload.Status),
	)
	return nil
}

// retryOrDrop 可重试错误交还 MQ 重试，超限或不可重试的进 DLQ 并 ack
func (h *EscrowEventHandler) retryOrDrop(ctx context.Context, handler, eventKey, dlqKey string, data json.RawMessage, cause error) error {
	// 这条消息没有落库成功，先释放去重键，否则重投会被当成重复丢掉
	h.deduper.Release(ctx, handler, eventKey)

	retryable, errType := util.IsRetryableError(cause)
	if !retryable {
		h.logger.Error("Non-retryable consume failure",
			zap.String("event_key", eventKey),
			zap.String("error_type", errType),
			zap.Error(cause),
		)
		return h.deadLetter(dlqKey, data, cause)
	}

	count, err := h.retries.IncrementAndGet(ctx, util.FormatRetryKey(handler, eventKey))
	if err != nil {
		h.logger.Warn("Retry counter unavailable, requeueing anyway", zap.Error(err))
		return cause
	}
	if count > maxRetries {
		h.logger.Error("Retry budget exhausted, dead-lettering",
			zap.String("event_key", eventKey),
			zap.Int64("retries", count),
			zap.Error(cause),
		)
		return h.deadLetter(dlqKey, data, cause)
	}

	h.logger.Warn("Consume failed, will retry",
		zap.String("event_key", eventKey),
		zap.Int64("attempt", count),
		zap.Error(cause),
	)
	return cause
}

func (h *EscrowEventHandler) deadLetter(routingKey string, data json.RawMessage, cause error) error {
	if err := h.dlq.PublishToDLQ(routingKey, data, cause.Error()); err != nil {
		h.logger.Error("Failed to publish to DLQ, requeueing", zap.Error(err))
		return err
	}
	// 已进 DLQ，ack 原消息
	return nil
}
