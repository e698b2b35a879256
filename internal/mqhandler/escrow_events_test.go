package mqhandler

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	mqcontract "gigvault/contracts/mq"
	"gigvault/internal/repository"
)

type fakeAuditor struct {
	failN    int
	failWith error
	entries  []*repository.AuditEntry
}

func (f *fakeAuditor) Insert(_ context.Context, e *repository.AuditEntry) error {
	if f.failN > 0 {
		f.failN--
		return f.failWith
	}
	f.entries = append(f.entries, e)
	return nil
}

// fakeDeduper 与 Redis SetNX/Del 同语义的内存实现
type fakeDeduper struct {
	seen     map[string]bool
	released []string
}

func newFakeDeduper() *fakeDeduper {
	return &fakeDeduper{seen: make(map[string]bool)}
}

func (f *fakeDeduper) AcquireOnce(_ context.Context, handler, eventKey string) bool {
	key := handler + ":" + eventKey
	if f.seen[key] {
		return false
	}
	f.seen[key] = true
	return true
}

func (f *fakeDeduper) Release(_ context.Context, handler, eventKey string) {
	key := handler + ":" + eventKey
	delete(f.seen, key)
	f.released = append(f.released, key)
}

type fakeRetries struct {
	counts map[string]int64
}

func (f *fakeRetries) IncrementAndGet(_ context.Context, key string) (int64, error) {
	if f.counts == nil {
		f.counts = make(map[string]int64)
	}
	f.counts[key]++
	return f.counts[key], nil
}

type fakeDLQ struct {
	published []string
}

func (f *fakeDLQ) PublishToDLQ(routingKey string, _ []byte, _ string) error {
	f.published = append(f.published, routingKey)
	return nil
}

func newTestHandler(audit *fakeAuditor, deduper *fakeDeduper, dlq *fakeDLQ) *EscrowEventHandler {
	return NewEscrowEventHandler(audit, deduper, &fakeRetries{}, dlq, "escrow-audit", zap.NewNop())
}

func milestonePayload(t *testing.T) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(mqcontract.MilestoneEventPayload{
		ProjectID: 1,
		Mid:       0,
		State:     "funded",
		AmountWei: "1000",
		TxHash:    "0xabc",
	})
	require.NoError(t, err)
	return data
}

// 同一事件投递两次只落一条审计
func TestMilestoneEventRecordedOnce(t *testing.T) {
	audit := &fakeAuditor{}
	deduper := newFakeDeduper()
	h := newTestHandler(audit, deduper, &fakeDLQ{})
	data := milestonePayload(t)

	require.NoError(t, h.HandleMilestoneEvent(context.Background(), data))
	require.NoError(t, h.HandleMilestoneEvent(context.Background(), data))

	require.Len(t, audit.entries, 1)
	assert.Equal(t, "milestone_event", audit.entries[0].Action)
}

// 落库失败：释放去重键并交还 MQ 重投，重投的那条必须真的被处理
func TestInsertFailureReleasesDedupForRetry(t *testing.T) {
	audit := &fakeAuditor{failN: 1, failWith: errors.New("connection reset by peer")}
	deduper := newFakeDeduper()
	h := newTestHandler(audit, deduper, &fakeDLQ{})
	data := milestonePayload(t)

	err := h.HandleMilestoneEvent(context.Background(), data)
	require.Error(t, err, "retryable failure must requeue")
	assert.Empty(t, audit.entries)
	assert.Len(t, deduper.released, 1)

	// 重投：去重键已释放，不会被当成重复丢掉
	require.NoError(t, h.HandleMilestoneEvent(context.Background(), data))
	require.Len(t, audit.entries, 1)
}

// 不可重试的落库失败直接进 DLQ 并 ack
func TestNonRetryableFailureDeadLetters(t *testing.T) {
	audit := &fakeAuditor{failN: 1, failWith: errors.New("duplicate key value violates unique constraint")}
	dlq := &fakeDLQ{}
	h := newTestHandler(audit, newFakeDeduper(), dlq)

	require.NoError(t, h.HandleMilestoneEvent(context.Background(), milestonePayload(t)))
	assert.Empty(t, audit.entries)
	assert.Equal(t, []string{"escrow.milestone.failed"}, dlq.published)
}

// 重试预算耗尽后进 DLQ
func TestRetryBudgetExhaustedDeadLetters(t *testing.T) {
	audit := &fakeAuditor{failN: 10, failWith: errors.New("connection refused")}
	dlq := &fakeDLQ{}
	h := newTestHandler(audit, newFakeDeduper(), dlq)
	data := milestonePayload(t)

	for attempt := 0; attempt < maxRetries; attempt++ {
		require.Error(t, h.HandleMilestoneEvent(context.Background(), data))
	}
	require.NoError(t, h.HandleMilestoneEvent(context.Background(), data))
	assert.Equal(t, []string{"escrow.milestone.failed"}, dlq.published)
	assert.Empty(t, audit.entries)
}

// 格式错误的消息重试没有意义，直接进 DLQ
func TestInvalidPayloadDeadLetters(t *testing.T) {
	audit := &fakeAuditor{}
	dlq := &fakeDLQ{}
	h := newTestHandler(audit, newFakeDeduper(), dlq)

	require.NoError(t, h.HandleMilestoneEvent(context.Background(), json.RawMessage(`{"mid": "not-a-number"}`)))
	assert.Empty(t, audit.entries)
	assert.Equal(t, []string{"escrow.milestone.invalid"}, dlq.published)
}

// 项目事件同样去重落库
func TestProjectEventRecorded(t *testing.T) {
	audit := &fakeAuditor{}
	h := newTestHandler(audit, newFakeDeduper(), &fakeDLQ{})

	data, err := json.Marshal(mqcontract.ProjectEventPayload{ProjectID: 1, Status: "open", TxHash: "0xdef"})
	require.NoError(t, err)

	require.NoError(t, h.HandleProjectEvent(context.Background(), data))
	require.NoError(t, h.HandleProjectEvent(context.Background(), data))
	require.Len(t, audit.entries, 1)
	assert.Equal(t, "project_event", audit.entries[0].Action)
}
