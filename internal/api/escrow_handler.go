package api

import (
	"errors"
	"math/big"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"gigvault/internal/model"
	"gigvault/internal/repository"
	"gigvault/internal/service/escrow"
	"gigvault/pkg/outbox"
)

// EscrowHandler 托管项目与里程碑的 HTTP 入口
type EscrowHandler struct {
	reconciler *escrow.Reconciler
	audit      *repository.AuditRepository
	replay     *outbox.ReplayService
	logger     *zap.Logger
}

func NewEscrowHandler(reconciler *escrow.Reconciler, audit *repository.AuditRepository, replay *outbox.ReplayService, logger *zap.Logger) *EscrowHandler {
	return &EscrowHandler{
		reconciler: reconciler,
		audit:      audit,
		replay:     replay,
		logger:     logger,
	}
}

type createProjectRequest struct {
	FreelancerAddress string   `json:"freelancer_address" binding:"required"`
	MilestonesWei     []string `json:"milestones_wei" binding:"required,min=1"`
}

// CreateProject POST /api/projects
func (h *EscrowHandler) CreateProject(c *gin.Context) {
	principal, ok := CurrentPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}

	var req createProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	amounts := make([]*big.Int, len(req.MilestonesWei))
	for i, s := range req.MilestonesWei {
		v, err := model.ParseWei(s)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		amounts[i] = v
	}

	result, err := h.reconciler.CreateProject(c.Request.Context(), principal, req.FreelancerAddress, amounts)
	if err != nil {
		h.renderError(c, err)
		return
	}
	h.renderResult(c, result)
}

// GetProject GET /api/projects/:id
func (h *EscrowHandler) GetProject(c *gin.Context) {
	projectID, ok := h.pathID(c, "id")
	if !ok {
		return
	}
	p, err := h.reconciler.GetProject(c.Request.Context(), projectID)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, projectView(p))
}

type fundRequest struct {
	AmountWei string `json:"amount_wei" binding:"required"`
}

// Fund POST /api/projects/:id/milestones/:mid/fund
func (h *EscrowHandler) Fund(c *gin.Context) {
	principal, projectID, mid, ok := h.milestoneArgs(c)
	if !ok {
		return
	}
	var req fundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	amount, err := model.ParseWei(req.AmountWei)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.reconciler.Fund(c.Request.Context(), principal, projectID, mid, amount)
	if err != nil {
		h.renderError(c, err)
		return
	}
	h.renderResult(c, result)
}

// RequestRelease POST /api/projects/:id/milestones/:mid/request-release
func (h *EscrowHandler) RequestRelease(c *gin.Context) {
	principal, projectID, mid, ok := h.milestoneArgs(c)
	if !ok {
		return
	}
	result, err := h.reconciler.RequestRelease(c.Request.Context(), principal, projectID, mid)
	if err != nil {
		h.renderError(c, err)
		return
	}
	h.renderResult(c, result)
}

// Release POST /api/projects/:id/milestones/:mid/release
func (h *EscrowHandler) Release(c *gin.Context) {
	principal, projectID, mid, ok := h.milestoneArgs(c)
	if !ok {
		return
	}
	result, err := h.reconciler.Release(c.Request.Context(), principal, projectID, mid)
	if err != nil {
		h.renderError(c, err)
		return
	}
	h.renderResult(c, result)
}

type refundRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// Refund POST /api/projects/:id/milestones/:mid/refund
func (h *EscrowHandler) Refund(c *gin.Context) {
	principal, projectID, mid, ok := h.milestoneArgs(c)
	if !ok {
		return
	}
	var req refundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.reconciler.Refund(c.Request.Context(), principal, projectID, mid, req.Reason)
	if err != nil {
		h.renderError(c, err)
		return
	}
	h.renderResult(c, result)
}

// ListAudit GET /api/projects/:id/audit
func (h *EscrowHandler) ListAudit(c *gin.Context) {
	projectID, ok := h.pathID(c, "id")
	if !ok {
		return
	}
	entries, err := h.audit.ListByProject(c.Request.Context(), projectID, 100)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

// ResumeAdminFlows POST /api/admin/resume 人工确认管理员钥匙恢复后解除熔断
func (h *EscrowHandler) ResumeAdminFlows(c *gin.Context) {
	h.reconciler.ResumeAdminFlows()
	c.JSON(http.StatusOK, gin.H{"halted": h.reconciler.Halted()})
}

// ReplayOutboxEvent POST /api/admin/outbox/:event_id/replay
func (h *EscrowHandler) ReplayOutboxEvent(c *gin.Context) {
	eventID, ok := h.pathID(c, "event_id")
	if !ok {
		return
	}
	if err := h.replay.ReplayEvent(c.Request.Context(), eventID); err != nil {
		h.logger.Error("Failed to replay outbox event", zap.Int64("event_id", eventID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"replayed": eventID})
}

func (h *EscrowHandler) milestoneArgs(c *gin.Context) (model.Principal, int64, int, bool) {
	principal, ok := CurrentPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return model.Principal{}, 0, 0, false
	}
	projectID, ok := h.pathID(c, "id")
	if !ok {
		return model.Principal{}, 0, 0, false
	}
	mid, err := strconv.Atoi(c.Param("mid"))
	if err != nil || mid < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid milestone index"})
		return model.Principal{}, 0, 0, false
	}
	return principal, projectID, mid, true
}

func (h *EscrowHandler) pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return id, true
}

// renderError 服务层错误到 HTTP 状态码的映射
func (h *EscrowHandler) renderError(c *gin.Context, err error) {
	var policyErr *escrow.PolicyViolationError
	var chainErr *escrow.ChainRejectedError
	var staleErr *escrow.StaleScheduleError

	switch {
	case errors.As(err, &policyErr):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": policyErr.Error(), "rule": policyErr.Rule})
	case errors.As(err, &staleErr):
		c.JSON(http.StatusConflict, gin.H{
			"error":      staleErr.Error(),
			"ledger_wei": staleErr.LedgerWei,
			"chain_wei":  staleErr.ChainWei,
		})
	case errors.As(err, &chainErr):
		c.JSON(http.StatusConflict, gin.H{"error": chainErr.Error(), "tx_hash": chainErr.TxHash})
	case errors.Is(err, escrow.ErrAdminHalted):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	case errors.Is(err, repository.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "concurrent update, retry after reading current state"})
	case errors.Is(err, repository.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "project not found"})
	default:
		h.logger.Error("Unhandled service error", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// renderResult 未决结果返回 202，其余 200
func (h *EscrowHandler) renderResult(c *gin.Context, result *escrow.Result) {
	body := gin.H{
		"outcome": string(result.Outcome),
		"tx_hash": result.TxHash,
	}
	if result.Project != nil {
		body["project"] = projectView(result.Project)
	}
	if result.Outcome == escrow.OutcomePending {
		c.JSON(http.StatusAccepted, body)
		return
	}
	c.JSON(http.StatusOK, body)
}

func projectView(p *model.Project) gin.H {
	milestones := make([]gin.H, len(p.Milestones))
	for i, m := range p.Milestones {
		milestones[i] = gin.H{
			"mid":        m.Mid,
			"amount_wei": model.FormatWei(m.AmountWei),
			"state":      string(m.State),
			"tx_hash":    m.LastTxHash,
		}
		if m.RefundReason != "" {
			milestones[i]["refund_reason"] = m.RefundReason
		}
	}
	view := gin.H{
		"id":                 p.ID,
		"client_id":          p.ClientID,
		"freelancer_address": p.FreelancerAddress,
		"budget_wei":         model.FormatWei(p.BudgetWei),
		"status":             string(p.Status),
		"milestones":         milestones,
		"created_at":         p.CreatedAt,
	}
	if p.OnchainProjectID != nil {
		view["onchain_project_id"] = *p.OnchainProjectID
	}
	return view
}
