package escrow

import (
	"strings"

	"gigvault/internal/model"
	"gigvault/pkg/rbac"
)

// Policy 可配置的裁决策略
type Policy struct {
	// AllowDirectRelease 允许客户在 funded 状态直接放款，跳过 release_requested
	AllowDirectRelease bool
	// CancelOnRefund 任一里程碑退款确认后立即取消整个项目
	CancelOnRefund bool
}

// Authorize 纯函数裁决：给定当前账本快照和意图，判定是否允许执行。
// 只看已提交的账本状态，不做任何 IO。返回 nil 表示放行。
func Authorize(p *model.Project, intent *model.Intent, policy Policy) error {
	if err := checkRole(intent); err != nil {
		return err
	}

	switch intent.Kind {
	case model.IntentCreateProject:
		return authorizeCreate(intent)
	case model.IntentFundMilestone:
		return authorizeFund(p, intent)
	case model.IntentRequestRelease:
		return authorizeRequestRelease(p, intent)
	case model.IntentReleaseMilestone:
		return authorizeRelease(p, intent, policy)
	case model.IntentRefundMilestone:
		return authorizeRefund(p, intent)
	default:
		return denied("unknown_intent", "unsupported intent kind %q", intent.Kind)
	}
}

func checkRole(intent *model.Intent) error {
	perm := map[model.IntentKind]string{
		model.IntentCreateProject:    rbac.PermissionCreateProject,
		model.IntentFundMilestone:    rbac.PermissionFundMilestone,
		model.IntentRequestRelease:   rbac.PermissionRequestRelease,
		model.IntentReleaseMilestone: rbac.PermissionReleaseMilestone,
		model.IntentRefundMilestone:  rbac.PermissionRefundMilestone,
	}[intent.Kind]

	if !rbac.HasPermission(intent.Principal.Role, perm) {
		return denied("role", "role %q lacks permission %q", intent.Principal.Role, perm)
	}
	return nil
}

func authorizeCreate(intent *model.Intent) error {
	if intent.Principal.Address == "" {
		return denied("principal", "creator has no chain address")
	}
	return nil
}

func authorizeFund(p *model.Project, intent *model.Intent) error {
	if p.ClientID != intent.Principal.UserID {
		return denied("ownership", "user %d is not the client of project %d", intent.Principal.UserID, p.ID)
	}
	if p.Status != model.ProjectOpen {
		return denied("project_status", "project %d is %s, funding requires open", p.ID, p.Status)
	}
	m := p.Milestone(intent.Mid)
	if m == nil {
		return denied("milestone", "project %d has no milestone %d", p.ID, intent.Mid)
	}
	if !m.State.CanTransitionTo(model.MilestoneFunded) {
		return denied("milestone_state", "milestone %d is %s, cannot fund", intent.Mid, m.State)
	}
	// 注资金额必须与账本 schedule 完全一致，多一分少一分都拒绝
	if intent.AmountWei == nil || intent.AmountWei.Cmp(m.AmountWei) != 0 {
		return denied("amount", "funding amount must equal scheduled amount %s", model.FormatWei(m.AmountWei))
	}
	return nil
}

func authorizeRequestRelease(p *model.Project, intent *model.Intent) error {
	if !strings.EqualFold(p.FreelancerAddress, intent.Principal.Address) {
		return denied("ownership", "caller is not the freelancer of project %d", p.ID)
	}
	if p.Status != model.ProjectOpen {
		return denied("project_status", "project %d is %s", p.ID, p.Status)
	}
	m := p.Milestone(intent.Mid)
	if m == nil {
		return denied("milestone", "project %d has no milestone %d", p.ID, intent.Mid)
	}
	if m.State != model.MilestoneFunded {
		return denied("milestone_state", "milestone %d is %s, release can only be requested when funded", intent.Mid, m.State)
	}
	return nil
}

func authorizeRelease(p *model.Project, intent *model.Intent, policy Policy) error {
	// 放款人是项目客户；管理员可代为放款（争议仲裁场景）
	if p.ClientID != intent.Principal.UserID && intent.Principal.Role != rbac.RoleAdmin {
		return denied("ownership", "user %d is not the client of project %d", intent.Principal.UserID, p.ID)
	}
	if p.Status != model.ProjectOpen {
		return denied("project_status", "project %d is %s", p.ID, p.Status)
	}
	m := p.Milestone(intent.Mid)
	if m == nil {
		return denied("milestone", "project %d has no milestone %d", p.ID, intent.Mid)
	}
	switch m.State {
	case model.MilestoneReleaseRequested:
		return nil
	case model.MilestoneFunded:
		if policy.AllowDirectRelease {
			return nil
		}
		return denied("milestone_state", "milestone %d has no pending release request", intent.Mid)
	default:
		return denied("milestone_state", "milestone %d is %s, cannot release", intent.Mid, m.State)
	}
}

func authorizeRefund(p *model.Project, intent *model.Intent) error {
	if p.Status != model.ProjectOpen {
		return denied("project_status", "project %d is %s", p.ID, p.Status)
	}
	m := p.Milestone(intent.Mid)
	if m == nil {
		return denied("milestone", "project %d has no milestone %d", p.ID, intent.Mid)
	}
	if !m.State.CanTransitionTo(model.MilestoneRefunded) {
		return denied("milestone_state", "milestone %d is %s, cannot refund", intent.Mid, m.State)
	}
	if intent.RefundReason == "" {
		return denied("reason", "refund requires a reason code")
	}
	return nil
}
