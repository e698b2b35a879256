package escrow

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gigvault/internal/model"
	"gigvault/pkg/rbac"
)

const (
	clientAddr     = "0x1111111111111111111111111111111111111111"
	freelancerAddr = "0x2222222222222222222222222222222222222222"
)

func openProject() *model.Project {
	return &model.Project{
		ID:                1,
		ClientID:          10,
		FreelancerAddress: freelancerAddr,
		Status:            model.ProjectOpen,
		Milestones: []model.Milestone{
			{Mid: 0, AmountWei: big.NewInt(1000), State: model.MilestonePending},
			{Mid: 1, AmountWei: big.NewInt(2000), State: model.MilestoneFunded},
			{Mid: 2, AmountWei: big.NewInt(3000), State: model.MilestoneReleaseRequested},
		},
	}
}

func clientPrincipal() model.Principal {
	return model.Principal{UserID: 10, Address: clientAddr, Role: rbac.RoleClient}
}

func freelancerPrincipal() model.Principal {
	return model.Principal{UserID: 20, Address: freelancerAddr, Role: rbac.RoleFreelancer}
}

func adminPrincipal() model.Principal {
	return model.Principal{UserID: 1, Address: clientAddr, Role: rbac.RoleAdmin}
}

func TestAuthorizeFund(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(p *model.Project, i *model.Intent)
		wantRule string
	}{
		{
			name:   "client funds pending milestone with exact amount",
			mutate: func(p *model.Project, i *model.Intent) {},
		},
		{
			name:     "freelancer cannot fund",
			mutate:   func(p *model.Project, i *model.Intent) { i.Principal = freelancerPrincipal() },
			wantRule: "role",
		},
		{
			name:     "other client cannot fund",
			mutate:   func(p *model.Project, i *model.Intent) { i.Principal.UserID = 99 },
			wantRule: "ownership",
		},
		{
			name:     "project not open",
			mutate:   func(p *model.Project, i *model.Intent) { p.Status = model.ProjectDraft },
			wantRule: "project_status",
		},
		{
			name:     "unknown milestone",
			mutate:   func(p *model.Project, i *model.Intent) { i.Mid = 7 },
			wantRule: "milestone",
		},
		{
			name:     "already funded",
			mutate:   func(p *model.Project, i *model.Intent) { i.Mid = 1; i.AmountWei = big.NewInt(2000) },
			wantRule: "milestone_state",
		},
		{
			name:     "amount below schedule",
			mutate:   func(p *model.Project, i *model.Intent) { i.AmountWei = big.NewInt(999) },
			wantRule: "amount",
		},
		{
			name:     "amount above schedule",
			mutate:   func(p *model.Project, i *model.Intent) { i.AmountWei = big.NewInt(1001) },
			wantRule: "amount",
		},
		{
			name:     "nil amount",
			mutate:   func(p *model.Project, i *model.Intent) { i.AmountWei = nil },
			wantRule: "amount",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := openProject()
			intent := &model.Intent{
				Kind:      model.IntentFundMilestone,
				ProjectID: p.ID,
				Mid:       0,
				AmountWei: big.NewInt(1000),
				Principal: clientPrincipal(),
			}
			tt.mutate(p, intent)

			err := Authorize(p, intent, Policy{})
			if tt.wantRule == "" {
				assert.NoError(t, err)
				return
			}
			var policyErr *PolicyViolationError
			require.ErrorAs(t, err, &policyErr)
			assert.Equal(t, tt.wantRule, policyErr.Rule)
		})
	}
}

func TestAuthorizeRequestRelease(t *testing.T) {
	p := openProject()
	intent := &model.Intent{
		Kind:      model.IntentRequestRelease,
		ProjectID: p.ID,
		Mid:       1,
		Principal: freelancerPrincipal(),
	}
	assert.NoError(t, Authorize(p, intent, Policy{}))

	// 客户不能替自由职业者申请放款
	intent.Principal = clientPrincipal()
	var policyErr *PolicyViolationError
	require.ErrorAs(t, Authorize(p, intent, Policy{}), &policyErr)
	assert.Equal(t, "role", policyErr.Rule)

	// 其他自由职业者也不行
	intent.Principal = model.Principal{UserID: 30, Address: "0x3333333333333333333333333333333333333333", Role: rbac.RoleFreelancer}
	require.ErrorAs(t, Authorize(p, intent, Policy{}), &policyErr)
	assert.Equal(t, "ownership", policyErr.Rule)

	// 未注资的里程碑不能申请
	intent = &model.Intent{Kind: model.IntentRequestRelease, ProjectID: p.ID, Mid: 0, Principal: freelancerPrincipal()}
	require.ErrorAs(t, Authorize(p, intent, Policy{}), &policyErr)
	assert.Equal(t, "milestone_state", policyErr.Rule)
}

func TestAuthorizeRelease(t *testing.T) {
	p := openProject()

	// release_requested 状态可以放款
	intent := &model.Intent{Kind: model.IntentReleaseMilestone, ProjectID: p.ID, Mid: 2, Principal: clientPrincipal()}
	assert.NoError(t, Authorize(p, intent, Policy{}))

	// funded 状态默认不能直接放款
	intent.Mid = 1
	var policyErr *PolicyViolationError
	require.ErrorAs(t, Authorize(p, intent, Policy{}), &policyErr)
	assert.Equal(t, "milestone_state", policyErr.Rule)

	// 开启直接放款策略后可以
	assert.NoError(t, Authorize(p, intent, Policy{AllowDirectRelease: true}))

	// pending 状态无论如何都不行
	intent.Mid = 0
	require.ErrorAs(t, Authorize(p, intent, Policy{AllowDirectRelease: true}), &policyErr)
	assert.Equal(t, "milestone_state", policyErr.Rule)

	// 管理员可以代客户放款（仲裁）
	intent = &model.Intent{Kind: model.IntentReleaseMilestone, ProjectID: p.ID, Mid: 2, Principal: adminPrincipal()}
	assert.NoError(t, Authorize(p, intent, Policy{}))

	// 非项目客户的普通用户不行
	other := clientPrincipal()
	other.UserID = 99
	intent.Principal = other
	require.ErrorAs(t, Authorize(p, intent, Policy{}), &policyErr)
	assert.Equal(t, "ownership", policyErr.Rule)
}

func TestAuthorizeRefund(t *testing.T) {
	p := openProject()

	intent := &model.Intent{
		Kind:         model.IntentRefundMilestone,
		ProjectID:    p.ID,
		Mid:          1,
		RefundReason: "dispute_resolved",
		Principal:    adminPrincipal(),
	}
	assert.NoError(t, Authorize(p, intent, Policy{}))

	// 退款是管理员专属操作
	intent.Principal = clientPrincipal()
	var policyErr *PolicyViolationError
	require.ErrorAs(t, Authorize(p, intent, Policy{}), &policyErr)
	assert.Equal(t, "role", policyErr.Rule)

	// 必须带原因码
	intent.Principal = adminPrincipal()
	intent.RefundReason = ""
	require.ErrorAs(t, Authorize(p, intent, Policy{}), &policyErr)
	assert.Equal(t, "reason", policyErr.Rule)

	// pending 里程碑没有资金可退
	intent.RefundReason = "dispute_resolved"
	intent.Mid = 0
	require.ErrorAs(t, Authorize(p, intent, Policy{}), &policyErr)
	assert.Equal(t, "milestone_state", policyErr.Rule)
}

// 退款后再放款必须被拒：refunded 是终态，不是放款的合法前置状态
func TestReleaseAfterRefundDenied(t *testing.T) {
	p := openProject()
	p.Milestones[1].State = model.MilestoneRefunded

	intent := &model.Intent{Kind: model.IntentReleaseMilestone, ProjectID: p.ID, Mid: 1, Principal: clientPrincipal()}
	var policyErr *PolicyViolationError
	require.ErrorAs(t, Authorize(p, intent, Policy{AllowDirectRelease: true}), &policyErr)
	assert.Equal(t, "milestone_state", policyErr.Rule)
}
