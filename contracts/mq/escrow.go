package mq

// 托管事件的 routing key 约定：escrow.project.* / escrow.milestone.*
const (
	RoutingKeyProjectCreated            = "escrow.project.created"
	RoutingKeyProjectOpened             = "escrow.project.opened"
	RoutingKeyProjectCompleted          = "escrow.project.completed"
	RoutingKeyProjectCancelled          = "escrow.project.cancelled"
	RoutingKeyMilestoneFunded           = "escrow.milestone.funded"
	RoutingKeyMilestoneReleaseRequested = "escrow.milestone.release_requested"
	RoutingKeyMilestoneReleased         = "escrow.milestone.released"
	RoutingKeyMilestoneRefunded         = "escrow.milestone.refunded"
	RoutingKeyMilestoneCorrected        = "escrow.milestone.corrected"
)

type ProjectEventPayload struct {
	ProjectID        int64   `json:"project_id"`
	OnchainProjectID *uint64 `json:"onchain_project_id,omitempty"`
	ClientID         int64   `json:"client_id"`
	Status           string  `json:"status"`
	TxHash           string  `json:"tx_hash,omitempty"`
	TraceID          string  `json:"trace_id,omitempty"`
}

type MilestoneEventPayload struct {
	ProjectID int64  `json:"project_id"`
	Mid       int    `json:"mid"`
	State     string `json:"state"`
	AmountWei string `json:"amount_wei"`
	TxHash    string `json:"tx_hash,omitempty"`
	Reason    string `json:"reason,omitempty"`    // 退款原因码
	Corrected bool   `json:"corrected,omitempty"` // Sync Poller 修正产生的事件
	TraceID   string `json:"trace_id,omitempty"`
}
