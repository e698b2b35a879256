package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"gigvault/internal/model"
)

// escrowABIJSON 托管合约的对外接口。链上里程碑状态没有 release_requested，
// 那是纯链下意图，不会上链。
const escrowABIJSON = `[
  {"type":"function","name":"createProject","stateMutability":"nonpayable","inputs":[{"name":"freelancer","type":"address"},{"name":"amounts","type":"uint256[]"}],"outputs":[{"name":"projectId","type":"uint256"}]},
  {"type":"function","name":"fundMilestone","stateMutability":"payable","inputs":[{"name":"projectId","type":"uint256"},{"name":"mid","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"releaseMilestone","stateMutability":"nonpayable","inputs":[{"name":"projectId","type":"uint256"},{"name":"mid","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"refundMilestone","stateMutability":"nonpayable","inputs":[{"name":"projectId","type":"uint256"},{"name":"mid","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"nextProjectId","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"getMilestones","stateMutability":"view","inputs":[{"name":"projectId","type":"uint256"}],"outputs":[{"name":"amounts","type":"uint256[]"},{"name":"states","type":"uint8[]"}]},
  {"type":"function","name":"milestoneState","stateMutability":"view","inputs":[{"name":"projectId","type":"uint256"},{"name":"mid","type":"uint256"}],"outputs":[{"name":"","type":"uint8"}]},
  {"type":"event","name":"ProjectCreated","inputs":[{"name":"projectId","type":"uint256","indexed":true},{"name":"client","type":"address","indexed":false}],"anonymous":false}
]`

// 链上里程碑状态编码
const (
	onchainPending  uint8 = 0
	onchainFunded   uint8 = 1
	onchainReleased uint8 = 2
	onchainRefunded uint8 = 3
)

var escrowABI = mustParseABI()

func mustParseABI() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(escrowABIJSON))
	if err != nil {
		panic(fmt.Sprintf("invalid escrow ABI: %v", err))
	}
	return parsed
}

// MilestoneStateFromChain 把链上状态码映射为账本状态。
// 链上没有 release_requested，它永远不会从这里产生。
func MilestoneStateFromChain(code uint8) (model.MilestoneState, error) {
	switch code {
	case onchainPending:
		return model.MilestonePending, nil
	case onchainFunded:
		return model.MilestoneFunded, nil
	case onchainReleased:
		return model.MilestoneReleased, nil
	case onchainRefunded:
		return model.MilestoneRefunded, nil
	default:
		return "", fmt.Errorf("unknown onchain milestone state %d", code)
	}
}

func packCreateProject(freelancer common.Address, amounts []*big.Int) ([]byte, error) {
	return escrowABI.Pack("createProject", freelancer, amounts)
}

func packFundMilestone(projectID uint64, mid int) ([]byte, error) {
	return escrowABI.Pack("fundMilestone", new(big.Int).SetUint64(projectID), big.NewInt(int64(mid)))
}

func packReleaseMilestone(projectID uint64, mid int) ([]byte, error) {
	return escrowABI.Pack("releaseMilestone", new(big.Int).SetUint64(projectID), big.NewInt(int64(mid)))
}

func packRefundMilestone(projectID uint64, mid int) ([]byte, error) {
	return escrowABI.Pack("refundMilestone", new(big.Int).SetUint64(projectID), big.NewInt(int64(mid)))
}

// MilestoneSchedule 链上读取的项目 schedule 快照
type MilestoneSchedule struct {
	Amounts []*big.Int
	States  []model.MilestoneState
}

func unpackMilestones(data []byte) (*MilestoneSchedule, error) {
	out, err := escrowABI.Unpack("getMilestones", data)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack getMilestones: %w", err)
	}
	if len(out) != 2 {
		return nil, fmt.Errorf("unexpected getMilestones output arity %d", len(out))
	}
	amounts, ok := out[0].([]*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected amounts type %T", out[0])
	}
	rawStates, ok := out[1].([]uint8)
	if !ok {
		return nil, fmt.Errorf("unexpected states type %T", out[1])
	}
	if len(amounts) != len(rawStates) {
		return nil, fmt.Errorf("schedule length mismatch: %d amounts, %d states", len(amounts), len(rawStates))
	}

	states := make([]model.MilestoneState, len(rawStates))
	for i, code := range rawStates {
		if states[i], err = MilestoneStateFromChain(code); err != nil {
			return nil, err
		}
	}
	return &MilestoneSchedule{Amounts: amounts, States: states}, nil
}

func unpackMilestoneState(data []byte) (model.MilestoneState, error) {
	out, err := escrowABI.Unpack("milestoneState", data)
	if err != nil {
		return "", fmt.Errorf("failed to unpack milestoneState: %w", err)
	}
	code, ok := out[0].(uint8)
	if !ok {
		return "", fmt.Errorf("unexpected state type %T", out[0])
	}
	return MilestoneStateFromChain(code)
}

func unpackNextProjectID(data []byte) (uint64, error) {
	out, err := escrowABI.Unpack("nextProjectId", data)
	if err != nil {
		return 0, fmt.Errorf("failed to unpack nextProjectId: %w", err)
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return 0, fmt.Errorf("unexpected counter type %T", out[0])
	}
	return v.Uint64(), nil
}

// ParseProjectCreated 在回执日志中查找 ProjectCreated 事件并取出链上项目 id
func ParseProjectCreated(receipt *types.Receipt, contract common.Address) (uint64, error) {
	topic := escrowABI.Events["ProjectCreated"].ID
	for _, log := range receipt.Logs {
		if log.Address != contract || len(log.Topics) < 2 || log.Topics[0] != topic {
			continue
		}
		return new(big.Int).SetBytes(log.Topics[1].Bytes()).Uint64(), nil
	}
	return 0, fmt.Errorf("no ProjectCreated event in receipt %s", receipt.TxHash.Hex())
}
