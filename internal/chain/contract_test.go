package chain

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gigvault/internal/model"
)

func TestMilestoneStateFromChain(t *testing.T) {
	tests := []struct {
		code uint8
		want model.MilestoneState
	}{
		{onchainPending, model.MilestonePending},
		{onchainFunded, model.MilestoneFunded},
		{onchainReleased, model.MilestoneReleased},
		{onchainRefunded, model.MilestoneRefunded},
	}
	for _, tt := range tests {
		got, err := MilestoneStateFromChain(tt.code)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}

	_, err := MilestoneStateFromChain(9)
	assert.Error(t, err)
}

func TestPackCalldata(t *testing.T) {
	freelancer := common.HexToAddress("0x2222222222222222222222222222222222222222")
	data, err := packCreateProject(freelancer, []*big.Int{big.NewInt(100), big.NewInt(200)})
	require.NoError(t, err)
	assert.Equal(t, escrowABI.Methods["createProject"].ID, data[:4])

	data, err = packFundMilestone(7, 2)
	require.NoError(t, err)
	assert.Equal(t, escrowABI.Methods["fundMilestone"].ID, data[:4])

	data, err = packReleaseMilestone(7, 0)
	require.NoError(t, err)
	assert.Equal(t, escrowABI.Methods["releaseMilestone"].ID, data[:4])

	data, err = packRefundMilestone(7, 0)
	require.NoError(t, err)
	assert.Equal(t, escrowABI.Methods["refundMilestone"].ID, data[:4])
}

func TestUnpackMilestones(t *testing.T) {
	amounts := []*big.Int{big.NewInt(1000), big.NewInt(2000)}
	states := []uint8{onchainFunded, onchainReleased}

	encoded, err := escrowABI.Methods["getMilestones"].Outputs.Pack(amounts, states)
	require.NoError(t, err)

	schedule, err := unpackMilestones(encoded)
	require.NoError(t, err)
	require.Len(t, schedule.Amounts, 2)
	assert.Equal(t, "1000", schedule.Amounts[0].String())
	assert.Equal(t, model.MilestoneFunded, schedule.States[0])
	assert.Equal(t, model.MilestoneReleased, schedule.States[1])
}

func TestUnpackMilestonesRejectsUnknownState(t *testing.T) {
	encoded, err := escrowABI.Methods["getMilestones"].Outputs.Pack(
		[]*big.Int{big.NewInt(1)}, []uint8{42},
	)
	require.NoError(t, err)

	_, err = unpackMilestones(encoded)
	assert.Error(t, err)
}

func TestUnpackNextProjectID(t *testing.T) {
	encoded, err := escrowABI.Methods["nextProjectId"].Outputs.Pack(big.NewInt(13))
	require.NoError(t, err)

	got, err := unpackNextProjectID(encoded)
	require.NoError(t, err)
	assert.Equal(t, uint64(13), got)
}

func TestParseProjectCreated(t *testing.T) {
	contract := common.HexToAddress("0x9999999999999999999999999999999999999999")
	projectID := big.NewInt(42)

	receipt := &types.Receipt{
		TxHash: common.HexToHash("0xabc"),
		Logs: []*types.Log{
			{
				// 别的合约发出的同名事件要被忽略
				Address: common.HexToAddress("0x8888888888888888888888888888888888888888"),
				Topics: []common.Hash{
					escrowABI.Events["ProjectCreated"].ID,
					common.BigToHash(big.NewInt(99)),
				},
			},
			{
				Address: contract,
				Topics: []common.Hash{
					escrowABI.Events["ProjectCreated"].ID,
					common.BigToHash(projectID),
				},
			},
		},
	}

	got, err := ParseProjectCreated(receipt, contract)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), got)
}

func TestParseProjectCreatedMissingEvent(t *testing.T) {
	contract := common.HexToAddress("0x9999999999999999999999999999999999999999")
	receipt := &types.Receipt{TxHash: common.HexToHash("0xabc")}

	_, err := ParseProjectCreated(receipt, contract)
	assert.Error(t, err)
}
