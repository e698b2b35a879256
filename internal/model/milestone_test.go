package model

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseWei(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{name: "valid amount", input: "2000000000000000000", want: "2000000000000000000"},
		{name: "zero", input: "0", want: "0"},
		{name: "empty", input: "", wantErr: true},
		{name: "negative", input: "-1", wantErr: true},
		{name: "decimal point", input: "1.5", wantErr: true},
		{name: "scientific notation", input: "1e18", wantErr: true},
		{name: "garbage", input: "one ether", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseWei(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.String())
		})
	}
}

func TestFormatWeiRoundTrip(t *testing.T) {
	v, err := ParseWei("1000000000000000000")
	require.NoError(t, err)
	assert.Equal(t, "1000000000000000000", FormatWei(v))
	assert.Equal(t, "0", FormatWei(nil))
}

func TestMilestoneStateTransitions(t *testing.T) {
	tests := []struct {
		from    MilestoneState
		to      MilestoneState
		allowed bool
	}{
		{MilestonePending, MilestoneFunded, true},
		{MilestonePending, MilestoneReleased, false},
		{MilestonePending, MilestoneRefunded, false},
		{MilestoneFunded, MilestoneReleaseRequested, true},
		{MilestoneFunded, MilestoneReleased, true},
		{MilestoneFunded, MilestoneRefunded, true},
		{MilestoneReleaseRequested, MilestoneReleased, true},
		{MilestoneReleaseRequested, MilestoneRefunded, true},
		{MilestoneReleaseRequested, MilestoneFunded, false},
		{MilestoneReleased, MilestoneRefunded, false},
		{MilestoneRefunded, MilestoneReleased, false},
		{MilestoneReleased, MilestoneFunded, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.allowed, tt.from.CanTransitionTo(tt.to),
			"%s -> %s", tt.from, tt.to)
	}
}

func TestTerminalStates(t *testing.T) {
	assert.True(t, MilestoneReleased.Terminal())
	assert.True(t, MilestoneRefunded.Terminal())
	assert.False(t, MilestonePending.Terminal())
	assert.False(t, MilestoneFunded.Terminal())
	assert.False(t, MilestoneReleaseRequested.Terminal())
}

func TestProjectHelpers(t *testing.T) {
	p := &Project{
		Milestones: []Milestone{
			{Mid: 0, AmountWei: big.NewInt(2), State: MilestoneReleased},
			{Mid: 1, AmountWei: big.NewInt(2), State: MilestoneReleased},
			{Mid: 2, AmountWei: big.NewInt(1), State: MilestoneFunded},
		},
	}

	assert.Equal(t, "5", p.ScheduledTotal().String())
	assert.False(t, p.AllTerminal())
	assert.False(t, p.AnyRefunded())
	assert.Nil(t, p.Milestone(3))
	require.NotNil(t, p.Milestone(2))
	assert.Equal(t, MilestoneFunded, p.Milestone(2).State)

	p.Milestones[2].State = MilestoneRefunded
	assert.True(t, p.AllTerminal())
	assert.True(t, p.AnyRefunded())
}

func TestAllTerminalEmptySchedule(t *testing.T) {
	p := &Project{}
	assert.False(t, p.AllTerminal())
}
