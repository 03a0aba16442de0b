package types_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/web3guy0/hl-copytrader/internal/types"
)

func TestValidTransition_ForwardProgressionAllowed(t *testing.T) {
	cases := []struct {
		from, to types.OrderStatus
		want     bool
	}{
		{types.StatusPending, types.StatusSubmitted, true},
		{types.StatusSubmitted, types.StatusPartiallyFilled, true},
		{types.StatusPartiallyFilled, types.StatusFilled, true},
		{types.StatusSubmitted, types.StatusUnknown, true},
		{types.StatusUnknown, types.StatusFilled, true},
		{types.StatusPending, types.StatusFilled, true}, // same-or-higher rank, skipping is fine
	}
	for _, c := range cases {
		assert.Equalf(t, c.want, types.ValidTransition(c.from, c.to), "%s -> %s", c.from, c.to)
	}
}

func TestValidTransition_RegressionRejected(t *testing.T) {
	assert.False(t, types.ValidTransition(types.StatusPartiallyFilled, types.StatusSubmitted))
	assert.False(t, types.ValidTransition(types.StatusFilled, types.StatusPartiallyFilled))
}

func TestValidTransition_TerminalStatesAreSticky(t *testing.T) {
	// GIVEN an order already in any terminal state
	// WHEN any further transition is attempted, including into another terminal state
	// THEN it is rejected outright (I4)
	for _, terminal := range []types.OrderStatus{types.StatusFilled, types.StatusCanceled, types.StatusExpired, types.StatusRejected} {
		assert.False(t, types.ValidTransition(terminal, types.StatusFilled))
		assert.False(t, types.ValidTransition(terminal, types.StatusCanceled))
	}
}

func TestContractVersion_Compatible(t *testing.T) {
	accepted := types.ContractVersion{Major: 1, Minor: 2}

	assert.True(t, types.ContractVersion{Major: 1, Minor: 0}.Compatible(accepted))
	assert.True(t, types.ContractVersion{Major: 1, Minor: 2}.Compatible(accepted))
	assert.False(t, types.ContractVersion{Major: 1, Minor: 3}.Compatible(accepted), "producer minor ahead of consumer is rejected (I7)")
	assert.False(t, types.ContractVersion{Major: 2, Minor: 0}.Compatible(accepted), "major mismatch always rejected")
}

func TestCorrelationID_DeterministicAndRoleAware(t *testing.T) {
	base := types.CorrelationID("0xabc123", 7, "BTCUSDT", "")
	assert.Equal(t, "hl-0xabc123-7-BTCUSDT", base)

	// same inputs always produce the same id (P8)
	assert.Equal(t, base, types.CorrelationID("0xabc123", 7, "BTCUSDT", ""))

	closeID := types.CorrelationID("0xabc123", 7, "BTCUSDT", types.RoleClose)
	openID := types.CorrelationID("0xabc123", 7, "BTCUSDT", types.RoleOpen)
	assert.Equal(t, "hl-0xabc123-7-BTCUSDT-close", closeID)
	assert.Equal(t, "hl-0xabc123-7-BTCUSDT-open", openID)
	assert.NotEqual(t, closeID, openID)
}

func TestCorrelationID_NormalizesHyphensInSymbol(t *testing.T) {
	id := types.CorrelationID("0xdef", 1, "BTC-PERP", "")
	assert.Equal(t, "hl-0xdef-1-BTC_PERP", id)
}

func TestOrderStatus_Terminal(t *testing.T) {
	assert.True(t, types.StatusFilled.Terminal())
	assert.True(t, types.StatusCanceled.Terminal())
	assert.True(t, types.StatusExpired.Terminal())
	assert.True(t, types.StatusRejected.Terminal())
	assert.False(t, types.StatusPending.Terminal())
	assert.False(t, types.StatusSubmitted.Terminal())
	assert.False(t, types.StatusPartiallyFilled.Terminal())
	assert.False(t, types.StatusUnknown.Terminal())
}
