package decision_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/hl-copytrader/internal/clock"
	"github.com/web3guy0/hl-copytrader/internal/config"
	"github.com/web3guy0/hl-copytrader/internal/decision"
	"github.com/web3guy0/hl-copytrader/internal/types"
	"github.com/web3guy0/hl-copytrader/internal/venue"
)

type fakePrices struct {
	price  decimal.Decimal
	ts     int64
	err    error
}

func (f fakePrices) MarkPrice(_ context.Context, _ string) (decimal.Decimal, int64, error) {
	return f.price, f.ts, f.err
}

type fakeFilters struct{ f venue.Filters }

func (f fakeFilters) Filters(_ context.Context, _ string) (venue.Filters, error) { return f.f, nil }

type fakePositions struct{ pos decimal.Decimal }

func (f fakePositions) LocalPosition(_ context.Context, _ string) (decimal.Decimal, error) {
	return f.pos, nil
}

type fakeSafety struct{ mode types.SafetyMode }

func (f fakeSafety) Mode() types.SafetyMode { return f.mode }

func looseFilters() venue.Filters {
	return venue.Filters{
		MinQty:      decimal.NewFromFloat(0.0001),
		StepSize:    decimal.Zero,
		MinNotional: decimal.Zero,
		TickSize:    decimal.Zero,
	}
}

func baseConfig() config.Config {
	return config.Config{
		MaxStaleMs:           30_000,
		MaxFutureMs:          5_000,
		ReplayPolicy:         config.ReplayCloseOnly,
		SlippageCapPct:       decimal.NewFromFloat(0.02),
		PriceFallbackEnabled: true,
		PriceFailurePolicy:   config.PriceFailureAllowWithoutPrice,
		SizingMode:           config.SizingProportional,
		ProportionalRatio:    decimal.NewFromInt(1), // mirror 1:1 for assertion simplicity
		StrategyVersion:      "v1",
	}
}

func newDecision(t *testing.T, cfg config.Config, prices decision.PriceProvider, safety decision.SafetyReader) *decision.Decision {
	t.Helper()
	clk := clock.NewFrozen(1_700_000_000_000)
	return decision.New(cfg, clk, prices, fakeFilters{f: looseFilters()}, fakePositions{pos: decimal.NewFromInt(-5)}, safety)
}

func increaseEvent() types.PositionDeltaEvent {
	return types.PositionDeltaEvent{
		TimestampMs:     1_700_000_000_000,
		EventIndex:      1,
		TxHash:          "0xabc",
		Symbol:          "BTCUSDT",
		PrevNet:         decimal.Zero,
		NextNet:         decimal.NewFromInt(3),
		Action:          types.ActionIncrease,
		OpenComponent:   decimal.NewFromInt(3),
		ContractVersion: types.CurrentContractVersion,
	}
}

func TestEvaluate_IncompatibleContractVersionRejected(t *testing.T) {
	d := newDecision(t, baseConfig(), fakePrices{price: decimal.NewFromInt(100), ts: 1_700_000_000_000}, fakeSafety{mode: types.ModeArmedLive})
	event := increaseEvent()
	event.ContractVersion = types.ContractVersion{Major: 2, Minor: 0}

	intents, rej := d.Evaluate(context.Background(), event)
	require.Nil(t, intents)
	require.NotNil(t, rej)
	assert.Equal(t, "contract_version_incompatible", rej.ReasonCode)
}

func TestEvaluate_StaleEventRejected(t *testing.T) {
	cfg := baseConfig()
	d := newDecision(t, cfg, fakePrices{price: decimal.NewFromInt(100), ts: 1_700_000_000_000}, fakeSafety{mode: types.ModeArmedLive})
	event := increaseEvent()
	event.TimestampMs = 1_700_000_000_000 - cfg.MaxStaleMs - 1

	intents, rej := d.Evaluate(context.Background(), event)
	require.Nil(t, intents)
	require.NotNil(t, rej)
	assert.Equal(t, "event_stale", rej.ReasonCode)
}

func TestEvaluate_HaltBlocksEverything(t *testing.T) {
	d := newDecision(t, baseConfig(), fakePrices{price: decimal.NewFromInt(100), ts: 1_700_000_000_000}, fakeSafety{mode: types.ModeHalt})
	intents, rej := d.Evaluate(context.Background(), increaseEvent())
	require.Nil(t, intents)
	require.NotNil(t, rej)
	assert.Equal(t, "safety_halt", rej.ReasonCode)
}

func TestEvaluate_ArmedSafeBlocksIncreaseButAllowsDecrease(t *testing.T) {
	// GIVEN ARMED_SAFE mode
	// WHEN an INCREASE event arrives, it is rejected
	d := newDecision(t, baseConfig(), fakePrices{price: decimal.NewFromInt(100), ts: 1_700_000_000_000}, fakeSafety{mode: types.ModeArmedSafe})
	intents, rej := d.Evaluate(context.Background(), increaseEvent())
	require.Nil(t, intents)
	require.NotNil(t, rej)
	assert.Equal(t, "safety_armed_safe_increase_blocked", rej.ReasonCode)

	// WHEN a DECREASE event arrives against an open local position, it still produces an intent
	decEvent := types.PositionDeltaEvent{
		TimestampMs: 1_700_000_000_000, EventIndex: 2, TxHash: "0xdef", Symbol: "BTCUSDT",
		PrevNet: decimal.NewFromInt(5), NextNet: decimal.NewFromInt(3), Action: types.ActionDecrease,
		CloseComponent: decimal.NewFromInt(2), ContractVersion: types.CurrentContractVersion,
	}
	intents, rej = d.Evaluate(context.Background(), decEvent)
	require.Nil(t, rej)
	require.Len(t, intents, 1)
	assert.True(t, intents[0].ReduceOnly)
	assert.Equal(t, "hl-0xdef-2-BTCUSDT", intents[0].CorrelationID, "a plain DECREASE carries no role suffix")
}

func TestEvaluate_PlainDecreaseCorrelationIDHasNoRoleSuffix(t *testing.T) {
	// a role suffix is reserved for FLIP's close/open split (decision.go's
	// buildReduceOnly/buildIncrease calls for ActionFlip); a standalone
	// DECREASE must produce the bare hl-{tx}-{idx}-{symbol} id so the
	// venue's idempotency key matches across retries/resumes.
	d := newDecision(t, baseConfig(), fakePrices{price: decimal.NewFromInt(100), ts: 1_700_000_000_000}, fakeSafety{mode: types.ModeArmedLive})
	event := types.PositionDeltaEvent{
		TimestampMs: 1_700_000_000_000, EventIndex: 9, TxHash: "0xplain", Symbol: "BTCUSDT",
		PrevNet: decimal.NewFromInt(-10), NextNet: decimal.NewFromInt(-8), Action: types.ActionDecrease,
		CloseComponent: decimal.NewFromInt(2), ContractVersion: types.CurrentContractVersion,
	}

	intents, rej := d.Evaluate(context.Background(), event)
	require.Nil(t, rej)
	require.Len(t, intents, 1)
	assert.Equal(t, "hl-0xplain-9-BTCUSDT", intents[0].CorrelationID)
	assert.NotContains(t, intents[0].CorrelationID, "-close")
}

func TestEvaluate_FlipProducesCloseThenOpenInOrder(t *testing.T) {
	d := newDecision(t, baseConfig(), fakePrices{price: decimal.NewFromInt(100), ts: 1_700_000_000_000}, fakeSafety{mode: types.ModeArmedLive})
	event := types.PositionDeltaEvent{
		TimestampMs: 1_700_000_000_000, EventIndex: 3, TxHash: "0xflip", Symbol: "BTCUSDT",
		PrevNet: decimal.NewFromInt(2), NextNet: decimal.NewFromInt(-1), Action: types.ActionFlip,
		CloseComponent: decimal.NewFromInt(2), OpenComponent: decimal.NewFromInt(1),
		ContractVersion: types.CurrentContractVersion,
	}

	intents, rej := d.Evaluate(context.Background(), event)
	require.Nil(t, rej)
	require.Len(t, intents, 2)

	assert.True(t, intents[0].ReduceOnly, "close component comes first")
	assert.Contains(t, intents[0].CorrelationID, "-close")
	assert.False(t, intents[1].ReduceOnly, "open component follows")
	assert.Contains(t, intents[1].CorrelationID, "-open")
}

func TestEvaluate_ReplayCloseOnlyBlocksIncreaseAndDropsFlipOpen(t *testing.T) {
	cfg := baseConfig()
	cfg.ReplayPolicy = config.ReplayCloseOnly
	d := newDecision(t, cfg, fakePrices{price: decimal.NewFromInt(100), ts: 1_700_000_000_000}, fakeSafety{mode: types.ModeArmedLive})

	event := increaseEvent()
	event.IsReplay = true
	intents, rej := d.Evaluate(context.Background(), event)
	require.Nil(t, intents)
	require.NotNil(t, rej)
	assert.Equal(t, "replay_policy_increase_blocked", rej.ReasonCode)

	flip := types.PositionDeltaEvent{
		TimestampMs: 1_700_000_000_000, EventIndex: 4, TxHash: "0xreplayflip", Symbol: "BTCUSDT",
		PrevNet: decimal.NewFromInt(2), NextNet: decimal.NewFromInt(-1), Action: types.ActionFlip,
		CloseComponent: decimal.NewFromInt(2), OpenComponent: decimal.NewFromInt(1),
		IsReplay: true, ContractVersion: types.CurrentContractVersion,
	}
	intents, rej = d.Evaluate(context.Background(), flip)
	require.Nil(t, rej)
	require.Len(t, intents, 1, "replay close_only forbids the open leg of a flip")
	assert.True(t, intents[0].ReduceOnly)
}

func TestEvaluate_SlippageExceededRejected(t *testing.T) {
	cfg := baseConfig()
	cfg.SlippageCapPct = decimal.NewFromFloat(0.01)
	d := newDecision(t, cfg, fakePrices{price: decimal.NewFromInt(110), ts: 1_700_000_000_000}, fakeSafety{mode: types.ModeArmedLive})

	event := increaseEvent()
	expected := decimal.NewFromInt(100)
	event.ExpectedPrice = &expected // 10% deviation vs 1% cap

	intents, rej := d.Evaluate(context.Background(), event)
	require.Nil(t, intents)
	require.NotNil(t, rej)
	assert.Equal(t, "slippage_exceeded", rej.ReasonCode)
}

func TestEvaluate_ReduceOnlyCappedAtClosableQty(t *testing.T) {
	// local position is -5 (short); a DECREASE wanting to close 10 is capped to 5
	d := newDecision(t, baseConfig(), fakePrices{price: decimal.NewFromInt(100), ts: 1_700_000_000_000}, fakeSafety{mode: types.ModeArmedLive})
	event := types.PositionDeltaEvent{
		TimestampMs: 1_700_000_000_000, EventIndex: 5, TxHash: "0xcap", Symbol: "BTCUSDT",
		PrevNet: decimal.NewFromInt(-10), NextNet: decimal.Zero, Action: types.ActionDecrease,
		CloseComponent: decimal.NewFromInt(10), ContractVersion: types.CurrentContractVersion,
	}

	intents, rej := d.Evaluate(context.Background(), event)
	require.Nil(t, rej)
	require.Len(t, intents, 1)
	assert.True(t, intents[0].Qty.LessThanOrEqual(decimal.NewFromInt(5)), "capped at closable_qty")
}

func TestEvaluate_FilterMinQtyRejected(t *testing.T) {
	cfg := baseConfig()
	cfg.ProportionalRatio = decimal.NewFromFloat(0.0000001) // force a dust qty
	clk := clock.NewFrozen(1_700_000_000_000)
	strict := venue.Filters{MinQty: decimal.NewFromInt(1), StepSize: decimal.Zero, MinNotional: decimal.Zero, TickSize: decimal.Zero}
	d := decision.New(cfg, clk,
		fakePrices{price: decimal.NewFromInt(100), ts: 1_700_000_000_000},
		fakeFilters{f: strict},
		fakePositions{pos: decimal.NewFromInt(-5)},
		fakeSafety{mode: types.ModeArmedLive},
	)

	intents, rej := d.Evaluate(context.Background(), increaseEvent())
	require.Nil(t, intents)
	require.NotNil(t, rej)
	assert.Equal(t, "filter_min_qty", rej.ReasonCode)
}
