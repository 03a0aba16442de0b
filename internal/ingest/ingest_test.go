package ingest_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/hl-copytrader/internal/clock"
	"github.com/web3guy0/hl-copytrader/internal/ingest"
	"github.com/web3guy0/hl-copytrader/internal/leadersource"
	"github.com/web3guy0/hl-copytrader/internal/store"
	"github.com/web3guy0/hl-copytrader/internal/types"
)

type fakeSafetySink struct {
	haltCalls       int
	armedSafeCalls  int
	lastReasonCode  string
}

func (f *fakeSafetySink) ForceHalt(reasonCode, _ string, _ int64) error {
	f.haltCalls++
	f.lastReasonCode = reasonCode
	return nil
}

func (f *fakeSafetySink) ForceArmedSafe(reasonCode, _ string, _ int64) error {
	f.armedSafeCalls++
	f.lastReasonCode = reasonCode
	return nil
}

func newTestIngest(t *testing.T) (*ingest.Ingest, *store.Store, *clock.Frozen, *fakeSafetySink) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	clk := clock.NewFrozen(1_700_000_000_000)
	safety := &fakeSafetySink{}
	cfg := ingest.Config{
		SymbolMap:        map[string]string{"BTC": "BTCUSDT"},
		BackfillWindowMs: 10 * 60 * 1000,
		OverlapMs:        2000,
		DedupTTLMs:       7 * 24 * 60 * 60 * 1000,
	}
	return ingest.New(cfg, st, clk, safety), st, clk, safety
}

func fill(txHash string, tid int64, side leadersource.Side, size string, startPos string, timeMs int64) leadersource.Fill {
	sz, _ := decimal.NewFromString(size)
	var sp *decimal.Decimal
	if startPos != "" {
		v, _ := decimal.NewFromString(startPos)
		sp = &v
	}
	return leadersource.Fill{
		TxHash: txHash, Tid: tid, Coin: "BTC", Side: side, Size: sz, StartPosition: sp, TimeMs: timeMs,
	}
}

func TestAggregateGroup_RestoresSingleIncreaseFromManyFills(t *testing.T) {
	// GIVEN a leader order chopped into three fills that together open 3 BTC
	// WHEN the group is aggregated
	// THEN the event reflects the net action (INCREASE), not three separate deltas
	ig, _, _, _ := newTestIngest(t)

	fills := []leadersource.Fill{
		fill("0xabc", 1, leadersource.SideBuy, "1", "0", 100),
		fill("0xabc", 2, leadersource.SideBuy, "1", "1", 101),
		fill("0xabc", 3, leadersource.SideBuy, "1", "2", 102),
	}

	event, err := ig.AggregateGroup(fills, false)
	require.NoError(t, err)
	require.NotNil(t, event)
	require.Equal(t, types.ActionIncrease, event.Action)
	require.True(t, event.NextNet.Equal(decimal.NewFromInt(3)))
	require.True(t, event.OpenComponent.Equal(decimal.NewFromInt(3)))
}

func TestAggregateGroup_FlipSplitsCloseAndOpenComponents(t *testing.T) {
	// GIVEN the leader flips from +2 to -1 (a close of 2, an open of 1)
	ig, _, _, _ := newTestIngest(t)

	fills := []leadersource.Fill{
		fill("0xflip", 1, leadersource.SideSell, "3", "2", 200),
	}

	event, err := ig.AggregateGroup(fills, false)
	require.NoError(t, err)
	require.NotNil(t, event)
	require.Equal(t, types.ActionFlip, event.Action)
	require.True(t, event.CloseComponent.Equal(decimal.NewFromInt(2)))
	require.True(t, event.OpenComponent.Equal(decimal.NewFromInt(1)))
}

func TestAggregateGroup_UnmappedCoinDropsSilently(t *testing.T) {
	ig, _, _, _ := newTestIngest(t)
	fills := []leadersource.Fill{fill("0xdef", 1, leadersource.SideBuy, "1", "0", 100)}
	fills[0].Coin = "DOGE"

	event, err := ig.AggregateGroup(fills, false)
	require.NoError(t, err)
	require.Nil(t, event)
}

func TestPersist_DuplicateKeyReportedNotInserted(t *testing.T) {
	// GIVEN an event already persisted
	// WHEN the identical (tx_hash, event_index, symbol) is persisted again
	// THEN the second call reports Duplicate and the cursor does not move twice
	ig, _, _, _ := newTestIngest(t)
	ctx := context.Background()

	event := types.PositionDeltaEvent{
		TimestampMs: 100, EventIndex: 1, TxHash: "0xabc", Symbol: "BTCUSDT",
		Action: types.ActionIncrease, ContractVersion: types.CurrentContractVersion,
	}

	result1, err := ig.Persist(ctx, event, nil)
	require.NoError(t, err)
	require.Equal(t, store.Inserted, result1)

	result2, err := ig.Persist(ctx, event, nil)
	require.NoError(t, err)
	require.Equal(t, store.Duplicate, result2)
}

func TestPersist_IntentsLandInTheSameTransactionAsTheEvent(t *testing.T) {
	// GIVEN the intents Decision produced for an event
	ig, st, _, _ := newTestIngest(t)
	ctx := context.Background()

	event := types.PositionDeltaEvent{
		TimestampMs: 100, EventIndex: 1, TxHash: "0xabc", Symbol: "BTCUSDT",
		Action: types.ActionIncrease, ContractVersion: types.CurrentContractVersion,
	}
	intents := []types.OrderIntent{
		{CorrelationID: "hl-0xabc-1-BTCUSDT", Symbol: "BTCUSDT", Side: types.SideBuy, Qty: decimal.NewFromInt(3)},
	}

	// WHEN the event is persisted with its intents
	result, err := ig.Persist(ctx, event, intents)
	require.NoError(t, err)
	require.Equal(t, store.Inserted, result)

	// THEN the intent is visible to position derivation, not silently dropped
	positions, err := st.DeriveLocalPositions([]string{"BTCUSDT"})
	require.NoError(t, err)
	require.True(t, positions["BTCUSDT"].Equal(decimal.NewFromInt(3)))
}

func TestCheckGap_StaleBeyondWindowForcesHalt(t *testing.T) {
	ig, st, clk, safety := newTestIngest(t)
	require.NoError(t, st.TouchIngestSuccess(clk.NowMs()))

	clk.Advance(20 * 60 * 1000) // 20 minutes, beyond the 10-minute backfill window

	err := ig.CheckGap()
	require.NoError(t, err)
	require.Equal(t, 1, safety.haltCalls)
	require.Equal(t, types.ReasonBackfillWindowExceeded, safety.lastReasonCode)
}

func TestCheckGap_WithinWindowIsFine(t *testing.T) {
	ig, st, clk, safety := newTestIngest(t)
	require.NoError(t, st.TouchIngestSuccess(clk.NowMs()))

	clk.Advance(60 * 1000)

	err := ig.CheckGap()
	require.NoError(t, err)
	require.Zero(t, safety.haltCalls)
}
