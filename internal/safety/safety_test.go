package safety_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/hl-copytrader/internal/clock"
	"github.com/web3guy0/hl-copytrader/internal/config"
	"github.com/web3guy0/hl-copytrader/internal/safety"
	"github.com/web3guy0/hl-copytrader/internal/store"
	"github.com/web3guy0/hl-copytrader/internal/types"
	"github.com/web3guy0/hl-copytrader/internal/venue"
)

type fakeVenue struct {
	positions   map[string]decimal.Decimal
	snapshotAge int64 // ms before "now" the snapshot claims to be from
}

func (f *fakeVenue) SubmitOrder(context.Context, string, string, types.Side, types.OrderType, decimal.Decimal, *decimal.Decimal, types.TimeInForce, bool) (venue.SubmitResult, error) {
	return venue.SubmitResult{}, nil
}
func (f *fakeVenue) QueryOrder(context.Context, string) (venue.Order, error) { return venue.Order{}, nil }
func (f *fakeVenue) CancelOrder(context.Context, string) error               { return nil }

func (f *fakeVenue) FetchPositions(_ context.Context, symbols []string) (venue.PositionsSnapshot, error) {
	out := make(map[string]decimal.Decimal, len(symbols))
	for _, s := range symbols {
		out[s] = f.positions[s]
	}
	return venue.PositionsSnapshot{Positions: out, TimestampMs: nowMs - f.snapshotAge}, nil
}
func (f *fakeVenue) FetchMarkPrice(context.Context, string) (venue.MarkPrice, error) {
	return venue.MarkPrice{}, nil
}
func (f *fakeVenue) FetchFilters(context.Context, string) (venue.Filters, error) {
	return venue.Filters{}, nil
}
func (f *fakeVenue) ServerTimeMs(context.Context) (int64, error) { return nowMs, nil }

const nowMs = 1_700_000_000_000

type fakeNotifier struct {
	calls int
}

func (f *fakeNotifier) NotifySafetyTransition(types.SafetyMode, types.SafetyMode, string, string) {
	f.calls++
}

type fakeHealth struct {
	lastSuccess, lastError int64
}

func (f fakeHealth) LastSuccessMs() int64 { return f.lastSuccess }
func (f fakeHealth) LastErrorMs() int64   { return f.lastError }

func baseSafetyConfig() config.Config {
	return config.Config{
		SnapshotMaxStaleMs:        15_000,
		WarnDriftThreshold:        decimal.NewFromFloat(0.01),
		CriticalDriftThreshold:    decimal.NewFromFloat(0.05),
		AutoRecoveryConsecutiveOK: 3,
		RetryBudgetMode:           config.RetryBudgetArmedSafe,
	}
}

func newTestController(t *testing.T, cfg config.Config, v *fakeVenue) (*safety.Controller, *store.Store, *fakeNotifier) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	clk := clock.NewFrozen(nowMs)
	notifier := &fakeNotifier{}
	ctl, err := safety.New(cfg, st, clk, v, nil, notifier)
	require.NoError(t, err)
	return ctl, st, notifier
}

func TestNew_DefaultsToArmedSafeOnFreshStore(t *testing.T) {
	ctl, _, _ := newTestController(t, baseSafetyConfig(), &fakeVenue{})
	require.Equal(t, types.ModeArmedSafe, ctl.Mode())
}

func TestReconcile_MatchingPositionsStayArmedSafe(t *testing.T) {
	v := &fakeVenue{positions: map[string]decimal.Decimal{"BTCUSDT": decimal.Zero}}
	ctl, _, _ := newTestController(t, baseSafetyConfig(), v)

	require.NoError(t, ctl.Reconcile(context.Background(), []string{"BTCUSDT"}))
	require.Equal(t, types.ModeArmedSafe, ctl.Mode())
}

func TestReconcile_MissingOnOneSideForcesHalt(t *testing.T) {
	// GIVEN local derives a non-zero position for BTCUSDT but the venue reports none
	v := &fakeVenue{positions: map[string]decimal.Decimal{"BTCUSDT": decimal.Zero}}
	cfg := baseSafetyConfig()
	ctl, st, notifier := newTestController(t, cfg, v)

	_, err := st.RecordEvent(
		types.DedupRecord{TxHash: "0xabc", EventIndex: 1, Symbol: "BTCUSDT", TimestampMs: nowMs},
		types.Cursor{LastProcessedTimestampMs: nowMs, LastIngestSuccessMs: nowMs},
		[]types.OrderIntent{{CorrelationID: "hl-0xabc-1-BTCUSDT", Symbol: "BTCUSDT", Side: types.SideBuy, Qty: decimal.NewFromInt(2)}},
	)
	require.NoError(t, err)

	require.NoError(t, ctl.Reconcile(context.Background(), []string{"BTCUSDT"}))
	require.Equal(t, types.ModeHalt, ctl.Mode())
	require.Equal(t, types.ReasonReconcileCritical, ctl.State().ReasonCode)
	require.Equal(t, 1, notifier.calls)
}

func TestReconcile_DriftAboveCriticalForcesHalt(t *testing.T) {
	v := &fakeVenue{positions: map[string]decimal.Decimal{"BTCUSDT": decimal.NewFromInt(100)}}
	cfg := baseSafetyConfig()
	ctl, st, _ := newTestController(t, cfg, v)

	_, err := st.RecordEvent(
		types.DedupRecord{TxHash: "0xdrift", EventIndex: 1, Symbol: "BTCUSDT", TimestampMs: nowMs},
		types.Cursor{LastProcessedTimestampMs: nowMs, LastIngestSuccessMs: nowMs},
		[]types.OrderIntent{{CorrelationID: "hl-0xdrift-1-BTCUSDT", Symbol: "BTCUSDT", Side: types.SideBuy, Qty: decimal.NewFromInt(106)}},
	)
	require.NoError(t, err)
	require.NoError(t, st.UpsertResult(types.OrderResult{
		CorrelationID: "hl-0xdrift-1-BTCUSDT", Status: types.StatusFilled, FilledQty: decimal.NewFromInt(106),
		ContractVersion: types.CurrentContractVersion, UpdatedAtMs: nowMs,
	}))

	require.NoError(t, ctl.Reconcile(context.Background(), []string{"BTCUSDT"}))
	require.Equal(t, types.ModeHalt, ctl.Mode())
	require.Equal(t, types.ReasonReconcileCritical, ctl.State().ReasonCode)
}

func TestReconcile_StaleSnapshotForcesArmedSafe(t *testing.T) {
	v := &fakeVenue{positions: map[string]decimal.Decimal{"BTCUSDT": decimal.Zero}, snapshotAge: 60_000}
	cfg := baseSafetyConfig()
	ctl, _, _ := newTestController(t, cfg, v)

	require.NoError(t, ctl.ForceHalt(types.ReasonReconcileCritical, "seed halt", nowMs))
	require.NoError(t, ctl.Reconcile(context.Background(), []string{"BTCUSDT"}))
	require.Equal(t, types.ModeArmedSafe, ctl.Mode())
	require.Equal(t, types.ReasonSnapshotStale, ctl.State().ReasonCode)
}

func TestMaybeAutoRecover_RequiresConsecutiveHealthyReconciliationsAndHealth(t *testing.T) {
	// GIVEN a HALT from a previously critical reconciliation, now matching cleanly
	v := &fakeVenue{positions: map[string]decimal.Decimal{"BTCUSDT": decimal.Zero}}
	cfg := baseSafetyConfig()
	cfg.AutoRecoveryConsecutiveOK = 2
	ctl, _, _ := newTestController(t, cfg, v)

	require.NoError(t, ctl.ForceHalt(types.ReasonReconcileCritical, "seed halt", nowMs))
	ctl.SetHealth(fakeHealth{lastSuccess: nowMs, lastError: 0})

	// first clean reconcile: consecutive=1, below threshold of 2, still HALT
	require.NoError(t, ctl.Reconcile(context.Background(), []string{"BTCUSDT"}))
	require.Equal(t, types.ModeHalt, ctl.Mode())

	// second clean reconcile: consecutive=2, meets threshold, auto-recovers to ARMED_SAFE
	require.NoError(t, ctl.Reconcile(context.Background(), []string{"BTCUSDT"}))
	require.Equal(t, types.ModeArmedSafe, ctl.Mode())
}

func TestMaybeAutoRecover_NeverAutomaticallyReturnsToArmedLive(t *testing.T) {
	v := &fakeVenue{positions: map[string]decimal.Decimal{"BTCUSDT": decimal.Zero}}
	cfg := baseSafetyConfig()
	cfg.AutoRecoveryConsecutiveOK = 1
	ctl, _, _ := newTestController(t, cfg, v)

	require.NoError(t, ctl.ForceArmedSafe(types.ReasonMaintenanceSkip, "seed", nowMs))
	ctl.SetHealth(fakeHealth{lastSuccess: nowMs})

	require.NoError(t, ctl.Reconcile(context.Background(), []string{"BTCUSDT"}))
	require.Equal(t, types.ModeArmedSafe, ctl.Mode(), "ARMED_SAFE -> ARMED_LIVE is never automatic")
}

func TestOnRetryBudgetExceeded_TransitionsPerConfiguredMode(t *testing.T) {
	cfg := baseSafetyConfig()
	cfg.RetryBudgetMode = config.RetryBudgetHalt
	ctl, _, _ := newTestController(t, cfg, &fakeVenue{})

	require.NoError(t, ctl.OnRetryBudgetExceeded("hl-0xabc-1-BTCUSDT", "3 UNKNOWN retries exhausted"))
	require.Equal(t, types.ModeHalt, ctl.Mode())
	require.Equal(t, types.ReasonExecutionRetryBudgetExceeded, ctl.State().ReasonCode)
}
