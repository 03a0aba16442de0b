// Package execution drives each OrderIntent through its lifecycle on the
// execution venue, preserving idempotency across retries, crashes, and
// restarts. Generalized from the teacher's execution.Executor (PENDING →
// OPEN → FILLED/PARTIAL/CANCELLED/REJECTED/EXPIRED/FAILED with a retry
// loop) into the full FSM + TIF + market-fallback + retry-budget contract.
package execution

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/hl-copytrader/internal/clock"
	"github.com/web3guy0/hl-copytrader/internal/config"
	"github.com/web3guy0/hl-copytrader/internal/store"
	"github.com/web3guy0/hl-copytrader/internal/types"
	"github.com/web3guy0/hl-copytrader/internal/venue"
)

// RetryBudgetSink is the capability Execution calls into when a single
// correlation_id's UNKNOWN retries exceed the configured budget; it is the
// one path other than Safety itself that may change the stored safety mode.
type RetryBudgetSink interface {
	OnRetryBudgetExceeded(correlationID, reasonMessage string) error
}

// attemptWindow tracks the fixed retry-budget window for one
// correlation_id's UNKNOWN resolution attempts (P6); the window restarts
// once RetryBudgetWindowSec has elapsed since its start.
type attemptWindow struct {
	windowStartMs int64
	attempts      int
}

// Executor owns the order FSM for every intent handed to it.
type Executor struct {
	cfg    config.Config
	venue  venue.ExecutionVenue
	store  *store.Store
	clock  clock.Clock
	retry  RetryBudgetSink

	mu       sync.Mutex
	attempts map[string]*attemptWindow
}

// New constructs an Executor.
func New(cfg config.Config, v venue.ExecutionVenue, st *store.Store, clk clock.Clock, retry RetryBudgetSink) *Executor {
	return &Executor{
		cfg:      cfg,
		venue:    v,
		store:    st,
		clock:    clk,
		retry:    retry,
		attempts: make(map[string]*attemptWindow),
	}
}

// clientID normalizes a correlation_id to the venue's charset/length
// constraints; correlation_id and client order id are the same string by
// contract, so this is close to identity but defends against venues with
// tighter length caps.
func clientID(correlationID string) string {
	id := strings.ReplaceAll(correlationID, " ", "_")
	if len(id) > 64 {
		id = id[:64]
	}
	return id
}

// Submit drives a freshly-built intent through submission. It is
// idempotent: if a result already exists for this correlation_id and has
// moved past PENDING, Submit hands it to Resume (which queries the venue
// for a non-terminal result and leaves a terminal one as is) rather than
// re-submitting; a result still PENDING is submitted again under the same
// client order id.
func (e *Executor) Submit(ctx context.Context, intent types.OrderIntent) error {
	existing, ok, err := e.store.LoadResult(intent.CorrelationID)
	if err != nil {
		return err
	}
	if ok && existing.Status != types.StatusPending {
		return e.Resume(ctx, intent, existing)
	}

	now := e.clock.NowMs()
	pending := types.OrderResult{
		CorrelationID:   intent.CorrelationID,
		Status:          types.StatusPending,
		FilledQty:       decimal.Zero,
		ContractVersion: types.CurrentContractVersion,
		UpdatedAtMs:     now,
	}
	if err := e.store.UpsertResult(pending); err != nil {
		return err
	}

	cid := clientID(intent.CorrelationID)
	result, err := e.venue.SubmitOrder(ctx, cid, intent.Symbol, intent.Side, intent.Type, intent.Qty, intent.Price, intent.TIF, intent.ReduceOnly)
	if err != nil {
		return e.transitionUnknown(intent.CorrelationID, fmt.Sprintf("submit error: %v", err))
	}

	switch result.Outcome {
	case venue.SubmitRejected:
		return e.setTerminal(intent.CorrelationID, types.StatusRejected, decimal.Zero, nil, result.RejectCode, "rejected by venue")
	case venue.SubmitDuplicateClient, venue.SubmitSubmitted:
		order, err := e.venue.QueryOrder(ctx, cid)
		if err != nil {
			return e.transitionUnknown(intent.CorrelationID, fmt.Sprintf("post-submit query error: %v", err))
		}
		return e.applyOrderSnapshot(intent, order)
	}
	return nil
}

// Resume re-queries the venue for an intent whose result is already
// non-terminal from a prior process lifetime, per the restart protocol.
func (e *Executor) Resume(ctx context.Context, intent types.OrderIntent, existing types.OrderResult) error {
	if existing.Status.Terminal() {
		return nil
	}
	order, err := e.venue.QueryOrder(ctx, clientID(intent.CorrelationID))
	if err != nil {
		return e.transitionUnknown(intent.CorrelationID, fmt.Sprintf("resume query error: %v", err))
	}
	return e.applyOrderSnapshot(intent, order)
}

func (e *Executor) applyOrderSnapshot(intent types.OrderIntent, order venue.Order) error {
	status := order.Status
	if status == "" {
		status = types.StatusSubmitted
	}
	if status == types.StatusRejected {
		return e.writeStatusWithExchangeID(intent.CorrelationID, order.ExchangeOrderID, types.StatusRejected, order.FilledQty, order.AvgPrice, order.ErrorCode, "")
	}
	return e.writeStatusWithExchangeID(intent.CorrelationID, order.ExchangeOrderID, status, order.FilledQty, order.AvgPrice, order.ErrorCode, "")
}

// PollActive is invoked periodically by the orchestrator's execution
// poller for every non-terminal intent, driving TIF expiry, market
// fallback, and UNKNOWN retry-budget accounting.
func (e *Executor) PollActive(ctx context.Context, intent types.OrderIntent, submittedAtMs int64) error {
	existing, ok, err := e.store.LoadResult(intent.CorrelationID)
	if err != nil {
		return err
	}
	if !ok || existing.Status.Terminal() {
		return nil
	}

	if existing.Status == types.StatusUnknown {
		return e.pollUnknown(ctx, intent)
	}

	order, err := e.venue.QueryOrder(ctx, clientID(intent.CorrelationID))
	if err != nil {
		return e.transitionUnknown(intent.CorrelationID, fmt.Sprintf("poll error: %v", err))
	}
	if err := e.applyOrderSnapshot(intent, order); err != nil {
		return err
	}

	remaining := intent.Qty.Sub(order.FilledQty)
	if remaining.IsPositive() && intent.Type == types.OrderTypeLimit {
		now := e.clock.NowMs()
		if now-submittedAtMs >= int64(e.cfg.TIFSeconds)*1000 {
			return e.handleTIFExpiry(ctx, intent, remaining)
		}
	}
	return nil
}

// handleTIFExpiry cancels the resting LIMIT order. If market fallback is not
// in play, EXPIRED is written immediately and stands as final (I4: once
// written, no later fallback merge could ever land on a terminal result
// anyway). If fallback is attempted, EXPIRED is withheld until the fallback
// path resolves, so a successful merge is never blocked by the FSM's
// terminal-state guard rejecting its own prior write.
func (e *Executor) handleTIFExpiry(ctx context.Context, intent types.OrderIntent, remaining decimal.Decimal) error {
	if err := e.venue.CancelOrder(ctx, clientID(intent.CorrelationID)); err != nil {
		log.Warn().Err(err).Str("correlation_id", intent.CorrelationID).Msg("cancel on TIF expiry failed")
	}

	existing, ok, err := e.store.LoadResult(intent.CorrelationID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("missing result for %s on TIF expiry", intent.CorrelationID)
	}

	if fallback, attempt := e.tryMarketFallback(ctx, intent, remaining); attempt {
		if fallback != nil {
			return e.mergeFallback(intent.CorrelationID, existing, *fallback)
		}
		// fallback was attempted but did not land (rejected/errored); EXPIRED stands.
	}

	return e.writeStatus(intent.CorrelationID, types.StatusExpired, existing.FilledQty, existing.AvgPrice, "", "")
}

// tryMarketFallback submits a MARKET order for the unfilled remainder when
// eligible. attempt reports whether fallback was eligible to run at all
// (threshold + slippage checks passed); fallback is the resulting venue
// order snapshot, nil if the attempt was made but failed.
func (e *Executor) tryMarketFallback(ctx context.Context, intent types.OrderIntent, remaining decimal.Decimal) (*venue.Order, bool) {
	if !e.cfg.MarketFallbackEnabled {
		return nil, false
	}
	threshold := e.cfg.MarketFallbackThresholdPct.Mul(intent.Qty)
	if remaining.GreaterThan(threshold) {
		return nil, false
	}

	mark, err := e.venue.FetchMarkPrice(ctx, intent.Symbol)
	if err != nil {
		log.Warn().Err(err).Str("correlation_id", intent.CorrelationID).Msg("market fallback skipped: mark price unavailable")
		return nil, false
	}
	if intent.Price != nil {
		denom := decimal.Max(intent.Price.Abs(), epsilon)
		slippage := mark.Price.Sub(*intent.Price).Abs().Div(denom)
		if slippage.GreaterThan(e.cfg.MarketSlippageCapPct) {
			log.Warn().Str("correlation_id", intent.CorrelationID).Msg("market fallback skipped: slippage cap exceeded, EXPIRED stands")
			return nil, false
		}
	}

	fallbackCid := clientID(intent.CorrelationID + "-fb")
	result, err := e.venue.SubmitOrder(ctx, fallbackCid, intent.Symbol, intent.Side, types.OrderTypeMarket, remaining, nil, types.TIFImmediateOrCancel, intent.ReduceOnly)
	if err != nil {
		log.Warn().Err(err).Str("correlation_id", intent.CorrelationID).Msg("market fallback submit error")
		return nil, true
	}
	if result.Outcome == venue.SubmitRejected {
		return nil, true
	}

	order, err := e.venue.QueryOrder(ctx, fallbackCid)
	if err != nil {
		return nil, true
	}
	return &order, true
}

// mergeFallback accumulates the fallback fill into the original result:
// filled_qty sums, avg_price is volume-weighted.
func (e *Executor) mergeFallback(correlationID string, original types.OrderResult, fallback venue.Order) error {
	totalFilled := original.FilledQty.Add(fallback.FilledQty)
	var avgPrice *decimal.Decimal
	if totalFilled.IsPositive() {
		weighted := decimal.Zero
		if original.AvgPrice != nil {
			weighted = weighted.Add(original.FilledQty.Mul(*original.AvgPrice))
		}
		if fallback.AvgPrice != nil {
			weighted = weighted.Add(fallback.FilledQty.Mul(*fallback.AvgPrice))
		}
		vwap := weighted.Div(totalFilled)
		avgPrice = &vwap
	}

	status := types.StatusPartiallyFilled
	if fallback.Status == types.StatusFilled {
		status = types.StatusFilled
	}
	return e.writeStatus(correlationID, status, totalFilled, avgPrice, "", "")
}

func (e *Executor) pollUnknown(ctx context.Context, intent types.OrderIntent) error {
	order, err := e.venue.QueryOrder(ctx, clientID(intent.CorrelationID))
	if err != nil {
		return e.transitionUnknown(intent.CorrelationID, fmt.Sprintf("unknown-poll error: %v", err))
	}
	return e.applyOrderSnapshot(intent, order)
}

// transitionUnknown moves a result into UNKNOWN, tracking retry-budget
// attempts in a fixed window (restarted once it has elapsed) and triggering
// the safety transition on
// exhaustion (P6, reason EXECUTION_RETRY_BUDGET_EXCEEDED).
func (e *Executor) transitionUnknown(correlationID, message string) error {
	now := e.clock.NowMs()
	if err := e.writeStatus(correlationID, types.StatusUnknown, decimal.Zero, nil, "", message); err != nil {
		return err
	}

	e.mu.Lock()
	win, ok := e.attempts[correlationID]
	windowMs := int64(e.cfg.RetryBudgetWindowSec) * 1000
	if !ok || now-win.windowStartMs > windowMs {
		win = &attemptWindow{windowStartMs: now, attempts: 0}
		e.attempts[correlationID] = win
	}
	win.attempts++
	exceeded := win.attempts > e.cfg.RetryBudgetMaxAttempts
	e.mu.Unlock()

	if exceeded {
		return e.retry.OnRetryBudgetExceeded(correlationID, message)
	}
	return nil
}

func (e *Executor) setTerminal(correlationID string, status types.OrderStatus, filled decimal.Decimal, avgPrice *decimal.Decimal, errorCode, errorMessage string) error {
	return e.writeStatus(correlationID, status, filled, avgPrice, errorCode, errorMessage)
}

func (e *Executor) writeStatus(correlationID string, status types.OrderStatus, filled decimal.Decimal, avgPrice *decimal.Decimal, errorCode, errorMessage string) error {
	return e.writeStatusWithExchangeID(correlationID, "", status, filled, avgPrice, errorCode, errorMessage)
}

// writeStatusWithExchangeID enforces the FSM's forward-only transition
// rule (I4) before persisting: a rejected transition is logged and
// silently dropped rather than propagated as an error, since the venue's
// own state is authoritative and a stale local read should never corrupt
// it.
func (e *Executor) writeStatusWithExchangeID(correlationID, exchangeOrderID string, status types.OrderStatus, filled decimal.Decimal, avgPrice *decimal.Decimal, errorCode, errorMessage string) error {
	existing, ok, err := e.store.LoadResult(correlationID)
	if err != nil {
		return err
	}
	if ok && !types.ValidTransition(existing.Status, status) {
		if existing.Status == status {
			return nil
		}
		log.Warn().Str("correlation_id", correlationID).Str("from", string(existing.Status)).Str("to", string(status)).Msg("rejected FSM regression")
		return nil
	}

	result := types.OrderResult{
		CorrelationID:   correlationID,
		ExchangeOrderID: exchangeOrderID,
		Status:          status,
		FilledQty:       filled,
		AvgPrice:        avgPrice,
		ErrorCode:       errorCode,
		ErrorMessage:    errorMessage,
		ContractVersion: types.CurrentContractVersion,
		UpdatedAtMs:     e.clock.NowMs(),
	}
	if ok && exchangeOrderID == "" {
		result.ExchangeOrderID = existing.ExchangeOrderID
	}
	return e.store.UpsertResult(result)
}

var epsilon = decimal.New(1, -9)
