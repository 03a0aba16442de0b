// Package decision converts a PositionDeltaEvent into zero or more
// OrderIntents under a strict ordered pipeline, mirroring the
// hard-block-then-adjustment-then-score ordering risk.Gate.CanEnter uses,
// generalized from "approve a trade" to "approve and size an intent".
package decision

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/hl-copytrader/internal/clock"
	"github.com/web3guy0/hl-copytrader/internal/config"
	"github.com/web3guy0/hl-copytrader/internal/types"
	"github.com/web3guy0/hl-copytrader/internal/venue"
)

// epsilon guards against divide-by-zero on degenerate reference prices.
var epsilon = decimal.New(1, -9)

// PriceProvider supplies the execution venue's reference price for a
// symbol; modeled as a single-method capability per spec.md's "callable
// providers, not inheritance" note.
type PriceProvider interface {
	MarkPrice(ctx context.Context, symbol string) (decimal.Decimal, int64, error)
}

// FiltersProvider supplies cached per-symbol exchange filters.
type FiltersProvider interface {
	Filters(ctx context.Context, symbol string) (venue.Filters, error)
}

// PositionProvider supplies the local derived position for a symbol, used
// to cap reduce-only sizing by closable_qty.
type PositionProvider interface {
	LocalPosition(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// SafetyReader supplies the currently observed safety mode.
type SafetyReader interface {
	Mode() types.SafetyMode
}

// Rejection is a first-class, non-error decision outcome: a logical
// violation with a specific reason code, never retried.
type Rejection struct {
	ReasonCode string
	Message    string
}

func (r Rejection) Error() string { return fmt.Sprintf("%s: %s", r.ReasonCode, r.Message) }

// Decision is the pure, deterministic pipeline for a fixed set of provider
// readings; Evaluate never mutates shared state.
type Decision struct {
	cfg       config.Config
	clock     clock.Clock
	prices    PriceProvider
	filters   FiltersProvider
	positions PositionProvider
	safety    SafetyReader
}

// New constructs a Decision pipeline.
func New(cfg config.Config, clk clock.Clock, prices PriceProvider, filters FiltersProvider, positions PositionProvider, safety SafetyReader) *Decision {
	return &Decision{cfg: cfg, clock: clk, prices: prices, filters: filters, positions: positions, safety: safety}
}

// Evaluate runs the six-stage pipeline and returns the ordered intents
// for event (close before open on FLIP), or a Rejection explaining why
// none were produced. Rejection is not a Go error in the failure sense:
// it is a normal, loggable outcome.
func (d *Decision) Evaluate(ctx context.Context, event types.PositionDeltaEvent) ([]types.OrderIntent, *Rejection) {
	// 1. Schema & freshness
	if !event.ContractVersion.Compatible(types.CurrentContractVersion) {
		return nil, &Rejection{ReasonCode: "contract_version_incompatible", Message: fmt.Sprintf("event v%d.%d vs accepted v%d.%d", event.ContractVersion.Major, event.ContractVersion.Minor, types.CurrentContractVersion.Major, types.CurrentContractVersion.Minor)}
	}
	now := d.clock.NowMs()
	if now-event.TimestampMs > d.cfg.MaxStaleMs {
		return nil, &Rejection{ReasonCode: "event_stale", Message: "event older than max_stale_ms"}
	}
	if event.TimestampMs-now > d.cfg.MaxFutureMs {
		return nil, &Rejection{ReasonCode: "event_future", Message: "event timestamp too far ahead of now"}
	}

	// 2. Replay gate
	reduceOnlyForced := false
	if event.IsReplay {
		switch d.cfg.ReplayPolicy {
		case config.ReplayOff:
			return nil, &Rejection{ReasonCode: "replay_policy_off", Message: "replay events disabled"}
		case config.ReplayCloseOnly:
			if event.Action == types.ActionIncrease {
				return nil, &Rejection{ReasonCode: "replay_policy_increase_blocked", Message: "replay_policy=close_only forbids INCREASE"}
			}
			reduceOnlyForced = true
		case config.ReplayFull:
		}
	}

	// 3. Safety gate
	mode := d.safety.Mode()
	switch mode {
	case types.ModeHalt:
		return nil, &Rejection{ReasonCode: "safety_halt", Message: "safety mode is HALT"}
	case types.ModeArmedSafe:
		if event.Action == types.ActionIncrease {
			return nil, &Rejection{ReasonCode: "safety_armed_safe_increase_blocked", Message: "ARMED_SAFE forbids exposure increase"}
		}
		reduceOnlyForced = true
	}

	var intents []types.OrderIntent

	switch event.Action {
	case types.ActionDecrease:
		intent, rej := d.buildReduceOnly(ctx, event, event.CloseComponent, "", true)
		if rej != nil {
			return nil, rej
		}
		if intent != nil {
			intents = append(intents, *intent)
		}
	case types.ActionIncrease:
		intent, rej := d.buildIncrease(ctx, event, event.OpenComponent, "")
		if rej != nil {
			return nil, rej
		}
		if intent != nil {
			intents = append(intents, *intent)
		}
	case types.ActionFlip:
		closeIntent, rej := d.buildReduceOnly(ctx, event, event.CloseComponent, types.RoleClose, true)
		if rej != nil {
			return nil, rej
		}
		if closeIntent != nil {
			intents = append(intents, *closeIntent)
		}
		if !reduceOnlyForced {
			openIntent, rej := d.buildIncrease(ctx, event, event.OpenComponent, types.RoleOpen)
			if rej != nil {
				return nil, rej
			}
			if openIntent != nil {
				intents = append(intents, *openIntent)
			}
		}
	}

	return intents, nil
}

// buildIncrease runs hard risk checks + sizing + intent assembly for an
// exposure-increasing component (INCREASE, or FLIP's open component).
func (d *Decision) buildIncrease(ctx context.Context, event types.PositionDeltaEvent, component decimal.Decimal, role string) (*types.OrderIntent, *Rejection) {
	refPrice, stale, rej := d.checkPrice(ctx, event)
	if rej != nil {
		return nil, rej
	}

	riskNotes, rej := d.checkSlippage(event, refPrice, stale)
	if rej != nil {
		return nil, rej
	}

	filters, err := d.filters.Filters(ctx, event.Symbol)
	if err != nil {
		return nil, &Rejection{ReasonCode: "filters_unavailable", Message: err.Error()}
	}

	qty := d.sizeComponent(component, refPrice)
	if rej := checkFilters(qty, refPrice, filters); rej != nil {
		return nil, rej
	}

	side := types.SideBuy
	if event.NextNet.IsNegative() {
		side = types.SideSell
	}

	correlationID := types.CorrelationID(event.TxHash, event.EventIndex, event.Symbol, role)
	intent := types.OrderIntent{
		CorrelationID:   correlationID,
		Symbol:          event.Symbol,
		Side:            side,
		Type:            types.OrderTypeLimit,
		Qty:             qty,
		Price:           &refPrice,
		ReduceOnly:      false,
		TIF:             types.TIFGoodTilCancel,
		IsReplay:        event.IsReplay,
		StrategyVersion: d.cfg.StrategyVersion,
		RiskNotes:       riskNotes,
	}
	return &intent, nil
}

// buildReduceOnly runs the reduce-only sizing path (DECREASE, or FLIP's
// close component), capping qty at closable_qty (I5).
func (d *Decision) buildReduceOnly(ctx context.Context, event types.PositionDeltaEvent, component decimal.Decimal, role string, _ bool) (*types.OrderIntent, *Rejection) {
	refPrice, stale, rej := d.checkPrice(ctx, event)
	if rej != nil {
		return nil, rej
	}
	riskNotes, rej := d.checkSlippage(event, refPrice, stale)
	if rej != nil {
		return nil, rej
	}

	filters, err := d.filters.Filters(ctx, event.Symbol)
	if err != nil {
		return nil, &Rejection{ReasonCode: "filters_unavailable", Message: err.Error()}
	}

	localPos, err := d.positions.LocalPosition(ctx, event.Symbol)
	if err != nil {
		return nil, &Rejection{ReasonCode: "local_position_unavailable", Message: err.Error()}
	}
	closableQty := localPos.Abs()
	if closableQty.IsZero() {
		log.Warn().Str("symbol", event.Symbol).Msg("reduce-only intent skipped: closable_qty is zero")
		return nil, nil
	}

	desired := d.sizeComponent(component, refPrice)
	ratio := decimal.NewFromInt(1)
	if !event.PrevNet.Abs().IsZero() {
		ratio = decimal.Min(decimal.NewFromInt(1), component.Abs().Div(event.PrevNet.Abs()))
	}
	qty := decimal.Min(desired, closableQty.Mul(ratio))
	if qty.IsZero() {
		return nil, nil
	}

	if rej := checkFilters(qty, refPrice, filters); rej != nil {
		return nil, rej
	}

	side := types.SideSell
	if localPos.IsNegative() {
		side = types.SideBuy
	}

	correlationID := types.CorrelationID(event.TxHash, event.EventIndex, event.Symbol, role)
	intent := types.OrderIntent{
		CorrelationID:   correlationID,
		Symbol:          event.Symbol,
		Side:            side,
		Type:            types.OrderTypeLimit,
		Qty:             qty,
		Price:           &refPrice,
		ReduceOnly:      true,
		TIF:             types.TIFGoodTilCancel,
		IsReplay:        event.IsReplay,
		StrategyVersion: d.cfg.StrategyVersion,
		RiskNotes:       riskNotes,
	}
	return &intent, nil
}

func (d *Decision) checkPrice(ctx context.Context, event types.PositionDeltaEvent) (decimal.Decimal, bool, *Rejection) {
	price, ts, err := d.prices.MarkPrice(ctx, event.Symbol)
	now := d.clock.NowMs()
	if err == nil && now-ts <= d.cfg.MaxStaleMs {
		return price, false, nil
	}

	if d.cfg.PriceFallbackEnabled && event.ExpectedPrice != nil {
		return *event.ExpectedPrice, true, nil
	}

	switch d.cfg.PriceFailurePolicy {
	case config.PriceFailureAllowWithoutPrice:
		return decimal.Zero, true, nil
	default:
		return decimal.Decimal{}, false, &Rejection{ReasonCode: "reference_price_unavailable", Message: "no fresh mark price and no usable fallback"}
	}
}

func (d *Decision) checkSlippage(event types.PositionDeltaEvent, refPrice decimal.Decimal, stale bool) ([]string, *Rejection) {
	var notes []string
	if event.ExpectedPrice == nil || refPrice.IsZero() {
		if d.cfg.PriceFailurePolicy == config.PriceFailureAllowWithoutPrice {
			notes = append(notes, "slippage check skipped: missing price")
			return notes, nil
		}
		return nil, &Rejection{ReasonCode: "price_missing_for_slippage", Message: "expected or reference price missing"}
	}

	denom := decimal.Max(event.ExpectedPrice.Abs(), epsilon)
	slippage := refPrice.Sub(*event.ExpectedPrice).Abs().Div(denom)
	if d.cfg.SlippageCapPct.IsPositive() && slippage.GreaterThan(d.cfg.SlippageCapPct) {
		return nil, &Rejection{ReasonCode: "slippage_exceeded", Message: fmt.Sprintf("slippage %s exceeds cap %s", slippage.String(), d.cfg.SlippageCapPct.String())}
	}
	if stale {
		notes = append(notes, "reference price served from ingest-supplied fallback")
	}
	return notes, nil
}

func checkFilters(qty, price decimal.Decimal, f venue.Filters) *Rejection {
	if qty.LessThan(f.MinQty) {
		return &Rejection{ReasonCode: "filter_min_qty", Message: fmt.Sprintf("qty %s below min_qty %s", qty.String(), f.MinQty.String())}
	}
	if !f.StepSize.IsZero() && !isExactMultiple(qty, f.StepSize) {
		return &Rejection{ReasonCode: "filter_step_size", Message: fmt.Sprintf("qty %s not an exact multiple of step_size %s", qty.String(), f.StepSize.String())}
	}
	if !f.TickSize.IsZero() && !price.IsZero() && !isExactMultiple(price, f.TickSize) {
		return &Rejection{ReasonCode: "filter_tick_size", Message: fmt.Sprintf("price %s not an exact multiple of tick_size %s", price.String(), f.TickSize.String())}
	}
	notional := qty.Mul(price)
	if !f.MinNotional.IsZero() && notional.LessThan(f.MinNotional) {
		return &Rejection{ReasonCode: "filter_min_notional", Message: fmt.Sprintf("notional %s below min_notional %s", notional.String(), f.MinNotional.String())}
	}
	return nil
}

func isExactMultiple(value, step decimal.Decimal) bool {
	if step.IsZero() {
		return true
	}
	ratio := value.Div(step)
	return ratio.Equal(ratio.Round(0))
}

// sizeComponent maps an event component to a local base-asset qty per the
// configured sizing mode.
func (d *Decision) sizeComponent(component, refPrice decimal.Decimal) decimal.Decimal {
	switch d.cfg.SizingMode {
	case config.SizingFixedNotional:
		if refPrice.IsZero() {
			return decimal.Zero
		}
		return d.cfg.FixedNotional.Div(refPrice)
	case config.SizingKelly:
		return component.Mul(d.cfg.KellyFraction)
	default: // proportional
		return component.Mul(d.cfg.ProportionalRatio)
	}
}
