// Package venue defines the execution-venue capability surface Execution
// and Decision depend on, plus a SimulatedVenue used in dry-run and
// backfill-only modes, grounded on exec/client.go's dry-run branch and
// execution/executor.go's simulateFill path.
package venue

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/hl-copytrader/internal/types"
)

// SubmitOutcome classifies the immediate result of a submit call.
type SubmitOutcome string

const (
	SubmitSubmitted        SubmitOutcome = "SUBMITTED"
	SubmitDuplicateClient  SubmitOutcome = "DUPLICATE_CLIENT_ID"
	SubmitRejected         SubmitOutcome = "REJECTED"
)

// SubmitResult is returned synchronously from SubmitOrder.
type SubmitResult struct {
	Outcome         SubmitOutcome
	ExchangeOrderID string
	RejectCode      string
}

// Order is the venue's view of an order's current state.
type Order struct {
	ClientID        string
	ExchangeOrderID string
	Status          types.OrderStatus
	FilledQty       decimal.Decimal
	AvgPrice        *decimal.Decimal
	ErrorCode       string
}

// Filters are the per-symbol exchange trading filters consulted during
// Decision's hard risk checks; no rounding is ever performed against them.
type Filters struct {
	MinQty      decimal.Decimal
	StepSize    decimal.Decimal
	MinNotional decimal.Decimal
	TickSize    decimal.Decimal
}

// MarkPrice is the venue's current reference price with its capture time.
type MarkPrice struct {
	Price       decimal.Decimal
	TimestampMs int64
}

// PositionsSnapshot is the venue's reported net positions with the
// snapshot's own age, used by Safety's staleness check.
type PositionsSnapshot struct {
	Positions   map[string]decimal.Decimal
	TimestampMs int64
}

// ExecutionVenue is the full capability surface required by Execution and
// Safety: submit/query/cancel, positions, mark price, filters, server time.
type ExecutionVenue interface {
	SubmitOrder(ctx context.Context, clientID, symbol string, side types.Side, orderType types.OrderType, qty decimal.Decimal, price *decimal.Decimal, tif types.TimeInForce, reduceOnly bool) (SubmitResult, error)
	QueryOrder(ctx context.Context, clientID string) (Order, error)
	CancelOrder(ctx context.Context, clientID string) error
	FetchPositions(ctx context.Context, symbols []string) (PositionsSnapshot, error)
	FetchMarkPrice(ctx context.Context, symbol string) (MarkPrice, error)
	FetchFilters(ctx context.Context, symbol string) (Filters, error)
	ServerTimeMs(ctx context.Context) (int64, error)
}

// SimulatedVenue fills LIMIT orders instantly at the requested (or a
// jittered) price and MARKET orders at a synthetic mark price, the same
// shape as the teacher's PaperMode branch in execution/executor.go, but
// exposed behind the ExecutionVenue interface so Decision/Execution never
// know whether they're talking to a simulator or the real thing.
type SimulatedVenue struct {
	mu         sync.Mutex
	orders     map[string]*Order
	marks      map[string]decimal.Decimal
	filters    map[string]Filters
	positions  map[string]decimal.Decimal
	slippageBp int
}

// NewSimulatedVenue builds a dry-run venue pre-seeded with the mark prices
// and filters the caller supplies; it fetches nothing from a real venue.
func NewSimulatedVenue(marks map[string]decimal.Decimal, filters map[string]Filters) *SimulatedVenue {
	return &SimulatedVenue{
		orders:     make(map[string]*Order),
		marks:      marks,
		filters:    filters,
		positions:  make(map[string]decimal.Decimal),
		slippageBp: 5,
	}
}

// SubmitOrder implements ExecutionVenue: fills immediately and updates the
// simulated position ledger.
func (v *SimulatedVenue) SubmitOrder(_ context.Context, clientID, symbol string, side types.Side, orderType types.OrderType, qty decimal.Decimal, price *decimal.Decimal, _ types.TimeInForce, _ bool) (SubmitResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if existing, ok := v.orders[clientID]; ok {
		return SubmitResult{Outcome: SubmitDuplicateClient, ExchangeOrderID: existing.ExchangeOrderID}, nil
	}

	fillPrice := decimal.Zero
	switch orderType {
	case types.OrderTypeMarket:
		fillPrice = v.marks[symbol]
	default:
		if price != nil {
			fillPrice = *price
		} else {
			fillPrice = v.marks[symbol]
		}
	}
	jitterBp := decimal.NewFromInt(int64(rand.Intn(v.slippageBp+1))).Div(decimal.NewFromInt(10000))
	fillPrice = fillPrice.Mul(decimal.NewFromInt(1).Add(jitterBp))

	sign := decimal.NewFromInt(1)
	if side == types.SideSell {
		sign = decimal.NewFromInt(-1)
	}
	v.positions[symbol] = v.positions[symbol].Add(qty.Mul(sign))

	exchangeID := fmt.Sprintf("SIM-%s", clientID)
	order := &Order{
		ClientID:        clientID,
		ExchangeOrderID: exchangeID,
		Status:          types.StatusFilled,
		FilledQty:       qty,
		AvgPrice:        &fillPrice,
	}
	v.orders[clientID] = order

	log.Debug().Str("client_id", clientID).Str("symbol", symbol).Str("price", fillPrice.String()).Msg("simulated fill")
	return SubmitResult{Outcome: SubmitSubmitted, ExchangeOrderID: exchangeID}, nil
}

// QueryOrder implements ExecutionVenue.
func (v *SimulatedVenue) QueryOrder(_ context.Context, clientID string) (Order, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	order, ok := v.orders[clientID]
	if !ok {
		return Order{}, fmt.Errorf("unknown simulated order %s", clientID)
	}
	return *order, nil
}

// CancelOrder implements ExecutionVenue. A simulated order is always
// already terminal by the time it could be canceled.
func (v *SimulatedVenue) CancelOrder(_ context.Context, clientID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	order, ok := v.orders[clientID]
	if !ok {
		return fmt.Errorf("unknown simulated order %s", clientID)
	}
	if !order.Status.Terminal() {
		order.Status = types.StatusCanceled
	}
	return nil
}

// FetchPositions implements ExecutionVenue.
func (v *SimulatedVenue) FetchPositions(_ context.Context, symbols []string) (PositionsSnapshot, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make(map[string]decimal.Decimal, len(symbols))
	for _, s := range symbols {
		out[s] = v.positions[s]
	}
	return PositionsSnapshot{Positions: out, TimestampMs: time.Now().UnixMilli()}, nil
}

// FetchMarkPrice implements ExecutionVenue.
func (v *SimulatedVenue) FetchMarkPrice(_ context.Context, symbol string) (MarkPrice, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	price, ok := v.marks[symbol]
	if !ok {
		return MarkPrice{}, fmt.Errorf("no simulated mark price for %s", symbol)
	}
	return MarkPrice{Price: price, TimestampMs: time.Now().UnixMilli()}, nil
}

// FetchFilters implements ExecutionVenue.
func (v *SimulatedVenue) FetchFilters(_ context.Context, symbol string) (Filters, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	f, ok := v.filters[symbol]
	if !ok {
		return Filters{}, fmt.Errorf("no simulated filters for %s", symbol)
	}
	return f, nil
}

// ServerTimeMs implements ExecutionVenue.
func (v *SimulatedVenue) ServerTimeMs(_ context.Context) (int64, error) {
	return time.Now().UnixMilli(), nil
}

// SetMarkPrice lets tests or the orchestrator push an updated reference
// price into the simulator.
func (v *SimulatedVenue) SetMarkPrice(symbol string, price decimal.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.marks[symbol] = price
}
