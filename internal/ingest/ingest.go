// Package ingest turns the leader venue's raw fill stream into ordered,
// deduplicated PositionDeltaEvents, aggregating same-order fill splits the
// way a single leader order is frequently chopped into many tiny fills
// sharing one tx_hash.
package ingest

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/hl-copytrader/internal/clock"
	"github.com/web3guy0/hl-copytrader/internal/leadersource"
	"github.com/web3guy0/hl-copytrader/internal/store"
	"github.com/web3guy0/hl-copytrader/internal/types"
)

// SafetySink lets Ingest drive safety transitions on gap conditions,
// without Ingest importing the safety package directly (it only needs
// these two capabilities).
type SafetySink interface {
	ForceHalt(reasonCode, reasonMessage string, nowMs int64) error
	ForceArmedSafe(reasonCode, reasonMessage string, nowMs int64) error
}

// Config holds the ingest-relevant subset of process configuration.
type Config struct {
	SymbolMap          map[string]string
	BackfillWindowMs   int64
	OverlapMs          int64
	DedupTTLMs         int64
	MaintenanceSkipGap bool
}

// Ingest owns fill aggregation, cursor advance, and the gap guard.
type Ingest struct {
	cfg    Config
	store  *store.Store
	clock  clock.Clock
	safety SafetySink
	bootMs int64

	unmappedWarned map[string]bool
}

// New constructs an Ingest. bootMs anchors the backfill window's lower
// bound on cold start.
func New(cfg Config, st *store.Store, clk clock.Clock, safety SafetySink) *Ingest {
	return &Ingest{
		cfg:            cfg,
		store:          st,
		clock:          clk,
		safety:         safety,
		bootMs:         clk.NowMs(),
		unmappedWarned: make(map[string]bool),
	}
}

// BackfillWindow computes [since, until] for the initial or reconnect
// backfill query, honoring the overlap window for same-millisecond ties.
func (ig *Ingest) BackfillWindow() (int64, int64, error) {
	cursor, err := ig.store.LoadCursor()
	if err != nil {
		return 0, 0, err
	}
	now := ig.clock.NowMs()
	lowerFromCursor := cursor.LastProcessedTimestampMs - ig.cfg.OverlapMs
	lowerFromBoot := ig.bootMs - ig.cfg.BackfillWindowMs
	since := lowerFromCursor
	if lowerFromBoot > since {
		since = lowerFromBoot
	}
	if since < 0 {
		since = 0
	}
	return since, now, nil
}

// CheckGap evaluates the gap guard: a real outage (stale ingest liveness)
// beyond the backfill window forces HALT, while a merely quiet leader
// (healthy ingest, no recent activity) only warns.
func (ig *Ingest) CheckGap() error {
	cursor, err := ig.store.LoadCursor()
	if err != nil {
		return err
	}
	now := ig.clock.NowMs()
	if cursor.LastIngestSuccessMs == 0 {
		return nil // never successfully polled yet; startup backfill handles this
	}
	if now-cursor.LastIngestSuccessMs <= ig.cfg.BackfillWindowMs {
		return nil
	}

	if ig.cfg.MaintenanceSkipGap {
		if err := ig.store.AppendAudit(types.AuditRecord{
			Category:      "ingest",
			EntityID:      "cursor",
			ReasonCode:    types.ReasonMaintenanceSkip,
			ReasonMessage: "operator bypass of gap-exceeded HALT",
			TimestampMs:   now,
		}); err != nil {
			return err
		}
		skipCursor := types.Cursor{
			LastProcessedTimestampMs: now,
			LastProcessedEventKey:    cursor.LastProcessedEventKey,
			LastIngestSuccessMs:      now,
		}
		if _, err := ig.store.RecordEvent(types.DedupRecord{TxHash: "maintenance-skip", EventIndex: int(now), Symbol: "_"}, skipCursor, nil); err != nil {
			return fmt.Errorf("maintenance skip cursor jump: %w", err)
		}
		return ig.safety.ForceArmedSafe(types.ReasonMaintenanceSkip, "gap bypassed via maintenance_skip_gap", now)
	}

	log.Warn().Int64("stale_ms", now-cursor.LastIngestSuccessMs).Msg("leader ingest backfill window exceeded")
	return ig.safety.ForceHalt(types.ReasonBackfillWindowExceeded, "no successful leader source response within backfill window", now)
}

// AggregateGroup reduces one (tx_hash, coin) group of raw fills into at
// most one PositionDeltaEvent. Fills are sorted by (time_ms, tid) before
// any arithmetic runs, so fill-delivery order never affects the result.
func (ig *Ingest) AggregateGroup(fills []leadersource.Fill, isReplay bool) (*types.PositionDeltaEvent, error) {
	if len(fills) == 0 {
		return nil, fmt.Errorf("empty fill group")
	}

	sorted := make([]leadersource.Fill, len(fills))
	copy(sorted, fills)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].TimeMs != sorted[j].TimeMs {
			return sorted[i].TimeMs < sorted[j].TimeMs
		}
		return sorted[i].Tid < sorted[j].Tid
	})

	coin := sorted[0].Coin
	symbol, ok := ig.cfg.SymbolMap[coin]
	if !ok {
		if !ig.unmappedWarned[coin] {
			log.Warn().Str("coin", coin).Msg("unmapped coin, dropping fill group")
			ig.unmappedWarned[coin] = true
		}
		return nil, nil
	}
	if strings.HasPrefix(coin, "@") {
		return nil, nil
	}

	total := decimal.Zero
	var prevNet *decimal.Decimal
	var lastValid *leadersource.Fill
	var lastPrice *decimal.Decimal

	for i := range sorted {
		f := &sorted[i]
		var sign decimal.Decimal
		switch f.Side {
		case leadersource.SideBuy:
			sign = decimal.NewFromInt(1)
		case leadersource.SideSell:
			sign = decimal.NewFromInt(-1)
		default:
			log.Warn().Str("side", string(f.Side)).Msg("invalid fill side, excluded")
			continue
		}
		delta := f.Size.Mul(sign)
		total = total.Add(delta)
		if prevNet == nil && f.StartPosition != nil {
			v := *f.StartPosition
			prevNet = &v
		}
		lastValid = f
		if f.Price != nil {
			lastPrice = f.Price
		}
	}

	if lastValid == nil {
		return nil, nil // every fill in the group had an invalid side
	}
	if prevNet == nil {
		zero := decimal.Zero
		prevNet = &zero
	}

	var nextNet decimal.Decimal
	if lastValid.StartPosition != nil {
		lastSign := decimal.NewFromInt(1)
		if lastValid.Side == leadersource.SideSell {
			lastSign = decimal.NewFromInt(-1)
		}
		nextNet = lastValid.StartPosition.Add(lastValid.Size.Mul(lastSign))
	} else {
		nextNet = prevNet.Add(total)
	}

	action := classify(*prevNet, nextNet)

	event := &types.PositionDeltaEvent{
		TimestampMs:     lastValid.TimeMs,
		EventIndex:      int(lastValid.Tid),
		TxHash:          lastValid.TxHash,
		Symbol:          symbol,
		PrevNet:         *prevNet,
		NextNet:         nextNet,
		Delta:           total,
		Action:          action,
		IsReplay:        isReplay,
		ExpectedPrice:   lastPrice,
		ContractVersion: types.CurrentContractVersion,
	}

	switch action {
	case types.ActionFlip:
		event.CloseComponent = prevNet.Abs()
		event.OpenComponent = nextNet.Abs()
	case types.ActionIncrease:
		event.OpenComponent = nextNet.Abs().Sub(prevNet.Abs())
	case types.ActionDecrease:
		event.CloseComponent = prevNet.Abs().Sub(nextNet.Abs())
	}

	return event, nil
}

func classify(prevNet, nextNet decimal.Decimal) types.Action {
	prevAbs := prevNet.Abs()
	nextAbs := nextNet.Abs()
	prevSign := prevNet.Sign()
	nextSign := nextNet.Sign()

	if prevSign != 0 && nextSign != 0 && prevSign != nextSign {
		return types.ActionFlip
	}
	if nextAbs.GreaterThan(prevAbs) {
		return types.ActionIncrease
	}
	return types.ActionDecrease
}

// GroupFills buckets raw fills by (tx_hash, coin), preserving first-seen
// group order so emission order matches arrival order.
func GroupFills(fills []leadersource.Fill) [][]leadersource.Fill {
	type key struct {
		txHash string
		coin   string
	}
	index := make(map[key]int)
	var groups [][]leadersource.Fill
	for _, f := range fills {
		k := key{f.TxHash, f.Coin}
		if i, ok := index[k]; ok {
			groups[i] = append(groups[i], f)
		} else {
			index[k] = len(groups)
			groups = append(groups, []leadersource.Fill{f})
		}
	}
	return groups
}

// Persist commits an event's dedup record, cursor advance, and the
// intents Decision produced for it atomically (I1, I2, I3): the caller
// runs Decision.Evaluate first and passes the resulting intents (nil if
// the event was rejected), so a duplicate dedup key also means the
// intents never land, and a successful insert always carries its intents
// in the same transaction as the cursor advance.
func (ig *Ingest) Persist(ctx context.Context, event types.PositionDeltaEvent, intents []types.OrderIntent) (store.RecordEventResult, error) {
	now := ig.clock.NowMs()
	dedup := types.DedupRecord{
		TxHash:      event.TxHash,
		EventIndex:  event.EventIndex,
		Symbol:      event.Symbol,
		TimestampMs: event.TimestampMs,
		IsReplay:    event.IsReplay,
		CreatedAtMs: now,
	}
	cursor := types.Cursor{
		LastProcessedTimestampMs: event.TimestampMs,
		LastProcessedEventKey:    event.Key(),
		LastIngestSuccessMs:      now,
	}
	result, err := ig.store.RecordEvent(dedup, cursor, intents)
	if err != nil {
		return store.Inserted, err
	}
	return result, nil
}

// TouchSuccess advances last_ingest_success_ms without progressing the
// cursor, for any successful source response (even an empty backfill page).
func (ig *Ingest) TouchSuccess() error {
	return ig.store.TouchIngestSuccess(ig.clock.NowMs())
}

// SweepExpiredDedup deletes dedup records past their TTL.
func (ig *Ingest) SweepExpiredDedup() error {
	if ig.cfg.DedupTTLMs <= 0 {
		return nil
	}
	cutoff := ig.clock.NowMs() - ig.cfg.DedupTTLMs
	n, err := ig.store.SweepDedup(cutoff)
	if err != nil {
		return err
	}
	if n > 0 {
		log.Debug().Int64("swept", n).Msg("dedup sweep")
	}
	return nil
}
