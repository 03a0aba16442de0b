// Package safety maintains the global ternary safety mode and drives
// transitions from periodic reconciliation, generalizing the teacher's
// risk.CircuitBreaker trip/reset state machine from a single boolean
// trip flag into the full ARMED_LIVE/ARMED_SAFE/HALT gate.
package safety

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/hl-copytrader/internal/clock"
	"github.com/web3guy0/hl-copytrader/internal/config"
	"github.com/web3guy0/hl-copytrader/internal/store"
	"github.com/web3guy0/hl-copytrader/internal/types"
	"github.com/web3guy0/hl-copytrader/internal/venue"
)

// AdapterHealth reports the execution adapter's recent call health, used
// by the auto-recovery precondition (d) in the decision table.
type AdapterHealth interface {
	LastSuccessMs() int64
	LastErrorMs() int64
}

// Notifier is the capability Safety calls on every transition; kept as a
// thin single-method interface so safety never imports the notify package
// directly (small-interface boundary, matching the teacher's onCircuitTrip
// callback approach).
type Notifier interface {
	NotifySafetyTransition(from, to types.SafetyMode, reasonCode, reasonMessage string)
}

// Controller owns the stored SafetyState and the reconciliation loop.
type Controller struct {
	cfg     config.Config
	store   *store.Store
	clock   clock.Clock
	venue   venue.ExecutionVenue
	health  AdapterHealth
	notify  Notifier

	mu                  sync.RWMutex
	cached              types.SafetyState
	consecutiveNonCrit  int
	gapViolation        bool
	maintenanceApplied  bool
}

// New constructs a Controller and loads the persisted safety state.
func New(cfg config.Config, st *store.Store, clk clock.Clock, v venue.ExecutionVenue, health AdapterHealth, notify Notifier) (*Controller, error) {
	state, err := st.LoadSafety()
	if err != nil {
		return nil, err
	}
	return &Controller{cfg: cfg, store: st, clock: clk, venue: v, health: health, notify: notify, cached: state}, nil
}

// Mode implements decision.SafetyReader.
func (c *Controller) Mode() types.SafetyMode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cached.Mode
}

// State returns the full cached safety state.
func (c *Controller) State() types.SafetyState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cached
}

// ForceHalt implements ingest.SafetySink for the gap-exceeded case.
func (c *Controller) ForceHalt(reasonCode, reasonMessage string, nowMs int64) error {
	return c.transition(types.ModeHalt, reasonCode, reasonMessage, nowMs)
}

// ForceArmedSafe implements ingest.SafetySink for the maintenance-skip case.
func (c *Controller) ForceArmedSafe(reasonCode, reasonMessage string, nowMs int64) error {
	c.mu.Lock()
	c.gapViolation = false
	c.maintenanceApplied = true
	c.mu.Unlock()
	return c.transition(types.ModeArmedSafe, reasonCode, reasonMessage, nowMs)
}

// OnRetryBudgetExceeded implements execution.RetryBudgetSink.
func (c *Controller) OnRetryBudgetExceeded(correlationID, reasonMessage string) error {
	now := c.clock.NowMs()
	target := types.ModeArmedSafe
	if c.cfg.RetryBudgetMode == config.RetryBudgetHalt {
		target = types.ModeHalt
	}
	msg := fmt.Sprintf("%s: %s", correlationID, reasonMessage)
	return c.transition(target, types.ReasonExecutionRetryBudgetExceeded, msg, now)
}

func (c *Controller) transition(mode types.SafetyMode, reasonCode, reasonMessage string, nowMs int64) error {
	c.mu.Lock()
	from := c.cached.Mode
	c.mu.Unlock()

	if from == mode {
		return nil
	}

	next := types.SafetyState{Mode: mode, ReasonCode: reasonCode, ReasonMessage: reasonMessage, ChangedAtMs: nowMs}
	if err := c.store.SetSafety(next); err != nil {
		return err
	}

	c.mu.Lock()
	c.cached = next
	c.mu.Unlock()

	if c.notify != nil {
		c.notify.NotifySafetyTransition(from, mode, reasonCode, reasonMessage)
	}
	log.Warn().Str("from", string(from)).Str("to", string(mode)).Str("reason", reasonCode).Msg("safety transition")
	return nil
}

// Reconcile runs one reconciliation pass: compare derived local positions
// (plus active baselines) against the venue's reported positions and apply
// the decision table.
func (c *Controller) Reconcile(ctx context.Context, symbols []string) error {
	now := c.clock.NowMs()

	localRaw, err := c.store.DeriveLocalPositions(symbols)
	if err != nil {
		return err
	}
	baselines, err := c.store.LoadBaselines()
	if err != nil {
		return err
	}
	local := make(map[string]decimal.Decimal, len(localRaw))
	for k, v := range localRaw {
		local[k] = v
	}
	for _, b := range baselines {
		if b.Active {
			local[b.Symbol] = local[b.Symbol].Add(b.Qty)
		}
	}

	snapshot, err := c.venue.FetchPositions(ctx, symbols)
	if err != nil {
		return fmt.Errorf("reconcile: fetch venue positions: %w", err)
	}

	if now-snapshot.TimestampMs > c.cfg.SnapshotMaxStaleMs {
		c.resetConsecutive()
		return c.transition(types.ModeArmedSafe, types.ReasonSnapshotStale, "venue position snapshot stale", now)
	}

	var missingOnOneSide []string
	maxDrift := decimal.Zero
	for _, sym := range symbols {
		l := local[sym]
		v := snapshot.Positions[sym]
		lZero := l.IsZero()
		vZero := v.IsZero()
		if lZero != vZero {
			missingOnOneSide = append(missingOnOneSide, sym)
		}
		drift := l.Sub(v).Abs()
		if drift.GreaterThan(maxDrift) {
			maxDrift = drift
		}
	}

	if len(missingOnOneSide) > 0 {
		c.resetConsecutive()
		return c.transition(types.ModeHalt, types.ReasonReconcileCritical, fmt.Sprintf("symbols missing on one side: %v", missingOnOneSide), now)
	}
	if maxDrift.GreaterThanOrEqual(c.cfg.CriticalDriftThreshold) {
		c.resetConsecutive()
		return c.transition(types.ModeHalt, types.ReasonReconcileCritical, fmt.Sprintf("max_drift %s >= critical_threshold %s", maxDrift.String(), c.cfg.CriticalDriftThreshold.String()), now)
	}
	if maxDrift.GreaterThanOrEqual(c.cfg.WarnDriftThreshold) {
		log.Warn().Str("max_drift", maxDrift.String()).Msg("reconciliation drift above warn threshold")
		c.mu.Lock()
		c.consecutiveNonCrit++
		c.mu.Unlock()
		return c.maybeAutoRecover(now)
	}

	c.mu.Lock()
	c.consecutiveNonCrit++
	c.mu.Unlock()
	return c.maybeAutoRecover(now)
}

func (c *Controller) resetConsecutive() {
	c.mu.Lock()
	c.consecutiveNonCrit = 0
	c.mu.Unlock()
}

// maybeAutoRecover implements the HALT → ARMED_SAFE auto-recovery path.
// Transitions out of ARMED_SAFE to ARMED_LIVE are never automatic.
func (c *Controller) maybeAutoRecover(nowMs int64) error {
	c.mu.RLock()
	current := c.cached
	consecutive := c.consecutiveNonCrit
	gapViolation := c.gapViolation
	maintenanceApplied := c.maintenanceApplied
	c.mu.RUnlock()

	if current.Mode != types.ModeHalt {
		return nil
	}
	allowlisted := current.ReasonCode == types.ReasonSnapshotStale ||
		current.ReasonCode == types.ReasonReconcileCritical ||
		(current.ReasonCode == types.ReasonBackfillWindowExceeded && maintenanceApplied)
	if !allowlisted {
		return nil
	}
	if consecutive < c.cfg.AutoRecoveryConsecutiveOK {
		return nil
	}
	if gapViolation && !maintenanceApplied {
		return nil
	}
	if c.health != nil {
		healthyWindowMs := int64(60_000)
		if nowMs-c.health.LastSuccessMs() > healthyWindowMs {
			return nil
		}
		if c.health.LastErrorMs() != 0 && nowMs-c.health.LastErrorMs() < healthyWindowMs {
			return nil
		}
	}

	return c.transition(types.ModeArmedSafe, "AUTO_RECOVERY", "consecutive healthy reconciliations", nowMs)
}

// SetHealth wires the adapter-health source once it exists; safety and the
// orchestrator are mutually dependent (the orchestrator itself reports
// venue-call health), so this is set post-construction rather than passed
// into New.
func (c *Controller) SetHealth(health AdapterHealth) {
	c.mu.Lock()
	c.health = health
	c.mu.Unlock()
}

// SetGapViolation records whether ingest currently observes an
// unacknowledged gap violation, consulted by the auto-recovery precondition.
func (c *Controller) SetGapViolation(v bool) {
	c.mu.Lock()
	c.gapViolation = v
	c.mu.Unlock()
}
