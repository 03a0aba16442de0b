// Package orchestrator supervises the lifecycle: the startup state
// machine, then five cooperative tasks sharing one cancellation token,
// grounded on internal/markets.MarketManager.Start's per-task
// ticker+select loop and cmd/main.go's layered construction/shutdown
// sequencing.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/hl-copytrader/internal/clock"
	"github.com/web3guy0/hl-copytrader/internal/config"
	"github.com/web3guy0/hl-copytrader/internal/decision"
	"github.com/web3guy0/hl-copytrader/internal/execution"
	"github.com/web3guy0/hl-copytrader/internal/ingest"
	"github.com/web3guy0/hl-copytrader/internal/leadersource"
	"github.com/web3guy0/hl-copytrader/internal/notify"
	"github.com/web3guy0/hl-copytrader/internal/safety"
	"github.com/web3guy0/hl-copytrader/internal/store"
	"github.com/web3guy0/hl-copytrader/internal/types"
	"github.com/web3guy0/hl-copytrader/internal/venue"
)

// BootPhase names a step of the startup state machine.
type BootPhase string

const (
	PhaseBootstrap          BootPhase = "BOOTSTRAP"
	PhaseSnapshotCheck       BootPhase = "SNAPSHOT_CHECK"
	PhaseReconcileOnStart    BootPhase = "RECONCILE_ON_START"
	PhaseBackfillCatchup     BootPhase = "BACKFILL_CATCHUP"
)

// Orchestrator wires every component and drives both the startup FSM and
// the steady-state cooperative tasks.
type Orchestrator struct {
	cfg    config.Config
	clock  clock.Clock
	store  *store.Store
	venue  venue.ExecutionVenue
	stream leadersource.FillStream
	backfiller leadersource.FillBackfiller
	ingest *ingest.Ingest
	decide *decision.Decision
	exec   *execution.Executor
	safetyCtl *safety.Controller
	notifier  *notify.Telegram

	mu            sync.RWMutex
	lastSuccessMs int64
	lastErrorMs   int64

	pendingMu sync.Mutex
	pending   map[string]types.OrderIntent
	submittedAt map[string]int64
}

// Deps bundles the already-constructed collaborators. Keeping this as a
// plain struct (rather than a long constructor parameter list) mirrors how
// cmd/main.go builds each "layer" before wiring the next.
type Deps struct {
	Config     config.Config
	Clock      clock.Clock
	Store      *store.Store
	Venue      venue.ExecutionVenue
	Stream     leadersource.FillStream
	Backfiller leadersource.FillBackfiller
	Ingest     *ingest.Ingest
	Decision   *decision.Decision
	Executor   *execution.Executor
	Safety     *safety.Controller
	Notifier   *notify.Telegram
}

// New builds an Orchestrator from its dependencies.
func New(d Deps) *Orchestrator {
	return &Orchestrator{
		cfg:         d.Config,
		clock:       d.Clock,
		store:       d.Store,
		venue:       d.Venue,
		stream:      d.Stream,
		backfiller:  d.Backfiller,
		ingest:      d.Ingest,
		decide:      d.Decision,
		exec:        d.Executor,
		safetyCtl:   d.Safety,
		notifier:    d.Notifier,
		pending:     make(map[string]types.OrderIntent),
		submittedAt: make(map[string]int64),
	}
}

// LastSuccessMs implements safety.AdapterHealth.
func (o *Orchestrator) LastSuccessMs() int64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.lastSuccessMs
}

// LastErrorMs implements safety.AdapterHealth.
func (o *Orchestrator) LastErrorMs() int64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.lastErrorMs
}

func (o *Orchestrator) recordVenueCall(err error) {
	now := o.clock.NowMs()
	o.mu.Lock()
	defer o.mu.Unlock()
	if err != nil {
		o.lastErrorMs = now
	} else {
		o.lastSuccessMs = now
	}
}

// Bootstrap runs the startup state machine:
// BOOTSTRAP → SNAPSHOT_CHECK → RECONCILE_ON_START → BACKFILL_CATCHUP →
// {ARMED_LIVE | ARMED_SAFE | HALT}. It never itself exits the process on
// HALT; it returns an error only when the venue is unreachable at boot,
// which the caller treats as fatal.
func (o *Orchestrator) Bootstrap(ctx context.Context) error {
	log.Info().Str("phase", string(PhaseBootstrap)).Msg("orchestrator boot")

	_, err := o.venue.ServerTimeMs(ctx)
	o.recordVenueCall(err)
	if err != nil {
		return fmt.Errorf("%s: venue unreachable at boot: %w", PhaseSnapshotCheck, err)
	}

	log.Info().Str("phase", string(PhaseSnapshotCheck)).Msg("checking venue position snapshot")
	if err := o.safetyCtl.Reconcile(ctx, o.cfg.Symbols); err != nil {
		log.Warn().Err(err).Str("phase", string(PhaseReconcileOnStart)).Msg("startup reconciliation failed, remaining conservative")
	}

	log.Info().Str("phase", string(PhaseBackfillCatchup)).Msg("running backfill catch-up")
	if err := o.catchUp(ctx); err != nil {
		log.Warn().Err(err).Msg("backfill catch-up encountered an error")
	}

	log.Info().Str("mode", string(o.safetyCtl.Mode())).Msg("orchestrator armed")
	if o.notifier != nil {
		o.notifier.NotifyStartup(string(o.cfg.Mode))
	}
	return nil
}

func (o *Orchestrator) catchUp(ctx context.Context) error {
	since, until, err := o.ingest.BackfillWindow()
	if err != nil {
		return err
	}
	fills, err := o.backfiller.FetchFills(ctx, since, until)
	o.recordVenueCall(err)
	if err != nil {
		return fmt.Errorf("backfill fetch: %w", err)
	}
	if err := o.ingest.TouchSuccess(); err != nil {
		return err
	}
	return o.processFills(ctx, fills, true)
}

// Run starts the five cooperative tasks and blocks until ctx is canceled,
// draining each task before returning.
func (o *Orchestrator) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	tasks := []func(context.Context){
		o.runStreamReceiver,
		o.runRESTPoller,
		o.runExecutionPoller,
		o.runReconcileLoop,
		o.runHeartbeat,
	}
	for _, task := range tasks {
		wg.Add(1)
		go func(t func(context.Context)) {
			defer wg.Done()
			t(ctx)
		}(task)
	}
	wg.Wait()
	return nil
}

func (o *Orchestrator) runStreamReceiver(ctx context.Context) {
	if o.stream == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			o.stream.Close()
			return
		case fill, ok := <-o.stream.Fills():
			if !ok {
				return
			}
			if err := o.processFills(ctx, []leadersource.Fill{fill}, false); err != nil {
				log.Error().Err(err).Msg("stream fill processing error")
			}
		case err := <-o.stream.Err():
			log.Error().Err(err).Msg("leader stream reported error")
		}
	}
}

func (o *Orchestrator) runRESTPoller(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.IdleBackoff)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := o.ingest.CheckGap(); err != nil {
				log.Error().Err(err).Msg("gap guard error")
			}
		}
	}
}

func (o *Orchestrator) runExecutionPoller(ctx context.Context) {
	interval := time.Duration(o.cfg.OrderPollIntervalSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.pollAllActive(ctx)
		}
	}
}

func (o *Orchestrator) pollAllActive(ctx context.Context) {
	o.pendingMu.Lock()
	snapshot := make(map[string]types.OrderIntent, len(o.pending))
	for k, v := range o.pending {
		snapshot[k] = v
	}
	o.pendingMu.Unlock()

	for id, intent := range snapshot {
		o.pendingMu.Lock()
		submittedAt := o.submittedAt[id]
		o.pendingMu.Unlock()

		if err := o.exec.PollActive(ctx, intent, submittedAt); err != nil {
			log.Error().Err(err).Str("correlation_id", id).Msg("execution poll error")
			continue
		}
		result, ok, err := o.store.LoadResult(id)
		if err == nil && ok && result.Status.Terminal() {
			o.pendingMu.Lock()
			delete(o.pending, id)
			delete(o.submittedAt, id)
			o.pendingMu.Unlock()
		}
	}
}

func (o *Orchestrator) runReconcileLoop(ctx context.Context) {
	interval := time.Duration(o.cfg.ReconcileIntervalSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := o.safetyCtl.Reconcile(ctx, o.cfg.Symbols); err != nil {
				log.Error().Err(err).Msg("reconcile error")
			}
		}
	}
}

func (o *Orchestrator) runHeartbeat(ctx context.Context) {
	interval := time.Duration(o.cfg.HeartbeatIntervalSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			state := o.safetyCtl.State()
			if err := o.store.SetSystemState("last_heartbeat_ms", fmt.Sprintf("%d", o.clock.NowMs())); err != nil {
				log.Error().Err(err).Msg("heartbeat state write failed")
			}
			log.Info().
				Str("safety_mode", string(state.Mode)).
				Str("reason", state.ReasonCode).
				Msg("heartbeat")
		}
	}
}

// processFills runs the full ingest → decision → execution chain for a
// batch of raw fills, grouping them by (tx_hash, coin) before aggregation.
func (o *Orchestrator) processFills(ctx context.Context, fills []leadersource.Fill, isReplay bool) error {
	groups := ingest.GroupFills(fills)
	for _, group := range groups {
		event, err := o.ingest.AggregateGroup(group, isReplay)
		if err != nil {
			log.Warn().Err(err).Msg("aggregation error, skipping group")
			continue
		}
		if event == nil {
			continue
		}

		intents, rejection := o.decide.Evaluate(ctx, *event)

		var persistIntents []types.OrderIntent
		if rejection == nil {
			persistIntents = intents
		}

		result, err := o.ingest.Persist(ctx, *event, persistIntents)
		if err != nil {
			return err
		}
		if result == store.Duplicate {
			continue
		}

		if rejection != nil {
			log.Info().Str("reason", rejection.ReasonCode).Str("symbol", event.Symbol).Msg("decision rejection")
			continue
		}

		for _, intent := range intents {
			if o.cfg.Mode == config.ModeBackfillOnly {
				continue
			}
			if err := o.exec.Submit(ctx, intent); err != nil {
				log.Error().Err(err).Str("correlation_id", intent.CorrelationID).Msg("submit error")
				continue
			}
			o.pendingMu.Lock()
			o.pending[intent.CorrelationID] = intent
			o.submittedAt[intent.CorrelationID] = o.clock.NowMs()
			o.pendingMu.Unlock()
		}
	}
	return nil
}
