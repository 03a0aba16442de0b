package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/hl-copytrader/internal/clock"
	"github.com/web3guy0/hl-copytrader/internal/config"
	"github.com/web3guy0/hl-copytrader/internal/decision"
	"github.com/web3guy0/hl-copytrader/internal/execution"
	"github.com/web3guy0/hl-copytrader/internal/ingest"
	"github.com/web3guy0/hl-copytrader/internal/leadersource"
	"github.com/web3guy0/hl-copytrader/internal/notify"
	"github.com/web3guy0/hl-copytrader/internal/orchestrator"
	"github.com/web3guy0/hl-copytrader/internal/safety"
	"github.com/web3guy0/hl-copytrader/internal/store"
	"github.com/web3guy0/hl-copytrader/internal/venue"
)

const VERSION = "v1.0"

// priceAdapter satisfies decision.PriceProvider over venue.ExecutionVenue.
type priceAdapter struct{ v venue.ExecutionVenue }

func (p priceAdapter) MarkPrice(ctx context.Context, symbol string) (decimal.Decimal, int64, error) {
	mp, err := p.v.FetchMarkPrice(ctx, symbol)
	if err != nil {
		return decimal.Decimal{}, 0, err
	}
	return mp.Price, mp.TimestampMs, nil
}

// filtersAdapter satisfies decision.FiltersProvider over venue.ExecutionVenue.
type filtersAdapter struct{ v venue.ExecutionVenue }

func (f filtersAdapter) Filters(ctx context.Context, symbol string) (venue.Filters, error) {
	return f.v.FetchFilters(ctx, symbol)
}

// positionAdapter satisfies decision.PositionProvider over store.Store.
type positionAdapter struct{ st *store.Store }

func (p positionAdapter) LocalPosition(_ context.Context, symbol string) (decimal.Decimal, error) {
	positions, err := p.st.DeriveLocalPositions([]string{symbol})
	if err != nil {
		return decimal.Decimal{}, err
	}
	return positions[symbol], nil
}

func main() {
	modeFlag := flag.String("mode", "", "run mode: live | dry-run | backfill-only (overrides BOT_MODE)")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("no .env file found")
	}
	if *modeFlag != "" {
		os.Setenv("BOT_MODE", *modeFlag)
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	log.Info().Msg("═══════════════════════════════════════════════════════")
	log.Info().Msgf("       HL-COPYTRADER %s - COPY-TRADING PIPELINE", VERSION)
	log.Info().Msg("═══════════════════════════════════════════════════════")

	// ───────────────────────── LAYER 1: CONFIG ─────────────────────────

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	log.Info().Str("mode", string(cfg.Mode)).Msg("configuration loaded")

	// ───────────────────────── LAYER 2: STORE ──────────────────────────

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open store")
	}
	defer st.Close()

	hash := cfg.Hash()
	if persisted, ok, err := st.GetSystemState("config_hash"); err == nil && ok && persisted != hash {
		log.Warn().Str("persisted", persisted).Str("current", hash).Msg("configuration changed since last run")
	}
	if err := st.SetSystemState("config_hash", hash); err != nil {
		log.Fatal().Err(err).Msg("failed to persist config hash")
	}
	log.Info().Msg("store initialized")

	// ───────────────────────── LAYER 3: CLOCK ──────────────────────────

	clk := clock.Real{}

	// ───────────────────────── LAYER 4: VENUE ──────────────────────────

	var v venue.ExecutionVenue
	if cfg.Mode == config.ModeLive {
		v = venue.NewLiveClient(cfg.VenueBaseURL, cfg.VenueAPIKey, cfg.VenueAPISecret)
		log.Info().Str("base_url", cfg.VenueBaseURL).Msg("live execution venue initialized")
	} else {
		marks := make(map[string]decimal.Decimal, len(cfg.Symbols))
		filters := make(map[string]venue.Filters, len(cfg.Symbols))
		for _, sym := range cfg.Symbols {
			marks[sym] = decimal.NewFromInt(0)
			filters[sym] = venue.Filters{
				MinQty:      decimal.NewFromFloat(0.001),
				StepSize:    decimal.NewFromFloat(0.001),
				MinNotional: decimal.NewFromFloat(5),
				TickSize:    decimal.NewFromFloat(0.01),
			}
		}
		v = venue.NewSimulatedVenue(marks, filters)
		log.Info().Msg("simulated execution venue initialized")
	}

	// ───────────────────────── LAYER 5: LEADER SOURCE ──────────────────

	if err := leadersource.ValidateWallet(cfg.LeaderWalletAddress); err != nil && cfg.Mode == config.ModeLive {
		log.Fatal().Err(err).Msg("invalid leader wallet address")
	}
	stream := leadersource.NewWSStream(cfg.LeaderWSURL, cfg.LeaderWalletAddress, cfg.StreamBackoffInitial, cfg.StreamBackoffCap)
	backfiller := leadersource.NewRESTBackfiller(cfg.LeaderRESTURL, cfg.LeaderWalletAddress)
	log.Info().Msg("leader source adapters initialized")

	// ───────────────────────── LAYER 6: NOTIFY ─────────────────────────

	notifier, err := notify.NewTelegram(cfg.TelegramToken, cfg.TelegramChatID)
	if err != nil {
		log.Warn().Err(err).Msg("telegram unavailable")
	} else if notifier != nil {
		log.Info().Msg("telegram notifier initialized")
	}

	// ───────────────────────── LAYER 7: SAFETY ─────────────────────────

	var notifierIface safety.Notifier
	if notifier != nil {
		notifierIface = notifier
	}

	safetyCtl, err := safety.New(*cfg, st, clk, v, nil, notifierIface)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize safety controller")
	}
	log.Info().Str("mode", string(safetyCtl.Mode())).Msg("safety controller initialized")

	// ───────────────────────── LAYER 8: INGEST ─────────────────────────

	ingestCfg := ingest.Config{
		SymbolMap:          cfg.SymbolMap,
		BackfillWindowMs:   cfg.BackfillWindowMs,
		OverlapMs:          cfg.OverlapMs,
		DedupTTLMs:         cfg.DedupTTLMs,
		MaintenanceSkipGap: cfg.MaintenanceSkipGap,
	}
	ig := ingest.New(ingestCfg, st, clk, safetyCtl)
	log.Info().Msg("ingest initialized")

	// ───────────────────────── LAYER 9: DECISION ───────────────────────

	dec := decision.New(*cfg, clk, priceAdapter{v}, filtersAdapter{v}, positionAdapter{st}, safetyCtl)
	log.Info().Msg("decision pipeline initialized")

	// ───────────────────────── LAYER 10: EXECUTION ─────────────────────

	exec := execution.New(*cfg, v, st, clk, safetyCtl)
	log.Info().Msg("executor initialized")

	// ───────────────────────── LAYER 11: ORCHESTRATOR ──────────────────

	orch := orchestrator.New(orchestrator.Deps{
		Config:     *cfg,
		Clock:      clk,
		Store:      st,
		Venue:      v,
		Stream:     stream,
		Backfiller: backfiller,
		Ingest:     ig,
		Decision:   dec,
		Executor:   exec,
		Safety:     safetyCtl,
		Notifier:   notifier,
	})
	safetyCtl.SetHealth(orch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Mode == config.ModeLive {
		if err := stream.Connect(ctx); err != nil {
			log.Error().Err(err).Msg("leader stream connect failed, continuing on REST backfill only")
		}
	}

	if err := orch.Bootstrap(ctx); err != nil {
		log.Fatal().Err(err).Msg("bootstrap failed")
	}

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		orch.Run(ctx)
	}()

	log.Info().Msg("🚀 running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Warn().Msg("shutdown signal received")
	cancel()
	<-runDone
	log.Info().Msg("shutdown complete")
}
