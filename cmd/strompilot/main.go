package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/strompilot/strompilot/pkg/arbitrage"
	"github.com/strompilot/strompilot/pkg/evcc"
	"github.com/strompilot/strompilot/pkg/forecast"
	"github.com/strompilot/strompilot/pkg/learner"
	"github.com/strompilot/strompilot/pkg/log"
	"github.com/strompilot/strompilot/pkg/loop"
	"github.com/strompilot/strompilot/pkg/modectl"
	"github.com/strompilot/strompilot/pkg/planner"
	"github.com/strompilot/strompilot/pkg/reaction"
	"github.com/strompilot/strompilot/pkg/reserve"
	"github.com/strompilot/strompilot/pkg/server"
	"github.com/strompilot/strompilot/pkg/statestore"
	"github.com/strompilot/strompilot/pkg/types"
	"github.com/strompilot/strompilot/pkg/vehicle"
)

func main() {
	settingsPath := lflag.String("settings", "settings.yaml", "path to the settings file")
	srv := server.Configured()

	// parse flags
	lflag.Configure()

	// lflag automatically sets llog's level, but we need to set the slog level
	level, err := log.LevelFromLLog()
	if err != nil {
		panic(err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	slog.Debug("logger configured", slog.String("level", level.String()))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	settings, err := types.LoadSettings(*settingsPath)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to load settings", slog.Any("error", err))
		os.Exit(1)
	}
	issues := settings.Validate()
	for _, is := range issues {
		lvl := slog.LevelWarn
		if is.Severity == types.SeverityCritical {
			lvl = slog.LevelError
		}
		log.Ctx(ctx).Log(ctx, lvl, "settings issue",
			slog.String("field", is.Field),
			slog.String("message", is.Message),
			slog.String("suggestion", is.Suggestion),
		)
	}
	if types.HasCritical(issues) {
		log.Ctx(ctx).ErrorContext(ctx, "settings contain critical issues, refusing to start")
		os.Exit(1)
	}

	api := evcc.NewClient(settings.EvccURL, settings.EvccPassword)
	dataDir := settings.DataDir

	store := statestore.New()
	registry := vehicle.NewRegistry(settings.Vehicles)
	boost := loop.NewBoostManager(nil)
	rel := forecast.NewReliability(filepath.Join(dataDir, "reliability.json"))
	seasonal := forecast.NewSeasonal(filepath.Join(dataDir, "seasonal.json"))
	pv := forecast.NewPV(filepath.Join(dataDir, "pv.json"), settings.Latitude, settings.Longitude)
	consumption := forecast.NewConsumption(filepath.Join(dataDir, "consumption.json"))
	react := reaction.NewTracker(filepath.Join(dataDir, "reaction.json"))
	res := reserve.NewCalculator(filepath.Join(dataDir, "reserve.json"), api,
		settings.BatteryMinSOC, settings.ReserveObservationDays, settings.ReserveForceLive)

	plnr := planner.New(planner.Config{
		BatteryCapacityKWH:  settings.BatteryCapacityKWH,
		BatteryMaxPowerKW:   settings.BatteryMaxPowerKW,
		BatteryMinSOC:       settings.BatteryMinSOC,
		BatteryMaxSOC:       settings.BatteryMaxSOC,
		ChargeEfficiency:    settings.ChargeEfficiency,
		DischargeEfficiency: settings.DischargeEfficiency,
		FeedInTariffEUR:     settings.FeedInTariffEUR,
	}, planner.SimplexSolver{})

	arb := arbitrage.New(arbitrage.Config{
		BatteryCapacityKWH:  settings.BatteryCapacityKWH,
		ChargeEfficiency:    settings.ChargeEfficiency,
		DischargeEfficiency: settings.DischargeEfficiency,
		BatteryMaxPriceEUR:  settings.BatteryMaxPriceEUR,
		MinProfitCt:         settings.MinProfitCt,
		FloorSOC:            int(settings.ArbitrageFloorSOC),
		ChargePowerKW:       settings.BatteryMaxPowerKW,
	}, api, arbitrage.Limits{
		BufferSOC:      int(settings.BatteryMinSOC),
		BufferStartSOC: int(settings.BatteryMaxSOC),
		PrioritySOC:    int(settings.BatteryMinSOC),
	})

	agent := learner.New(filepath.Join(dataDir, "learner.json"), learner.Mode(settings.LearnerMode))
	collector := loop.NewCollector(api, registry)

	l := loop.New(loop.Deps{
		Settings:    settings,
		API:         api,
		Store:       store,
		Collector:   collector,
		Registry:    registry,
		Boost:       boost,
		Reliability: rel,
		Seasonal:    seasonal,
		PV:          pv,
		Consumption: consumption,
		Reaction:    react,
		Reserve:     res,
		Planner:     plnr,
		Arbitrage:   arb,
		Mode:        modectl.New(api),
		Agent:       agent,
		Notify:      loop.LogNotifier{},
	})

	srv.Bind(store, registry, boost, res)

	go collector.Run(ctx)
	for _, vc := range settings.Vehicles {
		prov, err := vehicle.New(vc)
		if err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to init vehicle provider", slog.Any("error", err))
			os.Exit(1)
		}
		go vehicle.NewPoller(prov, registry, time.Duration(settings.CycleMinutes)*2*time.Minute).Run(ctx)
	}
	go l.Run(ctx)

	// Run blocks until the context is cancelled or the listener fails
	if err := srv.Run(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "server failed", slog.Any("error", err))
		os.Exit(1)
	}
	log.Ctx(ctx).InfoContext(ctx, "server exited cleanly")
}
