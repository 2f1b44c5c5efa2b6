// Package arbiterd wires the arbiter's components into one process and
// owns their lifecycle.
package arbiterd

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/swarmwatch/arbiter/pkg/backends"
	"github.com/swarmwatch/arbiter/pkg/balance"
	"github.com/swarmwatch/arbiter/pkg/bounty"
	"github.com/swarmwatch/arbiter/pkg/config"
	"github.com/swarmwatch/arbiter/pkg/events"
	"github.com/swarmwatch/arbiter/pkg/ingress"
	"github.com/swarmwatch/arbiter/pkg/jobs"
	"github.com/swarmwatch/arbiter/pkg/log"
	"github.com/swarmwatch/arbiter/pkg/market"
	"github.com/swarmwatch/arbiter/pkg/monitor"
	"github.com/swarmwatch/arbiter/pkg/storage"
	"github.com/swarmwatch/arbiter/pkg/webapi"
)

const startupTimeout = 30 * time.Second

// Options are runtime switches on top of the config file.
type Options struct {
	// ManualMode marks every new bounty for operator settlement.
	ManualMode bool
}

// Daemon is the assembled arbiter.
type Daemon struct {
	cfg *config.Config

	store     *storage.BoltStore
	bus       *events.Bus
	market    *market.HTTPClient
	artifacts *market.ArtifactStore
	registry  *backends.Registry
	consumer  *ingress.Consumer
	scheduler *bounty.Scheduler
	api       *webapi.Server

	logger zerolog.Logger
}

// New builds the daemon from configuration. The market gateway is
// consulted once for the vote and reveal windows; without them no
// deadline can be computed, so an unreachable gateway fails startup.
func New(cfg *config.Config, opts Options) (*Daemon, error) {
	registry, err := backends.Load(cfg.AnalysisBackends, backends.Env{
		Secret:  cfg.APISecret,
		SelfURL: cfg.URL,
	})
	if err != nil {
		return nil, err
	}
	if registry.Len() == 0 {
		return nil, fmt.Errorf("no analysis backends configured")
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	client := market.NewClient(cfg.Host, cfg.Addr, cfg.Chain)
	artifacts, err := market.NewArtifactStore(cfg.Host, cfg.ArtifactsDir)
	if err != nil {
		store.Close()
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()
	params, err := client.Parameters(ctx)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("market parameters unavailable: %w", err)
	}

	// Jobs stuck PENDING from a previous run are resubmitted.
	reset, err := store.ResetPendingJobs()
	if err != nil {
		store.Close()
		return nil, err
	}

	logger := log.WithComponent("arbiterd")
	logger.Info().
		Uint64("vote_window", params.ArbiterVoteWindow).
		Uint64("reveal_window", params.AssertionRevealWindow).
		Int("reset_jobs", reset).
		Strs("backends", registry.Names()).
		Msg("Arbiter starting")

	bus := events.NewBus()

	// Backend row order follows the config file.
	names := make([]string, 0, len(cfg.AnalysisBackends))
	for _, bc := range cfg.AnalysisBackends {
		names = append(names, bc.Name)
	}

	scheduler := bounty.New(store, bus, client, artifacts, bounty.Params{
		VoteWindow:               params.ArbiterVoteWindow,
		RevealWindow:             params.AssertionRevealWindow,
		Backends:                 names,
		ManualMode:               opts.ManualMode,
		RevealManual:             cfg.RevealManual,
		TrustedExperts:           cfg.TrustedExperts,
		UntrustedExpertsRequired: cfg.UntrustedExpertsRequired,
	})
	engine := jobs.New(store, bus, registry, artifacts, cfg.URL,
		cfg.Expires.Std(), cfg.ArtifactInterval.Std())
	consumer := ingress.New(cfg.Host, cfg.Addr, bus, client)

	ui := monitor.NewBroadcaster()
	mon := monitor.New(bus, store, client, registry, cfg.Addr, cfg.Chain, ui)
	api := webapi.New(webapi.Config{
		Bind:              cfg.Bind,
		Secret:            cfg.APISecret,
		DashboardPassword: cfg.DashboardPassword,
		ArtifactInterval:  cfg.ArtifactInterval.Std(),
	}, store, bus, ui, scheduler, registry, artifacts)

	reconciler, err := balance.New(bus, client, balance.Thresholds{
		MinSide: cfg.MinSide,
		MaxSide: cfg.MaxSide,
		Refill:  cfg.RefillAmount,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	// Handler registration; periodic loops start with the bus.
	scheduler.Register()
	engine.Register()
	mon.Register()
	if reconciler != nil {
		reconciler.Register()
	}

	return &Daemon{
		cfg:       cfg,
		store:     store,
		bus:       bus,
		market:    client,
		artifacts: artifacts,
		registry:  registry,
		consumer:  consumer,
		scheduler: scheduler,
		api:       api,
		logger:    logger,
	}, nil
}

// Run serves until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := d.api.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	d.consumer.Start()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		d.logger.Error().Err(err).Msg("Web API failed")
		d.shutdown()
		return err
	}

	d.logger.Info().Msg("Shutting down")
	d.shutdown()
	return nil
}

func (d *Daemon) shutdown() {
	d.consumer.Stop()
	d.bus.Stop()
	d.api.Stop()
	if err := d.store.Close(); err != nil {
		d.logger.Warn().Err(err).Msg("Store close failed")
	}
}
