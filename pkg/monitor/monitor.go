// Package monitor feeds the operator dashboard. It forwards market
// chatter, runs backend health checks, polls the wallet, and refreshes
// counters from the store.
package monitor

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/swarmwatch/arbiter/pkg/backends"
	"github.com/swarmwatch/arbiter/pkg/events"
	"github.com/swarmwatch/arbiter/pkg/log"
	"github.com/swarmwatch/arbiter/pkg/metrics"
	"github.com/swarmwatch/arbiter/pkg/storage"
)

const (
	healthInterval  = 5 * time.Minute
	walletInterval  = time.Minute
	counterInterval = 30 * time.Second

	callTimeout = 30 * time.Second
)

// BackendSet is the slice of the registry the monitor needs.
type BackendSet interface {
	All() []backends.AnalysisBackend
	Len() int
}

// MarketAPI is the gateway surface the monitor polls.
type MarketAPI interface {
	Balance(ctx context.Context, kind, chain string) (string, error)
}

// Monitor drives the dashboard broadcaster.
type Monitor struct {
	bus      *events.Bus
	store    storage.Store
	market   MarketAPI
	registry BackendSet
	account  string
	chain    string
	ui       *Broadcaster
	logger   zerolog.Logger
}

func New(bus *events.Bus, store storage.Store, api MarketAPI,
	registry BackendSet, account, chain string, ui *Broadcaster) *Monitor {
	return &Monitor{
		bus:      bus,
		store:    store,
		market:   api,
		registry: registry,
		account:  account,
		chain:    chain,
		ui:       ui,
		logger:   log.WithComponent("monitor"),
	}
}

func (m *Monitor) Register() {
	m.bus.Subscribe(events.EventBlock, m.onBlock)
	m.bus.Subscribe(events.EventAssertion, m.onAssertion)
	m.bus.Subscribe(events.EventVote, m.onVote)
	m.bus.Subscribe(events.EventBountyManual, m.onManual)
	m.bus.Subscribe(events.EventBountySettled, m.onSettled)
	m.bus.Subscribe(events.EventBountyAborted, m.onAborted)

	m.bus.PeriodicNow(healthInterval, m.healthCheck)
	m.bus.PeriodicNow(walletInterval, m.updateWallet)
	m.bus.PeriodicNow(counterInterval, m.counters)
}

func (m *Monitor) onBlock(ev events.Event) {
	m.ui.Broadcast("counter-block", ev.(events.Block).Number, true)
}

// Market chatter is forwarded verbatim; the dashboard renders the live
// feed, nothing here depends on the payload shape.
func (m *Monitor) onAssertion(ev events.Event) {
	m.ui.Broadcast("assertion", ev.(events.Assertion).Data, false)
}

func (m *Monitor) onVote(ev events.Event) {
	m.ui.Broadcast("vote", ev.(events.Vote).Data, false)
}

// onManual tells connected dashboards to refetch the pending list.
func (m *Monitor) onManual(ev events.Event) {
	m.ui.Broadcast("bounties-updated", "manual", false)
}

func (m *Monitor) onSettled(ev events.Event) {
	m.ui.Broadcast("bounties-settled",
		map[string]interface{}{"guid": ev.(events.BountySettled).GUID}, false)
}

func (m *Monitor) onAborted(ev events.Event) {
	m.ui.Broadcast("bounties-updated", "aborted", false)
}

// healthCheck asks every backend how it is doing and publishes one
// report per backend. A failing backend stays in the report with its
// error string so the dashboard can show it red.
func (m *Monitor) healthCheck() {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	report := make(map[string]interface{}, m.registry.Len())
	for _, backend := range m.registry.All() {
		name := backend.Name()
		entry := map[string]interface{}{"name": name, "error": false}
		data, err := backend.HealthCheck(ctx)
		if err != nil {
			m.logger.Warn().Err(err).Str("backend", name).Msg("Health check failed")
			entry["error"] = err.Error()
		}
		for k, v := range data {
			entry[k] = v
		}
		report[name] = entry
	}
	m.ui.Broadcast("backends", report, true)
}

func (m *Monitor) updateWallet() {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	nct, err := m.market.Balance(ctx, "nct", m.chain)
	if err != nil {
		m.logger.Warn().Err(err).Msg("NCT balance unavailable")
		return
	}
	eth, err := m.market.Balance(ctx, "eth", m.chain)
	if err != nil {
		m.logger.Warn().Err(err).Msg("ETH balance unavailable")
		return
	}
	m.ui.Broadcast("wallet", map[string]interface{}{
		"addr": m.account,
		"nct":  nct,
		"eth":  eth,
	}, true)
}

// counters refreshes the dashboard counters and the status gauges.
func (m *Monitor) counters() {
	settled, err := m.store.CountSettledBounties()
	if err != nil {
		m.logger.Error().Err(err).Msg("Counting settled bounties failed")
		return
	}
	processing, err := m.store.CountProcessingArtifacts()
	if err != nil {
		m.logger.Error().Err(err).Msg("Counting processing artifacts failed")
		return
	}

	m.ui.Broadcast("counter-bounties-settled", settled, true)
	m.ui.Broadcast("counter-artifacts-processing", processing, true)
	m.ui.Broadcast("counter-backends-running", m.registry.Len(), true)

	byStatus, err := m.store.CountBountiesByStatus()
	if err != nil {
		m.logger.Error().Err(err).Msg("Counting bounties failed")
		return
	}
	for status, n := range byStatus {
		metrics.BountiesTotal.WithLabelValues(string(status)).Set(float64(n))
	}
	jobs, err := m.store.CountVerdictsByStatus()
	if err != nil {
		m.logger.Error().Err(err).Msg("Counting jobs failed")
		return
	}
	for status, n := range jobs {
		metrics.JobsTotal.WithLabelValues(status.String()).Set(float64(n))
	}
}
