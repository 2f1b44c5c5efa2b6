package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmwatch/arbiter/pkg/backends"
	"github.com/swarmwatch/arbiter/pkg/events"
	"github.com/swarmwatch/arbiter/pkg/storage"
	"github.com/swarmwatch/arbiter/pkg/types"
)

type sinkMsg struct {
	kind string
	data interface{}
}

type fakeSink struct {
	mu   sync.Mutex
	msgs []sinkMsg
	err  error
}

func (s *fakeSink) Send(kind string, data interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.msgs = append(s.msgs, sinkMsg{kind, data})
	return nil
}

func (s *fakeSink) byKind(kind string) []interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []interface{}
	for _, m := range s.msgs {
		if m.kind == kind {
			out = append(out, m.data)
		}
	}
	return out
}

func TestBroadcastReachesAttachedClients(t *testing.T) {
	b := NewBroadcaster()
	sink := &fakeSink{}
	require.NoError(t, b.Attach(sink))

	b.Broadcast("counter-block", uint64(7), true)

	require.Len(t, sink.byKind("counter-block"), 1)
	assert.Equal(t, uint64(7), sink.byKind("counter-block")[0])
}

func TestAttachReplaysRememberedState(t *testing.T) {
	b := NewBroadcaster()
	b.Broadcast("wallet", "w1", true)
	b.Broadcast("wallet", "w2", true)
	b.Broadcast("bounties-settled", "transient", false)

	sink := &fakeSink{}
	require.NoError(t, b.Attach(sink))

	// Only the latest remembered payload per kind, transients never.
	assert.Equal(t, []interface{}{"w2"}, sink.byKind("wallet"))
	assert.Empty(t, sink.byKind("bounties-settled"))
}

func TestFailingClientIsDropped(t *testing.T) {
	b := NewBroadcaster()
	bad := &fakeSink{err: errors.New("gone")}
	good := &fakeSink{}
	require.NoError(t, b.Attach(good))
	b.mu.Lock()
	b.clients[bad] = struct{}{}
	b.mu.Unlock()

	b.Broadcast("counter-block", uint64(1), false)

	assert.Equal(t, 1, b.ClientCount())
	assert.Len(t, good.byKind("counter-block"), 1)
}

func TestDetach(t *testing.T) {
	b := NewBroadcaster()
	sink := &fakeSink{}
	require.NoError(t, b.Attach(sink))
	b.Detach(sink)
	b.Broadcast("counter-block", uint64(1), false)
	assert.Empty(t, sink.msgs)
}

type healthBackend struct {
	name   string
	report map[string]interface{}
	err    error
}

func (h *healthBackend) Name() string  { return h.name }
func (h *healthBackend) Trusted() bool { return false }
func (h *healthBackend) Weight() int   { return 1 }

func (h *healthBackend) SubmitArtifact(ctx context.Context, task backends.Task) (*backends.Result, error) {
	return nil, errors.New("not under test")
}

func (h *healthBackend) HealthCheck(ctx context.Context) (map[string]interface{}, error) {
	return h.report, h.err
}

type healthSet struct {
	items []backends.AnalysisBackend
}

func (s *healthSet) All() []backends.AnalysisBackend { return s.items }
func (s *healthSet) Len() int                        { return len(s.items) }

type fakeWallet struct {
	balances map[string]string
}

func (w *fakeWallet) Balance(ctx context.Context, kind, chain string) (string, error) {
	v, ok := w.balances[kind]
	if !ok {
		return "", errors.New("no such balance")
	}
	return v, nil
}

func newMonitor(t *testing.T, set BackendSet, wallet MarketAPI) (*Monitor, storage.Store, *fakeSink) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	bus := events.NewBus()
	t.Cleanup(bus.Stop)

	ui := NewBroadcaster()
	sink := &fakeSink{}
	require.NoError(t, ui.Attach(sink))

	return New(bus, store, wallet, set, "0xAcc", "side", ui), store, sink
}

func TestHealthCheckReportsPerBackend(t *testing.T) {
	set := &healthSet{items: []backends.AnalysisBackend{
		&healthBackend{name: "clamav", report: map[string]interface{}{"queue": 3}},
		&healthBackend{name: "cuckoo", err: errors.New("connection refused")},
	}}
	m, _, sink := newMonitor(t, set, &fakeWallet{})

	m.healthCheck()

	reports := sink.byKind("backends")
	require.Len(t, reports, 1)
	report := reports[0].(map[string]interface{})

	clam := report["clamav"].(map[string]interface{})
	assert.Equal(t, false, clam["error"])
	assert.Equal(t, 3, clam["queue"])

	cuckoo := report["cuckoo"].(map[string]interface{})
	assert.Equal(t, "connection refused", cuckoo["error"])
}

func TestWalletBroadcast(t *testing.T) {
	m, _, sink := newMonitor(t, &healthSet{},
		&fakeWallet{balances: map[string]string{"nct": "12345", "eth": "678"}})

	m.updateWallet()

	wallets := sink.byKind("wallet")
	require.Len(t, wallets, 1)
	w := wallets[0].(map[string]interface{})
	assert.Equal(t, "0xAcc", w["addr"])
	assert.Equal(t, "12345", w["nct"])
	assert.Equal(t, "678", w["eth"])
}

func TestWalletSkippedWhenGatewayDown(t *testing.T) {
	m, _, sink := newMonitor(t, &healthSet{}, &fakeWallet{})

	m.updateWallet()

	assert.Empty(t, sink.byKind("wallet"))
}

func TestCounters(t *testing.T) {
	set := &healthSet{items: []backends.AnalysisBackend{
		&healthBackend{name: "clamav"},
	}}
	m, store, sink := newMonitor(t, set, &fakeWallet{})

	b := &types.Bounty{GUID: "g-1", Status: types.BountyStatusActive}
	require.NoError(t, store.CreateBounty(b,
		[]*types.Artifact{{Hash: "QmA"}}, []string{"clamav"}))

	m.counters()

	require.Len(t, sink.byKind("counter-bounties-settled"), 1)
	assert.Equal(t, 0, sink.byKind("counter-bounties-settled")[0])
	require.Len(t, sink.byKind("counter-artifacts-processing"), 1)
	assert.Equal(t, 1, sink.byKind("counter-artifacts-processing")[0])
	require.Len(t, sink.byKind("counter-backends-running"), 1)
	assert.Equal(t, 1, sink.byKind("counter-backends-running")[0])
}

func TestEventForwarding(t *testing.T) {
	m, _, sink := newMonitor(t, &healthSet{}, &fakeWallet{})

	m.onBlock(events.Block{Number: 42})
	m.onManual(events.BountyManual{GUID: "g"})
	m.onSettled(events.BountySettled{GUID: "g"})
	m.onAssertion(events.Assertion{Data: map[string]interface{}{"guid": "g"}})

	assert.Equal(t, []interface{}{uint64(42)}, sink.byKind("counter-block"))
	assert.Equal(t, []interface{}{"manual"}, sink.byKind("bounties-updated"))
	require.Len(t, sink.byKind("bounties-settled"), 1)
	assert.Len(t, sink.byKind("assertion"), 1)

	// counter-block is remembered for late dashboards, transients not.
	late := &fakeSink{}
	require.NoError(t, m.ui.Attach(late))
	assert.Equal(t, []interface{}{uint64(42)}, late.byKind("counter-block"))
	assert.Empty(t, late.byKind("bounties-settled"))
}
