package balance

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmwatch/arbiter/pkg/events"
)

type fakeRelay struct {
	mu        sync.Mutex
	side      string
	home      string
	deposits  []string
	withdraws []string
}

func (f *fakeRelay) Balance(ctx context.Context, kind, chain string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if chain == "home" {
		return f.home, nil
	}
	return f.side, nil
}

func (f *fakeRelay) RelayDeposit(ctx context.Context, amount string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deposits = append(f.deposits, amount)
	return nil
}

func (f *fakeRelay) RelayWithdraw(ctx context.Context, amount string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.withdraws = append(f.withdraws, amount)
	return nil
}

func newReconciler(t *testing.T, relay *fakeRelay) *Reconciler {
	t.Helper()
	bus := events.NewBus()
	t.Cleanup(bus.Stop)
	r, err := New(bus, relay, Thresholds{
		MinSide: "1000",
		MaxSide: "100000",
		Refill:  "500",
	})
	require.NoError(t, err)
	return r
}

func TestDisabledWithoutThresholds(t *testing.T) {
	bus := events.NewBus()
	t.Cleanup(bus.Stop)
	r, err := New(bus, &fakeRelay{}, Thresholds{})
	require.NoError(t, err)
	assert.Nil(t, r)
}

func TestThresholdValidation(t *testing.T) {
	bus := events.NewBus()
	t.Cleanup(bus.Stop)

	_, err := New(bus, &fakeRelay{}, Thresholds{MinSide: "nope", MaxSide: "10"})
	assert.Error(t, err)
	_, err = New(bus, &fakeRelay{}, Thresholds{MinSide: "10", MaxSide: "10"})
	assert.Error(t, err)
	_, err = New(bus, &fakeRelay{}, Thresholds{MinSide: "100", MaxSide: "10"})
	assert.Error(t, err)
}

func TestRefillWhenSideRunsLow(t *testing.T) {
	relay := &fakeRelay{side: "400", home: "1000000"}
	r := newReconciler(t, relay)
	r.curBlock.Store(10)

	r.reconcile()

	// shortfall 600 plus refill 500
	require.Equal(t, []string{"1100"}, relay.deposits)
	assert.Empty(t, relay.withdraws)
	assert.Equal(t, uint64(10), r.lastActedBlock.Load())
}

func TestRefillSkippedWhenHomeCannotCover(t *testing.T) {
	relay := &fakeRelay{side: "400", home: "1000"}
	r := newReconciler(t, relay)
	r.curBlock.Store(10)

	r.reconcile()

	assert.Empty(t, relay.deposits)
	assert.Zero(t, r.lastActedBlock.Load())
}

func TestSweepWhenSideOverflows(t *testing.T) {
	relay := &fakeRelay{side: "100250", home: "0"}
	r := newReconciler(t, relay)
	r.curBlock.Store(20)

	r.reconcile()

	require.Equal(t, []string{"250"}, relay.withdraws)
	assert.Empty(t, relay.deposits)
}

func TestExactlyAtMaxDoesNotSweep(t *testing.T) {
	relay := &fakeRelay{side: "100000", home: "0"}
	r := newReconciler(t, relay)
	r.curBlock.Store(20)

	r.reconcile()

	// A zero-amount withdraw would burn gas for nothing.
	assert.Empty(t, relay.withdraws)
	assert.Empty(t, relay.deposits)
	assert.Zero(t, r.lastActedBlock.Load())
}

func TestInsideBandDoesNothing(t *testing.T) {
	relay := &fakeRelay{side: "50000", home: "0"}
	r := newReconciler(t, relay)
	r.curBlock.Store(20)

	r.reconcile()

	assert.Empty(t, relay.deposits)
	assert.Empty(t, relay.withdraws)
}

func TestCooldownBetweenTransfers(t *testing.T) {
	relay := &fakeRelay{side: "400", home: "1000000"}
	r := newReconciler(t, relay)
	r.curBlock.Store(10)

	r.reconcile()
	require.Len(t, relay.deposits, 1)

	// Still inside the cooldown window.
	r.curBlock.Store(13)
	r.reconcile()
	assert.Len(t, relay.deposits, 1)

	r.curBlock.Store(15)
	r.reconcile()
	assert.Len(t, relay.deposits, 2)
}

func TestNoActionBeforeFirstBlock(t *testing.T) {
	relay := &fakeRelay{side: "0", home: "1000000"}
	r := newReconciler(t, relay)

	r.reconcile()

	assert.Empty(t, relay.deposits)
}

func TestBlockTrackingIsMonotonic(t *testing.T) {
	r := newReconciler(t, &fakeRelay{})

	r.onBlock(events.Block{Number: 5})
	r.onBlock(events.Block{Number: 3})

	assert.Equal(t, uint64(5), r.curBlock.Load())
}
