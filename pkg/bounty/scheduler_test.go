package bounty

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmwatch/arbiter/pkg/events"
	"github.com/swarmwatch/arbiter/pkg/market"
	"github.com/swarmwatch/arbiter/pkg/storage"
	"github.com/swarmwatch/arbiter/pkg/types"
)

type fakeMarket struct {
	mu         sync.Mutex
	votes      []string
	settles    []string
	voteErr    error
	settleErr  error
	assertions []types.Assertion
	assertErr  error
}

func (f *fakeMarket) Vote(ctx context.Context, guid string, votes []bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.votes = append(f.votes, guid)
	return f.voteErr
}

func (f *fakeMarket) Settle(ctx context.Context, guid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settles = append(f.settles, guid)
	return f.settleErr
}

func (f *fakeMarket) Assertions(ctx context.Context, guid string) ([]types.Assertion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.assertions, f.assertErr
}

func (f *fakeMarket) voteCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.votes)
}

func (f *fakeMarket) settleCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.settles)
}

type manifestScript struct {
	refs []types.ArtifactRef
	err  error
}

type fakeArtifacts struct {
	mu          sync.Mutex
	manifest    []types.ArtifactRef
	manifestErr error
	byURI       map[string]manifestScript
}

// scriptManifest pins a per-URI answer; set up before publishing, the
// ingest queue reads the fake from its own goroutine.
func (f *fakeArtifacts) scriptManifest(uri string, refs []types.ArtifactRef, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.byURI == nil {
		f.byURI = map[string]manifestScript{}
	}
	f.byURI[uri] = manifestScript{refs: refs, err: err}
}

func (f *fakeArtifacts) Manifest(ctx context.Context, uri string) ([]types.ArtifactRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if script, ok := f.byURI[uri]; ok {
		return script.refs, script.err
	}
	return f.manifest, f.manifestErr
}

func (f *fakeArtifacts) Fetch(ctx context.Context, uri string, idx int, hash string) (string, error) {
	return "/tmp/artifacts/" + hash, nil
}

type schedFixture struct {
	t         *testing.T
	store     storage.Store
	bus       *events.Bus
	market    *fakeMarket
	artifacts *fakeArtifacts
	sched     *Scheduler

	published struct {
		sync.Mutex
		byName map[string]int
	}
}

func newSchedFixture(t *testing.T, params Params) *schedFixture {
	t.Helper()

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	if params.VoteWindow == 0 {
		params.VoteWindow = 35
	}
	if params.RevealWindow == 0 {
		params.RevealWindow = 25
	}
	if params.Backends == nil {
		params.Backends = []string{"clamav"}
	}

	bus := events.NewBus()
	t.Cleanup(bus.Stop)

	f := &schedFixture{
		t:         t,
		store:     store,
		bus:       bus,
		market:    &fakeMarket{},
		artifacts: &fakeArtifacts{},
	}
	f.published.byName = map[string]int{}
	for _, name := range []string{
		events.EventVerdictJobs, events.EventBountyManual,
		events.EventBountyAborted, events.EventBountySettled,
	} {
		name := name
		bus.Subscribe(name, func(events.Event) {
			f.published.Lock()
			defer f.published.Unlock()
			f.published.byName[name]++
		})
	}

	f.sched = New(store, bus, f.market, f.artifacts, params)
	f.sched.Register()
	return f
}

func (f *schedFixture) count(event string) int {
	f.published.Lock()
	defer f.published.Unlock()
	return f.published.byName[event]
}

func (f *schedFixture) setBlock(n uint64) {
	f.bus.Publish(events.Block{Number: n})
	require.Eventually(f.t, func() bool { return f.sched.CurrentBlock() == n },
		5*time.Second, 5*time.Millisecond)
}

// seedBounty inserts a bounty with deadlines around expiration 100 and
// applies mutate before returning it.
func (f *schedFixture) seedBounty(guid string, artifacts int, mutate func(*types.Bounty)) *types.Bounty {
	f.t.Helper()
	b := &types.Bounty{
		GUID:            guid,
		Author:          "0xA",
		Amount:          "1000",
		Status:          types.BountyStatusActive,
		ExpirationBlock: 100,
		VoteAfter:       126,
		VoteBefore:      135,
		RevealBlock:     160,
		SettleBlock:     160,
	}
	arts := make([]*types.Artifact, artifacts)
	for i := range arts {
		arts[i] = &types.Artifact{Hash: "QmH", Name: "sample.exe"}
	}
	require.NoError(f.t, f.store.CreateBounty(b, arts, []string{"clamav"}))
	if mutate != nil {
		_, err := f.store.UpdateBounty(b.ID, func(row *types.Bounty) error {
			mutate(row)
			return nil
		})
		require.NoError(f.t, err)
	}
	got, err := f.store.GetBounty(b.ID)
	require.NoError(f.t, err)
	return got
}

func (f *schedFixture) reload(id uint64) *types.Bounty {
	b, err := f.store.GetBounty(id)
	require.NoError(f.t, err)
	return b
}

func boolp(vals ...bool) []bool { return vals }

func TestIngestCreatesBountyWithDeadlines(t *testing.T) {
	f := newSchedFixture(t, Params{VoteWindow: 35, RevealWindow: 25})
	f.artifacts.manifest = []types.ArtifactRef{
		{Hash: "QmA", Name: "a.exe"},
		{Hash: "QmB", Name: "b.pdf"},
	}

	f.bus.Publish(events.Bounty{Bounty: types.BountyEvent{
		GUID: "e7a9c1b2-4d3f-4a5e-9b8c-1f2e3d4c5b6a", Author: "0xA", Amount: "1000",
		URI: "QmUri", Expiration: "100",
	}})

	require.Eventually(t, func() bool {
		_, err := f.store.GetBountyByGUID("e7a9c1b2-4d3f-4a5e-9b8c-1f2e3d4c5b6a")
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	b, err := f.store.GetBountyByGUID("e7a9c1b2-4d3f-4a5e-9b8c-1f2e3d4c5b6a")
	require.NoError(t, err)
	assert.Equal(t, uint64(126), b.VoteAfter)  // expiration + reveal + 1
	assert.Equal(t, uint64(135), b.VoteBefore) // expiration + vote window
	assert.Equal(t, uint64(160), b.RevealBlock)
	assert.Equal(t, uint64(160), b.SettleBlock)
	assert.Equal(t, 2, b.NumArtifacts)
	assert.False(t, b.TruthManual)

	artifacts, err := f.store.ListArtifactsByBounty(b.ID)
	require.NoError(t, err)
	require.Len(t, artifacts, 2)

	rows, err := f.store.ListVerdictsByArtifact(artifacts[0].ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, types.JobStatusNew, rows[0].Status)

	require.Eventually(t, func() bool {
		return f.count(events.EventVerdictJobs) == 2
	}, 5*time.Second, 10*time.Millisecond)
}

func TestIngestManifestNotFoundDrops(t *testing.T) {
	f := newSchedFixture(t, Params{})
	f.artifacts.scriptManifest("QmGone", nil, &market.Error{Status: 404, Message: "manifest"})
	f.artifacts.scriptManifest("QmUri", []types.ArtifactRef{{Hash: "QmA", Name: "a"}}, nil)

	f.bus.Publish(events.Bounty{Bounty: types.BountyEvent{
		GUID: "9f1e2d3c-4b5a-4697-8877-665544332211", URI: "QmGone", Expiration: "100",
	}})
	f.bus.Publish(events.Bounty{Bounty: types.BountyEvent{
		GUID: "0a1b2c3d-4e5f-4061-8273-8495a6b7c8d9", URI: "QmUri", Expiration: "100",
	}})

	require.Eventually(t, func() bool {
		_, err := f.store.GetBountyByGUID("0a1b2c3d-4e5f-4061-8273-8495a6b7c8d9")
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	_, err := f.store.GetBountyByGUID("9f1e2d3c-4b5a-4697-8877-665544332211")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestIngestMalformedGUIDDropped(t *testing.T) {
	f := newSchedFixture(t, Params{})
	f.artifacts.manifest = []types.ArtifactRef{{Hash: "QmA", Name: "a"}}

	f.bus.Publish(events.Bounty{Bounty: types.BountyEvent{
		GUID: "not-a-guid", URI: "QmUri", Expiration: "100",
	}})
	f.bus.Publish(events.Bounty{Bounty: types.BountyEvent{
		GUID: "d4c3b2a1-5f6e-4702-9384-a5b6c7d8e9f0", URI: "QmUri", Expiration: "100",
	}})

	require.Eventually(t, func() bool {
		_, err := f.store.GetBountyByGUID("d4c3b2a1-5f6e-4702-9384-a5b6c7d8e9f0")
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	_, err := f.store.GetBountyByGUID("not-a-guid")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestIngestIsIdempotent(t *testing.T) {
	f := newSchedFixture(t, Params{})
	f.artifacts.manifest = []types.ArtifactRef{{Hash: "QmA", Name: "a"}}

	ev := events.Bounty{Bounty: types.BountyEvent{
		GUID: "5c6d7e8f-9a0b-4c1d-8e2f-304152637485", URI: "QmUri", Expiration: "100",
	}}
	f.bus.Publish(ev)
	f.bus.Publish(ev)

	require.Eventually(t, func() bool {
		_, err := f.store.GetBountyByGUID("5c6d7e8f-9a0b-4c1d-8e2f-304152637485")
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	all, err := f.store.ListBounties()
	require.NoError(t, err)
	assert.Len(t, all, 1)
	artifacts, err := f.store.ListArtifactsByBounty(all[0].ID)
	require.NoError(t, err)
	assert.Len(t, artifacts, 1)
}

func TestManualModeMarksNewBounties(t *testing.T) {
	f := newSchedFixture(t, Params{ManualMode: true})
	f.artifacts.manifest = []types.ArtifactRef{{Hash: "QmA", Name: "a"}}

	f.bus.Publish(events.Bounty{Bounty: types.BountyEvent{
		GUID: "13579bdf-2468-4ace-9bdf-0123456789ab", URI: "QmUri", Expiration: "100",
	}})

	require.Eventually(t, func() bool {
		b, err := f.store.GetBountyByGUID("13579bdf-2468-4ace-9bdf-0123456789ab")
		return err == nil && b.TruthManual
	}, 5*time.Second, 10*time.Millisecond)
}

func (f *schedFixture) processArtifacts(bountyID uint64, verdicts ...*int) {
	f.t.Helper()
	artifacts, err := f.store.ListArtifactsByBounty(bountyID)
	require.NoError(f.t, err)
	require.Len(f.t, artifacts, len(verdicts))
	for i, a := range artifacts {
		v := verdicts[i]
		_, err := f.store.UpdateArtifact(a.ID, func(row *types.Artifact) error {
			row.Processed = true
			row.ProcessedAt = time.Now()
			row.Verdict = v
			return nil
		})
		require.NoError(f.t, err)
	}
}

func intp(v int) *int { return &v }

func TestTruthValueFold(t *testing.T) {
	f := newSchedFixture(t, Params{})
	b := f.seedBounty("g-truth", 2, nil)
	f.processArtifacts(b.ID, intp(100), intp(0))
	f.setBlock(110)

	f.sched.onArtifactVerdict(events.BountyArtifactVerdict{BountyID: b.ID})

	got := f.reload(b.ID)
	assert.Equal(t, boolp(true, false), got.TruthValue)
	assert.False(t, got.TruthManual)
}

func TestTruthHoldsForUnprocessedArtifacts(t *testing.T) {
	f := newSchedFixture(t, Params{})
	b := f.seedBounty("g-wait", 2, nil)
	f.processArtifacts(b.ID, intp(100), intp(0))
	_, err := f.store.UpdateArtifact(f.artifactID(b.ID, 1), func(a *types.Artifact) error {
		a.Processed = false
		return nil
	})
	require.NoError(t, err)
	f.setBlock(110)

	f.sched.onArtifactVerdict(events.BountyArtifactVerdict{BountyID: b.ID})

	assert.Nil(t, f.reload(b.ID).TruthValue)
}

func (f *schedFixture) artifactID(bountyID uint64, idx int) uint64 {
	artifacts, err := f.store.ListArtifactsByBounty(bountyID)
	require.NoError(f.t, err)
	return artifacts[idx].ID
}

func TestDontknowArtifactFlipsManual(t *testing.T) {
	f := newSchedFixture(t, Params{})
	b := f.seedBounty("g-dontknow", 2, nil)
	f.processArtifacts(b.ID, intp(100), nil)
	f.setBlock(110)

	f.sched.onArtifactVerdict(events.BountyArtifactVerdict{BountyID: b.ID})

	got := f.reload(b.ID)
	assert.True(t, got.TruthManual)
	assert.Nil(t, got.TruthValue)
	require.Eventually(t, func() bool {
		return f.count(events.EventBountyManual) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestWindowClosedAbortsPendingTruth(t *testing.T) {
	f := newSchedFixture(t, Params{})
	b := f.seedBounty("g-late", 1, nil)
	f.processArtifacts(b.ID, intp(100))

	// Voting is allowed at vote_before itself, closed one block later.
	f.setBlock(135)
	f.sched.onArtifactVerdict(events.BountyArtifactVerdict{BountyID: b.ID})
	assert.Equal(t, types.BountyStatusActive, f.reload(b.ID).Status)
	assert.NotNil(t, f.reload(b.ID).TruthValue)

	b2 := f.seedBounty("g-late2", 1, nil)
	f.processArtifacts(b2.ID, intp(100))
	f.setBlock(136)
	f.sched.onArtifactVerdict(events.BountyArtifactVerdict{BountyID: b2.ID})

	got := f.reload(b2.ID)
	assert.Equal(t, types.BountyStatusAborted, got.Status)
	require.Eventually(t, func() bool {
		return f.count(events.EventBountyAborted) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestAdvanceVoteDispatchesAndMarks(t *testing.T) {
	f := newSchedFixture(t, Params{})
	b := f.seedBounty("g-vote", 1, func(b *types.Bounty) {
		b.TruthValue = boolp(true)
	})
	f.setBlock(126)

	f.sched.advanceVote()

	require.Eventually(t, func() bool {
		return f.reload(b.ID).Voted
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, f.market.voteCalls())
	assert.Equal(t, 0, f.sched.voting.len())
}

func TestDoubleVoteSuppressed(t *testing.T) {
	f := newSchedFixture(t, Params{})
	b := f.seedBounty("g-double", 1, func(b *types.Bounty) {
		b.TruthValue = boolp(true)
	})
	f.setBlock(126)

	ev := events.BountyVote{GUID: b.GUID, Value: boolp(true), VoteBefore: b.VoteBefore}
	f.sched.onVote(ev)
	f.sched.onVote(ev)

	assert.Equal(t, 1, f.market.voteCalls())
	got := f.reload(b.ID)
	assert.True(t, got.Voted)
	assert.Zero(t, got.ErrorRetries)
}

func TestVoteAfterWindowWritesOff(t *testing.T) {
	f := newSchedFixture(t, Params{})
	b := f.seedBounty("g-missed", 1, func(b *types.Bounty) {
		b.TruthValue = boolp(true)
	})
	f.setBlock(136)

	f.sched.onVote(events.BountyVote{GUID: b.GUID, Value: boolp(true), VoteBefore: b.VoteBefore})

	assert.Zero(t, f.market.voteCalls())
	assert.True(t, f.reload(b.ID).Voted)
}

func TestVoteTransientFailureBacksOff(t *testing.T) {
	f := newSchedFixture(t, Params{})
	b := f.seedBounty("g-vote503", 1, func(b *types.Bounty) {
		b.TruthValue = boolp(true)
	})
	f.setBlock(126)
	f.market.voteErr = &market.Error{Status: 503, Message: "overloaded"}

	f.sched.onVote(events.BountyVote{GUID: b.GUID, Value: boolp(true), VoteBefore: b.VoteBefore})

	got := f.reload(b.ID)
	assert.False(t, got.Voted)
	assert.Equal(t, types.BountyStatusActive, got.Status)
	assert.Equal(t, uint64(126+5), got.ErrorDelayBlock)
	assert.Equal(t, 1, got.ErrorRetries)

	// Backed-off bounty is not a candidate until the delay block.
	candidates, err := f.store.VoteCandidates(128)
	require.NoError(t, err)
	assert.Empty(t, candidates)
	candidates, err = f.store.VoteCandidates(131)
	require.NoError(t, err)
	assert.Len(t, candidates, 1)
}

func TestTransientSettleFailureThreeStrikes(t *testing.T) {
	f := newSchedFixture(t, Params{})
	b := f.seedBounty("g-settle503", 1, func(b *types.Bounty) {
		b.TruthValue = boolp(true)
		b.Voted = true
		b.Revealed = true
		b.HasReveal = true
		b.Assertions = []types.Assertion{}
	})
	f.market.settleErr = &market.Error{Status: 503, Message: "overloaded"}

	f.setBlock(160)
	f.sched.onSettle(events.BountySettle{GUID: b.GUID})

	got := f.reload(b.ID)
	assert.Equal(t, types.BountyStatusActive, got.Status)
	assert.False(t, got.Settled)
	assert.Equal(t, uint64(165), got.ErrorDelayBlock)
	assert.Equal(t, 1, got.ErrorRetries)

	// Not re-picked before the delay block, re-picked after.
	candidates, err := f.store.SettleCandidates(163)
	require.NoError(t, err)
	assert.Empty(t, candidates)
	candidates, err = f.store.SettleCandidates(165)
	require.NoError(t, err)
	assert.Len(t, candidates, 1)

	f.setBlock(165)
	f.sched.onSettle(events.BountySettle{GUID: b.GUID})
	f.setBlock(170)
	f.sched.onSettle(events.BountySettle{GUID: b.GUID})

	got = f.reload(b.ID)
	assert.Equal(t, types.BountyStatusAborted, got.Status)
	assert.Equal(t, 3, got.ErrorRetries)
	require.Eventually(t, func() bool {
		return f.count(events.EventBountyAborted) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSettleSuccessFinishes(t *testing.T) {
	f := newSchedFixture(t, Params{})
	b := f.seedBounty("g-settle", 1, func(b *types.Bounty) {
		b.TruthValue = boolp(true)
		b.Voted = true
		b.Revealed = true
		b.HasReveal = true
		b.Assertions = []types.Assertion{}
	})
	f.setBlock(160)

	f.sched.advanceSettle()

	require.Eventually(t, func() bool {
		return f.reload(b.ID).Settled
	}, 5*time.Second, 10*time.Millisecond)
	got := f.reload(b.ID)
	assert.Equal(t, types.BountyStatusFinished, got.Status)
	assert.Equal(t, 1, f.market.settleCalls())
	require.Eventually(t, func() bool {
		return f.count(events.EventBountySettled) == 1
	}, 5*time.Second, 10*time.Millisecond)

	// Second settle of the same guid changes nothing.
	f.sched.onSettle(events.BountySettle{GUID: b.GUID})
	assert.Equal(t, 1, f.market.settleCalls())
}

func TestSettleNotFoundIsSuccess(t *testing.T) {
	f := newSchedFixture(t, Params{})
	b := f.seedBounty("g-settle404", 1, func(b *types.Bounty) {
		b.TruthValue = boolp(true)
		b.Voted = true
		b.Revealed = true
		b.HasReveal = true
		b.Assertions = []types.Assertion{}
	})
	f.setBlock(160)
	f.market.settleErr = &market.Error{Status: 404, Message: "no such bounty"}

	f.sched.onSettle(events.BountySettle{GUID: b.GUID})

	got := f.reload(b.ID)
	assert.True(t, got.Settled)
	assert.Equal(t, types.BountyStatusFinished, got.Status)
}

func TestRevealStoresAssertions(t *testing.T) {
	f := newSchedFixture(t, Params{})
	b := f.seedBounty("g-reveal", 1, func(b *types.Bounty) {
		b.TruthValue = boolp(true)
		b.Voted = true
	})
	f.setBlock(160)
	f.market.assertions = []types.Assertion{
		{Author: "0xExpert", Bid: "50", Mask: boolp(true), Verdicts: boolp(true)},
	}

	f.sched.onReveal(events.BountyReveal{GUID: b.GUID, Value: boolp(true)})

	got := f.reload(b.ID)
	assert.True(t, got.Revealed)
	assert.True(t, got.HasReveal)
	require.Len(t, got.Assertions, 1)
	assert.Equal(t, "0xExpert", got.Assertions[0].Author)
}

func TestRevealNotFoundMeansNoAssertions(t *testing.T) {
	f := newSchedFixture(t, Params{})
	b := f.seedBounty("g-reveal404", 1, func(b *types.Bounty) {
		b.TruthValue = boolp(true)
		b.Voted = true
	})
	f.market.assertErr = &market.Error{Status: 404, Message: "none"}

	f.sched.onReveal(events.BountyReveal{GUID: b.GUID, Value: boolp(true)})

	got := f.reload(b.ID)
	assert.True(t, got.Revealed)
	assert.True(t, got.HasReveal)
	assert.NotNil(t, got.Assertions)
	assert.Empty(t, got.Assertions)
}

func TestRevealTransientErrorRetriesLater(t *testing.T) {
	f := newSchedFixture(t, Params{})
	b := f.seedBounty("g-reveal503", 1, func(b *types.Bounty) {
		b.TruthValue = boolp(true)
		b.Voted = true
	})
	f.market.assertErr = &market.Error{Status: 503, Message: "overloaded"}

	f.sched.onReveal(events.BountyReveal{GUID: b.GUID, Value: boolp(true)})

	got := f.reload(b.ID)
	assert.False(t, got.Revealed)
	// Still a reveal candidate for the next scan.
	candidates, err := f.store.RevealCandidates(160)
	require.NoError(t, err)
	assert.Len(t, candidates, 1)
}

func TestFlushExpiredManual(t *testing.T) {
	f := newSchedFixture(t, Params{})
	b := f.seedBounty("g-flush", 1, func(b *types.Bounty) {
		b.TruthManual = true
	})
	f.setBlock(136)

	f.sched.flushExpiredManual()

	assert.True(t, f.reload(b.ID).Voted)
	assert.Zero(t, f.market.voteCalls())
}

func TestSettleManualValidation(t *testing.T) {
	f := newSchedFixture(t, Params{})
	b := f.seedBounty("g-op", 2, nil)

	err := f.sched.SettleManual("g-missing", boolp(true, false))
	assert.ErrorIs(t, err, storage.ErrNotFound)

	err = f.sched.SettleManual(b.GUID, boolp(true))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "need 2 verdict(s)")

	require.NoError(t, f.sched.SettleManual(b.GUID, boolp(true, false)))
	got := f.reload(b.ID)
	assert.Equal(t, boolp(true, false), got.TruthValue)
	assert.True(t, got.TruthManual)

	err = f.sched.SettleManual(b.GUID, boolp(false, false))
	require.Error(t, err)
	assert.Equal(t, boolp(true, false), f.reload(b.ID).TruthValue)
}

func TestRemoteSettlementMarksBounty(t *testing.T) {
	f := newSchedFixture(t, Params{})
	b := f.seedBounty("g-remote", 1, func(b *types.Bounty) {
		b.TruthValue = boolp(true)
		b.Voted = true
		b.Revealed = true
		b.HasReveal = true
	})

	f.bus.Publish(events.BountySettledRemote{GUID: b.GUID})

	require.Eventually(t, func() bool {
		return f.reload(b.ID).Settled
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, types.BountyStatusFinished, f.reload(b.ID).Status)
}

func TestFixBitlist(t *testing.T) {
	assert.Equal(t, []bool{false, false, true}, fixBitlist([]bool{true}, 3))
	assert.Equal(t, []bool{true, false}, fixBitlist([]bool{true, false, true}, 2))
	assert.Equal(t, []bool{true, false}, fixBitlist([]bool{true, false}, 2))
	assert.Equal(t, []bool{false, false}, fixBitlist(nil, 2))
}

func TestExpertsDisagree(t *testing.T) {
	f := newSchedFixture(t, Params{
		TrustedExperts:           []string{"0xTRUSTED"},
		UntrustedExpertsRequired: 3,
	})
	truth := boolp(true, false)
	logger := f.sched.logger

	agree := types.Assertion{Author: "0xa", Mask: boolp(true, true), Verdicts: boolp(true, false)}
	oppose := types.Assertion{Author: "0xb", Mask: boolp(true, true), Verdicts: boolp(false, false)}
	masked := types.Assertion{Author: "0xc", Mask: boolp(false, false), Verdicts: boolp(false, true)}
	trusted := types.Assertion{Author: "0xtrusted", Mask: boolp(true, false), Verdicts: boolp(false, false)}

	// A fully masked-out assertion never disagrees.
	assert.False(t, f.sched.expertsDisagree(logger, truth, []types.Assertion{masked}))

	// One trusted disagreement trips the flag regardless of count.
	assert.True(t, f.sched.expertsDisagree(logger, truth, []types.Assertion{trusted}))

	// Below the untrusted quorum nothing trips.
	assert.False(t, f.sched.expertsDisagree(logger, truth, []types.Assertion{oppose, oppose}))

	// Two thirds of a quorum disagreeing trips.
	assert.True(t, f.sched.expertsDisagree(logger, truth,
		[]types.Assertion{oppose, oppose, agree}))
	assert.False(t, f.sched.expertsDisagree(logger, truth,
		[]types.Assertion{oppose, agree, agree}))
}
