package bounty

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/swarmwatch/arbiter/pkg/events"
	"github.com/swarmwatch/arbiter/pkg/log"
	"github.com/swarmwatch/arbiter/pkg/market"
	"github.com/swarmwatch/arbiter/pkg/metrics"
	"github.com/swarmwatch/arbiter/pkg/storage"
	"github.com/swarmwatch/arbiter/pkg/types"
)

const (
	advanceInterval = 5 * time.Second
	flushInterval   = time.Minute

	// In-flight caps per phase.
	maxVoting    = 128
	maxRevealing = 64
	maxSettling  = 128

	// Blocks to back off after a transient market failure, and strikes
	// before giving up on a bounty.
	errorDelayBlocks = 5
	maxErrorRetries  = 3

	// Blocks past vote_before after which an unvoted bounty is written
	// off administratively.
	voteExpireGrace = 60

	ingestWorkers = 32
	callTimeout   = time.Minute
)

// MarketAPI is the gateway surface the scheduler drives.
type MarketAPI interface {
	Vote(ctx context.Context, guid string, votes []bool) error
	Settle(ctx context.Context, guid string) error
	Assertions(ctx context.Context, guid string) ([]types.Assertion, error)
}

// ArtifactSource fetches manifests and artifact bodies.
type ArtifactSource interface {
	Manifest(ctx context.Context, uri string) ([]types.ArtifactRef, error)
	Fetch(ctx context.Context, uri string, idx int, hash string) (string, error)
}

// Params is the scheduler's startup configuration: the market's window
// sizes plus operator policy.
type Params struct {
	VoteWindow   uint64
	RevealWindow uint64

	// Backends defines the verdict rows created for new bounties.
	Backends []string

	// ManualMode marks every new bounty for operator settlement.
	ManualMode bool

	// RevealManual flips a bounty to manual when experts disagree with
	// our settled truth at reveal time.
	RevealManual bool

	TrustedExperts           []string
	UntrustedExpertsRequired int
}

// Scheduler drives bounties through vote, reveal and settle.
type Scheduler struct {
	store     storage.Store
	bus       *events.Bus
	market    MarketAPI
	artifacts ArtifactSource
	params    Params

	trustedExperts map[string]bool

	curBlock atomic.Uint64

	voting    *guidSet
	revealing *guidSet
	settling  *guidSet

	logger zerolog.Logger
}

// New creates the scheduler. Register must be called before the bus
// starts delivering events.
func New(store storage.Store, bus *events.Bus, api MarketAPI,
	artifacts ArtifactSource, params Params) *Scheduler {
	trusted := make(map[string]bool, len(params.TrustedExperts))
	for _, addr := range params.TrustedExperts {
		trusted[strings.ToLower(addr)] = true
	}
	if params.UntrustedExpertsRequired <= 0 {
		params.UntrustedExpertsRequired = 3
	}
	return &Scheduler{
		store:          store,
		bus:            bus,
		market:         api,
		artifacts:      artifacts,
		params:         params,
		trustedExperts: trusted,
		voting:         newGuidSet(maxVoting),
		revealing:      newGuidSet(maxRevealing),
		settling:       newGuidSet(maxSettling),
		logger:         log.WithComponent("bounty"),
	}
}

// Register wires the scheduler onto the bus.
func (s *Scheduler) Register() {
	s.bus.Subscribe(events.EventBlock, s.onBlock, events.Serialized(1))
	s.bus.Subscribe(events.EventBounty, s.onBounty, events.Serialized(ingestWorkers))
	s.bus.Subscribe(events.EventBountyArtifactVerdict, s.onArtifactVerdict, events.Serialized(1))
	s.bus.Subscribe(events.EventBountySettledRemote, s.onRemoteSettled)
	s.bus.Subscribe(events.EventBountyVote, s.onVote)
	s.bus.Subscribe(events.EventBountyReveal, s.onReveal)
	s.bus.Subscribe(events.EventBountySettle, s.onSettle)

	s.bus.Periodic(advanceInterval, s.advanceVote)
	s.bus.Periodic(advanceInterval, s.advanceReveal)
	s.bus.Periodic(advanceInterval, s.advanceSettle)
	s.bus.Periodic(flushInterval, s.flushExpiredManual)
}

// CurrentBlock returns the latest block seen on the event stream.
func (s *Scheduler) CurrentBlock() uint64 {
	return s.curBlock.Load()
}

// onBlock keeps cur_block monotonic. Serialized, so no two updates race.
func (s *Scheduler) onBlock(ev events.Event) {
	n := ev.(events.Block).Number
	if n <= s.curBlock.Load() {
		return
	}
	s.curBlock.Store(n)
	metrics.CurrentBlock.Set(float64(n))
	s.logger.Debug().Uint64("block", n).Msg("Block updated")
}

// onBounty ingests a new market bounty: manifest, rows, bodies, jobs.
func (s *Scheduler) onBounty(ev events.Event) {
	be := ev.(events.Bounty).Bounty
	logger := log.WithGUID(be.GUID)

	if _, err := uuid.Parse(be.GUID); err != nil {
		logger.Warn().Msg("Malformed bounty GUID, dropping")
		return
	}
	if be.Resolved {
		logger.Debug().Msg("Bounty already resolved, skipping")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	manifest, err := s.artifacts.Manifest(ctx, be.URI)
	if err != nil {
		if market.IsNotFound(err) {
			logger.Warn().Str("uri", be.URI).Msg("Bounty manifest not found, dropping")
		} else {
			logger.Error().Err(err).Str("uri", be.URI).Msg("Manifest fetch failed, dropping")
			metrics.ErrorsTotal.WithLabelValues("bounty").Inc()
		}
		return
	}
	if len(manifest) == 0 {
		logger.Warn().Msg("Bounty has no artifacts, dropping")
		return
	}

	expiration, err := strconv.ParseUint(be.Expiration, 10, 64)
	if err != nil {
		logger.Error().Str("expiration", be.Expiration).Msg("Bad expiration block, dropping")
		return
	}

	bounty := &types.Bounty{
		GUID:            be.GUID,
		Author:          be.Author,
		Amount:          be.Amount,
		Status:          types.BountyStatusActive,
		ExpirationBlock: expiration,
		VoteAfter:       expiration + s.params.RevealWindow + 1,
		VoteBefore:      expiration + s.params.VoteWindow,
		RevealBlock:     expiration + s.params.VoteWindow + s.params.RevealWindow,
		SettleBlock:     expiration + s.params.VoteWindow + s.params.RevealWindow,
		TruthManual:     s.params.ManualMode,
	}

	artifacts := make([]*types.Artifact, 0, len(manifest))
	for _, ref := range manifest {
		artifacts = append(artifacts, &types.Artifact{Hash: ref.Hash, Name: ref.Name})
	}

	if err := s.store.CreateBounty(bounty, artifacts, s.params.Backends); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			logger.Debug().Msg("Bounty already known")
		} else {
			logger.Error().Err(err).Msg("Bounty insert failed")
			metrics.ErrorsTotal.WithLabelValues("bounty").Inc()
		}
		return
	}
	logger.Info().Int("artifacts", len(artifacts)).
		Uint64("vote_after", bounty.VoteAfter).
		Uint64("settle_block", bounty.SettleBlock).
		Msg("New bounty")

	// Bodies download in parallel. Failures are logged, not fatal: a
	// backend fetching over our API triggers its own retry.
	var wg sync.WaitGroup
	for i, artifact := range artifacts {
		wg.Add(1)
		go func(idx int, a *types.Artifact) {
			defer wg.Done()
			if _, err := s.artifacts.Fetch(ctx, be.URI, idx, a.Hash); err != nil {
				logger.Warn().Err(err).Str("hash", a.Hash).Msg("Artifact download failed")
			}
		}(i, artifact)
	}
	wg.Wait()

	for _, artifact := range artifacts {
		s.bus.Publish(events.VerdictJobs{GUID: be.GUID, ArtifactID: artifact.ID})
	}
}

// onArtifactVerdict folds finished artifact verdicts into the bounty's
// truth value, or flags it for the operator.
func (s *Scheduler) onArtifactVerdict(ev events.Event) {
	bountyID := ev.(events.BountyArtifactVerdict).BountyID

	b, err := s.store.GetBounty(bountyID)
	if err != nil {
		s.logger.Error().Err(err).Uint64("bounty", bountyID).Msg("Bounty lookup failed")
		metrics.ErrorsTotal.WithLabelValues("bounty").Inc()
		return
	}
	logger := log.WithGUID(b.GUID)

	if b.Terminal() || b.TruthValue != nil || b.TruthManual {
		return
	}

	if cur := s.curBlock.Load(); cur > b.VoteBefore {
		logger.Warn().Uint64("block", cur).Msg("Voting window closed before truth was ready")
		s.abort(b.GUID)
		return
	}

	artifacts, err := s.store.ListArtifactsByBounty(bountyID)
	if err != nil {
		logger.Error().Err(err).Msg("Artifact listing failed")
		metrics.ErrorsTotal.WithLabelValues("bounty").Inc()
		return
	}

	truth := make([]bool, 0, len(artifacts))
	manual := false
	for _, artifact := range artifacts {
		if !artifact.Processed {
			logger.Debug().Uint64("artifact", artifact.ID).Msg("Artifact still unprocessed")
			return
		}
		if artifact.Verdict == nil {
			manual = true
			continue
		}
		truth = append(truth, *artifact.Verdict >= types.VerdictMaybe)
	}

	if manual {
		logger.Info().Msg("Backends could not decide, flagging for operator")
		_, err := s.store.UpdateBounty(bountyID, func(b *types.Bounty) error {
			if b.TruthManual || b.TruthValue != nil {
				return storage.ErrUnchanged
			}
			b.TruthManual = true
			return nil
		})
		if err != nil {
			logger.Error().Err(err).Msg("Manual flag failed")
			metrics.ErrorsTotal.WithLabelValues("bounty").Inc()
			return
		}
		metrics.BountiesManual.Inc()
		s.bus.Publish(events.BountyManual{GUID: b.GUID})
		return
	}

	logger.Info().Bools("truth", truth).Msg("Truth value decided")
	_, err = s.store.UpdateBounty(bountyID, func(b *types.Bounty) error {
		if b.TruthValue != nil || b.TruthManual || b.Voted {
			return storage.ErrUnchanged
		}
		b.TruthValue = truth
		return nil
	})
	if err != nil {
		logger.Error().Err(err).Msg("Recording truth failed")
		metrics.ErrorsTotal.WithLabelValues("bounty").Inc()
	}
}

// onRemoteSettled marks a bounty settled when our settlement shows up
// on the event stream before our own settle call returned.
func (s *Scheduler) onRemoteSettled(ev events.Event) {
	guid := ev.(events.BountySettledRemote).GUID
	applied := false
	_, err := s.store.UpdateBountyByGUID(guid, func(b *types.Bounty) error {
		if b.Settled {
			return storage.ErrUnchanged
		}
		b.Settled = true
		b.Status = types.BountyStatusFinished
		applied = true
		return nil
	})
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.logger.Error().Err(err).Str("guid", guid).Msg("Remote settle update failed")
		}
		return
	}
	if applied {
		logger := log.WithGUID(guid)
		logger.Info().Msg("Settlement observed on chain")
		metrics.BountiesSettled.Inc()
		s.bus.Publish(events.BountySettled{GUID: guid})
	}
}

// advanceVote writes off hard-expired bounties, then dispatches votes.
func (s *Scheduler) advanceVote() {
	cur := s.curBlock.Load()
	if cur == 0 {
		return
	}
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.AdvanceDuration.WithLabelValues("vote"))

	expired, err := s.store.VoteExpired(cur, voteExpireGrace)
	if err != nil {
		s.logger.Error().Err(err).Msg("Vote expiry scan failed")
		metrics.ErrorsTotal.WithLabelValues("bounty").Inc()
		return
	}
	for _, b := range expired {
		logger := log.WithGUID(b.GUID)
		logger.Warn().Uint64("vote_before", b.VoteBefore).
			Msg("Vote window long gone, writing off")
		s.markVoted(b.ID)
	}

	candidates, err := s.store.VoteCandidates(cur)
	if err != nil {
		s.logger.Error().Err(err).Msg("Vote scan failed")
		metrics.ErrorsTotal.WithLabelValues("bounty").Inc()
		return
	}
	for _, b := range candidates {
		if !s.voting.tryAdd(b.GUID) {
			continue
		}
		s.bus.Publish(events.BountyVote{
			GUID:       b.GUID,
			Value:      b.TruthValue,
			VoteBefore: b.VoteBefore,
		})
	}
}

func (s *Scheduler) advanceReveal() {
	cur := s.curBlock.Load()
	if cur == 0 {
		return
	}
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.AdvanceDuration.WithLabelValues("reveal"))

	candidates, err := s.store.RevealCandidates(cur)
	if err != nil {
		s.logger.Error().Err(err).Msg("Reveal scan failed")
		metrics.ErrorsTotal.WithLabelValues("bounty").Inc()
		return
	}
	for _, b := range candidates {
		if !s.revealing.tryAdd(b.GUID) {
			continue
		}
		s.bus.Publish(events.BountyReveal{GUID: b.GUID, Value: b.TruthValue})
	}
}

func (s *Scheduler) advanceSettle() {
	cur := s.curBlock.Load()
	if cur == 0 {
		return
	}
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.AdvanceDuration.WithLabelValues("settle"))

	candidates, err := s.store.SettleCandidates(cur)
	if err != nil {
		s.logger.Error().Err(err).Msg("Settle scan failed")
		metrics.ErrorsTotal.WithLabelValues("bounty").Inc()
		return
	}
	for _, b := range candidates {
		if !s.settling.tryAdd(b.GUID) {
			continue
		}
		s.bus.Publish(events.BountySettle{GUID: b.GUID})
	}
}

// flushExpiredManual writes off manual bounties the operator never
// settled before the vote window closed.
func (s *Scheduler) flushExpiredManual() {
	cur := s.curBlock.Load()
	if cur == 0 {
		return
	}
	expired, err := s.store.ManualExpired(cur)
	if err != nil {
		s.logger.Error().Err(err).Msg("Manual expiry scan failed")
		metrics.ErrorsTotal.WithLabelValues("bounty").Inc()
		return
	}
	for _, b := range expired {
		logger := log.WithGUID(b.GUID)
		logger.Warn().Msg("Manual bounty expired without operator verdict")
		s.markVoted(b.ID)
	}
}

// markVoted flips voted=true without a market call (administrative).
func (s *Scheduler) markVoted(id uint64) {
	_, err := s.store.UpdateBounty(id, func(b *types.Bounty) error {
		if b.Voted {
			return storage.ErrUnchanged
		}
		b.Voted = true
		return nil
	})
	if err != nil {
		s.logger.Error().Err(err).Uint64("bounty", id).Msg("Vote write-off failed")
		metrics.ErrorsTotal.WithLabelValues("bounty").Inc()
	}
}

// softFail books a transient failure: back off five blocks, count a
// strike, abort on the third.
func (s *Scheduler) softFail(guid string, cur uint64) {
	aborted := false
	_, err := s.store.UpdateBountyByGUID(guid, func(b *types.Bounty) error {
		b.ErrorDelayBlock = cur + errorDelayBlocks
		b.ErrorRetries++
		if b.ErrorRetries >= maxErrorRetries {
			b.Status = types.BountyStatusAborted
			aborted = true
		}
		return nil
	})
	if err != nil {
		s.logger.Error().Err(err).Str("guid", guid).Msg("Backoff update failed")
		metrics.ErrorsTotal.WithLabelValues("bounty").Inc()
		return
	}
	if aborted {
		logger := log.WithGUID(guid)
		logger.Error().Msg("Giving up after repeated failures")
		metrics.BountiesAborted.Inc()
		s.bus.Publish(events.BountyAborted{GUID: guid})
	}
}

func (s *Scheduler) abort(guid string) {
	applied := false
	_, err := s.store.UpdateBountyByGUID(guid, func(b *types.Bounty) error {
		if b.Terminal() {
			return storage.ErrUnchanged
		}
		b.Status = types.BountyStatusAborted
		applied = true
		return nil
	})
	if err != nil {
		s.logger.Error().Err(err).Str("guid", guid).Msg("Abort failed")
		metrics.ErrorsTotal.WithLabelValues("bounty").Inc()
		return
	}
	if applied {
		metrics.BountiesAborted.Inc()
		s.bus.Publish(events.BountyAborted{GUID: guid})
	}
}

// onVote submits our truth value to the market.
func (s *Scheduler) onVote(ev events.Event) {
	req := ev.(events.BountyVote)
	defer s.voting.remove(req.GUID)
	logger := log.WithGUID(req.GUID)

	b, err := s.store.GetBountyByGUID(req.GUID)
	if err != nil {
		logger.Error().Err(err).Msg("Bounty lookup failed")
		return
	}
	if b.Voted || b.Terminal() {
		logger.Warn().Msg("Double vote suppressed")
		return
	}

	cur := s.curBlock.Load()
	if cur > req.VoteBefore {
		// The window closed while the event was queued. Nothing to
		// submit anymore; record the phase as spent.
		logger.Error().Uint64("block", cur).Uint64("vote_before", req.VoteBefore).
			Msg("Vote window closed, writing off")
		s.markVoted(b.ID)
		return
	}

	logger.Info().Bools("votes", req.Value).Uint64("block", cur).Msg("Voting")
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	if err := s.market.Vote(ctx, req.GUID, req.Value); err != nil {
		if transientAt(err, cur, req.VoteBefore) {
			logger.Warn().Err(err).Msg("Vote failed, will retry")
			s.softFail(req.GUID, cur)
		} else {
			logger.Error().Err(err).Msg("Vote failed permanently")
			s.markVoted(b.ID)
		}
		metrics.ErrorsTotal.WithLabelValues("bounty").Inc()
		return
	}

	s.markVoted(b.ID)
	metrics.BountiesVoted.Inc()
	logger.Info().Msg("Voted")
}

// onReveal fetches expert assertions and records them.
func (s *Scheduler) onReveal(ev events.Event) {
	req := ev.(events.BountyReveal)
	defer s.revealing.remove(req.GUID)
	logger := log.WithGUID(req.GUID)

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	assertions, err := s.market.Assertions(ctx, req.GUID)
	if err != nil {
		if !market.IsNotFound(err) {
			// Leave the row untouched; the next reveal scan retries.
			logger.Warn().Err(err).Msg("Assertion fetch failed")
			metrics.ErrorsTotal.WithLabelValues("bounty").Inc()
			return
		}
		assertions = nil
	}
	if assertions == nil {
		assertions = []types.Assertion{}
	}

	disagree := s.expertsDisagree(logger, req.Value, assertions)

	flipManual := disagree && s.params.RevealManual
	_, err = s.store.UpdateBountyByGUID(req.GUID, func(b *types.Bounty) error {
		if b.Revealed {
			return storage.ErrUnchanged
		}
		b.Revealed = true
		b.Assertions = assertions
		b.HasReveal = true
		if flipManual {
			b.TruthManual = true
		}
		return nil
	})
	if err != nil {
		logger.Error().Err(err).Msg("Recording assertions failed")
		metrics.ErrorsTotal.WithLabelValues("bounty").Inc()
		return
	}
	logger.Info().Int("assertions", len(assertions)).Bool("disagree", disagree).Msg("Revealed")
}

// onSettle collects the payout.
func (s *Scheduler) onSettle(ev events.Event) {
	req := ev.(events.BountySettle)
	defer s.settling.remove(req.GUID)
	logger := log.WithGUID(req.GUID)

	b, err := s.store.GetBountyByGUID(req.GUID)
	if err != nil {
		logger.Error().Err(err).Msg("Bounty lookup failed")
		return
	}
	if b.Settled || b.Terminal() {
		return
	}

	cur := s.curBlock.Load()
	logger.Info().Uint64("block", cur).Msg("Settling")
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	if err := s.market.Settle(ctx, req.GUID); err != nil {
		switch {
		case market.IsNotFound(err) || alreadySettled(err):
			// Someone (possibly an earlier run of us) settled first.
			logger.Warn().Err(err).Msg("Bounty already settled on chain")
		case market.IsTransient(err):
			logger.Warn().Err(err).Msg("Settle failed, will retry")
			s.softFail(req.GUID, cur)
			metrics.ErrorsTotal.WithLabelValues("bounty").Inc()
			return
		default:
			logger.Error().Err(err).Msg("Settle rejected")
			metrics.ErrorsTotal.WithLabelValues("bounty").Inc()
			s.abort(req.GUID)
			return
		}
	}

	_, err = s.store.UpdateBounty(b.ID, func(b *types.Bounty) error {
		if b.Settled {
			return storage.ErrUnchanged
		}
		b.Settled = true
		b.Status = types.BountyStatusFinished
		return nil
	})
	if err != nil {
		logger.Error().Err(err).Msg("Recording settlement failed")
		metrics.ErrorsTotal.WithLabelValues("bounty").Inc()
		return
	}
	metrics.BountiesSettled.Inc()
	s.bus.Publish(events.BountySettled{GUID: req.GUID})
	logger.Info().Msg("Settled")
}

// SettleManual records an operator-provided truth value. The advance
// loops pick the bounty up like any auto-decided one.
func (s *Scheduler) SettleManual(guid string, verdicts []bool) error {
	_, err := s.store.UpdateBountyByGUID(guid, func(b *types.Bounty) error {
		if b.Terminal() {
			return fmt.Errorf("bounty is %s", b.Status)
		}
		if b.Voted {
			return fmt.Errorf("bounty was already voted on")
		}
		if b.TruthValue != nil {
			return fmt.Errorf("bounty already has a truth value")
		}
		if len(verdicts) != b.NumArtifacts {
			return fmt.Errorf("need %d verdict(s), not %d", b.NumArtifacts, len(verdicts))
		}
		b.TruthValue = verdicts
		b.TruthManual = true
		return nil
	})
	if err != nil {
		return err
	}
	logger := log.WithGUID(guid)
	logger.Info().Bools("verdicts", verdicts).Msg("Truth set manually")
	return nil
}

// transientAt classifies a vote failure: 5xx is transient only while
// the window is still open, IO errors always are, everything else is
// permanent.
func transientAt(err error, cur, voteBefore uint64) bool {
	var merr *market.Error
	if errors.As(err, &merr) {
		return merr.Status >= 500 && cur < voteBefore
	}
	return true // socket/IO
}

func alreadySettled(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "already been settled")
}
