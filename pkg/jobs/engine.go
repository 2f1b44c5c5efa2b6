// Package jobs runs the per-artifact analysis pipeline.
//
// Every artifact starts with one ArtifactVerdict row per configured
// backend. The engine claims NEW rows, fans submissions out to the
// backends in parallel, and records results. Asynchronous backends
// answer later through the web API callback; pending jobs carry an
// expiry and are failed by a periodic scan when the answer never comes.
// Whenever the last outstanding row of an artifact completes, the
// backend opinions are aggregated into the artifact verdict and the
// bounty layer is notified.
//
//	NEW -> SUBMITTING -> DONE
//	                  -> PENDING -> DONE
//	                             -> FAILED   (callback error or expiry)
//	                  -> FAILED
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/swarmwatch/arbiter/pkg/aggregate"
	"github.com/swarmwatch/arbiter/pkg/backends"
	"github.com/swarmwatch/arbiter/pkg/events"
	"github.com/swarmwatch/arbiter/pkg/log"
	"github.com/swarmwatch/arbiter/pkg/metrics"
	"github.com/swarmwatch/arbiter/pkg/storage"
	"github.com/swarmwatch/arbiter/pkg/types"
)

const (
	scanInterval  = 2 * time.Minute
	submitTimeout = 5 * time.Minute
)

// ArtifactPaths resolves an artifact hash to its local cache path.
type ArtifactPaths interface {
	Path(hash string) string
}

// BackendSet is the registry surface the engine needs. Satisfied by
// *backends.Registry.
type BackendSet interface {
	Get(name string) backends.AnalysisBackend
	All() []backends.AnalysisBackend
	Len() int
}

// Engine drives the analysis job state machine.
type Engine struct {
	store    storage.Store
	bus      *events.Bus
	registry BackendSet
	paths    ArtifactPaths

	// selfURL is our externally reachable API base, embedded in tasks so
	// backends can fetch bodies and post verdicts back.
	selfURL string

	// expires bounds how long a PENDING job may wait for its callback.
	expires time.Duration

	// interval is the bucket width for processed-at rate charts.
	interval time.Duration

	logger zerolog.Logger
}

// New creates the engine. Register must be called before the bus starts
// delivering events.
func New(store storage.Store, bus *events.Bus, registry BackendSet,
	paths ArtifactPaths, selfURL string, expires, interval time.Duration) *Engine {
	return &Engine{
		store:    store,
		bus:      bus,
		registry: registry,
		paths:    paths,
		selfURL:  selfURL,
		expires:  expires,
		interval: interval,
		logger:   log.WithComponent("jobs"),
	}
}

// Register wires the engine's handlers and periodic scans onto the bus.
func (e *Engine) Register() {
	e.bus.Subscribe(events.EventVerdictJobs, e.onJobs)
	e.bus.Subscribe(events.EventVerdictJobSubmit, e.onSubmit)
	e.bus.Subscribe(events.EventVerdictUpdateAsync, e.onAsync)
	// Serialized so two completions of the same artifact cannot race the
	// processed check.
	e.bus.Subscribe(events.EventVerdictUpdate, e.onUpdate, events.Serialized(1))
	e.bus.Periodic(scanInterval, e.expireVerdicts)
	e.bus.Periodic(scanInterval, e.retrySubmissions)
}

// onJobs claims every NEW row of the artifact and hands them to the
// fan-out stage. Claiming flips rows to SUBMITTING so a concurrent
// delivery of the same event submits nothing twice.
func (e *Engine) onJobs(ev events.Event) {
	req := ev.(events.VerdictJobs)

	claimed, err := e.store.ClaimNewVerdicts(req.ArtifactID)
	if err != nil {
		e.logger.Error().Err(err).Uint64("artifact", req.ArtifactID).Msg("Claiming jobs failed")
		metrics.ErrorsTotal.WithLabelValues("jobs").Inc()
		return
	}
	if len(claimed) == 0 {
		return
	}

	jobs := make([]events.SubmitJob, 0, len(claimed))
	for _, av := range claimed {
		jobs = append(jobs, events.SubmitJob{VerdictID: av.ID, Backend: av.Backend})
	}
	e.bus.Publish(events.VerdictJobSubmit{ArtifactID: req.ArtifactID, Jobs: jobs})
}

// submitOutcome is the recorded end state of one submission.
type submitOutcome struct {
	status  types.JobStatus
	verdict *int
	meta    map[string]interface{}
	expires *time.Time
}

// onSubmit fans the claimed jobs out to their backends and records each
// result. Row updates are conditional on SUBMITTING: a backend callback
// can land before the fan-out finishes and must win.
func (e *Engine) onSubmit(ev events.Event) {
	req := ev.(events.VerdictJobSubmit)

	artifact, err := e.store.GetArtifact(req.ArtifactID)
	if err != nil {
		e.logger.Error().Err(err).Uint64("artifact", req.ArtifactID).Msg("Artifact lookup failed")
		metrics.ErrorsTotal.WithLabelValues("jobs").Inc()
		return
	}

	task := backends.Task{
		ArtifactID: artifact.ID,
		Name:       artifact.Name,
		Hash:       artifact.Hash,
		URL:        fmt.Sprintf("%s/artifact/%d", e.selfURL, artifact.ID),
		Path:       e.paths.Path(artifact.Hash),
	}

	outcomes := make([]submitOutcome, len(req.Jobs))
	var wg sync.WaitGroup
	for i, job := range req.Jobs {
		wg.Add(1)
		go func(i int, job events.SubmitJob) {
			defer wg.Done()
			outcomes[i] = e.submitOne(job, task)
		}(i, job)
	}
	wg.Wait()

	reeval := false
	for i, job := range req.Jobs {
		if e.recordOutcome(job.VerdictID, outcomes[i]) && outcomes[i].status == types.JobStatusDone {
			reeval = true
		}
	}
	if reeval {
		e.bus.Publish(events.VerdictUpdate{ArtifactID: req.ArtifactID})
	}
}

func (e *Engine) submitOne(job events.SubmitJob, task backends.Task) submitOutcome {
	failed := submitOutcome{status: types.JobStatusFailed}

	backend := e.registry.Get(job.Backend)
	if backend == nil {
		// The backend was removed from the config after this bounty was
		// created.
		e.logger.Warn().Str("backend", job.Backend).Msg("Job for unconfigured backend")
		return failed
	}

	logger := e.logger.With().Str("backend", job.Backend).
		Uint64("verdict_id", job.VerdictID).Logger()
	logger.Debug().Uint64("artifact", task.ArtifactID).Msg("Submitting job")
	metrics.JobsSubmitted.WithLabelValues(job.Backend).Inc()

	ctx, cancel := context.WithTimeout(context.Background(), submitTimeout)
	defer cancel()
	task.VerdictID = job.VerdictID

	res, err := backend.SubmitArtifact(ctx, task)
	if err != nil {
		logger.Warn().Err(err).Msg("Submission failed")
		return failed
	}
	if res == nil {
		return failed
	}

	if res.Verdict != nil {
		return submitOutcome{status: types.JobStatusDone, verdict: res.Verdict}
	}

	// A verdict buried inside the metadata also closes the job.
	meta := res.Meta
	if raw, ok := meta["verdict"]; ok {
		delete(meta, "verdict")
		if v, ok := metaVerdict(raw); ok {
			return submitOutcome{status: types.JobStatusDone, verdict: &v, meta: meta}
		}
		logger.Warn().Interface("verdict", raw).Msg("Unusable inline verdict")
		return failed
	}

	exp := time.Now().Add(e.expires)
	return submitOutcome{status: types.JobStatusPending, meta: meta, expires: &exp}
}

// metaVerdict coerces a decoded JSON value into a verdict percentage.
func metaVerdict(raw interface{}) (int, bool) {
	var v int
	switch n := raw.(type) {
	case float64:
		v = int(n)
	case int:
		v = n
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		v = int(i)
	default:
		return 0, false
	}
	if v < 0 || v > 100 {
		return 0, false
	}
	return v, true
}

// recordOutcome writes the outcome, conditional on the row still being
// SUBMITTING. Returns whether the write was applied.
func (e *Engine) recordOutcome(verdictID uint64, out submitOutcome) bool {
	applied := false
	_, err := e.store.UpdateVerdict(verdictID, func(av *types.ArtifactVerdict) error {
		if av.Status != types.JobStatusSubmitting {
			return storage.ErrUnchanged
		}
		av.Status = out.status
		av.Verdict = out.verdict
		av.Meta = out.meta
		av.Expires = out.expires
		applied = true
		return nil
	})
	if err != nil {
		e.logger.Error().Err(err).Uint64("verdict_id", verdictID).Msg("Recording job result failed")
		metrics.ErrorsTotal.WithLabelValues("jobs").Inc()
		return false
	}
	return applied
}

// onAsync applies a backend callback. PENDING rows are the normal case;
// SUBMITTING rows are a fast backend answering before the fan-out has
// recorded its own outcome, and the SUBMITTING guard in recordOutcome
// keeps that outcome from overwriting this one. Finished rows reject the
// callback silently (late or duplicate).
func (e *Engine) onAsync(ev events.Event) {
	req := ev.(events.VerdictUpdateAsync)

	applied := false
	av, err := e.store.UpdateVerdict(req.VerdictID, func(av *types.ArtifactVerdict) error {
		if av.Status != types.JobStatusPending && av.Status != types.JobStatusSubmitting {
			return storage.ErrUnchanged
		}
		if req.Failed {
			av.Status = types.JobStatusFailed
			av.Verdict = nil
		} else {
			av.Status = types.JobStatusDone
			av.Verdict = req.Verdict
		}
		av.Expires = nil
		applied = true
		return nil
	})
	if err != nil {
		e.logger.Error().Err(err).Uint64("verdict_id", req.VerdictID).Msg("Applying callback failed")
		metrics.ErrorsTotal.WithLabelValues("jobs").Inc()
		return
	}
	if !applied {
		e.logger.Debug().Uint64("verdict_id", req.VerdictID).
			Str("status", av.Status.String()).Msg("Callback for finished job dropped")
		return
	}
	e.bus.Publish(events.VerdictUpdate{ArtifactID: av.ArtifactID})
}

// expireVerdicts fails PENDING rows whose callback never came.
func (e *Engine) expireVerdicts() {
	expired, err := e.store.ExpirePendingVerdicts(time.Now())
	if err != nil {
		e.logger.Error().Err(err).Msg("Expiry scan failed")
		metrics.ErrorsTotal.WithLabelValues("jobs").Inc()
		return
	}

	artifacts := map[uint64]bool{}
	for _, av := range expired {
		e.logger.Warn().Uint64("verdict_id", av.ID).Str("backend", av.Backend).Msg("Job expired")
		metrics.JobsExpired.Inc()
		artifacts[av.ArtifactID] = true
	}
	for id := range artifacts {
		e.bus.Publish(events.VerdictUpdate{ArtifactID: id})
	}
}

// retrySubmissions re-kicks artifacts that still carry NEW rows, such as
// after a crash-time reset or a partially failed claim.
func (e *Engine) retrySubmissions() {
	ids, err := e.store.ArtifactsWithNewJobs()
	if err != nil {
		e.logger.Error().Err(err).Msg("Retry scan failed")
		metrics.ErrorsTotal.WithLabelValues("jobs").Inc()
		return
	}
	for _, id := range ids {
		e.bus.Publish(events.VerdictJobs{ArtifactID: id})
	}
}

// onUpdate aggregates backend opinions once every row of the artifact
// has completed, then notifies the bounty layer.
func (e *Engine) onUpdate(ev events.Event) {
	req := ev.(events.VerdictUpdate)
	logger := e.logger.With().Uint64("artifact", req.ArtifactID).Logger()

	artifact, err := e.store.GetArtifact(req.ArtifactID)
	if err != nil {
		logger.Error().Err(err).Msg("Artifact lookup failed")
		metrics.ErrorsTotal.WithLabelValues("jobs").Inc()
		return
	}
	if artifact.Processed {
		return
	}

	rows, err := e.store.ListVerdictsByArtifact(req.ArtifactID)
	if err != nil {
		logger.Error().Err(err).Msg("Verdict listing failed")
		metrics.ErrorsTotal.WithLabelValues("jobs").Inc()
		return
	}

	opinions := make(map[string]*int, len(rows))
	for _, av := range rows {
		if av.Status > types.JobStatusDone {
			logger.Debug().Str("backend", av.Backend).
				Str("status", av.Status.String()).Msg("Verdict incomplete")
			return
		}
		opinions[av.Backend] = av.Verdict
	}

	voters := make([]aggregate.Backend, 0, e.registry.Len())
	for _, ab := range e.registry.All() {
		voters = append(voters, aggregate.Backend{
			Name:    ab.Name(),
			Trusted: ab.Trusted(),
			Weight:  ab.Weight(),
		})
	}
	decision := aggregate.Vote(voters, opinions)
	logger.Info().Str("decision", decision.String()).Msg("Artifact verdict decided")

	now := time.Now()
	applied := false
	updated, err := e.store.UpdateArtifact(req.ArtifactID, func(a *types.Artifact) error {
		if a.Processed {
			return storage.ErrUnchanged
		}
		a.Verdict = decision.Verdict()
		a.Processed = true
		a.ProcessedAt = now
		a.ProcessedAtInterval = now.Unix() / int64(e.interval/time.Second)
		applied = true
		return nil
	})
	if err != nil {
		logger.Error().Err(err).Msg("Recording artifact verdict failed")
		metrics.ErrorsTotal.WithLabelValues("jobs").Inc()
		return
	}
	if applied {
		e.bus.Publish(events.BountyArtifactVerdict{BountyID: updated.BountyID})
	}
}
