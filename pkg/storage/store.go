package storage

import (
	"errors"
	"time"

	"github.com/swarmwatch/arbiter/pkg/types"
)

var (
	// ErrNotFound is returned when a row does not exist
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned on a bounty guid collision
	ErrAlreadyExists = errors.New("already exists")

	// ErrUnchanged aborts an update closure without touching the row.
	// Update methods swallow it and report success.
	ErrUnchanged = errors.New("unchanged")
)

// Store defines the interface for arbiter state storage
type Store interface {
	// Bounties
	CreateBounty(bounty *types.Bounty, artifacts []*types.Artifact, backends []string) error
	GetBounty(id uint64) (*types.Bounty, error)
	GetBountyByGUID(guid string) (*types.Bounty, error)
	ListBounties() ([]*types.Bounty, error)
	UpdateBounty(id uint64, fn func(*types.Bounty) error) (*types.Bounty, error)
	UpdateBountyByGUID(guid string, fn func(*types.Bounty) error) (*types.Bounty, error)

	// Deadline scans used by the dispatcher. All of them only consider
	// active bounties.
	VoteCandidates(curBlock uint64) ([]*types.Bounty, error)
	VoteExpired(curBlock uint64, grace uint64) ([]*types.Bounty, error)
	RevealCandidates(curBlock uint64) ([]*types.Bounty, error)
	SettleCandidates(curBlock uint64) ([]*types.Bounty, error)
	ManualExpired(curBlock uint64) ([]*types.Bounty, error)

	// Artifacts
	GetArtifact(id uint64) (*types.Artifact, error)
	ListArtifactsByBounty(bountyID uint64) ([]*types.Artifact, error)
	UpdateArtifact(id uint64, fn func(*types.Artifact) error) (*types.Artifact, error)

	// Artifact verdicts
	GetVerdict(id uint64) (*types.ArtifactVerdict, error)
	ListVerdictsByArtifact(artifactID uint64) ([]*types.ArtifactVerdict, error)
	UpdateVerdict(id uint64, fn func(*types.ArtifactVerdict) error) (*types.ArtifactVerdict, error)

	// ClaimNewVerdicts moves every NEW row of the artifact to SUBMITTING
	// and returns the claimed rows.
	ClaimNewVerdicts(artifactID uint64) ([]*types.ArtifactVerdict, error)

	// ExpirePendingVerdicts fails PENDING rows whose expiry has passed and
	// returns them.
	ExpirePendingVerdicts(now time.Time) ([]*types.ArtifactVerdict, error)

	// ArtifactsWithNewJobs returns ids of artifacts that still have NEW
	// rows, for the retry loop.
	ArtifactsWithNewJobs() ([]uint64, error)

	// ArtifactsWithoutVerdict returns ids of artifacts that have no job
	// row for the given backend, for backends polling the web API.
	ArtifactsWithoutVerdict(backend string) ([]uint64, error)

	// UnfinishedVerdicts returns all job rows that are not DONE yet,
	// for the operator's pending view.
	UnfinishedVerdicts() ([]*types.ArtifactVerdict, error)

	// ResetPendingJobs moves all PENDING rows back to NEW. Run once at
	// process start; implies submit-at-least-once to backends.
	ResetPendingJobs() (int, error)

	// Counters for the dashboard and metrics
	CountBountiesByStatus() (map[types.BountyStatus]int, error)
	CountSettledBounties() (int, error)
	CountProcessingArtifacts() (int, error)
	CountVerdictsByStatus() (map[types.JobStatus]int, error)

	// ArtifactRates returns processed-artifact counts per interval bucket
	// since the given bucket.
	ArtifactRates(sinceBucket int64) (map[int64]int, error)

	// Utility
	Clean() error
	Close() error
}
