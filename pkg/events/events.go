package events

import (
	"time"

	"github.com/swarmwatch/arbiter/pkg/types"
)

// Event is a named message routed through the Bus. One concrete type exists
// per event; handlers type-assert the payload they subscribed for.
type Event interface {
	Name() string
}

// Event names, used as routing keys.
const (
	EventConnected             = "connected"
	EventBlock                 = "block"
	EventBounty                = "bounty"
	EventAssertion             = "assertion"
	EventVote                  = "vote"
	EventBountySettledRemote   = "polyswarm_bounty_settled"
	EventVerdictJobs           = "verdict_jobs"
	EventVerdictJobSubmit      = "verdict_job_submit"
	EventVerdictUpdate         = "verdict_update"
	EventVerdictUpdateAsync    = "verdict_update_async"
	EventBountyArtifactVerdict = "bounty_artifact_verdict"
	EventBountyVote            = "bounty_vote"
	EventBountyReveal          = "bounty_assertions_reveal"
	EventBountySettle          = "bounty_settle"
	EventBountyAborted         = "bounty_aborted"
	EventBountyManual          = "bounty_manual"
	EventBountySettled         = "bounty_settled"
)

// Connected signals a (re)established gateway event stream.
type Connected struct {
	StartTime time.Time
}

func (Connected) Name() string { return EventConnected }

// Block carries a new chain block number.
type Block struct {
	Number uint64
}

func (Block) Name() string { return EventBlock }

// Bounty carries a bounty descriptor fresh off the market.
type Bounty struct {
	Bounty types.BountyEvent
}

func (Bounty) Name() string { return EventBounty }

// Assertion mirrors the gateway's assertion events; payload is opaque to
// the arbiter and only used for dashboard signalling.
type Assertion struct {
	Data map[string]interface{}
}

func (Assertion) Name() string { return EventAssertion }

// Vote mirrors the gateway's vote events; opaque.
type Vote struct {
	Data map[string]interface{}
}

func (Vote) Name() string { return EventVote }

// BountySettledRemote reports that our account settled a bounty on-chain.
type BountySettledRemote struct {
	GUID string
}

func (BountySettledRemote) Name() string { return EventBountySettledRemote }

// VerdictJobs requests submission of all NEW jobs for one artifact.
type VerdictJobs struct {
	GUID       string
	ArtifactID uint64
}

func (VerdictJobs) Name() string { return EventVerdictJobs }

// SubmitJob identifies one claimed job in a VerdictJobSubmit batch.
type SubmitJob struct {
	VerdictID uint64
	Backend   string
}

// VerdictJobSubmit fans out claimed jobs to their backends.
type VerdictJobSubmit struct {
	ArtifactID uint64
	Jobs       []SubmitJob
}

func (VerdictJobSubmit) Name() string { return EventVerdictJobSubmit }

// VerdictUpdate triggers re-aggregation for an artifact.
type VerdictUpdate struct {
	ArtifactID uint64
}

func (VerdictUpdate) Name() string { return EventVerdictUpdate }

// VerdictUpdateAsync carries an asynchronous backend callback. A nil
// Verdict with Failed set marks the job failed.
type VerdictUpdateAsync struct {
	VerdictID uint64
	Verdict   *int
	Failed    bool
}

func (VerdictUpdateAsync) Name() string { return EventVerdictUpdateAsync }

// BountyArtifactVerdict reports that one of the bounty's artifacts gained
// an aggregated verdict.
type BountyArtifactVerdict struct {
	BountyID uint64
}

func (BountyArtifactVerdict) Name() string { return EventBountyArtifactVerdict }

// BountyVote asks the dispatcher to submit our ground truth.
type BountyVote struct {
	GUID       string
	Value      []bool
	VoteBefore uint64
}

func (BountyVote) Name() string { return EventBountyVote }

// BountyReveal asks the dispatcher to fetch expert assertions.
type BountyReveal struct {
	GUID  string
	Value []bool
}

func (BountyReveal) Name() string { return EventBountyReveal }

// BountySettle asks the dispatcher to settle the bounty on the market.
type BountySettle struct {
	GUID string
}

func (BountySettle) Name() string { return EventBountySettle }

// BountyAborted reports a permanently failed bounty.
type BountyAborted struct {
	GUID string
}

func (BountyAborted) Name() string { return EventBountyAborted }

// BountyManual reports a bounty flagged for manual review.
type BountyManual struct {
	GUID string
}

func (BountyManual) Name() string { return EventBountyManual }

// BountySettled reports a bounty we settled successfully.
type BountySettled struct {
	GUID string
}

func (BountySettled) Name() string { return EventBountySettled }
