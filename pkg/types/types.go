package types

import (
	"time"
)

// Verdict values, expressed as an integer percentage. A nil verdict means
// the backend abstained (dontknow).
const (
	VerdictSafe      = 0
	VerdictMaybe     = 50
	VerdictMalicious = 100
)

// JobStatus tracks the lifecycle of a single backend submission.
type JobStatus int

const (
	JobStatusFailed     JobStatus = -1
	JobStatusDone       JobStatus = 0
	JobStatusNew        JobStatus = 1
	JobStatusSubmitting JobStatus = 2
	JobStatusPending    JobStatus = 3
)

// String returns the human-readable job status name
func (s JobStatus) String() string {
	switch s {
	case JobStatusFailed:
		return "failed"
	case JobStatusDone:
		return "done"
	case JobStatusNew:
		return "new"
	case JobStatusSubmitting:
		return "submitting"
	case JobStatusPending:
		return "pending"
	}
	return "unknown"
}

// BountyStatus represents the top-level bounty state
type BountyStatus string

const (
	BountyStatusActive   BountyStatus = "active"
	BountyStatusFinished BountyStatus = "finished"
	BountyStatusAborted  BountyStatus = "aborted"
)

// Bounty is a market task asking the arbiter to classify one or more
// artifacts by a set of block deadlines.
type Bounty struct {
	ID     uint64       `json:"id"`
	GUID   string       `json:"guid"`
	Author string       `json:"author"`
	Amount string       `json:"amount"` // big integer, as string
	Status BountyStatus `json:"status"`

	NumArtifacts int `json:"num_artifacts"`

	// Block deadlines, all derived from the expiration block and the
	// market's vote/reveal windows at creation time.
	ExpirationBlock uint64 `json:"expiration_block"`
	VoteAfter       uint64 `json:"vote_after"`
	VoteBefore      uint64 `json:"vote_before"`
	RevealBlock     uint64 `json:"reveal_block"`
	SettleBlock     uint64 `json:"settle_block"`

	// TruthValue is the arbiter's per-artifact ground truth, ordered by
	// artifact id. Nil until every artifact has a definite verdict.
	TruthValue  []bool `json:"truth_value,omitempty"`
	TruthManual bool   `json:"truth_manual"`

	Voted    bool `json:"voted"`
	Revealed bool `json:"revealed"`
	Settled  bool `json:"settled"`

	// Assertions are cached at reveal time. Nil means reveal has not
	// happened yet; an empty non-nil slice means no experts asserted.
	Assertions []Assertion `json:"assertions"`
	HasReveal  bool        `json:"has_reveal"`

	// Transient-failure backoff bookkeeping.
	ErrorDelayBlock uint64 `json:"error_delay_block"`
	ErrorRetries    int    `json:"error_retries"`

	CreatedAt time.Time `json:"created_at"`
}

// Terminal reports whether the bounty can make no further phase transitions.
func (b *Bounty) Terminal() bool {
	return b.Status == BountyStatusFinished || b.Status == BountyStatusAborted
}

// Artifact is a single file referenced by content hash inside a bounty.
type Artifact struct {
	ID       uint64 `json:"id"`
	BountyID uint64 `json:"bounty_id"`
	Hash     string `json:"hash"`
	Name     string `json:"name"`

	// Verdict is the aggregated verdict in [0,100], nil for dontknow.
	Verdict *int `json:"verdict,omitempty"`

	Processed           bool      `json:"processed"`
	ProcessedAt         time.Time `json:"processed_at,omitempty"`
	ProcessedAtInterval int64     `json:"processed_at_interval"`
}

// ArtifactVerdict is a single backend's job for one artifact.
type ArtifactVerdict struct {
	ID         uint64    `json:"id"`
	ArtifactID uint64    `json:"artifact_id"`
	Backend    string    `json:"backend"`
	Status     JobStatus `json:"status"`

	// Verdict in [0,100], nil when failed or abstained.
	Verdict *int `json:"verdict,omitempty"`

	// Expires bounds how long a pending job may stay pending.
	Expires *time.Time `json:"expires,omitempty"`

	// Meta carries opaque backend task state (e.g. task ids) across
	// restarts.
	Meta map[string]interface{} `json:"meta,omitempty"`
}

// Assertion is a third-party expert's claim about a bounty, fetched during
// the reveal phase. Used for disagreement metrics, not consensus.
type Assertion struct {
	Author   string `json:"author"`
	Bid      string `json:"bid"`
	Mask     []bool `json:"mask"`
	Verdicts []bool `json:"verdicts"`
	Metadata string `json:"metadata"`
}

// BountyEvent is the market gateway's bounty descriptor as it arrives over
// the event stream.
type BountyEvent struct {
	GUID       string `json:"guid"`
	Author     string `json:"author"`
	Amount     string `json:"amount"`
	URI        string `json:"uri"`
	Expiration string `json:"expiration"`
	Resolved   bool   `json:"resolved"`
}

// ArtifactRef is one entry of an artifact-store manifest.
type ArtifactRef struct {
	Hash string `json:"hash"`
	Name string `json:"name"`
}
