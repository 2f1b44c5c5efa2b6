// Package aggregate implements the tiered weighted vote that collapses
// per-backend verdicts into a single per-artifact decision.
package aggregate

import (
	"github.com/swarmwatch/arbiter/pkg/log"
	"github.com/swarmwatch/arbiter/pkg/types"
)

// Backend holds the voting attributes of one configured analysis backend.
// The set is fixed at startup.
type Backend struct {
	Name    string
	Trusted bool
	Weight  int
}

// Decision is the aggregated outcome for one artifact.
type Decision int

const (
	DontKnow Decision = iota
	Safe
	Malicious
)

// String returns the decision name
func (d Decision) String() string {
	switch d {
	case Safe:
		return "safe"
	case Malicious:
		return "malicious"
	}
	return "dontknow"
}

// Verdict maps the decision to the artifact verdict encoding: nil for
// dontknow, 0 for safe, 100 for malicious.
func (d Decision) Verdict() *int {
	switch d {
	case Safe:
		v := types.VerdictSafe
		return &v
	case Malicious:
		v := types.VerdictMalicious
		return &v
	}
	return nil
}

// Vote computes the decision for one artifact from the per-backend verdict
// map. A missing or nil entry is an abstention. The function is pure: its
// output depends only on the verdict map and the backend attribute table.
//
// Tiers, in order:
//  1. Any trusted backend calling malicious (>= 50) decides malicious.
//  2. More than half the configured backends abstaining is indeterminate.
//  3. A two-thirds weighted supermajority decides either direction.
//  4. Anything else is indeterminate.
func Vote(backends []Backend, verdicts map[string]*int) Decision {
	logger := log.WithComponent("aggregate")

	if len(backends) == 0 {
		return DontKnow
	}

	totalVoters := len(backends)
	totalVotes := 0
	totalWeight := 0
	votes := 0
	highConfMalicious := false

	for _, b := range backends {
		v, ok := verdicts[b.Name]
		if !ok || v == nil {
			continue
		}
		totalVotes++
		totalWeight += b.Weight * types.VerdictMalicious
		votes += b.Weight * *v
		if b.Trusted && *v >= types.VerdictMaybe {
			highConfMalicious = true
		}
	}

	if highConfMalicious {
		logger.Info().Msg("Voted malicious because of positive trusted backend")
		return Malicious
	}

	// total_votes < 0.5 * total_voters, kept in integers
	if 2*totalVotes < totalVoters {
		logger.Info().
			Int("votes", totalVotes).
			Int("voters", totalVoters).
			Msg("Voted dontknow because too many backends abstained")
		return DontKnow
	}

	// votes >= (2/3) * total_weight
	if 3*votes >= 2*totalWeight {
		logger.Info().
			Int("votes", votes).
			Int("weight", totalWeight).
			Msg("Voted malicious on weighted supermajority")
		return Malicious
	}

	// (total_weight - votes) >= (2/3) * total_weight
	if 3*(totalWeight-votes) >= 2*totalWeight {
		logger.Info().
			Int("votes", votes).
			Int("weight", totalWeight).
			Msg("Voted safe on weighted supermajority")
		return Safe
	}

	logger.Info().
		Int("votes", votes).
		Int("weight", totalWeight).
		Msg("Voted dontknow on a near-tie")
	return DontKnow
}
