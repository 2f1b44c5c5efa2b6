package bounty

import (
	"strings"

	"github.com/rs/zerolog"

	"github.com/swarmwatch/arbiter/pkg/types"
)

// fixBitlist left-pads the list with false to length n and truncates
// anything beyond. Experts may assert with fewer bits than the bounty
// has artifacts.
func fixBitlist(bits []bool, n int) []bool {
	if len(bits) >= n {
		return bits[:n]
	}
	fixed := make([]bool, n)
	copy(fixed[n-len(bits):], bits)
	return fixed
}

// disagrees reports whether the assertion contradicts our truth on any
// masked artifact.
func disagrees(truth []bool, a types.Assertion) bool {
	mask := fixBitlist(a.Mask, len(truth))
	verdicts := fixBitlist(a.Verdicts, len(truth))
	for i := range truth {
		if mask[i] && verdicts[i] != truth[i] {
			return true
		}
	}
	return false
}

// expertsDisagree scores collected assertions against our truth value.
// The flag is advisory, for operator signalling: it trips when a
// trusted expert contradicts us on any artifact, or when enough
// untrusted assertions came in and at least two thirds of them
// contradict us.
func (s *Scheduler) expertsDisagree(logger zerolog.Logger, truth []bool, assertions []types.Assertion) bool {
	if len(truth) == 0 || len(assertions) == 0 {
		return false
	}

	disagreeing := 0
	trustedDisagrees := false
	for _, a := range assertions {
		if !disagrees(truth, a) {
			continue
		}
		disagreeing++
		if s.trustedExperts[strings.ToLower(a.Author)] {
			trustedDisagrees = true
			logger.Warn().Str("expert", a.Author).Msg("Trusted expert disagrees with our verdict")
		} else {
			logger.Debug().Str("expert", a.Author).Msg("Expert disagrees with our verdict")
		}
	}

	if trustedDisagrees {
		return true
	}
	if len(assertions) >= s.params.UntrustedExpertsRequired &&
		3*disagreeing >= 2*len(assertions) {
		logger.Warn().Int("disagreeing", disagreeing).Int("total", len(assertions)).
			Msg("Expert population disagrees with our verdict")
		return true
	}
	return false
}
