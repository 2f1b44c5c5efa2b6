package webapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/mux"

	"github.com/swarmwatch/arbiter/pkg/storage"
	"github.com/swarmwatch/arbiter/pkg/types"
)

const chartLookback = 5 * 24 * time.Hour

// bountyView is the dashboard's bounty JSON. Verbose views add the
// per-backend job rows and cached assertions.
type bountyView struct {
	GUID             string                 `json:"guid"`
	Author           string                 `json:"author"`
	Amount           string                 `json:"amount"`
	Status           types.BountyStatus     `json:"status"`
	NumArtifacts     int                    `json:"num_artifacts"`
	TruthValue       []bool                 `json:"truth_value"`
	TruthManual      bool                   `json:"truth_manual"`
	Voted            bool                   `json:"voted"`
	Settled          bool                   `json:"settled"`
	SettleBlock      uint64                 `json:"settle_block"`
	PendingArtifacts int                    `json:"pending_artifacts"`
	Artifacts        []artifactView         `json:"artifacts,omitempty"`
	Assertions       []types.Assertion      `json:"assertions,omitempty"`
}

type artifactView struct {
	Name      string                 `json:"name"`
	Hash      string                 `json:"hash,omitempty"`
	Verdict   *int                   `json:"verdict"`
	Processed bool                   `json:"processed"`
	Verdicts  map[string]verdictView `json:"verdicts,omitempty"`
}

type verdictView struct {
	Verdict *int                   `json:"verdict"`
	Status  string                 `json:"status"`
	Meta    map[string]interface{} `json:"meta,omitempty"`
}

func (s *Server) gatherBounty(b *types.Bounty, verbose bool) (*bountyView, error) {
	view := &bountyView{
		GUID:         b.GUID,
		Author:       b.Author,
		Amount:       b.Amount,
		Status:       b.Status,
		NumArtifacts: b.NumArtifacts,
		TruthValue:   b.TruthValue,
		TruthManual:  b.TruthManual,
		Voted:        b.Voted,
		Settled:      b.Settled,
		SettleBlock:  b.SettleBlock,
	}
	artifacts, err := s.store.ListArtifactsByBounty(b.ID)
	if err != nil {
		return nil, err
	}
	for _, a := range artifacts {
		if !a.Processed {
			view.PendingArtifacts++
		}
		av := artifactView{Name: a.Name, Verdict: a.Verdict, Processed: a.Processed}
		if verbose {
			av.Hash = a.Hash
			rows, err := s.store.ListVerdictsByArtifact(a.ID)
			if err != nil {
				return nil, err
			}
			av.Verdicts = make(map[string]verdictView, len(rows))
			for _, row := range rows {
				av.Verdicts[row.Backend] = verdictView{
					Verdict: row.Verdict,
					Status:  row.Status.String(),
					Meta:    row.Meta,
				}
			}
		}
		view.Artifacts = append(view.Artifacts, av)
	}
	if verbose {
		view.Assertions = b.Assertions
	}
	return view, nil
}

func (s *Server) handleBounty(w http.ResponseWriter, r *http.Request) {
	guid := mux.Vars(r)["guid"]
	b, err := s.store.GetBountyByGUID(guid)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no such bounty")
			return
		}
		s.logger.Error().Err(err).Str("guid", guid).Msg("Bounty lookup failed")
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	view, err := s.gatherBounty(b, true)
	if err != nil {
		s.logger.Error().Err(err).Str("guid", guid).Msg("Bounty render failed")
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// handleAllBounties lists every bounty the arbiter knows about.
func (s *Server) handleAllBounties(w http.ResponseWriter, r *http.Request) {
	s.listBounties(w, func(*types.Bounty) bool { return true })
}

// handleUnfinishedJobs lists job rows that have not reached DONE, for
// the operator's pending view.
func (s *Server) handleUnfinishedJobs(w http.ResponseWriter, r *http.Request) {
	rows, err := s.store.UnfinishedVerdicts()
	if err != nil {
		s.logger.Error().Err(err).Msg("Job scan failed")
		writeError(w, http.StatusInternalServerError, "scan failed")
		return
	}
	views := []jobView{}
	for _, row := range rows {
		view := jobView{
			ID:         row.ID,
			ArtifactID: row.ArtifactID,
			Backend:    row.Backend,
			Status:     row.Status.String(),
		}
		if row.Expires != nil {
			view.Expires = row.Expires.Format(time.RFC3339)
		}
		views = append(views, view)
	}
	writeJSON(w, http.StatusOK, views)
}

type jobView struct {
	ID         uint64 `json:"id"`
	ArtifactID uint64 `json:"artifact_id"`
	Backend    string `json:"backend"`
	Status     string `json:"status"`
	Expires    string `json:"expires,omitempty"`
}

// handlePendingBounties lists unsettled bounties the arbiter is working
// on; manual bounties only show up once they have a truth value.
func (s *Server) handlePendingBounties(w http.ResponseWriter, r *http.Request) {
	s.listBounties(w, func(b *types.Bounty) bool {
		return !b.Settled && (!b.TruthManual || b.TruthValue != nil)
	})
}

// handleManualBounties lists bounties waiting for an operator verdict.
func (s *Server) handleManualBounties(w http.ResponseWriter, r *http.Request) {
	s.listBounties(w, func(b *types.Bounty) bool {
		return b.TruthManual && !b.Settled
	})
}

func (s *Server) listBounties(w http.ResponseWriter, match func(*types.Bounty) bool) {
	all, err := s.store.ListBounties()
	if err != nil {
		s.logger.Error().Err(err).Msg("Bounty listing failed")
		writeError(w, http.StatusInternalServerError, "listing failed")
		return
	}
	views := []*bountyView{}
	for _, b := range all {
		if !match(b) {
			continue
		}
		view, err := s.gatherBounty(b, false)
		if err != nil {
			s.logger.Error().Err(err).Str("guid", b.GUID).Msg("Bounty render failed")
			writeError(w, http.StatusInternalServerError, "listing failed")
			return
		}
		views = append(views, view)
	}
	writeJSON(w, http.StatusOK, views)
}

// handleManualVerdict records the operator's verdicts for one bounty.
// Values are scored 0..100 like backend verdicts; 50 and up counts as
// malicious.
func (s *Server) handleManualVerdict(w http.ResponseWriter, r *http.Request) {
	guid := mux.Vars(r)["guid"]
	var req struct {
		Verdicts []int `json:"verdicts"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "no JSON POST body found")
		return
	}
	votes := make([]bool, len(req.Verdicts))
	for i, v := range req.Verdicts {
		if v < 0 || v > 100 {
			writeError(w, http.StatusBadRequest, "invalid verdict value")
			return
		}
		votes[i] = v >= types.VerdictMaybe
	}

	if err := s.settler.SettleManual(guid, votes); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no such bounty")
			return
		}
		writeError(w, http.StatusForbidden, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "OK"})
}

// handleArtifactChart renders processed-artifact counts per interval
// bucket over the last five days, with zero samples inserted around
// gaps so the chart drops to the axis instead of interpolating.
func (s *Server) handleArtifactChart(w http.ResponseWriter, r *http.Request) {
	step := int64(s.cfg.ArtifactInterval / time.Second)
	if step <= 0 {
		step = 900
	}
	now := time.Now().Unix()
	start := time.Now().Add(-chartLookback).Unix()

	rates, err := s.store.ArtifactRates(start / step)
	if err != nil {
		s.logger.Error().Err(err).Msg("Artifact rate scan failed")
		writeError(w, http.StatusInternalServerError, "scan failed")
		return
	}

	buckets := make([]int64, 0, len(rates))
	for bucket := range rates {
		buckets = append(buckets, bucket)
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i] < buckets[j] })

	data := [][2]int64{}
	var prev int64
	for i, bucket := range buckets {
		stamp := bucket * step
		if i > 0 {
			for _, gap := range gapSteps(prev, stamp, step) {
				data = append(data, [2]int64{gap, 0})
			}
		}
		data = append(data, [2]int64{stamp, int64(rates[bucket])})
		prev = stamp
	}
	if len(data) > 0 && now-prev > step {
		// Entries stopped coming in; close the series at zero.
		data = append(data, [2]int64{prev + step, 0}, [2]int64{now, 0})
	}
	if len(data) == 1 {
		data = append([][2]int64{{data[0][0] - step, 0}}, data...)
	}

	resp := map[string]interface{}{"start": start, "end": now, "data": data}
	if len(data) > 0 {
		resp["start"] = data[0][0]
		resp["end"] = data[len(data)-1][0]
	}
	writeJSON(w, http.StatusOK, resp)
}

// gapSteps returns the zero samples to insert between two observed
// buckets: the step right after the previous one and the step right
// before the current one.
func gapSteps(prev, cur, step int64) []int64 {
	var steps []int64
	next := prev + step
	if next < cur {
		steps = append(steps, next)
	}
	last := cur - step
	if next != last && last > prev {
		steps = append(steps, last)
	}
	return steps
}
