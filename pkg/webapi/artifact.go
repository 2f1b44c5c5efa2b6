package webapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/swarmwatch/arbiter/pkg/backends"
	"github.com/swarmwatch/arbiter/pkg/events"
	"github.com/swarmwatch/arbiter/pkg/storage"
	"github.com/swarmwatch/arbiter/pkg/types"
)

// handleUnassignedArtifacts lists artifact ids the calling backend has
// no job row for yet. Backends that poll instead of accepting pushes
// use this to find work.
func (s *Server) handleUnassignedArtifacts(w http.ResponseWriter, r *http.Request, backend backends.AnalysisBackend) {
	ids, err := s.store.ArtifactsWithoutVerdict(backend.Name())
	if err != nil {
		s.logger.Error().Err(err).Msg("Artifact scan failed")
		writeError(w, http.StatusInternalServerError, "scan failed")
		return
	}
	if ids == nil {
		ids = []uint64{}
	}
	writeJSON(w, http.StatusOK, ids)
}

// handleArtifactBody serves the locally cached artifact to a backend.
func (s *Server) handleArtifactBody(w http.ResponseWriter, r *http.Request, backend backends.AnalysisBackend) {
	id, _ := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	artifact, err := s.store.GetArtifact(id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no such artifact")
			return
		}
		s.logger.Error().Err(err).Uint64("artifact", id).Msg("Artifact lookup failed")
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	body, err := s.artifacts.Open(artifact.Hash)
	if err != nil {
		s.logger.Error().Err(err).Str("hash", artifact.Hash).Msg("Artifact body missing")
		writeError(w, http.StatusNotFound, "artifact body not available")
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	http.ServeContent(w, r, artifact.Name, artifact.ProcessedAt, body)
}

// handleVerdictCallback accepts an asynchronous verdict from a backend.
// The row transition itself happens on the bus so it serializes with
// the job engine's own bookkeeping.
func (s *Server) handleVerdictCallback(w http.ResponseWriter, r *http.Request, backend backends.AnalysisBackend) {
	id, _ := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)

	var req struct {
		VerdictValue *int            `json:"verdict_value"`
		Error        json.RawMessage `json:"error"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "no JSON POST body found")
		return
	}
	if req.VerdictValue != nil && (*req.VerdictValue < 0 || *req.VerdictValue > 100) {
		writeError(w, http.StatusBadRequest, "invalid verdict value")
		return
	}

	rows, err := s.store.ListVerdictsByArtifact(id)
	if err != nil {
		s.logger.Error().Err(err).Uint64("artifact", id).Msg("Verdict lookup failed")
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	var row *types.ArtifactVerdict
	for _, candidate := range rows {
		if candidate.Backend == backend.Name() {
			row = candidate
			break
		}
	}
	if row == nil {
		writeError(w, http.StatusNotFound, "artifact not found")
		return
	}
	if row.Status == types.JobStatusDone {
		writeError(w, http.StatusForbidden, "verdict already submitted")
		return
	}

	failed := len(req.Error) > 0 && string(req.Error) != "null" && string(req.Error) != "false"
	s.logger.Debug().Uint64("artifact", id).Str("backend", backend.Name()).
		Bool("failed", failed).Msg("Backend verdict received")
	s.bus.Publish(events.VerdictUpdateAsync{
		VerdictID: row.ID,
		Verdict:   req.VerdictValue,
		Failed:    failed,
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "OK"})
}
