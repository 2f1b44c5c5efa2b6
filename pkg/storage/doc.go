/*
Package storage provides BoltDB-backed persistence for arbiter state.

The storage package implements the Store interface using BoltDB, holding
bounties, artifacts, and per-backend artifact verdicts as JSON rows in
separate buckets, with index buckets for child lookups and a unique guid
index for idempotent bounty ingestion.

# Bucket Structure

	bounties             id → Bounty
	bounty_guids         guid → id          (unique constraint)
	artifacts            id → Artifact
	artifacts_by_bounty  (bounty id, artifact id) → ∅
	artifact_verdicts    id → ArtifactVerdict
	verdicts_by_artifact (artifact id, verdict id) → ∅

Composite index keys are big-endian, so prefix cursor scans return children
ordered by id. Truth-value encoding depends on that ordering.

# Locking Model

Every mutation is a read-modify-write closure executed inside a single
BoltDB write transaction. BoltDB admits one writer at a time, so a closure
observes the latest committed row and its changes land atomically: the
select-for-update semantics the state machine needs. Update closures may
return ErrUnchanged to abort without writing.

Scans (deadline candidates, counters) run in read transactions and see a
consistent point-in-time snapshot.
*/
package storage
