/*
Package types defines the core data structures used throughout the arbiter.

This package contains the domain model shared by all other packages: bounties,
artifacts, per-backend artifact verdicts, expert assertions, and the constants
that govern job status and verdict encoding.

# Data Model

A bounty is the unit of work the arbiter is paid for. Each bounty references
one or more artifacts (files, addressed by content hash), and each artifact
fans out into one ArtifactVerdict row per configured analysis backend:

	Bounty 1 ──┬── Artifact 1 ──┬── ArtifactVerdict (backend A)
	           │                ├── ArtifactVerdict (backend B)
	           │                └── ArtifactVerdict (backend C)
	           └── Artifact 2 ──┬── ArtifactVerdict (backend A)
	                            └── ...

# Verdict Encoding

Backend verdicts are integer percentages in [0,100]; nil means the backend
abstained. A verdict of 50 (VerdictMaybe) or above counts as malicious.
The aggregated per-artifact verdict uses the same encoding.

# Job Status

ArtifactVerdict rows move through a small DAG with no back-edges:

	new → submitting → {pending, done, failed}
	                     pending → {done, failed}

# Bounty Phases

Bounties carry three monotone phase flags (voted, revealed, settled), each of
which moves false→true at most once. TruthValue, once set, is immutable.
A bounty whose status is finished or aborted is terminal.
*/
package types
