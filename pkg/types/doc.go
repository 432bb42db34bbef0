/*
Package types defines the core data structures used throughout engram.

This package contains the fundamental types of the memory orchestration
domain: memory events, fanout targets and retrieval sources, outbox jobs,
agent tasks, feedback entries, and search results. Every other package
builds on these types for persistence, wire encoding, and worker logic.

# Core Types

Memory pipeline:
  - MemoryEvent: one accepted memory write (stable content-derived id,
    normalized project/file coordinates, summary, topic path and tags)
  - Target: a fanout destination (raw, vector, sql, archival, observability)
  - Source: a retrieval origin (vector, raw, analytic, archival,
    canonical-lexical)

Durable outbox:
  - OutboxJob: a per-target delivery row with attempt accounting
  - OutboxStatus: pending, retrying, running, succeeded, failed

Task queue:
  - Task: a durable unit of agent work with lease and approval state
  - TaskStatus: queued, blocked, approved, running, succeeded, failed,
    canceled
  - TaskAction: the allowlisted payload kinds an executor may dispatch
  - RiskLevel: low/medium/high, derived from the action and used for the
    approval gate
  - TaskEvent: one audit-trail row per transition

Learning:
  - Feedback: a rated or sentiment-tagged preference signal
  - SearchResult: a scored row from one retrieval source, carrying the
    merge identity used to fold rows across sources

# Identity

Event ids are content-derived so replays dedupe naturally:

	hash := types.ContentHash(content)
	id := types.EventID(project, file, hash)

A SearchResult merges across sources by project:file when both are set,
otherwise by a digest of its summary (MergeKey).

# State Machines

Outbox rows:

	pending → running → succeeded
	            ↓
	        retrying → running → ... → failed (attempts exhausted)

A row stuck in running past the staleness threshold is recovered to
retrying. Terminal rows (succeeded, failed) only leave their state
through an explicit requeue.

Tasks:

	queued → running → succeeded
	queued → approved → running → failed | canceled

Every task starts queued; a task whose approval gate is unsatisfied is
skipped by claims until approved. Workers that find a claimed task
unapproved may park it as blocked. Terminal tasks (succeeded, failed,
canceled) change status only through replay.

# Errors

The error taxonomy mirrors what the HTTP layer needs to pick a status
code: sentinel errors (ErrNotFound, ErrUnauthorized, ErrQueueSaturated,
ErrTimeout, ErrIntegrity), ValidationError for malformed input, and
UpstreamError for backend failures with a permanent/transient
classification that retry loops consult via IsPermanent.

# Thread Safety

Types here are plain data. They are safe for concurrent reads; any
mutation must be synchronized by the owning subsystem. The durable
stores hand out fresh copies rather than shared pointers.
*/
package types
