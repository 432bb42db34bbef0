// Package outbox provides the durable fanout queue between the ingest
// pipeline and the delivery workers.
//
// # Architecture
//
//	┌─────────────────────────────────────────────────────────────┐
//	│                         Supervisor                          │
//	│                                                             │
//	│   ┌───────────────┐    disk I/O error    ┌───────────────┐  │
//	│   │    SQLite     │ ───────────────────▶ │     Mongo     │  │
//	│   │  (preferred)  │   one-way promotion  │  (fallback)   │  │
//	│   └───────────────┘                      └───────────────┘  │
//	│                                                             │
//	│   Summary cache: TTL + stale-read + background refresh      │
//	└─────────────────────────────────────────────────────────────┘
//	          ▲                                      │
//	          │ Enqueue (ingest)                     │ ClaimBatch (workers)
//	          │                                      ▼
//	   one row per (event, target)        running → succeeded
//	   dedupe_key = event_id:target               → retrying → …
//	                                              → failed (deadletter)
//
// # Row lifecycle
//
//	pending ──claim──▶ running ──success──▶ succeeded
//	   ▲                  │
//	   │                  ├──error──▶ retrying (backoff + jitter)
//	   │                  │               │ due
//	 requeue              │               └───────▶ claimed again
//	 (force)              └──max attempts / permanent──▶ failed
//
// Claims are atomic: a batch moves to running, attempts increments, and
// last_attempt_at is stamped inside one transaction. A worker crash
// leaves rows in running; RecoverStaleRunning returns them to retrying
// once they exceed the stale age.
//
// # Deduplication and coalescing
//
// Every row carries dedupe_key "<event_id>:<target>" under a unique
// index, so replaying an event is a no-op unless force-requeue is set.
// Rapid rewrites of the same (target, project, file) coalesce: within
// the coalesce window the newest pending or retrying row absorbs the
// fresh payload instead of growing the queue. Terminal rows are never
// coalesced onto, and running rows are skipped because their claimed
// snapshot would shadow the update.
//
// # Backends
//
// SQLite is the default: one WAL-mode file, a single serialized write
// connection, epoch-second timestamps. Mongo mirrors the same row shape
// with a counter-allocated numeric id and FindOneAndUpdate claims. The
// Supervisor promotes from SQLite to Mongo when operations return disk
// I/O or corruption errors ("database is locked" never promotes), and
// demotes to SQLite at startup when a preferred Mongo is unreachable.
//
// # Garbage collection
//
// GC deletes succeeded and failed rows past their retention, plus
// non-terminal rows for designated stale targets (an unreachable
// archival sink would otherwise pin its backlog forever). Timestamps
// fall back COALESCE-style: completed_at, then updated_at, then
// created_at. After deletions SQLite checkpoints the WAL and runs
// VACUUM once the deleted count crosses a threshold and the minimum
// interval since the last VACUUM has elapsed.
package outbox
