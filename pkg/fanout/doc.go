// Package fanout drains the durable outbox into the configured sink
// targets.
//
// Layout:
//
//	+-----------+     +-----------------------------------------+
//	|  ingest   | --> | Signaler (bounded wake channel)         |
//	+-----------+     +-----------------------------------------+
//	                        |
//	                        v
//	+---------------------------------------------------------------+
//	| Pool (general: all targets except archival)                   |
//	| Pool (archival: bounded, backpressure-aware)                  |
//	|   claim batch -> group by target -> chunk -> rate limit ->    |
//	|   deliver -> settle (success / retry / fail / disable)        |
//	+---------------------------------------------------------------+
//	                        |
//	                        v
//	+-----------+  +--------+  +----------+  +----------+  +-------+
//	|  raw KV   |  | vector |  | analytic |  | archival |  | obs.  |
//	+-----------+  +--------+  +----------+  +----------+  +-------+
//
// Flow control happens in three places. Admission runs before enqueue
// and sheds archival work when the backlog crosses its soft or hard
// limit. Per-target rate limiters pace delivery. Backpressure pauses
// workers for configured targets when the wake channel fills past the
// watermark, with the pause scaling up to the configured maximum as
// the channel approaches full.
//
// Error classification decides what happens to a failed chunk. Poison
// rows (payload no longer decodes) and rows for disabled sinks fail
// terminally. Archival errors with a permanent shape, or a transient
// streak crossing the disable threshold, flip the archival kill switch
// and fail the whole archival backlog at once. Analytic errors that
// look like file corruption are treated as degraded success when
// fail-open is set. Everything else retries with exponential backoff.
package fanout
