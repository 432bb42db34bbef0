// Package ingest implements the memory write path.
//
// One Write call moves through a fixed sequence of gates before the
// event reaches the fanout outbox:
//
//	             ┌──────────────────────────────────────────────┐
//	  request ──>│ validate -> secret policy -> dedup -> raw    │
//	             │    |            |              |              │
//	             │    v            v              v              │
//	             │ hot file?  block/redact   window + latest     │
//	             └──────┬───────────────────────────────────────┘
//	                    │ cold                        hot
//	                    v                              v
//	             canonical write                 rollup buffer
//	                    │                              │
//	                    v                              v
//	             admission filter              periodic flusher
//	                    │                        (re-enters as
//	                    v                         _rollups/ doc)
//	             outbox enqueue ──> worker pools
//
// The raw store is written synchronously so a read-after-write sees the
// event even if every async path is backed up; when that write lands,
// the raw target is dropped from the fanout set. The canonical
// (memory-bank) write normally rides a bounded async queue: saturation
// rejects the request rather than silently dropping the write, since
// the canonical store is the one sink agents read back from directly.
//
// Hot files (suffix-matched, e.g. "__latest.json") short-circuit into
// the rollup buffer: the raw store keeps the latest copy, a periodic
// flusher emits one summarizing document per key, and the fanout
// targets only ever see the rollup, never the per-write churn.
package ingest
