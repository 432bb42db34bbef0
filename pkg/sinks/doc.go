// Package sinks holds the client for every storage backend the fanout
// pipeline delivers to and the retrieval engine reads from.
//
// # Backends
//
//	┌────────────────┬──────────────────────────┬─────────────────────────────┐
//	│ client         │ protocol                 │ role                        │
//	├────────────────┼──────────────────────────┼─────────────────────────────┤
//	│ RawStore       │ MongoDB driver           │ full event documents        │
//	│ VectorStore    │ Qdrant-compatible REST   │ similarity search           │
//	│ AnalyticStore  │ SQL over HTTP            │ lexical LIKE search         │
//	│ ArchivalStore  │ agent passages REST      │ long-horizon passages       │
//	│ Observability  │ batch ingestion REST     │ trace events                │
//	│ Canonical      │ MCP JSON-RPC (HTTP/SSE)  │ source-of-truth file tree   │
//	└────────────────┴──────────────────────────┴─────────────────────────────┘
//
// A Registry bundles the configured clients; a nil field disables the
// matching fanout target.
//
// # Conventions
//
// Every HTTP backend reports failures as *types.UpstreamError with the
// status code and a Permanent flag (400/404/422 and shape errors), so
// the fanout error classifier can decide between retry and deadletter
// without inspecting backend-specific strings.
//
// Vector points are keyed by a UUID derived from (project, file), so a
// rewrite of the same file replaces its point instead of accumulating
// duplicates. Topic scoping relies on topic_tags carrying every path
// prefix: one tag equality is a prefix filter.
//
// Archival passages open with a "project=⟨p⟩ file=⟨f⟩ topic=⟨t⟩" header
// line that ParseHeader recovers at retrieval time.
//
// # Embeddings
//
// EmbeddingClient calls an OpenAI-compatible provider under a strict
// timeout with an LRU response cache. On any failure it degrades to a
// deterministic SHA-256 expansion (FallbackEmbedding) instead of
// returning an error; the same text always produces the same vector on
// both the write and the query side, so degraded periods stay
// self-consistent.
package sinks
