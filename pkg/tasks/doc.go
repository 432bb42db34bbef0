// Package tasks is the durable agent task queue. Tasks are created with
// an action allowlist and a risk-derived approval gate, claimed under
// expiring leases by internal or external workers, retried with backoff
// until attempts run out, and kept as a replayable deadletter once they
// fail for good. The executor dispatches claimed tasks into the memory
// write path, retrieval, the messaging interpreter, allowlisted HTTP
// callbacks and an OpenAI-compatible chat provider.
package tasks
