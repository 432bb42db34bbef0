// Package retrieval implements the federated read path: a staged
// fast/slow fetch across the configured backends, identity-based result
// merging with per-source weights, and learning rerank driven by the
// feedback store's preference context.
package retrieval
