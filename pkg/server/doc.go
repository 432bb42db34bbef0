// Package server exposes the memory service over HTTP: the write and
// search surface, the telemetry endpoints the watch tooling polls, the
// agent task queue API, and the feedback store.
//
// Every collaborator arrives through Deps; a nil entry disables its
// routes with a clear error instead of panicking, so a deployment can
// run a subset of the service (for example search-only, or queue-only).
package server
