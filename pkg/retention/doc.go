// Package retention owns the maintenance loops: periodic outbox GC and
// sink retention sweeps that prune aged low-value records from the raw,
// vector and analytic stores. It also hosts the low-value classifier
// that archival admission consults on the write path.
package retention
