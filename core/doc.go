// Package core defines the domain model shared by the lookout stages.
//
// The package provides:
//   - Event types (AnomalyEvent, EnrichedEvent) and resolved identity
//   - Correlation keys and the canonical Incident record
//   - The error taxonomy used across ingestion, enrichment and emission
//   - Concurrency primitives: the key-partitioned worker pool and the
//     circuit breaker guarding the device registry
package core
