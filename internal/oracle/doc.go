// Package oracle wraps the external transcript-discovery API. The provider
// answers one question per call: for an (equity, quarter, year), is a
// transcript available, upcoming, or absent.
//
// All calls pass through a process-wide token bucket. A 429 from the
// provider halves the bucket's rate; the first success afterwards doubles it
// back, bounded by the configured QPS.
package oracle
