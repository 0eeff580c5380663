// Package analysis consumes analysis_request messages: it reserves the
// transcript, fetches and extracts its text, runs the language model, and
// records the result with usage counters. Completion fans out notification
// emails through the outbox and signals the group research coordinator.
//
// The reservation on Transcript.analysis_status guarantees at most one
// in-flight analysis per transcript even across process restarts; the
// idempotency key on transcript_analyses guarantees a crashed worker's retry
// converges on a single stored result.
package analysis
