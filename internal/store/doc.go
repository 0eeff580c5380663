// Package store persists all pipeline state in a single SQLite database and
// exposes the claim/ack primitives the scheduler, queue broker, and worker
// pools are built on.
//
// Every cross-component state transition commits here: equities and their
// watchlist/group membership, fetch-schedule rows, transcripts and their
// append-only observation events, analysis jobs and results, the email
// outbox, group research runs, and the durable queue messages themselves.
// Contended paths run either inside one transaction that selects and then
// updates the claimed rows (schedule claim, queue claim, outbox claim) or as
// a single UPDATE...WHERE statement (analysis reservation).
//
// Schema changes are additive migration files under migrations/; the runner
// records applied versions in schema_migrations. Treat this package as the
// single source of truth for persistence semantics; update the migration
// files and the scanners together.
package store
