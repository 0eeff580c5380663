// Package services holds the shared plumbing used by every worker and
// external client: error classification markers, context annotation helpers,
// and the outcome taxonomy the queue consumers translate into acks, nacks,
// and durable state changes.
//
// Error handling convention: external clients (oracle, LLM providers, SMTP)
// wrap failures with one of the sentinel markers below via services.Wrap.
// Workers never branch on error strings; they call services.Classify and act
// on the returned Outcome. Anything unclassified is treated as transient so
// a bug in classification degrades into retries rather than data loss.
package services
