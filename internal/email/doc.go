// Package email drains the notification outbox. Rows are claimed like queue
// messages but persist as email_outbox so the UI can inspect delivery state.
// Transport goes through the Sender interface; the production implementation
// speaks SMTP via go-mail. Transient SMTP failures reschedule with
// exponential backoff up to eight attempts, then the row is marked dead.
package email
