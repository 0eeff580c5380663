// Package scheduler maintains the fetch schedule and turns due rows into
// transcript_check messages.
//
// Every tracked (equity, quarter, year) owns exactly one schedule row.
// Watchlist equities poll ahead of group-only ones via integer priority
// lanes. After each poll the next check time follows the adaptive cadence in
// this package: minutes around an imminent earnings call, hours otherwise,
// exponential backoff under errors, all spread with uniform jitter so a
// large universe does not poll in lockstep.
//
// The scheduler never calls the oracle itself. It is stateless beyond the
// store, so a crash loses nothing; claimed rows resurface when their lease
// lapses.
package scheduler
