// Package scheduler runs the periodic sweep that moves due posts through
// resolution and dispatch.
//
// # Sweep cycle
//
// Each sweep queries the repository for pending posts whose scheduled time
// has arrived, claims each via an atomic pending->resolving compare-and-set,
// resolves the approval decision from the vote tally at claim time, and
// either hands the post to the dispatcher or finalizes it as rejected.
// Losing a claim race is benign and logged at debug only.
//
// # Cadence
//
// The sweep trigger is a robfig/cron entry built from config (default
// "@every 30s"; any cron spec works, seconds field optional). Cadence is a
// tuning parameter, not a correctness requirement: overlapping sweeps are
// skipped, and claims keep concurrent sweeps from double-dispatching.
//
// # Restart recovery
//
// On start the service releases stale resolving claims (older than the claim
// grace) back to pending, so a crash mid-dispatch never strands a post.
package scheduler
