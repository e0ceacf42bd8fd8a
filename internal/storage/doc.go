// Package storage is the durable post repository.
//
// It is the single source of truth for post state: all cross-component
// coordination (sweep claims, cancellation, vote writes) goes through its
// compare-and-set primitive. Votes live in their own table so a late vote
// can never invalidate a pending status claim on the same row.
package storage
