// Package store persists scheduled delivery jobs in SQLite.
//
// It owns the job state machine: every status change goes through guarded
// transitions inside a transaction, so two concurrent writers can never
// interleave a job into an inconsistent state, and terminal jobs are never
// resurrected. The database file survives restarts; committed jobs are the
// durable source of truth the daemon replays after a crash.
package store
