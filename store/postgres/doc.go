// Package postgres implements the job and schedule stores using pgx/v5
// with raw SQL. Features: SKIP LOCKED dequeue, per-job progress sequence
// counters, row-level schedule locks, embedded SQL migrations.
package postgres
