// Package store implements durable storage for raw observations and
// settlement records.
//
// Two backends share the Store interface:
//   - Postgres (pgxpool), the production store
//   - SQLite (sqlx over modernc.org/sqlite), for single-node deployments and tests
//
// Writes are idempotent on the natural key. Concurrent writers are serialized
// by the unique constraints and conditional upserts, never by application
// locks.
package store
