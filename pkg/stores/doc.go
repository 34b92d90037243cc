// Package stores provides the run history store.
// It includes a SQLite-based store with WAL mode, embedded migrations and
// operations for runs, step outcomes, events and audit entries.
package stores
