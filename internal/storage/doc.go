// Package storage persists notification schedules and push subscriptions.
//
// Backends share one contract (Store) so the evaluator and dispatcher do not
// care whether state lives in memory, in a journal file or in SQLite.
package storage
