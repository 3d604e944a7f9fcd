// Package stores provides the SQLite run ledger. Every deployment run is
// recorded with its reported output and the reconciler's state transitions;
// records and transitions are append-only. The schema is managed with
// embedded golang-migrate migrations.
package stores
