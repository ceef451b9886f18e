// Package sqlstore implements core.Store on database/sql.
//
// Two dialects are supported: SQLite through the pure Go modernc.org/sqlite
// driver and PostgreSQL through pgx's database/sql adapter. Queries are
// written with '?' placeholders and rebound for PostgreSQL. Timestamps are
// taken from the store clock and stored as RFC 3339 text so both dialects
// share one schema.
//
// The invocation feed polls the invocations table for rows appended after
// the subscription started.
package sqlstore
