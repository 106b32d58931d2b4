// Package archive persists the quote stream to PostgreSQL.
//
// Archiving is optional and strictly off the hot path: the relay keeps
// serving live data when the archive is disabled or the database is
// down. Quotes accumulate in memory and are written append-only with
// pgx batches, flushed on size or on a timer, with ON CONFLICT DO
// NOTHING so replays after a crash do not duplicate rows.
package archive
