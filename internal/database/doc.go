// Package database provides the PostgreSQL connection pool for the
// optional quote archive. The relay itself keeps all live state in
// memory; the pool exists only so the archive writer has somewhere to
// persist quote flow for offline analysis.
package database
