// Package database provides the PostgreSQL connection pool and schema for the
// message archive.
package database
