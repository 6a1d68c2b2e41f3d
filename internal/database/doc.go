// Package database provides the PostgreSQL connection pool used to record
// inbound frames, and the schema that recording depends on.
package database
