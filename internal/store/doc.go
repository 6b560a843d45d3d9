// Package store defines the persistence contract for raw records, processed
// records and the source-run audit log. Implementations live under
// internal/storage; this package must not import database drivers or
// concrete clients.
package store
