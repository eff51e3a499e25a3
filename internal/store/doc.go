// Package store holds the persistence backends of the engine: an atomic JSON
// snapshot file and a SQLite database that also keeps result history.
package store

import "taskflow/internal/core"

var (
	_ core.Persister  = (*FileStore)(nil)
	_ core.Persister  = (*SQLiteStore)(nil)
	_ core.ResultSink = (*SQLiteStore)(nil)
)
