package database

import (
	"context"
	"errors"
	"time"
)

var (
	ErrTimeout      = errors.New("operation timed out")
	ErrExportFailed = errors.New("export failed")
	ErrImportFailed = errors.New("import failed")

	// ErrPartialRestoreUnsupported is returned by engines whose dump format
	// cannot be restored table by table.
	ErrPartialRestoreUnsupported = errors.New("partial restore not supported")
)

// Database is one logical database that can be exported and imported.
//
// Dump and Restore work on whole-database exports in the engine's native
// format. DumpChanges and ApplyChanges work on deltas: the rows changed
// after a point in time, applied as upserts.
type Database interface {
	Name() string
	Engine() string
	// Tables lists the tables currently present, sorted.
	Tables(ctx context.Context) ([]string, error)
	Dump(ctx context.Context) ([]byte, error)
	DumpChanges(ctx context.Context, since time.Time) ([]byte, error)
	// Restore replaces the given tables (all tables of the dump when nil)
	// with their content in dump.
	Restore(ctx context.Context, dump []byte, tables []string) error
	// ApplyChanges upserts a delta produced by DumpChanges, limited to the
	// given tables when non-nil.
	ApplyChanges(ctx context.Context, delta []byte, tables []string) error
	DropTables(ctx context.Context, tables []string) error
}

// Qualify prefixes a table name with its database, giving the logical unit
// name recorded in backup metadata.
func Qualify(db, table string) string { return db + "." + table }
