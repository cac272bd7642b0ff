// Package snapshot turns the live state of the protected databases and file
// stores into a single compressed payload, and applies such payloads back.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kebairia/drbackup/internal/database"
	"github.com/kebairia/drbackup/internal/filestore"
	"github.com/kebairia/drbackup/internal/logger"
	"github.com/kebairia/drbackup/internal/record"
)

var (
	ErrCorruptPayload = errors.New("corrupt payload")
	ErrUnknownTarget  = errors.New("unknown restore target")
)

const defaultWorkers = 5

// Content kinds of a database entry.
const (
	ContentDump  = "dump"
	ContentDelta = "delta"
)

// Manifest describes what a payload holds.
type Manifest struct {
	Version   int             `json:"version"`
	Type      record.Type     `json:"type"`
	CreatedAt time.Time       `json:"created_at"`
	Since     *time.Time      `json:"since,omitempty"`
	Databases []DatabaseEntry `json:"databases"`
	Files     []FileEntry     `json:"files,omitempty"`
}

type DatabaseEntry struct {
	Name    string   `json:"name"`
	Engine  string   `json:"engine"`
	Content string   `json:"content"`
	Tables  []string `json:"tables"`
}

type FileEntry struct {
	Bucket      string `json:"bucket"`
	Key         string `json:"key"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type,omitempty"`
}

// Units returns the qualified logical units covered by the manifest, in
// database order.
func (m Manifest) Units() []string {
	var units []string
	for _, db := range m.Databases {
		for _, t := range db.Tables {
			units = append(units, database.Qualify(db.Name, t))
		}
	}
	return units
}

// HasFiles reports whether the payload carries file-store objects.
func (m Manifest) HasFiles() bool { return len(m.Files) > 0 }

// Target is the set of systems a payload is built from and applied to.
type Target struct {
	Databases []database.Database
	// Files may be nil when no file store is protected.
	Files   filestore.Store
	Workers int
	Logger  logger.Logger
}

func (t *Target) workers() int {
	if t.Workers <= 0 {
		return defaultWorkers
	}
	return t.Workers
}

func (t *Target) log() logger.Logger {
	if t.Logger == nil {
		return logger.Nop()
	}
	return t.Logger
}

func (t *Target) database(name string) (database.Database, bool) {
	for _, db := range t.Databases {
		if db.Name() == name {
			return db, true
		}
	}
	return nil, false
}

// Units lists the logical units currently present on the target.
func (t *Target) Units(ctx context.Context) ([]string, error) {
	var units []string
	for _, db := range t.Databases {
		tables, err := db.Tables(ctx)
		if err != nil {
			return nil, err
		}
		for _, tb := range tables {
			units = append(units, database.Qualify(db.Name(), tb))
		}
	}
	return units, nil
}

// SplitUnit splits "<database>.<table>" at the first dot.
func SplitUnit(unit string) (db, table string, err error) {
	i := strings.Index(unit, ".")
	if i <= 0 || i == len(unit)-1 {
		return "", "", fmt.Errorf("%w: malformed unit %q", ErrUnknownTarget, unit)
	}
	return unit[:i], unit[i+1:], nil
}

func objectPath(bucket, key string) string { return bucket + "/" + key }
