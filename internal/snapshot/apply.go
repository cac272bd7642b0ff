package snapshot

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// ApplyOptions narrows what Apply writes.
type ApplyOptions struct {
	// Units limits the restore to these "<database>.<table>" units. Nil
	// restores everything, including file-store objects.
	Units []string
	// SkipFiles leaves the file store untouched.
	SkipFiles bool
}

// Apply writes a payload to the target. Dumps replace their database (or the
// selected tables) wholesale; deltas are upserted. Objects are uploaded
// unless the restore is limited to units or SkipFiles is set.
func (t *Target) Apply(ctx context.Context, p *Payload, opts ApplyOptions) error {
	selected, err := selection(opts.Units)
	if err != nil {
		return err
	}

	for _, entry := range p.Manifest.Databases {
		db, ok := t.database(entry.Name)
		if !ok {
			return fmt.Errorf("%w: database %s", ErrUnknownTarget, entry.Name)
		}
		var tables []string
		if selected != nil {
			tables = intersect(selected[entry.Name], entry.Tables)
			if len(tables) == 0 {
				continue
			}
		}
		data := p.Databases[entry.Name]

		switch entry.Content {
		case ContentDelta:
			if err := db.ApplyChanges(ctx, data, tables); err != nil {
				return err
			}
		case ContentDump:
			if err := db.Restore(ctx, data, tables); err != nil {
				return err
			}
			if tables == nil {
				if err := t.dropExtra(ctx, entry); err != nil {
					return err
				}
			}
		default:
			return fmt.Errorf("%w: %s has content %q", ErrCorruptPayload, entry.Name, entry.Content)
		}
		t.log().Info("database applied", "database", entry.Name, "content", entry.Content, "tables", len(tables))
	}

	if opts.SkipFiles || opts.Units != nil {
		return nil
	}
	return t.upload(ctx, p)
}

// dropExtra removes tables created after the dump so that a wholesale
// restore leaves exactly the dumped tables behind.
func (t *Target) dropExtra(ctx context.Context, entry DatabaseEntry) error {
	db, _ := t.database(entry.Name)
	current, err := db.Tables(ctx)
	if err != nil {
		return err
	}
	var extra []string
	for _, tb := range current {
		if !contains(entry.Tables, tb) {
			extra = append(extra, tb)
		}
	}
	if len(extra) == 0 {
		return nil
	}
	t.log().Warn("dropping tables absent from backup", "database", entry.Name, "tables", extra)
	return db.DropTables(ctx, extra)
}

func (t *Target) upload(ctx context.Context, p *Payload) error {
	if len(p.Manifest.Files) == 0 {
		return nil
	}
	if t.Files == nil {
		return fmt.Errorf("%w: payload has %d objects but no file store is configured",
			ErrUnknownTarget, len(p.Manifest.Files))
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.workers())
	for _, f := range p.Manifest.Files {
		g.Go(func() error {
			data := p.Objects[objectPath(f.Bucket, f.Key)]
			if err := t.Files.Upload(gctx, f.Bucket, f.Key, data, f.ContentType); err != nil {
				return fmt.Errorf("upload %s/%s: %w", f.Bucket, f.Key, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	t.log().Info("objects restored", "count", len(p.Manifest.Files))
	return nil
}

func selection(units []string) (map[string][]string, error) {
	if units == nil {
		return nil, nil
	}
	out := make(map[string][]string)
	for _, u := range units {
		db, table, err := SplitUnit(u)
		if err != nil {
			return nil, err
		}
		out[db] = append(out[db], table)
	}
	return out, nil
}

func intersect(want, have []string) []string {
	var out []string
	for _, w := range want {
		if contains(have, w) {
			out = append(out, w)
		}
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
