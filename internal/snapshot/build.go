package snapshot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kebairia/drbackup/internal/filestore"
	"github.com/kebairia/drbackup/internal/record"
)

const manifestVersion = 1

var ErrMissingSince = errors.New("change-based backup needs a base time")

// Request selects what Build captures. Since is the cut-off for
// incremental and differential payloads.
type Request struct {
	Type  record.Type
	Since time.Time
	Now   time.Time
}

// Build captures the target according to the request type.
func (t *Target) Build(ctx context.Context, req Request) (*Payload, error) {
	now := req.Now
	if now.IsZero() {
		now = time.Now()
	}
	b := &builder{
		ctx: ctx,
		t:   t,
		req: req,
		p: &Payload{
			Manifest:  Manifest{Version: manifestVersion, Type: req.Type, CreatedAt: now.UTC()},
			Databases: make(map[string][]byte),
			Objects:   make(map[string][]byte),
		},
	}
	if err := req.Type.Accept(b); err != nil {
		return nil, err
	}
	sortFiles(b.p.Manifest.Files)
	t.log().Info("payload built",
		"type", req.Type,
		"databases", len(b.p.Manifest.Databases),
		"objects", len(b.p.Manifest.Files),
	)
	return b.p, nil
}

type builder struct {
	ctx context.Context
	t   *Target
	req Request
	p   *Payload
}

var _ record.TypeVisitor = (*builder)(nil)

func (b *builder) Full() error {
	if err := b.databases(false); err != nil {
		return err
	}
	return b.files(time.Time{})
}

func (b *builder) Incremental() error { return b.changes() }

func (b *builder) Differential() error { return b.changes() }

func (b *builder) Snapshot() error { return b.databases(false) }

func (b *builder) changes() error {
	if b.req.Since.IsZero() {
		return fmt.Errorf("%s: %w", b.req.Type, ErrMissingSince)
	}
	since := b.req.Since.UTC()
	b.p.Manifest.Since = &since
	if err := b.databases(true); err != nil {
		return err
	}
	return b.files(since)
}

func (b *builder) databases(delta bool) error {
	for _, db := range b.t.Databases {
		tables, err := db.Tables(b.ctx)
		if err != nil {
			return err
		}
		var (
			data    []byte
			content = ContentDump
		)
		if delta {
			content = ContentDelta
			data, err = db.DumpChanges(b.ctx, b.req.Since)
		} else {
			data, err = db.Dump(b.ctx)
		}
		if err != nil {
			return err
		}
		b.p.Databases[db.Name()] = data
		b.p.Manifest.Databases = append(b.p.Manifest.Databases, DatabaseEntry{
			Name:    db.Name(),
			Engine:  db.Engine(),
			Content: content,
			Tables:  tables,
		})
	}
	return nil
}

// files downloads every object modified after since (all objects when since
// is zero), at most Workers at a time.
func (b *builder) files(since time.Time) error {
	fs := b.t.Files
	if fs == nil {
		return nil
	}
	buckets, err := fs.ListBuckets(b.ctx)
	if err != nil {
		return fmt.Errorf("list buckets: %w", err)
	}

	var entries []FileEntry
	for _, bucket := range buckets {
		objs, err := fs.ListObjects(b.ctx, bucket)
		if err != nil {
			return fmt.Errorf("list %s: %w", bucket, err)
		}
		for _, o := range objs {
			if !since.IsZero() && !o.LastModified.After(since) {
				continue
			}
			entries = append(entries, FileEntry{
				Bucket:      bucket,
				Key:         o.Key,
				Size:        o.Size,
				ContentType: o.ContentType,
			})
		}
	}

	bodies, err := download(b.ctx, fs, entries, b.t.workers())
	if err != nil {
		return err
	}
	for i, e := range entries {
		b.p.Objects[objectPath(e.Bucket, e.Key)] = bodies[i]
	}
	b.p.Manifest.Files = append(b.p.Manifest.Files, entries...)
	return nil
}

func download(ctx context.Context, fs filestore.Store, entries []FileEntry, workers int) ([][]byte, error) {
	bodies := make([][]byte, len(entries))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, e := range entries {
		g.Go(func() error {
			data, err := fs.Download(gctx, e.Bucket, e.Key)
			if err != nil {
				return fmt.Errorf("download %s/%s: %w", e.Bucket, e.Key, err)
			}
			bodies[i] = data
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return bodies, nil
}
