package snapshot

import (
	"archive/tar"
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/zstd"
)

const (
	manifestName = "manifest.json"
	dbPrefix     = "db/"
	filesPrefix  = "files/"
)

// Payload is the decoded content of a backup: the manifest, one export per
// database, and the file-store objects keyed by "<bucket>/<key>".
type Payload struct {
	Manifest  Manifest
	Databases map[string][]byte
	Objects   map[string][]byte
}

// Encode writes the payload as a zstd-compressed tar stream.
func Encode(p *Payload) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	if err != nil {
		return nil, fmt.Errorf("create zstd writer: %w", err)
	}
	if err := writeTar(zw, p); err != nil {
		zw.Close()
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compress payload: %w", err)
	}
	return buf.Bytes(), nil
}

func writeTar(w io.Writer, p *Payload) error {
	tw := tar.NewWriter(w)
	manifest, err := json.Marshal(p.Manifest)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := writeEntry(tw, manifestName, manifest); err != nil {
		return err
	}
	for _, db := range p.Manifest.Databases {
		data, ok := p.Databases[db.Name]
		if !ok {
			return fmt.Errorf("%w: no export for database %s", ErrCorruptPayload, db.Name)
		}
		if err := writeEntry(tw, dbPrefix+db.Name+"/"+db.Content, data); err != nil {
			return err
		}
	}
	for _, f := range p.Manifest.Files {
		path := objectPath(f.Bucket, f.Key)
		if err := writeEntry(tw, filesPrefix+path, p.Objects[path]); err != nil {
			return err
		}
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar: %w", err)
	}
	return nil
}

func writeEntry(tw *tar.Writer, name string, data []byte) error {
	hdr := &tar.Header{Name: name, Mode: 0o600, Size: int64(len(data)), Typeflag: tar.TypeReg}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write %s header: %w", name, err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

// Decode reads a payload written by Encode and checks it against its manifest.
func Decode(data []byte) (*Payload, error) {
	zr, err := zstd.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptPayload, err)
	}
	defer zr.Close()

	p := &Payload{Databases: make(map[string][]byte), Objects: make(map[string][]byte)}
	var sawManifest bool
	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCorruptPayload, err)
		}
		body, err := io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("%w: read %s: %w", ErrCorruptPayload, hdr.Name, err)
		}

		switch {
		case hdr.Name == manifestName:
			if err := json.Unmarshal(body, &p.Manifest); err != nil {
				return nil, fmt.Errorf("%w: manifest: %w", ErrCorruptPayload, err)
			}
			sawManifest = true
		case strings.HasPrefix(hdr.Name, dbPrefix):
			rest := strings.TrimPrefix(hdr.Name, dbPrefix)
			i := strings.LastIndex(rest, "/")
			if i <= 0 {
				return nil, fmt.Errorf("%w: bad entry %s", ErrCorruptPayload, hdr.Name)
			}
			p.Databases[rest[:i]] = body
		case strings.HasPrefix(hdr.Name, filesPrefix):
			p.Objects[strings.TrimPrefix(hdr.Name, filesPrefix)] = body
		default:
			return nil, fmt.Errorf("%w: unexpected entry %s", ErrCorruptPayload, hdr.Name)
		}
	}

	if !sawManifest {
		return nil, fmt.Errorf("%w: missing manifest", ErrCorruptPayload)
	}
	for _, db := range p.Manifest.Databases {
		if _, ok := p.Databases[db.Name]; !ok {
			return nil, fmt.Errorf("%w: missing export for %s", ErrCorruptPayload, db.Name)
		}
	}
	for _, f := range p.Manifest.Files {
		if _, ok := p.Objects[objectPath(f.Bucket, f.Key)]; !ok {
			return nil, fmt.Errorf("%w: missing object %s/%s", ErrCorruptPayload, f.Bucket, f.Key)
		}
	}
	return p, nil
}

func sortFiles(files []FileEntry) {
	sort.Slice(files, func(i, j int) bool {
		if files[i].Bucket != files[j].Bucket {
			return files[i].Bucket < files[j].Bucket
		}
		return files[i].Key < files[j].Key
	})
}
