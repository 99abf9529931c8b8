// Package storage keeps the raw uploaded archives until their build has run.
package storage

import (
	"context"
	"encoding/hex"
	"hash"
	"io"

	"github.com/zeebo/blake3"
)

const contentType = "application/zip"

// Archive describes a stored upload.
type Archive struct {
	Size   int64
	Digest string
}

// ArchiveStore never overwrites: storing an id twice is a conflict.
type ArchiveStore interface {
	Put(ctx context.Context, id string, r io.Reader, size int64) (*Archive, error)
	// Fetch makes the archive available as a local file. release must be
	// called once the caller is done with path.
	Fetch(ctx context.Context, id string) (path string, release func(), err error)
	Delete(ctx context.Context, id string) error
}

func objectName(id string) string {
	return id + ".zip"
}

// digestReader hashes everything read through it.
type digestReader struct {
	r io.Reader
	h hash.Hash
	n int64
}

func newDigestReader(r io.Reader) *digestReader {
	return &digestReader{r: r, h: blake3.New()}
}

func (d *digestReader) Read(p []byte) (int, error) {
	n, err := d.r.Read(p)
	if n > 0 {
		d.h.Write(p[:n])
		d.n += int64(n)
	}
	return n, err
}

func (d *digestReader) archive() *Archive {
	return &Archive{Size: d.n, Digest: hex.EncodeToString(d.h.Sum(nil))}
}
