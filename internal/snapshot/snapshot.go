// Package snapshot encodes captured file content into content-addressed blobs.
//
// The digest is always computed over the uncompressed bytes that were kept
// after applying the size cap, so identical captures from different hosts
// map to the same key no matter which encoding was chosen.
package snapshot

import (
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/gabriel-vasile/mimetype"
)

const (
	EncodingGzip     = "gzip"
	EncodingIdentity = "identity"

	// DefaultCap applies when Options.Cap is not positive.
	DefaultCap int64 = 1 << 20

	gzipLevel = 6
)

// ErrCorrupt is returned by Decode when the stored bytes do not match
// the recorded digest or length.
var ErrCorrupt = errors.New("snapshot: corrupt blob")

// Options controls how raw bytes are turned into a Blob.
type Options struct {
	Cap      int64
	Compress bool
}

// Blob is an encoded snapshot ready to be stored.
type Blob struct {
	Digest         string
	Encoding       string
	Data           []byte
	StoredLength   int64 // decompressed length of the kept content
	OriginalLength int64 // length before truncation
	Truncated      bool
	ContentKind    string
}

// Digest returns the hex SHA-256 of b.
func Digest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Encode truncates raw to the cap, digests what is kept and compresses it
// when that makes the payload smaller.
func Encode(raw []byte, opts Options) (Blob, error) {
	limit := opts.Cap
	if limit <= 0 {
		limit = DefaultCap
	}

	kept := raw
	truncated := false
	if int64(len(raw)) > limit {
		kept = raw[:limit]
		truncated = true
	}

	blob := Blob{
		Digest:         Digest(kept),
		Encoding:       EncodingIdentity,
		Data:           kept,
		StoredLength:   int64(len(kept)),
		OriginalLength: int64(len(raw)),
		Truncated:      truncated,
		ContentKind:    mimetype.Detect(kept).String(),
	}

	if !opts.Compress || len(kept) == 0 {
		return blob, nil
	}

	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzipLevel)
	if err != nil {
		return Blob{}, fmt.Errorf("gzip writer: %w", err)
	}
	if _, err := zw.Write(kept); err != nil {
		return Blob{}, fmt.Errorf("gzip write: %w", err)
	}
	if err := zw.Close(); err != nil {
		return Blob{}, fmt.Errorf("gzip close: %w", err)
	}

	if buf.Len() < len(kept) {
		blob.Encoding = EncodingGzip
		blob.Data = buf.Bytes()
	}
	return blob, nil
}

// Decode returns the uncompressed content of b. It never returns more
// than StoredLength bytes and verifies the digest.
func Decode(b Blob) ([]byte, error) {
	var content []byte
	switch b.Encoding {
	case EncodingIdentity:
		content = b.Data
	case EncodingGzip:
		zr, err := gzip.NewReader(bytes.NewReader(b.Data))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		defer zr.Close()

		content, err = io.ReadAll(io.LimitReader(zr, b.StoredLength+1))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
	default:
		return nil, fmt.Errorf("%w: unknown encoding %q", ErrCorrupt, b.Encoding)
	}

	if int64(len(content)) != b.StoredLength {
		return nil, fmt.Errorf("%w: length %d, want %d", ErrCorrupt, len(content), b.StoredLength)
	}
	if Digest(content) != b.Digest {
		return nil, fmt.Errorf("%w: digest mismatch", ErrCorrupt)
	}
	return content, nil
}
