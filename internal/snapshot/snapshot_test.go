package snapshot

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestEncode_TruncatesToCap(t *testing.T) {
	raw := []byte(strings.Repeat("a", 100))

	blob, err := Encode(raw, Options{Cap: 40})
	if err != nil {
		t.Fatal(err)
	}
	if !blob.Truncated {
		t.Error("expected truncated=true")
	}
	if blob.StoredLength != 40 {
		t.Errorf("expected stored length 40, got %d", blob.StoredLength)
	}
	if blob.OriginalLength != 100 {
		t.Errorf("expected original length 100, got %d", blob.OriginalLength)
	}
	if blob.Digest != Digest(raw[:40]) {
		t.Error("digest must cover the kept bytes only")
	}

	content, err := Decode(blob)
	if err != nil {
		t.Fatal(err)
	}
	if len(content) != 40 {
		t.Errorf("decoded %d bytes, want 40", len(content))
	}
}

func TestEncode_NotTruncatedAtCap(t *testing.T) {
	raw := []byte("exactly-ten")[:10]
	blob, err := Encode(raw, Options{Cap: 10})
	if err != nil {
		t.Fatal(err)
	}
	if blob.Truncated {
		t.Error("content equal to the cap must not be truncated")
	}
}

func TestEncode_DefaultCap(t *testing.T) {
	raw := bytes.Repeat([]byte{'x'}, int(DefaultCap)+5)
	blob, err := Encode(raw, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if !blob.Truncated || blob.StoredLength != DefaultCap {
		t.Errorf("expected default cap truncation, got truncated=%v len=%d", blob.Truncated, blob.StoredLength)
	}
}

func TestEncode_CompressesWhenSmaller(t *testing.T) {
	raw := []byte(strings.Repeat("PermitRootLogin no\n", 200))

	blob, err := Encode(raw, Options{Cap: 1 << 20, Compress: true})
	if err != nil {
		t.Fatal(err)
	}
	if blob.Encoding != EncodingGzip {
		t.Fatalf("expected gzip encoding, got %s", blob.Encoding)
	}
	if len(blob.Data) >= len(raw) {
		t.Errorf("compressed data (%d) not smaller than raw (%d)", len(blob.Data), len(raw))
	}
	if !strings.HasPrefix(blob.ContentKind, "text/plain") {
		t.Errorf("expected text/plain content kind, got %q", blob.ContentKind)
	}

	content, err := Decode(blob)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(content, raw) {
		t.Error("round trip mismatch")
	}
}

func TestEncode_KeepsIdentityWhenCompressionDoesNotHelp(t *testing.T) {
	raw := []byte("ab")

	blob, err := Encode(raw, Options{Cap: 1024, Compress: true})
	if err != nil {
		t.Fatal(err)
	}
	if blob.Encoding != EncodingIdentity {
		t.Errorf("expected identity encoding for tiny input, got %s", blob.Encoding)
	}
}

func TestEncode_SameDigestRegardlessOfEncoding(t *testing.T) {
	raw := []byte(strings.Repeat("nameserver 10.0.0.1\n", 50))

	plain, err := Encode(raw, Options{Cap: 4096})
	if err != nil {
		t.Fatal(err)
	}
	packed, err := Encode(raw, Options{Cap: 4096, Compress: true})
	if err != nil {
		t.Fatal(err)
	}
	if plain.Digest != packed.Digest {
		t.Error("digest must not depend on encoding")
	}
}

func TestDecode_DetectsCorruption(t *testing.T) {
	blob, err := Encode([]byte("hello world"), Options{Cap: 1024})
	if err != nil {
		t.Fatal(err)
	}

	blob.Data = []byte("hello w0rld")
	if _, err := Decode(blob); !errors.Is(err, ErrCorrupt) {
		t.Errorf("expected ErrCorrupt, got %v", err)
	}

	blob.Encoding = "brotli"
	if _, err := Decode(blob); !errors.Is(err, ErrCorrupt) {
		t.Errorf("expected ErrCorrupt for unknown encoding, got %v", err)
	}
}
