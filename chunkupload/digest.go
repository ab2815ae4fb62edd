package chunkupload

import (
	"context"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"strings"
)

const digestBufferSize = 256 * 1024

// Digest is a SHA-1 content hash of a whole file or of a single part.
type Digest [sha1.Size]byte

// Base64 ...
func (d Digest) Base64() string {
	return base64.StdEncoding.EncodeToString(d[:])
}

// Hex ...
func (d Digest) Hex() string {
	return hex.EncodeToString(d[:])
}

// Header formats the digest as an integrity header value ("sha=" + base64).
func (d Digest) Header() string {
	return "sha=" + d.Base64()
}

// IsZero reports whether the digest is unset.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

func (d Digest) String() string {
	return d.Base64()
}

// ParseDigest decodes a base64 encoded SHA-1 digest.
func ParseDigest(s string) (Digest, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return Digest{}, fmt.Errorf("decode digest %q: %w", s, err)
	}
	return digestFromBytes(b)
}

// ParseHexDigest decodes a hex encoded SHA-1 digest.
func ParseHexDigest(s string) (Digest, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Digest{}, fmt.Errorf("decode digest %q: %w", s, err)
	}
	return digestFromBytes(b)
}

// ParseDigestHeader parses an integrity header value of the form "sha=<base64>".
func ParseDigestHeader(h string) (Digest, error) {
	algorithm, value, ok := strings.Cut(strings.TrimSpace(h), "=")
	if !ok || !strings.EqualFold(algorithm, "sha") {
		return Digest{}, fmt.Errorf("unsupported digest header %q", h)
	}
	return ParseDigest(value)
}

func digestFromBytes(b []byte) (Digest, error) {
	var d Digest
	if len(b) != len(d) {
		return Digest{}, fmt.Errorf("digest has %d bytes, expected %d", len(b), len(d))
	}
	copy(d[:], b)
	return d, nil
}

// Digests holds the whole-file digest and one digest per part, in part order.
// It is computed once before any part is transferred and never modified afterwards.
type Digests struct {
	File  Digest
	Parts []Digest
}

// ComputeDigests reads fileSize bytes from r exactly once, from start to end, and
// returns the whole-file digest together with one digest per partSize window.
// A source that ends before fileSize bytes were read fails with ErrIO.
func ComputeDigests(ctx context.Context, r io.Reader, fileSize, partSize int64) (Digests, error) {
	layout, err := NewLayout(fileSize, partSize)
	if err != nil {
		return Digests{}, err
	}

	h := newPartHasher(partSize, layout.TotalParts)
	src := &contextReader{ctx: ctx, r: io.LimitReader(r, fileSize)}
	n, err := io.CopyBuffer(h, src, make([]byte, digestBufferSize))
	if err != nil {
		if ctx.Err() != nil {
			return Digests{}, &Error{Kind: ErrCancelled, Op: OpDigest, Offset: n, Err: ctx.Err()}
		}
		return Digests{}, &Error{Kind: ErrIO, Op: OpDigest, Offset: n, Err: err}
	}
	if n != fileSize {
		return Digests{}, &Error{Kind: ErrIO, Op: OpDigest, Offset: n,
			Err: fmt.Errorf("read %d of %d bytes: %w", n, fileSize, io.ErrUnexpectedEOF)}
	}

	return h.sum(), nil
}

// partHasher keeps a running whole-file hash and rolls a fresh part hash
// every partSize bytes.
type partHasher struct {
	partSize int64
	file     hash.Hash
	part     hash.Hash
	written  int64
	parts    []Digest
}

func newPartHasher(partSize int64, expectedParts int) *partHasher {
	return &partHasher{
		partSize: partSize,
		file:     sha1.New(),
		part:     sha1.New(),
		parts:    make([]Digest, 0, expectedParts),
	}
}

func (h *partHasher) Write(p []byte) (int, error) {
	total := len(p)
	h.file.Write(p)

	for len(p) > 0 {
		n := int64(len(p))
		if remaining := h.partSize - h.written; n > remaining {
			n = remaining
		}
		h.part.Write(p[:n])
		h.written += n
		p = p[n:]

		if h.written == h.partSize {
			h.rollPart()
		}
	}

	return total, nil
}

func (h *partHasher) rollPart() {
	var d Digest
	copy(d[:], h.part.Sum(nil))
	h.parts = append(h.parts, d)
	h.part.Reset()
	h.written = 0
}

func (h *partHasher) sum() Digests {
	if h.written > 0 {
		h.rollPart()
	}
	var file Digest
	copy(file[:], h.file.Sum(nil))
	return Digests{File: file, Parts: h.parts}
}
