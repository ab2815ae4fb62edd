// Package chunkupload implements the chunked, resumable upload session protocol.
// A file is split into server-sized parts, each part is transferred and verified
// independently, and the parts are committed into a single file version.
package chunkupload

import (
	"fmt"
	"time"
)

// Endpoints are the per-operation URLs issued together with an upload session.
type Endpoints struct {
	ListParts  string `json:"list_parts"`
	Commit     string `json:"commit"`
	UploadPart string `json:"upload_part"`
	Status     string `json:"status"`
	Abort      string `json:"abort"`
}

// Session is the server-issued upload session descriptor.
// The server decides PartSize and TotalParts from the declared file size.
type Session struct {
	ID                string    `json:"id"`
	Type              string    `json:"type"`
	TotalParts        int       `json:"total_parts"`
	PartSize          int64     `json:"part_size"`
	NumPartsProcessed int       `json:"num_parts_processed"`
	ExpiresAt         time.Time `json:"session_expires_at"`
	Endpoints         Endpoints `json:"session_endpoints"`
}

// Expired reports whether the session is past its expiry. Sessions without an expiry never expire.
func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// Layout checks the session geometry against the local file size.
func (s Session) Layout(fileSize int64) (Layout, error) {
	layout, err := NewLayout(fileSize, s.PartSize)
	if err != nil {
		return Layout{}, fmt.Errorf("session %s: %w", s.ID, err)
	}
	if layout.TotalParts != s.TotalParts {
		return Layout{}, fmt.Errorf("session %s declares %d parts, but %d bytes in %d byte parts need %d",
			s.ID, s.TotalParts, fileSize, s.PartSize, layout.TotalParts)
	}
	return layout, nil
}

// Layout is the partitioning of a file into fixed-size parts.
// Every part has PartSize bytes except the last one, which holds the remainder.
type Layout struct {
	FileSize   int64
	PartSize   int64
	TotalParts int
}

// NewLayout ...
func NewLayout(fileSize, partSize int64) (Layout, error) {
	if fileSize <= 0 {
		return Layout{}, fmt.Errorf("file size must be positive, got %d", fileSize)
	}
	if partSize <= 0 {
		return Layout{}, fmt.Errorf("part size must be positive, got %d", partSize)
	}
	return Layout{
		FileSize:   fileSize,
		PartSize:   partSize,
		TotalParts: int((fileSize + partSize - 1) / partSize),
	}, nil
}

// Part returns the byte offset and length of the part at index.
func (l Layout) Part(index int) (offset, size int64) {
	offset = int64(index) * l.PartSize
	size = l.PartSize
	if index == l.TotalParts-1 {
		size = l.FileSize - offset
	}
	return offset, size
}

// IndexOf returns the index of the part starting at offset.
func (l Layout) IndexOf(offset int64) (int, bool) {
	if offset < 0 || offset >= l.FileSize || offset%l.PartSize != 0 {
		return 0, false
	}
	return int(offset / l.PartSize), true
}

// ContentRange formats the Content-Range header value of the part at index.
func (l Layout) ContentRange(index int) string {
	offset, size := l.Part(index)
	return contentRange(offset, size, l.FileSize)
}

func contentRange(offset, size, fileSize int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", offset, offset+size-1, fileSize)
}
