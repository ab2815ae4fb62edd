package chunkupload

import "fmt"

// PartDescriptor is the wire shape of an uploaded part.
type PartDescriptor struct {
	PartID string `json:"part_id"`
	Offset int64  `json:"offset"`
	Size   int64  `json:"size"`
	SHA1   string `json:"sha1,omitempty"`
}

// Part decodes the descriptor. The digest is parsed here once, so a Part
// always carries a valid Digest.
func (d PartDescriptor) Part() (Part, error) {
	if d.Size <= 0 || d.Offset < 0 {
		return Part{}, fmt.Errorf("part %s has invalid range offset=%d size=%d", d.PartID, d.Offset, d.Size)
	}
	p := Part{ID: d.PartID, Offset: d.Offset, Size: d.Size}
	if d.SHA1 != "" {
		digest, err := ParseDigest(d.SHA1)
		if err != nil {
			return Part{}, fmt.Errorf("part %s: %w", d.PartID, err)
		}
		p.Digest = digest
	}
	return p, nil
}

// Part is a server-acknowledged part: one entry of the Ledger.
type Part struct {
	ID     string
	Offset int64
	Size   int64
	Digest Digest
}

// End returns the offset of the first byte after the part.
func (p Part) End() int64 {
	return p.Offset + p.Size
}

// Descriptor ...
func (p Part) Descriptor() PartDescriptor {
	d := PartDescriptor{PartID: p.ID, Offset: p.Offset, Size: p.Size}
	if !p.Digest.IsZero() {
		d.SHA1 = p.Digest.Base64()
	}
	return d
}

// File is the file entity produced by a successful commit.
type File struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Name string `json:"name"`
	Size int64  `json:"size"`
	// SHA1 is hex encoded.
	SHA1 string `json:"sha1,omitempty"`
	ETag string `json:"etag,omitempty"`
}
