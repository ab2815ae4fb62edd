package chunkupload

import (
	"fmt"
	"sync"
)

// Ledger records the parts the server acknowledged, one slot per part index.
// Slots are written once; concurrent transfers of different indices never contend
// on anything but the slot they fill.
type Ledger struct {
	layout Layout

	mu       sync.Mutex
	parts    []Part
	filled   []bool
	count    int
	recorder func(index int, part Part)
}

// NewLedger creates an empty ledger for layout.
func NewLedger(layout Layout) *Ledger {
	return &Ledger{
		layout: layout,
		parts:  make([]Part, layout.TotalParts),
		filled: make([]bool, layout.TotalParts),
	}
}

// OnRecord registers fn to be called after a slot is filled.
// fn runs outside the ledger lock, on the goroutine that recorded the part.
func (l *Ledger) OnRecord(fn func(index int, part Part)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.recorder = fn
}

// Layout ...
func (l *Ledger) Layout() Layout {
	return l.layout
}

// Record fills slot index with part. The part must cover exactly the byte range
// of index. Recording an identical part again is a no-op; recording a different
// part into a filled slot fails.
func (l *Ledger) Record(index int, part Part) error {
	if index < 0 || index >= l.layout.TotalParts {
		return &Error{Kind: ErrInvalidPart, Op: OpUploadPart, PartNumber: index + 1, Offset: part.Offset,
			Err: fmt.Errorf("index out of range [0, %d)", l.layout.TotalParts)}
	}
	offset, size := l.layout.Part(index)
	if part.Offset != offset || part.Size != size {
		return &Error{Kind: ErrInvalidPart, Op: OpUploadPart, PartNumber: index + 1, Offset: offset,
			Err: fmt.Errorf("got range offset=%d size=%d, expected offset=%d size=%d", part.Offset, part.Size, offset, size)}
	}

	l.mu.Lock()
	if l.filled[index] {
		existing := l.parts[index]
		l.mu.Unlock()
		if existing == part {
			return nil
		}
		return &Error{Kind: ErrInvalidPart, Op: OpUploadPart, PartNumber: index + 1, Offset: offset,
			Err: fmt.Errorf("already recorded as part %s", existing.ID)}
	}
	l.parts[index] = part
	l.filled[index] = true
	l.count++
	recorder := l.recorder
	l.mu.Unlock()

	if recorder != nil {
		recorder(index, part)
	}
	return nil
}

// Get returns the part recorded at index.
func (l *Ledger) Get(index int) (Part, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if index < 0 || index >= len(l.parts) || !l.filled[index] {
		return Part{}, false
	}
	return l.parts[index], true
}

// Len returns the number of filled slots.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// Complete reports whether every part is recorded.
func (l *Ledger) Complete() bool {
	return l.Len() == l.layout.TotalParts
}

// Missing returns the indices of the unfilled slots in ascending order.
func (l *Ledger) Missing() []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.missingLocked()
}

func (l *Ledger) missingLocked() []int {
	var missing []int
	for i, ok := range l.filled {
		if !ok {
			missing = append(missing, i)
		}
	}
	return missing
}

// Parts returns the commit manifest in index order. It fails with ErrIncompleteUpload
// unless every slot is filled, and checks that the parts partition the file.
func (l *Ledger) Parts() ([]Part, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.count != l.layout.TotalParts {
		return nil, &Error{Kind: ErrIncompleteUpload, Op: OpCommit,
			Err: fmt.Errorf("%d of %d parts recorded, missing %v", l.count, l.layout.TotalParts, l.missingLocked())}
	}

	parts := make([]Part, len(l.parts))
	copy(parts, l.parts)

	var next int64
	for i, p := range parts {
		if p.Offset != next {
			return nil, &Error{Kind: ErrInvalidPart, Op: OpCommit, PartNumber: i + 1, Offset: p.Offset,
				Err: fmt.Errorf("expected part to start at offset %d", next)}
		}
		next = p.End()
	}
	if next != l.layout.FileSize {
		return nil, &Error{Kind: ErrInvalidPart, Op: OpCommit,
			Err: fmt.Errorf("parts cover %d of %d bytes", next, l.layout.FileSize)}
	}

	return parts, nil
}
