package chunkupload

import (
	"context"
	"time"
)

// Checkpoint is the persisted state of an upload, enough to continue it after a restart.
// Digests are not persisted; a resumed upload recomputes them from the source.
type Checkpoint struct {
	Key       string           `json:"key"`
	Session   Session          `json:"session"`
	FileSize  int64            `json:"file_size"`
	Parts     []PartDescriptor `json:"parts,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

// CheckpointStore persists checkpoints.
type CheckpointStore interface {
	// Load returns nil and no error when there is no checkpoint for key.
	Load(ctx context.Context, key string) (*Checkpoint, error)
	// Save stores the checkpoint's session metadata. Parts are recorded separately.
	Save(ctx context.Context, checkpoint Checkpoint) error
	// RecordPart adds an acknowledged part. It may be called concurrently.
	RecordPart(ctx context.Context, key string, part PartDescriptor) error
	Delete(ctx context.Context, key string) error
}
