package chunkupload

import (
	"context"
	"io"
	"time"
)

// API is the transport the protocol runs over.
// Implementations translate server responses into the Err* kinds of this package.
type API interface {
	// CreateSession opens a session for a new file, or for a new version of FileID.
	CreateSession(ctx context.Context, req CreateSessionRequest) (Session, error)
	// GetSession queries the status endpoint. A gone session fails with ErrSessionExpired.
	GetSession(ctx context.Context, session Session) (Session, error)
	// ListParts returns every part the server has acknowledged, following pagination.
	ListParts(ctx context.Context, session Session) ([]Part, error)
	// UploadPart transfers one part and returns the server-confirmed descriptor.
	UploadPart(ctx context.Context, session Session, req PartRequest) (Part, error)
	// Commit submits the manifest. "Still processing" is a CommitPending response, not an error.
	Commit(ctx context.Context, session Session, req CommitRequest) (CommitResponse, error)
	// Abort releases the session. Aborting a gone session succeeds.
	Abort(ctx context.Context, session Session) error
}

// CreateSessionRequest ...
type CreateSessionRequest struct {
	FileName string
	FileSize int64
	FolderID string
	// FileID selects an existing file to upload a new version of.
	FileID string
}

// PartRequest is a single part transfer. Body is rewindable so transports can resend it.
type PartRequest struct {
	Index    int
	Offset   int64
	Size     int64
	FileSize int64
	Digest   Digest
	Body     io.ReadSeeker
}

// ContentRange formats the part's Content-Range header value.
func (r PartRequest) ContentRange() string {
	return contentRange(r.Offset, r.Size, r.FileSize)
}

// CommitRequest is the commit manifest. Parts are in index order.
type CommitRequest struct {
	Parts       []Part
	FileDigest  Digest
	Attributes  map[string]interface{}
	IfMatch     string
	IfNoneMatch string
}

// CommitState is the outcome of a single commit submission.
type CommitState int

const (
	// CommitDone means the file was assembled; File is set.
	CommitDone CommitState = iota
	// CommitPending means the server is still assembling the file and the commit must be resent.
	CommitPending
)

func (s CommitState) String() string {
	switch s {
	case CommitDone:
		return "done"
	case CommitPending:
		return "pending"
	default:
		return "unknown"
	}
}

// CommitResponse ...
type CommitResponse struct {
	State CommitState
	// RetryAfter is the server's wait hint; zero when absent.
	RetryAfter time.Duration
	File       *File
}

// idleConnectionCloser is implemented by transports that keep pooled connections.
type idleConnectionCloser interface {
	CloseIdleConnections()
}
