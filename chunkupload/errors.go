package chunkupload

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Operation names used in errors and logs.
const (
	OpDigest        = "digest"
	OpCreateSession = "create_session"
	OpStatus        = "status"
	OpListParts     = "list_parts"
	OpUploadPart    = "upload_part"
	OpCommit        = "commit"
	OpAbort         = "abort"
)

var (
	// ErrIO is a local read failure while digesting or transferring.
	ErrIO = errors.New("local read failed")
	// ErrSessionCreate means the server refused to create an upload session.
	ErrSessionCreate = errors.New("upload session create failed")
	// ErrSessionExpired means the session is gone; a new session is needed.
	ErrSessionExpired = errors.New("upload session expired")
	// ErrPartTransfer is a network or server failure while transferring a part.
	ErrPartTransfer = errors.New("part transfer failed")
	// ErrDigestMismatch means the server confirmed a different content hash. It is never retried.
	ErrDigestMismatch = errors.New("digest mismatch")
	// ErrIncompleteUpload means commit was attempted before every part was acknowledged.
	ErrIncompleteUpload = errors.New("upload incomplete")
	// ErrRateLimited means the server kept answering 429 after the shared retry budget ran out.
	ErrRateLimited = errors.New("rate limited")
	// ErrMaxAttemptsExceeded means the commit backoff reached its ceiling.
	ErrMaxAttemptsExceeded = errors.New("max attempts exceeded")
	// ErrCommit means the server rejected the commit.
	ErrCommit = errors.New("commit failed")
	// ErrAbort means the server rejected the abort request.
	ErrAbort = errors.New("abort failed")
	// ErrCancelled means the caller interrupted the upload.
	ErrCancelled = errors.New("upload cancelled")
	// ErrInvalidPart means a part does not fit the session layout.
	ErrInvalidPart = errors.New("invalid part")
)

// ServerError is the error payload returned by the upload API.
type ServerError struct {
	Type      string `json:"type"`
	Status    int    `json:"status"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id"`

	// Raw holds the response body when it is not a JSON error payload.
	Raw string `json:"-"`
}

func (e *ServerError) String() string {
	if e == nil {
		return ""
	}
	if e.Code == "" && e.Message == "" {
		return e.Raw
	}
	s := e.Code
	if e.Message != "" {
		s += ": " + e.Message
	}
	if e.RequestID != "" {
		s += " (request " + e.RequestID + ")"
	}
	return s
}

// Error describes a failed protocol operation with enough context to diagnose it.
// Kind is one of the sentinel errors above, so errors.Is(err, ErrDigestMismatch) works.
type Error struct {
	Kind error
	Op   string
	// PartNumber is the 1-based part number, 0 when the error is not tied to a part.
	PartNumber int
	Offset     int64
	Status     int
	Server     *ServerError
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	b.WriteString(": ")
	b.WriteString(e.Kind.Error())
	if e.PartNumber > 0 {
		fmt.Fprintf(&b, " (part %d at offset %d)", e.PartNumber, e.Offset)
	}
	if e.Status != 0 {
		fmt.Fprintf(&b, ": HTTP %d", e.Status)
	}
	if s := e.Server.String(); s != "" {
		b.WriteString(": ")
		b.WriteString(s)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Temporary reports whether the failure is a transient part transfer failure
// that can be retried with the same byte range and digest.
func (e *Error) Temporary() bool {
	if e.Kind != ErrPartTransfer {
		return false
	}
	return e.Status == 0 || e.Status == http.StatusRequestTimeout || e.Status >= http.StatusInternalServerError
}

// IsTemporary ...
func IsTemporary(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Temporary()
}

func cancelled(op string, partIndex int, offset int64, cause error) *Error {
	return &Error{Kind: ErrCancelled, Op: op, PartNumber: partIndex + 1, Offset: offset, Err: cause}
}
