package chunkupload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
)

// UploadRequest describes a file to upload.
type UploadRequest struct {
	Source   Source
	FileName string
	FolderID string
	// FileID uploads a new version of an existing file.
	FileID string
	Commit CommitOptions
	// CheckpointKey identifies the upload in the checkpoint store. Empty disables checkpoints.
	CheckpointKey string
}

// Result ...
type Result struct {
	Session Session
	File    *File
	Digests Digests
	// Resumed is the number of parts the server already had when the upload started.
	Resumed     int
	Transferred int
	Duration    time.Duration
}

// Uploader runs the whole protocol: create session, digest, transfer, commit.
type Uploader struct {
	api         API
	config      Config
	logger      log.Logger
	transferer  *Transferer
	committer   *Committer
	checkpoints CheckpointStore
	now         func() time.Time
}

// NewUploader ...
func NewUploader(api API, config Config) *Uploader {
	config = config.withDefaults()
	return &Uploader{
		api:        api,
		config:     config,
		logger:     config.Logger,
		transferer: NewTransferer(api, config),
		committer:  NewCommitter(api, config.Commit, config.Logger),
		now:        time.Now,
	}
}

// WithCheckpoints persists progress to store, so uploads can be resumed.
func (u *Uploader) WithCheckpoints(store CheckpointStore) *Uploader {
	u.checkpoints = store
	return u
}

// Stats returns the part transfer statistics.
func (u *Uploader) Stats() *Stats {
	return u.transferer.Stats()
}

// Upload uploads the request's source through a new session.
// On any failure before the commit finished, the session is aborted.
func (u *Uploader) Upload(ctx context.Context, req UploadRequest) (*Result, error) {
	if req.Source == nil {
		return nil, errors.New("no source")
	}
	fileSize := req.Source.Size()
	if fileSize <= 0 {
		return nil, fmt.Errorf("file size must be positive, got %d", fileSize)
	}

	u.logger.Debugf("Creating upload session for %s (%d bytes)", req.FileName, fileSize)
	session, err := u.api.CreateSession(ctx, CreateSessionRequest{
		FileName: req.FileName,
		FileSize: fileSize,
		FolderID: req.FolderID,
		FileID:   req.FileID,
	})
	if err != nil {
		return nil, err
	}
	u.logger.Debugf("Upload session %s: %d parts of %d bytes", session.ID, session.TotalParts, session.PartSize)

	if err := u.saveCheckpoint(ctx, req.CheckpointKey, session, fileSize); err != nil {
		u.logger.Warnf("Failed to save checkpoint: %s", err)
	}

	return u.run(ctx, session, req, nil)
}

// Resume continues the upload persisted under req.CheckpointKey. Without a usable
// checkpoint, or when its session is gone, it starts a new upload instead.
// Digests are recomputed from the source and the server's part list is authoritative.
func (u *Uploader) Resume(ctx context.Context, req UploadRequest) (*Result, error) {
	if u.checkpoints == nil || req.CheckpointKey == "" {
		return nil, errors.New("resume needs a checkpoint store and key")
	}
	if req.Source == nil {
		return nil, errors.New("no source")
	}

	cp, err := u.checkpoints.Load(ctx, req.CheckpointKey)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	if cp == nil {
		u.logger.Debugf("No checkpoint for %s, starting a new upload", req.CheckpointKey)
		return u.Upload(ctx, req)
	}

	if cp.FileSize != req.Source.Size() {
		u.logger.Warnf("Source changed size since the checkpoint (%d -> %d bytes), starting a new upload", cp.FileSize, req.Source.Size())
		Abort(ctx, u.api, cp.Session, u.logger)
		u.deleteCheckpoint(ctx, req.CheckpointKey)
		return u.Upload(ctx, req)
	}

	session, err := u.api.GetSession(ctx, cp.Session)
	if err == nil && session.Expired(u.now()) {
		err = &Error{Kind: ErrSessionExpired, Op: OpStatus, Err: fmt.Errorf("expired at %s", session.ExpiresAt)}
	}
	if errors.Is(err, ErrSessionExpired) {
		u.logger.Warnf("Upload session %s is gone, starting a new upload", cp.Session.ID)
		u.deleteCheckpoint(ctx, req.CheckpointKey)
		return u.Upload(ctx, req)
	}
	if err != nil {
		return nil, err
	}

	known, err := u.api.ListParts(ctx, session)
	if err != nil {
		if errors.Is(err, ErrSessionExpired) {
			u.deleteCheckpoint(ctx, req.CheckpointKey)
			return u.Upload(ctx, req)
		}
		u.logger.Warnf("Failed to list parts of session %s, using the checkpoint: %s", session.ID, err)
		known, err = partsFromDescriptors(cp.Parts)
		if err != nil {
			return nil, err
		}
	}

	u.logger.Infof("Resuming upload session %s: %d of %d parts already uploaded", session.ID, len(known), session.TotalParts)
	return u.run(ctx, session, req, known)
}

func (u *Uploader) run(ctx context.Context, session Session, req UploadRequest, known []Part) (*Result, error) {
	start := u.now()

	result, err := u.runSession(ctx, session, req, known)
	if err != nil {
		if keepSession(err) {
			if errors.Is(err, ErrSessionExpired) {
				u.deleteCheckpoint(ctx, req.CheckpointKey)
			}
			return nil, err
		}
		if closer, ok := u.api.(idleConnectionCloser); ok && ctx.Err() != nil {
			closer.CloseIdleConnections()
		}
		Abort(ctx, u.api, session, u.logger)
		u.deleteCheckpoint(ctx, req.CheckpointKey)
		return nil, err
	}

	u.deleteCheckpoint(ctx, req.CheckpointKey)
	result.Duration = u.now().Sub(start)
	return result, nil
}

// keepSession reports whether a failed session must not be aborted. A gone session
// cannot be aborted, and a commit that ran out of patience may still finish server side.
func keepSession(err error) bool {
	return errors.Is(err, ErrSessionExpired) || errors.Is(err, ErrMaxAttemptsExceeded)
}

func (u *Uploader) runSession(ctx context.Context, session Session, req UploadRequest, known []Part) (*Result, error) {
	fileSize := req.Source.Size()
	layout, err := session.Layout(fileSize)
	if err != nil {
		return nil, &Error{Kind: ErrSessionCreate, Op: OpCreateSession, Err: err}
	}

	u.logger.Debugf("Computing digests of %d parts", layout.TotalParts)
	digests, err := ComputeDigests(ctx, io.NewSectionReader(req.Source, 0, fileSize), fileSize, layout.PartSize)
	if err != nil {
		return nil, err
	}

	ledger := NewLedger(layout)
	for _, part := range known {
		index, part, err := verifyKnownPart(layout, digests, part)
		if err != nil {
			return nil, err
		}
		if err := ledger.Record(index, part); err != nil {
			return nil, err
		}
	}
	resumed := ledger.Len()

	if u.checkpoints != nil && req.CheckpointKey != "" {
		ledger.OnRecord(func(_ int, part Part) {
			if err := u.checkpoints.RecordPart(ctx, req.CheckpointKey, part.Descriptor()); err != nil {
				u.logger.Warnf("Failed to checkpoint part at offset %d: %s", part.Offset, err)
			}
		})
	}

	job := Job{
		Session: session,
		Source:  req.Source,
		Layout:  layout,
		Digests: digests,
		Ledger:  ledger,
	}
	missing := ledger.Missing()
	if err := u.transferer.TransferAll(ctx, job, missing); err != nil {
		return nil, err
	}

	u.logger.Debugf("All %d parts uploaded, committing session %s", layout.TotalParts, session.ID)
	file, err := u.committer.Commit(ctx, session, ledger, digests, req.Commit)
	if err != nil {
		return nil, err
	}

	return &Result{
		Session:     session,
		File:        file,
		Digests:     digests,
		Resumed:     resumed,
		Transferred: len(missing),
	}, nil
}

// verifyKnownPart maps a part the server already has onto the layout and checks it
// against the freshly computed digest.
func verifyKnownPart(layout Layout, digests Digests, part Part) (int, Part, error) {
	index, ok := layout.IndexOf(part.Offset)
	if !ok {
		return 0, Part{}, &Error{Kind: ErrInvalidPart, Op: OpListParts, Offset: part.Offset,
			Err: fmt.Errorf("offset is not a part boundary")}
	}
	if !part.Digest.IsZero() && part.Digest != digests.Parts[index] {
		return 0, Part{}, &Error{Kind: ErrDigestMismatch, Op: OpListParts, PartNumber: index + 1, Offset: part.Offset,
			Err: fmt.Errorf("server has %s, source now hashes to %s", part.Digest, digests.Parts[index])}
	}
	if part.Digest.IsZero() {
		part.Digest = digests.Parts[index]
	}
	return index, part, nil
}

func (u *Uploader) saveCheckpoint(ctx context.Context, key string, session Session, fileSize int64) error {
	if u.checkpoints == nil || key == "" {
		return nil
	}
	return u.checkpoints.Save(ctx, Checkpoint{
		Key:       key,
		Session:   session,
		FileSize:  fileSize,
		CreatedAt: u.now(),
	})
}

func (u *Uploader) deleteCheckpoint(ctx context.Context, key string) {
	if u.checkpoints == nil || key == "" {
		return
	}
	if err := u.checkpoints.Delete(context.WithoutCancel(ctx), key); err != nil {
		u.logger.Warnf("Failed to delete checkpoint: %s", err)
	}
}

func partsFromDescriptors(descriptors []PartDescriptor) ([]Part, error) {
	parts := make([]Part, 0, len(descriptors))
	for _, d := range descriptors {
		p, err := d.Part()
		if err != nil {
			return nil, err
		}
		parts = append(parts, p)
	}
	return parts, nil
}
