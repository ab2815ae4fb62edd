// Package s3backend runs the upload session protocol on S3 multipart uploads.
// A session is a multipart upload, a part is an S3 part whose ETag is its id,
// and commit completes the upload.
package s3backend

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/bitrise-io/go-uploadsession/chunkupload"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
)

const (
	numRetries       = 3
	retryWait        = 5 * time.Second
	maxParts         = 10000
	listPageSize     = 1000
	sessionType      = "s3_multipart_upload"
	endpointScheme   = "s3"
	uploadIDParam    = "uploadId"
	partSizeRounding = 1024 * 1024
)

// Client is the subset of the S3 API the backend uses.
type Client interface {
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	ListParts(ctx context.Context, params *s3.ListPartsInput, optFns ...func(*s3.Options)) (*s3.ListPartsOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// Backend implements chunkupload.API on top of an S3 bucket.
type Backend struct {
	client      Client
	bucket      string
	prefix      string
	concurrency int
	logger      log.Logger
	retryWait   time.Duration
}

var _ chunkupload.API = (*Backend)(nil)

// New ...
func New(client Client, bucket, prefix string, concurrency int, logger log.Logger) *Backend {
	return &Backend{
		client:      client,
		bucket:      bucket,
		prefix:      strings.Trim(prefix, "/"),
		concurrency: concurrency,
		logger:      logger,
		retryWait:   retryWait,
	}
}

// CreateSession starts a multipart upload. The object key is the folder and file name under
// the backend prefix; a new version of FileID overwrites the object at that key.
func (b *Backend) CreateSession(ctx context.Context, req chunkupload.CreateSessionRequest) (chunkupload.Session, error) {
	if req.FileSize <= 0 {
		return chunkupload.Session{}, &chunkupload.Error{Kind: chunkupload.ErrSessionCreate, Op: chunkupload.OpCreateSession,
			Err: fmt.Errorf("file size must be positive, got %d", req.FileSize)}
	}

	key := req.FileID
	if key == "" {
		if req.FileName == "" {
			return chunkupload.Session{}, &chunkupload.Error{Kind: chunkupload.ErrSessionCreate, Op: chunkupload.OpCreateSession,
				Err: errors.New("file name must not be empty")}
		}
		key = path.Join(b.prefix, req.FolderID, req.FileName)
	}

	out, err := b.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:            aws.String(b.bucket),
		Key:               aws.String(key),
		ChecksumAlgorithm: types.ChecksumAlgorithmSha1,
	})
	if err != nil {
		return chunkupload.Session{}, classify(ctx, chunkupload.OpCreateSession, chunkupload.ErrSessionCreate, err)
	}

	layout, err := chunkupload.NewLayout(req.FileSize, PartSize(req.FileSize, b.concurrency))
	if err != nil {
		return chunkupload.Session{}, &chunkupload.Error{Kind: chunkupload.ErrSessionCreate, Op: chunkupload.OpCreateSession, Err: err}
	}

	uploadID := aws.ToString(out.UploadId)
	b.logger.Debugf("Started multipart upload %s for s3://%s/%s", uploadID, b.bucket, key)

	return chunkupload.Session{
		ID:         uploadID,
		Type:       sessionType,
		TotalParts: layout.TotalParts,
		PartSize:   layout.PartSize,
		Endpoints:  endpoints(b.bucket, key, uploadID),
	}, nil
}

// GetSession reports the number of uploaded parts. A completed or aborted upload is expired.
func (b *Backend) GetSession(ctx context.Context, session chunkupload.Session) (chunkupload.Session, error) {
	parts, err := b.listParts(ctx, session, chunkupload.OpStatus)
	if err != nil {
		return chunkupload.Session{}, err
	}
	session.NumPartsProcessed = len(parts)
	return session, nil
}

// ListParts ...
func (b *Backend) ListParts(ctx context.Context, session chunkupload.Session) ([]chunkupload.Part, error) {
	return b.listParts(ctx, session, chunkupload.OpListParts)
}

func (b *Backend) listParts(ctx context.Context, session chunkupload.Session, op string) ([]chunkupload.Part, error) {
	target, err := parseEndpoint(session.Endpoints.ListParts)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	var parts []chunkupload.Part
	var marker *string
	for {
		out, err := b.client.ListParts(ctx, &s3.ListPartsInput{
			Bucket:           aws.String(target.bucket),
			Key:              aws.String(target.key),
			UploadId:         aws.String(target.uploadID),
			MaxParts:         aws.Int32(listPageSize),
			PartNumberMarker: marker,
		})
		if err != nil {
			return nil, classify(ctx, op, nil, err)
		}

		for _, p := range out.Parts {
			part, err := fromS3Part(session.PartSize, p)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", op, err)
			}
			parts = append(parts, part)
		}

		if !aws.ToBool(out.IsTruncated) || out.NextPartNumberMarker == nil {
			return parts, nil
		}
		marker = out.NextPartNumberMarker
	}
}

// UploadPart uploads one part with its SHA-1 checksum; S3 rejects a body that does not match it.
func (b *Backend) UploadPart(ctx context.Context, session chunkupload.Session, req chunkupload.PartRequest) (chunkupload.Part, error) {
	partErr := func(err error) error {
		var e *chunkupload.Error
		if errors.As(err, &e) {
			e.PartNumber = req.Index + 1
			e.Offset = req.Offset
		}
		return err
	}

	target, err := parseEndpoint(session.Endpoints.UploadPart)
	if err != nil {
		return chunkupload.Part{}, partErr(&chunkupload.Error{Kind: chunkupload.ErrInvalidPart, Op: chunkupload.OpUploadPart, Err: err})
	}

	out, err := b.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:            aws.String(target.bucket),
		Key:               aws.String(target.key),
		UploadId:          aws.String(target.uploadID),
		PartNumber:        aws.Int32(int32(req.Index + 1)),
		Body:              req.Body,
		ContentLength:     aws.Int64(req.Size),
		ChecksumAlgorithm: types.ChecksumAlgorithmSha1,
		ChecksumSHA1:      aws.String(req.Digest.Base64()),
	})
	if err != nil {
		return chunkupload.Part{}, partErr(classify(ctx, chunkupload.OpUploadPart, chunkupload.ErrPartTransfer, err))
	}

	part := chunkupload.Part{ID: aws.ToString(out.ETag), Offset: req.Offset, Size: req.Size, Digest: req.Digest}
	if out.ChecksumSHA1 != nil {
		confirmed, err := chunkupload.ParseDigest(aws.ToString(out.ChecksumSHA1))
		if err != nil {
			return chunkupload.Part{}, partErr(&chunkupload.Error{Kind: chunkupload.ErrInvalidPart, Op: chunkupload.OpUploadPart, Err: err})
		}
		part.Digest = confirmed
	}
	return part, nil
}

// Commit completes the multipart upload. S3 assembles synchronously, so the answer is never pending.
// If-Match and If-None-Match are checked against the current object before completing.
func (b *Backend) Commit(ctx context.Context, session chunkupload.Session, req chunkupload.CommitRequest) (chunkupload.CommitResponse, error) {
	target, err := parseEndpoint(session.Endpoints.Commit)
	if err != nil {
		return chunkupload.CommitResponse{}, &chunkupload.Error{Kind: chunkupload.ErrCommit, Op: chunkupload.OpCommit, Err: err}
	}

	if err := b.checkPreconditions(ctx, target, req); err != nil {
		return chunkupload.CommitResponse{}, err
	}

	completed := make([]types.CompletedPart, 0, len(req.Parts))
	var size int64
	for i, p := range req.Parts {
		completed = append(completed, types.CompletedPart{
			ETag:         aws.String(p.ID),
			PartNumber:   aws.Int32(int32(i + 1)),
			ChecksumSHA1: aws.String(p.Digest.Base64()),
		})
		size += p.Size
	}

	var out *s3.CompleteMultipartUploadOutput
	err = retry.Times(numRetries).TryWithAbort(func(attempt uint) (error, bool) {
		if err := b.waitBeforeAttempt(ctx, chunkupload.OpCommit, attempt); err != nil {
			return err, true
		}

		var completeErr error
		out, completeErr = b.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
			Bucket:          aws.String(target.bucket),
			Key:             aws.String(target.key),
			UploadId:        aws.String(target.uploadID),
			MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
		})
		if completeErr != nil {
			mapped := classify(ctx, chunkupload.OpCommit, chunkupload.ErrCommit, completeErr)
			return mapped, !retryable(mapped)
		}
		return nil, true
	})
	if err != nil {
		return chunkupload.CommitResponse{}, err
	}

	b.logger.Debugf("Completed multipart upload %s: %s", target.uploadID, aws.ToString(out.Location))

	return chunkupload.CommitResponse{
		State: chunkupload.CommitDone,
		File: &chunkupload.File{
			ID:   target.key,
			Type: "file",
			Name: path.Base(target.key),
			Size: size,
			ETag: aws.ToString(out.ETag),
		},
	}, nil
}

func (b *Backend) checkPreconditions(ctx context.Context, target endpoint, req chunkupload.CommitRequest) error {
	if req.IfMatch == "" && req.IfNoneMatch == "" {
		return nil
	}

	exists := true
	var etag string
	head, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(target.bucket),
		Key:    aws.String(target.key),
	})
	if err != nil {
		var notFound *types.NotFound
		if !errors.As(err, &notFound) {
			return classify(ctx, chunkupload.OpCommit, chunkupload.ErrCommit, err)
		}
		exists = false
	} else {
		etag = aws.ToString(head.ETag)
	}

	failed := func(msg string) error {
		return &chunkupload.Error{Kind: chunkupload.ErrCommit, Op: chunkupload.OpCommit, Status: 412,
			Server: &chunkupload.ServerError{Code: "precondition_failed", Message: msg}}
	}
	if req.IfMatch != "" && (!exists || !etagEqual(etag, req.IfMatch)) {
		return failed("If-Match does not match the current etag")
	}
	if exists && (req.IfNoneMatch == "*" || etagEqual(etag, req.IfNoneMatch)) {
		return failed("If-None-Match matched an existing object")
	}
	return nil
}

// Abort aborts the multipart upload. An upload that no longer exists counts as aborted.
func (b *Backend) Abort(ctx context.Context, session chunkupload.Session) error {
	target, err := parseEndpoint(session.Endpoints.Abort)
	if err != nil {
		return &chunkupload.Error{Kind: chunkupload.ErrAbort, Op: chunkupload.OpAbort, Err: err}
	}

	return retry.Times(numRetries).TryWithAbort(func(attempt uint) (error, bool) {
		if err := b.waitBeforeAttempt(ctx, chunkupload.OpAbort, attempt); err != nil {
			return err, true
		}

		_, err := b.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(target.bucket),
			Key:      aws.String(target.key),
			UploadId: aws.String(target.uploadID),
		})
		if err == nil {
			return nil, true
		}
		mapped := classify(ctx, chunkupload.OpAbort, chunkupload.ErrAbort, err)
		if errors.Is(mapped, chunkupload.ErrSessionExpired) {
			return nil, true
		}
		return mapped, !retryable(mapped)
	})
}

// waitBeforeAttempt waits retryWait before every attempt but the first one,
// and stops early when ctx is done.
func (b *Backend) waitBeforeAttempt(ctx context.Context, op string, attempt uint) error {
	if attempt > 0 && b.retryWait > 0 {
		b.logger.Debugf("Retrying %s in %s (attempt %d/%d)", op, b.retryWait, attempt+1, numRetries+1)
		timer := time.NewTimer(b.retryWait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return &chunkupload.Error{Kind: chunkupload.ErrCancelled, Op: op, Err: err}
	}
	return nil
}

// PartSize picks the part size for a file: the client side optimum, raised so the
// upload stays within the S3 part count limit.
func PartSize(fileSize int64, concurrency int) int64 {
	size := chunkupload.OptimalPartSize(fileSize, concurrency)
	if (fileSize+size-1)/size > maxParts {
		size = (fileSize + maxParts - 1) / maxParts
		size = (size + partSizeRounding - 1) / partSizeRounding * partSizeRounding
	}
	return size
}

func fromS3Part(partSize int64, p types.Part) (chunkupload.Part, error) {
	number := aws.ToInt32(p.PartNumber)
	if number < 1 {
		return chunkupload.Part{}, fmt.Errorf("invalid part number %d", number)
	}
	part := chunkupload.Part{
		ID:     aws.ToString(p.ETag),
		Offset: int64(number-1) * partSize,
		Size:   aws.ToInt64(p.Size),
	}
	if p.ChecksumSHA1 != nil {
		digest, err := chunkupload.ParseDigest(aws.ToString(p.ChecksumSHA1))
		if err != nil {
			return chunkupload.Part{}, fmt.Errorf("part %d: %w", number, err)
		}
		part.Digest = digest
	}
	return part, nil
}

func etagEqual(a, b string) bool {
	return strings.Trim(a, `"`) == strings.Trim(b, `"`)
}

// endpoint is a multipart upload addressed as s3://bucket/key?uploadId=id.
type endpoint struct {
	bucket   string
	key      string
	uploadID string
}

func endpoints(bucket, key, uploadID string) chunkupload.Endpoints {
	u := url.URL{
		Scheme:   endpointScheme,
		Host:     bucket,
		Path:     "/" + key,
		RawQuery: url.Values{uploadIDParam: []string{uploadID}}.Encode(),
	}
	s := u.String()
	return chunkupload.Endpoints{ListParts: s, Commit: s, UploadPart: s, Status: s, Abort: s}
}

func parseEndpoint(s string) (endpoint, error) {
	u, err := url.Parse(s)
	if err != nil {
		return endpoint{}, fmt.Errorf("parse endpoint %q: %w", s, err)
	}
	e := endpoint{bucket: u.Host, key: strings.TrimPrefix(u.Path, "/"), uploadID: u.Query().Get(uploadIDParam)}
	if u.Scheme != endpointScheme || e.bucket == "" || e.key == "" || e.uploadID == "" {
		return endpoint{}, fmt.Errorf("not a multipart upload endpoint: %q", s)
	}
	return e, nil
}

// SessionByID rebuilds the descriptor of a multipart upload known by key and upload id.
// With a zero fileSize the part geometry is left empty; that is enough to query, list or abort.
func (b *Backend) SessionByID(key, uploadID string, fileSize int64) (chunkupload.Session, error) {
	session := chunkupload.Session{
		ID:        uploadID,
		Type:      sessionType,
		Endpoints: endpoints(b.bucket, key, uploadID),
	}
	if fileSize == 0 {
		return session, nil
	}

	layout, err := chunkupload.NewLayout(fileSize, PartSize(fileSize, b.concurrency))
	if err != nil {
		return chunkupload.Session{}, err
	}
	session.TotalParts = layout.TotalParts
	session.PartSize = layout.PartSize
	return session, nil
}
