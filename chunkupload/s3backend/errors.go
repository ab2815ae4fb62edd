package s3backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-uploadsession/chunkupload"
)

// classify maps an S3 error onto the chunkupload error kinds.
// fallback is the kind of the operation's own failures and may be nil for queries.
func classify(ctx context.Context, op string, fallback error, err error) error {
	if ctx.Err() != nil {
		return &chunkupload.Error{Kind: chunkupload.ErrCancelled, Op: op, Err: ctx.Err()}
	}

	e := &chunkupload.Error{Kind: fallback, Op: op, Err: err}

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		e.Status = respErr.HTTPStatusCode()
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		e.Server = &chunkupload.ServerError{
			Type:    "error",
			Status:  e.Status,
			Code:    apiErr.ErrorCode(),
			Message: apiErr.ErrorMessage(),
		}
		if respErr != nil {
			e.Server.RequestID = respErr.ServiceRequestID()
		}

		switch apiErr.ErrorCode() {
		case "NoSuchUpload":
			e.Kind = chunkupload.ErrSessionExpired
		case "BadDigest", "InvalidDigest", "XAmzContentSHA256Mismatch":
			e.Kind = chunkupload.ErrDigestMismatch
		case "SlowDown", "Throttling", "ThrottlingException", "RequestLimitExceeded":
			e.Kind = chunkupload.ErrRateLimited
		case "InvalidPart", "InvalidPartOrder", "EntityTooSmall":
			e.Kind = chunkupload.ErrInvalidPart
		}
	} else if e.Status == http.StatusNotFound {
		e.Kind = chunkupload.ErrSessionExpired
	}

	if e.Kind == nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return e
}

// retryable reports whether a commit or abort failure is worth another attempt.
func retryable(err error) bool {
	var e *chunkupload.Error
	if !errors.As(err, &e) {
		return false
	}
	switch {
	case errors.Is(err, chunkupload.ErrCancelled),
		errors.Is(err, chunkupload.ErrSessionExpired),
		errors.Is(err, chunkupload.ErrDigestMismatch),
		errors.Is(err, chunkupload.ErrInvalidPart):
		return false
	case errors.Is(err, chunkupload.ErrRateLimited):
		return true
	}
	return e.Status == 0 || e.Status >= http.StatusInternalServerError
}
