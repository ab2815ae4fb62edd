package network

import (
	"context"
	"fmt"
	"net/http"

	"github.com/bitrise-io/go-uploadsession/chunkupload"
	"github.com/hashicorp/go-retryablehttp"
)

// partResponse accepts the descriptor both wrapped as {"part": {...}} and bare.
type partResponse struct {
	Wrapped *chunkupload.PartDescriptor `json:"part"`
	chunkupload.PartDescriptor
}

// UploadPart PUTs one part to the session's upload endpoint.
func (c *Client) UploadPart(ctx context.Context, session chunkupload.Session, req chunkupload.PartRequest) (chunkupload.Part, error) {
	partErr := func(e *chunkupload.Error) error {
		e.PartNumber = req.Index + 1
		e.Offset = req.Offset
		return e
	}

	resp, err := c.do(ctx, http.MethodPut, session.Endpoints.UploadPart, req.Body, func(r *retryablehttp.Request) {
		r.Header.Set("Content-Type", "application/octet-stream")
		r.Header.Set("Content-Range", req.ContentRange())
		r.Header.Set("Digest", req.Digest.Header())
		// Add Content-Length header manually because retryablehttp doesn't do it automatically
		r.Header.Set("Content-Length", fmt.Sprintf("%d", req.Size))
		r.ContentLength = req.Size
	})
	if err != nil {
		mapped := requestError(ctx, chunkupload.OpUploadPart, chunkupload.ErrPartTransfer, err)
		if e, ok := mapped.(*chunkupload.Error); ok {
			return chunkupload.Part{}, partErr(e)
		}
		return chunkupload.Part{}, mapped
	}
	defer c.closeBody(resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return chunkupload.Part{}, partErr(statusError(resp, chunkupload.OpUploadPart, chunkupload.ErrPartTransfer))
	}

	var decoded partResponse
	if err := readJSON(resp, &decoded); err != nil {
		return chunkupload.Part{}, partErr(&chunkupload.Error{Kind: chunkupload.ErrPartTransfer, Op: chunkupload.OpUploadPart,
			Status: resp.StatusCode, Err: fmt.Errorf("decode part: %w", err)})
	}
	descriptor := decoded.PartDescriptor
	if decoded.Wrapped != nil {
		descriptor = *decoded.Wrapped
	}

	part, err := descriptor.Part()
	if err != nil {
		return chunkupload.Part{}, partErr(&chunkupload.Error{Kind: chunkupload.ErrInvalidPart, Op: chunkupload.OpUploadPart,
			Status: resp.StatusCode, Err: err})
	}
	return part, nil
}
