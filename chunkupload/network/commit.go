package network

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/bitrise-io/go-uploadsession/chunkupload"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/samber/lo"
)

type commitPart struct {
	PartID string `json:"part_id"`
	Offset int64  `json:"offset"`
	Size   int64  `json:"size"`
}

type commitRequest struct {
	Parts      []commitPart           `json:"parts"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

type commitResponse struct {
	TotalCount int                `json:"total_count"`
	Entries    []chunkupload.File `json:"entries"`
}

// Commit submits the manifest. A 202 answer is returned as CommitPending with the
// server's Retry-After hint rather than as an error.
func (c *Client) Commit(ctx context.Context, session chunkupload.Session, req chunkupload.CommitRequest) (chunkupload.CommitResponse, error) {
	body, err := json.Marshal(commitRequest{
		Parts: lo.Map(req.Parts, func(p chunkupload.Part, _ int) commitPart {
			return commitPart{PartID: p.ID, Offset: p.Offset, Size: p.Size}
		}),
		Attributes: req.Attributes,
	})
	if err != nil {
		return chunkupload.CommitResponse{}, err
	}

	resp, err := c.do(ctx, http.MethodPost, session.Endpoints.Commit, body, func(r *retryablehttp.Request) {
		r.Header.Set("Content-Type", "application/json")
		r.Header.Set("Digest", req.FileDigest.Header())
		if req.IfMatch != "" {
			r.Header.Set("If-Match", req.IfMatch)
		}
		if req.IfNoneMatch != "" {
			r.Header.Set("If-None-Match", req.IfNoneMatch)
		}
		c.dumpRequest("Commit", r)
	})
	if err != nil {
		return chunkupload.CommitResponse{}, requestError(ctx, chunkupload.OpCommit, chunkupload.ErrCommit, err)
	}
	defer c.closeBody(resp.Body)
	c.dumpResponse("Commit", resp)

	switch resp.StatusCode {
	case http.StatusAccepted:
		return chunkupload.CommitResponse{
			State:      chunkupload.CommitPending,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
		}, nil
	case http.StatusOK, http.StatusCreated:
		var decoded commitResponse
		if err := readJSON(resp, &decoded); err != nil {
			return chunkupload.CommitResponse{}, &chunkupload.Error{Kind: chunkupload.ErrCommit, Op: chunkupload.OpCommit,
				Status: resp.StatusCode, Err: fmt.Errorf("decode file: %w", err)}
		}
		if len(decoded.Entries) == 0 {
			return chunkupload.CommitResponse{}, &chunkupload.Error{Kind: chunkupload.ErrCommit, Op: chunkupload.OpCommit,
				Status: resp.StatusCode, Err: fmt.Errorf("no file in commit response")}
		}
		file := decoded.Entries[0]
		return chunkupload.CommitResponse{State: chunkupload.CommitDone, File: &file}, nil
	default:
		return chunkupload.CommitResponse{}, statusError(resp, chunkupload.OpCommit, chunkupload.ErrCommit)
	}
}
