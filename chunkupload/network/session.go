package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/bitrise-io/go-uploadsession/chunkupload"
	"github.com/hashicorp/go-retryablehttp"
)

const listPartsPageSize = 1000

type createSessionRequest struct {
	FolderID string `json:"folder_id,omitempty"`
	FileSize int64  `json:"file_size"`
	FileName string `json:"file_name,omitempty"`
}

type listPartsResponse struct {
	Entries    []chunkupload.PartDescriptor `json:"entries"`
	Offset     int                          `json:"offset"`
	Limit      int                          `json:"limit"`
	TotalCount int                          `json:"total_count"`
}

// CreateSession opens an upload session for a new file, or for a new version when FileID is set.
func (c *Client) CreateSession(ctx context.Context, req chunkupload.CreateSessionRequest) (chunkupload.Session, error) {
	url := fmt.Sprintf("%s/files/upload_sessions", c.baseURL)
	if req.FileID != "" {
		url = fmt.Sprintf("%s/files/%s/upload_sessions", c.baseURL, req.FileID)
	}

	body, err := json.Marshal(createSessionRequest{
		FolderID: req.FolderID,
		FileSize: req.FileSize,
		FileName: req.FileName,
	})
	if err != nil {
		return chunkupload.Session{}, err
	}

	resp, err := c.do(ctx, http.MethodPost, url, body, func(r *retryablehttp.Request) {
		r.Header.Set("Content-Type", "application/json")
		c.dumpRequest("Create session", r)
	})
	if err != nil {
		return chunkupload.Session{}, requestError(ctx, chunkupload.OpCreateSession, chunkupload.ErrSessionCreate, err)
	}
	defer c.closeBody(resp.Body)
	c.dumpResponse("Create session", resp)

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return chunkupload.Session{}, &chunkupload.Error{
			Kind:   chunkupload.ErrSessionCreate,
			Op:     chunkupload.OpCreateSession,
			Status: resp.StatusCode,
			Server: unwrapError(resp),
		}
	}

	var session chunkupload.Session
	if err := readJSON(resp, &session); err != nil {
		return chunkupload.Session{}, &chunkupload.Error{Kind: chunkupload.ErrSessionCreate, Op: chunkupload.OpCreateSession,
			Status: resp.StatusCode, Err: fmt.Errorf("decode session: %w", err)}
	}
	if _, err := session.Layout(req.FileSize); err != nil {
		return chunkupload.Session{}, &chunkupload.Error{Kind: chunkupload.ErrSessionCreate, Op: chunkupload.OpCreateSession,
			Status: resp.StatusCode, Err: err}
	}

	return session, nil
}

// GetSession queries the session status endpoint.
func (c *Client) GetSession(ctx context.Context, session chunkupload.Session) (chunkupload.Session, error) {
	resp, err := c.do(ctx, http.MethodGet, session.Endpoints.Status, nil, nil)
	if err != nil {
		return chunkupload.Session{}, requestError(ctx, chunkupload.OpStatus, nil, err)
	}
	defer c.closeBody(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return chunkupload.Session{}, queryError(resp, chunkupload.OpStatus)
	}

	var status chunkupload.Session
	if err := readJSON(resp, &status); err != nil {
		return chunkupload.Session{}, fmt.Errorf("decode session status: %w", err)
	}
	if status.Endpoints == (chunkupload.Endpoints{}) {
		status.Endpoints = session.Endpoints
	}
	return status, nil
}

// ListParts pages through the parts the server has acknowledged.
func (c *Client) ListParts(ctx context.Context, session chunkupload.Session) ([]chunkupload.Part, error) {
	base, err := url.Parse(session.Endpoints.ListParts)
	if err != nil {
		return nil, fmt.Errorf("parse list parts endpoint: %w", err)
	}

	var parts []chunkupload.Part
	for offset := 0; ; {
		query := base.Query()
		query.Set("offset", strconv.Itoa(offset))
		query.Set("limit", strconv.Itoa(listPartsPageSize))
		page := *base
		page.RawQuery = query.Encode()

		resp, err := c.do(ctx, http.MethodGet, page.String(), nil, nil)
		if err != nil {
			return nil, requestError(ctx, chunkupload.OpListParts, nil, err)
		}
		if resp.StatusCode != http.StatusOK {
			err := queryError(resp, chunkupload.OpListParts)
			c.closeBody(resp.Body)
			return nil, err
		}

		var list listPartsResponse
		err = readJSON(resp, &list)
		c.closeBody(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("decode parts: %w", err)
		}

		for _, d := range list.Entries {
			p, err := d.Part()
			if err != nil {
				return nil, err
			}
			parts = append(parts, p)
		}

		offset += len(list.Entries)
		if len(list.Entries) == 0 || offset >= list.TotalCount {
			return parts, nil
		}
	}
}

// Abort deletes the session. A session that is already gone counts as aborted.
func (c *Client) Abort(ctx context.Context, session chunkupload.Session) error {
	resp, err := c.do(ctx, http.MethodDelete, session.Endpoints.Abort, nil, nil)
	if err != nil {
		return requestError(ctx, chunkupload.OpAbort, chunkupload.ErrAbort, err)
	}
	defer c.closeBody(resp.Body)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusNotFound, http.StatusGone:
		return nil
	default:
		return &chunkupload.Error{Kind: chunkupload.ErrAbort, Op: chunkupload.OpAbort, Status: resp.StatusCode, Server: unwrapError(resp)}
	}
}

// queryError maps a failed read-only query.
func queryError(resp *http.Response, op string) error {
	e := statusError(resp, op, nil)
	if e.Kind == nil {
		return fmt.Errorf("%s: HTTP %d: %s", op, resp.StatusCode, e.Server)
	}
	return e
}

// requestError maps a failed round trip. kind may be nil for operations without their own kind.
func requestError(ctx context.Context, op string, kind error, err error) error {
	if ctx.Err() != nil {
		return &chunkupload.Error{Kind: chunkupload.ErrCancelled, Op: op, Err: ctx.Err()}
	}
	if errors.Is(err, chunkupload.ErrIO) {
		return err
	}
	if kind == nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return &chunkupload.Error{Kind: kind, Op: op, Err: err}
}
