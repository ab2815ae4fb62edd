// Package network implements the upload session API over HTTP.
package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"strings"

	"github.com/bitrise-io/go-uploadsession/chunkupload"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
)

const acceptEncoding = "zstd, gzip"

// Client talks to an upload session API rooted at baseURL.
type Client struct {
	httpClient *retryablehttp.Client
	baseURL    string
	tokens     TokenSource
	logger     log.Logger
}

var _ chunkupload.API = (*Client)(nil)

// NewClient ...
func NewClient(httpClient *retryablehttp.Client, baseURL string, tokens TokenSource, logger log.Logger) *Client {
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		tokens:     tokens,
		logger:     logger,
	}
}

// NewRetryClient builds the retrying HTTP client shared by every request of a Client.
// 429 and 5xx responses are retried up to retryMax times, honoring Retry-After; once the
// budget is spent the last response is returned as is.
func NewRetryClient(logger log.Logger, retryMax int) *retryablehttp.Client {
	client := retryhttp.NewClient(logger)
	client.RetryMax = retryMax
	client.CheckRetry = createRetryPolicy(logger)
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	return client
}

// createRetryPolicy retries like retryablehttp.DefaultRetryPolicy, except for failures
// reading the local source or a cancelled upload: those are never resent.
func createRetryPolicy(logger log.Logger) retryablehttp.CheckRetry {
	return func(ctx context.Context, resp *http.Response, requestErr error) (bool, error) {
		if errors.Is(requestErr, chunkupload.ErrIO) || errors.Is(requestErr, chunkupload.ErrCancelled) {
			logger.Debugf("CheckRetry: retry=%v ; err=%+v ; requestErr=%+v", false, requestErr, requestErr)
			return false, requestErr
		}

		retry, err := retryablehttp.DefaultRetryPolicy(ctx, resp, requestErr)
		logger.Debugf("CheckRetry: retry=%v ; err=%+v ; requestErr=%+v", retry, err, requestErr)
		return retry, err
	}
}

// CloseIdleConnections closes pooled connections of the underlying transport.
func (c *Client) CloseIdleConnections() {
	c.httpClient.HTTPClient.CloseIdleConnections()
}

// SessionByID returns a session descriptor whose endpoints follow the API's URL scheme.
// It is enough to query, list or abort a session known only by its id.
func (c *Client) SessionByID(id string) chunkupload.Session {
	sessionURL := fmt.Sprintf("%s/files/upload_sessions/%s", c.baseURL, id)
	return chunkupload.Session{
		ID:   id,
		Type: "upload_session",
		Endpoints: chunkupload.Endpoints{
			ListParts:  sessionURL + "/parts",
			Commit:     sessionURL + "/commit",
			UploadPart: sessionURL,
			Status:     sessionURL,
			Abort:      sessionURL,
		},
	}
}

// do sends the request with credentials attached. A 401 response triggers one
// token refresh and a resend.
func (c *Client) do(ctx context.Context, method, url string, body interface{}, prepare func(*retryablehttp.Request)) (*http.Response, error) {
	refreshed := false
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("get access token: %w", err)
	}

	for {
		req, err := retryablehttp.NewRequestWithContext(ctx, method, url, body)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", token))
		req.Header.Set("Accept-Encoding", acceptEncoding)
		if prepare != nil {
			prepare(req)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if resp != nil {
				c.closeBody(resp.Body)
			}
			return nil, err
		}

		if resp.StatusCode == http.StatusUnauthorized && !refreshed {
			c.closeBody(resp.Body)
			refreshed = true
			c.logger.Debugf("Access token rejected, refreshing")
			token, err = c.tokens.Refresh(ctx)
			if err != nil {
				return nil, fmt.Errorf("refresh access token: %w", err)
			}
			continue
		}

		return resp, nil
	}
}

func (c *Client) closeBody(body io.ReadCloser) {
	if body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 4096))
	if err := body.Close(); err != nil {
		c.logger.Printf(err.Error())
	}
}

func (c *Client) dumpRequest(name string, req *retryablehttp.Request) {
	dump, err := httputil.DumpRequest(req.Request, false)
	if err != nil {
		c.logger.Warnf("error while dumping request: %s", err)
	}
	c.logger.Debugf("%s request dump: %s", name, string(dump))
}

func (c *Client) dumpResponse(name string, resp *http.Response) {
	dump, err := httputil.DumpResponse(resp, false)
	if err != nil {
		c.logger.Warnf("error while dumping response: %s", err)
	}
	c.logger.Debugf("%s response dump: %s", name, string(dump))
}
