package network

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bitrise-io/go-uploadsession/chunkupload"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

const maxErrorBodySize = 64 * 1024

// decodedBody undoes the response Content-Encoding. Closing the result closes the
// response body as well, so an abandoned read never pins the connection.
func decodedBody(resp *http.Response) (io.ReadCloser, error) {
	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "", "identity":
		return resp.Body, nil
	case "gzip":
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		return &decodedReadCloser{Reader: zr, close: func() error {
			_ = zr.Close()
			return resp.Body.Close()
		}}, nil
	case "zstd":
		zr, err := zstd.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		return &decodedReadCloser{Reader: zr, close: func() error {
			zr.Close()
			return resp.Body.Close()
		}}, nil
	default:
		return nil, errors.New("unsupported content encoding: " + resp.Header.Get("Content-Encoding"))
	}
}

type decodedReadCloser struct {
	io.Reader
	close func() error
}

func (r *decodedReadCloser) Close() error {
	return r.close()
}

func readJSON(resp *http.Response, v interface{}) error {
	body, err := decodedBody(resp)
	if err != nil {
		return err
	}
	defer body.Close()
	return json.NewDecoder(body).Decode(v)
}

// unwrapError reads the server error payload of a failed response.
func unwrapError(resp *http.Response) *chunkupload.ServerError {
	serverErr := &chunkupload.ServerError{Status: resp.StatusCode}

	body, err := decodedBody(resp)
	if err != nil {
		serverErr.Raw = err.Error()
		return serverErr
	}
	defer body.Close()
	errorResp, err := io.ReadAll(io.LimitReader(body, maxErrorBodySize))
	if err != nil {
		serverErr.Raw = err.Error()
		return serverErr
	}

	if jsonErr := json.Unmarshal(errorResp, serverErr); jsonErr != nil || (serverErr.Code == "" && serverErr.Message == "") {
		serverErr.Raw = strings.TrimSpace(string(errorResp))
	}
	if serverErr.RequestID == "" {
		serverErr.RequestID = resp.Header.Get("X-Request-Id")
	}
	serverErr.Status = resp.StatusCode
	return serverErr
}

// parseRetryAfter reads a Retry-After header given in seconds or as an HTTP date.
func parseRetryAfter(header string, now time.Time) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.ParseFloat(header, 64); err == nil {
		if seconds <= 0 {
			return 0
		}
		return time.Duration(seconds * float64(time.Second))
	}
	if t, err := http.ParseTime(header); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// statusError maps a failed response onto the error kinds shared by every operation.
// fallback is the kind of the operation's own failures.
func statusError(resp *http.Response, op string, fallback error) *chunkupload.Error {
	serverErr := unwrapError(resp)
	kind := fallback
	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		kind = chunkupload.ErrSessionExpired
	case resp.StatusCode == http.StatusTooManyRequests:
		kind = chunkupload.ErrRateLimited
	case isDigestMismatch(serverErr):
		kind = chunkupload.ErrDigestMismatch
	}
	return &chunkupload.Error{Kind: kind, Op: op, Status: resp.StatusCode, Server: serverErr}
}

func isDigestMismatch(e *chunkupload.ServerError) bool {
	switch e.Code {
	case "digest_mismatch", "sha1_mismatch", "bad_digest":
		return true
	}
	return false
}
