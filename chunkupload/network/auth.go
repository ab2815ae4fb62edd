package network

import (
	"context"
	"errors"
	"sync"
)

// TokenSource supplies the bearer credential attached to every request.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	// Refresh is called once when the server rejects the current token.
	Refresh(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource that never changes.
type StaticToken string

// Token ...
func (t StaticToken) Token(context.Context) (string, error) {
	return string(t), nil
}

// Refresh ...
func (t StaticToken) Refresh(context.Context) (string, error) {
	return "", errors.New("access token was rejected and cannot be refreshed")
}

// RefreshingToken caches a token and obtains a new one through fetch when it is rejected.
type RefreshingToken struct {
	fetch func(ctx context.Context) (string, error)

	mu    sync.Mutex
	token string
}

// NewRefreshingToken ...
func NewRefreshingToken(fetch func(ctx context.Context) (string, error)) *RefreshingToken {
	return &RefreshingToken{fetch: fetch}
}

// Token returns the cached token, fetching one on first use.
func (t *RefreshingToken) Token(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.token != "" {
		return t.token, nil
	}
	return t.refreshLocked(ctx)
}

// Refresh ...
func (t *RefreshingToken) Refresh(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.refreshLocked(ctx)
}

func (t *RefreshingToken) refreshLocked(ctx context.Context) (string, error) {
	token, err := t.fetch(ctx)
	if err != nil {
		return "", err
	}
	t.token = token
	return token, nil
}
