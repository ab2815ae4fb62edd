package chunkupload

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// uploadedLedger uploads content to api and returns the complete ledger.
func uploadedLedger(t *testing.T, api *fakeAPI, content []byte) (Session, *Ledger, Digests) {
	t.Helper()

	session, err := api.CreateSession(context.Background(), CreateSessionRequest{FileName: "file.bin", FileSize: int64(len(content))})
	require.NoError(t, err)
	layout, err := session.Layout(int64(len(content)))
	require.NoError(t, err)
	digests, err := ComputeDigests(context.Background(), bytes.NewReader(content), int64(len(content)), layout.PartSize)
	require.NoError(t, err)

	ledger := NewLedger(layout)
	job := Job{Session: session, Source: NewBytesSource(content), Layout: layout, Digests: digests, Ledger: ledger}
	transferer := NewTransferer(api, Config{Concurrency: 2, MaxRetryPerPart: 1, Logger: log.NewLogger()})
	for i := 0; i < layout.TotalParts; i++ {
		_, err := transferer.Transfer(context.Background(), job, i)
		require.NoError(t, err)
	}
	return session, ledger, digests
}

type recordedSleeps struct {
	waits []time.Duration
}

func (r *recordedSleeps) sleep(ctx context.Context, d time.Duration) error {
	r.waits = append(r.waits, d)
	return ctx.Err()
}

func newTestCommitter(api API, sleeps *recordedSleeps, jitter float64) *Committer {
	c := NewCommitter(api, DefaultCommitPolicy(), log.NewLogger())
	c.sleep = sleeps.sleep
	c.jitter = func() float64 { return jitter }
	return c
}

func TestCommitter_RetryAfterHonored(t *testing.T) {
	api := newFakeAPI(10)
	session, ledger, digests := uploadedLedger(t, api, testContent(25))
	api.commitResponses = []CommitResponse{
		{State: CommitPending, RetryAfter: 2 * time.Second},
		{State: CommitPending, RetryAfter: 2 * time.Second},
	}
	sleeps := &recordedSleeps{}

	file, err := newTestCommitter(api, sleeps, 0.5).Commit(context.Background(), session, ledger, digests, CommitOptions{})

	require.NoError(t, err)
	require.NotNil(t, file)
	assert.Equal(t, "file-1", file.ID)
	assert.Equal(t, digests.File.Hex(), file.SHA1)
	assert.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second}, sleeps.waits)
	assert.Equal(t, 3, api.commitCalls)
}

func TestCommitter_ManifestInIndexOrder(t *testing.T) {
	api := newFakeAPI(10)
	session, ledger, digests := uploadedLedger(t, api, testContent(25))
	opts := CommitOptions{
		Attributes:  map[string]interface{}{"name": "renamed.bin"},
		IfMatch:     "etag-1",
		IfNoneMatch: "*",
	}

	_, err := newTestCommitter(api, &recordedSleeps{}, 0).Commit(context.Background(), session, ledger, digests, opts)
	require.NoError(t, err)

	require.Len(t, api.lastCommit.Parts, 3)
	for i, p := range api.lastCommit.Parts {
		assert.Equal(t, int64(i*10), p.Offset)
	}
	assert.Equal(t, digests.File, api.lastCommit.FileDigest)
	assert.Equal(t, "renamed.bin", api.lastCommit.Attributes["name"])
	assert.Equal(t, "etag-1", api.lastCommit.IfMatch)
	assert.Equal(t, "*", api.lastCommit.IfNoneMatch)
}

func TestCommitter_MissingRetryAfterFallsBack(t *testing.T) {
	api := newFakeAPI(10)
	session, ledger, digests := uploadedLedger(t, api, testContent(25))
	api.commitResponses = []CommitResponse{{State: CommitPending}}
	sleeps := &recordedSleeps{}

	_, err := newTestCommitter(api, sleeps, 0).Commit(context.Background(), session, ledger, digests, CommitOptions{})

	require.NoError(t, err)
	assert.Equal(t, []time.Duration{time.Second}, sleeps.waits)
}

func TestCommitter_BackoffMonotonicUntilCeiling(t *testing.T) {
	for _, jitter := range []float64{0, 0.25, 0.5, 0.999} {
		api := newFakeAPI(10)
		session, ledger, digests := uploadedLedger(t, api, testContent(25))
		for i := 0; i < 100; i++ {
			api.commitResponses = append(api.commitResponses, CommitResponse{State: CommitPending, RetryAfter: 2 * time.Second})
		}
		sleeps := &recordedSleeps{}

		_, err := newTestCommitter(api, sleeps, jitter).Commit(context.Background(), session, ledger, digests, CommitOptions{})

		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrMaxAttemptsExceeded))

		require.Greater(t, len(sleeps.waits), 2)
		assert.Equal(t, 2*time.Second, sleeps.waits[0])
		assert.Equal(t, 2*time.Second, sleeps.waits[1])
		for i := 2; i < len(sleeps.waits); i++ {
			prev, cur := sleeps.waits[i-1], sleeps.waits[i]
			assert.Greater(t, cur, prev)
			assert.GreaterOrEqual(t, float64(cur), 1.5*float64(prev)-1)
			assert.Less(t, float64(cur), 2.5*float64(prev))
		}
		for _, w := range sleeps.waits {
			assert.LessOrEqual(t, w, 90*time.Second)
		}
		assert.Equal(t, len(sleeps.waits)+1, api.commitCalls)
	}
}

func TestCommitPolicy_NextWait(t *testing.T) {
	policy := DefaultCommitPolicy()

	assert.Equal(t, 3*time.Second, policy.NextWait(1, 0, 3*time.Second, 0.9))
	assert.Equal(t, time.Second, policy.NextWait(2, 3*time.Second, 0, 0.9))
	assert.Equal(t, 3*time.Second, policy.NextWait(3, 2*time.Second, 10*time.Second, 0))
	assert.Equal(t, 4*time.Second, policy.NextWait(3, 2*time.Second, 0, 0.5))
	assert.Equal(t, 1500*time.Millisecond, policy.NextWait(3, 0, 0, 0))
}

func TestCommitter_Incomplete(t *testing.T) {
	api := newFakeAPI(10)
	layout, err := NewLayout(25, 10)
	require.NoError(t, err)
	ledger := NewLedger(layout)
	require.NoError(t, ledger.Record(0, ledgerPart(layout, 0)))

	_, err = newTestCommitter(api, &recordedSleeps{}, 0).Commit(context.Background(), Session{ID: "s"}, ledger, Digests{}, CommitOptions{})

	assert.True(t, errors.Is(err, ErrIncompleteUpload))
	assert.Equal(t, 0, api.commitCalls)
}

func TestCommitter_FileDigestMismatch(t *testing.T) {
	api := newFakeAPI(10)
	session, ledger, digests := uploadedLedger(t, api, testContent(25))
	api.commitResponses = []CommitResponse{{State: CommitDone, File: &File{ID: "f", SHA1: Digest{1}.Hex()}}}

	_, err := newTestCommitter(api, &recordedSleeps{}, 0).Commit(context.Background(), session, ledger, digests, CommitOptions{})

	assert.True(t, errors.Is(err, ErrDigestMismatch))
}

func TestCommitter_Failure(t *testing.T) {
	api := &commitErrorAPI{fakeAPI: newFakeAPI(10)}
	session, ledger, digests := uploadedLedger(t, api.fakeAPI, testContent(25))
	api.err = &Error{Kind: ErrCommit, Op: OpCommit, Status: 409, Server: &ServerError{Code: "conflict"}}

	_, err := newTestCommitter(api, &recordedSleeps{}, 0).Commit(context.Background(), session, ledger, digests, CommitOptions{})

	assert.True(t, errors.Is(err, ErrCommit))
	var uploadErr *Error
	require.True(t, errors.As(err, &uploadErr))
	assert.Equal(t, "conflict", uploadErr.Server.Code)
	assert.Equal(t, 1, api.calls)
}

func TestCommitter_CancelledWhileWaiting(t *testing.T) {
	api := newFakeAPI(10)
	session, ledger, digests := uploadedLedger(t, api, testContent(25))
	api.commitResponses = []CommitResponse{{State: CommitPending, RetryAfter: time.Hour}}

	ctx, cancel := context.WithCancel(context.Background())
	c := NewCommitter(api, DefaultCommitPolicy(), log.NewLogger())
	c.policy.MaxWait = 2 * time.Hour
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := c.Commit(ctx, session, ledger, digests, CommitOptions{})

	assert.True(t, errors.Is(err, ErrCancelled))
	assert.Less(t, time.Since(start), time.Minute)
	assert.Equal(t, 1, api.commitCalls)
}

type commitErrorAPI struct {
	*fakeAPI
	err   error
	calls int
}

func (a *commitErrorAPI) Commit(context.Context, Session, CommitRequest) (CommitResponse, error) {
	a.calls++
	return CommitResponse{}, a.err
}
