package chunkupload

import (
	"bytes"
	"context"
	"crypto/sha1"
	"errors"
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestUploader_Upload(t *testing.T) {
	api := newFakeAPI(8_388_608)
	content := testContent(20_000_000)

	result, err := NewUploader(api, testConfig()).Upload(context.Background(), UploadRequest{
		Source:   NewBytesSource(content),
		FileName: "file.bin",
		FolderID: "0",
	})

	require.NoError(t, err)
	assert.Equal(t, 3, result.Session.TotalParts)
	assert.Equal(t, 3, result.Transferred)
	assert.Equal(t, 0, result.Resumed)
	assert.Equal(t, Digest(sha1.Sum(content)), result.Digests.File)
	assert.Equal(t, result.Digests.File.Hex(), result.File.SHA1)
	assert.Equal(t, int64(20_000_000), result.File.Size)

	var sizes []int64
	for _, p := range api.lastCommit.Parts {
		sizes = append(sizes, p.Size)
	}
	assert.Equal(t, []int64{8388608, 8388608, 3222784}, sizes)
	assert.Equal(t, 0, api.abortCalls)
}

func TestUploader_Upload_RetriedPart(t *testing.T) {
	api := newFakeAPI(10)
	api.failUpload = func(index, attempt int) error {
		if index == 1 && attempt <= 2 {
			return &Error{Kind: ErrPartTransfer, Op: OpUploadPart, PartNumber: 2, Status: 500}
		}
		return nil
	}

	result, err := NewUploader(api, testConfig()).Upload(context.Background(), UploadRequest{Source: NewBytesSource(testContent(25)), FileName: "file.bin"})

	require.NoError(t, err)
	assert.Equal(t, "file-1", result.File.ID)
	assert.Equal(t, 3, api.uploads(1))
	assert.Len(t, api.lastCommit.Parts, 3)
	assert.Equal(t, "part-1", api.lastCommit.Parts[1].ID)
}

func TestUploader_Upload_AbortsOnPartFailure(t *testing.T) {
	api := newFakeAPI(10)
	api.corruptDigest[2] = true

	_, err := NewUploader(api, testConfig()).Upload(context.Background(), UploadRequest{Source: NewBytesSource(testContent(25)), FileName: "file.bin"})

	assert.True(t, errors.Is(err, ErrDigestMismatch))
	assert.Equal(t, 1, api.abortCalls)
	assert.Equal(t, 0, api.commitCalls)
}

func TestUploader_Upload_AbortsOnCancel(t *testing.T) {
	api := newFakeAPI(10)
	ctx, cancel := context.WithCancel(context.Background())
	api.failUpload = func(index, attempt int) error {
		cancel()
		return nil
	}

	_, err := NewUploader(api, testConfig()).Upload(ctx, UploadRequest{Source: NewBytesSource(testContent(25)), FileName: "file.bin"})

	assert.True(t, errors.Is(err, ErrCancelled))
	assert.Equal(t, 1, api.abortCalls)
	assert.NoError(t, api.abortCtxErr, "abort runs on a live context")
}

func TestUploader_Upload_KeepsSessionWhenCommitTimesOut(t *testing.T) {
	api := newFakeAPI(10)
	for i := 0; i < 50; i++ {
		api.commitResponses = append(api.commitResponses, CommitResponse{State: CommitPending})
	}
	uploader := NewUploader(api, testConfig())
	uploader.committer.sleep = noSleep

	_, err := uploader.Upload(context.Background(), UploadRequest{Source: NewBytesSource(testContent(25)), FileName: "file.bin"})

	assert.True(t, errors.Is(err, ErrMaxAttemptsExceeded))
	assert.Equal(t, 0, api.abortCalls)
}

func TestUploader_Upload_CreateFailure(t *testing.T) {
	api := newFakeAPI(10)
	api.createErr = &Error{Kind: ErrSessionCreate, Op: OpCreateSession, Status: 403}

	_, err := NewUploader(api, testConfig()).Upload(context.Background(), UploadRequest{Source: NewBytesSource(testContent(25)), FileName: "file.bin"})

	assert.True(t, errors.Is(err, ErrSessionCreate))
	assert.Equal(t, 0, api.abortCalls)
}

func TestUploader_Upload_EmptySource(t *testing.T) {
	_, err := NewUploader(newFakeAPI(10), testConfig()).Upload(context.Background(), UploadRequest{Source: NewBytesSource(nil)})
	assert.Error(t, err)
}

func TestAbort_LogsFailure(t *testing.T) {
	api := newFakeAPI(10)
	api.abortErr = &Error{Kind: ErrAbort, Op: OpAbort, Status: 500}
	logger := new(mocks.Logger)
	logger.On("Warnf", "Failed to abort upload session %s: %s", "session-1", mock.Anything).Return().Once()

	Abort(context.Background(), api, Session{ID: "session-1"}, logger)

	logger.AssertExpectations(t)
	assert.Equal(t, 1, api.abortCalls)
}

func TestUploader_Resume(t *testing.T) {
	api := newFakeAPI(10)
	content := testContent(45)
	store := newMemoryCheckpoints()

	// An earlier run uploaded parts 0 and 3 before the process died.
	job := newTestJob(t, api, content)
	transferer := NewTransferer(api, testConfig())
	for _, i := range []int{0, 3} {
		_, err := transferer.Transfer(context.Background(), job, i)
		require.NoError(t, err)
	}
	require.NoError(t, store.Save(context.Background(), Checkpoint{Key: "k", Session: job.Session, FileSize: 45, CreatedAt: time.Now()}))

	uploader := NewUploader(api, testConfig()).WithCheckpoints(store)
	result, err := uploader.Resume(context.Background(), UploadRequest{Source: NewBytesSource(content), FileName: "file.bin", CheckpointKey: "k"})

	require.NoError(t, err)
	assert.Equal(t, 2, result.Resumed)
	assert.Equal(t, 3, result.Transferred)
	assert.Equal(t, 1, api.uploads(0))
	assert.Equal(t, 1, api.uploads(3))
	assert.Equal(t, 1, api.uploads(1))
	assert.Equal(t, Digest(sha1.Sum(content)).Hex(), result.File.SHA1)

	cp, err := store.Load(context.Background(), "k")
	require.NoError(t, err)
	assert.Nil(t, cp, "checkpoint is removed after commit")
}

func TestUploader_Resume_SourceChanged(t *testing.T) {
	api := newFakeAPI(10)
	content := testContent(45)
	store := newMemoryCheckpoints()

	job := newTestJob(t, api, content)
	_, err := NewTransferer(api, testConfig()).Transfer(context.Background(), job, 0)
	require.NoError(t, err)
	require.NoError(t, store.Save(context.Background(), Checkpoint{Key: "k", Session: job.Session, FileSize: 45}))

	changed := bytes.Clone(content)
	changed[3] ^= 0xff

	_, err = NewUploader(api, testConfig()).WithCheckpoints(store).
		Resume(context.Background(), UploadRequest{Source: NewBytesSource(changed), CheckpointKey: "k"})

	assert.True(t, errors.Is(err, ErrDigestMismatch))
	assert.Equal(t, 1, api.abortCalls)
}

func TestUploader_Resume_ExpiredSessionStartsOver(t *testing.T) {
	api := newFakeAPI(10)
	api.getErr = &Error{Kind: ErrSessionExpired, Op: OpStatus, Status: 404}
	store := newMemoryCheckpoints()
	require.NoError(t, store.Save(context.Background(), Checkpoint{Key: "k", Session: Session{ID: "old"}, FileSize: 25}))

	result, err := NewUploader(api, testConfig()).WithCheckpoints(store).
		Resume(context.Background(), UploadRequest{Source: NewBytesSource(testContent(25)), CheckpointKey: "k"})

	require.NoError(t, err)
	assert.Equal(t, "session-1", result.Session.ID)
	assert.Equal(t, 0, result.Resumed)
	assert.Equal(t, 3, result.Transferred)
}

func TestUploader_Resume_UsesCheckpointPartsWhenListingFails(t *testing.T) {
	api := newFakeAPI(10)
	content := testContent(25)
	store := newMemoryCheckpoints()

	job := newTestJob(t, api, content)
	require.NoError(t, store.Save(context.Background(), Checkpoint{Key: "k", Session: job.Session, FileSize: 25}))
	job.Ledger.OnRecord(func(_ int, part Part) {
		require.NoError(t, store.RecordPart(context.Background(), "k", part.Descriptor()))
	})
	_, err := NewTransferer(api, testConfig()).Transfer(context.Background(), job, 0)
	require.NoError(t, err)

	api.listErr = errors.New("list unavailable")
	result, err := NewUploader(api, testConfig()).WithCheckpoints(store).
		Resume(context.Background(), UploadRequest{Source: NewBytesSource(content), CheckpointKey: "k"})

	require.NoError(t, err)
	assert.Equal(t, 1, result.Resumed)
	assert.Equal(t, 1, api.uploads(0))
}

func TestUploader_Resume_NoCheckpoint(t *testing.T) {
	api := newFakeAPI(10)

	result, err := NewUploader(api, testConfig()).WithCheckpoints(newMemoryCheckpoints()).
		Resume(context.Background(), UploadRequest{Source: NewBytesSource(testContent(25)), CheckpointKey: "k"})

	require.NoError(t, err)
	assert.Equal(t, 3, result.Transferred)
}
