//go:build integration
// +build integration

package integration

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"testing"
	"time"

	"github.com/bitrise-io/go-uploadsession/chunkupload"
	"github.com/bitrise-io/go-uploadsession/chunkupload/s3backend"
	"github.com/bitrise-io/go-uploadsession/config"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newS3Backend needs UPLOADSESSION_BACKEND=s3 and UPLOADSESSION_S3_* pointing at a
// bucket the test may write to (MinIO works with UPLOADSESSION_S3_ENDPOINT).
func newS3Backend(t *testing.T) (*s3backend.Backend, *config.Config) {
	t.Helper()
	cfg, err := config.Load()
	require.NoError(t, err)
	if cfg.Backend != config.BackendS3 {
		t.Skip("UPLOADSESSION_BACKEND is not s3")
	}

	logger := log.NewLogger()
	logger.EnableDebugLog(true)
	backend, err := s3backend.NewFromParams(context.Background(), cfg.S3Params(4), logger)
	require.NoError(t, err)
	return backend, cfg
}

func Test_S3Upload(t *testing.T) {
	backend, cfg := newS3Backend(t)

	testCases := []struct {
		name string
		size int
	}{
		{
			name: "single part",
			size: 1024,
		},
		{
			name: "multiple parts",
			size: 20*1024*1024 + 7,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			content := make([]byte, tc.size)
			_, err := rand.Read(content)
			require.NoError(t, err)

			uploader := chunkupload.NewUploader(backend, cfg.UploaderConfig(log.NewLogger()))
			result, err := uploader.Upload(context.Background(), chunkupload.UploadRequest{
				Source:   chunkupload.NewBytesSource(content),
				FileName: fmt.Sprintf("integration-%d.bin", time.Now().UnixNano()),
				FolderID: "integration",
			})

			require.NoError(t, err)
			assert.Equal(t, int64(tc.size), result.File.Size)
			assert.Equal(t, result.Session.TotalParts, result.Transferred)
		})
	}
}

func Test_S3Abort(t *testing.T) {
	backend, _ := newS3Backend(t)
	ctx := context.Background()
	content := bytes.Repeat([]byte("a"), 1024)

	session, err := backend.CreateSession(ctx, chunkupload.CreateSessionRequest{
		FileName: fmt.Sprintf("aborted-%d.bin", time.Now().UnixNano()),
		FileSize: int64(len(content)),
		FolderID: "integration",
	})
	require.NoError(t, err)

	require.NoError(t, backend.Abort(ctx, session))
	require.NoError(t, backend.Abort(ctx, session))

	_, err = backend.ListParts(ctx, session)
	assert.ErrorIs(t, err, chunkupload.ErrSessionExpired)
}
