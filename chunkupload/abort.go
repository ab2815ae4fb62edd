package chunkupload

import (
	"context"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
)

const abortTimeout = 30 * time.Second

// Abort releases the session on a best-effort basis.
// It runs even when ctx is already cancelled; failures are logged, never returned,
// since the server expires abandoned sessions anyway.
func Abort(ctx context.Context, api API, session Session, logger log.Logger) {
	abortCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abortTimeout)
	defer cancel()

	if err := api.Abort(abortCtx, session); err != nil {
		logger.Warnf("Failed to abort upload session %s: %s", session.ID, err)
		return
	}
	logger.Debugf("Upload session %s aborted", session.ID)
}
