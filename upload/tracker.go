package upload

import (
	"time"

	"github.com/bitrise-io/go-uploadsession/chunkupload"
	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
)

type uploadTracker struct {
	tracker analytics.Tracker
	logger  log.Logger
}

func defaultProperties(envRepo env.Repository) analytics.Properties {
	return analytics.Properties{
		"build_slug":  envRepo.Get("BITRISE_BUILD_SLUG"),
		"app_slug":    envRepo.Get("BITRISE_APP_SLUG"),
		"workflow":    envRepo.Get("BITRISE_TRIGGERED_WORKFLOW_ID"),
		"is_pr_build": envRepo.Get("IS_PR") == "true",
	}
}

func newUploadTracker(envRepo env.Repository, logger log.Logger) uploadTracker {
	return uploadTracker{
		tracker: analytics.NewDefaultTracker(logger, defaultProperties(envRepo)),
		logger:  logger,
	}
}

func (t *uploadTracker) logArchiveCreated(compressionTime time.Duration, size int64) {
	properties := analytics.Properties{
		"compression_time_s": compressionTime.Truncate(time.Second).Seconds(),
		"archive_size_bytes": size,
	}
	t.tracker.Enqueue("upload_session_archive_created", properties)
}

func (t *uploadTracker) logFileUploaded(result *chunkupload.Result) {
	properties := analytics.Properties{
		"upload_time_s":     result.Duration.Truncate(time.Second).Seconds(),
		"upload_size_bytes": result.File.Size,
		"part_count":        result.Session.TotalParts,
		"resumed_parts":     result.Resumed,
	}
	t.tracker.Enqueue("upload_session_file_uploaded", properties)
}

func (t *uploadTracker) logFileFailed(err error) {
	properties := analytics.Properties{
		"error": err.Error(),
	}
	t.tracker.Enqueue("upload_session_file_failed", properties)
}

func (t *uploadTracker) wait() {
	t.tracker.Wait()
}
