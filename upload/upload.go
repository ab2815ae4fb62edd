// Package upload uploads files and directories given as (glob) paths, each through
// its own upload session. Directories are archived first.
package upload

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bitrise-io/go-uploadsession/archive"
	"github.com/bitrise-io/go-uploadsession/chunkupload"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/docker/go-units"
	"github.com/hashicorp/go-multierror"
)

// SessionUploader runs one file through an upload session.
// *chunkupload.Uploader implements it.
type SessionUploader interface {
	Upload(ctx context.Context, req chunkupload.UploadRequest) (*chunkupload.Result, error)
	Resume(ctx context.Context, req chunkupload.UploadRequest) (*chunkupload.Result, error)
}

// Input ...
type Input struct {
	// Paths are files or directories; * and ** patterns are expanded.
	Paths    []string
	FolderID string
	// CompressionLevel is the zstd level used when archiving directories. Valid values are between 1 and 19.
	// If not provided (0), the default value (3) will be used.
	CompressionLevel int
	Commit           chunkupload.CommitOptions
	// Resume continues interrupted uploads of the same paths. It needs a checkpoint store
	// configured on the SessionUploader.
	Resume bool
}

// FileResult ...
type FileResult struct {
	Path     string
	Archived bool
	Result   *chunkupload.Result
}

// Uploader ...
type Uploader struct {
	envRepo      env.Repository
	logger       log.Logger
	pathProvider pathutil.PathProvider
	pathModifier pathutil.PathModifier
	pathChecker  pathutil.PathChecker
	sessions     SessionUploader
	tracker      uploadTracker
}

// NewUploader ...
func NewUploader(
	envRepo env.Repository,
	logger log.Logger,
	pathProvider pathutil.PathProvider,
	pathModifier pathutil.PathModifier,
	pathChecker pathutil.PathChecker,
	sessions SessionUploader,
) *Uploader {
	return &Uploader{
		envRepo:      envRepo,
		logger:       logger,
		pathProvider: pathProvider,
		pathModifier: pathModifier,
		pathChecker:  pathChecker,
		sessions:     sessions,
		tracker:      newUploadTracker(envRepo, logger),
	}
}

// Upload uploads every path in input. A failing path does not stop the others;
// all failures are returned together.
func (u *Uploader) Upload(ctx context.Context, input Input) ([]FileResult, error) {
	defer u.tracker.wait()

	if input.CompressionLevel == 0 {
		input.CompressionLevel = archive.DefaultLevel
	}
	if input.CompressionLevel < 1 || input.CompressionLevel > 19 {
		return nil, fmt.Errorf("compression level should be between 1 and 19")
	}

	paths, err := u.evaluatePaths(input.Paths)
	if err != nil {
		return nil, fmt.Errorf("failed to parse paths: %w", err)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("none of the paths exist: %s", strings.Join(input.Paths, ", "))
	}

	var results []FileResult
	var errs *multierror.Error
	for _, path := range paths {
		if ctx.Err() != nil {
			errs = multierror.Append(errs, ctx.Err())
			break
		}

		result, err := u.uploadPath(ctx, path, input)
		if err != nil {
			u.tracker.logFileFailed(err)
			u.logger.Errorf("Failed to upload %s: %s", path, err)
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", path, err))
			continue
		}
		if result != nil {
			results = append(results, *result)
		}
	}

	return results, errs.ErrorOrNil()
}

func (u *Uploader) uploadPath(ctx context.Context, path string, input Input) (*FileResult, error) {
	filePath := path
	archived := false

	isDir, err := u.pathChecker.IsDirExists(path)
	if err != nil {
		return nil, err
	}
	if isDir {
		if archive.AreAllPathsEmpty([]string{path}) {
			u.logger.Warnf("Directory %s is empty, skipping", path)
			return nil, nil
		}
		if filePath, err = u.archive(path, input.CompressionLevel); err != nil {
			return nil, fmt.Errorf("archive: %w", err)
		}
		defer func() {
			if err := os.Remove(filePath); err != nil {
				u.logger.Warnf("Failed to remove archive %s: %s", filePath, err)
			}
		}()
		archived = true
	}

	src, err := chunkupload.OpenFile(filePath)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := src.Close(); err != nil {
			u.logger.Warnf("Failed to close %s: %s", filePath, err)
		}
	}()

	fileName := filepath.Base(filePath)
	if archived {
		fileName = filepath.Base(path) + archive.Extension
	}

	u.logger.Println()
	u.logger.Infof("Uploading %s (%s)...", fileName, units.HumanSizeWithPrecision(float64(src.Size()), 3))

	req := chunkupload.UploadRequest{
		Source:   src,
		FileName: fileName,
		FolderID: input.FolderID,
		Commit:   input.Commit,
	}
	var result *chunkupload.Result
	if input.Resume {
		req.CheckpointKey = path
		result, err = u.sessions.Resume(ctx, req)
	} else {
		result, err = u.sessions.Upload(ctx, req)
	}
	if err != nil {
		return nil, err
	}

	u.tracker.logFileUploaded(result)
	u.logger.Donef("Uploaded %s as file %s in %s", fileName, result.File.ID, result.Duration.Round(time.Millisecond))
	if result.Resumed > 0 {
		u.logger.Printf("Resumed %d of %d parts", result.Resumed, result.Session.TotalParts)
	}

	return &FileResult{Path: path, Archived: archived, Result: result}, nil
}

func (u *Uploader) archive(dir string, level int) (string, error) {
	tempDir, err := u.pathProvider.CreateTempDir("upload-session")
	if err != nil {
		return "", err
	}
	archivePath := filepath.Join(tempDir, filepath.Base(dir)+archive.Extension)

	u.logger.Infof("Archiving %s...", dir)
	start := time.Now()
	if err := archive.NewArchiver(u.logger).Compress(archivePath, []string{dir}, level); err != nil {
		return "", err
	}

	info, err := os.Stat(archivePath)
	if err != nil {
		return "", err
	}
	compressionTime := time.Since(start).Round(time.Second)
	u.tracker.logArchiveCreated(compressionTime, info.Size())
	u.logger.Donef("Archive created in %s (%s)", compressionTime, units.HumanSizeWithPrecision(float64(info.Size()), 3))

	return archivePath, nil
}

// evaluatePaths resolves every input to a unique, existing absolute path, in input order.
// Inputs with * are glob patterns; symlinks are not followed while matching.
func (u *Uploader) evaluatePaths(inputs []string) ([]string, error) {
	var paths []string
	seen := map[string]bool{}
	add := func(path string) {
		abs, err := u.pathModifier.AbsPath(path)
		if err != nil {
			u.logger.Warnf("Skipping %s: %s", path, err)
			return
		}
		if exists, err := u.pathChecker.IsPathExists(abs); err != nil || !exists {
			u.logger.Warnf("Upload path doesn't exist: %s", path)
			return
		}
		if !seen[abs] {
			seen[abs] = true
			paths = append(paths, abs)
		}
	}

	for _, input := range inputs {
		if !strings.Contains(input, "*") {
			add(input)
			continue
		}

		base, pattern := doublestar.SplitPattern(input)
		root, err := u.pathModifier.AbsPath(base)
		if err != nil {
			return nil, err
		}
		matches, err := doublestar.Glob(os.DirFS(root), pattern, doublestar.WithNoFollow())
		if err != nil {
			return nil, fmt.Errorf("pattern %s: %w", input, err)
		}
		if len(matches) == 0 {
			u.logger.Warnf("No match for path pattern: %s", input)
		}
		for _, match := range matches {
			add(filepath.Join(root, match))
		}
	}

	return paths, nil
}
