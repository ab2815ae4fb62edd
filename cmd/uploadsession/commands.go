package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bitrise-io/go-uploadsession/archive"
	"github.com/bitrise-io/go-uploadsession/chunkupload"
	"github.com/bitrise-io/go-uploadsession/chunkupload/uploadserver"
	"github.com/bitrise-io/go-uploadsession/upload"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/docker/go-units"
	"github.com/urfave/cli/v2"
)

var sessionFlags = []cli.Flag{
	&cli.StringFlag{
		Name:     "session",
		Required: true,
		Usage:    "Upload session ID",
	},
	&cli.StringFlag{
		Name:  "key",
		Usage: "Object key of the upload (s3 backend only)",
	},
}

var uploadCmd = &cli.Command{
	Name:      "upload",
	Usage:     "Upload files and directories, each through its own upload session",
	ArgsUsage: "PATH...",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "folder-id",
			Value: "0",
			Usage: "Destination folder",
		},
		&cli.IntFlag{
			Name:  "compression-level",
			Usage: "zstd level (1-19) used for archiving directories, default 3",
		},
		&cli.BoolFlag{
			Name:  "resume",
			Usage: "Resume interrupted uploads of the same paths (needs a checkpoint store)",
		},
		&cli.StringFlag{
			Name:  "if-match",
			Usage: "Commit only if the existing file has this ETag",
		},
		&cli.BoolFlag{
			Name:  "no-overwrite",
			Usage: "Fail the commit if a file with the same name already exists",
		},
	},
	Action: func(c *cli.Context) error {
		if c.NArg() == 0 {
			return errors.New("at least one path is required")
		}

		e, err := newEnvironment(c)
		if err != nil {
			return err
		}

		store, closeStore, err := openCheckpoints(e.cfg)
		if err != nil {
			return err
		}
		defer func() {
			if err := closeStore(); err != nil {
				e.logger.Warnf("Failed to close checkpoint store: %s", err)
			}
		}()
		if c.Bool("resume") && store == nil {
			return errors.New("--resume needs UPLOADSESSION_CHECKPOINT_DIR or UPLOADSESSION_CHECKPOINT_REDIS_ADDR")
		}

		sessions := chunkupload.NewUploader(e.api, e.cfg.UploaderConfig(e.logger))
		if store != nil {
			sessions = sessions.WithCheckpoints(store)
		}

		commit := chunkupload.CommitOptions{IfMatch: c.String("if-match")}
		if c.Bool("no-overwrite") {
			commit.IfNoneMatch = "*"
		}

		uploader := upload.NewUploader(
			env.NewRepository(),
			e.logger,
			pathutil.NewPathProvider(),
			pathutil.NewPathModifier(),
			pathutil.NewPathChecker(),
			sessions,
		)
		results, err := uploader.Upload(c.Context, upload.Input{
			Paths:            c.Args().Slice(),
			FolderID:         c.String("folder-id"),
			CompressionLevel: c.Int("compression-level"),
			Commit:           commit,
			Resume:           c.Bool("resume"),
		})

		for _, r := range results {
			fmt.Fprintf(c.App.Writer, "%s\t%s\t%s\n", r.Result.File.ID, units.HumanSizeWithPrecision(float64(r.Result.File.Size), 3), r.Path)
		}
		stats := sessions.Stats()
		e.logger.Debugf("Transferred %d parts, %s in %s (average part %s)",
			stats.FinishedCount(), units.HumanSize(float64(stats.Bytes())), stats.TotalDuration(), stats.Average())

		return err
	},
}

var statusCmd = &cli.Command{
	Name:  "status",
	Usage: "Show the state of an upload session",
	Flags: sessionFlags,
	Action: func(c *cli.Context) error {
		e, err := newEnvironment(c)
		if err != nil {
			return err
		}
		session, err := e.sessionByID(c.String("session"), c.String("key"))
		if err != nil {
			return err
		}

		status, err := e.api.GetSession(c.Context, session)
		if err != nil {
			return err
		}

		w := c.App.Writer
		fmt.Fprintf(w, "ID:              %s\n", status.ID)
		fmt.Fprintf(w, "Type:            %s\n", status.Type)
		fmt.Fprintf(w, "Part size:       %s\n", units.HumanSizeWithPrecision(float64(status.PartSize), 3))
		fmt.Fprintf(w, "Parts processed: %d/%d\n", status.NumPartsProcessed, status.TotalParts)
		if !status.ExpiresAt.IsZero() {
			fmt.Fprintf(w, "Expires at:      %s\n", status.ExpiresAt.Format(time.RFC3339))
		}
		return nil
	},
}

var listPartsCmd = &cli.Command{
	Name:  "list-parts",
	Usage: "List the parts the server has acknowledged",
	Flags: sessionFlags,
	Action: func(c *cli.Context) error {
		e, err := newEnvironment(c)
		if err != nil {
			return err
		}
		session, err := e.sessionByID(c.String("session"), c.String("key"))
		if err != nil {
			return err
		}

		parts, err := e.api.ListParts(c.Context, session)
		if err != nil {
			return err
		}

		for _, p := range parts {
			fmt.Fprintf(c.App.Writer, "%s\t%d-%d\t%s\n", p.ID, p.Offset, p.End()-1, p.Digest)
		}
		return nil
	},
}

var abortCmd = &cli.Command{
	Name:  "abort",
	Usage: "Abort an upload session and discard its parts",
	Flags: sessionFlags,
	Action: func(c *cli.Context) error {
		e, err := newEnvironment(c)
		if err != nil {
			return err
		}
		session, err := e.sessionByID(c.String("session"), c.String("key"))
		if err != nil {
			return err
		}

		if err := e.api.Abort(c.Context, session); err != nil {
			return err
		}
		e.logger.Donef("Upload session %s aborted", session.ID)
		return nil
	},
}

var extractCmd = &cli.Command{
	Name:      "extract",
	Usage:     "Unpack a directory archive created by upload",
	ArgsUsage: "ARCHIVE DESTINATION",
	Action: func(c *cli.Context) error {
		if c.NArg() != 2 {
			return errors.New("an archive and a destination directory are required")
		}
		archivePath, destination := c.Args().Get(0), c.Args().Get(1)

		logger := newLogger(c.Bool("debug"))
		start := time.Now()
		if err := archive.NewArchiver(logger).Extract(archivePath, destination); err != nil {
			return fmt.Errorf("extract %s: %w", archivePath, err)
		}
		logger.Donef("Extracted %s to %s in %s", archivePath, destination, time.Since(start).Round(time.Millisecond))
		return nil
	},
}

var serveCmd = &cli.Command{
	Name:  "serve",
	Usage: "Run an in-memory upload session server",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "addr",
			Value: ":8080",
			Usage: "Listen address",
		},
		&cli.StringFlag{
			Name:  "part-size",
			Value: "8MiB",
			Usage: "Part size assigned to new sessions",
		},
		&cli.DurationFlag{
			Name:  "session-ttl",
			Value: 24 * time.Hour,
			Usage: "Lifetime of a session",
		},
		&cli.IntFlag{
			Name:  "pending-commits",
			Usage: "Number of commit requests answered with 202 before the file is assembled",
		},
		&cli.StringFlag{
			Name:    "token",
			EnvVars: []string{"UPLOADSESSION_SERVER_TOKEN"},
			Usage:   "Only accept this bearer token",
		},
	},
	Action: func(c *cli.Context) error {
		partSize, err := units.RAMInBytes(c.String("part-size"))
		if err != nil {
			return fmt.Errorf("invalid part size: %w", err)
		}
		if partSize <= 0 {
			return fmt.Errorf("part size must be positive, got %s", c.String("part-size"))
		}

		logger := newLogger(c.Bool("debug"))
		server := &http.Server{
			Addr: c.String("addr"),
			Handler: uploadserver.New(uploadserver.Options{
				PartSize:       partSize,
				SessionTTL:     c.Duration("session-ttl"),
				PendingCommits: c.Int("pending-commits"),
				Token:          c.String("token"),
				Logger:         logger,
			}),
			ReadHeaderTimeout: 10 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			errCh <- server.ListenAndServe()
		}()
		logger.Infof("Serving upload sessions on %s (part size %s)", server.Addr, units.BytesSize(float64(partSize)))

		select {
		case err := <-errCh:
			return err
		case <-c.Context.Done():
		}

		logger.Infof("Shutting down...")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	},
}
