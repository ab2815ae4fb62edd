package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/urfave/cli/v2"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		log.NewLogger().Errorf("%s", err)
		stop()
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "uploadsession",
		Usage: "Chunked, resumable file uploads",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "backend",
				Usage: "Upload backend: http or s3 (overrides UPLOADSESSION_BACKEND)",
			},
			&cli.StringFlag{
				Name:  "api-url",
				Usage: "Base URL of the upload API (overrides UPLOADSESSION_API_URL)",
			},
			&cli.IntFlag{
				Name:  "concurrency",
				Usage: "Number of parts transferred in parallel (overrides UPLOADSESSION_CONCURRENCY)",
			},
			&cli.StringFlag{
				Name:  "env-file",
				Usage: "Read UPLOADSESSION_* variables from this file",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logs",
			},
		},
		Commands: []*cli.Command{
			uploadCmd,
			statusCmd,
			listPartsCmd,
			abortCmd,
			extractCmd,
			serveCmd,
		},
	}
}
