package chunkupload

import (
	"context"
	"fmt"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Job is the read-only input shared by every part transfer of one upload.
type Job struct {
	Session Session
	Source  Source
	Layout  Layout
	Digests Digests
	Ledger  *Ledger
}

// Transferer uploads parts with retry and hung detection.
type Transferer struct {
	api    API
	config Config
	logger log.Logger
	stats  *Stats
	sleep  func(context.Context, time.Duration) error
}

// NewTransferer ...
func NewTransferer(api API, config Config) *Transferer {
	config = config.withDefaults()
	return &Transferer{
		api:    api,
		config: config,
		logger: config.Logger,
		stats:  NewStats(),
		sleep:  sleepContext,
	}
}

// Stats returns the upload statistics.
func (t *Transferer) Stats() *Stats {
	return t.stats
}

// TransferAll uploads the parts at indices in parallel, bounded by the configured pool.
// The first failure cancels the remaining transfers.
func (t *Transferer) TransferAll(ctx context.Context, job Job, indices []int) error {
	pool := t.config.Pool
	if pool == nil {
		pool = semaphore.NewWeighted(int64(t.config.Concurrency))
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, index := range indices {
		if err := pool.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer pool.Release(1)
			_, err := t.Transfer(gctx, job, index)
			return err
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return &Error{Kind: ErrCancelled, Op: OpUploadPart, Err: err}
	}
	return nil
}

// Transfer uploads the part at index and records it in the ledger.
// A part that is already recorded is not sent again.
func (t *Transferer) Transfer(ctx context.Context, job Job, index int) (Part, error) {
	if index < 0 || index >= job.Layout.TotalParts {
		return Part{}, &Error{Kind: ErrInvalidPart, Op: OpUploadPart, PartNumber: index + 1,
			Err: fmt.Errorf("index out of range [0, %d)", job.Layout.TotalParts)}
	}
	if part, ok := job.Ledger.Get(index); ok {
		return part, nil
	}

	offset, size := job.Layout.Part(index)
	var uploadErr error

	for attempt := 0; attempt < t.config.MaxRetryPerPart; attempt++ {
		if err := ctx.Err(); err != nil {
			return Part{}, cancelled(OpUploadPart, index, offset, err)
		}

		t.logger.Debugf("Uploading part %d/%d (attempt %d/%d) [finished=%d] [avg=%v]",
			index+1, job.Layout.TotalParts, attempt+1, t.config.MaxRetryPerPart,
			t.stats.FinishedCount(), t.stats.Average().Round(time.Second))

		start := time.Now()

		partCtx, cancelPart := context.WithCancel(ctx)

		// Hung detection is skipped on the last attempt
		if attempt < t.config.MaxRetryPerPart-1 && t.config.HungThreshold > 0 {
			go t.detectHungUpload(partCtx, cancelPart, start, index)
		}

		var part Part
		part, uploadErr = t.uploadPart(partCtx, job, index, offset, size)
		hung := partCtx.Err() != nil && ctx.Err() == nil
		cancelPart()

		if uploadErr == nil {
			took := time.Since(start)
			t.stats.Update(took, size)
			if err := job.Ledger.Record(index, part); err != nil {
				return Part{}, err
			}
			t.logger.Debugf("Part %d uploaded in %v, part id: %s", index+1, took.Round(time.Millisecond), part.ID)
			return part, nil
		}

		if err := ctx.Err(); err != nil {
			return Part{}, cancelled(OpUploadPart, index, offset, err)
		}

		if hung {
			backoff := time.Duration((attempt+1)*2) * time.Second
			t.logger.Warnf("Part %d attempt %d cancelled (hung), retrying after %v", index+1, attempt+1, backoff)
			if err := t.sleep(ctx, backoff); err != nil {
				return Part{}, cancelled(OpUploadPart, index, offset, err)
			}
			continue
		}

		if !IsTemporary(uploadErr) {
			return Part{}, uploadErr
		}
		t.logger.Warnf("Part %d attempt %d failed: %v", index+1, attempt+1, uploadErr)
	}

	return Part{}, uploadErr
}

func (t *Transferer) detectHungUpload(ctx context.Context, cancel context.CancelFunc, start time.Time, index int) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if t.stats.FinishedCount() > 0 {
				elapsed := time.Since(start)
				avg := t.stats.Average()
				if elapsed-avg > t.config.HungThreshold {
					t.logger.Warnf("Found hung part upload (part %d); canceling request after %s (avg: %s)",
						index+1, elapsed.Round(time.Second), avg.Round(time.Second))
					cancel()
					return
				}
			}
		}
	}
}

// uploadPart sends one attempt. The digest always comes from the up-front pass,
// never from the bytes read here.
func (t *Transferer) uploadPart(ctx context.Context, job Job, index int, offset, size int64) (Part, error) {
	digest := job.Digests.Parts[index]

	part, err := t.api.UploadPart(ctx, job.Session, PartRequest{
		Index:    index,
		Offset:   offset,
		Size:     size,
		FileSize: job.Layout.FileSize,
		Digest:   digest,
		Body:     newPartBody(ctx, job.Source, offset, size),
	})
	if err != nil {
		return Part{}, err
	}

	if part.Offset != offset || part.Size != size {
		return Part{}, &Error{Kind: ErrInvalidPart, Op: OpUploadPart, PartNumber: index + 1, Offset: offset,
			Err: fmt.Errorf("server confirmed offset=%d size=%d, sent offset=%d size=%d", part.Offset, part.Size, offset, size)}
	}
	if part.Digest != digest {
		return Part{}, &Error{Kind: ErrDigestMismatch, Op: OpUploadPart, PartNumber: index + 1, Offset: offset,
			Err: fmt.Errorf("server confirmed %s, computed %s", part.Digest, digest)}
	}

	return part, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
