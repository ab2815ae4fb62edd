package chunkupload

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
)

// CommitPolicy controls the wait between "still processing" commit responses.
type CommitPolicy struct {
	// RetryAfterAttempts is the number of pending responses whose Retry-After hint is honored.
	RetryAfterAttempts int
	// DefaultWait is used when the server sends no Retry-After hint.
	DefaultWait time.Duration
	// MaxWait is the ceiling; a wait above it fails the commit with ErrMaxAttemptsExceeded.
	MaxWait time.Duration
	// MinFactor and MaxFactor bound the randomized backoff multiplier, [MinFactor, MaxFactor).
	MinFactor float64
	MaxFactor float64
}

// DefaultCommitPolicy ...
func DefaultCommitPolicy() CommitPolicy {
	return CommitPolicy{
		RetryAfterAttempts: 2,
		DefaultWait:        time.Second,
		MaxWait:            90 * time.Second,
		MinFactor:          1.5,
		MaxFactor:          2.5,
	}
}

// NextWait returns the wait after the pending-th "still processing" response (1-based).
// jitter is a uniform sample from [0, 1).
func (p CommitPolicy) NextWait(pending int, previous, retryAfter time.Duration, jitter float64) time.Duration {
	if pending <= p.RetryAfterAttempts {
		if retryAfter > 0 {
			return retryAfter
		}
		return p.DefaultWait
	}

	if previous <= 0 {
		previous = p.DefaultWait
	}
	factor := p.MinFactor + jitter*(p.MaxFactor-p.MinFactor)
	return time.Duration(float64(previous) * factor)
}

// CommitOptions are the caller-controlled parts of the commit request.
type CommitOptions struct {
	// Attributes override file attributes, e.g. {"name": "renamed.bin"}.
	Attributes  map[string]interface{}
	IfMatch     string
	IfNoneMatch string
}

// Committer drives the commit request until the server finishes assembling the file.
type Committer struct {
	api    API
	policy CommitPolicy
	logger log.Logger
	sleep  func(context.Context, time.Duration) error
	jitter func() float64
}

// NewCommitter ...
func NewCommitter(api API, policy CommitPolicy, logger log.Logger) *Committer {
	if policy == (CommitPolicy{}) {
		policy = DefaultCommitPolicy()
	}
	if logger == nil {
		logger = log.NewLogger()
	}
	return &Committer{
		api:    api,
		policy: policy,
		logger: logger,
		sleep:  sleepContext,
		jitter: rand.Float64,
	}
}

// Commit builds the manifest from a complete ledger and submits it until the server
// returns the finished file. Pending responses are waited out according to the policy;
// every other failure is terminal.
func (c *Committer) Commit(ctx context.Context, session Session, ledger *Ledger, digests Digests, opts CommitOptions) (*File, error) {
	parts, err := ledger.Parts()
	if err != nil {
		return nil, err
	}

	req := CommitRequest{
		Parts:       parts,
		FileDigest:  digests.File,
		Attributes:  opts.Attributes,
		IfMatch:     opts.IfMatch,
		IfNoneMatch: opts.IfNoneMatch,
	}

	var wait time.Duration
	for pending := 0; ; {
		if err := ctx.Err(); err != nil {
			return nil, &Error{Kind: ErrCancelled, Op: OpCommit, Err: err}
		}

		resp, err := c.api.Commit(ctx, session, req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, &Error{Kind: ErrCancelled, Op: OpCommit, Err: ctx.Err()}
			}
			return nil, err
		}

		switch resp.State {
		case CommitDone:
			if err := verifyCommittedFile(resp.File, digests.File); err != nil {
				return nil, err
			}
			return resp.File, nil
		case CommitPending:
			pending++
			wait = c.policy.NextWait(pending, wait, resp.RetryAfter, c.jitter())
			if wait > c.policy.MaxWait {
				return nil, &Error{Kind: ErrMaxAttemptsExceeded, Op: OpCommit,
					Err: fmt.Errorf("still processing after %d attempts, next wait %s exceeds %s", pending, wait, c.policy.MaxWait)}
			}
			c.logger.Debugf("Session %s is still processing (attempt %d), retrying commit in %s", session.ID, pending, wait)
			if err := c.sleep(ctx, wait); err != nil {
				return nil, &Error{Kind: ErrCancelled, Op: OpCommit, Err: err}
			}
		default:
			return nil, &Error{Kind: ErrCommit, Op: OpCommit, Err: fmt.Errorf("unknown commit state %d", resp.State)}
		}
	}
}

func verifyCommittedFile(file *File, digest Digest) error {
	if file == nil {
		return &Error{Kind: ErrCommit, Op: OpCommit, Err: fmt.Errorf("no file in commit response")}
	}
	if file.SHA1 == "" {
		return nil
	}

	confirmed, err := ParseHexDigest(file.SHA1)
	if err != nil {
		return &Error{Kind: ErrCommit, Op: OpCommit, Err: err}
	}
	if confirmed != digest {
		return &Error{Kind: ErrDigestMismatch, Op: OpCommit,
			Err: fmt.Errorf("file %s has sha1 %s, computed %s", file.ID, file.SHA1, digest.Hex())}
	}
	return nil
}
