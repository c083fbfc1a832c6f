package sweeper

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// ExpiredChallenges deletes OTP challenges past their expiry.
type ExpiredChallenges interface {
	CleanupExpired(ctx context.Context) (int64, error)
}

// DeadTokens deletes refresh tokens that are expired or revoked.
type DeadTokens interface {
	Sweep(ctx context.Context) (int64, error)
}

// Result counts what one pass removed.
type Result struct {
	Challenges int64
	Tokens     int64
}

// Runner purges expired OTP challenges and dead refresh tokens.
type Runner struct {
	otps     ExpiredChallenges
	tokens   DeadTokens
	interval time.Duration
	logger   *zap.SugaredLogger
}

func New(otps ExpiredChallenges, tokens DeadTokens, interval time.Duration, logger *zap.SugaredLogger) *Runner {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Runner{otps: otps, tokens: tokens, interval: interval, logger: logger}
}

// RunOnce performs a single pass. Both purges are attempted even if one fails.
func (r *Runner) RunOnce(ctx context.Context) (Result, error) {
	var res Result
	var errs []error
	if r.otps != nil {
		n, err := r.otps.CleanupExpired(ctx)
		if err != nil {
			errs = append(errs, err)
		}
		res.Challenges = n
	}
	if r.tokens != nil {
		n, err := r.tokens.Sweep(ctx)
		if err != nil {
			errs = append(errs, err)
		}
		res.Tokens = n
	}
	return res, errors.Join(errs...)
}

// Start runs a pass immediately and then every interval until ctx is done.
func (r *Runner) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		r.pass(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (r *Runner) pass(ctx context.Context) {
	res, err := r.RunOnce(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		r.logger.Warnw("sweep failed", "err", err, "challenges", res.Challenges, "tokens", res.Tokens)
		return
	}
	if res.Challenges > 0 || res.Tokens > 0 {
		r.logger.Infow("sweep complete", "challenges", res.Challenges, "tokens", res.Tokens)
	}
}
