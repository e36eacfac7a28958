package replay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/mitchelldurbincs/ActorLearnerRL/internal/retry"
)

// Retrying wraps a Service so that transient ErrUnavailable failures are retried with
// bounded backoff. Once the budget is spent the error is returned to the caller,
// which treats it as fatal for the process.
type Retrying struct {
	next   Service
	policy retry.Policy
	logger zerolog.Logger
}

// NewRetrying wraps next with the given retry policy
func NewRetrying(next Service, policy retry.Policy, logger zerolog.Logger) *Retrying {
	return &Retrying{
		next:   next,
		policy: policy,
		logger: logger.With().Str("component", "replay_retry").Logger(),
	}
}

func (r *Retrying) notify(op string) func(error, time.Duration) {
	return func(err error, wait time.Duration) {
		r.logger.Warn().
			Err(err).
			Str("op", op).
			Dur("backoff", wait).
			Msg("Replay call failed, retrying")
	}
}

func classify(err error) error {
	if err == nil || errors.Is(err, ErrUnavailable) {
		return err
	}
	return retry.Permanent(err)
}

func (r *Retrying) exhausted(op string, err error) error {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, ErrUnavailable) {
		return fmt.Errorf("%s gave up after %d attempts: %w", op, r.policy.MaxAttempts, err)
	}
	return err
}

// Insert implements Service
func (r *Retrying) Insert(ctx context.Context, items []Transition) error {
	_, err := retry.Do(ctx, r.policy, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, classify(r.next.Insert(ctx, items))
	}, r.notify("insert"))
	return r.exhausted("insert", err)
}

// Info implements Service
func (r *Retrying) Info(ctx context.Context) (Info, error) {
	info, err := retry.Do(ctx, r.policy, func(ctx context.Context) (Info, error) {
		info, err := r.next.Info(ctx)
		return info, classify(err)
	}, r.notify("info"))
	return info, r.exhausted("info", err)
}

// Sample implements Service
func (r *Retrying) Sample(ctx context.Context, batchSize int) (*Batch, error) {
	batch, err := retry.Do(ctx, r.policy, func(ctx context.Context) (*Batch, error) {
		b, err := r.next.Sample(ctx, batchSize)
		return b, classify(err)
	}, r.notify("sample"))
	return batch, r.exhausted("sample", err)
}

// UpdatePriorities implements Service
func (r *Retrying) UpdatePriorities(ctx context.Context, keys []uint64, priorities []float64) error {
	_, err := retry.Do(ctx, r.policy, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, classify(r.next.UpdatePriorities(ctx, keys, priorities))
	}, r.notify("update_priorities"))
	return r.exhausted("update_priorities", err)
}
