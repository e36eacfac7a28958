package status

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/mitchelldurbincs/ActorLearnerRL/internal/retry"
)

// RetryingReader retries ErrUnavailable reads with bounded backoff. Any other
// error, such as a missing key, is returned on the first attempt.
type RetryingReader struct {
	next   Reader
	policy retry.Policy
	logger zerolog.Logger
}

// NewRetryingReader wraps next with the given retry policy
func NewRetryingReader(next Reader, policy retry.Policy, logger zerolog.Logger) *RetryingReader {
	return &RetryingReader{
		next:   next,
		policy: policy,
		logger: logger.With().Str("component", "status_retry").Logger(),
	}
}

// GetInfo implements Reader
func (r *RetryingReader) GetInfo(ctx context.Context, keys ...string) (map[string]*structpb.Value, error) {
	values, err := retry.Do(ctx, r.policy, func(ctx context.Context) (map[string]*structpb.Value, error) {
		values, err := r.next.GetInfo(ctx, keys...)
		if err != nil && !errors.Is(err, ErrUnavailable) {
			return nil, retry.Permanent(err)
		}
		return values, err
	}, func(err error, wait time.Duration) {
		r.logger.Warn().
			Err(err).
			Strs("keys", keys).
			Dur("backoff", wait).
			Msg("Status read failed, retrying")
	})
	if err != nil && errors.Is(err, ErrUnavailable) {
		return nil, fmt.Errorf("status read gave up after %d attempts: %w", r.policy.MaxAttempts, err)
	}
	return values, err
}
