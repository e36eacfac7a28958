package status

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/mitchelldurbincs/ActorLearnerRL/internal/retry"
)

func TestStatus_InitialTerminateIsFalse(t *testing.T) {
	s := New(zerolog.Nop())

	done, err := Terminated(context.Background(), s)
	require.NoError(t, err)
	assert.False(t, done)
}

func TestStatus_GetMissingKey(t *testing.T) {
	s := New(zerolog.Nop())

	_, err := s.Get("missing")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	_, err = s.GetInfo(context.Background(), KeyTerminate, "missing")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestStatus_SetInfoMergesLeftBiased(t *testing.T) {
	s := New(zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, s.Set("learner_step", structpb.NewNumberValue(1)))
	require.NoError(t, s.Set("phase", structpb.NewStringValue("warmup")))

	err := s.SetInfo(ctx, map[string]*structpb.Value{
		"learner_step": structpb.NewNumberValue(7),
		"extra":        structpb.NewBoolValue(true),
	})
	require.NoError(t, err)

	all, err := s.GetInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7.0, all["learner_step"].GetNumberValue())
	assert.Equal(t, "warmup", all["phase"].GetStringValue())
	assert.True(t, all["extra"].GetBoolValue())
	assert.False(t, all[KeyTerminate].GetBoolValue())
}

func TestStatus_TerminateIsSticky(t *testing.T) {
	s := New(zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, Terminate(ctx, s))
	// Raising it again is harmless
	require.NoError(t, Terminate(ctx, s))

	err := s.Set(KeyTerminate, structpb.NewBoolValue(false))
	assert.ErrorIs(t, err, ErrStickyKey)

	done, err := Terminated(ctx, s)
	require.NoError(t, err)
	assert.True(t, done)
}

func TestStatus_TypeMismatch(t *testing.T) {
	s := New(zerolog.Nop())
	ctx := context.Background()

	assert.ErrorIs(t, s.Set(KeyTerminate, structpb.NewStringValue("yes")), ErrTypeMismatch)
	assert.ErrorIs(t, s.Set("", structpb.NewBoolValue(true)), ErrTypeMismatch)
	assert.ErrorIs(t, s.Set("x", nil), ErrTypeMismatch)

	require.NoError(t, s.Set("name", structpb.NewStringValue("learner")))
	_, err := GetBool(ctx, s, "name")
	assert.ErrorIs(t, err, ErrTypeMismatch)
}

func TestStatus_RejectedMergeLeavesCellUntouched(t *testing.T) {
	s := New(zerolog.Nop())

	err := s.SetInfo(context.Background(), map[string]*structpb.Value{
		"a":          structpb.NewNumberValue(1),
		KeyTerminate: structpb.NewNumberValue(1),
	})
	assert.ErrorIs(t, err, ErrTypeMismatch)

	_, err = s.Get("a")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestStatus_ReturnedValuesAreCopies(t *testing.T) {
	s := New(zerolog.Nop())
	require.NoError(t, s.Set("n", structpb.NewNumberValue(1)))

	v, err := s.Get("n")
	require.NoError(t, err)
	v.Kind = &structpb.Value_NumberValue{NumberValue: 42}

	again, err := s.Get("n")
	require.NoError(t, err)
	assert.Equal(t, 1.0, again.GetNumberValue())
}

func TestStatus_ConcurrentReadersDuringTerminate(t *testing.T) {
	s := New(zerolog.Nop())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seenTrue := false
			for j := 0; j < 500; j++ {
				done, err := Terminated(ctx, s)
				if !assert.NoError(t, err) {
					return
				}
				// Once observed, the flag never goes back
				if seenTrue {
					assert.True(t, done)
				}
				seenTrue = seenTrue || done
			}
		}()
	}

	require.NoError(t, Terminate(ctx, s))
	wg.Wait()
}

type flakyReader struct {
	Reader
	failures int
	calls    int
	err      error
}

func (f *flakyReader) GetInfo(ctx context.Context, keys ...string) (map[string]*structpb.Value, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, f.err
	}
	return f.Reader.GetInfo(ctx, keys...)
}

func fastPolicy(attempts int) retry.Policy {
	return retry.Policy{MaxAttempts: attempts, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
}

func TestRetryingReader_RecoversFromUnavailable(t *testing.T) {
	flaky := &flakyReader{Reader: New(zerolog.Nop()), failures: 2, err: ErrUnavailable}
	r := NewRetryingReader(flaky, fastPolicy(5), zerolog.Nop())

	done, err := Terminated(context.Background(), r)
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, 3, flaky.calls)
}

func TestRetryingReader_GivesUpAfterBudget(t *testing.T) {
	flaky := &flakyReader{Reader: New(zerolog.Nop()), failures: 10, err: ErrUnavailable}
	r := NewRetryingReader(flaky, fastPolicy(3), zerolog.Nop())

	_, err := Terminated(context.Background(), r)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 3, flaky.calls)
}

func TestRetryingReader_DoesNotRetryMissingKey(t *testing.T) {
	flaky := &flakyReader{Reader: New(zerolog.Nop())}
	r := NewRetryingReader(flaky, fastPolicy(5), zerolog.Nop())

	_, err := r.GetInfo(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrKeyNotFound)
	assert.Equal(t, 1, flaky.calls)
}
