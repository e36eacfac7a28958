// Package checkpoint persists learner state (step count, parameters, optimizer
// state) as a single unit and restores it bit for bit.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mitchelldurbincs/ActorLearnerRL/internal/params"
)

var (
	// ErrIO wraps any failure of the underlying storage
	ErrIO = errors.New("checkpoint io error")
	// ErrMalformed means stored bytes could not be decoded or failed their checksum
	ErrMalformed = errors.New("malformed checkpoint")
	// ErrNotFound is returned when no checkpoint exists under a name
	ErrNotFound = errors.New("checkpoint not found")
	// ErrShapeMismatch means a checkpoint does not fit the live model
	ErrShapeMismatch = params.ErrShapeMismatch
)

const namePrefix = "checkpoint-"

// Checkpoint is learner state persisted as a unit
type Checkpoint struct {
	StepCount    int64
	ParamVersion int64
	Params       params.Tensors
	OptState     params.Tensors
	CreatedAt    time.Time
}

// Name returns the conventional name for a checkpoint taken at step
func Name(step int64) string {
	return namePrefix + strconv.FormatInt(step, 10)
}

// StepFromName parses the step out of a conventional checkpoint name
func StepFromName(name string) (int64, bool) {
	base := name
	if i := strings.LastIndexAny(base, `/\`); i >= 0 {
		base = base[i+1:]
	}
	base = strings.TrimSuffix(base, fileExtension)
	if !strings.HasPrefix(base, namePrefix) {
		return 0, false
	}
	step, err := strconv.ParseInt(strings.TrimPrefix(base, namePrefix), 10, 64)
	if err != nil || step < 0 {
		return 0, false
	}
	return step, true
}

// Store saves and loads checkpoints by name
type Store interface {
	Save(ctx context.Context, name string, ckpt *Checkpoint) error
	Load(ctx context.Context, name string) (*Checkpoint, error)
	// List returns stored names, oldest step first
	List(ctx context.Context) ([]string, error)
	Close() error
}

// Validate checks that a checkpoint is internally consistent
func (c *Checkpoint) Validate() error {
	if c.StepCount < 0 {
		return fmt.Errorf("%w: negative step count %d", ErrMalformed, c.StepCount)
	}
	if len(c.Params) == 0 {
		return fmt.Errorf("%w: no parameters", ErrMalformed)
	}
	if err := c.Params.Validate(); err != nil {
		return fmt.Errorf("%w: params: %v", ErrMalformed, err)
	}
	if err := c.OptState.Validate(); err != nil {
		return fmt.Errorf("%w: optimizer state: %v", ErrMalformed, err)
	}
	return nil
}

// Latest returns the name with the highest step in s, or ErrNotFound
func Latest(ctx context.Context, s Store) (string, error) {
	names, err := s.List(ctx)
	if err != nil {
		return "", err
	}
	if len(names) == 0 {
		return "", ErrNotFound
	}
	return names[len(names)-1], nil
}

// LatestName can be passed wherever a checkpoint name is expected to mean the
// newest checkpoint in the store
const LatestName = "latest"

// Resolve maps LatestName to the newest stored name and returns any other name as is
func Resolve(ctx context.Context, s Store, name string) (string, error) {
	if name != LatestName {
		return name, nil
	}
	latest, err := Latest(ctx, s)
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", LatestName, err)
	}
	return latest, nil
}

// sortNames orders conventional names by step, others lexically before them
func sortNames(names []string) {
	sort.SliceStable(names, func(i, j int) bool {
		si, oki := StepFromName(names[i])
		sj, okj := StepFromName(names[j])
		switch {
		case oki && okj:
			return si < sj
		case oki != okj:
			return !oki
		default:
			return names[i] < names[j]
		}
	})
}
