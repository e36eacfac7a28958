package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
)

const keyPrefix = "checkpoint/"

// BadgerConfig configures a BadgerStore
type BadgerConfig struct {
	// Path is the database directory, ignored when InMemory is set
	Path       string
	InMemory   bool
	SyncWrites bool
}

// BadgerStore keeps checkpoints as values in an embedded badger database keyed by name
type BadgerStore struct {
	db     *badger.DB
	logger zerolog.Logger
}

type badgerLogger struct {
	logger zerolog.Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error().Msgf(strings.TrimSpace(format), args...)
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn().Msgf(strings.TrimSpace(format), args...)
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug().Msgf(strings.TrimSpace(format), args...)
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Trace().Msgf(strings.TrimSpace(format), args...)
}

// OpenBadgerStore opens (or creates) the database described by cfg
func OpenBadgerStore(cfg BadgerConfig, logger zerolog.Logger) (*BadgerStore, error) {
	logger = logger.With().Str("component", "checkpoint_badger").Logger()

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, errors.New("path is required for a persistent checkpoint database")
		}
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("%w: create dir %s: %v", ErrIO, cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.
		WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(badgerLogger{logger: logger})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: open badger: %v", ErrIO, err)
	}
	return &BadgerStore{db: db, logger: logger}, nil
}

// Save implements Store
func (s *BadgerStore) Save(ctx context.Context, name string, ckpt *Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := Encode(ckpt)
	if err != nil {
		return err
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(keyPrefix+name), data)
	})
	if err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrIO, name, err)
	}
	s.logger.Info().Str("name", name).Int64("step", ckpt.StepCount).Int("bytes", len(data)).Msg("Saved checkpoint")
	return nil
}

// Load implements Store
func (s *BadgerStore) Load(ctx context.Context, name string) (*Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyPrefix + name))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrIO, name, err)
	}
	ckpt, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return ckpt, nil
}

// List implements Store
func (s *BadgerStore) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var names []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			names = append(names, strings.TrimPrefix(string(it.Item().Key()), keyPrefix))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: list: %v", ErrIO, err)
	}
	sortNames(names)
	return names, nil
}

// Close implements Store
func (s *BadgerStore) Close() error {
	return s.db.Close()
}
