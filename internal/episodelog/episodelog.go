// Package episodelog persists completed-episode records as JSON lines with
// size-based file rotation, so runs can be analysed after the process exits.
package episodelog

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// ErrClosed is returned by Write after Close
var ErrClosed = errors.New("episode log is closed")

const filePattern = "episodes_*.jsonl"

// Record is one finished episode
type Record struct {
	ActorID      string
	Episode      int64
	Return       float64
	Length       int
	ParamVersion int64
	CompletedAt  time.Time
}

func (r Record) toStruct() (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"actor_id":      r.ActorID,
		"episode":       r.Episode,
		"return":        r.Return,
		"length":        r.Length,
		"param_version": r.ParamVersion,
		"completed_at":  r.CompletedAt.UTC().Format(time.RFC3339Nano),
	})
}

func recordFromStruct(s *structpb.Struct) (Record, error) {
	f := s.GetFields()
	at, err := time.Parse(time.RFC3339Nano, f["completed_at"].GetStringValue())
	if err != nil {
		return Record{}, fmt.Errorf("completed_at: %w", err)
	}
	return Record{
		ActorID:      f["actor_id"].GetStringValue(),
		Episode:      int64(f["episode"].GetNumberValue()),
		Return:       f["return"].GetNumberValue(),
		Length:       int(f["length"].GetNumberValue()),
		ParamVersion: int64(f["param_version"].GetNumberValue()),
		CompletedAt:  at,
	}, nil
}

// Config controls where records go and when files rotate
type Config struct {
	Dir string
	// MaxFileSize rotates to a new file once the current one reaches it; 0 never rotates
	MaxFileSize int64
}

// Stats counts log activity
type Stats struct {
	TotalWritten  int64
	BytesWritten  int64
	WriteErrors   int64
	Files         int
	LastWriteTime time.Time
}

// FileLog appends records to rotating files under Config.Dir
type FileLog struct {
	cfg    Config
	logger zerolog.Logger

	mu          sync.Mutex
	stats       Stats
	currentFile *os.File
	currentSize int64
	fileIndex   int
	closed      bool
}

// Open creates the directory and the first file
func Open(cfg Config, logger zerolog.Logger) (*FileLog, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create episode log directory: %w", err)
	}
	fl := &FileLog{
		cfg:    cfg,
		logger: logger.With().Str("component", "episode_log").Logger(),
	}
	if err := fl.rotateLocked(); err != nil {
		return nil, err
	}
	return fl, nil
}

// Write appends records and syncs the file
func (fl *FileLog) Write(_ context.Context, records ...Record) error {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if fl.closed {
		return ErrClosed
	}
	for _, r := range records {
		if fl.cfg.MaxFileSize > 0 && fl.currentSize >= fl.cfg.MaxFileSize {
			if err := fl.rotateLocked(); err != nil {
				fl.stats.WriteErrors++
				return fmt.Errorf("failed to rotate file: %w", err)
			}
		}
		s, err := r.toStruct()
		if err != nil {
			fl.stats.WriteErrors++
			return fmt.Errorf("failed to encode record: %w", err)
		}
		data, err := protojson.Marshal(s)
		if err != nil {
			fl.stats.WriteErrors++
			return fmt.Errorf("failed to marshal record: %w", err)
		}
		n, err := fl.currentFile.Write(append(data, '\n'))
		if err != nil {
			fl.stats.WriteErrors++
			return fmt.Errorf("failed to write record: %w", err)
		}
		fl.currentSize += int64(n)
		fl.stats.TotalWritten++
		fl.stats.BytesWritten += int64(n)
	}

	if err := fl.currentFile.Sync(); err != nil {
		fl.logger.Warn().Err(err).Msg("Failed to sync file")
	}
	fl.stats.LastWriteTime = time.Now()
	return nil
}

// Read returns up to limit records for actorID (all actors when empty), oldest
// file first. limit <= 0 means no limit.
func (fl *FileLog) Read(ctx context.Context, actorID string, limit int) ([]Record, error) {
	return ReadDir(ctx, fl.cfg.Dir, actorID, limit)
}

// ReadDir reads records from every log file in dir
func ReadDir(ctx context.Context, dir, actorID string, limit int) ([]Record, error) {
	files, err := filepath.Glob(filepath.Join(dir, filePattern))
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}
	sort.Strings(files)

	var records []Record
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if limit > 0 && len(records) >= limit {
			break
		}
		recs, err := readFile(file, actorID, limit-len(records))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", file, err)
		}
		records = append(records, recs...)
	}
	return records, nil
}

func readFile(name, actorID string, limit int) ([]Record, error) {
	file, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var records []Record
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		if limit > 0 && len(records) >= limit {
			break
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var s structpb.Struct
		if err := protojson.Unmarshal(line, &s); err != nil {
			return nil, fmt.Errorf("failed to unmarshal record: %w", err)
		}
		r, err := recordFromStruct(&s)
		if err != nil {
			return nil, err
		}
		if actorID == "" || r.ActorID == actorID {
			records = append(records, r)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading file: %w", err)
	}
	return records, nil
}

// Must be called with mu held
func (fl *FileLog) rotateLocked() error {
	if fl.currentFile != nil {
		if err := fl.currentFile.Close(); err != nil {
			fl.logger.Warn().Err(err).Msg("Failed to close previous file")
		}
	}

	timestamp := time.Now().Format("20060102_150405")
	var filename string
	for {
		filename = filepath.Join(fl.cfg.Dir, fmt.Sprintf("episodes_%s_%04d.jsonl", timestamp, fl.fileIndex))
		fl.fileIndex++
		if _, err := os.Stat(filename); os.IsNotExist(err) {
			break
		}
	}

	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	fl.currentFile = file
	fl.currentSize = 0
	fl.stats.Files++

	fl.logger.Debug().Str("filename", filename).Msg("Rotated to new episode file")
	return nil
}

// Close flushes and closes the current file
func (fl *FileLog) Close() error {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	if fl.closed {
		return nil
	}
	fl.closed = true
	return fl.currentFile.Close()
}

// Stats returns a copy of the counters
func (fl *FileLog) Stats() Stats {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	return fl.stats
}
