package checkpoint

import (
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"
)

// Backend names accepted by Open
const (
	BackendFile   = "file"
	BackendBadger = "badger"
)

// Open builds the store for the named backend rooted at dir
func Open(backend, dir string, logger zerolog.Logger) (Store, error) {
	switch backend {
	case "", BackendFile:
		return NewFileStore(dir, logger)
	case BackendBadger:
		return OpenBadgerStore(BadgerConfig{Path: filepath.Join(dir, "badger"), SyncWrites: true}, logger)
	default:
		return nil, fmt.Errorf("unknown checkpoint backend %q", backend)
	}
}
