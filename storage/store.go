// Package storage - Persists raw uploads to timestamped files.
package storage

import (
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// TimestampLayout is the UTC, microsecond-resolution stamp embedded in stored file names.
const TimestampLayout = "20060102T150405.000000Z"

// maxCollisions bounds the counter suffix tried for a single timestamp.
const maxCollisions = 1000

// Store writes raw uploads under a directory with unique, timestamped names.
//
// Writes are serialized. A disabled store accepts every Save call and writes nothing.
type Store struct {
	dir     string
	prefix  string
	enabled bool
	logger  *zap.Logger
	now     func() time.Time

	mu sync.Mutex
}

// Options configures a Store.
type Options struct {
	// Dir is the target directory, created on first use of New.
	Dir string
	// Prefix starts every file name, e.g. "backbone" or "frame".
	Prefix string
	// Enabled switches persistence on.
	Enabled bool
	// Logger receives write logs. Nil disables logging.
	Logger *zap.Logger
}

// New creates a Store and, when enabled, its directory.
//
// Arguments:
//   - opts: The target directory, file prefix and switch.
//
// Returns:
//   - *Store: The store.
//   - error: If the directory cannot be created.
func New(opts Options) (*Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		dir:     opts.Dir,
		prefix:  opts.Prefix,
		enabled: opts.Enabled,
		logger:  logger,
		now:     time.Now,
	}
	if !s.enabled {
		return s, nil
	}

	abs, err := filepath.Abs(opts.Dir)
	if err != nil {
		return nil, errors.Wrapf(err, "resolving %s", opts.Dir)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating %s", abs)
	}
	s.dir = abs
	return s, nil
}

// Enabled reports whether Save writes anything.
func (s *Store) Enabled() bool {
	return s.enabled
}

// Dir returns the absolute target directory.
func (s *Store) Dir() string {
	return s.dir
}

// Save writes data to <prefix>_<timestamp><ext>. When a file with that name already exists a
// "-<n>" counter is appended before the extension.
//
// Arguments:
//   - data: The raw upload.
//   - ext: The file suffix including the dot.
//
// Returns:
//   - string: The absolute path written, or "" when the store is disabled.
//   - error: If the file could not be written.
func (s *Store) Save(data []byte, ext string) (string, error) {
	if !s.enabled {
		return "", nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	base := s.prefix + "_" + s.now().UTC().Format(TimestampLayout)
	for n := 0; n < maxCollisions; n++ {
		name := base + ext
		if n > 0 {
			name = base + "-" + strconv.Itoa(n) + ext
		}
		target := filepath.Join(s.dir, name)

		f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if os.IsExist(err) {
			continue
		}
		if err != nil {
			return "", errors.Wrapf(err, "creating %s", target)
		}

		if _, err := f.Write(data); err != nil {
			f.Close()
			os.Remove(target)
			return "", errors.Wrapf(err, "writing %s", target)
		}
		if err := f.Close(); err != nil {
			os.Remove(target)
			return "", errors.Wrapf(err, "closing %s", target)
		}

		s.logger.Debug("payload stored", zap.String("path", target), zap.Int("bytes", len(data)))
		return target, nil
	}
	return "", errors.Errorf("no free file name for %s%s after %d attempts", base, ext, maxCollisions)
}
