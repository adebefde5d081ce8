package util

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/nvr-ai/go-neckhead/storage"
)

// PayloadFile represents one persisted upload.
type PayloadFile struct {
	// Path is the path to the payload file.
	Path string
	// Data is the raw bytes of the payload file.
	Data []byte
	// Time is the upload time encoded in the file name.
	Time time.Time
	// Seq is the collision counter of the file name, 0 when absent.
	Seq int
}

// ParsePayloadName splits a name written by storage.Store into its timestamp, collision
// counter and extension.
//
// Arguments:
//   - prefix: The store prefix, e.g. "backbone".
//   - name: The base file name.
//
// Returns:
//   - time.Time: The UTC upload time.
//   - int: The collision counter.
//   - string: The extension including the dot.
//   - bool: False when the name was not written with this prefix.
func ParsePayloadName(prefix, name string) (time.Time, int, string, bool) {
	rest := strings.TrimPrefix(name, prefix+"_")
	if rest == name || len(rest) < len(storage.TimestampLayout) {
		return time.Time{}, 0, "", false
	}

	ts, err := time.Parse(storage.TimestampLayout, rest[:len(storage.TimestampLayout)])
	if err != nil {
		return time.Time{}, 0, "", false
	}
	rest = rest[len(storage.TimestampLayout):]

	seq := 0
	if strings.HasPrefix(rest, "-") {
		end := strings.IndexByte(rest, '.')
		if end < 0 {
			end = len(rest)
		}
		n, err := strconv.Atoi(rest[1:end])
		if err != nil || n <= 0 {
			return time.Time{}, 0, "", false
		}
		seq = n
		rest = rest[end:]
	}

	return ts, seq, rest, true
}

// LoadDirectoryPayloadFiles reads all payload files with the given prefix from a directory,
// oldest first.
//
// Arguments:
// - dir: Directory path containing persisted payloads.
// - prefix: The store prefix.
// - exts: Accepted extensions; none accepts every extension.
//
// Returns:
// - []PayloadFile: The payloads in upload order.
// - error: Error if loading fails.
func LoadDirectoryPayloadFiles(dir, prefix string, exts ...string) ([]PayloadFile, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "reading payload directory %s", dir)
	}

	accepted := make(map[string]bool, len(exts))
	for _, ext := range exts {
		accepted[strings.ToLower(ext)] = true
	}

	var payloads []PayloadFile
	for _, file := range files {
		if file.IsDir() {
			continue
		}

		ts, seq, ext, ok := ParsePayloadName(prefix, file.Name())
		if !ok {
			continue
		}
		if len(accepted) > 0 && !accepted[strings.ToLower(ext)] {
			continue
		}

		path := filepath.Join(dir, file.Name())
		data, readErr := os.ReadFile(path)
		if readErr != nil {
			return nil, errors.Wrapf(readErr, "reading %s", path)
		}
		payloads = append(payloads, PayloadFile{
			Path: path,
			Data: data,
			Time: ts,
			Seq:  seq,
		})
	}

	sort.Slice(payloads, func(i, j int) bool {
		if !payloads[i].Time.Equal(payloads[j].Time) {
			return payloads[i].Time.Before(payloads[j].Time)
		}
		return payloads[i].Seq < payloads[j].Seq
	})

	return payloads, nil
}
