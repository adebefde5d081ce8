// Package payload - Reads and writes the backbone outputs uploaded by edge devices.
//
// A payload is a NumPy .npz archive, as written by numpy.savez(*outputs): a zip of
// arr_0.npy ... arr_{B-1}.npy holding the backbone outputs in index order. A bare .npy file
// is accepted as a single-output payload.
package payload

import (
	"archive/zip"
	"bytes"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/pkg/errors"

	"github.com/nvr-ai/go-neckhead/graph"
)

// npyMagic starts every .npy file.
var npyMagic = []byte("\x93NUMPY")

// DefaultMaxDecodedBytes bounds the array bytes Decode will materialize from one payload.
const DefaultMaxDecodedBytes = 256 << 20

const (
	// MIMEZip is the detected type of .npz archives.
	MIMEZip = "application/zip"
	// MIMENpy is reported for bare .npy payloads.
	MIMENpy = "application/x-npy"
)

// Detect returns the payload media type: MIMEZip, MIMENpy, or whatever mimetype reports.
func Detect(data []byte) string {
	if bytes.HasPrefix(data, npyMagic) {
		return MIMENpy
	}
	return strings.Split(mimetype.Detect(data).String(), ";")[0]
}

// Extension returns the file suffix for a payload type, including the dot.
func Extension(mime string) string {
	switch mime {
	case MIMEZip:
		return ".npz"
	case MIMENpy:
		return ".npy"
	}
	if m := mimetype.Lookup(mime); m != nil && m.Extension() != "" {
		return m.Extension()
	}
	return ".bin"
}

// Decode parses an uploaded payload into feature maps in index order, materializing at most
// DefaultMaxDecodedBytes.
func Decode(data []byte) ([]graph.FeatureMap, error) {
	return DecodeLimit(data, DefaultMaxDecodedBytes)
}

// DecodeLimit parses an uploaded payload into feature maps in index order.
//
// Arguments:
//   - data: The raw upload.
//   - limit: Upper bound on the uncompressed size of all arrays together.
//
// Returns:
//   - []graph.FeatureMap: float32 maps; float64 arrays are converted.
//   - error: A *DeserializationError when the payload cannot be read or exceeds limit.
func DecodeLimit(data []byte, limit int64) ([]graph.FeatureMap, error) {
	if len(data) == 0 {
		return nil, deserialization(nil, "empty payload")
	}
	if limit <= 0 {
		limit = DefaultMaxDecodedBytes
	}

	switch mime := Detect(data); mime {
	case MIMENpy:
		if int64(len(data)) > limit {
			return nil, deserialization(nil, "npy payload of %d bytes exceeds %d", len(data), limit)
		}
		m, err := readNpy(bytes.NewReader(data), int64(len(data)))
		if err != nil {
			return nil, deserialization(err, "reading npy payload")
		}
		return []graph.FeatureMap{m}, nil
	case MIMEZip:
		return decodeArchive(data, limit)
	default:
		return nil, deserialization(nil, "unsupported payload type %s", mime)
	}
}

func decodeArchive(data []byte, limit int64) ([]graph.FeatureMap, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, deserialization(err, "opening npz archive")
	}

	type entry struct {
		index int
		file  *zip.File
	}
	entries := make([]entry, 0, len(zr.File))
	var total uint64
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		idx, ok := arrayIndex(f.Name)
		if !ok {
			return nil, deserialization(nil, "unexpected archive member %q", f.Name)
		}
		total += f.UncompressedSize64
		if f.UncompressedSize64 > uint64(limit) || total > uint64(limit) {
			return nil, deserialization(nil, "npz arrays exceed %d bytes", limit)
		}
		entries = append(entries, entry{index: idx, file: f})
	}
	if len(entries) == 0 {
		return nil, deserialization(nil, "npz archive holds no arrays")
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].index < entries[j].index })

	maps := make([]graph.FeatureMap, len(entries))
	for i, e := range entries {
		if e.index != i {
			return nil, deserialization(nil, "npz archive is missing arr_%d", i)
		}
		rc, err := e.file.Open()
		if err != nil {
			return nil, deserialization(err, "opening %s", e.file.Name)
		}
		m, err := readNpy(rc, int64(e.file.UncompressedSize64))
		rc.Close()
		if err != nil {
			return nil, deserialization(err, "reading %s", e.file.Name)
		}
		maps[i] = m
	}
	return maps, nil
}

// arrayIndex parses the position out of an "arr_<n>.npy" member name.
func arrayIndex(name string) (int, bool) {
	base := path.Base(name)
	if !strings.HasPrefix(base, "arr_") || !strings.HasSuffix(base, ".npy") {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(base, "arr_"), ".npy"))
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// Encode writes feature maps as an .npz archive readable by Decode and numpy.load.
func Encode(maps []graph.FeatureMap) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for i, m := range maps {
		w, err := zw.Create("arr_" + strconv.Itoa(i) + ".npy")
		if err != nil {
			return nil, errors.Wrapf(err, "adding arr_%d", i)
		}
		if err := m.WriteNpy(w); err != nil {
			return nil, errors.Wrapf(err, "writing arr_%d", i)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, errors.Wrap(err, "closing npz archive")
	}
	return buf.Bytes(), nil
}
