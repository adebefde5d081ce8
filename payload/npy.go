package payload

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-neckhead/graph"
)

var (
	descrRE   = regexp.MustCompile(`'descr':\s*'([^']*)'`)
	fortranRE = regexp.MustCompile(`'fortran_order':\s*(False|True)`)
	shapeRE   = regexp.MustCompile(`'shape':\s*\(([^()]*)\)`)
)

// itemSizes lists the dtypes a payload may carry and their width in bytes.
var itemSizes = map[string]int64{
	"<f4": 4,
	"<f8": 8,
}

// npyHeader is the parsed preamble of a version 1.0 .npy file.
type npyHeader struct {
	descr string
	shape []int
	// raw holds every byte consumed while parsing, so the reader can be replayed.
	raw []byte
}

// dataSize returns the number of array bytes the header declares. ok is false when the
// product overflows int64.
func (h *npyHeader) dataSize() (n int64, ok bool) {
	n = itemSizes[h.descr]
	for _, d := range h.shape {
		if d == 0 {
			return 0, true
		}
		if n > math.MaxInt64/int64(d) {
			return 0, false
		}
		n *= int64(d)
	}
	return n, true
}

// readNpyHeader parses the magic, version, header length and header dict without touching the
// array data.
func readNpyHeader(r io.Reader) (*npyHeader, error) {
	var pre [10]byte
	if _, err := io.ReadFull(r, pre[:]); err != nil {
		return nil, errors.Wrap(err, "reading npy preamble")
	}
	if !bytes.Equal(pre[:6], npyMagic) {
		return nil, errors.New("missing npy magic")
	}
	if pre[6] != 1 || pre[7] != 0 {
		return nil, errors.Errorf("unsupported npy version %d.%d", pre[6], pre[7])
	}

	dict := make([]byte, binary.LittleEndian.Uint16(pre[8:10]))
	if _, err := io.ReadFull(r, dict); err != nil {
		return nil, errors.Wrap(err, "reading npy header")
	}

	h := &npyHeader{raw: append(pre[:], dict...)}

	m := descrRE.FindSubmatch(dict)
	if m == nil {
		return nil, errors.New("npy header has no descr")
	}
	h.descr = string(m[1])
	if _, ok := itemSizes[h.descr]; !ok {
		return nil, errors.Errorf("unsupported dtype %q", h.descr)
	}

	m = fortranRE.FindSubmatch(dict)
	if m == nil {
		return nil, errors.New("npy header has no fortran_order")
	}
	if string(m[1]) != "False" {
		return nil, errors.New("fortran ordered arrays are not supported")
	}

	m = shapeRE.FindSubmatch(dict)
	if m == nil {
		return nil, errors.New("npy header has no shape")
	}
	for _, s := range strings.Split(string(m[1]), ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		d, err := strconv.Atoi(s)
		if err != nil || d < 0 {
			return nil, errors.Errorf("invalid dimension %q", s)
		}
		h.shape = append(h.shape, d)
	}
	return h, nil
}

// readNpy decodes one .npy stream of exactly size bytes. The declared shape must account for
// every remaining byte before any array memory is allocated.
func readNpy(r io.Reader, size int64) (graph.FeatureMap, error) {
	h, err := readNpyHeader(r)
	if err != nil {
		return nil, err
	}

	n, ok := h.dataSize()
	if !ok || n != size-int64(len(h.raw)) {
		return nil, errors.Errorf("header declares %s %v but %d data bytes follow",
			h.descr, h.shape, size-int64(len(h.raw)))
	}
	if n == 0 {
		return graph.NewFeatureMap([]float32{}, h.shape...), nil
	}

	t := new(tensor.Dense)
	if err := t.ReadNpy(io.MultiReader(bytes.NewReader(h.raw), r)); err != nil {
		return nil, err
	}
	return graph.ToFloat32(t)
}
