package graph

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Previous is the reference value meaning "the entry right before this layer".
const Previous = -1

// InputRef selects which buffer entries feed a layer.
type InputRef struct {
	indices []int
	multi   bool
}

// PreviousRef references the immediately preceding buffer entry.
func PreviousRef() InputRef {
	return InputRef{indices: []int{Previous}}
}

// SingleRef references one buffer entry by index.
func SingleRef(i int) InputRef {
	return InputRef{indices: []int{i}}
}

// MultiRef gathers several buffer entries into one input group. Previous (-1) is allowed as
// any element.
func MultiRef(indices ...int) InputRef {
	cp := make([]int, len(indices))
	copy(cp, indices)
	return InputRef{indices: cp, multi: true}
}

// IsMulti reports whether the reference gathers an input group.
func (r InputRef) IsMulti() bool {
	return r.multi
}

// Indices returns a copy of the raw (unresolved) indices.
func (r InputRef) Indices() []int {
	cp := make([]int, len(r.indices))
	copy(cp, r.indices)
	return cp
}

func (r InputRef) String() string {
	if !r.multi {
		if len(r.indices) == 0 || r.indices[0] == Previous {
			return "-1"
		}
		return fmt.Sprint(r.indices[0])
	}
	parts := make([]string, len(r.indices))
	for i, idx := range r.indices {
		parts[i] = fmt.Sprint(idx)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// UnmarshalYAML accepts either a scalar index or a sequence of indices.
func (r *InputRef) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var i int
		if err := value.Decode(&i); err != nil {
			return errors.Errorf("line %d: from must be an integer or a list of integers", value.Line)
		}
		*r = SingleRef(i)
		return nil
	case yaml.SequenceNode:
		var idx []int
		if err := value.Decode(&idx); err != nil {
			return errors.Errorf("line %d: from must be an integer or a list of integers", value.Line)
		}
		if len(idx) == 0 {
			return errors.Errorf("line %d: from list must not be empty", value.Line)
		}
		*r = MultiRef(idx...)
		return nil
	default:
		return errors.Errorf("line %d: from must be an integer or a list of integers", value.Line)
	}
}

// OutputBuffer is the request-local, append-only, index-addressed list of feature maps.
//
// Positions 0..B-1 hold the backbone outputs; later positions are appended by the executor in
// descriptor order.
type OutputBuffer struct {
	maps []FeatureMap
}

// NewOutputBuffer pre-populates a buffer with the backbone outputs. The caller's slice is
// copied so appends never write into it.
func NewOutputBuffer(backbone []FeatureMap) *OutputBuffer {
	maps := make([]FeatureMap, len(backbone), len(backbone)+16)
	copy(maps, backbone)
	return &OutputBuffer{maps: maps}
}

// Len returns the number of populated entries.
func (b *OutputBuffer) Len() int {
	return len(b.maps)
}

// At returns the entry at index i.
func (b *OutputBuffer) At(i int) (FeatureMap, bool) {
	if i < 0 || i >= len(b.maps) {
		return nil, false
	}
	return b.maps[i], true
}

// Last returns the most recently appended entry, or nil for an empty buffer.
func (b *OutputBuffer) Last() FeatureMap {
	if len(b.maps) == 0 {
		return nil
	}
	return b.maps[len(b.maps)-1]
}

// Append adds the next entry.
func (b *OutputBuffer) Append(m FeatureMap) {
	b.maps = append(b.maps, m)
}

// resolveIndex maps a raw reference to an absolute position. -1 and other negative values
// count back from the end of the populated range.
func (b *OutputBuffer) resolveIndex(i int) int {
	if i < 0 {
		return len(b.maps) + i
	}
	return i
}

// Resolve gathers the inputs selected by ref.
//
// Arguments:
//   - layer: The index of the requesting layer, used in errors.
//   - ref: The reference to resolve.
//
// Returns:
//   - []FeatureMap: One map for single references, the gathered group for multi references.
//   - error: A *ShapeMismatchError when any index lies outside the populated range.
func (b *OutputBuffer) Resolve(layer int, ref InputRef) ([]FeatureMap, error) {
	indices := ref.indices
	if len(indices) == 0 {
		indices = []int{Previous}
	}

	out := make([]FeatureMap, 0, len(indices))
	for _, raw := range indices {
		m, ok := b.At(b.resolveIndex(raw))
		if !ok {
			return nil, outOfRange(layer, raw, len(b.maps))
		}
		out = append(out, m)
	}
	return out, nil
}
