package graph

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"
)

// Detect is the YOLOv5 detection head in inference mode.
//
// Each input is one pyramid level. When Convs is set the level is first projected to
// na*(nc+5) channels; otherwise the level must already carry that many channels. The
// result is the tuple (decoded, raw level maps...), where decoded has shape [bs, N, nc+5]
// with pixel-space cx, cy, w, h followed by sigmoid objectness and class scores.
type Detect struct {
	NumClasses int
	// Anchors holds one (w, h) pair list per level, in pixels.
	Anchors [][]float32
	// Strides holds the downsampling factor of each level.
	Strides []float32
	// Convs holds an optional 1x1 projection per level.
	Convs []*Conv
}

// NewDetect validates the anchor and stride layout.
func NewDetect(nc int, anchors [][]float32, strides []float32, convs []*Conv) (*Detect, error) {
	if nc <= 0 {
		return nil, errors.Errorf("detect needs a positive class count, got %d", nc)
	}
	if len(anchors) == 0 || len(anchors) != len(strides) {
		return nil, errors.Errorf("detect has %d anchor levels and %d strides", len(anchors), len(strides))
	}
	na := len(anchors[0])
	if na == 0 || na%2 != 0 {
		return nil, errors.Errorf("detect anchors must be (w, h) pairs")
	}
	for i, a := range anchors {
		if len(a) != na {
			return nil, errors.Errorf("detect level %d has %d anchor values, expected %d", i, len(a), na)
		}
	}
	if convs != nil && len(convs) != len(anchors) {
		return nil, errors.Errorf("detect has %d projections for %d levels", len(convs), len(anchors))
	}
	return &Detect{NumClasses: nc, Anchors: anchors, Strides: strides, Convs: convs}, nil
}

func (d *Detect) outputs() int { return d.NumClasses + 5 }

func (d *Detect) anchorsPerLevel() int { return len(d.Anchors[0]) / 2 }

// Forward implements Transform.
func (d *Detect) Forward(inputs []FeatureMap) ([]FeatureMap, error) {
	nl := len(d.Anchors)
	if len(inputs) != nl {
		return nil, NewShapeMismatch("detect expects %d levels, got %d", nl, len(inputs))
	}

	na, no := d.anchorsPerLevel(), d.outputs()

	levels := make([]FeatureMap, nl)
	total, bs := 0, -1
	for i, in := range inputs {
		x := in
		if d.Convs != nil && d.Convs[i] != nil {
			out, err := d.Convs[i].Forward([]FeatureMap{in})
			if err != nil {
				return nil, err
			}
			x = out[0]
		}
		shape := x.Shape()
		if len(shape) != 4 || shape[1] != na*no {
			return nil, NewShapeMismatch("detect level %d expects [bs, %d, ny, nx], got %v", i, na*no, shape)
		}
		if bs >= 0 && shape[0] != bs {
			return nil, NewShapeMismatch("detect level %d has batch %d, expected %d", i, shape[0], bs)
		}
		bs = shape[0]
		levels[i] = x
		total += na * shape[2] * shape[3]
	}

	decoded := make([]float32, bs*total*no)
	raws := make([]FeatureMap, nl)

	offset := 0
	for i, x := range levels {
		src, err := Float32s(x)
		if err != nil {
			return nil, err
		}
		shape := x.Shape()
		ny, nx := shape[2], shape[3]
		plane := ny * nx
		stride := d.Strides[i]
		raw := make([]float32, len(src))

		for b := 0; b < bs; b++ {
			for a := 0; a < na; a++ {
				aw, ah := d.Anchors[i][2*a], d.Anchors[i][2*a+1]
				for y := 0; y < ny; y++ {
					for xx := 0; xx < nx; xx++ {
						cell := y*nx + xx
						row := (b*total + offset + a*plane + cell) * no
						rawRow := (((b*na+a)*ny+y)*nx + xx) * no
						for k := 0; k < no; k++ {
							v := src[((b*na+a)*no+k)*plane+cell]
							raw[rawRow+k] = v
							s := sigmoid(v)
							switch k {
							case 0:
								s = (s*2 - 0.5 + float32(xx)) * stride
							case 1:
								s = (s*2 - 0.5 + float32(y)) * stride
							case 2:
								s = math32.Pow(s*2, 2) * aw
							case 3:
								s = math32.Pow(s*2, 2) * ah
							}
							decoded[row+k] = s
						}
					}
				}
			}
		}

		raws[i] = NewFeatureMap(raw, bs, na, ny, nx, no)
		offset += na * plane
	}

	return append([]FeatureMap{NewFeatureMap(decoded, bs, total, no)}, raws...), nil
}
