// Package images - Box geometry shared by the decoder and the suppressor.
package images

import "github.com/chewxy/math32"

// Rect is a corner-form bounding box.
//
// Coordinates are kept exactly as the network produced them: they may be pixel or normalized
// units and may fall outside the frame. Nothing in this package clamps them.
type Rect struct {
	X1, Y1, X2, Y2 float32
}

// Width returns the horizontal extent of the box. Degenerate boxes report zero.
func (r Rect) Width() float32 {
	return math32.Max(0, r.X2-r.X1)
}

// Height returns the vertical extent of the box. Degenerate boxes report zero.
func (r Rect) Height() float32 {
	return math32.Max(0, r.Y2-r.Y1)
}

// Area returns Width * Height.
func (r Rect) Area() float32 {
	return r.Width() * r.Height()
}

// Array returns the box as [x1, y1, x2, y2].
func (r Rect) Array() [4]float32 {
	return [4]float32{r.X1, r.Y1, r.X2, r.Y2}
}

// FromCenter converts a center-form box (cx, cy, w, h) to corner form.
//
// Arguments:
//   - cx, cy: The box center.
//   - w, h: The box width and height.
//
// Returns:
//   - Rect: {cx-w/2, cy-h/2, cx+w/2, cy+h/2}, unclamped.
func FromCenter(cx, cy, w, h float32) Rect {
	return Rect{
		X1: cx - w/2,
		Y1: cy - h/2,
		X2: cx + w/2,
		Y2: cy + h/2,
	}
}

// CalculateIoU returns the Intersection over Union of two boxes.
//
// IoU = Area of Intersection / Area of Union
//
//   - 1.0 means the boxes are identical.
//   - 0.0 means they do not overlap at all.
//
// The intersection is bounded by the maximum of the two top-left corners and the minimum of
// the two bottom-right corners. When either side of that region is zero or negative the boxes
// do not overlap and 0 is returned. The union follows inclusion-exclusion:
//
//	Area(Union) = Area(A) + Area(B) - Area(Intersection)
//
// A zero union (two degenerate boxes) also yields 0.
//
// Arguments:
//   - r: The first box.
//   - o: The other box to compare against.
//
// Returns:
//   - float32: A value in [0, 1].
//
// Example:
//
// ```go
//
//	a := Rect{X1: 0, Y1: 0, X2: 10, Y2: 10}
//	b := Rect{X1: 5, Y1: 5, X2: 15, Y2: 15}
//	iou := CalculateIoU(a, b) // 25 / 175 = 0.142857
//
// ```
func CalculateIoU(r, o Rect) float32 {
	ix1 := math32.Max(r.X1, o.X1)
	iy1 := math32.Max(r.Y1, o.Y1)
	ix2 := math32.Min(r.X2, o.X2)
	iy2 := math32.Min(r.Y2, o.Y2)

	interW := ix2 - ix1
	interH := iy2 - iy1
	if interW <= 0 || interH <= 0 {
		return 0
	}
	interArea := interW * interH

	unionArea := r.Area() + o.Area() - interArea
	if unionArea <= 0 {
		return 0
	}

	return interArea / unionArea
}
