package images

import (
	"math/rand"
	"testing"
)

// BenchmarkIoU_NonOverlapping exercises the early return when the boxes are disjoint.
func BenchmarkIoU_NonOverlapping(b *testing.B) {
	rect1 := Rect{X1: 0, Y1: 0, X2: 100, Y2: 100}
	rect2 := Rect{X1: 200, Y1: 200, X2: 300, Y2: 300}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		_ = CalculateIoU(rect1, rect2)
	}
}

// BenchmarkIoU_PartialOverlap is the common case inside NMS: neighbouring candidates for the
// same object.
func BenchmarkIoU_PartialOverlap(b *testing.B) {
	rect1 := Rect{X1: 50, Y1: 50, X2: 150, Y2: 150}
	rect2 := Rect{X1: 80, Y1: 70, X2: 170, Y2: 160}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		_ = CalculateIoU(rect1, rect2)
	}
}

// BenchmarkIoU_Random runs against a fixed pool of pseudo-random boxes.
func BenchmarkIoU_Random(b *testing.B) {
	rng := rand.New(rand.NewSource(42))
	rects := make([]Rect, 1024)
	for i := range rects {
		cx, cy := rng.Float32()*640, rng.Float32()*640
		w, h := rng.Float32()*120+1, rng.Float32()*120+1
		rects[i] = FromCenter(cx, cy, w, h)
	}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		_ = CalculateIoU(rects[i%len(rects)], rects[(i*7+3)%len(rects)])
	}
}
