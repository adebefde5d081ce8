package postprocess

import (
	"encoding/json"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/go-neckhead/images"
)

func TestApplyGreedyNMSOverlappingPair(t *testing.T) {
	boxes := []images.Rect{
		{X1: 0, Y1: 0, X2: 10, Y2: 10},
		{X1: 1, Y1: 1, X2: 11, Y2: 11},
	}
	scores := []float32{0.9, 0.8}

	keep := ApplyGreedyNMS(boxes, scores, DefaultNMSConfig())
	assert.Equal(t, []int{0}, keep)
}

func TestApplyGreedyNMSLowerScoreSuppressed(t *testing.T) {
	// IoU is 60/100 = 0.6.
	boxes := []images.Rect{
		{X1: 0, Y1: 0, X2: 10, Y2: 6},
		{X1: 0, Y1: 0, X2: 10, Y2: 10},
	}
	scores := []float32{0.5, 0.9}
	require.InDelta(t, 0.6, images.CalculateIoU(boxes[0], boxes[1]), 1e-6)

	assert.Equal(t, []int{1}, ApplyGreedyNMS(boxes, scores, DefaultNMSConfig()))
}

func TestApplyGreedyNMSSelectionOrder(t *testing.T) {
	boxes := []images.Rect{
		{X1: 0, Y1: 0, X2: 10, Y2: 10},
		{X1: 100, Y1: 100, X2: 110, Y2: 110},
		{X1: 1, Y1: 1, X2: 11, Y2: 11},
		{X1: 200, Y1: 0, X2: 210, Y2: 10},
	}
	scores := []float32{0.5, 0.9, 0.7, 0.6}

	keep := ApplyGreedyNMS(boxes, scores, nil)
	assert.Equal(t, []int{1, 2, 3}, keep, "box 0 is suppressed by the higher-scored box 2")
}

func TestApplyGreedyNMSThresholdIsStrict(t *testing.T) {
	// IoU of these two boxes is exactly 1/3.
	boxes := []images.Rect{
		{X1: 0, Y1: 0, X2: 2, Y2: 1},
		{X1: 1, Y1: 0, X2: 3, Y2: 1},
	}
	scores := []float32{0.9, 0.8}

	iou := images.CalculateIoU(boxes[0], boxes[1])
	keep := ApplyGreedyNMS(boxes, scores, &NMSConfig{IoUThreshold: iou})
	assert.Equal(t, []int{0, 1}, keep, "IoU equal to the threshold is not suppressed")
}

func TestApplyGreedyNMSIsClassAgnostic(t *testing.T) {
	boxes := []images.Rect{
		{X1: 0, Y1: 0, X2: 10, Y2: 10},
		{X1: 0, Y1: 0, X2: 10, Y2: 10},
	}
	scores := []float32{0.6, 0.7}

	assert.Equal(t, []int{1}, ApplyGreedyNMS(boxes, scores, nil))

	// The class-aware variant keeps both when they are different classes.
	keep := ApplyNMS(boxes, scores, []int{0, 2}, &NMSConfig{IoUThreshold: 0.45, ClassAware: true})
	assert.Equal(t, []int{1, 0}, keep)
}

func TestApplyGreedyNMSTiesKeepInputOrder(t *testing.T) {
	boxes := []images.Rect{
		{X1: 0, Y1: 0, X2: 10, Y2: 10},
		{X1: 0, Y1: 0, X2: 10, Y2: 10},
		{X1: 50, Y1: 50, X2: 60, Y2: 60},
	}
	scores := []float32{0.5, 0.5, 0.5}

	assert.Equal(t, []int{0, 2}, ApplyGreedyNMS(boxes, scores, nil))
}

func TestApplyGreedyNMSEmpty(t *testing.T) {
	keep := ApplyGreedyNMS(nil, nil, nil)
	assert.NotNil(t, keep)
	assert.Empty(t, keep)
}

func randomCandidates(r *rand.Rand, n int) ([]images.Rect, []float32) {
	boxes := make([]images.Rect, n)
	scores := make([]float32, n)
	for i := range boxes {
		cx, cy := r.Float32()*200, r.Float32()*200
		w, h := 5+r.Float32()*40, 5+r.Float32()*40
		boxes[i] = images.FromCenter(cx, cy, w, h)
		scores[i] = r.Float32()
	}
	return boxes, scores
}

func TestApplyGreedyNMSProperties(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	cfg := DefaultNMSConfig()

	for round := 0; round < 20; round++ {
		boxes, scores := randomCandidates(r, 60)
		keep := ApplyGreedyNMS(boxes, scores, cfg)

		seen := map[int]bool{}
		for _, i := range keep {
			require.False(t, seen[i], "index %d kept twice", i)
			require.True(t, i >= 0 && i < len(boxes))
			seen[i] = true
		}

		for a := 0; a < len(keep); a++ {
			for b := a + 1; b < len(keep); b++ {
				assert.LessOrEqual(t, images.CalculateIoU(boxes[keep[a]], boxes[keep[b]]), cfg.IoUThreshold)
			}
			if a > 0 {
				assert.GreaterOrEqual(t, scores[keep[a-1]], scores[keep[a]])
			}
		}

		// Every dropped box overlaps a kept box with a score at least as high.
		for i := range boxes {
			if seen[i] {
				continue
			}
			covered := false
			for _, k := range keep {
				if scores[k] >= scores[i] && images.CalculateIoU(boxes[k], boxes[i]) > cfg.IoUThreshold {
					covered = true
					break
				}
			}
			assert.True(t, covered, "box %d dropped without a suppressor", i)
		}

		assert.Equal(t, keep, ApplyGreedyNMS(boxes, scores, cfg), "NMS must be deterministic")
	}
}

func TestApplyNMSWorkersMatchGreedy(t *testing.T) {
	r := rand.New(rand.NewSource(11))
	boxes, scores := randomCandidates(r, 200)

	want := ApplyGreedyNMS(boxes, scores, DefaultNMSConfig())
	for _, workers := range []int{0, 1, 3, 8} {
		got := ApplyNMS(boxes, scores, nil, &NMSConfig{IoUThreshold: DefaultIoUThreshold, NumWorkers: workers})
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("workers=%d mismatch (-greedy +parallel):\n%s", workers, diff)
		}
	}
}

func TestAssemble(t *testing.T) {
	boxes := []images.Rect{
		{X1: 0, Y1: 0, X2: 10, Y2: 10},
		{X1: 8, Y1: 8, X2: 12, Y2: 12},
		{X1: 20, Y1: 20, X2: 30, Y2: 30},
	}
	scores := []float32{0.3, 0.72, 0.5}
	classes := []int{0, 2, 95}
	labels := []string{"person", "bicycle", "car"}
	resolve := func(i int) string {
		if i < len(labels) {
			return labels[i]
		}
		return "Unknown"
	}

	got := Assemble(boxes, scores, classes, []int{1, 2}, resolve)
	want := []Detection{
		{Box: [4]float32{8, 8, 12, 12}, Class: "car", Confidence: 0.72},
		{Box: [4]float32{20, 20, 30, 30}, Class: "Unknown", Confidence: 0.5},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Assemble mismatch (-want +got):\n%s", diff)
	}
}

func TestAssembleEmptyEncodesAsArray(t *testing.T) {
	got := Assemble(nil, nil, nil, []int{}, func(int) string { return "" })
	require.NotNil(t, got)

	b, err := json.Marshal(map[string]interface{}{"detections": got})
	require.NoError(t, err)
	assert.JSONEq(t, `{"detections": []}`, string(b))
}

func TestDetectionJSON(t *testing.T) {
	b, err := json.Marshal(Detection{Box: [4]float32{1, 2, 3, 4}, Class: "person", Confidence: 0.5})
	require.NoError(t, err)
	assert.JSONEq(t, `{"box":[1,2,3,4],"class":"person","confidence":0.5}`, string(b))
}
