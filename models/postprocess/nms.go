// Package postprocess - provides Non-Maximum Suppression and result assembly for detections.
package postprocess

import (
	"sort"
	"sync"

	"github.com/nvr-ai/go-neckhead/images"
)

// DefaultIoUThreshold is the overlap above which a lower-scored box is suppressed.
const DefaultIoUThreshold float32 = 0.45

// NMSConfig defines parameters for Non-Maximum Suppression.
type NMSConfig struct {
	IoUThreshold float32 // Overlap threshold for suppression.
	ClassAware   bool    // If true, suppress only within same class.
	NumWorkers   int     // Number of goroutines for parallel IoU computation.
}

// DefaultNMSConfig returns the class-agnostic, single-threaded configuration the service runs.
func DefaultNMSConfig() *NMSConfig {
	return &NMSConfig{IoUThreshold: DefaultIoUThreshold}
}

func (c *NMSConfig) threshold() float32 {
	if c == nil {
		return DefaultIoUThreshold
	}
	return c.IoUThreshold
}

// order returns candidate indices sorted by descending score. Equal scores keep their input
// order.
func order(scores []float32) []int {
	idx := make([]int, len(scores))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return scores[idx[a]] > scores[idx[b]]
	})
	return idx
}

// ApplyGreedyNMS performs standard greedy, class-agnostic Non-Maximum Suppression.
//
// Boxes of different classes suppress each other.
//
// Arguments:
//   - boxes: Candidate boxes in corner form.
//   - scores: One score per box.
//   - config: NMS configuration; only IoUThreshold is used. Nil means the defaults.
//
// Returns:
//   - []int: Indices of the kept boxes in selection order (descending score).
func ApplyGreedyNMS(boxes []images.Rect, scores []float32, config *NMSConfig) []int {
	n := len(boxes)
	if n == 0 {
		return []int{}
	}
	threshold := config.threshold()

	candidates := order(scores)
	keep := make([]int, 0, n)
	used := make([]bool, n)

	for pos, i := range candidates {
		if used[i] {
			continue
		}
		keep = append(keep, i)
		used[i] = true

		anchor := boxes[i]
		for _, j := range candidates[pos+1:] {
			if used[j] {
				continue
			}
			// Suppress if IoU exceeds threshold
			if images.CalculateIoU(anchor, boxes[j]) > threshold {
				used[j] = true
			}
		}
	}

	return keep
}

// ApplyNMS is the configurable variant of ApplyGreedyNMS. It honours ClassAware when classes
// are given and splits the IoU pass of each selected box across NumWorkers goroutines. With
// ClassAware unset it selects exactly what ApplyGreedyNMS selects.
//
// Arguments:
//   - boxes: Candidate boxes in corner form.
//   - scores: One score per box.
//   - classes: One class index per box, or nil.
//   - config: NMS configuration. Nil means the defaults.
//
// Returns:
//   - []int: Indices of the kept boxes in selection order.
func ApplyNMS(boxes []images.Rect, scores []float32, classes []int, config *NMSConfig) []int {
	n := len(boxes)
	if n == 0 {
		return []int{}
	}
	if config == nil {
		config = DefaultNMSConfig()
	}
	classAware := config.ClassAware && len(classes) == n
	workers := config.NumWorkers
	if workers < 1 {
		workers = 1
	}

	candidates := order(scores)
	keep := make([]int, 0, n)
	used := make([]bool, n)

	for pos, i := range candidates {
		if used[i] {
			continue
		}
		keep = append(keep, i)
		used[i] = true

		rest := candidates[pos+1:]
		if len(rest) == 0 {
			break
		}
		chunk := (len(rest) + workers - 1) / workers

		// Each worker owns a disjoint slice of the remaining candidates.
		var wg sync.WaitGroup
		for start := 0; start < len(rest); start += chunk {
			end := start + chunk
			if end > len(rest) {
				end = len(rest)
			}
			wg.Add(1)
			go func(part []int) {
				defer wg.Done()
				for _, j := range part {
					if used[j] {
						continue
					}
					if classAware && classes[i] != classes[j] {
						continue
					}
					if images.CalculateIoU(boxes[i], boxes[j]) > config.IoUThreshold {
						used[j] = true
					}
				}
			}(rest[start:end])
		}
		wg.Wait()
	}

	return keep
}
