package models

import (
	"strconv"

	"github.com/pkg/errors"
)

// OutputClass represents one detection label.
type OutputClass struct {
	// The integer index returned by the model.
	Index int
	// The human-readable label.
	Name string
}

// OutputClassSet ties a family to its ordered list of labels.
//
// Labels are kept exactly as listed, duplicates included.
type OutputClassSet struct {
	// Class set identifier.
	Style ModelFamily
	// Classes in index order.
	Classes []OutputClass
}

// NewOutputClassSet builds a set from an ordered list of names.
func NewOutputClassSet(style ModelFamily, names []string) *OutputClassSet {
	return &OutputClassSet{Style: style, Classes: classList(names)}
}

// Len returns the number of labels.
func (s *OutputClassSet) Len() int {
	return len(s.Classes)
}

// Resolve maps a class index to its label.
//
// Arguments:
//   - idx: The class index produced by the decoder.
//
// Returns:
//   - string: The label at idx, or "Unknown(<idx>)" when idx is outside the table.
//
// ```go
// models.YOLOv5Classes.Resolve(0)  // "person"
// models.YOLOv5Classes.Resolve(24) // "target"
// models.YOLOv5Classes.Resolve(95) // "Unknown(95)"
// ```
func (s *OutputClassSet) Resolve(idx int) string {
	if idx < 0 || idx >= len(s.Classes) {
		return "Unknown(" + strconv.Itoa(idx) + ")"
	}
	return s.Classes[idx].Name
}

// Names returns the labels in index order.
func (s *OutputClassSet) Names() []string {
	names := make([]string, len(s.Classes))
	for i, c := range s.Classes {
		names[i] = c.Name
	}
	return names
}

// ClassManager holds all registered class sets.
type ClassManager struct {
	sets map[ModelFamily]*OutputClassSet
}

// NewClassManager initializes and registers the given sets.
func NewClassManager(allSets ...*OutputClassSet) *ClassManager {
	mgr := &ClassManager{sets: make(map[ModelFamily]*OutputClassSet)}
	for _, set := range allSets {
		mgr.Register(set)
	}
	return mgr
}

// DefaultClassManager returns a manager with the built-in tables registered.
func DefaultClassManager() *ClassManager {
	return NewClassManager(YOLOv5Classes, COCOClasses)
}

// Register adds or replaces a set.
func (m *ClassManager) Register(set *OutputClassSet) {
	m.sets[set.Style] = set
}

// Get returns the set registered for style.
func (m *ClassManager) Get(style ModelFamily) (*OutputClassSet, error) {
	set, ok := m.sets[style]
	if !ok {
		return nil, errors.Errorf("style %q not registered", style)
	}
	return set, nil
}

func classList(names []string) []OutputClass {
	classes := make([]OutputClass, len(names))
	for i, n := range names {
		classes[i] = OutputClass{Index: i, Name: n}
	}
	return classes
}

// YOLOv5Classes is the label table of the deployed head. It differs from COCO at indices
// 24 (backpack), 26 (handbag) and 74 (clock), which all read "target", and is served as is.
var YOLOv5Classes = NewOutputClassSet(ModelFamilyYOLOv5, []string{
	"person", "bicycle", "car", "motorcycle", "airplane", "bus", "train", "truck",
	"boat", "traffic light", "fire hydrant", "stop sign", "parking meter", "bench",
	"bird", "cat", "dog", "horse", "sheep", "cow", "elephant", "bear", "zebra",
	"giraffe", "target", "umbrella", "target", "tie", "suitcase", "frisbee",
	"skis", "snowboard", "sports ball", "kite", "baseball bat", "baseball glove",
	"skateboard", "surfboard", "tennis racket", "bottle", "wine glass", "cup",
	"fork", "knife", "spoon", "bowl", "banana", "apple", "sandwich", "orange",
	"broccoli", "carrot", "hot dog", "pizza", "donut", "cake", "chair", "couch",
	"potted plant", "bed", "dining table", "toilet", "tv", "laptop", "mouse",
	"remote", "keyboard", "cell phone", "microwave", "oven", "toaster", "sink",
	"refrigerator", "book", "target", "vase", "scissors", "teddy bear", "hair drier",
	"toothbrush",
})

// COCOClasses is the 80 COCO classes (no background), zero-based as YOLO models index them.
var COCOClasses = NewOutputClassSet(ModelFamilyCOCO, []string{
	"person", "bicycle", "car", "motorcycle", "airplane", "bus", "train", "truck",
	"boat", "traffic light", "fire hydrant", "stop sign", "parking meter", "bench",
	"bird", "cat", "dog", "horse", "sheep", "cow", "elephant", "bear", "zebra",
	"giraffe", "backpack", "umbrella", "handbag", "tie", "suitcase", "frisbee",
	"skis", "snowboard", "sports ball", "kite", "baseball bat", "baseball glove",
	"skateboard", "surfboard", "tennis racket", "bottle", "wine glass", "cup",
	"fork", "knife", "spoon", "bowl", "banana", "apple", "sandwich", "orange",
	"broccoli", "carrot", "hot dog", "pizza", "donut", "cake", "chair", "couch",
	"potted plant", "bed", "dining table", "toilet", "tv", "laptop", "mouse",
	"remote", "keyboard", "cell phone", "microwave", "oven", "toaster", "sink",
	"refrigerator", "book", "clock", "vase", "scissors", "teddy bear", "hair drier",
	"toothbrush",
})
