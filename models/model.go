// Package models - Class label tables for detection model outputs.
package models

import (
	"strings"

	"github.com/pkg/errors"
)

// ModelFamily identifies the label convention a model was trained with.
type ModelFamily string

const (
	// ModelFamilyYOLOv5 is the 80-entry table served by the deployed YOLOv5n head.
	ModelFamilyYOLOv5 ModelFamily = "yolov5"
	// ModelFamilyCOCO is the standard 80 COCO classes without a background entry.
	ModelFamilyCOCO ModelFamily = "coco"
	// ModelFamilyCustom is a table supplied by the graph definition.
	ModelFamilyCustom ModelFamily = "custom"
)

// ParseModelFamily maps a configured label family name to a ModelFamily. An empty name is
// returned as is and means "pick from the graph".
func ParseModelFamily(name string) (ModelFamily, error) {
	switch f := ModelFamily(strings.ToLower(strings.TrimSpace(name))); f {
	case "", ModelFamilyYOLOv5, ModelFamilyCOCO, ModelFamilyCustom:
		return f, nil
	default:
		return "", errors.Errorf("unknown label family %q (want yolov5, coco or custom)", name)
	}
}
