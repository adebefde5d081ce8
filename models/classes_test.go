package models

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestYOLOv5ClassesResolve(t *testing.T) {
	tests := []struct {
		idx  int
		want string
	}{
		{idx: 0, want: "person"},
		{idx: 2, want: "car"},
		{idx: 24, want: "target"},
		{idx: 26, want: "target"},
		{idx: 74, want: "target"},
		{idx: 79, want: "toothbrush"},
		{idx: 80, want: "Unknown(80)"},
		{idx: 95, want: "Unknown(95)"},
		{idx: -1, want: "Unknown(-1)"},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.idx), func(t *testing.T) {
			assert.Equal(t, tt.want, YOLOv5Classes.Resolve(tt.idx))
		})
	}
}

func TestYOLOv5ClassesKeepDuplicates(t *testing.T) {
	assert.Equal(t, 80, YOLOv5Classes.Len())

	count := 0
	for _, name := range YOLOv5Classes.Names() {
		if name == "target" {
			count++
		}
	}
	assert.Equal(t, 3, count)

	assert.Equal(t, "target", YOLOv5Classes.Resolve(74))
}

func TestClassManager(t *testing.T) {
	mgr := DefaultClassManager()

	coco, err := mgr.Get(ModelFamilyCOCO)
	require.NoError(t, err)
	assert.Equal(t, "backpack", coco.Resolve(24))
	assert.Equal(t, "Unknown(80)", coco.Resolve(80))

	_, err = mgr.Get(ModelFamilyCustom)
	assert.Error(t, err)

	mgr.Register(NewOutputClassSet(ModelFamilyCustom, []string{"drone", "bird"}))
	custom, err := mgr.Get(ModelFamilyCustom)
	require.NoError(t, err)
	assert.Equal(t, "bird", custom.Resolve(1))
	assert.Equal(t, "Unknown(2)", custom.Resolve(2))
}

func TestCOCOAndYOLOv5DifferOnlyAtTargets(t *testing.T) {
	require.Equal(t, COCOClasses.Len(), YOLOv5Classes.Len())
	var diff []int
	for i := 0; i < COCOClasses.Len(); i++ {
		if COCOClasses.Resolve(i) != YOLOv5Classes.Resolve(i) {
			diff = append(diff, i)
		}
	}
	assert.Equal(t, []int{24, 26, 74}, diff)
}

func TestParseModelFamily(t *testing.T) {
	tests := []struct {
		in   string
		want ModelFamily
		err  bool
	}{
		{in: "", want: ""},
		{in: "yolov5", want: ModelFamilyYOLOv5},
		{in: " COCO ", want: ModelFamilyCOCO},
		{in: "custom", want: ModelFamilyCustom},
		{in: "imagenet", err: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseModelFamily(tt.in)
			if tt.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
