package generics

import (
	"github.com/stretchr/testify/assert"
	"testing"
)

func TestConvertSlice(t *testing.T) {
	assert.Equal(t, []float32{1, 2.5, -3}, ConvertSlice[float32]([]float64{1, 2.5, -3}))
	assert.Equal(t, []float64{0, 1}, ConvertSlice[float64]([]int{0, 1}))
}

func TestSliceMapAndSum(t *testing.T) {
	squares := SliceMap([]int{1, 2, 3}, func(v int) int { return v * v })
	assert.Equal(t, []int{1, 4, 9}, squares)
	assert.Equal(t, 14, Sum(squares))
	assert.Equal(t, float32(0), Sum([]float32(nil)))
}

func TestSliceOrdering(t *testing.T) {
	s := []float32{7, -3, 2}
	assert.Equal(t, []int{1, 2, 0}, SliceOrdering(s, false))
	s2 := []int64{0, 1, 2}
	assert.Equal(t, []int{2, 1, 0}, SliceOrdering(s2, true))
}
