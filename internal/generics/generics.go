// Package generics implements generic data structure functions missing from the stdlib.
package generics

import (
	"cmp"
	"golang.org/x/exp/constraints"
	"slices"
)

// Number is any integer or float type.
type Number interface {
	constraints.Integer | constraints.Float
}

// SliceMap executes the given function sequentially for every element on in, and returns a mapped slice.
func SliceMap[In, Out any](in []In, fn func(e In) Out) (out []Out) {
	out = make([]Out, len(in))
	for ii, e := range in {
		out[ii] = fn(e)
	}
	return
}

// ConvertSlice converts a slice of numbers to another numeric type.
func ConvertSlice[To, From Number](in []From) []To {
	out := make([]To, len(in))
	for ii, v := range in {
		out[ii] = To(v)
	}
	return out
}

// Sum of the values.
func Sum[T Number](values []T) (sum T) {
	for _, v := range values {
		sum += v
	}
	return
}

// SliceOrdering returns the indices of s sorted by their values, ascending or descending.
// Ties keep their original order.
func SliceOrdering[T cmp.Ordered](s []T, descending bool) []int {
	order := make([]int, len(s))
	for ii := range order {
		order[ii] = ii
	}
	slices.SortStableFunc(order, func(a, b int) int {
		if descending {
			return cmp.Compare(s[b], s[a])
		}
		return cmp.Compare(s[a], s[b])
	})
	return order
}
