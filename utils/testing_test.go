package utils

import (
	"fmt"
	"testing"
)

func TestTesting_CompareArrays(t *testing.T) {
	a := []int{1, 2, 3}
	b := []int{1, 2, 3}
	Assert(t, CompareArrays(a, b), "Arrays are not equal")
}

func TestTesting_CompareArrays_DifferentLengths(t *testing.T) {
	Assert(t, !CompareArrays([]int{1, 2, 3}, []int{1, 2}), "Arrays are equal")
}

func TestTesting_CompareArrays_DifferentElements(t *testing.T) {
	Assert(t, !CompareArrays([]int{1, 2, 3}, []int{1, 2, 4}), "Arrays are equal")
}

type testError struct {
	code int
}

func (e *testError) Error() string {
	return fmt.Sprintf("code %d", e.code)
}

func TestTesting_AssertErrorAs(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", &testError{code: 7})
	var target *testError
	AssertErrorAs(t, err, &target)
	AssertEqual(t, target.code, 7)
}
