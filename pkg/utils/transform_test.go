package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDedupNormalizesAddresses(t *testing.T) {
	out := Dedup([]string{"0xABC", "abc", " 0xdef ", "", "0xabc"})
	assert.Equal(t, []string{"0xabc", "0xdef"}, out)
}

func TestChunk(t *testing.T) {
	assert.Equal(t, [][]int{{1, 2}, {3, 4}, {5}}, Chunk([]int{1, 2, 3, 4, 5}, 2))
	assert.Equal(t, [][]int{{1, 2, 3}}, Chunk([]int{1, 2, 3}, 0))
	assert.Empty(t, Chunk([]int{}, 3))
}
