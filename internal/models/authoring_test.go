// internal/models/authoring_test.go
package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParallelBatchIsSettled(t *testing.T) {
	batch := &ParallelBatch{
		ChapterIndices:   []int{1, 2, 3},
		CompletedIndices: []int{1},
		FailedIndices:    []int{},
	}
	assert.False(t, batch.IsSettled())

	batch.CompletedIndices = []int{1, 3}
	batch.FailedIndices = []int{2}
	assert.True(t, batch.IsSettled())

	empty := &ParallelBatch{ChapterIndices: []int{}}
	assert.True(t, empty.IsSettled())
}

func TestParallelBatchFirstUnreviewed(t *testing.T) {
	batch := &ParallelBatch{
		ChapterIndices:   []int{1, 2, 3},
		CompletedIndices: []int{1, 3},
		FailedIndices:    []int{2},
		ReviewedIndices:  []int{1},
	}

	// 2 号失败了，跳过它指向 3 号
	next, ok := batch.FirstUnreviewed()
	assert.True(t, ok)
	assert.Equal(t, 3, next)

	batch.ReviewedIndices = []int{1, 3}
	_, ok = batch.FirstUnreviewed()
	assert.False(t, ok)
}

func TestParallelBatchAllReviewed(t *testing.T) {
	batch := &ParallelBatch{
		ChapterIndices:   []int{1, 2, 3},
		CompletedIndices: []int{1, 3},
		FailedIndices:    []int{2},
		ReviewedIndices:  []int{1},
	}
	assert.False(t, batch.AllReviewed())

	// 失败索引不需要审阅
	batch.ReviewedIndices = []int{1, 3}
	assert.True(t, batch.AllReviewed())
}
