// internal/services/parallel_batch.go
package services

import (
	"context"
	"sort"
	"sync"

	"github.com/Corphon/MysteryForgeMCP/internal/models"
	"github.com/Corphon/MysteryForgeMCP/internal/utils"
)

// ChapterGenerateFunc 生成单个章节的函数，由调度器并发调用
type ChapterGenerateFunc func(ctx context.Context, chapterIndex int) (*models.Chapter, error)

// chapterResult 单个章节的生成结果，成功与失败只占其一
type chapterResult struct {
	index   int
	chapter *models.Chapter
	err     error
}

// BatchOutcome 批次执行结果
// Completed 与 FailedErrors 的索引集互斥；两者合并等于调度的全部索引
type BatchOutcome struct {
	Completed    []models.Chapter
	FailedErrors map[int]error
}

// CompletedIndices 按升序返回成功的章节索引
func (o *BatchOutcome) CompletedIndices() []int {
	indices := make([]int, 0, len(o.Completed))
	for _, ch := range o.Completed {
		indices = append(indices, ch.Index)
	}
	sort.Ints(indices)
	return indices
}

// FailedIndices 按升序返回失败的章节索引
func (o *BatchOutcome) FailedIndices() []int {
	indices := make([]int, 0, len(o.FailedErrors))
	for idx := range o.FailedErrors {
		indices = append(indices, idx)
	}
	sort.Ints(indices)
	return indices
}

// AllFailed 批次是否全军覆没
func (o *BatchOutcome) AllFailed() bool {
	return len(o.Completed) == 0 && len(o.FailedErrors) > 0
}

// RunChapterBatch 并行生成一批章节：每个索引一个 goroutine，
// 全部落定后才返回。单项失败不影响其余项继续执行。
func RunChapterBatch(ctx context.Context, indices []int, generate ChapterGenerateFunc) *BatchOutcome {
	logger := utils.GetLogger()
	results := make(chan chapterResult, len(indices))

	var wg sync.WaitGroup
	for _, idx := range indices {
		wg.Add(1)
		go func(chapterIndex int) {
			defer wg.Done()
			chapter, err := generate(ctx, chapterIndex)
			if err != nil {
				results <- chapterResult{index: chapterIndex, err: err}
				return
			}
			results <- chapterResult{index: chapterIndex, chapter: chapter}
		}(idx)
	}

	wg.Wait()
	close(results)

	outcome := &BatchOutcome{FailedErrors: make(map[int]error)}
	for r := range results {
		if r.err != nil {
			logger.Warn("章节生成失败", map[string]interface{}{
				"chapter_index": r.index,
				"error":         r.err.Error(),
			})
			outcome.FailedErrors[r.index] = r.err
			continue
		}
		outcome.Completed = append(outcome.Completed, *r.chapter)
	}

	sort.Slice(outcome.Completed, func(i, j int) bool {
		return outcome.Completed[i].Index < outcome.Completed[j].Index
	})
	return outcome
}

// boundBatch 把待生成索引按最大批次大小截断，返回本批次要调度的索引
// maxSize <= 0 表示不设上限，一次调度全部
func boundBatch(indices []int, maxSize int) []int {
	if maxSize <= 0 || len(indices) <= maxSize {
		return indices
	}
	return indices[:maxSize]
}
