package bitbucket

import (
	"context"
	"slices"
	"sync"

	"go.uber.org/zap"
)

const maxPrefetchPages = 5

// PageFunc fetches the page beginning at start.
type PageFunc[T any] func(ctx context.Context, start int) (Page[T], error)

// Paginator enumerates a cursor-paged list endpoint.
type Paginator[T any] struct {
	fetch    PageFunc[T]
	id       func(T) int64
	pageSize int
	workers  int
	logger   *zap.Logger
}

// NewPaginator creates a paginator. id must return a stable identifier used for deduplication.
func NewPaginator[T any](fetch PageFunc[T], id func(T) int64, pageSize, workers int, logger *zap.Logger) *Paginator[T] {
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Paginator[T]{
		fetch:    fetch,
		id:       id,
		pageSize: pageSize,
		workers:  workers,
		logger:   logger,
	}
}

// Sequential walks pages one at a time until isLastPage or an empty page.
// A failure on the first page is returned; later failures stop the walk and
// return what was collected.
func (p *Paginator[T]) Sequential(ctx context.Context) ([]T, error) {
	items := make([]T, 0)
	start := 0
	pages := 0
	total := -1

	for {
		page, err := p.fetch(ctx, start)
		if err != nil {
			if pages == 0 {
				return nil, err
			}
			p.logger.Error("page fetch failed, stopping pagination", zap.Int("start", start), zap.Int("pages_fetched", pages), zap.Error(err))
			break
		}
		pages++
		if total < 0 {
			total = page.Total
		}
		if len(page.Values) == 0 {
			p.logger.Debug("empty page returned, stopping pagination", zap.Int("start", start))
			break
		}
		items = append(items, page.Values...)
		p.logger.Debug("page fetched",
			zap.Int("page", pages),
			zap.Int("items", len(page.Values)),
			zap.Bool("is_last_page", page.IsLastPage),
			zap.Int("collected", len(items)),
			zap.Int("total", total),
		)
		if page.IsLastPage {
			break
		}
		next := nextStart(start, page)
		if next <= start {
			p.logger.Warn("page cursor did not advance, stopping pagination", zap.Int("start", start), zap.Int("next", next))
			break
		}
		start = next
	}

	if total > 0 && len(items) < total {
		p.logger.Warn("sequential pagination fetched fewer items than reported", zap.Int("collected", len(items)), zap.Int("total", total), zap.Int("pages", pages))
	} else {
		p.logger.Info("sequential pagination complete", zap.Int("collected", len(items)), zap.Int("pages", pages))
	}
	return items, nil
}

// Concurrent fetches the first page, prefetches a few pages sequentially to learn the
// server's offset increments, then fans the estimated remaining offsets out to the
// worker pool. When fewer than total items were collected, or no fetched page
// was the last one, it falls back to a full sequential walk and merges in
// anything missing, so the result always contains every item Sequential would
// return even when total is under-reported.
func (p *Paginator[T]) Concurrent(ctx context.Context) ([]T, error) {
	first, err := p.fetch(ctx, 0)
	if err != nil {
		return nil, err
	}

	collector := newItemCollector(p.id)
	collector.addPage(0, first.Values)

	if first.Total == 0 || first.IsLastPage {
		p.logger.Debug("single page result", zap.Int("items", len(first.Values)), zap.Int("total", first.Total))
		return collector.items(), nil
	}
	if first.Total < 0 {
		p.logger.Warn("list endpoint did not report total, continuing sequentially")
		return p.mergeSequential(ctx, collector)
	}
	if first.Size == 0 {
		p.logger.Warn("unable to determine page size", zap.Int("total", first.Total))
		return collector.items(), nil
	}

	total := first.Total
	previous := 0
	current := nextStart(0, first)
	reachedLast := false

	prefetch := min(maxPrefetchPages, ceilDiv(total, p.pageSize)-1)
	p.logger.Debug("prefetching pages to learn offset pattern", zap.Int("max_prefetch", prefetch), zap.Int("total", total))
	for range max(prefetch, 0) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page, err := p.fetch(ctx, current)
		if err != nil {
			p.logger.Error("prefetch failed", zap.Int("start", current), zap.Error(err))
			break
		}
		collector.addPage(current, page.Values)
		if page.IsLastPage || len(page.Values) == 0 {
			reachedLast = true
			break
		}
		next := nextStart(current, page)
		if next <= current {
			break
		}
		previous, current = current, next
	}

	if !reachedLast {
		step := current - previous
		if step <= 0 {
			step = p.pageSize
		}
		offsets := make([]int, 0, ceilDiv(max(total-current, 0), step))
		for offset := current; offset < total; offset += step {
			if !collector.fetched(offset) {
				offsets = append(offsets, offset)
			}
		}
		p.logger.Debug("fetching remaining pages concurrently", zap.Int("pages", len(offsets)), zap.Int("step", step), zap.Int("workers", p.workers))
		reachedLast = p.fanOut(ctx, offsets, collector)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if collector.count() < total || !reachedLast {
		p.logger.Warn("concurrent pagination did not reach the last page, running sequential pass",
			zap.Int("collected", collector.count()),
			zap.Int("total", total),
			zap.Bool("reached_last_page", reachedLast),
		)
		return p.mergeSequential(ctx, collector)
	}

	p.logger.Info("concurrent pagination complete", zap.Int("collected", collector.count()), zap.Int("total", total))
	return collector.items(), nil
}

// fanOut fetches offsets on the worker pool and reports whether any page
// fetched was the last one.
func (p *Paginator[T]) fanOut(ctx context.Context, offsets []int, collector *itemCollector[T]) bool {
	if len(offsets) == 0 {
		return false
	}

	type pageOutcome struct {
		start  int
		values []T
		last   bool
	}

	jobs := make(chan int, len(offsets))
	outcomes := make(chan pageOutcome, len(offsets))

	var wg sync.WaitGroup
	for range min(p.workers, len(offsets)) {
		wg.Go(func() {
			for start := range jobs {
				if ctx.Err() != nil {
					continue
				}
				page, err := p.fetch(ctx, start)
				if err != nil {
					p.logger.Error("page fetch failed", zap.Int("start", start), zap.Error(err))
					continue
				}
				outcomes <- pageOutcome{start: start, values: page.Values, last: page.IsLastPage || len(page.Values) == 0}
			}
		})
	}

	for _, offset := range offsets {
		jobs <- offset
	}
	close(jobs)

	wg.Wait()
	close(outcomes)

	completed := 0
	reachedLast := false
	for outcome := range outcomes {
		collector.addPage(outcome.start, outcome.values)
		reachedLast = reachedLast || outcome.last
		completed++
	}
	p.logger.Debug("concurrent page fetches finished", zap.Int("completed", completed), zap.Int("requested", len(offsets)))
	return reachedLast
}

func (p *Paginator[T]) mergeSequential(ctx context.Context, collector *itemCollector[T]) ([]T, error) {
	sequential, err := p.Sequential(ctx)
	if err != nil {
		p.logger.Error("sequential fallback failed", zap.Error(err))
		return collector.items(), nil
	}
	added := collector.addSequential(sequential)
	p.logger.Info("sequential fallback merged items", zap.Int("added", added), zap.Int("collected", collector.count()))
	return collector.items(), nil
}

// itemCollector accumulates pages keyed by start offset and deduplicates by id.
// Output order is by page offset, then server order within a page, then
// sequential fallback additions.
type itemCollector[T any] struct {
	id       func(T) int64
	seen     map[int64]struct{}
	pages    map[int][]T
	appended []T
	total    int
}

func newItemCollector[T any](id func(T) int64) *itemCollector[T] {
	return &itemCollector[T]{
		id:    id,
		seen:  make(map[int64]struct{}),
		pages: make(map[int][]T),
	}
}

func (c *itemCollector[T]) fetched(start int) bool {
	_, ok := c.pages[start]
	return ok
}

func (c *itemCollector[T]) addPage(start int, values []T) {
	kept := make([]T, 0, len(values))
	for _, value := range values {
		if c.markNew(value) {
			kept = append(kept, value)
		}
	}
	c.pages[start] = append(c.pages[start], kept...)
}

func (c *itemCollector[T]) addSequential(values []T) int {
	added := 0
	for _, value := range values {
		if c.markNew(value) {
			c.appended = append(c.appended, value)
			added++
		}
	}
	return added
}

func (c *itemCollector[T]) markNew(value T) bool {
	key := c.id(value)
	if _, ok := c.seen[key]; ok {
		return false
	}
	c.seen[key] = struct{}{}
	c.total++
	return true
}

func (c *itemCollector[T]) count() int {
	return c.total
}

func (c *itemCollector[T]) items() []T {
	starts := make([]int, 0, len(c.pages))
	for start := range c.pages {
		starts = append(starts, start)
	}
	slices.Sort(starts)

	result := make([]T, 0, c.total)
	for _, start := range starts {
		result = append(result, c.pages[start]...)
	}
	return append(result, c.appended...)
}

func ceilDiv(a, b int) int {
	if b <= 0 {
		return 0
	}
	return (a + b - 1) / b
}
