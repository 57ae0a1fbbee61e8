package bitbucket

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
)

type fakeListEndpoint struct {
	mu sync.Mutex

	ids []int64
	// pageSizeAt returns how many items the server returns at start. Defaults to limit.
	pageSizeAt  func(start int) int
	limit       int
	omitTotal   bool
	failOnceAt  map[int]bool
	failAlways  map[int]bool
	calls       []int
	overlapNext int
	// reportedTotal overrides the total sent with every page when > 0.
	reportedTotal int
	stallCursor   bool
}

func newFakeListEndpoint(n, limit int) *fakeListEndpoint {
	ids := make([]int64, n)
	for i := range ids {
		ids[i] = int64(i + 1)
	}
	return &fakeListEndpoint{ids: ids, limit: limit}
}

func (e *fakeListEndpoint) fetch(ctx context.Context, start int) (Page[PullRequest], error) {
	if err := ctx.Err(); err != nil {
		return Page[PullRequest]{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, start)

	if e.failAlways[start] {
		return Page[PullRequest]{}, &NetworkError{Endpoint: "list", Err: errors.New("boom")}
	}
	if e.failOnceAt[start] {
		delete(e.failOnceAt, start)
		return Page[PullRequest]{}, &NetworkError{Endpoint: "list", Err: errors.New("flaky")}
	}

	size := e.limit
	if e.pageSizeAt != nil {
		size = e.pageSizeAt(start)
	}
	end := min(start+size, len(e.ids))
	values := make([]PullRequest, 0, max(end-start, 0))
	for i := start; i < end; i++ {
		values = append(values, PullRequest{ID: e.ids[i], State: StateMerged})
	}

	page := Page[PullRequest]{
		Values:     values,
		IsLastPage: end >= len(e.ids),
		Start:      start,
		Limit:      e.limit,
		Size:       len(values),
		Total:      len(e.ids),
	}
	if e.reportedTotal > 0 {
		page.Total = e.reportedTotal
	}
	if e.omitTotal {
		page.Total = -1
	}
	if !page.IsLastPage {
		next := end - e.overlapNext
		if e.stallCursor {
			next = start
		}
		page.NextPageStart = &next
	}
	return page, nil
}

func (e *fakeListEndpoint) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

func idsOf(prs []PullRequest) []int64 {
	ids := make([]int64, 0, len(prs))
	for _, pr := range prs {
		ids = append(ids, pr.ID)
	}
	return ids
}

func sortedIDs(prs []PullRequest) []int64 {
	ids := idsOf(prs)
	slices.Sort(ids)
	return ids
}

func TestPaginatorSequentialAndConcurrentAgree(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		endpoint func() *fakeListEndpoint
		pageSize int
		workers  int
		wantLen  int
		// ordered is false where the sequential fallback appends late items.
		ordered bool
	}{
		{
			name:     "regular_pages",
			endpoint: func() *fakeListEndpoint { return newFakeListEndpoint(25, 10) },
			pageSize: 10,
			workers:  4,
			wantLen:  25,
			ordered:  true,
		},
		{
			name: "server_caps_page_size",
			endpoint: func() *fakeListEndpoint {
				e := newFakeListEndpoint(25, 10)
				e.pageSizeAt = func(int) int { return 4 }
				return e
			},
			pageSize: 10,
			workers:  3,
			wantLen:  25,
			ordered:  true,
		},
		{
			name: "irregular_increments",
			endpoint: func() *fakeListEndpoint {
				e := newFakeListEndpoint(40, 5)
				e.pageSizeAt = func(start int) int {
					if (start/3)%2 == 0 {
						return 3
					}
					return 5
				}
				return e
			},
			pageSize: 5,
			workers:  4,
			wantLen:  40,
		},
		{
			name: "many_pages_beyond_prefetch",
			endpoint: func() *fakeListEndpoint {
				return newFakeListEndpoint(103, 7)
			},
			pageSize: 7,
			workers:  1,
			wantLen:  103,
			ordered:  true,
		},
		{
			name: "overlapping_pages_are_deduplicated",
			endpoint: func() *fakeListEndpoint {
				e := newFakeListEndpoint(20, 5)
				e.overlapNext = 1
				return e
			},
			pageSize: 5,
			workers:  2,
			wantLen:  20,
			ordered:  true,
		},
		{
			name: "under_reported_total",
			endpoint: func() *fakeListEndpoint {
				e := newFakeListEndpoint(8, 2)
				e.reportedTotal = 5
				return e
			},
			pageSize: 2,
			workers:  2,
			wantLen:  8,
			ordered:  true,
		},
		{
			name: "under_reported_total_beyond_prefetch",
			endpoint: func() *fakeListEndpoint {
				e := newFakeListEndpoint(50, 3)
				e.reportedTotal = 30
				return e
			},
			pageSize: 3,
			workers:  3,
			wantLen:  50,
			ordered:  true,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			ctx := context.Background()
			seqEndpoint := tc.endpoint()
			sequential, err := NewPaginator(seqEndpoint.fetch, pullRequestID, tc.pageSize, tc.workers, nil).Sequential(ctx)
			if err != nil {
				t.Fatalf("Sequential() unexpected error: %v", err)
			}

			concEndpoint := tc.endpoint()
			concurrent, err := NewPaginator(concEndpoint.fetch, pullRequestID, tc.pageSize, tc.workers, nil).Concurrent(ctx)
			if err != nil {
				t.Fatalf("Concurrent() unexpected error: %v", err)
			}

			if len(concurrent) != tc.wantLen {
				t.Fatalf("len(Concurrent()) = %d, want %d", len(concurrent), tc.wantLen)
			}
			if !slices.Equal(sortedIDs(concurrent), sortedIDs(dedupe(sequential))) {
				t.Fatalf("Concurrent() ids = %v, want %v", sortedIDs(concurrent), sortedIDs(sequential))
			}
			if tc.ordered && !slices.IsSorted(idsOf(concurrent)) {
				t.Fatalf("Concurrent() ids not in offset order: %v", idsOf(concurrent))
			}
		})
	}
}

func dedupe(prs []PullRequest) []PullRequest {
	seen := make(map[int64]struct{}, len(prs))
	out := make([]PullRequest, 0, len(prs))
	for _, pr := range prs {
		if _, ok := seen[pr.ID]; ok {
			continue
		}
		seen[pr.ID] = struct{}{}
		out = append(out, pr)
	}
	return out
}

func TestPaginatorConcurrentEmptyTotal(t *testing.T) {
	t.Parallel()

	endpoint := newFakeListEndpoint(0, 10)
	items, err := NewPaginator(endpoint.fetch, pullRequestID, 10, 4, nil).Concurrent(context.Background())
	if err != nil {
		t.Fatalf("Concurrent() unexpected error: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("len(Concurrent()) = %d, want 0", len(items))
	}
	if endpoint.callCount() != 1 {
		t.Fatalf("calls = %d, want 1", endpoint.callCount())
	}
}

func TestPaginatorConcurrentSinglePage(t *testing.T) {
	t.Parallel()

	endpoint := newFakeListEndpoint(3, 10)
	items, err := NewPaginator(endpoint.fetch, pullRequestID, 10, 4, nil).Concurrent(context.Background())
	if err != nil {
		t.Fatalf("Concurrent() unexpected error: %v", err)
	}
	if len(items) != 3 || endpoint.callCount() != 1 {
		t.Fatalf("len = %d, calls = %d; want 3 and 1", len(items), endpoint.callCount())
	}
}

func TestPaginatorConcurrentMissingTotalContinuesSequentially(t *testing.T) {
	t.Parallel()

	endpoint := newFakeListEndpoint(12, 5)
	endpoint.omitTotal = true
	items, err := NewPaginator(endpoint.fetch, pullRequestID, 5, 4, nil).Concurrent(context.Background())
	if err != nil {
		t.Fatalf("Concurrent() unexpected error: %v", err)
	}
	if len(items) != 12 {
		t.Fatalf("len(Concurrent()) = %d, want 12", len(items))
	}
}

func TestPaginatorConcurrentRecoversFromFailedPage(t *testing.T) {
	t.Parallel()

	endpoint := newFakeListEndpoint(60, 5)
	endpoint.failOnceAt = map[int]bool{45: true}
	items, err := NewPaginator(endpoint.fetch, pullRequestID, 5, 3, nil).Concurrent(context.Background())
	if err != nil {
		t.Fatalf("Concurrent() unexpected error: %v", err)
	}
	if len(items) != 60 {
		t.Fatalf("len(Concurrent()) = %d, want 60 after sequential fallback", len(items))
	}
}

func TestPaginatorFirstPageFailure(t *testing.T) {
	t.Parallel()

	for _, concurrent := range []bool{false, true} {
		endpoint := newFakeListEndpoint(10, 5)
		endpoint.failAlways = map[int]bool{0: true}
		paginator := NewPaginator(endpoint.fetch, pullRequestID, 5, 2, nil)

		var err error
		if concurrent {
			_, err = paginator.Concurrent(context.Background())
		} else {
			_, err = paginator.Sequential(context.Background())
		}
		var networkErr *NetworkError
		if !errors.As(err, &networkErr) {
			t.Fatalf("concurrent=%v error = %v, want *NetworkError", concurrent, err)
		}
	}
}

func TestPaginatorSequentialStopsOnLaterFailure(t *testing.T) {
	t.Parallel()

	endpoint := newFakeListEndpoint(15, 5)
	endpoint.failAlways = map[int]bool{10: true}
	items, err := NewPaginator(endpoint.fetch, pullRequestID, 5, 1, nil).Sequential(context.Background())
	if err != nil {
		t.Fatalf("Sequential() unexpected error: %v", err)
	}
	if len(items) != 10 {
		t.Fatalf("len(Sequential()) = %d, want 10", len(items))
	}
}

func TestPaginatorStopsOnStalledCursor(t *testing.T) {
	t.Parallel()

	endpoint := newFakeListEndpoint(10, 3)
	endpoint.stallCursor = true
	items, err := NewPaginator(endpoint.fetch, pullRequestID, 3, 1, nil).Sequential(context.Background())
	if err != nil {
		t.Fatalf("Sequential() unexpected error: %v", err)
	}
	if !slices.Equal(idsOf(items), []int64{1, 2, 3}) {
		t.Fatalf("Sequential() ids = %v, want [1 2 3]", idsOf(items))
	}
	if endpoint.callCount() != 1 {
		t.Fatalf("calls = %d, want 1", endpoint.callCount())
	}
}

func TestPaginatorConcurrentCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	endpoint := newFakeListEndpoint(30, 5)
	if _, err := NewPaginator(endpoint.fetch, pullRequestID, 5, 2, nil).Concurrent(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Concurrent() error = %v, want context.Canceled", err)
	}
}

func TestListPullRequestsThroughClient(t *testing.T) {
	t.Parallel()

	doer := &fakeDoer{}
	bodies := []string{
		`{"values":[{"id":1,"state":"MERGED"},{"id":2,"state":"OPEN"}],"isLastPage":false,"nextPageStart":2,"size":2,"total":3}`,
		`{"values":[{"id":3,"state":"DECLINED"}],"isLastPage":true,"size":1,"total":3}`,
	}
	for _, body := range bodies {
		doer.responses = append(doer.responses, newResponse(200, body))
	}
	client := newTestClient(t, doer)

	prs, err := client.ListPullRequests(context.Background(), "PROJ", "repo", false)
	if err != nil {
		t.Fatalf("ListPullRequests() unexpected error: %v", err)
	}
	if !slices.Equal(idsOf(prs), []int64{1, 2, 3}) {
		t.Fatalf("ids = %v, want [1 2 3]", idsOf(prs))
	}
	query := doer.requests[0].URL.Query()
	if query.Get("state") != "ALL" || query.Get("limit") != "2" || query.Get("start") != "0" {
		t.Fatalf("first query = %v, want state=ALL limit=2 start=0", query)
	}
}
