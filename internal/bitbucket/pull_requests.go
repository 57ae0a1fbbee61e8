package bitbucket

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"go.uber.org/zap"
)

const (
	kindListPullRequests = "list_pull_requests"
	kindGetPullRequest   = "get_pull_request"
	kindListActivities   = "list_activities"
)

// PullRequestsPath is the list endpoint path for one repository.
func PullRequestsPath(project, repo string) string {
	return fmt.Sprintf("rest/api/1.0/projects/%s/repos/%s/pull-requests", project, repo)
}

// ListPullRequestsPage fetches one page of the state=ALL pull request list.
func (c *Client) ListPullRequestsPage(ctx context.Context, project, repo string, start, limit int) (Page[PullRequest], error) {
	endpoint := PullRequestsPath(project, repo)
	query := url.Values{}
	query.Set("state", "ALL")
	query.Set("limit", strconv.Itoa(limit))
	query.Set("start", strconv.Itoa(start))

	resp, err := c.get(ctx, kindListPullRequests, endpoint, query)
	if err != nil {
		return Page[PullRequest]{}, err
	}
	return decodePage[PullRequest](endpoint, resp.Body)
}

// ListPullRequests enumerates every pull request in the repository. concurrent
// selects the prefetch-then-fan-out strategy; otherwise pages are walked one by one.
func (c *Client) ListPullRequests(ctx context.Context, project, repo string, concurrent bool) ([]PullRequest, error) {
	fetch := func(ctx context.Context, start int) (Page[PullRequest], error) {
		return c.ListPullRequestsPage(ctx, project, repo, start, c.pageSize)
	}
	logger := c.logger.With(zap.String("repository", project+"/"+repo))
	paginator := NewPaginator(fetch, pullRequestID, c.pageSize, c.maxWorkers, logger)
	if concurrent {
		return paginator.Concurrent(ctx)
	}
	return paginator.Sequential(ctx)
}

func pullRequestID(pr PullRequest) int64 {
	return pr.ID
}

// GetPullRequest fetches the full detail record for one pull request.
func (c *Client) GetPullRequest(ctx context.Context, project, repo string, id int64) (PullRequest, error) {
	endpoint := PullRequestsPath(project, repo) + "/" + strconv.FormatInt(id, 10)
	resp, err := c.get(ctx, kindGetPullRequest, endpoint, nil)
	if err != nil {
		return PullRequest{}, err
	}

	if !isJSONObject(resp.Body) {
		return PullRequest{}, shapeError(endpoint, "detail payload is not an object")
	}
	var detail PullRequest
	if err := json.Unmarshal(resp.Body, &detail); err != nil {
		return PullRequest{}, shapeError(endpoint, err.Error())
	}
	if detail.ID == 0 {
		return PullRequest{}, shapeError(endpoint, "detail payload has no id")
	}
	return detail, nil
}

// ListActivities fetches every activity page for one pull request, preserving server order.
func (c *Client) ListActivities(ctx context.Context, project, repo string, id int64) ([]Activity, error) {
	endpoint := PullRequestsPath(project, repo) + "/" + strconv.FormatInt(id, 10) + "/activities"
	fetch := func(ctx context.Context, start int) (Page[Activity], error) {
		query := url.Values{}
		query.Set("limit", strconv.Itoa(c.pageSize))
		query.Set("start", strconv.Itoa(start))
		resp, err := c.get(ctx, kindListActivities, endpoint, query)
		if err != nil {
			return Page[Activity]{}, err
		}
		return decodePage[Activity](endpoint, resp.Body)
	}

	activities := make([]Activity, 0)
	start := 0
	for {
		page, err := fetch(ctx, start)
		if err != nil {
			if len(activities) == 0 {
				return nil, err
			}
			c.logger.Warn("activity pagination stopped early",
				zap.String("endpoint", endpoint),
				zap.Int("collected", len(activities)),
				zap.Error(err),
			)
			return activities, nil
		}
		activities = append(activities, page.Values...)
		if page.IsLastPage || len(page.Values) == 0 {
			return activities, nil
		}
		next := nextStart(start, page)
		if next <= start {
			c.logger.Warn("activity cursor did not advance, stopping pagination",
				zap.String("endpoint", endpoint),
				zap.Int("start", start),
				zap.Int("next", next),
			)
			return activities, nil
		}
		start = next
	}
}

type pagePayload struct {
	Values        json.RawMessage `json:"values"`
	IsLastPage    *bool           `json:"isLastPage"`
	NextPageStart *int            `json:"nextPageStart"`
	Start         int             `json:"start"`
	Limit         int             `json:"limit"`
	Size          int             `json:"size"`
	Total         *int            `json:"total"`
}

func decodePage[T any](endpoint string, body []byte) (Page[T], error) {
	if !isJSONObject(body) {
		return Page[T]{}, shapeError(endpoint, "page payload is not an object")
	}

	var payload pagePayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return Page[T]{}, shapeError(endpoint, err.Error())
	}
	trimmedValues := bytes.TrimSpace(payload.Values)
	if len(trimmedValues) == 0 || trimmedValues[0] != '[' {
		return Page[T]{}, shapeError(endpoint, "page payload has no values array")
	}

	var values []T
	if err := json.Unmarshal(trimmedValues, &values); err != nil {
		return Page[T]{}, shapeError(endpoint, err.Error())
	}

	page := Page[T]{
		Values:        values,
		IsLastPage:    true,
		NextPageStart: payload.NextPageStart,
		Start:         payload.Start,
		Limit:         payload.Limit,
		Size:          payload.Size,
	}
	if payload.IsLastPage != nil {
		page.IsLastPage = *payload.IsLastPage
	}
	if payload.Size == 0 {
		page.Size = len(values)
	}
	if payload.Total != nil {
		page.Total = *payload.Total
	} else {
		page.Total = -1
	}
	return page, nil
}

func nextStart[T any](current int, page Page[T]) int {
	if page.NextPageStart != nil {
		return *page.NextPageStart
	}
	return current + len(page.Values)
}

func isJSONObject(body []byte) bool {
	trimmed := bytes.TrimSpace(body)
	return len(trimmed) > 0 && trimmed[0] == '{'
}

func shapeError(endpoint, detail string) error {
	return &APIError{
		Endpoint: endpoint,
		Err:      fmt.Errorf("%w: %s", ErrUnexpectedShape, detail),
	}
}
