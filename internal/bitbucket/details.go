package bitbucket

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// PullRequestReader reads per pull request detail and activity records.
type PullRequestReader interface {
	GetPullRequest(ctx context.Context, project, repo string, id int64) (PullRequest, error)
	ListActivities(ctx context.Context, project, repo string, id int64) ([]Activity, error)
}

// DetailSet holds detail records and activity lists keyed by decimal pull request id.
type DetailSet struct {
	PullRequests []PullRequest
	Activities   map[string][]Activity
}

// DetailFetcher fetches detail and activity records through a bounded worker pool.
type DetailFetcher struct {
	reader  PullRequestReader
	workers int
	logger  *zap.Logger
}

// NewDetailFetcher creates a fetcher running at most workers concurrent requests.
func NewDetailFetcher(reader PullRequestReader, workers int, logger *zap.Logger) *DetailFetcher {
	if workers <= 0 {
		workers = defaultMaxWorkers
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DetailFetcher{
		reader:  reader,
		workers: workers,
		logger:  logger,
	}
}

type detailJobKind int

const (
	detailJob detailJobKind = iota
	activityJob
)

type detailJobSpec struct {
	kind detailJobKind
	id   int64
}

type detailOutcome struct {
	job        detailJobSpec
	detail     PullRequest
	activities []Activity
	err        error
}

// FetchDetails submits a detail and an activity fetch per summary. Results are
// collected in completion order. A failed detail drops that pull request; a
// failed activity fetch yields an empty list. Neither aborts the batch.
// Cancelling ctx stops workers from starting new fetches.
func (f *DetailFetcher) FetchDetails(ctx context.Context, project, repo string, summaries []PullRequest) DetailSet {
	result := DetailSet{
		PullRequests: make([]PullRequest, 0, len(summaries)),
		Activities:   make(map[string][]Activity, len(summaries)),
	}

	jobs := make([]detailJobSpec, 0, 2*len(summaries))
	for _, summary := range summaries {
		if summary.ID == 0 {
			continue
		}
		jobs = append(jobs, detailJobSpec{kind: detailJob, id: summary.ID}, detailJobSpec{kind: activityJob, id: summary.ID})
	}
	if len(jobs) == 0 {
		return result
	}

	queue := make(chan detailJobSpec, len(jobs))
	outcomes := make(chan detailOutcome, len(jobs))

	var wg sync.WaitGroup
	for range min(f.workers, len(jobs)) {
		wg.Go(func() {
			for job := range queue {
				if err := ctx.Err(); err != nil {
					outcomes <- detailOutcome{job: job, err: err}
					continue
				}
				outcomes <- f.run(ctx, project, repo, job)
			}
		})
	}

	for _, job := range jobs {
		queue <- job
	}
	close(queue)

	go func() {
		wg.Wait()
		close(outcomes)
	}()

	totalDetails := len(jobs) / 2
	completedDetails := 0
	completedActivities := 0
	for outcome := range outcomes {
		key := FormatID(outcome.job.id)
		switch outcome.job.kind {
		case detailJob:
			completedDetails++
			if outcome.err != nil {
				f.logger.Error("pull request detail fetch failed",
					zap.String("repository", project+"/"+repo),
					zap.Int64("pull_request_id", outcome.job.id),
					zap.Error(outcome.err),
				)
			} else {
				result.PullRequests = append(result.PullRequests, outcome.detail)
			}
			if completedDetails%10 == 0 || completedDetails == totalDetails {
				f.logger.Debug("detail fetch progress", zap.Int("completed", completedDetails), zap.Int("total", totalDetails))
			}
		case activityJob:
			completedActivities++
			if outcome.err != nil {
				f.logger.Error("pull request activity fetch failed",
					zap.String("repository", project+"/"+repo),
					zap.Int64("pull_request_id", outcome.job.id),
					zap.Error(outcome.err),
				)
				result.Activities[key] = []Activity{}
			} else {
				result.Activities[key] = outcome.activities
			}
			if completedActivities%10 == 0 || completedActivities == totalDetails {
				f.logger.Debug("activity fetch progress", zap.Int("completed", completedActivities), zap.Int("total", totalDetails))
			}
		}
	}

	return result
}

func (f *DetailFetcher) run(ctx context.Context, project, repo string, job detailJobSpec) detailOutcome {
	switch job.kind {
	case detailJob:
		detail, err := f.reader.GetPullRequest(ctx, project, repo, job.id)
		return detailOutcome{job: job, detail: detail, err: err}
	default:
		activities, err := f.reader.ListActivities(ctx, project, repo, job.id)
		if activities == nil {
			activities = []Activity{}
		}
		return detailOutcome{job: job, activities: activities, err: err}
	}
}
