package metrics

import (
	"fmt"
	"strings"

	"github.com/cam3ron2/bitbucket-pr-metrics/internal/bitbucket"
	"go.uber.org/zap"
)

// PrefilterMode selects which summary fields the prefilter trusts.
type PrefilterMode string

const (
	// PrefilterStateAndDate keeps summaries that are MERGED and closed inside the window.
	PrefilterStateAndDate PrefilterMode = "state_and_date"
	// PrefilterDateOnly keeps summaries closed inside the window regardless of state;
	// the detail record decides whether it was merged.
	PrefilterDateOnly PrefilterMode = "date_only"
)

// ParsePrefilterMode maps configuration text onto a mode. Empty selects PrefilterStateAndDate.
func ParsePrefilterMode(value string) (PrefilterMode, error) {
	switch PrefilterMode(strings.ToLower(strings.TrimSpace(value))) {
	case "", PrefilterStateAndDate:
		return PrefilterStateAndDate, nil
	case PrefilterDateOnly:
		return PrefilterDateOnly, nil
	default:
		return "", fmt.Errorf("unknown prefilter mode %q", value)
	}
}

// PrefilterStats summarises one prefilter pass.
type PrefilterStats struct {
	Input   int
	Kept    int
	Skipped int
}

// KeptPercent is the share of input kept, 0 for empty input.
func (s PrefilterStats) KeptPercent() float64 {
	if s.Input == 0 {
		return 0
	}
	return float64(s.Kept) / float64(s.Input) * 100
}

// PreFilter drops summaries that cannot count toward the window before any
// detail is fetched. The result is a subset of prs in input order.
func PreFilter(prs []bitbucket.PullRequest, window Window, mode PrefilterMode, logger *zap.Logger) ([]bitbucket.PullRequest, PrefilterStats) {
	if logger == nil {
		logger = zap.NewNop()
	}

	kept := make([]bitbucket.PullRequest, 0, len(prs))
	for _, pr := range prs {
		if pr.ClosedDate == nil || !window.ContainsMillis(*pr.ClosedDate) {
			continue
		}
		if mode != PrefilterDateOnly && !pr.IsMerged() {
			continue
		}
		kept = append(kept, pr)
	}

	stats := PrefilterStats{Input: len(prs), Kept: len(kept), Skipped: len(prs) - len(kept)}
	logger.Info("prefilter applied",
		zap.String("mode", string(mode)),
		zap.Int("input", stats.Input),
		zap.Int("kept", stats.Kept),
		zap.Int("skipped", stats.Skipped),
		zap.Float64("kept_percent", stats.KeptPercent()),
	)
	return kept, stats
}
