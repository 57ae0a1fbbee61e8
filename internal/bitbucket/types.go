package bitbucket

import (
	"fmt"
	"strconv"
	"strings"
)

// Pull request states reported by Bitbucket Server.
const (
	StateOpen     = "OPEN"
	StateMerged   = "MERGED"
	StateDeclined = "DECLINED"
)

// ActionApproved is the activity action recorded when a reviewer approves.
const ActionApproved = "APPROVED"

// PullRequest is a pull request as returned by the list and detail endpoints.
// The list endpoint fills the summary fields; the detail endpoint fills all of them.
type PullRequest struct {
	ID          int64        `json:"id"`
	Version     int          `json:"version,omitempty"`
	Title       string       `json:"title,omitempty"`
	State       string       `json:"state"`
	Open        bool         `json:"open,omitempty"`
	Closed      bool         `json:"closed,omitempty"`
	CreatedDate *int64       `json:"createdDate,omitempty"`
	UpdatedDate *int64       `json:"updatedDate,omitempty"`
	ClosedDate  *int64       `json:"closedDate,omitempty"`
	Author      *Participant `json:"author,omitempty"`
	FromRef     *Ref         `json:"fromRef,omitempty"`
	ToRef       *Ref         `json:"toRef,omitempty"`
}

// IsMerged reports whether the state is MERGED, ignoring case.
func (p PullRequest) IsMerged() bool {
	return strings.EqualFold(strings.TrimSpace(p.State), StateMerged)
}

// Participant is an author or reviewer entry.
type Participant struct {
	User     User   `json:"user"`
	Role     string `json:"role,omitempty"`
	Approved bool   `json:"approved,omitempty"`
	Status   string `json:"status,omitempty"`
}

// User is a Bitbucket user reference.
type User struct {
	Name         string `json:"name"`
	DisplayName  string `json:"displayName,omitempty"`
	EmailAddress string `json:"emailAddress,omitempty"`
	Slug         string `json:"slug,omitempty"`
}

// Ref is a source or destination branch reference.
type Ref struct {
	ID           string `json:"id"`
	DisplayID    string `json:"displayId,omitempty"`
	LatestCommit string `json:"latestCommit,omitempty"`
}

// Activity is one timestamped pull request event.
type Activity struct {
	ID          int64  `json:"id"`
	CreatedDate int64  `json:"createdDate"`
	Action      string `json:"action"`
	User        *User  `json:"user,omitempty"`
}

// IsApproval reports whether the activity is an approval, ignoring case.
func (a Activity) IsApproval() bool {
	return strings.EqualFold(strings.TrimSpace(a.Action), ActionApproved)
}

// FirstApproval returns the first approval in server order.
func FirstApproval(activities []Activity) (Activity, bool) {
	for _, activity := range activities {
		if activity.IsApproval() {
			return activity, true
		}
	}
	return Activity{}, false
}

// Page is one page of a paged list endpoint.
type Page[T any] struct {
	Values        []T
	IsLastPage    bool
	NextPageStart *int
	Start         int
	Limit         int
	Size          int
	Total         int
}

// ParseRepositoryPath splits "PROJECT/REPO".
func ParseRepositoryPath(path string) (string, string, error) {
	project, repo, ok := strings.Cut(strings.TrimSpace(path), "/")
	project = strings.TrimSpace(project)
	repo = strings.TrimSpace(repo)
	if !ok || project == "" || repo == "" || strings.Contains(repo, "/") {
		return "", "", fmt.Errorf("repository path %q must be PROJECT/REPO", path)
	}
	return project, repo, nil
}

// FormatID renders a pull request ID as used for activity map keys.
func FormatID(id int64) string {
	return strconv.FormatInt(id, 10)
}
