//go:build e2e

package e2e

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeBitbucketAPI struct {
	mu sync.Mutex

	server *httptest.Server
	token  string

	repos     map[string][]fixturePull
	failures  map[string]int
	callCount map[string]int
}

type fixturePull struct {
	ID        int64
	State     string
	Created   time.Time
	Closed    time.Time
	Approvals []time.Time
}

func newFakeBitbucketAPI(t *testing.T, token string) *fakeBitbucketAPI {
	t.Helper()

	api := &fakeBitbucketAPI{
		token:     token,
		repos:     make(map[string][]fixturePull),
		failures:  make(map[string]int),
		callCount: make(map[string]int),
	}
	api.server = httptest.NewServer(http.HandlerFunc(api.serveHTTP))
	t.Cleanup(api.server.Close)
	return api
}

func (f *fakeBitbucketAPI) URL() string {
	return f.server.URL
}

func (f *fakeBitbucketAPI) AddRepository(repository string, pulls ...fixturePull) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.repos[repository] = append(f.repos[repository], pulls...)
}

func (f *fakeBitbucketAPI) FailRepository(repository string, status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[repository] = status
}

func (f *fakeBitbucketAPI) Calls(kind string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.callCount[kind]
}

// serveHTTP handles rest/api/1.0/projects/{p}/repos/{r}/pull-requests[/{id}[/activities]].
func (f *fakeBitbucketAPI) serveHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer "+f.token {
		writeFixtureJSON(w, http.StatusUnauthorized, map[string]any{
			"errors": []map[string]string{{"message": "Authentication failed"}},
		})
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 8 || parts[0] != "rest" || parts[3] != "projects" || parts[5] != "repos" || parts[7] != "pull-requests" {
		writeFixtureJSON(w, http.StatusNotFound, map[string]any{"errors": []map[string]string{{"message": "no such endpoint"}}})
		return
	}
	repository := parts[4] + "/" + parts[6]

	f.mu.Lock()
	pulls, ok := f.repos[repository]
	failure := f.failures[repository]
	kind := "list"
	switch len(parts) {
	case 9:
		kind = "detail"
	case 10:
		kind = "activities"
	}
	f.callCount[kind]++
	f.mu.Unlock()

	if failure != 0 {
		writeFixtureJSON(w, failure, map[string]any{"errors": []map[string]string{{"message": "fixture failure"}}})
		return
	}
	if !ok {
		writeFixtureJSON(w, http.StatusNotFound, map[string]any{
			"errors": []map[string]string{{"message": "Repository " + repository + " does not exist."}},
		})
		return
	}

	switch kind {
	case "list":
		f.writeList(w, r, pulls)
	case "detail", "activities":
		id, err := strconv.ParseInt(parts[8], 10, 64)
		if err != nil {
			writeFixtureJSON(w, http.StatusBadRequest, map[string]any{})
			return
		}
		pull, found := findPull(pulls, id)
		if !found {
			writeFixtureJSON(w, http.StatusNotFound, map[string]any{})
			return
		}
		if kind == "detail" {
			writeFixtureJSON(w, http.StatusOK, pullPayload(pull))
			return
		}
		writeFixtureJSON(w, http.StatusOK, activityPage(pull))
	}
}

func (f *fakeBitbucketAPI) writeList(w http.ResponseWriter, r *http.Request, pulls []fixturePull) {
	start, _ := strconv.Atoi(r.URL.Query().Get("start"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 25
	}
	if start > len(pulls) {
		start = len(pulls)
	}
	end := min(start+limit, len(pulls))

	values := make([]map[string]any, 0, end-start)
	for _, pull := range pulls[start:end] {
		values = append(values, pullPayload(pull))
	}
	payload := map[string]any{
		"values":     values,
		"start":      start,
		"limit":      limit,
		"size":       len(values),
		"total":      len(pulls),
		"isLastPage": end >= len(pulls),
	}
	if end < len(pulls) {
		payload["nextPageStart"] = end
	}
	writeFixtureJSON(w, http.StatusOK, payload)
}

func findPull(pulls []fixturePull, id int64) (fixturePull, bool) {
	for _, pull := range pulls {
		if pull.ID == id {
			return pull, true
		}
	}
	return fixturePull{}, false
}

func pullPayload(pull fixturePull) map[string]any {
	payload := map[string]any{
		"id":          pull.ID,
		"state":       pull.State,
		"createdDate": pull.Created.UnixMilli(),
	}
	if !pull.Closed.IsZero() {
		payload["closedDate"] = pull.Closed.UnixMilli()
		payload["closed"] = true
	}
	return payload
}

func activityPage(pull fixturePull) map[string]any {
	values := []map[string]any{
		{"id": pull.ID * 100, "createdDate": pull.Created.UnixMilli(), "action": "OPENED"},
	}
	for i, approval := range pull.Approvals {
		values = append(values, map[string]any{
			"id":          pull.ID*100 + int64(i) + 1,
			"createdDate": approval.UnixMilli(),
			"action":      "APPROVED",
		})
	}
	return map[string]any{
		"values":     values,
		"start":      0,
		"size":       len(values),
		"isLastPage": true,
	}
}

func writeFixtureJSON(w http.ResponseWriter, status int, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
