package adapters

import (
	"context"
	"time"
)

type Issue struct {
	Number int      `json:"number"`
	Title  string   `json:"title"`
	State  string   `json:"state"`
	URL    string   `json:"html_url"`
	Labels []string `json:"labels"`
}

type PullRequest struct {
	Number         int    `json:"number"`
	State          string `json:"state"`
	Merged         bool   `json:"merged"`
	HeadSHA        string `json:"head_sha"`
	MergeCommitSHA string `json:"merge_commit_sha,omitempty"`
	URL            string `json:"html_url"`
}

// CheckRun mirrors the GitHub check-run shape. Conclusion is empty until
// Status is "completed".
type CheckRun struct {
	Name       string `json:"name"`
	Status     string `json:"status"`
	Conclusion string `json:"conclusion"`
}

type Deployment struct {
	ID          string    `json:"id"`
	Environment string    `json:"environment"`
	SHA         string    `json:"sha"`
	Status      string    `json:"status"`
	Authentic   bool      `json:"authentic"`
	CreatedAt   time.Time `json:"created_at"`
}

type GitHub interface {
	GetIssue(ctx context.Context, repo string, number int) (Issue, error)
	AddLabels(ctx context.Context, repo string, number int, labels []string) error
	GetPullRequest(ctx context.Context, repo string, number int) (PullRequest, error)
	ListCheckRuns(ctx context.Context, repo, ref string) ([]CheckRun, error)
	ListDeployments(ctx context.Context, repo, sha string) ([]Deployment, error)
}
