package lifecycle

import (
	"context"
	"fmt"
	"strings"

	"github.com/davidahmann/afu9/internal/evidence"
	"github.com/davidahmann/afu9/internal/ledger"
	"github.com/davidahmann/afu9/internal/verdict"
	"github.com/davidahmann/afu9/pkg/types"
)

func dryRunOutcome(issue ledger.IssueRecord, format string, args ...any) outcome {
	return outcome{issue: issue, message: "dry run: would " + fmt.Sprintf(format, args...)}
}

func githubError(call string, err error) outcome {
	return blocked(types.BlockerGitHubAPIError, "%s: %v", call, err)
}

// executePick confirms the linked GitHub issue is still open.
func executePick(ctx context.Context, m *Machine, issue ledger.IssueRecord, dryRun bool) outcome {
	if issue.GitHubRepo == "" || issue.GitHubNumber <= 0 {
		return blocked(types.BlockerNoGitHubIssue, "issue %s has no linked GitHub issue", issue.IssueID)
	}
	if dryRun {
		return dryRunOutcome(issue, "read %s#%d and move to %s", issue.GitHubRepo, issue.GitHubNumber, types.IssuePicked)
	}
	gh, err := m.gh.GetIssue(ctx, issue.GitHubRepo, issue.GitHubNumber)
	if err != nil {
		return githubError("get issue", err)
	}
	if strings.EqualFold(gh.State, "closed") {
		return blocked(types.BlockerIssueClosed, "GitHub issue %s#%d is closed", issue.GitHubRepo, issue.GitHubNumber)
	}
	out := outcome{issue: issue, fields: []string{"status"}, message: "Issue picked."}
	if gh.URL != "" && gh.URL != issue.GitHubURL {
		out.issue.GitHubURL = gh.URL
		out.fields = append(out.fields, "github_url")
	}
	return out
}

// executeSpec publishes the spec by labelling the GitHub issue.
func executeSpec(ctx context.Context, m *Machine, issue ledger.IssueRecord, dryRun bool) outcome {
	if strings.TrimSpace(issue.Spec) == "" {
		return blocked(types.BlockerSpecMissing, "issue %s has no spec", issue.IssueID)
	}
	if issue.GitHubRepo == "" || issue.GitHubNumber <= 0 {
		return blocked(types.BlockerNoGitHubIssue, "issue %s has no linked GitHub issue", issue.IssueID)
	}
	if !m.publishing {
		return blocked(types.BlockerPublishingDisabled, "publishing to GitHub is disabled")
	}
	if dryRun {
		return dryRunOutcome(issue, "label %s#%d %q and move to %s", issue.GitHubRepo, issue.GitHubNumber, SpecReadyLabel, types.IssueSpecReady)
	}
	if err := m.gh.AddLabels(ctx, issue.GitHubRepo, issue.GitHubNumber, []string{SpecReadyLabel}); err != nil {
		return githubError("add labels", err)
	}
	return outcome{issue: issue, fields: []string{"status"}, message: "Spec published."}
}

// executePR requires a linked pull request that is still open or merged.
func executePR(ctx context.Context, m *Machine, issue ledger.IssueRecord, dryRun bool) outcome {
	if issue.PRNumber <= 0 {
		return blocked(types.BlockerNoPRLinked, "issue %s has no linked pull request", issue.IssueID)
	}
	if dryRun {
		return dryRunOutcome(issue, "read pull request %s#%d and move to %s", issue.GitHubRepo, issue.PRNumber, types.IssueReviewReady)
	}
	pr, err := m.gh.GetPullRequest(ctx, issue.GitHubRepo, issue.PRNumber)
	if err != nil {
		return githubError("get pull request", err)
	}
	if strings.EqualFold(pr.State, "closed") && !pr.Merged {
		return blocked(types.BlockerPRClosed, "pull request %s#%d was closed without merging", issue.GitHubRepo, issue.PRNumber)
	}
	out := outcome{issue: issue, fields: []string{"status"}, message: "Pull request ready for review."}
	if pr.URL != "" && pr.URL != issue.PRURL {
		out.issue.PRURL = pr.URL
		out.fields = append(out.fields, "pr_url")
	}
	return out
}

func pullRef(number int) string {
	return fmt.Sprintf("refs/pull/%d/head", number)
}

// executeChecks gates on the pull request's check runs. No reported checks
// counts as pending, never as passing.
func executeChecks(ctx context.Context, m *Machine, issue ledger.IssueRecord, dryRun bool) outcome {
	if issue.PRNumber <= 0 {
		return blocked(types.BlockerNoPRLinked, "issue %s has no linked pull request", issue.IssueID)
	}
	ref := pullRef(issue.PRNumber)
	if dryRun {
		return dryRunOutcome(issue, "read check runs for %s@%s and move to %s", issue.GitHubRepo, ref, types.IssueMergeReady)
	}
	runs, err := m.gh.ListCheckRuns(ctx, issue.GitHubRepo, ref)
	if err != nil {
		return githubError("list check runs", err)
	}
	if len(runs) == 0 {
		return blocked(types.BlockerChecksPending, "no check runs reported for %s", ref)
	}
	var pending, failed []string
	for _, run := range runs {
		if !strings.EqualFold(run.Status, "completed") {
			pending = append(pending, run.Name)
			continue
		}
		switch strings.ToLower(run.Conclusion) {
		case "success", "neutral", "skipped":
		default:
			failed = append(failed, fmt.Sprintf("%s (%s)", run.Name, run.Conclusion))
		}
	}
	detail := map[string]any{"check_runs": len(runs), "pending": pending, "failed": failed}
	if len(failed) > 0 {
		out := blocked(types.BlockerChecksFailed, "checks failed: %s", strings.Join(failed, ", "))
		out.detail = detail
		return out
	}
	if len(pending) > 0 {
		out := blocked(types.BlockerChecksPending, "checks still running: %s", strings.Join(pending, ", "))
		out.detail = detail
		return out
	}
	return outcome{issue: issue, fields: []string{"status"}, message: fmt.Sprintf("All %d checks passed.", len(runs)), detail: detail}
}

// executeMerge records the merge commit once GitHub reports the pull request
// merged.
func executeMerge(ctx context.Context, m *Machine, issue ledger.IssueRecord, dryRun bool) outcome {
	if issue.PRNumber <= 0 {
		return blocked(types.BlockerNoPRLinked, "issue %s has no linked pull request", issue.IssueID)
	}
	if dryRun {
		return dryRunOutcome(issue, "confirm pull request %s#%d is merged and move to %s", issue.GitHubRepo, issue.PRNumber, types.IssueMerged)
	}
	pr, err := m.gh.GetPullRequest(ctx, issue.GitHubRepo, issue.PRNumber)
	if err != nil {
		return githubError("get pull request", err)
	}
	if !pr.Merged {
		if strings.EqualFold(pr.State, "closed") {
			return blocked(types.BlockerPRClosed, "pull request %s#%d was closed without merging", issue.GitHubRepo, issue.PRNumber)
		}
		return blocked(types.BlockerPRNotMerged, "pull request %s#%d is not merged", issue.GitHubRepo, issue.PRNumber)
	}
	out := outcome{issue: issue, fields: []string{"status"}, message: "Pull request merged."}
	if pr.MergeCommitSHA != "" && pr.MergeCommitSHA != issue.MergeCommitSHA {
		out.issue.MergeCommitSHA = pr.MergeCommitSHA
		out.fields = append(out.fields, "merge_commit_sha")
	}
	return out
}

// executeDeployObserve records deployments of the merge commit. It never
// changes the issue, so FieldsChanged stays empty even when rows are written.
func executeDeployObserve(ctx context.Context, m *Machine, issue ledger.IssueRecord, dryRun bool) outcome {
	if issue.MergeCommitSHA == "" {
		return blocked(types.BlockerPRNotMerged, "issue %s has no merge commit", issue.IssueID)
	}
	if dryRun {
		return dryRunOutcome(issue, "record deployments of %s", issue.MergeCommitSHA)
	}
	deployments, err := m.gh.ListDeployments(ctx, issue.GitHubRepo, issue.MergeCommitSHA)
	if err != nil {
		return githubError("list deployments", err)
	}
	now := ledger.FormatTime(m.now())
	out := outcome{issue: issue, refs: []string{}}
	for _, d := range deployments {
		observedAt := now
		if !d.CreatedAt.IsZero() {
			observedAt = ledger.FormatTime(d.CreatedAt)
		}
		out.observations = append(out.observations, ledger.DeploymentObservationRecord{
			ObservationID: m.newID(),
			IssueID:       issue.IssueID,
			DeploymentID:  d.ID,
			Environment:   d.Environment,
			SHA:           d.SHA,
			Status:        d.Status,
			IsAuthentic:   d.Authentic && d.SHA == issue.MergeCommitSHA,
			ObservedAt:    observedAt,
			CreatedAt:     now,
		})
		out.refs = append(out.refs, "deployment:"+d.ID)
	}
	out.message = fmt.Sprintf("Observed %d deployments of %s.", len(deployments), issue.MergeCommitSHA)
	return out
}

// executeVerify closes the issue only on a GREEN verdict over the recorded
// deployment observations.
func executeVerify(ctx context.Context, m *Machine, issue ledger.IssueRecord, dryRun bool) outcome {
	rows, err := m.store.ListDeploymentObservations(ctx, issue.IssueID)
	if err != nil {
		return blocked(types.BlockerStoreError, "list deployment observations: %v", err)
	}
	bundle := evidence.VerificationBundle{DeploymentObservations: make([]evidence.DeploymentObservation, 0, len(rows))}
	for _, row := range rows {
		obs := evidence.DeploymentObservation{
			ID:          row.DeploymentID,
			Environment: row.Environment,
			Status:      row.Status,
			IsAuthentic: row.IsAuthentic,
			SHA:         row.SHA,
		}
		if t, err := ledger.ParseTime(row.ObservedAt); err == nil {
			obs.ObservedAt = t
		}
		bundle.DeploymentObservations = append(bundle.DeploymentObservations, obs)
	}
	v := verdict.Evaluate(bundle)
	detail := map[string]any{"verdict": v}
	if v.Verdict != types.VerdictGreen {
		out := blocked(types.BlockerVerdictRed, "%s", v.Rationale)
		out.detail = detail
		return out
	}
	if dryRun {
		out := dryRunOutcome(issue, "move to %s on verdict %s", types.IssueDone, v.Verdict)
		out.detail = detail
		return out
	}
	return outcome{issue: issue, fields: []string{"status"}, message: v.Rationale, detail: detail}
}
