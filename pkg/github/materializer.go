package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"mergebot/pkg/logx"
	"mergebot/pkg/train"
)

// CarMaterializer implements train.Materializer against the GitHub API. Each
// car is backed by a synthetic branch carrying the base tip plus every
// embarked pull, with a draft PR so CI runs against the combination.
type CarMaterializer struct {
	client     *Client
	baseBranch string
	logger     *logx.Logger
}

// NewCarMaterializer creates a materializer for one protected branch.
func NewCarMaterializer(client *Client, baseBranch string) *CarMaterializer {
	return &CarMaterializer{
		client:     client,
		baseBranch: baseBranch,
		logger:     logx.NewLogger("materializer"),
	}
}

// SyntheticBranch returns the synthetic branch name for a car's own pull.
func (m *CarMaterializer) SyntheticBranch(ownPullNumber int) string {
	return fmt.Sprintf("mergebot/train/%s/%d", m.baseBranch, ownPullNumber)
}

// Create builds the synthetic branch for a car and opens its draft PR. Safe
// to re-invoke after a partial failure: an existing branch is reused, merges
// of already-merged heads are no-ops, and an existing draft PR is adopted.
// The returned handle is the synthetic branch name.
func (m *CarMaterializer) Create(ctx context.Context, parentPullNumbers []int, ownPullNumber int) (string, error) {
	branch := m.SyntheticBranch(ownPullNumber)

	tip, err := m.client.BranchTip(ctx, m.baseBranch)
	if err != nil {
		return "", err
	}

	if err := m.ensureRef(ctx, branch, tip); err != nil {
		return "", err
	}

	batch := append(append([]int{}, parentPullNumbers...), ownPullNumber)
	for _, number := range batch {
		pull, err := m.client.GetPull(ctx, number)
		if err != nil {
			return "", err
		}
		if err := m.mergeInto(ctx, branch, pull.Head.SHA, number); err != nil {
			return "", err
		}
	}

	if err := m.ensureDraftPull(ctx, branch, batch); err != nil {
		return "", err
	}

	m.logger.Info("materialized %s: pulls %v atop %s", branch, batch, tip[:7])
	return branch, nil
}

// Delete closes the car's draft PR and removes the synthetic branch. Absence
// of either is not an error.
func (m *CarMaterializer) Delete(ctx context.Context, handle string) error {
	pr, err := m.openPullForHead(ctx, handle)
	if err != nil {
		return err
	}
	if pr != 0 {
		payload := map[string]string{"state": "closed"}
		err := m.client.doJSON(ctx, http.MethodPatch, m.client.repoURL("/pulls/%d", pr), payload, nil)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("failed to close draft PR #%d: %w", pr, err)
		}
	}

	err = m.client.doJSON(ctx, http.MethodDelete, m.client.repoURL("/git/refs/heads/%s", handle), nil, nil)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("failed to delete branch %s: %w", handle, err)
	}
	return nil
}

// ReportStatus aggregates the combined commit status and check runs of the
// synthetic branch tip into a single verdict.
func (m *CarMaterializer) ReportStatus(ctx context.Context, handle string) (train.CheckState, error) {
	tip, err := m.client.BranchTip(ctx, handle)
	if err != nil {
		return train.CheckPending, err
	}

	var combined struct {
		State      string `json:"state"` // success, failure, pending
		TotalCount int    `json:"total_count"`
	}
	if err := m.client.getJSON(ctx, m.client.repoURL("/commits/%s/status", tip), &combined); err != nil {
		return train.CheckPending, fmt.Errorf("failed to get combined status for %s: %w", handle, err)
	}
	switch combined.State {
	case "failure", "error":
		return train.CheckFailure, nil
	}

	var runs struct {
		TotalCount int `json:"total_count"`
		CheckRuns  []struct {
			Status     string `json:"status"`     // queued, in_progress, completed
			Conclusion string `json:"conclusion"` // success, failure, cancelled, ...
		} `json:"check_runs"`
	}
	if err := m.client.getJSON(ctx, m.client.repoURL("/commits/%s/check-runs", tip), &runs); err != nil {
		return train.CheckPending, fmt.Errorf("failed to get check runs for %s: %w", handle, err)
	}

	pending := combined.TotalCount > 0 && combined.State == "pending"
	for _, run := range runs.CheckRuns {
		if run.Status != "completed" {
			pending = true
			continue
		}
		switch run.Conclusion {
		case "success", "neutral", "skipped":
		default:
			return train.CheckFailure, nil
		}
	}
	if pending {
		return train.CheckPending, nil
	}
	return train.CheckSuccess, nil
}

// ensureRef creates the synthetic branch at the given SHA, reusing an
// existing branch from an earlier partial attempt.
func (m *CarMaterializer) ensureRef(ctx context.Context, branch, sha string) error {
	payload := map[string]string{
		"ref": "refs/heads/" + branch,
		"sha": sha,
	}
	err := m.client.doJSON(ctx, http.MethodPost, m.client.repoURL("/git/refs"), payload, nil)
	if err == nil {
		return nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnprocessableEntity {
		// Reference already exists.
		m.logger.Debug("reusing existing branch %s", branch)
		return nil
	}
	return fmt.Errorf("failed to create branch %s: %w", branch, err)
}

// mergeInto merges a pull's head into the synthetic branch. GitHub answers
// 204 when the head is already merged, which keeps retries cheap.
func (m *CarMaterializer) mergeInto(ctx context.Context, branch, headSHA string, number int) error {
	payload := map[string]string{
		"base":           branch,
		"head":           headSHA,
		"commit_message": fmt.Sprintf("Speculative merge of #%d", number),
	}
	err := m.client.doJSON(ctx, http.MethodPost, m.client.repoURL("/merges"), payload, nil)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict {
			return fmt.Errorf("pull #%d conflicts with %s: %w", number, branch, err)
		}
		return fmt.Errorf("failed to merge #%d into %s: %w", number, branch, err)
	}
	return nil
}

// openPullForHead returns the number of the open PR whose head is the given
// branch, or 0 when none exists.
func (m *CarMaterializer) openPullForHead(ctx context.Context, branch string) (int, error) {
	var pulls []struct {
		Number int `json:"number"`
	}
	url := m.client.repoURL("/pulls?head=%s:%s&state=open", m.client.owner, branch)
	if err := m.client.getJSON(ctx, url, &pulls); err != nil {
		return 0, fmt.Errorf("failed to list pulls for %s: %w", branch, err)
	}
	if len(pulls) == 0 {
		return 0, nil
	}
	return pulls[0].Number, nil
}

func (m *CarMaterializer) ensureDraftPull(ctx context.Context, branch string, batch []int) error {
	existing, err := m.openPullForHead(ctx, branch)
	if err != nil {
		return err
	}
	if existing != 0 {
		return nil
	}

	payload := map[string]interface{}{
		"title": fmt.Sprintf("merge train: %v into %s", batch, m.baseBranch),
		"head":  branch,
		"base":  m.baseBranch,
		"draft": true,
		"body":  fmt.Sprintf("Do not merge. Validates pulls %v combined atop `%s`.", batch, m.baseBranch),
	}
	if err := m.client.doJSON(ctx, http.MethodPost, m.client.repoURL("/pulls"), payload, nil); err != nil {
		return fmt.Errorf("failed to create draft PR for %s: %w", branch, err)
	}
	return nil
}
