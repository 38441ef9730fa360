package github

import (
	"context"
	"fmt"

	"mergebot/pkg/rules"
)

// PullSnapshot is a point-in-time view of a pull request, shaped for queue
// rule matching.
type PullSnapshot struct {
	Number    int    `json:"number"`
	Title     string `json:"title"`
	State     string `json:"state"` // open or closed
	Merged    bool   `json:"merged"`
	Draft     bool   `json:"draft"`
	Mergeable bool   `json:"mergeable"`
	Head      struct {
		SHA string `json:"sha"`
		Ref string `json:"ref"`
	} `json:"head"`
	Base struct {
		Ref string `json:"ref"`
	} `json:"base"`
	User struct {
		Login string `json:"login"`
	} `json:"user"`
	Labels []struct {
		Name string `json:"name"`
	} `json:"labels"`
	RequestedReviewers []struct {
		Login string `json:"login"`
	} `json:"requested_reviewers"`
}

// LabelNames returns the label names as a flat list.
func (p *PullSnapshot) LabelNames() []string {
	names := make([]string, 0, len(p.Labels))
	for _, l := range p.Labels {
		names = append(names, l.Name)
	}
	return names
}

// Resolve implements rules.AttributeResolver. Attribute dispatch is an
// explicit switch; unknown names wrap rules.ErrUnknownAttribute.
func (p *PullSnapshot) Resolve(name string) (rules.Value, error) {
	switch name {
	case "number":
		return rules.IntValue(p.Number), nil
	case "title":
		return rules.StringValue(p.Title), nil
	case "state":
		return rules.StringValue(p.State), nil
	case "merged":
		return rules.BoolValue(p.Merged), nil
	case "draft":
		return rules.BoolValue(p.Draft), nil
	case "mergeable":
		return rules.BoolValue(p.Mergeable), nil
	case "head":
		return rules.StringValue(p.Head.Ref), nil
	case "base":
		return rules.StringValue(p.Base.Ref), nil
	case "author":
		return rules.StringValue(p.User.Login), nil
	case "label", "labels":
		return rules.ListValue(p.LabelNames()), nil
	case "review-requested":
		reviewers := make([]string, 0, len(p.RequestedReviewers))
		for _, r := range p.RequestedReviewers {
			reviewers = append(reviewers, r.Login)
		}
		return rules.ListValue(reviewers), nil
	default:
		return rules.Value{}, fmt.Errorf("%w: %s", rules.ErrUnknownAttribute, name)
	}
}

// GetPull fetches a fresh snapshot of one pull request.
func (c *Client) GetPull(ctx context.Context, number int) (*PullSnapshot, error) {
	var pull PullSnapshot
	if err := c.getJSON(ctx, c.repoURL("/pulls/%d", number), &pull); err != nil {
		return nil, fmt.Errorf("failed to get pull #%d: %w", number, err)
	}
	return &pull, nil
}

// PullState reports the merged flag and head SHA of a pull request. This is
// the train.PullReader contract.
func (c *Client) PullState(ctx context.Context, number int) (merged bool, headSHA string, err error) {
	pull, err := c.GetPull(ctx, number)
	if err != nil {
		return false, "", err
	}
	return pull.Merged, pull.Head.SHA, nil
}

// BranchTip returns the current commit SHA of a branch.
func (c *Client) BranchTip(ctx context.Context, branch string) (string, error) {
	var ref struct {
		Object struct {
			SHA string `json:"sha"`
		} `json:"object"`
	}
	if err := c.getJSON(ctx, c.repoURL("/git/ref/heads/%s", branch), &ref); err != nil {
		return "", fmt.Errorf("failed to get tip of %s: %w", branch, err)
	}
	return ref.Object.SHA, nil
}

// HasWritePermission reports whether a user can push to the repository.
func (c *Client) HasWritePermission(ctx context.Context, login string) (bool, error) {
	var perm struct {
		Permission string `json:"permission"`
	}
	err := c.getJSON(ctx, c.repoURL("/collaborators/%s/permission", login), &perm)
	if err != nil {
		return false, fmt.Errorf("failed to get permission for %s: %w", login, err)
	}
	return perm.Permission == "admin" || perm.Permission == "write", nil
}
