package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/sallandpioneers/foreman/internal/errs"
	"github.com/sallandpioneers/foreman/internal/retry"
)

// GitHubHost implements Host using the gh CLI. Authentication is
// handled by gh itself (GH_TOKEN or gh auth login).
type GitHubHost struct{}

// NewGitHubHost creates a GitHub host. A non-empty token is exported
// for the gh CLI; host creation happens once at startup, not
// concurrently.
func NewGitHubHost(token string) *GitHubHost {
	if token != "" {
		os.Setenv("GH_TOKEN", token)
	}
	return &GitHubHost{}
}

func (g *GitHubHost) Name() string {
	return "github"
}

// runGH executes a gh command and returns stdout. Failures are
// classified so retry and breaker layers can tell transient from
// permanent.
func (g *GitHubHost) runGH(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "gh", args...)
	out, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			stderr := string(exitErr.Stderr)
			kind := errs.Network
			switch {
			case strings.Contains(stderr, "404"), strings.Contains(stderr, "Could not resolve to"):
				kind = errs.NotFound
			case strings.Contains(stderr, "429"), strings.Contains(stderr, "rate limit"):
				kind = errs.RateLimited
			}
			e := errs.Wrapf(kind, "github", err, "gh %s: %s", strings.Join(args[:min(2, len(args))], " "), strings.TrimSpace(stderr))
			if kind == errs.RateLimited {
				if d, ok := retry.ParseRetryAfter(retryAfterFromStderr(stderr)); ok {
					e.RetryAfter = d
				}
			}
			return nil, e
		}
		return nil, errs.Wrap(errs.Network, "github", err)
	}
	return out, nil
}

func retryAfterFromStderr(stderr string) string {
	for _, line := range strings.Split(stderr, "\n") {
		if _, after, ok := strings.Cut(line, "Retry-After:"); ok {
			return strings.TrimSpace(after)
		}
	}
	return ""
}

type ghUser struct {
	Login string `json:"login"`
}

type ghLabel struct {
	Name string `json:"name"`
}

type ghIssue struct {
	Number    int       `json:"number"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	State     string    `json:"state"`
	Author    ghUser    `json:"author"`
	Assignees []ghUser  `json:"assignees"`
	Labels    []ghLabel `json:"labels"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (gi ghIssue) toIssue() *Issue {
	labels := make([]string, len(gi.Labels))
	for i, l := range gi.Labels {
		labels[i] = l.Name
	}
	assignee := ""
	if len(gi.Assignees) > 0 {
		assignee = gi.Assignees[0].Login
	}
	return &Issue{
		Number:    gi.Number,
		Title:     gi.Title,
		Body:      gi.Body,
		Labels:    labels,
		State:     gi.State,
		Author:    gi.Author.Login,
		Assignee:  assignee,
		CreatedAt: gi.CreatedAt,
		UpdatedAt: gi.UpdatedAt,
	}
}

const issueFields = "number,title,body,state,author,assignees,labels,createdAt,updatedAt"

func (g *GitHubHost) GetIssue(ctx context.Context, project string, number int) (*Issue, error) {
	out, err := g.runGH(ctx, "issue", "view", strconv.Itoa(number), "--repo", project, "--json", issueFields)
	if err != nil {
		return nil, err
	}
	var gi ghIssue
	if err := json.Unmarshal(out, &gi); err != nil {
		return nil, errs.Wrap(errs.Network, "github", err)
	}
	return gi.toIssue(), nil
}

func (g *GitHubHost) ListOpenIssues(ctx context.Context, project, label string) ([]*Issue, error) {
	args := []string{"issue", "list", "--repo", project, "--state", "open", "--json", issueFields}
	if label != "" {
		args = append(args, "--label", label)
	}
	out, err := g.runGH(ctx, args...)
	if err != nil {
		return nil, err
	}
	var issues []ghIssue
	if err := json.Unmarshal(out, &issues); err != nil {
		return nil, errs.Wrap(errs.Network, "github", err)
	}
	result := make([]*Issue, len(issues))
	for i, gi := range issues {
		result[i] = gi.toIssue()
	}
	return result, nil
}

type ghComment struct {
	ID        int64     `json:"id"`
	Body      string    `json:"body"`
	User      ghUser    `json:"user"`
	CreatedAt time.Time `json:"created_at"`
	Path      string    `json:"path"`
	Line      int       `json:"line"`
	InReplyTo int64     `json:"in_reply_to_id"`
}

func toComments(raw []ghComment) []*Comment {
	out := make([]*Comment, len(raw))
	for i, c := range raw {
		out[i] = &Comment{
			ID:        c.ID,
			Body:      c.Body,
			Author:    c.User.Login,
			CreatedAt: c.CreatedAt,
			Path:      c.Path,
			Line:      c.Line,
			InReplyTo: c.InReplyTo,
		}
	}
	return out
}

func (g *GitHubHost) GetComments(ctx context.Context, project string, number int) ([]*Comment, error) {
	out, err := g.runGH(ctx, "api", fmt.Sprintf("repos/%s/issues/%d/comments", project, number))
	if err != nil {
		return nil, err
	}
	var comments []ghComment
	if err := json.Unmarshal(out, &comments); err != nil {
		return nil, errs.Wrap(errs.Network, "github", err)
	}
	return toComments(comments), nil
}

func (g *GitHubHost) CreateComment(ctx context.Context, project string, number int, body string) (int64, error) {
	out, err := g.runGH(ctx, "api", fmt.Sprintf("repos/%s/issues/%d/comments", project, number),
		"-X", "POST", "-f", "body="+body)
	if err != nil {
		return 0, err
	}
	var created struct {
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal(out, &created); err != nil {
		return 0, errs.Wrap(errs.Network, "github", err)
	}
	return created.ID, nil
}

func (g *GitHubHost) UpdateComment(ctx context.Context, project string, commentID int64, body string) error {
	_, err := g.runGH(ctx, "api", fmt.Sprintf("repos/%s/issues/comments/%d", project, commentID),
		"-X", "PATCH", "-f", "body="+body)
	return err
}

type ghPR struct {
	Number           int    `json:"number"`
	Title            string `json:"title"`
	Body             string `json:"body"`
	State            string `json:"state"`
	Merged           bool   `json:"merged"`
	MergeStateStatus string `json:"mergeStateStatus"`
	URL              string `json:"url"`
	HeadRefName      string `json:"headRefName"`
	BaseRefName      string `json:"baseRefName"`
}

const prFields = "number,title,body,state,mergeStateStatus,url,headRefName,baseRefName"

func (gp ghPR) toPR() *PR {
	return &PR{
		Number:    gp.Number,
		Title:     gp.Title,
		Body:      gp.Body,
		State:     gp.State,
		Merged:    gp.Merged || strings.EqualFold(gp.State, "merged"),
		Mergeable: gp.MergeStateStatus == "CLEAN" || gp.MergeStateStatus == "MERGEABLE",
		HTMLURL:   gp.URL,
		HeadRef:   gp.HeadRefName,
		BaseRef:   gp.BaseRefName,
	}
}

func (g *GitHubHost) CreatePR(ctx context.Context, project string, pr PRCreate) (*PR, error) {
	args := []string{"pr", "create", "--repo", project, "--title", pr.Title, "--body", pr.Body, "--head", pr.Head, "--base", pr.Base}
	if pr.Draft {
		args = append(args, "--draft")
	}
	if _, err := g.runGH(ctx, args...); err != nil {
		return nil, err
	}
	out, err := g.runGH(ctx, "pr", "view", pr.Head, "--repo", project, "--json", prFields)
	if err != nil {
		return nil, err
	}
	var gp ghPR
	if err := json.Unmarshal(out, &gp); err != nil {
		return nil, errs.Wrap(errs.Network, "github", err)
	}
	return gp.toPR(), nil
}

func (g *GitHubHost) GetPR(ctx context.Context, project string, number int) (*PR, error) {
	out, err := g.runGH(ctx, "pr", "view", strconv.Itoa(number), "--repo", project, "--json", prFields)
	if err != nil {
		return nil, err
	}
	var gp ghPR
	if err := json.Unmarshal(out, &gp); err != nil {
		return nil, errs.Wrap(errs.Network, "github", err)
	}
	return gp.toPR(), nil
}

func (g *GitHubHost) GetPRComments(ctx context.Context, project string, number int) ([]*Comment, error) {
	return g.GetComments(ctx, project, number)
}

func (g *GitHubHost) GetPRReviewComments(ctx context.Context, project string, number int) ([]*Comment, error) {
	out, err := g.runGH(ctx, "api", fmt.Sprintf("repos/%s/pulls/%d/comments", project, number))
	if err != nil {
		return nil, err
	}
	var comments []ghComment
	if err := json.Unmarshal(out, &comments); err != nil {
		return nil, errs.Wrap(errs.Network, "github", err)
	}
	return toComments(comments), nil
}

func (g *GitHubHost) GetReviews(ctx context.Context, project string, number int) ([]*Review, error) {
	out, err := g.runGH(ctx, "api", fmt.Sprintf("repos/%s/pulls/%d/reviews", project, number))
	if err != nil {
		return nil, err
	}
	var raw []struct {
		ID          int64     `json:"id"`
		User        ghUser    `json:"user"`
		State       string    `json:"state"`
		Body        string    `json:"body"`
		SubmittedAt time.Time `json:"submitted_at"`
	}
	if err := json.Unmarshal(out, &raw); err != nil {
		return nil, errs.Wrap(errs.Network, "github", err)
	}
	reviews := make([]*Review, len(raw))
	for i, r := range raw {
		reviews[i] = &Review{
			ID:        r.ID,
			Author:    r.User.Login,
			State:     r.State,
			Body:      r.Body,
			CreatedAt: r.SubmittedAt,
		}
	}
	return reviews, nil
}

func (g *GitHubHost) GetChecks(ctx context.Context, project string, number int) ([]*CheckRun, error) {
	// gh pr checks exits non-zero when any check fails, but the JSON is
	// still on stdout, so inspect the output before the error.
	cmd := exec.CommandContext(ctx, "gh", "pr", "checks", strconv.Itoa(number), "--repo", project,
		"--json", "name,state,link")
	out, err := cmd.Output()
	if err != nil && len(out) == 0 {
		return nil, errs.Wrap(errs.Network, "github", err)
	}
	var raw []struct {
		Name  string `json:"name"`
		State string `json:"state"`
		Link  string `json:"link"`
	}
	if err := json.Unmarshal(out, &raw); err != nil {
		return nil, errs.Wrap(errs.Network, "github", err)
	}
	checks := make([]*CheckRun, len(raw))
	for i, c := range raw {
		check := &CheckRun{Name: c.Name, DetailsURL: c.Link}
		switch strings.ToUpper(c.State) {
		case "QUEUED", "PENDING", "IN_PROGRESS", "WAITING":
			check.Status = "in_progress"
		default:
			check.Status = "completed"
			check.Conclusion = strings.ToLower(c.State)
		}
		checks[i] = check
	}
	return checks, nil
}

func (g *GitHubHost) DeleteBranch(ctx context.Context, project, branch string) error {
	_, err := g.runGH(ctx, "api", fmt.Sprintf("repos/%s/git/refs/heads/%s", project, branch), "-X", "DELETE")
	return err
}

func (g *GitHubHost) CloneURL(project string) string {
	return fmt.Sprintf("https://github.com/%s.git", project)
}

func (g *GitHubHost) GetDefaultBranch(ctx context.Context, project string) (string, error) {
	out, err := g.runGH(ctx, "repo", "view", project, "--json", "defaultBranchRef", "--jq", ".defaultBranchRef.name")
	if err != nil {
		return "", err
	}
	branch := strings.TrimSpace(string(out))
	if branch == "" {
		return "main", nil
	}
	return branch, nil
}

func (g *GitHubHost) IsCollaborator(ctx context.Context, project, username string) (bool, error) {
	_, err := g.runGH(ctx, "api", fmt.Sprintf("repos/%s/collaborators/%s", project, username))
	if err != nil {
		if errs.IsKind(err, errs.NotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
