package providers

import (
	"context"
	"fmt"
	"sync"
)

// MockHost is an in-memory Host for tests. Every method records its
// call so tests can assert on interaction order and counts.
type MockHost struct {
	mu sync.Mutex

	Issues        map[string]*Issue    // "project#number"
	Comments      map[string][]*Comment
	ReviewBodies  map[string][]*Comment
	Reviews       map[string][]*Review
	Checks        map[string][]*CheckRun
	PRs           map[string]*PR
	Collaborators map[string]bool // "project/username"

	NextPRNumber  int
	NextCommentID int64

	Calls []string

	// Err, when set for a method name, is returned by that method.
	Err map[string]error
}

// NewMockHost creates an empty mock.
func NewMockHost() *MockHost {
	return &MockHost{
		Issues:        make(map[string]*Issue),
		Comments:      make(map[string][]*Comment),
		ReviewBodies:  make(map[string][]*Comment),
		Reviews:       make(map[string][]*Review),
		Checks:        make(map[string][]*CheckRun),
		PRs:           make(map[string]*PR),
		Collaborators: make(map[string]bool),
		NextPRNumber:  100,
		NextCommentID: 1000,
		Err:           make(map[string]error),
	}
}

func key(project string, number int) string {
	return fmt.Sprintf("%s#%d", project, number)
}

func (m *MockHost) record(method string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, method)
	return m.Err[method]
}

// CallCount returns how often the named method was invoked.
func (m *MockHost) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.Calls {
		if c == method {
			n++
		}
	}
	return n
}

func (m *MockHost) Name() string { return "mock" }

func (m *MockHost) GetIssue(ctx context.Context, project string, number int) (*Issue, error) {
	if err := m.record("GetIssue"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	issue, ok := m.Issues[key(project, number)]
	if !ok {
		return nil, fmt.Errorf("issue %s not found", key(project, number))
	}
	return issue, nil
}

func (m *MockHost) ListOpenIssues(ctx context.Context, project, label string) ([]*Issue, error) {
	if err := m.record("ListOpenIssues"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Issue
	for k, issue := range m.Issues {
		if len(k) > len(project) && k[:len(project)] == project && issue.State == "open" {
			if label == "" || hasLabel(issue, label) {
				out = append(out, issue)
			}
		}
	}
	return out, nil
}

func hasLabel(issue *Issue, label string) bool {
	for _, l := range issue.Labels {
		if l == label {
			return true
		}
	}
	return false
}

func (m *MockHost) GetComments(ctx context.Context, project string, number int) ([]*Comment, error) {
	if err := m.record("GetComments"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Comments[key(project, number)], nil
}

func (m *MockHost) CreateComment(ctx context.Context, project string, number int, body string) (int64, error) {
	if err := m.record("CreateComment"); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.NextCommentID++
	c := &Comment{ID: m.NextCommentID, Body: body, Author: "mock"}
	m.Comments[key(project, number)] = append(m.Comments[key(project, number)], c)
	return c.ID, nil
}

func (m *MockHost) UpdateComment(ctx context.Context, project string, commentID int64, body string) error {
	if err := m.record("UpdateComment"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, comments := range m.Comments {
		for _, c := range comments {
			if c.ID == commentID {
				c.Body = body
				return nil
			}
		}
	}
	return fmt.Errorf("comment %d not found", commentID)
}

func (m *MockHost) CreatePR(ctx context.Context, project string, pr PRCreate) (*PR, error) {
	if err := m.record("CreatePR"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.NextPRNumber++
	created := &PR{
		Number:  m.NextPRNumber,
		Title:   pr.Title,
		Body:    pr.Body,
		State:   "open",
		HTMLURL: fmt.Sprintf("https://github.com/%s/pull/%d", project, m.NextPRNumber),
		HeadRef: pr.Head,
		BaseRef: pr.Base,
	}
	m.PRs[key(project, created.Number)] = created
	return created, nil
}

func (m *MockHost) GetPR(ctx context.Context, project string, number int) (*PR, error) {
	if err := m.record("GetPR"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	pr, ok := m.PRs[key(project, number)]
	if !ok {
		return nil, fmt.Errorf("PR %s not found", key(project, number))
	}
	return pr, nil
}

func (m *MockHost) GetPRComments(ctx context.Context, project string, number int) ([]*Comment, error) {
	if err := m.record("GetPRComments"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Comments[key(project, number)], nil
}

func (m *MockHost) GetPRReviewComments(ctx context.Context, project string, number int) ([]*Comment, error) {
	if err := m.record("GetPRReviewComments"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ReviewBodies[key(project, number)], nil
}

func (m *MockHost) GetReviews(ctx context.Context, project string, number int) ([]*Review, error) {
	if err := m.record("GetReviews"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Reviews[key(project, number)], nil
}

func (m *MockHost) GetChecks(ctx context.Context, project string, number int) ([]*CheckRun, error) {
	if err := m.record("GetChecks"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Checks[key(project, number)], nil
}

// SetChecks replaces the check runs for a PR. Safe to call while a
// watcher is polling the mock.
func (m *MockHost) SetChecks(project string, number int, checks []*CheckRun) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Checks[key(project, number)] = checks
}

func (m *MockHost) DeleteBranch(ctx context.Context, project, branch string) error {
	return m.record("DeleteBranch")
}

func (m *MockHost) CloneURL(project string) string {
	return fmt.Sprintf("https://mock.invalid/%s.git", project)
}

func (m *MockHost) GetDefaultBranch(ctx context.Context, project string) (string, error) {
	if err := m.record("GetDefaultBranch"); err != nil {
		return "", err
	}
	return "main", nil
}

func (m *MockHost) IsCollaborator(ctx context.Context, project, username string) (bool, error) {
	if err := m.record("IsCollaborator"); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Collaborators[project+"/"+username], nil
}
