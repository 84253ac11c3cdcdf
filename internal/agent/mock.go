package agent

import (
	"context"
	"sync"
)

// MockProvider is a scripted Provider for tests. Results are returned
// in order; the last one repeats when the script runs out.
type MockProvider struct {
	mu      sync.Mutex
	Results []*Result
	Errs    []error
	Prompts []string

	// Hang, when non-nil, blocks Query until the channel closes or the
	// context ends. Used to exercise watchdog timeouts.
	Hang chan struct{}

	// ProgressLines are fed to OnProgress before returning.
	ProgressLines []string

	Available bool
	calls     int
}

// NewMockProvider creates a mock that is available and succeeds with
// an empty result.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		Results:   []*Result{{Success: true}},
		Available: true,
	}
}

func (m *MockProvider) Name() string { return "mock" }

func (m *MockProvider) IsAvailable(ctx context.Context) bool { return m.Available }

// Calls returns how many times Query ran.
func (m *MockProvider) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *MockProvider) Query(ctx context.Context, prompt string, opts Options) (*Result, error) {
	m.mu.Lock()
	idx := m.calls
	m.calls++
	m.Prompts = append(m.Prompts, prompt)
	hang := m.Hang
	lines := m.ProgressLines
	m.mu.Unlock()

	if hang != nil {
		select {
		case <-hang:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if opts.OnProgress != nil {
		for _, line := range lines {
			opts.OnProgress(line)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	var err error
	if len(m.Errs) > 0 {
		if idx < len(m.Errs) {
			err = m.Errs[idx]
		} else {
			err = m.Errs[len(m.Errs)-1]
		}
	}
	var res *Result
	if len(m.Results) > 0 {
		if idx < len(m.Results) {
			res = m.Results[idx]
		} else {
			res = m.Results[len(m.Results)-1]
		}
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}
