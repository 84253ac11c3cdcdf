package cleanup

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunAllExecutesByPriority(t *testing.T) {
	m := NewManager(nil)
	var order []string
	add := func(id string, priority int) {
		m.Register(Task{
			ID:       id,
			Type:     TaskCustom,
			Priority: priority,
			Run: func(context.Context) error {
				order = append(order, id)
				return nil
			},
		})
	}
	add("low", 1)
	add("high", 10)
	add("mid", 5)

	errs := m.RunAll(context.Background())
	assert.Empty(t, errs)
	assert.Equal(t, []string{"high", "mid", "low"}, order)
	assert.Equal(t, 0, m.Count())
}

func TestRunAllKeepsFailedTasks(t *testing.T) {
	m := NewManager(nil)
	m.Register(Task{ID: "bad", Type: TaskWorktree, Run: func(context.Context) error {
		return errors.New("still in use")
	}})
	m.Register(Task{ID: "good", Type: TaskTempFile, Run: func(context.Context) error {
		return nil
	}})

	errs := m.RunAll(context.Background())
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "bad")

	// The failing task stays registered for a later attempt.
	assert.Equal(t, 1, m.Count())
	assert.Equal(t, "bad", m.Tasks()[0].ID)
}

func TestRegisterReplacesSameID(t *testing.T) {
	m := NewManager(nil)
	ran := ""
	m.Register(Task{ID: "x", Run: func(context.Context) error { ran = "first"; return nil }})
	m.Register(Task{ID: "x", Run: func(context.Context) error { ran = "second"; return nil }})
	assert.Equal(t, 1, m.Count())

	m.RunAll(context.Background())
	assert.Equal(t, "second", ran)
}

func TestUnregisterSkipsTask(t *testing.T) {
	m := NewManager(nil)
	ran := false
	m.Register(Task{ID: "x", Run: func(context.Context) error { ran = true; return nil }})
	m.Unregister("x")

	assert.Empty(t, m.RunAll(context.Background()))
	assert.False(t, ran)
}

func TestRunAllRejectsReentry(t *testing.T) {
	m := NewManager(nil)
	entered := make(chan struct{})
	proceed := make(chan struct{})
	m.Register(Task{ID: "slow", Run: func(context.Context) error {
		close(entered)
		<-proceed
		return nil
	}})

	done := make(chan []error)
	go func() { done <- m.RunAll(context.Background()) }()
	<-entered

	errs := m.RunAll(context.Background())
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrAlreadyRunning)

	close(proceed)
	assert.Empty(t, <-done)
}
