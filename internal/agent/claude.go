package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/sallandpioneers/foreman/internal/errs"
)

// ClaudeCLI runs the claude command in headless mode with streaming
// JSON output.
type ClaudeCLI struct {
	command string
}

// NewClaudeCLI creates a driver for the given command name.
func NewClaudeCLI(command string) *ClaudeCLI {
	if command == "" {
		command = "claude"
	}
	return &ClaudeCLI{command: command}
}

func (c *ClaudeCLI) Name() string { return "claude" }

// IsAvailable reports whether the CLI can be executed.
func (c *ClaudeCLI) IsAvailable(ctx context.Context) bool {
	cmd := exec.CommandContext(ctx, c.command, "--version")
	return cmd.Run() == nil
}

// streamEvent covers the subset of stream-json lines we care about:
// session identity, assistant text, and the final result record that
// carries cost and turn totals.
type streamEvent struct {
	Type      string  `json:"type"`
	Subtype   string  `json:"subtype"`
	SessionID string  `json:"session_id"`
	Result    string  `json:"result"`
	IsError   bool    `json:"is_error"`
	TotalCost float64 `json:"total_cost_usd"`
	NumTurns  int     `json:"num_turns"`
	Message   struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"message"`
}

// Query runs one prompt to completion. Every output line triggers
// OnProgress before parsing, so a stuck process produces no heartbeats.
func (c *ClaudeCLI) Query(ctx context.Context, prompt string, opts Options) (*Result, error) {
	args := []string{
		"--print",
		"--output-format", "stream-json",
		"--verbose",
		"--permission-mode", "acceptEdits",
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.MaxTurns > 0 {
		args = append(args, "--max-turns", fmt.Sprintf("%d", opts.MaxTurns))
	}
	if opts.ResumeID != "" {
		args = append(args, "--resume", opts.ResumeID)
	}

	cmd := exec.CommandContext(ctx, c.command, args...)
	cmd.Dir = opts.CWD
	cmd.Stdin = strings.NewReader(prompt)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errs.Wrap(errs.AgentProvider, "agent", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, errs.Wrap(errs.AgentProvider, "agent", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, errs.Wrapf(errs.AgentProvider, "agent", err, "failed to start %s", c.command)
	}

	res := &Result{}
	var output strings.Builder

	scanner := bufio.NewScanner(stdout)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if opts.OnProgress != nil {
			opts.OnProgress(line)
		}

		var ev streamEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			output.WriteString(line)
			output.WriteString("\n")
			continue
		}
		if ev.SessionID != "" {
			res.SessionID = ev.SessionID
		}
		switch ev.Type {
		case "assistant":
			for _, block := range ev.Message.Content {
				if block.Type == "text" {
					output.WriteString(block.Text)
					output.WriteString("\n")
				}
			}
		case "result":
			res.CostDelta = ev.TotalCost
			res.NumTurns = ev.NumTurns
			res.Success = !ev.IsError
			if ev.IsError {
				res.Err = ev.Result
				if res.Err == "" {
					res.Err = ev.Subtype
				}
			} else if ev.Result != "" {
				output.WriteString(ev.Result)
			}
		}
	}

	stderrBytes, _ := io.ReadAll(stderr)
	res.Output = output.String()

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return res, errs.Wrap(errs.Timeout, "agent", ctx.Err())
		}
		msg := strings.TrimSpace(string(stderrBytes))
		res.Success = false
		if res.Err == "" {
			res.Err = msg
		}
		return res, errs.Wrapf(errs.AgentProvider, "agent", err, "%s failed: %s", c.command, msg)
	}
	if scanErr := scanner.Err(); scanErr != nil {
		return res, errs.Wrap(errs.AgentProvider, "agent", scanErr)
	}
	return res, nil
}
