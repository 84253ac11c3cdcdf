package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	StateDir string `yaml:"state_dir"` // default ~/.agent
	Provider string `yaml:"provider"`
	LogLevel string `yaml:"log_level"`

	GitHub GitHubConfig `yaml:"github"`

	Agent        AgentConfig        `yaml:"agent"`
	Retry        RetryConfig        `yaml:"retry"`
	Budget       BudgetConfig       `yaml:"budget"`
	Rate         RateConfig         `yaml:"rate"`
	Limits       LimitsConfig       `yaml:"limits"`
	Verify       VerifyConfig       `yaml:"verify"`
	Watchdog     WatchdogConfig     `yaml:"watchdog"`
	Breaker      BreakerConfig      `yaml:"breaker"`
	Watch        WatchConfig        `yaml:"watch"`
	Webhook      WebhookConfig      `yaml:"webhook"`
	Security     SecurityConfig     `yaml:"security"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Progress     ProgressConfig     `yaml:"progress"`
}

type GitHubConfig struct {
	Token string `yaml:"token"`
	Fork  string `yaml:"fork"` // account the working fork lives under; empty = upstream
}

type AgentConfig struct {
	Command  string  `yaml:"command"`
	Model    string  `yaml:"model"`
	MaxTurns int     `yaml:"max_turns"`
	Estimate float64 `yaml:"estimate_usd"` // per-run cost estimate used for admission
}

type RetryConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`
	Jitter     bool          `yaml:"jitter"`
}

type BudgetConfig struct {
	DailyLimitUSD   float64 `yaml:"daily_limit_usd"`
	MonthlyLimitUSD float64 `yaml:"monthly_limit_usd"`
	PerIssueUSD     float64 `yaml:"per_issue_usd"`
}

type RateConfig struct {
	MaxProposalsPerDay           int `yaml:"max_proposals_per_day"`
	MaxProposalsPerProjectPerDay int `yaml:"max_proposals_per_project_per_day"`
}

type LimitsConfig struct {
	MaxConcurrentAgents     int `yaml:"max_concurrent_agents"`
	MaxConcurrentPerProject int `yaml:"max_concurrent_per_project"`
	MaxWorktrees            int `yaml:"max_worktrees"`
	MaxWorktreesPerProject  int `yaml:"max_worktrees_per_project"`
	WorktreeMaxAgeHours     int `yaml:"worktree_max_age_hours"`
}

type VerifyConfig struct {
	MaxChangedFiles           int      `yaml:"max_changed_files"`
	MaxChangedLines           int      `yaml:"max_changed_lines"`
	TestCommand               string   `yaml:"test_command"`
	MaxLocalTestFixIterations int      `yaml:"max_local_test_fix_iterations"`
	NonFailingConclusions     []string `yaml:"non_failing_conclusions"` // check-run conclusions treated as passing
}

type WatchdogConfig struct {
	AgentTimeout time.Duration `yaml:"agent_timeout"`
	GitTimeout   time.Duration `yaml:"git_timeout"`
	HTTPTimeout  time.Duration `yaml:"http_timeout"`
}

type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	OpenDuration     time.Duration `yaml:"open_duration"`
}

type WatchConfig struct {
	Interval          time.Duration `yaml:"interval"`
	InactivityTimeout time.Duration `yaml:"inactivity_timeout"`
	AutoIterate       bool          `yaml:"auto_iterate"`
}

type WebhookConfig struct {
	Port                int      `yaml:"port"`
	Secret              string   `yaml:"secret"`
	AllowedRepos        []string `yaml:"allowed_repos"`
	AutoIterate         bool     `yaml:"auto_iterate"`
	DeleteBranchOnMerge bool     `yaml:"delete_branch_on_merge"`
}

type SecurityConfig struct {
	AllowedAuthors []string `yaml:"allowed_authors"`
	BotAccounts    []string `yaml:"bot_accounts"` // feedback from these authors is dropped
}

type OrchestratorConfig struct {
	AbandonOnFailure bool `yaml:"abandon_on_failure"` // abandon instead of re-queueing on non-transient failure
}

// ProgressConfig controls debounced status comments on issues
type ProgressConfig struct {
	Enabled          bool          `yaml:"enabled"`
	DebounceInterval time.Duration `yaml:"debounce_interval"`
}

// Default configuration values
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		StateDir: filepath.Join(home, ".agent"),
		Provider: "github",
		LogLevel: "info",
		Agent: AgentConfig{
			Command:  "claude",
			MaxTurns: 50,
			Estimate: 0.5,
		},
		Retry: RetryConfig{
			MaxRetries: 3,
			BaseDelay:  1 * time.Second,
			MaxDelay:   30 * time.Second,
			Jitter:     true,
		},
		Budget: BudgetConfig{
			DailyLimitUSD:   50,
			MonthlyLimitUSD: 500,
			PerIssueUSD:     10,
		},
		Rate: RateConfig{
			MaxProposalsPerDay:           20,
			MaxProposalsPerProjectPerDay: 5,
		},
		Limits: LimitsConfig{
			MaxConcurrentAgents:     3,
			MaxConcurrentPerProject: 1,
			MaxWorktrees:            10,
			MaxWorktreesPerProject:  3,
			WorktreeMaxAgeHours:     24,
		},
		Verify: VerifyConfig{
			MaxChangedFiles:           50,
			MaxChangedLines:           3000,
			MaxLocalTestFixIterations: 3,
			NonFailingConclusions:     []string{"success", "neutral", "skipped", "action_required"},
		},
		Watchdog: WatchdogConfig{
			AgentTimeout: 5 * time.Minute,
			GitTimeout:   1 * time.Minute,
			HTTPTimeout:  30 * time.Second,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			OpenDuration:     60 * time.Second,
		},
		Watch: WatchConfig{
			Interval:          60 * time.Second,
			InactivityTimeout: 120 * time.Minute,
		},
		Webhook: WebhookConfig{
			Port: 8080,
		},
		Progress: ProgressConfig{
			Enabled:          true,
			DebounceInterval: 60 * time.Second,
		},
	}
}

// Load reads configuration from a YAML file, falling back to defaults
// when the file is absent.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnv()
			return cfg, nil
		}
		return nil, err
	}

	// Expand environment variables in the format ${VAR}
	data = expandEnvVars(data)

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	cfg.applyEnv()
	return cfg, nil
}

// applyEnv fills webhook settings from the environment when the config
// file leaves them unset. Flags still take precedence over both.
func (c *Config) applyEnv() {
	if v := os.Getenv("WEBHOOK_SECRET"); v != "" && c.Webhook.Secret == "" {
		c.Webhook.Secret = v
	}
	if v := os.Getenv("ALLOWED_REPOS"); v != "" && len(c.Webhook.AllowedRepos) == 0 {
		for _, r := range strings.Split(v, ",") {
			if r = strings.TrimSpace(r); r != "" {
				c.Webhook.AllowedRepos = append(c.Webhook.AllowedRepos, r)
			}
		}
	}
	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Webhook.Port = p
		}
	}
	if v := os.Getenv("AUTO_ITERATE"); v != "" {
		c.Webhook.AutoIterate = parseBool(v)
	}
	if v := os.Getenv("DELETE_BRANCH_ON_MERGE"); v != "" {
		c.Webhook.DeleteBranchOnMerge = parseBool(v)
	}
}

// Validate checks settings that would otherwise fail deep inside a run.
func (c *Config) Validate() error {
	if c.Limits.MaxConcurrentAgents < 1 {
		return fmt.Errorf("limits.max_concurrent_agents must be at least 1")
	}
	if c.Budget.DailyLimitUSD <= 0 || c.Budget.MonthlyLimitUSD <= 0 {
		return fmt.Errorf("budget limits must be positive")
	}
	if c.Retry.BaseDelay <= 0 || c.Retry.MaxDelay < c.Retry.BaseDelay {
		return fmt.Errorf("retry delays misconfigured: base=%s max=%s", c.Retry.BaseDelay, c.Retry.MaxDelay)
	}
	return nil
}

// WorktreeDir returns the directory holding isolated working copies.
func (c *Config) WorktreeDir() string {
	return filepath.Join(c.StateDir, "worktrees")
}

// MirrorDir returns the directory holding bare repository mirrors.
func (c *Config) MirrorDir() string {
	return filepath.Join(c.StateDir, "mirrors")
}

// LogDir returns the directory holding daily and per-session logs.
func (c *Config) LogDir() string {
	return filepath.Join(c.StateDir, "logs")
}

// DBPath returns the path of the state database file.
func (c *Config) DBPath() string {
	return filepath.Join(c.StateDir, "state.db")
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// expandEnvVars replaces ${VAR} patterns with environment variable values
func expandEnvVars(data []byte) []byte {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(re.FindSubmatch(match)[1])
		return []byte(os.Getenv(varName))
	})
}
