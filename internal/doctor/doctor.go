// Package doctor runs preflight diagnostics for the bridge: toolchain,
// agent binaries, data directory, persisted state.
package doctor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/basket/acp-bridge/internal/config"
	"github.com/basket/acp-bridge/internal/persistence"
)

// Check statuses.
const (
	StatusPass = "PASS"
	StatusWarn = "WARN"
	StatusFail = "FAIL"
)

// CheckResult is one diagnostic outcome.
type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Diagnosis is the full doctor report.
type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

// SystemInfo describes the host.
type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Healthy reports whether no check failed.
func (d Diagnosis) Healthy() bool {
	for _, result := range d.Results {
		if result.Status == StatusFail {
			return false
		}
	}
	return true
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkGit,
		checkAgents,
		checkDataDir,
		checkSessionStore,
		checkJournal,
		checkServices,
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}
	return d
}

func checkGit(ctx context.Context, _ *config.Config) CheckResult {
	path, err := exec.LookPath("git")
	if err != nil {
		return CheckResult{Name: "Git", Status: StatusFail, Message: "git not found on PATH"}
	}
	out, err := exec.CommandContext(ctx, "git", "--version").Output()
	if err != nil {
		return CheckResult{Name: "Git", Status: StatusFail, Message: fmt.Sprintf("%s exists but --version failed: %v", path, err)}
	}
	return CheckResult{Name: "Git", Status: StatusPass, Message: strings.TrimSpace(string(out))}
}

func checkAgents(_ context.Context, cfg *config.Config) CheckResult {
	names := make([]string, 0, len(cfg.Agents))
	for name := range cfg.Agents {
		names = append(names, name)
	}
	sort.Strings(names)

	var missing []string
	for _, name := range names {
		if _, err := exec.LookPath(cfg.Agents[name].Command); err != nil {
			missing = append(missing, fmt.Sprintf("%s (%s)", name, cfg.Agents[name].Command))
		}
	}
	if len(missing) == len(names) {
		return CheckResult{Name: "Agents", Status: StatusFail, Message: fmt.Sprintf("no agent binary resolvable: %v", missing)}
	}
	if len(missing) > 0 {
		return CheckResult{Name: "Agents", Status: StatusWarn, Message: fmt.Sprintf("missing: %v", missing)}
	}
	return CheckResult{Name: "Agents", Status: StatusPass, Message: fmt.Sprintf("%d agent(s) resolvable", len(names))}
}

func checkDataDir(_ context.Context, cfg *config.Config) CheckResult {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return CheckResult{Name: "Data dir", Status: StatusFail, Message: fmt.Sprintf("cannot create %s: %v", cfg.DataDir, err)}
	}
	probe := filepath.Join(cfg.DataDir, ".doctor-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return CheckResult{Name: "Data dir", Status: StatusFail, Message: fmt.Sprintf("%s not writable: %v", cfg.DataDir, err)}
	}
	os.Remove(probe)
	return CheckResult{Name: "Data dir", Status: StatusPass, Message: cfg.DataDir + " writable"}
}

func checkSessionStore(_ context.Context, cfg *config.Config) CheckResult {
	path := filepath.Join(cfg.DataDir, "sessions.json")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return CheckResult{Name: "Sessions", Status: StatusPass, Message: "no persisted sessions (fresh install)"}
	}
	store, err := persistence.OpenSessionStore(path)
	if err != nil {
		return CheckResult{Name: "Sessions", Status: StatusFail, Message: fmt.Sprintf("persisted sessions unreadable: %v", err)}
	}
	sessions, err := store.List()
	if err != nil {
		return CheckResult{Name: "Sessions", Status: StatusFail, Message: fmt.Sprintf("persisted sessions undecodable: %v", err)}
	}
	return CheckResult{Name: "Sessions", Status: StatusPass, Message: fmt.Sprintf("%d persisted session(s)", len(sessions))}
}

func checkJournal(_ context.Context, cfg *config.Config) CheckResult {
	journal, err := persistence.OpenJournal(filepath.Join(cfg.DataDir, "journal.db"))
	if err != nil {
		return CheckResult{Name: "Journal", Status: StatusWarn, Message: fmt.Sprintf("journal unavailable: %v", err)}
	}
	journal.Close()
	return CheckResult{Name: "Journal", Status: StatusPass, Message: "journal database opens"}
}

func checkServices(_ context.Context, cfg *config.Config) CheckResult {
	if len(cfg.EnabledServices) == 0 {
		return CheckResult{Name: "Services", Status: StatusWarn, Message: "no services enabled"}
	}
	var missing []string
	for _, service := range cfg.EnabledServices {
		switch service {
		case "linear":
			if cfg.Env("LINEAR_ACCESS_TOKEN") == "" {
				missing = append(missing, "linear: LINEAR_ACCESS_TOKEN")
			}
		case "slack":
			if cfg.Env("SLACK_BOT_TOKEN") == "" || cfg.Env("SLACK_APP_TOKEN") == "" {
				missing = append(missing, "slack: SLACK_BOT_TOKEN/SLACK_APP_TOKEN")
			}
		case "github":
			if cfg.GitHubAppID == "" || cfg.GitHubPrivateKey == "" {
				missing = append(missing, "github: GITHUB_APP_ID/GITHUB_PRIVATE_KEY")
			}
		case "telegram":
			if cfg.Env("TELEGRAM_BOT_TOKEN") == "" {
				missing = append(missing, "telegram: TELEGRAM_BOT_TOKEN")
			}
		default:
			missing = append(missing, service+": unknown service")
		}
	}
	if len(missing) > 0 {
		return CheckResult{Name: "Services", Status: StatusWarn, Message: fmt.Sprintf("credentials missing: %v", missing)}
	}
	return CheckResult{Name: "Services", Status: StatusPass, Message: fmt.Sprintf("%v configured", cfg.EnabledServices)}
}
