// Package repo maintains one bare repository per logical repo and hands
// each session an isolated worktree on a fresh branch.
package repo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/basket/acp-bridge/internal/bridge"
)

// Provider failures.
var (
	ErrRepoUnavailable  = errors.New("repo: repository unavailable")
	ErrAuthFailed       = errors.New("repo: authentication failed")
	ErrWorktreeConflict = errors.New("repo: worktree conflict")
)

// branchPrefix namespaces every session branch.
const branchPrefix = "acp-agent/"

// TokenProvider vends short-lived repository access tokens (a code-hosting
// App installation token). Tokens thread into clone URLs and the agent
// subprocess environment; they are never persisted.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// Config configures a Provider.
type Config struct {
	// RepoID is the logical repository, e.g. "owner/repo". Empty disables
	// repository provisioning: sessions run in bare scratch directories.
	RepoID string

	// RemoteURL overrides the clone URL (local mirrors, tests). When empty
	// it is derived from RepoID and the token.
	RemoteURL string

	// DataDir is the root under which bare repos and worktrees live.
	DataDir string

	// Tokens may be nil for public repositories.
	Tokens TokenProvider

	// AgentEnv is appended to every session's subprocess environment
	// (forwarded API keys, service tokens).
	AgentEnv []string

	Skills *SkillInstaller // may be nil
	Logger *slog.Logger
}

// Provider implements bridge.RepositoryProvider over the git CLI.
// Operations that mutate the bare repository serialize on a per-provider
// mutex (one provider per logical repo).
type Provider struct {
	cfg    Config
	git    gitRunner
	logger *slog.Logger

	mu sync.Mutex

	// lastStamp keeps branch suffixes strictly monotonic even when two
	// provisions land in the same nanosecond tick.
	lastStamp int64
}

// NewProvider creates a Provider.
func NewProvider(cfg Config) *Provider {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{cfg: cfg, logger: logger}
}

// nextStampLocked returns a strictly increasing nanosecond stamp. Must be
// called with p.mu held.
func (p *Provider) nextStampLocked() int64 {
	stamp := time.Now().UnixNano()
	if stamp <= p.lastStamp {
		stamp = p.lastStamp + 1
	}
	p.lastStamp = stamp
	return stamp
}

func (p *Provider) barePath() string {
	return filepath.Join(p.cfg.DataDir, "repos", p.cfg.RepoID+".git")
}

func (p *Provider) worktreeRoot() string {
	return filepath.Join(p.cfg.DataDir, "worktrees")
}

// Provision materializes a worktree on a new branch for one session and
// returns its handle. Safe for concurrent use; callers on the same repo
// serialize.
func (p *Provider) Provision(ctx context.Context, slug string) (bridge.RepoHandle, error) {
	env, err := p.agentEnv(ctx)
	if err != nil {
		return bridge.RepoHandle{}, err
	}

	if p.cfg.RepoID == "" {
		return p.provisionScratch(slug, env)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ensureBareRepo(ctx); err != nil {
		return bridge.RepoHandle{}, err
	}

	bare := p.barePath()
	defaultRef, err := p.defaultRef(ctx, bare)
	if err != nil {
		return bridge.RepoHandle{}, err
	}

	name := fmt.Sprintf("%s-%d", Slugify(slug, 60), p.nextStampLocked())
	branch := branchPrefix + name
	worktree := filepath.Join(p.worktreeRoot(), name)

	if err := os.MkdirAll(p.worktreeRoot(), 0o755); err != nil {
		return bridge.RepoHandle{}, fmt.Errorf("%w: %v", ErrWorktreeConflict, err)
	}
	if _, err := os.Stat(worktree); err == nil {
		return bridge.RepoHandle{}, fmt.Errorf("%w: %s already exists", ErrWorktreeConflict, worktree)
	}

	if _, err := p.git.run(ctx, bare, "worktree", "add", "-b", branch, worktree, defaultRef); err != nil {
		return bridge.RepoHandle{}, fmt.Errorf("%w: %v", ErrWorktreeConflict, err)
	}

	if p.cfg.Skills != nil {
		if err := p.cfg.Skills.Install(); err != nil {
			p.logger.Warn("skill installation failed", "error", err)
		}
	}

	p.logger.Info("worktree provisioned", "branch", branch, "cwd", worktree)
	return bridge.RepoHandle{
		Cwd:        worktree,
		BranchName: branch,
		Env:        env,
		Cleanup:    p.cleanupFunc(worktree),
	}, nil
}

// Resume refreshes an existing session's worktree for a follow-up turn:
// fetch the remote with a fresh token and hand back a new environment. The
// branch and working tree are left exactly as the previous turn ended.
func (p *Provider) Resume(ctx context.Context, branch, cwd string) (bridge.RepoHandle, error) {
	env, err := p.agentEnv(ctx)
	if err != nil {
		return bridge.RepoHandle{}, err
	}

	if p.cfg.RepoID == "" {
		return bridge.RepoHandle{Cwd: cwd, BranchName: branch, Env: env}, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, err := os.Stat(cwd); err != nil {
		return bridge.RepoHandle{}, fmt.Errorf("%w: worktree %s is gone", ErrRepoUnavailable, cwd)
	}
	if err := p.ensureBareRepo(ctx); err != nil {
		return bridge.RepoHandle{}, err
	}

	if p.cfg.Skills != nil {
		if err := p.cfg.Skills.Install(); err != nil {
			p.logger.Warn("skill installation failed", "error", err)
		}
	}

	return bridge.RepoHandle{
		Cwd:        cwd,
		BranchName: branch,
		Env:        env,
		Cleanup:    p.cleanupFunc(cwd),
	}, nil
}

// CleanupStale removes worktrees older than maxAge that no active session
// owns. Returns the number removed. Branches stay for review.
func (p *Provider) CleanupStale(ctx context.Context, maxAge time.Duration, activeCwds map[string]struct{}) (int, error) {
	root := p.worktreeRoot()
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("repo: scan worktrees: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(root, entry.Name())
		if _, active := activeCwds[path]; active {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		p.removeWorktree(ctx, path)
		removed++
	}

	if removed > 0 && p.cfg.RepoID != "" {
		if _, err := p.git.run(ctx, p.barePath(), "worktree", "prune"); err != nil {
			p.logger.Warn("worktree prune failed", "error", err)
		}
	}
	return removed, nil
}

func (p *Provider) cleanupFunc(worktree string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.removeWorktree(ctx, worktree)
		return nil
	}
}

// removeWorktree is best-effort: ask git first, then fall back to a plain
// removal for directories git no longer tracks.
func (p *Provider) removeWorktree(ctx context.Context, worktree string) {
	if p.cfg.RepoID != "" {
		if _, err := p.git.run(ctx, p.barePath(), "worktree", "remove", "--force", worktree); err == nil {
			p.logger.Info("worktree removed", "cwd", worktree)
			return
		}
	}
	if err := os.RemoveAll(worktree); err != nil {
		p.logger.Warn("worktree removal failed", "cwd", worktree, "error", err)
		return
	}
	p.logger.Info("worktree removed", "cwd", worktree)
}

// provisionScratch backs sessions with a plain directory when no
// repository is configured (chat-only deployments).
func (p *Provider) provisionScratch(slug string, env []string) (bridge.RepoHandle, error) {
	p.mu.Lock()
	name := fmt.Sprintf("%s-%d", Slugify(slug, 60), p.nextStampLocked())
	p.mu.Unlock()

	dir := filepath.Join(p.worktreeRoot(), name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return bridge.RepoHandle{}, fmt.Errorf("%w: %v", ErrWorktreeConflict, err)
	}
	return bridge.RepoHandle{
		Cwd: dir,
		Env: env,
		Cleanup: func(context.Context) error {
			return os.RemoveAll(dir)
		},
	}, nil
}

// ensureBareRepo clones the repository bare on first use and fetches on
// every later call, refreshing the tokened remote URL each time.
func (p *Provider) ensureBareRepo(ctx context.Context) error {
	bare := p.barePath()
	remote, err := p.remoteURL(ctx)
	if err != nil {
		return err
	}

	if _, statErr := os.Stat(bare); statErr == nil {
		if _, err := p.git.run(ctx, bare, "remote", "set-url", "origin", remote); err != nil {
			return fmt.Errorf("%w: %v", ErrRepoUnavailable, err)
		}
		if _, err := p.git.run(ctx, bare, "fetch", "origin", "+refs/heads/*:refs/remotes/origin/*"); err != nil {
			return classifyGitError(err)
		}
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(bare), 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrRepoUnavailable, err)
	}
	p.logger.Info("cloning repository", "repo", p.cfg.RepoID, "path", bare)
	if _, err := p.git.run(ctx, "", "clone", "--bare", remote, bare); err != nil {
		return classifyGitError(err)
	}
	// Bare clones don't map remote branches by default; set up the
	// conventional refspec so fetch keeps origin/* current.
	if _, err := p.git.run(ctx, bare, "config", "remote.origin.fetch", "+refs/heads/*:refs/remotes/origin/*"); err != nil {
		return fmt.Errorf("%w: %v", ErrRepoUnavailable, err)
	}
	if _, err := p.git.run(ctx, bare, "fetch", "origin"); err != nil {
		return classifyGitError(err)
	}
	return nil
}

func (p *Provider) remoteURL(ctx context.Context) (string, error) {
	if p.cfg.RemoteURL != "" {
		return p.cfg.RemoteURL, nil
	}
	if p.cfg.Tokens != nil {
		token, err := p.cfg.Tokens.Token(ctx)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrAuthFailed, err)
		}
		return fmt.Sprintf("https://x-access-token:%s@github.com/%s.git", token, p.cfg.RepoID), nil
	}
	return fmt.Sprintf("https://github.com/%s.git", p.cfg.RepoID), nil
}

// defaultRef resolves the remote default branch, falling back to
// origin/main when origin/HEAD is unset (common on bare clones).
func (p *Provider) defaultRef(ctx context.Context, bare string) (string, error) {
	out, err := p.git.run(ctx, bare, "rev-parse", "--abbrev-ref", "origin/HEAD")
	if err == nil {
		if ref := strings.TrimSpace(out); ref != "" && ref != "origin/HEAD" {
			return ref, nil
		}
	}
	for _, candidate := range []string{"origin/main", "origin/master"} {
		if _, err := p.git.run(ctx, bare, "rev-parse", "--verify", candidate); err == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: cannot resolve default branch", ErrRepoUnavailable)
}

// agentEnv builds the per-session subprocess environment: configured
// forwards plus a fresh repository token.
func (p *Provider) agentEnv(ctx context.Context) ([]string, error) {
	env := append([]string(nil), p.cfg.AgentEnv...)
	if p.cfg.Tokens != nil {
		token, err := p.cfg.Tokens.Token(ctx)
		if err != nil {
			// Sessions can still run without push access; log and continue.
			p.logger.Warn("repository token unavailable for agent env", "error", err)
			return env, nil
		}
		env = append(env, "GH_TOKEN="+token)
	}
	return env, nil
}

func classifyGitError(err error) error {
	msg := err.Error()
	if strings.Contains(msg, "Authentication failed") || strings.Contains(msg, "403") || strings.Contains(msg, "401") {
		return fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	return fmt.Errorf("%w: %v", ErrRepoUnavailable, err)
}

var _ bridge.RepositoryProvider = (*Provider)(nil)
