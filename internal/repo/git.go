package repo

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/basket/acp-bridge/internal/shared"
)

// gitRunner provides typed access to the git CLI. All commands target a
// specific directory via the -C flag; there is no default directory, so
// callers always say which repository they mean.
type gitRunner struct{}

// run executes a git command and returns stdout. Stderr is captured
// separately and folded into the error on failure, with credentials
// redacted (remote URLs can carry short-lived tokens).
func (gitRunner) run(ctx context.Context, dir string, args ...string) (string, error) {
	fullArgs := args
	if dir != "" {
		fullArgs = append([]string{"-C", dir}, args...)
	}

	var stdout, stderr bytes.Buffer
	command := exec.CommandContext(ctx, "git", fullArgs...)
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w (stderr: %s)",
			shared.Redact(strings.Join(args, " ")), err,
			shared.Redact(strings.TrimSpace(stderr.String())))
	}
	return stdout.String(), nil
}
