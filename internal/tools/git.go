package tools

import (
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/felixgeelhaar/foreman/internal/errors"
)

const gitTimeout = 30 * time.Second

// allowedGitOps is the vocabulary of pass-through git operations.
// History rewriting and remote mutation are deliberately absent.
var allowedGitOps = map[string][]string{
	"status": {"status", "--short", "--branch"},
	"log":    {"log", "--oneline", "-20"},
	"diff":   {"diff", "--stat"},
	"branch": {"branch", "--list"},
	"remote": {"remote", "-v"},
	"add":    {"add", "-A"},
	"commit": {"commit", "-m"},
}

// Git runs one whitelisted git operation in the project directory and
// returns its combined output verbatim. The commit operation requires
// a message; every other operation ignores it.
func Git(ctx context.Context, root, operation, message string) (string, error) {
	args, ok := allowedGitOps[operation]
	if !ok {
		supported := make([]string, 0, len(allowedGitOps))
		for op := range allowedGitOps {
			supported = append(supported, op)
		}
		sort.Strings(supported)
		return "", errors.NewInvalidArgumentsError("operation",
			fmt.Sprintf("unknown git operation %q, supported: %s", operation, strings.Join(supported, ", ")))
	}
	if operation == "commit" {
		if message == "" {
			return "", errors.NewInvalidArgumentsError("message", "commit requires a message")
		}
		args = append(append([]string{}, args...), message)
	}

	ctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = root
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", errors.NewExternalToolError("git",
			fmt.Errorf("git %s: %s: %w", operation, strings.TrimSpace(string(out)), err))
	}
	return string(out), nil
}
