// Package tools implements the external capabilities the engine
// dispatches to: filesystem access, command execution, git, and
// browser automation. All paths are resolved under the project root.
package tools

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/felixgeelhaar/foreman/internal/engine"
	"github.com/felixgeelhaar/foreman/internal/errors"
)

const (
	maxFileBytes   = 256 * 1024
	commandTimeout = 60 * time.Second
)

// FileGatherer resolves information sources against the project tree.
type FileGatherer struct {
	root string
}

// NewFileGatherer creates a gatherer rooted at the project directory.
func NewFileGatherer(root string) *FileGatherer {
	return &FileGatherer{root: root}
}

// Gather fetches one source. Supported types: file (read contents),
// directory (list entries), command (run and capture output).
func (g *FileGatherer) Gather(ctx context.Context, req engine.SourceRequest) (string, error) {
	switch req.Type {
	case "file":
		return g.readFile(req.Path)
	case "directory":
		return g.listDirectory(req.Path)
	case "command":
		return runCommand(ctx, g.root, req.Query)
	default:
		return "", fmt.Errorf("unsupported source type %q", req.Type)
	}
}

func (g *FileGatherer) readFile(path string) (string, error) {
	resolved, err := resolveUnder(g.root, path)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", err
	}
	if info.Size() > maxFileBytes {
		return "", fmt.Errorf("file %s is %d bytes, larger than the %d byte read limit", path, info.Size(), maxFileBytes)
	}
	raw, err := os.ReadFile(resolved)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func (g *FileGatherer) listDirectory(path string) (string, error) {
	resolved, err := resolveUnder(g.root, path)
	if err != nil {
		return "", err
	}
	entries, err := os.ReadDir(resolved)
	if err != nil {
		return "", err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, "\n"), nil
}

func runCommand(ctx context.Context, dir, command string) (string, error) {
	if command == "" {
		return "", fmt.Errorf("empty command")
	}
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("%s: %w", strings.TrimSpace(string(out)), err)
	}
	return string(out), nil
}

// resolveUnder joins path onto root and rejects anything that escapes
// the root after cleaning.
func resolveUnder(root, path string) (string, error) {
	if path == "" {
		return "", errors.NewInvalidArgumentsError("path", "must not be empty")
	}
	if filepath.IsAbs(path) {
		rel, err := filepath.Rel(root, path)
		if err != nil || strings.HasPrefix(rel, "..") {
			return "", errors.NewInvalidArgumentsError("path", fmt.Sprintf("%s is outside the project root", path))
		}
		return filepath.Clean(path), nil
	}
	joined := filepath.Join(root, path)
	rel, err := filepath.Rel(root, joined)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errors.NewInvalidArgumentsError("path", fmt.Sprintf("%s escapes the project root", path))
	}
	return joined, nil
}
