package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/felixgeelhaar/foreman/internal/engine"
	"github.com/felixgeelhaar/foreman/internal/instruction"
	"github.com/felixgeelhaar/foreman/internal/log"
)

// Step types understood by the runner.
const (
	StepFileCreation     = "file_creation"
	StepFileModification = "file_modification"
	StepCommandExecution = "command_execution"
	StepDependencyInstall = "dependency_installation"
)

// LocalRunner executes plan steps against the project tree. Failures
// are reported in the result so the engine can log them; the runner
// never aborts an instruction.
type LocalRunner struct {
	root   string
	logger *log.Logger
}

// NewLocalRunner creates a runner rooted at the project directory.
func NewLocalRunner(root string, logger *log.Logger) *LocalRunner {
	if logger == nil {
		logger = log.DefaultLogger()
	}
	return &LocalRunner{root: root, logger: logger}
}

// RunStep dispatches on the step type. Unknown types fail the step
// without side effects.
func (r *LocalRunner) RunStep(ctx context.Context, step instruction.PlanStep, details map[string]any) instruction.ExecutionResult {
	switch step.Type {
	case StepFileCreation:
		return r.createFile(step, details)
	case StepFileModification:
		return r.modifyFile(step, details)
	case StepCommandExecution, StepDependencyInstall:
		return r.execute(ctx, step, details)
	default:
		return failure(fmt.Sprintf("unknown step type %q", step.Type))
	}
}

func (r *LocalRunner) createFile(step instruction.PlanStep, details map[string]any) instruction.ExecutionResult {
	path := stringDetail(details, "path")
	if path == "" {
		return failure("file_creation requires a path detail")
	}
	resolved, err := resolveUnder(r.root, path)
	if err != nil {
		return failure(err.Error())
	}
	if _, err := os.Stat(resolved); err == nil {
		return failure(fmt.Sprintf("%s already exists, use file_modification", path))
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0750); err != nil {
		return failure(err.Error())
	}
	content := stringDetail(details, "content")
	if err := os.WriteFile(resolved, []byte(content), 0640); err != nil {
		return failure(err.Error())
	}
	r.logger.Debug("file created", "path", path, "step", step.ID)
	return instruction.ExecutionResult{
		Success:   true,
		Output:    fmt.Sprintf("created %s (%d bytes)", path, len(content)),
		Artifacts: []instruction.Artifact{{Type: "file", Path: path, Action: "created"}},
	}
}

func (r *LocalRunner) modifyFile(step instruction.PlanStep, details map[string]any) instruction.ExecutionResult {
	path := stringDetail(details, "path")
	if path == "" {
		return failure("file_modification requires a path detail")
	}
	resolved, err := resolveUnder(r.root, path)
	if err != nil {
		return failure(err.Error())
	}
	if _, err := os.Stat(resolved); err != nil {
		return failure(fmt.Sprintf("%s does not exist, use file_creation", path))
	}

	content := stringDetail(details, "content")
	if appendText := stringDetail(details, "append"); appendText != "" {
		existing, err := os.ReadFile(resolved)
		if err != nil {
			return failure(err.Error())
		}
		content = string(existing) + appendText
	} else if content == "" {
		return failure("file_modification requires a content or append detail")
	}
	if err := os.WriteFile(resolved, []byte(content), 0640); err != nil {
		return failure(err.Error())
	}
	r.logger.Debug("file modified", "path", path, "step", step.ID)
	return instruction.ExecutionResult{
		Success:   true,
		Output:    fmt.Sprintf("modified %s (%d bytes)", path, len(content)),
		Artifacts: []instruction.Artifact{{Type: "file", Path: path, Action: "modified"}},
	}
}

func (r *LocalRunner) execute(ctx context.Context, step instruction.PlanStep, details map[string]any) instruction.ExecutionResult {
	command := stringDetail(details, "command")
	if command == "" {
		return failure(fmt.Sprintf("%s requires a command detail", step.Type))
	}
	out, err := runCommand(ctx, r.root, command)
	if err != nil {
		return failure(err.Error())
	}
	r.logger.Debug("command executed", "command", command, "step", step.ID)
	return instruction.ExecutionResult{
		Success:   true,
		Output:    strings.TrimSpace(out),
		Artifacts: []instruction.Artifact{{Type: "command", Action: "executed"}},
	}
}

func stringDetail(details map[string]any, key string) string {
	if details == nil {
		return ""
	}
	v, _ := details[key].(string)
	return v
}

func failure(msg string) instruction.ExecutionResult {
	return instruction.ExecutionResult{Success: false, Error: msg}
}

// interface check
var _ engine.StepRunner = (*LocalRunner)(nil)
var _ engine.Gatherer = (*FileGatherer)(nil)
