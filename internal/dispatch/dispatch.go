// Package dispatch routes named tool calls to engine operations or
// pass-through capabilities and shapes results into response payloads.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/felixgeelhaar/foreman/internal/engine"
	"github.com/felixgeelhaar/foreman/internal/errors"
	"github.com/felixgeelhaar/foreman/internal/instruction"
	"github.com/felixgeelhaar/foreman/internal/log"
	"github.com/felixgeelhaar/foreman/internal/tools"
)

// Tool names accepted by Dispatch.
const (
	ToolCreateInstruction   = "create_instruction"
	ToolGetInstruction      = "get_instruction"
	ToolListInstructions    = "list_instructions"
	ToolBuildFeature        = "build_feature"
	ToolCreateTaskPlan      = "create_task_plan"
	ToolGatherInformation   = "gather_information"
	ToolAnalyzeOrchestrate  = "analyze_and_orchestrate"
	ToolExecuteStep         = "execute_step"
	ToolGenerateFinalReport = "generate_final_report"
	ToolRunBrowserAgent     = "run_browser_agent"
	ToolProjectStructure    = "get_project_structure"
	ToolRunGit              = "run_git"
)

// BrowserRunner executes one natural-language browser goal.
type BrowserRunner interface {
	Run(ctx context.Context, goal string) (string, error)
}

// Dispatcher resolves tool names and validates their arguments before
// handing off to the engine or a pass-through capability.
type Dispatcher struct {
	engine  *engine.Engine
	browser BrowserRunner
	root    string
	logger  *log.Logger
}

// New creates a dispatcher. root is the project directory served by
// the filesystem pass-through tools.
func New(eng *engine.Engine, browser BrowserRunner, root string, logger *log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.DefaultLogger()
	}
	return &Dispatcher{engine: eng, browser: browser, root: root, logger: logger}
}

// Names lists every tool the dispatcher resolves.
func Names() []string {
	return []string{
		ToolCreateInstruction, ToolGetInstruction, ToolListInstructions,
		ToolBuildFeature, ToolCreateTaskPlan, ToolGatherInformation,
		ToolAnalyzeOrchestrate, ToolExecuteStep, ToolGenerateFinalReport,
		ToolRunBrowserAgent, ToolProjectStructure, ToolRunGit,
	}
}

// Dispatch executes one named tool call. Engine errors come back as
// coded errors; pass-through failures are wrapped as external tool
// errors by the capability itself.
func (d *Dispatcher) Dispatch(ctx context.Context, name string, args map[string]any) (any, error) {
	d.logger.DebugContext(ctx, "dispatching tool call", "tool", name)
	switch name {
	case ToolCreateInstruction:
		return d.createInstruction(ctx, args)
	case ToolGetInstruction:
		return d.getInstruction(ctx, args)
	case ToolListInstructions:
		return d.engine.ListInstructions(ctx)
	case ToolBuildFeature:
		return d.buildFeature(ctx, args)
	case ToolCreateTaskPlan:
		return d.createTaskPlan(ctx, args)
	case ToolGatherInformation:
		return d.gatherInformation(ctx, args)
	case ToolAnalyzeOrchestrate:
		return d.analyzeAndOrchestrate(ctx, args)
	case ToolExecuteStep:
		return d.executeStep(ctx, args)
	case ToolGenerateFinalReport:
		return d.generateFinalReport(ctx, args)
	case ToolRunBrowserAgent:
		return d.runBrowserAgent(ctx, args)
	case ToolProjectStructure:
		return tools.ProjectTree(d.root)
	case ToolRunGit:
		op, err := requireString(args, "operation")
		if err != nil {
			return nil, err
		}
		return tools.Git(ctx, d.root, op, optionalString(args, "message"))
	default:
		return nil, errors.NewUnknownToolError(name)
	}
}

// transition is the envelope returned by state-machine operations:
// the instruction's position plus the payload the call wrote.
type transition struct {
	InstructionID string `json:"instruction_id"`
	Phase         string `json:"phase"`
	Payload       any    `json:"payload,omitempty"`
}

func (d *Dispatcher) createInstruction(ctx context.Context, args map[string]any) (any, error) {
	title, err := requireString(args, "title")
	if err != nil {
		return nil, err
	}
	goal, err := requireString(args, "goal")
	if err != nil {
		return nil, err
	}
	in, err := d.engine.CreateInstruction(ctx, title, optionalString(args, "description"), goal, optionalString(args, "priority"))
	if err != nil {
		return nil, err
	}
	return transition{InstructionID: in.ID, Phase: in.Phase.String(), Payload: map[string]any{
		"title":    in.Title,
		"goal":     in.Goal,
		"priority": string(in.Priority),
	}}, nil
}

func (d *Dispatcher) getInstruction(ctx context.Context, args map[string]any) (any, error) {
	id, err := requireString(args, "instruction_id")
	if err != nil {
		return nil, err
	}
	return d.engine.GetInstruction(ctx, id)
}

func (d *Dispatcher) buildFeature(ctx context.Context, args map[string]any) (any, error) {
	title, err := requireString(args, "title")
	if err != nil {
		return nil, err
	}
	goal, err := requireString(args, "goal")
	if err != nil {
		return nil, err
	}
	req := engine.FeatureRequest{
		Title:          title,
		Description:    optionalString(args, "description"),
		Goal:           goal,
		Priority:       optionalString(args, "priority"),
		IncludeDetails: optionalBool(args, "include_details"),
	}
	if err := decodeField(args, "subtasks", &req.Subtasks); err != nil {
		return nil, err
	}
	if err := decodeField(args, "sources", &req.Sources); err != nil {
		return nil, err
	}
	if err := decodeField(args, "analysis", &req.Analysis); err != nil {
		return nil, err
	}
	if err := decodeField(args, "execution_plan", &req.Plan); err != nil {
		return nil, err
	}
	if err := decodeField(args, "step_details", &req.StepDetails); err != nil {
		return nil, err
	}

	in, err := d.engine.BuildFeature(ctx, req)
	if err != nil {
		// The instruction is parked, not rolled back; report where.
		if in != nil {
			return transition{InstructionID: in.ID, Phase: in.Phase.String()}, err
		}
		return nil, err
	}
	return transition{InstructionID: in.ID, Phase: in.Phase.String(), Payload: in.FinalReport}, nil
}

func (d *Dispatcher) createTaskPlan(ctx context.Context, args map[string]any) (any, error) {
	id, err := requireString(args, "instruction_id")
	if err != nil {
		return nil, err
	}
	var subtasks []instruction.Subtask
	if err := decodeField(args, "subtasks", &subtasks); err != nil {
		return nil, err
	}
	in, err := d.engine.CreateTaskPlan(ctx, id, subtasks)
	if err != nil {
		return nil, err
	}
	return transition{InstructionID: in.ID, Phase: in.Phase.String(), Payload: in.Subtasks}, nil
}

func (d *Dispatcher) gatherInformation(ctx context.Context, args map[string]any) (any, error) {
	id, err := requireString(args, "instruction_id")
	if err != nil {
		return nil, err
	}
	var sources []engine.SourceRequest
	if err := decodeField(args, "sources", &sources); err != nil {
		return nil, err
	}
	in, err := d.engine.GatherInformation(ctx, id, sources)
	if err != nil {
		return nil, err
	}
	return transition{InstructionID: in.ID, Phase: in.Phase.String(), Payload: in.Gathered}, nil
}

func (d *Dispatcher) analyzeAndOrchestrate(ctx context.Context, args map[string]any) (any, error) {
	id, err := requireString(args, "instruction_id")
	if err != nil {
		return nil, err
	}
	var analysis engine.AnalysisInput
	if err := decodeField(args, "analysis", &analysis); err != nil {
		return nil, err
	}
	var steps []instruction.PlanStep
	if err := decodeField(args, "execution_plan", &steps); err != nil {
		return nil, err
	}
	in, err := d.engine.AnalyzeAndOrchestrate(ctx, id, analysis, steps)
	if err != nil {
		return nil, err
	}
	return transition{InstructionID: in.ID, Phase: in.Phase.String(), Payload: map[string]any{
		"analysis":       in.Analysis,
		"execution_plan": in.ExecutionPlan,
	}}, nil
}

func (d *Dispatcher) executeStep(ctx context.Context, args map[string]any) (any, error) {
	id, err := requireString(args, "instruction_id")
	if err != nil {
		return nil, err
	}
	stepID, err := requireString(args, "step_id")
	if err != nil {
		return nil, err
	}
	var details map[string]any
	if err := decodeField(args, "execution_details", &details); err != nil {
		return nil, err
	}
	return d.engine.ExecuteStep(ctx, id, stepID, details)
}

func (d *Dispatcher) generateFinalReport(ctx context.Context, args map[string]any) (any, error) {
	id, err := requireString(args, "instruction_id")
	if err != nil {
		return nil, err
	}
	in, err := d.engine.GenerateFinalReport(ctx, id, optionalBool(args, "include_details"))
	if err != nil {
		return nil, err
	}
	return transition{InstructionID: in.ID, Phase: in.Phase.String(), Payload: in.FinalReport}, nil
}

func (d *Dispatcher) runBrowserAgent(ctx context.Context, args map[string]any) (any, error) {
	goal, err := requireString(args, "goal")
	if err != nil {
		return nil, err
	}
	if d.browser == nil {
		return nil, errors.NewExternalToolError("browser", fmt.Errorf("no browser agent configured"))
	}
	return d.browser.Run(ctx, goal)
}

func requireString(args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", errors.NewInvalidArgumentsError(key, "required argument is missing")
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", errors.NewInvalidArgumentsError(key, "must be a non-empty string")
	}
	return s, nil
}

func optionalString(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func optionalBool(args map[string]any, key string) bool {
	b, _ := args[key].(bool)
	return b
}

// decodeField re-marshals one argument value into a typed payload.
// Absent keys leave the target untouched.
func decodeField(args map[string]any, key string, target any) error {
	v, ok := args[key]
	if !ok || v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return errors.NewInvalidArgumentsError(key, err.Error())
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return errors.NewInvalidArgumentsError(key, fmt.Sprintf("malformed payload: %v", err))
	}
	return nil
}
