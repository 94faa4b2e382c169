// Package engine applies phase transitions to instructions. Every
// operation validates against the current phase, then persists the
// whole record in one atomic save.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/felixgeelhaar/foreman/internal/errors"
	"github.com/felixgeelhaar/foreman/internal/instruction"
	"github.com/felixgeelhaar/foreman/internal/log"
	"github.com/felixgeelhaar/foreman/internal/store"
)

// SourceRequest names one information source to consult during the
// gathering phase.
type SourceRequest struct {
	Type  string `json:"type"`
	Path  string `json:"path,omitempty"`
	Query string `json:"query,omitempty"`
}

// AnalysisInput is the caller-supplied analysis payload.
type AnalysisInput struct {
	Findings        []string `json:"findings"`
	Recommendations []string `json:"recommendations,omitempty"`
	DecisionPoints  []string `json:"decision_points,omitempty"`
}

// Gatherer fetches the content of one information source. A failed
// fetch is recorded against the instruction, not surfaced as an
// operation error.
type Gatherer interface {
	Gather(ctx context.Context, req SourceRequest) (string, error)
}

// StepRunner performs the side effect behind one plan step and
// reports its outcome.
type StepRunner interface {
	RunStep(ctx context.Context, step instruction.PlanStep, details map[string]any) instruction.ExecutionResult
}

// Engine drives instructions through the workflow. It holds no
// instruction state of its own; the store is the source of truth.
type Engine struct {
	store    *store.Store
	gatherer Gatherer
	runner   StepRunner
	logger   *log.Logger
}

// New creates an engine over the given store and capability providers.
func New(s *store.Store, gatherer Gatherer, runner StepRunner, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.DefaultLogger()
	}
	return &Engine{store: s, gatherer: gatherer, runner: runner, logger: logger}
}

// CreateInstruction starts a new workflow in the initial phase.
func (e *Engine) CreateInstruction(ctx context.Context, title, description, goal, priority string) (*instruction.Instruction, error) {
	if title == "" {
		return nil, errors.NewInvalidArgumentsError("title", "must not be empty")
	}
	if goal == "" {
		return nil, errors.NewInvalidArgumentsError("goal", "must not be empty")
	}
	pri, ok := instruction.ParsePriority(priority)
	if !ok {
		return nil, errors.NewInvalidArgumentsError("priority", fmt.Sprintf("unknown priority %q, expected low, medium or high", priority))
	}

	in := instruction.New(title, description, goal, pri)
	if err := e.store.Create(in); err != nil {
		return nil, err
	}
	e.logger.InfoContext(ctx, "instruction created",
		"instruction_id", in.ID,
		"title", in.Title,
		"priority", string(in.Priority))
	return in, nil
}

// GetInstruction loads one instruction by id.
func (e *Engine) GetInstruction(_ context.Context, id string) (*instruction.Instruction, error) {
	return e.store.Get(id)
}

// ListInstructions returns summaries of every known instruction.
func (e *Engine) ListInstructions(_ context.Context) ([]instruction.Summary, error) {
	return e.store.List()
}

// CreateTaskPlan records the planning breakdown and advances the
// instruction into TASK_PLANNING.
func (e *Engine) CreateTaskPlan(ctx context.Context, id string, subtasks []instruction.Subtask) (*instruction.Instruction, error) {
	if len(subtasks) == 0 {
		return nil, errors.NewInvalidArgumentsError("subtasks", "at least one subtask is required")
	}

	unlock := e.store.Lock(id)
	defer unlock()

	in, err := e.store.Get(id)
	if err != nil {
		return nil, err
	}
	if in.Phase != instruction.PhaseUserInstruction {
		return nil, errors.NewInvalidPhaseError("create_task_plan", in.Phase.String(), instruction.PhaseUserInstruction.String())
	}

	in.Subtasks = instruction.NormalizeSubtasks(subtasks)
	in.Phase = instruction.PhaseTaskPlanning
	in.Touch()
	if err := e.store.Save(in); err != nil {
		return nil, err
	}
	e.logger.InfoContext(ctx, "task plan created",
		"instruction_id", in.ID,
		"subtasks", len(in.Subtasks))
	return in, nil
}

// GatherInformation consults each requested source, records every
// outcome including failures, and advances the instruction into
// INFORMATION_GATHERING.
func (e *Engine) GatherInformation(ctx context.Context, id string, sources []SourceRequest) (*instruction.Instruction, error) {
	if len(sources) == 0 {
		return nil, errors.NewInvalidArgumentsError("sources", "at least one source is required")
	}
	for i, src := range sources {
		if src.Type == "" {
			return nil, errors.NewInvalidArgumentsError("sources", fmt.Sprintf("source %d has no type", i))
		}
	}

	// Validate phase before any fetching, so a wrong-phase call does
	// not touch the filesystem at all.
	unlock := e.store.Lock(id)
	in, err := e.store.Get(id)
	if err != nil {
		unlock()
		return nil, err
	}
	if in.Phase != instruction.PhaseTaskPlanning {
		unlock()
		return nil, errors.NewInvalidPhaseError("gather_information", in.Phase.String(), instruction.PhaseTaskPlanning.String())
	}
	unlock()

	// Fetching may block on slow sources; do it without the lock held.
	gathered := make([]instruction.GatheredSource, 0, len(sources))
	summary := instruction.GatherSummary{SourceTypes: make(map[string]int)}
	for _, req := range sources {
		entry := instruction.GatheredSource{Type: req.Type, Path: req.Path, Query: req.Query}
		content, err := e.gatherer.Gather(ctx, req)
		if err != nil {
			entry.Error = err.Error()
		} else {
			entry.Content = content
			entry.Success = true
			summary.SuccessfulSources++
		}
		summary.TotalSources++
		summary.SourceTypes[req.Type]++
		gathered = append(gathered, entry)
	}

	unlock = e.store.Lock(id)
	defer unlock()
	in, err = e.store.Get(id)
	if err != nil {
		return nil, err
	}
	if in.Phase != instruction.PhaseTaskPlanning {
		return nil, errors.NewInvalidPhaseError("gather_information", in.Phase.String(), instruction.PhaseTaskPlanning.String())
	}

	in.Gathered = &instruction.GatheredInfo{
		Sources:    gathered,
		Summary:    summary,
		GatheredAt: time.Now().UTC(),
	}
	in.Phase = instruction.PhaseInfoGathering
	in.Touch()
	if err := e.store.Save(in); err != nil {
		return nil, err
	}
	e.logger.InfoContext(ctx, "information gathered",
		"instruction_id", in.ID,
		"sources", summary.TotalSources,
		"successful", summary.SuccessfulSources)
	return in, nil
}

// AnalyzeAndOrchestrate writes the analysis and execution plan in one
// transition and advances into ANALYSIS_AND_ORCHESTRATION.
func (e *Engine) AnalyzeAndOrchestrate(ctx context.Context, id string, analysis AnalysisInput, steps []instruction.PlanStep) (*instruction.Instruction, error) {
	if len(analysis.Findings) == 0 {
		return nil, errors.NewInvalidArgumentsError("analysis", "at least one finding is required")
	}
	if len(steps) == 0 {
		return nil, errors.NewInvalidArgumentsError("execution_plan", "at least one step is required")
	}

	unlock := e.store.Lock(id)
	defer unlock()

	in, err := e.store.Get(id)
	if err != nil {
		return nil, err
	}
	if in.Phase != instruction.PhaseInfoGathering {
		return nil, errors.NewInvalidPhaseError("analyze_and_orchestrate", in.Phase.String(), instruction.PhaseInfoGathering.String())
	}

	normalized := instruction.NormalizeSteps(steps)
	in.Analysis = &instruction.Analysis{
		Findings:        analysis.Findings,
		Recommendations: analysis.Recommendations,
		DecisionPoints:  analysis.DecisionPoints,
		AnalyzedAt:      time.Now().UTC(),
	}
	in.ExecutionPlan = &instruction.ExecutionPlan{
		Steps:      normalized,
		TotalSteps: len(normalized),
		CreatedAt:  time.Now().UTC(),
	}
	in.Phase = instruction.PhaseAnalysis
	in.Touch()
	if err := e.store.Save(in); err != nil {
		return nil, err
	}
	e.logger.InfoContext(ctx, "analysis and plan recorded",
		"instruction_id", in.ID,
		"findings", len(analysis.Findings),
		"steps", len(normalized))
	return in, nil
}

// ExecuteStep runs one plan step and appends its result to the
// execution log. Re-executing an already-logged step returns the
// prior result without re-running the side effect.
func (e *Engine) ExecuteStep(ctx context.Context, id, stepID string, details map[string]any) (*instruction.ExecutionResult, error) {
	if stepID == "" {
		return nil, errors.NewInvalidArgumentsError("step_id", "must not be empty")
	}

	unlock := e.store.Lock(id)
	in, err := e.store.Get(id)
	if err != nil {
		unlock()
		return nil, err
	}
	if in.Phase != instruction.PhaseAnalysis {
		unlock()
		return nil, errors.NewInvalidPhaseError("execute_step", in.Phase.String(), instruction.PhaseAnalysis.String())
	}
	step, ok := in.Step(stepID)
	if !ok {
		unlock()
		return nil, errors.NewInvalidArgumentsError("step_id", fmt.Sprintf("step %q is not part of the execution plan", stepID))
	}
	if prior, ok := in.Result(stepID); ok {
		unlock()
		e.logger.DebugContext(ctx, "step already executed, returning prior result",
			"instruction_id", id, "step_id", stepID)
		return prior, nil
	}
	planned := *step
	unlock()

	// The step side effect may take arbitrary time; run it unlocked.
	result := e.runner.RunStep(ctx, planned, details)
	result.StepID = planned.ID
	result.StepType = planned.Type
	result.ExecutedAt = time.Now().UTC()

	unlock = e.store.Lock(id)
	defer unlock()
	in, err = e.store.Get(id)
	if err != nil {
		return nil, err
	}
	if in.Phase != instruction.PhaseAnalysis {
		return nil, errors.NewInvalidPhaseError("execute_step", in.Phase.String(), instruction.PhaseAnalysis.String())
	}
	// A racing call may have logged the same step while we ran.
	if prior, ok := in.Result(stepID); ok {
		return prior, nil
	}

	in.ExecutionLog = append(in.ExecutionLog, result)
	if step, ok := in.Step(stepID); ok {
		if result.Success {
			step.Status = instruction.StepExecuted
		} else {
			step.Status = instruction.StepFailed
		}
	}
	in.ExecutionPlan.CurrentStep = len(in.ExecutionLog)
	in.Touch()
	if err := e.store.Save(in); err != nil {
		return nil, err
	}
	e.logger.InfoContext(ctx, "step executed",
		"instruction_id", id,
		"step_id", stepID,
		"success", result.Success)
	logged, _ := in.Result(stepID)
	return logged, nil
}

// GenerateFinalReport closes out the workflow. Every plan step must
// have an execution result; the instruction ends in COMPLETE.
func (e *Engine) GenerateFinalReport(ctx context.Context, id string, includeDetails bool) (*instruction.Instruction, error) {
	unlock := e.store.Lock(id)
	defer unlock()

	in, err := e.store.Get(id)
	if err != nil {
		return nil, err
	}
	if in.Phase != instruction.PhaseAnalysis {
		return nil, errors.NewInvalidPhaseError("generate_final_report", in.Phase.String(), instruction.PhaseAnalysis.String())
	}
	if pending := in.PendingSteps(); len(pending) > 0 {
		return nil, errors.NewIncompleteExecutionError(pending)
	}

	succeeded, failed := 0, 0
	for _, res := range in.ExecutionLog {
		if res.Success {
			succeeded++
		} else {
			failed++
		}
	}
	report := &instruction.FinalReport{
		Summary: instruction.ReportSummary{
			InstructionID:  in.ID,
			Title:          in.Title,
			Goal:           in.Goal,
			TotalSteps:     in.ExecutionPlan.TotalSteps,
			ExecutedSteps:  len(in.ExecutionLog),
			SuccessfulRuns: succeeded,
			FailedRuns:     failed,
		},
		Artifacts:   in.Artifacts(),
		GeneratedAt: time.Now().UTC(),
	}
	if includeDetails {
		report.Subtasks = in.Subtasks
		report.Analysis = in.Analysis
		report.Executions = in.ExecutionLog
	}

	in.FinalReport = report
	in.Phase = instruction.PhaseComplete
	in.Touch()
	if err := e.store.Save(in); err != nil {
		return nil, err
	}
	e.logger.InfoContext(ctx, "final report generated",
		"instruction_id", in.ID,
		"executed_steps", report.Summary.ExecutedSteps,
		"failed_runs", failed)
	return in, nil
}

// FeatureRequest carries every per-phase payload for BuildFeature.
type FeatureRequest struct {
	Title       string
	Description string
	Goal        string
	Priority    string

	Subtasks       []instruction.Subtask
	Sources        []SourceRequest
	Analysis       AnalysisInput
	Plan           []instruction.PlanStep
	StepDetails    map[string]map[string]any
	IncludeDetails bool
}

// BuildFeature creates an instruction and drives it through every
// phase in one call. On the first rejected payload it stops and
// returns the instruction parked at its last completed phase,
// together with the error.
func (e *Engine) BuildFeature(ctx context.Context, req FeatureRequest) (*instruction.Instruction, error) {
	created, err := e.CreateInstruction(ctx, req.Title, req.Description, req.Goal, req.Priority)
	if err != nil {
		return nil, err
	}
	id := created.ID

	if _, err := e.CreateTaskPlan(ctx, id, req.Subtasks); err != nil {
		return e.parked(id, err)
	}
	if _, err := e.GatherInformation(ctx, id, req.Sources); err != nil {
		return e.parked(id, err)
	}
	planned, err := e.AnalyzeAndOrchestrate(ctx, id, req.Analysis, req.Plan)
	if err != nil {
		return e.parked(id, err)
	}
	for _, step := range planned.ExecutionPlan.Steps {
		if _, err := e.ExecuteStep(ctx, id, step.ID, req.StepDetails[step.ID]); err != nil {
			return e.parked(id, err)
		}
	}
	in, err := e.GenerateFinalReport(ctx, id, req.IncludeDetails)
	if err != nil {
		return e.parked(id, err)
	}
	return in, nil
}

// parked reloads the instruction's persisted state so the caller sees
// exactly where the pipeline stopped.
func (e *Engine) parked(id string, cause error) (*instruction.Instruction, error) {
	current, err := e.store.Get(id)
	if err != nil {
		return nil, cause
	}
	e.logger.Warn("feature build stopped",
		"instruction_id", current.ID,
		"parked_phase", current.Phase.String())
	return current, cause
}
