package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/felixgeelhaar/foreman/internal/errors"
	"github.com/felixgeelhaar/foreman/internal/instruction"
	"github.com/felixgeelhaar/foreman/internal/store"
)

type fakeGatherer struct {
	content map[string]string
	fail    map[string]bool
	calls   int
}

func (g *fakeGatherer) Gather(_ context.Context, req SourceRequest) (string, error) {
	g.calls++
	key := req.Path
	if key == "" {
		key = req.Query
	}
	if g.fail[key] {
		return "", fmt.Errorf("cannot read %s", key)
	}
	return g.content[key], nil
}

type fakeRunner struct {
	calls  int
	failOn map[string]bool
}

func (r *fakeRunner) RunStep(_ context.Context, step instruction.PlanStep, details map[string]any) instruction.ExecutionResult {
	r.calls++
	if r.failOn[step.ID] {
		return instruction.ExecutionResult{Success: false, Error: "step failed"}
	}
	out := "done"
	if v, ok := details["output"].(string); ok {
		out = v
	}
	return instruction.ExecutionResult{
		Success: true,
		Output:  out,
		Artifacts: []instruction.Artifact{
			{Type: "file", Path: step.Title + ".go", Action: "created"},
		},
	}
}

func newTestEngine(t *testing.T) (*Engine, *fakeGatherer, *fakeRunner) {
	t.Helper()
	s, err := store.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	g := &fakeGatherer{content: map[string]string{"main.go": "package main"}, fail: map[string]bool{}}
	r := &fakeRunner{failOn: map[string]bool{}}
	return New(s, g, r, nil), g, r
}

func planSteps() []instruction.PlanStep {
	return []instruction.PlanStep{
		{Title: "scaffold", Type: "file_creation"},
		{Title: "wire", Type: "file_modification"},
	}
}

// advance drives an instruction to the named phase.
func advance(t *testing.T, e *Engine, target instruction.Phase) *instruction.Instruction {
	t.Helper()
	ctx := context.Background()
	in, err := e.CreateInstruction(ctx, "T", "D", "G", "high")
	if err != nil {
		t.Fatal(err)
	}
	if target == instruction.PhaseUserInstruction {
		return in
	}
	if in, err = e.CreateTaskPlan(ctx, in.ID, []instruction.Subtask{{Title: "plan"}}); err != nil {
		t.Fatal(err)
	}
	if target == instruction.PhaseTaskPlanning {
		return in
	}
	if in, err = e.GatherInformation(ctx, in.ID, []SourceRequest{{Type: "file", Path: "main.go"}}); err != nil {
		t.Fatal(err)
	}
	if target == instruction.PhaseInfoGathering {
		return in
	}
	if in, err = e.AnalyzeAndOrchestrate(ctx, in.ID, AnalysisInput{Findings: []string{"ok"}}, planSteps()); err != nil {
		t.Fatal(err)
	}
	return in
}

func TestCreateInstruction(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	in, err := e.CreateInstruction(ctx, "T", "D", "G", "high")
	if err != nil {
		t.Fatal(err)
	}
	got, err := e.GetInstruction(ctx, in.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Phase != instruction.PhaseUserInstruction {
		t.Errorf("phase = %s, want USER_INSTRUCTION", got.Phase)
	}
	if got.Title != "T" || got.Description != "D" || got.Goal != "G" {
		t.Errorf("text fields = %q %q %q", got.Title, got.Description, got.Goal)
	}
	if got.Priority != instruction.PriorityHigh {
		t.Errorf("priority = %s, want high", got.Priority)
	}
}

func TestCreateInstructionValidation(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := e.CreateInstruction(ctx, "", "d", "g", "low")
	if !errors.IsCode(err, errors.ErrCodeInvalidArguments) {
		t.Errorf("empty title: got %v", err)
	}
	_, err = e.CreateInstruction(ctx, "t", "d", "", "low")
	if !errors.IsCode(err, errors.ErrCodeInvalidArguments) {
		t.Errorf("empty goal: got %v", err)
	}
	_, err = e.CreateInstruction(ctx, "t", "d", "g", "urgent")
	if !errors.IsCode(err, errors.ErrCodeInvalidArguments) {
		t.Errorf("bad priority: got %v", err)
	}
	in, err := e.CreateInstruction(ctx, "t", "d", "g", "")
	if err != nil {
		t.Fatal(err)
	}
	if in.Priority != instruction.PriorityMedium {
		t.Errorf("default priority = %s, want medium", in.Priority)
	}
}

func TestCreateTaskPlanTwice(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	in := advance(t, e, instruction.PhaseTaskPlanning)

	before, _ := e.GetInstruction(ctx, in.ID)
	_, err := e.CreateTaskPlan(ctx, in.ID, []instruction.Subtask{{Title: "again"}})
	if !errors.IsCode(err, errors.ErrCodeInvalidPhaseTransition) {
		t.Fatalf("second plan call: got %v, want InvalidPhaseTransition", err)
	}
	after, _ := e.GetInstruction(ctx, in.ID)

	b, _ := json.Marshal(before)
	a, _ := json.Marshal(after)
	if string(b) != string(a) {
		t.Error("rejected transition mutated the record")
	}
}

func TestPhaseGatingAcrossAllOperations(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	in := advance(t, e, instruction.PhaseUserInstruction)

	// Everything past planning must be rejected at USER_INSTRUCTION.
	if _, err := e.GatherInformation(ctx, in.ID, []SourceRequest{{Type: "file", Path: "main.go"}}); !errors.IsCode(err, errors.ErrCodeInvalidPhaseTransition) {
		t.Errorf("gather at USER_INSTRUCTION: %v", err)
	}
	if _, err := e.AnalyzeAndOrchestrate(ctx, in.ID, AnalysisInput{Findings: []string{"x"}}, planSteps()); !errors.IsCode(err, errors.ErrCodeInvalidPhaseTransition) {
		t.Errorf("analyze at USER_INSTRUCTION: %v", err)
	}
	if _, err := e.ExecuteStep(ctx, in.ID, "step-1", nil); !errors.IsCode(err, errors.ErrCodeInvalidPhaseTransition) {
		t.Errorf("execute at USER_INSTRUCTION: %v", err)
	}
	if _, err := e.GenerateFinalReport(ctx, in.ID, false); !errors.IsCode(err, errors.ErrCodeInvalidPhaseTransition) {
		t.Errorf("report at USER_INSTRUCTION: %v", err)
	}
}

func TestGatherInformationRecordsFailures(t *testing.T) {
	e, g, _ := newTestEngine(t)
	ctx := context.Background()
	in := advance(t, e, instruction.PhaseTaskPlanning)
	g.fail["missing.go"] = true

	got, err := e.GatherInformation(ctx, in.ID, []SourceRequest{
		{Type: "file", Path: "main.go"},
		{Type: "file", Path: "missing.go"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got.Phase != instruction.PhaseInfoGathering {
		t.Errorf("phase = %s", got.Phase)
	}
	sum := got.Gathered.Summary
	if sum.TotalSources != 2 || sum.SuccessfulSources != 1 {
		t.Errorf("summary = %+v", sum)
	}
	if sum.SourceTypes["file"] != 2 {
		t.Errorf("source types = %v", sum.SourceTypes)
	}
	if got.Gathered.Sources[1].Success || got.Gathered.Sources[1].Error == "" {
		t.Errorf("failed source not recorded: %+v", got.Gathered.Sources[1])
	}
}

func TestAnalyzeAndOrchestrateNormalizesSteps(t *testing.T) {
	e, _, _ := newTestEngine(t)
	in := advance(t, e, instruction.PhaseAnalysis)

	if in.ExecutionPlan.TotalSteps != 2 {
		t.Fatalf("total steps = %d", in.ExecutionPlan.TotalSteps)
	}
	if in.ExecutionPlan.Steps[0].ID != "step-1" || in.ExecutionPlan.Steps[1].ID != "step-2" {
		t.Errorf("step ids = %s, %s", in.ExecutionPlan.Steps[0].ID, in.ExecutionPlan.Steps[1].ID)
	}
	if in.Analysis == nil || len(in.Analysis.Findings) != 1 {
		t.Errorf("analysis = %+v", in.Analysis)
	}
}

func TestExecuteStepIdempotent(t *testing.T) {
	e, _, r := newTestEngine(t)
	ctx := context.Background()
	in := advance(t, e, instruction.PhaseAnalysis)

	first, err := e.ExecuteStep(ctx, in.ID, "step-1", map[string]any{"output": "made it"})
	if err != nil {
		t.Fatal(err)
	}
	if !first.Success || first.Output != "made it" {
		t.Fatalf("first result = %+v", first)
	}

	second, err := e.ExecuteStep(ctx, in.ID, "step-1", map[string]any{"output": "different"})
	if err != nil {
		t.Fatal(err)
	}
	if second.Output != first.Output || !second.ExecutedAt.Equal(first.ExecutedAt) {
		t.Errorf("second call returned a new result: %+v", second)
	}
	if r.calls != 1 {
		t.Errorf("runner called %d times, want 1", r.calls)
	}
	got, _ := e.GetInstruction(ctx, in.ID)
	if len(got.ExecutionLog) != 1 {
		t.Errorf("execution log has %d entries, want 1", len(got.ExecutionLog))
	}
}

func TestExecuteStepUnknownStep(t *testing.T) {
	e, _, _ := newTestEngine(t)
	in := advance(t, e, instruction.PhaseAnalysis)

	_, err := e.ExecuteStep(context.Background(), in.ID, "step-99", nil)
	if !errors.IsCode(err, errors.ErrCodeInvalidArguments) {
		t.Errorf("unknown step: got %v", err)
	}
}

func TestGenerateFinalReportGate(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	in := advance(t, e, instruction.PhaseAnalysis)

	if _, err := e.ExecuteStep(ctx, in.ID, "step-1", nil); err != nil {
		t.Fatal(err)
	}
	_, err := e.GenerateFinalReport(ctx, in.ID, false)
	if !errors.IsCode(err, errors.ErrCodeIncompleteExecution) {
		t.Fatalf("report with pending step: got %v", err)
	}

	if _, err := e.ExecuteStep(ctx, in.ID, "step-2", nil); err != nil {
		t.Fatal(err)
	}
	got, err := e.GenerateFinalReport(ctx, in.ID, false)
	if err != nil {
		t.Fatal(err)
	}
	if got.Phase != instruction.PhaseComplete {
		t.Errorf("phase = %s, want COMPLETE", got.Phase)
	}
	if got.FinalReport == nil || got.FinalReport.Summary.ExecutedSteps != 2 {
		t.Errorf("report = %+v", got.FinalReport)
	}
	if len(got.FinalReport.Artifacts) != 2 {
		t.Errorf("artifacts = %d, want 2", len(got.FinalReport.Artifacts))
	}
	if got.FinalReport.Executions != nil {
		t.Error("details excluded but executions present")
	}
}

func TestGenerateFinalReportWithDetails(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	in := advance(t, e, instruction.PhaseAnalysis)
	for _, id := range []string{"step-1", "step-2"} {
		if _, err := e.ExecuteStep(ctx, in.ID, id, nil); err != nil {
			t.Fatal(err)
		}
	}

	got, err := e.GenerateFinalReport(ctx, in.ID, true)
	if err != nil {
		t.Fatal(err)
	}
	rep := got.FinalReport
	if len(rep.Subtasks) == 0 || rep.Analysis == nil || len(rep.Executions) != 2 {
		t.Errorf("detailed report incomplete: %+v", rep)
	}
}

func TestRoundTripAfterRestart(t *testing.T) {
	dir := t.TempDir()
	s, err := store.New(dir)
	if err != nil {
		t.Fatal(err)
	}
	g := &fakeGatherer{content: map[string]string{"main.go": "package main"}, fail: map[string]bool{}}
	r := &fakeRunner{failOn: map[string]bool{}}
	e := New(s, g, r, nil)
	ctx := context.Background()

	in, err := e.CreateInstruction(ctx, "T", "D", "G", "low")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.CreateTaskPlan(ctx, in.ID, []instruction.Subtask{{Title: "a"}}); err != nil {
		t.Fatal(err)
	}
	before, err := e.GetInstruction(ctx, in.ID)
	if err != nil {
		t.Fatal(err)
	}

	// Reopening the store stands in for a process restart.
	s2, err := store.New(dir)
	if err != nil {
		t.Fatal(err)
	}
	e2 := New(s2, g, r, nil)
	after, err := e2.GetInstruction(ctx, in.ID)
	if err != nil {
		t.Fatal(err)
	}

	b, _ := json.Marshal(before)
	a, _ := json.Marshal(after)
	if string(b) != string(a) {
		t.Errorf("restart changed the record:\nbefore %s\nafter  %s", b, a)
	}
}

func TestBuildFeatureHappyPath(t *testing.T) {
	e, _, _ := newTestEngine(t)

	in, err := e.BuildFeature(context.Background(), FeatureRequest{
		Title:    "Build cache",
		Goal:     "faster builds",
		Priority: "medium",
		Subtasks: []instruction.Subtask{{Title: "design"}},
		Sources:  []SourceRequest{{Type: "file", Path: "main.go"}},
		Analysis: AnalysisInput{Findings: []string{"cacheable"}},
		Plan:     []instruction.PlanStep{{Title: "add cache", Type: "file_creation"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if in.Phase != instruction.PhaseComplete {
		t.Errorf("phase = %s, want COMPLETE", in.Phase)
	}
	if in.FinalReport == nil {
		t.Error("final report missing")
	}
}

func TestBuildFeatureParksAtLastPhase(t *testing.T) {
	e, _, _ := newTestEngine(t)

	// Empty sources payload is rejected at the gathering stage, so the
	// instruction must end up parked at TASK_PLANNING.
	in, err := e.BuildFeature(context.Background(), FeatureRequest{
		Title:    "Partial",
		Goal:     "g",
		Subtasks: []instruction.Subtask{{Title: "plan"}},
	})
	if !errors.IsCode(err, errors.ErrCodeInvalidArguments) {
		t.Fatalf("got %v, want InvalidArguments", err)
	}
	if in == nil {
		t.Fatal("parked instruction not returned")
	}
	if in.Phase != instruction.PhaseTaskPlanning {
		t.Errorf("parked phase = %s, want TASK_PLANNING", in.Phase)
	}

	got, err2 := e.GetInstruction(context.Background(), in.ID)
	if err2 != nil {
		t.Fatal(err2)
	}
	if got.Phase != instruction.PhaseTaskPlanning {
		t.Errorf("persisted phase = %s, want TASK_PLANNING", got.Phase)
	}
}

func TestListInstructions(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	a, _ := e.CreateInstruction(ctx, "a", "d", "g", "low")
	b, _ := e.CreateInstruction(ctx, "b", "d", "g", "high")

	list, err := e.ListInstructions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("list = %d entries", len(list))
	}
	if list[0].ID != a.ID || list[1].ID != b.ID {
		t.Errorf("order = %s, %s", list[0].ID, list[1].ID)
	}
}
