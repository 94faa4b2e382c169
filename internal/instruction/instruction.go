// Package instruction defines the durable record held per development
// instruction and the phase machine that gates writes to it.
package instruction

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Subtask statuses.
const (
	SubtaskPending    = "pending"
	SubtaskInProgress = "in_progress"
	SubtaskDone       = "done"
)

// Plan step statuses.
const (
	StepPending  = "pending"
	StepExecuted = "executed"
	StepFailed   = "failed"
)

// Instruction is the unit of work tracked by the engine. Fields are
// populated phase by phase and never rewritten once a later phase has
// begun.
type Instruction struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Goal        string   `json:"goal"`
	Priority    Priority `json:"priority"`
	Phase       Phase    `json:"phase"`

	Subtasks      []Subtask          `json:"subtasks,omitempty"`
	Gathered      *GatheredInfo      `json:"gathered_information,omitempty"`
	Analysis      *Analysis          `json:"analysis,omitempty"`
	ExecutionPlan *ExecutionPlan     `json:"execution_plan,omitempty"`
	ExecutionLog  []ExecutionResult  `json:"execution_log,omitempty"`
	FinalReport   *FinalReport       `json:"final_report,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Subtask is one planned unit of work produced during TASK_PLANNING.
type Subtask struct {
	ID           string   `json:"id"`
	Title        string   `json:"title"`
	Description  string   `json:"description,omitempty"`
	Complexity   int      `json:"complexity,omitempty"`
	Status       string   `json:"status"`
	Dependencies []string `json:"dependencies,omitempty"`
}

// GatheredSource records one information source consulted during
// INFORMATION_GATHERING together with its outcome.
type GatheredSource struct {
	Type    string `json:"type"`
	Path    string `json:"path,omitempty"`
	Query   string `json:"query,omitempty"`
	Content string `json:"content,omitempty"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// GatherSummary aggregates the outcome of a gathering pass.
type GatherSummary struct {
	TotalSources      int            `json:"total_sources"`
	SuccessfulSources int            `json:"successful_sources"`
	SourceTypes       map[string]int `json:"source_types"`
}

// GatheredInfo holds the ordered sources consulted plus a summary.
type GatheredInfo struct {
	Sources    []GatheredSource `json:"sources"`
	Summary    GatherSummary    `json:"summary"`
	GatheredAt time.Time        `json:"gathered_at"`
}

// Analysis captures the findings produced during
// ANALYSIS_AND_ORCHESTRATION, before a plan is laid down.
type Analysis struct {
	Findings        []string  `json:"findings"`
	Recommendations []string  `json:"recommendations,omitempty"`
	DecisionPoints  []string  `json:"decision_points,omitempty"`
	AnalyzedAt      time.Time `json:"analyzed_at"`
}

// PlanStep is one executable step of an execution plan.
type PlanStep struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status"`
}

// ExecutionPlan is the ordered list of steps derived from the analysis.
type ExecutionPlan struct {
	Steps       []PlanStep `json:"steps"`
	TotalSteps  int        `json:"total_steps"`
	CurrentStep int        `json:"current_step"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Artifact describes a file or resource produced by a step.
type Artifact struct {
	Type   string `json:"type"`
	Path   string `json:"path,omitempty"`
	Action string `json:"action,omitempty"`
}

// ExecutionResult is one appended entry of the execution log.
type ExecutionResult struct {
	StepID     string     `json:"step_id"`
	StepType   string     `json:"step_type,omitempty"`
	Success    bool       `json:"success"`
	Output     string     `json:"output,omitempty"`
	Error      string     `json:"error,omitempty"`
	Artifacts  []Artifact `json:"artifacts,omitempty"`
	ExecutedAt time.Time  `json:"executed_at"`
}

// FinalReport is the terminal summary written when an instruction
// completes.
type FinalReport struct {
	Summary     ReportSummary      `json:"summary"`
	Subtasks    []Subtask          `json:"subtasks,omitempty"`
	Analysis    *Analysis          `json:"analysis,omitempty"`
	Executions  []ExecutionResult  `json:"executions,omitempty"`
	Artifacts   []Artifact         `json:"artifacts"`
	GeneratedAt time.Time          `json:"generated_at"`
}

// ReportSummary is the always-present head of a final report.
type ReportSummary struct {
	InstructionID  string `json:"instruction_id"`
	Title          string `json:"title"`
	Goal           string `json:"goal"`
	TotalSteps     int    `json:"total_steps"`
	ExecutedSteps  int    `json:"executed_steps"`
	SuccessfulRuns int    `json:"successful_runs"`
	FailedRuns     int    `json:"failed_runs"`
}

// New creates an instruction in the initial phase. The id is the first
// eight hex characters of a fresh UUID.
func New(title, description, goal string, priority Priority) *Instruction {
	now := time.Now().UTC()
	return &Instruction{
		ID:          strings.ReplaceAll(uuid.NewString(), "-", "")[:8],
		Title:       title,
		Description: description,
		Goal:        goal,
		Priority:    priority,
		Phase:       PhaseUserInstruction,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Touch bumps the updated timestamp.
func (in *Instruction) Touch() {
	in.UpdatedAt = time.Now().UTC()
}

// Step returns the plan step with the given id.
func (in *Instruction) Step(stepID string) (*PlanStep, bool) {
	if in.ExecutionPlan == nil {
		return nil, false
	}
	for i := range in.ExecutionPlan.Steps {
		if in.ExecutionPlan.Steps[i].ID == stepID {
			return &in.ExecutionPlan.Steps[i], true
		}
	}
	return nil, false
}

// Result returns the logged execution result for a step, if any.
func (in *Instruction) Result(stepID string) (*ExecutionResult, bool) {
	for i := range in.ExecutionLog {
		if in.ExecutionLog[i].StepID == stepID {
			return &in.ExecutionLog[i], true
		}
	}
	return nil, false
}

// PendingSteps lists the ids of plan steps with no execution result.
func (in *Instruction) PendingSteps() []string {
	if in.ExecutionPlan == nil {
		return nil
	}
	var pending []string
	for _, step := range in.ExecutionPlan.Steps {
		if _, ok := in.Result(step.ID); !ok {
			pending = append(pending, step.ID)
		}
	}
	return pending
}

// Artifacts flattens every artifact reported across the execution log.
func (in *Instruction) Artifacts() []Artifact {
	var out []Artifact
	for _, res := range in.ExecutionLog {
		out = append(out, res.Artifacts...)
	}
	return out
}

// NormalizeSubtasks assigns st-N ids to subtasks missing one and
// defaults blank statuses to pending.
func NormalizeSubtasks(subtasks []Subtask) []Subtask {
	out := make([]Subtask, len(subtasks))
	for i, st := range subtasks {
		if st.ID == "" {
			st.ID = fmt.Sprintf("st-%d", i+1)
		}
		if st.Status == "" {
			st.Status = SubtaskPending
		}
		out[i] = st
	}
	return out
}

// NormalizeSteps assigns step-N ids to plan steps missing one and
// defaults blank statuses to pending.
func NormalizeSteps(steps []PlanStep) []PlanStep {
	out := make([]PlanStep, len(steps))
	for i, step := range steps {
		if step.ID == "" {
			step.ID = fmt.Sprintf("step-%d", i+1)
		}
		if step.Status == "" {
			step.Status = StepPending
		}
		out[i] = step
	}
	return out
}

// Summary is the listing projection of an instruction.
type Summary struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Phase     Phase     `json:"phase"`
	Priority  Priority  `json:"priority"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Summarize projects an instruction into its listing form.
func (in *Instruction) Summarize() Summary {
	return Summary{
		ID:        in.ID,
		Title:     in.Title,
		Phase:     in.Phase,
		Priority:  in.Priority,
		UpdatedAt: in.UpdatedAt,
	}
}
