package instruction

// Phase is one of the ordered workflow stages. It determines which
// fields of an instruction may legally be written.
type Phase string

const (
	PhaseUserInstruction Phase = "USER_INSTRUCTION"
	PhaseTaskPlanning    Phase = "TASK_PLANNING"
	PhaseInfoGathering   Phase = "INFORMATION_GATHERING"
	PhaseAnalysis        Phase = "ANALYSIS_AND_ORCHESTRATION"
	PhaseResultSynthesis Phase = "RESULT_SYNTHESIS"
	PhaseComplete        Phase = "COMPLETE"
)

// phaseOrder fixes the forward-only ordering of the workflow.
var phaseOrder = []Phase{
	PhaseUserInstruction,
	PhaseTaskPlanning,
	PhaseInfoGathering,
	PhaseAnalysis,
	PhaseResultSynthesis,
	PhaseComplete,
}

// Phases returns the workflow phases in order.
func Phases() []Phase {
	out := make([]Phase, len(phaseOrder))
	copy(out, phaseOrder)
	return out
}

// String returns the phase name.
func (p Phase) String() string {
	return string(p)
}

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	return p.Ordinal() >= 0
}

// Ordinal returns the position of p in the workflow ordering,
// or -1 for an unknown phase.
func (p Phase) Ordinal() int {
	for i, phase := range phaseOrder {
		if phase == p {
			return i
		}
	}
	return -1
}

// Before reports whether p comes strictly before other in the workflow.
func (p Phase) Before(other Phase) bool {
	po, oo := p.Ordinal(), other.Ordinal()
	return po >= 0 && oo >= 0 && po < oo
}

// Next returns the phase that follows p. The second return is false
// for the terminal phase and for unknown phases.
func (p Phase) Next() (Phase, bool) {
	o := p.Ordinal()
	if o < 0 || o == len(phaseOrder)-1 {
		return p, false
	}
	return phaseOrder[o+1], true
}

// Terminal reports whether p is the terminal phase.
func (p Phase) Terminal() bool {
	return p == PhaseComplete
}

// Priority is the ordinal importance of an instruction, settable at
// creation only.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

// ParsePriority parses s into a Priority. An empty string yields the
// default medium; anything else unknown is invalid.
func ParsePriority(s string) (Priority, bool) {
	if s == "" {
		return PriorityMedium, true
	}
	p := Priority(s)
	return p, p.Valid()
}
