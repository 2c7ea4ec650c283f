// Package conduit is the run engine: a finite state machine that manages
// the scraping lifecycle with deterministic phase transitions. It contains
// no inference logic and never interprets page content; the AI augments
// decisions, it does not replace the execution contract.
package conduit

// Phase is one state of the run machine.
type Phase string

const (
	PhaseInit        Phase = "INIT"
	PhaseNavigate    Phase = "NAVIGATE"
	PhaseAssess      Phase = "ASSESS"
	PhaseObstruct    Phase = "OBSTRUCT"
	PhaseAIReason    Phase = "AI_REASON"
	PhaseExecutePlan Phase = "EXECUTE_PLAN"
	PhaseExtract     Phase = "EXTRACT"
	PhaseValidate    Phase = "VALIDATE"
	PhaseRepair      Phase = "REPAIR"
	PhasePersist     Phase = "PERSIST"
	PhaseComplete    Phase = "COMPLETE"
	PhaseFail        Phase = "FAIL"
)

// ValidTransitions maps each phase to the set it may transition to. Every
// transition goes through Conduit.transition, which enforces this table.
var ValidTransitions = map[Phase]map[Phase]bool{
	PhaseInit:        {PhaseNavigate: true, PhaseFail: true},
	PhaseNavigate:    {PhaseAssess: true, PhaseFail: true},
	PhaseAssess:      {PhaseExtract: true, PhaseObstruct: true, PhaseFail: true},
	PhaseObstruct:    {PhaseAIReason: true, PhaseNavigate: true, PhaseFail: true},
	PhaseAIReason:    {PhaseExecutePlan: true, PhaseFail: true},
	PhaseExecutePlan: {PhaseAssess: true, PhaseFail: true},
	PhaseExtract:     {PhaseValidate: true, PhaseFail: true},
	PhaseValidate:    {PhasePersist: true, PhaseRepair: true, PhaseFail: true},
	PhaseRepair:      {PhaseValidate: true, PhaseFail: true},
	PhasePersist:     {PhaseComplete: true, PhaseFail: true},
	PhaseComplete:    {},
	PhaseFail:        {},
}

// Terminal reports whether p ends the run.
func Terminal(p Phase) bool {
	return p == PhaseComplete || p == PhaseFail
}
