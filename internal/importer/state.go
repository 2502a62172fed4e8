package importer

// State is the position of a run in the import state machine.
type State string

const (
	StateIdle             State = "idle"
	StateLoading          State = "loading"
	StateResolving        State = "resolving"
	StateHydrating        State = "hydrating"
	StatePolicyEvaluation State = "policy_evaluation"
	StateCommitted        State = "committed"
	StateSkipped          State = "skipped"
	StateReconciling      State = "reconciling"
	StateDone             State = "done"
)

func stateFor(status Status) State {
	if status == StatusCommitted {
		return StateCommitted
	}
	return StateSkipped
}
