package saga

import (
	"fmt"

	"github.com/roach88/intentd/internal/model"
)

// Outcome is one observable event in a saga's life.
type Outcome string

const (
	OutcomeStarted            Outcome = "started"
	OutcomeStepCompleted      Outcome = "step_completed"
	OutcomeStepFailed         Outcome = "step_failed"
	OutcomeStepCompensated    Outcome = "step_compensated"
	OutcomeCompensationFailed Outcome = "compensation_failed"
	OutcomeFinished           Outcome = "finished" // No more steps will run or be undone
	OutcomeAborted            Outcome = "aborted"  // Halted before any step took effect
)

// StepOutcome is an Outcome attributed to a step. Step is empty for
// saga-level outcomes.
type StepOutcome struct {
	Step    string
	Outcome Outcome
}

// Replay folds outcomes into the state they lead to, starting from created.
// It is a pure function: the same outcomes always yield the same state.
//
// A step failure starts compensation; finishing while compensating yields
// compensated, or failed if any compensation failed.
func Replay(outcomes []StepOutcome) (model.SagaState, error) {
	state := model.SagaCreated
	unrecoverable := false

	for i, o := range outcomes {
		next, ok := fold(state, o.Outcome)
		if !ok {
			return state, fmt.Errorf("outcome %d (%s %q) invalid in state %s", i, o.Outcome, o.Step, state)
		}
		if o.Outcome == OutcomeCompensationFailed {
			unrecoverable = true
		}
		if next == model.SagaCompensated && unrecoverable {
			next = model.SagaFailed
		}
		state = next
	}
	return state, nil
}

func fold(state model.SagaState, o Outcome) (model.SagaState, bool) {
	switch state {
	case model.SagaCreated:
		switch o {
		case OutcomeStarted:
			return model.SagaRunning, true
		case OutcomeAborted:
			return model.SagaFailed, true
		}
	case model.SagaRunning:
		switch o {
		case OutcomeStepCompleted:
			return model.SagaRunning, true
		case OutcomeStepFailed:
			return model.SagaCompensating, true
		case OutcomeFinished:
			return model.SagaCompleted, true
		case OutcomeAborted:
			return model.SagaFailed, true
		}
	case model.SagaCompensating:
		switch o {
		case OutcomeStepCompensated, OutcomeCompensationFailed:
			return model.SagaCompensating, true
		case OutcomeFinished:
			return model.SagaCompensated, true
		case OutcomeAborted:
			return model.SagaFailed, true
		}
	}
	return state, false
}

// Outcomes derives the outcome sequence that produced a recorded saga.
func Outcomes(s *model.Saga) []StepOutcome {
	out := []StepOutcome{}
	if s.State == model.SagaCreated {
		return out
	}
	if s.State == model.SagaFailed && !s.ManualIntervention && len(s.Steps) == 0 {
		return append(out, StepOutcome{Outcome: OutcomeAborted})
	}
	out = append(out, StepOutcome{Outcome: OutcomeStarted})

	compensating := false
	for _, st := range s.Steps {
		switch st.Status {
		case model.StepCompleted, model.StepCompensated, model.StepCompensationFailed:
			out = append(out, StepOutcome{Step: st.Name, Outcome: OutcomeStepCompleted})
		case model.StepFailed, model.StepSkipped:
			out = append(out, StepOutcome{Step: st.Name, Outcome: OutcomeStepFailed})
			compensating = true
		}
	}

	switch s.State {
	case model.SagaCompensating, model.SagaCompensated:
		compensating = true
	case model.SagaFailed:
		if s.ManualIntervention {
			compensating = true
		} else {
			return append(out, StepOutcome{Outcome: OutcomeAborted})
		}
	}

	if compensating {
		if last := out[len(out)-1]; last.Outcome != OutcomeStepFailed {
			// Compensation requested without a failed step, e.g. cancellation.
			out = append(out, StepOutcome{Step: "", Outcome: OutcomeStepFailed})
		}
		for i := len(s.Steps) - 1; i >= 0; i-- {
			switch s.Steps[i].Status {
			case model.StepCompensated, model.StepSkipped:
				out = append(out, StepOutcome{Step: s.Steps[i].Name, Outcome: OutcomeStepCompensated})
			case model.StepCompensationFailed:
				out = append(out, StepOutcome{Step: s.Steps[i].Name, Outcome: OutcomeCompensationFailed})
			}
		}
	}

	if s.State.Terminal() {
		out = append(out, StepOutcome{Outcome: OutcomeFinished})
	}
	return out
}
