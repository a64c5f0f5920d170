// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package lifecycle

import (
	"fmt"

	"github.com/soraflow/dispatcher/internal/model"
)

// Transition is the applied effect of a Decision: the concrete next
// phase/status to persist, plus the reason/detail for the accompanying
// JobEvent append.
type Transition struct {
	NextPhase  model.Phase
	NextStatus model.JobStatus
	Terminal   bool
	Reason     model.ReasonCode
	Detail     string
}

// Dispatch resolves ev against phase's decision table entry and returns the
// Transition to apply. Terminal phases never accept a further transition
// (spec §3: "completed/failed/canceled are terminal: any further transition
// is a no-op"), mirroring the teacher's illegalTransition short-circuit.
func Dispatch(currentPhase model.Phase, currentStatus model.JobStatus, ev Event) (Transition, error) {
	if currentStatus.IsTerminal() {
		return Transition{}, fmt.Errorf("lifecycle: job already terminal (%s), event %d is a no-op", currentStatus, ev.Kind)
	}

	d, ok := DecisionFor(currentPhase, ev)
	if !ok {
		return Transition{}, fmt.Errorf("lifecycle: event %d is not legal from phase %s", ev.Kind, currentPhase)
	}

	nextPhase := d.NextPhase
	if d.KeepPhase {
		nextPhase = currentPhase
	}

	return Transition{
		NextPhase:  nextPhase,
		NextStatus: d.NextStatus,
		Terminal:   d.Terminal,
		Reason:     ev.Reason,
		Detail:     ev.Detail,
	}, nil
}
