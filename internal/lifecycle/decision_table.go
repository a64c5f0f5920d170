// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package lifecycle

import "github.com/soraflow/dispatcher/internal/model"

// Decision is the result of looking up (phase, event) in the table: the next
// phase/status pair and whether this transition is terminal. KeepPhase means
// "do not change Phase" (used by Cancel, which can fire from any phase).
type Decision struct {
	NextPhase  model.Phase
	NextStatus model.JobStatus
	Terminal   bool
	KeepPhase  bool
}

func terminalFailed() Decision {
	return Decision{NextPhase: model.PhaseFailed, NextStatus: model.StatusFailed, Terminal: true}
}

func canceled() Decision {
	return Decision{NextStatus: model.StatusCanceled, Terminal: true, KeepPhase: true}
}

// decisionTable is the state-machine-as-data for Job phases, grounded on the
// teacher's decisionTable map[model.SessionState]map[EventKind]Decision shape.
var decisionTable = map[model.Phase]map[EventKind]Decision{
	model.PhaseQueue: {
		EvDispatchOK:   {NextPhase: model.PhaseSubmit, NextStatus: model.StatusRunning},
		EvDispatchFail: terminalFailed(),
		EvCancel:       canceled(),
	},
	model.PhaseSubmit: {
		EvSubmitOK:        {NextPhase: model.PhaseProgress, NextStatus: model.StatusRunning},
		EvSubmitFail:      terminalFailed(),
		EvSubmitHeavyLoad: terminalFailed(), // this row terminates; JobRunner spawns a new retry row (spec §9 Open Question)
		EvCancel:          canceled(),
	},
	model.PhaseProgress: {
		EvAntiBotFailover: {NextPhase: model.PhaseProgress, NextStatus: model.StatusRunning},
		EvAntiBotFatal:    terminalFailed(),
		EvGenerationReady: {NextPhase: model.PhasePublish, NextStatus: model.StatusRunning},
		EvProgressFail:    terminalFailed(),
		EvCancel:          canceled(),
	},
	model.PhasePublish: {
		EvPublishOK:   {NextPhase: model.PhaseWatermark, NextStatus: model.StatusRunning},
		EvPublishFail: terminalFailed(),
		EvCancel:      canceled(),
	},
	model.PhaseWatermark: {
		EvWatermarkDone: {NextPhase: model.PhaseDone, NextStatus: model.StatusCompleted, Terminal: true},
		EvCancel:        canceled(),
	},
}

// DecisionFor looks up the transition for (phase, ev.Kind). The second return
// value is false if the event is not legal from that phase.
func DecisionFor(phase model.Phase, ev Event) (Decision, bool) {
	byEvent, ok := decisionTable[phase]
	if !ok {
		return Decision{}, false
	}
	d, ok := byEvent[ev.Kind]
	return d, ok
}
