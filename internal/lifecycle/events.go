// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package lifecycle implements the Job phase state machine as data (spec
// §4.3), grounded on
// internal/domain/session/lifecycle/{decision_table,events,dispatch,terminalize}.go
// of the teacher repo, re-keyed from SessionState to Job Phase.
package lifecycle

import "github.com/soraflow/dispatcher/internal/model"

// EventKind enumerates every transition trigger a JobRunner phase can raise.
type EventKind int

const (
	EvUnknown EventKind = iota
	EvDispatchOK
	EvDispatchFail
	EvSubmitOK
	EvSubmitFail
	EvSubmitHeavyLoad
	EvAntiBotFailover // transport switch, stays in progress
	EvAntiBotFatal    // second challenge on in-browser path
	EvGenerationReady // progress observed a generation_id
	EvProgressFail
	EvPublishOK
	EvPublishFail
	EvWatermarkDone // fires regardless of inner watermark success/fail/skip
	EvCancel
)

// Event is one occurrence of an EventKind with its reason code for the
// JobEvent append that accompanies every transition (spec §4.3: "every
// transition goes through an event append; no silent status change").
type Event struct {
	Kind   EventKind
	Reason model.ReasonCode
	Detail string
}
