// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import "fmt"

// State is the stage a Run has reached.
type State string

const (
	StateInit             State = "Init"
	StateSubsampled       State = "Subsampled"
	StateSearchConfigured State = "SearchConfigured"
	StateOptimized        State = "Optimized"
	StatePersisted        State = "Persisted"
	StateFinalConfigured  State = "FinalConfigured"
	StateAssembled        State = "Assembled"
	StateDone             State = "Done"
	StateFailed           State = "Failed"
)

// IsTerminal reports whether no further transition is possible.
func (s State) IsTerminal() bool {
	return s == StateDone || s == StateFailed
}

// allowed lists the forward edges. Failed is reachable from every
// non-terminal state and is not repeated here.
var allowed = map[State][]State{
	StateInit:             {StateSubsampled, StateSearchConfigured},
	StateSubsampled:       {StateSearchConfigured},
	StateSearchConfigured: {StateOptimized},
	StateOptimized:        {StatePersisted},
	StatePersisted:        {StateFinalConfigured, StateDone},
	StateFinalConfigured:  {StateAssembled},
	StateAssembled:        {StateDone},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to State) bool {
	if from.IsTerminal() {
		return false
	}
	if to == StateFailed {
		return true
	}
	for _, next := range allowed[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionError reports an illegal state change.
type TransitionError struct {
	From, To State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("disallowed transition %s -> %s", e.From, e.To)
}
