package boop

import (
	"errors"
	"fmt"
)

var ErrIllegalTransition = errors.New("illegal state transition")

// State is the lifecycle position of an intent inside the submitter.
type State string

const (
	StateCreated          State = "created"
	StateSimulating       State = "simulating"
	StateSimulated        State = "simulated"
	StateSimulationFailed State = "simulationFailed"
	StateSubmitting       State = "submitting"
	StateSubmitted        State = "submitted"
	StateIncluded         State = "included"
	StateReverted         State = "reverted"
	// StateDropped is a failed broadcast that the monitor sends again.
	StateDropped  State = "dropped"
	StateReplaced State = "replaced"
	// StateAbandoned ends an intent that will never be sent: rejected at
	// queueing, expired, cancelled or interrupted without a way back.
	StateAbandoned State = "abandoned"
)

// TerminalStates are the states an intent never leaves.
var TerminalStates = []State{StateIncluded, StateReverted, StateSimulationFailed, StateReplaced, StateAbandoned}

var transitions = map[State][]State{
	// Created -> Submitting skips simulation for explicit gas.
	StateCreated:    {StateSimulating, StateSubmitting, StateReplaced, StateDropped, StateAbandoned},
	StateSimulating: {StateSimulated, StateSimulationFailed, StateCreated},
	StateSimulated:  {StateSubmitting, StateCreated, StateReplaced},
	StateSubmitting: {StateSubmitted, StateDropped, StateCreated, StateAbandoned},
	// Submitted -> Submitting is a fee bump or resend of the same intent.
	StateSubmitted: {StateIncluded, StateReverted, StateDropped, StateReplaced, StateSubmitting, StateAbandoned},
	StateDropped:   {StateSubmitting, StateSubmitted, StateReplaced, StateCreated, StateIncluded, StateReverted, StateAbandoned},
}

func (s State) CanTransition(to State) bool {
	for _, allowed := range transitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition returns the next state or ErrIllegalTransition.
func (s State) Transition(to State) (State, error) {
	if !s.CanTransition(to) {
		return s, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, s, to)
	}
	return to, nil
}

func (s State) Terminal() bool {
	switch s {
	case StateIncluded, StateReverted, StateSimulationFailed, StateReplaced, StateAbandoned:
		return true
	}
	return false
}

// Finalized reports whether a receipt exists for the state.
func (s State) Finalized() bool {
	return s == StateIncluded || s == StateReverted
}
