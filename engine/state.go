// Package engine implements the agent state machine: the state set, the
// legal-transition table, idle timer construction, and the bounded-retry
// idle transition used to recover agents from failed or interrupted work.
package engine

import (
	"fmt"

	"github.com/teamflow-dev/teamflow/types"
)

// validTransitions defines the legal state transitions.
//
//	idle -> plan (timer expiry), action|reflecting (incoming request),
//	        feedback_session (session created)
//	plan -> action, idle (wait), feedback_session
//	action|reflecting -> idle (completion or failure)
//	action -> feedback_session (give_feedback creates a session)
//	feedback_session <-> feedback_waiting, both -> idle (session ended)
//
// Force-clear (any -> idle) bypasses the table; see AgentStateRecord users.
var validTransitions = map[types.AgentState][]types.AgentState{
	types.StateIdle:            {types.StatePlan, types.StateAction, types.StateReflecting, types.StateFeedbackSession},
	types.StatePlan:            {types.StateAction, types.StateReflecting, types.StateIdle, types.StateFeedbackSession},
	types.StateAction:          {types.StateIdle, types.StateFeedbackSession},
	types.StateReflecting:      {types.StateIdle},
	types.StateFeedbackSession: {types.StateIdle, types.StateFeedbackWaiting},
	types.StateFeedbackWaiting: {types.StateIdle, types.StateFeedbackSession},
}

// CanTransition checks whether from -> to is a legal transition.
func CanTransition(from, to types.AgentState) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ErrInvalidTransition reports an illegal state transition attempt.
type ErrInvalidTransition struct {
	From types.AgentState
	To   types.AgentState
}

func (e ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid state transition: %s -> %s", e.From, e.To)
}

// StateForAction maps an action to the busy state an agent occupies while
// executing it: evaluation is reflective work, everything else is action.
func StateForAction(action types.ActionType) types.AgentState {
	if action == types.ActionEvaluateIdea {
		return types.StateReflecting
	}
	return types.StateAction
}

// States returns every known agent state. Used by validation and tests.
func States() []types.AgentState {
	return []types.AgentState{
		types.StateIdle,
		types.StatePlan,
		types.StateAction,
		types.StateReflecting,
		types.StateFeedbackSession,
		types.StateFeedbackWaiting,
	}
}
