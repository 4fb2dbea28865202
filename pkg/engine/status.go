package engine

import (
	"fmt"
)

// UnitState is the lifecycle state of a unit within a run.
type UnitState string

const (
	// UnitStatePending indicates the unit has not been picked yet.
	UnitStatePending UnitState = "pending"

	// UnitStateInProgress indicates the unit is being processed.
	UnitStateInProgress UnitState = "in_progress"

	// UnitStateCompleted indicates the unit finished, successfully or not.
	UnitStateCompleted UnitState = "completed"

	// UnitStateSkipped indicates the unit was not processed.
	UnitStateSkipped UnitState = "skipped"
)

// IsTerminal returns true if the state is final.
func (s UnitState) IsTerminal() bool {
	return s == UnitStateCompleted || s == UnitStateSkipped
}

// Validate checks if the unit state is valid.
func (s UnitState) Validate() error {
	switch s {
	case UnitStatePending, UnitStateInProgress, UnitStateCompleted, UnitStateSkipped:
		return nil
	default:
		return fmt.Errorf("invalid unit state: %s", s)
	}
}

// SetState is the lifecycle state of a whole set.
type SetState string

const (
	// SetStatePending indicates the set is waiting to run.
	SetStatePending SetState = "pending"

	// SetStateInProgress indicates units are being processed.
	SetStateInProgress SetState = "in_progress"

	// SetStateCompleted indicates processing has finished.
	SetStateCompleted SetState = "completed"
)

// unitTransitions lists the states reachable from each state. Validation
// marking moves units straight from Pending to a terminal state.
var unitTransitions = map[UnitState][]UnitState{
	UnitStatePending:    {UnitStateInProgress, UnitStateCompleted, UnitStateSkipped},
	UnitStateInProgress: {UnitStateCompleted, UnitStateSkipped},
}

// CanTransition reports whether a unit may move from one state to another.
func CanTransition(from, to UnitState) bool {
	for _, next := range unitTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// unitStatus tracks one unit's state and result during a run. Once the state
// is terminal neither the state nor the result changes again.
type unitStatus struct {
	state  UnitState
	result ApplyUnitResult
}

func newUnitStatus(unit *ConfigurationUnit) *unitStatus {
	return &unitStatus{
		state: UnitStatePending,
		result: ApplyUnitResult{
			Unit:              unit,
			State:             UnitStatePending,
			ResultInformation: newResult(CodeSuccess, ResultSourceNone),
		},
	}
}

// transition moves the unit to the given state.
func (s *unitStatus) transition(to UnitState) error {
	if !CanTransition(s.state, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.state, to)
	}
	s.state = to
	s.result.State = to
	return nil
}

// finish records the result information and moves the unit to a terminal state.
func (s *unitStatus) finish(to UnitState, info ResultInformation) error {
	if !to.IsTerminal() {
		return fmt.Errorf("%w: %s is not terminal", ErrInvalidTransition, to)
	}
	if s.state.IsTerminal() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.state, to)
	}
	if info.Source == "" {
		info.Source = ResultSourceNone
	}
	s.result.ResultInformation = info
	return s.transition(to)
}

// snapshot returns a copy of the current result.
func (s *unitStatus) snapshot() *ApplyUnitResult {
	r := s.result
	return &r
}
