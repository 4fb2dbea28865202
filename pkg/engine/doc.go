// Package engine applies configuration sets: ordered collections of
// declarative units that each describe a desired state.
//
// # Overview
//
// A run goes through three phases:
//
//  1. Setup - the optional Gate admits the set and the SetProcessorFactory
//     creates a SetProcessor. Failures here are returned as errors and no
//     progress is reported.
//  2. Validation - identifiers must be unique, every dependency must name a
//     unit of the set and the dependency graph must be acyclic. A defect ends
//     the run with a set-level result code.
//  3. Processing - units are processed one at a time in stable topological
//     order. Within each scope the next unit is the first one, in declaration
//     order, whose dependencies are all finished.
//
// # Units
//
// Each unit has an intent:
//
//   - IntentApply tests the unit and applies it when the test is negative
//   - IntentAssert tests the unit and fails it when the test is negative
//   - IntentInform only reads the current settings
//
// A unit whose dependency did not complete successfully is skipped with
// CodeDependencyUnsatisfied. Inactive units are skipped with
// CodeManuallySkipped. Skips propagate along dependency edges and from a
// group to its children.
//
// Group units contain other units. Their children form a nested scope that
// is scheduled like the top level; dependencies that cross scopes are lifted
// onto the ancestors that share a scope. A set processor implementing
// GroupProcessorSource may take over a group entirely.
//
// # Unit State Machine
//
//	Pending -> InProgress -> Completed
//	Pending -> Completed | Skipped
//	InProgress -> Skipped
//
// Terminal states never change. A unit result carries a non-zero code exactly
// when its source is not ResultSourceNone.
//
// # Progress
//
// Every state change is published as a ProgressEvent. Events are delivered in
// order to handlers registered with WithProgressHandler, to the Recorder and
// to Operation subscribers. The set emits InProgress before the first unit
// and Completed after the last one.
//
// # Usage
//
//	processor := engine.NewProcessor(factory,
//	    engine.WithLogger(logger),
//	    engine.WithRecorder(store),
//	)
//
//	op := processor.ApplySetAsync(ctx, set)
//	for ev := range op.Subscribe(ctx) {
//	    fmt.Println(ev.Kind, ev.UnitState)
//	}
//	result, err := op.Wait(ctx)
//
// Cancelling an operation lets the unit in flight finish, starts no further
// units and returns the partial result together with ErrOperationCancelled.
package engine
