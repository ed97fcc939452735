// Package api contains the core building blocks used by the stepchain
// pipeline engine: the data model, the Step interface and its variants,
// the step context handed to every step, the suspension signal and the
// lifecycle event bus.
//
// Most users interact with the higher-level stepchain package, which
// re-exports selected types and offers a fluent Chain builder. The api
// package is intended for custom step types, custom subscribers and engine
// integrations.
//
// # Steps
//
// A Step has a static StepInfo (ID, name, type and optional schemas) and an
// Execute method. Steps are always run through RunStep, which validates the
// input, publishes the start event, executes the step, validates the output
// and publishes exactly one completion event.
//
// The variants shipped here are:
//
//   - Then and TypedThen: sequential steps
//   - When: conditional step; the inner step runs detached
//   - All: parallel fan-out over independent copies of the data
//   - Race: first branch to finish wins, the others are cancelled
//   - Delegate and DelegateByID: a nested workflow run as one step
//   - AgentStep: hands a prompt to an external Agent
//   - Tap, Sleep, SuspendUnless and WithRetry
//
// # Suspension
//
// A step pauses its pipeline by returning the error produced by
// StepContext.Suspend. The value is a *SuspendSignal; it unwinds through
// composite and detached steps and is intercepted by the engine, which
// records a Checkpoint and marks the execution suspended. It is never
// reported as a failure.
//
// # Events
//
// Every step produces a start event and then one of a completed, failed or
// suspended event linked to it by ParentStartEventID. A StepContext without
// an execution reference is detached and publishes nothing, which is how
// composite steps avoid reporting the same work twice. The Bus delivers
// events to subscribers synchronously; subscriber errors and panics are
// logged and dropped.
package api
