// Package stepchain provides an embeddable step-pipeline workflow engine
// for Go.
//
// A workflow is an ordered list of steps. Each step receives the output of
// the previous one, so data flows down the chain and is replaced, not
// merged, at every step boundary. Executions run in-process and are driven
// synchronously by the caller; their state and event history are kept in a
// pluggable store so that a suspended execution can be resumed later,
// possibly by another process.
//
// # Core Concepts
//
// The programming model is intentionally small:
//
//  1. Registry
//  2. Chain
//  3. Step
//  4. Suspension
//  5. Subscriber
//
// # Registry
//
// The Registry holds workflow definitions and the executions started from
// them. It is created explicitly and closed by its owner:
//
//	reg := stepchain.NewInMemoryEngine(stepchain.WithLogger(logger))
//	defer reg.Close(ctx)
//
// Registries can keep executions and events in different stores:
//
//   - In-memory (non-durable, best for tests)
//   - SQLite (embedded durability)
//   - PostgreSQL
//   - Redis
//
// Workflow definitions contain Go functions and always live in memory; a
// process that wants to resume executions must register the same
// definitions at startup.
//
// # Chain
//
// Chain is the fluent builder used to declare workflows:
//
//	stepchain.New("onboard").
//	    AndThen("create-account", createAccount).
//	    AndWhen("vip", stepchain.JSONPathEquals("tier", "vip"), assignManager).
//	    AndAll("notify", sendEmail, sendSlack).
//	    AndThen("finish", finish)
//
// Besides sequential steps a chain can hold conditional steps, parallel
// steps (All waits for every branch, Race takes the first), nested
// workflows, agent invocations, side-effect taps, sleeps and retried steps.
//
// # Suspension
//
// A step pauses its execution by returning the value of
// StepContext.Suspend. The execution is stored as suspended together with
// a checkpoint, and Result.Resume (or Registry.ResumeExecution) continues
// at the step after the one that suspended, with the resume data merged
// into the checkpointed data.
//
// # Subscriber
//
// Every step publishes a start event and exactly one completion event
// (completed, failed or suspended) to the registry's subscribers. Events
// are also appended to the store, so the history of an execution can be
// read back with ListEvents. Subscriber failures are logged and never
// affect the execution.
package stepchain
