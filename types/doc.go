/*
Package types provides the shared type definitions of the TeamFlow
orchestration engine.

types is the lowest-level package with no internal dependencies. It holds
the agent state record and its satellite structures, the queued-request and
feedback-session records, and the structured error taxonomy used across
store, dispatch, executor, and session. All cross-package contracts live
here to avoid circular imports.
*/
package types
