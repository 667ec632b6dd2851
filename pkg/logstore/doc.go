// Package logstore provides sample implementations of the
// persistence-hook collaborator: a function called
// when a probe's log transfer finishes, so the in-flight session's
// summary can be recorded somewhere durable.
//
// Persistent log storage itself is named out of scope for the fusion
// engine (persistent log storage is an external collaborator); these
// adapters exist so the engine is exercisable
// end-to-end in tests and cmd/probe-console without requiring every
// caller to supply its own storage. The engine depends only on the
// CompletionHook function type, never on a concrete store.
package logstore
