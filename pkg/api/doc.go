// Package api defines the public types of the snapmeta engine: orchestration
// instances, history events, activity contracts, error classification and the
// Observer used for logging and metrics.
//
// The package is intentionally free of I/O. Everything that touches storage
// lives under internal/, and the root snapmeta package re-exports the types
// defined here.
package api
