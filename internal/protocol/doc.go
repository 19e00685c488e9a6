// ABOUTME: Package documentation for the ARGS protocol codec.
// ABOUTME: Describes the envelope format and typed payload union.

// Package protocol defines the ARGS message envelope and its typed payloads.
//
// Every frame exchanged with the coordination engine is a Message: a type
// tag, a target session id, and a payload whose shape is determined by the
// type. Decode resolves the payload into its concrete struct and validates
// it, so downstream components never inspect raw JSON.
//
// The package is pure data: it holds no state and depends on nothing else
// in the repository.
package protocol
