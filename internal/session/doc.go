// ABOUTME: Package documentation for session state management.
// ABOUTME: Covers the registry, the session aggregate, and the inactivity reaper.

// Package session owns all live coordination state: the registry of active
// sessions, the Session aggregate (agents, tasks, streams, collaboration
// requests, metrics), and the inactivity reaper that reclaims idle sessions.
//
// A Session's nested maps are mutated only through its accessor methods,
// each of which holds the session lock for the full compound update. This
// preserves the no-partial-update guarantee of a single-threaded dispatch
// loop without a global lock.
package session
