// Package claude spawns and supervises claude CLI subprocesses.
//
// The package is organized into focused modules:
//   - orchestrator.go: Orchestrator façade and stream pumps
//   - spawner.go: command construction and process spawning
//   - extract.go: session-id extraction from initial output
//   - session.go: per-session state and event delivery
package claude
