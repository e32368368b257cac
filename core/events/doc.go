// Package events defines the typed pipeline event contract.
//
// The orchestrator publishes an event after every observable transition so
// metrics and logging hooks can live outside the core's decision logic.
// Event kinds are grouped by namespace:
//
//   - session.*: session lifecycle boundaries.
//   - turn.*: per-turn state machine transitions.
//   - response.*: streamed language-model output.
//   - speech.*: synthesized audio emission.
//   - provider.*: fallback-router attempt outcomes and breaker transitions.
//   - cache.*: response-cache lookups.
//
// Semantics used across the package:
//
//   - Segment: append-only text piece emitted in stream order.
//   - Chunk: sentence-bounded synthesis unit, emitted strictly in order.
//   - Final: terminal immutable payload for the current turn phase.
package events
