// Package storage is the persistent record of known games and already-seen
// drop campaigns.
//
// A campaign row existing is the "already announced or intentionally
// suppressed" marker: the reconciliation engine derives the decision to notify
// purely from "row did not exist before this pass" combined with the owning
// game's suppression flag. The store, not the engine, guarantees atomicity of
// insert-if-absent at campaign-id granularity.
package storage
