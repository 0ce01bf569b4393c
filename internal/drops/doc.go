// Package drops is the ingestion/dedup/notification core.
//
// Each pass reconciles an unordered, possibly-redelivered feed snapshot
// against the entity store and decides exactly once per campaign whether to
// announce it. Unknown games are created suppressed, so discovery is silent
// until an operator opts in; a campaign row's existence is the only dedup
// marker.
package drops
