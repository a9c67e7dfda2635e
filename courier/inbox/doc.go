// Package inbox provides consumer-side deduplication primitives.
//
// A Store keeps one Record per (command id, context key) identity so a
// redelivered message is detected instead of reprocessed. The Guard wraps a
// Store with the once-only policy a consumer applies on a duplicate.
package inbox
