// Package redis implements the inbox store on Redis.
//
// One key per processed command, the composite identity encoded into
// the key name under a configurable prefix. Add is a single SET NX, so
// of two racing writers exactly one wins, and record expiry rides on
// native key TTLs instead of a reaper. Purge only has to sweep records
// without an expiry.
//
// The driver registers itself as "redis" for inbox.Open.
package redis
