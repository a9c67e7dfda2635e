// Package postgres maintains the shared PostgreSQL hub courier stores
// draw their handles from.
//
// Reads flow through a primary/replica resolver with round-robin load
// balancing; writes and file-based schema migrations stick to the
// primary. The hub connects lazily on first use, redacts
// connection-string credentials from errors and logs, and hands stores
// either the resolver or the raw primary handle for transactional work.
package postgres
