// Package log defines the structured logging contract used across courier.
//
// It carries the Logger interface, severity levels, typed fields, a no-op
// implementation, and error-sanitization helpers. Concrete backends live in
// sibling packages (see courier/zap).
package log
