// Package circuitbreaker guards the gateway publish path with a
// sony/gobreaker circuit.
//
// A Publisher decorates any publisher the dispatcher drives. Transport
// faults count against the circuit; configuration faults pass through
// without tripping it, since they say nothing about backend health. An
// open circuit rejects publishes immediately with a transport error, so
// the dispatcher's existing retry and poison accounting absorbs the
// outage, and the half-open probe recovers the circuit once the backend
// answers again.
package circuitbreaker
