// Package outbox provides transactional outbox primitives.
//
// It includes the store contract, an in-memory reference store, a background
// dispatcher with retry and poison controls, a driver registry, and storage
// adapters under the postgres and mongo subpackages.
package outbox
