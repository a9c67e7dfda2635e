package courier

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// HeaderBag is an insertion-ordered mapping of header names to values.
//
// Headers are passed through the outbox, the wire, and the inbox verbatim;
// order is preserved end to end so that backends and consumers relying on
// header position observe what the producer wrote. The zero value is ready
// to use.
type HeaderBag struct {
	keys   []string
	values map[string]any
}

// NewHeaderBag creates an empty header bag.
func NewHeaderBag() *HeaderBag {
	return &HeaderBag{values: make(map[string]any)}
}

// Set stores a header value. Setting an existing key updates the value in
// place and keeps the key's original position.
func (bag *HeaderBag) Set(key string, value any) {
	if bag.values == nil {
		bag.values = make(map[string]any)
	}

	if _, ok := bag.values[key]; !ok {
		bag.keys = append(bag.keys, key)
	}

	bag.values[key] = value
}

// Get returns the value for key and whether it was present.
func (bag *HeaderBag) Get(key string) (any, bool) {
	if bag == nil || bag.values == nil {
		return nil, false
	}

	value, ok := bag.values[key]

	return value, ok
}

// Delete removes a header. Deleting an absent key is a no-op.
func (bag *HeaderBag) Delete(key string) {
	if bag == nil || bag.values == nil {
		return
	}

	if _, ok := bag.values[key]; !ok {
		return
	}

	delete(bag.values, key)

	for i, k := range bag.keys {
		if k == key {
			bag.keys = append(bag.keys[:i], bag.keys[i+1:]...)
			break
		}
	}
}

// Len returns the number of headers.
func (bag *HeaderBag) Len() int {
	if bag == nil {
		return 0
	}

	return len(bag.keys)
}

// Keys returns the header names in insertion order.
func (bag *HeaderBag) Keys() []string {
	if bag == nil || len(bag.keys) == 0 {
		return nil
	}

	out := make([]string, len(bag.keys))
	copy(out, bag.keys)

	return out
}

// Range calls fn for each header in insertion order. Iteration stops if fn
// returns false.
func (bag *HeaderBag) Range(fn func(key string, value any) bool) {
	if bag == nil {
		return
	}

	for _, key := range bag.keys {
		if !fn(key, bag.values[key]) {
			return
		}
	}
}

// Map returns an unordered copy of the headers for backends that accept
// plain maps (AMQP tables, NATS headers). The canonical order stays in the
// bag.
func (bag *HeaderBag) Map() map[string]any {
	if bag == nil || len(bag.keys) == 0 {
		return nil
	}

	out := make(map[string]any, len(bag.keys))
	for key, value := range bag.values {
		out[key] = value
	}

	return out
}

// Clone returns a deep copy of the key order and a shallow copy of values.
func (bag *HeaderBag) Clone() *HeaderBag {
	if bag == nil {
		return nil
	}

	clone := &HeaderBag{
		keys:   make([]string, len(bag.keys)),
		values: make(map[string]any, len(bag.values)),
	}

	copy(clone.keys, bag.keys)

	for key, value := range bag.values {
		clone.values[key] = value
	}

	return clone
}

// MarshalJSON encodes the bag as a JSON object with keys in insertion order.
func (bag *HeaderBag) MarshalJSON() ([]byte, error) {
	if bag == nil || len(bag.keys) == 0 {
		return []byte("{}"), nil
	}

	var buf bytes.Buffer

	buf.WriteByte('{')

	for i, key := range bag.keys {
		if i > 0 {
			buf.WriteByte(',')
		}

		encodedKey, err := json.Marshal(key)
		if err != nil {
			return nil, fmt.Errorf("marshal header key %q: %w", key, err)
		}

		buf.Write(encodedKey)
		buf.WriteByte(':')

		encodedValue, err := json.Marshal(bag.values[key])
		if err != nil {
			return nil, fmt.Errorf("marshal header value for %q: %w", key, err)
		}

		buf.Write(encodedValue)
	}

	buf.WriteByte('}')

	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object preserving its document key order.
func (bag *HeaderBag) UnmarshalJSON(data []byte) error {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()

	token, err := decoder.Token()
	if err != nil {
		return fmt.Errorf("read header bag: %w", err)
	}

	if delim, ok := token.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("header bag must be a JSON object, got %v", token)
	}

	bag.keys = nil
	bag.values = make(map[string]any)

	for decoder.More() {
		keyToken, err := decoder.Token()
		if err != nil {
			return fmt.Errorf("read header key: %w", err)
		}

		key, ok := keyToken.(string)
		if !ok {
			return fmt.Errorf("header key must be a string, got %v", keyToken)
		}

		var value any
		if err := decoder.Decode(&value); err != nil {
			return fmt.Errorf("decode header value for %q: %w", key, err)
		}

		bag.Set(key, value)
	}

	// Consume the closing brace.
	if _, err := decoder.Token(); err != nil {
		return fmt.Errorf("read header bag end: %w", err)
	}

	return nil
}
