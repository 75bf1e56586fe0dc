// Package collections holds small generic containers.
package collections

import (
	"bytes"
	"encoding/json"
)

// OrderedMap is a map that remembers the order in which keys were first set.
// It is not safe for concurrent use.
type OrderedMap[K comparable, V any] struct {
	index map[K]int
	keys  []K
	vals  []V
}

// NewOrderedMap returns an empty map with room for size keys.
func NewOrderedMap[K comparable, V any](size int) *OrderedMap[K, V] {
	return &OrderedMap[K, V]{
		index: make(map[K]int, size),
		keys:  make([]K, 0, size),
		vals:  make([]V, 0, size),
	}
}

// Len is the number of keys.
func (m *OrderedMap[K, V]) Len() int { return len(m.keys) }

// Get returns the value of key and whether it is present.
func (m *OrderedMap[K, V]) Get(key K) (V, bool) {
	i, ok := m.index[key]
	if !ok {
		var zero V
		return zero, false
	}
	return m.vals[i], true
}

// Set stores val under key and reports whether key is new. Updating a key
// keeps its position.
func (m *OrderedMap[K, V]) Set(key K, val V) bool {
	if i, ok := m.index[key]; ok {
		m.vals[i] = val
		return false
	}
	m.index[key] = len(m.keys)
	m.keys = append(m.keys, key)
	m.vals = append(m.vals, val)
	return true
}

// Range calls fn on each entry in order and stops at the first false.
func (m *OrderedMap[K, V]) Range(fn func(key K, val V) bool) {
	for i, k := range m.keys {
		if !fn(k, m.vals[i]) {
			return
		}
	}
}

// Keys returns a copy of the keys in order.
func (m *OrderedMap[K, V]) Keys() []K {
	return append([]K(nil), m.keys...)
}

// MarshalJSON encodes the map as a JSON object with members in key order.
func (m *OrderedMap[K, V]) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range m.keys {
		name, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		if name[0] != '"' {
			// encoding/json quotes non-string map keys
			name, _ = json.Marshal(string(name))
		}
		val, err := json.Marshal(m.vals[i])
		if err != nil {
			return nil, err
		}
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(name)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
