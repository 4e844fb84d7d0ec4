package presence

import "encoding/json"

// OrderedMap is a map that remembers insertion order. Replacing the value of
// an existing key keeps its position. The zero value is ready to use.
type OrderedMap[K comparable, V any] struct {
	keys   []K
	values map[K]V
}

func NewOrderedMap[K comparable, V any]() *OrderedMap[K, V] {
	return &OrderedMap[K, V]{values: make(map[K]V)}
}

func (m *OrderedMap[K, V]) Get(key K) (V, bool) {
	v, ok := m.values[key]
	return v, ok
}

func (m *OrderedMap[K, V]) Set(key K, value V) {
	if m.values == nil {
		m.values = make(map[K]V)
	}
	if _, ok := m.values[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.values[key] = value
}

// Delete removes key and reports whether it was present.
func (m *OrderedMap[K, V]) Delete(key K) bool {
	if _, ok := m.values[key]; !ok {
		return false
	}
	delete(m.values, key)
	for i, k := range m.keys {
		if k == key {
			m.keys = append(m.keys[:i:i], m.keys[i+1:]...)
			break
		}
	}
	return true
}

func (m *OrderedMap[K, V]) Len() int {
	return len(m.keys)
}

func (m *OrderedMap[K, V]) Keys() []K {
	return append([]K{}, m.keys...)
}

// Values returns the values in insertion order, never nil.
func (m *OrderedMap[K, V]) Values() []V {
	out := make([]V, 0, len(m.keys))
	for _, k := range m.keys {
		out = append(out, m.values[k])
	}
	return out
}

type entry[K comparable, V any] struct {
	Key   K `json:"key"`
	Value V `json:"value"`
}

// MarshalJSON encodes the map as an array of {key, value} pairs so the order
// survives storage.
func (m *OrderedMap[K, V]) MarshalJSON() ([]byte, error) {
	entries := make([]entry[K, V], 0, len(m.keys))
	for _, k := range m.keys {
		entries = append(entries, entry[K, V]{Key: k, Value: m.values[k]})
	}
	return json.Marshal(entries)
}

func (m *OrderedMap[K, V]) UnmarshalJSON(data []byte) error {
	var entries []entry[K, V]
	if err := json.Unmarshal(data, &entries); err != nil {
		return err
	}
	m.keys = nil
	m.values = make(map[K]V, len(entries))
	for _, e := range entries {
		m.Set(e.Key, e.Value)
	}
	return nil
}
