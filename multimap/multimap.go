// Package multimap provides a set-valued map. The engine uses it to track
// which live sessions belong to a username.
package multimap

// Multimap maps a key to a set of values. Keys with an empty set are
// pruned, never retained. Iteration order is undefined. Thread-safety is
// delegated to the caller.
type Multimap[K comparable, V comparable] struct {
	values map[K]map[V]struct{}
}

func New[K comparable, V comparable]() *Multimap[K, V] {
	return &Multimap[K, V]{values: make(map[K]map[V]struct{})}
}

// Put adds value to key's set. Idempotent if already present.
func (m *Multimap[K, V]) Put(key K, value V) {
	set, ok := m.values[key]
	if !ok {
		set = make(map[V]struct{})
		m.values[key] = set
	}
	set[value] = struct{}{}
}

// Delete removes value from key's set, and the key itself once its set is
// empty.
func (m *Multimap[K, V]) Delete(key K, value V) {
	set, ok := m.values[key]
	if !ok {
		return
	}
	delete(set, value)
	if len(set) == 0 {
		delete(m.values, key)
	}
}

// DeleteAll removes the key and all its values.
func (m *Multimap[K, V]) DeleteAll(key K) {
	delete(m.values, key)
}

// Get returns the values for key. The result is a fresh slice; nil when
// the key is unknown.
func (m *Multimap[K, V]) Get(key K) []V {
	set, ok := m.values[key]
	if !ok {
		return nil
	}
	out := make([]V, 0, len(set))
	for value := range set {
		out = append(out, value)
	}
	return out
}

func (m *Multimap[K, V]) Has(key K) bool {
	_, ok := m.values[key]
	return ok
}

// Len returns the number of keys with at least one value.
func (m *Multimap[K, V]) Len() int {
	return len(m.values)
}
