package measure

// orderedMap is a string-keyed map that remembers first-insertion order so
// reports come out the same on every run.
type orderedMap[V any] struct {
	keys  []string
	items map[string]V
}

func newOrderedMap[V any]() *orderedMap[V] {
	return &orderedMap[V]{items: make(map[string]V)}
}

// put stores v under key, keeping the key's original position when present.
func (m *orderedMap[V]) put(key string, v V) {
	if _, ok := m.items[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.items[key] = v
}

// putIfAbsent stores v only when key is unknown and reports whether it did.
func (m *orderedMap[V]) putIfAbsent(key string, v V) bool {
	if _, ok := m.items[key]; ok {
		return false
	}
	m.keys = append(m.keys, key)
	m.items[key] = v
	return true
}

func (m *orderedMap[V]) get(key string) (V, bool) {
	v, ok := m.items[key]
	return v, ok
}

func (m *orderedMap[V]) has(key string) bool {
	_, ok := m.items[key]
	return ok
}

func (m *orderedMap[V]) remove(key string) {
	if _, ok := m.items[key]; !ok {
		return
	}
	delete(m.items, key)
	for i, k := range m.keys {
		if k == key {
			m.keys = append(m.keys[:i], m.keys[i+1:]...)
			break
		}
	}
}

func (m *orderedMap[V]) len() int { return len(m.keys) }

func (m *orderedMap[V]) each(fn func(key string, v V)) {
	for _, k := range m.keys {
		fn(k, m.items[k])
	}
}

func (m *orderedMap[V]) values() []V {
	out := make([]V, 0, len(m.keys))
	for _, k := range m.keys {
		out = append(out, m.items[k])
	}
	return out
}
