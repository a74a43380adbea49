package livesync

import "container/list"

const defaultSequenceMemory = 4096

// sequenceMemory remembers the next expected sequence of keys whose queues
// were evicted, so late deltas for them are still recognised as stale. The
// least recently touched key is forgotten first once capacity is reached.
type sequenceMemory struct {
	capacity int
	order    *list.List
	entries  map[string]*list.Element
}

type rememberedSequence struct {
	key  string
	next uint64
}

func newSequenceMemory(capacity int) *sequenceMemory {
	return &sequenceMemory{
		capacity: capacity,
		order:    list.New(),
		entries:  map[string]*list.Element{},
	}
}

// take returns and forgets the remembered next sequence of key.
func (m *sequenceMemory) take(key string) (uint64, bool) {
	element, ok := m.entries[key]
	if !ok {
		return 0, false
	}
	m.order.Remove(element)
	delete(m.entries, key)
	return element.Value.(rememberedSequence).next, true
}

func (m *sequenceMemory) remember(key string, next uint64) {
	if m.capacity <= 0 {
		return
	}
	if element, ok := m.entries[key]; ok {
		element.Value = rememberedSequence{key: key, next: next}
		m.order.MoveToFront(element)
		return
	}
	m.entries[key] = m.order.PushFront(rememberedSequence{key: key, next: next})
	for m.order.Len() > m.capacity {
		oldest := m.order.Back()
		m.order.Remove(oldest)
		delete(m.entries, oldest.Value.(rememberedSequence).key)
	}
}

func (m *sequenceMemory) len() int {
	return m.order.Len()
}
