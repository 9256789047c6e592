package transcript

type speakerKey struct {
	chunk int
	local int
}

// SpeakerMap assigns batch-wide speaker ids to (chunk, local speaker) pairs in first-seen order, starting at 0.
// The same voice in two chunks gets two ids.
type SpeakerMap struct {
	ids   map[speakerKey]int
	order []speakerKey
}

// NewSpeakerMap returns an empty map.
func NewSpeakerMap() *SpeakerMap {
	return &SpeakerMap{ids: make(map[speakerKey]int)}
}

// Global returns the id for the pair, assigning the next one on first sight.
func (m *SpeakerMap) Global(chunkIndex, local int) int {
	k := speakerKey{chunk: chunkIndex, local: local}
	if id, ok := m.ids[k]; ok {
		return id
	}
	id := len(m.order)
	m.ids[k] = id
	m.order = append(m.order, k)
	return id
}

// Lookup returns the id without assigning one.
func (m *SpeakerMap) Lookup(chunkIndex, local int) (int, bool) {
	id, ok := m.ids[speakerKey{chunk: chunkIndex, local: local}]
	return id, ok
}

// Count is the number of ids assigned.
func (m *SpeakerMap) Count() int { return len(m.order) }
