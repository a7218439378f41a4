package answer

import (
	"sync"

	"github.com/hsn0918/bookrag/pkg/clients/openai"
)

// MemoryCapacity bounds the per-session dialogue memory, counted in turns.
const MemoryCapacity = 10

// Turn is one remembered dialogue message.
type Turn struct {
	Role string
	Text string
}

// memory is the bounded per-session dialogue history. Mutation is
// serialised by the mutex; the critical section is limited to append+evict.
type memory struct {
	mu    sync.Mutex
	turns []Turn
}

// snapshot returns a copy of the current turns for prompt assembly.
func (m *memory) snapshot() []Turn {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Turn, len(m.turns))
	copy(out, m.turns)
	return out
}

// record appends a completed user/assistant exchange and evicts the oldest
// turns beyond capacity.
func (m *memory) record(userText, assistantText string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.turns = append(m.turns,
		Turn{Role: openai.RoleUser, Text: userText},
		Turn{Role: openai.RoleAssistant, Text: assistantText},
	)
	if excess := len(m.turns) - MemoryCapacity; excess > 0 {
		m.turns = append([]Turn(nil), m.turns[excess:]...)
	}
}

// clear drops all remembered turns.
func (m *memory) clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns = nil
}
