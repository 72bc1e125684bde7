// Package history keeps a bounded transcript of finished turns.
package history

import (
	"sync"

	"github.com/google/uuid"

	"github.com/ashutoshrp06/brainstream/internal/types"
)

type Manager struct {
	turns    []types.Turn
	maxTurns int
	mu       sync.RWMutex
}

func NewManager(maxTurns int) *Manager {
	if maxTurns <= 0 {
		maxTurns = 50
	}
	return &Manager{
		turns:    make([]types.Turn, 0),
		maxTurns: maxTurns,
	}
}

// Record appends a turn built from the final state of a send and returns it.
// The oldest turns are dropped once the limit is reached.
func (m *Manager) Record(mode types.Mode, prompt string, s types.SessionState) types.Turn {
	turn := types.Turn{
		ID:     uuid.NewString(),
		Mode:   mode,
		Prompt: prompt,
		Answer: s.TextContent,
		Phase:  s.Phase,
	}
	if s.TokenCounts != nil {
		tc := *s.TokenCounts
		turn.Tokens = &tc
	}
	if s.Error != nil {
		turn.ErrorMsg = s.Error.Message
	}

	m.Add(turn)
	return turn
}

func (m *Manager) Add(turn types.Turn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.turns = append(m.turns, turn)

	if len(m.turns) > m.maxTurns {
		m.turns = m.turns[len(m.turns)-m.maxTurns:]
	}
}

func (m *Manager) Turns() []types.Turn {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]types.Turn, len(m.turns))
	copy(result, m.turns)
	return result
}

// Len returns the number of stored turns.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.turns)
}

func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.turns = make([]types.Turn, 0)
}
