// Package session holds the per-connection conversation history: an
// append-only sequence of turns with bounded trimming.
package session

import (
	"sync"

	"github.com/google/uuid"
)

// Role values for a Turn.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one message in the conversation.
type Turn struct {
	Role    string
	Content string
}

// Session is a per-connection container of turns, safe for concurrent
// use, though in practice it is mutated only by the server reactor for
// its own connection.
type Session struct {
	mu              sync.Mutex
	ID              string
	turns           []Turn
	maxTurns        int
	maxTokensBudget int
	language        string
}

// New creates a Session with a fresh UUID and the given trimming bounds.
func New(maxTurns, maxTokensBudget int) *Session {
	return &Session{
		ID:              uuid.NewString(),
		maxTurns:        maxTurns,
		maxTokensBudget: maxTokensBudget,
		language:        "en",
	}
}

// AddTurn appends a turn and then trims per spec §4.12: truncate to the
// last 2*maxTurns entries, then repeatedly drop the oldest pair while
// the estimated token budget is exceeded and more than two turns remain.
func (s *Session) AddTurn(role, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.turns = append(s.turns, Turn{Role: role, Content: content})

	if s.maxTurns > 0 {
		limit := 2 * s.maxTurns
		if len(s.turns) > limit {
			s.turns = s.turns[len(s.turns)-limit:]
		}
	}

	for s.maxTokensBudget > 0 && s.estimatedTokens() > s.maxTokensBudget && len(s.turns) > 2 {
		s.turns = s.turns[2:]
	}
}

func (s *Session) estimatedTokens() int {
	chars := 0
	for _, t := range s.turns {
		chars += len(t.Content)
	}
	return chars / 4
}

// History returns a copy of the current turn sequence.
func (s *Session) History() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

// HistoryWithoutLast returns all but the most recently added turn — used
// to build the LLM request's history when the last turn is the user
// message being sent as a separate field.
func (s *Session) HistoryWithoutLast() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.turns) == 0 {
		return nil
	}
	out := make([]Turn, len(s.turns)-1)
	copy(out, s.turns[:len(s.turns)-1])
	return out
}

// Clear empties the session's history (follow-up timeout or explicit clear).
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = nil
}

// Language returns the session's current response language code.
func (s *Session) Language() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.language
}

// SetLanguage updates the session's response language code.
func (s *Session) SetLanguage(lang string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.language = lang
}
