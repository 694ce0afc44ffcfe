package entities

import (
	"errors"
	"sync"
)

// Transcript is the ordered, append-only history of turns for one chat session.
// There is no delete or clear; a fresh session starts with a fresh Transcript.
type Transcript struct {
	mu    sync.RWMutex
	turns []Turn
}

// NewTranscript creates an empty transcript
func NewTranscript() *Transcript {
	return &Transcript{
		turns: make([]Turn, 0),
	}
}

// Append adds a turn to the end of the transcript
func (t *Transcript) Append(turn Turn) error {
	if !turn.Role.Valid() {
		return errors.New("invalid turn role")
	}

	t.mu.Lock()
	t.turns = append(t.turns, turn)
	t.mu.Unlock()
	return nil
}

// Turns returns a copy of the turns in order. Callers may keep or modify the
// returned slice without affecting the transcript.
func (t *Transcript) Turns() []Turn {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Turn, len(t.turns))
	copy(out, t.turns)
	return out
}

// Len returns the number of turns
func (t *Transcript) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.turns)
}

// Last returns the most recent turn, if any
func (t *Transcript) Last() (Turn, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if len(t.turns) == 0 {
		return Turn{}, false
	}
	return t.turns[len(t.turns)-1], true
}
