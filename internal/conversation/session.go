package conversation

import (
	"context"
	"fmt"

	"github.com/ashureev/dndgpt/internal/domain"
)

// MonsterFallback is shown when a monster roll fails.
const MonsterFallback = "Failed to fetch a random monster."

// Session drives a Reducer against the server.
type Session struct {
	reducer *Reducer
	client  *Client
}

// NewSession pairs a reducer with a client.
func NewSession(reducer *Reducer, client *Client) *Session {
	return &Session{reducer: reducer, client: client}
}

// Reducer exposes the underlying conversation state.
func (s *Session) Reducer() *Reducer { return s.reducer }

// Send submits draft and folds the streamed reply into the conversation.
// onFragment, when set, sees each fragment as it arrives. A failed reply is
// replaced by FallbackMessage and the error is returned; the session is never
// left busy.
func (s *Session) Send(ctx context.Context, draft string, onFragment func(string)) error {
	s.reducer.SetDraft(draft)
	history, err := s.reducer.Submit()
	if err != nil {
		return err
	}

	for fragment, err := range s.client.Ask(ctx, history) {
		if err != nil {
			s.reducer.Fail(err)
			return err
		}
		s.reducer.Receive(fragment)
		if onFragment != nil {
			onFragment(fragment)
		}
	}
	s.reducer.Complete()
	return nil
}

// RandomMonster rolls a monster and appends its summary as an assistant
// message, or MonsterFallback when the roll fails.
func (s *Session) RandomMonster(ctx context.Context) (*domain.Monster, error) {
	if err := s.reducer.Begin(); err != nil {
		return nil, err
	}
	defer s.reducer.Complete()

	m, err := s.client.NewMonster(ctx)
	if err != nil {
		s.reducer.AppendAssistant(MonsterFallback)
		return nil, fmt.Errorf("random monster: %w", err)
	}
	s.reducer.AppendAssistant(m.Summary())
	return m, nil
}

// Reset clears the server session first and the local history only once the
// server has confirmed.
func (s *Session) Reset(ctx context.Context) error {
	if err := s.client.Reset(ctx); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	return s.reducer.Reset()
}
