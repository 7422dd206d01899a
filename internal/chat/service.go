package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ashureev/dndgpt/internal/completion"
	"github.com/ashureev/dndgpt/internal/domain"
	"github.com/ashureev/dndgpt/internal/prompt"
	"github.com/ashureev/dndgpt/internal/relay"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("github.com/ashureev/dndgpt/internal/chat")

// Retriever returns rulebook passages ranked for a query.
type Retriever interface {
	Retrieve(ctx context.Context, query string) ([]domain.Passage, error)
}

// MonsterFetcher rolls a random monster from the SRD API.
type MonsterFetcher interface {
	Random(ctx context.Context) (*domain.Monster, error)
}

// SessionStore holds the per-tab monster slot.
type SessionStore interface {
	GetSession(ctx context.Context, userID, sessionID string) (*domain.ChatSession, error)
	SetMonster(ctx context.Context, userID, sessionID string, monster *domain.Monster) error
	DeleteSession(ctx context.Context, userID, sessionID string) error
}

// Deps lists the collaborators of a Service. All fields except Query are required.
type Deps struct {
	Retriever Retriever
	Source    completion.Source
	Composer  *prompt.Composer
	Sessions  SessionStore
	Monsters  MonsterFetcher
	Relay     *relay.Relay
	// Query replaces the latest human message as the retrieval query when set.
	Query string
}

// Service runs the retrieve, compose, stream pipeline for one question.
type Service struct {
	retriever Retriever
	source    completion.Source
	composer  *prompt.Composer
	sessions  SessionStore
	monsters  MonsterFetcher
	relay     *relay.Relay
	query     string
}

// NewService validates deps and builds a Service.
func NewService(deps Deps) (*Service, error) {
	switch {
	case deps.Retriever == nil:
		return nil, errors.New("chat service: retriever is required")
	case deps.Source == nil:
		return nil, errors.New("chat service: completion source is required")
	case deps.Composer == nil:
		return nil, errors.New("chat service: composer is required")
	case deps.Sessions == nil:
		return nil, errors.New("chat service: session store is required")
	case deps.Monsters == nil:
		return nil, errors.New("chat service: monster fetcher is required")
	}
	r := deps.Relay
	if r == nil {
		r = relay.New(0, 0)
	}
	return &Service{
		retriever: deps.Retriever,
		source:    deps.Source,
		composer:  deps.Composer,
		sessions:  deps.Sessions,
		monsters:  deps.Monsters,
		relay:     r,
		query:     deps.Query,
	}, nil
}

// Answer streams the Dungeon Master's reply into sink. Errors that are not a
// *relay.Error happened before anything was written.
func (s *Service) Answer(ctx context.Context, userID, sessionID string, q Question, sink relay.Sink) (relay.Stats, error) {
	ctx, span := tracer.Start(ctx, "chat.question")
	defer span.End()
	span.SetAttributes(attribute.Int("history", len(q.History)))

	messages, err := s.compose(ctx, userID, sessionID, q)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "prepare failed")
		return relay.Stats{}, err
	}

	stats, err := s.relay.Run(ctx, s.source.Stream(ctx, messages), sink)
	span.SetAttributes(
		attribute.Int("fragments", stats.Fragments),
		attribute.Int64("bytes", stats.Bytes),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "relay failed")
	}
	return stats, err
}

func (s *Service) compose(ctx context.Context, userID, sessionID string, q Question) ([]prompt.Message, error) {
	query := s.query
	if query == "" {
		query = q.History.LastHuman()
	}
	passages, err := s.retriever.Retrieve(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("retrieve passages: %w", err)
	}

	var auxiliary string
	session, err := s.sessions.GetSession(ctx, userID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if session.HasMonster() {
		auxiliary = session.Monster.PromptText()
	}

	messages, err := s.composer.ComposeInput(prompt.Input{
		History:      q.History,
		Context:      domain.ContextBlock(passages),
		Auxiliary:    auxiliary,
		Instructions: q.Instructions,
	})
	if err != nil {
		return nil, fmt.Errorf("compose prompt: %w", err)
	}
	return messages, nil
}

// Reset drops the session's server-side state.
func (s *Service) Reset(ctx context.Context, userID, sessionID string) error {
	if err := s.sessions.DeleteSession(ctx, userID, sessionID); err != nil {
		return fmt.Errorf("reset session: %w", err)
	}
	return nil
}

// NewMonster rolls a monster and stores it in the session slot, replacing any
// previous one. When the roll fails the slot is cleared.
func (s *Service) NewMonster(ctx context.Context, userID, sessionID string) (*domain.Monster, error) {
	m, err := s.monsters.Random(ctx)
	if err != nil {
		if clearErr := s.sessions.SetMonster(ctx, userID, sessionID, nil); clearErr != nil {
			slog.Warn("Failed to clear monster slot", "user_id", userID, "session_id", sessionID, "error", clearErr)
		}
		return nil, err
	}
	if err := s.sessions.SetMonster(ctx, userID, sessionID, m); err != nil {
		return nil, fmt.Errorf("store monster: %w", err)
	}
	return m, nil
}
