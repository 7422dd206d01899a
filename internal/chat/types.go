// Package chat serves the Dungeon Master question, reset and monster routes.
package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/ashureev/dndgpt/internal/domain"
)

// ErrNoMessages is returned when a request carries neither messages nor a question.
var ErrNoMessages = errors.New("messages are required")

// QuestionRequest is the /question body. Messages is the current shape;
// System and Question are the earlier one and are still accepted.
type QuestionRequest struct {
	Messages domain.Conversation `json:"messages"`
	System   string              `json:"system,omitempty"`
	Question string              `json:"question,omitempty"`
}

// Question is a validated request ready for the pipeline.
type Question struct {
	History      domain.Conversation
	Instructions string
}

// DecodeQuestion parses and validates a /question body.
func DecodeQuestion(r io.Reader) (Question, error) {
	var req QuestionRequest
	dec := json.NewDecoder(r)
	if err := dec.Decode(&req); err != nil {
		return Question{}, fmt.Errorf("decode question: %w", err)
	}
	return req.Normalize()
}

// Normalize folds the legacy shapes into a history and validates roles.
func (q QuestionRequest) Normalize() (Question, error) {
	history := q.Messages.Clone()
	if len(history) == 0 && strings.TrimSpace(q.Question) != "" {
		history = domain.Conversation{{Role: domain.RoleHuman, Content: q.Question}}
	}
	if len(history) == 0 {
		return Question{}, ErrNoMessages
	}
	if err := history.Validate(); err != nil {
		return Question{}, err
	}
	return Question{History: history, Instructions: q.System}, nil
}
