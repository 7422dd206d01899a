package domain

import (
	"errors"
	"fmt"
)

// Role identifies who authored a chat message.
type Role string

const (
	// RoleHuman marks a message typed by the player.
	RoleHuman Role = "human"
	// RoleAssistant marks a message produced by the Dungeon Master.
	RoleAssistant Role = "assistant"
	// RoleSystem is only produced by the prompt composer and never accepted from clients.
	RoleSystem Role = "system"
)

// ErrInvalidRole is returned when a client message carries an unknown role.
var ErrInvalidRole = errors.New("invalid message role")

// Message is one role-tagged turn.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Conversation is an ordered sequence of messages.
type Conversation []Message

// Last returns the final message, if any.
func (c Conversation) Last() (Message, bool) {
	if len(c) == 0 {
		return Message{}, false
	}
	return c[len(c)-1], true
}

// Clone returns a copy that shares no backing array with c.
func (c Conversation) Clone() Conversation {
	if c == nil {
		return nil
	}
	out := make(Conversation, len(c))
	copy(out, c)
	return out
}

// Validate checks that every entry is a human or assistant turn.
func (c Conversation) Validate() error {
	for i, m := range c {
		if m.Role != RoleHuman && m.Role != RoleAssistant {
			return fmt.Errorf("message %d: %w: %q", i, ErrInvalidRole, m.Role)
		}
	}
	return nil
}

// LastHuman returns the content of the most recent human turn.
func (c Conversation) LastHuman() string {
	for i := len(c) - 1; i >= 0; i-- {
		if c[i].Role == RoleHuman {
			return c[i].Content
		}
	}
	return ""
}
