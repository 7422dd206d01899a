package domain

import (
	"time"
)

// ChatSession is the server-side state held for one browser tab. Conversation
// history is never stored here; the client sends it with every request.
type ChatSession struct {
	UserID    string
	SessionID string
	Monster   *Monster
	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasMonster reports whether a monster record is attached to the session.
func (s *ChatSession) HasMonster() bool {
	return s != nil && s.Monster != nil
}
