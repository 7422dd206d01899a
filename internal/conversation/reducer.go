// Package conversation holds the client-side chat state: the reducer that
// reconciles streamed fragments into the history, its persistence, and an
// HTTP client for the dndgpt server.
package conversation

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/ashureev/dndgpt/internal/domain"
)

const (
	// StorageKey is the fixed key the history is persisted under.
	StorageKey = "myChatHistory"
	// FallbackMessage replaces a reply that failed to stream.
	FallbackMessage = "An error occurred while processing your request."
)

var (
	// ErrEmptyDraft is returned when submitting a blank draft.
	ErrEmptyDraft = errors.New("draft is empty")
	// ErrBusy is returned while a submission or fetch is in flight.
	ErrBusy = errors.New("a request is already in flight")
)

// Reducer owns one conversation. It is safe for concurrent use.
type Reducer struct {
	mu      sync.Mutex
	conv    domain.Conversation
	draft   string
	busy    bool
	total   strings.Builder
	storage Storage
}

// NewReducer restores the conversation persisted in storage, if any.
// A nil storage keeps the history in memory only.
func NewReducer(storage Storage) (*Reducer, error) {
	if storage == nil {
		storage = NewMemoryStorage()
	}
	r := &Reducer{storage: storage, conv: domain.Conversation{}}

	raw, ok, err := storage.Load(StorageKey)
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	if ok {
		var conv domain.Conversation
		if err := json.Unmarshal(raw, &conv); err != nil {
			slog.Warn("Discarding unreadable saved conversation", "error", err)
		} else if conv != nil {
			r.conv = conv
		}
	}
	return r, nil
}

// Conversation returns a copy of the history.
func (r *Reducer) Conversation() domain.Conversation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conv.Clone()
}

// Busy reports whether a submission or fetch is in flight.
func (r *Reducer) Busy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.busy
}

// Draft returns the pending input.
func (r *Reducer) Draft() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.draft
}

// SetDraft replaces the pending input.
func (r *Reducer) SetDraft(s string) {
	r.mu.Lock()
	r.draft = s
	r.mu.Unlock()
}

// Submit appends the draft as a human message and returns the history to send.
func (r *Reducer) Submit() (domain.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if strings.TrimSpace(r.draft) == "" {
		return nil, ErrEmptyDraft
	}
	if r.busy {
		return nil, ErrBusy
	}

	r.conv = append(r.conv, domain.Message{Role: domain.RoleHuman, Content: r.draft})
	r.draft = ""
	r.busy = true
	r.total.Reset()
	r.persist()
	return r.conv.Clone(), nil
}

// Receive folds one fragment into the reply being streamed. The assistant
// entry always holds the running total, never just the latest fragment.
func (r *Reducer) Receive(fragment string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.total.WriteString(fragment)

	if n := len(r.conv); n > 0 && r.conv[n-1].Role == domain.RoleAssistant {
		r.conv[n-1].Content = r.total.String()
	} else {
		r.conv = append(r.conv, domain.Message{Role: domain.RoleAssistant, Content: r.total.String()})
	}
	r.persist()
}

// Complete ends the in-flight request.
func (r *Reducer) Complete() {
	r.mu.Lock()
	r.busy = false
	r.mu.Unlock()
}

// Fail appends the fallback reply and ends the in-flight request.
func (r *Reducer) Fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	slog.Debug("Reply failed", "error", err)
	r.conv = append(r.conv, domain.Message{Role: domain.RoleAssistant, Content: FallbackMessage})
	r.busy = false
	r.persist()
}

// Begin marks a non-chat request, such as a monster fetch, as in flight.
func (r *Reducer) Begin() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.busy {
		return ErrBusy
	}
	r.busy = true
	return nil
}

// AppendAssistant adds a complete assistant message.
func (r *Reducer) AppendAssistant(content string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conv = append(r.conv, domain.Message{Role: domain.RoleAssistant, Content: content})
	r.persist()
}

// Reset empties the conversation and removes the persisted copy.
func (r *Reducer) Reset() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conv = domain.Conversation{}
	r.total.Reset()
	if err := r.storage.Delete(StorageKey); err != nil {
		return fmt.Errorf("delete saved conversation: %w", err)
	}
	return nil
}

// persist must be called with mu held. Save errors are logged; the in-memory
// history stays authoritative.
func (r *Reducer) persist() {
	raw, err := json.Marshal(r.conv)
	if err != nil {
		slog.Warn("Failed to encode conversation", "error", err)
		return
	}
	if err := r.storage.Save(StorageKey, raw); err != nil {
		slog.Warn("Failed to save conversation", "error", err)
	}
}
