// Package prompt builds the message list sent to the completion source.
//
// The system message is rendered from a template with three declared
// injection points: Context (retrieved rulebook passages), Monster (the
// session's auxiliary record) and Instructions (caller-supplied system text).
// All three are untrusted and are interpolated verbatim: nothing is escaped
// or filtered, so anything resembling instructions inside them reaches the
// model unchanged. MaxInjection bounds their length; it does not sanitize.
package prompt

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/ashureev/dndgpt/internal/domain"
)

// Role is the upstream chat-completion role vocabulary.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of a composed prompt.
type Message struct {
	Role    Role
	Content string
}

// DefaultTemplate is the Dungeon Master system prompt.
const DefaultTemplate = `You are the Dungeon Master of a Dungeons & Dragons game. Narrate vividly, keep the story moving and ask the players what they do next.

Only use information from the following datasource, answer in English. Do not use answers which are not included in the datasource.

Datasource:
{{.Context}}
{{- if .Monster}}

The party is currently facing this monster. Use its statistics whenever it appears in the story:
{{.Monster}}
{{- end}}
{{- if .Instructions}}

Additional instructions:
{{.Instructions}}
{{- end}}`

// Input carries everything one composition needs.
type Input struct {
	History      domain.Conversation
	Context      string
	Auxiliary    string
	Instructions string
}

// templateData names the injection points visible to the template.
type templateData struct {
	Context      string
	Monster      string
	Instructions string
}

// Composer renders system prompts. It is safe for concurrent use.
type Composer struct {
	tmpl         *template.Template
	maxInjection int
}

// Option configures a Composer.
type Option func(*composerOptions)

type composerOptions struct {
	text         string
	maxInjection int
}

// WithTemplate replaces the default system template.
func WithTemplate(text string) Option {
	return func(o *composerOptions) { o.text = text }
}

// WithMaxInjection caps each injection point at n runes. Zero disables the cap.
func WithMaxInjection(n int) Option {
	return func(o *composerOptions) { o.maxInjection = n }
}

// NewComposer parses the system template.
func NewComposer(opts ...Option) (*Composer, error) {
	o := composerOptions{text: DefaultTemplate}
	for _, opt := range opts {
		opt(&o)
	}
	if o.maxInjection < 0 {
		return nil, fmt.Errorf("max injection must be >= 0, got %d", o.maxInjection)
	}

	tmpl, err := template.New("system").Option("missingkey=error").Parse(o.text)
	if err != nil {
		return nil, fmt.Errorf("parse system template: %w", err)
	}
	return &Composer{tmpl: tmpl, maxInjection: o.maxInjection}, nil
}

// Compose emits the system message followed by history in order.
func (c *Composer) Compose(history domain.Conversation, contextBlock, auxiliary string) ([]Message, error) {
	return c.ComposeInput(Input{History: history, Context: contextBlock, Auxiliary: auxiliary})
}

// ComposeInput is Compose with caller-supplied instructions.
func (c *Composer) ComposeInput(in Input) ([]Message, error) {
	system, err := c.System(in.Context, in.Auxiliary, in.Instructions)
	if err != nil {
		return nil, err
	}

	out := make([]Message, 0, len(in.History)+1)
	out = append(out, Message{Role: RoleSystem, Content: system})
	for _, m := range in.History {
		out = append(out, Message{Role: upstreamRole(m.Role), Content: m.Content})
	}
	return out, nil
}

// System renders only the system message text.
func (c *Composer) System(contextBlock, auxiliary, instructions string) (string, error) {
	var sb strings.Builder
	err := c.tmpl.Execute(&sb, templateData{
		Context:      c.bound(contextBlock),
		Monster:      c.bound(auxiliary),
		Instructions: c.bound(instructions),
	})
	if err != nil {
		return "", fmt.Errorf("render system template: %w", err)
	}
	return sb.String(), nil
}

func (c *Composer) bound(s string) string {
	if c.maxInjection == 0 {
		return s
	}
	return truncateRunes(s, c.maxInjection)
}

func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}

// upstreamRole maps client roles onto the completion API vocabulary. Callers
// validate history first; anything other than assistant is sent as user.
func upstreamRole(r domain.Role) Role {
	if r == domain.RoleAssistant {
		return RoleAssistant
	}
	return RoleUser
}
