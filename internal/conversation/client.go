package conversation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"unicode/utf8"

	"github.com/ashureev/dndgpt/internal/domain"
	"github.com/ashureev/dndgpt/internal/identity"
)

// ErrNoBody is returned when a response carries no body at all. An empty
// body (http.NoBody) is a successful reply with no text.
var ErrNoBody = errors.New("response has no readable body")

const readChunkSize = 4096

// StatusError is a non-2xx reply from the server.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.StatusCode)
	}
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// Client talks to the dndgpt HTTP routes as one browser tab would.
type Client struct {
	baseURL   string
	sessionID string
	http      *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the default cookie-keeping HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) { cl.http = c }
}

// NewClient creates a client for the server at baseURL. sessionID is sent
// with every request so the server can key the monster slot per tab.
func NewClient(baseURL, sessionID string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		sessionID: sessionID,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		// cookiejar.New only fails on a bad PublicSuffixList, and none is given.
		jar, _ := cookiejar.New(nil)
		c.http = &http.Client{Jar: jar}
	}
	return c
}

// Ask posts history to /question and yields reply text as it arrives.
// Multi-byte characters split across reads are held until complete.
func (c *Client) Ask(ctx context.Context, history domain.Conversation) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		body, err := json.Marshal(struct {
			Messages domain.Conversation `json:"messages"`
		}{Messages: history})
		if err != nil {
			yield("", fmt.Errorf("encode question: %w", err))
			return
		}

		resp, err := c.do(ctx, "/question", "application/json", bytes.NewReader(body))
		if err != nil {
			yield("", err)
			return
		}
		if resp.Body == nil {
			yield("", ErrNoBody)
			return
		}
		defer resp.Body.Close()
		if err := checkStatus(resp); err != nil {
			yield("", err)
			return
		}

		dec := &streamDecoder{}
		buf := make([]byte, readChunkSize)
		for {
			n, readErr := resp.Body.Read(buf)
			if n > 0 {
				if text := dec.decode(buf[:n]); text != "" && !yield(text, nil) {
					return
				}
			}
			if errors.Is(readErr, io.EOF) {
				if text := dec.flush(); text != "" {
					yield(text, nil)
				}
				return
			}
			if readErr != nil {
				yield("", fmt.Errorf("read reply: %w", readErr))
				return
			}
		}
	}
}

// Reset asks the server to drop the tab's session state.
func (c *Client) Reset(ctx context.Context) error {
	resp, err := c.do(ctx, "/reset", "", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// NewMonster asks the server to roll a monster for the tab.
func (c *Client) NewMonster(ctx context.Context) (*domain.Monster, error) {
	resp, err := c.do(ctx, "/new-monster", "", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var m domain.Monster
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		return nil, fmt.Errorf("decode monster: %w", err)
	}
	return &m, nil
}

func (c *Client) do(ctx context.Context, path, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.sessionID != "" {
		req.Header.Set(identity.SessionHeaderName, c.sessionID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("POST %s: %w", path, err)
	}
	return resp, nil
}

// checkStatus reads a short error message from non-2xx replies. JSON bodies
// contribute their "error" field, plain-text bodies their trimmed text.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	msg := strings.TrimSpace(string(raw))
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		msg = body.Error
	}
	return &StatusError{StatusCode: resp.StatusCode, Message: msg}
}

// streamDecoder turns a byte stream into text without splitting runes.
type streamDecoder struct {
	pending []byte
}

func (d *streamDecoder) decode(p []byte) string {
	d.pending = append(d.pending, p...)
	cut := completePrefix(d.pending)
	text := strings.ToValidUTF8(string(d.pending[:cut]), string(utf8.RuneError))
	d.pending = append(d.pending[:0], d.pending[cut:]...)
	return text
}

// flush emits whatever is held; an incomplete trailing sequence becomes U+FFFD.
func (d *streamDecoder) flush() string {
	text := strings.ToValidUTF8(string(d.pending), string(utf8.RuneError))
	d.pending = d.pending[:0]
	return text
}

// completePrefix returns the length of b without a trailing incomplete rune.
func completePrefix(b []byte) int {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			if utf8.FullRune(b[i:]) {
				return len(b)
			}
			return i
		}
	}
	return len(b)
}
