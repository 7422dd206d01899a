// Package monster fetches random creatures from the D&D 5e SRD REST API.
package monster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ashureev/dndgpt/internal/domain"
)

const maxBodySize = 1 << 20

var tracer = otel.Tracer("github.com/ashureev/dndgpt/internal/monster")

// ErrNoMonsters is returned when the listing is empty.
var ErrNoMonsters = errors.New("monster listing is empty")

// Client picks a random monster from the first page of the listing and
// fetches its full record.
type Client struct {
	baseURL  string
	pageSize int
	http     *http.Client
	pick     func(n int) int
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithPicker replaces the uniform random choice. pick receives the page
// length and returns an index in [0, n).
func WithPicker(pick func(n int) int) Option {
	return func(c *Client) { c.pick = pick }
}

// NewClient creates a client for the API rooted at baseURL.
func NewClient(baseURL string, pageSize int, timeout time.Duration, opts ...Option) *Client {
	if pageSize <= 0 {
		pageSize = 50
	}
	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		pageSize: pageSize,
		http:     &http.Client{Timeout: timeout},
		pick:     rand.IntN,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type listing struct {
	Count   int `json:"count"`
	Results []struct {
		Index string `json:"index"`
		Name  string `json:"name"`
		URL   string `json:"url"`
	} `json:"results"`
}

// Random returns one monster chosen uniformly from the first page.
func (c *Client) Random(ctx context.Context) (*domain.Monster, error) {
	ctx, span := tracer.Start(ctx, "monster.random")
	defer span.End()

	m, err := c.random(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		return nil, err
	}
	span.SetAttributes(attribute.String("monster", m.Index))
	return m, nil
}

func (c *Client) random(ctx context.Context) (*domain.Monster, error) {
	var list listing
	if err := c.getJSON(ctx, c.baseURL+"/api/monsters", &list); err != nil {
		return nil, fmt.Errorf("list monsters: %w", err)
	}

	page := list.Results
	if len(page) > c.pageSize {
		page = page[:c.pageSize]
	}
	if len(page) == 0 {
		return nil, ErrNoMonsters
	}
	choice := page[c.pick(len(page))]

	detailURL := choice.URL
	if detailURL == "" {
		detailURL = "/api/monsters/" + choice.Index
	}
	if strings.HasPrefix(detailURL, "/") {
		detailURL = c.baseURL + detailURL
	}

	var m domain.Monster
	if err := c.getJSON(ctx, detailURL, &m); err != nil {
		return nil, fmt.Errorf("get monster %s: %w", choice.Index, err)
	}
	if m.Name == "" {
		return nil, fmt.Errorf("get monster %s: record has no name", choice.Index)
	}
	return &m, nil
}

func (c *Client) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodySize)).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
