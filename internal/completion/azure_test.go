package completion

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/openai/openai-go/v3/option"

	"github.com/ashureev/dndgpt/internal/config"
	"github.com/ashureev/dndgpt/internal/prompt"
)

func testClientConfig(url string) config.AzureConfig {
	return config.AzureConfig{
		APIKey:              "test-key",
		Endpoint:            url,
		APIVersion:          "2024-06-01",
		ChatDeployment:      "gpt-test",
		EmbeddingDeployment: "embed-test",
		Temperature:         0.5,
	}
}

func chunkJSON(content string) string {
	return fmt.Sprintf(`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"gpt-test","choices":[{"index":0,"delta":{"content":%q},"finish_reason":null}]}`, content)
}

func TestAzureSourceStreamsDeltas(t *testing.T) {
	var gotBody map[string]any
	var gotQuery, gotKey, gotPath string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.Query().Get("api-version")
		gotKey = r.Header.Get("Api-Key")
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)

		w.Header().Set("Content-Type", "text/event-stream")
		for _, c := range []string{"Once ", "", "upon ", "a time"} {
			fmt.Fprintf(w, "data: %s\n\n", chunkJSON(c))
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	cfg := testClientConfig(srv.URL)
	client := NewAzureClient(cfg, option.WithHTTPClient(srv.Client()), option.WithMaxRetries(0))
	src := NewAzureSource(client, cfg.ChatDeployment, cfg.Temperature, 0)

	msgs := []prompt.Message{
		{Role: prompt.RoleSystem, Content: "You are the DM."},
		{Role: prompt.RoleUser, Content: "Hello"},
	}

	var fragments []string
	for frag, err := range src.Stream(context.Background(), msgs) {
		if err != nil {
			t.Fatalf("unexpected stream error: %v", err)
		}
		fragments = append(fragments, frag)
	}

	if got := strings.Join(fragments, "|"); got != "Once |upon |a time" {
		t.Errorf("fragments = %q", got)
	}
	if !strings.HasSuffix(gotPath, "/chat/completions") {
		t.Errorf("path = %q", gotPath)
	}
	if gotQuery != "2024-06-01" {
		t.Errorf("api-version = %q", gotQuery)
	}
	if gotKey != "test-key" {
		t.Errorf("api key header = %q", gotKey)
	}
	if gotBody["temperature"] != 0.5 {
		t.Errorf("temperature = %v", gotBody["temperature"])
	}
	if gotBody["stream"] != true {
		t.Errorf("stream = %v", gotBody["stream"])
	}
	sent, _ := gotBody["messages"].([]any)
	if len(sent) != 2 {
		t.Fatalf("sent %d messages, want 2", len(sent))
	}
	first, _ := sent[0].(map[string]any)
	if first["role"] != "system" {
		t.Errorf("first role = %v", first["role"])
	}
}

func TestAzureSourceReportsUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"message":"bad deployment","type":"invalid_request_error"}}`)
	}))
	defer srv.Close()

	cfg := testClientConfig(srv.URL)
	client := NewAzureClient(cfg, option.WithHTTPClient(srv.Client()), option.WithMaxRetries(0))
	src := NewAzureSource(client, cfg.ChatDeployment, cfg.Temperature, 0)

	var errs int
	var fragments int
	for frag, err := range src.Stream(context.Background(), []prompt.Message{{Role: prompt.RoleUser, Content: "hi"}}) {
		if err != nil {
			errs++
			continue
		}
		if frag != "" {
			fragments++
		}
	}
	if errs != 1 || fragments != 0 {
		t.Fatalf("errs=%d fragments=%d, want exactly one error and no fragments", errs, fragments)
	}
}

func TestToOpenAIMessagesMapsRoles(t *testing.T) {
	msgs := ToOpenAIMessages([]prompt.Message{
		{Role: prompt.RoleSystem, Content: "s"},
		{Role: prompt.RoleUser, Content: "u"},
		{Role: prompt.RoleAssistant, Content: "a"},
		{Role: prompt.Role("tool"), Content: "t"},
	})
	if len(msgs) != 4 {
		t.Fatalf("got %d messages", len(msgs))
	}
	if msgs[0].OfSystem == nil || msgs[1].OfUser == nil || msgs[2].OfAssistant == nil || msgs[3].OfUser == nil {
		t.Errorf("unexpected role mapping: %+v", msgs)
	}
}

func TestAzureEmbedderOrdersByIndexAndBatches(t *testing.T) {
	var requests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		var body struct {
			Input []string `json:"input"`
		}
		raw, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(raw, &body); err != nil {
			t.Errorf("decode body: %v", err)
		}

		type datum struct {
			Object    string    `json:"object"`
			Index     int       `json:"index"`
			Embedding []float64 `json:"embedding"`
		}
		data := make([]datum, 0, len(body.Input))
		// Reverse order, the client must place vectors by index.
		for i := len(body.Input) - 1; i >= 0; i-- {
			data = append(data, datum{Object: "embedding", Index: i, Embedding: []float64{float64(len(body.Input[i])), 1}})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"model":  "embed-test",
			"data":   data,
			"usage":  map[string]int{"prompt_tokens": 1, "total_tokens": 1},
		})
	}))
	defer srv.Close()

	cfg := testClientConfig(srv.URL)
	client := NewAzureClient(cfg, option.WithHTTPClient(srv.Client()), option.WithMaxRetries(0))
	emb := NewAzureEmbedder(client, cfg.EmbeddingDeployment, 2)

	vectors, err := emb.EmbedBatch(context.Background(), []string{"a", "bb", "ccc"})
	if err != nil {
		t.Fatalf("EmbedBatch failed: %v", err)
	}
	if requests != 2 {
		t.Errorf("requests = %d, want 2", requests)
	}
	for i, want := range []float32{1, 2, 3} {
		if vectors[i][0] != want {
			t.Errorf("vector %d = %v, want first component %v", i, vectors[i], want)
		}
	}

	single, err := emb.Embed(context.Background(), "dddd")
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	if single[0] != 4 {
		t.Errorf("Embed() = %v", single)
	}
}
