package config

import (
	"strings"
	"testing"
	"time"
)

func setAzureEnv(t *testing.T) {
	t.Helper()
	t.Setenv("AZURE_OPENAI_API_KEY", "test-key")
	t.Setenv("AZURE_OPENAI_API_INSTANCE_NAME", "dnd")
	t.Setenv("AZURE_OPENAI_API_DEPLOYMENT_NAME", "gpt-4o")
	t.Setenv("AZURE_EMBEDDING_DEPLOYMENT_NAME", "text-embedding-3-small")
}

func TestLoadDefaults(t *testing.T) {
	setAzureEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Port != "8000" {
		t.Errorf("Port = %q, want 8000", cfg.Port)
	}
	if cfg.Stream.Delay != 50*time.Millisecond {
		t.Errorf("Stream.Delay = %v, want 50ms", cfg.Stream.Delay)
	}
	if cfg.Retrieval.TopK != 5 {
		t.Errorf("Retrieval.TopK = %d, want 5", cfg.Retrieval.TopK)
	}
	if cfg.Retrieval.ChunkSize != 100 || cfg.Retrieval.ChunkOverlap != 50 {
		t.Errorf("unexpected chunking defaults: %+v", cfg.Retrieval)
	}
	if got := cfg.Azure.BaseURL(); got != "https://dnd.openai.azure.com/" {
		t.Errorf("BaseURL() = %q", got)
	}
	if !cfg.IsDevelopment() {
		t.Error("expected development mode without FRONTEND_URL")
	}
}

func TestLoadMissingAzureCredentialsFails(t *testing.T) {
	setAzureEnv(t)
	t.Setenv("AZURE_OPENAI_API_KEY", "")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error when AZURE_OPENAI_API_KEY is empty")
	}
	if !strings.Contains(err.Error(), "AZURE_OPENAI_API_KEY") {
		t.Errorf("error should name the missing key: %v", err)
	}
}

func TestLoadMissingEmbeddingDeploymentFails(t *testing.T) {
	setAzureEnv(t)
	t.Setenv("AZURE_EMBEDDING_DEPLOYMENT_NAME", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected error when AZURE_EMBEDDING_DEPLOYMENT_NAME is empty")
	}
}

func TestLoadExplicitEndpointWins(t *testing.T) {
	setAzureEnv(t)
	t.Setenv("AZURE_OPENAI_ENDPOINT", "https://custom.example.com")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got := cfg.Azure.BaseURL(); got != "https://custom.example.com/" {
		t.Errorf("BaseURL() = %q", got)
	}
}

func TestLoadStreamDelayFormats(t *testing.T) {
	tests := []struct {
		value string
		want  time.Duration
	}{
		{"120ms", 120 * time.Millisecond},
		{"75", 75 * time.Millisecond},
		{"0", 0},
		{"bogus", 50 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			setAzureEnv(t)
			t.Setenv("STREAM_DELAY", tt.value)
			cfg, err := Load()
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if cfg.Stream.Delay != tt.want {
				t.Errorf("Stream.Delay = %v, want %v", cfg.Stream.Delay, tt.want)
			}
		})
	}
}

func TestValidateChunkOverlap(t *testing.T) {
	setAzureEnv(t)
	t.Setenv("CHUNK_SIZE", "50")
	t.Setenv("CHUNK_OVERLAP", "50")

	if _, err := Load(); err == nil {
		t.Fatal("expected error when overlap >= chunk size")
	}
}

func TestAllowedOrigins(t *testing.T) {
	cfg := &Config{FrontendURL: "https://dnd.example.com"}
	got := cfg.AllowedOrigins()
	if len(got) != 1 || got[0] != "https://dnd.example.com" {
		t.Errorf("AllowedOrigins() = %v", got)
	}
}
