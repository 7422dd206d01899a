package telemetry

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
)

func TestMetricsExposition(t *testing.T) {
	m := NewMetrics()
	m.ObserveQuestion(OutcomeOK, 3, 150*time.Millisecond)
	m.ObserveQuestion(OutcomeFailed, 0, 0)
	m.ObserveMonsterFetch(nil)
	m.ObserveMonsterFetch(errors.New("upstream down"))
	m.ObserveIndexReload(nil)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	text := string(body)

	for _, want := range []string{
		`dndgpt_questions_total{outcome="ok"} 1`,
		`dndgpt_questions_total{outcome="failed"} 1`,
		`dndgpt_fragments_relayed_total 3`,
		`dndgpt_relay_duration_seconds_count 1`,
		`dndgpt_monster_fetch_total{outcome="error"} 1`,
		`dndgpt_index_reloads_total{outcome="ok"} 1`,
		`go_goroutines`,
	} {
		if !strings.Contains(text, want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveQuestion(OutcomeOK, 1, time.Second)
	m.ObserveMonsterFetch(nil)
	m.ObserveIndexReload(nil)
}

func TestInitTracingDisabled(t *testing.T) {
	shutdown, err := InitTracing(false, "")
	if err != nil {
		t.Fatalf("InitTracing failed: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown failed: %v", err)
	}
}

func TestInitTracingWritesSpans(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	dir := t.TempDir()
	shutdown, err := InitTracing(true, dir)
	if err != nil {
		t.Fatalf("InitTracing failed: %v", err)
	}

	_, span := otel.Tracer("test").Start(context.Background(), "chat.question")
	span.End()

	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "traces.log"))
	if err != nil {
		t.Fatalf("read trace file: %v", err)
	}
	if !strings.Contains(string(raw), "chat.question") {
		t.Errorf("span not exported: %s", raw)
	}
}
