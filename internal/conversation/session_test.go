package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/ashureev/dndgpt/internal/domain"
	"github.com/ashureev/dndgpt/internal/identity"
	"github.com/ashureev/dndgpt/internal/relay"
)

// fakeServer mimics the dndgpt routes.
type fakeServer struct {
	mu        sync.Mutex
	chunks    [][]byte
	status    int
	monster   *domain.Monster
	resetCode int
	sessions  []string
	received  domain.Conversation
}

func (f *fakeServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /question", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		var body struct {
			Messages domain.Conversation `json:"messages"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.received = body.Messages
		f.mu.Unlock()

		if f.status != 0 {
			http.Error(w, "An error occurred while streaming.", f.status)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		for _, c := range f.chunks {
			_, _ = w.Write(c)
			w.(http.Flusher).Flush()
		}
	})
	mux.HandleFunc("POST /reset", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		if f.resetCode != 0 {
			http.Error(w, "Failed to reset conversation.", f.resetCode)
			return
		}
		_, _ = w.Write([]byte("Conversation reset."))
	})
	mux.HandleFunc("POST /new-monster", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		w.Header().Set("Content-Type", "application/json")
		if f.monster == nil {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error":"Failed to fetch a random monster."}`))
			return
		}
		_ = json.NewEncoder(w).Encode(f.monster)
	})
	return mux
}

func (f *fakeServer) record(r *http.Request) {
	f.mu.Lock()
	f.sessions = append(f.sessions, r.Header.Get(identity.SessionHeaderName))
	f.mu.Unlock()
}

func newSession(t *testing.T, f *fakeServer) (*Session, *MemoryStorage) {
	t.Helper()
	return newSessionWith(t, f.handler())
}

func newSessionWith(t *testing.T, h http.Handler) (*Session, *MemoryStorage) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	storage := NewMemoryStorage()
	reducer, err := NewReducer(storage)
	if err != nil {
		t.Fatalf("NewReducer failed: %v", err)
	}
	return NewSession(reducer, NewClient(srv.URL, "tab-7")), storage
}

func TestSessionSend(t *testing.T) {
	f := &fakeServer{chunks: [][]byte{[]byte("Once "), []byte("upon "), []byte("a time")}}
	s, _ := newSession(t, f)

	var seen []string
	if err := s.Send(context.Background(), "Hello", func(frag string) { seen = append(seen, frag) }); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	got := s.Reducer().Conversation()
	if len(got) != 2 || got[0].Content != "Hello" || got[1].Content != "Once upon a time" {
		t.Fatalf("conversation = %+v", got)
	}
	if strings.Join(seen, "") != "Once upon a time" {
		t.Errorf("fragments = %q", seen)
	}
	if len(f.received) != 1 || f.received[0].Role != domain.RoleHuman {
		t.Errorf("server received %+v", f.received)
	}
	if f.sessions[0] != "tab-7" {
		t.Errorf("session header = %q", f.sessions[0])
	}
	if s.Reducer().Busy() {
		t.Error("busy after Send")
	}
}

func TestSessionSendHoldsSplitRunes(t *testing.T) {
	dragon := []byte("Drache: 🐉 ß")
	// Split inside the four-byte emoji and inside the two-byte ß.
	emoji := strings.Index(string(dragon), "🐉")
	sharp := strings.Index(string(dragon), "ß")
	f := &fakeServer{chunks: [][]byte{dragon[:emoji+2], dragon[emoji+2 : sharp+1], dragon[sharp+1:]}}
	s, _ := newSession(t, f)

	var seen []string
	if err := s.Send(context.Background(), "Hello", func(frag string) { seen = append(seen, frag) }); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	for _, frag := range seen {
		if strings.ContainsRune(frag, utf8.RuneError) {
			t.Fatalf("fragment %q contains a replacement character", frag)
		}
	}
	if got := s.Reducer().Conversation()[1].Content; got != string(dragon) {
		t.Errorf("reply = %q", got)
	}
}

func TestSessionSendServerError(t *testing.T) {
	f := &fakeServer{status: http.StatusInternalServerError}
	s, _ := newSession(t, f)

	err := s.Send(context.Background(), "Hello", nil)
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected StatusError 500, got %v", err)
	}
	got := s.Reducer().Conversation()
	if len(got) != 2 || got[1].Content != FallbackMessage {
		t.Fatalf("conversation = %+v", got)
	}
	if s.Reducer().Busy() {
		t.Error("busy after failed Send")
	}
}

func TestSessionSendEmptyReply(t *testing.T) {
	s, _ := newSessionWith(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		empty := func(func(string, error) bool) {}
		if _, err := relay.New(0, 0).Run(r.Context(), empty, relay.NewHTTPSink(w)); err != nil {
			t.Errorf("relay failed: %v", err)
		}
	}))

	if err := s.Send(context.Background(), "Hello", nil); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	got := s.Reducer().Conversation()
	if len(got) != 1 || got[0].Content != "Hello" {
		t.Fatalf("conversation = %+v", got)
	}
	if s.Reducer().Busy() {
		t.Error("busy after empty reply")
	}
}

func TestSessionSendTruncatedReply(t *testing.T) {
	s, _ := newSessionWith(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		conn, buf, err := http.NewResponseController(w).Hijack()
		if err != nil {
			t.Errorf("hijack failed: %v", err)
			return
		}
		defer conn.Close()
		// One chunk of a chunked body, then the connection drops.
		_, _ = buf.WriteString("HTTP/1.1 200 OK\r\nContent-Type: text/plain; charset=utf-8\r\nTransfer-Encoding: chunked\r\n\r\n")
		_, _ = buf.WriteString("5\r\nOnce \r\n")
		_ = buf.Flush()
	}))

	var seen []string
	err := s.Send(context.Background(), "Hello", func(frag string) { seen = append(seen, frag) })
	if err == nil {
		t.Fatal("expected error for a truncated reply")
	}
	if strings.Join(seen, "") != "Once " {
		t.Errorf("fragments = %q", seen)
	}
	got := s.Reducer().Conversation()
	if len(got) != 3 || got[1].Content != "Once " || got[2].Content != FallbackMessage {
		t.Fatalf("conversation = %+v", got)
	}
	if s.Reducer().Busy() {
		t.Error("busy after truncated reply")
	}
}

func TestSessionRandomMonster(t *testing.T) {
	f := &fakeServer{monster: &domain.Monster{
		Name: "Goblin", ArmorClass: 15, HitPoints: 7,
		Actions: []domain.MonsterAction{{Name: "Scimitar"}, {Name: "Shortbow"}},
	}}
	s, _ := newSession(t, f)

	m, err := s.RandomMonster(context.Background())
	if err != nil {
		t.Fatalf("RandomMonster failed: %v", err)
	}
	if m.Name != "Goblin" {
		t.Errorf("monster = %+v", m)
	}
	got := s.Reducer().Conversation()
	if len(got) != 1 || got[0].Content != "**Goblin**\nAC: 15\nHP: 7\nActions: Scimitar, Shortbow" {
		t.Fatalf("conversation = %+v", got)
	}
	if s.Reducer().Busy() {
		t.Error("busy after monster fetch")
	}
}

func TestSessionRandomMonsterFailure(t *testing.T) {
	s, _ := newSession(t, &fakeServer{})

	if _, err := s.RandomMonster(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	got := s.Reducer().Conversation()
	if len(got) != 1 || got[0].Role != domain.RoleAssistant || got[0].Content != MonsterFallback {
		t.Fatalf("conversation = %+v", got)
	}
}

func TestSessionReset(t *testing.T) {
	f := &fakeServer{chunks: [][]byte{[]byte("Hi")}}
	s, storage := newSession(t, f)
	if err := s.Send(context.Background(), "Hello", nil); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if err := s.Reset(context.Background()); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if len(s.Reducer().Conversation()) != 0 {
		t.Error("conversation not cleared")
	}
	if _, ok, _ := storage.Load(StorageKey); ok {
		t.Error("persisted key survived reset")
	}
}

func TestSessionResetKeepsHistoryWhenServerFails(t *testing.T) {
	f := &fakeServer{chunks: [][]byte{[]byte("Hi")}, resetCode: http.StatusInternalServerError}
	s, _ := newSession(t, f)
	_ = s.Send(context.Background(), "Hello", nil)

	if err := s.Reset(context.Background()); err == nil {
		t.Fatal("expected reset error")
	}
	if len(s.Reducer().Conversation()) != 2 {
		t.Error("local history cleared despite server failure")
	}
}

func TestCompletePrefix(t *testing.T) {
	euro := []byte("€") // three bytes
	tests := []struct {
		in   []byte
		want int
	}{
		{[]byte("abc"), 3},
		{append([]byte("a"), euro[:1]...), 1},
		{append([]byte("a"), euro[:2]...), 1},
		{append([]byte("a"), euro...), 4},
		{nil, 0},
	}
	for _, tt := range tests {
		if got := completePrefix(tt.in); got != tt.want {
			t.Errorf("completePrefix(%v) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
