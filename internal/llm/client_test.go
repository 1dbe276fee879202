package llm

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/nrosset/forgeagent/internal/models"
)

// newChatServer returns a test server that answers every chat/completions
// request with content, after failing the first failures requests with a 500.
func newChatServer(t *testing.T, content string, failures int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if int(calls.Add(1)) <= failures {
			http.Error(w, "upstream unavailable", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"choices":[{"message":{"content":%q}}],"usage":{"prompt_tokens":3,"completion_tokens":5,"total_tokens":8}}`, content)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func testClient(srv *httptest.Server) *Client {
	return &Client{baseURL: srv.URL, apiKey: "test-key", model: "test-model", httpClient: srv.Client()}
}

func TestNormalizeBaseURL(t *testing.T) {
	cases := []struct{ in, want string }{
		{"https://api.example.com/v1/chat/completions", "https://api.example.com/v1"},
		{"https://api.openai.com/v1/", "https://api.openai.com/v1"},
		{"https://api.example.com/v1/chat/completions/", "https://api.example.com/v1"},
		{"https://api.deepseek.com", "https://api.deepseek.com"},
		{"", ""},
	}
	for _, c := range cases {
		if got := normalizeBaseURL(c.in); got != c.want {
			t.Errorf("normalizeBaseURL(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestNewForModelResolvesRegistryEntry(t *testing.T) {
	t.Setenv("OPENAI_BASE_URL", "")
	t.Setenv("GROQ_BASE_URL", "")
	t.Setenv("OPENAI_API_KEY", "shared-key")
	t.Setenv("CUSTOM_KEY", "per-model-key")

	c := NewForModel(models.Info{ID: "llama-3.3-70b-versatile", Provider: "groq", APIKeyEnv: "CUSTOM_KEY"})
	if c.model != "llama-3.3-70b-versatile" {
		t.Errorf("model = %q", c.model)
	}
	if c.apiKey != "per-model-key" {
		t.Errorf("expected api_key_env credential to win, got %q", c.apiKey)
	}
	if c.baseURL != providerBaseURLs["groq"] {
		t.Errorf("expected groq default endpoint, got %q", c.baseURL)
	}
}

func TestNewForModelKeepsExplicitBaseURL(t *testing.T) {
	t.Setenv("OPENAI_BASE_URL", "https://proxy.internal/v1")
	t.Setenv("GROQ_BASE_URL", "")

	c := NewForModel(models.Info{ID: "gpt-4o-mini", Provider: "openai"})
	if c.baseURL != "https://proxy.internal/v1" {
		t.Errorf("explicit base URL must not be overridden, got %q", c.baseURL)
	}
}

func TestChatTextRetriesOnceOnTransportFailure(t *testing.T) {
	srv, calls := newChatServer(t, "recovered", 1)
	c := testClient(srv)

	got, err := c.ChatText(context.Background(), "sys", "user")
	if err != nil {
		t.Fatalf("expected the retry to succeed, got %v", err)
	}
	if got != "recovered" {
		t.Fatalf("got %q", got)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected exactly 2 requests, got %d", calls.Load())
	}
}

func TestChatJSONStrictParse(t *testing.T) {
	srv, _ := newChatServer(t, `{"notes":"plain"}`, 0)
	c := testClient(srv)

	out, err := ChatJSON[struct {
		Notes string `json:"notes"`
	}](context.Background(), c, "sys", "user")
	if err != nil {
		t.Fatal(err)
	}
	if out.Notes != "plain" {
		t.Fatalf("got %+v", out)
	}
}

func TestChatJSONStripsFencesAndThinkBlocks(t *testing.T) {
	body := "<think>reasoning</think>```json\n{\"notes\":\"fenced\"}\n```"
	srv, _ := newChatServer(t, body, 0)
	c := testClient(srv)

	out, err := ChatJSON[struct {
		Notes string `json:"notes"`
	}](context.Background(), c, "sys", "user")
	if err != nil {
		t.Fatal(err)
	}
	if out.Notes != "fenced" {
		t.Fatalf("got %+v", out)
	}
}

func TestChatJSONUnparseableIsAnError(t *testing.T) {
	srv, _ := newChatServer(t, "sorry, I cannot produce JSON", 0)
	c := testClient(srv)

	_, err := ChatJSON[struct{}](context.Background(), c, "sys", "user")
	if err == nil {
		t.Fatal("expected a parse error")
	}
}

func TestProposeEditStripsAccidentalFence(t *testing.T) {
	srv, _ := newChatServer(t, "```rust\nfn main() {}\n```", 0)
	c := testClient(srv)

	got, err := c.ProposeEdit(context.Background(), EditRequest{FilePath: "src/main.rs", Instruction: "add main"})
	if err != nil {
		t.Fatal(err)
	}
	if got != "fn main() {}" {
		t.Fatalf("got %q", got)
	}
	if strings.Contains(got, "```") {
		t.Fatalf("fence survived: %q", got)
	}
}

func TestProposePatchStripsFence(t *testing.T) {
	patch := "--- src/lib.rs\n+++ src/lib.rs\n@@ -1 +1 @@\n-old\n+new"
	srv, _ := newChatServer(t, "```diff\n"+patch+"\n```", 0)
	c := testClient(srv)

	got, err := c.ProposePatch(context.Background(), "error: mismatched types", "")
	if err != nil {
		t.Fatal(err)
	}
	if got != patch {
		t.Fatalf("got %q, want %q", got, patch)
	}
}

func TestStripThinkBlocks(t *testing.T) {
	cases := []struct{ in, want string }{
		{"<think>a</think>x", "x"},
		{"<think>a</think>x<think>b</think>y", "xy"},
		{"before<think>never closed", "before"},
		{"no tags here", "no tags here"},
	}
	for _, c := range cases {
		if got := StripThinkBlocks(c.in); got != c.want {
			t.Errorf("StripThinkBlocks(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
