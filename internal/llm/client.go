// Package llm is the OpenAI-compatible chat transport behind the Planner,
// the Edit Proposer, and the Self-Healing Loop. One client serves the whole
// process; credentials and model come from the environment, optionally
// overridden per model by the Model Registry's catalog entry.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/nrosset/forgeagent/internal/models"
)

// Client is the process-wide OpenAI-compatible LLM client.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

// normalizeBaseURL strips trailing slashes and the "/chat/completions" suffix
// from a raw base-URL value so the path is never doubled when the client
// appends "/chat/completions" itself.
func normalizeBaseURL(raw string) string {
	s := strings.TrimRight(raw, "/")
	return strings.TrimSuffix(s, "/chat/completions")
}

// providerBaseURLs maps a Model Registry provider name to the default
// OpenAI-compatible endpoint used when no explicit base URL is configured.
var providerBaseURLs = map[string]string{
	"openai":    "https://api.openai.com/v1",
	"groq":      "https://api.groq.com/openai/v1",
	"anthropic": "https://api.anthropic.com/v1",
	"local":     "http://localhost:11434/v1",
}

// New creates the Client from the environment: base URL from
// OPENAI_BASE_URL (falling back to GROQ_BASE_URL), API key from
// OPENAI_API_KEY (falling back to GROQ_API_KEY), model from MODEL_ID
// (falling back to OPENAI_MODEL).
func New() *Client {
	baseURL := normalizeBaseURL(firstEnv("OPENAI_BASE_URL", "GROQ_BASE_URL"))
	if baseURL == "" {
		baseURL = providerBaseURLs["openai"]
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     firstEnv("OPENAI_API_KEY", "GROQ_API_KEY"),
		model:      firstEnv("MODEL_ID", "OPENAI_MODEL"),
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}
}

// NewForModel creates a Client for one Model Registry entry: the entry's id
// becomes the model, its api_key_env names the credential variable, and its
// provider selects the default endpoint when no explicit base URL is set in
// the environment.
func NewForModel(info models.Info) *Client {
	c := New()
	if info.ID != "" {
		c.model = info.ID
	}
	if info.APIKeyEnv != "" {
		if key := os.Getenv(info.APIKeyEnv); key != "" {
			c.apiKey = key
		}
	}
	if os.Getenv("OPENAI_BASE_URL") == "" && os.Getenv("GROQ_BASE_URL") == "" {
		if base, ok := providerBaseURLs[info.Provider]; ok {
			c.baseURL = base
		}
	}
	return c
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

type chatRequest struct {
	Model    string    `json:"model"`
	Messages []chatMsg `json:"messages"`
}

type chatMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage reports token consumption for one LLM call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Chat sends a system + user prompt and returns the assistant's text
// response and token usage.
func (c *Client) Chat(ctx context.Context, system, user string) (string, Usage, error) {
	payload := chatRequest{
		Model: c.model,
		Messages: []chatMsg{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", Usage{}, fmt.Errorf("llm: marshal request: %w", err)
	}

	url := c.baseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", Usage{}, fmt.Errorf("llm: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", Usage{}, fmt.Errorf("llm: http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", Usage{}, fmt.Errorf("llm: read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", Usage{}, fmt.Errorf("llm: HTTP %d: %s", resp.StatusCode, string(respBody))
	}

	var chatResp chatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return "", Usage{}, fmt.Errorf("llm: unmarshal response: %w", err)
	}

	if chatResp.Error != nil {
		return "", Usage{}, fmt.Errorf("llm: API error: %s", chatResp.Error.Message)
	}

	if len(chatResp.Choices) == 0 {
		return "", Usage{}, fmt.Errorf("llm: no choices in response")
	}

	log.Printf("[llm] model=%s prompt_tokens=%d completion_tokens=%d",
		c.model, chatResp.Usage.PromptTokens, chatResp.Usage.CompletionTokens)
	return chatResp.Choices[0].Message.Content, chatResp.Usage, nil
}

// StripThinkBlocks removes all <think>...</think> blocks from s. Reasoning
// models emit these before or between JSON objects; they are not part of
// structured output and must be stripped before JSON parsing. An unclosed
// block is stripped from its opening tag to the end of the string.
func StripThinkBlocks(s string) string {
	for {
		start := strings.Index(s, "<think>")
		if start == -1 {
			break
		}
		end := strings.Index(s[start:], "</think>")
		if end == -1 {
			s = s[:start]
			break
		}
		s = s[:start] + s[start+end+len("</think>"):]
	}
	return strings.TrimSpace(s)
}

// StripFences removes a surrounding markdown code fence (```json ... ```)
// from LLM output, and also strips <think>...</think> reasoning blocks.
func StripFences(s string) string {
	s = StripThinkBlocks(strings.TrimSpace(s))
	if strings.HasPrefix(s, "```") {
		// Remove opening fence line
		idx := strings.Index(s, "\n")
		if idx != -1 {
			s = s[idx+1:]
		}
		// Remove closing fence
		if i := strings.LastIndex(s, "```"); i != -1 {
			s = s[:i]
		}
	}
	return strings.TrimSpace(s)
}
