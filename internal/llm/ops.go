package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"
)

// ChatText sends a system+user prompt and returns the assistant's text,
// retrying once with jittered backoff on failure — every LM call is
// nondeterministic and every caller must treat it as retryable.
func (c *Client) ChatText(ctx context.Context, system, user string) (string, error) {
	text, _, err := c.chatWithRetry(ctx, system, user)
	return text, err
}

func (c *Client) chatWithRetry(ctx context.Context, system, user string) (string, Usage, error) {
	text, usage, err := c.Chat(ctx, system, user)
	if err == nil {
		return text, usage, nil
	}
	jitter := time.Duration(200+rand.Intn(300)) * time.Millisecond
	select {
	case <-time.After(jitter):
	case <-ctx.Done():
		return "", Usage{}, ctx.Err()
	}
	return c.Chat(ctx, system, user)
}

// ChatJSON sends a prompt expecting a JSON response and decodes it into T.
// It tries a strict parse first, then strips fences/think-blocks and
// retries the parse once — it never re-issues the LM call itself, since a
// malformed response is a parsing problem, not a transport one.
func ChatJSON[T any](ctx context.Context, c *Client, system, user string) (T, error) {
	var out T
	raw, _, err := c.chatWithRetry(ctx, system, user)
	if err != nil {
		return out, fmt.Errorf("llm: chat_json: %w", err)
	}
	if jerr := json.Unmarshal([]byte(raw), &out); jerr == nil {
		return out, nil
	}
	cleaned := StripFences(raw)
	if jerr := json.Unmarshal([]byte(cleaned), &out); jerr == nil {
		return out, nil
	}
	return out, fmt.Errorf("llm: chat_json: could not parse response as JSON: %q", truncate(raw, 200))
}

// EditRequest is the input to ProposeEdit: the file's path, its current
// content (empty for a new file), and the natural-language intent.
type EditRequest struct {
	FilePath    string
	FileContent string
	Instruction string
}

// ProposeEdit asks the LM for the complete new content of one file. The
// system prompt demands the full file body with no commentary or fences;
// ProposeEdit still defensively strips any accidental wrapper.
func (c *Client) ProposeEdit(ctx context.Context, req EditRequest) (string, error) {
	system := "You are editing exactly one file. Return ONLY the complete new " +
		"file content. No commentary, no explanation, no markdown code fences."
	var user string
	if req.FileContent == "" {
		user = fmt.Sprintf("Create a new file at %s.\nIntent: %s\n", req.FilePath, req.Instruction)
	} else {
		user = fmt.Sprintf("File: %s\nIntent: %s\n\nCurrent content:\n%s\n", req.FilePath, req.Instruction, req.FileContent)
	}
	raw, err := c.ChatText(ctx, system, user)
	if err != nil {
		return "", fmt.Errorf("llm: propose_edit: %w", err)
	}
	return StripFences(raw), nil
}

// ProposePatch asks the LM for a minimal unified diff that fixes a failing
// command, given its log tail and the working-tree diff (if any). The
// result is defensively fence-stripped but NOT otherwise validated — the
// caller is responsible for attempting to apply it and treating failure as
// PatchApplyError.
func (c *Client) ProposePatch(ctx context.Context, logTail, diff string) (string, error) {
	system := "You are fixing a failing build/test command. Return ONLY a minimal " +
		"unified diff (patch -p0 format) that fixes the failure. No commentary, no fences."
	user := fmt.Sprintf("Failure log tail:\n%s\n\nCurrent working-tree diff (if any):\n%s\n", logTail, diff)
	raw, err := c.ChatText(ctx, system, user)
	if err != nil {
		return "", fmt.Errorf("llm: propose_patch: %w", err)
	}
	return StripFences(raw), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
