package convo

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/davmello/visage/internal/reliability"
)

// HTTPResponder forwards prompts to a chat-completion style HTTP endpoint.
// Streaming bodies (ndjson, one JSON object per line with a "delta" or
// "text" field) are forwarded token by token; plain JSON bodies are emitted
// as a single delta.
type HTTPResponder struct {
	url    string
	client *http.Client
}

func NewHTTPResponder(url string) *HTTPResponder {
	return &HTTPResponder{
		url: strings.TrimSpace(url),
		client: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

type responderError struct {
	msg       string
	retryable bool
}

func (e *responderError) Error() string   { return e.msg }
func (e *responderError) Transient() bool { return e.retryable }

func (r *HTTPResponder) StreamResponse(ctx context.Context, req ResponseRequest, onDelta DeltaHandler) (ResponseResult, error) {
	payload, err := json.Marshal(map[string]any{
		"session_id": req.SessionID,
		"prompt":     req.Prompt,
		"proactive":  req.Proactive,
	})
	if err != nil {
		return ResponseResult{}, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(payload))
	if err != nil {
		return ResponseResult{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	res, err := r.client.Do(httpReq)
	if err != nil {
		return ResponseResult{}, fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return ResponseResult{}, &responderError{
			msg:       fmt.Sprintf("responder http status %d: %s", res.StatusCode, strings.TrimSpace(string(body))),
			retryable: reliability.IsRetryableHTTPStatus(res.StatusCode),
		}
	}

	ct := strings.ToLower(res.Header.Get("Content-Type"))
	if strings.Contains(ct, "application/x-ndjson") || strings.Contains(ct, "text/event-stream") {
		return consumeStreaming(res.Body, onDelta)
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return ResponseResult{}, fmt.Errorf("read response: %w", err)
	}
	text := extractText(body)
	if text != "" && onDelta != nil {
		if err := onDelta(text); err != nil {
			return ResponseResult{}, err
		}
	}
	return ResponseResult{Text: text}, nil
}

func consumeStreaming(body io.Reader, onDelta DeltaHandler) (ResponseResult, error) {
	var full strings.Builder
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		line = strings.TrimPrefix(line, "data:")
		line = strings.TrimSpace(line)
		if line == "" || line == "[DONE]" {
			continue
		}
		delta := extractText([]byte(line))
		if delta == "" {
			continue
		}
		full.WriteString(delta)
		if onDelta != nil {
			if err := onDelta(delta); err != nil {
				return ResponseResult{}, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return ResponseResult{}, fmt.Errorf("read stream: %w", err)
	}
	return ResponseResult{Text: full.String()}, nil
}

// extractText pulls response text out of a JSON object, tolerating the
// handful of field names common across generation backends.
func extractText(raw []byte) string {
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return strings.TrimSpace(string(raw))
	}
	for _, key := range []string{"delta", "text", "content", "response"} {
		if v, ok := obj[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
