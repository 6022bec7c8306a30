package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"chatrelay/pkg/logger"
)

// Client talks to an OpenAI-compatible chat completions endpoint
// (OpenRouter, OpenAI) over SSE.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient builds a Client for the given endpoint and credential.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{baseURL: baseURL, apiKey: apiKey, httpClient: http.DefaultClient}
}

type completionRequest struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

// streamChunk is one parsed SSE data payload.
type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

func (c *streamChunk) content() string {
	if len(c.Choices) > 0 {
		return c.Choices[0].Delta.Content
	}
	return ""
}

func (c *streamChunk) done() bool {
	return len(c.Choices) > 0 && c.Choices[0].FinishReason != ""
}

// APIError is a non-2xx response from the completion endpoint with the
// upstream error message extracted when present.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("[AI_APICallError]: %s", e.Message)
}

// StreamCompletion issues a streaming chat completion and returns a channel
// of ordered text deltas. A request-level failure is returned directly;
// failures mid-stream are delivered as a terminal Delta with Err set. The
// channel is closed when the stream ends.
func (c *Client) StreamCompletion(ctx context.Context, model, system string, messages []ChatMessage) (<-chan Delta, error) {
	msgs := messages
	if system != "" {
		msgs = append([]ChatMessage{{Role: "system", Content: system}}, messages...)
	}
	body, err := json.Marshal(completionRequest{Model: model, Messages: msgs, Stream: true})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("completion request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		return nil, newAPIError(resp.StatusCode, raw)
	}

	out := make(chan Delta, 64)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		if err := c.relay(resp.Body, out); err != nil {
			out <- Delta{Err: err}
		}
	}()
	return out, nil
}

// relay parses the SSE body, forwarding content deltas in order until the
// terminal [DONE] marker, a finish_reason, or EOF.
func (c *Client) relay(body io.Reader, out chan<- Delta) error {
	reader := bufio.NewReader(body)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("stream read error: %w", err)
		}
		line = bytes.TrimRight(line, "\r\n")
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		data := bytes.TrimSpace(line[5:])
		if bytes.Equal(data, []byte("[DONE]")) {
			return nil
		}
		var chunk streamChunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			// skip malformed chunks rather than aborting the stream
			logger.Debug("provider_malformed_chunk", "error", err)
			continue
		}
		if text := chunk.content(); text != "" {
			out <- Delta{Text: text}
		}
		if chunk.done() {
			return nil
		}
	}
}

// newAPIError extracts the upstream error message from a JSON error body,
// falling back to the raw body.
func newAPIError(status int, raw []byte) *APIError {
	var parsed struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	msg := string(bytes.TrimSpace(raw))
	if err := json.Unmarshal(raw, &parsed); err == nil && parsed.Error.Message != "" {
		msg = parsed.Error.Message
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &APIError{Status: status, Message: msg}
}
