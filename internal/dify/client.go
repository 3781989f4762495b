// Package dify implements a minimal client for the Dify chat-messages API in
// streaming (SSE) mode. The client forwards raw stream events on a channel;
// timeout policy (per-chunk and whole-stream) is the consumer's concern.
package dify

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Stream event names emitted by the chat-messages API.
const (
	EventMessage    = "message"
	EventMessageEnd = "message_end"
	EventError      = "error"
)

// ErrInvokeFailed means the chat-messages request was rejected before any
// stream content arrived.
var ErrInvokeFailed = errors.New("dify: invoke failed")

// Chunk is one streamed event. Err is set on transport failures and on
// explicit error events; the channel closes after a chunk with Err set.
type Chunk struct {
	Event          string
	Answer         string
	ConversationID string
	Err            error
}

// InvokeRequest describes one chat invocation.
type InvokeRequest struct {
	Query          string
	Inputs         map[string]any
	ConversationID string
	User           string
}

// Client calls the Dify chat-messages API.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewClient builds a Client. baseURL carries the API prefix, e.g.
// "https://api.dify.ai/v1". timeout bounds the whole streaming request.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

type invokePayload struct {
	Inputs         map[string]any `json:"inputs"`
	Query          string         `json:"query"`
	ResponseMode   string         `json:"response_mode"`
	ConversationID string         `json:"conversation_id,omitempty"`
	User           string         `json:"user,omitempty"`
}

type streamEvent struct {
	Event          string `json:"event"`
	Answer         string `json:"answer"`
	ConversationID string `json:"conversation_id"`
	Message        string `json:"message"`
	Code           string `json:"code"`
}

// Invoke starts a streaming chat request. Events arrive on the returned
// channel, which closes when the stream ends, fails, or ctx is cancelled.
// The caller should cancel ctx as soon as it stops consuming.
func (c *Client) Invoke(ctx context.Context, req InvokeRequest) (<-chan Chunk, error) {
	inputs := req.Inputs
	if inputs == nil {
		inputs = map[string]any{}
	}
	payload, err := json.Marshal(invokePayload{
		Inputs:         inputs,
		Query:          req.Query,
		ResponseMode:   "streaming",
		ConversationID: req.ConversationID,
		User:           req.User,
	})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat-messages", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvokeFailed, err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		resp.Body.Close()
		return nil, fmt.Errorf("%w: status %d: %s", ErrInvokeFailed, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	out := make(chan Chunk, 16)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)

		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "" || data == "[DONE]" {
				continue
			}

			var ev streamEvent
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				// Skip undecodable keep-alive noise rather than abort the stream.
				continue
			}

			ch := Chunk{Event: ev.Event, Answer: ev.Answer, ConversationID: ev.ConversationID}
			if ev.Event == EventError {
				ch.Err = fmt.Errorf("dify: stream error %s: %s", ev.Code, ev.Message)
			}
			select {
			case out <- ch:
			case <-ctx.Done():
				return
			}
			if ev.Event == EventMessageEnd || ev.Event == EventError {
				return
			}
		}
		if err := scanner.Err(); err != nil && !errors.Is(err, context.Canceled) {
			select {
			case out <- Chunk{Err: fmt.Errorf("dify: stream read: %w", err)}:
			case <-ctx.Done():
			}
		}
	}()

	return out, nil
}

// DeleteConversation removes a conversation on the backend. A missing
// conversation is not an error.
func (c *Client) DeleteConversation(ctx context.Context, conversationID, user string) error {
	payload, err := json.Marshal(map[string]string{"user": user})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		c.baseURL+"/conversations/"+conversationID, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("dify: delete conversation: status %d", resp.StatusCode)
	}
	return nil
}
