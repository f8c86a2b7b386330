package model

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Role names the author of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one text turn of a completion request.
type Message struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}

// Request captures the normalized model input. System carries the
// instructions; Messages the conversation so far, ending with the turn the
// model should answer.
type Request struct {
	System   string    `json:"system,omitempty"`
	Messages []Message `json:"messages"`
	// JSON asks the provider to favor a single JSON object as output. It is a
	// hint; callers must still validate the output.
	JSON bool `json:"json,omitempty"`
}

// TokenUsage captures token usage statistics for a response.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is a (partial or final) chunk emitted by a model.
type Response struct {
	ID           string      `json:"id"`
	Partial      bool        `json:"partial"`
	Text         string      `json:"text"`
	FinishReason string      `json:"finish_reason"` // "stop", "length", ...
	Usage        *TokenUsage `json:"usage,omitempty"`
}

// Info contains metadata about a model implementation.
type Info struct {
	Name     string `json:"name"`
	Provider string `json:"provider"` // "openai", "anthropic", "mock", ...
}

// Model is the minimal interface required to drive text generation. Oracles,
// dispatch strategies and sessions all talk to language models through it.
type Model interface {
	Generate(ctx context.Context, req Request) (<-chan Response, <-chan error)

	// Info returns information about the model implementation.
	Info() Info
}

// Complete drains a Generate call and returns the final response. Partial
// chunks are concatenated when the model only streams.
func Complete(ctx context.Context, m Model, req Request) (Response, error) {
	respCh, errCh := m.Generate(ctx, req)

	var (
		final   *Response
		partial strings.Builder
	)
	for respCh != nil || errCh != nil {
		select {
		case <-ctx.Done():
			return Response{}, ctx.Err()
		case r, ok := <-respCh:
			if !ok {
				respCh = nil
				continue
			}
			if r.Partial {
				partial.WriteString(r.Text)
				continue
			}
			final = &r
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil {
				return Response{}, err
			}
		}
	}

	if final != nil {
		return *final, nil
	}
	if partial.Len() > 0 {
		return Response{Text: partial.String(), FinishReason: "stop"}, nil
	}
	return Response{}, errors.New("model: no response")
}

// MockModel is a lightweight in-memory Model useful for tests & examples.
//
// Responses are chosen in this order: queued responses (FIFO), canned
// responses keyed by the last message text, then an echo.
type MockModel struct {
	info Info

	mu        sync.Mutex
	responses map[string]string
	queue     []mockReply
	requests  []Request
}

type mockReply struct {
	text string
	err  error
}

// NewMockModel constructs a MockModel.
func NewMockModel(name, provider string) *MockModel {
	return &MockModel{
		info: Info{
			Name:     name,
			Provider: provider,
		},
		responses: make(map[string]string),
	}
}

// AddResponse registers a deterministic canned completion for an input prompt.
func (m *MockModel) AddResponse(prompt, response string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[prompt] = response
}

// Enqueue appends replies returned by subsequent calls, in order.
func (m *MockModel) Enqueue(texts ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range texts {
		m.queue = append(m.queue, mockReply{text: t})
	}
}

// EnqueueError makes the next queued call fail with err.
func (m *MockModel) EnqueueError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, mockReply{err: err})
}

// Requests returns a copy of every request received so far.
func (m *MockModel) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.requests...)
}

func (m *MockModel) next(req Request) mockReply {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if len(m.queue) > 0 {
		r := m.queue[0]
		m.queue = m.queue[1:]
		return r
	}
	if len(req.Messages) == 0 {
		return mockReply{err: fmt.Errorf("no messages provided")}
	}
	input := req.Messages[len(req.Messages)-1].Text
	if full, ok := m.responses[input]; ok {
		return mockReply{text: full}
	}
	return mockReply{text: fmt.Sprintf("Mock response to: %s", input)}
}

// Generate implements Model.
func (m *MockModel) Generate(ctx context.Context, req Request) (<-chan Response, <-chan error) {
	respCh := make(chan Response, 1)
	errCh := make(chan error, 1)

	go func() {
		defer close(respCh)
		defer close(errCh)

		reply := m.next(req)
		if reply.err != nil {
			errCh <- reply.err
			return
		}
		select {
		case <-ctx.Done():
			errCh <- ctx.Err()
		case respCh <- Response{Text: reply.text, FinishReason: "stop"}:
		}
	}()
	return respCh, errCh
}

// Info implements Model interface.
func (m *MockModel) Info() Info { return m.info }

// WithTimeout bounds every Generate call of m by d. A zero d returns m.
func WithTimeout(m Model, d time.Duration) Model {
	if d <= 0 {
		return m
	}
	return &timeoutModel{Model: m, timeout: d}
}

type timeoutModel struct {
	Model
	timeout time.Duration
}

// Generate implements Model. The deadline is released once both channels
// are drained.
func (t *timeoutModel) Generate(ctx context.Context, req Request) (<-chan Response, <-chan error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	respIn, errIn := t.Model.Generate(ctx, req)

	respOut := make(chan Response)
	errOut := make(chan error, 1)
	go func() {
		defer cancel()
		defer close(respOut)
		defer close(errOut)
		for respIn != nil || errIn != nil {
			select {
			case r, ok := <-respIn:
				if !ok {
					respIn = nil
					continue
				}
				select {
				case respOut <- r:
				case <-ctx.Done():
					errOut <- ctx.Err()
					return
				}
			case err, ok := <-errIn:
				if !ok {
					errIn = nil
					continue
				}
				if err != nil {
					errOut <- err
					return
				}
			}
		}
	}()
	return respOut, errOut
}
