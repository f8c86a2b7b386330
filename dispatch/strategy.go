package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"github.com/hupe1980/procmesh/core"
	"github.com/hupe1980/procmesh/internal/util"
	"github.com/hupe1980/procmesh/model"
)

// Strategy supplies the judgement calls a hub makes: what an inbound message
// is, what a request is about, which child takes it, and whether a report
// means success.
type Strategy interface {
	Classify(ctx context.Context, msg core.Message) (MessageType, error)
	Summarize(ctx context.Context, content string) (string, error)
	SelectChild(ctx context.Context, content string, children []core.Reference) (core.Address, error)
	ReplyStatus(ctx context.Context, msg core.Message, entry CallEntry) (CallStatus, error)
}

// StaticStrategy decides from message metadata and keyword overlap. It is
// deterministic and needs no model.
type StaticStrategy struct {
	// SummaryLength caps summaries; 0 means 80 characters.
	SummaryLength int
}

var _ Strategy = StaticStrategy{}

// Classify implements Strategy. An explicit role wins; otherwise a message
// carrying a correlation id is a report.
func (StaticStrategy) Classify(_ context.Context, msg core.Message) (MessageType, error) {
	if role, ok := msg.Meta(MetaRole); ok {
		switch role {
		case RoleRequest:
			return MessageRequest, nil
		case RoleReport:
			return MessageReport, nil
		default:
			return MessageRequest, fmt.Errorf("unknown message role %q", role)
		}
	}
	if msg.HasCorrelation() {
		return MessageReport, nil
	}
	return MessageRequest, nil
}

// Summarize implements Strategy with the first line of content.
func (s StaticStrategy) Summarize(_ context.Context, content string) (string, error) {
	n := s.SummaryLength
	if n <= 0 {
		n = 80
	}
	return summarize(content, n), nil
}

// SelectChild implements Strategy. A single child always wins; otherwise the
// child whose description shares most words with the request is chosen,
// ties going to the lowest address.
func (StaticStrategy) SelectChild(_ context.Context, content string, children []core.Reference) (core.Address, error) {
	switch len(children) {
	case 0:
		return "", fmt.Errorf("%w: no children", ErrNoHandler)
	case 1:
		return children[0].Address, nil
	}

	words := keywords(content)
	var (
		best      core.Address
		bestScore int
	)
	for _, c := range children {
		score := 0
		for w := range keywords(c.Description + " " + string(c.Address)) {
			if _, ok := words[w]; ok {
				score++
			}
		}
		if score > bestScore {
			best, bestScore = c.Address, score
		}
	}
	if bestScore == 0 {
		return "", fmt.Errorf("%w: no child matches %q", ErrNoHandler, summarize(content, 40))
	}
	return best, nil
}

// ReplyStatus implements Strategy from the report's status metadata.
func (StaticStrategy) ReplyStatus(_ context.Context, msg core.Message, _ CallEntry) (CallStatus, error) {
	if st, ok := ReportStatus(msg); ok {
		return st, nil
	}
	return StatusFailed, fmt.Errorf("report %s carries no status", msg.ID)
}

func keywords(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, f := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len(f) < 3 {
			continue
		}
		out[f] = struct{}{}
	}
	return out
}

const summarizePrompt = `Summarize the following request in one short sentence. Reply with the sentence only.

{{.}}`

const selectChildPrompt = `A request must be routed to exactly one of these handlers:
{{range .Children}}- {{.Address}}: {{.Description}}
{{end}}
Request:
{{.Content}}

Reply with JSON {"address": "<handler address>"}; use an empty address if no handler fits.`

const replyStatusPrompt = `A handler answered the request "{{.Summary}}" with:
{{.Content}}

Did the request succeed? Reply with JSON {"status": "completed"} or {"status": "failed"}.`

// ModelStrategy asks a language model for summaries, routing and status
// decisions. Classification and reports that already carry a status use the
// static rules.
type ModelStrategy struct {
	model    model.Model
	fallback StaticStrategy
}

var _ Strategy = (*ModelStrategy)(nil)

// NewModelStrategy creates a model-backed strategy.
func NewModelStrategy(m model.Model) *ModelStrategy {
	return &ModelStrategy{model: m}
}

// Classify implements Strategy.
func (s *ModelStrategy) Classify(ctx context.Context, msg core.Message) (MessageType, error) {
	return s.fallback.Classify(ctx, msg)
}

// Summarize implements Strategy.
func (s *ModelStrategy) Summarize(ctx context.Context, content string) (string, error) {
	text, err := s.ask(ctx, summarizePrompt, content, false)
	if err != nil {
		return "", err
	}
	return summarize(text, 200), nil
}

// SelectChild implements Strategy.
func (s *ModelStrategy) SelectChild(ctx context.Context, content string, children []core.Reference) (core.Address, error) {
	if len(children) == 0 {
		return "", fmt.Errorf("%w: no children", ErrNoHandler)
	}
	text, err := s.ask(ctx, selectChildPrompt, map[string]any{"Children": children, "Content": content}, true)
	if err != nil {
		return "", err
	}
	var choice struct {
		Address core.Address `json:"address"`
	}
	if err := decodeAnswer(text, &choice); err != nil {
		return "", err
	}
	for _, c := range children {
		if c.Address == choice.Address {
			return c.Address, nil
		}
	}
	return "", fmt.Errorf("%w: model chose %q", ErrNoHandler, choice.Address)
}

// ReplyStatus implements Strategy.
func (s *ModelStrategy) ReplyStatus(ctx context.Context, msg core.Message, entry CallEntry) (CallStatus, error) {
	if st, ok := ReportStatus(msg); ok {
		return st, nil
	}
	text, err := s.ask(ctx, replyStatusPrompt, map[string]any{"Summary": entry.Summary, "Content": msg.Content}, true)
	if err != nil {
		return StatusFailed, err
	}
	var answer struct {
		Status string `json:"status"`
	}
	if err := decodeAnswer(text, &answer); err != nil {
		return StatusFailed, err
	}
	return ParseCallStatus(answer.Status)
}

func (s *ModelStrategy) ask(ctx context.Context, prompt string, data any, asJSON bool) (string, error) {
	text, err := util.RenderTemplate(prompt, data)
	if err != nil {
		return "", fmt.Errorf("dispatch: %w", err)
	}
	resp, err := model.Complete(ctx, s.model, model.Request{
		Messages: []model.Message{{Role: model.RoleUser, Text: text}},
		JSON:     asJSON,
	})
	if err != nil {
		return "", fmt.Errorf("dispatch: model: %w", err)
	}
	return strings.TrimSpace(resp.Text), nil
}

func decodeAnswer(text string, v any) error {
	raw, ok := util.ExtractJSON(text)
	if !ok {
		return fmt.Errorf("dispatch: no JSON in model answer %q", summarize(text, 80))
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("dispatch: decode model answer: %w", err)
	}
	return nil
}
