package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hupe1980/procmesh/core"
	"github.com/hupe1980/procmesh/internal/util"
	"github.com/hupe1980/procmesh/logging"
	"github.com/hupe1980/procmesh/model"
)

const defaultSystemPrompt = `You are the decision procedure of process {{.Self}} in a network of communicating processes.
{{if .Persona}}{{.Persona}}
{{end}}
Each answer is a JSON object {"instructions": [...]} of incremental instructions for the current step:
- {"kind":"append_send","targets":["<address>",...],"content":"<text>"} stages a message
- {"kind":"finalize_sends"} declares that no more messages are sent this step
- {"kind":"append_edit","edit":{"op":"add|remove|update_description|add_subscriber|remove_subscriber|subscribe|unsubscribe","address":"<address>","description":"<text>","mode":{"communication":true,"terminal":true}}} stages a reference table edit
- {"kind":"finalize_edits"} declares that no more edits are made this step
- {"kind":"set_wait","wait":true,"from":"<address>"} waits for the next message (optionally from one sender); {"kind":"set_wait","wait":false} continues immediately
- {"kind":"terminate","status":"completed|failed","content":"<final words>"} ends the process

The step ends once sends and edits are finalized and the wait decision is set, or on terminate.
Only send to addresses listed in your references. Reply with JSON only.`

const defaultUserPrompt = `Step {{.Step}}, call {{.Call}}{{if ge .Remaining 0}} ({{.Remaining}} more allowed this step){{end}}.
References:
{{range .References}}- {{.Address}}: {{.Description}}
{{else}}(none)
{{end}}Subscribers: {{if .Subscribers}}{{join ", " .Subscribers}}{{else}}(none){{end}}
Messages:
{{range .Inbox}}- [{{.Kind}}] from {{.Sender}}: {{.Content}}{{with .Metadata}} (metadata: {{json .}}){{end}}
{{else}}(none)
{{end}}Staged so far: {{json .State}}
{{if .Feedback}}
Your previous answer was rejected: {{.Feedback}}
{{end}}`

// ModelOptions configures a ModelOracle.
type ModelOptions struct {
	// Persona is prepended to the built-in instructions, e.g. the role the
	// process plays.
	Persona string
	// SystemPrompt replaces the built-in system prompt template.
	SystemPrompt string
	// Logger receives per-call diagnostics.
	Logger logging.Logger
}

// ModelOracle asks a language model for decisions.
type ModelOracle struct {
	model  model.Model
	opts   ModelOptions
	logger logging.Logger
}

// NewModelOracle creates a model-backed oracle.
func NewModelOracle(m model.Model, optFns ...func(o *ModelOptions)) *ModelOracle {
	opts := ModelOptions{SystemPrompt: defaultSystemPrompt}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &ModelOracle{model: m, opts: opts, logger: logging.OrNoOp(opts.Logger)}
}

type promptData struct {
	Context
	Persona     string
	Subscribers []string
	Inbox       []promptMessage
}

type promptMessage struct {
	Kind     string
	Sender   core.Address
	Content  string
	Metadata map[string]string
}

// Decide implements Oracle.
func (o *ModelOracle) Decide(ctx context.Context, c Context) (Decision, error) {
	data := promptData{Context: c, Persona: o.opts.Persona}
	for _, s := range c.Subscribers {
		data.Subscribers = append(data.Subscribers, string(s))
	}
	for _, m := range c.Inbox {
		data.Inbox = append(data.Inbox, promptMessage{Kind: m.Kind.String(), Sender: m.Sender, Content: m.Content, Metadata: m.Metadata()})
	}

	system, err := util.RenderTemplate(o.opts.SystemPrompt, data)
	if err != nil {
		return Decision{}, fmt.Errorf("oracle: %w", err)
	}
	user, err := util.RenderTemplate(defaultUserPrompt, data)
	if err != nil {
		return Decision{}, fmt.Errorf("oracle: %w", err)
	}

	start := time.Now()
	resp, err := model.Complete(ctx, o.model, model.Request{
		System:   system,
		Messages: []model.Message{{Role: model.RoleUser, Text: user}},
		JSON:     true,
	})
	logging.OracleCall(o.logger, o.model.Info().Provider, c.Call, time.Since(start), err)
	if err != nil {
		return Decision{}, fmt.Errorf("%w: %v", core.ErrOracleUnavailable, err)
	}

	return ParseDecision(resp.Text)
}

// ParseDecision extracts a Decision from model output. Both an object with
// an "instructions" array and a bare array of instructions are accepted.
func ParseDecision(text string) (Decision, error) {
	raw, ok := util.ExtractJSON(text)
	if !ok {
		return Decision{}, fmt.Errorf("%w: no JSON found in %q", core.ErrMalformedDecision, util.Truncate(text, 120))
	}

	var d Decision
	if strings.HasPrefix(raw, "[") {
		if err := json.Unmarshal([]byte(raw), &d.Instructions); err != nil {
			return Decision{}, fmt.Errorf("%w: %v", core.ErrMalformedDecision, err)
		}
		return d, nil
	}
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return Decision{}, fmt.Errorf("%w: %v", core.ErrMalformedDecision, err)
	}
	return d, nil
}
