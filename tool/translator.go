package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hupe1980/procmesh/internal/util"
	"github.com/hupe1980/procmesh/model"
)

// Translator converts between message text and a tool's call interface.
type Translator interface {
	// ParseAndValidate turns request text into arguments that satisfy the
	// tool's schema. Failures are *ValidationError.
	ParseAndValidate(ctx context.Context, raw string) (map[string]any, error)

	// FormatReturn renders a call result as report text.
	FormatReturn(ctx context.Context, res Result) (string, error)
}

// JSONTranslator expects the request text to contain a JSON object of
// arguments (possibly surrounded by prose) and validates it against the
// tool's parameter schema.
type JSONTranslator struct {
	tool   string
	schema map[string]any
}

// NewJSONTranslator creates a translator for t.
func NewJSONTranslator(t Tool) *JSONTranslator {
	return &JSONTranslator{tool: t.Name(), schema: t.Parameters()}
}

// ParseAndValidate implements Translator.
func (j *JSONTranslator) ParseAndValidate(_ context.Context, raw string) (map[string]any, error) {
	return decodeArgs(j.tool, j.schema, raw)
}

// FormatReturn implements Translator. String outputs without logs are
// returned verbatim; anything else is rendered as a JSON object with
// "output" and "logs" keys.
func (j *JSONTranslator) FormatReturn(_ context.Context, res Result) (string, error) {
	return formatResult(res)
}

func decodeArgs(tool string, schema map[string]any, raw string) (map[string]any, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		if err := util.ValidateParameters(map[string]any{}, schema); err != nil {
			return nil, newValidationError(tool, err)
		}
		return map[string]any{}, nil
	}

	obj, ok := util.ExtractJSON(trimmed)
	if !ok || !strings.HasPrefix(obj, "{") {
		return nil, &ValidationError{Tool: tool, Message: "request does not contain a JSON object of arguments"}
	}

	var args map[string]any
	if err := json.Unmarshal([]byte(obj), &args); err != nil {
		return nil, &ValidationError{Tool: tool, Message: fmt.Sprintf("decode arguments: %v", err)}
	}
	if err := util.ValidateParameters(args, schema); err != nil {
		return nil, newValidationError(tool, err)
	}
	return args, nil
}

func formatResult(res Result) (string, error) {
	if s, ok := res.Output.(string); ok && len(res.Logs) == 0 {
		return s, nil
	}
	b, err := json.Marshal(res)
	if err != nil {
		return "", fmt.Errorf("format result: %w", err)
	}
	return string(b), nil
}

const argumentPrompt = `You convert requests into arguments for the API "{{.Name}}".
API description: {{.Description}}
Argument JSON schema: {{json .Schema}}

Reply with a single JSON object holding the arguments and nothing else.
If the request cannot be expressed as valid arguments, reply with {"error": "<reason>"}.`

// ModelTranslator lets a language model turn natural-language requests into
// arguments. Requests that already carry a JSON object are decoded directly;
// everything the model produces is validated against the schema like
// JSONTranslator does.
type ModelTranslator struct {
	tool        string
	description string
	schema      map[string]any
	model       model.Model
}

// NewModelTranslator creates a model-backed translator for t.
func NewModelTranslator(t Tool, m model.Model) *ModelTranslator {
	return &ModelTranslator{tool: t.Name(), description: t.Description(), schema: t.Parameters(), model: m}
}

// ParseAndValidate implements Translator.
func (mt *ModelTranslator) ParseAndValidate(ctx context.Context, raw string) (map[string]any, error) {
	if obj, ok := util.ExtractJSON(raw); ok && strings.HasPrefix(obj, "{") {
		return decodeArgs(mt.tool, mt.schema, obj)
	}

	system, err := util.RenderTemplate(argumentPrompt, map[string]any{
		"Name":        mt.tool,
		"Description": mt.description,
		"Schema":      mt.schema,
	})
	if err != nil {
		return nil, err
	}
	resp, err := model.Complete(ctx, mt.model, model.Request{
		System:   system,
		Messages: []model.Message{{Role: model.RoleUser, Text: raw}},
		JSON:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("tool %s: translate request: %w", mt.tool, err)
	}

	obj, ok := util.ExtractJSON(resp.Text)
	if !ok {
		return nil, &ValidationError{Tool: mt.tool, Message: "model reply holds no JSON object"}
	}
	var probe struct {
		Error string `json:"error"`
	}
	if json.Unmarshal([]byte(obj), &probe) == nil && probe.Error != "" {
		if _, declared := properties(mt.schema)["error"]; !declared {
			return nil, &ValidationError{Tool: mt.tool, Message: probe.Error}
		}
	}
	return decodeArgs(mt.tool, mt.schema, obj)
}

// FormatReturn implements Translator.
func (mt *ModelTranslator) FormatReturn(_ context.Context, res Result) (string, error) {
	return formatResult(res)
}

func properties(schema map[string]any) map[string]any {
	props, _ := schema["properties"].(map[string]any)
	return props
}
