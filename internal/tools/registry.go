// Package tools is the catalog of agent-callable tools: their argument
// schemas as the model sees them, validation of model-supplied arguments,
// and the handlers that mutate the run state. Every dispatch appends a
// started/completed event pair to the run's event log; tool failures are
// reported inside the output payload and never abort the run.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	openai "github.com/sashabaranov/go-openai"

	"github.com/codeloft-io/loft/internal/runctx"
	"github.com/codeloft-io/loft/internal/sandbox"
)

// Handler performs one tool call and returns the string handed back to the
// model.
type Handler func(ctx context.Context, rc *runctx.Context, args map[string]any) string

// Tool is one registry entry.
type Tool struct {
	Name        string
	Description string
	Schema      map[string]any

	handler  Handler
	compiled *jsonschema.Schema
}

// Deps carries the collaborators tool handlers need.
type Deps struct {
	Sandboxes *sandbox.Manager
	// HTTP is used by the preview health check. Defaults to a 10 s client.
	HTTP *http.Client
}

// Registry holds the tool set in declaration order.
type Registry struct {
	deps  Deps
	order []string
	tools map[string]*Tool
}

// NewRegistry builds the full tool set.
func NewRegistry(deps Deps) (*Registry, error) {
	if deps.HTTP == nil {
		deps.HTTP = &http.Client{Timeout: 10 * time.Second}
	}
	r := &Registry{deps: deps, tools: make(map[string]*Tool)}
	all := []*Tool{}
	all = append(all, coreTools(deps)...)
	all = append(all, fsTools(deps)...)
	all = append(all, sandboxTools(deps)...)
	for _, t := range all {
		if err := r.register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) register(t *Tool) error {
	raw, err := json.Marshal(t.Schema)
	if err != nil {
		return fmt.Errorf("tool %s: encode schema: %w", t.Name, err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("tool %s: parse schema: %w", t.Name, err)
	}
	c := jsonschema.NewCompiler()
	resource := t.Name + ".schema.json"
	if err := c.AddResource(resource, doc); err != nil {
		return fmt.Errorf("tool %s: add schema: %w", t.Name, err)
	}
	compiled, err := c.Compile(resource)
	if err != nil {
		return fmt.Errorf("tool %s: compile schema: %w", t.Name, err)
	}
	t.compiled = compiled
	r.tools[t.Name] = t
	r.order = append(r.order, t.Name)
	return nil
}

// Names lists the registered tool names in declaration order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// OpenAITools renders the catalog in the chat-completions wire shape.
func (r *Registry) OpenAITools() []openai.Tool {
	out := make([]openai.Tool, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		params, _ := json.Marshal(t.Schema)
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  json.RawMessage(params),
			},
		})
	}
	return out
}

// Dispatch validates rawArgs against the tool's schema and runs the handler.
// Unknown tools and invalid arguments produce an error payload, recorded as a
// started/completed pair so the client timeline stays consistent.
func (r *Registry) Dispatch(ctx context.Context, rc *runctx.Context, name, rawArgs string) string {
	t, ok := r.tools[name]
	if !ok {
		return errJSON(fmt.Sprintf("Unknown tool: %s", name))
	}

	if rawArgs == "" {
		rawArgs = "{}"
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(rawArgs))
	if err != nil {
		return r.reject(rc, name, rawArgs, fmt.Sprintf("Invalid tool arguments: %v", err))
	}
	if err := t.compiled.Validate(doc); err != nil {
		return r.reject(rc, name, rawArgs, fmt.Sprintf("Invalid tool arguments: %v", err))
	}
	args, ok := doc.(map[string]any)
	if !ok {
		return r.reject(rc, name, rawArgs, "Invalid tool arguments: expected an object")
	}
	return t.handler(ctx, rc, args)
}

// reject records the failed call in the event log and returns the error
// payload to the model.
func (r *Registry) reject(rc *runctx.Context, name, rawArgs, msg string) string {
	toolID := rc.BeginTool(name, rawArgs)
	output := map[string]any{"error": msg}
	rc.CompleteTool(toolID, name, rawArgs, output)
	return mustJSON(output)
}

func errJSON(msg string) string {
	return mustJSON(map[string]any{"error": msg})
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf(`{"error":"encode output: %v"}`, err)
	}
	return string(b)
}

// Argument accessors. jsonschema.UnmarshalJSON decodes with UseNumber, so
// model-supplied numbers arrive as json.Number.

func argString(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func argInt(args map[string]any, key string, def int) int {
	n, ok := toInt(args[key])
	if !ok {
		return def
	}
	return n
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return int(f), true
	case float64:
		return int(n), true
	case int:
		return n, true
	}
	return 0, false
}

func argBool(args map[string]any, key string, def bool) bool {
	if v, ok := args[key].(bool); ok {
		return v
	}
	return def
}

func argStrings(args map[string]any, key string) []string {
	raw, ok := args[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func argInts(args map[string]any, key string) []int {
	raw, ok := args[key].([]any)
	if !ok {
		return nil
	}
	out := make([]int, 0, len(raw))
	for _, item := range raw {
		if n, ok := toInt(item); ok {
			out = append(out, n)
		}
	}
	return out
}

// Shared schema fragments.

func objSchema(props map[string]any, required ...string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func strProp(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

func intProp(desc string) map[string]any {
	return map[string]any{"type": "integer", "description": desc}
}

func boolProp(desc string) map[string]any {
	return map[string]any{"type": "boolean", "description": desc}
}
