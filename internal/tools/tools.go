// Package tools implements the name->dispatcher registry and the standard
// tool set available to every agent. Each tool validates its own input
// against a JSON Schema (github.com/santhosh-tekuri/jsonschema/v6) and
// never throws to the turn engine for validation failures — only
// unexpected I/O errors propagate.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/cireilclaw/cireilclaw/internal/pathresolver"
	"github.com/cireilclaw/cireilclaw/internal/session"
)

// Attachment is a piece of media sent or fetched through the chat channel.
type Attachment struct {
	Filename string
	MimeType string
	Data []byte
}

// Ctx carries everything a tool dispatcher needs, kept minimal and
// capability-oriented.
type Ctx struct {
	Session *session.Session
	AgentSlug string
	Resolver *pathresolver.Resolver

	Send func(content string, attachments []Attachment)
	React func(emoji string, messageID string) error
	DownloadAttachments func(messageID string) ([]Attachment, error)

	// SessionInfo returns channel-specific identifiers for session-info.
	SessionInfo func() map[string]interface{}

	// ScheduleOneShot persists and arms a new one-shot cron job; set from
	// the scheduleOneShot argument of agent.BuildToolCtx.
	ScheduleOneShot func(id, at, prompt, delivery, target string) error
}

// Output is the JSON object a tool returns to the model. Every Output
// carries at least {success}.
type Output map[string]interface{}

func ok(fields map[string]interface{}) Output {
	out := Output{"success": true}
	for k, v := range fields {
		out[k] = v
	}
	return out
}

func failure(errMsg string, issues ...string) Output {
	out := Output{"success": false, "error": errMsg}
	if len(issues) > 0 {
		out["issues"] = issues
	}
	return out
}

// Tool is one dispatcher entry in the registry.
type Tool struct {
	Name string
	Description string
	Schema map[string]interface{}
	Execute func(ctx context.Context, tc *Ctx, input map[string]interface{}) (Output, error)

	compiled *jsonschema.Schema
}

// Registry is the name->dispatcher map.
type Registry struct {
	tools map[string]*Tool
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: map[string]*Tool{}}
}

// Register compiles t's schema and adds it to the registry.
func (r *Registry) Register(t *Tool) error {
	if t.Schema != nil {
		schemaJSON, err := json.Marshal(t.Schema)
		if err != nil {
			return fmt.Errorf("marshal schema for %s: %w", t.Name, err)
		}
		url := "mem://tools/" + t.Name + ".json"
		c := jsonschema.NewCompiler()
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
		if err != nil {
			return fmt.Errorf("unmarshal schema for %s: %w", t.Name, err)
		}
		if err := c.AddResource(url, doc); err != nil {
			return fmt.Errorf("add schema resource for %s: %w", t.Name, err)
		}
		compiled, err := c.Compile(url)
		if err != nil {
			return fmt.Errorf("compile schema for %s: %w", t.Name, err)
		}
		t.compiled = compiled
	}
	r.tools[t.Name] = t
	return nil
}

// Get returns the tool named name, if registered.
func (r *Registry) Get(name string) (*Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// List returns every registered tool, for building the model-facing tool
// list and the OpenAPI-3.0 parameter schemas.
func (r *Registry) List() []*Tool {
	out := make([]*Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	return out
}

// Dispatch validates input against t's schema and, on success, invokes its
// executor. Validation failures are returned as a structured Output, not an
// error; only unexpected I/O failures from Execute propagate as errors.
func (r *Registry) Dispatch(ctx context.Context, tc *Ctx, name string, input map[string]interface{}) (Output, error) {
	t, ok := r.tools[name]
	if !ok {
		return failure(fmt.Sprintf("unknown tool %q", name)), nil
	}
	if t.compiled != nil {
		if err := t.compiled.Validate(toInterfaceMap(input)); err != nil {
			return failure("input validation failed", err.Error()), nil
		}
	}
	out, err := t.Execute(ctx, tc, input)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func toInterfaceMap(m map[string]interface{}) interface{} {
	// jsonschema validates against plain Go values produced by
	// encoding/json unmarshal; round-trip through JSON to normalize
	// numeric types (ints become float64) the same way a real request body
	// would have been decoded.
	b, err := json.Marshal(m)
	if err != nil {
		return m
	}
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return m
	}
	return v
}
