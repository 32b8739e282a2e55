package tools

import (
	"context"
	"errors"
	"fmt"

	"github.com/cireilclaw/cireilclaw/internal/cerrors"
	"github.com/cireilclaw/cireilclaw/internal/sandbox"
)

// ExecConfig configures the exec tool for one agent: its allowlist, the
// sandbox timeout, and whether the tool is enabled at all, mirroring
// config/tools.toml's {enabled, allowedBinaries, timeoutMs} shape.
type ExecConfig struct {
	Enabled         bool
	AllowedBinaries []string
	TimeoutMs       int
	AgentRoot       string
}

// ExecConfigFunc resolves the live exec configuration for an agent,
// allowing config hot-reload to take effect on the next invocation.
type ExecConfigFunc func() ExecConfig

// NewExecTool builds the exec tool bound to cfgFn.
func NewExecTool(cfgFn ExecConfigFunc) *Tool {
	return &Tool{
		Name:        "exec",
		Description: "Run an allowlisted binary inside the agent's sandbox.",
		Schema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"command": map[string]interface{}{"type": "string", "minLength": 1},
				"args":    map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
			},
			"required": []interface{}{"command"},
		},
		Execute: func(ctx context.Context, tc *Ctx, input map[string]interface{}) (Output, error) {
			cfg := cfgFn()
			if !cfg.Enabled {
				return failure("exec tool is disabled"), nil
			}
			command, _ := input["command"].(string)
			var args []string
			if raw, present := input["args"]; present {
				if arr, ok := raw.([]interface{}); ok {
					for _, a := range arr {
						if s, ok := a.(string); ok {
							args = append(args, s)
						}
					}
				}
			}

			out, err := sandbox.Run(ctx, sandbox.Request{
				Command:         command,
				Args:            args,
				AllowedBinaries: cfg.AllowedBinaries,
				TimeoutMs:       cfg.TimeoutMs,
				AgentSlug:       tc.AgentSlug,
				AgentRoot:       cfg.AgentRoot,
			})
			if err != nil {
				var ce *cerrors.Error
				if errors.As(err, &ce) {
					return failure(ce.Message), nil
				}
				return nil, fmt.Errorf("exec %s: %w", command, err)
			}
			return ok(map[string]interface{}{
				"exitCode": out.ExitCode,
				"stdout":   out.Stdout,
				"stderr":   out.Stderr,
			}), nil
		},
	}
}
