package tools

import "context"

// RespondTool delivers content to the session via ctx.Send.
var RespondTool = &Tool{
	Name: "respond",
	Description: "Send a message to the user in this session.",
	Schema: map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"content": map[string]interface{}{"type": "string", "minLength": 1},
			"final": map[string]interface{}{"type": "boolean"},
			"attachments": map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
		},
		"required": []interface{}{"content"},
	},
	Execute: func(ctx context.Context, tc *Ctx, input map[string]interface{}) (Output, error) {
		content, _ := input["content"].(string)
		final := true
		if v, present := input["final"]; present {
			if b, ok := v.(bool); ok {
				final = b
			}
		}
		if tc.Send != nil {
			tc.Send(content, nil)
		}
		return ok(map[string]interface{}{"final": final, "sent": true}), nil
	},
}

// NoResponseTool emits nothing but still terminates the turn.
var NoResponseTool = &Tool{
	Name: "no-response",
	Description: "Terminate the turn without sending anything.",
	Schema: map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{},
	},
	Execute: func(ctx context.Context, tc *Ctx, input map[string]interface{}) (Output, error) {
		return ok(map[string]interface{}{"final": true}), nil
	},
}

// IsTerminal reports whether a tool's name and output together end the
// turn: the tool is respond or no-response and its output's final field is
// not strictly false.
func IsTerminal(toolName string, output Output) bool {
	if toolName != "respond" && toolName != "no-response" {
		return false
	}
	if v, ok := output["final"]; ok {
		if b, ok := v.(bool); ok {
			return b != false
		}
	}
	return true
}
