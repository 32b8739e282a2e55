package turnengine

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/cireilclaw/cireilclaw/internal/provider"
	"github.com/cireilclaw/cireilclaw/internal/session"
)

// ToWireMessages translates a squashed history tail into the endpoint's
// wire message shape mapping table.
func ToWireMessages(messages []session.Message) ([]provider.WireMessage, error) {
	var out []provider.WireMessage
	for _, m := range messages {
		switch m.Role {
		case session.RoleUser:
			out = append(out, userWireMessage(m))
		case session.RoleAssistant:
			wm, err := assistantWireMessage(m)
			if err != nil {
				return nil, err
			}
			out = append(out, wm)
		case session.RoleToolResponse:
			for _, c := range m.Content {
				if c.Kind != session.ContentToolResponse {
					continue
				}
				outputJSON, err := json.Marshal(c.ToolResponse.Output)
				if err != nil {
					return nil, fmt.Errorf("marshal tool output: %w", err)
				}
				out = append(out, provider.WireMessage{
					Role: "tool",
					Content: string(outputJSON),
					ToolCallID: c.ToolResponse.ID,
				})
			}
		case session.RoleSystem:
			out = append(out, provider.WireMessage{Role: "system", Content: m.Text()})
		}
	}
	return out, nil
}

func userWireMessage(m session.Message) provider.WireMessage {
	var parts []map[string]interface{}
	for _, c := range m.Content {
		switch c.Kind {
		case session.ContentText:
			parts = append(parts, map[string]interface{}{"type": "text", "text": c.Text})
		case session.ContentImage:
			b64 := base64.StdEncoding.EncodeToString(c.Image.Data)
			parts = append(parts, map[string]interface{}{
				"type": "image_url",
				"image_url": map[string]interface{}{
					"url": fmt.Sprintf("data:%s;base64,%s", c.Image.MediaType, b64),
				},
			})
		}
	}
	if len(parts) == 1 && parts[0]["type"] == "text" {
		return provider.WireMessage{Role: "user", Content: parts[0]["text"]}
	}
	return provider.WireMessage{Role: "user", Content: parts}
}

func assistantWireMessage(m session.Message) (provider.WireMessage, error) {
	wm := provider.WireMessage{Role: "assistant"}
	for _, c := range m.Content {
		switch c.Kind {
		case session.ContentText:
			if s, ok := wm.Content.(string); ok {
				wm.Content = s + c.Text
			} else {
				wm.Content = c.Text
			}
		case session.ContentToolCall:
			argsJSON, err := json.Marshal(c.ToolCall.Input)
			if err != nil {
				return provider.WireMessage{}, fmt.Errorf("marshal tool call input: %w", err)
			}
			wm.ToolCalls = append(wm.ToolCalls, provider.NewWireToolCall(c.ToolCall.ID, c.ToolCall.Name, string(argsJSON)))
		}
	}
	return wm, nil
}
