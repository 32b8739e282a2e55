package tools

import "context"

// SessionInfoTool returns channel-specific identifiers for the session.
var SessionInfoTool = &Tool{
	Name:        "session-info",
	Description: "Return channel-specific identifiers for the current session.",
	Schema: map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	},
	Execute: func(ctx context.Context, tc *Ctx, input map[string]interface{}) (Output, error) {
		fields := map[string]interface{}{}
		if tc.SessionInfo != nil {
			fields = tc.SessionInfo()
		}
		fields["channel"] = string(tc.Session.Channel)
		fields["sessionId"] = tc.Session.ID
		return ok(fields), nil
	},
}
