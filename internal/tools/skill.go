package tools

import (
	"context"
	"fmt"
	"os"
)

// ReadSkillTool returns the raw contents of /skills/{slug}.md.
var ReadSkillTool = &Tool{
	Name:        "read-skill",
	Description: "Read a skill's full document body.",
	Schema: map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{"slug": map[string]interface{}{"type": "string", "minLength": 1}},
		"required":   []interface{}{"slug"},
	},
	Execute: func(ctx context.Context, tc *Ctx, input map[string]interface{}) (Output, error) {
		slug, _ := input["slug"].(string)
		real, err := tc.Resolver.Resolve("/skills/" + slug + ".md")
		if err != nil {
			return failure(err.Error()), nil
		}
		data, err := os.ReadFile(real)
		if err != nil {
			if os.IsNotExist(err) {
				return failure(fmt.Sprintf("skill not found: %s", slug)), nil
			}
			return nil, fmt.Errorf("read skill %s: %w", slug, err)
		}
		return ok(map[string]interface{}{"slug": slug, "content": string(data)}), nil
	},
}
