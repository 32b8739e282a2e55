package tools

import (
	"context"
	"fmt"
	"time"
)

// ScheduleTool appends a new one-shot job to persistence and arms it live
// via tc.ScheduleOneShot.
var ScheduleTool = &Tool{
	Name:        "schedule",
	Description: "Schedule a one-shot future turn.",
	Schema: map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"id":       map[string]interface{}{"type": "string", "minLength": 1},
			"at":       map[string]interface{}{"type": "string", "minLength": 1},
			"prompt":   map[string]interface{}{"type": "string", "minLength": 1},
			"delivery": map[string]interface{}{"type": "string", "enum": []interface{}{"announce", "webhook", "none"}},
			"target":   map[string]interface{}{"type": "string"},
		},
		"required": []interface{}{"id", "at", "prompt"},
	},
	Execute: func(ctx context.Context, tc *Ctx, input map[string]interface{}) (Output, error) {
		id, _ := input["id"].(string)
		at, _ := input["at"].(string)
		prompt, _ := input["prompt"].(string)
		delivery, _ := input["delivery"].(string)
		if delivery == "" {
			delivery = "announce"
		}
		target, _ := input["target"].(string)
		if target == "" {
			target = "last"
		}

		when, err := time.Parse(time.RFC3339, at)
		if err != nil {
			return failure(fmt.Sprintf("invalid ISO8601 timestamp: %s", at)), nil
		}
		if when.Before(time.Now()) {
			return failure("scheduled time is in the past"), nil
		}
		if tc.ScheduleOneShot == nil {
			return failure("scheduling is not available in this context"), nil
		}
		if err := tc.ScheduleOneShot(id, at, prompt, delivery, target); err != nil {
			return nil, fmt.Errorf("schedule %s: %w", id, err)
		}
		return ok(map[string]interface{}{"id": id, "at": at}), nil
	},
}
