package turnengine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cireilclaw/cireilclaw/internal/cerrors"
	"github.com/cireilclaw/cireilclaw/internal/config"
	"github.com/cireilclaw/cireilclaw/internal/provider"
	"github.com/cireilclaw/cireilclaw/internal/session"
	"github.com/cireilclaw/cireilclaw/internal/tools"
)

// MaxIterations bounds the number of provider round-trips within one turn,
// guarding against a model that never emits a terminal tool call.
const MaxIterations = 25

// PromptContext supplies everything BuildSystemPrompt needs beyond the
// session's own history, assembled by the caller (harness/agent) once per
// turn since it depends on the agent's loaded memory blocks and skills.
type PromptContext struct {
	BaseInstructions string
	ChannelFields map[string]string
	MemoryBlocks []session.MemoryBlock
	Skills []session.Skill
	ResolvePinned func(path string) (content string, size int, err error)
}

// Engine runs the iterative tool-call loop for one agent.
type Engine struct {
	Provider *provider.Client
	Tools *tools.Registry
	Engine *config.EngineConfig
}

// Run executes one full turn against sess: draining pending images, calling
// the provider in a loop, dispatching tool calls, and committing the
// resulting messages into sess.History. Delivery to the user happens as a
// side effect of the respond tool calling tc.Send, not via a return value.
//
// On an unhandled error, history is rolled back to its length at entry so a
// failed turn leaves no partial assistant/toolCall/toolResponse messages
// behind.
func (e *Engine) Run(ctx context.Context, sess *session.Session, tc *tools.Ctx, promptCtx PromptContext, channel string, subKey string) error {
	sess.Lock()
	historyLenAtEntry := len(sess.History)
	sess.Unlock()

	if err := e.runIterations(ctx, sess, tc, promptCtx, channel, subKey); err != nil {
		sess.Lock()
		if len(sess.History) > historyLenAtEntry {
			sess.History = sess.History[:historyLenAtEntry]
		}
		sess.PendingToolMessage = nil
		sess.Unlock()
		return err
	}
	return nil
}

func (e *Engine) runIterations(ctx context.Context, sess *session.Session, tc *tools.Ctx, promptCtx PromptContext, channel, subKey string) error {
	apiBase, apiKey, model := e.Engine.Resolve(channel, subKey)

	for iter := 0; iter < MaxIterations; iter++ {
		// Step 1: drain pendingImages into one synthetic user message
		// appended to pendingToolMessages (not yet committed to history) —
		// OpenAI-shaped APIs accept images only under user role and require
		// them after matching tool responses.
		sess.Lock()
		if len(sess.PendingImages) > 0 {
			var content []session.Content
			for _, img := range sess.PendingImages {
				content = append(content, session.Content{Kind: session.ContentImage, Image: img})
			}
			sess.PendingToolMessage = append(sess.PendingToolMessage, session.Message{Role: session.RoleUser, Content: content, Persist: true})
			sess.PendingImages = nil
		}

		// Step 2: build context from the truncated history tail plus the
		// still-uncommitted pendingToolMessages, then squash same-role runs.
		tail := TruncateToTurns(sess.History, MaxTurns)
		messages := append(append([]session.Message{}, tail...), sess.PendingToolMessage...)
		messages = SquashMessages(messages)
		pinnedFiles := append([]string{}, sess.PinnedFiles...)
		sessChannel := sess.Channel
		sess.Unlock()

		wireMessages, err := ToWireMessages(messages)
		if err != nil {
			return fmt.Errorf("build wire messages: %w", err)
		}

		systemPrompt := BuildSystemPrompt(SystemPromptInput{
			BaseInstructions: promptCtx.BaseInstructions,
			Timestamp: time.Now(),
			Channel: sessChannel,
			ChannelFields: promptCtx.ChannelFields,
			MemoryBlocks: promptCtx.MemoryBlocks,
			Skills: promptCtx.Skills,
			PinnedFiles: pinnedFiles,
			ResolvePinned: promptCtx.ResolvePinned,
		})
		wireMessages = append([]provider.WireMessage{{Role: "system", Content: systemPrompt}}, wireMessages...)

		toolChoice := "required"
		if provider.NeedsToolChoiceWorkaround(model) {
			toolChoice = "auto"
		}

		resp, err := e.Provider.Chat(ctx, provider.Config{APIBase: apiBase, APIKey: apiKey}, provider.Request{
			Model: model,
			Messages: wireMessages,
			Tools: toolDefs(e.Tools),
			ToolChoice: toolChoice,
		})
		if err != nil {
			return err
		}

		if resp.FinishReason == provider.FinishContentFilter {
			return cerrors.New(cerrors.KindProvider, "ContentFiltered", nil)
		}
		if resp.FinishReason != provider.FinishToolCalls {
			return cerrors.New(cerrors.KindProvider, fmt.Sprintf("UnexpectedFinish: %s", resp.FinishReason), nil)
		}
		if len(resp.ToolCalls) == 0 {
			return cerrors.New(cerrors.KindProvider, "UnexpectedFinish: tool_calls finish with no tool calls", nil)
		}

		var calls []session.ToolCallContent
		for _, c := range resp.ToolCalls {
			var input map[string]interface{}
			if err := json.Unmarshal([]byte(c.Arguments), &input); err != nil {
				input = map[string]interface{}{}
			}
			calls = append(calls, session.ToolCallContent{ID: c.ID, Name: c.Name, Input: input})
		}

		// Step 3+4: commit the pendingToolMessages used to build this
		// request into history, then append the assistant message.
		assistantMsg := session.AssistantToolCalls(resp.Content, calls)
		sess.Lock()
		sess.History = append(sess.History, sess.PendingToolMessage...)
		sess.PendingToolMessage = nil
		sess.History = append(sess.History, assistantMsg)
		sess.Unlock()

		// Step 5: dispatch every toolCall, appending a toolResponse into
		// pendingToolMessages for each.
		results, err := dispatchToolCalls(ctx, e.Tools, tc, calls)
		if err != nil {
			return err
		}

		terminal := false
		sess.Lock()
		for i, out := range results {
			call := calls[i]
			sess.PendingToolMessage = append(sess.PendingToolMessage, session.ToolResponseMessage(call.ID, call.Name, map[string]interface{}(out)))
			if tools.IsTerminal(call.Name, out) {
				terminal = true
			}
		}
		sess.Unlock()

		// Step 6: if done, commit remaining pending tool responses and return.
		if terminal {
			sess.Lock()
			sess.History = append(sess.History, sess.PendingToolMessage...)
			sess.PendingToolMessage = nil
			sess.Unlock()
			return nil
		}
	}
	return cerrors.New(cerrors.KindFatal, "turn exceeded maximum tool-call iterations without terminating", nil)
}

// dispatchToolCalls runs every call concurrently and reassembles results in
// emission order, so commit order into history always matches the order the
// model emitted the calls in regardless of which goroutine finishes first.
func dispatchToolCalls(ctx context.Context, reg *tools.Registry, tc *tools.Ctx, calls []session.ToolCallContent) ([]tools.Output, error) {
	type indexedResult struct {
		out tools.Output
		err error
	}
	results := make([]indexedResult, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call session.ToolCallContent) {
			defer wg.Done()
			out, err := reg.Dispatch(ctx, tc, call.Name, call.Input)
			results[i] = indexedResult{out: out, err: err}
		}(i, call)
	}
	wg.Wait()

	out := make([]tools.Output, len(calls))
	for i, r := range results {
		if r.err != nil {
			return nil, cerrors.New(cerrors.KindTransientIO, fmt.Sprintf("tool %s failed", calls[i].Name), r.err)
		}
		out[i] = r.out
	}
	return out, nil
}

func toolDefs(r *tools.Registry) []provider.ToolDef {
	var defs []provider.ToolDef
	for _, t := range r.List() {
		defs = append(defs, provider.ToolDef{Name: t.Name, Description: t.Description, Parameters: t.Schema})
	}
	return defs
}

// NewToolCallID generates a unique id (a random UUID) for a synthetic tool
// call, for callers that inject tool-like messages outside the normal loop.
func NewToolCallID() string {
	return uuid.NewString()
}
