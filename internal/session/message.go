package session

// Role discriminates the Message tagged union.
type Role string

const (
	RoleUser Role = "user"
	RoleAssistant Role = "assistant"
	RoleToolResponse Role = "toolResponse"
	RoleSystem Role = "system"
)

// ContentKind discriminates the content union carried by a Message.
type ContentKind string

const (
	ContentText ContentKind = "text"
	ContentImage ContentKind = "image"
	ContentToolCall ContentKind = "toolCall"
	ContentToolResponse ContentKind = "toolResponse"
)

// Content is one element of a Message's content array. Exactly the fields
// relevant to Kind are populated; the rest are zero.
type Content struct {
	Kind ContentKind

	// text
	Text string

	// image
	Image ImageContent

	// toolCall
	ToolCall ToolCallContent

	// toolResponse
	ToolResponse ToolResponseContent
}

// ImageContent is raw image bytes with their media type. When persisted,
// the session store externalizes this into an ImageRef (see store package).
type ImageContent struct {
	MediaType string
	Data []byte
}

// ToolCallContent is a model-emitted invocation. ID is unique within a
// turn; every committed ToolCall must be matched by a ToolResponse with the
// same ID before the next provider call.
type ToolCallContent struct {
	ID string
	Name string
	Input map[string]interface{}
}

// ToolResponseContent pairs with a ToolCallContent of the same ID.
type ToolResponseContent struct {
	ID string
	Name string
	Output map[string]interface{}
}

// Message is one entry in a session's history.
type Message struct {
	Role Role

	// Content holds the (possibly multi-element) content array for
	// user/assistant/toolResponse/system roles alike; callers that only
	// expect text (e.g. system) may assume len(Content) == 1.
	Content []Content

	// ID and Persist apply to user messages only: ID lets a heartbeat or
	// cron job tag its injected message, Persist controls whether the
	// message is written back on the next save (every constructor in this
	// package, and the store when loading, sets it true).
	ID string
	Persist bool
}

// TextMessage builds a single-content text message for the given role.
func TextMessage(role Role, text string) Message {
	return Message{Role: role, Content: []Content{{Kind: ContentText, Text: text}}, Persist: true}
}

// UserText builds a persisted user text message.
func UserText(text string) Message {
	return TextMessage(RoleUser, text)
}

// SystemText builds a system text message.
func SystemText(text string) Message {
	return TextMessage(RoleSystem, text)
}

// AssistantToolCalls builds an assistant message carrying one or more tool
// calls (and optionally leading text content).
func AssistantToolCalls(text string, calls []ToolCallContent) Message {
	var content []Content
	if text != "" {
		content = append(content, Content{Kind: ContentText, Text: text})
	}
	for _, c := range calls {
		content = append(content, Content{Kind: ContentToolCall, ToolCall: c})
	}
	return Message{Role: RoleAssistant, Content: content, Persist: true}
}

// ToolResponseMessage builds a toolResponse message pairing with a toolCall id.
func ToolResponseMessage(id, name string, output map[string]interface{}) Message {
	return Message{
		Role: RoleToolResponse,
		Content: []Content{{Kind: ContentToolResponse, ToolResponse: ToolResponseContent{ID: id, Name: name, Output: output}}},
		Persist: true,
	}
}

// ToolCalls extracts every toolCall content element from an assistant message.
func (m Message) ToolCalls() []ToolCallContent {
	var out []ToolCallContent
	for _, c := range m.Content {
		if c.Kind == ContentToolCall {
			out = append(out, c.ToolCall)
		}
	}
	return out
}

// Text concatenates every text content element in the message.
func (m Message) Text() string {
	var out string
	for _, c := range m.Content {
		if c.Kind == ContentText {
			out += c.Text
		}
	}
	return out
}
