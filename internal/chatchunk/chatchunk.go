// Package chatchunk splits outbound text into chunks that respect a chat
// platform's length limit without ending inside an unclosed code fence.
// Fences are reopened at the start of the next chunk and closed at the end
// of the one that splits them.
package chatchunk

import "strings"

const fenceMarker = "```"

// Split divides content at line boundaries into chunks of at most limit
// bytes of content. A single line longer than limit is not broken up and
// forms an oversized chunk. When a split falls inside a code fence, a
// closing "\n```" is appended to that chunk (so it may exceed limit by 4
// bytes) and the next chunk begins with a reopening fence line. For content
// without code fences, joining the chunks with "\n" reproduces content.
func Split(content string, limit int) []string {
	if limit <= 0 {
		limit = 1800
	}
	if len([]rune(content)) <= limit {
		return []string{content}
	}

	lines := strings.Split(content, "\n")
	var chunks []string
	var current strings.Builder
	var openFence *string // nil = not inside a fence; else the fence's language tag

	flush := func() {
		text := current.String()
		if openFence != nil {
			text += "\n" + fenceMarker
		}
		chunks = append(chunks, text)
		current.Reset()
		if openFence != nil {
			current.WriteString(fenceMarker + *openFence + "\n")
		}
	}

	for i, line := range lines {
		candidateLen := current.Len() + len(line)
		if i > 0 {
			candidateLen++ // the "\n" that would join it
		}
		if candidateLen > limit && current.Len() > 0 {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString("\n")
		}
		current.WriteString(line)

		if tag, isFence := fenceToggle(line); isFence {
			if openFence == nil {
				openFence = &tag
			} else {
				openFence = nil
			}
		}
	}
	if current.Len() > 0 || len(chunks) == 0 {
		chunks = append(chunks, current.String())
	}
	return chunks
}

// fenceToggle reports whether line is a fence delimiter line (starts with
// ```) and, if so, the language tag that followed the opening fence.
func fenceToggle(line string) (string, bool) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, fenceMarker) {
		return "", false
	}
	return strings.TrimSpace(strings.TrimPrefix(trimmed, fenceMarker)), true
}
