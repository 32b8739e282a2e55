package turnengine

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/cireilclaw/cireilclaw/internal/session"
)

// SystemPromptInput carries everything needed to assemble the system
// prompt for one provider call.
type SystemPromptInput struct {
	BaseInstructions string
	Timestamp time.Time
	Channel session.Channel
	ChannelFields map[string]string
	MemoryBlocks []session.MemoryBlock
	Skills []session.Skill
	PinnedFiles []string
	ResolvePinned func(path string) (content string, size int, err error)
}

// BuildSystemPrompt assembles <base_instructions>, <metadata>,
// <memory_blocks>, an optional <skills> index, and an optional
// <opened_files> block.
func BuildSystemPrompt(in SystemPromptInput) string {
	var b strings.Builder

	b.WriteString("<base_instructions>\n")
	b.WriteString(in.BaseInstructions)
	b.WriteString("\n</base_instructions>\n\n")

	b.WriteString("<metadata>\n")
	fmt.Fprintf(&b, "timestamp: %s\n", in.Timestamp.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "channel: %s\n", in.Channel)
	keys := make([]string, 0, len(in.ChannelFields))
	for k := range in.ChannelFields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %s\n", k, in.ChannelFields[k])
	}
	b.WriteString("</metadata>\n\n")

	b.WriteString("<memory_blocks>\n")
	for _, mb := range in.MemoryBlocks {
		fmt.Fprintf(&b, "## %s\n%s\n\n%s\n\n", mb.Label, mb.Description, mb.Content)
	}
	b.WriteString("</memory_blocks>\n\n")

	if len(in.Skills) > 0 {
		b.WriteString("<skills>\n")
		for _, sk := range in.Skills {
			fmt.Fprintf(&b, "- %s: %s (use when: %s)\n", sk.Slug, sk.Summary, sk.WhenToUse)
		}
		b.WriteString("</skills>\n\n")
	}

	if len(in.PinnedFiles) > 0 && in.ResolvePinned != nil {
		b.WriteString("<opened_files>\n")
		for _, p := range in.PinnedFiles {
			content, size, err := in.ResolvePinned(p)
			if err != nil {
				fmt.Fprintf(&b, "## %s (unreadable: %v)\n\n", p, err)
				continue
			}
			fmt.Fprintf(&b, "## %s (%d bytes)\n%s\n\n", p, size, content)
		}
		b.WriteString("</opened_files>\n\n")
	}

	return b.String()
}

// LoadMemoryBlocks reads every /blocks/{label}.md file (already-resolved
// real paths) into MemoryBlock values, splitting the leading +++-delimited
// TOML frontmatter from the markdown body.
func LoadMemoryBlocks(blockFiles map[string]string) ([]session.MemoryBlock, error) {
	var blocks []session.MemoryBlock
	labels := make([]string, 0, len(blockFiles))
	for label := range blockFiles {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	for _, label := range labels {
		path := blockFiles[label]
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read block %s: %w", label, err)
		}
		desc, body := splitFrontmatter(string(raw))
		blocks = append(blocks, session.MemoryBlock{
			Label: label,
			Description: desc,
			FilePath: path,
			Content: body,
			ContentCharsCurrent: len([]rune(body)),
		})
	}
	return blocks, nil
}

// splitFrontmatter extracts a "+++"-delimited TOML frontmatter's
// "description" field and returns it along with the remaining body.
func splitFrontmatter(raw string) (description, body string) {
	const delim = "+++"
	if !strings.HasPrefix(raw, delim) {
		return "", raw
	}
	rest := raw[len(delim):]
	end := strings.Index(rest, delim)
	if end < 0 {
		return "", raw
	}
	frontmatter := rest[:end]
	body = strings.TrimPrefix(rest[end+len(delim):], "\n")
	for _, line := range strings.Split(frontmatter, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "description") {
			parts := strings.SplitN(line, "=", 2)
			if len(parts) == 2 {
				description = strings.Trim(strings.TrimSpace(parts[1]), `"`)
			}
		}
	}
	return description, body
}
