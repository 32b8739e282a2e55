package session

// MemoryBlock is a named always-loaded markdown document providing
// identity/context in the system prompt. Loaded from /blocks/{label}.md
// files whose leading TOML frontmatter (delimited by +++ lines) yields
// Description.
type MemoryBlock struct {
	Label string
	Description string
	FilePath string
	ContentCharsCurrent int
	Content string
}

// Skill is a named markdown document listed in the system prompt's skills
// index; its body is loaded on demand via read-skill.
type Skill struct {
	Slug string
	Summary string
	WhenToUse string
}
