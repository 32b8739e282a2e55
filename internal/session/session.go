// Package session defines the conversational state attached to one chat
// endpoint: typed message history, pinned files, pending buffers, and the
// per-session busy gate that enforces single-flight turn execution.
package session

import (
	"sync"
	"time"
)

// Channel discriminates the session variants.
type Channel string

const (
	ChannelDiscord Channel = "discord"
	ChannelMatrix Channel = "matrix"
	ChannelInternal Channel = "internal"
)

// DiscordMeta carries the Discord-specific fields of a session id/meta.
type DiscordMeta struct {
	ChannelID string
	GuildID string
	IsNSFW bool
}

// MatrixMeta carries the Matrix-specific fields.
type MatrixMeta struct {
	RoomID string
}

// InternalMeta carries the ephemeral internal/cron session fields.
type InternalMeta struct {
	JobID string
}

// SendFilter intercepts an outbound send before it reaches the channel
// transport. Returning false suppresses delivery.
type SendFilter func(content string) bool

// Session is the conversational state for one chat endpoint. It is never
// copied by value across goroutine boundaries without holding mu; callers
// (store, engine, tools, channels) take the session's own lock via
// Lock/Unlock around reads and writes of its fields.
type Session struct {
	mu sync.Mutex

	ID string
	Channel Channel

	Discord *DiscordMeta
	Matrix *MatrixMeta
	Internal *InternalMeta

	History []Message
	PinnedFiles []string
	PendingToolMessage []Message
	PendingImages []ImageContent

	Busy bool
	LastActivity time.Time

	SendFilter SendFilter
	LastMessageID string

	// Persist is false for ephemeral internal/cron sessions: they are
	// never written to the database.
	Persist bool
}

// NewSession constructs an empty session for the given id/channel. Discord
// and Matrix sessions persist; internal sessions never do.
func NewSession(id string, channel Channel) *Session {
	return &Session{
		ID: id,
		Channel: channel,
		LastActivity: time.Now(),
		Persist: channel != ChannelInternal,
	}
}

// DiscordSessionID builds the canonical id for a Discord session.
func DiscordSessionID(channelID, guildID string) string {
	if guildID == "" {
		return "discord:" + channelID
	}
	return "discord:" + channelID + "|" + guildID
}

// MatrixSessionID builds the canonical id for a Matrix session.
func MatrixSessionID(roomID string) string {
	return "matrix:" + roomID
}

// InternalSessionID builds the canonical id for an ephemeral cron session.
func InternalSessionID(jobID string) string {
	return "cron:" + jobID
}

// TryAcquire flips Busy from false to true and returns whether it
// succeeded. This is the sole single-flight gate guarding turn execution.
func (s *Session) TryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Busy {
		return false
	}
	s.Busy = true
	return true
}

// Release clears the busy gate. Safe to call even if not held.
func (s *Session) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Busy = false
}

// IsBusy reports the current gate state.
func (s *Session) IsBusy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Busy
}

// Lock/Unlock expose the session's own mutex to callers (store, engine)
// that need to mutate History/PinnedFiles/pending buffers atomically across
// several field writes.
func (s *Session) Lock() { s.mu.Lock() }
func (s *Session) Unlock() { s.mu.Unlock() }

// Pin adds path to the pinned set if not already present.
func (s *Session) Pin(path string) {
	for _, p := range s.PinnedFiles {
		if p == path {
			return
		}
	}
	s.PinnedFiles = append(s.PinnedFiles, path)
}

// Unpin removes path from the pinned set, reporting whether it was present.
func (s *Session) Unpin(path string) bool {
	for i, p := range s.PinnedFiles {
		if p == path {
			s.PinnedFiles = append(s.PinnedFiles[:i], s.PinnedFiles[i+1:]...)
			return true
		}
	}
	return false
}
