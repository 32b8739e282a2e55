// Package store persists sessions to a per-agent embedded SQL database
// (modernc.org/sqlite, WAL journaling), externalizing image content by
// BLAKE3 hash with reference-counted garbage collection, and debounces
// write-back of in-memory session mutations.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/cireilclaw/cireilclaw/internal/session"
	"lukechampine.com/blake3"
)

const debounceInterval = 2 * time.Second

// Store is the per-agent session store. One Store owns exactly one database
// file.
type Store struct {
	agentRoot string
	db *sql.DB

	mu sync.Mutex
	sessions map[string]*session.Session
	timers map[string]*time.Timer
}

// Open opens (creating if absent) the sessions.db file under agentRoot and
// ensures its schema, then loads all persisted sessions into memory.
func Open(agentRoot string) (*Store, error) {
	dbPath := filepath.Join(agentRoot, "sessions.db")
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open sessions db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			channel TEXT NOT NULL,
			metaJSON TEXT NOT NULL,
			historyJSON TEXT NOT NULL,
			openedFilesJSON TEXT NOT NULL
		)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create sessions table: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS images (
			id TEXT NOT NULL,
			sessionId TEXT NOT NULL,
			mediaType TEXT NOT NULL,
			PRIMARY KEY (id, sessionId)
		)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create images table: %w", err)
	}

	s := &Store{
		agentRoot: agentRoot,
		db: db,
		sessions: map[string]*session.Session{},
		timers: map[string]*time.Timer{},
	}
	if err := s.loadAll(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// persistedRow mirrors the sessions table shape for JSON (de)serialization.
type persistedRow struct {
	ID string
	Channel string
	MetaJSON string
	HistoryJSON string
	OpenedFilesJSON string
}

type jsonMeta struct {
	ChannelID string `json:"channelId,omitempty"`
	GuildID string `json:"guildId,omitempty"`
	IsNSFW bool `json:"isNsfw,omitempty"`
	RoomID string `json:"roomId,omitempty"`
}

// jsonContent and jsonMessage mirror the wire shape of a persisted Message,
// with images externalized to {type:"image_ref", id, mediaType}.
type jsonContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	ImageID string `json:"id,omitempty"`
	MediaType string `json:"mediaType,omitempty"`
	ToolID string `json:"toolId,omitempty"`
	ToolName string `json:"toolName,omitempty"`
	Input map[string]interface{} `json:"input,omitempty"`
	Output map[string]interface{} `json:"output,omitempty"`
}

type jsonMessage struct {
	Role string `json:"role"`
	Content []jsonContent `json:"content"`
}

func (s *Store) loadAll() error {
	rows, err := s.db.Query(`SELECT id, channel, metaJSON, historyJSON, openedFilesJSON FROM sessions`)
	if err != nil {
		return fmt.Errorf("load sessions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var r persistedRow
		if err := rows.Scan(&r.ID, &r.Channel, &r.MetaJSON, &r.HistoryJSON, &r.OpenedFilesJSON); err != nil {
			return fmt.Errorf("scan session row: %w", err)
		}
		sess, err := s.deserialize(r)
		if err != nil {
			return fmt.Errorf("deserialize session %s: %w", r.ID, err)
		}
		s.sessions[sess.ID] = sess
	}
	return rows.Err()
}

func (s *Store) deserialize(r persistedRow) (*session.Session, error) {
	var meta jsonMeta
	if err := json.Unmarshal([]byte(r.MetaJSON), &meta); err != nil {
		return nil, err
	}
	var msgs []jsonMessage
	if err := json.Unmarshal([]byte(r.HistoryJSON), &msgs); err != nil {
		return nil, err
	}
	var pinned []string
	if err := json.Unmarshal([]byte(r.OpenedFilesJSON), &pinned); err != nil {
		return nil, err
	}

	sess := session.NewSession(r.ID, session.Channel(r.Channel))
	sess.PinnedFiles = pinned
	switch sess.Channel {
	case session.ChannelDiscord:
		sess.Discord = &session.DiscordMeta{ChannelID: meta.ChannelID, GuildID: meta.GuildID, IsNSFW: meta.IsNSFW}
	case session.ChannelMatrix:
		sess.Matrix = &session.MatrixMeta{RoomID: meta.RoomID}
	}

	for _, jm := range msgs {
		m := session.Message{Role: session.Role(jm.Role), Persist: true}
		for _, jc := range jm.Content {
			c, err := s.rehydrateContent(jc)
			if err != nil {
				return nil, err
			}
			m.Content = append(m.Content, c)
		}
		sess.History = append(sess.History, m)
	}
	return sess, nil
}

func (s *Store) rehydrateContent(jc jsonContent) (session.Content, error) {
	switch jc.Type {
	case "text":
		return session.Content{Kind: session.ContentText, Text: jc.Text}, nil
	case "image_ref":
		data, err := os.ReadFile(s.imagePath(jc.ImageID, jc.MediaType))
		if err != nil {
			return session.Content{}, fmt.Errorf("read image %s: %w", jc.ImageID, err)
		}
		return session.Content{Kind: session.ContentImage, Image: session.ImageContent{MediaType: jc.MediaType, Data: data}}, nil
	case "toolCall":
		return session.Content{Kind: session.ContentToolCall, ToolCall: session.ToolCallContent{ID: jc.ToolID, Name: jc.ToolName, Input: jc.Input}}, nil
	case "toolResponse":
		return session.Content{Kind: session.ContentToolResponse, ToolResponse: session.ToolResponseContent{ID: jc.ToolID, Name: jc.ToolName, Output: jc.Output}}, nil
	default:
		return session.Content{}, fmt.Errorf("unknown content type %q", jc.Type)
	}
}

func (s *Store) imagePath(id, mediaType string) string {
	ext := extForMediaType(mediaType)
	return filepath.Join(s.agentRoot, "images", id+ext)
}

func extForMediaType(mediaType string) string {
	switch mediaType {
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	case "image/jpeg":
		return ".jpg"
	default:
		return ".bin"
	}
}

// GetOrCreate returns the session with id, creating it with channel if absent.
func (s *Store) GetOrCreate(id string, channel session.Channel) *session.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		return sess
	}
	sess := session.NewSession(id, channel)
	s.sessions[id] = sess
	return sess
}

// Get returns the session with id, if loaded.
func (s *Store) Get(id string) (*session.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// LastActive returns the persisted, non-internal session with the greatest
// LastActivity, used to resolve a scheduler target of "last".
func (s *Store) LastActive() (*session.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *session.Session
	for _, sess := range s.sessions {
		if sess.Channel == session.ChannelInternal {
			continue
		}
		if best == nil || sess.LastActivity.After(best.LastActivity) {
			best = sess
		}
	}
	return best, best != nil
}

// Save arms (or re-arms) the debounce timer for id. Internal sessions are
// never written.
func (s *Store) Save(sess *session.Session) {
	if !sess.Persist {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := sess.ID
	if t, ok := s.timers[key]; ok {
		t.Stop()
	}
	s.timers[key] = time.AfterFunc(debounceInterval, func() {
		s.mu.Lock()
		delete(s.timers, key)
		s.mu.Unlock()
		if err := s.flush(sess); err != nil {
			// Swallowed: no synchronous channel to report to here.
			_ = err
		}
	})
}

// FlushAllSessions cancels every pending debounce timer and synchronously
// executes its flush. Called on shutdown.
func (s *Store) FlushAllSessions() error {
	s.mu.Lock()
	timers := s.timers
	s.timers = map[string]*time.Timer{}
	sessions := make([]*session.Session, 0, len(timers))
	for id := range timers {
		if sess, ok := s.sessions[id]; ok {
			sessions = append(sessions, sess)
		}
	}
	s.mu.Unlock()

	for _, t := range timers {
		t.Stop()
	}
	var firstErr error
	for _, sess := range sessions {
		if err := s.flush(sess); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// flush serializes sess under its own lock and writes it to the database.
func (s *Store) flush(sess *session.Session) error {
	sess.Lock()
	row, refs, err := s.serialize(sess)
	sess.Unlock()
	if err != nil {
		return err
	}

	for _, ref := range refs {
		if err := s.writeImageIfAbsent(ref.id, ref.mediaType, ref.data); err != nil {
			return err
		}
	}

	_, err = s.db.Exec(`
		INSERT INTO sessions (id, channel, metaJSON, historyJSON, openedFilesJSON)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET channel=excluded.channel, metaJSON=excluded.metaJSON,
			historyJSON=excluded.historyJSON, openedFilesJSON=excluded.openedFilesJSON`,
		row.ID, row.Channel, row.MetaJSON, row.HistoryJSON, row.OpenedFilesJSON)
	if err != nil {
		return fmt.Errorf("write session %s: %w", row.ID, err)
	}

	for _, ref := range refs {
		if _, err := s.db.Exec(`
			INSERT INTO images (id, sessionId, mediaType) VALUES (?, ?, ?)
			ON CONFLICT(id, sessionId) DO UPDATE SET mediaType=excluded.mediaType`,
			ref.id, sess.ID, ref.mediaType); err != nil {
			return fmt.Errorf("index image %s: %w", ref.id, err)
		}
	}
	return nil
}

type imageRef struct {
	id string
	mediaType string
	data []byte
}

func (s *Store) serialize(sess *session.Session) (persistedRow, []imageRef, error) {
	var meta jsonMeta
	switch sess.Channel {
	case session.ChannelDiscord:
		if sess.Discord != nil {
			meta = jsonMeta{ChannelID: sess.Discord.ChannelID, GuildID: sess.Discord.GuildID, IsNSFW: sess.Discord.IsNSFW}
		}
	case session.ChannelMatrix:
		if sess.Matrix != nil {
			meta = jsonMeta{RoomID: sess.Matrix.RoomID}
		}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return persistedRow{}, nil, err
	}

	var refs []imageRef
	var jmsgs []jsonMessage
	for _, m := range sess.History {
		if !m.Persist {
			continue
		}
		jm := jsonMessage{Role: string(m.Role)}
		for _, c := range m.Content {
			switch c.Kind {
			case session.ContentText:
				jm.Content = append(jm.Content, jsonContent{Type: "text", Text: c.Text})
			case session.ContentImage:
				id := hashBytes(c.Image.Data)
				refs = append(refs, imageRef{id: id, mediaType: c.Image.MediaType, data: c.Image.Data})
				jm.Content = append(jm.Content, jsonContent{Type: "image_ref", ImageID: id, MediaType: c.Image.MediaType})
			case session.ContentToolCall:
				jm.Content = append(jm.Content, jsonContent{Type: "toolCall", ToolID: c.ToolCall.ID, ToolName: c.ToolCall.Name, Input: c.ToolCall.Input})
			case session.ContentToolResponse:
				jm.Content = append(jm.Content, jsonContent{Type: "toolResponse", ToolID: c.ToolResponse.ID, ToolName: c.ToolResponse.Name, Output: c.ToolResponse.Output})
			}
		}
		jmsgs = append(jmsgs, jm)
	}
	historyJSON, err := json.Marshal(jmsgs)
	if err != nil {
		return persistedRow{}, nil, err
	}
	pinned := sess.PinnedFiles
	if pinned == nil {
		pinned = []string{}
	}
	openedJSON, err := json.Marshal(pinned)
	if err != nil {
		return persistedRow{}, nil, err
	}

	return persistedRow{
		ID: sess.ID,
		Channel: string(sess.Channel),
		MetaJSON: string(metaJSON),
		HistoryJSON: string(historyJSON),
		OpenedFilesJSON: string(openedJSON),
	}, refs, nil
}

func hashBytes(data []byte) string {
	sum := blake3.Sum256(data)
	return fmt.Sprintf("%x", sum[:])
}

// writeImageIfAbsent flushes bytes to {agent_root}/images/{id}.{ext} only if
// that file does not already exist, deduplicating by content hash.
func (s *Store) writeImageIfAbsent(id, mediaType string, data []byte) error {
	path := s.imagePath(id, mediaType)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir images dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write image tmp: %w", err)
	}
	return os.Rename(tmp, path)
}

// DeleteSession removes a session and GCs any image whose reference count
// drops to zero.
func (s *Store) DeleteSession(id string) error {
	s.mu.Lock()
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
	delete(s.sessions, id)
	s.mu.Unlock()

	rows, err := s.db.Query(`SELECT id, mediaType FROM images WHERE sessionId = ?`, id)
	if err != nil {
		return fmt.Errorf("list images for %s: %w", id, err)
	}
	type ref struct{ id, mediaType string }
	var refs []ref
	for rows.Next() {
		var r ref
		if err := rows.Scan(&r.id, &r.mediaType); err != nil {
			rows.Close()
			return err
		}
		refs = append(refs, r)
	}
	rows.Close()

	if _, err := s.db.Exec(`DELETE FROM images WHERE sessionId = ?`, id); err != nil {
		return fmt.Errorf("delete image rows for %s: %w", id, err)
	}
	if _, err := s.db.Exec(`DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}

	for _, r := range refs {
		var count int
		if err := s.db.QueryRow(`SELECT COUNT(*) FROM images WHERE id = ?`, r.id).Scan(&count); err != nil {
			continue
		}
		if count == 0 {
			_ = os.Remove(s.imagePath(r.id, r.mediaType))
		}
	}
	return nil
}

// List returns the id of every session currently held in memory: those
// loaded from the database and those created since.
func (s *Store) List() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	return ids
}
