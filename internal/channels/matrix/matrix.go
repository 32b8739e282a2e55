// Package matrix implements the Matrix chat transport using
// maunium.net/go/mautrix: a single-bot-account client with a background
// sync loop (NewClient, DefaultSyncer.OnEventType, SyncWithContext) that
// auto-joins invited rooms and routes inbound messages into a
// per-room session.
package matrix

import (
	"context"
	"fmt"
	"log/slog"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/cireilclaw/cireilclaw/internal/agent"
	channelsshared "github.com/cireilclaw/cireilclaw/internal/channels"
	"github.com/cireilclaw/cireilclaw/internal/chatchunk"
	"github.com/cireilclaw/cireilclaw/internal/config"
	"github.com/cireilclaw/cireilclaw/internal/scheduler"
	"github.com/cireilclaw/cireilclaw/internal/session"
	"github.com/cireilclaw/cireilclaw/internal/tools"
	"github.com/cireilclaw/cireilclaw/internal/turnengine"
)

// outboundLimit mirrors the conservative chat-transport cap used for
// Discord; Matrix homeservers do not enforce a hard message-length limit,
// but send still chunks at this size.
const outboundLimit = 1800

// Channel connects one agent to a Matrix homeserver as a single bot user.
type Channel struct {
	agent *agent.Agent
	engine *turnengine.Engine
	sched *scheduler.Scheduler
	log *slog.Logger
	client *mautrix.Client
	userID id.UserID

	cancel context.CancelFunc
}

// New builds a Matrix channel for agent a from cfg.
func New(a *agent.Agent, eng *turnengine.Engine, sched *scheduler.Scheduler, cfg *config.MatrixChannelConfig, log *slog.Logger) (*Channel, error) {
	if log == nil {
		log = slog.Default()
	}
	userID := id.UserID(cfg.UserID)
	client, err := mautrix.NewClient(cfg.HomeserverURL, userID, cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("create matrix client: %w", err)
	}

	c := &Channel{
		agent: a,
		engine: eng,
		sched: sched,
		log: log.With("agent", a.Slug, "channel", "matrix"),
		client: client,
		userID: userID,
	}

	syncer := mautrix.NewDefaultSyncer()
	syncer.OnEventType(event.EventMessage, c.handleMessage)
	syncer.OnEventType(event.StateMember, c.handleMembership)
	client.Syncer = syncer
	return c, nil
}

func (c *Channel) Name() string { return "matrix" }

// Start launches the homeserver sync loop in the background. Sync itself
// blocks, so it runs in its own goroutine; Stop cancels it.
func (c *Channel) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go func() {
		if err := c.client.SyncWithContext(ctx); err != nil && ctx.Err() == nil {
			c.log.Warn("matrix sync loop ended", "error", err)
		}
	}()
	c.agent.RegisterSend(session.ChannelMatrix, c.send)
	c.agent.RegisterReact(session.ChannelMatrix, c.react)
	c.agent.RegisterDownload(session.ChannelMatrix, c.download)
	c.log.Info("matrix sync started", "user", c.userID.String())
	return nil
}

// Stop cancels the sync loop.
func (c *Channel) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.client.StopSync()
	return nil
}

func (c *Channel) handleMembership(ctx context.Context, evt *event.Event) {
	if evt.GetStateKey() != c.userID.String() {
		return
	}
	content, ok := evt.Content.Parsed.(*event.MemberEventContent)
	if !ok || content.Membership != event.MembershipInvite {
		return
	}
	if _, err := c.client.JoinRoomByID(ctx, evt.RoomID); err != nil {
		c.log.Warn("failed to join invited matrix room", "room", evt.RoomID, "error", err)
	}
}

func (c *Channel) handleMessage(ctx context.Context, evt *event.Event) {
	if evt.Sender == c.userID {
		return
	}
	msgContent, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok {
		return
	}

	sessID := session.MatrixSessionID(evt.RoomID.String())
	sess := c.agent.Store.GetOrCreate(sessID, session.ChannelMatrix)
	sess.Lock()
	if sess.Matrix == nil {
		sess.Matrix = &session.MatrixMeta{RoomID: evt.RoomID.String()}
	}
	sess.LastMessageID = evt.ID.String()
	sess.Unlock()

	text := msgContent.Body
	if msgContent.MsgType == event.MsgImage && msgContent.URL != "" {
		if data, mime, err := c.downloadMXC(ctx, msgContent.URL); err == nil {
			sess.Lock()
			sess.PendingImages = append(sess.PendingImages, session.ImageContent{MediaType: mime, Data: data})
			sess.Unlock()
		}
	} else if msgContent.MsgType != event.MsgText && msgContent.MsgType != event.MsgNotice {
		return
	}
	if text == "" {
		text = "[empty message]"
	}

	channelsshared.RunInboundTurn(
		ctx, c.agent, c.engine, c.sched, sess,
		string(session.ChannelMatrix), evt.RoomID.String(),
		channelsshared.InboundMessage{Text: text, ChannelFields: map[string]string{"roomId": evt.RoomID.String()}},
		c.log,
	)
}

func (c *Channel) downloadMXC(ctx context.Context, mxcURI id.ContentURI) ([]byte, string, error) {
	data, err := c.client.DownloadBytes(ctx, mxcURI)
	if err != nil {
		return nil, "", fmt.Errorf("download matrix media: %w", err)
	}
	return data, "application/octet-stream", nil
}

func (c *Channel) send(sess *session.Session, content string, attachments []tools.Attachment) error {
	sess.Lock()
	roomID := ""
	if sess.Matrix != nil {
		roomID = sess.Matrix.RoomID
	}
	sess.Unlock()
	if roomID == "" {
		return fmt.Errorf("matrix send: session %s has no room id", sess.ID)
	}

	ctx := context.Background()
	for _, chunk := range chatchunk.Split(content, outboundLimit) {
		if _, err := c.client.SendText(ctx, id.RoomID(roomID), chunk); err != nil {
			return fmt.Errorf("send matrix message: %w", err)
		}
	}
	for _, at := range attachments {
		uploaded, err := c.client.UploadBytes(ctx, at.Data, at.MimeType)
		if err != nil {
			return fmt.Errorf("upload matrix attachment: %w", err)
		}
		msg := &event.MessageEventContent{MsgType: event.MsgFile, Body: at.Filename, URL: uploaded.ContentURI}
		if _, err := c.client.SendMessageEvent(ctx, id.RoomID(roomID), event.EventMessage, msg); err != nil {
			return fmt.Errorf("send matrix attachment: %w", err)
		}
	}
	return nil
}

func (c *Channel) react(sess *session.Session, emoji, messageID string) error {
	sess.Lock()
	roomID := ""
	if sess.Matrix != nil {
		roomID = sess.Matrix.RoomID
	}
	if messageID == "" {
		messageID = sess.LastMessageID
	}
	sess.Unlock()
	if roomID == "" || messageID == "" {
		return nil
	}
	content := &event.ReactionEventContent{RelatesTo: event.RelatesTo{
		Type: event.RelAnnotation,
		EventID: id.EventID(messageID),
		Key: emoji,
	}}
	_, err := c.client.SendMessageEvent(context.Background(), id.RoomID(roomID), event.EventReaction, content)
	return err
}

func (c *Channel) download(sess *session.Session, messageID string) ([]tools.Attachment, error) {
	sess.Lock()
	roomID := ""
	if sess.Matrix != nil {
		roomID = sess.Matrix.RoomID
	}
	sess.Unlock()
	if roomID == "" || messageID == "" {
		return nil, nil
	}
	ctx := context.Background()
	evt, err := c.client.GetEvent(ctx, id.RoomID(roomID), id.EventID(messageID))
	if err != nil {
		return nil, fmt.Errorf("fetch matrix event: %w", err)
	}
	msgContent, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok || msgContent.URL == "" {
		return nil, nil
	}
	data, mime, err := c.downloadMXC(ctx, msgContent.URL)
	if err != nil {
		return nil, err
	}
	return []tools.Attachment{{Filename: msgContent.Body, MimeType: mime, Data: data}}, nil
}
