// Package discord implements the Discord chat transport using
// github.com/bwmarrin/discordgo: a gateway session (discordgo.New, intents,
// AddHandler, Open/Close) that routes inbound messages into a
// per-(channelId,guildId) session and dispatches outbound replies back
// through the bot gateway, chunked to Discord's message-length limit.
package discord

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/cireilclaw/cireilclaw/internal/agent"
	channelsshared "github.com/cireilclaw/cireilclaw/internal/channels"
	"github.com/cireilclaw/cireilclaw/internal/chatchunk"
	"github.com/cireilclaw/cireilclaw/internal/config"
	"github.com/cireilclaw/cireilclaw/internal/scheduler"
	"github.com/cireilclaw/cireilclaw/internal/session"
	"github.com/cireilclaw/cireilclaw/internal/tools"
	"github.com/cireilclaw/cireilclaw/internal/turnengine"
)

// outboundLimit is Discord's per-message character cap; send chunks at
// outboundLimit-200 (1800), safely under it.
const outboundLimit = 2000

// Channel connects one agent to Discord over the bot gateway.
type Channel struct {
	agent *agent.Agent
	engine *turnengine.Engine
	sched *scheduler.Scheduler
	log *slog.Logger
	session *discordgo.Session

	botUserID string
}

// New builds a Discord channel for agent a from cfg. It registers a's
// Send/React/DownloadAttachments handlers for session.ChannelDiscord, so
// once Start succeeds they route through this transport.
func New(a *agent.Agent, eng *turnengine.Engine, sched *scheduler.Scheduler, cfg *config.DiscordChannelConfig, log *slog.Logger) (*Channel, error) {
	if log == nil {
		log = slog.Default()
	}
	dg, err := discordgo.New("Bot " + cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	dg.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	c := &Channel{
		agent: a,
		engine: eng,
		sched: sched,
		log: log.With("agent", a.Slug, "channel", "discord"),
		session: dg,
	}
	a.RegisterSend(session.ChannelDiscord, c.send)
	a.RegisterReact(session.ChannelDiscord, c.react)
	a.RegisterDownload(session.ChannelDiscord, c.download)
	return c, nil
}

func (c *Channel) Name() string { return "discord" }

// Start opens the gateway connection and begins receiving events.
func (c *Channel) Start() error {
	c.session.AddHandler(c.handleMessage)
	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord gateway: %w", err)
	}
	me, err := c.session.User("@me")
	if err != nil {
		c.session.Close()
		return fmt.Errorf("fetch discord bot identity: %w", err)
	}
	c.botUserID = me.ID
	c.log.Info("discord gateway connected", "botUser", me.Username)
	return nil
}

// Stop closes the gateway connection.
func (c *Channel) Stop() error {
	return c.session.Close()
}

func (c *Channel) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot || m.Author.ID == c.botUserID {
		return
	}

	sessID := session.DiscordSessionID(m.ChannelID, m.GuildID)
	sess := c.agent.Store.GetOrCreate(sessID, session.ChannelDiscord)
	sess.Lock()
	if sess.Discord == nil {
		isNSFW := false
		if ch, err := c.session.Channel(m.ChannelID); err == nil {
			isNSFW = ch.NSFW
		}
		sess.Discord = &session.DiscordMeta{ChannelID: m.ChannelID, GuildID: m.GuildID, IsNSFW: isNSFW}
	}
	sess.LastMessageID = m.ID
	sess.Unlock()

	content := m.Content
	for _, att := range m.Attachments {
		if img, ok := downloadImageAttachment(att.URL, att.ContentType); ok {
			sess.Lock()
			sess.PendingImages = append(sess.PendingImages, img)
			sess.Unlock()
		} else if content != "" {
			content += "\n[attachment: " + att.URL + "]"
		} else {
			content = "[attachment: " + att.URL + "]"
		}
	}
	if content == "" {
		content = "[empty message]"
	}

	channelsshared.RunInboundTurn(
		context.Background(), c.agent, c.engine, c.sched, sess,
		string(session.ChannelDiscord), m.GuildID,
		channelsshared.InboundMessage{Text: content, ChannelFields: discordFields(sess)},
		c.log,
	)
}

func discordFields(sess *session.Session) map[string]string {
	sess.Lock()
	defer sess.Unlock()
	if sess.Discord == nil {
		return nil
	}
	return map[string]string{
		"channelId": sess.Discord.ChannelID,
		"guildId": sess.Discord.GuildID,
		"isNsfw": fmt.Sprintf("%t", sess.Discord.IsNSFW),
	}
}

// send delivers content to the Discord channel, chunking per chatchunk and
// attaching any tool-produced attachments to the final chunk.
func (c *Channel) send(sess *session.Session, content string, attachments []tools.Attachment) error {
	sess.Lock()
	channelID := ""
	if sess.Discord != nil {
		channelID = sess.Discord.ChannelID
	}
	sess.Unlock()
	if channelID == "" {
		return fmt.Errorf("discord send: session %s has no channel id", sess.ID)
	}

	chunks := chatchunk.Split(content, outboundLimit-200)
	for i, chunk := range chunks {
		if i < len(chunks)-1 || len(attachments) == 0 {
			if _, err := c.session.ChannelMessageSend(channelID, chunk); err != nil {
				return fmt.Errorf("send discord message: %w", err)
			}
			continue
		}
		msg := &discordgo.MessageSend{Content: chunk}
		for _, at := range attachments {
			msg.Files = append(msg.Files, &discordgo.File{Name: at.Filename, ContentType: at.MimeType, Reader: bytes.NewReader(at.Data)})
		}
		if _, err := c.session.ChannelMessageSendComplex(channelID, msg); err != nil {
			return fmt.Errorf("send discord message with attachments: %w", err)
		}
	}
	return nil
}

func (c *Channel) react(sess *session.Session, emoji, messageID string) error {
	sess.Lock()
	channelID := ""
	if sess.Discord != nil {
		channelID = sess.Discord.ChannelID
	}
	if messageID == "" {
		messageID = sess.LastMessageID
	}
	sess.Unlock()
	if channelID == "" || messageID == "" {
		return nil
	}
	return c.session.MessageReactionAdd(channelID, messageID, emoji)
}

func (c *Channel) download(sess *session.Session, messageID string) ([]tools.Attachment, error) {
	sess.Lock()
	channelID := ""
	if sess.Discord != nil {
		channelID = sess.Discord.ChannelID
	}
	sess.Unlock()
	if channelID == "" || messageID == "" {
		return nil, nil
	}
	m, err := c.session.ChannelMessage(channelID, messageID)
	if err != nil {
		return nil, fmt.Errorf("fetch discord message: %w", err)
	}
	var out []tools.Attachment
	for _, att := range m.Attachments {
		resp, err := http.Get(att.URL)
		if err != nil {
			continue
		}
		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			continue
		}
		out = append(out, tools.Attachment{Filename: att.Filename, MimeType: att.ContentType, Data: data})
	}
	return out, nil
}

func downloadImageAttachment(url, contentType string) (session.ImageContent, bool) {
	if !strings.HasPrefix(contentType, "image/") {
		return session.ImageContent{}, false
	}
	resp, err := http.Get(url)
	if err != nil {
		return session.ImageContent{}, false
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil || len(data) == 0 {
		return session.ImageContent{}, false
	}
	return session.ImageContent{MediaType: contentType, Data: data}, true
}

