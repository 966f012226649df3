package gateway

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/agentloop/agentloop/internal/common/logger"
	"github.com/agentloop/agentloop/internal/conversation"
)

// Discord message bodies cap at 2000 characters; longer responses are split
// at line boundaries.
const discordMaxMessageLen = 2000

// InboundHandler receives one user message keyed by channel. The blocks are
// already validated conversation content.
type InboundHandler func(ctx context.Context, channelKey string, blocks []conversation.ContentBlock)

// DiscordConfig configures the bot connection.
type DiscordConfig struct {
	Token          string
	AllowedUsers   []string
	RequireMention bool
}

// Discord is the chat gateway backed by a Discord bot session. Outbound it
// implements Gateway for the discord_send tool; inbound it forwards guild
// and direct messages to the handler on "discord:<channel-id>" keys.
type Discord struct {
	cfg       DiscordConfig
	session   *discordgo.Session
	handler   InboundHandler
	logger    *logger.Logger
	botUserID string
}

var _ Gateway = (*Discord)(nil)

// NewDiscord builds the bot session without connecting.
func NewDiscord(cfg DiscordConfig, handler InboundHandler, log *logger.Logger) (*Discord, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	return &Discord{
		cfg:     cfg,
		session: session,
		handler: handler,
		logger:  log.WithFields(zap.String("component", "discord-gateway")),
	}, nil
}

// Start opens the gateway connection and registers the inbound handler.
func (d *Discord) Start(ctx context.Context) error {
	d.session.AddHandler(d.onMessageCreate)

	if err := d.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}

	user, err := d.session.User("@me")
	if err != nil {
		d.session.Close()
		return fmt.Errorf("fetch bot identity: %w", err)
	}
	d.botUserID = user.ID

	d.logger.Info("discord connected",
		zap.String("username", user.Username), zap.String("id", user.ID))
	return nil
}

// Stop closes the gateway connection.
func (d *Discord) Stop() error {
	return d.session.Close()
}

func (d *Discord) onMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == d.botUserID || m.Author.Bot {
		return
	}
	if !d.allowed(m.Author.ID, m.Author.Username) {
		d.logger.Debug("message from disallowed user dropped",
			zap.String("user", m.Author.Username))
		return
	}
	// Guild channels require an explicit @bot mention; DMs never do.
	if d.cfg.RequireMention && m.GuildID != "" && !d.mentionsBot(m) {
		return
	}

	content := strings.TrimSpace(d.stripBotMention(m.Content))
	blocks := d.buildBlocks(content, m.Attachments)
	if len(blocks) == 0 {
		return
	}

	channelKey := "discord:" + m.ChannelID
	d.logger.Info("inbound message",
		zap.String("channel", channelKey), zap.String("user", m.Author.Username))

	if d.handler != nil {
		go d.handler(context.Background(), channelKey, blocks)
	}
}

func (d *Discord) buildBlocks(content string, attachments []*discordgo.MessageAttachment) []conversation.ContentBlock {
	var blocks []conversation.ContentBlock
	if content != "" {
		blocks = append(blocks, conversation.TextBlock(content))
	}
	for _, att := range attachments {
		if att.URL == "" {
			continue
		}
		// Attachments arrive by URL; the loop renders path/URL references as
		// read instructions, so no download happens here.
		blocks = append(blocks, conversation.ImagePathBlock(att.URL))
	}
	return blocks
}

func (d *Discord) allowed(userID, username string) bool {
	if len(d.cfg.AllowedUsers) == 0 {
		return true
	}
	for _, allowed := range d.cfg.AllowedUsers {
		if allowed == userID || allowed == username {
			return true
		}
	}
	return false
}

func (d *Discord) mentionsBot(m *discordgo.MessageCreate) bool {
	for _, user := range m.Mentions {
		if user.ID == d.botUserID {
			return true
		}
	}
	return false
}

func (d *Discord) stripBotMention(content string) string {
	content = strings.ReplaceAll(content, "<@"+d.botUserID+">", "")
	return strings.ReplaceAll(content, "<@!"+d.botUserID+">", "")
}

// SendMessage writes content to the channel, chunked to the Discord limit.
func (d *Discord) SendMessage(_ context.Context, channelID, content string) error {
	if content == "" {
		return nil
	}
	for _, chunk := range chunkMessage(content, discordMaxMessageLen) {
		if _, err := d.session.ChannelMessageSend(channelID, chunk); err != nil {
			return fmt.Errorf("send to %s: %w", channelID, err)
		}
	}
	return nil
}

// SendFile uploads a file from disk to the channel.
func (d *Discord) SendFile(_ context.Context, channelID, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	if _, err := d.session.ChannelFileSend(channelID, filepath.Base(path), f); err != nil {
		return fmt.Errorf("upload %s to %s: %w", path, channelID, err)
	}
	return nil
}

// SendImage is SendFile; Discord renders image uploads inline.
func (d *Discord) SendImage(ctx context.Context, channelID, path string) error {
	return d.SendFile(ctx, channelID, path)
}

// chunkMessage splits content into pieces of at most limit bytes, preferring
// newline boundaries.
func chunkMessage(content string, limit int) []string {
	if len(content) <= limit {
		return []string{content}
	}
	var chunks []string
	for len(content) > limit {
		cut := strings.LastIndex(content[:limit], "\n")
		if cut <= 0 {
			cut = limit
		}
		chunks = append(chunks, strings.TrimRight(content[:cut], "\n"))
		content = strings.TrimLeft(content[cut:], "\n")
	}
	if content != "" {
		chunks = append(chunks, content)
	}
	return chunks
}
