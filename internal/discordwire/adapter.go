// Package discordwire adapts discordgo's gateway and REST surfaces to the
// narrow interfaces the engine's OutboundSender, PresenceHandler, and
// Dispatcher depend on: message, delete, typing, presence and channel-update
// events in; webhook/bot sends and guild moderation calls out.
package discordwire

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/matrixdiscord/bridge/internal/command"
	"github.com/matrixdiscord/bridge/internal/messageflow"
	"github.com/matrixdiscord/bridge/internal/outbound"
)

// InboundMessage is the normalized shape the Dispatcher consumes for every
// Discord message create/update event.
type InboundMessage struct {
	MessageID            string
	ChannelID            string
	GuildID              string
	AuthorID             string
	AuthorName           string
	AuthorTag            string
	AvatarHash           string
	Content              string
	IsWebhook            bool
	WebhookID            string
	IsEdit               bool
	Timestamp            time.Time
	Attachments          []messageflow.Attachment
	ReferencedMessageID  string
}

// InboundDelete is raised for a single message delete.
type InboundDelete struct {
	MessageID string
	ChannelID string
}

// InboundBulkDelete is raised for Discord's bulk-delete gateway event.
type InboundBulkDelete struct {
	MessageIDs []string
	ChannelID  string
}

// InboundTyping is raised when a user starts typing in a bridged channel.
type InboundTyping struct {
	ChannelID string
	UserID    string
	Timestamp time.Time
}

// InboundChannelUpdate is raised when a bridged channel's name changes.
type InboundChannelUpdate struct {
	ChannelID string
	Name      string
}

// InboundPresence is raised on a Discord presence-update gateway event.
type InboundPresence struct {
	UserID     string
	Username   string
	Status     string // "online", "idle", "dnd", "offline"
	Activities []string
}

// Handlers is the set of callbacks the Dispatcher registers with the
// adapter. Each is invoked on the discordgo event goroutine; handlers must
// not block for long.
type Handlers struct {
	OnMessage       func(InboundMessage)
	OnDelete        func(InboundDelete)
	OnBulkDelete    func(InboundBulkDelete)
	OnTyping        func(InboundTyping)
	OnPresence      func(InboundPresence)
	OnChannelUpdate func(InboundChannelUpdate)
}

// Adapter owns the discordgo session and the reconnect supervisor loop.
type Adapter struct {
	session  *discordgo.Session
	handlers Handlers

	mu        sync.RWMutex
	selfUser  string
	webhookMu sync.Mutex
	disconnected chan struct{}
}

// New constructs an Adapter from a bot token already resolved by the
// config loader's credential-indirection pass.
func New(botToken string, handlers Handlers) (*Adapter, error) {
	session, err := discordgo.New("Bot " + botToken)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildMessageTyping |
		discordgo.IntentsGuildPresences |
		discordgo.IntentMessageContent

	a := &Adapter{
		session:      session,
		handlers:     handlers,
		disconnected: make(chan struct{}, 1),
	}

	session.AddHandler(a.onMessageCreate)
	session.AddHandler(a.onMessageUpdate)
	session.AddHandler(a.onMessageDelete)
	session.AddHandler(a.onMessageDeleteBulk)
	session.AddHandler(a.onTypingStart)
	session.AddHandler(a.onPresenceUpdate)
	session.AddHandler(a.onChannelUpdate)
	session.AddHandler(func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		select {
		case a.disconnected <- struct{}{}:
		default:
		}
	})

	return a, nil
}

// Run owns the gateway connection for the adapter's lifetime, reconnecting
// with capped exponential backoff on every disconnect until ctx is
// canceled.
func (a *Adapter) Run(ctx context.Context) {
	backoff := 2 * time.Second
	const maxBackoff = 300 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := a.connectAndRun(ctx); err != nil {
			log.Printf("[discordwire] session ended: %v", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		if backoff < maxBackoff {
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
		log.Printf("[discordwire] reconnecting")
	}
}

func (a *Adapter) connectAndRun(ctx context.Context) error {
	if err := a.session.Open(); err != nil {
		return fmt.Errorf("connect failed: %w", err)
	}

	if user := a.session.State.User; user != nil {
		a.mu.Lock()
		a.selfUser = user.ID
		a.mu.Unlock()
		log.Printf("[discordwire] authenticated (user=%s)", user.ID)
	}

	defer a.session.Close()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-a.disconnected:
		return fmt.Errorf("gateway disconnected")
	}
}

// SelfUserID returns the bridge's authenticated Discord user id, empty until
// the gateway connection completes.
func (a *Adapter) SelfUserID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.selfUser
}

func (a *Adapter) onMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m == nil || m.Message == nil || m.Author == nil {
		return
	}
	if a.handlers.OnMessage != nil {
		a.handlers.OnMessage(toInboundMessage(m.Message, false))
	}
}

func (a *Adapter) onMessageUpdate(_ *discordgo.Session, m *discordgo.MessageUpdate) {
	if m == nil || m.Message == nil || m.Author == nil {
		return
	}
	if a.handlers.OnMessage != nil {
		a.handlers.OnMessage(toInboundMessage(m.Message, true))
	}
}

func (a *Adapter) onMessageDelete(_ *discordgo.Session, m *discordgo.MessageDelete) {
	if m == nil || a.handlers.OnDelete == nil {
		return
	}
	a.handlers.OnDelete(InboundDelete{MessageID: m.ID, ChannelID: m.ChannelID})
}

func (a *Adapter) onMessageDeleteBulk(_ *discordgo.Session, m *discordgo.MessageDeleteBulk) {
	if m == nil || a.handlers.OnBulkDelete == nil {
		return
	}
	a.handlers.OnBulkDelete(InboundBulkDelete{MessageIDs: m.Messages, ChannelID: m.ChannelID})
}

func (a *Adapter) onTypingStart(_ *discordgo.Session, t *discordgo.TypingStart) {
	if t == nil || a.handlers.OnTyping == nil {
		return
	}
	a.handlers.OnTyping(InboundTyping{ChannelID: t.ChannelID, UserID: t.UserID, Timestamp: time.Unix(int64(t.Timestamp), 0)})
}

func (a *Adapter) onChannelUpdate(_ *discordgo.Session, c *discordgo.ChannelUpdate) {
	if c == nil || c.Channel == nil || a.handlers.OnChannelUpdate == nil {
		return
	}
	a.handlers.OnChannelUpdate(InboundChannelUpdate{ChannelID: c.ID, Name: c.Name})
}

func (a *Adapter) onPresenceUpdate(_ *discordgo.Session, p *discordgo.PresenceUpdate) {
	if p == nil || p.Presence.User == nil || a.handlers.OnPresence == nil {
		return
	}

	var activities []string
	for _, act := range p.Activities {
		if act != nil && act.Name != "" {
			activities = append(activities, act.Name)
		}
	}

	a.handlers.OnPresence(InboundPresence{
		UserID:     p.Presence.User.ID,
		Username:   p.Presence.User.Username,
		Status:     string(p.Status),
		Activities: activities,
	})
}

func toInboundMessage(m *discordgo.Message, isEdit bool) InboundMessage {
	var attachments []messageflow.Attachment
	for _, att := range m.Attachments {
		attachments = append(attachments, messageflow.Attachment{
			URL:      att.URL,
			Filename: att.Filename,
			Size:     int64(att.Size),
		})
	}

	referenced := ""
	if m.MessageReference != nil {
		referenced = m.MessageReference.MessageID
	}

	avatarHash := ""
	tag := m.Author.Username
	if m.Author.Discriminator != "" && m.Author.Discriminator != "0" {
		tag = m.Author.Username + "#" + m.Author.Discriminator
	}
	if m.Author.Avatar != "" {
		avatarHash = m.Author.Avatar
	}

	webhookID := ""
	if m.WebhookID != "" {
		webhookID = m.WebhookID
	}

	return InboundMessage{
		MessageID:           m.ID,
		ChannelID:           m.ChannelID,
		GuildID:             m.GuildID,
		AuthorID:            m.Author.ID,
		AuthorName:          m.Author.Username,
		AuthorTag:           tag,
		AvatarHash:          avatarHash,
		Content:             m.Content,
		IsWebhook:           webhookID != "",
		WebhookID:           webhookID,
		IsEdit:              isEdit,
		Timestamp:           m.Timestamp,
		Attachments:         attachments,
		ReferencedMessageID: referenced,
	}
}

// EnsureWebhook finds (or creates) the bridge's named webhook for a
// channel: one stable webhook per bridged channel, reused for every ghost
// identity rather than minted per-user.
func (a *Adapter) EnsureWebhook(channelID, webhookName string) (id, token string, err error) {
	a.webhookMu.Lock()
	defer a.webhookMu.Unlock()

	existing, err := a.session.ChannelWebhooks(channelID)
	if err != nil {
		return "", "", fmt.Errorf("list webhooks for channel %s: %w", channelID, err)
	}
	for _, wh := range existing {
		if wh.Name == webhookName {
			return wh.ID, wh.Token, nil
		}
	}

	created, err := a.session.WebhookCreate(channelID, webhookName, "")
	if err != nil {
		return "", "", fmt.Errorf("create webhook for channel %s: %w", channelID, err)
	}
	return created.ID, created.Token, nil
}

// SendViaWebhook delivers msg as the given ghost identity via the
// channel's webhook, impersonating the Discord-side display of a
// Matrix-origin user.
func (a *Adapter) SendViaWebhook(ctx context.Context, webhookID, webhookToken, username, avatarURL string, msg messageflow.OutboundDiscord) (outbound.DiscordSendResult, error) {
	params := &discordgo.WebhookParams{
		Content:   msg.Content,
		Username:  username,
		AvatarURL: avatarURL,
	}

	posted, err := a.session.WebhookExecute(webhookID, webhookToken, true, params, discordgo.WithContext(ctx))
	if err != nil {
		return outbound.DiscordSendResult{}, classifyDiscordError(err)
	}
	return outbound.DiscordSendResult{DiscordMessageID: posted.ID}, nil
}

// EditViaWebhook edits a message previously posted through the same
// channel webhook, used when a Matrix edit targets a message this bridge
// delivered as a ghost identity.
func (a *Adapter) EditViaWebhook(ctx context.Context, webhookID, webhookToken, messageID string, msg messageflow.OutboundDiscord) (outbound.DiscordSendResult, error) {
	edit := &discordgo.WebhookEdit{Content: &msg.Content}

	edited, err := a.session.WebhookMessageEdit(webhookID, webhookToken, messageID, edit, discordgo.WithContext(ctx))
	if err != nil {
		return outbound.DiscordSendResult{}, classifyDiscordError(err)
	}
	return outbound.DiscordSendResult{DiscordMessageID: edited.ID}, nil
}

// SendViaBot delivers msg as the bridge's own bot user — used for system
// notices (bridge/unbridge confirmations, moderation replies) that should
// not wear a ghost identity.
func (a *Adapter) SendViaBot(ctx context.Context, channelID string, msg messageflow.OutboundDiscord) (outbound.DiscordSendResult, error) {
	send := &discordgo.MessageSend{Content: msg.Content}
	if msg.ReplyTo != "" {
		send.Reference = &discordgo.MessageReference{MessageID: msg.ReplyTo, ChannelID: channelID}
	}

	posted, err := a.session.ChannelMessageSendComplex(channelID, send, discordgo.WithContext(ctx))
	if err != nil {
		return outbound.DiscordSendResult{}, classifyDiscordError(err)
	}
	return outbound.DiscordSendResult{DiscordMessageID: posted.ID}, nil
}

// GetChannelInfo resolves a Discord channel's name and owning guild, used
// when validating a bridge request before asking for approval.
func (a *Adapter) GetChannelInfo(ctx context.Context, channelID string) (name, guildID string, err error) {
	ch, err := a.session.Channel(channelID, discordgo.WithContext(ctx))
	if err != nil {
		return "", "", fmt.Errorf("fetch channel %s: %w", channelID, err)
	}
	return ch.Name, ch.GuildID, nil
}

// GetMemberPermissions computes userID's effective guild-level permissions
// in guildID, owner and role overrides included, for authorizing in-channel
// moderation commands.
func (a *Adapter) GetMemberPermissions(ctx context.Context, guildID, userID string) (command.DiscordPermissions, error) {
	guild, err := a.session.Guild(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return command.DiscordPermissions{}, fmt.Errorf("fetch guild %s: %w", guildID, err)
	}
	if guild.OwnerID == userID {
		return command.DiscordPermissions{BanMembers: true, KickMembers: true, ManageChannels: true}, nil
	}

	member, err := a.session.GuildMember(guildID, userID, discordgo.WithContext(ctx))
	if err != nil {
		return command.DiscordPermissions{}, fmt.Errorf("fetch member %s in guild %s: %w", userID, guildID, err)
	}

	roleByID := make(map[string]*discordgo.Role, len(guild.Roles))
	for _, role := range guild.Roles {
		roleByID[role.ID] = role
	}

	var perms int64
	for _, roleID := range member.Roles {
		if role, ok := roleByID[roleID]; ok {
			perms |= role.Permissions
		}
	}

	if perms&discordgo.PermissionAdministrator != 0 {
		return command.DiscordPermissions{BanMembers: true, KickMembers: true, ManageChannels: true}, nil
	}

	return command.DiscordPermissions{
		BanMembers:     perms&discordgo.PermissionBanMembers != 0,
		KickMembers:    perms&discordgo.PermissionKickMembers != 0,
		ManageChannels: perms&discordgo.PermissionManageChannels != 0,
	}, nil
}

// KickMember removes userID from guildID.
func (a *Adapter) KickMember(ctx context.Context, guildID, userID string) error {
	if err := a.session.GuildMemberDelete(guildID, userID, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("kick member %s from guild %s: %w", userID, guildID, err)
	}
	return nil
}

// BanMember bans userID from guildID.
func (a *Adapter) BanMember(ctx context.Context, guildID, userID string) error {
	if err := a.session.GuildBanCreateWithReason(guildID, userID, "", 0, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("ban member %s from guild %s: %w", userID, guildID, err)
	}
	return nil
}

// UnbanMember lifts a ban on userID in guildID.
func (a *Adapter) UnbanMember(ctx context.Context, guildID, userID string) error {
	if err := a.session.GuildBanDelete(guildID, userID, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("unban member %s in guild %s: %w", userID, guildID, err)
	}
	return nil
}

// classifyDiscordError distinguishes rate limiting (retryable) from other
// 4xx responses (permanent, per the error-handling design's no-retry-on-
// client-error rule).
func classifyDiscordError(err error) error {
	if restErr, ok := err.(*discordgo.RESTError); ok && restErr.Response != nil {
		code := restErr.Response.StatusCode
		if code == 429 || code >= 500 {
			return err
		}
		if code >= 400 {
			return &outbound.PermanentError{Err: err}
		}
	}
	return err
}
