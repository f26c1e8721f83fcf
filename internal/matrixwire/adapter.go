// Package matrixwire adapts maunium.net/go/mautrix's Application Service
// support to the narrow interfaces the engine's OutboundSender,
// PresenceHandler, and Dispatcher depend on: ghost ("ghost user")
// ensure/impersonate, transaction events in, message/relation sends out.
package matrixwire

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/appservice"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/matrixdiscord/bridge/internal/messageflow"
	"github.com/matrixdiscord/bridge/internal/outbound"
)

// Config configures the appservice registration and listener.
type Config struct {
	HomeserverURL    string
	HomeserverDomain string
	ASToken          string
	HSToken          string
	BotLocalpart     string // e.g. "discordbot"
	GhostPrefix      string // e.g. "_discord_"
	ListenHost       string
	ListenPort       uint16
}

// InboundEvent is the normalized shape the Dispatcher consumes for every
// Matrix room event delivered via an appservice transaction.
type InboundEvent struct {
	EventID     string
	RoomID      string
	Sender      string
	Type        string // always "m.room.message"; handleEvent forwards no other type
	Body        string
	FormattedHTML string
	InReplyToID string
	ReplaceOfID string
	Timestamp   time.Time
}

// Handlers is the set of callbacks the Dispatcher registers with the
// adapter.
type Handlers struct {
	OnMessage func(InboundEvent)
}

// Adapter owns the appservice listener and ghost-client registry.
type Adapter struct {
	as       *appservice.AppService
	handlers Handlers
	ghostPrefix  string
	domain       string
	botLocalpart string
}

// New builds the appservice registration and HTTP listener. Init only
// prepares the registration descriptor; Run starts accepting transactions.
func New(cfg Config, handlers Handlers) (*Adapter, error) {
	as := appservice.Create()
	as.HomeserverURL = cfg.HomeserverURL
	as.HomeserverDomain = cfg.HomeserverDomain
	as.Host.Hostname = cfg.ListenHost
	as.Host.Port = cfg.ListenPort

	as.Registration = &appservice.Registration{
		ID:              "discord-bridge",
		URL:             fmt.Sprintf("http://%s:%d", cfg.ListenHost, cfg.ListenPort),
		AppToken:        cfg.ASToken,
		ServerToken:     cfg.HSToken,
		SenderLocalpart: cfg.BotLocalpart,
		RateLimited:     boolPtr(false),
		Namespaces: appservice.Namespaces{
			UserIDs: []appservice.Namespace{{
				Regex:     fmt.Sprintf("@%s.*:%s", cfg.GhostPrefix, cfg.HomeserverDomain),
				Exclusive: true,
			}},
			RoomAliases: []appservice.Namespace{{
				Regex:     fmt.Sprintf("#%s.*:%s", cfg.GhostPrefix, cfg.HomeserverDomain),
				Exclusive: true,
			}},
		},
	}

	if err := as.Init(); err != nil {
		return nil, fmt.Errorf("init appservice: %w", err)
	}

	return &Adapter{
		as:           as,
		handlers:     handlers,
		ghostPrefix:  cfg.GhostPrefix,
		domain:       cfg.HomeserverDomain,
		botLocalpart: cfg.BotLocalpart,
	}, nil
}

// BotMXID returns the bridge bot's own Matrix user id, used to recognize and
// drop loopback of the bot's own sends when they're echoed back as events.
func (a *Adapter) BotMXID() string {
	return id.NewUserID(a.botLocalpart, a.domain).String()
}

func boolPtr(b bool) *bool { return &b }

// Run starts the appservice's HTTP transaction listener and drains the
// resulting event stream until ctx is canceled.
func (a *Adapter) Run(ctx context.Context) {
	go a.as.Start()
	defer a.as.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-a.as.Events:
			if !ok {
				return
			}
			a.handleEvent(evt)
		}
	}
}

func (a *Adapter) handleEvent(evt *event.Event) {
	if evt == nil {
		return
	}
	if evt.Type != event.EventMessage {
		switch evt.Type {
		case event.StateMember, event.StateEncryption, event.StateRoomName, event.StateTopic:
			log.Printf("[matrixwire] ignoring unhandled state event type %s in %s", evt.Type, evt.RoomID)
		default:
			if evt.Type.Type == "m.presence" {
				log.Printf("[matrixwire] ignoring unhandled presence event for %s", evt.Sender)
			} else {
				log.Printf("[matrixwire] ignoring unknown event type %s in %s", evt.Type, evt.RoomID)
			}
		}
		return
	}
	if a.handlers.OnMessage == nil {
		return
	}

	content := evt.Content.AsMessage()
	if content == nil {
		return
	}

	inbound := InboundEvent{
		EventID:   evt.ID.String(),
		RoomID:    evt.RoomID.String(),
		Sender:    evt.Sender.String(),
		Type:      string(evt.Type.Type),
		Body:      content.Body,
		Timestamp: time.UnixMilli(evt.Timestamp),
	}
	if content.Format == event.FormatHTML {
		inbound.FormattedHTML = content.FormattedBody
	}
	if content.RelatesTo != nil {
		if content.RelatesTo.InReplyTo != nil {
			inbound.InReplyToID = content.RelatesTo.InReplyTo.EventID.String()
		}
		if content.RelatesTo.Type == event.RelReplace {
			inbound.ReplaceOfID = content.RelatesTo.EventID.String()
		}
	}

	a.handlers.OnMessage(inbound)
}

// GhostMXID mirrors identity.Mapper.GhostMXID; kept here too so the wire
// adapter can resolve ghost intents without importing the identity
// package's store dependency.
func (a *Adapter) GhostMXID(discordUserID string) id.UserID {
	return id.NewUserID(a.ghostPrefix+discordUserID, a.domain)
}

// EnsureGhostIntent registers the ghost (if not already) and sets its
// display name and avatar, returning the intent used for impersonated
// sends.
func (a *Adapter) EnsureGhostIntent(ctx context.Context, discordUserID, displayName, avatarMXC string) (*appservice.IntentAPI, error) {
	intent := a.as.Intent(a.GhostMXID(discordUserID))

	if err := intent.EnsureRegistered(ctx); err != nil {
		return nil, fmt.Errorf("ensure ghost registered for %s: %w", discordUserID, err)
	}
	if displayName != "" {
		if err := intent.SetDisplayName(ctx, displayName); err != nil {
			log.Printf("[matrixwire] set display name failed for %s: %v", discordUserID, err)
		}
	}
	if avatarMXC != "" {
		if err := intent.SetAvatarURL(ctx, id.ContentURIString(avatarMXC).ParseOrIgnore()); err != nil {
			log.Printf("[matrixwire] set avatar failed for %s: %v", discordUserID, err)
		}
	}

	return intent, nil
}

// EnsureJoined makes sure the ghost intent is a member of roomID before
// sending into it.
func (a *Adapter) EnsureJoined(ctx context.Context, intent *appservice.IntentAPI, roomID string) error {
	if err := intent.EnsureJoined(ctx, id.RoomID(roomID)); err != nil {
		return fmt.Errorf("ensure ghost joined %s: %w", roomID, err)
	}
	return nil
}

// SendAsGhost delivers msg impersonating the given ghost intent, applying
// the m.relates_to / m.new_content envelope the relation mappings require.
func (a *Adapter) SendAsGhost(ctx context.Context, intent *appservice.IntentAPI, roomID string, msg messageflow.OutboundMatrix) (outbound.MatrixSendResult, error) {
	content := buildMessageContent(msg)

	resp, err := intent.SendMessageEvent(ctx, id.RoomID(roomID), event.EventMessage, content)
	if err != nil {
		return outbound.MatrixSendResult{}, classifyMatrixError(err)
	}
	return outbound.MatrixSendResult{MatrixEventID: resp.EventID.String()}, nil
}

// SendAsBot delivers a bridge-originated notice (moderation replies,
// bridge/unbridge confirmations) as the bridge's own bot user.
func (a *Adapter) SendAsBot(ctx context.Context, roomID, body string) (outbound.MatrixSendResult, error) {
	content := &event.MessageEventContent{MsgType: event.MsgNotice, Body: body}
	resp, err := a.as.BotIntent().SendMessageEvent(ctx, id.RoomID(roomID), event.EventMessage, content)
	if err != nil {
		return outbound.MatrixSendResult{}, classifyMatrixError(err)
	}
	return outbound.MatrixSendResult{MatrixEventID: resp.EventID.String()}, nil
}

// GetUserPowerLevel resolves userID's effective power level in roomID from
// the room's m.room.power_levels state, for authorizing in-room commands.
func (a *Adapter) GetUserPowerLevel(ctx context.Context, roomID, userID string) (int, error) {
	var content event.PowerLevelsEventContent
	if err := a.as.BotIntent().StateEvent(ctx, id.RoomID(roomID), event.StatePowerLevels, "", &content); err != nil {
		return 0, fmt.Errorf("fetch power levels for %s: %w", roomID, err)
	}
	return content.GetUserLevel(id.UserID(userID)), nil
}

// SetRoomName sets a room's m.room.name state as the bridge bot, used to
// reflect the bridged Discord channel name on bridge and to apply the
// unbridge name prefix on teardown.
func (a *Adapter) SetRoomName(ctx context.Context, roomID, name string) error {
	_, err := a.as.BotIntent().SendStateEvent(ctx, id.RoomID(roomID), event.StateRoomName, "", &event.RoomNameEventContent{Name: name})
	if err != nil {
		return fmt.Errorf("set room name for %s: %w", roomID, err)
	}
	return nil
}

// RedactEvent redacts a previously bridged event as the bridge bot, used
// to mirror a Discord message deletion onto Matrix.
func (a *Adapter) RedactEvent(ctx context.Context, roomID, eventID string) error {
	if eventID == "" {
		return nil
	}
	_, err := a.as.BotIntent().RedactEvent(ctx, id.RoomID(roomID), id.EventID(eventID))
	if err != nil {
		return fmt.Errorf("redact %s in room %s: %w", eventID, roomID, err)
	}
	return nil
}

// UploadAvatar fetches avatarURL from the Discord CDN and uploads the bytes
// into Matrix media under the ghost's own intent, returning the resulting
// mxc:// URI. Callers cache the result per (discord_user_id, avatar_hash)
// so a given avatar is fetched and uploaded at most once.
func (a *Adapter) UploadAvatar(ctx context.Context, discordUserID, avatarURL string) (string, error) {
	intent := a.as.Intent(a.GhostMXID(discordUserID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, avatarURL, nil)
	if err != nil {
		return "", fmt.Errorf("build avatar request for %s: %w", discordUserID, err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch avatar for %s: %w", discordUserID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch avatar for %s: unexpected status %d", discordUserID, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return "", fmt.Errorf("read avatar bytes for %s: %w", discordUserID, err)
	}

	uploaded, err := intent.UploadBytes(ctx, data, resp.Header.Get("Content-Type"))
	if err != nil {
		return "", fmt.Errorf("upload avatar for %s: %w", discordUserID, err)
	}

	return uploaded.ContentURI.String(), nil
}

// SetGhostTyping forwards a Discord typing indicator as a fixed 4-second
// Matrix typing notification.
func (a *Adapter) SetGhostTyping(ctx context.Context, intent *appservice.IntentAPI, roomID string) error {
	_, err := intent.UserTyping(ctx, id.RoomID(roomID), true, 4000*time.Millisecond)
	return err
}

// SetGhostPresence forwards a Discord presence state ("online", "unavailable",
// or "offline") onto the ghost's own Matrix presence.
func (a *Adapter) SetGhostPresence(ctx context.Context, intent *appservice.IntentAPI, presenceState string) error {
	if err := intent.SetPresence(ctx, event.Presence(presenceState)); err != nil {
		return fmt.Errorf("set presence: %w", err)
	}
	return nil
}

// buildMessageContent constructs the event.MessageEventContent envelope for
// a translated outbound message, including reply and edit relations.
func buildMessageContent(msg messageflow.OutboundMatrix) *event.MessageEventContent {
	content := &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    msg.Body,
	}

	if msg.EditOf != "" {
		newContent := &event.MessageEventContent{MsgType: event.MsgText, Body: msg.Body}
		content.Body = "* " + msg.Body
		content.NewContent = newContent
		content.RelatesTo = &event.RelatesTo{
			Type:    event.RelReplace,
			EventID: id.EventID(msg.EditOf),
		}
		if msg.ReplyTo != "" {
			content.RelatesTo.InReplyTo = &event.InReplyTo{EventID: id.EventID(msg.ReplyTo)}
		}
		return content
	}

	if msg.ReplyTo != "" {
		content.RelatesTo = &event.RelatesTo{
			InReplyTo: &event.InReplyTo{EventID: id.EventID(msg.ReplyTo)},
		}
	}

	return content
}

// classifyMatrixError distinguishes forbidden (permanent) from rate-limit
// and transient errors (retryable), reusing mautrix's typed sentinel
// errors the way the Matrix client idiom does for M_FORBIDDEN.
func classifyMatrixError(err error) error {
	if errors.Is(err, mautrix.MForbidden) || errors.Is(err, mautrix.MUnknownToken) {
		return &outbound.PermanentError{Err: err}
	}
	return err
}
