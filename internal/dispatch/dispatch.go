// Package dispatch implements the Dispatcher: the event loop that accepts
// normalized inbound events from either side, applies the universal
// filters (self-echo, age cutoff, idempotency), and routes surviving
// events through MessageFlow, IdentityMapper, and OutboundSender.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"maunium.net/go/mautrix/appservice"

	"github.com/matrixdiscord/bridge/internal/command"
	"github.com/matrixdiscord/bridge/internal/discordwire"
	"github.com/matrixdiscord/bridge/internal/identity"
	"github.com/matrixdiscord/bridge/internal/matrixwire"
	"github.com/matrixdiscord/bridge/internal/messageflow"
	"github.com/matrixdiscord/bridge/internal/outbound"
	"github.com/matrixdiscord/bridge/internal/provisioning"
	"github.com/matrixdiscord/bridge/internal/store"
)

const ageCutoff = 15 * time.Minute

// GhostSender abstracts the Matrix-side send path the Dispatcher needs;
// implemented by matrixwire.Adapter, narrowed here so this package's tests
// can supply a fake.
type GhostSender interface {
	EnsureGhostIntent(ctx context.Context, discordUserID, displayName, avatarMXC string) (*appservice.IntentAPI, error)
	SendAsGhost(ctx context.Context, intent *appservice.IntentAPI, roomID string, msg messageflow.OutboundMatrix) (outbound.MatrixSendResult, error)
	SendAsBot(ctx context.Context, roomID, body string) (outbound.MatrixSendResult, error)
	GetUserPowerLevel(ctx context.Context, roomID, userID string) (int, error)
	SetRoomName(ctx context.Context, roomID, name string) error
	SetGhostTyping(ctx context.Context, intent *appservice.IntentAPI, roomID string) error
	RedactEvent(ctx context.Context, roomID, eventID string) error
	// BotMXID returns the bridge bot's own Matrix user id, for self-echo
	// detection on SendAsBot loopback.
	BotMXID() string
}

// DiscordSender abstracts the Discord-side send path the Dispatcher needs.
type DiscordSender interface {
	EnsureWebhook(channelID, webhookName string) (id, token string, err error)
	SendViaWebhook(ctx context.Context, webhookID, webhookToken, username, avatarURL string, msg messageflow.OutboundDiscord) (outbound.DiscordSendResult, error)
	SendViaBot(ctx context.Context, channelID string, msg messageflow.OutboundDiscord) (outbound.DiscordSendResult, error)
	EditViaWebhook(ctx context.Context, webhookID, webhookToken, messageID string, msg messageflow.OutboundDiscord) (outbound.DiscordSendResult, error)
	GetChannelInfo(ctx context.Context, channelID string) (name, guildID string, err error)
	GetMemberPermissions(ctx context.Context, guildID, userID string) (command.DiscordPermissions, error)
	KickMember(ctx context.Context, guildID, userID string) error
	BanMember(ctx context.Context, guildID, userID string) error
	UnbanMember(ctx context.Context, guildID, userID string) error
	// SelfUserID returns the bridge's authenticated Discord user id, for
	// self-echo detection on SendViaBot loopback. Empty until the gateway
	// connection completes.
	SelfUserID() string
}

// Config configures the Dispatcher's identity/echo parameters and the
// bridge/unbridge command's policy knobs.
type Config struct {
	WebhookName string

	// RoomLimit caps the number of live RoomMappings a bridge request may
	// create; negative means unlimited.
	RoomLimit int
	// UnbridgeNamePrefix is prepended to the Matrix room name when a
	// bridge is torn down, if non-empty.
	UnbridgeNamePrefix string
	// DisableDeletionForwarding, when set, stops both single and bulk
	// Discord message deletions from redacting the bridged Matrix event.
	DisableDeletionForwarding bool
}

// Dispatcher wires MappingStore, IdentityMapper, MessageFlow,
// ProvisioningCoordinator, CommandRouter, and OutboundSender together.
type Dispatcher struct {
	store        store.MappingStore
	identity     *identity.Mapper
	provisioning *provisioning.Coordinator
	sender       *outbound.Sender
	discord      DiscordSender
	matrix       GhostSender
	cfg          Config
}

func New(s store.MappingStore, idm *identity.Mapper, prov *provisioning.Coordinator, sender *outbound.Sender, discord DiscordSender, matrix GhostSender, cfg Config) *Dispatcher {
	return &Dispatcher{
		store:        s,
		identity:     idm,
		provisioning: prov,
		sender:       sender,
		discord:      discord,
		matrix:       matrix,
		cfg:          cfg,
	}
}

// admitEvent applies the age-cutoff and idempotency filters common to both
// sides. It returns false if the event should be dropped. Events without an
// id bypass both filters. Admitting an event does not mark it processed;
// callers do that with markProcessed once handling succeeds.
func (d *Dispatcher) admitEvent(source, eventID, eventType string, originTimestamp time.Time) bool {
	if eventID == "" {
		return true // some event kinds (e.g. typing) carry no stable id to dedupe on
	}

	if time.Since(originTimestamp) > ageCutoff {
		return false
	}

	processed, err := d.store.HasProcessedEvent(source, eventID)
	if err != nil {
		log.Printf("[dispatch] idempotency check failed for %s/%s: %v", source, eventID, err)
		return true // fail open: better a possible duplicate than a dropped message
	}
	if processed {
		return false
	}

	return true
}

func (d *Dispatcher) markProcessed(source, eventID, eventType string) {
	if eventID == "" {
		return
	}
	if err := d.store.MarkEventProcessed(source, eventID, eventType); err != nil {
		log.Printf("[dispatch] failed to mark %s/%s processed: %v", source, eventID, err)
	}
}

func (d *Dispatcher) recordActivity(userMappingID int64, activityType, metadata string) {
	if userMappingID == 0 {
		return
	}
	if err := d.store.RecordUserActivity(userMappingID, activityType, metadata); err != nil {
		log.Printf("[dispatch] failed to record %s activity for user mapping %d: %v", activityType, userMappingID, err)
	}
}

// HandleDiscordMessage is the entry point for both message-create and
// message-update events from the Discord adapter.
func (d *Dispatcher) HandleDiscordMessage(ctx context.Context, msg discordwire.InboundMessage) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[dispatch] recovered from panic handling discord message %s: %v", msg.MessageID, r)
		}
	}()

	if msg.IsWebhook && d.identity.OwnsWebhook(msg.WebhookID) {
		return // self-echo: our own bridged webhook send coming back on the gateway
	}
	if self := d.discord.SelfUserID(); self != "" && msg.AuthorID == self {
		return // self-echo: our own bot-authored reply coming back on the gateway
	}

	eventType := "message_create"
	if msg.IsEdit {
		eventType = "message_update"
	}
	if !d.admitEvent("discord", msg.MessageID, eventType, msg.Timestamp) {
		return
	}

	if err := d.handleDiscordMessage(ctx, msg); err != nil {
		log.Printf("[dispatch] discord message %s handling failed: %v", msg.MessageID, err)
		return
	}

	d.markProcessed("discord", msg.MessageID, eventType)
}

func (d *Dispatcher) handleDiscordMessage(ctx context.Context, msg discordwire.InboundMessage) error {
	if strings.HasPrefix(msg.Content, "!matrix") {
		perms := command.DiscordPermissions{}
		if p, err := d.discord.GetMemberPermissions(ctx, msg.GuildID, msg.AuthorID); err != nil {
			log.Printf("[dispatch] permission lookup failed for %s in guild %s: %v", msg.AuthorID, msg.GuildID, err)
		} else {
			perms = p
		}
		if routed := command.RouteDiscord(msg.Content, perms); routed.Kind != command.KindIgnored {
			return d.handleDiscordCommand(ctx, msg, routed)
		}
	}

	room, err := d.store.GetRoomByDiscordChannel(msg.ChannelID)
	if err != nil {
		if errors.Is(err, store.ErrRoomNotFound) {
			return nil // channel isn't bridged; nothing to forward
		}
		return fmt.Errorf("resolve room for discord channel %s: %w", msg.ChannelID, err)
	}

	_, discriminator, _ := strings.Cut(msg.AuthorTag, "#")
	userMapping, err := d.identity.EnsureGhost(identity.DiscordUser{
		ID:            msg.AuthorID,
		Username:      msg.AuthorName,
		Discriminator: discriminator,
		AvatarHash:    msg.AvatarHash,
	})
	if err != nil {
		return fmt.Errorf("ensure ghost for discord user %s: %w", msg.AuthorID, err)
	}

	inbound := messageflow.DiscordInbound{
		Content:            msg.Content,
		ReferencedMessage:  msg.ReferencedMessageID,
		Attachments:        msg.Attachments,
	}
	if msg.IsEdit {
		inbound.EditSourceMessage = msg.MessageID
	}

	draft := messageflow.TranslateDiscordToMatrix(inbound)
	mappings := d.resolveDiscordRelations(msg.ReferencedMessageID, inbound.EditSourceMessage)
	draft = messageflow.ApplyMessageRelationMappingsMatrix(draft, mappings)
	for _, warning := range messageflow.OversizedWarnings(msg.Attachments, messageflow.MaxMatrixAttachmentBytes) {
		draft.Body += "\n" + warning
	}

	intent, err := d.matrix.EnsureGhostIntent(ctx, msg.AuthorID, d.identity.RenderDisplayName(identity.DiscordUser{
		ID: msg.AuthorID, Username: msg.AuthorName, Discriminator: discriminator,
	}), userMapping.DiscordAvatar)
	if err != nil {
		return fmt.Errorf("ensure ghost intent: %w", err)
	}

	if _, err := d.sendToMatrix(ctx, room.MatrixRoomID, intent, msg.MessageID, draft); err != nil {
		return fmt.Errorf("deliver to matrix room %s: %w", room.MatrixRoomID, err)
	}

	d.recordActivity(userMapping.ID, "message", msg.ChannelID)
	return nil
}

func (d *Dispatcher) sendToMatrix(ctx context.Context, roomID string, intent *appservice.IntentAPI, discordMessageID string, draft messageflow.OutboundMatrix) (outbound.MatrixSendResult, error) {
	return d.sender.SendToMatrix(ctx, roomID, discordMessageID, func(ctx context.Context) (outbound.MatrixSendResult, error) {
		return d.matrix.SendAsGhost(ctx, intent, roomID, draft)
	})
}

func (d *Dispatcher) resolveDiscordRelations(referencedMessageID, editSourceMessageID string) messageflow.RelationMappings {
	var mappings messageflow.RelationMappings

	if referencedMessageID != "" {
		if m, err := d.store.GetMessageByDiscordID(referencedMessageID); err == nil {
			mappings.ReplyMapping = messageflow.ResolvedMapping(m.MatrixEventID, true)
		} else {
			mappings.ReplyMapping = messageflow.DroppedMapping()
		}
	}
	if editSourceMessageID != "" {
		if m, err := d.store.GetMessageByDiscordID(editSourceMessageID); err == nil {
			mappings.EditMapping = messageflow.ResolvedMapping(m.MatrixEventID, true)
		} else {
			mappings.EditMapping = messageflow.DroppedMapping()
		}
	}

	return mappings
}

func (d *Dispatcher) handleDiscordCommand(ctx context.Context, msg discordwire.InboundMessage, outcome command.Outcome) error {
	switch outcome.Kind {
	case command.KindReply:
		_, err := d.discord.SendViaBot(ctx, msg.ChannelID, messageflow.OutboundDiscord{Content: outcome.Text})
		return err
	case command.KindApproveRequested:
		return d.resolveBridgeApproval(ctx, msg.ChannelID, true)
	case command.KindDenyRequested:
		return d.resolveBridgeApproval(ctx, msg.ChannelID, false)
	case command.KindUnbridgeRequested:
		return d.unbridgeDiscordChannel(ctx, msg.ChannelID)
	case command.KindModerationRequested:
		return d.applyModeration(ctx, msg.GuildID, outcome)
	default:
		return nil
	}
}

// resolveBridgeApproval settles the pending bridge request for channelID,
// if any. A missing or already-settled request yields a channel notice
// rather than an error, since this is a routine user mistake, not a
// failure.
func (d *Dispatcher) resolveBridgeApproval(ctx context.Context, channelID string, approved bool) error {
	if result := d.provisioning.MarkApproval(channelID, approved); result == provisioning.MarkExpired {
		_, err := d.discord.SendViaBot(ctx, channelID, messageflow.OutboundDiscord{Content: "No pending bridge request for this channel."})
		return err
	}
	return nil
}

func (d *Dispatcher) unbridgeDiscordChannel(ctx context.Context, channelID string) error {
	room, err := d.store.GetRoomByDiscordChannel(channelID)
	if err != nil {
		if errors.Is(err, store.ErrRoomNotFound) {
			_, sendErr := d.discord.SendViaBot(ctx, channelID, messageflow.OutboundDiscord{Content: "This channel is not bridged."})
			return sendErr
		}
		return err
	}
	if err := d.store.DeleteRoomMapping(room.ID); err != nil {
		return err
	}
	d.applyUnbridgeNamePrefix(ctx, room)

	_, err = d.discord.SendViaBot(ctx, channelID, messageflow.OutboundDiscord{Content: "This channel has been unbridged from Matrix."})
	return err
}

func (d *Dispatcher) applyModeration(ctx context.Context, guildID string, outcome command.Outcome) error {
	var err error
	switch outcome.Action {
	case command.ModerationKick:
		err = d.discord.KickMember(ctx, guildID, outcome.Target)
	case command.ModerationBan:
		err = d.discord.BanMember(ctx, guildID, outcome.Target)
	case command.ModerationUnban:
		err = d.discord.UnbanMember(ctx, guildID, outcome.Target)
	}
	if err != nil {
		return fmt.Errorf("apply moderation %s to %s: %w", outcome.Action, outcome.Target, err)
	}
	return nil
}

func (d *Dispatcher) applyUnbridgeNamePrefix(ctx context.Context, room store.RoomMapping) {
	if d.cfg.UnbridgeNamePrefix == "" {
		return
	}
	if err := d.matrix.SetRoomName(ctx, room.MatrixRoomID, d.cfg.UnbridgeNamePrefix+room.DiscordChannelName); err != nil {
		log.Printf("[dispatch] failed to rename unbridged room %s: %v", room.MatrixRoomID, err)
	}
}

// HandleDiscordDelete redacts the bridged Matrix event for a single
// deleted Discord message, if one exists.
func (d *Dispatcher) HandleDiscordDelete(ctx context.Context, del discordwire.InboundDelete) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[dispatch] recovered from panic handling discord delete %s: %v", del.MessageID, r)
		}
	}()

	if d.cfg.DisableDeletionForwarding {
		return
	}

	mapping, err := d.store.GetMessageByDiscordID(del.MessageID)
	if err != nil {
		return // nothing bridged for this message; not an error
	}
	if err := d.store.DeleteMessageMapping(del.MessageID); err != nil {
		log.Printf("[dispatch] failed to clear message mapping for %s: %v", del.MessageID, err)
	}
	if err := d.matrix.RedactEvent(ctx, mapping.MatrixRoomID, mapping.MatrixEventID); err != nil {
		log.Printf("[dispatch] failed to redact %s in room %s: %v", mapping.MatrixEventID, mapping.MatrixRoomID, err)
	}
}

// HandleDiscordBulkDelete redacts every bridged Matrix event in a Discord
// bulk-delete batch, continuing past individual failures.
func (d *Dispatcher) HandleDiscordBulkDelete(ctx context.Context, bulk discordwire.InboundBulkDelete) {
	for _, id := range bulk.MessageIDs {
		d.HandleDiscordDelete(ctx, discordwire.InboundDelete{MessageID: id, ChannelID: bulk.ChannelID})
	}
}

// HandleDiscordChannelUpdate keeps a bridged channel's cached name in sync
// when Discord reports it renamed, so future bridge status output and
// Matrix room naming reflect the current channel name.
func (d *Dispatcher) HandleDiscordChannelUpdate(ctx context.Context, update discordwire.InboundChannelUpdate) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[dispatch] recovered from panic handling discord channel update %s: %v", update.ChannelID, r)
		}
	}()

	if err := d.store.RenameRoomChannel(update.ChannelID, update.Name); err != nil {
		if !errors.Is(err, store.ErrRoomNotFound) {
			log.Printf("[dispatch] failed to rename channel mapping for %s: %v", update.ChannelID, err)
		}
		return
	}
}

// HandleDiscordTyping forwards a fresh Discord typing indicator to the
// mapped Matrix room as a ghost typing notification. Stale events (past
// Matrix's 4-second typing timeout by the time they're processed) are
// dropped rather than forwarded.
func (d *Dispatcher) HandleDiscordTyping(ctx context.Context, typing discordwire.InboundTyping) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[dispatch] recovered from panic handling discord typing in %s: %v", typing.ChannelID, r)
		}
	}()

	if !outbound.ShouldForwardDiscordTyping(typing.Timestamp, time.Now()) {
		return
	}

	room, err := d.store.GetRoomByDiscordChannel(typing.ChannelID)
	if err != nil {
		return
	}

	intent, err := d.matrix.EnsureGhostIntent(ctx, typing.UserID, "", "")
	if err != nil {
		log.Printf("[dispatch] ensure ghost intent for typing failed (%s): %v", typing.UserID, err)
		return
	}
	if err := d.matrix.SetGhostTyping(ctx, intent, room.MatrixRoomID); err != nil {
		log.Printf("[dispatch] set ghost typing failed for room %s: %v", room.MatrixRoomID, err)
	}
}

// HandleMatrixEvent is the entry point for every Matrix appservice
// transaction event.
func (d *Dispatcher) HandleMatrixEvent(ctx context.Context, evt matrixwire.InboundEvent) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[dispatch] recovered from panic handling matrix event %s: %v", evt.EventID, r)
		}
	}()

	if self := d.matrix.BotMXID(); self != "" && evt.Sender == self {
		return // self-echo: our own bot-authored reply coming back through the appservice
	}

	if !d.admitEvent("matrix", evt.EventID, evt.Type, evt.Timestamp) {
		return
	}

	if err := d.handleMatrixMessage(ctx, evt); err != nil {
		log.Printf("[dispatch] matrix event %s handling failed: %v", evt.EventID, err)
		return
	}

	d.markProcessed("matrix", evt.EventID, evt.Type)
}

func (d *Dispatcher) handleMatrixMessage(ctx context.Context, evt matrixwire.InboundEvent) error {
	if strings.HasPrefix(evt.Body, "!discord") {
		perms := command.MatrixPermissions{}
		if level, err := d.matrix.GetUserPowerLevel(ctx, evt.RoomID, evt.Sender); err != nil {
			log.Printf("[dispatch] power level lookup failed for %s in %s: %v", evt.Sender, evt.RoomID, err)
		} else {
			perms.PowerLevel = level
		}
		if routed := command.RouteMatrix(evt.Body, perms); routed.Kind != command.KindIgnored {
			return d.handleMatrixCommand(ctx, evt, routed)
		}
	}

	room, err := d.store.GetRoomByMatrixRoom(evt.RoomID)
	if err != nil {
		if errors.Is(err, store.ErrRoomNotFound) {
			return nil
		}
		return fmt.Errorf("resolve room for matrix room %s: %w", evt.RoomID, err)
	}

	inbound := messageflow.MatrixInbound{
		Body:          evt.Body,
		FormattedHTML: evt.FormattedHTML,
		InReplyToID:   evt.InReplyToID,
		ReplaceOfID:   evt.ReplaceOfID,
	}
	draft := messageflow.TranslateMatrixToDiscord(inbound)
	mappings := d.resolveMatrixRelations(evt.InReplyToID, evt.ReplaceOfID)
	draft = messageflow.ApplyMessageRelationMappingsDiscord(draft, mappings)
	for _, warning := range messageflow.OversizedWarnings(inbound.Attachments, messageflow.MaxDiscordAttachmentBytes) {
		draft.Content += "\n" + warning
	}

	webhookID, webhookToken, err := d.discord.EnsureWebhook(room.DiscordChannelID, d.cfg.WebhookName)
	if err != nil {
		return fmt.Errorf("ensure webhook for channel %s: %w", room.DiscordChannelID, err)
	}
	d.identity.RememberWebhook(room.DiscordChannelID, identity.WebhookIdentity{ID: webhookID, Token: webhookToken})

	_, err = d.sender.SendToDiscord(ctx, evt.RoomID, evt.EventID, func(ctx context.Context) (outbound.DiscordSendResult, error) {
		if draft.EditOf != "" {
			return d.discord.EditViaWebhook(ctx, webhookID, webhookToken, draft.EditOf, draft)
		}
		return d.discord.SendViaWebhook(ctx, webhookID, webhookToken, evt.Sender, "", draft)
	})
	if err != nil {
		return fmt.Errorf("deliver to discord channel %s: %w", room.DiscordChannelID, err)
	}

	return nil
}

func (d *Dispatcher) resolveMatrixRelations(inReplyToID, replaceOfID string) messageflow.RelationMappings {
	var mappings messageflow.RelationMappings

	if inReplyToID != "" {
		if m, err := d.store.GetMessageByMatrixEventID(inReplyToID); err == nil {
			mappings.ReplyMapping = messageflow.ResolvedMapping(m.DiscordMessageID, true)
		} else {
			mappings.ReplyMapping = messageflow.DroppedMapping()
		}
	}
	if replaceOfID != "" {
		if m, err := d.store.GetMessageByMatrixEventID(replaceOfID); err == nil {
			mappings.EditMapping = messageflow.ResolvedMapping(m.DiscordMessageID, true)
		} else {
			mappings.EditMapping = messageflow.DroppedMapping()
		}
	}

	return mappings
}

func (d *Dispatcher) handleMatrixCommand(ctx context.Context, evt matrixwire.InboundEvent, outcome command.Outcome) error {
	switch outcome.Kind {
	case command.KindReply:
		_, err := d.matrix.SendAsBot(ctx, evt.RoomID, outcome.Text)
		return err
	case command.KindBridgeRequested:
		return d.handleBridgeRequest(ctx, evt, outcome)
	case command.KindUnbridgeRequested:
		return d.unbridgeMatrixRoom(ctx, evt.RoomID)
	default:
		return nil
	}
}

// handleBridgeRequest runs the bridge/unbridge flow's request half: room
// limit check, duplicate-mapping check, channel existence check, then
// asks the Discord side for permission and hands the rest off to
// awaitBridgeOutcome.
func (d *Dispatcher) handleBridgeRequest(ctx context.Context, evt matrixwire.InboundEvent, outcome command.Outcome) error {
	if d.cfg.RoomLimit >= 0 {
		count, err := d.store.CountRoomMappings()
		if err != nil {
			return fmt.Errorf("count room mappings: %w", err)
		}
		if count >= d.cfg.RoomLimit {
			_, sendErr := d.matrix.SendAsBot(ctx, evt.RoomID, fmt.Sprintf(
				"This bridge has reached its room limit of %d. Unbridge another room to allow for new connections.", d.cfg.RoomLimit))
			return sendErr
		}
	}

	if _, err := d.store.GetRoomByDiscordChannel(outcome.ChannelID); err == nil {
		_, sendErr := d.matrix.SendAsBot(ctx, evt.RoomID, "That Discord channel is already bridged to a Matrix room.")
		return sendErr
	} else if !errors.Is(err, store.ErrRoomNotFound) {
		return fmt.Errorf("check existing channel mapping: %w", err)
	}

	channelName, guildID, err := d.discord.GetChannelInfo(ctx, outcome.ChannelID)
	if err != nil {
		_, sendErr := d.matrix.SendAsBot(ctx, evt.RoomID, "Could not find that Discord channel.")
		return sendErr
	}

	if _, sendErr := d.matrix.SendAsBot(ctx, evt.RoomID, fmt.Sprintf("Asking for permission to bridge this room to Discord channel #%s.", channelName)); sendErr != nil {
		return sendErr
	}

	result, err := d.provisioning.AskBridgePermission(outcome.ChannelID, evt.Sender)
	if err != nil {
		_, sendErr := d.matrix.SendAsBot(ctx, evt.RoomID, err.Error())
		return sendErr
	}

	go d.awaitBridgeOutcome(evt.RoomID, outcome.ChannelID, guildID, channelName, result)
	return nil
}

// awaitBridgeOutcome blocks on a single AskBridgePermission result and
// notifies the requesting Matrix room once the Discord side resolves
// (approves, denies, or lets the request expire), creating the
// RoomMapping and renaming the room on approval.
func (d *Dispatcher) awaitBridgeOutcome(roomID, discordChannelID, guildID, channelName string, outcomeCh <-chan provisioning.Outcome) {
	outcome, ok := <-outcomeCh
	if !ok {
		return
	}

	ctx := context.Background()
	switch outcome {
	case provisioning.OutcomeApproved:
		if _, err := d.store.CreateRoomMapping(store.RoomMapping{
			MatrixRoomID:       roomID,
			DiscordChannelID:   discordChannelID,
			DiscordChannelName: channelName,
			DiscordGuildID:     guildID,
		}); err != nil {
			log.Printf("[dispatch] failed to create room mapping for %s<->%s: %v", roomID, discordChannelID, err)
			if _, sendErr := d.matrix.SendAsBot(ctx, roomID, "Bridge request approved, but the room mapping could not be created."); sendErr != nil {
				log.Printf("[dispatch] failed to notify room %s of mapping failure: %v", roomID, sendErr)
			}
			return
		}
		if err := d.matrix.SetRoomName(ctx, roomID, fmt.Sprintf("#%s (Discord)", channelName)); err != nil {
			log.Printf("[dispatch] failed to rename room %s: %v", roomID, err)
		}
		if _, err := d.matrix.SendAsBot(ctx, roomID, "Bridge request approved."); err != nil {
			log.Printf("[dispatch] failed to notify room %s of approval: %v", roomID, err)
		}
	case provisioning.OutcomeDeclined:
		if _, err := d.matrix.SendAsBot(ctx, roomID, "Bridge request declined."); err != nil {
			log.Printf("[dispatch] failed to notify room %s of decline: %v", roomID, err)
		}
	case provisioning.OutcomeTimedOut:
		if _, err := d.matrix.SendAsBot(ctx, roomID, "Timed out waiting for a response from the Discord owners."); err != nil {
			log.Printf("[dispatch] failed to notify room %s of timeout: %v", roomID, err)
		}
	}
}

func (d *Dispatcher) unbridgeMatrixRoom(ctx context.Context, roomID string) error {
	room, err := d.store.GetRoomByMatrixRoom(roomID)
	if err != nil {
		return err
	}
	if err := d.store.DeleteRoomMapping(room.ID); err != nil {
		return err
	}
	d.applyUnbridgeNamePrefix(ctx, room)

	_, err = d.matrix.SendAsBot(ctx, roomID, "This room has been unbridged from Discord.")
	return err
}
