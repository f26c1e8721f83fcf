package dispatch

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
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

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// fakeDiscord records SendViaWebhook/SendViaBot calls; EnsureWebhook always
// returns a stable fake (id, token) pair.
type fakeDiscord struct {
	mu  sync.Mutex
	out []messageflow.OutboundDiscord

	channelName string
	channelGuild string
	perms       command.DiscordPermissions
	channelErr  error

	kicked  []string
	banned  []string
	unbanned []string
	edited  []messageflow.OutboundDiscord
	selfUserID string
}

func (f *fakeDiscord) EnsureWebhook(channelID, webhookName string) (string, string, error) {
	return "wh-" + channelID, "tok-" + channelID, nil
}

func (f *fakeDiscord) SendViaWebhook(ctx context.Context, webhookID, webhookToken, username, avatarURL string, msg messageflow.OutboundDiscord) (outbound.DiscordSendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out = append(f.out, msg)
	return outbound.DiscordSendResult{DiscordMessageID: "dmsg-" + msg.Content}, nil
}

func (f *fakeDiscord) EditViaWebhook(ctx context.Context, webhookID, webhookToken, messageID string, msg messageflow.OutboundDiscord) (outbound.DiscordSendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edited = append(f.edited, msg)
	return outbound.DiscordSendResult{DiscordMessageID: messageID}, nil
}

func (f *fakeDiscord) SendViaBot(ctx context.Context, channelID string, msg messageflow.OutboundDiscord) (outbound.DiscordSendResult, error) {
	return outbound.DiscordSendResult{DiscordMessageID: "dmsg-bot"}, nil
}

func (f *fakeDiscord) GetChannelInfo(ctx context.Context, channelID string) (string, string, error) {
	if f.channelErr != nil {
		return "", "", f.channelErr
	}
	name := f.channelName
	if name == "" {
		name = "general"
	}
	guildID := f.channelGuild
	if guildID == "" {
		guildID = "guild1"
	}
	return name, guildID, nil
}

func (f *fakeDiscord) GetMemberPermissions(ctx context.Context, guildID, userID string) (command.DiscordPermissions, error) {
	return f.perms, nil
}

func (f *fakeDiscord) KickMember(ctx context.Context, guildID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kicked = append(f.kicked, userID)
	return nil
}

func (f *fakeDiscord) BanMember(ctx context.Context, guildID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.banned = append(f.banned, userID)
	return nil
}

func (f *fakeDiscord) UnbanMember(ctx context.Context, guildID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unbanned = append(f.unbanned, userID)
	return nil
}

func (f *fakeDiscord) SelfUserID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.selfUserID
}

// fakeMatrix records SendAsGhost/SendAsBot calls.
type fakeMatrix struct {
	mu         sync.Mutex
	ghosted    []messageflow.OutboundMatrix
	bot        []string
	powerLevel int
	roomNames  map[string]string
	redacted   []string
	botMXID    string
}

func (f *fakeMatrix) EnsureGhostIntent(ctx context.Context, discordUserID, displayName, avatarMXC string) (*appservice.IntentAPI, error) {
	return &appservice.IntentAPI{}, nil
}

func (f *fakeMatrix) SendAsGhost(ctx context.Context, intent *appservice.IntentAPI, roomID string, msg messageflow.OutboundMatrix) (outbound.MatrixSendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ghosted = append(f.ghosted, msg)
	return outbound.MatrixSendResult{MatrixEventID: "$evt-" + msg.Body}, nil
}

func (f *fakeMatrix) SendAsBot(ctx context.Context, roomID, body string) (outbound.MatrixSendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bot = append(f.bot, body)
	return outbound.MatrixSendResult{MatrixEventID: "$bot-notice"}, nil
}

func (f *fakeMatrix) GetUserPowerLevel(ctx context.Context, roomID, userID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.powerLevel, nil
}

func (f *fakeMatrix) SetGhostTyping(ctx context.Context, intent *appservice.IntentAPI, roomID string) error {
	return nil
}

func (f *fakeMatrix) SetRoomName(ctx context.Context, roomID, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.roomNames == nil {
		f.roomNames = make(map[string]string)
	}
	f.roomNames[roomID] = name
	return nil
}

func (f *fakeMatrix) RedactEvent(ctx context.Context, roomID, eventID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.redacted = append(f.redacted, eventID)
	return nil
}

func (f *fakeMatrix) BotMXID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.botMXID
}

type testHarness struct {
	store   *store.Store
	idm     *identity.Mapper
	prov    *provisioning.Coordinator
	sender  *outbound.Sender
	discord *fakeDiscord
	matrix  *fakeMatrix
	dispatcher *Dispatcher
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	s := openTestStore(t)
	idm := identity.New(s, identity.Config{Domain: "example.org", GhostPrefix: "_discord_"})
	prov := provisioning.New(50 * time.Millisecond)
	t.Cleanup(prov.Shutdown)
	sender := outbound.New(s, outbound.Config{DiscordSendDelay: time.Millisecond})
	discord := &fakeDiscord{}
	matrix := &fakeMatrix{}

	d := New(s, idm, prov, sender, discord, matrix, Config{WebhookName: "bridge", RoomLimit: -1})

	return &testHarness{store: s, idm: idm, prov: prov, sender: sender, discord: discord, matrix: matrix, dispatcher: d}
}

func TestHandleDiscordMessage_ForwardsToMappedMatrixRoom(t *testing.T) {
	h := newHarness(t)
	if _, err := h.store.CreateRoomMapping(store.RoomMapping{MatrixRoomID: "!room:example.org", DiscordChannelID: "chan1"}); err != nil {
		t.Fatalf("create room mapping: %v", err)
	}

	h.dispatcher.HandleDiscordMessage(context.Background(), discordwire.InboundMessage{
		MessageID:  "d1",
		ChannelID:  "chan1",
		AuthorID:   "u1",
		AuthorName: "alice",
		Content:    "hello",
		Timestamp:  time.Now(),
	})

	h.matrix.mu.Lock()
	defer h.matrix.mu.Unlock()
	if len(h.matrix.ghosted) != 1 || h.matrix.ghosted[0].Body != "hello" {
		t.Fatalf("expected one ghosted send with body 'hello', got %+v", h.matrix.ghosted)
	}

	mapping, err := h.store.GetMessageByDiscordID("d1")
	if err != nil {
		t.Fatalf("expected message mapping persisted: %v", err)
	}
	if mapping.MatrixRoomID != "!room:example.org" {
		t.Fatalf("unexpected room id: %q", mapping.MatrixRoomID)
	}
}

func TestHandleDiscordMessage_OversizedAttachmentWarnsInBody(t *testing.T) {
	h := newHarness(t)
	if _, err := h.store.CreateRoomMapping(store.RoomMapping{MatrixRoomID: "!room:example.org", DiscordChannelID: "chan1"}); err != nil {
		t.Fatalf("create room mapping: %v", err)
	}

	h.dispatcher.HandleDiscordMessage(context.Background(), discordwire.InboundMessage{
		MessageID:  "d1",
		ChannelID:  "chan1",
		AuthorID:   "u1",
		AuthorName: "alice",
		Content:    "here's a big one",
		Attachments: []messageflow.Attachment{
			{URL: "https://cdn.example/huge.zip", Filename: "huge.zip", Size: 60 * 1024 * 1024},
		},
		Timestamp: time.Now(),
	})

	h.matrix.mu.Lock()
	defer h.matrix.mu.Unlock()
	if len(h.matrix.ghosted) != 1 {
		t.Fatalf("expected one ghosted send, got %+v", h.matrix.ghosted)
	}
	if !strings.Contains(h.matrix.ghosted[0].Body, "attachment too large: huge.zip") {
		t.Fatalf("expected oversized-attachment warning in body, got %q", h.matrix.ghosted[0].Body)
	}
}

func TestHandleDiscordMessage_UnmappedChannelIsNoop(t *testing.T) {
	h := newHarness(t)

	h.dispatcher.HandleDiscordMessage(context.Background(), discordwire.InboundMessage{
		MessageID: "d1", ChannelID: "unmapped", AuthorID: "u1", Content: "hi", Timestamp: time.Now(),
	})

	h.matrix.mu.Lock()
	defer h.matrix.mu.Unlock()
	if len(h.matrix.ghosted) != 0 {
		t.Fatalf("expected no forwarding for unmapped channel, got %+v", h.matrix.ghosted)
	}
}

func TestHandleDiscordMessage_SelfBotEchoIsDropped(t *testing.T) {
	h := newHarness(t)
	h.discord.selfUserID = "bot-u1"
	if _, err := h.store.CreateRoomMapping(store.RoomMapping{MatrixRoomID: "!room:example.org", DiscordChannelID: "chan1"}); err != nil {
		t.Fatalf("create room mapping: %v", err)
	}

	h.dispatcher.HandleDiscordMessage(context.Background(), discordwire.InboundMessage{
		MessageID: "d1", ChannelID: "chan1", AuthorID: "bot-u1", Content: "No pending bridge request for this channel.", Timestamp: time.Now(),
	})

	h.matrix.mu.Lock()
	defer h.matrix.mu.Unlock()
	if len(h.matrix.ghosted) != 0 {
		t.Fatalf("expected bot's own message to be dropped as self-echo, got %+v", h.matrix.ghosted)
	}
}

func TestHandleDiscordMessage_DedupesReplayedEvent(t *testing.T) {
	h := newHarness(t)
	if _, err := h.store.CreateRoomMapping(store.RoomMapping{MatrixRoomID: "!room:example.org", DiscordChannelID: "chan1"}); err != nil {
		t.Fatalf("create room mapping: %v", err)
	}

	msg := discordwire.InboundMessage{MessageID: "d1", ChannelID: "chan1", AuthorID: "u1", Content: "hi", Timestamp: time.Now()}
	h.dispatcher.HandleDiscordMessage(context.Background(), msg)
	h.dispatcher.HandleDiscordMessage(context.Background(), msg)

	h.matrix.mu.Lock()
	defer h.matrix.mu.Unlock()
	if len(h.matrix.ghosted) != 1 {
		t.Fatalf("expected exactly one forward despite replay, got %d", len(h.matrix.ghosted))
	}
}

func TestHandleDiscordMessage_StaleEventDropped(t *testing.T) {
	h := newHarness(t)
	if _, err := h.store.CreateRoomMapping(store.RoomMapping{MatrixRoomID: "!room:example.org", DiscordChannelID: "chan1"}); err != nil {
		t.Fatalf("create room mapping: %v", err)
	}

	h.dispatcher.HandleDiscordMessage(context.Background(), discordwire.InboundMessage{
		MessageID: "d1", ChannelID: "chan1", AuthorID: "u1", Content: "old", Timestamp: time.Now().Add(-20 * time.Minute),
	})

	h.matrix.mu.Lock()
	defer h.matrix.mu.Unlock()
	if len(h.matrix.ghosted) != 0 {
		t.Fatalf("expected stale event to be dropped, got %+v", h.matrix.ghosted)
	}
}

func TestHandleDiscordMessage_SelfWebhookEchoDropped(t *testing.T) {
	h := newHarness(t)
	if _, err := h.store.CreateRoomMapping(store.RoomMapping{MatrixRoomID: "!room:example.org", DiscordChannelID: "chan1"}); err != nil {
		t.Fatalf("create room mapping: %v", err)
	}
	h.idm.RememberWebhook("chan1", identity.WebhookIdentity{ID: "ourhook", Token: "tok"})

	h.dispatcher.HandleDiscordMessage(context.Background(), discordwire.InboundMessage{
		MessageID: "d1", ChannelID: "chan1", AuthorID: "u1", Content: "echo", Timestamp: time.Now(),
		IsWebhook: true, WebhookID: "ourhook",
	})

	h.matrix.mu.Lock()
	defer h.matrix.mu.Unlock()
	if len(h.matrix.ghosted) != 0 {
		t.Fatalf("expected self-webhook echo to be dropped, got %+v", h.matrix.ghosted)
	}
}

func TestHandleMatrixEvent_ForwardsToMappedDiscordChannel(t *testing.T) {
	h := newHarness(t)
	if _, err := h.store.CreateRoomMapping(store.RoomMapping{MatrixRoomID: "!room:example.org", DiscordChannelID: "chan1"}); err != nil {
		t.Fatalf("create room mapping: %v", err)
	}

	h.dispatcher.HandleMatrixEvent(context.Background(), matrixwire.InboundEvent{
		EventID: "$e1", RoomID: "!room:example.org", Sender: "@alice:example.org", Type: "m.room.message",
		Body: "hello from matrix", Timestamp: time.Now(),
	})

	h.discord.mu.Lock()
	defer h.discord.mu.Unlock()
	if len(h.discord.out) != 1 || h.discord.out[0].Content != "hello from matrix" {
		t.Fatalf("expected one webhook send, got %+v", h.discord.out)
	}

	mapping, err := h.store.GetMessageByMatrixEventID("$e1")
	if err != nil {
		t.Fatalf("expected message mapping persisted: %v", err)
	}
	if mapping.MatrixRoomID != "!room:example.org" {
		t.Fatalf("unexpected room id: %q", mapping.MatrixRoomID)
	}
}

func TestHandleMatrixEvent_SelfBotEchoIsDropped(t *testing.T) {
	h := newHarness(t)
	h.matrix.botMXID = "@discordbot:example.org"
	if _, err := h.store.CreateRoomMapping(store.RoomMapping{MatrixRoomID: "!room:example.org", DiscordChannelID: "chan1"}); err != nil {
		t.Fatalf("create room mapping: %v", err)
	}

	h.dispatcher.HandleMatrixEvent(context.Background(), matrixwire.InboundEvent{
		EventID: "$e1", RoomID: "!room:example.org", Sender: "@discordbot:example.org", Type: "m.room.message",
		Body: "Bridge request approved.", Timestamp: time.Now(),
	})

	h.discord.mu.Lock()
	defer h.discord.mu.Unlock()
	if len(h.discord.out) != 0 {
		t.Fatalf("expected bot's own event to be dropped as self-echo, got %+v", h.discord.out)
	}
}

func TestHandleMatrixEvent_EditUsesWebhookEditEndpoint(t *testing.T) {
	h := newHarness(t)
	if _, err := h.store.CreateRoomMapping(store.RoomMapping{MatrixRoomID: "!room:example.org", DiscordChannelID: "chan1"}); err != nil {
		t.Fatalf("create room mapping: %v", err)
	}
	if _, err := h.store.UpsertMessageMapping("dmsg-orig", "!room:example.org", "$orig"); err != nil {
		t.Fatalf("seed mapping: %v", err)
	}

	h.dispatcher.HandleMatrixEvent(context.Background(), matrixwire.InboundEvent{
		EventID: "$e2", RoomID: "!room:example.org", Sender: "@alice:example.org", Type: "m.room.message",
		Body: "corrected text", ReplaceOfID: "$orig", Timestamp: time.Now(),
	})

	h.discord.mu.Lock()
	defer h.discord.mu.Unlock()
	if len(h.discord.edited) != 1 || h.discord.edited[0].Content != "corrected text" {
		t.Fatalf("expected one webhook edit, got %+v", h.discord.edited)
	}
	if len(h.discord.out) != 0 {
		t.Fatalf("expected no new webhook send for an edit, got %+v", h.discord.out)
	}
}

func TestHandleMatrixEvent_UnbridgeCommandRemovesMapping(t *testing.T) {
	h := newHarness(t)
	room, err := h.store.CreateRoomMapping(store.RoomMapping{MatrixRoomID: "!room:example.org", DiscordChannelID: "chan1"})
	if err != nil {
		t.Fatalf("create room mapping: %v", err)
	}
	h.matrix.powerLevel = 50

	h.dispatcher.HandleMatrixEvent(context.Background(), matrixwire.InboundEvent{
		EventID: "$cmd1", RoomID: "!room:example.org", Sender: "@alice:example.org", Type: "m.room.message",
		Body: "!discord unbridge", Timestamp: time.Now(),
	})

	if _, err := h.store.GetRoomByID(room.ID); err == nil {
		t.Fatal("expected room mapping to be deleted by unbridge command")
	}

	h.matrix.mu.Lock()
	defer h.matrix.mu.Unlock()
	if len(h.matrix.bot) != 1 {
		t.Fatalf("expected one bot notice about unbridging, got %+v", h.matrix.bot)
	}
}

func TestHandleMatrixEvent_UnbridgeCommandIgnoredWithoutPowerLevel(t *testing.T) {
	h := newHarness(t)
	room, err := h.store.CreateRoomMapping(store.RoomMapping{MatrixRoomID: "!room:example.org", DiscordChannelID: "chan1"})
	if err != nil {
		t.Fatalf("create room mapping: %v", err)
	}

	h.dispatcher.HandleMatrixEvent(context.Background(), matrixwire.InboundEvent{
		EventID: "$cmd1", RoomID: "!room:example.org", Sender: "@alice:example.org", Type: "m.room.message",
		Body: "!discord unbridge", Timestamp: time.Now(),
	})

	if _, err := h.store.GetRoomByID(room.ID); err != nil {
		t.Fatalf("expected room mapping to survive an unauthorized command, got lookup error: %v", err)
	}
	h.matrix.mu.Lock()
	defer h.matrix.mu.Unlock()
	if len(h.matrix.bot) != 0 {
		t.Fatalf("expected no reply for a silently-ignored unauthorized command, got %+v", h.matrix.bot)
	}
}

func TestHandleDiscordDelete_ClearsMessageMapping(t *testing.T) {
	h := newHarness(t)
	if _, err := h.store.UpsertMessageMapping("d1", "!room:example.org", "$e1"); err != nil {
		t.Fatalf("seed mapping: %v", err)
	}

	h.dispatcher.HandleDiscordDelete(context.Background(), discordwire.InboundDelete{MessageID: "d1", ChannelID: "chan1"})

	if _, err := h.store.GetMessageByDiscordID("d1"); err == nil {
		t.Fatal("expected message mapping to be cleared")
	}
	h.matrix.mu.Lock()
	defer h.matrix.mu.Unlock()
	if len(h.matrix.redacted) != 1 || h.matrix.redacted[0] != "$e1" {
		t.Fatalf("expected a single redaction of $e1, got %+v", h.matrix.redacted)
	}
}

func TestHandleDiscordChannelUpdate_RenamesMapping(t *testing.T) {
	h := newHarness(t)
	if _, err := h.store.CreateRoomMapping(store.RoomMapping{
		MatrixRoomID:       "!room:example.org",
		DiscordChannelID:   "chan1",
		DiscordChannelName: "general",
	}); err != nil {
		t.Fatalf("create room mapping: %v", err)
	}

	h.dispatcher.HandleDiscordChannelUpdate(context.Background(), discordwire.InboundChannelUpdate{ChannelID: "chan1", Name: "renamed-channel"})

	mapping, err := h.store.GetRoomByDiscordChannel("chan1")
	if err != nil {
		t.Fatalf("get room: %v", err)
	}
	if mapping.DiscordChannelName != "renamed-channel" {
		t.Fatalf("expected renamed channel, got %q", mapping.DiscordChannelName)
	}
}

func TestHandleDiscordChannelUpdate_UnmappedChannelIsNoop(t *testing.T) {
	h := newHarness(t)

	h.dispatcher.HandleDiscordChannelUpdate(context.Background(), discordwire.InboundChannelUpdate{ChannelID: "unmapped", Name: "whatever"})
}

func TestHandleDiscordDelete_DisabledSkipsRedaction(t *testing.T) {
	h := newHarness(t)
	h.dispatcher.cfg.DisableDeletionForwarding = true
	if _, err := h.store.UpsertMessageMapping("d1", "!room:example.org", "$e1"); err != nil {
		t.Fatalf("seed mapping: %v", err)
	}

	h.dispatcher.HandleDiscordDelete(context.Background(), discordwire.InboundDelete{MessageID: "d1", ChannelID: "chan1"})

	if _, err := h.store.GetMessageByDiscordID("d1"); err != nil {
		t.Fatal("expected message mapping to survive when deletion forwarding is disabled")
	}
	h.matrix.mu.Lock()
	defer h.matrix.mu.Unlock()
	if len(h.matrix.redacted) != 0 {
		t.Fatalf("expected no redaction when deletion forwarding is disabled, got %+v", h.matrix.redacted)
	}
}

// pollUntil retries cond until it returns true or timeout elapses, for
// asserting on state that awaitBridgeOutcome updates from its own goroutine.
func pollUntil(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(time.Millisecond)
	}
}

func TestHandleMatrixEvent_BridgeRequestApprovedCreatesMapping(t *testing.T) {
	h := newHarness(t)
	h.matrix.powerLevel = 50
	h.discord.channelName = "general"
	h.discord.channelGuild = "guild1"

	h.dispatcher.HandleMatrixEvent(context.Background(), matrixwire.InboundEvent{
		EventID: "$cmd1", RoomID: "!room:example.org", Sender: "@alice:example.org", Type: "m.room.message",
		Body: "!discord bridge guild1 chan1", Timestamp: time.Now(),
	})

	if !h.prov.IsPending("chan1") {
		t.Fatal("expected a pending bridge request keyed by discord channel id")
	}
	if mark := h.prov.MarkApproval("chan1", true); mark != provisioning.MarkApplied {
		t.Fatalf("expected MarkApplied, got %v", mark)
	}

	ok := pollUntil(t, time.Second, func() bool {
		_, err := h.store.GetRoomByDiscordChannel("chan1")
		return err == nil
	})
	if !ok {
		t.Fatal("expected room mapping to be created after approval")
	}

	room, err := h.store.GetRoomByDiscordChannel("chan1")
	if err != nil {
		t.Fatalf("get room: %v", err)
	}
	if room.MatrixRoomID != "!room:example.org" || room.DiscordGuildID != "guild1" {
		t.Fatalf("unexpected room mapping: %+v", room)
	}
}

func TestHandleMatrixEvent_BridgeRequestRoomLimitRejected(t *testing.T) {
	h := newHarness(t)
	h.dispatcher.cfg.RoomLimit = 0
	h.matrix.powerLevel = 50

	h.dispatcher.HandleMatrixEvent(context.Background(), matrixwire.InboundEvent{
		EventID: "$cmd1", RoomID: "!room:example.org", Sender: "@alice:example.org", Type: "m.room.message",
		Body: "!discord bridge guild1 chan1", Timestamp: time.Now(),
	})

	if h.prov.IsPending("chan1") {
		t.Fatal("expected no pending request once the room limit is reached")
	}
	h.matrix.mu.Lock()
	defer h.matrix.mu.Unlock()
	if len(h.matrix.bot) != 1 {
		t.Fatalf("expected one room-limit notice, got %+v", h.matrix.bot)
	}
}

func TestHandleDiscordMessage_ApproveCommandRequiresManageChannels(t *testing.T) {
	h := newHarness(t)
	h.matrix.powerLevel = 50
	h.discord.channelName = "general"
	h.discord.channelGuild = "guild1"

	h.dispatcher.HandleMatrixEvent(context.Background(), matrixwire.InboundEvent{
		EventID: "$cmd1", RoomID: "!room:example.org", Sender: "@alice:example.org", Type: "m.room.message",
		Body: "!discord bridge guild1 chan1", Timestamp: time.Now(),
	})
	if !h.prov.IsPending("chan1") {
		t.Fatal("expected a pending bridge request")
	}

	h.dispatcher.HandleDiscordMessage(context.Background(), discordwire.InboundMessage{
		MessageID: "d1", ChannelID: "chan1", GuildID: "guild1", AuthorID: "u1", Content: "!matrix approve", Timestamp: time.Now(),
	})

	if !h.prov.IsPending("chan1") {
		t.Fatal("expected request to remain pending without ManageChannels")
	}

	h.discord.perms = command.DiscordPermissions{ManageChannels: true}
	h.dispatcher.HandleDiscordMessage(context.Background(), discordwire.InboundMessage{
		MessageID: "d2", ChannelID: "chan1", GuildID: "guild1", AuthorID: "u1", Content: "!matrix approve", Timestamp: time.Now(),
	})

	if h.prov.IsPending("chan1") {
		t.Fatal("expected request to settle once ManageChannels is held")
	}
}

func TestHandleDiscordMessage_ModerationCommandsDispatchToDiscordSender(t *testing.T) {
	h := newHarness(t)
	h.discord.perms = command.DiscordPermissions{KickMembers: true, BanMembers: true}

	h.dispatcher.HandleDiscordMessage(context.Background(), discordwire.InboundMessage{
		MessageID: "d1", ChannelID: "chan1", GuildID: "guild1", AuthorID: "u1", Content: "!matrix kick @troll", Timestamp: time.Now(),
	})
	h.dispatcher.HandleDiscordMessage(context.Background(), discordwire.InboundMessage{
		MessageID: "d2", ChannelID: "chan1", GuildID: "guild1", AuthorID: "u1", Content: "!matrix ban @troll", Timestamp: time.Now(),
	})
	h.dispatcher.HandleDiscordMessage(context.Background(), discordwire.InboundMessage{
		MessageID: "d3", ChannelID: "chan1", GuildID: "guild1", AuthorID: "u1", Content: "!matrix unban @troll", Timestamp: time.Now(),
	})

	h.discord.mu.Lock()
	defer h.discord.mu.Unlock()
	if len(h.discord.kicked) != 1 || len(h.discord.banned) != 1 || len(h.discord.unbanned) != 1 {
		t.Fatalf("expected one of each moderation action, got kicked=%v banned=%v unbanned=%v", h.discord.kicked, h.discord.banned, h.discord.unbanned)
	}
}

func TestHandleDiscordTyping_StaleEventDropped(t *testing.T) {
	h := newHarness(t)
	if _, err := h.store.CreateRoomMapping(store.RoomMapping{MatrixRoomID: "!room:example.org", DiscordChannelID: "chan1"}); err != nil {
		t.Fatalf("create room mapping: %v", err)
	}

	// Should not panic or error even though the handler has no way to
	// observe forwarding directly; this exercises the freshness gate.
	h.dispatcher.HandleDiscordTyping(context.Background(), discordwire.InboundTyping{
		ChannelID: "chan1", UserID: "u1", Timestamp: time.Now().Add(-10 * time.Second),
	})
}

func TestHandleDiscordBulkDelete_ClearsEveryMapping(t *testing.T) {
	h := newHarness(t)
	for _, id := range []string{"d1", "d2", "d3"} {
		if _, err := h.store.UpsertMessageMapping(id, "!room:example.org", "$"+id); err != nil {
			t.Fatalf("seed mapping %s: %v", id, err)
		}
	}

	h.dispatcher.HandleDiscordBulkDelete(context.Background(), discordwire.InboundBulkDelete{
		MessageIDs: []string{"d1", "d2", "d1", "d3", "d2"}, ChannelID: "chan1",
	})

	for _, id := range []string{"d1", "d2", "d3"} {
		if _, err := h.store.GetMessageByDiscordID(id); err == nil {
			t.Fatalf("expected mapping %s to be cleared", id)
		}
	}

	h.matrix.mu.Lock()
	defer h.matrix.mu.Unlock()
	if len(h.matrix.redacted) != 3 {
		t.Fatalf("expected exactly 3 redactions despite duplicate ids in the batch, got %+v", h.matrix.redacted)
	}
}

func TestHandleDiscordBulkDelete_DisabledSkipsRedaction(t *testing.T) {
	h := newHarness(t)
	h.dispatcher.cfg.DisableDeletionForwarding = true
	for _, id := range []string{"d1", "d2"} {
		if _, err := h.store.UpsertMessageMapping(id, "!room:example.org", "$"+id); err != nil {
			t.Fatalf("seed mapping %s: %v", id, err)
		}
	}

	h.dispatcher.HandleDiscordBulkDelete(context.Background(), discordwire.InboundBulkDelete{
		MessageIDs: []string{"d1", "d2"}, ChannelID: "chan1",
	})

	h.matrix.mu.Lock()
	defer h.matrix.mu.Unlock()
	if len(h.matrix.redacted) != 0 {
		t.Fatalf("expected no redactions when deletion forwarding is disabled, got %+v", h.matrix.redacted)
	}
}
