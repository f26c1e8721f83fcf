package discordwire

import (
	"net/http"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/matrixdiscord/bridge/internal/outbound"
)

func TestToInboundMessage_WebhookDetection(t *testing.T) {
	m := &discordgo.Message{
		ID:        "msg1",
		ChannelID: "chan1",
		Author:    &discordgo.User{ID: "bot1", Username: "ghost"},
		WebhookID: "wh1",
		Content:   "hello",
		Timestamp: time.Now(),
	}

	got := toInboundMessage(m, false)
	if !got.IsWebhook || got.WebhookID != "wh1" {
		t.Fatalf("expected webhook detection, got %+v", got)
	}
}

func TestToInboundMessage_NonWebhook(t *testing.T) {
	m := &discordgo.Message{
		ID:        "msg2",
		ChannelID: "chan1",
		Author:    &discordgo.User{ID: "user1", Username: "alice", Discriminator: "1234"},
		Content:   "hi",
		Timestamp: time.Now(),
	}

	got := toInboundMessage(m, true)
	if got.IsWebhook {
		t.Fatal("expected non-webhook message")
	}
	if !got.IsEdit {
		t.Fatal("expected IsEdit to propagate")
	}
	if got.AuthorTag != "alice#1234" {
		t.Fatalf("unexpected tag: %q", got.AuthorTag)
	}
}

func TestToInboundMessage_ReferencedMessage(t *testing.T) {
	m := &discordgo.Message{
		ID:        "msg3",
		ChannelID: "chan1",
		Author:    &discordgo.User{ID: "user1", Username: "alice"},
		MessageReference: &discordgo.MessageReference{MessageID: "parent1"},
	}

	got := toInboundMessage(m, false)
	if got.ReferencedMessageID != "parent1" {
		t.Fatalf("expected referenced message id propagated, got %q", got.ReferencedMessageID)
	}
}

func TestClassifyDiscordError_RateLimitIsRetryable(t *testing.T) {
	err := &discordgo.RESTError{Response: &http.Response{StatusCode: 429}}
	got := classifyDiscordError(err)
	if outbound.IsPermanent(got) {
		t.Fatal("expected 429 to remain retryable")
	}
}

func TestClassifyDiscordError_ServerErrorIsRetryable(t *testing.T) {
	err := &discordgo.RESTError{Response: &http.Response{StatusCode: 503}}
	got := classifyDiscordError(err)
	if outbound.IsPermanent(got) {
		t.Fatal("expected 5xx to remain retryable")
	}
}

func TestClassifyDiscordError_ClientErrorIsPermanent(t *testing.T) {
	err := &discordgo.RESTError{Response: &http.Response{StatusCode: 403}}
	got := classifyDiscordError(err)
	if !outbound.IsPermanent(got) {
		t.Fatal("expected 403 to be classified permanent")
	}
}
