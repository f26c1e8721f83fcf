package messageflow

import (
	"reflect"
	"strings"
	"testing"
)

func strPtr(s string) *string { return &s }

func TestApplyMessageRelationMappingsDiscord_IdentityWhenBothNil(t *testing.T) {
	draft := OutboundDiscord{Content: "hello", ReplyTo: "raw-reply", EditOf: "raw-edit"}
	got := ApplyMessageRelationMappingsDiscord(draft, RelationMappings{})
	if !reflect.DeepEqual(got, draft) {
		t.Fatalf("expected identity, got %+v", got)
	}
}

func TestApplyMessageRelationMappingsDiscord_ReplacesPresentFields(t *testing.T) {
	draft := OutboundDiscord{Content: "hello"}
	got := ApplyMessageRelationMappingsDiscord(draft, RelationMappings{
		ReplyMapping: strPtr("discord-msg-1"),
		EditMapping:  strPtr("discord-msg-2"),
	})
	if got.ReplyTo != "discord-msg-1" || got.EditOf != "discord-msg-2" {
		t.Fatalf("expected both fields replaced, got %+v", got)
	}
}

func TestApplyMessageRelationMappingsDiscord_ReplacesOnlyPresentField(t *testing.T) {
	draft := OutboundDiscord{ReplyTo: "stale"}
	got := ApplyMessageRelationMappingsDiscord(draft, RelationMappings{ReplyMapping: strPtr("fresh")})
	if got.ReplyTo != "fresh" {
		t.Fatalf("expected reply to be replaced, got %q", got.ReplyTo)
	}
	if got.EditOf != "" {
		t.Fatalf("expected edit_of untouched, got %q", got.EditOf)
	}
}

func TestResolvedMapping(t *testing.T) {
	if m := ResolvedMapping("x", false); m != nil {
		t.Fatalf("expected nil on miss, got %v", *m)
	}
	m := ResolvedMapping("x", true)
	if m == nil || *m != "x" {
		t.Fatalf("expected resolved value, got %v", m)
	}
}

func TestDroppedMapping_ClearsDraftField(t *testing.T) {
	draft := OutboundDiscord{ReplyTo: "raw-reply"}
	got := ApplyMessageRelationMappingsDiscord(draft, RelationMappings{ReplyMapping: DroppedMapping()})
	if got.ReplyTo != "" {
		t.Fatalf("expected DroppedMapping to clear the field, got %q", got.ReplyTo)
	}
}

func TestTranslateDiscordToMatrix_ReplyMissingDropsSilently(t *testing.T) {
	out := TranslateDiscordToMatrix(DiscordInbound{Content: "+1", ReferencedMessage: "M_prev"})
	if out.ReplyTo != "M_prev" {
		t.Fatalf("raw reply id should survive translation before mapping resolution, got %q", out.ReplyTo)
	}

	// caller resolution step: missing mapping drops the field, no error.
	resolved := ApplyMessageRelationMappingsMatrix(out, RelationMappings{ReplyMapping: DroppedMapping()})
	if resolved.ReplyTo != "" {
		t.Fatalf("expected reply_to dropped on missing mapping, got %q", resolved.ReplyTo)
	}
}

func TestTranslateDiscordToMatrix_ReplyResolved(t *testing.T) {
	out := TranslateDiscordToMatrix(DiscordInbound{Content: "+1", ReferencedMessage: "M_prev"})
	resolved := ApplyMessageRelationMappingsMatrix(out, RelationMappings{ReplyMapping: ResolvedMapping("E_prev", true)})
	if resolved.ReplyTo != "E_prev" {
		t.Fatalf("expected reply_to=E_prev, got %q", resolved.ReplyTo)
	}
	if resolved.Body != "+1" {
		t.Fatalf("unexpected body: %q", resolved.Body)
	}
}

func TestTranslateDiscordToMatrix_MentionResolution(t *testing.T) {
	out := TranslateDiscordToMatrix(DiscordInbound{
		Content:             "hey <@123> and <@!456>, see above",
		MentionDisplayNames: map[string]string{"123": "Alice"},
	})
	want := "hey @Alice and @456, see above"
	if out.Body != want {
		t.Fatalf("expected %q, got %q", want, out.Body)
	}
}

func TestTranslateMatrixToDiscord_EscapesMarkdown(t *testing.T) {
	out := TranslateMatrixToDiscord(MatrixInbound{Body: "a * b _ c ~ d"})
	want := "a \\* b \\_ c \\~ d"
	if out.Content != want {
		t.Fatalf("expected %q, got %q", want, out.Content)
	}
}

func TestTranslateMatrixToDiscord_PreservesCodeFence(t *testing.T) {
	body := "before\n```\nlet x = a * b;\n```\nafter * text"
	out := TranslateMatrixToDiscord(MatrixInbound{Body: body})

	if want := "let x = a * b;"; !strings.Contains(out.Content, want) {
		t.Fatalf("expected code fence body preserved verbatim, got %q", out.Content)
	}
	if !strings.Contains(out.Content, "after \\* text") {
		t.Fatalf("expected text outside the fence to be escaped, got %q", out.Content)
	}
}

func TestFilterOversizedAttachments_Discord(t *testing.T) {
	in := []Attachment{
		{Filename: "small.png", Size: 1024},
		{Filename: "huge.png", Size: MaxDiscordAttachmentBytes + 1},
	}
	out := TranslateMatrixToDiscord(MatrixInbound{Attachments: in}).Attachments
	if len(out) != 1 || out[0].Filename != "small.png" {
		t.Fatalf("expected only small.png to survive, got %+v", out)
	}

	warnings := OversizedWarnings(in, MaxDiscordAttachmentBytes)
	if len(warnings) != 1 {
		t.Fatalf("expected 1 warning, got %d: %v", len(warnings), warnings)
	}
}

func TestFilterOversizedAttachments_Matrix(t *testing.T) {
	in := []Attachment{{Filename: "video.mp4", Size: MaxMatrixAttachmentBytes + 1}}
	out := TranslateDiscordToMatrix(DiscordInbound{Attachments: in}).Attachments
	if len(out) != 0 {
		t.Fatalf("expected oversized attachment dropped, got %+v", out)
	}
}
