// Package messageflow is the pure, stateless translation layer between a
// normalized inbound event and the outbound shape the opposite side needs.
// Nothing in this package performs I/O; callers resolve mapping lookups and
// pass the results in.
package messageflow

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	// MaxDiscordAttachmentBytes is the largest attachment forwarded toward
	// Discord before it is rejected with a body warning.
	MaxDiscordAttachmentBytes = 8 * 1024 * 1024
	// MaxMatrixAttachmentBytes is the largest attachment forwarded toward
	// Matrix before it is rejected with a body warning.
	MaxMatrixAttachmentBytes = 50 * 1024 * 1024
)

// Attachment is a single file reference carried alongside a message, prior
// to being fetched/re-uploaded by the caller's wire adapter.
type Attachment struct {
	URL      string
	Filename string
	Size     int64
}

// OutboundDiscord is what MessageFlow produces for a Matrix-origin event
// headed to Discord.
type OutboundDiscord struct {
	Content     string
	Attachments []Attachment
	ReplyTo     string // Discord message id, resolved by the caller; empty if none/unresolved
	EditOf      string // Discord message id being edited; empty if this is a new message
}

// OutboundMatrix is what MessageFlow produces for a Discord-origin event
// headed to Matrix.
type OutboundMatrix struct {
	Body        string
	Attachments []Attachment
	ReplyTo     string // Matrix event id, resolved by the caller; empty if none/unresolved
	EditOf      string // Matrix event id being edited; empty if this is a new message
}

// MatrixInbound is the subset of a normalized Matrix event MessageFlow needs
// to shape a Discord outbound.
type MatrixInbound struct {
	Body         string
	FormattedHTML string
	InReplyToID  string // m.in_reply_to.event_id, empty if none
	ReplaceOfID  string // m.relates_to.event_id where rel_type == m.replace
	Attachments  []Attachment
}

// DiscordInbound is the subset of a normalized Discord event MessageFlow
// needs to shape a Matrix outbound.
type DiscordInbound struct {
	Content           string
	ReferencedMessage string // referenced_message.id, empty if not a reply
	EditSourceMessage string // the message id being edited, empty if this is a new message
	Attachments       []Attachment
	// MentionDisplayNames resolves a Discord user id (as found in <@id>
	// mentions) to the display name UserMapping records for it. Missing
	// entries fall back to the raw id.
	MentionDisplayNames map[string]string
}

var mentionPattern = regexp.MustCompile(`<@!?(\d+)>`)

// TranslateMatrixToDiscord sanitizes Matrix content for Discord. reply_to
// and edit_of are left as the raw Matrix event ids from the input — the
// caller rewrites them into Discord message ids via MappingStore lookup and
// drops them on a miss (see ApplyMessageRelationMappingsDiscord).
func TranslateMatrixToDiscord(in MatrixInbound) OutboundDiscord {
	return OutboundDiscord{
		Content:     sanitizeMatrixBody(in.Body),
		Attachments: filterOversizedAttachments(in.Attachments, MaxDiscordAttachmentBytes),
		ReplyTo:     in.InReplyToID,
		EditOf:      in.ReplaceOfID,
	}
}

// TranslateDiscordToMatrix resolves mentions and leaves reply_to/edit_of as
// the raw Discord message ids — the caller rewrites them via MappingStore.
func TranslateDiscordToMatrix(in DiscordInbound) OutboundMatrix {
	return OutboundMatrix{
		Body:        resolveMentions(in.Content, in.MentionDisplayNames),
		Attachments: filterOversizedAttachments(in.Attachments, MaxMatrixAttachmentBytes),
		ReplyTo:     in.ReferencedMessage,
		EditOf:      in.EditSourceMessage,
	}
}

// RelationMappings carries the resolved reply/edit targets for
// ApplyMessageRelationMappingsDiscord and ApplyMessageRelationMappingsMatrix.
// A nil pointer field models the "None" case
// from the original design: the relation is absent or its lookup missed.
type RelationMappings struct {
	ReplyMapping *string
	EditMapping  *string
}

// ApplyMessageRelationMappingsDiscord is the identity on an OutboundDiscord
// draft when both fields of mappings are nil; otherwise it replaces
// ReplyTo/EditOf with the resolved value (or clears them on a miss). This is
// the function exercised by the "apply_message_relation_mappings" testable
// property: it must behave identically whether the draft already held a raw
// source id or nothing at all — only the presence of a RelationMappings
// field governs the substitution.
func ApplyMessageRelationMappingsDiscord(draft OutboundDiscord, mappings RelationMappings) OutboundDiscord {
	if mappings.ReplyMapping != nil {
		draft.ReplyTo = *mappings.ReplyMapping
	}
	if mappings.EditMapping != nil {
		draft.EditOf = *mappings.EditMapping
	}
	return draft
}

// ApplyMessageRelationMappingsMatrix mirrors
// ApplyMessageRelationMappingsDiscord for the Matrix-bound draft.
func ApplyMessageRelationMappingsMatrix(draft OutboundMatrix, mappings RelationMappings) OutboundMatrix {
	if mappings.ReplyMapping != nil {
		draft.ReplyTo = *mappings.ReplyMapping
	}
	if mappings.EditMapping != nil {
		draft.EditOf = *mappings.EditMapping
	}
	return draft
}

// ResolvedMapping returns a non-nil *string for use as a RelationMappings
// field when a lookup succeeded, or nil when no lookup was attempted at all
// (the draft's raw source id, if any, passes through untouched). A reply/
// edit target that WAS referenced but whose lookup missed must be cleared
// explicitly with DroppedMapping, not represented by this nil case.
func ResolvedMapping(value string, found bool) *string {
	if !found {
		return nil
	}
	return &value
}

// DroppedMapping forces a RelationMappings field to clear its draft value —
// used when a reply/edit target was referenced in the source event but its
// MappingStore lookup missed, per the reply/edit degrade policy (send as a
// plain message rather than leak an id meaningless on the other side).
func DroppedMapping() *string {
	empty := ""
	return &empty
}

func filterOversizedAttachments(in []Attachment, limit int64) []Attachment {
	out := make([]Attachment, 0, len(in))
	for _, a := range in {
		if a.Size > limit {
			continue
		}
		out = append(out, a)
	}
	return out
}

// OversizedWarnings returns one "attachment too large" notice per rejected
// attachment, meant to be appended to the outbound body.
func OversizedWarnings(in []Attachment, limit int64) []string {
	var warnings []string
	for _, a := range in {
		if a.Size > limit {
			name := a.Filename
			if name == "" {
				name = a.URL
			}
			warnings = append(warnings, fmt.Sprintf("attachment too large: %s", name))
		}
	}
	return warnings
}

var markdownEscaper = strings.NewReplacer(
	"*", "\\*",
	"_", "\\_",
	"~", "\\~",
)

// sanitizeMatrixBody works on the Matrix plain-text body (the HTML
// formatted body is not consulted), preserves fenced code blocks and inline
// code spans verbatim, and escapes Discord markdown metacharacters
// everywhere else so a Matrix message like "a * b" doesn't turn into
// italicized Discord markup.
func sanitizeMatrixBody(body string) string {
	var out strings.Builder
	inFence := false

	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			inFence = !inFence
			out.WriteString(line)
			out.WriteByte('\n')
			continue
		}
		if inFence {
			out.WriteString(line)
			out.WriteByte('\n')
			continue
		}
		// Even segments lie outside inline code spans; text after an
		// unmatched trailing backtick is not code either.
		segments := strings.Split(line, "`")
		for i := range segments {
			if i%2 == 0 || (i == len(segments)-1 && len(segments)%2 == 0) {
				segments[i] = markdownEscaper.Replace(segments[i])
			}
		}
		out.WriteString(strings.Join(segments, "`"))
		out.WriteByte('\n')
	}

	return strings.TrimSuffix(out.String(), "\n")
}

func resolveMentions(content string, displayNames map[string]string) string {
	return mentionPattern.ReplaceAllStringFunc(content, func(match string) string {
		submatches := mentionPattern.FindStringSubmatch(match)
		if len(submatches) < 2 {
			return match
		}
		id := submatches[1]
		if name, ok := displayNames[id]; ok && name != "" {
			return "@" + name
		}
		return "@" + id
	})
}
