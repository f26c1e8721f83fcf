// Package identity implements IdentityMapper: ensuring a Matrix ghost
// exists for every observed Discord user, and selecting a webhook identity
// for Matrix-origin sends headed to Discord.
package identity

import (
	"fmt"
	"strings"
	"sync"

	"github.com/matrixdiscord/bridge/internal/store"
)

// DisplayNamePattern substitutions.
const (
	subID       = ":id"
	subTag      = ":tag"
	subUsername = ":username"
)

// DiscordUser is the subset of a Discord user object IdentityMapper needs.
type DiscordUser struct {
	ID            string
	Username      string
	Discriminator string
	AvatarHash    string
}

// AvatarUploader uploads Discord CDN avatar bytes into Matrix media and
// returns the resulting mxc:// URI. Implemented by the Matrix wire adapter;
// kept as a narrow function type here so this package stays I/O-free.
type AvatarUploader func(discordUserID, avatarHash string) (mxcURI string, err error)

// Mapper implements ghost registration and webhook identity selection.
type Mapper struct {
	store        store.MappingStore
	domain       string
	ghostPrefix  string
	displayName  string // pattern with :id/:tag/:username substitutions
	uploadAvatar AvatarUploader

	mu               sync.RWMutex
	webhooksByChannel map[string]WebhookIdentity
	ownedWebhookIDs  map[string]struct{}
}

// WebhookIdentity is the cached (id, token) pair for a channel's named
// bridge webhook.
type WebhookIdentity struct {
	ID    string
	Token string
}

// Config configures a Mapper.
type Config struct {
	Domain         string // Matrix homeserver domain
	GhostPrefix    string // localpart prefix, e.g. "_discord_"
	DisplayPattern string // e.g. ":username (Discord)"
	UploadAvatar   AvatarUploader
}

func New(s store.MappingStore, cfg Config) *Mapper {
	pattern := cfg.DisplayPattern
	if pattern == "" {
		pattern = ":username"
	}

	return &Mapper{
		store:             s,
		domain:            cfg.Domain,
		ghostPrefix:       cfg.GhostPrefix,
		displayName:       pattern,
		uploadAvatar:      cfg.UploadAvatar,
		webhooksByChannel: make(map[string]WebhookIdentity),
		ownedWebhookIDs:   make(map[string]struct{}),
	}
}

// GhostMXID is a total function of (domain, discord_user_id): the arena-like
// identity the engine never materializes into a separate id space.
func (m *Mapper) GhostMXID(discordUserID string) string {
	return fmt.Sprintf("@%s%s:%s", m.ghostPrefix, discordUserID, m.domain)
}

// RenderDisplayName applies the configured pattern's substitutions.
func (m *Mapper) RenderDisplayName(user DiscordUser) string {
	tag := user.Username
	if user.Discriminator != "" && user.Discriminator != "0" {
		tag = user.Username + "#" + user.Discriminator
	}

	replacer := strings.NewReplacer(
		subTag, tag,
		subUsername, user.Username,
		subID, user.ID,
	)
	return replacer.Replace(m.displayName)
}

// EnsureGhost registers (or refreshes) the Matrix ghost for a Discord user.
// Re-registering an existing ghost is a no-op beyond the username/
// discriminator refresh — callers may invoke this unconditionally on every
// inbound Discord message.
func (m *Mapper) EnsureGhost(user DiscordUser) (store.UserMapping, error) {
	mapping, err := m.store.UpsertUserMapping(store.UserMapping{
		MatrixUserID:         m.GhostMXID(user.ID),
		DiscordUserID:        user.ID,
		DiscordUsername:      user.Username,
		DiscordDiscriminator: user.Discriminator,
	})
	if err != nil {
		return store.UserMapping{}, fmt.Errorf("ensure ghost for discord user %s: %w", user.ID, err)
	}

	if user.AvatarHash != "" && user.AvatarHash != mapping.DiscordAvatarHash && m.uploadAvatar != nil {
		mxcURI, err := m.uploadAvatar(user.ID, user.AvatarHash)
		if err != nil {
			return mapping, fmt.Errorf("upload avatar for discord user %s: %w", user.ID, err)
		}
		if err := m.store.UpdateUserAvatar(user.ID, user.AvatarHash, mxcURI); err != nil {
			return mapping, fmt.Errorf("persist avatar for discord user %s: %w", user.ID, err)
		}
		mapping.DiscordAvatar = mxcURI
		mapping.DiscordAvatarHash = user.AvatarHash
	}

	return mapping, nil
}

// WebhookFor returns the cached webhook identity for a channel, if any has
// been recorded by RememberWebhook.
func (m *Mapper) WebhookFor(channelID string) (WebhookIdentity, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.webhooksByChannel[channelID]
	return w, ok
}

// RememberWebhook caches a channel's webhook identity (after the caller
// either found an existing named webhook via REST, or created one) and
// records its id in the owned set the self-echo filter reads.
func (m *Mapper) RememberWebhook(channelID string, w WebhookIdentity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.webhooksByChannel[channelID] = w
	m.ownedWebhookIDs[w.ID] = struct{}{}
}

// OwnsWebhook reports whether webhookID belongs to this engine — the
// self-echo filter's hot-path read, guarded by RWMutex against the cold-path
// writer in RememberWebhook.
func (m *Mapper) OwnsWebhook(webhookID string) bool {
	if webhookID == "" {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.ownedWebhookIDs[webhookID]
	return ok
}
