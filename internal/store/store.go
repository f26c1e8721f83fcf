// Package store persists the bridge's relational mappings: which Matrix
// room corresponds to which Discord channel, which Matrix ghost corresponds
// to which Discord user, which Matrix event mirrors which Discord message,
// and which inbound events have already been handled.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Sentinel errors surfaced to callers (command outcomes, admin HTTP handlers).
var (
	ErrRoomNotFound         = errors.New("room mapping not found")
	ErrRoomMatrixConflict   = errors.New("matrix room is already bridged")
	ErrRoomDiscordConflict  = errors.New("discord channel is already bridged")
	ErrUserNotFound         = errors.New("user mapping not found")
	ErrMessageNotFound      = errors.New("message mapping not found")
)

// RoomMapping binds a Matrix room to a Discord channel. Both external ids
// are unique; the pair persists for the lifetime of the bridge relationship.
type RoomMapping struct {
	ID                 int64
	MatrixRoomID       string
	DiscordChannelID   string
	DiscordChannelName string
	DiscordGuildID     string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// UserMapping binds a Discord user to the Matrix ghost that reflects them.
// MatrixUserID is a derived value (ghost-prefix + discord user id + domain);
// the store records it but the caller computes it.
type UserMapping struct {
	ID                   int64
	MatrixUserID         string
	DiscordUserID        string
	DiscordUsername      string
	DiscordDiscriminator string
	DiscordAvatar        string // mxc:// URI once uploaded, empty until cached
	DiscordAvatarHash    string // Discord CDN avatar hash the cached upload corresponds to
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// MessageMapping binds a Discord message to the Matrix event that mirrors
// it. Deleting a MessageMapping never deletes the owning RoomMapping.
type MessageMapping struct {
	ID               int64
	DiscordMessageID string
	MatrixRoomID     string
	MatrixEventID    string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// ProcessedEvent is the idempotency journal: once (Source, EventID) has been
// recorded, replaying the same event is a no-op for the Dispatcher.
type ProcessedEvent struct {
	EventID     string
	EventType   string
	Source      string
	ProcessedAt time.Time
}

// UserActivity is a pure audit trail: the Dispatcher records one row for
// every Discord message it forwards to Matrix. Nothing in the
// bridge's hot path reads it back; a write failure here is logged, never
// propagated.
type UserActivity struct {
	ID             int64
	UserMappingID  int64
	ActivityType   string
	Timestamp      time.Time
	Metadata       string
}

// RoomFilter narrows ListRoomMappings for the admin HTTP surface.
type RoomFilter struct {
	Limit  int
	Offset int
}

// MappingStore is the narrow contract the engine depends on. The sqlite
// implementation below is the only one shipped, but callers (dispatcher,
// outbound sender, admin surface, tests) depend only on this interface.
type MappingStore interface {
	CreateRoomMapping(mapping RoomMapping) (RoomMapping, error)
	GetRoomByMatrixRoom(matrixRoomID string) (RoomMapping, error)
	GetRoomByDiscordChannel(discordChannelID string) (RoomMapping, error)
	GetRoomByID(id int64) (RoomMapping, error)
	ListRoomMappings(filter RoomFilter) ([]RoomMapping, error)
	CountRoomMappings() (int, error)
	DeleteRoomMapping(id int64) error
	RenameRoomChannel(discordChannelID, newName string) error

	UpsertUserMapping(mapping UserMapping) (UserMapping, error)
	GetUserByDiscordID(discordUserID string) (UserMapping, error)
	GetUserByMatrixID(matrixUserID string) (UserMapping, error)
	UpdateUserAvatar(discordUserID, avatarHash, mxcURI string) error

	UpsertMessageMapping(discordMessageID, matrixRoomID, matrixEventID string) (MessageMapping, error)
	GetMessageByDiscordID(discordMessageID string) (MessageMapping, error)
	GetMessageByMatrixEventID(matrixEventID string) (MessageMapping, error)
	DeleteMessageMapping(discordMessageID string) error

	HasProcessedEvent(source, eventID string) (bool, error)
	MarkEventProcessed(source, eventID, eventType string) error

	RecordUserActivity(userMappingID int64, activityType, metadata string) error

	Close() error
}

// Store is the sqlite-backed MappingStore. All mutations go through a
// single mutex-guarded *sql.DB handle — sqlite serializes writers anyway,
// and this keeps upsert-then-read
// sequences atomic without a transaction spanning a suspension point.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open creates (or attaches to) the sqlite database at path and ensures the
// schema exists. The concrete driver is selected at compile time by the
// "nocgo" build tag (see driver_cgo.go / driver_nocgo.go): default builds
// use github.com/mattn/go-sqlite3 (cgo), static/cross-compiled builds use
// modernc.org/sqlite (pure Go) against the identical schema and SQL.
func Open(path string) (*Store, error) {
	db, err := sql.Open(driverName, path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS room_mappings (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	matrix_room_id TEXT NOT NULL UNIQUE,
	discord_channel_id TEXT NOT NULL UNIQUE,
	discord_channel_name TEXT NOT NULL,
	discord_guild_id TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_room_mappings_matrix_id ON room_mappings(matrix_room_id);
CREATE INDEX IF NOT EXISTS idx_room_mappings_discord_id ON room_mappings(discord_channel_id);

CREATE TABLE IF NOT EXISTS user_mappings (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	matrix_user_id TEXT NOT NULL UNIQUE,
	discord_user_id TEXT NOT NULL UNIQUE,
	discord_username TEXT NOT NULL,
	discord_discriminator TEXT NOT NULL,
	discord_avatar TEXT,
	discord_avatar_hash TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_user_mappings_matrix_id ON user_mappings(matrix_user_id);
CREATE INDEX IF NOT EXISTS idx_user_mappings_discord_id ON user_mappings(discord_user_id);

CREATE TABLE IF NOT EXISTS message_mappings (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	discord_message_id TEXT NOT NULL UNIQUE,
	matrix_room_id TEXT NOT NULL,
	matrix_event_id TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_message_mappings_discord_id ON message_mappings(discord_message_id);
CREATE INDEX IF NOT EXISTS idx_message_mappings_matrix_event_id ON message_mappings(matrix_event_id);

CREATE TABLE IF NOT EXISTS processed_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	source TEXT NOT NULL,
	processed_at TEXT NOT NULL,
	UNIQUE(source, event_id)
);

CREATE INDEX IF NOT EXISTS idx_processed_events_event_id ON processed_events(event_id);

CREATE TABLE IF NOT EXISTS user_activity (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_mapping_id INTEGER NOT NULL REFERENCES user_mappings(id) ON DELETE CASCADE,
	activity_type TEXT NOT NULL,
	timestamp TEXT NOT NULL,
	metadata TEXT
);

CREATE INDEX IF NOT EXISTS idx_user_activity_user_mapping ON user_activity(user_mapping_id);
CREATE INDEX IF NOT EXISTS idx_user_activity_timestamp ON user_activity(timestamp);
`)
	if err != nil {
		return fmt.Errorf("init sqlite schema: %w", err)
	}

	return nil
}

func (s *Store) CreateRoomMapping(mapping RoomMapping) (RoomMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	mapping.CreatedAt = now
	mapping.UpdatedAt = now

	result, err := s.db.Exec(`
INSERT INTO room_mappings (matrix_room_id, discord_channel_id, discord_channel_name, discord_guild_id, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
`,
		mapping.MatrixRoomID,
		mapping.DiscordChannelID,
		mapping.DiscordChannelName,
		mapping.DiscordGuildID,
		formatTime(now),
		formatTime(now),
	)
	if err != nil {
		if isUniqueConstraint(err, "matrix_room_id") {
			return RoomMapping{}, ErrRoomMatrixConflict
		}
		if isUniqueConstraint(err, "discord_channel_id") {
			return RoomMapping{}, ErrRoomDiscordConflict
		}
		return RoomMapping{}, fmt.Errorf("insert room mapping: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return RoomMapping{}, fmt.Errorf("read inserted room mapping id: %w", err)
	}

	mapping.ID = id
	return mapping, nil
}

func (s *Store) GetRoomByMatrixRoom(matrixRoomID string) (RoomMapping, error) {
	return s.scanOneRoom("SELECT id, matrix_room_id, discord_channel_id, discord_channel_name, discord_guild_id, created_at, updated_at FROM room_mappings WHERE matrix_room_id = ?", matrixRoomID)
}

func (s *Store) GetRoomByDiscordChannel(discordChannelID string) (RoomMapping, error) {
	return s.scanOneRoom("SELECT id, matrix_room_id, discord_channel_id, discord_channel_name, discord_guild_id, created_at, updated_at FROM room_mappings WHERE discord_channel_id = ?", discordChannelID)
}

func (s *Store) GetRoomByID(id int64) (RoomMapping, error) {
	return s.scanOneRoom("SELECT id, matrix_room_id, discord_channel_id, discord_channel_name, discord_guild_id, created_at, updated_at FROM room_mappings WHERE id = ?", id)
}

func (s *Store) scanOneRoom(query string, arg any) (RoomMapping, error) {
	row := s.db.QueryRow(query, arg)

	var (
		m            RoomMapping
		createdAtRaw string
		updatedAtRaw string
	)
	if err := row.Scan(&m.ID, &m.MatrixRoomID, &m.DiscordChannelID, &m.DiscordChannelName, &m.DiscordGuildID, &createdAtRaw, &updatedAtRaw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RoomMapping{}, ErrRoomNotFound
		}
		return RoomMapping{}, fmt.Errorf("scan room mapping: %w", err)
	}

	var err error
	if m.CreatedAt, err = parseTime(createdAtRaw); err != nil {
		return RoomMapping{}, err
	}
	if m.UpdatedAt, err = parseTime(updatedAtRaw); err != nil {
		return RoomMapping{}, err
	}

	return m, nil
}

func (s *Store) ListRoomMappings(filter RoomFilter) ([]RoomMapping, error) {
	if filter.Limit <= 0 {
		filter.Limit = 100
	}
	if filter.Limit > 1000 {
		filter.Limit = 1000
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	rows, err := s.db.Query(`
SELECT id, matrix_room_id, discord_channel_id, discord_channel_name, discord_guild_id, created_at, updated_at
FROM room_mappings
ORDER BY id ASC
LIMIT ? OFFSET ?
`, filter.Limit, filter.Offset)
	if err != nil {
		return nil, fmt.Errorf("list room mappings: %w", err)
	}
	defer rows.Close()

	mappings := make([]RoomMapping, 0, filter.Limit)
	for rows.Next() {
		var (
			m            RoomMapping
			createdAtRaw string
			updatedAtRaw string
		)
		if err := rows.Scan(&m.ID, &m.MatrixRoomID, &m.DiscordChannelID, &m.DiscordChannelName, &m.DiscordGuildID, &createdAtRaw, &updatedAtRaw); err != nil {
			return nil, fmt.Errorf("scan room mapping row: %w", err)
		}
		if m.CreatedAt, err = parseTime(createdAtRaw); err != nil {
			return nil, err
		}
		if m.UpdatedAt, err = parseTime(updatedAtRaw); err != nil {
			return nil, err
		}
		mappings = append(mappings, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate room mappings: %w", err)
	}

	return mappings, nil
}

func (s *Store) CountRoomMappings() (int, error) {
	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM room_mappings").Scan(&count); err != nil {
		return 0, fmt.Errorf("count room mappings: %w", err)
	}
	return count, nil
}

func (s *Store) DeleteRoomMapping(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec("DELETE FROM room_mappings WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete room mapping: %w", err)
	}

	count, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("read affected rows: %w", err)
	}
	if count == 0 {
		return ErrRoomNotFound
	}

	return nil
}

// RenameRoomChannel updates the cached channel name for a bridged Discord
// channel, called when the gateway reports a channel-update event.
func (s *Store) RenameRoomChannel(discordChannelID, newName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(
		"UPDATE room_mappings SET discord_channel_name = ?, updated_at = ? WHERE discord_channel_id = ?",
		newName, formatTime(time.Now().UTC()), discordChannelID,
	)
	if err != nil {
		return fmt.Errorf("rename room channel: %w", err)
	}

	count, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("read affected rows: %w", err)
	}
	if count == 0 {
		return ErrRoomNotFound
	}

	return nil
}

// UpsertUserMapping creates the ghost's row on first sight, or refreshes
// username/discriminator/avatar fields on subsequent calls. Re-registering
// an already-known ghost is a no-op beyond the refresh — IdentityMapper
// relies on this being safe to call unconditionally.
func (s *Store) UpsertUserMapping(mapping UserMapping) (UserMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()

	existing, err := s.getUserByDiscordIDLocked(mapping.DiscordUserID)
	if err == nil {
		_, execErr := s.db.Exec(`
UPDATE user_mappings
SET discord_username = ?, discord_discriminator = ?, updated_at = ?
WHERE discord_user_id = ?
`, mapping.DiscordUsername, mapping.DiscordDiscriminator, formatTime(now), mapping.DiscordUserID)
		if execErr != nil {
			return UserMapping{}, fmt.Errorf("update user mapping: %w", execErr)
		}

		existing.DiscordUsername = mapping.DiscordUsername
		existing.DiscordDiscriminator = mapping.DiscordDiscriminator
		existing.UpdatedAt = now
		return existing, nil
	}
	if !errors.Is(err, ErrUserNotFound) {
		return UserMapping{}, err
	}

	mapping.CreatedAt = now
	mapping.UpdatedAt = now

	result, execErr := s.db.Exec(`
INSERT INTO user_mappings (matrix_user_id, discord_user_id, discord_username, discord_discriminator, discord_avatar, discord_avatar_hash, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`,
		mapping.MatrixUserID,
		mapping.DiscordUserID,
		mapping.DiscordUsername,
		mapping.DiscordDiscriminator,
		mapping.DiscordAvatar,
		mapping.DiscordAvatarHash,
		formatTime(now),
		formatTime(now),
	)
	if execErr != nil {
		return UserMapping{}, fmt.Errorf("insert user mapping: %w", execErr)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return UserMapping{}, fmt.Errorf("read inserted user mapping id: %w", err)
	}
	mapping.ID = id

	return mapping, nil
}

func (s *Store) getUserByDiscordIDLocked(discordUserID string) (UserMapping, error) {
	return s.scanOneUser("SELECT id, matrix_user_id, discord_user_id, discord_username, discord_discriminator, discord_avatar, discord_avatar_hash, created_at, updated_at FROM user_mappings WHERE discord_user_id = ?", discordUserID)
}

func (s *Store) GetUserByDiscordID(discordUserID string) (UserMapping, error) {
	return s.scanOneUser("SELECT id, matrix_user_id, discord_user_id, discord_username, discord_discriminator, discord_avatar, discord_avatar_hash, created_at, updated_at FROM user_mappings WHERE discord_user_id = ?", discordUserID)
}

func (s *Store) GetUserByMatrixID(matrixUserID string) (UserMapping, error) {
	return s.scanOneUser("SELECT id, matrix_user_id, discord_user_id, discord_username, discord_discriminator, discord_avatar, discord_avatar_hash, created_at, updated_at FROM user_mappings WHERE matrix_user_id = ?", matrixUserID)
}

func (s *Store) scanOneUser(query string, arg any) (UserMapping, error) {
	row := s.db.QueryRow(query, arg)

	var (
		m            UserMapping
		avatar       sql.NullString
		avatarHash   sql.NullString
		createdAtRaw string
		updatedAtRaw string
	)
	if err := row.Scan(&m.ID, &m.MatrixUserID, &m.DiscordUserID, &m.DiscordUsername, &m.DiscordDiscriminator, &avatar, &avatarHash, &createdAtRaw, &updatedAtRaw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return UserMapping{}, ErrUserNotFound
		}
		return UserMapping{}, fmt.Errorf("scan user mapping: %w", err)
	}

	m.DiscordAvatar = avatar.String
	m.DiscordAvatarHash = avatarHash.String

	var err error
	if m.CreatedAt, err = parseTime(createdAtRaw); err != nil {
		return UserMapping{}, err
	}
	if m.UpdatedAt, err = parseTime(updatedAtRaw); err != nil {
		return UserMapping{}, err
	}

	return m, nil
}

func (s *Store) UpdateUserAvatar(discordUserID, avatarHash, mxcURI string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(`
UPDATE user_mappings
SET discord_avatar = ?, discord_avatar_hash = ?, updated_at = ?
WHERE discord_user_id = ?
`, mxcURI, avatarHash, formatTime(time.Now().UTC()), discordUserID)
	if err != nil {
		return fmt.Errorf("update user avatar: %w", err)
	}

	count, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("read affected rows: %w", err)
	}
	if count == 0 {
		return ErrUserNotFound
	}

	return nil
}

// UpsertMessageMapping is the atomic last-writer-wins upsert required by
// invariant 2 in the data model: concurrent upserts for the same
// discord_message_id converge on the latest matrix_event_id/updated_at.
// sqlite's own write serialization (guarded additionally by s.mu) gives us
// this for free — there is no separate compare-and-swap step.
func (s *Store) UpsertMessageMapping(discordMessageID, matrixRoomID, matrixEventID string) (MessageMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()

	result, err := s.db.Exec(`
INSERT INTO message_mappings (discord_message_id, matrix_room_id, matrix_event_id, created_at, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(discord_message_id) DO UPDATE SET
	matrix_room_id = excluded.matrix_room_id,
	matrix_event_id = excluded.matrix_event_id,
	updated_at = excluded.updated_at
`, discordMessageID, matrixRoomID, matrixEventID, formatTime(now), formatTime(now))
	if err != nil {
		return MessageMapping{}, fmt.Errorf("upsert message mapping: %w", err)
	}

	_ = result // LastInsertId is meaningless on an upsert that may have updated; re-read below.

	return s.getMessageByDiscordIDLocked(discordMessageID)
}

func (s *Store) getMessageByDiscordIDLocked(discordMessageID string) (MessageMapping, error) {
	return s.scanOneMessage("SELECT id, discord_message_id, matrix_room_id, matrix_event_id, created_at, updated_at FROM message_mappings WHERE discord_message_id = ?", discordMessageID)
}

func (s *Store) GetMessageByDiscordID(discordMessageID string) (MessageMapping, error) {
	return s.scanOneMessage("SELECT id, discord_message_id, matrix_room_id, matrix_event_id, created_at, updated_at FROM message_mappings WHERE discord_message_id = ?", discordMessageID)
}

func (s *Store) GetMessageByMatrixEventID(matrixEventID string) (MessageMapping, error) {
	return s.scanOneMessage("SELECT id, discord_message_id, matrix_room_id, matrix_event_id, created_at, updated_at FROM message_mappings WHERE matrix_event_id = ?", matrixEventID)
}

func (s *Store) scanOneMessage(query string, arg any) (MessageMapping, error) {
	row := s.db.QueryRow(query, arg)

	var (
		m            MessageMapping
		createdAtRaw string
		updatedAtRaw string
	)
	if err := row.Scan(&m.ID, &m.DiscordMessageID, &m.MatrixRoomID, &m.MatrixEventID, &createdAtRaw, &updatedAtRaw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return MessageMapping{}, ErrMessageNotFound
		}
		return MessageMapping{}, fmt.Errorf("scan message mapping: %w", err)
	}

	var err error
	if m.CreatedAt, err = parseTime(createdAtRaw); err != nil {
		return MessageMapping{}, err
	}
	if m.UpdatedAt, err = parseTime(updatedAtRaw); err != nil {
		return MessageMapping{}, err
	}

	return m, nil
}

func (s *Store) DeleteMessageMapping(discordMessageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec("DELETE FROM message_mappings WHERE discord_message_id = ?", discordMessageID)
	if err != nil {
		return fmt.Errorf("delete message mapping: %w", err)
	}

	count, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("read affected rows: %w", err)
	}
	if count == 0 {
		return ErrMessageNotFound
	}

	return nil
}

func (s *Store) HasProcessedEvent(source, eventID string) (bool, error) {
	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM processed_events WHERE source = ? AND event_id = ?", source, eventID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check processed event: %w", err)
	}
	return count > 0, nil
}

func (s *Store) MarkEventProcessed(source, eventID, eventType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
INSERT INTO processed_events (event_id, event_type, source, processed_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(source, event_id) DO NOTHING
`, eventID, eventType, source, formatTime(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("mark event processed: %w", err)
	}

	return nil
}

func (s *Store) RecordUserActivity(userMappingID int64, activityType, metadata string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
INSERT INTO user_activity (user_mapping_id, activity_type, timestamp, metadata)
VALUES (?, ?, ?, ?)
`, userMappingID, activityType, formatTime(time.Now().UTC()), metadata)
	if err != nil {
		return fmt.Errorf("record user activity: %w", err)
	}

	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", raw, err)
	}
	return t, nil
}

func isUniqueConstraint(err error, column string) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") && strings.Contains(msg, column)
}

var _ MappingStore = (*Store)(nil)
