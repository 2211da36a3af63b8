package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const defaultBusyTimeout = 5000

// SystemAuthor is the sender ID reserved for system messages; stored as -1.
const SystemAuthor = ^uint64(0)

// Store wraps the SQLite handle and exposes the persistence operations the
// server needs.
type Store struct {
	db *sql.DB
}

// User represents a row in the users table. LastSeen is a Unix timestamp.
type User struct {
	ID       uint64
	Username string
	LastSeen uint64
}

// RoomSummary is one entry of a user's room list.
type RoomSummary struct {
	ID     uint64
	Name   string
	Unread bool
}

// Room is a chat room's full metadata.
type Room struct {
	ID           uint64
	Name         string
	OwnerID      uint64
	Group        bool
	Participants []uint64
}

// Member is a room participant with per-room read state.
type Member struct {
	UserID   uint64
	LastSeen uint64
	HasRead  bool
}

// Message is one stored chat message. PromiseID 0 means no file reference;
// Author SystemAuthor marks a system message.
type Message struct {
	Author    uint64
	SentAt    uint64
	PromiseID uint64
	Content   string
}

// ErrUserNotFound is returned by room creation when a participant ID does
// not resolve to an existing user.
var ErrUserNotFound = errors.New("user not found")

// NewStore initializes the SQLite database at the provided path. Call Close
// when done.
func NewStore(path string) (*Store, error) {
	if path == "" {
		path = "wirechat.db"
	}
	db, err := sql.Open("sqlite", buildDSN(path))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d;", defaultBusyTimeout)); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying DB connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func buildDSN(path string) string {
	switch {
	case strings.HasPrefix(path, "sqlite://"):
		path = path[len("sqlite://"):]
	case strings.HasPrefix(path, "file:"), strings.HasPrefix(path, ":memory:"):
		// already in a form sqlite understands
	default:
		path = "file:" + path
	}
	separator := "?"
	if strings.Contains(path, "?") {
		separator = "&"
	}
	return fmt.Sprintf("%s%s_pragma=busy_timeout=%d&_pragma=foreign_keys=ON", path, separator, defaultBusyTimeout)
}

// Migrate runs the schema creation statements.
func (s *Store) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT NOT NULL UNIQUE,
			last_seen INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE TABLE IF NOT EXISTS rooms (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL DEFAULT 'unnamed chat',
			is_group INTEGER NOT NULL,
			owner_id INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS room_members (
			room_id INTEGER NOT NULL,
			user_id INTEGER NOT NULL,
			has_read INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (room_id, user_id)
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			room_id INTEGER NOT NULL,
			sender_id INTEGER NOT NULL,
			content TEXT NOT NULL,
			file_promise_id INTEGER DEFAULT NULL,
			sent_time INTEGER NOT NULL
		);`,
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	for _, stmt := range statements {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetUserByID fetches a user by primary key. Returns nil when absent.
func (s *Store) GetUserByID(ctx context.Context, id uint64) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, username, last_seen FROM users WHERE id = ?`, int64(id))
	return scanUser(row)
}

// GetUserByName fetches a user by username. Returns nil when absent.
func (s *Store) GetUserByName(ctx context.Context, username string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, username, last_seen FROM users WHERE username = ?`, username)
	return scanUser(row)
}

func scanUser(row *sql.Row) (*User, error) {
	var user User
	var id, lastSeen int64
	if err := row.Scan(&id, &user.Username, &lastSeen); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	user.ID = uint64(id)
	user.LastSeen = uint64(lastSeen)
	return &user, nil
}

// CreateUser inserts a new user and returns its assigned ID.
func (s *Store) CreateUser(ctx context.Context, username string) (uint64, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO users(username, last_seen) VALUES(?, ?)`, username, time.Now().UTC().Unix())
	if err != nil {
		return 0, err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, err
	}
	return uint64(id), nil
}

// UpdateLastSeen refreshes a user's presence timestamp.
func (s *Store) UpdateLastSeen(ctx context.Context, userID uint64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET last_seen = ? WHERE id = ?`, time.Now().UTC().Unix(), int64(userID))
	return err
}

// ListRooms returns the rooms a user belongs to, newest first, with each
// room's unread flag for that user.
func (s *Store) ListRooms(ctx context.Context, userID uint64) ([]RoomSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.name, m.has_read
		FROM room_members m
		JOIN rooms r ON r.id = m.room_id
		WHERE m.user_id = ?
		ORDER BY r.id DESC
	`, int64(userID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []RoomSummary
	for rows.Next() {
		var summary RoomSummary
		var id int64
		var hasRead bool
		if err := rows.Scan(&id, &summary.Name, &hasRead); err != nil {
			return nil, err
		}
		summary.ID = uint64(id)
		summary.Unread = !hasRead
		list = append(list, summary)
	}
	return list, rows.Err()
}

// CreateRoom persists a room with the given participants (deduplicated,
// owner always included) and an initial system message, atomically.
// ErrUserNotFound is returned, and nothing is created, if any participant
// does not exist.
func (s *Store) CreateRoom(ctx context.Context, ownerID uint64, participants []uint64, group bool) (uint64, error) {
	members := dedupeWithOwner(ownerID, participants)
	for _, userID := range members {
		user, err := s.GetUserByID(ctx, userID)
		if err != nil {
			return 0, err
		}
		if user == nil {
			return 0, ErrUserNotFound
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	result, err := tx.ExecContext(ctx,
		`INSERT INTO rooms(is_group, owner_id) VALUES(?, ?)`, group, int64(ownerID))
	if err != nil {
		return 0, err
	}
	roomID, err := result.LastInsertId()
	if err != nil {
		return 0, err
	}
	for _, userID := range members {
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO room_members(room_id, user_id) VALUES(?, ?)`, roomID, int64(userID)); err != nil {
			return 0, err
		}
	}
	systemSender := SystemAuthor // wraps to -1 in the signed column
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO messages(room_id, sender_id, content, file_promise_id, sent_time) VALUES(?, ?, ?, NULL, ?)`,
		roomID, int64(systemSender), "Chatroom created", time.Now().UTC().Unix()); err != nil {
		return 0, err
	}
	if err = tx.Commit(); err != nil {
		return 0, err
	}
	return uint64(roomID), nil
}

func dedupeWithOwner(ownerID uint64, participants []uint64) []uint64 {
	members := append([]uint64{ownerID}, participants...)
	sort.Slice(members, func(i, j int) bool { return members[i] < members[j] })
	unique := members[:0]
	for i, id := range members {
		if i == 0 || id != members[i-1] {
			unique = append(unique, id)
		}
	}
	return unique
}

// AddParticipant inserts a membership record with the room marked unread.
func (s *Store) AddParticipant(ctx context.Context, roomID, userID uint64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO room_members(room_id, user_id) VALUES(?, ?)`, int64(roomID), int64(userID))
	return err
}

// RemoveParticipant deletes a membership record.
func (s *Store) RemoveParticipant(ctx context.Context, roomID, userID uint64) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM room_members WHERE room_id = ? AND user_id = ?`, int64(roomID), int64(userID))
	return err
}

// GetRoomByID fetches a room's metadata and participant IDs. Returns nil
// when the room does not exist.
func (s *Store) GetRoomByID(ctx context.Context, roomID uint64) (*Room, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT name, is_group, owner_id FROM rooms WHERE id = ?`, int64(roomID))
	var room Room
	var owner int64
	if err := row.Scan(&room.Name, &room.Group, &owner); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	room.ID = roomID
	room.OwnerID = uint64(owner)

	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM room_members WHERE room_id = ?`, int64(roomID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var userID int64
		if err := rows.Scan(&userID); err != nil {
			return nil, err
		}
		room.Participants = append(room.Participants, uint64(userID))
	}
	return &room, rows.Err()
}

// ListParticipants returns a room's members with last-seen timestamps and
// read flags, ordered by username.
func (s *Store) ListParticipants(ctx context.Context, roomID uint64) ([]Member, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.user_id, u.last_seen, m.has_read
		FROM room_members m
		JOIN users u ON u.id = m.user_id
		WHERE m.room_id = ?
		ORDER BY u.username ASC
	`, int64(roomID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []Member
	for rows.Next() {
		var member Member
		var userID, lastSeen int64
		if err := rows.Scan(&userID, &lastSeen, &member.HasRead); err != nil {
			return nil, err
		}
		member.UserID = uint64(userID)
		member.LastSeen = uint64(lastSeen)
		members = append(members, member)
	}
	return members, rows.Err()
}

// RenameRoom persists a room's new display name.
func (s *Store) RenameRoom(ctx context.Context, roomID uint64, name string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE rooms SET name = ? WHERE id = ?`, name, int64(roomID))
	return err
}

// ListMessages returns a room's messages in append order.
func (s *Store) ListMessages(ctx context.Context, roomID uint64) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sender_id, content, sent_time, file_promise_id
		FROM messages WHERE room_id = ? ORDER BY id ASC
	`, int64(roomID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var msg Message
		var sender, sentAt int64
		var promise sql.NullInt64
		if err := rows.Scan(&sender, &msg.Content, &sentAt, &promise); err != nil {
			return nil, err
		}
		msg.Author = uint64(sender)
		msg.SentAt = uint64(sentAt)
		if promise.Valid {
			msg.PromiseID = uint64(promise.Int64)
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// AppendMessage stores a message and, unless it is a system message, flips
// every other participant's read flag to unread. The stored Unix timestamp
// is returned.
func (s *Store) AppendMessage(ctx context.Context, roomID, author uint64, content string, promiseID uint64) (uint64, error) {
	sentAt := uint64(time.Now().UTC().Unix())
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var promise any
	if promiseID != 0 {
		promise = int64(promiseID)
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO messages(room_id, sender_id, content, file_promise_id, sent_time) VALUES(?, ?, ?, ?, ?)`,
		int64(roomID), int64(author), content, promise, int64(sentAt)); err != nil {
		return 0, err
	}
	if author != SystemAuthor {
		if _, err = tx.ExecContext(ctx,
			`UPDATE room_members SET has_read = 0 WHERE room_id = ? AND user_id != ?`,
			int64(roomID), int64(author)); err != nil {
			return 0, err
		}
	}
	if err = tx.Commit(); err != nil {
		return 0, err
	}
	return sentAt, nil
}

// IsRoomRead reports a user's read flag for a room.
func (s *Store) IsRoomRead(ctx context.Context, roomID, userID uint64) (bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT has_read FROM room_members WHERE room_id = ? AND user_id = ?`,
		int64(roomID), int64(userID))
	var hasRead bool
	if err := row.Scan(&hasRead); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return hasRead, nil
}

// MarkRoomRead sets a user's read flag for a room. It reports whether this
// was an actual unread-to-read transition, so callers can skip redundant
// read-receipt broadcasts.
func (s *Store) MarkRoomRead(ctx context.Context, roomID, userID uint64) (bool, error) {
	read, err := s.IsRoomRead(ctx, roomID, userID)
	if err != nil || read {
		return false, err
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE room_members SET has_read = 1 WHERE room_id = ? AND user_id = ?`,
		int64(roomID), int64(userID)); err != nil {
		return false, err
	}
	return true, nil
}
