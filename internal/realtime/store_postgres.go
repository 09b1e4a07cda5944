package realtime

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	v1 "ripple/pkg/wire/v1"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
//   - AddSeenBy is a single conditional-append UPDATE, so the union happens
//     under the row lock and concurrent viewers can never lose an update.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "ripple").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("realtime: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("realtime: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "ripple",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("realtime: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// EnsureSchema creates the schema and tables when they do not exist yet.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	schema := pgx.Identifier{s.schema}.Sanitize()

	stmts := []string{
		`CREATE SCHEMA IF NOT EXISTS ` + schema,

		`CREATE TABLE IF NOT EXISTS ` + s.ident("members") + ` (
			id         TEXT PRIMARY KEY,
			username   TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,

		`CREATE TABLE IF NOT EXISTS ` + s.ident("rooms") + ` (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,

		`CREATE TABLE IF NOT EXISTS ` + s.ident("room_members") + ` (
			room_id   TEXT NOT NULL REFERENCES ` + s.ident("rooms") + `(id) ON DELETE CASCADE,
			user_id   TEXT NOT NULL REFERENCES ` + s.ident("members") + `(id) ON DELETE CASCADE,
			joined_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (room_id, user_id)
		)`,

		`CREATE TABLE IF NOT EXISTS ` + s.ident("messages") + ` (
			id           TEXT PRIMARY KEY,
			room_id      TEXT NOT NULL REFERENCES ` + s.ident("rooms") + `(id) ON DELETE CASCADE,
			sender_id    TEXT NOT NULL,
			sender_name  TEXT NOT NULL,
			content      TEXT NOT NULL,
			content_kind TEXT NOT NULL,
			seen_by      TEXT[] NOT NULL,
			created_at   TIMESTAMPTZ NOT NULL
		)`,

		`CREATE INDEX IF NOT EXISTS messages_room_created_idx
			ON ` + s.ident("messages") + ` (room_id, created_at)`,
	}

	for _, q := range stmts {
		if _, err := s.pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// UpsertMember registers or updates a member record.
func (s *PostgresStore) UpsertMember(ctx context.Context, m Member) error {
	if m.ID == "" {
		return errors.New("missing member id")
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+s.ident("members")+` (id, username) VALUES ($1, $2)
		 ON CONFLICT (id) DO UPDATE SET username = EXCLUDED.username`,
		m.ID, m.Username,
	)
	return err
}

// CreateRoom registers a room. Creating an existing room is a no-op.
func (s *PostgresStore) CreateRoom(ctx context.Context, roomID, name string) error {
	if roomID == "" {
		return errors.New("missing room id")
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+s.ident("rooms")+` (id, name) VALUES ($1, $2)
		 ON CONFLICT (id) DO NOTHING`,
		roomID, name,
	)
	return err
}

// AddRoomMember adds a user to a room's membership.
func (s *PostgresStore) AddRoomMember(ctx context.Context, roomID, userID string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+s.ident("room_members")+` (room_id, user_id) VALUES ($1, $2)
		 ON CONFLICT DO NOTHING`,
		roomID, userID,
	)
	return err
}

// FindMemberByIdentity resolves an identity to a member record.
func (s *PostgresStore) FindMemberByIdentity(ctx context.Context, identity string) (Member, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return Member{}, fmt.Errorf("%w: empty identity", ErrUnknownSender)
	}

	var m Member
	err := s.pool.QueryRow(ctx,
		`SELECT id, username FROM `+s.ident("members")+` WHERE id = $1`,
		identity,
	).Scan(&m.ID, &m.Username)
	if errors.Is(err, pgx.ErrNoRows) {
		return Member{}, fmt.Errorf("%w: %s", ErrUnknownSender, identity)
	}
	if err != nil {
		return Member{}, err
	}
	return m, nil
}

// IsMember reports whether userID belongs to roomID.
func (s *PostgresStore) IsMember(ctx context.Context, roomID, userID string) (bool, error) {
	if roomID == "" || userID == "" {
		return false, nil
	}

	var one int
	err := s.pool.QueryRow(ctx,
		`SELECT 1 FROM `+s.ident("room_members")+` WHERE room_id = $1 AND user_id = $2`,
		roomID, userID,
	).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// SaveMessage persists a message with the seen-by set initialized to {sender}.
func (s *PostgresStore) SaveMessage(ctx context.Context, in SaveMessageInput) (Message, error) {
	if in.RoomID == "" || in.SenderID == "" {
		return Message{}, errors.New("invalid input")
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := NewULID(now)
	if err != nil {
		return Message{}, err
	}

	msg := Message{
		ID:          id,
		RoomID:      in.RoomID,
		SenderID:    in.SenderID,
		SenderName:  in.SenderName,
		Content:     in.Content,
		ContentKind: in.ContentKind,
		SeenBy:      []string{in.SenderID},
		CreatedAt:   now,
	}

	if _, err := s.pool.Exec(ctx,
		`INSERT INTO `+s.ident("messages")+`
		    (id, room_id, sender_id, sender_name, content, content_kind, seen_by, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		msg.ID, msg.RoomID, msg.SenderID, msg.SenderName,
		msg.Content, string(msg.ContentKind), msg.SeenBy, msg.CreatedAt,
	); err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}

	return msg, nil
}

// AddSeenBy unions userID into the seen-by set in one statement, so the
// append happens under the row lock. Re-marking is a no-op.
func (s *PostgresStore) AddSeenBy(ctx context.Context, roomID, messageID, userID string) (Message, error) {
	if roomID == "" || messageID == "" || userID == "" {
		return Message{}, errors.New("invalid input")
	}

	var (
		msg  Message
		kind string
	)
	err := s.pool.QueryRow(ctx,
		`UPDATE `+s.ident("messages")+`
		    SET seen_by = CASE WHEN $3 = ANY(seen_by) THEN seen_by ELSE array_append(seen_by, $3) END
		  WHERE id = $1 AND room_id = $2
		RETURNING id, room_id, sender_id, sender_name, content, content_kind, seen_by, created_at`,
		messageID, roomID, userID,
	).Scan(&msg.ID, &msg.RoomID, &msg.SenderID, &msg.SenderName,
		&msg.Content, &kind, &msg.SeenBy, &msg.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, fmt.Errorf("%w: %s", ErrMessageNotFound, messageID)
	}
	if err != nil {
		return Message{}, err
	}
	msg.ContentKind = v1.ContentKind(kind)
	return msg, nil
}

// ListRoomMembers returns the ids of a room's members.
func (s *PostgresStore) ListRoomMembers(ctx context.Context, roomID string) ([]string, error) {
	if roomID == "" {
		return nil, fmt.Errorf("%w: empty id", ErrRoomNotFound)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT user_id FROM `+s.ident("room_members")+` WHERE room_id = $1 ORDER BY user_id`,
		roomID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ListRoomsForUser returns the ids of every room the user belongs to.
func (s *PostgresStore) ListRoomsForUser(ctx context.Context, userID string) ([]string, error) {
	if userID == "" {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT room_id FROM `+s.ident("room_members")+` WHERE user_id = $1 ORDER BY room_id`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ident(table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{s.schema, table}.Sanitize()
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}
