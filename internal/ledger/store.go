package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	wardenotel "github.com/dativo-io/warden/internal/otel"
)

var tracer = wardenotel.Tracer("github.com/dativo-io/warden/internal/ledger")

const schema = `
CREATE TABLE IF NOT EXISTS interactions (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	seq             INTEGER NOT NULL,
	role            TEXT NOT NULL,
	provider        TEXT NOT NULL,
	routing_id      TEXT NOT NULL DEFAULT '',
	text            TEXT NOT NULL DEFAULT '',
	content_json    TEXT,
	tool_call_id    TEXT NOT NULL DEFAULT '',
	tool_name       TEXT NOT NULL DEFAULT '',
	tool_calls_json TEXT,
	tainted         INTEGER NOT NULL DEFAULT 0,
	taint_reason    TEXT NOT NULL DEFAULT '',
	trusted         INTEGER,
	blocked         INTEGER,
	reason          TEXT NOT NULL DEFAULT '',
	created_at      TEXT NOT NULL,
	signature       TEXT NOT NULL,
	UNIQUE(conversation_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_interactions_tool_call ON interactions(conversation_id, tool_call_id);
CREATE INDEX IF NOT EXISTS idx_interactions_created ON interactions(created_at);
`

const selectColumns = `id, conversation_id, seq, role, provider, routing_id, text, content_json,
	tool_call_id, tool_name, tool_calls_json, tainted, taint_reason, trusted, blocked, reason,
	created_at, signature`

// Store persists signed interactions in SQLite. It is safe for concurrent use.
type Store struct {
	db     *sql.DB
	signer *Signer
	convs  *KeyedMutex
	now    func() time.Time
}

// NewStore opens (or creates) the ledger database at dbPath.
func NewStore(dbPath, signingKey string) (*Store, error) {
	signer, err := NewSigner(signingKey)
	if err != nil {
		return nil, fmt.Errorf("creating signer: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("opening ledger database: %w", err)
	}
	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating ledger schema: %w", err)
	}

	return &Store{
		db:     db,
		signer: signer,
		convs:  NewKeyedMutex(),
		now:    time.Now,
	}, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Append records in at the end of its conversation and returns its id. The
// sequence number, creation time and signature are assigned here; appends
// to the same conversation are serialized. The write is durable when Append
// returns.
func (s *Store) Append(ctx context.Context, in *Interaction) (string, error) {
	ctx, span := tracer.Start(ctx, "ledger.append",
		trace.WithAttributes(
			wardenotel.ConversationID.String(in.ConversationID),
			attribute.String("ledger.role", string(in.Role)),
		))
	defer span.End()

	if in.ConversationID == "" {
		return "", fmt.Errorf("%w: conversation id is required", ErrInvalidInteraction)
	}
	if !in.Role.Valid() {
		return "", fmt.Errorf("%w: unknown role %q", ErrInvalidInteraction, in.Role)
	}
	if in.Role == RoleTool && in.ToolCallID == "" {
		return "", fmt.Errorf("%w: tool result without tool call id", ErrInvalidInteraction)
	}

	unlock := s.convs.Lock(in.ConversationID)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("beginning append: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var maxSeq sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM interactions WHERE conversation_id = ?`, in.ConversationID,
	).Scan(&maxSeq); err != nil {
		return "", fmt.Errorf("reading sequence: %w", err)
	}

	if in.ID == "" {
		in.ID = "int_" + uuid.New().String()
	}
	in.Seq = maxSeq.Int64 + 1
	in.CreatedAt = s.now().UTC()

	payload, err := signingPayload(in)
	if err != nil {
		return "", err
	}
	in.Signature = s.signer.Sign(payload)

	toolCalls, err := marshalOptional(in.ToolCalls)
	if err != nil {
		return "", fmt.Errorf("marshaling tool calls: %w", err)
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO interactions (`+selectColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		in.ID, in.ConversationID, in.Seq, string(in.Role), in.Provider, in.RoutingID, in.Text,
		nullableJSON(in.Content), in.ToolCallID, in.ToolName, toolCalls,
		in.Tainted, in.TaintReason, nullableBool(in.Trusted), nullableBool(in.Blocked), in.Reason,
		in.CreatedAt.Format(timeLayout), in.Signature,
	)
	if err != nil {
		return "", fmt.Errorf("storing interaction: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("committing interaction: %w", err)
	}

	span.SetAttributes(attribute.Int64("ledger.seq", in.Seq))
	return in.ID, nil
}

// Get returns a single interaction.
func (s *Store) Get(ctx context.Context, id string) (*Interaction, error) {
	ctx, span := tracer.Start(ctx, "ledger.get", trace.WithAttributes(attribute.String("ledger.id", id)))
	defer span.End()

	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM interactions WHERE id = ?`, id)
	in, err := scanInteraction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying interaction: %w", err)
	}
	return in, nil
}

// ListByConversation returns the conversation in causal order.
func (s *Store) ListByConversation(ctx context.Context, conversationID string) ([]Interaction, error) {
	ctx, span := tracer.Start(ctx, "ledger.list_by_conversation",
		trace.WithAttributes(wardenotel.ConversationID.String(conversationID)))
	defer span.End()

	return s.query(ctx, `SELECT `+selectColumns+` FROM interactions
		WHERE conversation_id = ? ORDER BY seq`, conversationID)
}

// ListTainted returns every tainted interaction of the conversation, in order.
// A non-empty result means the conversation context is untrusted.
func (s *Store) ListTainted(ctx context.Context, conversationID string) ([]Interaction, error) {
	ctx, span := tracer.Start(ctx, "ledger.list_tainted",
		trace.WithAttributes(wardenotel.ConversationID.String(conversationID)))
	defer span.End()

	return s.query(ctx, `SELECT `+selectColumns+` FROM interactions
		WHERE conversation_id = ? AND tainted = 1 ORDER BY seq`, conversationID)
}

// BlockedToolCallIDs returns the tool call ids whose results are blocked.
func (s *Store) BlockedToolCallIDs(ctx context.Context, conversationID string) (map[string]struct{}, error) {
	ctx, span := tracer.Start(ctx, "ledger.blocked_tool_call_ids",
		trace.WithAttributes(wardenotel.ConversationID.String(conversationID)))
	defer span.End()

	ids, err := s.toolCallIDs(ctx, `SELECT tool_call_id FROM interactions
		WHERE conversation_id = ? AND role = 'tool' AND blocked = 1`, conversationID)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("ledger.blocked", len(ids)))
	return ids, nil
}

// RecordedToolCallIDs returns the ids of tool results already in the ledger,
// used to skip history the client resends on every turn.
func (s *Store) RecordedToolCallIDs(ctx context.Context, conversationID string) (map[string]struct{}, error) {
	return s.toolCallIDs(ctx, `SELECT tool_call_id FROM interactions
		WHERE conversation_id = ? AND role = 'tool'`, conversationID)
}

func (s *Store) toolCallIDs(ctx context.Context, query, conversationID string) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying tool call ids: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning tool call id: %w", err)
		}
		ids[id] = struct{}{}
	}
	return ids, rows.Err()
}

// Resolve writes the block outcome of an interaction. The outcome can be
// written only once; later calls return ErrAlreadyResolved.
func (s *Store) Resolve(ctx context.Context, id string, blocked bool, reason string) error {
	ctx, span := tracer.Start(ctx, "ledger.resolve",
		trace.WithAttributes(
			attribute.String("ledger.id", id),
			attribute.Bool("ledger.blocked", blocked),
		))
	defer span.End()

	res, err := s.db.ExecContext(ctx,
		`UPDATE interactions SET blocked = ?, reason = CASE WHEN ? = '' THEN reason ELSE ? END
		 WHERE id = ? AND blocked IS NULL`,
		blocked, reason, reason, id)
	if err != nil {
		return fmt.Errorf("resolving interaction: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("resolving interaction: %w", err)
	}
	if n == 1 {
		return nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM interactions WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("resolving interaction: %w", err)
	}
	return fmt.Errorf("%s: %w", id, ErrAlreadyResolved)
}

// Verify checks the HMAC signature of a stored interaction.
func (s *Store) Verify(ctx context.Context, id string) (bool, error) {
	ctx, span := tracer.Start(ctx, "ledger.verify", trace.WithAttributes(attribute.String("ledger.id", id)))
	defer span.End()

	in, err := s.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return s.verify(in)
}

func (s *Store) verify(in *Interaction) (bool, error) {
	payload, err := signingPayload(in)
	if err != nil {
		return false, err
	}
	return s.signer.Verify(payload, in.Signature), nil
}

// ListSince returns interactions created at or after since, oldest first.
func (s *Store) ListSince(ctx context.Context, since time.Time, limit int) ([]Interaction, error) {
	q := `SELECT ` + selectColumns + ` FROM interactions WHERE created_at >= ? ORDER BY created_at`
	args := []interface{}{since.UTC().Format(timeLayout)}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.query(ctx, q, args...)
}

// Conversations summarizes the most recently active conversations.
func (s *Store) Conversations(ctx context.Context, limit int) ([]ConversationSummary, error) {
	ctx, span := tracer.Start(ctx, "ledger.conversations")
	defer span.End()

	q := `SELECT conversation_id, COUNT(*), SUM(tainted), SUM(CASE WHEN blocked = 1 THEN 1 ELSE 0 END), MAX(created_at)
		FROM interactions GROUP BY conversation_id ORDER BY MAX(created_at) DESC`
	var args []interface{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var out []ConversationSummary
	for rows.Next() {
		var cs ConversationSummary
		var last string
		if err := rows.Scan(&cs.ConversationID, &cs.Interactions, &cs.Tainted, &cs.Blocked, &last); err != nil {
			return nil, fmt.Errorf("scanning conversation: %w", err)
		}
		cs.LastActivity, _ = time.Parse(timeLayout, last)
		out = append(out, cs)
	}
	return out, rows.Err()
}

func (s *Store) query(ctx context.Context, q string, args ...interface{}) ([]Interaction, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying interactions: %w", err)
	}
	defer rows.Close()

	var out []Interaction
	for rows.Next() {
		in, err := scanInteraction(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning interaction: %w", err)
		}
		out = append(out, *in)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanInteraction(sc scanner) (*Interaction, error) {
	var (
		in                 Interaction
		role, createdAt    string
		content, toolCalls sql.NullString
		trusted, blocked   sql.NullBool
	)
	err := sc.Scan(&in.ID, &in.ConversationID, &in.Seq, &role, &in.Provider, &in.RoutingID, &in.Text,
		&content, &in.ToolCallID, &in.ToolName, &toolCalls, &in.Tainted, &in.TaintReason,
		&trusted, &blocked, &in.Reason, &createdAt, &in.Signature)
	if err != nil {
		return nil, err
	}
	in.Role = Role(role)
	if content.Valid && content.String != "" {
		in.Content = json.RawMessage(content.String)
	}
	if toolCalls.Valid && toolCalls.String != "" {
		if err := json.Unmarshal([]byte(toolCalls.String), &in.ToolCalls); err != nil {
			return nil, fmt.Errorf("decoding tool calls: %w", err)
		}
	}
	if trusted.Valid {
		in.Trusted = Bool(trusted.Bool)
	}
	if blocked.Valid {
		in.Blocked = Bool(blocked.Bool)
	}
	in.CreatedAt, err = time.Parse(timeLayout, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &in, nil
}

func marshalOptional(calls []ToolCall) (interface{}, error) {
	if len(calls) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(calls)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nullableJSON(raw json.RawMessage) interface{} {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil
	}
	return string(raw)
}

func nullableBool(b *bool) interface{} {
	if b == nil {
		return nil
	}
	return *b
}
