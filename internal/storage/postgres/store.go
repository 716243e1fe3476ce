package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/JAG-UK/rkh-frontend/internal/domain/intent"
	"github.com/JAG-UK/rkh-frontend/internal/storage"
)

//go:embed schema.sql
var schema string

// Store implements the storage interfaces backed by PostgreSQL.
type Store struct {
	db *sqlx.DB
}

var _ storage.IntentStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Open connects to dsn and verifies the connection.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return New(db), nil
}

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close closes the underlying pool.
func (s *Store) Close() error {
	return s.db.Close()
}

type intentRow struct {
	ID            string    `db:"id"`
	Kind          string    `db:"kind"`
	ApplicationID string    `db:"application_id"`
	Account       string    `db:"account"`
	Payload       []byte    `db:"payload"`
	MessageID     string    `db:"message_id"`
	Status        string    `db:"status"`
	Error         string    `db:"error"`
	CreatedAt     time.Time `db:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"`
}

const intentColumns = `id, kind, application_id, account, payload, message_id, status, error, created_at, updated_at`

func (r intentRow) toIntent() intent.Intent {
	in := intent.Intent{
		ID:            r.ID,
		Kind:          intent.Kind(r.Kind),
		ApplicationID: r.ApplicationID,
		Account:       r.Account,
		MessageID:     r.MessageID,
		Status:        intent.Status(r.Status),
		Error:         r.Error,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
	if len(r.Payload) > 0 {
		_ = json.Unmarshal(r.Payload, &in.Payload)
	}
	return in
}

func payloadJSON(p map[string]any) (interface{}, error) {
	if len(p) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

// --- IntentStore ------------------------------------------------------------

func (s *Store) CreateIntent(ctx context.Context, in intent.Intent) (intent.Intent, error) {
	if err := in.Validate(); err != nil {
		return intent.Intent{}, err
	}
	now := time.Now().UTC()
	if in.CreatedAt.IsZero() {
		in.CreatedAt = now
	}
	in.UpdatedAt = now

	payload, err := payloadJSON(in.Payload)
	if err != nil {
		return intent.Intent{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rkh_intents (`+intentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, in.ID, in.Kind, in.ApplicationID, in.Account, payload, in.MessageID, in.Status, in.Error, in.CreatedAt, in.UpdatedAt)
	if err != nil {
		return intent.Intent{}, err
	}
	return in, nil
}

func (s *Store) UpdateIntent(ctx context.Context, in intent.Intent) (intent.Intent, error) {
	if err := in.Validate(); err != nil {
		return intent.Intent{}, err
	}
	in.UpdatedAt = time.Now().UTC()

	payload, err := payloadJSON(in.Payload)
	if err != nil {
		return intent.Intent{}, err
	}

	row := s.db.QueryRowxContext(ctx, `
		UPDATE rkh_intents
		SET payload = $2, message_id = $3, status = $4, error = $5, updated_at = $6
		WHERE id = $1
		RETURNING created_at
	`, in.ID, payload, in.MessageID, in.Status, in.Error, in.UpdatedAt)
	if err := row.Scan(&in.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return intent.Intent{}, storage.ErrNotFound
		}
		return intent.Intent{}, err
	}
	return in, nil
}

func (s *Store) GetIntent(ctx context.Context, id string) (intent.Intent, error) {
	var row intentRow
	err := s.db.GetContext(ctx, &row, `
		SELECT `+intentColumns+`
		FROM rkh_intents
		WHERE id = $1
	`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return intent.Intent{}, storage.ErrNotFound
		}
		return intent.Intent{}, err
	}
	return row.toIntent(), nil
}

func (s *Store) ListIntents(ctx context.Context, filter intent.Filter) ([]intent.Intent, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.Account != "" {
		where = append(where, "account = ?")
		args = append(args, filter.Account)
	}
	if filter.ApplicationID != "" {
		where = append(where, "application_id = ?")
		args = append(args, filter.ApplicationID)
	}
	if filter.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, filter.Kind)
	}

	query := "SELECT " + intentColumns + " FROM rkh_intents"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	var rows []intentRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, err
	}
	result := make([]intent.Intent, 0, len(rows))
	for _, r := range rows {
		result = append(result, r.toIntent())
	}
	return result, nil
}
