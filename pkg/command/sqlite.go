package command

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/cmdrelay/cmdrelay/pkg/deviceid"
)

// SQLiteStore persists commands in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens the database at path and applies the schema.
// Use ":memory:" for an in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A single connection keeps ":memory:" databases shared and serializes
	// writers so compare-and-set updates never see SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure database: %w", err)
	}

	s := &SQLiteStore{db: db}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return s, nil
}

// migrate creates the database schema.
func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS commands (
		id TEXT PRIMARY KEY,
		device_id TEXT NOT NULL,
		action TEXT NOT NULL,
		payload TEXT,
		state TEXT NOT NULL DEFAULT 'pending',
		created_at INTEGER NOT NULL,
		executed_at INTEGER,
		result_code TEXT,
		result_message TEXT,
		error TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_commands_device_state ON commands(device_id, state);
	CREATE INDEX IF NOT EXISTS idx_commands_created_at ON commands(created_at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Create inserts a new command.
func (s *SQLiteStore) Create(ctx context.Context, cmd Command) error {
	if err := validate(cmd); err != nil {
		return err
	}
	if cmd.State == "" {
		cmd.State = StatePending
	}

	payload, err := encodePayload(cmd.Payload)
	if err != nil {
		return fmt.Errorf("%w: payload: %w", ErrInvalidCommand, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO commands (id, device_id, action, payload, state, created_at,
		                      executed_at, result_code, result_message, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, cmd.ID, string(cmd.DeviceID), cmd.Action, payload, string(cmd.State),
		cmd.CreatedAt.UnixMilli(), nullTime(cmd.ExecutedAt),
		nullString(cmd.ResultCode), nullString(cmd.ResultMessage), nullString(cmd.Error))

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
		return fmt.Errorf("%w: %s", ErrExists, cmd.ID)
	}
	if err != nil {
		return unavailable("create", err)
	}
	return nil
}

const selectColumns = `
	SELECT id, device_id, action, payload, state, created_at,
	       executed_at, result_code, result_message, error
	FROM commands`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCommand(row rowScanner) (Command, error) {
	var (
		cmd                      Command
		deviceID, state          string
		payload                  sql.NullString
		createdAt                int64
		executedAt               sql.NullInt64
		resultCode, resultMsg, e sql.NullString
	)
	if err := row.Scan(&cmd.ID, &deviceID, &cmd.Action, &payload, &state, &createdAt,
		&executedAt, &resultCode, &resultMsg, &e); err != nil {
		return Command{}, err
	}

	cmd.DeviceID = deviceid.ID(deviceID)
	cmd.State = State(state)
	cmd.CreatedAt = time.UnixMilli(createdAt).UTC()
	if executedAt.Valid {
		at := time.UnixMilli(executedAt.Int64).UTC()
		cmd.ExecutedAt = &at
	}
	cmd.ResultCode = resultCode.String
	cmd.ResultMessage = resultMsg.String
	cmd.Error = e.String

	if payload.Valid && payload.String != "" {
		if err := json.Unmarshal([]byte(payload.String), &cmd.Payload); err != nil {
			return Command{}, fmt.Errorf("decode payload of %s: %w", cmd.ID, err)
		}
	}
	return cmd, nil
}

// Get retrieves a command by ID.
func (s *SQLiteStore) Get(ctx context.Context, id string) (Command, error) {
	cmd, err := scanCommand(s.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Command{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Command{}, unavailable("get", err)
	}
	return cmd, nil
}

// List retrieves commands matching f, most recent first.
func (s *SQLiteStore) List(ctx context.Context, f Filter) ([]Command, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}

	var (
		where []string
		args  []any
	)
	if f.DeviceID != "" {
		where = append(where, "device_id = ?")
		args = append(args, string(f.DeviceID))
	}
	if f.State != "" {
		where = append(where, "state = ?")
		args = append(args, string(f.State))
	}

	query := selectColumns
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, rowid DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable("list", err)
	}
	defer rows.Close()

	var cmds []Command
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, unavailable("list", err)
		}
		cmds = append(cmds, cmd)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list", err)
	}
	return cmds, nil
}

// ListPending returns up to limit pending commands for the device.
func (s *SQLiteStore) ListPending(ctx context.Context, id deviceid.ID, limit int) ([]Command, error) {
	return s.List(ctx, Filter{DeviceID: id, State: StatePending, Limit: limit})
}

// ApplyOutcome records an outcome using conditional updates on the state
// column.
func (s *SQLiteStore) ApplyOutcome(ctx context.Context, id string, o Outcome, policy ConflictPolicy) (Command, ApplyResult, error) {
	if o.ExecutedAt.IsZero() {
		o.ExecutedAt = time.Now()
	}
	executedAt := o.ExecutedAt.UnixMilli()
	state := string(o.TargetState())

	res, err := s.db.ExecContext(ctx, `
		UPDATE commands
		SET state = ?, executed_at = ?, result_code = ?, result_message = ?, error = ?
		WHERE id = ? AND state = 'pending'
	`, state, executedAt, nullString(o.ResultCode), nullString(o.ResultMessage), nullString(o.Error), id)
	if err != nil {
		return Command{}, 0, unavailable("apply", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return Command{}, 0, unavailable("apply", err)
	} else if n == 1 {
		cmd, err := s.Get(ctx, id)
		return cmd, ResultApplied, err
	}

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		cur, err := s.Get(ctx, id)
		if err != nil {
			return Command{}, 0, err
		}
		if o.matches(cur) {
			return cur, ResultDuplicate, nil
		}
		if policy == FirstWriteWins {
			return cur, ResultRejected, nil
		}

		res, err := s.db.ExecContext(ctx, `
			UPDATE commands
			SET state = ?, executed_at = ?, result_code = ?, result_message = ?, error = ?
			WHERE id = ? AND state = ? AND executed_at IS ?
			  AND result_code IS ? AND result_message IS ? AND error IS ?
		`, state, executedAt, nullString(o.ResultCode), nullString(o.ResultMessage), nullString(o.Error),
			id, string(cur.State), nullTime(cur.ExecutedAt),
			nullString(cur.ResultCode), nullString(cur.ResultMessage), nullString(cur.Error))
		if err != nil {
			return Command{}, 0, unavailable("apply", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return Command{}, 0, unavailable("apply", err)
		}
		if n == 1 {
			cmd, err := s.Get(ctx, id)
			return cmd, ResultOverwritten, err
		}
	}
	return Command{}, 0, fmt.Errorf("%w: %s", ErrContention, id)
}

func encodePayload(p map[string]any) (sql.NullString, error) {
	if p == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}
