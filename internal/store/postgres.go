package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"

	"github.com/sgerhart/trapline/internal/model"
)

// Postgres is the relational Store backend.
type Postgres struct {
	db     *sql.DB
	logger *slog.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id              UUID PRIMARY KEY,
	protocol        TEXT NOT NULL,
	origin_ip       TEXT NOT NULL,
	origin_port     INTEGER NOT NULL,
	start_time      TIMESTAMPTZ NOT NULL,
	end_time        TIMESTAMPTZ,
	bytes_in        BIGINT NOT NULL DEFAULT 0,
	bytes_out       BIGINT NOT NULL DEFAULT 0,
	action_count    INTEGER NOT NULL DEFAULT 0,
	final_suspicion DOUBLE PRECISION NOT NULL DEFAULT 0,
	detected        BOOLEAN NOT NULL DEFAULT FALSE,
	reason          TEXT
);
CREATE INDEX IF NOT EXISTS sessions_origin_idx ON sessions (origin_ip);
CREATE INDEX IF NOT EXISTS sessions_start_idx ON sessions (start_time);

CREATE TABLE IF NOT EXISTS actions (
	session_id      UUID NOT NULL REFERENCES sessions (id),
	step            INTEGER NOT NULL,
	timestamp       TIMESTAMPTZ NOT NULL,
	action_kind     TEXT NOT NULL,
	payload         BYTEA,
	suspicion_delta DOUBLE PRECISION NOT NULL DEFAULT 0,
	tactic          TEXT,
	technique       TEXT,
	sub_technique   TEXT,
	PRIMARY KEY (session_id, step)
);
`

// NewPostgres opens the backend and ensures the schema exists.
func NewPostgres(url string, logger *slog.Logger) (*Postgres, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &Postgres{db: db, logger: logger}, nil
}

// Close closes the database connection.
func (p *Postgres) Close() error {
	return p.db.Close()
}

// PutSessionOpen writes the open record. Durable on return.
func (p *Postgres) PutSessionOpen(ctx context.Context, s *model.Session) error {
	const q = `
		INSERT INTO sessions (id, protocol, origin_ip, origin_port, start_time)
		VALUES ($1, $2, $3, $4, $5)
	`
	if _, err := p.db.ExecContext(ctx, q, s.ID, s.Protocol, s.OriginIP, s.OriginPort, s.StartTime); err != nil {
		return fmt.Errorf("put session open: %w", err)
	}
	return nil
}

// AppendActions writes a batch of action records in one transaction.
func (p *Postgres) AppendActions(ctx context.Context, actions []*model.ActionRecord) error {
	if len(actions) == 0 {
		return nil
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	const q = `
		INSERT INTO actions (session_id, step, timestamp, action_kind, payload, suspicion_delta)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	stmt, err := tx.PrepareContext(ctx, q)
	if err != nil {
		return fmt.Errorf("prepare append: %w", err)
	}
	defer stmt.Close()

	for _, a := range actions {
		if _, err := stmt.ExecContext(ctx, a.SessionID, a.Step, a.Timestamp, a.Kind, a.Payload, a.SuspicionDelta); err != nil {
			return fmt.Errorf("append action %s/%d: %w", a.SessionID, a.Step, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}
	return nil
}

// SealSession writes end time and final aggregates. The end_time guard
// makes a second seal a no-op.
func (p *Postgres) SealSession(ctx context.Context, id string, seal Seal) error {
	const q = `
		UPDATE sessions SET
			end_time = $2, bytes_in = $3, bytes_out = $4, action_count = $5,
			final_suspicion = $6, detected = $7, reason = $8
		WHERE id = $1 AND end_time IS NULL
	`
	if _, err := p.db.ExecContext(ctx, q, id, seal.EndTime, seal.BytesIn, seal.BytesOut,
		seal.ActionCount, seal.FinalSuspicion, seal.Detected, string(seal.Reason)); err != nil {
		return fmt.Errorf("seal session %s: %w", id, err)
	}
	return nil
}

// AnnotateAction fills the MITRE columns on an action record.
func (p *Postgres) AnnotateAction(ctx context.Context, sessionID string, step int, ann *model.Annotation) error {
	if ann == nil {
		return nil
	}
	const q = `
		UPDATE actions SET tactic = $3, technique = $4, sub_technique = $5
		WHERE session_id = $1 AND step = $2
	`
	if _, err := p.db.ExecContext(ctx, q, sessionID, step, ann.Tactic, ann.Technique, nullable(ann.SubTechnique)); err != nil {
		return fmt.Errorf("annotate action %s/%d: %w", sessionID, step, err)
	}
	return nil
}

// GetSession loads one session by id.
func (p *Postgres) GetSession(ctx context.Context, id string) (*model.Session, error) {
	const q = `
		SELECT id, protocol, origin_ip, origin_port, start_time, end_time,
		       bytes_in, bytes_out, action_count, final_suspicion, detected, reason
		FROM sessions WHERE id = $1
	`
	s, err := scanSession(p.db.QueryRowContext(ctx, q, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return s, err
}

// ListSessions returns the most recent sessions.
func (p *Postgres) ListSessions(ctx context.Context, limit int) ([]*model.Session, error) {
	const q = `
		SELECT id, protocol, origin_ip, origin_port, start_time, end_time,
		       bytes_in, bytes_out, action_count, final_suspicion, detected, reason
		FROM sessions ORDER BY start_time DESC LIMIT $1
	`
	rows, err := p.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*model.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ListActions returns a session's actions in step order.
func (p *Postgres) ListActions(ctx context.Context, sessionID string) ([]*model.ActionRecord, error) {
	const q = `
		SELECT session_id, step, timestamp, action_kind, payload, suspicion_delta,
		       tactic, technique, sub_technique
		FROM actions WHERE session_id = $1 ORDER BY step
	`
	rows, err := p.db.QueryContext(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	defer rows.Close()

	var out []*model.ActionRecord
	for rows.Next() {
		var a model.ActionRecord
		var tactic, technique, sub sql.NullString
		if err := rows.Scan(&a.SessionID, &a.Step, &a.Timestamp, &a.Kind, &a.Payload,
			&a.SuspicionDelta, &tactic, &technique, &sub); err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		if tactic.Valid {
			a.Annotation = &model.Annotation{
				Tactic:       tactic.String,
				Technique:    technique.String,
				SubTechnique: sub.String,
			}
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// Recover seals sessions left open by a prior crash, backdating the end
// time to the last recorded action (or the start time when none).
func (p *Postgres) Recover(ctx context.Context) ([]*model.Session, error) {
	const q = `
		UPDATE sessions s SET
			end_time = COALESCE(
				(SELECT MAX(a.timestamp) FROM actions a WHERE a.session_id = s.id),
				s.start_time),
			action_count = (SELECT COUNT(*) FROM actions a WHERE a.session_id = s.id),
			reason = $1
		WHERE s.end_time IS NULL
		RETURNING s.id, s.protocol, s.origin_ip, s.origin_port, s.start_time, s.end_time,
		          s.bytes_in, s.bytes_out, s.action_count, s.final_suspicion, s.detected, s.reason
	`
	rows, err := p.db.QueryContext(ctx, q, string(model.CloseServerCrash))
	if err != nil {
		return nil, fmt.Errorf("recover sessions: %w", err)
	}
	defer rows.Close()

	var sealed []*model.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sealed = append(sealed, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(sealed) > 0 {
		p.logger.Info("sealed crashed sessions", "count", len(sealed))
	}
	return sealed, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*model.Session, error) {
	var s model.Session
	var end sql.NullTime
	var reason sql.NullString
	if err := row.Scan(&s.ID, &s.Protocol, &s.OriginIP, &s.OriginPort, &s.StartTime, &end,
		&s.BytesIn, &s.BytesOut, &s.ActionCount, &s.FinalSuspicion, &s.Detected, &reason); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}
	if end.Valid {
		t := end.Time
		s.EndTime = &t
	}
	if reason.Valid {
		s.Reason = model.CloseReason(reason.String)
	}
	return &s, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
