package declaration

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"dimona/internal/declaration/models"
	id "dimona/pkg/domain"
	"dimona/pkg/platform/sentinel"
	"dimona/pkg/platform/tx"
)

const declarationColumns = `id, period_id, type, state, client_name, reference, payload, anomalies,
	result_code, failure_reason, submit_attempts, poll_count, created_at, updated_at`

// PostgresStore persists declarations in PostgreSQL. The partial unique index
// on period_id keeps at most one active declaration per period even across
// processes.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, d *models.Declaration) error {
	q := tx.Execer(ctx, s.db)
	_, err := q.ExecContext(ctx, `
		INSERT INTO declarations (`+declarationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		uuid.UUID(d.ID), uuid.UUID(d.PeriodID), string(d.Type), string(d.State), d.ClientName,
		nullString(d.Reference), []byte(d.Payload), nullJSON(d.Anomalies),
		d.ResultCode, d.FailureReason, d.SubmitAttempts, d.PollCount, d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("insert declaration: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindByID(ctx context.Context, declarationID id.DeclarationID) (*models.Declaration, error) {
	q := tx.Execer(ctx, s.db)
	d, err := scanDeclaration(q.QueryRowContext(ctx,
		`SELECT `+declarationColumns+` FROM declarations WHERE id = $1`, uuid.UUID(declarationID)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find declaration: %w", err)
	}
	return d, nil
}

func (s *PostgresStore) FindActiveByPeriod(ctx context.Context, periodID id.PeriodID) (*models.Declaration, error) {
	q := tx.Execer(ctx, s.db)
	d, err := scanDeclaration(q.QueryRowContext(ctx, `
		SELECT `+declarationColumns+` FROM declarations
		WHERE period_id = $1 AND state IN ('pending', 'waiting')`, uuid.UUID(periodID)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find active declaration: %w", err)
	}
	return d, nil
}

func (s *PostgresStore) ListByPeriod(ctx context.Context, periodID id.PeriodID) ([]*models.Declaration, error) {
	q := tx.Execer(ctx, s.db)
	rows, err := q.QueryContext(ctx, `
		SELECT `+declarationColumns+` FROM declarations
		WHERE period_id = $1
		ORDER BY created_at, id`, uuid.UUID(periodID))
	if err != nil {
		return nil, fmt.Errorf("list declarations: %w", err)
	}
	defer rows.Close()

	out := make([]*models.Declaration, 0)
	for rows.Next() {
		d, err := scanDeclaration(rows)
		if err != nil {
			return nil, fmt.Errorf("scan declaration: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate declarations: %w", err)
	}
	return out, nil
}

// ListActive returns up to limit pending or waiting declarations last updated
// before updatedBefore, least recently updated first.
func (s *PostgresStore) ListActive(ctx context.Context, updatedBefore time.Time, limit int) ([]*models.Declaration, error) {
	q := tx.Execer(ctx, s.db)
	rows, err := q.QueryContext(ctx, `
		SELECT `+declarationColumns+` FROM declarations
		WHERE state IN ('pending', 'waiting') AND updated_at < $1
		ORDER BY updated_at, id
		LIMIT $2`, updatedBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("list active declarations: %w", err)
	}
	defer rows.Close()

	out := make([]*models.Declaration, 0)
	for rows.Next() {
		d, err := scanDeclaration(rows)
		if err != nil {
			return nil, fmt.Errorf("scan declaration: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate active declarations: %w", err)
	}
	return out, nil
}

// Update writes d when the stored state still equals expected.
func (s *PostgresStore) Update(ctx context.Context, d *models.Declaration, expected models.DeclarationState) error {
	q := tx.Execer(ctx, s.db)
	res, err := q.ExecContext(ctx, `
		UPDATE declarations SET
			state = $3, reference = $4, anomalies = $5, result_code = $6, failure_reason = $7,
			submit_attempts = $8, poll_count = $9, updated_at = $10
		WHERE id = $1 AND state = $2`,
		uuid.UUID(d.ID), string(expected), string(d.State), nullString(d.Reference), nullJSON(d.Anomalies),
		d.ResultCode, d.FailureReason, d.SubmitAttempts, d.PollCount, d.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("update declaration: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update declaration: %w", err)
	}
	if n > 0 {
		return nil
	}
	var exists bool
	if err := q.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM declarations WHERE id = $1)`, uuid.UUID(d.ID)).Scan(&exists); err != nil {
		return fmt.Errorf("check declaration: %w", err)
	}
	if !exists {
		return sentinel.ErrNotFound
	}
	return sentinel.ErrInvalidState
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDeclaration(row rowScanner) (*models.Declaration, error) {
	var (
		d         models.Declaration
		did, pid  uuid.UUID
		typ       string
		state     string
		reference sql.NullString
		payload   []byte
		anomalies []byte
	)
	if err := row.Scan(&did, &pid, &typ, &state, &d.ClientName, &reference, &payload, &anomalies,
		&d.ResultCode, &d.FailureReason, &d.SubmitAttempts, &d.PollCount, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	d.ID = id.DeclarationID(did)
	d.PeriodID = id.PeriodID(pid)
	d.Type = models.DeclarationType(typ)
	d.State = models.DeclarationState(state)
	d.Reference = reference.String
	d.Payload = payload
	if len(anomalies) > 0 {
		d.Anomalies = anomalies
	}
	return &d, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
