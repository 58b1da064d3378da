package period

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"

	"dimona/internal/declaration/models"
	id "dimona/pkg/domain"
	"dimona/pkg/platform/sentinel"
	"dimona/pkg/platform/tx"
)

const periodColumns = `id, owner_type, owner_id, employer_id, worker_id, joint_commission_number,
	worker_type, location, starts_at, ends_at, state, registry_period_id, created_at, updated_at, version`

// PostgresStore persists periods and their links in PostgreSQL. Writes join
// the transaction carried by ctx when there is one.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, p *models.Period) error {
	if err := p.Validate(); err != nil {
		return err
	}
	return s.inTx(ctx, func(q tx.DBTX) error {
		_, err := q.ExecContext(ctx, `
			INSERT INTO periods (`+periodColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
			uuid.UUID(p.ID), p.Owner.Type, p.Owner.ID, p.EmployerID, p.WorkerID, p.JointCommissionNumber,
			p.WorkerType, p.Location, p.StartsAt, p.EndsAt, string(p.State), p.RegistryPeriodID,
			p.CreatedAt, p.UpdatedAt, p.Version,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return sentinel.ErrConflict
			}
			return fmt.Errorf("insert period: %w", err)
		}
		return replaceLinks(ctx, q, p.ID, p.Links, p.UpdatedAt)
	})
}

func (s *PostgresStore) FindByID(ctx context.Context, periodID id.PeriodID) (*models.Period, error) {
	q := tx.Execer(ctx, s.db)
	p, err := scanPeriod(q.QueryRowContext(ctx, `SELECT `+periodColumns+` FROM periods WHERE id = $1`, uuid.UUID(periodID)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find period: %w", err)
	}
	if err := s.loadLinks(ctx, q, []*models.Period{p}); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *PostgresStore) FindLatestByOwner(ctx context.Context, owner models.OwnerRef) (*models.Period, error) {
	q := tx.Execer(ctx, s.db)
	p, err := scanPeriod(q.QueryRowContext(ctx, `
		SELECT `+periodColumns+` FROM periods
		WHERE owner_type = $1 AND owner_id = $2
		ORDER BY created_at DESC, id DESC
		LIMIT 1`, owner.Type, owner.ID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find latest period: %w", err)
	}
	if err := s.loadLinks(ctx, q, []*models.Period{p}); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *PostgresStore) FindLive(ctx context.Context, employerID, workerID string, window models.Window) ([]*models.Period, error) {
	live := models.LivePeriodStates()
	states := make([]string, len(live))
	for i, st := range live {
		states[i] = string(st)
	}

	q := tx.Execer(ctx, s.db)
	rows, err := q.QueryContext(ctx, `
		SELECT `+periodColumns+` FROM periods
		WHERE employer_id = $1 AND worker_id = $2
		  AND starts_at < $4 AND ends_at > $3
		  AND state = ANY($5)
		ORDER BY starts_at, id`,
		employerID, workerID, window.From, window.To, pq.Array(states))
	if err != nil {
		return nil, fmt.Errorf("find live periods: %w", err)
	}
	defer rows.Close()

	out := make([]*models.Period, 0)
	for rows.Next() {
		p, err := scanPeriod(rows)
		if err != nil {
			return nil, fmt.Errorf("scan period: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate periods: %w", err)
	}
	if err := s.loadLinks(ctx, q, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Update writes p when the stored state still equals expected and the stored
// version still equals p.Version, then replaces the link set. The version
// check rejects a write based on a stale read from another process even when
// the state did not change. On success p.Version is incremented.
func (s *PostgresStore) Update(ctx context.Context, p *models.Period, expected models.PeriodState) error {
	if err := p.Validate(); err != nil {
		return err
	}
	return s.inTx(ctx, func(q tx.DBTX) error {
		res, err := q.ExecContext(ctx, `
			UPDATE periods SET
				joint_commission_number = $4, worker_type = $5, location = $6,
				starts_at = $7, ends_at = $8, state = $9, registry_period_id = $10, updated_at = $11,
				version = version + 1
			WHERE id = $1 AND state = $2 AND version = $3`,
			uuid.UUID(p.ID), string(expected), p.Version, p.JointCommissionNumber, p.WorkerType, p.Location,
			p.StartsAt, p.EndsAt, string(p.State), p.RegistryPeriodID, p.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("update period: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("update period: %w", err)
		}
		if n == 0 {
			var exists bool
			if err := q.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM periods WHERE id = $1)`, uuid.UUID(p.ID)).Scan(&exists); err != nil {
				return fmt.Errorf("check period: %w", err)
			}
			if !exists {
				return sentinel.ErrNotFound
			}
			return sentinel.ErrInvalidState
		}
		if err := replaceLinks(ctx, q, p.ID, p.Links, p.UpdatedAt); err != nil {
			return err
		}
		p.Version++
		return nil
	})
}

func (s *PostgresStore) inTx(ctx context.Context, fn func(q tx.DBTX) error) error {
	if existing, ok := tx.From(ctx); ok {
		return fn(existing)
	}
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		_ = sqlTx.Rollback()
	}()
	if err := fn(sqlTx); err != nil {
		return err
	}
	return sqlTx.Commit()
}

func replaceLinks(ctx context.Context, q tx.DBTX, periodID id.PeriodID, links []string, now time.Time) error {
	if links == nil {
		links = []string{}
	}
	if _, err := q.ExecContext(ctx, `
		DELETE FROM period_links WHERE period_id = $1 AND NOT (segment_id = ANY($2))`,
		uuid.UUID(periodID), pq.Array(links)); err != nil {
		return fmt.Errorf("detach links: %w", err)
	}
	if len(links) == 0 {
		return nil
	}
	if _, err := q.ExecContext(ctx, `
		INSERT INTO period_links (period_id, segment_id, created_at)
		SELECT $1, unnest($2::text[]), $3
		ON CONFLICT (period_id, segment_id) DO NOTHING`,
		uuid.UUID(periodID), pq.Array(links), now); err != nil {
		return fmt.Errorf("attach links: %w", err)
	}
	return nil
}

func (s *PostgresStore) loadLinks(ctx context.Context, q tx.DBTX, periods []*models.Period) error {
	if len(periods) == 0 {
		return nil
	}
	ids := make([]string, len(periods))
	byID := make(map[id.PeriodID]*models.Period, len(periods))
	for i, p := range periods {
		ids[i] = p.ID.String()
		p.Links = []string{}
		byID[p.ID] = p
	}
	rows, err := q.QueryContext(ctx, `
		SELECT period_id, segment_id FROM period_links
		WHERE period_id = ANY($1::uuid[])
		ORDER BY period_id, segment_id`, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("load links: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var pid uuid.UUID
		var segment string
		if err := rows.Scan(&pid, &segment); err != nil {
			return fmt.Errorf("scan link: %w", err)
		}
		if p, ok := byID[id.PeriodID(pid)]; ok {
			p.Links = append(p.Links, segment)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate links: %w", err)
	}
	// database collation may disagree with byte order
	for _, p := range periods {
		slices.Sort(p.Links)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPeriod(row rowScanner) (*models.Period, error) {
	var (
		p     models.Period
		pid   uuid.UUID
		state string
	)
	if err := row.Scan(&pid, &p.Owner.Type, &p.Owner.ID, &p.EmployerID, &p.WorkerID, &p.JointCommissionNumber,
		&p.WorkerType, &p.Location, &p.StartsAt, &p.EndsAt, &state, &p.RegistryPeriodID,
		&p.CreatedAt, &p.UpdatedAt, &p.Version); err != nil {
		return nil, err
	}
	p.ID = id.PeriodID(pid)
	p.State = models.PeriodState(state)
	return &p, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
