package quota

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/newthinker/quotegate/internal/core"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Dialect selects placeholder syntax and driver.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

func (d Dialect) driver() string {
	if d == SQLite {
		return "sqlite3"
	}
	return "postgres"
}

// rebind turns ? placeholders into $n for postgres.
func (d Dialect) rebind(query string) string {
	if d != Postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const schema = `
CREATE TABLE IF NOT EXISTS quota_usage (
	provider   VARCHAR(64) NOT NULL,
	day        VARCHAR(10) NOT NULL,
	call_count INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (provider, day)
);
CREATE TABLE IF NOT EXISTS quota_seen (
	provider     VARCHAR(64) NOT NULL,
	day          VARCHAR(10) NOT NULL,
	resource_key VARCHAR(128) NOT NULL,
	PRIMARY KEY (provider, day, resource_key)
);
`

// SQL is a Tracker persisted in postgres or sqlite. Postgres gives a
// shared budget across instances; sqlite suits a single node that must
// keep counts across restarts.
type SQL struct {
	db       *sql.DB
	dialect  Dialect
	policies map[string]Policy
	opts     options
}

// OpenSQL connects, verifies the connection and creates the schema.
func OpenSQL(ctx context.Context, dialect Dialect, dsn string, policies map[string]Policy, opts ...Option) (*SQL, error) {
	db, err := sql.Open(dialect.driver(), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dialect == SQLite {
		// sqlite allows one writer; serialize in the pool instead of
		// surfacing SQLITE_BUSY
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, core.WrapError(core.ErrBackendDown, fmt.Errorf("failed to ping database: %w", err))
	}

	s := &SQL{db: db, dialect: dialect, policies: policies, opts: buildOptions(opts)}
	if err := s.InitSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// InitSchema creates the quota tables if they do not exist.
func (s *SQL) InitSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("creating quota schema: %w", err)
	}
	return nil
}

func (s *SQL) usage(ctx context.Context, q interface {
	QueryRowContext(context.Context, string, ...any) *sql.Row
}, provider, day string) (int, error) {
	var used int
	err := q.QueryRowContext(ctx,
		s.dialect.rebind(`SELECT call_count FROM quota_usage WHERE provider = ? AND day = ?`),
		provider, day,
	).Scan(&used)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return used, err
}

func (s *SQL) CanCall(ctx context.Context, provider, key string) (Decision, error) {
	day := s.opts.today()
	used, err := s.usage(ctx, s.db, provider, day)
	if err != nil {
		return Decision{}, core.WrapError(core.ErrBackendDown, fmt.Errorf("reading usage: %w", err))
	}

	var seen int
	err = s.db.QueryRowContext(ctx,
		s.dialect.rebind(`SELECT COUNT(*) FROM quota_seen WHERE provider = ? AND day = ? AND resource_key = ?`),
		provider, day, key,
	).Scan(&seen)
	if err != nil {
		return Decision{}, core.WrapError(core.ErrBackendDown, fmt.Errorf("reading seen keys: %w", err))
	}

	d := decide(policyFor(s.policies, provider), used, seen > 0)
	d.Date = day
	return d, nil
}

// RecordCall runs in one transaction. The seen insert and the conditional
// update each lock their row, so concurrent callers cannot both pass the
// same check.
func (s *SQL) RecordCall(ctx context.Context, provider, key string) (Decision, error) {
	p := policyFor(s.policies, provider)
	day := s.opts.today()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Decision{}, core.WrapError(core.ErrBackendDown, fmt.Errorf("begin: %w", err))
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		s.dialect.rebind(`INSERT INTO quota_usage (provider, day, call_count) VALUES (?, ?, 0) ON CONFLICT (provider, day) DO NOTHING`),
		provider, day,
	)
	if err != nil {
		return Decision{}, fmt.Errorf("creating usage row: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		// first call of a new day: drop earlier days
		if err := s.prune(ctx, tx, provider, day); err != nil {
			return Decision{}, err
		}
	}

	res, err = tx.ExecContext(ctx,
		s.dialect.rebind(`INSERT INTO quota_seen (provider, day, resource_key) VALUES (?, ?, ?) ON CONFLICT (provider, day, resource_key) DO NOTHING`),
		provider, day, key,
	)
	if err != nil {
		return Decision{}, fmt.Errorf("marking key seen: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 && p.Dedupe {
		used, err := s.usage(ctx, tx, provider, day)
		if err != nil {
			return Decision{}, err
		}
		d := decide(p, used, true)
		d.Date = day
		return d, nil
	}

	res, err = tx.ExecContext(ctx,
		s.dialect.rebind(`UPDATE quota_usage SET call_count = call_count + 1 WHERE provider = ? AND day = ? AND (? <= 0 OR call_count < ?)`),
		provider, day, p.Budget, p.Budget,
	)
	if err != nil {
		return Decision{}, fmt.Errorf("incrementing usage: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Decision{}, err
	}

	used, err := s.usage(ctx, tx, provider, day)
	if err != nil {
		return Decision{}, err
	}
	if n == 0 {
		d := decide(p, used, false)
		d.Date = day
		return d, nil
	}
	if err := tx.Commit(); err != nil {
		return Decision{}, core.WrapError(core.ErrBackendDown, fmt.Errorf("commit: %w", err))
	}
	return Decision{Allowed: true, Reason: ReasonOK, Used: used, Budget: p.Budget, Date: day}, nil
}

func (s *SQL) Release(ctx context.Context, res Reservation, refund bool) error {
	if res.Date != s.opts.today() {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return core.WrapError(core.ErrBackendDown, fmt.Errorf("begin: %w", err))
	}
	defer tx.Rollback()

	if policyFor(s.policies, res.Provider).Dedupe {
		_, err := tx.ExecContext(ctx,
			s.dialect.rebind(`DELETE FROM quota_seen WHERE provider = ? AND day = ? AND resource_key = ?`),
			res.Provider, res.Date, res.Key,
		)
		if err != nil {
			return fmt.Errorf("clearing seen key: %w", err)
		}
	}
	if refund {
		_, err := tx.ExecContext(ctx,
			s.dialect.rebind(`UPDATE quota_usage SET call_count = call_count - 1 WHERE provider = ? AND day = ? AND call_count > 0`),
			res.Provider, res.Date,
		)
		if err != nil {
			return fmt.Errorf("refunding usage: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return core.WrapError(core.ErrBackendDown, fmt.Errorf("commit: %w", err))
	}
	return nil
}

func (s *SQL) prune(ctx context.Context, tx *sql.Tx, provider, day string) error {
	for _, table := range []string{"quota_usage", "quota_seen"} {
		_, err := tx.ExecContext(ctx,
			s.dialect.rebind(`DELETE FROM `+table+` WHERE provider = ? AND day < ?`),
			provider, day,
		)
		if err != nil {
			return fmt.Errorf("pruning %s: %w", table, err)
		}
	}
	return nil
}

func (s *SQL) State(ctx context.Context, provider string) (State, error) {
	day := s.opts.today()
	used, err := s.usage(ctx, s.db, provider, day)
	if err != nil {
		return State{}, core.WrapError(core.ErrBackendDown, fmt.Errorf("reading usage: %w", err))
	}
	var seen int
	err = s.db.QueryRowContext(ctx,
		s.dialect.rebind(`SELECT COUNT(*) FROM quota_seen WHERE provider = ? AND day = ?`),
		provider, day,
	).Scan(&seen)
	if err != nil {
		return State{}, core.WrapError(core.ErrBackendDown, fmt.Errorf("reading seen keys: %w", err))
	}
	return State{
		Provider:  provider,
		Date:      day,
		CallCount: used,
		Budget:    policyFor(s.policies, provider).Budget,
		SeenKeys:  seen,
	}, nil
}

func (s *SQL) Close() error {
	return s.db.Close()
}
