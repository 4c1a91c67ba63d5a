package store

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/mbd888/credithub/internal/circuitbreaker"
	"github.com/mbd888/credithub/internal/coreerr"
	"github.com/mbd888/credithub/internal/model"
	"github.com/mbd888/credithub/internal/retry"

	_ "github.com/lib/pq"
)

// PostgresStore is a Store backed by Postgres, following the teacher's
// BeginTx/defer-Rollback/Commit transactional idiom. Edge locking uses
// session-scoped (connection-scoped) transaction advisory locks keyed by a
// hash of model.EdgeKey, acquired non-blocking via
// pg_try_advisory_xact_lock — the direct Postgres analogue of
// SELECT ... FOR UPDATE NOWAIT, without requiring a pre-existing row for
// an edge that may not have a TrustLine or Debt row yet.
//
// Advisory locks taken this way are transaction-scoped: they release on
// the outer Session's Commit or Rollback, not on an inner Savepoint's
// rollback. A payment whose savepoint rolls back keeps its edge locks
// held until the tick session ends, trading a small amount of intra-tick
// parallelism for a single, well-understood Postgres primitive — see
// DESIGN.md.
type PostgresStore struct {
	db      *sql.DB
	breaker *circuitbreaker.Breaker
}

// NewPostgresStore wraps an already-open *sql.DB.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{
		db:      db,
		breaker: circuitbreaker.New(5, 30*time.Second),
	}
}

// OpenPostgresStore opens a new connection pool with retrying connect
// attempts, grounded in the teacher's retry-wrapped startup sequence.
func OpenPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	var db *sql.DB
	err := retry.Do(ctx, 5, 200*time.Millisecond, func() error {
		var openErr error
		db, openErr = sql.Open("postgres", dsn)
		if openErr != nil {
			return openErr
		}
		return db.PingContext(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres store: %w", err)
	}
	return NewPostgresStore(db), nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) NextEventSeq(ctx context.Context) (int64, error) {
	var seq int64
	err := p.db.QueryRowContext(ctx, `SELECT nextval('event_seq')`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("next event seq: %w", err)
	}
	return seq, nil
}

func (p *PostgresStore) BeginTick(ctx context.Context) (Session, error) {
	return p.begin(ctx)
}

func (p *PostgresStore) BeginClearing(ctx context.Context) (Session, error) {
	return p.begin(ctx)
}

func (p *PostgresStore) begin(ctx context.Context) (Session, error) {
	if !p.breaker.Allow("postgres") {
		return nil, fmt.Errorf("postgres circuit open: %w", coreerr.ErrTimeout)
	}
	conn, err := p.db.Conn(ctx)
	if err != nil {
		p.breaker.RecordFailure("postgres")
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		conn.Close()
		p.breaker.RecordFailure("postgres")
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	p.breaker.RecordSuccess("postgres")
	return &pgSession{conn: conn, tx: tx}, nil
}

type pgSession struct {
	conn      *sql.Conn
	tx        *sql.Tx
	spCounter int
	closed    bool
}

func edgeLockKey(k model.EdgeKey) int64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%s|%s", k.Equivalent, k.Lo, k.Hi)
	return int64(h.Sum64())
}

func (s *pgSession) LockEdges(ctx context.Context, keys []model.EdgeKey) error {
	for _, k := range keys {
		var acquired bool
		err := s.tx.QueryRowContext(ctx, `SELECT pg_try_advisory_xact_lock($1)`, edgeLockKey(k)).Scan(&acquired)
		if err != nil {
			return fmt.Errorf("advisory lock for edge %+v: %w", k, err)
		}
		if !acquired {
			return fmt.Errorf("edge %+v locked by another session: %w", k, coreerr.ErrConflict)
		}
	}
	return nil
}

func (s *pgSession) Savepoint(ctx context.Context) (Savepoint, error) {
	s.spCounter++
	name := fmt.Sprintf("sp_%d", s.spCounter)
	if _, err := s.tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return nil, fmt.Errorf("savepoint %s: %w", name, err)
	}
	return &pgSavepoint{sess: s, name: name}, nil
}

type pgSavepoint struct {
	sess *pgSession
	name string
	done bool
}

func (sp *pgSavepoint) Release(ctx context.Context) error {
	if sp.done {
		return nil
	}
	sp.done = true
	_, err := sp.sess.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+sp.name)
	if err != nil {
		return fmt.Errorf("release savepoint %s: %w", sp.name, err)
	}
	return nil
}

func (sp *pgSavepoint) Rollback(ctx context.Context) error {
	if sp.done {
		return nil
	}
	sp.done = true
	_, err := sp.sess.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+sp.name)
	if err != nil {
		return fmt.Errorf("rollback to savepoint %s: %w", sp.name, err)
	}
	return nil
}

func (s *pgSession) Commit(ctx context.Context) error {
	if s.closed {
		return nil
	}
	s.closed = true
	defer s.conn.Close()
	if err := s.tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *pgSession) Rollback(ctx context.Context) error {
	if s.closed {
		return nil
	}
	s.closed = true
	defer s.conn.Close()
	if err := s.tx.Rollback(); err != nil && err != sql.ErrTxDone {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

func (s *pgSession) GetParticipant(ctx context.Context, pid string) (*model.Participant, bool, error) {
	row := s.tx.QueryRowContext(ctx, `
		SELECT pid, display_name, type, status, created_at
		FROM participants WHERE pid = $1`, pid)
	var p model.Participant
	if err := row.Scan(&p.PID, &p.DisplayName, &p.Type, &p.Status, &p.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get participant %s: %w", pid, err)
	}
	return &p, true, nil
}

func (s *pgSession) PutParticipant(ctx context.Context, p *model.Participant) error {
	_, err := s.tx.ExecContext(ctx, `
		INSERT INTO participants (pid, display_name, type, status, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (pid) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			type = EXCLUDED.type,
			status = EXCLUDED.status`,
		p.PID, p.DisplayName, p.Type, p.Status, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("put participant %s: %w", p.PID, err)
	}
	return nil
}

func (s *pgSession) GetEquivalent(ctx context.Context, code string) (*model.Equivalent, bool, error) {
	row := s.tx.QueryRowContext(ctx, `SELECT code, precision FROM equivalents WHERE code = $1`, code)
	var e model.Equivalent
	if err := row.Scan(&e.Code, &e.Precision); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get equivalent %s: %w", code, err)
	}
	return &e, true, nil
}

func (s *pgSession) PutEquivalent(ctx context.Context, e *model.Equivalent) error {
	_, err := s.tx.ExecContext(ctx, `
		INSERT INTO equivalents (code, precision) VALUES ($1, $2)
		ON CONFLICT (code) DO UPDATE SET precision = EXCLUDED.precision`,
		e.Code, e.Precision)
	if err != nil {
		return fmt.Errorf("put equivalent %s: %w", e.Code, err)
	}
	return nil
}

func (s *pgSession) ListEquivalents(ctx context.Context) ([]*model.Equivalent, error) {
	rows, err := s.tx.QueryContext(ctx, `SELECT code, precision FROM equivalents ORDER BY code ASC`)
	if err != nil {
		return nil, fmt.Errorf("list equivalents: %w", err)
	}
	defer rows.Close()
	var out []*model.Equivalent
	for rows.Next() {
		var e model.Equivalent
		if err := rows.Scan(&e.Code, &e.Precision); err != nil {
			return nil, fmt.Errorf("list equivalents: scan: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *pgSession) GetTrustLine(ctx context.Context, from, to, equivalent string) (*model.TrustLine, bool, error) {
	row := s.tx.QueryRowContext(ctx, `
		SELECT from_pid, to_pid, equivalent, limit_atoms, used_atoms, status, policy_blob, created_at
		FROM trust_lines WHERE from_pid = $1 AND to_pid = $2 AND equivalent = $3`, from, to, equivalent)
	var t model.TrustLine
	var policy sql.NullString
	if err := row.Scan(&t.From, &t.To, &t.Equivalent, &t.Limit, &t.Used, &t.Status, &policy, &t.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get trustline %s->%s/%s: %w", from, to, equivalent, err)
	}
	t.PolicyBlob = policy.String
	return &t, true, nil
}

func (s *pgSession) PutTrustLine(ctx context.Context, t *model.TrustLine) error {
	_, err := s.tx.ExecContext(ctx, `
		INSERT INTO trust_lines (from_pid, to_pid, equivalent, limit_atoms, used_atoms, status, policy_blob, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (from_pid, to_pid, equivalent) DO UPDATE SET
			limit_atoms = EXCLUDED.limit_atoms,
			used_atoms = EXCLUDED.used_atoms,
			status = EXCLUDED.status,
			policy_blob = EXCLUDED.policy_blob`,
		t.From, t.To, t.Equivalent, t.Limit, t.Used, t.Status, nullable(t.PolicyBlob), t.CreatedAt)
	if err != nil {
		return fmt.Errorf("put trustline %s->%s/%s: %w", t.From, t.To, t.Equivalent, err)
	}
	return nil
}

func (s *pgSession) ListTrustLinesByEquivalent(ctx context.Context, equivalent string) ([]*model.TrustLine, error) {
	rows, err := s.tx.QueryContext(ctx, `
		SELECT from_pid, to_pid, equivalent, limit_atoms, used_atoms, status, policy_blob, created_at
		FROM trust_lines WHERE equivalent = $1 ORDER BY from_pid, to_pid`, equivalent)
	if err != nil {
		return nil, fmt.Errorf("list trustlines for %s: %w", equivalent, err)
	}
	defer rows.Close()
	return scanTrustLines(rows)
}

func (s *pgSession) ListTrustLinesByParticipant(ctx context.Context, pid string) ([]*model.TrustLine, error) {
	rows, err := s.tx.QueryContext(ctx, `
		SELECT from_pid, to_pid, equivalent, limit_atoms, used_atoms, status, policy_blob, created_at
		FROM trust_lines WHERE from_pid = $1 OR to_pid = $1 ORDER BY from_pid, to_pid`, pid)
	if err != nil {
		return nil, fmt.Errorf("list trustlines for participant %s: %w", pid, err)
	}
	defer rows.Close()
	return scanTrustLines(rows)
}

func scanTrustLines(rows *sql.Rows) ([]*model.TrustLine, error) {
	var out []*model.TrustLine
	for rows.Next() {
		var t model.TrustLine
		var policy sql.NullString
		if err := rows.Scan(&t.From, &t.To, &t.Equivalent, &t.Limit, &t.Used, &t.Status, &policy, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan trustline: %w", err)
		}
		t.PolicyBlob = policy.String
		out = append(out, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *pgSession) GetDebt(ctx context.Context, debtor, creditor, equivalent string) (*model.Debt, bool, error) {
	row := s.tx.QueryRowContext(ctx, `
		SELECT debtor, creditor, equivalent, amount_atoms
		FROM debts WHERE debtor = $1 AND creditor = $2 AND equivalent = $3`, debtor, creditor, equivalent)
	var d model.Debt
	if err := row.Scan(&d.Debtor, &d.Creditor, &d.Equivalent, &d.Amount); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get debt %s->%s/%s: %w", debtor, creditor, equivalent, err)
	}
	return &d, true, nil
}

func (s *pgSession) PutDebt(ctx context.Context, d *model.Debt) error {
	_, err := s.tx.ExecContext(ctx, `
		INSERT INTO debts (debtor, creditor, equivalent, amount_atoms)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (debtor, creditor, equivalent) DO UPDATE SET amount_atoms = EXCLUDED.amount_atoms`,
		d.Debtor, d.Creditor, d.Equivalent, d.Amount)
	if err != nil {
		return fmt.Errorf("put debt %s->%s/%s: %w", d.Debtor, d.Creditor, d.Equivalent, err)
	}
	return nil
}

func (s *pgSession) ListDebtsByEquivalent(ctx context.Context, equivalent string) ([]*model.Debt, error) {
	rows, err := s.tx.QueryContext(ctx, `
		SELECT debtor, creditor, equivalent, amount_atoms
		FROM debts WHERE equivalent = $1 AND amount_atoms > 0 ORDER BY debtor, creditor`, equivalent)
	if err != nil {
		return nil, fmt.Errorf("list debts for %s: %w", equivalent, err)
	}
	defer rows.Close()
	var out []*model.Debt
	for rows.Next() {
		var d model.Debt
		if err := rows.Scan(&d.Debtor, &d.Creditor, &d.Equivalent, &d.Amount); err != nil {
			return nil, fmt.Errorf("scan debt: %w", err)
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

func (s *pgSession) GetTransaction(ctx context.Context, txID string) (*model.Transaction, bool, error) {
	row := s.tx.QueryRowContext(ctx, `
		SELECT tx_id, type, initiator, payload, state, error_kind, created_at, updated_at
		FROM transactions WHERE tx_id = $1`, txID)
	var tx model.Transaction
	var errKind sql.NullString
	if err := row.Scan(&tx.TxID, &tx.Type, &tx.Initiator, &tx.Payload, &tx.State, &errKind, &tx.CreatedAt, &tx.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get transaction %s: %w", txID, err)
	}
	tx.ErrorKind = errKind.String
	return &tx, true, nil
}

func (s *pgSession) PutTransaction(ctx context.Context, tx *model.Transaction) error {
	_, err := s.tx.ExecContext(ctx, `
		INSERT INTO transactions (tx_id, type, initiator, payload, state, error_kind, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (tx_id) DO UPDATE SET
			state = EXCLUDED.state,
			error_kind = EXCLUDED.error_kind,
			updated_at = EXCLUDED.updated_at`,
		tx.TxID, tx.Type, tx.Initiator, tx.Payload, tx.State, nullable(tx.ErrorKind), tx.CreatedAt, tx.UpdatedAt)
	if err != nil {
		return fmt.Errorf("put transaction %s: %w", tx.TxID, err)
	}
	return nil
}

func (s *pgSession) MarkScenarioEventFired(ctx context.Context, index int64) (bool, error) {
	res, err := s.tx.ExecContext(ctx, `
		INSERT INTO scenario_events_fired (event_index) VALUES ($1)
		ON CONFLICT (event_index) DO NOTHING`, index)
	if err != nil {
		return false, fmt.Errorf("mark scenario event %d fired: %w", index, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark scenario event %d fired: %w", index, err)
	}
	return n == 0, nil
}

func nullable(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
