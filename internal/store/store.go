// Package store exposes scoped transactional sessions over the hub's
// Participant/TrustLine/Debt/Transaction tables, with two nesting levels:
// an outer session for a whole tick and nested savepoints for single
// payments, so a rolled-back payment does not abort the tick.
//
// Operations on TrustLines and Debts take pessimistic per-edge locks
// (in-memory lock table, or Postgres transaction advisory locks) in the
// fixed canonical order (model.EdgeKey) — the sole deadlock-avoidance
// mechanism shared by PaymentEngine and ClearingEngine. Locking is
// non-blocking: a conflicting lock returns coreerr.ErrConflict
// immediately rather than waiting, since the caller's recovery policy is
// to skip and retry next tick, not to queue.
package store

import (
	"context"

	"github.com/mbd888/credithub/internal/model"
)

// Store is the top-level handle a process holds: it opens sessions and
// publishes the durable event sequence.
type Store interface {
	// BeginTick opens the outer session for one orchestrator tick.
	BeginTick(ctx context.Context) (Session, error)

	// BeginClearing opens an isolated session for the ClearingEngine,
	// backed by a separate connection from any open tick session so
	// clearing and payments never share a database transaction.
	BeginClearing(ctx context.Context) (Session, error)

	// NextEventSeq allocates the next value of the durable, monotonically
	// increasing event sequence counter.
	NextEventSeq(ctx context.Context) (int64, error)

	// Close releases any held resources (connection pool, etc).
	Close() error
}

// Session is a transactional scope. All reads and writes inside a Session
// are isolated from other Sessions until Commit.
type Session interface {
	// Savepoint opens a nested savepoint scoped to this Session, used by
	// PaymentEngine to isolate one payment's mutations so a failed payment
	// rolls back without aborting the whole tick.
	Savepoint(ctx context.Context) (Savepoint, error)

	// LockEdges acquires locks on every edge key in canonical order
	// (equivalent ASC, Lo ASC, Hi ASC — the caller must pre-sort via
	// model.EdgeKey.Less, LockEdges does not resort). Returns
	// coreerr.ErrConflict if any key is already held by another session.
	LockEdges(ctx context.Context, keys []model.EdgeKey) error

	ParticipantStore
	EquivalentStore
	TrustLineStore
	DebtStore
	TransactionStore
	ScenarioEventStore

	// Commit makes all mutations in this Session visible and releases its
	// locks.
	Commit(ctx context.Context) error

	// Rollback discards all mutations in this Session and releases its
	// locks.
	Rollback(ctx context.Context) error
}

// Savepoint is a nested transactional scope within a Session.
type Savepoint interface {
	// Release folds this savepoint's mutations into the parent Session
	// (they become visible to later operations in the same Session, but
	// still only durable once the Session itself commits).
	Release(ctx context.Context) error

	// Rollback discards this savepoint's mutations, leaving the parent
	// Session as it was before the savepoint opened.
	Rollback(ctx context.Context) error
}

// ParticipantStore is the Participant slice of a Session.
type ParticipantStore interface {
	GetParticipant(ctx context.Context, pid string) (*model.Participant, bool, error)
	PutParticipant(ctx context.Context, p *model.Participant) error
}

// EquivalentStore is the Equivalent slice of a Session.
type EquivalentStore interface {
	GetEquivalent(ctx context.Context, code string) (*model.Equivalent, bool, error)
	PutEquivalent(ctx context.Context, e *model.Equivalent) error

	// ListEquivalents returns every known Equivalent, so the Orchestrator
	// can drive ClearingEngine and TrustDriftEngine.Decay over the full
	// set without a side channel tracking which equivalents exist.
	ListEquivalents(ctx context.Context) ([]*model.Equivalent, error)
}

// TrustLineStore is the TrustLine slice of a Session. Callers must hold a
// lock (via LockEdges) on an edge's canonical key before mutating it.
type TrustLineStore interface {
	GetTrustLine(ctx context.Context, from, to, equivalent string) (*model.TrustLine, bool, error)
	PutTrustLine(ctx context.Context, t *model.TrustLine) error

	// ListTrustLinesByEquivalent returns a snapshot of all TrustLines in an
	// equivalent, for Router cache rebuilds and ClearingEngine enumeration.
	ListTrustLinesByEquivalent(ctx context.Context, equivalent string) ([]*model.TrustLine, error)

	// ListTrustLinesByParticipant returns every TrustLine with pid as
	// creditor or debtor, for freeze_participant.
	ListTrustLinesByParticipant(ctx context.Context, pid string) ([]*model.TrustLine, error)
}

// DebtStore is the Debt slice of a Session. Callers must hold a lock (via
// LockEdges) on an edge's canonical key before mutating it.
type DebtStore interface {
	GetDebt(ctx context.Context, debtor, creditor, equivalent string) (*model.Debt, bool, error)
	PutDebt(ctx context.Context, d *model.Debt) error

	// ListDebtsByEquivalent returns a snapshot of all nonzero Debts in an
	// equivalent, for ClearingEngine cycle enumeration.
	ListDebtsByEquivalent(ctx context.Context, equivalent string) ([]*model.Debt, error)
}

// TransactionStore is the Transaction slice of a Session.
type TransactionStore interface {
	GetTransaction(ctx context.Context, txID string) (*model.Transaction, bool, error)
	PutTransaction(ctx context.Context, tx *model.Transaction) error
}

// ScenarioEventStore tracks which scenario-injection event indices have
// already fired, so replaying the scenario after a crash is safe.
type ScenarioEventStore interface {
	// MarkScenarioEventFired records index as fired. alreadyFired is true
	// if it had already been marked (the caller must then skip the event).
	MarkScenarioEventFired(ctx context.Context, index int64) (alreadyFired bool, err error)
}
