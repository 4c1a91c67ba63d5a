package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/mbd888/credithub/internal/coreerr"
	"github.com/mbd888/credithub/internal/idgen"
	"github.com/mbd888/credithub/internal/model"
)

type trustLineKey struct {
	from, to, equivalent string
}

type debtKey struct {
	debtor, creditor, equivalent string
}

// MemoryStore is an in-memory Store for development and the bulk of unit
// tests, mirroring the teacher's in-memory ledger store shape.
type MemoryStore struct {
	mu sync.Mutex

	participants map[string]*model.Participant
	equivalents  map[string]*model.Equivalent
	trustlines   map[trustLineKey]*model.TrustLine
	debts        map[debtKey]*model.Debt
	transactions map[string]*model.Transaction
	fired        map[int64]bool

	locks    map[model.EdgeKey]string // edge key -> owning session id
	eventSeq int64
}

// NewMemoryStore creates an empty in-memory Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		participants: make(map[string]*model.Participant),
		equivalents:  make(map[string]*model.Equivalent),
		trustlines:   make(map[trustLineKey]*model.TrustLine),
		debts:        make(map[debtKey]*model.Debt),
		transactions: make(map[string]*model.Transaction),
		fired:        make(map[int64]bool),
		locks:        make(map[model.EdgeKey]string),
	}
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) NextEventSeq(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.eventSeq++
	return m.eventSeq, nil
}

func (m *MemoryStore) BeginTick(ctx context.Context) (Session, error) {
	return m.newSession(), nil
}

func (m *MemoryStore) BeginClearing(ctx context.Context) (Session, error) {
	return m.newSession(), nil
}

func (m *MemoryStore) newSession() *memSession {
	return &memSession{
		store: m,
		id:    idgen.Hex(8),
		ov:    newOverlay(),
	}
}

// overlay holds a session's uncommitted writes, layered over the store's
// committed state.
type overlay struct {
	participants map[string]*model.Participant
	equivalents  map[string]*model.Equivalent
	trustlines   map[trustLineKey]*model.TrustLine
	debts        map[debtKey]*model.Debt
	transactions map[string]*model.Transaction
	fired        map[int64]bool
}

func newOverlay() overlay {
	return overlay{
		participants: make(map[string]*model.Participant),
		equivalents:  make(map[string]*model.Equivalent),
		trustlines:   make(map[trustLineKey]*model.TrustLine),
		debts:        make(map[debtKey]*model.Debt),
		transactions: make(map[string]*model.Transaction),
		fired:        make(map[int64]bool),
	}
}

// snapshot returns a shallow copy of ov suitable for savepoint rollback.
func (ov overlay) snapshot() overlay {
	cp := newOverlay()
	for k, v := range ov.participants {
		cp.participants[k] = v
	}
	for k, v := range ov.equivalents {
		cp.equivalents[k] = v
	}
	for k, v := range ov.trustlines {
		cp.trustlines[k] = v
	}
	for k, v := range ov.debts {
		cp.debts[k] = v
	}
	for k, v := range ov.transactions {
		cp.transactions[k] = v
	}
	for k, v := range ov.fired {
		cp.fired[k] = v
	}
	return cp
}

type memSession struct {
	store  *MemoryStore
	id     string
	ov     overlay
	held   []model.EdgeKey
	closed bool
}

func (s *memSession) LockEdges(ctx context.Context, keys []model.EdgeKey) error {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()

	for _, k := range keys {
		owner, locked := s.store.locks[k]
		if locked && owner != s.id {
			return fmt.Errorf("edge %+v locked by another session: %w", k, coreerr.ErrConflict)
		}
	}
	for _, k := range keys {
		if _, locked := s.store.locks[k]; !locked {
			s.store.locks[k] = s.id
			s.held = append(s.held, k)
		}
	}
	return nil
}

func (s *memSession) releaseLocksFrom(n int) {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	for _, k := range s.held[n:] {
		if s.store.locks[k] == s.id {
			delete(s.store.locks, k)
		}
	}
	s.held = s.held[:n]
}

func (s *memSession) Savepoint(ctx context.Context) (Savepoint, error) {
	return &memSavepoint{
		sess:     s,
		snap:     s.ov.snapshot(),
		lockMark: len(s.held),
	}, nil
}

type memSavepoint struct {
	sess     *memSession
	snap     overlay
	lockMark int
	done     bool
}

func (sp *memSavepoint) Release(ctx context.Context) error {
	sp.done = true
	return nil
}

func (sp *memSavepoint) Rollback(ctx context.Context) error {
	if sp.done {
		return nil
	}
	sp.sess.ov = sp.snap
	sp.sess.releaseLocksFrom(sp.lockMark)
	sp.done = true
	return nil
}

func (s *memSession) GetParticipant(ctx context.Context, pid string) (*model.Participant, bool, error) {
	if p, ok := s.ov.participants[pid]; ok {
		return p, true, nil
	}
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	if p, ok := s.store.participants[pid]; ok {
		cp := *p
		return &cp, true, nil
	}
	return nil, false, nil
}

func (s *memSession) PutParticipant(ctx context.Context, p *model.Participant) error {
	cp := *p
	s.ov.participants[p.PID] = &cp
	return nil
}

func (s *memSession) GetEquivalent(ctx context.Context, code string) (*model.Equivalent, bool, error) {
	if e, ok := s.ov.equivalents[code]; ok {
		return e, true, nil
	}
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	if e, ok := s.store.equivalents[code]; ok {
		cp := *e
		return &cp, true, nil
	}
	return nil, false, nil
}

func (s *memSession) PutEquivalent(ctx context.Context, e *model.Equivalent) error {
	cp := *e
	s.ov.equivalents[e.Code] = &cp
	return nil
}

func (s *memSession) ListEquivalents(ctx context.Context) ([]*model.Equivalent, error) {
	s.store.mu.Lock()
	merged := make(map[string]*model.Equivalent, len(s.store.equivalents))
	for code, e := range s.store.equivalents {
		cp := *e
		merged[code] = &cp
	}
	s.store.mu.Unlock()
	for code, e := range s.ov.equivalents {
		cp := *e
		merged[code] = &cp
	}
	out := make([]*model.Equivalent, 0, len(merged))
	for _, e := range merged {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (s *memSession) GetTrustLine(ctx context.Context, from, to, equivalent string) (*model.TrustLine, bool, error) {
	k := trustLineKey{from, to, equivalent}
	if t, ok := s.ov.trustlines[k]; ok {
		return t, true, nil
	}
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	if t, ok := s.store.trustlines[k]; ok {
		cp := *t
		return &cp, true, nil
	}
	return nil, false, nil
}

func (s *memSession) PutTrustLine(ctx context.Context, t *model.TrustLine) error {
	cp := *t
	s.ov.trustlines[trustLineKey{t.From, t.To, t.Equivalent}] = &cp
	return nil
}

func (s *memSession) ListTrustLinesByEquivalent(ctx context.Context, equivalent string) ([]*model.TrustLine, error) {
	s.store.mu.Lock()
	merged := make(map[trustLineKey]*model.TrustLine, len(s.store.trustlines))
	for k, v := range s.store.trustlines {
		if k.equivalent == equivalent {
			cp := *v
			merged[k] = &cp
		}
	}
	s.store.mu.Unlock()
	for k, v := range s.ov.trustlines {
		if k.equivalent == equivalent {
			merged[k] = v
		}
	}
	out := make([]*model.TrustLine, 0, len(merged))
	for _, v := range merged {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].From != out[j].From {
			return out[i].From < out[j].From
		}
		return out[i].To < out[j].To
	})
	return out, nil
}

func (s *memSession) ListTrustLinesByParticipant(ctx context.Context, pid string) ([]*model.TrustLine, error) {
	s.store.mu.Lock()
	merged := make(map[trustLineKey]*model.TrustLine, len(s.store.trustlines))
	for k, v := range s.store.trustlines {
		if k.from == pid || k.to == pid {
			cp := *v
			merged[k] = &cp
		}
	}
	s.store.mu.Unlock()
	for k, v := range s.ov.trustlines {
		if k.from == pid || k.to == pid {
			merged[k] = v
		}
	}
	out := make([]*model.TrustLine, 0, len(merged))
	for _, v := range merged {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].From != out[j].From {
			return out[i].From < out[j].From
		}
		return out[i].To < out[j].To
	})
	return out, nil
}

func (s *memSession) GetDebt(ctx context.Context, debtor, creditor, equivalent string) (*model.Debt, bool, error) {
	k := debtKey{debtor, creditor, equivalent}
	if d, ok := s.ov.debts[k]; ok {
		return d, true, nil
	}
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	if d, ok := s.store.debts[k]; ok {
		cp := *d
		return &cp, true, nil
	}
	return nil, false, nil
}

func (s *memSession) PutDebt(ctx context.Context, d *model.Debt) error {
	cp := *d
	s.ov.debts[debtKey{d.Debtor, d.Creditor, d.Equivalent}] = &cp
	return nil
}

func (s *memSession) ListDebtsByEquivalent(ctx context.Context, equivalent string) ([]*model.Debt, error) {
	s.store.mu.Lock()
	merged := make(map[debtKey]*model.Debt, len(s.store.debts))
	for k, v := range s.store.debts {
		if k.equivalent == equivalent {
			cp := *v
			merged[k] = &cp
		}
	}
	s.store.mu.Unlock()
	for k, v := range s.ov.debts {
		if k.equivalent == equivalent {
			merged[k] = v
		}
	}
	out := make([]*model.Debt, 0, len(merged))
	for _, v := range merged {
		if v.Amount > 0 {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Debtor != out[j].Debtor {
			return out[i].Debtor < out[j].Debtor
		}
		return out[i].Creditor < out[j].Creditor
	})
	return out, nil
}

func (s *memSession) GetTransaction(ctx context.Context, txID string) (*model.Transaction, bool, error) {
	if t, ok := s.ov.transactions[txID]; ok {
		return t, true, nil
	}
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	if t, ok := s.store.transactions[txID]; ok {
		cp := *t
		return &cp, true, nil
	}
	return nil, false, nil
}

func (s *memSession) PutTransaction(ctx context.Context, tx *model.Transaction) error {
	cp := *tx
	s.ov.transactions[tx.TxID] = &cp
	return nil
}

func (s *memSession) MarkScenarioEventFired(ctx context.Context, index int64) (bool, error) {
	if s.ov.fired[index] {
		return true, nil
	}
	s.store.mu.Lock()
	already := s.store.fired[index]
	s.store.mu.Unlock()
	if already {
		return true, nil
	}
	s.ov.fired[index] = true
	return false, nil
}

func (s *memSession) Commit(ctx context.Context) error {
	if s.closed {
		return nil
	}
	s.store.mu.Lock()
	for k, v := range s.ov.participants {
		s.store.participants[k] = v
	}
	for k, v := range s.ov.equivalents {
		s.store.equivalents[k] = v
	}
	for k, v := range s.ov.trustlines {
		s.store.trustlines[k] = v
	}
	for k, v := range s.ov.debts {
		s.store.debts[k] = v
	}
	for k, v := range s.ov.transactions {
		s.store.transactions[k] = v
	}
	for k := range s.ov.fired {
		s.store.fired[k] = true
	}
	for _, k := range s.held {
		if s.store.locks[k] == s.id {
			delete(s.store.locks, k)
		}
	}
	s.store.mu.Unlock()
	s.held = nil
	s.closed = true
	return nil
}

func (s *memSession) Rollback(ctx context.Context) error {
	if s.closed {
		return nil
	}
	s.store.mu.Lock()
	for _, k := range s.held {
		if s.store.locks[k] == s.id {
			delete(s.store.locks, k)
		}
	}
	s.store.mu.Unlock()
	s.held = nil
	s.closed = true
	return nil
}
