// Package model defines the graph-ledger's persistent data shapes:
// Participant, Equivalent, TrustLine, Debt and Transaction, plus the
// canonical edge key used by every lock-ordering and cache-keying path.
package model

import (
	"crypto/sha256"
	"math/big"
	"time"
)

const base58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

// ParticipantType classifies a Participant.
type ParticipantType string

const (
	ParticipantPerson   ParticipantType = "person"
	ParticipantBusiness ParticipantType = "business"
	ParticipantHub      ParticipantType = "hub"
)

// ParticipantStatus tracks a Participant's lifecycle.
type ParticipantStatus string

const (
	ParticipantActive    ParticipantStatus = "active"
	ParticipantSuspended ParticipantStatus = "suspended"
	ParticipantLeft      ParticipantStatus = "left"
	ParticipantDeleted   ParticipantStatus = "deleted" // tombstone, never removed in-place
)

// Participant is identified by a stable PID derived from a public key.
type Participant struct {
	PID         string            `json:"pid"`
	DisplayName string            `json:"displayName"`
	Type        ParticipantType   `json:"type"`
	Status      ParticipantStatus `json:"status"`
	CreatedAt   time.Time         `json:"createdAt"`
}

// PIDFromPublicKey derives a Participant's PID as Base58(SHA-256(pubkey)).
func PIDFromPublicKey(pubKey []byte) string {
	sum := sha256.Sum256(pubKey)
	return base58Encode(sum[:])
}

// base58Encode is a minimal Bitcoin-alphabet Base58 encoder over a
// big-endian byte string, preserving leading-zero bytes as leading '1's.
// No pack example wires an actual base58 library dependency (XRPL's own
// codec lives outside the retrieved source), so this stays on math/big —
// see DESIGN.md.
func base58Encode(data []byte) string {
	zero := big.NewInt(0)
	base := big.NewInt(58)
	x := new(big.Int).SetBytes(data)

	var out []byte
	mod := new(big.Int)
	for x.Cmp(zero) > 0 {
		x.DivMod(x, base, mod)
		out = append(out, base58Alphabet[mod.Int64()])
	}
	for _, b := range data {
		if b != 0 {
			break
		}
		out = append(out, base58Alphabet[0])
	}
	// reverse
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return string(out)
}

// Equivalent is an opaque unit-of-account code with a declared decimal
// precision. All amounts in this equivalent are carried as atoms — base-10
// integers with Precision implied fractional digits.
type Equivalent struct {
	Code      string `json:"code"`
	Precision int    `json:"precision"`
}

// TrustLineStatus tracks a TrustLine's lifecycle.
type TrustLineStatus string

const (
	TrustLineActive TrustLineStatus = "active"
	TrustLineFrozen TrustLineStatus = "frozen"
	TrustLineClosed TrustLineStatus = "closed" // tombstoned, not deleted — see SPEC_FULL.md §14
)

// TrustLine is a directed credit ceiling: creditor From trusts debtor To up
// to Limit atoms in Equivalent. Primary key is (From, To, Equivalent).
type TrustLine struct {
	From       string          `json:"from"` // creditor
	To         string          `json:"to"`   // debtor
	Equivalent string          `json:"equivalent"`
	Limit      int64           `json:"limit"` // atoms, >= 0
	Used       int64           `json:"used"`  // atoms, 0 <= used <= limit
	Status     TrustLineStatus `json:"status"`
	PolicyBlob string          `json:"policyBlob,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// Available returns the TrustLine's residual capacity (Limit - Used).
func (t *TrustLine) Available() int64 {
	return t.Limit - t.Used
}

// Debt is a directed obligation: Debtor owes Creditor Amount atoms in
// Equivalent. Primary key is (Debtor, Creditor, Equivalent). Invariant D1
// (spec I2): for every active-or-frozen TrustLine (A->B,E), Debt(B,A,E)
// equals TrustLine(A->B,E).Used.
type Debt struct {
	Debtor     string `json:"debtor"`
	Creditor   string `json:"creditor"`
	Equivalent string `json:"equivalent"`
	Amount     int64  `json:"amount"` // atoms, >= 0
}

// TransactionType distinguishes the two kinds of mutating operations that
// produce a Transaction record.
type TransactionType string

const (
	TransactionPayment  TransactionType = "PAYMENT"
	TransactionClearing TransactionType = "CLEARING"
)

// TransactionState is one of the two monotonic linear paths: pending ->
// preparing -> prepared -> committed, or ... -> rolled_back/failed.
type TransactionState string

const (
	TxPending    TransactionState = "pending"
	TxPreparing  TransactionState = "preparing"
	TxPrepared   TransactionState = "prepared"
	TxCommitted  TransactionState = "committed"
	TxRolledBack TransactionState = "rolled_back"
	TxFailed     TransactionState = "failed"
)

// Transaction is an append-only record of an attempted state change,
// keyed by the caller-supplied idempotency key TxID. Immutable once
// Committed or RolledBack.
type Transaction struct {
	TxID      string           `json:"txId"`
	Type      TransactionType  `json:"type"`
	Initiator string           `json:"initiator"`
	Payload   string           `json:"payload"` // canonical JSON of the originating request
	State     TransactionState `json:"state"`
	ErrorKind string           `json:"errorKind,omitempty"`
	CreatedAt time.Time        `json:"createdAt"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

// Terminal reports whether the Transaction has reached a terminal state.
func (tx *Transaction) Terminal() bool {
	return tx.State == TxCommitted || tx.State == TxRolledBack || tx.State == TxFailed
}

// EdgeKey canonically identifies a TrustLine/Debt pair for lock ordering
// and cache keying: (equivalent, min(from,to), max(from,to)). Locking in
// this fixed order — and only this order — is the sole deadlock-avoidance
// mechanism shared by PaymentEngine and ClearingEngine (see internal/store).
type EdgeKey struct {
	Equivalent string
	Lo         string // min(from, to)
	Hi         string // max(from, to)
}

// NewEdgeKey builds the canonical lock-order key for an edge between a and
// b in equivalent eq, regardless of which side is creditor or debtor.
func NewEdgeKey(eq, a, b string) EdgeKey {
	if a <= b {
		return EdgeKey{Equivalent: eq, Lo: a, Hi: b}
	}
	return EdgeKey{Equivalent: eq, Lo: b, Hi: a}
}

// Less implements the canonical ordering: equivalent ASC, then Lo ASC, then
// Hi ASC.
func (k EdgeKey) Less(other EdgeKey) bool {
	if k.Equivalent != other.Equivalent {
		return k.Equivalent < other.Equivalent
	}
	if k.Lo != other.Lo {
		return k.Lo < other.Lo
	}
	return k.Hi < other.Hi
}
