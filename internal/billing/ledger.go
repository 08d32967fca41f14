// Package billing defines the ledger collaborator consulted on each billing
// tick. The real ledger lives in another service; the in-memory
// implementation covers local runs and tests.
package billing

import (
	"context"
	"errors"
	"sync"
)

// ErrInsufficientCredits is terminal for the session, never for the process.
var ErrInsufficientCredits = errors.New("insufficient credits")

// Ledger debits a participant's balance. Debit returns the remaining
// balance, or ErrInsufficientCredits when the balance cannot cover the
// charge.
type Ledger interface {
	Debit(ctx context.Context, participantID string, credits int) (remaining int, err error)
}

// MemoryLedger keeps balances in memory, seeding unknown participants with
// a starting balance.
type MemoryLedger struct {
	mu           sync.Mutex
	balances     map[string]int
	startCredits int
}

func NewMemoryLedger(startCredits int) *MemoryLedger {
	return &MemoryLedger{
		balances:     make(map[string]int),
		startCredits: startCredits,
	}
}

func (l *MemoryLedger) Debit(_ context.Context, participantID string, credits int) (int, error) {
	if credits < 0 {
		credits = 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	balance, ok := l.balances[participantID]
	if !ok {
		balance = l.startCredits
	}
	if balance < credits {
		l.balances[participantID] = balance
		return balance, ErrInsufficientCredits
	}
	balance -= credits
	l.balances[participantID] = balance
	return balance, nil
}

// SetBalance overrides a participant's balance; used by tests and admin
// tooling.
func (l *MemoryLedger) SetBalance(participantID string, credits int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[participantID] = credits
}
