package memory

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/upb/x402-guard/repositories"
)

// TransferDirection tells which way value moved
type TransferDirection string

const (
	TransferIn  TransferDirection = "in"
	TransferOut TransferDirection = "out"
)

// Transfer is one entry of the ledger journal
type Transfer struct {
	ID           int64
	AccountID    uuid.UUID
	Direction    TransferDirection
	Counterparty string
	Amount       int64
	At           time.Time
}

// Ledger implements repositories.Ledger over the Store
type Ledger struct {
	store *Store
}

// TransferOut debits the account
func (l *Ledger) TransferOut(ctx context.Context, accountID uuid.UUID, to string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("invalid transfer amount: %d", amount)
	}

	var short bool
	err := l.store.write(ctx, func() func() {
		if l.store.balances[accountID] < amount {
			short = true
			return nil
		}
		l.store.balances[accountID] -= amount
		l.store.nextTransfer++
		id := l.store.nextTransfer
		l.store.transfers = append(l.store.transfers, Transfer{
			ID:           id,
			AccountID:    accountID,
			Direction:    TransferOut,
			Counterparty: to,
			Amount:       amount,
			At:           time.Now().UTC(),
		})
		return l.undo(id, accountID, amount)
	})
	if err != nil {
		return err
	}
	if short {
		return repositories.ErrInsufficientBalance
	}
	return nil
}

// TransferIn credits the account
func (l *Ledger) TransferIn(ctx context.Context, accountID uuid.UUID, from string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("invalid transfer amount: %d", amount)
	}

	var overflow bool
	err := l.store.write(ctx, func() func() {
		if l.store.balances[accountID] > math.MaxInt64-amount {
			overflow = true
			return nil
		}
		l.store.balances[accountID] += amount
		l.store.nextTransfer++
		id := l.store.nextTransfer
		l.store.transfers = append(l.store.transfers, Transfer{
			ID:           id,
			AccountID:    accountID,
			Direction:    TransferIn,
			Counterparty: from,
			Amount:       amount,
			At:           time.Now().UTC(),
		})
		return l.undo(id, accountID, -amount)
	})
	if err != nil {
		return err
	}
	if overflow {
		return repositories.ErrBalanceOverflow
	}
	return nil
}

// undo restores the balance and drops journal entry id
func (l *Ledger) undo(id int64, accountID uuid.UUID, delta int64) func() {
	return func() {
		l.store.balances[accountID] += delta
		for i := len(l.store.transfers) - 1; i >= 0; i-- {
			if l.store.transfers[i].ID == id {
				l.store.transfers = append(l.store.transfers[:i:i], l.store.transfers[i+1:]...)
				return
			}
		}
	}
}

// BalanceOf returns the spendable balance
func (l *Ledger) BalanceOf(ctx context.Context, accountID uuid.UUID) (int64, error) {
	l.store.mu.RLock()
	defer l.store.mu.RUnlock()
	return l.store.balances[accountID], nil
}

// Transfers returns a copy of the journal for one account
func (l *Ledger) Transfers(accountID uuid.UUID) []Transfer {
	l.store.mu.RLock()
	defer l.store.mu.RUnlock()

	var out []Transfer
	for _, t := range l.store.transfers {
		if t.AccountID == accountID {
			out = append(out, t)
		}
	}
	return out
}
