package memory

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/upb/x402-guard/models"
	"github.com/upb/x402-guard/repositories"
)

// AccountRepository implements repositories.AccountRepository
type AccountRepository struct {
	store *Store
}

// Create inserts a new guarded account
func (r *AccountRepository) Create(ctx context.Context, account *models.GuardedAccount) error {
	var dup bool
	err := r.store.write(ctx, func() func() {
		if _, ok := r.store.accounts[account.ID]; ok {
			dup = true
			return nil
		}
		r.store.accounts[account.ID] = account.Clone()
		r.store.order = append(r.store.order, account.ID)
		id := account.ID
		return func() {
			delete(r.store.accounts, id)
			r.store.order = removeID(r.store.order, id)
		}
	})
	if err != nil {
		return err
	}
	if dup {
		return fmt.Errorf("failed to create guarded account: duplicate id %s", account.ID)
	}
	return nil
}

// GetByID retrieves an account
func (r *AccountRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.GuardedAccount, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	acct, ok := r.store.accounts[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	return acct.Clone(), nil
}

// GetForUpdate is GetByID; row locking is provided by the account lock
func (r *AccountRepository) GetForUpdate(ctx context.Context, id uuid.UUID) (*models.GuardedAccount, error) {
	return r.GetByID(ctx, id)
}

// Update replaces the stored account
func (r *AccountRepository) Update(ctx context.Context, account *models.GuardedAccount) error {
	var missing bool
	err := r.store.write(ctx, func() func() {
		prev, ok := r.store.accounts[account.ID]
		if !ok {
			missing = true
			return nil
		}
		next := account.Clone()
		next.UpdatedAt = time.Now().UTC()
		r.store.accounts[account.ID] = next
		return func() { r.store.accounts[prev.ID] = prev }
	})
	if err != nil {
		return err
	}
	if missing {
		return repositories.ErrNotFound
	}
	return nil
}

// ListByOwner retrieves every account administered by owner
func (r *AccountRepository) ListByOwner(ctx context.Context, owner string) ([]*models.GuardedAccount, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var out []*models.GuardedAccount
	for _, id := range r.store.order {
		if acct := r.store.accounts[id]; acct.Owner == owner {
			out = append(out, acct.Clone())
		}
	}
	return out, nil
}

// List retrieves accounts in creation order
func (r *AccountRepository) List(ctx context.Context, limit, offset int) ([]*models.GuardedAccount, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	lo, hi := page(len(r.store.order), limit, offset)
	out := make([]*models.GuardedAccount, 0, hi-lo)
	for _, id := range r.store.order[lo:hi] {
		out = append(out, r.store.accounts[id].Clone())
	}
	return out, nil
}

// Count returns the number of accounts
func (r *AccountRepository) Count(ctx context.Context) (int64, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	return int64(len(r.store.order)), nil
}

// EndpointRepository implements repositories.EndpointRepository
type EndpointRepository struct {
	store *Store
}

// Set records the membership flag
func (r *EndpointRepository) Set(ctx context.Context, accountID uuid.UUID, endpoint models.EndpointID, allowed bool) error {
	return r.store.write(ctx, func() func() {
		set, ok := r.store.endpoints[accountID]
		if !ok {
			set = make(map[models.EndpointID]bool)
			r.store.endpoints[accountID] = set
		}
		prev, existed := set[endpoint]
		set[endpoint] = allowed
		return func() {
			if existed {
				set[endpoint] = prev
			} else {
				delete(set, endpoint)
			}
		}
	})
}

// IsAllowed reports the membership flag
func (r *EndpointRepository) IsAllowed(ctx context.Context, accountID uuid.UUID, endpoint models.EndpointID) (bool, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	return r.store.endpoints[accountID][endpoint], nil
}

// List returns explicitly configured endpoints ordered by id
func (r *EndpointRepository) List(ctx context.Context, accountID uuid.UUID) ([]models.EndpointEntry, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	set := r.store.endpoints[accountID]
	out := make([]models.EndpointEntry, 0, len(set))
	for id, allowed := range set {
		out = append(out, models.EndpointEntry{EndpointID: id, Allowed: allowed})
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].EndpointID[:], out[j].EndpointID[:]) < 0
	})
	return out, nil
}

// PendingPaymentRepository implements repositories.PendingPaymentRepository
type PendingPaymentRepository struct {
	store *Store
}

// Append assigns the next index and stores the entry
func (r *PendingPaymentRepository) Append(ctx context.Context, payment *models.PendingPayment) error {
	return r.store.write(ctx, func() func() {
		queue := r.store.pending[payment.AccountID]
		payment.ID = int64(len(queue))
		stored := *payment
		r.store.pending[payment.AccountID] = append(queue, &stored)
		accountID := payment.AccountID
		return func() {
			q := r.store.pending[accountID]
			r.store.pending[accountID] = q[:len(q)-1]
		}
	})
}

// Get retrieves an entry by index
func (r *PendingPaymentRepository) Get(ctx context.Context, accountID uuid.UUID, id int64) (*models.PendingPayment, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	queue := r.store.pending[accountID]
	if id < 0 || id >= int64(len(queue)) {
		return nil, repositories.ErrNotFound
	}
	p := *queue[id]
	return &p, nil
}

// Update persists the resolution of an entry
func (r *PendingPaymentRepository) Update(ctx context.Context, payment *models.PendingPayment) error {
	var missing bool
	err := r.store.write(ctx, func() func() {
		queue := r.store.pending[payment.AccountID]
		if payment.ID < 0 || payment.ID >= int64(len(queue)) {
			missing = true
			return nil
		}
		prev := queue[payment.ID]
		next := *payment
		queue[payment.ID] = &next
		accountID := payment.AccountID
		return func() { r.store.pending[accountID][prev.ID] = prev }
	})
	if err != nil {
		return err
	}
	if missing {
		return repositories.ErrNotFound
	}
	return nil
}

// ListByAccount retrieves entries in index order
func (r *PendingPaymentRepository) ListByAccount(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]*models.PendingPayment, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	queue := r.store.pending[accountID]
	lo, hi := page(len(queue), limit, offset)
	out := make([]*models.PendingPayment, 0, hi-lo)
	for _, p := range queue[lo:hi] {
		c := *p
		out = append(out, &c)
	}
	return out, nil
}

// AuditRepository implements repositories.AuditRepository
type AuditRepository struct {
	store *Store
}

// Insert appends an audit entry
func (r *AuditRepository) Insert(ctx context.Context, log *models.AuditLog) error {
	return r.store.write(ctx, func() func() {
		stored := *log
		r.store.audit[log.AccountID] = append(r.store.audit[log.AccountID], &stored)
		accountID := log.AccountID
		return func() {
			entries := r.store.audit[accountID]
			for i := len(entries) - 1; i >= 0; i-- {
				if entries[i] == &stored {
					r.store.audit[accountID] = append(entries[:i:i], entries[i+1:]...)
					return
				}
			}
		}
	})
}

// ListByAccount retrieves audit entries oldest first
func (r *AuditRepository) ListByAccount(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]*models.AuditLog, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	entries := r.store.audit[accountID]
	lo, hi := page(len(entries), limit, offset)
	out := make([]*models.AuditLog, 0, hi-lo)
	for _, e := range entries[lo:hi] {
		c := *e
		out = append(out, &c)
	}
	return out, nil
}

func removeID(ids []uuid.UUID, id uuid.UUID) []uuid.UUID {
	for i := len(ids) - 1; i >= 0; i-- {
		if ids[i] == id {
			return append(ids[:i:i], ids[i+1:]...)
		}
	}
	return ids
}

// page clamps limit/offset to [0, n]. A non-positive limit means no limit.
func page(n, limit, offset int) (int, int) {
	if offset < 0 {
		offset = 0
	}
	if offset > n {
		offset = n
	}
	end := n
	if limit > 0 && offset+limit < n {
		end = offset + limit
	}
	return offset, end
}
