package repository

import (
	"context"
	"sort"
	"strings"
	"sync"

	"stablepay-backend/internal/models"
)

// memoryPaymentRepository keeps payments in process memory. Records are
// copied on the way in and out so callers never share state with the store.
type memoryPaymentRepository struct {
	mu       sync.RWMutex
	payments map[string]*models.Payment
	byTxHash map[string]string
}

// NewMemoryPaymentRepository creates an empty in-memory PaymentRepository
func NewMemoryPaymentRepository() PaymentRepository {
	return &memoryPaymentRepository{
		payments: make(map[string]*models.Payment),
		byTxHash: make(map[string]string),
	}
}

func (r *memoryPaymentRepository) Create(ctx context.Context, payment *models.Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.payments[payment.ID]; exists {
		return ErrDuplicate
	}
	hash := strings.ToLower(payment.TxHash)
	if hash != "" {
		if _, exists := r.byTxHash[hash]; exists {
			return ErrDuplicate
		}
		r.byTxHash[hash] = payment.ID
	}
	r.payments[payment.ID] = payment.Clone()
	return nil
}

func (r *memoryPaymentRepository) GetByID(ctx context.Context, id string) (*models.Payment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	payment, ok := r.payments[id]
	if !ok {
		return nil, ErrNotFound
	}
	return payment.Clone(), nil
}

func (r *memoryPaymentRepository) GetByTxHash(ctx context.Context, txHash string) (*models.Payment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byTxHash[strings.ToLower(txHash)]
	if !ok {
		return nil, ErrNotFound
	}
	return r.payments[id].Clone(), nil
}

func (r *memoryPaymentRepository) Update(ctx context.Context, payment *models.Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.payments[payment.ID]
	if !ok {
		return ErrNotFound
	}
	updated := payment.Clone()
	updated.CreatedAt = existing.CreatedAt
	if oldHash := strings.ToLower(existing.TxHash); oldHash != strings.ToLower(updated.TxHash) {
		delete(r.byTxHash, oldHash)
		if updated.TxHash != "" {
			r.byTxHash[strings.ToLower(updated.TxHash)] = updated.ID
		}
	}
	r.payments[payment.ID] = updated
	return nil
}

func (r *memoryPaymentRepository) List(ctx context.Context, filter PaymentFilter) ([]*models.Payment, error) {
	r.mu.RLock()
	matched := make([]*models.Payment, 0, len(r.payments))
	for _, p := range r.payments {
		if filter.Status != "" && p.Status != filter.Status {
			continue
		}
		if filter.Stablecoin != "" && !strings.EqualFold(p.Stablecoin, filter.Stablecoin) {
			continue
		}
		if filter.NeedsReconciliation != nil && p.NeedsReconciliation != *filter.NeedsReconciliation {
			continue
		}
		matched = append(matched, p.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return []*models.Payment{}, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

func (r *memoryPaymentRepository) Stats(ctx context.Context) (*models.PaymentStats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	acc := newStatsAccumulator()
	for _, p := range r.payments {
		acc.add(p.Status, p.AmountUSD, p.NeedsReconciliation)
	}
	return acc.result(), nil
}
