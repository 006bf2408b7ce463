package repository

import (
	"context"
	"errors"
	"math/big"
	"strings"

	"stablepay-backend/internal/models"

	"gorm.io/gorm"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("record already exists")
)

// PaymentFilter narrows List results. Zero values match everything.
type PaymentFilter struct {
	Status              models.PaymentStatus
	Stablecoin          string
	NeedsReconciliation *bool
	Limit               int
	Offset              int
}

// PaymentRepository defines the interface for Payment data access
type PaymentRepository interface {
	Create(ctx context.Context, payment *models.Payment) error
	GetByID(ctx context.Context, id string) (*models.Payment, error)
	GetByTxHash(ctx context.Context, txHash string) (*models.Payment, error)
	Update(ctx context.Context, payment *models.Payment) error

	// List returns payments newest first.
	List(ctx context.Context, filter PaymentFilter) ([]*models.Payment, error)
	Stats(ctx context.Context) (*models.PaymentStats, error)
}

// paymentRepository implements PaymentRepository on gorm
type paymentRepository struct {
	db *gorm.DB
}

// NewPaymentRepository creates a new gorm-backed PaymentRepository
func NewPaymentRepository(db *gorm.DB) PaymentRepository {
	return &paymentRepository{db: db}
}

func (r *paymentRepository) Create(ctx context.Context, payment *models.Payment) error {
	err := r.db.WithContext(ctx).Create(payment).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicate
	}
	return err
}

func (r *paymentRepository) GetByID(ctx context.Context, id string) (*models.Payment, error) {
	var payment models.Payment
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&payment).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

func (r *paymentRepository) GetByTxHash(ctx context.Context, txHash string) (*models.Payment, error) {
	var payment models.Payment
	err := r.db.WithContext(ctx).Where("LOWER(tx_hash) = ?", strings.ToLower(txHash)).First(&payment).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

func (r *paymentRepository) Update(ctx context.Context, payment *models.Payment) error {
	result := r.db.WithContext(ctx).Model(&models.Payment{}).Where("id = ?", payment.ID).Select("*").Omit("created_at").Updates(payment)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *paymentRepository) List(ctx context.Context, filter PaymentFilter) ([]*models.Payment, error) {
	query := r.db.WithContext(ctx).Model(&models.Payment{})
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.Stablecoin != "" {
		query = query.Where("stablecoin = ?", strings.ToUpper(filter.Stablecoin))
	}
	if filter.NeedsReconciliation != nil {
		query = query.Where("needs_reconciliation = ?", *filter.NeedsReconciliation)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}

	var payments []*models.Payment
	if err := query.Order("created_at DESC").Find(&payments).Error; err != nil {
		return nil, err
	}
	return payments, nil
}

func (r *paymentRepository) Stats(ctx context.Context) (*models.PaymentStats, error) {
	var rows []struct {
		Status              models.PaymentStatus
		AmountUSD           string
		NeedsReconciliation bool
	}
	err := r.db.WithContext(ctx).Model(&models.Payment{}).
		Select("status, amount_usd, needs_reconciliation").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	acc := newStatsAccumulator()
	for _, row := range rows {
		acc.add(row.Status, row.AmountUSD, row.NeedsReconciliation)
	}
	return acc.result(), nil
}

// statsAccumulator sums USD volumes exactly.
type statsAccumulator struct {
	stats     models.PaymentStats
	total     *big.Rat
	confirmed *big.Rat
}

func newStatsAccumulator() *statsAccumulator {
	return &statsAccumulator{
		stats:     models.PaymentStats{ByStatus: make(map[string]int64)},
		total:     new(big.Rat),
		confirmed: new(big.Rat),
	}
}

func (a *statsAccumulator) add(status models.PaymentStatus, amountUSD string, needsReconciliation bool) {
	a.stats.Total++
	a.stats.ByStatus[string(status)]++
	if needsReconciliation {
		a.stats.NeedsReconciliation++
	}
	amount, ok := new(big.Rat).SetString(amountUSD)
	if !ok {
		return
	}
	a.total.Add(a.total, amount)
	if status == models.PaymentStatusConfirmed {
		a.confirmed.Add(a.confirmed, amount)
	}
}

func (a *statsAccumulator) result() *models.PaymentStats {
	a.stats.TotalVolumeUSD = a.total.FloatString(2)
	a.stats.ConfirmedVolumeUSD = a.confirmed.FloatString(2)
	if a.stats.Total > 0 {
		confirmed := a.stats.ByStatus[string(models.PaymentStatusConfirmed)]
		a.stats.SuccessRatePercentage = float64(confirmed) * 100 / float64(a.stats.Total)
	}
	return &a.stats
}
