package conversion

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

var (
	ErrConversionNotFound = errors.New("conversion not found")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrDuplicateKey       = errors.New("duplicate idempotency key")
)

type Ledger interface {
	InsertConversion(ctx context.Context, c *Conversion) error
	FindByIdempotencyKey(ctx context.Context, houseID string, key string) (*Conversion, error)
	InsertClick(ctx context.Context, c *Click) error
	TotalsByAffiliate(ctx context.Context, userID string, from, to time.Time) ([]AggregateRow, error)
	TotalsByHouse(ctx context.Context, houseID string, from, to time.Time) ([]AggregateRow, error)
	UpdateStatus(ctx context.Context, id string, status string) error
}

type LedgerRepositoryImpl struct {
	db *gorm.DB
}

func NewLedgerRepositoryImpl(db *gorm.DB) Ledger {
	return &LedgerRepositoryImpl{db: db}
}

func (r *LedgerRepositoryImpl) InsertConversion(ctx context.Context, c *Conversion) error {
	err := r.db.WithContext(ctx).Create(c).Error
	if err != nil && errors.Is(err, gorm.ErrDuplicatedKey) {
		// concurrent replay lost the race against the unique index
		return ErrDuplicateKey
	}
	return err
}

func (r *LedgerRepositoryImpl) FindByIdempotencyKey(ctx context.Context, houseID string, key string) (*Conversion, error) {
	var c Conversion
	err := r.db.WithContext(ctx).
		Where("house_id = ? AND idempotency_key = ?", houseID, key).
		First(&c).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

func (r *LedgerRepositoryImpl) InsertClick(ctx context.Context, c *Click) error {
	return r.db.WithContext(ctx).Create(c).Error
}

const aggregateSelect = "type, count(*) as count, " +
	"coalesce(sum(amount), 0) as amount, " +
	"coalesce(sum(commission), 0) as commission, " +
	"coalesce(sum(master_commission), 0) as master_commission"

func (r *LedgerRepositoryImpl) TotalsByAffiliate(ctx context.Context, userID string, from, to time.Time) ([]AggregateRow, error) {
	var rows []AggregateRow
	err := r.db.WithContext(ctx).Model(&Conversion{}).
		Select(aggregateSelect).
		Where("user_id = ? AND created_at >= ? AND created_at < ?", userID, from, to).
		Group("type").
		Scan(&rows).Error
	return rows, err
}

func (r *LedgerRepositoryImpl) TotalsByHouse(ctx context.Context, houseID string, from, to time.Time) ([]AggregateRow, error) {
	var rows []AggregateRow
	err := r.db.WithContext(ctx).Model(&Conversion{}).
		Select(aggregateSelect).
		Where("house_id = ? AND created_at >= ? AND created_at < ?", houseID, from, to).
		Group("type").
		Scan(&rows).Error
	return rows, err
}

// UpdateStatus moves a pending conversion to approved or failed. The ledger
// only exposes the transition; deciding when it happens belongs to the payout
// workflow.
func (r *LedgerRepositoryImpl) UpdateStatus(ctx context.Context, id string, status string) error {
	if status != StatusApproved && status != StatusFailed {
		return ErrInvalidTransition
	}
	result := r.db.WithContext(ctx).Model(&Conversion{}).
		Where("id = ? AND status = ?", id, StatusPending).
		Update("status", status)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		var c Conversion
		err := r.db.WithContext(ctx).Where("id = ?", id).First(&c).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrConversionNotFound
		}
		if err != nil {
			return err
		}
		return ErrInvalidTransition
	}
	return nil
}
