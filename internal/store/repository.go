package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"castswap/internal/metrics"
	"castswap/internal/order"
)

const maxListLimit = 200

// ErrNotFound no record matched.
var ErrNotFound = errors.New("record not found")

// Repository is the order ledger.
type Repository interface {
	SaveOrder(ctx context.Context, rec *OrderRecord) error
	GetOrder(ctx context.Context, id string) (*OrderRecord, error)
	FindOrder(ctx context.Context, chainID uint64, signer, nonce string) (*OrderRecord, error)
	ListBySigner(ctx context.Context, signer string, limit int) ([]*OrderRecord, error)
	ListOpen(ctx context.Context, chainID uint64, now time.Time, limit int) ([]*OrderRecord, error)
	UpdateStatus(ctx context.Context, id, status string) error
	RecordSettlement(ctx context.Context, rec *SettlementRecord) error
	Settlements(ctx context.Context, orderID string) ([]*SettlementRecord, error)
}

type repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

// SaveOrder inserts rec. Republishing the same (chain, signer, nonce) is ignored.
func (r *repository) SaveOrder(ctx context.Context, rec *OrderRecord) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "chain_id"}, {Name: "signer"}, {Name: "nonce"}},
			DoNothing: true,
		}).
		Create(rec).Error
	if err != nil {
		return fmt.Errorf("failed to save order: %w", err)
	}
	return nil
}

func (r *repository) GetOrder(ctx context.Context, id string) (*OrderRecord, error) {
	var rec OrderRecord
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error; err != nil {
		return nil, notFound(err)
	}
	return &rec, nil
}

func (r *repository) FindOrder(ctx context.Context, chainID uint64, signer, nonce string) (*OrderRecord, error) {
	var rec OrderRecord
	err := r.db.WithContext(ctx).
		Where("chain_id = ? AND signer = ? AND nonce = ?", chainID, NormalizeAddress(signer), nonce).
		First(&rec).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &rec, nil
}

// ListBySigner returns the signer's orders, newest first.
func (r *repository) ListBySigner(ctx context.Context, signer string, limit int) ([]*OrderRecord, error) {
	var recs []*OrderRecord
	err := r.db.WithContext(ctx).
		Where("signer = ?", NormalizeAddress(signer)).
		Order("created_at DESC").
		Limit(clampLimit(limit)).
		Find(&recs).Error
	return recs, err
}

// ListOpen returns unexpired open orders of a chain, soonest expiry first.
func (r *repository) ListOpen(ctx context.Context, chainID uint64, now time.Time, limit int) ([]*OrderRecord, error) {
	var recs []*OrderRecord
	err := r.db.WithContext(ctx).
		Where("chain_id = ? AND status = ? AND expiry > ?", chainID, StatusOpen, now.UTC()).
		Order("expiry ASC").
		Limit(clampLimit(limit)).
		Find(&recs).Error
	return recs, err
}

func (r *repository) UpdateStatus(ctx context.Context, id, status string) error {
	result := r.db.WithContext(ctx).Model(&OrderRecord{}).Where("id = ?", id).Update("status", status)
	if result.Error != nil {
		return fmt.Errorf("failed to update order status: %w", result.Error)
	}
	return nil
}

func (r *repository) RecordSettlement(ctx context.Context, rec *SettlementRecord) error {
	if err := r.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("failed to record settlement: %w", err)
	}
	return nil
}

func (r *repository) Settlements(ctx context.Context, orderID string) ([]*SettlementRecord, error) {
	var recs []*SettlementRecord
	err := r.db.WithContext(ctx).Where("order_id = ?", orderID).Order("created_at ASC").Find(&recs).Error
	return recs, err
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// Recorder is a publisher that writes each published order to the ledger.
type Recorder struct {
	Repo   Repository
	Source string
}

func (r *Recorder) Publish(ctx context.Context, o *order.Order, compressed string) error {
	if err := r.Repo.SaveOrder(ctx, NewOrderRecord(o, compressed, r.Source)); err != nil {
		return err
	}
	metrics.PublishedOrders.WithLabelValues("ledger").Inc()
	return nil
}
