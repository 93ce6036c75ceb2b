package store

import (
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"castswap/internal/order"
)

// Order status values
const (
	StatusOpen    = "open"
	StatusSettled = "settled"
	StatusTaken   = "taken"
	StatusExpired = "expired"
)

// OrderRecord is a published order. (chain, signer, nonce) identifies it; the compressed form
// is authoritative and the other columns exist for querying.
type OrderRecord struct {
	ID           string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	ChainID      uint64    `json:"chainId" gorm:"not null;uniqueIndex:idx_order_nonce"`
	Signer       string    `json:"signer" gorm:"type:varchar(42);not null;uniqueIndex:idx_order_nonce;index"`
	Nonce        string    `json:"nonce" gorm:"type:varchar(78);not null;uniqueIndex:idx_order_nonce"`
	Settlement   string    `json:"settlement" gorm:"type:varchar(42);not null"`
	Expiry       time.Time `json:"expiry" gorm:"index"`
	ProtocolFee  uint64    `json:"protocolFee"`
	SignerToken  string    `json:"signerToken" gorm:"type:varchar(42)"`
	SignerKind   string    `json:"signerKind" gorm:"type:varchar(10)"`
	SignerID     string    `json:"signerId" gorm:"type:varchar(78)"`
	SignerAmount string    `json:"signerAmount" gorm:"type:varchar(78)"`
	SenderWallet string    `json:"senderWallet" gorm:"type:varchar(42)"`
	SenderToken  string    `json:"senderToken" gorm:"type:varchar(42)"`
	SenderKind   string    `json:"senderKind" gorm:"type:varchar(10)"`
	SenderID     string    `json:"senderId" gorm:"type:varchar(78)"`
	SenderAmount string    `json:"senderAmount" gorm:"type:varchar(78)"`
	Compressed   string    `json:"compressed" gorm:"type:text;not null"`
	Source       string    `json:"source" gorm:"type:varchar(20)"`
	Status       string    `json:"status" gorm:"type:varchar(20);index;default:open"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

func (OrderRecord) TableName() string {
	return "castswap_orders"
}

// SettlementRecord is one transaction a taker or maker submitted for an order.
type SettlementRecord struct {
	ID        string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	OrderID   string    `json:"orderId" gorm:"type:varchar(36);index"`
	ChainID   uint64    `json:"chainId"`
	Wallet    string    `json:"wallet" gorm:"type:varchar(42);index"`
	Action    string    `json:"action" gorm:"type:varchar(20)"`
	TxHash    string    `json:"txHash" gorm:"type:varchar(66);uniqueIndex"`
	Block     uint64    `json:"block"`
	State     string    `json:"state" gorm:"type:varchar(20)"`
	Error     string    `json:"error,omitempty" gorm:"type:text"`
	CreatedAt time.Time `json:"createdAt"`
}

func (SettlementRecord) TableName() string {
	return "castswap_settlements"
}

// addr normalizes addresses to lowercase hex so lookups are case-insensitive.
func addr(a common.Address) string {
	return strings.ToLower(a.Hex())
}

// NormalizeAddress lowercases a hex address for queries; other input is returned trimmed.
func NormalizeAddress(s string) string {
	s = strings.TrimSpace(s)
	if common.IsHexAddress(s) {
		return addr(common.HexToAddress(s))
	}
	return s
}

// NewOrderRecord flattens a signed order for storage.
func NewOrderRecord(o *order.Order, compressed, source string) *OrderRecord {
	return &OrderRecord{
		ID:           uuid.NewString(),
		ChainID:      o.ChainID,
		Signer:       addr(o.Signer.Wallet),
		Nonce:        order.Int(o.Nonce).String(),
		Settlement:   addr(o.Settlement),
		Expiry:       time.Unix(int64(o.Expiry), 0).UTC(),
		ProtocolFee:  o.ProtocolFee,
		SignerToken:  addr(o.Signer.Token),
		SignerKind:   o.Signer.Kind.String(),
		SignerID:     order.Int(o.Signer.ID).String(),
		SignerAmount: order.Int(o.Signer.Amount).String(),
		SenderWallet: addr(o.Sender.Wallet),
		SenderToken:  addr(o.Sender.Token),
		SenderKind:   o.Sender.Kind.String(),
		SenderID:     order.Int(o.Sender.ID).String(),
		SenderAmount: order.Int(o.Sender.Amount).String(),
		Compressed:   compressed,
		Source:       source,
		Status:       StatusOpen,
	}
}

// Order decodes the stored wire form.
func (r *OrderRecord) Order() (*order.Order, error) {
	return order.Decode(r.Compressed)
}

// NewSettlementRecord records a confirmed or failed transaction.
func NewSettlementRecord(orderID string, chainID uint64, wallet common.Address, action string, tx common.Hash, block uint64, state string, err error) *SettlementRecord {
	rec := &SettlementRecord{
		ID:      uuid.NewString(),
		OrderID: orderID,
		ChainID: chainID,
		Wallet:  addr(wallet),
		Action:  action,
		TxHash:  tx.Hex(),
		Block:   block,
		State:   state,
	}
	if err != nil {
		rec.Error = err.Error()
	}
	return rec
}
