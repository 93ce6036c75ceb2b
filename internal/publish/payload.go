// Package publish distributes signed orders: payload files, plain payload lines and NATS.
package publish

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"castswap/internal/order"
)

const payloadVersion = 1

// Leg is the human-readable side of a party, for payload metadata.
type Leg struct {
	Token       common.Address `json:"token"`
	Symbol      string         `json:"symbol,omitempty"`
	Decimals    uint8          `json:"decimals"`
	Kind        string         `json:"kind"`
	Description string         `json:"description"`
}

// Metadata travels with the order but is not signed; consumers must not trust it for amounts.
type Metadata struct {
	Network   string    `json:"network"`
	ChainID   uint64    `json:"chainId"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	Signer    Leg       `json:"signer"`
	Sender    Leg       `json:"sender"`
	Explorer  string    `json:"explorer,omitempty"`
}

// Payload is the maker's output file: the signed order, its wire form and metadata.
type Payload struct {
	Version    int          `json:"version"`
	Order      *order.Order `json:"order"`
	Compressed string       `json:"compressed"`
	Line       string       `json:"line"`
	Metadata   Metadata     `json:"metadata"`
}

// NewPayload assembles a payload for a signed order.
func NewPayload(o *order.Order, compressed string, meta Metadata) *Payload {
	if meta.ChainID == 0 {
		meta.ChainID = o.ChainID
	}
	if meta.ExpiresAt.IsZero() {
		meta.ExpiresAt = time.Unix(int64(o.Expiry), 0).UTC()
	}
	return &Payload{
		Version:    payloadVersion,
		Order:      o,
		Compressed: compressed,
		Line:       order.PayloadLine(compressed),
		Metadata:   meta,
	}
}

// WriteFile stores p as indented JSON, creating parent directories.
func WriteFile(path string, p *Payload) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create payload directory: %w", err)
		}
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to write payload: %w", err)
	}
	return nil
}

// ReadFile loads a payload and returns the order decoded from its compressed form, which is
// authoritative over the JSON copy.
func ReadFile(path string) (*Payload, *order.Order, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read payload: %w", err)
	}
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, nil, fmt.Errorf("%w: payload file: %v", order.ErrMalformedPayload, err)
	}
	o, err := order.Decode(p.Compressed)
	if err != nil {
		return nil, nil, err
	}
	return &p, o, nil
}
