package wallet

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrNoKey no key material was supplied.
var ErrNoKey = errors.New("no private key configured")

// Signer is the external signing capability: order digests and transactions.
type Signer interface {
	Address() common.Address
	SignHash(hash []byte) ([]byte, error)
	SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// KeySigner signs with an in-memory secp256k1 key.
type KeySigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewKeySigner wraps an existing key.
func NewKeySigner(key *ecdsa.PrivateKey) *KeySigner {
	return &KeySigner{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}
}

// ParseKey accepts a hex private key with or without 0x prefix.
func ParseKey(hexKey string) (*KeySigner, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if hexKey == "" {
		return nil, ErrNoKey
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return NewKeySigner(key), nil
}

// FromEnv reads the first non-empty variable among names, e.g. MAKER_PRIVATE_KEY then PRIVATE_KEY.
func FromEnv(names ...string) (*KeySigner, error) {
	for _, name := range names {
		if v := os.Getenv(name); v != "" {
			signer, err := ParseKey(v)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", name, err)
			}
			return signer, nil
		}
	}
	return nil, fmt.Errorf("%w (set one of %s)", ErrNoKey, strings.Join(names, ", "))
}

func (s *KeySigner) Address() common.Address {
	return s.address
}

// SignHash returns r||s||v with v in {0,1}.
func (s *KeySigner) SignHash(hash []byte) ([]byte, error) {
	return crypto.Sign(hash, s.key)
}

// SignTx signs a legacy transaction with the EIP-155 signer.
func (s *KeySigner) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	signed, err := types.SignTx(tx, types.NewEIP155Signer(chainID), s.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}
	return signed, nil
}
