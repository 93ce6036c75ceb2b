package swap

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"castswap/internal/check"
	"castswap/internal/fees"
	"castswap/internal/order"
)

// Publisher hands a signed order to a distribution channel.
type Publisher interface {
	Publish(ctx context.Context, o *order.Order, compressed string) error
}

// MakerParams is the order a maker wants to sign. The signer wallet and protocol fee are
// filled in from the writer and the live contract.
type MakerParams struct {
	ChainID         uint64
	Settlement      common.Address
	Signer          order.Party
	Sender          order.Party
	Nonce           *big.Int
	Expiry          time.Time
	AffiliateWallet common.Address
	AffiliateAmount *big.Int
}

// Maker prepares the signer leg, signs and publishes.
type Maker struct {
	runner
	checker    Checker
	signer     order.HashSigner
	publisher  Publisher
	params     MakerParams
	order      *order.Order
	compressed string
}

// NewMaker starts in Idle. publisher may be nil when the caller distributes the result itself.
func NewMaker(params MakerParams, checker Checker, writer ChainWriter, signer order.HashSigner, publisher Publisher, opts Options) *Maker {
	params.Signer.Wallet = writer.Address()
	return &Maker{
		runner:    newRunner(StateIdle, writer, opts, "maker"),
		checker:   checker,
		signer:    signer,
		publisher: publisher,
		params:    params,
	}
}

// Order returns the signed order and its compressed form once published.
func (m *Maker) Order() (*order.Order, string) {
	return m.order, m.compressed
}

// Run takes the maker from Idle to Published. Recoverable errors leave the state in place.
func (m *Maker) Run(ctx context.Context) error {
	release, err := m.machine.begin()
	if err != nil {
		return err
	}
	defer release()

	switch m.machine.State() {
	case StatePublished:
		return nil
	case StateFailed:
		return m.machine.Reason()
	}
	if _, err := m.resume(ctx); err != nil {
		return err
	}
	if m.machine.State() == StateSigning && m.order != nil {
		return m.publish(ctx)
	}

	p := m.params
	required := fees.Quantity(p.Signer)
	leg, err := m.checker.Leg(ctx, p.Signer, p.Signer.Wallet, p.Settlement, required)
	if err != nil {
		return err
	}

	var shortfall *big.Int
	if !leg.BalanceOK {
		shortfall, err = m.wrapShortfall(ctx, leg)
		if err != nil {
			return err
		}
	}

	if !leg.ApprovalOK {
		step := Step{
			From:   m.machine.State(),
			To:     StateApproving,
			Action: "approve",
			Amount: required,
			Detail: fmt.Sprintf("approve %s for settlement %s", fees.Describe(p.Signer, leg.Symbol, leg.Decimals), p.Settlement.Hex()),
		}
		if err := m.submit(ctx, step, func(ctx context.Context) (common.Hash, error) {
			return m.writer.Approve(ctx, p.Signer, p.Settlement, required)
		}); err != nil {
			return err
		}
	}

	if shortfall != nil {
		step := Step{
			From:   m.machine.State(),
			To:     StateWrapping,
			Action: "wrap",
			Amount: shortfall,
			Detail: fmt.Sprintf("wrap %s native into %s", fees.FormatUnits(shortfall, leg.Decimals), leg.Symbol),
		}
		if err := m.submit(ctx, step, func(ctx context.Context) (common.Hash, error) {
			return m.writer.Wrap(ctx, p.Signer.Token, shortfall)
		}); err != nil {
			return err
		}
	}

	if err := m.sign(ctx); err != nil {
		return err
	}
	return m.publish(ctx)
}

// wrapShortfall decides whether a low balance of the wrapped native token can be covered from
// native currency; anything else is insufficient funds.
func (m *Maker) wrapShortfall(ctx context.Context, leg *check.LegStatus) (*big.Int, error) {
	p := m.params.Signer
	wrapped := m.checker.WrappedNative()
	shortfall := new(big.Int).Sub(leg.Required, leg.Balance)
	if p.Kind != order.KindERC20 || wrapped == (common.Address{}) || p.Token != wrapped {
		return nil, fmt.Errorf("%w: need %s, hold %s", ErrInsufficientFunds, leg.Required, leg.Balance)
	}
	native, err := m.checker.NativeBalance(ctx, p.Wallet)
	if err != nil {
		return nil, err
	}
	if native.Cmp(shortfall) < 0 {
		return nil, fmt.Errorf("%w: need %s more, native balance %s", ErrInsufficientFunds, shortfall, native)
	}
	return shortfall, nil
}

func (m *Maker) sign(ctx context.Context) error {
	if err := m.machine.Transition(StateSigning); err != nil {
		return err
	}
	p := m.params
	fee, err := m.checker.LiveFee(ctx, p.Settlement)
	if err != nil {
		return err
	}
	o := &order.Order{
		ChainID:         p.ChainID,
		Settlement:      p.Settlement,
		Nonce:           order.Int(p.Nonce),
		Expiry:          uint64(p.Expiry.Unix()),
		ProtocolFee:     fee,
		Signer:          p.Signer,
		Sender:          p.Sender,
		AffiliateWallet: p.AffiliateWallet,
		AffiliateAmount: order.Int(p.AffiliateAmount),
	}
	if err := order.Sign(o, m.signer); err != nil {
		return err
	}
	compressed, err := order.Encode(o)
	if err != nil {
		return err
	}
	m.order, m.compressed = o, compressed
	m.log.WithFields(logrus.Fields{
		"nonce":  o.Nonce.String(),
		"expiry": p.Expiry.UTC().Format(time.RFC3339),
		"fee":    fee,
	}).Info("✅ order signed")
	return nil
}

func (m *Maker) publish(ctx context.Context) error {
	if m.publisher != nil {
		if err := m.publisher.Publish(ctx, m.order, m.compressed); err != nil {
			return fmt.Errorf("failed to publish order: %w", err)
		}
	}
	return m.machine.Transition(StatePublished)
}
