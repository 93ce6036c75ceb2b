package check

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"castswap/internal/chain"
	"castswap/internal/fees"
	"castswap/internal/metrics"
	"castswap/internal/order"
	"castswap/internal/rpc"
)

// ChainReader is the read side of the chain the engine needs. *chain.Reader satisfies it.
type ChainReader interface {
	NonceUsed(ctx context.Context, settlement, signer common.Address, nonce *big.Int) (bool, error)
	ProtocolFee(ctx context.Context, settlement common.Address) (uint64, error)
	ContractCheck(ctx context.Context, settlement, senderWallet common.Address, o *order.Order) ([]string, error)
	ReadLeg(ctx context.Context, p order.Party, owner, spender common.Address) (*chain.TokenRead, error)
	NativeBalance(ctx context.Context, wallet common.Address) (*big.Int, error)
	IsApprovedForAll(ctx context.Context, token, owner, operator common.Address) (bool, error)
}

// LegStatus is one leg's balance and approval measured against what settlement will pull.
type LegStatus struct {
	Wallet     common.Address `json:"wallet"`
	Token      common.Address `json:"token"`
	Kind       order.Kind     `json:"kind"`
	Symbol     string         `json:"symbol"`
	Decimals   uint8          `json:"decimals"`
	Balance    *big.Int       `json:"balance"`
	Allowance  *big.Int       `json:"allowance"`
	Required   *big.Int       `json:"required"`
	OwnerMatch bool           `json:"ownerMatch"`
	BalanceOK  bool           `json:"balanceOk"`
	ApprovalOK bool           `json:"approvalOk"`
	Source     rpc.Source     `json:"source"`
	// Degraded is set when the leg could not be read and the fields hold defaults.
	Degraded bool `json:"degraded,omitempty"`
}

// Result is a snapshot of an order's validity against live chain state.
// It is stale after any state-changing transaction.
type Result struct {
	CheckedAt           time.Time      `json:"checkedAt"`
	Viewer              common.Address `json:"viewer"`
	Open                bool           `json:"open"`
	ViewerIsSender      bool           `json:"viewerIsSender"`
	LiveFee             uint64         `json:"liveFee"`
	NonceUsed           bool           `json:"nonceUsed"`
	ProtocolFeeAmount   *big.Int       `json:"protocolFeeAmount"`
	RequiredSenderTotal *big.Int       `json:"requiredSenderTotal"`
	Signer              LegStatus      `json:"signer"`
	Sender              LegStatus      `json:"sender"`
	NativeBalance       *big.Int       `json:"nativeBalance"`
	WrapEligible        bool           `json:"wrapEligible"`
	WrapShortfall       *big.Int       `json:"wrapShortfall"`
	ContractErrors      []string       `json:"contractErrors"`
	NFTApprovalFallback bool           `json:"nftApprovalFallback"`
	// ContractCheckDegraded is set when the contract-level check could not be read; ContractErrors
	// is then unknown rather than empty.
	ContractCheckDegraded bool `json:"contractCheckDegraded,omitempty"`
}

// Ready reports whether settlement can be submitted by the viewer as things stand.
func (r *Result) Ready() bool {
	return r.ViewerIsSender &&
		r.Sender.BalanceOK && r.Sender.ApprovalOK &&
		r.Signer.BalanceOK && r.Signer.ApprovalOK &&
		len(r.ContractErrors) == 0 && !r.ContractCheckDegraded
}

// Engine runs preflight checks.
type Engine struct {
	reader        ChainReader
	wrappedNative common.Address
	now           func() time.Time
	log           *logrus.Entry
}

type Option func(*Engine)

// WithClock replaces time.Now, for expiry decisions.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine builds an engine. wrappedNative may be zero when the network has no wrapped token.
func NewEngine(reader ChainReader, wrappedNative common.Address, logger *logrus.Logger, opts ...Option) *Engine {
	e := &Engine{
		reader:        reader,
		wrappedNative: wrappedNative,
		now:           time.Now,
		log:           logger.WithField("component", "check"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Check validates o for viewer. Expired, already taken, fee mismatch and bad signatures are
// returned as *TerminalError. Infrastructure failures on the terminal lookups are returned as
// is, since the order cannot be judged without them. Everything after that degrades per field.
func (e *Engine) Check(ctx context.Context, o *order.Order, viewer common.Address) (*Result, error) {
	res, err := e.check(ctx, o, viewer)
	metrics.Checks.WithLabelValues(Outcome(res, err)).Inc()
	return res, err
}

func (e *Engine) check(ctx context.Context, o *order.Order, viewer common.Address) (*Result, error) {
	now := e.now()
	log := e.log.WithFields(logrus.Fields{
		"signer": o.Signer.Wallet.Hex(),
		"nonce":  order.Int(o.Nonce).String(),
		"viewer": viewer.Hex(),
	})

	if o.Expiry <= uint64(now.Unix()) {
		return nil, terminal(ErrExpired, "expired at %s", time.Unix(int64(o.Expiry), 0).UTC().Format(time.RFC3339))
	}

	used, err := e.reader.NonceUsed(ctx, o.Settlement, o.Signer.Wallet, o.Nonce)
	if err != nil {
		return nil, err
	}
	if used {
		return nil, terminal(ErrAlreadyTaken, "nonce %s of %s is consumed", order.Int(o.Nonce), o.Signer.Wallet.Hex())
	}

	liveFee, err := e.reader.ProtocolFee(ctx, o.Settlement)
	if err != nil {
		return nil, err
	}
	if liveFee != o.ProtocolFee {
		return nil, terminal(ErrFeeMismatch, "order carries %d bps, contract charges %d bps", o.ProtocolFee, liveFee)
	}

	if err := order.Verify(o); err != nil {
		return nil, &TerminalError{Reason: ErrSignatureInvalid, Detail: strings.TrimPrefix(err.Error(), ErrSignatureInvalid.Error()+": ")}
	}

	res := &Result{
		CheckedAt:           now,
		Viewer:              viewer,
		Open:                o.IsOpen(),
		ViewerIsSender:      o.IsOpen() || viewer == o.Sender.Wallet,
		LiveFee:             liveFee,
		ProtocolFeeAmount:   fees.ProtocolFeeAmount(o.Sender.Amount, liveFee),
		RequiredSenderTotal: fees.SenderRequirement(o.Sender, liveFee),
		NativeBalance:       new(big.Int),
		WrapShortfall:       new(big.Int),
	}
	if o.Sender.Kind.IsNFT() {
		res.ProtocolFeeAmount = new(big.Int)
	}

	// the sender leg is read for whoever would send: the viewer on open orders, otherwise the
	// named sender so the display still reflects the real wallet
	senderWallet := o.Sender.Wallet
	if res.Open {
		senderWallet = viewer
	}

	var (
		mu           sync.Mutex
		signerRead   *chain.TokenRead
		senderRead   *chain.TokenRead
		nativeRead   *big.Int
		contractErrs []string
		checkFailed  bool
	)
	degrade := func(field string, err error) {
		log.WithError(err).WithField("field", field).Warn("⚠️ Read failed, field degraded to default")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		read, err := e.reader.ReadLeg(gctx, o.Signer, o.Signer.Wallet, o.Settlement)
		if err != nil {
			degrade("signer", err)
			return nil
		}
		mu.Lock()
		signerRead = read
		mu.Unlock()
		return nil
	})
	g.Go(func() error {
		read, err := e.reader.ReadLeg(gctx, o.Sender, senderWallet, o.Settlement)
		if err != nil {
			degrade("sender", err)
			return nil
		}
		mu.Lock()
		senderRead = read
		mu.Unlock()
		return nil
	})
	if e.isWrappedNative(o.Sender) {
		g.Go(func() error {
			bal, err := e.reader.NativeBalance(gctx, viewer)
			if err != nil {
				degrade("native", err)
				return nil
			}
			mu.Lock()
			nativeRead = bal
			mu.Unlock()
			return nil
		})
	}
	g.Go(func() error {
		codes, err := e.reader.ContractCheck(gctx, o.Settlement, senderWallet, o)
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			degrade("contract", err)
			checkFailed = true
			return nil
		}
		contractErrs = codes
		return nil
	})
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res.Signer = legStatus(o.Signer, o.Signer.Wallet, signerRead, fees.Quantity(o.Signer))
	res.Sender = legStatus(o.Sender, senderWallet, senderRead, res.RequiredSenderTotal)
	if nativeRead != nil {
		res.NativeBalance = nativeRead
	}
	res.ContractErrors = contractErrs
	if checkFailed {
		res.ContractErrors = nil
		res.ContractCheckDegraded = true
	}

	if !res.ViewerIsSender {
		res.Sender.BalanceOK = false
		res.Sender.ApprovalOK = false
	}

	if o.Signer.Kind.IsNFT() && hasSignerAllowanceError(res.ContractErrors) {
		approved, err := e.reader.IsApprovedForAll(ctx, o.Signer.Token, o.Signer.Wallet, o.Settlement)
		switch {
		case err != nil:
			degrade("isApprovedForAll", err)
		case approved:
			res.ContractErrors = withoutSignerAllowanceErrors(res.ContractErrors)
			res.NFTApprovalFallback = true
			res.Signer.ApprovalOK = true
		}
	}

	if res.ViewerIsSender && e.isWrappedNative(o.Sender) && !res.Sender.BalanceOK && !res.Sender.Degraded {
		shortfall := new(big.Int).Sub(res.RequiredSenderTotal, res.Sender.Balance)
		if shortfall.Sign() > 0 && res.NativeBalance.Cmp(shortfall) >= 0 {
			res.WrapEligible = true
			res.WrapShortfall = shortfall
		}
	}

	log.WithFields(logrus.Fields{
		"ready":           res.Ready(),
		"sender_balance":  res.Sender.BalanceOK,
		"sender_approval": res.Sender.ApprovalOK,
		"wrap_eligible":   res.WrapEligible,
		"contract_errors": len(res.ContractErrors),
		"contract_check":  !res.ContractCheckDegraded,
	}).Debug("Check complete")
	return res, nil
}

// Leg measures one party's balance and approval for spender against required.
// The maker flow uses it before signing.
func (e *Engine) Leg(ctx context.Context, p order.Party, owner, spender common.Address, required *big.Int) (*LegStatus, error) {
	read, err := e.reader.ReadLeg(ctx, p, owner, spender)
	if err != nil {
		return nil, err
	}
	status := legStatus(p, owner, read, required)
	return &status, nil
}

// LiveFee is the settlement contract's current protocol fee in basis points.
func (e *Engine) LiveFee(ctx context.Context, settlement common.Address) (uint64, error) {
	return e.reader.ProtocolFee(ctx, settlement)
}

// NativeBalance is the wallet's native currency balance.
func (e *Engine) NativeBalance(ctx context.Context, wallet common.Address) (*big.Int, error) {
	return e.reader.NativeBalance(ctx, wallet)
}

// WrappedNative is the network's wrapped native token, zero if none.
func (e *Engine) WrappedNative() common.Address {
	return e.wrappedNative
}

func (e *Engine) isWrappedNative(p order.Party) bool {
	return e.wrappedNative != (common.Address{}) && p.Kind == order.KindERC20 && p.Token == e.wrappedNative
}

func legStatus(p order.Party, owner common.Address, read *chain.TokenRead, required *big.Int) LegStatus {
	status := LegStatus{
		Wallet:    owner,
		Token:     p.Token,
		Kind:      p.Kind,
		Balance:   new(big.Int),
		Allowance: new(big.Int),
		Required:  order.Int(required),
	}
	if read == nil {
		status.Degraded = true
		return status
	}
	status.Symbol = read.Symbol
	status.Decimals = read.Decimals
	status.Balance = order.Int(read.Balance)
	status.Allowance = order.Int(read.Allowance)
	status.OwnerMatch = read.OwnerMatch
	status.Source = read.Source

	switch p.Kind {
	case order.KindERC721:
		status.BalanceOK = read.OwnerMatch
		status.ApprovalOK = status.Allowance.Sign() > 0
	case order.KindERC1155:
		status.BalanceOK = status.Balance.Cmp(status.Required) >= 0
		status.ApprovalOK = status.Allowance.Sign() > 0
	default:
		status.BalanceOK = status.Balance.Cmp(status.Required) >= 0
		status.ApprovalOK = status.Allowance.Cmp(status.Required) >= 0
	}
	return status
}

// isSignerAllowanceCode matches contract codes about the signer's approval, e.g. "SignerAllowanceLow".
func isSignerAllowanceCode(code string) bool {
	return strings.Contains(code, "Allowance") && !strings.HasPrefix(code, "Sender")
}

func hasSignerAllowanceError(codes []string) bool {
	for _, c := range codes {
		if isSignerAllowanceCode(c) {
			return true
		}
	}
	return false
}

func withoutSignerAllowanceErrors(codes []string) []string {
	kept := make([]string, 0, len(codes))
	for _, c := range codes {
		if !isSignerAllowanceCode(c) {
			kept = append(kept, c)
		}
	}
	return kept
}

// Outcome labels a check result: a terminal reason, "error", "ready" or "pending".
func Outcome(res *Result, err error) string {
	switch {
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrAlreadyTaken):
		return "taken"
	case errors.Is(err, ErrFeeMismatch):
		return "fee_mismatch"
	case errors.Is(err, ErrSignatureInvalid):
		return "signature_invalid"
	case err != nil:
		return "error"
	case res.Ready():
		return "ready"
	}
	return "pending"
}
