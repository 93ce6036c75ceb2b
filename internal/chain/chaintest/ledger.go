// Package chaintest provides an in-memory settlement ledger that stands in for the chain reader
// and writer in tests of the check engine, the state machine and the drivers built on them.
package chaintest

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"castswap/internal/chain"
	"castswap/internal/fees"
	"castswap/internal/order"
	"castswap/internal/rpc"
)

// Source is reported on every leg read served by the ledger.
var Source = rpc.Source{Endpoint: "memory", Mode: rpc.ModeBatch}

type token struct {
	symbol     string
	decimals   uint8
	kind       order.Kind
	balances   map[common.Address]*big.Int
	allowances map[common.Address]map[common.Address]*big.Int
	owners     map[string]common.Address                   // ERC721 id -> owner
	holdings   map[string]map[common.Address]*big.Int      // ERC1155 id -> owner -> amount
	operators  map[common.Address]map[common.Address]bool  // owner -> operator -> approved
}

// Tx is a transaction the ledger accepted.
type Tx struct {
	Hash   common.Hash
	From   common.Address
	Action string
}

// Ledger is a single settlement deployment with its tokens. Transactions take effect on
// submission; confirmation can be delayed to exercise timeouts.
type Ledger struct {
	ChainID    uint64
	Settlement common.Address
	FeeWallet  common.Address
	Wrapped    common.Address
	// CoarseNFTCheck makes ContractCheck report SignerAllowanceLow for every NFT signer leg,
	// the way per-token approval checks miss collection-level operator approval.
	CoarseNFTCheck bool
	Now            func() time.Time

	mu            sync.Mutex
	fee           uint64
	tokens        map[common.Address]*token
	native        map[common.Address]*big.Int
	nonces        map[common.Address]map[string]bool
	receipts      map[common.Hash]*types.Receipt
	txs           []Tx
	faults        map[string]error
	calls         map[string]int
	delayedWaits  int
	simulationErr error
}

// New creates an empty ledger charging feeBps.
func New(chainID uint64, settlement common.Address, feeBps uint64) *Ledger {
	return &Ledger{
		ChainID:    chainID,
		Settlement: settlement,
		FeeWallet:  common.HexToAddress("0x00000000000000000000000000000000000fee00"),
		Now:        time.Now,
		fee:        feeBps,
		tokens:     make(map[common.Address]*token),
		native:     make(map[common.Address]*big.Int),
		nonces:     make(map[common.Address]map[string]bool),
		receipts:   make(map[common.Hash]*types.Receipt),
		faults:     make(map[string]error),
		calls:      make(map[string]int),
	}
}

func newToken(symbol string, decimals uint8, kind order.Kind) *token {
	return &token{
		symbol:     symbol,
		decimals:   decimals,
		kind:       kind,
		balances:   make(map[common.Address]*big.Int),
		allowances: make(map[common.Address]map[common.Address]*big.Int),
		owners:     make(map[string]common.Address),
		holdings:   make(map[string]map[common.Address]*big.Int),
		operators:  make(map[common.Address]map[common.Address]bool),
	}
}

func (l *Ledger) AddERC20(addr common.Address, symbol string, decimals uint8) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tokens[addr] = newToken(symbol, decimals, order.KindERC20)
}

func (l *Ledger) AddERC721(addr common.Address, symbol string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tokens[addr] = newToken(symbol, 0, order.KindERC721)
}

func (l *Ledger) AddERC1155(addr common.Address, symbol string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tokens[addr] = newToken(symbol, 0, order.KindERC1155)
}

// SetFee changes the live protocol fee.
func (l *Ledger) SetFee(bps uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fee = bps
}

// Mint credits amount of an ERC20 token.
func (l *Ledger) Mint(tokenAddr, owner common.Address, amount *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t := l.mustToken(tokenAddr)
	t.balances[owner] = add(t.balances[owner], amount)
}

// MintNFT assigns an ERC721 id to owner.
func (l *Ledger) MintNFT(tokenAddr, owner common.Address, id *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.mustToken(tokenAddr).owners[id.String()] = owner
}

// Mint1155 credits amount of an ERC1155 id.
func (l *Ledger) Mint1155(tokenAddr, owner common.Address, id, amount *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t := l.mustToken(tokenAddr)
	if t.holdings[id.String()] == nil {
		t.holdings[id.String()] = make(map[common.Address]*big.Int)
	}
	t.holdings[id.String()][owner] = add(t.holdings[id.String()][owner], amount)
}

func (l *Ledger) SetNative(owner common.Address, amount *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.native[owner] = new(big.Int).Set(amount)
}

func (l *Ledger) SetAllowance(tokenAddr, owner, spender common.Address, amount *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.setAllowance(l.mustToken(tokenAddr), owner, spender, amount)
}

func (l *Ledger) SetApprovalForAll(tokenAddr, owner, operator common.Address, approved bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.setOperator(l.mustToken(tokenAddr), owner, operator, approved)
}

// UseNonce marks a nonce consumed as if another settlement took it.
func (l *Ledger) UseNonce(signer common.Address, nonce *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.useNonce(signer, nonce)
}

// Fail makes every call to method return err until cleared with a nil err.
func (l *Ledger) Fail(method string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err == nil {
		delete(l.faults, method)
		return
	}
	l.faults[method] = err
}

// DelayConfirmations makes the next n WaitConfirmed calls time out.
func (l *Ledger) DelayConfirmations(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.delayedWaits = n
}

// SimulateWith overrides the outcome of Simulate, e.g. with an inconclusive error.
func (l *Ledger) SimulateWith(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.simulationErr = err
}

// Calls is how many times method was invoked.
func (l *Ledger) Calls(method string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[method]
}

// Transactions lists accepted transactions in submission order.
func (l *Ledger) Transactions() []Tx {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Tx(nil), l.txs...)
}

// Balance is an ERC20 balance.
func (l *Ledger) Balance(tokenAddr, owner common.Address) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return order.Int(l.mustToken(tokenAddr).balances[owner])
}

func (l *Ledger) Allowance(tokenAddr, owner, spender common.Address) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return order.Int(l.mustToken(tokenAddr).allowances[owner][spender])
}

func (l *Ledger) OwnerOf(tokenAddr common.Address, id *big.Int) common.Address {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mustToken(tokenAddr).owners[id.String()]
}

func (l *Ledger) Native(owner common.Address) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return order.Int(l.native[owner])
}

// enter records a call and returns the injected fault for it. Callers hold l.mu.
func (l *Ledger) enter(method string) error {
	l.calls[method]++
	return l.faults[method]
}

func (l *Ledger) mustToken(addr common.Address) *token {
	t, ok := l.tokens[addr]
	if !ok {
		panic(fmt.Sprintf("chaintest: unknown token %s", addr.Hex()))
	}
	return t
}

func (l *Ledger) setAllowance(t *token, owner, spender common.Address, amount *big.Int) {
	if t.allowances[owner] == nil {
		t.allowances[owner] = make(map[common.Address]*big.Int)
	}
	t.allowances[owner][spender] = new(big.Int).Set(amount)
}

func (l *Ledger) setOperator(t *token, owner, operator common.Address, approved bool) {
	if t.operators[owner] == nil {
		t.operators[owner] = make(map[common.Address]bool)
	}
	t.operators[owner][operator] = approved
}

func (l *Ledger) useNonce(signer common.Address, nonce *big.Int) {
	if l.nonces[signer] == nil {
		l.nonces[signer] = make(map[string]bool)
	}
	l.nonces[signer][order.Int(nonce).String()] = true
}

func add(a, b *big.Int) *big.Int {
	return new(big.Int).Add(order.Int(a), order.Int(b))
}

// ---- reads ----

func (l *Ledger) NonceUsed(_ context.Context, _, signer common.Address, nonce *big.Int) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.enter("NonceUsed"); err != nil {
		return false, err
	}
	return l.nonces[signer][order.Int(nonce).String()], nil
}

func (l *Ledger) ProtocolFee(_ context.Context, _ common.Address) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.enter("ProtocolFee"); err != nil {
		return 0, err
	}
	return l.fee, nil
}

func (l *Ledger) NativeBalance(_ context.Context, wallet common.Address) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.enter("NativeBalance"); err != nil {
		return nil, err
	}
	return order.Int(l.native[wallet]), nil
}

func (l *Ledger) IsApprovedForAll(_ context.Context, tokenAddr, owner, operator common.Address) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.enter("IsApprovedForAll"); err != nil {
		return false, err
	}
	return l.mustToken(tokenAddr).operators[owner][operator], nil
}

func (l *Ledger) ReadLeg(_ context.Context, p order.Party, owner, spender common.Address) (*chain.TokenRead, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.enter("ReadLeg"); err != nil {
		return nil, err
	}
	t := l.mustToken(p.Token)
	read := &chain.TokenRead{
		Token:     p.Token,
		Owner:     owner,
		Spender:   spender,
		Kind:      t.kind,
		Symbol:    t.symbol,
		Decimals:  t.decimals,
		Balance:   l.balanceOf(t, p, owner),
		Allowance: l.allowanceOf(t, owner, spender),
		Source:    Source,
	}
	if t.kind == order.KindERC721 {
		read.OwnerMatch = read.Balance.Sign() > 0
	}
	return read, nil
}

// ReadToken reads an ERC20 token without an order leg.
func (l *Ledger) ReadToken(ctx context.Context, tokenAddr, owner, spender common.Address) (*chain.TokenRead, error) {
	return l.ReadLeg(ctx, order.Party{Token: tokenAddr, Kind: order.KindERC20}, owner, spender)
}

func (l *Ledger) balanceOf(t *token, p order.Party, owner common.Address) *big.Int {
	switch t.kind {
	case order.KindERC721:
		if t.owners[order.Int(p.ID).String()] == owner {
			return big.NewInt(1)
		}
		return new(big.Int)
	case order.KindERC1155:
		return order.Int(t.holdings[order.Int(p.ID).String()][owner])
	}
	return order.Int(t.balances[owner])
}

func (l *Ledger) allowanceOf(t *token, owner, spender common.Address) *big.Int {
	if t.kind.IsNFT() {
		if t.operators[owner][spender] {
			return new(big.Int).Set(chain.MaxUint256)
		}
		return new(big.Int)
	}
	return order.Int(t.allowances[owner][spender])
}

// ContractCheck mirrors the settlement contract's check(): every failing condition is reported.
func (l *Ledger) ContractCheck(_ context.Context, _, senderWallet common.Address, o *order.Order) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.enter("ContractCheck"); err != nil {
		return nil, err
	}
	codes := l.validate(o, senderWallet, false)
	if l.CoarseNFTCheck && o.Signer.Kind.IsNFT() && !contains(codes, "SignerAllowanceLow") {
		codes = append(codes, "SignerAllowanceLow")
	}
	return codes, nil
}

func contains(codes []string, code string) bool {
	for _, c := range codes {
		if c == code {
			return true
		}
	}
	return false
}

// validate returns the failing conditions for sender settling o. With firstOnly it stops at
// the first, which is what a reverting swap reports.
func (l *Ledger) validate(o *order.Order, sender common.Address, firstOnly bool) []string {
	var codes []string
	fail := func(code string) bool {
		codes = append(codes, code)
		return firstOnly
	}

	if o.Expiry <= uint64(l.Now().Unix()) && fail("OrderExpired") {
		return codes
	}
	if l.nonces[o.Signer.Wallet][order.Int(o.Nonce).String()] && fail("NonceAlreadyUsed") {
		return codes
	}
	if o.ChainID != l.ChainID || o.Settlement != l.Settlement {
		if fail("Unauthorized") {
			return codes
		}
	}
	if o.ProtocolFee != l.fee && fail("FeeInvalid") {
		return codes
	}
	if err := order.Verify(o); err != nil && fail("SignatureInvalid") {
		return codes
	}
	if !o.IsOpen() && o.Sender.Wallet != sender && fail("SenderInvalid") {
		return codes
	}

	signer, ok := l.tokens[o.Signer.Token]
	if !ok {
		if fail("TokenKindUnknown") {
			return codes
		}
	} else {
		if l.balanceOf(signer, o.Signer, o.Signer.Wallet).Cmp(fees.Quantity(o.Signer)) < 0 && fail("SignerBalanceLow") {
			return codes
		}
		if !l.approved(signer, o.Signer.Wallet, fees.Quantity(o.Signer)) && fail("SignerAllowanceLow") {
			return codes
		}
	}

	senderTok, ok := l.tokens[o.Sender.Token]
	if !ok {
		if fail("TokenKindUnknown") {
			return codes
		}
	} else {
		required := fees.SenderRequirement(o.Sender, o.ProtocolFee)
		if l.balanceOf(senderTok, o.Sender, sender).Cmp(required) < 0 && fail("SenderBalanceLow") {
			return codes
		}
		if !l.approved(senderTok, sender, required) && fail("SenderAllowanceLow") {
			return codes
		}
	}
	return codes
}

func (l *Ledger) approved(t *token, owner common.Address, amount *big.Int) bool {
	return l.allowanceOf(t, owner, l.Settlement).Cmp(amount) >= 0
}

// ---- writes ----

// Wallet is a ledger account that can submit transactions.
type Wallet struct {
	ledger *Ledger
	addr   common.Address
}

// Wallet returns the writer for addr.
func (l *Ledger) Wallet(addr common.Address) *Wallet {
	return &Wallet{ledger: l, addr: addr}
}

func (w *Wallet) Address() common.Address { return w.addr }

func (l *Ledger) record(from common.Address, action string) common.Hash {
	var seed [8]byte
	binary.BigEndian.PutUint64(seed[:], uint64(len(l.txs)+1))
	hash := crypto.Keccak256Hash(from.Bytes(), []byte(action), seed[:])
	l.txs = append(l.txs, Tx{Hash: hash, From: from, Action: action})
	l.receipts[hash] = &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		TxHash:      hash,
		BlockNumber: big.NewInt(int64(len(l.txs))),
		GasUsed:     21000,
	}
	return hash
}

func (w *Wallet) Approve(_ context.Context, p order.Party, spender common.Address, amount *big.Int) (common.Hash, error) {
	l := w.ledger
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.enter("Approve"); err != nil {
		return common.Hash{}, err
	}
	t := l.mustToken(p.Token)
	if t.kind.IsNFT() {
		l.setOperator(t, w.addr, spender, true)
		return l.record(w.addr, "setApprovalForAll"), nil
	}
	l.setAllowance(t, w.addr, spender, amount)
	return l.record(w.addr, "approve"), nil
}

func (w *Wallet) Wrap(_ context.Context, wrapped common.Address, amount *big.Int) (common.Hash, error) {
	l := w.ledger
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.enter("Wrap"); err != nil {
		return common.Hash{}, err
	}
	if order.Int(l.native[w.addr]).Cmp(amount) < 0 {
		return common.Hash{}, fmt.Errorf("insufficient funds for transfer")
	}
	l.native[w.addr] = new(big.Int).Sub(l.native[w.addr], amount)
	t := l.mustToken(wrapped)
	t.balances[w.addr] = add(t.balances[w.addr], amount)
	return l.record(w.addr, "wrap"), nil
}

func (w *Wallet) Simulate(_ context.Context, _ common.Address, o *order.Order, _ common.Address) error {
	l := w.ledger
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.enter("Simulate"); err != nil {
		return err
	}
	if l.simulationErr != nil {
		return l.simulationErr
	}
	if codes := l.validate(o, w.addr, true); len(codes) > 0 {
		return &chain.RevertError{Name: codes[0], Reason: codes[0] + "()"}
	}
	return nil
}

// Swap settles o atomically: both legs move and the nonce is consumed, or nothing changes.
func (w *Wallet) Swap(_ context.Context, _ common.Address, o *order.Order, recipient common.Address) (common.Hash, error) {
	l := w.ledger
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.enter("Swap"); err != nil {
		return common.Hash{}, err
	}
	if codes := l.validate(o, w.addr, true); len(codes) > 0 {
		return common.Hash{}, &chain.RevertError{Name: codes[0], Reason: codes[0] + "()"}
	}

	l.useNonce(o.Signer.Wallet, o.Nonce)
	l.transfer(o.Signer, o.Signer.Wallet, recipient, fees.Quantity(o.Signer))
	l.transfer(o.Sender, w.addr, o.Signer.Wallet, fees.Quantity(o.Sender))
	if fee := fees.ProtocolFeeAmount(o.Sender.Amount, o.ProtocolFee); !o.Sender.Kind.IsNFT() && fee.Sign() > 0 {
		l.transfer(o.Sender, w.addr, l.FeeWallet, fee)
	}
	return l.record(w.addr, "swap"), nil
}

func (l *Ledger) transfer(p order.Party, from, to common.Address, amount *big.Int) {
	t := l.mustToken(p.Token)
	id := order.Int(p.ID).String()
	switch t.kind {
	case order.KindERC721:
		t.owners[id] = to
	case order.KindERC1155:
		h := t.holdings[id]
		if h == nil {
			h = make(map[common.Address]*big.Int)
			t.holdings[id] = h
		}
		h[from] = new(big.Int).Sub(order.Int(h[from]), amount)
		h[to] = add(h[to], amount)
	default:
		t.balances[from] = new(big.Int).Sub(order.Int(t.balances[from]), amount)
		t.balances[to] = add(t.balances[to], amount)
		if allowance := t.allowances[from][l.Settlement]; allowance != nil {
			t.allowances[from][l.Settlement] = new(big.Int).Sub(allowance, amount)
		}
	}
}

func (w *Wallet) WaitConfirmed(_ context.Context, hash common.Hash, timeout time.Duration) (*types.Receipt, error) {
	l := w.ledger
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.enter("WaitConfirmed"); err != nil {
		return nil, err
	}
	if l.delayedWaits > 0 {
		l.delayedWaits--
		return nil, fmt.Errorf("%w after %v: %s", chain.ErrConfirmationTimeout, timeout, hash.Hex())
	}
	receipt, ok := l.receipts[hash]
	if !ok {
		return nil, fmt.Errorf("%w after %v: %s", chain.ErrConfirmationTimeout, timeout, hash.Hex())
	}
	return receipt, nil
}
