package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"castswap/internal/config"
	"castswap/internal/order"
	"castswap/internal/rpc"
)

// MaxUint256 stands for "unbounded" allowances, including operator approval on NFT collections.
var MaxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

const metadataCacheSize = 512

// TokenRead is the batch token read answer for one (token, owner, spender) triple.
type TokenRead struct {
	Token     common.Address `json:"token"`
	Owner     common.Address `json:"owner"`
	Spender   common.Address `json:"spender"`
	Kind      order.Kind     `json:"kind"`
	Symbol    string         `json:"symbol"`
	Decimals  uint8          `json:"decimals"`
	Balance   *big.Int       `json:"balance"`
	Allowance *big.Int       `json:"allowance"`
	// OwnerMatch is set for ERC721 legs: the owner holds the token id.
	OwnerMatch bool       `json:"ownerMatch"`
	Source     rpc.Source `json:"source"`
}

type tokenMeta struct {
	symbol   string
	decimals uint8
}

// Reader answers read-only questions about tokens and the settlement contract through the
// endpoint pool.
type Reader struct {
	pool  *rpc.Pool
	meta  *lru.Cache[common.Address, tokenMeta]
	known map[common.Address]config.TokenConfig
	log   *logrus.Entry
}

// NewReader builds a reader for network. Tokens marked well-known in the network catalog
// are used to reject implausible batch answers.
func NewReader(pool *rpc.Pool, network *config.NetworkConfig, logger *logrus.Logger) (*Reader, error) {
	cache, err := lru.New[common.Address, tokenMeta](metadataCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create metadata cache: %w", err)
	}
	r := &Reader{
		pool:  pool,
		meta:  cache,
		known: make(map[common.Address]config.TokenConfig),
		log:   logger.WithField("component", "chain"),
	}
	if network != nil {
		for _, t := range network.Tokens {
			if t.WellKnown && common.IsHexAddress(t.Address) {
				r.known[common.HexToAddress(t.Address)] = t
			}
		}
	}
	return r, nil
}

func callArg(from, to common.Address, data []byte) map[string]interface{} {
	arg := map[string]interface{}{
		"to":   to,
		"data": hexutil.Bytes(data),
	}
	if from != (common.Address{}) {
		arg["from"] = from
	}
	return arg
}

func callElem(to common.Address, data []byte) (gethrpc.BatchElem, *hexutil.Bytes) {
	out := new(hexutil.Bytes)
	return gethrpc.BatchElem{Method: "eth_call", Args: []interface{}{callArg(common.Address{}, to, data), "latest"}, Result: out}, out
}

func newCall(to common.Address, data []byte) gethrpc.BatchElem {
	el, _ := callElem(to, data)
	return el
}

func (r *Reader) call(ctx context.Context, to common.Address, contract abi.ABI, method string, args ...interface{}) ([]interface{}, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", method, err)
	}
	var out hexutil.Bytes
	if _, err := r.pool.Call(ctx, &out, "eth_call", callArg(common.Address{}, to, data), "latest"); err != nil {
		return nil, fmt.Errorf("%s on %s: %w", method, to.Hex(), err)
	}
	values, err := contract.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s: %w", method, err)
	}
	return values, nil
}

// NonceUsed reports whether signer has consumed nonce on the settlement contract.
func (r *Reader) NonceUsed(ctx context.Context, settlement, signer common.Address, nonce *big.Int) (bool, error) {
	values, err := r.call(ctx, settlement, SwapABI, "nonceUsed", signer, order.Int(nonce))
	if err != nil {
		return false, err
	}
	used, ok := values[0].(bool)
	if !ok {
		return false, fmt.Errorf("nonceUsed: unexpected type %T", values[0])
	}
	return used, nil
}

// ProtocolFee is the fee rate in basis points currently configured on the settlement contract.
func (r *Reader) ProtocolFee(ctx context.Context, settlement common.Address) (uint64, error) {
	values, err := r.call(ctx, settlement, SwapABI, "protocolFee")
	if err != nil {
		return 0, err
	}
	fee, ok := values[0].(*big.Int)
	if !ok || !fee.IsUint64() {
		return 0, fmt.Errorf("protocolFee: unexpected value %v", values[0])
	}
	return fee.Uint64(), nil
}

// ContractCheck runs the settlement contract's own validation and returns its error codes.
func (r *Reader) ContractCheck(ctx context.Context, settlement, senderWallet common.Address, o *order.Order) ([]string, error) {
	data, err := PackCheck(senderWallet, o)
	if err != nil {
		return nil, err
	}
	var out hexutil.Bytes
	if _, err := r.pool.Call(ctx, &out, "eth_call", callArg(common.Address{}, settlement, data), "latest"); err != nil {
		return nil, fmt.Errorf("check on %s: %w", settlement.Hex(), err)
	}
	return UnpackCheck(out)
}

// NativeBalance is the wallet's balance in the chain's native currency.
func (r *Reader) NativeBalance(ctx context.Context, wallet common.Address) (*big.Int, error) {
	var balance *big.Int
	_, err := r.pool.Do(ctx, "eth_getBalance", func(ctx context.Context, ep *rpc.Endpoint) error {
		b, err := ep.Eth().BalanceAt(ctx, wallet, nil)
		balance = b
		return err
	})
	if err != nil {
		return nil, err
	}
	return balance, nil
}

// IsApprovedForAll reports collection-level operator approval (ERC721 and ERC1155 share the selector).
func (r *Reader) IsApprovedForAll(ctx context.Context, token, owner, operator common.Address) (bool, error) {
	values, err := r.call(ctx, token, ERC721ABI, "isApprovedForAll", owner, operator)
	if err != nil {
		return false, err
	}
	approved, ok := values[0].(bool)
	if !ok {
		return false, fmt.Errorf("isApprovedForAll: unexpected type %T", values[0])
	}
	return approved, nil
}

// ReadLeg reads balance and approval for an order leg according to its kind.
func (r *Reader) ReadLeg(ctx context.Context, p order.Party, owner, spender common.Address) (*TokenRead, error) {
	switch p.Kind {
	case order.KindERC721:
		return r.readERC721(ctx, p.Token, order.Int(p.ID), owner, spender)
	case order.KindERC1155:
		return r.readERC1155(ctx, p.Token, order.Int(p.ID), owner, spender)
	default:
		return r.ReadToken(ctx, p.Token, owner, spender)
	}
}

// ReadToken batches symbol, decimals, balance and allowance for an ERC20 token.
// Metadata is cached per token; fields whose call failed degrade to zero values.
func (r *Reader) ReadToken(ctx context.Context, token, owner, spender common.Address) (*TokenRead, error) {
	read := &TokenRead{Token: token, Owner: owner, Spender: spender, Kind: order.KindERC20, Balance: new(big.Int), Allowance: new(big.Int)}

	meta, cached := r.meta.Get(token)
	var batch []gethrpc.BatchElem
	var symbolOut, decimalsOut *hexutil.Bytes
	if !cached {
		var el gethrpc.BatchElem
		el, symbolOut = callElem(token, mustPack(ERC20ABI, "symbol"))
		batch = append(batch, el)
		el, decimalsOut = callElem(token, mustPack(ERC20ABI, "decimals"))
		batch = append(batch, el)
	}
	balanceEl, balanceOut := callElem(token, mustPack(ERC20ABI, "balanceOf", owner))
	allowanceEl, allowanceOut := callElem(token, mustPack(ERC20ABI, "allowance", owner, spender))
	batch = append(batch, balanceEl, allowanceEl)
	at := func(out *hexutil.Bytes) *gethrpc.BatchElem {
		for i := range batch {
			if batch[i].Result == out {
				return &batch[i]
			}
		}
		return nil
	}

	src, err := r.pool.Read(ctx, batch, r.sanity(token, symbolOut, decimalsOut, balanceOut))
	if err != nil {
		return nil, fmt.Errorf("token read %s: %w", token.Hex(), err)
	}
	read.Source = src

	if cached {
		read.Symbol, read.Decimals = meta.symbol, meta.decimals
	} else {
		symbol, symOK := decodeSymbol(at(symbolOut))
		decimals, decOK := decodeUint8(at(decimalsOut))
		if known, ok := r.known[token]; ok {
			if !symOK {
				symbol = known.Symbol
			}
			if !decOK {
				decimals = known.Decimals
			}
		}
		read.Symbol, read.Decimals = symbol, decimals
		if symOK && decOK {
			r.meta.Add(token, tokenMeta{symbol: symbol, decimals: decimals})
		}
	}
	if v, ok := decodeUint256(at(balanceOut)); ok {
		read.Balance = v
	}
	if v, ok := decodeUint256(at(allowanceOut)); ok {
		read.Allowance = v
	}
	return read, nil
}

// sanity rejects answers that contradict the catalog for well-known tokens: wrong symbol or
// decimals, or an empty balance answer from a contract that must exist.
func (r *Reader) sanity(token common.Address, symbolOut, decimalsOut, balanceOut *hexutil.Bytes) rpc.BatchValidator {
	known, ok := r.known[token]
	if !ok {
		return nil
	}
	return func(batch []gethrpc.BatchElem) error {
		for i := range batch {
			el := &batch[i]
			switch el.Result {
			case symbolOut:
				if symbol, ok := decodeSymbol(el); ok && !strings.EqualFold(symbol, known.Symbol) {
					return fmt.Errorf("%w: %s symbol %q, expected %q", rpc.ErrImplausibleBatch, token.Hex(), symbol, known.Symbol)
				}
			case decimalsOut:
				if decimals, ok := decodeUint8(el); ok && decimals != known.Decimals {
					return fmt.Errorf("%w: %s decimals %d, expected %d", rpc.ErrImplausibleBatch, token.Hex(), decimals, known.Decimals)
				}
			case balanceOut:
				if el.Error == nil && len(*balanceOut) == 0 {
					return fmt.Errorf("%w: %s has no code at this endpoint", rpc.ErrImplausibleBatch, token.Hex())
				}
			}
		}
		return nil
	}
}

func (r *Reader) readERC721(ctx context.Context, token common.Address, id *big.Int, owner, spender common.Address) (*TokenRead, error) {
	batch := []gethrpc.BatchElem{
		newCall(token, mustPack(ERC721ABI, "symbol")),
		newCall(token, mustPack(ERC721ABI, "ownerOf", id)),
		newCall(token, mustPack(ERC721ABI, "getApproved", id)),
		newCall(token, mustPack(ERC721ABI, "isApprovedForAll", owner, spender)),
	}

	src, err := r.pool.Read(ctx, batch, nil)
	if err != nil {
		return nil, fmt.Errorf("erc721 read %s: %w", token.Hex(), err)
	}
	read := &TokenRead{Token: token, Owner: owner, Spender: spender, Kind: order.KindERC721, Balance: new(big.Int), Allowance: new(big.Int), Source: src}
	read.Symbol, _ = decodeSymbol(&batch[0])

	if holder, ok := decodeAddress(&batch[1]); ok && holder == owner {
		read.OwnerMatch = true
		read.Balance = big.NewInt(1)
	}
	approved, _ := decodeAddress(&batch[2])
	all, _ := decodeBool(&batch[3])
	if all || (approved == spender && spender != (common.Address{})) {
		read.Allowance = new(big.Int).Set(MaxUint256)
	}
	return read, nil
}

func (r *Reader) readERC1155(ctx context.Context, token common.Address, id *big.Int, owner, spender common.Address) (*TokenRead, error) {
	batch := []gethrpc.BatchElem{
		newCall(token, mustPack(ERC1155ABI, "balanceOf", owner, id)),
		newCall(token, mustPack(ERC1155ABI, "isApprovedForAll", owner, spender)),
	}

	src, err := r.pool.Read(ctx, batch, nil)
	if err != nil {
		return nil, fmt.Errorf("erc1155 read %s: %w", token.Hex(), err)
	}
	read := &TokenRead{Token: token, Owner: owner, Spender: spender, Kind: order.KindERC1155, Balance: new(big.Int), Allowance: new(big.Int), Source: src}
	if v, ok := decodeUint256(&batch[0]); ok {
		read.Balance = v
	}
	if all, _ := decodeBool(&batch[1]); all {
		read.Allowance = new(big.Int).Set(MaxUint256)
	}
	return read, nil
}

func mustPack(contract abi.ABI, method string, args ...interface{}) []byte {
	data, err := contract.Pack(method, args...)
	if err != nil {
		panic(fmt.Sprintf("pack %s: %v", method, err))
	}
	return data
}

func elemBytes(el *gethrpc.BatchElem) ([]byte, bool) {
	if el == nil || el.Error != nil {
		return nil, false
	}
	out, ok := el.Result.(*hexutil.Bytes)
	if !ok || out == nil || len(*out) == 0 {
		return nil, false
	}
	return *out, true
}

func decodeUint256(el *gethrpc.BatchElem) (*big.Int, bool) {
	raw, ok := elemBytes(el)
	if !ok || len(raw) < 32 {
		return nil, false
	}
	return new(big.Int).SetBytes(raw[:32]), true
}

func decodeUint8(el *gethrpc.BatchElem) (uint8, bool) {
	v, ok := decodeUint256(el)
	if !ok || !v.IsUint64() || v.Uint64() > 255 {
		return 0, false
	}
	return uint8(v.Uint64()), true
}

func decodeBool(el *gethrpc.BatchElem) (bool, bool) {
	v, ok := decodeUint256(el)
	if !ok {
		return false, false
	}
	return v.Sign() != 0, true
}

func decodeAddress(el *gethrpc.BatchElem) (common.Address, bool) {
	raw, ok := elemBytes(el)
	if !ok || len(raw) < 32 {
		return common.Address{}, false
	}
	return common.BytesToAddress(raw[12:32]), true
}

// decodeSymbol accepts both string and legacy bytes32 symbols.
func decodeSymbol(el *gethrpc.BatchElem) (string, bool) {
	raw, ok := elemBytes(el)
	if !ok {
		return "", false
	}
	if values, err := ERC20ABI.Unpack("symbol", raw); err == nil && len(values) == 1 {
		if s, ok := values[0].(string); ok {
			return s, true
		}
	}
	if len(raw) == 32 {
		var b [32]byte
		copy(b[:], raw)
		return DecodeBytes32(b), true
	}
	return "", false
}

// IsLogical reports whether err is a contract-level answer rather than infrastructure.
func IsLogical(err error) bool {
	return err != nil && !rpc.IsInfrastructure(err) && !errors.Is(err, context.Canceled)
}
