package order

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"math/big"
	"regexp"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/klauspost/compress/flate"
)

const (
	// PayloadMarker tags a distribution line: "SWAP:<compressed order>".
	PayloadMarker = "SWAP"

	extendedVersion = "v2"
	canonicalFields = 14
	extendedFields  = 1 + canonicalFields + 6

	// decompressed payloads are a few hundred bytes; anything larger is not an order
	maxDecodedSize = 16 << 10
)

var payloadLine = regexp.MustCompile(`^` + PayloadMarker + `:([A-Za-z0-9_-]+)$`)

// Encode compresses an order into its URL-safe wire form.
//
// ERC20/ERC20 orders with zero ids and no affiliate use the canonical positional layout:
// chain id, settlement, nonce, expiry, signer wallet, signer token, signer amount,
// protocol fee, sender wallet, sender token, sender amount, v, r, s.
// Any other order is prefixed with the "v2" marker and carries kinds, ids and affiliate
// fields after the canonical ones.
func Encode(o *Order) (string, error) {
	fields := canonical(o)
	if needsExtended(o) {
		fields = append([]string{extendedVersion}, fields...)
		fields = append(fields,
			o.Signer.Kind.Hex(),
			Int(o.Signer.ID).String(),
			o.Sender.Kind.Hex(),
			Int(o.Sender.ID).String(),
			o.AffiliateWallet.Hex(),
			Int(o.AffiliateAmount).String(),
		)
	}

	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestCompression)
	if err != nil {
		return "", fmt.Errorf("failed to create compressor: %w", err)
	}
	if _, err := io.WriteString(w, strings.Join(fields, ",")); err != nil {
		return "", fmt.Errorf("failed to compress order: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("failed to compress order: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf.Bytes()), nil
}

func canonical(o *Order) []string {
	return []string{
		strconv.FormatUint(o.ChainID, 10),
		o.Settlement.Hex(),
		Int(o.Nonce).String(),
		strconv.FormatUint(o.Expiry, 10),
		o.Signer.Wallet.Hex(),
		o.Signer.Token.Hex(),
		Int(o.Signer.Amount).String(),
		strconv.FormatUint(o.ProtocolFee, 10),
		o.Sender.Wallet.Hex(),
		o.Sender.Token.Hex(),
		Int(o.Sender.Amount).String(),
		strconv.FormatUint(uint64(o.V), 10),
		o.R.Hex(),
		o.S.Hex(),
	}
}

func needsExtended(o *Order) bool {
	return o.Signer.Kind != KindERC20 || o.Sender.Kind != KindERC20 ||
		Int(o.Signer.ID).Sign() != 0 || Int(o.Sender.ID).Sign() != 0 ||
		o.AffiliateWallet != (common.Address{}) || Int(o.AffiliateAmount).Sign() != 0
}

// Decode is the inverse of Encode. Every failure wraps ErrMalformedPayload.
func Decode(compressed string) (*Order, error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(compressed))
	if err != nil {
		return nil, malformed("not base64url: %v", err)
	}
	r := flate.NewReader(bytes.NewReader(raw))
	defer r.Close()
	plain, err := io.ReadAll(io.LimitReader(r, maxDecodedSize+1))
	if err != nil {
		return nil, malformed("decompress: %v", err)
	}
	if len(plain) > maxDecodedSize {
		return nil, malformed("payload exceeds %d bytes", maxDecodedSize)
	}

	fields := strings.Split(string(plain), ",")
	switch {
	case len(fields) == canonicalFields:
		return parseFields(fields, nil)
	case len(fields) == extendedFields && fields[0] == extendedVersion:
		return parseFields(fields[1:1+canonicalFields], fields[1+canonicalFields:])
	default:
		return nil, malformed("expected %d or %d fields, got %d", canonicalFields, extendedFields, len(fields))
	}
}

func parseFields(f []string, ext []string) (*Order, error) {
	p := &fieldParser{}
	o := &Order{
		ChainID:     p.unsigned(f[0], 64, "chain id"),
		Settlement:  p.address(f[1], "settlement"),
		Nonce:       p.integer(f[2], "nonce"),
		Expiry:      p.unsigned(f[3], 64, "expiry"),
		ProtocolFee: p.unsigned(f[7], 64, "protocol fee"),
		Signer: Party{
			Wallet: p.address(f[4], "signer wallet"),
			Token:  p.address(f[5], "signer token"),
			Kind:   KindERC20,
			ID:     new(big.Int),
			Amount: p.integer(f[6], "signer amount"),
		},
		Sender: Party{
			Wallet: p.address(f[8], "sender wallet"),
			Token:  p.address(f[9], "sender token"),
			Kind:   KindERC20,
			ID:     new(big.Int),
			Amount: p.integer(f[10], "sender amount"),
		},
		AffiliateAmount: new(big.Int),
		V:               uint8(p.unsigned(f[11], 8, "v")),
		R:               p.hash(f[12], "r"),
		S:               p.hash(f[13], "s"),
	}
	if ext != nil {
		o.Signer.Kind = p.kind(ext[0], "signer kind")
		o.Signer.ID = p.integer(ext[1], "signer id")
		o.Sender.Kind = p.kind(ext[2], "sender kind")
		o.Sender.ID = p.integer(ext[3], "sender id")
		o.AffiliateWallet = p.address(ext[4], "affiliate wallet")
		o.AffiliateAmount = p.integer(ext[5], "affiliate amount")
	}
	if p.err != nil {
		return nil, p.err
	}
	return o, nil
}

// fieldParser keeps the first error so field extraction reads linearly.
type fieldParser struct {
	err error
}

func (p *fieldParser) fail(name, value string) {
	if p.err == nil {
		p.err = malformed("invalid %s %q", name, value)
	}
}

func (p *fieldParser) unsigned(s string, bits int, name string) uint64 {
	v, err := strconv.ParseUint(s, 10, bits)
	if err != nil {
		p.fail(name, s)
	}
	return v
}

func (p *fieldParser) integer(s, name string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 || v.BitLen() > 256 {
		p.fail(name, s)
		return new(big.Int)
	}
	return v
}

func (p *fieldParser) address(s, name string) common.Address {
	if !common.IsHexAddress(s) {
		p.fail(name, s)
		return common.Address{}
	}
	return common.HexToAddress(s)
}

func (p *fieldParser) hash(s, name string) common.Hash {
	raw, err := hexutil.Decode(s)
	if err != nil || len(raw) != common.HashLength {
		p.fail(name, s)
		return common.Hash{}
	}
	return common.BytesToHash(raw)
}

func (p *fieldParser) kind(s, name string) Kind {
	k, err := ParseKind(s)
	if err != nil {
		p.fail(name, s)
	}
	return k
}

func malformed(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrMalformedPayload, fmt.Sprintf(format, args...))
}

// PayloadLine formats the distribution line for a compressed order.
func PayloadLine(compressed string) string {
	return PayloadMarker + ":" + compressed
}

// Extract returns the compressed order carried by the first payload line in free-form text.
// The line must consist of the marker, a colon and the token, surrounded by nothing but whitespace.
func Extract(text string) (string, error) {
	scanner := bufio.NewScanner(strings.NewReader(text))
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	for scanner.Scan() {
		if m := payloadLine.FindStringSubmatch(strings.TrimSpace(scanner.Text())); m != nil {
			return m[1], nil
		}
	}
	return "", ErrNoPayloadLine
}

// DecodeText extracts and decodes the order in text, or decodes text directly when it is a bare token.
func DecodeText(text string) (*Order, error) {
	token, err := Extract(text)
	if err != nil {
		token = strings.TrimSpace(text)
	}
	return Decode(token)
}
