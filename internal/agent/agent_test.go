package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"castswap/internal/chain/chaintest"
	"castswap/internal/check"
	"castswap/internal/config"
	"castswap/internal/order"
	"castswap/internal/publish"
	"castswap/internal/store"
	"castswap/internal/swap"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testNetwork() *config.NetworkConfig {
	return &config.NetworkConfig{
		ChainID:       chaintest.ChainID,
		Name:          "Base",
		NativeSymbol:  "ETH",
		Explorer:      "https://basescan.org",
		WrappedNative: chaintest.WETH.Hex(),
		Settlement: config.SettlementConfig{
			ERC20:   chaintest.Settlement.Hex(),
			ERC721:  "0x0000000000000000000000000000000000005a21",
			ERC1155: "0x0000000000000000000000000000000000005a31",
		},
		Tokens: []config.TokenConfig{
			{Symbol: "TKA", Address: chaintest.TokenA.Hex(), Decimals: 18},
			{Symbol: "TKB", Address: chaintest.TokenB.Hex(), Decimals: 18},
		},
		Enabled: true,
	}
}

func newChecker(f *chaintest.Fixture) *check.Engine {
	return check.NewEngine(f.Ledger, chaintest.WETH, quietLogger(), check.WithClock(func() time.Time { return f.Now }))
}

// memRepo is an in-memory order ledger.
type memRepo struct {
	store.Repository
	mu          sync.Mutex
	orders      map[string]*store.OrderRecord
	settlements []*store.SettlementRecord
}

func newMemRepo() *memRepo {
	return &memRepo{orders: map[string]*store.OrderRecord{}}
}

func (r *memRepo) SaveOrder(_ context.Context, rec *store.OrderRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.orders {
		if existing.ChainID == rec.ChainID && existing.Signer == rec.Signer && existing.Nonce == rec.Nonce {
			return nil
		}
	}
	r.orders[rec.ID] = rec
	return nil
}

func (r *memRepo) FindOrder(_ context.Context, chainID uint64, signer, nonce string) (*store.OrderRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.orders {
		if rec.ChainID == chainID && rec.Signer == store.NormalizeAddress(signer) && rec.Nonce == nonce {
			return rec, nil
		}
	}
	return nil, store.ErrNotFound
}

func (r *memRepo) UpdateStatus(_ context.Context, id, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.orders[id]
	if !ok {
		return store.ErrNotFound
	}
	rec.Status = status
	return nil
}

func (r *memRepo) RecordSettlement(_ context.Context, rec *store.SettlementRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.settlements = append(r.settlements, rec)
	return nil
}

func (r *memRepo) only(t *testing.T) *store.OrderRecord {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.Len(t, r.orders, 1)
	for _, rec := range r.orders {
		return rec
	}
	return nil
}

func events(t *testing.T, out *bytes.Buffer) []string {
	t.Helper()
	var names []string
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		if line == "" {
			continue
		}
		var ev Event
		require.NoError(t, json.Unmarshal([]byte(line), &ev))
		names = append(names, ev.Event)
	}
	return names
}

func readyOrder(t *testing.T, f *chaintest.Fixture, edits ...func(*order.Order)) *order.Order {
	o := f.Order(t, edits...)
	f.Ledger.SetAllowance(chaintest.TokenA, f.Maker.Address(), chaintest.Settlement, o.Signer.Amount)
	return o
}

func TestNewNonce(t *testing.T) {
	now := time.Unix(1_718_000_000, 0)

	n, err := NewNonce("", now)
	require.NoError(t, err)
	assert.Equal(t, now.UnixMilli(), n.Int64())

	n, err = NewNonce("TIME", now)
	require.NoError(t, err)
	assert.Equal(t, now.UnixMilli(), n.Int64())

	a, err := NewNonce(NonceRandom, now)
	require.NoError(t, err)
	b, err := NewNonce(NonceRandom, now)
	require.NoError(t, err)
	assert.LessOrEqual(t, a.BitLen(), 64)
	assert.NotEqual(t, a.String(), b.String())

	_, err = NewNonce("sequential", now)
	assert.Error(t, err)
}

func TestBind(t *testing.T) {
	f := chaintest.NewFixture(t)
	network := testNetwork()

	assert.NoError(t, Bind(network, f.Order(t)))

	wrongChain := f.Order(t, func(o *order.Order) { o.ChainID = 1 })
	assert.ErrorIs(t, Bind(network, wrongChain), ErrWrongChain)

	foreign := f.Order(t, func(o *order.Order) { o.Settlement = common.HexToAddress("0xdead") })
	assert.ErrorIs(t, Bind(network, foreign), ErrUnknownSettlement)

	unconfigured := testNetwork()
	unconfigured.Settlement = config.SettlementConfig{}
	assert.ErrorIs(t, Bind(unconfigured, f.Order(t)), ErrUnknownSettlement)
}

func TestResolveToken(t *testing.T) {
	f := chaintest.NewFixture(t)
	network := testNetwork()
	ctx := context.Background()

	tok, err := ResolveToken(ctx, network, f.Ledger, "tka")
	require.NoError(t, err)
	assert.Equal(t, chaintest.TokenA, tok.Address)
	assert.Equal(t, "TKA", tok.Symbol)

	tok, err = ResolveToken(ctx, network, f.Ledger, chaintest.WETH.Hex())
	require.NoError(t, err)
	assert.Equal(t, "WETH", tok.Symbol)
	assert.Equal(t, uint8(18), tok.Decimals)

	tok, err = ResolveToken(ctx, network, nil, chaintest.Items.Hex())
	require.NoError(t, err)
	assert.Equal(t, uint8(18), tok.Decimals)

	_, err = ResolveToken(ctx, network, f.Ledger, "DOGE")
	assert.ErrorContains(t, err, "unknown token")
}

func TestMakerRequestParams(t *testing.T) {
	f := chaintest.NewFixture(t)
	network := testNetwork()
	ctx := context.Background()

	t.Run("fungible legs", func(t *testing.T) {
		req := MakerRequest{
			SignerToken: "TKA", SignerAmount: "1.5", SignerKind: "erc20",
			SenderToken: "TKB", SenderAmount: "300", SenderKind: "ERC20",
			Expiry: 30 * time.Minute,
		}
		params, tokens, err := req.Params(ctx, network, f.Ledger, f.Now)
		require.NoError(t, err)
		assert.Equal(t, uint64(chaintest.ChainID), params.ChainID)
		assert.Equal(t, chaintest.Settlement, params.Settlement)
		assert.Equal(t, chaintest.Units(t, "1.5").String(), params.Signer.Amount.String())
		assert.Equal(t, chaintest.Units(t, "300").String(), params.Sender.Amount.String())
		assert.Equal(t, common.Address{}, params.Sender.Wallet)
		assert.Equal(t, f.Now.UnixMilli(), params.Nonce.Int64())
		assert.Equal(t, f.Now.Add(30*time.Minute), params.Expiry)
		assert.Equal(t, "TKA", tokens[0].Symbol)
		assert.Equal(t, "TKB", tokens[1].Symbol)
	})

	t.Run("nft signer leg uses the kind's settlement", func(t *testing.T) {
		req := MakerRequest{
			SignerToken: chaintest.Punks.Hex(), SignerKind: "ERC721", SignerID: "42",
			SenderToken: "TKB", SenderAmount: "10", SenderKind: "ERC20",
			SenderWallet: f.Taker.Address().Hex(),
		}
		params, _, err := req.Params(ctx, network, f.Ledger, f.Now)
		require.NoError(t, err)
		assert.Equal(t, common.HexToAddress(network.Settlement.ERC721), params.Settlement)
		assert.Equal(t, order.KindERC721, params.Signer.Kind)
		assert.Equal(t, int64(42), params.Signer.ID.Int64())
		assert.Zero(t, params.Signer.Amount.Sign())
		assert.Equal(t, f.Taker.Address(), params.Sender.Wallet)
		assert.Equal(t, f.Now.Add(time.Hour), params.Expiry)
	})

	t.Run("rejections", func(t *testing.T) {
		base := MakerRequest{
			SignerToken: "TKA", SignerAmount: "1", SignerKind: "ERC20",
			SenderToken: "TKB", SenderAmount: "2", SenderKind: "ERC20",
		}
		tests := []struct {
			name string
			edit func(*MakerRequest)
			want string
		}{
			{"zero amount", func(r *MakerRequest) { r.SignerAmount = "0" }, "signer amount must be positive"},
			{"bad kind", func(r *MakerRequest) { r.SenderKind = "ERC777" }, "sender kind"},
			{"bad sender wallet", func(r *MakerRequest) { r.SenderWallet = "bob" }, "not an address"},
			{"nft without id", func(r *MakerRequest) {
				r.SignerKind, r.SignerToken, r.SignerID = "ERC721", chaintest.Punks.Hex(), "x"
			}, "not a token id"},
			{"bad nonce policy", func(r *MakerRequest) { r.NoncePolicy = "counter" }, "unknown nonce policy"},
			{"bad settlement override", func(r *MakerRequest) { r.Settlement = "swap" }, "settlement override"},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				req := base
				tt.edit(&req)
				_, _, err := req.Params(ctx, network, f.Ledger, f.Now)
				assert.ErrorContains(t, err, tt.want)
			})
		}
	})
}

func TestMakerAndTakerAgents(t *testing.T) {
	f := chaintest.NewFixture(t)
	network := testNetwork()
	ctx := context.Background()
	checker := newChecker(f)

	var line, makerOut bytes.Buffer
	maker := &MakerAgent{
		Network:   network,
		Checker:   checker,
		Writer:    f.Ledger.Wallet(f.Maker.Address()),
		Signer:    f.Maker,
		Publisher: publish.NewLinePublisher(&line),
		Report:    NewReporter(&makerOut),
		Options:   swap.Options{Logger: quietLogger()},
	}
	params := swap.MakerParams{
		ChainID:    chaintest.ChainID,
		Settlement: chaintest.Settlement,
		Signer:     f.Unsigned(t).Signer,
		Sender:     f.Unsigned(t).Sender,
		Nonce:      big.NewInt(f.Now.UnixMilli()),
		Expiry:     f.Now.Add(time.Hour),
	}
	made, err := maker.Make(ctx, params)
	require.NoError(t, err)
	assert.Equal(t, swap.StatePublished, made.State)
	assert.Equal(t, order.PayloadLine(made.Compressed), made.Line)
	require.Len(t, made.Transactions, 1)
	assert.Equal(t, "approve", made.Transactions[0].Action)
	assert.True(t, strings.HasPrefix(made.Transactions[0].URL, "https://basescan.org/tx/0x"))
	assert.Equal(t, []string{"maker.start", "maker.approve", "maker.published"}, events(t, &makerOut))

	o, err := order.DecodeText(line.String())
	require.NoError(t, err)

	var takerOut bytes.Buffer
	repo := newMemRepo()
	taker := &TakerAgent{
		Network: network,
		Checker: checker,
		Writer:  f.Ledger.Wallet(f.Taker.Address()),
		Repo:    repo,
		Report:  NewReporter(&takerOut),
		Options: swap.Options{Logger: quietLogger()},
	}
	report, err := taker.Take(ctx, o)
	require.NoError(t, err)
	assert.Equal(t, swap.StateSettled, report.State)
	require.Len(t, report.Transactions, 2)
	assert.Equal(t, "approve", report.Transactions[0].Action)
	assert.Equal(t, "swap", report.Transactions[1].Action)
	assert.Contains(t, report.Transactions[1].URL, report.Transactions[1].Hash.Hex())

	require.Len(t, report.Balances, 2)
	assert.Equal(t, "TKA", report.Balances[0].Symbol)
	assert.Equal(t, "1.5", report.Balances[0].Amount)
	assert.Equal(t, "TKB", report.Balances[1].Symbol)
	assert.Equal(t, "698.5", report.Balances[1].Amount)
	assert.Equal(t, []string{"taker.approve", "taker.swap", "taker.settled"}, events(t, &takerOut))

	rec := repo.only(t)
	assert.Equal(t, store.StatusSettled, rec.Status)
	assert.Equal(t, "taker", rec.Source)
	require.Len(t, repo.settlements, 2)
	assert.Equal(t, rec.ID, repo.settlements[1].OrderID)
	assert.Equal(t, "swap", repo.settlements[1].Action)
}

func TestTakerRetriesConfirmationTimeout(t *testing.T) {
	f := chaintest.NewFixture(t)
	o := readyOrder(t, f)
	f.Ledger.SetAllowance(chaintest.TokenB, f.Taker.Address(), chaintest.Settlement, chaintest.Units(t, "301.5"))
	f.Ledger.DelayConfirmations(1)

	taker := &TakerAgent{
		Network:    testNetwork(),
		Checker:    newChecker(f),
		Writer:     f.Ledger.Wallet(f.Taker.Address()),
		Options:    swap.Options{Logger: quietLogger(), ConfirmTimeout: time.Second},
		RetryDelay: time.Millisecond,
	}
	report, err := taker.Take(context.Background(), o)
	require.NoError(t, err)
	assert.Equal(t, swap.StateSettled, report.State)
	assert.Equal(t, 1, f.Ledger.Calls("Swap"))
}

func TestTakerTerminalOutcomes(t *testing.T) {
	t.Run("already taken is recorded", func(t *testing.T) {
		f := chaintest.NewFixture(t)
		o := readyOrder(t, f)
		f.Ledger.UseNonce(f.Maker.Address(), o.Nonce)
		repo := newMemRepo()

		taker := &TakerAgent{
			Network: testNetwork(),
			Checker: newChecker(f),
			Writer:  f.Ledger.Wallet(f.Taker.Address()),
			Repo:    repo,
			Options: swap.Options{Logger: quietLogger()},
		}
		report, err := taker.Take(context.Background(), o)
		require.ErrorIs(t, err, check.ErrAlreadyTaken)
		assert.Equal(t, swap.StateFailed, report.State)
		assert.NotEmpty(t, report.Error)
		assert.Empty(t, report.Transactions)
		assert.Equal(t, store.StatusTaken, repo.only(t).Status)
		assert.Zero(t, f.Ledger.Calls("Swap"))
	})

	t.Run("foreign deployment is refused before any read", func(t *testing.T) {
		f := chaintest.NewFixture(t)
		o := f.Order(t, func(o *order.Order) { o.ChainID = 1 })
		taker := &TakerAgent{
			Network: testNetwork(),
			Checker: newChecker(f),
			Writer:  f.Ledger.Wallet(f.Taker.Address()),
			Options: swap.Options{Logger: quietLogger()},
		}
		report, err := taker.Take(context.Background(), o)
		assert.ErrorIs(t, err, ErrWrongChain)
		assert.Nil(t, report)
		assert.Zero(t, f.Ledger.Calls("NonceUsed"))
	})
}

func TestWatchSettlesEachOrderOnce(t *testing.T) {
	f := chaintest.NewFixture(t)
	f.Ledger.SetAllowance(chaintest.TokenA, f.Maker.Address(), chaintest.Settlement, chaintest.Units(t, "10"))

	open := f.Order(t)
	reserved := f.Order(t, func(o *order.Order) {
		o.Nonce = big.NewInt(2)
		o.Sender.Wallet = f.Other.Address()
	})
	otherChain := f.Order(t, func(o *order.Order) {
		o.Nonce = big.NewInt(3)
		o.ChainID = 1
	})

	received := make(chan *publish.Received, 4)
	for _, o := range []*order.Order{reserved, otherChain, open, open} {
		received <- &publish.Received{Subject: "castswap.orders.8453", Order: o}
	}
	close(received)

	var out bytes.Buffer
	taker := &TakerAgent{
		Network: testNetwork(),
		Checker: newChecker(f),
		Writer:  f.Ledger.Wallet(f.Taker.Address()),
		Report:  NewReporter(&out),
		Options: swap.Options{Logger: quietLogger()},
	}
	require.NoError(t, taker.Watch(context.Background(), received))

	assert.Equal(t, 1, f.Ledger.Calls("Swap"))
	assert.Equal(t, chaintest.Units(t, "1.5").String(), f.Ledger.Balance(chaintest.TokenA, f.Taker.Address()).String())
	assert.Equal(t, []string{"taker.received", "taker.approve", "taker.swap", "taker.settled"}, events(t, &out))
}

func TestWatchStopsOnCancel(t *testing.T) {
	f := chaintest.NewFixture(t)
	taker := &TakerAgent{
		Network: testNetwork(),
		Checker: newChecker(f),
		Writer:  f.Ledger.Wallet(f.Taker.Address()),
		Options: swap.Options{Logger: quietLogger()},
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, taker.Watch(ctx, make(chan *publish.Received)))
}

func newInteractive(f *chaintest.Fixture, input string, out *bytes.Buffer) *Interactive {
	return &Interactive{
		In:      strings.NewReader(input),
		Out:     out,
		Network: testNetwork(),
		Checker: newChecker(f),
		Writer:  f.Ledger.Wallet(f.Taker.Address()),
		Options: swap.Options{Logger: quietLogger()},
	}
}

func TestInteractiveSettlesAfterConfirmations(t *testing.T) {
	f := chaintest.NewFixture(t)
	o := readyOrder(t, f)

	var out bytes.Buffer
	err := newInteractive(f, "y\ny\nyes\n", &out).Run(context.Background(), o)
	require.NoError(t, err)

	text := out.String()
	assert.Contains(t, text, "Order    1.5 TKA for 300 TKB")
	assert.Contains(t, text, "You pay  301.5 TKB (fee 50 bps)")
	assert.Contains(t, text, "Status   pending")
	assert.Contains(t, text, "published → approving")
	assert.Contains(t, text, "✔ Settled.")
	assert.Contains(t, text, "https://basescan.org/tx/")
	assert.Equal(t, 1, f.Ledger.Calls("Swap"))
}

func TestInteractiveAbandon(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"declines the order", "n\n"},
		{"declines the approval", "y\nn\n"},
		{"input ends", "y\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := chaintest.NewFixture(t)
			o := readyOrder(t, f)

			var out bytes.Buffer
			err := newInteractive(f, tt.input, &out).Run(context.Background(), o)
			assert.ErrorIs(t, err, swap.ErrAbandoned)
			assert.Contains(t, out.String(), "nothing")
			assert.Empty(t, f.Ledger.Transactions())
		})
	}
}

func TestInteractiveShowsTerminalOutcome(t *testing.T) {
	f := chaintest.NewFixture(t)
	o := readyOrder(t, f, func(o *order.Order) { o.Expiry = uint64(f.Now.Unix()) })

	var out bytes.Buffer
	err := newInteractive(f, "y\n", &out).Run(context.Background(), o)
	assert.ErrorIs(t, err, check.ErrExpired)
	assert.Contains(t, out.String(), "✖ expired")
}

func TestInteractiveRetriesWhenCounterpartyCatchesUp(t *testing.T) {
	f := chaintest.NewFixture(t)
	o := f.Order(t)

	var out bytes.Buffer
	d := newInteractive(f, "y\n", &out)
	d.In = &approvingReader{
		lines: []string{"y\n", "y\n", "y\n", "y\n"},
		// the maker approves while the viewer is deciding whether to retry
		before: map[int]func(){1: func() {
			f.Ledger.SetAllowance(chaintest.TokenA, f.Maker.Address(), chaintest.Settlement, o.Signer.Amount)
		}},
	}
	require.NoError(t, d.Run(context.Background(), o))
	assert.Contains(t, out.String(), "signer cannot currently deliver its leg")
	assert.Contains(t, out.String(), "Re-check and retry?")
	assert.Equal(t, 1, f.Ledger.Calls("Swap"))
}

// approvingReader serves one line per read and runs a hook before a given line.
type approvingReader struct {
	lines  []string
	before map[int]func()
	n      int
}

func (r *approvingReader) Read(p []byte) (int, error) {
	if r.n >= len(r.lines) {
		return 0, io.EOF
	}
	if hook := r.before[r.n]; hook != nil {
		hook()
	}
	line := r.lines[r.n]
	r.n++
	return copy(p, line), nil
}

func TestReporterNilIsSafe(t *testing.T) {
	var r *Reporter
	assert.NotPanics(t, func() { r.Emit("anything", nil) })

	var out bytes.Buffer
	r = NewReporter(&out)
	r.now = func() time.Time { return time.Unix(1_718_000_000, 0) }
	r.Emit("taker.swap", TxLink{Action: "swap", Block: 7})
	assert.JSONEq(t, `{"event":"taker.swap","time":"2024-06-10T06:13:20Z","data":{"action":"swap","hash":"0x0000000000000000000000000000000000000000000000000000000000000000","block":7}}`, out.String())
}
