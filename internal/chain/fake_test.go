package chain

import (
	"fmt"
	"math/big"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"castswap/internal/rpc"
)

type callArgs struct {
	From  *common.Address `json:"from"`
	To    *common.Address `json:"to"`
	Data  *hexutil.Bytes  `json:"data"`
	Input *hexutil.Bytes  `json:"input"`
	Value *hexutil.Big    `json:"value"`
}

func (a callArgs) payload() []byte {
	if a.Input != nil {
		return *a.Input
	}
	if a.Data != nil {
		return *a.Data
	}
	return nil
}

// nodeError carries a JSON-RPC code and optional revert data.
type nodeError struct {
	code int
	msg  string
	data []byte
}

func (e *nodeError) Error() string  { return e.msg }
func (e *nodeError) ErrorCode() int { return e.code }
func (e *nodeError) ErrorData() interface{} {
	if e.data == nil {
		return nil
	}
	return hexutil.Encode(e.data)
}

func revertWith(data []byte) error {
	return &nodeError{code: 3, msg: "execution reverted", data: data}
}

type contractFunc func(from common.Address, data []byte) ([]byte, error)

// fakeNode serves the eth namespace for one chain.
type fakeNode struct {
	mu          sync.Mutex
	chainID     uint64
	gasPrice    *big.Int
	estimate    uint64
	estimateErr error
	contracts   map[common.Address]contractFunc
	sent        []*types.Transaction
	holdReceipt bool
	callCount   map[string]int
}

func newFakeNode(chainID uint64) *fakeNode {
	return &fakeNode{
		chainID:   chainID,
		gasPrice:  big.NewInt(10_000_000_000),
		estimate:  100_000,
		contracts: make(map[common.Address]contractFunc),
		callCount: make(map[string]int),
	}
}

func (n *fakeNode) ChainId() hexutil.Uint64 { return hexutil.Uint64(n.chainID) }

func (n *fakeNode) GasPrice() *hexutil.Big { return (*hexutil.Big)(n.gasPrice) }

func (n *fakeNode) GetBalance(addr common.Address, block string) *hexutil.Big {
	return (*hexutil.Big)(big.NewInt(5e18))
}

func (n *fakeNode) GetTransactionCount(addr common.Address, block string) hexutil.Uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return hexutil.Uint64(len(n.sent))
}

func (n *fakeNode) EstimateGas(args callArgs, block *string) (hexutil.Uint64, error) {
	if n.estimateErr != nil {
		return 0, n.estimateErr
	}
	return hexutil.Uint64(n.estimate), nil
}

func (n *fakeNode) Call(args callArgs, block string) (hexutil.Bytes, error) {
	if args.To == nil {
		return nil, fmt.Errorf("missing to")
	}
	data := args.payload()
	n.mu.Lock()
	if len(data) >= 4 {
		n.callCount[hexutil.Encode(data[:4])]++
	}
	fn, ok := n.contracts[*args.To]
	n.mu.Unlock()
	if !ok {
		return hexutil.Bytes{}, nil
	}
	var from common.Address
	if args.From != nil {
		from = *args.From
	}
	return fn(from, data)
}

func (n *fakeNode) SendRawTransaction(raw hexutil.Bytes) (common.Hash, error) {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return common.Hash{}, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, tx)
	return tx.Hash(), nil
}

func (n *fakeNode) GetTransactionReceipt(hash common.Hash) (*types.Receipt, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.holdReceipt {
		return nil, nil
	}
	for _, tx := range n.sent {
		if tx.Hash() == hash {
			return &types.Receipt{
				Status:            types.ReceiptStatusSuccessful,
				CumulativeGasUsed: 50_000,
				GasUsed:           50_000,
				Logs:              []*types.Log{},
				TxHash:            hash,
				BlockNumber:       big.NewInt(100),
			}, nil
		}
	}
	return nil, nil
}

func (n *fakeNode) calls(selector []byte) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.callCount[hexutil.Encode(selector[:4])]
}

func (n *fakeNode) sentCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

func (n *fakeNode) lastTx() *types.Transaction {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.sent) == 0 {
		return nil
	}
	return n.sent[len(n.sent)-1]
}

func serveNode(t *testing.T, node *fakeNode) string {
	t.Helper()
	srv := gethrpc.NewServer()
	require.NoError(t, srv.RegisterName("eth", node))
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		ts.Close()
		srv.Stop()
	})
	return ts.URL
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func newTestPool(t *testing.T, urls ...string) *rpc.Pool {
	t.Helper()
	pool, err := rpc.NewPool(urls, rpc.WithLogger(quietLogger()), rpc.WithCallTimeout(2*time.Second))
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func word(v *big.Int) []byte {
	return common.LeftPadBytes(v.Bytes(), 32)
}

func addrWord(a common.Address) []byte {
	return common.LeftPadBytes(a.Bytes(), 32)
}

func boolWord(b bool) []byte {
	if b {
		return word(big.NewInt(1))
	}
	return word(new(big.Int))
}

// erc20 answers symbol/decimals/balanceOf/allowance from fixed values.
type erc20 struct {
	symbols   []string // consumed in order, last one repeats
	decimals  uint8
	balance   *big.Int
	allowance *big.Int
	mu        sync.Mutex
}

func (e *erc20) handle(from common.Address, data []byte) ([]byte, error) {
	method, err := ERC20ABI.MethodById(data[:4])
	if err != nil {
		return nil, revertWith(nil)
	}
	switch method.Name {
	case "symbol":
		e.mu.Lock()
		symbol := e.symbols[0]
		if len(e.symbols) > 1 {
			e.symbols = e.symbols[1:]
		}
		e.mu.Unlock()
		return method.Outputs.Pack(symbol)
	case "decimals":
		return method.Outputs.Pack(e.decimals)
	case "balanceOf":
		return word(e.balance), nil
	case "allowance":
		return word(e.allowance), nil
	}
	return nil, revertWith(nil)
}
