// Package agent holds the thin drivers over the swap flows: the unattended maker and taker
// agents and the interactive terminal driver.
package agent

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"castswap/internal/chain"
	"castswap/internal/check"
	"castswap/internal/config"
	"castswap/internal/rpc"
	"castswap/internal/wallet"
)

// Runtime is the chain plumbing for one network: endpoint pool, reader and check engine.
type Runtime struct {
	Config  *config.Config
	Network *config.NetworkConfig
	Pool    *rpc.Pool
	Reader  *chain.Reader
	Engine  *check.Engine
	Logger  *logrus.Logger
}

// Dial builds the runtime for the named network (the default network when empty). Endpoints
// are dialed lazily on first use.
func Dial(cfg *config.Config, networkName string, logger *logrus.Logger) (*Runtime, error) {
	network, err := cfg.Network(networkName)
	if err != nil {
		return nil, err
	}
	pool, err := rpc.NewPool(network.RPCEndpoints, rpc.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("network %s: %w", network.Name, err)
	}
	reader, err := chain.NewReader(pool, network, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	var wrapped common.Address
	if common.IsHexAddress(network.WrappedNative) {
		wrapped = common.HexToAddress(network.WrappedNative)
	}
	logger.WithFields(logrus.Fields{
		"component": "agent",
		"network":   network.Name,
		"chain_id":  network.ChainID,
		"endpoints": len(network.RPCEndpoints),
	}).Debug("runtime ready")
	return &Runtime{
		Config:  cfg,
		Network: network,
		Pool:    pool,
		Reader:  reader,
		Engine:  check.NewEngine(reader, wrapped, logger),
		Logger:  logger,
	}, nil
}

// Writer submits transactions for signer on this network.
func (r *Runtime) Writer(signer wallet.Signer) *chain.Writer {
	return chain.NewWriter(r.Pool, signer, r.Network.ChainID, r.Config.Gas, r.Logger)
}

func (r *Runtime) Close() {
	r.Pool.Close()
}
