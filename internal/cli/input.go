package cli

import (
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"castswap/internal/agent"
	"castswap/internal/config"
	"castswap/internal/order"
	"castswap/internal/publish"
)

// readOrder decodes an order from a payload file, from "-" (stdin) or from an argument that is
// either a compressed token or free text carrying a payload line.
func readOrder(arg, file string, stdin io.Reader) (*order.Order, string, error) {
	if file != "" {
		payload, o, err := publish.ReadFile(file)
		if err != nil {
			return nil, "", WrapExitError(ExitCommandError, "failed to read order file", err)
		}
		return o, payload.Compressed, nil
	}

	text := arg
	if arg == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, "", WrapExitError(ExitCommandError, "failed to read stdin", err)
		}
		text = string(data)
	}
	if strings.TrimSpace(text) == "" {
		return nil, "", NewExitError(ExitCommandError, "an order is required (argument, --order or --file)")
	}

	compressed, err := order.Extract(text)
	if errors.Is(err, order.ErrNoPayloadLine) {
		compressed, err = strings.TrimSpace(text), nil
	}
	if err != nil {
		return nil, "", WrapExitError(ExitCommandError, "invalid order", err)
	}
	o, err := order.Decode(compressed)
	if err != nil {
		return nil, "", WrapExitError(ExitCommandError, "invalid order", err)
	}
	return o, compressed, nil
}

// networkFor picks the configured network: the --network flag when set, otherwise the one
// serving chainID.
func networkFor(cfg *config.Config, name string, chainID uint64) (string, error) {
	if name != "" {
		return name, nil
	}
	for key, network := range cfg.Networks {
		if network.Enabled && network.ChainID == chainID {
			return key, nil
		}
	}
	return "", NewExitError(ExitCommandError, fmt.Sprintf("no enabled network serves chain %d", chainID))
}

func dialFor(cfg *config.Config, name string, chainID uint64, logger *logrus.Logger) (*agent.Runtime, error) {
	key, err := networkFor(cfg, name, chainID)
	if err != nil {
		return nil, err
	}
	rt, err := agent.Dial(cfg, key, logger)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to prepare network", err)
	}
	return rt, nil
}

func parseAddress(flag, value string) (common.Address, error) {
	if value == "" {
		return common.Address{}, nil
	}
	if !common.IsHexAddress(value) {
		return common.Address{}, NewExitError(ExitCommandError, fmt.Sprintf("--%s %q is not an address", flag, value))
	}
	return common.HexToAddress(value), nil
}

// parseBaseUnits reads a non-negative integer amount in a token's smallest unit.
func parseBaseUnits(flag, value string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(value), 10)
	if !ok || v.Sign() < 0 {
		return nil, NewExitError(ExitCommandError, fmt.Sprintf("--%s %q is not a base-unit amount", flag, value))
	}
	return v, nil
}
