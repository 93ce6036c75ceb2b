package chain

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"castswap/internal/rpc"
)

var (
	// ErrSimulationRejected the settlement contract rejected a dry run; submission is blocked.
	ErrSimulationRejected = errors.New("simulation rejected")

	// ErrSimulationInconclusive the dry run could not be evaluated by the node; submission may proceed.
	ErrSimulationInconclusive = errors.New("simulation inconclusive")

	// ErrConfirmationTimeout no receipt arrived within the wait bound; the transaction may still land.
	ErrConfirmationTimeout = errors.New("confirmation timeout")

	// ErrTransactionFailed a receipt arrived with failed status.
	ErrTransactionFailed = errors.New("transaction failed on-chain")
)

// RevertError is a decoded contract rejection.
type RevertError struct {
	Name   string        // custom error name, "Error" for revert strings, empty when undecodable
	Args   []interface{} // decoded arguments
	Reason string        // human readable
	Data   []byte        // raw revert data
}

func (e *RevertError) Error() string {
	return "execution reverted: " + e.Reason
}

func (e *RevertError) Is(target error) bool { return target == ErrSimulationRejected }

// InconclusiveError is a dry run that failed for infrastructure reasons.
type InconclusiveError struct {
	Reason string // unsupported | limits | unavailable
	Cause  error
}

func (e *InconclusiveError) Error() string {
	return fmt.Sprintf("%s (%s): %v", ErrSimulationInconclusive, e.Reason, e.Cause)
}

func (e *InconclusiveError) Unwrap() error { return e.Cause }

func (e *InconclusiveError) Is(target error) bool { return target == ErrSimulationInconclusive }

// DecodeRevert turns revert data into a RevertError using the settlement contract's custom errors
// and the standard Error(string) / Panic(uint256) encodings.
func DecodeRevert(data []byte) *RevertError {
	rerr := &RevertError{Data: data, Reason: "execution reverted"}
	if len(data) < 4 {
		return rerr
	}
	if reason, err := abi.UnpackRevert(data); err == nil {
		rerr.Name = "Error"
		rerr.Reason = reason
		return rerr
	}
	for name, abiErr := range SwapABI.Errors {
		if !bytes.Equal(abiErr.ID[:4], data[:4]) {
			continue
		}
		rerr.Name = name
		rerr.Reason = name
		if args, err := abiErr.Inputs.Unpack(data[4:]); err == nil && len(args) > 0 {
			rerr.Args = args
			parts := make([]string, len(args))
			for i, a := range args {
				parts[i] = fmt.Sprint(a)
			}
			rerr.Reason = fmt.Sprintf("%s(%s)", name, strings.Join(parts, ","))
		}
		return rerr
	}
	rerr.Reason = "unknown error " + hexutil.Encode(data[:4])
	return rerr
}

// classifyCallError maps an eth_call / eth_estimateGas failure to a RevertError when the
// contract rejected the call, an InconclusiveError when the node could not evaluate it, and
// otherwise returns err wrapped so callers treat it as neither. Cancellation is returned as is.
func classifyCallError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var dataErr gethrpc.DataError
	if errors.As(err, &dataErr) {
		if data := revertData(dataErr.ErrorData()); data != nil {
			return DecodeRevert(data)
		}
	}
	if rpc.IsInfrastructure(err) {
		return &InconclusiveError{Reason: inconclusiveReason(err), Cause: err}
	}
	msg := err.Error()
	if strings.Contains(strings.ToLower(msg), "execution reverted") {
		reason := strings.TrimSpace(strings.TrimPrefix(msg, "execution reverted"))
		reason = strings.TrimSpace(strings.TrimPrefix(reason, ":"))
		if reason == "" {
			reason = "execution reverted"
		}
		return &RevertError{Reason: reason}
	}
	// a node-side refusal such as insufficient funds for gas
	return fmt.Errorf("call failed: %w", err)
}

func revertData(v interface{}) []byte {
	s, ok := v.(string)
	if !ok {
		return nil
	}
	data, err := hexutil.Decode(s)
	if err != nil || len(data) == 0 {
		return nil
	}
	return data
}

func inconclusiveReason(err error) string {
	var unavailable *rpc.ChainUnavailableError
	if errors.As(err, &unavailable) && unavailable.Last != nil {
		err = unavailable.Last
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "not supported"), strings.Contains(msg, "method not found"):
		return "unsupported"
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"), strings.Contains(msg, "deadline"),
		strings.Contains(msg, "limit"), strings.Contains(msg, "capacity"), strings.Contains(msg, "exhausted"):
		return "limits"
	default:
		return "unavailable"
	}
}
