package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/ethereum/go-ethereum"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"github.com/hashicorp/go-multierror"
)

var (
	// ErrChainUnavailable every endpoint failed; match with errors.Is.
	ErrChainUnavailable = errors.New("chain unavailable")

	// ErrImplausibleBatch a batch answer contradicted known constants for a well-known token.
	ErrImplausibleBatch = errors.New("implausible batch response")

	// ErrNoEndpoints the pool was built without endpoints.
	ErrNoEndpoints = errors.New("no rpc endpoints configured")
)

// ChainUnavailableError is returned when every endpoint failed. Last is the final endpoint's
// error; All carries one entry per attempted endpoint.
type ChainUnavailableError struct {
	Op   string
	Last error
	All  *multierror.Error
}

func (e *ChainUnavailableError) Error() string {
	attempts := 0
	if e.All != nil {
		attempts = len(e.All.Errors)
	}
	return fmt.Sprintf("%s: %s failed on %d endpoint(s), last error: %v", ErrChainUnavailable, e.Op, attempts, e.Last)
}

func (e *ChainUnavailableError) Unwrap() error { return e.Last }

func (e *ChainUnavailableError) Is(target error) bool { return target == ErrChainUnavailable }

// infrastructure failure patterns: provider limits, overloaded or lagging nodes, transport errors
var infrastructurePatterns = []string{
	"rate limit",
	"too many requests",
	"limit exceeded",
	"capacity",
	"exhausted",
	"quota",
	"timeout",
	"timed out",
	"deadline",
	"connection refused",
	"connection reset",
	"no such host",
	"bad gateway",
	"service unavailable",
	"gateway timeout",
	"internal server error",
	"header not found",
	"missing trie node",
	"request entity too large",
	"method not found",
	"not supported",
	"unavailable",
	"unexpected end of json input",
}

// infrastructure error codes: limit exceeded, resource unavailable, method not found
var infrastructureCodes = map[int]bool{
	-32005: true,
	-32002: true,
	-32601: true,
	429:    true,
}

// IsInfrastructure reports whether err is a network or provider failure rather than a logical
// answer from the chain. Reverts and "not found" are logical answers.
func IsInfrastructure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrChainUnavailable) || errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, ethereum.NotFound) {
		return false
	}
	if errors.Is(err, gethrpc.ErrMissingBatchResponse) {
		return true
	}

	var httpErr gethrpc.HTTPError
	if errors.As(err, &httpErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var rpcErr gethrpc.Error
	if errors.As(err, &rpcErr) && infrastructureCodes[rpcErr.ErrorCode()] {
		return true
	}
	var dataErr gethrpc.DataError
	if errors.As(err, &dataErr) && dataErr.ErrorData() != nil {
		// carries revert data
		return false
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "execution reverted") {
		return false
	}
	for _, pattern := range infrastructurePatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// isAnswer reports whether err is a well-formed response that must not be retried elsewhere.
func isAnswer(err error) bool {
	if errors.Is(err, ethereum.NotFound) {
		return true
	}
	var rpcErr gethrpc.Error
	return errors.As(err, &rpcErr) && !IsInfrastructure(err)
}
