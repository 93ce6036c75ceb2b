package swap

import "errors"

var (
	// ErrInvalidTransition the requested move is not in the state graph.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrBusy another state-changing operation is in progress for this order.
	ErrBusy = errors.New("operation already in progress")

	// ErrAbandoned the viewer declined a mutating step; nothing was submitted.
	ErrAbandoned = errors.New("flow abandoned")

	// ErrInsufficientFunds the wallet cannot cover the leg, even by wrapping. Recoverable.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrInsufficientAllowance approval did not take effect after confirmation. Recoverable.
	ErrInsufficientAllowance = errors.New("insufficient allowance")

	// ErrCounterpartyNotReady the signer's balance or approval no longer covers its leg.
	ErrCounterpartyNotReady = errors.New("signer cannot currently deliver its leg")

	// ErrNotSender the order names a different sender wallet.
	ErrNotSender = errors.New("order is reserved for another sender")

	// ErrContractRejected the settlement contract's own check reports errors.
	ErrContractRejected = errors.New("settlement contract rejects order")

	// ErrIncompleteRead a leg could not be read; the check must be repeated.
	ErrIncompleteRead = errors.New("leg state could not be read")
)
