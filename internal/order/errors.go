package order

import "errors"

var (
	// ErrMalformedPayload input could not be decoded into an order; never retried.
	ErrMalformedPayload = errors.New("malformed order payload")

	// ErrSignatureInvalid signature does not recover to the signer wallet.
	ErrSignatureInvalid = errors.New("order signature invalid")

	// ErrNoPayloadLine no line carrying the payload marker was found.
	ErrNoPayloadLine = errors.New("no order payload line found")
)
