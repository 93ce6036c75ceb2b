package rpc

import (
	"context"
	"errors"
	"fmt"

	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"github.com/sirupsen/logrus"

	"castswap/internal/metrics"
)

// BatchValidator inspects a well-formed batch answer and rejects it with a non-nil error.
type BatchValidator func(batch []gethrpc.BatchElem) error

// BatchCall sends batch to the first endpoint that answers every element. Per-element JSON-RPC
// errors (a revert on one call) are answers and stay in the element's Error; missing or
// undecodable elements make the whole response malformed and move on to the next endpoint.
func (p *Pool) BatchCall(ctx context.Context, batch []gethrpc.BatchElem) (string, error) {
	return p.try(ctx, ModeBatch, fmt.Sprintf("batch(%d)", len(batch)), func(ctx context.Context, ep *Endpoint) error {
		for i := range batch {
			batch[i].Error = nil
		}
		if err := ep.rpc.BatchCallContext(ctx, batch); err != nil {
			return err
		}
		for _, el := range batch {
			if el.Error == nil || isAnswer(el.Error) {
				continue
			}
			return fmt.Errorf("malformed batch response for %s: %w", el.Method, el.Error)
		}
		return nil
	})
}

// Read runs batch and applies validate to the answer. A rejected answer is discarded and every
// element is re-read on its own through the endpoint fallback.
func (p *Pool) Read(ctx context.Context, batch []gethrpc.BatchElem, validate BatchValidator) (Source, error) {
	served, err := p.BatchCall(ctx, batch)
	if err != nil {
		return Source{}, err
	}
	if validate == nil {
		return Source{Endpoint: served, Mode: ModeBatch}, nil
	}
	verr := validate(batch)
	if verr == nil {
		return Source{Endpoint: served, Mode: ModeBatch}, nil
	}

	metrics.RPCFallbacks.Inc()
	p.log.WithFields(logrus.Fields{"endpoint": label(served)}).WithError(verr).Warn("⚠️ batch answer rejected, reading sequentially")
	return p.Sequential(ctx, batch)
}

// Sequential performs each element as a single call. Logical errors stay on the element;
// an element no endpoint could serve fails the read.
func (p *Pool) Sequential(ctx context.Context, batch []gethrpc.BatchElem) (Source, error) {
	var served string
	for i := range batch {
		el := &batch[i]
		el.Error = nil
		rawURL, err := p.try(ctx, ModeSequential, el.Method, func(ctx context.Context, ep *Endpoint) error {
			return ep.rpc.CallContext(ctx, el.Result, el.Method, el.Args...)
		})
		if err != nil && (errors.Is(err, ErrChainUnavailable) || ctx.Err() != nil) {
			return Source{}, err
		}
		el.Error = err
		served = rawURL
	}
	return Source{Endpoint: served, Mode: ModeSequential}, nil
}
