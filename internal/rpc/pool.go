// Package rpc runs chain reads and writes against an ordered list of equivalent endpoints.
// The first endpoint that returns a well-formed answer wins; a failing endpoint is skipped
// immediately without backoff.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"castswap/internal/metrics"
)

// Read modes reported in Source.Mode.
const (
	ModeSingle     = "single"
	ModeBatch      = "batch"
	ModeSequential = "sequential"
)

const defaultCallTimeout = 10 * time.Second

// Endpoint is one dialed chain endpoint.
type Endpoint struct {
	URL string
	rpc *gethrpc.Client
	eth *ethclient.Client
}

func (e *Endpoint) RPC() *gethrpc.Client   { return e.rpc }
func (e *Endpoint) Eth() *ethclient.Client { return e.eth }

// Source tells which endpoint served a read and how.
type Source struct {
	Endpoint string `json:"endpoint"`
	Mode     string `json:"mode"`
}

// Pool is safe for concurrent use.
type Pool struct {
	urls        []string
	callTimeout time.Duration
	log         *logrus.Entry

	mu      sync.Mutex
	clients map[string]*Endpoint
}

type Option func(*Pool)

func WithLogger(logger *logrus.Logger) Option {
	return func(p *Pool) { p.log = logger.WithField("component", "rpc") }
}

// WithCallTimeout bounds a single attempt on a single endpoint.
func WithCallTimeout(d time.Duration) Option {
	return func(p *Pool) { p.callTimeout = d }
}

// NewPool keeps endpoints in the given order. Endpoints are dialed lazily.
func NewPool(urls []string, opts ...Option) (*Pool, error) {
	if len(urls) == 0 {
		return nil, ErrNoEndpoints
	}
	p := &Pool{
		urls:        append([]string(nil), urls...),
		callTimeout: defaultCallTimeout,
		log:         logrus.StandardLogger().WithField("component", "rpc"),
		clients:     make(map[string]*Endpoint, len(urls)),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *Pool) Endpoints() []string {
	return append([]string(nil), p.urls...)
}

func (p *Pool) endpoint(ctx context.Context, rawURL string) (*Endpoint, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ep, ok := p.clients[rawURL]; ok {
		return ep, nil
	}
	client, err := gethrpc.DialContext(ctx, rawURL)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	ep := &Endpoint{URL: rawURL, rpc: client, eth: ethclient.NewClient(client)}
	p.clients[rawURL] = ep
	return ep, nil
}

// Do runs fn against each endpoint in order and returns the URL of the endpoint that answered.
// Logical answers such as reverts are returned with that endpoint's URL; only infrastructure
// failures move on to the next endpoint.
func (p *Pool) Do(ctx context.Context, op string, fn func(ctx context.Context, ep *Endpoint) error) (string, error) {
	return p.try(ctx, ModeSingle, op, fn)
}

func (p *Pool) try(ctx context.Context, mode, op string, fn func(ctx context.Context, ep *Endpoint) error) (string, error) {
	start := time.Now()
	defer func() { metrics.RPCDuration.WithLabelValues(mode).Observe(time.Since(start).Seconds()) }()

	var all *multierror.Error
	var last error
	for i, rawURL := range p.urls {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		ep, err := p.endpoint(ctx, rawURL)
		if err == nil {
			callCtx, cancel := context.WithTimeout(ctx, p.callTimeout)
			err = fn(callCtx, ep)
			cancel()
		}
		if err == nil || isAnswer(err) {
			metrics.RPCRequests.WithLabelValues(label(rawURL), mode, "ok").Inc()
			return rawURL, err
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		metrics.RPCRequests.WithLabelValues(label(rawURL), mode, "error").Inc()
		p.log.WithFields(logrus.Fields{
			"endpoint": label(rawURL),
			"attempt":  fmt.Sprintf("%d/%d", i+1, len(p.urls)),
			"op":       op,
		}).WithError(err).Warn("⚠️ endpoint failed, trying next")
		last = err
		all = multierror.Append(all, fmt.Errorf("%s: %w", label(rawURL), err))
	}

	p.log.WithField("op", op).WithError(last).Error("❌ all endpoints failed")
	return "", &ChainUnavailableError{Op: op, Last: last, All: all}
}

// Call performs one JSON-RPC call.
func (p *Pool) Call(ctx context.Context, result interface{}, method string, args ...interface{}) (string, error) {
	return p.Do(ctx, method, func(ctx context.Context, ep *Endpoint) error {
		return ep.rpc.CallContext(ctx, result, method, args...)
	})
}

// Close releases every dialed client.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, ep := range p.clients {
		ep.rpc.Close()
		delete(p.clients, key)
	}
}

// label strips paths and query strings, which often carry provider API keys.
func label(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	return u.Scheme + "://" + u.Host
}

// IsUnavailable reports whether err means every endpoint failed.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrChainUnavailable)
}
