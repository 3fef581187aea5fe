// Package httpx owns the single shared outbound HTTP client. All components
// that talk to providers or HTTP-transport MCP servers borrow this client;
// nobody else constructs transports.
//
// There is deliberately no retry layer here: retry semantics differ between
// idempotent model listings and tool calls, so retries belong to callers.
package httpx

import (
	"context"
	"io"
	"log"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"
)

// Defaults for the shared transport.
const (
	DefaultMaxConnsPerHost     = 100
	DefaultMaxIdleConnsPerHost = 20
	DefaultIdleConnTimeout     = 30 * time.Second
	DefaultRequestTimeout      = 120 * time.Second
)

// Pool wraps the shared outbound client.
type Pool struct {
	client  *http.Client
	timeout time.Duration
}

// Options tunes the shared transport. Zero values fall back to defaults.
type Options struct {
	MaxConnsPerHost     int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
	RequestTimeout      time.Duration
}

// New builds the pool. HTTP/2 is attempted; failure to configure it degrades
// to HTTP/1.1 with a warning rather than an error.
func New(opts Options) *Pool {
	if opts.MaxConnsPerHost <= 0 {
		opts.MaxConnsPerHost = DefaultMaxConnsPerHost
	}
	if opts.MaxIdleConnsPerHost <= 0 {
		opts.MaxIdleConnsPerHost = DefaultMaxIdleConnsPerHost
	}
	if opts.IdleConnTimeout <= 0 {
		opts.IdleConnTimeout = DefaultIdleConnTimeout
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxConnsPerHost:     opts.MaxConnsPerHost,
		MaxIdleConnsPerHost: opts.MaxIdleConnsPerHost,
		IdleConnTimeout:     opts.IdleConnTimeout,
		ForceAttemptHTTP2:   true,
	}
	if err := http2.ConfigureTransport(transport); err != nil {
		log.Printf("[HTTPPool] WARNING: HTTP/2 unavailable, staying on HTTP/1.1: %v", err)
	}

	return &Pool{
		client:  &http.Client{Transport: transport},
		timeout: opts.RequestTimeout,
	}
}

// Client returns the shared client. The returned handle is read-only shared
// state; callers must not mutate it.
func (p *Pool) Client() *http.Client {
	return p.client
}

// Do executes req with the pool's default total timeout applied unless the
// request context already carries an earlier deadline.
func (p *Pool) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	if _, has := ctx.Deadline(); !has {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		// The response body outlives this function; tie cancellation to body
		// close via a wrapper request context.
		req = req.WithContext(ctx)
		resp, err := p.client.Do(req)
		if err != nil {
			cancel()
			return nil, err
		}
		resp.Body = &cancelBody{ReadCloser: resp.Body, cancel: cancel}
		return resp, nil
	}
	return p.client.Do(req)
}

// Close releases idle connections. Called once during shutdown.
func (p *Pool) Close() {
	p.client.CloseIdleConnections()
}

type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}
