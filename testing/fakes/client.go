// Package fakes provides in-memory store.Client implementations for tests.
// The fake client records every statement it sees and delegates behavior to
// pluggable functions, so tests can script store responses without a real
// database.
package fakes

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/gaborage/go-datalayer/store"
)

// Client is a scriptable store.Client. The zero behavior returns an empty
// result for every statement; tests override ExecuteFunc and PingFunc to
// shape responses. All methods are safe for concurrent use.
type Client struct {
	vendor store.Vendor

	// ExecuteFunc handles every statement when set. The default returns an
	// empty result.
	ExecuteFunc func(ctx context.Context, query string, args ...any) (*store.Result, error)

	// PingFunc handles liveness probes when set. The default succeeds.
	PingFunc func(ctx context.Context) error

	// CloseErr is returned by Close.
	CloseErr error

	mu       sync.Mutex
	executed []store.Statement
	closed   atomic.Bool
}

var _ store.Client = (*Client)(nil)

// NewClient builds a fake client reporting the given vendor.
func NewClient(vendor store.Vendor) *Client {
	return &Client{vendor: vendor}
}

// Execute records the statement and delegates to ExecuteFunc.
func (c *Client) Execute(ctx context.Context, query string, args ...any) (*store.Result, error) {
	if c.closed.Load() {
		return nil, store.NewError(store.KindClosed, "execute", query, store.ErrClosed)
	}

	c.mu.Lock()
	c.executed = append(c.executed, store.Statement{Query: query, Args: args})
	c.mu.Unlock()

	if c.ExecuteFunc != nil {
		return c.ExecuteFunc(ctx, query, args...)
	}
	return &store.Result{}, nil
}

// Batch runs each statement through Execute, stopping at the first failure.
func (c *Client) Batch(ctx context.Context, stmts []store.Statement) ([]*store.Result, error) {
	results := make([]*store.Result, 0, len(stmts))
	for _, stmt := range stmts {
		result, err := c.Execute(ctx, stmt.Query, stmt.Args...)
		if err != nil {
			return nil, err
		}
		results = append(results, result)
	}
	return results, nil
}

// Prepare returns a statement that routes executions back through the client.
func (c *Client) Prepare(_ context.Context, query string) (store.Stmt, error) {
	if c.closed.Load() {
		return nil, store.NewError(store.KindClosed, "prepare", query, store.ErrClosed)
	}
	return &stmt{client: c, query: query}, nil
}

// Ping delegates to PingFunc, succeeding by default.
func (c *Client) Ping(ctx context.Context) error {
	if c.closed.Load() {
		return store.NewError(store.KindClosed, "ping", "", store.ErrClosed)
	}
	if c.PingFunc != nil {
		return c.PingFunc(ctx)
	}
	return nil
}

// Close marks the client closed. Subsequent statements fail with a
// closed-kind error.
func (c *Client) Close() error {
	c.closed.Store(true)
	return c.CloseErr
}

// Vendor reports the configured vendor.
func (c *Client) Vendor() store.Vendor {
	return c.vendor
}

// Closed reports whether Close was called.
func (c *Client) Closed() bool {
	return c.closed.Load()
}

// Queries returns the text of every executed statement in order.
func (c *Client) Queries() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, len(c.executed))
	for i, s := range c.executed {
		out[i] = s.Query
	}
	return out
}

// Statements returns a copy of every executed statement in order.
func (c *Client) Statements() []store.Statement {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]store.Statement, len(c.executed))
	copy(out, c.executed)
	return out
}

// stmt is the fake prepared statement.
type stmt struct {
	client *Client
	query  string
}

func (s *stmt) Execute(ctx context.Context, args ...any) (*store.Result, error) {
	return s.client.Execute(ctx, s.query, args...)
}

func (s *stmt) Close() error {
	return nil
}

// ClientFactory produces fake clients for pool tests and keeps track of every
// client it created.
type ClientFactory struct {
	vendor string

	// Configure customizes each new client before it is handed out.
	Configure func(c *Client)

	// Err, when set, makes the factory fail.
	Err error

	mu      sync.Mutex
	clients []*Client
}

// NewClientFactory builds a factory producing clients for the given vendor.
func NewClientFactory(vendor store.Vendor) *ClientFactory {
	return &ClientFactory{vendor: vendor}
}

// Factory is the store.Factory adapter.
func (f *ClientFactory) Factory(_ context.Context) (store.Client, error) {
	if f.Err != nil {
		return nil, f.Err
	}

	c := NewClient(f.vendor)
	if f.Configure != nil {
		f.Configure(c)
	}

	f.mu.Lock()
	f.clients = append(f.clients, c)
	f.mu.Unlock()
	return c, nil
}

// Clients returns every client the factory has produced.
func (f *ClientFactory) Clients() []*Client {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]*Client, len(f.clients))
	copy(out, f.clients)
	return out
}

// Created reports how many clients the factory has produced.
func (f *ClientFactory) Created() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}
