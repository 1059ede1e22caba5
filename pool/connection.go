package pool

import (
	"time"

	"github.com/google/uuid"

	"github.com/gaborage/go-datalayer/store"
)

// Connection is a pooled handle to the remote store. The pool owns it
// exclusively; callers borrow it between Acquire and Release and must not
// close the underlying client themselves.
type Connection struct {
	id        string
	client    store.Client
	createdAt time.Time

	// Mutable fields below are guarded by the owning pool's mutex.
	inUse      bool
	lastUsedAt time.Time
	usageCount int64
}

func newConnection(client store.Client) *Connection {
	now := time.Now()
	return &Connection{
		id:         uuid.NewString(),
		client:     client,
		createdAt:  now,
		lastUsedAt: now,
	}
}

// ID returns the connection's unique identifier.
func (c *Connection) ID() string {
	return c.id
}

// Client returns the underlying store client. Only the borrower between
// Acquire and Release may issue statements on it.
func (c *Connection) Client() store.Client {
	return c.client
}

// CreatedAt returns when the connection was established.
func (c *Connection) CreatedAt() time.Time {
	return c.createdAt
}

// UsageCount returns how many times the connection has been handed out.
func (c *Connection) UsageCount() int64 {
	return c.usageCount
}
