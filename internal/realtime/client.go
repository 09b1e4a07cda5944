package realtime

import (
	"sync"

	v1 "ripple/pkg/wire/v1"
)

// Client is the server-side handle for one websocket session: the resolved
// identity plus a bounded outbound queue drained by the session's writer
// goroutine.
//
// Send is never closed. Broadcasters race with session shutdown, and closing
// a channel under concurrent senders panics; shutdown is signalled through
// the done channel instead, which every sender selects on.
type Client struct {
	SessionID string
	UserID    string
	Username  string
	Send      chan v1.Envelope

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient builds a session handle with a bounded send queue.
func NewClient(userID, username, sessionID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = wsMinSendQueueSize
	}
	return &Client{
		SessionID: sessionID,
		UserID:    userID,
		Username:  username,
		Send:      make(chan v1.Envelope, sendQueueSize),
		done:      make(chan struct{}),
	}
}

// Done is closed once the session begins shutdown. Safe on a nil receiver.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return c.done
}

// Close signals the writer and heartbeat goroutines to stop. Idempotent, and
// it leaves Send open (see the type comment).
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}
