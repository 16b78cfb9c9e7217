package wire

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// NoTimeout disables the per-read timeout on a Channel.
const NoTimeout time.Duration = -1

// Name tags a Channel for diagnostics: which node it talks to, and a
// per-connection id to distinguish successive connections to the same node.
type Name struct {
	NodeName string
	ID       uint64
}

func (n Name) String() string {
	return fmt.Sprintf("%s/%d", n.NodeName, n.ID)
}

// Codec turns typed Messages into bytes on the wire, and back. It is an
// external collaborator (§1 of the spec): the engine only ever sees the
// typed Message values a Codec produces.
type Codec interface {
	WriteMessage(w io.Writer, m Message) error
	ReadMessage(r io.Reader) (Message, error)
}

// Channel is a named, bidirectional, blocking byte channel carrying typed
// Messages, with a settable per-read timeout. Exactly one goroutine may call
// Read, and exactly one (possibly different) goroutine may call Write, at
// any given time - concurrent use of the same direction is forbidden.
type Channel interface {
	// Read blocks until a Message arrives, the per-read timeout elapses, or
	// the channel is closed. A timeout or peer close surfaces as an
	// *IoError.
	Read() (Message, error)
	// Write blocks until m has been written, or the channel is closed.
	Write(m Message) error
	// SetReadTimeout changes the per-read timeout; NoTimeout disables it.
	SetReadTimeout(d time.Duration)
	// Close is idempotent; it unblocks any in-flight Read or Write.
	Close() error
	// IsOpen reports whether Close has not yet been called.
	IsOpen() bool
	// Name returns this channel's diagnostic tag.
	Name() Name
}

// IoError reports a failed Read or Write: the peer closed the connection,
// or the per-read timeout elapsed.
type IoError struct {
	Channel Name
	Timeout bool
	Cause   error
}

func (e *IoError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("wire: %s: read timeout: %v", e.Channel, e.Cause)
	}
	return fmt.Sprintf("wire: %s: io error: %v", e.Channel, e.Cause)
}

func (e *IoError) Unwrap() error { return e.Cause }

func (e *IoError) Is(target error) bool {
	_, ok := target.(*IoError)
	return ok
}

// netChannel adapts a net.Conn into a Channel, using a Codec for framing.
type netChannel struct {
	name  Name
	conn  net.Conn
	codec Codec

	mu      sync.Mutex
	open    bool
	timeout time.Duration
}

// NewChannel wraps conn as a named Channel, framing messages with codec.
// The channel starts with no read timeout.
func NewChannel(name Name, conn net.Conn, codec Codec) Channel {
	return &netChannel{
		name:    name,
		conn:    conn,
		codec:   codec,
		open:    true,
		timeout: NoTimeout,
	}
}

func (c *netChannel) Name() Name { return c.name }

func (c *netChannel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *netChannel) SetReadTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timeout = d
}

func (c *netChannel) readDeadline() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(c.timeout)
}

func (c *netChannel) Read() (Message, error) {
	if !c.IsOpen() {
		return Message{}, &IoError{Channel: c.name, Cause: net.ErrClosed}
	}
	if err := c.conn.SetReadDeadline(c.readDeadline()); err != nil {
		return Message{}, &IoError{Channel: c.name, Cause: err}
	}
	m, err := c.codec.ReadMessage(c.conn)
	if err != nil {
		var netErr net.Error
		timeout := errors.As(err, &netErr) && netErr.Timeout()
		return Message{}, &IoError{Channel: c.name, Timeout: timeout, Cause: err}
	}
	return m, nil
}

func (c *netChannel) Write(m Message) error {
	if !c.IsOpen() {
		return &IoError{Channel: c.name, Cause: net.ErrClosed}
	}
	if err := c.codec.WriteMessage(c.conn, m); err != nil {
		return &IoError{Channel: c.name, Cause: err}
	}
	return nil
}

func (c *netChannel) Close() error {
	c.mu.Lock()
	if !c.open {
		c.mu.Unlock()
		return nil
	}
	c.open = false
	c.mu.Unlock()
	return c.conn.Close()
}
