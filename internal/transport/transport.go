// Package transport owns the persistent control-socket connection to a
// running cmux instance. The wire is a unix stream socket carrying one
// newline-terminated JSON frame per request and one per response, strictly
// one request in flight at a time.
package transport

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"time"
)

const (
	defaultConnectTimeout = 3 * time.Second
	defaultIOTimeout      = 10 * time.Second

	readerInitialBuffer = 64 * 1024
	readerMaxBuffer     = 10 * 1024 * 1024
)

// SocketNotFoundError reports that the configured socket path does not
// exist on disk. Its message embeds the resolved path verbatim so that a
// caller with only stderr access can tell it apart from a connect failure.
type SocketNotFoundError struct {
	Path string
}

func (e *SocketNotFoundError) Error() string {
	return fmt.Sprintf("socket not found at %s", e.Path)
}

// SocketConnectError reports that the socket path exists but the connect
// was refused or timed out.
type SocketConnectError struct {
	Path string
	Err  error
}

func (e *SocketConnectError) Error() string {
	return fmt.Sprintf("failed to connect to socket at %s: %v", e.Path, e.Err)
}

func (e *SocketConnectError) Unwrap() error {
	return e.Err
}

// Conn is a single blocking request/response connection. It is not safe
// for concurrent use; the harness issues one call at a time.
type Conn struct {
	path           string
	connectTimeout time.Duration
	ioTimeout      time.Duration

	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
	closed bool
}

type Option func(*Conn)

func WithConnectTimeout(d time.Duration) Option {
	return func(c *Conn) {
		if d > 0 {
			c.connectTimeout = d
		}
	}
}

func WithIOTimeout(d time.Duration) Option {
	return func(c *Conn) {
		if d > 0 {
			c.ioTimeout = d
		}
	}
}

// Dial opens exactly one connection to the socket at path. A missing
// path yields *SocketNotFoundError; an existing but unreachable socket
// yields *SocketConnectError.
func Dial(path string, opts ...Option) (*Conn, error) {
	c := &Conn{
		path:           path,
		connectTimeout: defaultConnectTimeout,
		ioTimeout:      defaultIOTimeout,
	}
	for _, o := range opts {
		o(c)
	}
	if _, err := os.Stat(path); err != nil {
		return nil, &SocketNotFoundError{Path: path}
	}
	var d net.Dialer
	ctx, cancel := context.WithTimeout(context.Background(), c.connectTimeout)
	defer cancel()
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, &SocketConnectError{Path: path, Err: err}
	}
	c.conn = conn
	c.reader = bufio.NewReaderSize(conn, readerInitialBuffer)
	return c, nil
}

func (c *Conn) Path() string {
	return c.path
}

// Send writes one request frame and blocks until the corresponding
// response frame arrives, the context is done, or the I/O timeout
// elapses. The trailing newline is stripped from the returned payload.
func (c *Conn) Send(ctx context.Context, payload []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.conn == nil {
		return nil, fmt.Errorf("send on closed connection to %s", c.path)
	}

	deadline := time.Now().Add(c.ioTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("set deadline: %w", err)
	}

	frame := make([]byte, 0, len(payload)+1)
	frame = append(frame, payload...)
	frame = append(frame, '\n')
	if _, err := c.conn.Write(frame); err != nil {
		return nil, fmt.Errorf("write request to %s: %w", c.path, err)
	}

	line, err := c.readFrame()
	if err != nil {
		return nil, fmt.Errorf("read response from %s: %w", c.path, err)
	}
	return line, nil
}

func (c *Conn) readFrame() ([]byte, error) {
	var frame []byte
	for {
		chunk, err := c.reader.ReadSlice('\n')
		frame = append(frame, chunk...)
		if err == nil {
			break
		}
		if err != bufio.ErrBufferFull {
			return nil, err
		}
		if len(frame) > readerMaxBuffer {
			return nil, fmt.Errorf("response frame exceeds %d bytes", readerMaxBuffer)
		}
	}
	for len(frame) > 0 && (frame[len(frame)-1] == '\n' || frame[len(frame)-1] == '\r') {
		frame = frame[:len(frame)-1]
	}
	return frame, nil
}

// Close releases the connection. It is idempotent and safe to call on a
// connection that never finished connecting.
func (c *Conn) Close() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.conn == nil {
		c.closed = true
		return nil
	}
	c.closed = true
	return c.conn.Close()
}
