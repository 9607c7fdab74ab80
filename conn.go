package framenet

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const (
	// DialTimeout bounds the TCP connect of Dial.
	DialTimeout = 15 * time.Second

	readBufSize = 4096
)

// Conn is one framed TCP connection. The same type backs both roles: Dial
// produces the outbound client side, a Server wraps each accepted socket in
// one. A Conn has exactly one read loop; any number of goroutines may call
// Write concurrently.
type Conn struct {
	addr   string
	router *Router
	raw    net.Conn
	logger zerolog.Logger

	// exec, when set, runs frame handlers instead of calling them inline.
	// The server points it at its worker pool.
	exec func(fn func())
	// tap, when set, observes every reassembled frame before dispatch.
	tap     func(Frame)
	onClose func(*Conn)

	closed atomic.Bool
	once   sync.Once
	wmu    sync.Mutex // serializes writes so frames cannot interleave

	mu       sync.Mutex // guards following
	identity string
	lastSeen time.Time
}

// ConnOption configures a Conn at construction time.
type ConnOption func(*Conn)

// WithConnLogger sets the connection's logger.
func WithConnLogger(l zerolog.Logger) ConnOption {
	return func(c *Conn) { c.logger = l }
}

// WithOnClose sets a callback invoked exactly once when the connection
// closes, after the socket is shut.
func WithOnClose(fn func(*Conn)) ConnOption {
	return func(c *Conn) { c.onClose = fn }
}

// Dial validates addr, connects within DialTimeout and returns the live
// connection. The caller starts ReadLoop when it wants inbound traffic
// dispatched. The host part of addr must be an IPv4 or IPv6 literal.
func Dial(addr string, router *Router, opts ...ConnOption) (*Conn, error) {
	if err := validateAddress(addr); err != nil {
		return nil, err
	}
	raw, err := net.DialTimeout("tcp", addr, DialTimeout)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil, fmt.Errorf("dial %s: %w", addr, ErrConnectTimeout)
		}
		return nil, fmt.Errorf("dial %s: %v: %w", addr, err, ErrConnectRefused)
	}
	c := newConn(raw, router, opts...)
	c.addr = addr
	c.logger.Info().Str("addr", addr).Msg("connected")
	return c, nil
}

func newConn(raw net.Conn, router *Router, opts ...ConnOption) *Conn {
	c := &Conn{
		addr:     raw.RemoteAddr().String(),
		router:   router,
		raw:      raw,
		logger:   zerolog.Nop(),
		identity: raw.RemoteAddr().String(),
		lastSeen: time.Now(),
	}
	for _, o := range opts {
		o(c)
	}
	connsOpen.Inc()
	return c
}

func validateAddress(addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("%q: %w", addr, ErrInvalidAddress)
	}
	if _, err := netip.ParseAddr(host); err != nil {
		return fmt.Errorf("%q: %w", addr, ErrInvalidAddress)
	}
	return nil
}

// Identity returns the connection's registry key, the remote address until
// a resolved identity is assigned.
func (c *Conn) Identity() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

func (c *Conn) setIdentity(id string) {
	c.mu.Lock()
	c.identity = id
	c.mu.Unlock()
}

// LastSeen returns the time the last frame arrived on this connection.
func (c *Conn) LastSeen() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

func (c *Conn) touch() {
	c.mu.Lock()
	c.lastSeen = time.Now()
	c.mu.Unlock()
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr { return c.raw.RemoteAddr() }

// Closed reports whether the connection has been closed.
func (c *Conn) Closed() bool { return c.closed.Load() }

// ReadLoop reads from the socket until end-of-stream or an I/O error, feeds
// the reassembler and dispatches every completed frame in arrival order
// through the router. It must be called at most once. The loop never
// reconnects on its own; retry is the owner's policy.
func (c *Conn) ReadLoop() {
	defer c.Close()

	rs, err := NewReassembler(c.router.Layout())
	if err != nil {
		c.logger.Error().Err(err).Msg("bad header layout")
		return
	}
	buf := make([]byte, readBufSize)
	for {
		n, rerr := c.raw.Read(buf)
		if n > 0 {
			bytesIn.Add(float64(n))
			frames, ferr := rs.Feed(buf[:n])
			for _, f := range frames {
				framesIn.Inc()
				c.touch()
				c.deliver(f)
			}
			if ferr != nil {
				c.logger.Error().Err(ferr).Msg("reassembly failed, dropping connection")
				return
			}
		}
		if rerr != nil {
			if !errors.Is(rerr, io.EOF) && !c.closed.Load() {
				c.logger.Warn().Err(rerr).Msg("read error")
			}
			break
		}
	}
	if n := rs.Close(); n > 0 {
		// Policy: a truncated trailing frame is dropped, not surfaced.
		framesTruncated.Inc()
		c.logger.Warn().Int("bytes", n).Msg("discarding truncated trailing frame")
	}
}

func (c *Conn) deliver(f Frame) {
	if c.tap != nil {
		c.tap(f)
	}
	if c.exec != nil {
		c.exec(func() { c.handle(f) })
		return
	}
	c.handle(f)
}

func (c *Conn) handle(f Frame) {
	ctx := &Context{
		Identity: c.Identity(),
		Protocol: f.Protocol,
		Conn:     c,
	}
	c.router.Dispatch(f.Protocol, ctx, f.Payload)
}

// Write encodes a full frame and writes it to the socket in one exclusive
// write, so concurrent writers cannot interleave partial frames. It fails
// with ErrNotConnected once the connection is closed.
func (c *Conn) Write(protocol uint64, payload []byte) error {
	if c.closed.Load() {
		return fmt.Errorf("write to %s: %w", c.addr, ErrNotConnected)
	}
	pkt, err := EncodeFrame(c.router.Layout(), protocol, payload)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	_, err = c.raw.Write(pkt)
	c.wmu.Unlock()
	if err != nil {
		c.Close()
		return fmt.Errorf("write to %s: %w", c.addr, err)
	}
	framesOut.Inc()
	bytesOut.Add(float64(len(pkt)))
	return nil
}

// Close shuts the socket, which makes the read loop observe an error on its
// next read and exit. Idempotent.
func (c *Conn) Close() {
	c.once.Do(func() {
		c.closed.Store(true)
		c.raw.Close()
		connsOpen.Dec()
		c.logger.Info().Str("addr", c.addr).Msg("connection closed")
		if c.onClose != nil {
			c.onClose(c)
		}
	})
}
