package framenet

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// MaxConns is the default cap on simultaneously accepted peers.
const MaxConns = 1000

// IdentityFunc resolves the registry key for a peer whose socket address is
// not globally routable.
type IdentityFunc func(ctx context.Context, host string) (string, error)

// PublicCheck classifies a host as globally routable. It is an external
// collaborator; the engine only consumes the verdict.
type PublicCheck func(host string) bool

// Server accepts framed TCP connections, resolves a logical identity for
// each peer, keeps them in a named table and runs their read loops. One
// misbehaving peer cannot block acceptance or the frames of other peers:
// every connection gets its own goroutine and handlers run on a worker pool
// hashed by identity.
type Server struct {
	router   *Router
	logger   zerolog.Logger
	isPublic PublicCheck
	identify IdentityFunc
	welcome  bool
	pool     *workerPool
	maxConns int

	tap       *nats.Conn
	tapPrefix string

	mu      sync.Mutex // guards following
	lis     net.Listener
	peers   map[string]*Conn
	pending int // accepted sockets still inside identity resolution
	closed  bool

	wg sync.WaitGroup
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the server's logger.
func WithServerLogger(l zerolog.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// WithPublicCheck supplies the predicate classifying peer hosts as globally
// routable. Without one every host counts as public and keeps its socket
// address as identity.
func WithPublicCheck(fn PublicCheck) ServerOption {
	return func(s *Server) { s.isPublic = fn }
}

// WithIdentityFunc replaces the lookup used for non-public hosts. The
// default asks DefaultResolverURL.
func WithIdentityFunc(fn IdentityFunc) ServerOption {
	return func(s *Server) { s.identify = fn }
}

// WithWelcome controls whether accepted peers are sent the welcome frame
// (protocol 1001) carrying their resolved identity. On by default.
func WithWelcome(on bool) ServerOption {
	return func(s *Server) { s.welcome = on }
}

// WithWorkers sets the handler worker pool size.
func WithWorkers(n int) ServerOption {
	return func(s *Server) { s.pool = newWorkerPool(n) }
}

// WithMaxConns caps the number of simultaneous peers.
func WithMaxConns(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.maxConns = n
		}
	}
}

// WithUplinkTap additionally publishes every inbound frame to NATS under
// <prefix>.<identity>.<protocol>.
func WithUplinkTap(nc *nats.Conn, prefix string) ServerOption {
	return func(s *Server) {
		s.tap = nc
		s.tapPrefix = prefix
	}
}

// NewServer returns a server dispatching through router.
func NewServer(router *Router, opts ...ServerOption) *Server {
	s := &Server{
		router:   router,
		logger:   zerolog.Nop(),
		isPublic: func(string) bool { return true },
		welcome:  true,
		maxConns: MaxConns,
		peers:    make(map[string]*Conn),
	}
	for _, o := range opts {
		o(s)
	}
	if s.identify == nil {
		resolver := NewIdentityResolver("", WithResolverLogger(s.logger))
		s.identify = resolver.Resolve
	}
	if s.pool == nil {
		s.pool = newWorkerPool(defaultWorkers)
	}
	// Registry probes arrive as heartbeat frames; swallow them so they do
	// not show up as unknown protocols.
	_ = s.router.Register(HeartbeatProtocol, func(*Context, []byte) {})
	return s
}

// Serve accepts connections on l until the listener fails or the server is
// closed. Transient accept errors back off and retry.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		l.Close()
		return ErrServerClosed
	}
	s.lis = l
	s.mu.Unlock()

	s.logger.Info().Str("addr", l.Addr().String()).Msg("server start")

	var tempDelay time.Duration
	for {
		raw, err := l.Accept()
		if err != nil {
			if s.isClosed() {
				return ErrServerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Temporary() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if max := 1 * time.Second; tempDelay > max {
					tempDelay = max
				}
				s.logger.Warn().Err(err).Dur("retry_in", tempDelay).Msg("accept error")
				time.Sleep(tempDelay)
				continue
			}
			return err
		}
		tempDelay = 0

		// Pending handshakes count against the cap too, so a flood of
		// sockets stuck in identity resolution cannot exceed it.
		s.mu.Lock()
		if len(s.peers)+s.pending >= s.maxConns {
			s.mu.Unlock()
			s.logger.Warn().Int("max", s.maxConns).Msg("refusing connection, at capacity")
			raw.Close()
			continue
		}
		s.pending++
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(raw)
			s.mu.Lock()
			s.pending--
			s.mu.Unlock()
		}()
	}
}

func (s *Server) handle(raw net.Conn) {
	host, _, err := net.SplitHostPort(raw.RemoteAddr().String())
	if err != nil {
		host = raw.RemoteAddr().String()
	}

	identity := host
	if !s.isPublic(host) {
		ctx, cancel := context.WithTimeout(context.Background(), ResolveTimeout)
		identity, err = s.identify(ctx, host)
		cancel()
		if err != nil {
			// Identity resolution is a mandatory dependency: a peer that
			// cannot be keyed cannot be served. Fail-fast.
			s.logger.Fatal().Err(err).Str("host", host).Msg("identity resolution failed")
		}
	}

	c := newConn(raw, s.router)
	c.logger = s.logger.With().Str("peer", identity).Logger()
	c.setIdentity(identity)
	c.exec = func(fn func()) {
		if err := s.pool.put(identity, fn); err != nil {
			s.logger.Debug().Str("peer", identity).Msg("dropping frame, pool closed")
		}
	}
	if s.tap != nil {
		c.tap = func(f Frame) { s.publishUplink(identity, f) }
	}
	c.onClose = func(closed *Conn) { s.removePeer(identity, closed) }

	s.addPeer(identity, c)
	go c.ReadLoop()

	if s.welcome {
		if err := c.Write(WelcomeProtocol, []byte(identity)); err != nil {
			s.logger.Warn().Err(err).Str("peer", identity).Msg("welcome frame failed")
		}
	}
}

func (s *Server) publishUplink(identity string, f Frame) {
	subject := fmt.Sprintf("%s.%s.%d", s.tapPrefix, identity, f.Protocol)
	if err := s.tap.Publish(subject, f.Payload); err != nil {
		s.logger.Warn().Err(err).Str("subject", subject).Msg("uplink publish failed")
	}
}

// addPeer registers c under identity. A previous connection holding the
// same identity is closed and replaced.
func (s *Server) addPeer(identity string, c *Conn) {
	s.mu.Lock()
	prev := s.peers[identity]
	s.peers[identity] = c
	total := len(s.peers)
	s.mu.Unlock()

	if prev != nil {
		s.logger.Info().Str("peer", identity).Msg("replacing connection with same identity")
		prev.Close()
	}
	s.logger.Info().Str("peer", identity).Int("total", total).Msg("peer registered")
}

func (s *Server) removePeer(identity string, c *Conn) {
	s.mu.Lock()
	if s.peers[identity] == c {
		delete(s.peers, identity)
	}
	s.mu.Unlock()
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Peer returns the live connection registered under identity.
func (s *Server) Peer(identity string) (*Conn, error) {
	s.mu.Lock()
	c, ok := s.peers[identity]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("peer %q: %w", identity, ErrUnknownClient)
	}
	return c, nil
}

// PeerInfo is a point-in-time view of one registered peer.
type PeerInfo struct {
	Identity string
	Addr     string
	LastSeen time.Time
}

// Peers returns a snapshot of all registered peers.
func (s *Server) Peers() []PeerInfo {
	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.peers))
	for _, c := range s.peers {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	infos := make([]PeerInfo, 0, len(conns))
	for _, c := range conns {
		infos = append(infos, PeerInfo{
			Identity: c.Identity(),
			Addr:     c.RemoteAddr().String(),
			LastSeen: c.LastSeen(),
		})
	}
	return infos
}

// Forward writes a frame to the peer registered under identity. It fails
// with ErrUnknownClient when no such peer is connected.
func (s *Server) Forward(identity string, protocol uint64, payload []byte) error {
	c, err := s.Peer(identity)
	if err != nil {
		return err
	}
	return c.Write(protocol, payload)
}

// expirePeers closes every peer whose last activity is older than maxIdle.
func (s *Server) expirePeers(now time.Time, maxIdle time.Duration) {
	for _, info := range s.Peers() {
		if now.Sub(info.LastSeen) <= maxIdle {
			continue
		}
		if c, err := s.Peer(info.Identity); err == nil {
			peersExpired.Inc()
			s.logger.Warn().Str("peer", info.Identity).Time("last_seen", info.LastSeen).Msg("peer idle, closing")
			c.Close()
		}
	}
}

// Close stops accepting, closes every peer and waits for their goroutines.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	lis := s.lis
	conns := make([]*Conn, 0, len(s.peers))
	for _, c := range s.peers {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	if lis != nil {
		lis.Close()
	}
	for _, c := range conns {
		c.Close()
	}
	s.wg.Wait()
	s.pool.close()
	s.logger.Info().Msg("server closed")
}
