package framenet

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ClientConfig describes one named outbound connection.
type ClientConfig struct {
	// Address of the remote endpoint; the host must be an IP literal.
	Address string
	// Router dispatching this client's inbound frames.
	Router *Router
	// RetryBudget is how many reconnect attempts the registry's heartbeat
	// may spend before removing the entry.
	RetryBudget int
}

// ServerConfig describes one named accepting endpoint.
type ServerConfig struct {
	// Address to listen on.
	Address string
	// Server handling accepted peers.
	Server *Server
}

type clientEntry struct {
	addr   string
	router *Router
	budget int
	conn   *Conn
}

type serverEntry struct {
	addr string
	srv  *Server
	lis  net.Listener
}

// Registry is the top-level table of named clients and servers. It owns the
// entries exclusively: lookups hand out the live handles, removal closes
// them. A registry is constructed explicitly and passed to whatever
// composes it; there is no package-level instance.
type Registry struct {
	logger zerolog.Logger
	timers *timerQueue

	mu       sync.Mutex // guards following
	clients  map[string]*clientEntry
	servers  map[string]*serverEntry
	hbID     int64
	interval time.Duration
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the registry's logger.
func WithRegistryLogger(l zerolog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// NewRegistry returns an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		logger:  zerolog.Nop(),
		timers:  newTimerQueue(100 * time.Millisecond),
		clients: make(map[string]*clientEntry),
		servers: make(map[string]*serverEntry),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// AddClient dials cfg.Address, starts the connection's read loop and
// registers it under name. Validation errors and dial failures leave the
// registry unchanged.
func (r *Registry) AddClient(name string, cfg ClientConfig) error {
	if name == "" {
		return ErrEmptyName
	}
	if cfg.Address == "" {
		return fmt.Errorf("client %q: %w", name, ErrEmptyAddress)
	}

	r.mu.Lock()
	_, dup := r.clients[name]
	r.mu.Unlock()
	if dup {
		return fmt.Errorf("client %q: %w", name, ErrDuplicateName)
	}

	conn, err := r.dialClient(name, cfg.Address, cfg.Router)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if _, dup := r.clients[name]; dup {
		r.mu.Unlock()
		conn.Close()
		return fmt.Errorf("client %q: %w", name, ErrDuplicateName)
	}
	r.clients[name] = &clientEntry{
		addr:   cfg.Address,
		router: cfg.Router,
		budget: cfg.RetryBudget,
		conn:   conn,
	}
	r.mu.Unlock()

	go conn.ReadLoop()
	r.logger.Info().Str("client", name).Str("addr", cfg.Address).Msg("client added")
	return nil
}

func (r *Registry) dialClient(name, addr string, router *Router) (*Conn, error) {
	return Dial(addr, router,
		WithConnLogger(r.logger.With().Str("client", name).Logger()),
		WithOnClose(func(*Conn) {
			r.logger.Info().Str("client", name).Msg("client connection closed")
		}),
	)
}

// AddServer starts listening on cfg.Address, begins serving and registers
// the server under name.
func (r *Registry) AddServer(name string, cfg ServerConfig) error {
	if name == "" {
		return ErrEmptyName
	}
	if cfg.Address == "" {
		return fmt.Errorf("server %q: %w", name, ErrEmptyAddress)
	}

	r.mu.Lock()
	_, dup := r.servers[name]
	r.mu.Unlock()
	if dup {
		return fmt.Errorf("server %q: %w", name, ErrDuplicateName)
	}

	lis, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		return fmt.Errorf("server %q: %w", name, err)
	}

	r.mu.Lock()
	if _, dup := r.servers[name]; dup {
		r.mu.Unlock()
		lis.Close()
		return fmt.Errorf("server %q: %w", name, ErrDuplicateName)
	}
	r.servers[name] = &serverEntry{addr: cfg.Address, srv: cfg.Server, lis: lis}
	r.mu.Unlock()

	go func() {
		if err := cfg.Server.Serve(lis); err != nil && err != ErrServerClosed {
			r.logger.Error().Err(err).Str("server", name).Msg("serve failed")
		}
	}()
	r.logger.Info().Str("server", name).Str("addr", lis.Addr().String()).Msg("server added")
	return nil
}

// Client returns the live connection registered under name.
func (r *Registry) Client(name string) (*Conn, error) {
	r.mu.Lock()
	e, ok := r.clients[name]
	var conn *Conn
	if ok {
		conn = e.conn
	}
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("client %q: %w", name, ErrNotFound)
	}
	return conn, nil
}

// Server returns the server registered under name.
func (r *Registry) Server(name string) (*Server, error) {
	r.mu.Lock()
	e, ok := r.servers[name]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("server %q: %w", name, ErrNotFound)
	}
	return e.srv, nil
}

// ListenerAddr returns the bound address of the named server, useful when
// it was added with port 0.
func (r *Registry) ListenerAddr(name string) (net.Addr, error) {
	r.mu.Lock()
	e, ok := r.servers[name]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("server %q: %w", name, ErrNotFound)
	}
	return e.lis.Addr(), nil
}

// RemoveClient closes and drops the named client.
func (r *Registry) RemoveClient(name string) error {
	r.mu.Lock()
	e, ok := r.clients[name]
	delete(r.clients, name)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("client %q: %w", name, ErrNotFound)
	}
	e.conn.Close()
	r.logger.Info().Str("client", name).Msg("client removed")
	return nil
}

// RemoveServer stops and drops the named server.
func (r *Registry) RemoveServer(name string) error {
	r.mu.Lock()
	e, ok := r.servers[name]
	delete(r.servers, name)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("server %q: %w", name, ErrNotFound)
	}
	e.lis.Close()
	e.srv.Close()
	r.logger.Info().Str("server", name).Msg("server removed")
	return nil
}

// StartHeartbeat probes every registered client on each interval. A probe
// is one heartbeat frame; when it fails the registry redials while the
// entry's retry budget lasts and removes the entry once it is spent. Server
// entries expire peers idle for more than twice the interval.
func (r *Registry) StartHeartbeat(interval time.Duration) {
	r.mu.Lock()
	if r.hbID != 0 {
		r.mu.Unlock()
		return
	}
	r.interval = interval
	r.hbID = r.timers.runEvery(interval, r.probe)
	r.mu.Unlock()
	r.logger.Info().Dur("interval", interval).Msg("heartbeat started")
}

// StopHeartbeat cancels the periodic probe.
func (r *Registry) StopHeartbeat() {
	r.mu.Lock()
	id := r.hbID
	r.hbID = 0
	r.mu.Unlock()
	if id != 0 {
		r.timers.cancel(id)
	}
}

func (r *Registry) probe(now time.Time) {
	r.mu.Lock()
	names := make([]string, 0, len(r.clients))
	conns := make([]*Conn, 0, len(r.clients))
	for name, e := range r.clients {
		names = append(names, name)
		conns = append(conns, e.conn)
	}
	srvs := make([]*Server, 0, len(r.servers))
	for _, e := range r.servers {
		srvs = append(srvs, e.srv)
	}
	maxIdle := 2 * r.interval
	r.mu.Unlock()

	for i, conn := range conns {
		if err := conn.Write(HeartbeatProtocol, EncodeHeartbeat(now.UnixNano())); err != nil {
			heartbeatFailures.Inc()
			r.reconnect(names[i])
		}
	}
	for _, srv := range srvs {
		srv.expirePeers(now, maxIdle)
	}
}

// reconnect spends one unit of the entry's retry budget on a fresh dial;
// a spent budget removes the entry.
func (r *Registry) reconnect(name string) {
	r.mu.Lock()
	e, ok := r.clients[name]
	if !ok {
		r.mu.Unlock()
		return
	}
	if e.budget <= 0 {
		delete(r.clients, name)
		r.mu.Unlock()
		e.conn.Close()
		r.logger.Warn().Str("client", name).Msg("retry budget spent, client removed")
		return
	}
	e.budget--
	addr, router, left := e.addr, e.router, e.budget
	r.mu.Unlock()

	conn, err := r.dialClient(name, addr, router)
	if err != nil {
		r.logger.Warn().Err(err).Str("client", name).Int("budget", left).Msg("reconnect failed")
		return
	}

	r.mu.Lock()
	e, ok = r.clients[name]
	if !ok {
		r.mu.Unlock()
		conn.Close()
		return
	}
	old := e.conn
	e.conn = conn
	r.mu.Unlock()

	old.Close()
	go conn.ReadLoop()
	r.logger.Info().Str("client", name).Int("budget", left).Msg("client reconnected")
}

// Close stops the heartbeat and removes every entry.
func (r *Registry) Close() {
	r.StopHeartbeat()
	r.timers.stop()

	r.mu.Lock()
	clients := r.clients
	servers := r.servers
	r.clients = make(map[string]*clientEntry)
	r.servers = make(map[string]*serverEntry)
	r.mu.Unlock()

	for _, e := range clients {
		e.conn.Close()
	}
	for _, e := range servers {
		e.lis.Close()
		e.srv.Close()
	}
}
