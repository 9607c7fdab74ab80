package framenet

import (
	"fmt"

	"github.com/rs/zerolog"
)

// Handler handles the business logic for one protocol id.
type Handler func(ctx *Context, payload []byte)

// Writer is the reply surface handed to handlers.
type Writer interface {
	Write(protocol uint64, payload []byte) error
}

// Context is the per-dispatch call information. Handlers can find the
// connection the frame arrived on and write responses back through it.
type Context struct {
	// Identity is the registry key of the originating connection.
	Identity string
	// Protocol is the id the frame was dispatched under.
	Protocol uint64
	// Conn writes frames back to the originating connection.
	Conn Writer
}

// Router maps protocol ids to handlers for one deployment. It also declares
// the deployment's header layout: every connection bound to the router
// frames its traffic with it.
//
// Registration happens once at initialization time; the table is read-only
// while serving, so Dispatch takes no lock.
type Router struct {
	name     string
	layout   HeaderLayout
	logger   zerolog.Logger
	handlers map[uint64]Handler
}

// NewRouter returns an empty router named for diagnostics.
func NewRouter(name string, layout HeaderLayout) (*Router, error) {
	if err := layout.Validate(); err != nil {
		return nil, err
	}
	return &Router{
		name:     name,
		layout:   layout,
		logger:   zerolog.Nop(),
		handlers: make(map[uint64]Handler),
	}, nil
}

// SetLogger replaces the router's logger, a no-op logger by default.
func (r *Router) SetLogger(l zerolog.Logger) { r.logger = l }

// Name returns the router's diagnostic name.
func (r *Router) Name() string { return r.name }

// Layout returns the header layout the router declares.
func (r *Router) Layout() HeaderLayout { return r.layout }

// Register binds a handler to a protocol id. Registering the same id twice
// fails with ErrDuplicateProtocol: routes are set up once before serving,
// so a duplicate is always a programming error.
func (r *Router) Register(protocol uint64, h Handler) error {
	if _, ok := r.handlers[protocol]; ok {
		return fmt.Errorf("router %s protocol %d: %w", r.name, protocol, ErrDuplicateProtocol)
	}
	r.handlers[protocol] = h
	return nil
}

// Dispatch invokes the handler registered for protocol synchronously. An
// unregistered id is reported and counted but never errors: one unknown
// frame must not take down the connection carrying known ones.
func (r *Router) Dispatch(protocol uint64, ctx *Context, payload []byte) {
	h, ok := r.handlers[protocol]
	if !ok {
		unknownProtocols.WithLabelValues(r.name).Inc()
		r.logger.Warn().
			Str("router", r.name).
			Uint64("protocol", protocol).
			Int("bytes", len(payload)).
			Msg("unknown protocol")
		return
	}
	h(ctx, payload)
}
