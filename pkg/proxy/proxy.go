package proxy

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/devtable/gantry/pkg/health"
	"github.com/devtable/gantry/pkg/log"
	"github.com/rs/zerolog"
)

// Route is one external-port-to-container mapping, rebuilt wholesale on
// every Commit.
type Route struct {
	External      int
	ContainerIP   string
	ContainerPort int
	IsHTTP        bool
}

func (r Route) target() string { return fmt.Sprintf("%s:%d", r.ContainerIP, r.ContainerPort) }

// Facade is the abstract operations RuntimeManager drives: ClearRoutes,
// AddRoute, Commit, Shutdown, Connections.
type Facade interface {
	ClearRoutes()
	AddRoute(route Route)
	Commit(ctx context.Context) error
	Shutdown(ctx context.Context) error
	Connections(ctx context.Context) ([]health.Connection, error)
}

// TCPProxy is the concrete Facade: one net.Listener per external port,
// each forwarding accepted connections to the route's current
// container target with a raw byte-for-byte copy. Commit() is the only
// place routes change, so the proxy is single-writer.
type TCPProxy struct {
	mu       sync.Mutex
	pending  []Route
	active   map[int]*listener
	nextConn uint64

	logger zerolog.Logger
}

type listener struct {
	ln    net.Listener
	route Route
	conns sync.Map // connID uint64 -> *liveConn
}

type liveConn struct {
	local  string
	remote string
}

// NewTCPProxy constructs an idle proxy with no routes; call Commit after
// AddRoute calls to make routes live.
func NewTCPProxy() *TCPProxy {
	return &TCPProxy{
		active: make(map[int]*listener),
		logger: log.WithComponent("proxy"),
	}
}

func (p *TCPProxy) ClearRoutes() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = nil
}

func (p *TCPProxy) AddRoute(route Route) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = append(p.pending, route)
}

// Commit atomically replaces the live route table: listeners for ports
// no longer in the desired set are closed (in-flight connections are
// left to drain naturally, since Commit never forcibly severs a flow;
// that is the termination worker's job); listeners for new ports are
// opened; listeners whose target changed are redirected for subsequent
// connections (existing ones keep talking to their original target
// until the connection check reports them closed).
func (p *TCPProxy) Commit(ctx context.Context) error {
	p.mu.Lock()
	desired := make(map[int]Route, len(p.pending))
	for _, r := range p.pending {
		desired[r.External] = r
	}
	p.mu.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()

	for port, l := range p.active {
		if _, ok := desired[port]; !ok {
			l.ln.Close()
			delete(p.active, port)
		}
	}

	for port, route := range desired {
		if l, ok := p.active[port]; ok {
			l.route = route
			continue
		}
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err != nil {
			return fmt.Errorf("proxy: listen on port %d: %w", port, err)
		}
		l := &listener{ln: ln, route: route}
		p.active[port] = l
		go p.serve(l)
	}

	p.logger.Info().Int("routes", len(desired)).Msg("proxy committed")
	return nil
}

func (p *TCPProxy) serve(l *listener) {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			return
		}
		go p.forward(l, conn)
	}
}

func (p *TCPProxy) forward(l *listener, downstream net.Conn) {
	defer downstream.Close()

	p.mu.Lock()
	route := l.route
	p.mu.Unlock()

	upstream, err := net.Dial("tcp", route.target())
	if err != nil {
		p.logger.Warn().Err(err).Str("target", route.target()).Msg("proxy dial failed")
		return
	}
	defer upstream.Close()

	id := atomic.AddUint64(&p.nextConn, 1)
	l.conns.Store(id, &liveConn{local: downstream.LocalAddr().String(), remote: route.target()})
	defer l.conns.Delete(id)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); io.Copy(upstream, downstream) }()
	go func() { defer wg.Done(); io.Copy(downstream, upstream) }()
	wg.Wait()
}

// Shutdown closes every listener. A Commit with an empty route set may
// equivalently shut an external process down or seed a placeholder
// route to keep it alive; this facade has no external process, so an
// empty Commit already leaves no listeners open and Shutdown is mainly
// for process exit.
func (p *TCPProxy) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for port, l := range p.active {
		l.ln.Close()
		delete(p.active, port)
	}
	p.pending = nil
	return nil
}

// Connections enumerates every currently-open forwarded flow. Status is
// always reported as "ESTABLISHED": the proxy owns both legs of each
// flow directly and removes an entry the instant either side closes, so
// it never observes (or needs to report) a half-closed CLOSE_WAIT state.
func (p *TCPProxy) Connections(ctx context.Context) ([]health.Connection, error) {
	p.mu.Lock()
	listeners := make([]*listener, 0, len(p.active))
	for _, l := range p.active {
		listeners = append(listeners, l)
	}
	p.mu.Unlock()

	var conns []health.Connection
	for _, l := range listeners {
		l.conns.Range(func(_, v interface{}) bool {
			c := v.(*liveConn)
			conns = append(conns, health.Connection{
				LocalAddr:  c.local,
				RemoteAddr: c.remote,
				Status:     "ESTABLISHED",
			})
			return true
		})
	}
	return conns, nil
}
