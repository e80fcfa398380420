package channel

import (
	"math/rand"
	"net"
	"sync"
	"time"

	"golang.org/x/net/netutil"

	"github.com/davewhat/tchannel/common"
	"github.com/davewhat/tchannel/conf"
	"github.com/davewhat/tchannel/errors"
	log "github.com/davewhat/tchannel/logger"
)

// EndpointHandler serves one inbound operation. It runs on its own goroutine
// and must eventually call Respond on the call (unless the call expires
// first, which cancels the call's context).
type EndpointHandler func(call *InboundCall)

// ResponseHandler receives the outcome of an outbound operation, exactly once:
// response, timeout, or connection reset.
type ResponseHandler func(err error, res1, res2 []byte)

type SendOptions struct {
	// Host is the destination hostPort. Required.
	Host string
	// Service travels in the call request frame alongside the args. Optional.
	Service string
	// Timeout overrides the channel's request timeout default for this
	// operation.
	Timeout time.Duration
}

// Channel is one endpoint: it listens for inbound connections, dials outbound
// ones on demand, and multiplexes operations over both.
type Channel struct {
	cfg         conf.Config
	hostPort    string
	processName string
	sched       common.Scheduler
	random      func() float64
	events      Events

	lock      sync.RWMutex
	peers     *peerRegistry
	endpoints map[string]EndpointHandler
	conns     map[*Connection]struct{}
	listener  net.Listener

	acceptLoopExitGroup sync.WaitGroup

	listening bool
	destroyed bool
	quitFut   *common.CountDownFuture
}

func NewChannel(cfg conf.Config, opts ...Option) (*Channel, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ch := &Channel{
		cfg:         cfg,
		hostPort:    cfg.HostPort,
		processName: cfg.ProcessName,
		sched:       common.SystemScheduler{},
		random:      rand.Float64,
		peers:       newPeerRegistry(),
		endpoints:   map[string]EndpointHandler{},
		conns:       map[*Connection]struct{}{},
	}
	for _, opt := range opts {
		opt(ch)
	}
	if *cfg.Listening {
		if err := ch.Listen(); err != nil {
			return nil, err
		}
	}
	return ch, nil
}

func (ch *Channel) HostPort() string {
	return ch.hostPort
}

// SetEvents installs the channel's event callbacks. Call before Listen and
// before the first Send; the set is fixed afterwards.
func (ch *Channel) SetEvents(events Events) {
	ch.events = events
}

// Listen binds the server socket and starts accepting. Idempotent.
func (ch *Channel) Listen() error {
	ch.lock.Lock()
	if ch.destroyed {
		ch.lock.Unlock()
		return errors.NewChannelError(errors.Destroyed, "channel has been shut down")
	}
	if ch.listening {
		ch.lock.Unlock()
		return nil
	}
	listener, err := common.Listen("tcp", ch.hostPort)
	if err != nil {
		ch.lock.Unlock()
		return errors.NewChannelErrorf(errors.SocketError, "failed to listen on %s: %v", ch.hostPort, err)
	}
	if ch.cfg.MaxInboundConnections > 0 {
		listener = netutil.LimitListener(listener, ch.cfg.MaxInboundConnections)
	}
	ch.listener = listener
	ch.listening = true
	ch.acceptLoopExitGroup.Add(1)
	common.Go(ch.acceptLoop)
	ch.lock.Unlock()
	log.Debugf("channel %s listening", ch.hostPort)
	ch.events.emitListening()
	return nil
}

func (ch *Channel) acceptLoop() {
	defer ch.acceptLoopExitGroup.Done()
	for {
		conn, err := ch.listener.Accept()
		if err != nil {
			// Ok - listener was closed
			break
		}
		c, err := newConnection(ch, conn, directionIn, conn.RemoteAddr().String())
		if err != nil {
			log.Warnf("channel %s rejecting inbound connection from %s: %v", ch.hostPort, conn.RemoteAddr(), err)
			if err := conn.Close(); err != nil {
				// Ignore
			}
			continue
		}
		ch.trackConnection(c)
	}
	ch.listenerClosed()
}

func (ch *Channel) listenerClosed() {
	ch.lock.Lock()
	fut := ch.quitFut
	ch.listening = false
	ch.listener = nil
	ch.lock.Unlock()
	if fut != nil {
		fut.CountDown(nil)
	}
}

// Register installs the server handler for an endpoint name. A later
// registration for the same name overwrites the earlier one.
func (ch *Channel) Register(name string, handler EndpointHandler) {
	ch.lock.Lock()
	defer ch.lock.Unlock()
	ch.endpoints[name] = handler
}

func (ch *Channel) getEndpointHandler(name string) EndpointHandler {
	ch.lock.RLock()
	handler, ok := ch.endpoints[name]
	ch.lock.RUnlock()
	if !ok {
		ch.events.emitEndpointMissing(name)
		return func(call *InboundCall) {
			_ = call.Respond(errors.NewChannelErrorf(errors.NoSuchEndpoint, "no such endpoint %q", name), nil, nil)
		}
	}
	ch.events.emitEndpoint(name)
	return handler
}

// Send starts an outbound operation. It fails synchronously only when the
// channel is destroyed or the options are invalid; dial, write, timeout and
// reset failures are delivered through the response handler, exactly once.
func (ch *Channel) Send(opts SendOptions, arg1, arg2, arg3 []byte, handler ResponseHandler) error {
	ch.lock.RLock()
	destroyed := ch.destroyed
	ch.lock.RUnlock()
	if destroyed {
		return errors.NewChannelError(errors.Destroyed, "channel has been shut down")
	}
	if opts.Host == "" {
		return errors.NewChannelError(errors.InvalidArgument, "send options must specify a host")
	}
	if opts.Host == ch.hostPort {
		return errors.NewChannelErrorf(errors.InvalidArgument, "refusing to send to own hostPort %s", ch.hostPort)
	}
	c := ch.peers.first(opts.Host)
	if c == nil {
		var err error
		c, err = ch.addPeer(opts.Host, nil)
		if err != nil {
			handler(err, nil, nil)
			return nil
		}
	}
	if err := c.sendRequest(opts, arg1, arg2, arg3, handler); err != nil {
		handler(err, nil, nil)
	}
	return nil
}

// Call is the blocking form of Send.
func (ch *Channel) Call(opts SendOptions, arg1, arg2, arg3 []byte) ([]byte, []byte, error) {
	type respHolder struct {
		res1, res2 []byte
		err        error
	}
	respCh := make(chan respHolder, 1)
	err := ch.Send(opts, arg1, arg2, arg3, func(err error, res1, res2 []byte) {
		respCh <- respHolder{res1: res1, res2: res2, err: err}
	})
	if err != nil {
		return nil, nil, err
	}
	holder := <-respCh
	return holder.res1, holder.res2, holder.err
}

// addPeer inserts a connection for hostPort. With a nil connection it dials an
// outbound one, which takes precedence in the registry over inbound
// connections for the same peer.
func (ch *Channel) addPeer(hostPort string, c *Connection) (*Connection, error) {
	if hostPort == ch.hostPort {
		return nil, errors.NewChannelErrorf(errors.InvalidArgument, "refusing to peer with own hostPort %s", ch.hostPort)
	}
	if c != nil {
		if existing := ch.peers.first(hostPort); existing != nil && existing != c {
			log.Warnf("channel %s already has a connection for peer %s, adding another", ch.hostPort, hostPort)
		}
		// Key before insertion, so a concurrent reset's dropConnection can
		// always find the entry
		c.setPeerKey(hostPort)
		ch.peers.add(hostPort, c, false)
		return c, nil
	}
	ch.lock.Lock()
	if ch.destroyed {
		ch.lock.Unlock()
		return nil, errors.NewChannelError(errors.Destroyed, "channel has been shut down")
	}
	// Check again under the lock - another goroutine might have dialed one
	if existing := ch.peers.first(hostPort); existing != nil {
		ch.lock.Unlock()
		return existing, nil
	}
	netConn, err := dial(hostPort)
	if err != nil {
		ch.lock.Unlock()
		return nil, err
	}
	c, err = newConnection(ch, netConn, directionOut, hostPort)
	if err != nil {
		ch.lock.Unlock()
		if cerr := netConn.Close(); cerr != nil {
			// Ignore
		}
		return nil, err
	}
	c.setPeerKey(hostPort)
	ch.peers.add(hostPort, c, true)
	ch.conns[c] = struct{}{}
	ch.lock.Unlock()
	return c, nil
}

const dialTimeout = 5 * time.Second

func dial(hostPort string) (net.Conn, error) {
	d := net.Dialer{Timeout: dialTimeout}
	netConn, err := d.Dial("tcp", hostPort)
	if err != nil {
		return nil, errors.NewChannelErrorf(errors.SocketError, "failed to connect to %s: %v", hostPort, err)
	}
	tcpConn := netConn.(*net.TCPConn)
	if err := tcpConn.SetNoDelay(true); err != nil {
		return nil, errors.WithStack(err)
	}
	if err := tcpConn.SetKeepAlive(true); err != nil {
		return nil, errors.WithStack(err)
	}
	return tcpConn, nil
}

func (ch *Channel) trackConnection(c *Connection) {
	ch.lock.Lock()
	if c.transportClosed {
		// Died before tracking; its close notification already ran
		ch.lock.Unlock()
		return
	}
	if ch.destroyed {
		ch.lock.Unlock()
		c.quit()
		return
	}
	ch.conns[c] = struct{}{}
	ch.lock.Unlock()
}

// dropConnection removes the registry reference; the connection itself stays
// tracked until its transport closes.
func (ch *Channel) dropConnection(c *Connection) {
	key := c.peerKey()
	if key != "" {
		ch.peers.remove(key, c)
	}
}

// connectionClosed runs once per connection, when its transport has closed.
// It drives the quit counter, never the synthetic socket-close event.
func (ch *Channel) connectionClosed(c *Connection) {
	ch.lock.Lock()
	c.transportClosed = true
	delete(ch.conns, c)
	fut := ch.quitFut
	ch.lock.Unlock()
	if fut != nil {
		fut.CountDown(nil)
	}
}

// Quit shuts the channel down: every connection is reset with a shutdown
// error (failing its pending outbound operations), sockets are half-closed,
// and the server socket is closed. The callback fires exactly once, after
// every connection and the listener have closed. A second Quit is a no-op.
func (ch *Channel) Quit(cb func()) {
	ch.lock.Lock()
	if ch.destroyed {
		ch.lock.Unlock()
		return
	}
	ch.destroyed = true
	conns := make([]*Connection, 0, len(ch.conns))
	for c := range ch.conns {
		conns = append(conns, c)
	}
	listener := ch.listener
	if !ch.listening {
		listener = nil
	}
	total := len(conns)
	if listener != nil {
		total++
	}
	if cb == nil {
		cb = func() {}
	}
	if total == 0 {
		ch.lock.Unlock()
		cb()
		return
	}
	ch.quitFut = common.NewCountDownFuture(total, func(error) {
		cb()
	})
	ch.lock.Unlock()
	for _, c := range conns {
		c.quit()
	}
	if listener != nil {
		if err := listener.Close(); err != nil {
			// Ignore
		}
		ch.acceptLoopExitGroup.Wait()
	}
}
