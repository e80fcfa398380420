package channel

import (
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/davewhat/tchannel/common"
	"github.com/davewhat/tchannel/errors"
	"github.com/davewhat/tchannel/frame"
	log "github.com/davewhat/tchannel/logger"
)

type Direction int8

const (
	directionIn Direction = iota + 1
	directionOut
)

func (d Direction) String() string {
	if d == directionIn {
		return "in"
	}
	return "out"
}

const (
	readBuffSize = 8 * 1024
	writeTimeout = 5 * time.Second

	// recentlyEndedCacheSize bounds the per-connection memory of completed
	// and timed-out frame ids, used to tell a late response from a response
	// to an id we never issued.
	recentlyEndedCacheSize = 4096
)

type outOp struct {
	start    time.Time
	timeout  time.Duration // zero means the channel's request default
	callback ResponseHandler
	timedOut bool
}

type inOp struct {
	start time.Time
	call  *InboundCall
}

// Connection is one transport link to a peer, carrying multiplexed operations
// in both directions. State transitions pre-identify -> identified -> closing
// -> closed; closing is entered exactly once, by resetAll.
type Connection struct {
	ch         *Channel
	direction  Direction
	conn       net.Conn
	remoteAddr string

	framer  *frame.Framer
	handler *protocolHandler

	lock            sync.Mutex
	writeLock       sync.Mutex
	remoteName      string
	key             string
	outOps          map[uint32]*outOp
	inOps           map[uint32]*inOp
	outPending      int
	inPending       int
	lastTimeoutTime time.Time
	closing         bool
	timer           common.TimerRef

	// transportClosed is guarded by the channel lock, not the connection
	// lock: it serializes close notification against connection tracking.
	transportClosed bool

	recentlyEnded *lru.Cache
}

func newConnection(ch *Channel, netConn net.Conn, direction Direction, remoteAddr string) (*Connection, error) {
	if remoteAddr == ch.hostPort {
		return nil, errors.NewChannelErrorf(errors.InvalidArgument, "refusing connection to own hostPort %s", remoteAddr)
	}
	if tcpConn, ok := netConn.(*net.TCPConn); ok {
		if err := tcpConn.SetNoDelay(true); err != nil {
			return nil, errors.WithStack(err)
		}
	}
	recentlyEnded, err := lru.New(recentlyEndedCacheSize)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	c := &Connection{
		ch:            ch,
		direction:     direction,
		conn:          netConn,
		remoteAddr:    remoteAddr,
		outOps:        map[uint32]*outOp{},
		inOps:         map[uint32]*inOp{},
		recentlyEnded: recentlyEnded,
	}
	c.framer = frame.NewFramer(c.onFrame, c.onParseError)
	c.handler = newProtocolHandler(c)
	if direction == directionOut {
		if err := c.handler.sendInitRequest(); err != nil {
			return nil, err
		}
	}
	common.Go(c.readLoop)
	c.scheduleSweep()
	return c, nil
}

func (c *Connection) Direction() Direction {
	return c.direction
}

func (c *Connection) RemoteAddr() string {
	return c.remoteAddr
}

// RemoteName is the hostPort the peer announced in its init frame, empty
// until identified.
func (c *Connection) RemoteName() string {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.remoteName
}

func (c *Connection) setPeerKey(key string) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.key = key
}

func (c *Connection) peerKey() string {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.key
}

func (c *Connection) readLoop() {
	err := c.runReadLoop()
	c.resetAll(err)
	if err := c.conn.Close(); err != nil {
		// Ignore - may already be closed from either side
	}
	c.ch.connectionClosed(c)
}

func (c *Connection) runReadLoop() (err error) {
	defer func() {
		// A malformed frame must not crash the endpoint. The panic is logged
		// with a reference and pending callers get the reference, not the
		// internals.
		if r := recover(); r != nil {
			err = errors.NewInternalError(errors.Errorf("failure in connection read loop: %v", r))
		}
	}()
	buff := make([]byte, readBuffSize)
	for {
		n, readErr := c.conn.Read(buff)
		if n > 0 {
			c.framer.Execute(buff[:n])
		}
		if readErr != nil {
			return classifyReadError(readErr)
		}
	}
}

func classifyReadError(err error) error {
	if err == io.EOF {
		return errors.NewChannelError(errors.SocketClosed, "socket closed by peer")
	}
	if strings.Contains(err.Error(), "use of closed network connection") {
		return errors.NewChannelError(errors.SocketClosed, "socket closed")
	}
	return errors.NewChannelErrorf(errors.SocketError, "socket error: %v", err)
}

// onFrame runs for every whole frame off the wire. Any frame proves the peer
// is alive, which rearms the two-strike timeout rule.
func (c *Connection) onFrame(f *frame.Frame) {
	c.lock.Lock()
	if c.closing {
		c.lock.Unlock()
		return
	}
	c.lastTimeoutTime = time.Time{}
	c.lock.Unlock()
	c.handler.handleFrame(f)
}

// onParseError implements the strict policy: once framing is lost the stream
// offset is unrecoverable, so the connection is reset.
func (c *Connection) onParseError(err error) {
	log.Errorf("%s connection to %s: %v", c.direction, c.remoteAddr, err)
	c.resetAll(err)
	if err := c.conn.Close(); err != nil {
		// Ignore
	}
}

func (c *Connection) identifyIn(hostPort string) {
	c.lock.Lock()
	if c.closing {
		c.lock.Unlock()
		return
	}
	if c.remoteName != "" {
		c.lock.Unlock()
		log.Warnf("connection from %s sent a second init request, ignoring", c.remoteAddr)
		return
	}
	c.remoteName = hostPort
	c.lock.Unlock()
	if _, err := c.ch.addPeer(hostPort, c); err != nil {
		log.Warnf("channel %s refusing init from %s: %v", c.ch.hostPort, hostPort, err)
		c.resetAll(err)
		if cerr := c.conn.Close(); cerr != nil {
			// Ignore
		}
		return
	}
	// A reset can race the registry insertion; if it ran before the peer key
	// was set its dropConnection found nothing, so remove the entry here
	// rather than leave a closed connection in the registry.
	c.lock.Lock()
	closed := c.closing
	c.lock.Unlock()
	if closed {
		c.ch.dropConnection(c)
		return
	}
	c.ch.events.emitIdentified(c, hostPort)
}

func (c *Connection) identifyOut(hostPort string) {
	c.lock.Lock()
	if c.closing {
		c.lock.Unlock()
		return
	}
	if c.remoteName != "" {
		c.lock.Unlock()
		log.Warnf("connection to %s sent a second init response, ignoring", c.remoteAddr)
		return
	}
	c.remoteName = hostPort
	c.lock.Unlock()
	c.ch.events.emitIdentified(c, hostPort)
}

// runInOp registers an inbound operation for the frame and schedules the
// endpoint handler on its own goroutine, so a handler failure cannot take
// down the receive path.
func (c *Connection) runInOp(handler EndpointHandler, f *frame.Frame) {
	ctx, cancel := context.WithCancel(context.Background())
	call := &InboundCall{
		conn:    c,
		id:      f.ID,
		service: f.Service,
		name:    string(f.Args[0]),
		arg2:    f.Args[1],
		arg3:    f.Args[2],
		ctx:     ctx,
		cancel:  cancel,
	}
	c.lock.Lock()
	if c.closing {
		c.lock.Unlock()
		cancel()
		return
	}
	if _, exists := c.inOps[f.ID]; exists {
		c.lock.Unlock()
		cancel()
		log.Warnf("connection from %s reused in-flight frame id %d, dropping call", c.remoteAddr, f.ID)
		return
	}
	c.inOps[f.ID] = &inOp{start: c.ch.sched.Now(), call: call}
	c.inPending++
	c.lock.Unlock()
	common.Go(func() {
		handler(call)
	})
}

// sendResponse writes the call-response frame for an inbound operation. At
// most one response goes out per operation; the table entry is removed only
// once the write has succeeded.
func (c *Connection) sendResponse(call *InboundCall, appErr error, res1, res2 []byte) error {
	c.lock.Lock()
	op, ok := c.inOps[call.id]
	if !ok || op.call != call {
		c.lock.Unlock()
		log.Warnf("connection from %s: response for operation %d which is no longer pending, dropping", c.remoteAddr, call.id)
		return errors.NewChannelErrorf(errors.Timeout, "operation %d is no longer pending", call.id)
	}
	if call.responseSent {
		c.lock.Unlock()
		log.Warnf("connection from %s: duplicate response for operation %d, ignoring", c.remoteAddr, call.id)
		return errors.NewChannelErrorf(errors.ProtocolError, "response already sent for operation %d", call.id)
	}
	call.responseSent = true
	c.lock.Unlock()
	f := &frame.Frame{ID: call.id, Type: frame.TypeCallRes}
	if appErr != nil {
		f.ErrCode, f.ErrMsg = errors.WireCode(appErr)
	} else {
		f.Args[0] = res1
		f.Args[1] = res2
	}
	if err := c.writeFrame(f); err != nil {
		werr := errors.NewChannelErrorf(errors.SocketError, "failed to write response to %s: %v", c.remoteAddr, err)
		c.resetAll(werr)
		if cerr := c.conn.Close(); cerr != nil {
			// Ignore
		}
		return werr
	}
	c.lock.Lock()
	if cur, ok := c.inOps[call.id]; ok && cur == op {
		delete(c.inOps, call.id)
		c.inPending--
	}
	c.lock.Unlock()
	call.cancel()
	return nil
}

// completeOutOp finishes an outbound operation with a response or error from
// the wire. The caller's handler runs exactly once per operation, so an id
// that is no longer in the table - typically a response arriving after the
// sweep timed the operation out - is dropped.
func (c *Connection) completeOutOp(id uint32, err error, res1, res2 []byte) {
	c.lock.Lock()
	op, ok := c.outOps[id]
	if !ok {
		late := c.recentlyEnded.Contains(id)
		c.lock.Unlock()
		if late {
			log.Warnf("connection to %s: late response for ended operation %d, dropping", c.remoteAddr, id)
		} else {
			log.Warnf("connection to %s: response for unknown operation %d, dropping", c.remoteAddr, id)
		}
		return
	}
	delete(c.outOps, id)
	c.outPending--
	c.recentlyEnded.Add(id, struct{}{})
	callback := op.callback
	c.lock.Unlock()
	callback(err, res1, res2)
}

// sendRequest registers an outbound operation and writes its call-request
// frame. The write only reports write-side failure; completion is driven by
// the response or the timeout sweep.
func (c *Connection) sendRequest(opts SendOptions, arg1, arg2, arg3 []byte, handler ResponseHandler) error {
	c.lock.Lock()
	if c.closing {
		c.lock.Unlock()
		return errors.NewChannelErrorf(errors.SocketClosed, "connection to %s is closed", c.remoteAddr)
	}
	id, err := c.handler.nextFrameID()
	if err != nil {
		c.lock.Unlock()
		return err
	}
	c.outOps[id] = &outOp{start: c.ch.sched.Now(), timeout: opts.Timeout, callback: handler}
	c.outPending++
	c.lock.Unlock()
	f := &frame.Frame{
		ID:      id,
		Type:    frame.TypeCallReq,
		Service: opts.Service,
		Args:    [3][]byte{arg1, arg2, arg3},
	}
	if err := c.writeFrame(f); err != nil {
		// Reset drains the op just registered, so the handler still sees
		// exactly one completion.
		c.resetAll(errors.NewChannelErrorf(errors.SocketError, "failed to write to %s: %v", c.remoteAddr, err))
		if cerr := c.conn.Close(); cerr != nil {
			// Ignore
		}
	}
	return nil
}

func (c *Connection) writeFrame(f *frame.Frame) error {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return errors.WithStack(err)
	}
	if _, err := c.conn.Write(f.ToBuffer()); err != nil {
		return errors.WithStack(err)
	}
	return nil
}

// scheduleSweep arms the next timeout sweep. The delay is fuzzed uniformly in
// [interval - fuzz/2, interval + fuzz/2] so sweeps across many connections
// don't run in lock step.
func (c *Connection) scheduleSweep() {
	delay := c.ch.cfg.TimeoutCheckInterval + time.Duration((c.ch.random()-0.5)*float64(c.ch.cfg.TimeoutFuzz))
	c.lock.Lock()
	if c.closing {
		c.lock.Unlock()
		return
	}
	c.timer = c.ch.sched.Schedule(delay, c.sweepOps)
	c.lock.Unlock()
}

func (c *Connection) sweepOps() {
	c.lock.Lock()
	if c.closing {
		c.lock.Unlock()
		return
	}
	if !c.lastTimeoutTime.IsZero() {
		// A previous sweep timed operations out and nothing has arrived
		// since: the peer is gone, destroy the socket.
		c.lock.Unlock()
		log.Warnf("%s connection to %s: no traffic since operations timed out, destroying socket", c.direction, c.remoteAddr)
		c.resetAll(errors.NewChannelErrorf(errors.Timeout, "connection to %s timed out", c.remoteAddr))
		if err := c.conn.Close(); err != nil {
			// Ignore
		}
		return
	}
	now := c.ch.sched.Now()
	var timedOut []ResponseHandler
	for id, op := range c.outOps {
		if op.timedOut {
			delete(c.outOps, id)
			log.Warnf("connection to %s: removing operation %d which already timed out", c.remoteAddr, id)
			continue
		}
		timeout := op.timeout
		if timeout == 0 {
			timeout = c.ch.cfg.ReqTimeoutDefault
		}
		if now.Sub(op.start) > timeout {
			delete(c.outOps, id)
			c.outPending--
			op.timedOut = true
			c.lastTimeoutTime = now
			c.recentlyEnded.Add(id, struct{}{})
			timedOut = append(timedOut, op.callback)
		}
	}
	var expired []*InboundCall
	for id, op := range c.inOps {
		if now.Sub(op.start) > c.ch.cfg.ServerTimeoutDefault {
			// No response is sent; the peer times out symmetrically. The
			// call's context is cancelled so the handler can release
			// whatever it holds.
			delete(c.inOps, id)
			c.inPending--
			expired = append(expired, op.call)
		}
	}
	c.lock.Unlock()
	for _, callback := range timedOut {
		callback(errors.NewChannelError(errors.Timeout, "operation timed out"), nil, nil)
	}
	for _, call := range expired {
		call.cancel()
	}
	c.scheduleSweep()
}

// resetAll is the terminal transition: it drains both operation tables,
// delivers err to every pending outbound handler exactly once, removes the
// registry reference and emits the socket-close event. Idempotent.
func (c *Connection) resetAll(err error) {
	c.lock.Lock()
	if c.closing {
		c.lock.Unlock()
		return
	}
	c.closing = true
	if c.timer != nil {
		c.timer.Stop()
	}
	outCallbacks := make([]ResponseHandler, 0, len(c.outOps))
	for _, op := range c.outOps {
		outCallbacks = append(outCallbacks, op.callback)
	}
	inCalls := make([]*InboundCall, 0, len(c.inOps))
	for _, op := range c.inOps {
		inCalls = append(inCalls, op.call)
	}
	c.outOps = map[uint32]*outOp{}
	c.inOps = map[uint32]*inOp{}
	c.outPending = 0
	c.inPending = 0
	c.lock.Unlock()
	log.Debugf("resetting %s connection to %s: %v", c.direction, c.remoteAddr, err)
	c.ch.dropConnection(c)
	for _, callback := range outCallbacks {
		callback(err, nil, nil)
	}
	for _, call := range inCalls {
		call.cancel()
	}
	c.ch.events.emitSocketClose(c, err)
}

// quit resets the connection with a shutdown error and half-closes the
// socket. The read loop exits once the peer closes its side, which is what
// drives the channel's quit accounting.
func (c *Connection) quit() {
	c.resetAll(errors.NewChannelError(errors.Shutdown, "channel is shutting down"))
	if tcpConn, ok := c.conn.(*net.TCPConn); ok {
		if err := tcpConn.CloseWrite(); err == nil {
			return
		}
	}
	if err := c.conn.Close(); err != nil {
		// Ignore
	}
}
