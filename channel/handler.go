package channel

import (
	"github.com/davewhat/tchannel/errors"
	"github.com/davewhat/tchannel/frame"
	log "github.com/davewhat/tchannel/logger"
)

// protocolHandler owns the init handshake and frame id assignment for one
// connection, and classifies inbound frames into the connection's operation
// paths.
type protocolHandler struct {
	conn   *Connection
	nextID uint32
}

func newProtocolHandler(c *Connection) *protocolHandler {
	return &protocolHandler{conn: c, nextID: 1}
}

// nextFrameID returns a fresh frame id. Ids are a wrapping 32 bit counter; an
// id still present in the outbound table is refused rather than reused, which
// can only happen when an operation is still outstanding after the counter has
// wrapped all the way round.
// The caller must hold the connection lock.
func (h *protocolHandler) nextFrameID() (uint32, error) {
	if _, busy := h.conn.outOps[h.nextID]; busy {
		return 0, errors.NewChannelErrorf(errors.ProtocolError, "frame id %d is still in flight, too many outstanding operations", h.nextID)
	}
	id := h.nextID
	h.nextID++
	return id, nil
}

// sendInitRequest announces this endpoint's identity; the first frame on
// every outbound connection.
func (h *protocolHandler) sendInitRequest() error {
	c := h.conn
	c.lock.Lock()
	id, err := h.nextFrameID()
	c.lock.Unlock()
	if err != nil {
		return err
	}
	f := &frame.Frame{
		ID:          id,
		Type:        frame.TypeInitReq,
		HostPort:    c.ch.hostPort,
		ProcessName: c.ch.processName,
	}
	return c.writeFrame(f)
}

func (h *protocolHandler) handleFrame(f *frame.Frame) {
	c := h.conn
	switch f.Type {
	case frame.TypeInitReq:
		if c.direction != directionIn {
			log.Warnf("connection to %s sent an init request on an outbound connection, ignoring", c.remoteAddr)
			return
		}
		res := &frame.Frame{
			ID:          f.ID,
			Type:        frame.TypeInitRes,
			HostPort:    c.ch.hostPort,
			ProcessName: c.ch.processName,
		}
		if err := c.writeFrame(res); err != nil {
			c.resetAll(errors.NewChannelErrorf(errors.SocketError, "failed to write init response to %s: %v", c.remoteAddr, err))
			if cerr := c.conn.Close(); cerr != nil {
				// Ignore
			}
			return
		}
		c.identifyIn(f.HostPort)
	case frame.TypeInitRes:
		if c.direction != directionOut {
			log.Warnf("connection from %s sent an init response on an inbound connection, ignoring", c.remoteAddr)
			return
		}
		c.identifyOut(f.HostPort)
	case frame.TypeCallReq:
		if c.RemoteName() == "" {
			// Identify precedes calls; a violation means a broken peer.
			perr := errors.NewChannelError(errors.ProtocolError, "call request before init")
			code, msg := errors.WireCode(perr)
			errFrame := &frame.Frame{ID: f.ID, Type: frame.TypeError, ErrCode: code, ErrMsg: msg}
			if werr := c.writeFrame(errFrame); werr != nil {
				// The reset below tears the connection down anyway
				log.Debugf("failed to write error frame to %s: %v", c.remoteAddr, werr)
			}
			c.resetAll(perr)
			if cerr := c.conn.Close(); cerr != nil {
				// Ignore
			}
			return
		}
		endpoint := string(f.Args[0])
		c.runInOp(c.ch.getEndpointHandler(endpoint), f)
	case frame.TypeCallRes:
		if f.ErrCode != 0 {
			c.completeOutOp(f.ID, errors.FromWire(f.ErrCode, f.ErrMsg), nil, nil)
			return
		}
		c.completeOutOp(f.ID, nil, f.Args[0], f.Args[1])
	case frame.TypeError:
		c.completeOutOp(f.ID, errors.FromWire(f.ErrCode, f.ErrMsg), nil, nil)
	}
}
