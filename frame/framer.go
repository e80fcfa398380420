package frame

import (
	"encoding/binary"

	"github.com/davewhat/tchannel/common"
	"github.com/davewhat/tchannel/errors"
)

// MaxFrameSize bounds a single frame (length prefix excluded). A length prefix
// beyond it means the stream offset is lost, which is unrecoverable.
const MaxFrameSize = 16 * 1024 * 1024

// Framer turns an arbitrary byte stream into whole frames. Execute accepts
// chunks as they arrive off the socket; complete frames are delivered to the
// frame handler and unrecoverable parse state to the error handler, after
// which the framer discards all further input.
type Framer struct {
	frameHandler func(*Frame)
	errorHandler func(error)
	pending      []byte
	failed       bool
}

func NewFramer(frameHandler func(*Frame), errorHandler func(error)) *Framer {
	return &Framer{
		frameHandler: frameHandler,
		errorHandler: errorHandler,
	}
}

func (fr *Framer) Execute(chunk []byte) {
	if fr.failed {
		return
	}
	fr.pending = append(fr.pending, chunk...)
	for {
		if len(fr.pending) < 4 {
			return
		}
		size := int(binary.BigEndian.Uint32(fr.pending))
		if size < headerSize || size > MaxFrameSize {
			fr.fail(errors.NewChannelErrorf(errors.ParseError, "invalid frame length %d", size))
			return
		}
		if len(fr.pending) < 4+size {
			return
		}
		f, err := parseFrame(fr.pending[4 : 4+size])
		if err != nil {
			fr.fail(err)
			return
		}
		fr.pending = fr.pending[4+size:]
		fr.frameHandler(f)
		if fr.failed {
			// Only fail sets this. A connection torn down by the frame
			// handler does not; its later frames are still delivered.
			return
		}
	}
}

func (fr *Framer) fail(err error) {
	fr.failed = true
	fr.pending = nil
	fr.errorHandler(err)
}

func parseFrame(b []byte) (*Frame, error) {
	f := &Frame{
		Type: Type(b[0]),
		ID:   binary.BigEndian.Uint32(b[1:]),
	}
	r := reader{b: b[headerSize:]}
	switch f.Type {
	case TypeInitReq, TypeInitRes:
		f.HostPort = r.readString16()
		f.ProcessName = r.readString16()
	case TypeCallReq:
		f.Service = r.readString16()
		for i := range f.Args {
			f.Args[i] = r.readBytes32()
		}
	case TypeCallRes:
		f.ErrCode = r.readUint16()
		if f.ErrCode == 0 {
			for i := range f.Args[:2] {
				f.Args[i] = r.readBytes32()
			}
		} else {
			f.ErrMsg = r.readString32()
		}
	case TypeError:
		f.ErrCode = r.readUint16()
		f.ErrMsg = r.readString32()
	default:
		return nil, errors.NewChannelErrorf(errors.ParseError, "unknown frame type 0x%02x", b[0])
	}
	if r.failed {
		return nil, errors.NewChannelErrorf(errors.ParseError, "truncated %s frame", f.Type)
	}
	if r.remaining() != 0 {
		return nil, errors.NewChannelErrorf(errors.ParseError, "%d trailing bytes in %s frame", r.remaining(), f.Type)
	}
	return f, nil
}

// reader decodes length-prefixed fields with sticky failure, so parse code
// reads straight through and checks once at the end.
type reader struct {
	b      []byte
	pos    int
	failed bool
}

func (r *reader) remaining() int {
	return len(r.b) - r.pos
}

func (r *reader) readUint16() uint16 {
	if r.failed || r.remaining() < 2 {
		r.failed = true
		return 0
	}
	v := binary.BigEndian.Uint16(r.b[r.pos:])
	r.pos += 2
	return v
}

func (r *reader) readUint32() uint32 {
	if r.failed || r.remaining() < 4 {
		r.failed = true
		return 0
	}
	v := binary.BigEndian.Uint32(r.b[r.pos:])
	r.pos += 4
	return v
}

func (r *reader) read(n int) []byte {
	if r.failed || r.remaining() < n {
		r.failed = true
		return nil
	}
	v := r.b[r.pos : r.pos+n]
	r.pos += n
	return v
}

func (r *reader) readString16() string {
	n := int(r.readUint16())
	return string(r.read(n))
}

func (r *reader) readString32() string {
	n := int(r.readUint32())
	return string(r.read(n))
}

func (r *reader) readBytes32() []byte {
	n := int(r.readUint32())
	// Copy: the pending buffer is reused as the stream advances.
	return common.ByteSliceCopy(r.read(n))
}
