package frame

import (
	"encoding/binary"
)

// Wire format (version 1). All integers are big-endian. Each frame is length
// prefixed with a 32 bit integer counting the bytes that follow it:
//
//	length:4 type:1 id:4 payload
//
// Init request/response payload:
//
//	hostPortLen:2 hostPort processNameLen:2 processName
//
// Call request payload:
//
//	serviceLen:2 service (argLen:4 arg) x3
//
// Call response payload:
//
//	errCode:2, then (argLen:4 arg) x2 when errCode is zero, else msgLen:4 msg
//
// Error payload (id names the failed operation):
//
//	errCode:2 msgLen:4 msg
type Type uint8

const (
	TypeInitReq Type = 0x01
	TypeInitRes Type = 0x02
	TypeCallReq Type = 0x03
	TypeCallRes Type = 0x04
	TypeError   Type = 0xFF
)

func (t Type) String() string {
	switch t {
	case TypeInitReq:
		return "init-req"
	case TypeInitRes:
		return "init-res"
	case TypeCallReq:
		return "call-req"
	case TypeCallRes:
		return "call-res"
	case TypeError:
		return "error"
	}
	return "unknown"
}

// Frame is one wire unit. The fields that are meaningful depend on Type: init
// frames carry HostPort and ProcessName, call requests carry Service and all
// three Args, call responses carry ErrCode plus either the first two Args or
// ErrMsg, error frames carry ErrCode and ErrMsg.
type Frame struct {
	ID          uint32
	Type        Type
	HostPort    string
	ProcessName string
	Service     string
	Args        [3][]byte
	ErrCode     uint16
	ErrMsg      string
}

const headerSize = 5 // 1 byte type, 4 bytes id

// ToBuffer serializes the frame to bytes suitable for a single socket write,
// including the length prefix.
func (f *Frame) ToBuffer() []byte {
	size := headerSize + f.payloadSize()
	buff := make([]byte, 0, 4+size)
	buff = binary.BigEndian.AppendUint32(buff, uint32(size))
	buff = append(buff, byte(f.Type))
	buff = binary.BigEndian.AppendUint32(buff, f.ID)
	switch f.Type {
	case TypeInitReq, TypeInitRes:
		buff = appendString16(buff, f.HostPort)
		buff = appendString16(buff, f.ProcessName)
	case TypeCallReq:
		buff = appendString16(buff, f.Service)
		for _, arg := range f.Args {
			buff = appendBytes32(buff, arg)
		}
	case TypeCallRes:
		buff = binary.BigEndian.AppendUint16(buff, f.ErrCode)
		if f.ErrCode == 0 {
			for _, arg := range f.Args[:2] {
				buff = appendBytes32(buff, arg)
			}
		} else {
			buff = appendString32(buff, f.ErrMsg)
		}
	case TypeError:
		buff = binary.BigEndian.AppendUint16(buff, f.ErrCode)
		buff = appendString32(buff, f.ErrMsg)
	}
	return buff
}

func (f *Frame) payloadSize() int {
	switch f.Type {
	case TypeInitReq, TypeInitRes:
		return 2 + len(f.HostPort) + 2 + len(f.ProcessName)
	case TypeCallReq:
		size := 2 + len(f.Service)
		for _, arg := range f.Args {
			size += 4 + len(arg)
		}
		return size
	case TypeCallRes:
		if f.ErrCode == 0 {
			size := 2
			for _, arg := range f.Args[:2] {
				size += 4 + len(arg)
			}
			return size
		}
		return 2 + 4 + len(f.ErrMsg)
	case TypeError:
		return 2 + 4 + len(f.ErrMsg)
	}
	return 0
}

func appendString16(buff []byte, s string) []byte {
	buff = binary.BigEndian.AppendUint16(buff, uint16(len(s)))
	return append(buff, s...)
}

func appendString32(buff []byte, s string) []byte {
	buff = binary.BigEndian.AppendUint32(buff, uint32(len(s)))
	return append(buff, s...)
}

func appendBytes32(buff []byte, b []byte) []byte {
	buff = binary.BigEndian.AppendUint32(buff, uint32(len(b)))
	return append(buff, b...)
}
