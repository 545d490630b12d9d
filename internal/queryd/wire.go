package queryd

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// A request mirrors the arguments of getsockopt on the proxy's accepted
// socket, all big endian:
//
//	level   int32
//	optname int32
//	family  uint16
//	proto   uint8
//	_       uint8
//	port    uint16  accepted socket's peer port
//	optlen  uint16  buffer size the caller can receive
//
// The response is retval int32, optlen uint16, then optlen bytes of optval.
const (
	requestLen        = 16
	responseHeaderLen = 6

	// MaxOptlen caps the buffer a client may declare.
	MaxOptlen = 128
)

var errOptlen = errors.New("declared optlen too large")

type request struct {
	Level    int32
	OptName  int32
	Family   uint16
	Protocol uint8
	Port     uint16
	Optlen   uint16
}

func (r request) marshal(b *[requestLen]byte) {
	binary.BigEndian.PutUint32(b[0:4], uint32(r.Level))
	binary.BigEndian.PutUint32(b[4:8], uint32(r.OptName))
	binary.BigEndian.PutUint16(b[8:10], r.Family)
	b[10] = r.Protocol
	b[11] = 0
	binary.BigEndian.PutUint16(b[12:14], r.Port)
	binary.BigEndian.PutUint16(b[14:16], r.Optlen)
}

func readRequest(r io.Reader) (request, error) {
	var b [requestLen]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return request{}, err
	}
	req := request{
		Level:    int32(binary.BigEndian.Uint32(b[0:4])),
		OptName:  int32(binary.BigEndian.Uint32(b[4:8])),
		Family:   binary.BigEndian.Uint16(b[8:10]),
		Protocol: b[10],
		Port:     binary.BigEndian.Uint16(b[12:14]),
		Optlen:   binary.BigEndian.Uint16(b[14:16]),
	}
	if req.Optlen > MaxOptlen {
		return req, fmt.Errorf("%w: %d", errOptlen, req.Optlen)
	}
	return req, nil
}

func writeResponse(w io.Writer, retval int32, optval []byte) error {
	b := make([]byte, responseHeaderLen+len(optval))
	binary.BigEndian.PutUint32(b[0:4], uint32(retval))
	binary.BigEndian.PutUint16(b[4:6], uint16(len(optval)))
	copy(b[responseHeaderLen:], optval)
	_, err := w.Write(b)
	return err
}

func readResponse(r io.Reader, limit int) (int32, []byte, error) {
	var h [responseHeaderLen]byte
	if _, err := io.ReadFull(r, h[:]); err != nil {
		return 0, nil, err
	}
	retval := int32(binary.BigEndian.Uint32(h[0:4]))
	n := int(binary.BigEndian.Uint16(h[4:6]))
	if n > limit {
		return 0, nil, fmt.Errorf("response optlen %d exceeds %d", n, limit)
	}
	optval := make([]byte, n)
	if _, err := io.ReadFull(r, optval); err != nil {
		return 0, nil, err
	}
	return retval, optval, nil
}
