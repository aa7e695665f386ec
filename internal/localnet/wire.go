package localnet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Stream requests open with one small frame: a command byte, the target
// port, and the length-prefixed target host. The acceptor answers with a
// single reply byte.
const (
	cmdBegin   = 0x01
	cmdResolve = 0x02

	replyConnected = 0x00
	replyEnd       = 0x01

	// maxHostLen bounds the host field; its length is a single byte.
	maxHostLen = 255

	// requestHeaderLen is cmd (1) + port (2) + host length (1).
	requestHeaderLen = 4
)

// ErrInvalidFrame indicates a malformed request frame.
var ErrInvalidFrame = errors.New("invalid frame")

// encodeRequest serializes a stream-open request.
func encodeRequest(cmd byte, host string, port uint16) ([]byte, error) {
	if len(host) == 0 || len(host) > maxHostLen {
		return nil, fmt.Errorf("%w: host length %d", ErrInvalidFrame, len(host))
	}

	buf := make([]byte, requestHeaderLen+len(host))
	buf[0] = cmd
	binary.BigEndian.PutUint16(buf[1:3], port)
	buf[3] = byte(len(host))
	copy(buf[requestHeaderLen:], host)
	return buf, nil
}

// decodeRequest reads one stream-open request from r.
func decodeRequest(r io.Reader) (cmd byte, host string, port uint16, err error) {
	var header [requestHeaderLen]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, "", 0, fmt.Errorf("%w: header: %v", ErrInvalidFrame, err)
	}

	cmd = header[0]
	port = binary.BigEndian.Uint16(header[1:3])
	hostLen := int(header[3])
	if hostLen == 0 {
		return 0, "", 0, fmt.Errorf("%w: empty host", ErrInvalidFrame)
	}

	hostBuf := make([]byte, hostLen)
	if _, err := io.ReadFull(r, hostBuf); err != nil {
		return 0, "", 0, fmt.Errorf("%w: host truncated: %v", ErrInvalidFrame, err)
	}

	return cmd, string(hostBuf), port, nil
}
