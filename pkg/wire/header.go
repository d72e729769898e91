// Package wire implements the Framed Transport (C1) and Message Codec (C2)
// of the kernel substrate: the 36-byte big-endian frame header, the typed
// payload envelope, and a net.Conn-backed transport that reads and writes
// whole frames atomically with bounded-queue backpressure (spec §4.1/§4.2).
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/sovereign/kernel/pkg/types"
)

// EncodeHeader serializes h into its fixed 36-byte big-endian wire form.
func EncodeHeader(h types.Header) []byte {
	buf := make([]byte, types.HeaderSize)
	copy(buf[0:4], types.Magic[:])
	buf[4] = h.Version
	buf[5] = byte(h.Opcode)
	buf[6] = byte(h.Priority)
	buf[7] = byte(h.Flags)
	binary.BigEndian.PutUint16(buf[8:10], h.CapRef)
	// buf[10:16] reserved, left zero
	binary.BigEndian.PutUint32(buf[16:20], h.PayloadLen)
	binary.BigEndian.PutUint64(buf[20:28], h.Seq)
	binary.BigEndian.PutUint64(buf[28:36], uint64(h.Timestamp))
	return buf
}

// DecodeHeader parses the fixed 36-byte header, validating magic, version,
// and the reserved-zero invariants (spec §3). It does not validate
// payload-length-vs-ceiling, sequence monotonicity, or clock skew — those
// are connection-stateful checks the Transport and Router perform.
func DecodeHeader(buf []byte, negotiatedVersion uint8) (types.Header, error) {
	var h types.Header
	if len(buf) != types.HeaderSize {
		return h, fmt.Errorf("%w: short header (%d bytes)", types.ErrProtocol, len(buf))
	}
	if string(buf[0:4]) != string(types.Magic[:]) {
		return h, fmt.Errorf("%w: bad magic", types.ErrProtocol)
	}
	version := buf[4]
	// negotiatedVersion == 0 means no version has been agreed yet (the
	// frame being decoded is itself the handshake that negotiates one).
	if negotiatedVersion != 0 && version != negotiatedVersion {
		return h, fmt.Errorf("%w: version mismatch (got %d, want %d)", types.ErrProtocol, version, negotiatedVersion)
	}
	flags := types.Flags(buf[7])
	if flags&0xE0 != 0 {
		return h, fmt.Errorf("%w: unknown flag bits set", types.ErrProtocol)
	}
	for _, b := range buf[10:16] {
		if b != 0 {
			return h, fmt.Errorf("%w: reserved bytes not zero", types.ErrProtocol)
		}
	}

	h.Version = version
	h.Opcode = types.Opcode(buf[5])
	h.Priority = types.Priority(buf[6])
	h.Flags = flags
	h.CapRef = binary.BigEndian.Uint16(buf[8:10])
	h.PayloadLen = binary.BigEndian.Uint32(buf[16:20])
	h.Seq = binary.BigEndian.Uint64(buf[20:28])
	h.Timestamp = int64(binary.BigEndian.Uint64(buf[28:36]))
	return h, nil
}
