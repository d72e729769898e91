package wire

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/sovereign/kernel/pkg/types"
)

// DefaultOutboundQueueDepth is used when a Transport is constructed without
// an explicit queue depth (spec §6 outbound_queue_depth default).
const DefaultOutboundQueueDepth = 256

// Transport wraps a net.Conn (a Unix domain socket or TCP loopback
// connection, per spec §2's "local byte-stream transport") with atomic
// whole-frame Send/Receive and a bounded outbound queue for backpressure.
// One Transport serves one connection; concurrent Send callers share the
// outbound queue, concurrent Receive callers are not supported (the Bridge
// Session owns the read side alone).
type Transport struct {
	conn   net.Conn
	ceiling uint32

	negotiatedVersion atomic.Uint32
	cipher            atomic.Pointer[Cipher]

	outbound chan outboundFrame
	closeOnce sync.Once
	closed    chan struct{}
	writeErr  atomic.Value // error

	writeLoopDone chan struct{}
}

type outboundFrame struct {
	frame types.Frame
	done  chan error
}

// NewTransport wraps conn. queueDepth <= 0 uses DefaultOutboundQueueDepth.
func NewTransport(conn net.Conn, ceiling uint32, queueDepth int) *Transport {
	if queueDepth <= 0 {
		queueDepth = DefaultOutboundQueueDepth
	}
	t := &Transport{
		conn:          conn,
		ceiling:       ceiling,
		outbound:      make(chan outboundFrame, queueDepth),
		closed:        make(chan struct{}),
		writeLoopDone: make(chan struct{}),
	}
	go t.writeLoop()
	return t
}

// SetNegotiatedVersion records the protocol version agreed during
// handshake; until called, DecodeHeader accepts any version (see
// header.go).
func (t *Transport) SetNegotiatedVersion(v uint8) {
	t.negotiatedVersion.Store(uint32(v))
}

// SetCipher installs the AES-256-GCM cipher used to seal frames sent with
// FlagEncrypted and open frames received with it set. A nil Transport
// cipher (the default) is a hard requirement that nobody ever set
// FlagEncrypted on this connection; writeFrame/Receive reject it rather
// than silently passing plaintext through as if it were encrypted.
func (t *Transport) SetCipher(c *Cipher) {
	t.cipher.Store(c)
}

// Send enqueues frame for writing and blocks until it has been written (or
// the context is cancelled, or the queue is full and stays full). Enqueue
// is cancellable: a context cancellation before the frame is handed to the
// write loop leaves the queue slot unused.
func (t *Transport) Send(ctx context.Context, frame types.Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if frame.Header.PayloadLen > t.ceiling {
		return fmt.Errorf("%w: payload %d exceeds ceiling %d", types.ErrProtocol, frame.Header.PayloadLen, t.ceiling)
	}
	if int(frame.Header.PayloadLen) != len(frame.Payload) {
		return fmt.Errorf("%w: payload_len %d does not match %d bytes", types.ErrProtocol, frame.Header.PayloadLen, len(frame.Payload))
	}

	done := make(chan error, 1)
	select {
	case t.outbound <- outboundFrame{frame: frame, done: done}:
	case <-t.closed:
		return fmt.Errorf("%w: transport closed", types.ErrTransport)
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-t.closed:
		return fmt.Errorf("%w: transport closed", types.ErrTransport)
	}
}

func (t *Transport) writeLoop() {
	defer close(t.writeLoopDone)
	for {
		select {
		case of := <-t.outbound:
			err := t.writeFrame(of.frame)
			if err != nil {
				t.writeErr.Store(err)
			}
			of.done <- err
			if err != nil {
				t.Close()
				return
			}
		case <-t.closed:
			return
		}
	}
}

func (t *Transport) writeFrame(frame types.Frame) error {
	if frame.Header.Flags.Has(types.FlagEncrypted) {
		c := t.cipher.Load()
		if c == nil {
			return fmt.Errorf("%w: FlagEncrypted set but no cipher installed", types.ErrProtocol)
		}
		sealed, err := c.Seal(frame.Payload)
		if err != nil {
			return err
		}
		frame.Payload = sealed
		frame.Header.PayloadLen = uint32(len(sealed))
	}

	header := EncodeHeader(frame.Header)
	if _, err := t.conn.Write(header); err != nil {
		return fmt.Errorf("%w: write header: %v", types.ErrTransport, err)
	}
	if len(frame.Payload) > 0 {
		if _, err := t.conn.Write(frame.Payload); err != nil {
			return fmt.Errorf("%w: write payload: %v", types.ErrTransport, err)
		}
	}
	return nil
}

// Receive reads the next whole frame off the wire. It is not safe to call
// concurrently with another Receive on the same Transport.
func (t *Transport) Receive() (types.Frame, error) {
	header := make([]byte, types.HeaderSize)
	if _, err := io.ReadFull(t.conn, header); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return types.Frame{}, fmt.Errorf("%w: connection closed: %v", types.ErrTransport, err)
		}
		return types.Frame{}, fmt.Errorf("%w: read header: %v", types.ErrTransport, err)
	}

	negotiated := uint8(t.negotiatedVersion.Load())
	h, err := DecodeHeader(header, negotiated)
	if err != nil {
		return types.Frame{}, err
	}

	if h.PayloadLen > t.ceiling {
		return types.Frame{}, fmt.Errorf("%w: payload_len %d exceeds ceiling %d", types.ErrProtocol, h.PayloadLen, t.ceiling)
	}

	payload := make([]byte, h.PayloadLen)
	if h.PayloadLen > 0 {
		if _, err := io.ReadFull(t.conn, payload); err != nil {
			return types.Frame{}, fmt.Errorf("%w: read payload: %v", types.ErrTransport, err)
		}
	}

	if h.Flags.Has(types.FlagEncrypted) {
		c := t.cipher.Load()
		if c == nil {
			return types.Frame{}, fmt.Errorf("%w: FlagEncrypted set but no cipher installed", types.ErrProtocol)
		}
		plaintext, err := c.Open(payload)
		if err != nil {
			return types.Frame{}, err
		}
		payload = plaintext
		h.PayloadLen = uint32(len(plaintext))
	}

	return types.Frame{Header: h, Payload: payload}, nil
}

// Close tears down the underlying connection and stops the write loop.
// Safe to call more than once and from multiple goroutines.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		err = t.conn.Close()
	})
	return err
}

// RemoteAddr returns the underlying connection's remote address, used for
// audit logging around handshake/attest.
func (t *Transport) RemoteAddr() net.Addr {
	return t.conn.RemoteAddr()
}

// LastWriteError returns the error (if any) that caused the write loop to
// stop, for diagnostics when Send starts returning ErrTransport.
func (t *Transport) LastWriteError() error {
	err, _ := t.writeErr.Load().(error)
	return err
}
