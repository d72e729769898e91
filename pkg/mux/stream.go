package mux

import (
	"context"

	"github.com/sovereign/kernel/pkg/types"
)

// Stream adapts a Mux to the two-argument Send / no-argument Receive
// shape pkg/session.FrameStream expects. Mux's own Send/Receive keep
// their fuller signatures (forceBulk, an explicit ctx on Receive) for
// callers that need them; Stream is what pkg/kernel hands to
// session.New when a connection's bridge session should route its
// traffic through the bulk-capable mux instead of a bare *wire.Transport.
type Stream struct {
	Mux *Mux
}

// SetNegotiatedVersion delegates to the wrapped Mux.
func (s *Stream) SetNegotiatedVersion(v uint8) {
	s.Mux.SetNegotiatedVersion(v)
}

// Send forwards to Mux.Send with forceBulk=false: the size threshold
// alone decides inline vs bulk for ordinary session traffic. A caller
// wanting forced bulk dispatch (the broadcast case) uses the wrapped Mux
// directly instead of going through a Session.
func (s *Stream) Send(ctx context.Context, frame types.Frame) error {
	return s.Mux.Send(ctx, frame, false)
}

// Receive forwards to Mux.Receive with a background context: an
// in-flight bulk read unblocks on RegionPool.Close (pkg/kernel closes its
// shared pool when Kernel.Run returns), not on a per-call context, so
// there is nothing for a per-Receive context to cancel that Close doesn't
// already cover.
func (s *Stream) Receive() (types.Frame, error) {
	return s.Mux.Receive(context.Background())
}

// Close delegates to the wrapped Mux.
func (s *Stream) Close() error {
	return s.Mux.Close()
}
