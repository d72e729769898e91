package mux

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/sovereign/kernel/pkg/types"
	"github.com/sovereign/kernel/pkg/wire"
)

// Config holds the Mux's tunables (spec §4.9).
type Config struct {
	// ShmemThreshold is the inline/bulk size cutoff, in bytes.
	ShmemThreshold int
}

// DefaultConfig returns spec §4.9's stated default (64 KiB).
func DefaultConfig() Config {
	return Config{ShmemThreshold: 64 * 1024}
}

// Mux sits between a Bridge Session and the Framed Transport (C1),
// choosing the inline or bulk path per frame. Grounded on
// *wire.Transport's own Send/Receive(frame) contract — Mux mirrors that
// shape exactly so a Session can use either one interchangeably.
type Mux struct {
	cfg       Config
	transport *wire.Transport
	codec     wire.Codec
	pool      *RegionPool
}

// New builds a Mux over transport, using pool as the shared bulk-path
// region set. pool must be the same *RegionPool instance the peer's Mux
// uses (pkg/kernel constructs one for the whole node and hands it to
// every bridge session), since this substrate simulates shared memory with
// in-process sharing rather than crossing it over the wire.
func New(cfg Config, transport *wire.Transport, codec wire.Codec, pool *RegionPool) *Mux {
	if cfg.ShmemThreshold <= 0 {
		cfg = DefaultConfig()
	}
	return &Mux{cfg: cfg, transport: transport, codec: codec, pool: pool}
}

// Send transmits frame, choosing the bulk ring-buffer path when its
// payload exceeds the configured threshold or when forceBulk is set
// (spec §4.9's "BROADCAST + bulk is requested" case, for a caller that
// wants the bulk path regardless of size — e.g. a broadcast fan-out
// wanting one shared region write instead of N inline copies).
func (m *Mux) Send(ctx context.Context, frame types.Frame, forceBulk bool) error {
	if !forceBulk && len(frame.Payload) <= m.cfg.ShmemThreshold {
		return m.transport.Send(ctx, frame)
	}

	id, region := m.pool.Acquire()
	if err := region.Write(ctx, frame.Payload); err != nil {
		return err
	}

	sum := sha256.Sum256(frame.Payload)
	desc := Descriptor{RegionID: id, Length: uint32(len(frame.Payload)), Hash: hex.EncodeToString(sum[:])}
	descFrame, err := wire.EncodeFrame(m.codec, frame.Header, desc)
	if err != nil {
		return err
	}
	descFrame.Header.Flags |= types.FlagBulk
	descFrame.Header.PayloadLen = uint32(len(descFrame.Payload))
	return m.transport.Send(ctx, descFrame)
}

// SetNegotiatedVersion delegates to the underlying transport, so a Mux can
// stand in anywhere a *wire.Transport is expected (see pkg/session.FrameStream).
func (m *Mux) SetNegotiatedVersion(v uint8) {
	m.transport.SetNegotiatedVersion(v)
}

// Close closes the underlying transport. It does not close the shared
// RegionPool, since the pool outlives any one connection's Mux — the
// caller that constructed the pool owns its lifetime.
func (m *Mux) Close() error {
	return m.transport.Close()
}

// Receive reads the next frame, transparently resolving the bulk path:
// a caller never sees a Descriptor, only the reconstructed original
// Frame, with FlagBulk cleared.
func (m *Mux) Receive(ctx context.Context) (types.Frame, error) {
	frame, err := m.transport.Receive()
	if err != nil {
		return types.Frame{}, err
	}
	if !frame.Header.Flags.Has(types.FlagBulk) {
		return frame, nil
	}

	var desc Descriptor
	if err := wire.DecodePayload(m.codec, frame, &desc); err != nil {
		return types.Frame{}, err
	}
	region, ok := m.pool.Region(desc.RegionID)
	if !ok {
		return types.Frame{}, fmt.Errorf("%w: unknown bulk region id %d", types.ErrProtocol, desc.RegionID)
	}
	payload, err := region.Read(ctx, int(desc.Length))
	if err != nil {
		return types.Frame{}, err
	}
	sum := sha256.Sum256(payload)
	if hex.EncodeToString(sum[:]) != desc.Hash {
		return types.Frame{}, fmt.Errorf("%w: bulk payload hash mismatch for region %d", types.ErrProtocol, desc.RegionID)
	}

	frame.Header.Flags &^= types.FlagBulk
	frame.Header.PayloadLen = uint32(len(payload))
	frame.Payload = payload
	return frame, nil
}
