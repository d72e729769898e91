package kernel

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sovereign/kernel/pkg/mux"
	"github.com/sovereign/kernel/pkg/session"
	"github.com/sovereign/kernel/pkg/types"
	"github.com/sovereign/kernel/pkg/wire"
)

// acceptorComponent runs the listen loop that turns incoming TCP
// connections into Bridge Sessions (C7), each layered over the Transport
// Mux (C9) so a payload crossing the shmem_threshold (spec §4.9) never
// has to be handled specially by the session itself.
type acceptorComponent struct {
	kernel *Kernel
	logger zerolog.Logger
}

func (a *acceptorComponent) Name() string { return "acceptor" }

func (a *acceptorComponent) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		a.kernel.listener.Close()
	}()

	for {
		conn, err := a.kernel.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%w: accept: %v", types.ErrTransport, err)
		}
		go a.kernel.handleConn(ctx, conn)
	}
}

func (a *acceptorComponent) Stop() error { return nil }

// handleConn builds the Bridge Session stack for one accepted connection
// and runs it to completion. subject identity is generated per
// connection: this substrate's attestation seam (session.Attestor) does
// not yet bind a real measurement to an identity (spec §4.7 leaves that
// to the deployment's attestation provider), so a fresh ed25519 keypair's
// public half stands in as the connection's principal, discarded once
// derived since nothing here needs to sign as that principal.
func (k *Kernel) handleConn(ctx context.Context, conn net.Conn) {
	if k.cfg.MaxSessions > 0 && k.SessionCount() >= k.cfg.MaxSessions {
		k.logger.Warn().Int("max_sessions", k.cfg.MaxSessions).Msg("rejecting connection: max_sessions reached")
		k.rejectConnection(conn)
		return
	}

	connID := uuid.NewString()
	logger := k.logger.With().Str("conn_id", connID).Logger()

	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		logger.Error().Err(err).Msg("failed to derive connection identity")
		conn.Close()
		return
	}
	subject := types.IdentityFromPublicKey(pub)

	transport := wire.NewTransport(conn, k.cfg.PayloadCeiling, k.cfg.OutboundQueueDepth)
	if k.cipher != nil {
		transport.SetCipher(k.cipher)
	}
	m := mux.New(mux.Config{ShmemThreshold: int(k.cfg.ShmemThreshold)}, transport, wire.JSON, k.pool)
	stream := &mux.Stream{Mux: m}

	sessCfg := session.DefaultConfig()
	sessCfg.HeartbeatInterval = k.cfg.HeartbeatInterval
	sessCfg.HeartbeatTimeout = k.cfg.HeartbeatTimeout
	sessCfg.ClockSkewWindow = k.cfg.ClockSkewWindow
	sessCfg.TokenTTL = k.cfg.TokenTTLDefault
	sess := session.New(connID, stream, wire.JSON, k.capStore, session.NopAttestor{}, k.router, subject, sessCfg)

	k.sessMu.Lock()
	k.sessions[connID] = sess
	k.sessMu.Unlock()
	defer func() {
		k.sessMu.Lock()
		delete(k.sessions, connID)
		k.sessMu.Unlock()
	}()

	if err := sess.Run(ctx); err != nil {
		logger.Debug().Err(err).Msg("session terminated")
	}
}

// rejectConnection turns away a connection over max_sessions (spec §6's
// resource cap, §7's "resource: ... too many sessions" error class)
// before any session stack is built: handshake is never reached, so the
// rejection is one ErrResource frame sent directly over a throwaway
// transport, then the connection is closed.
func (k *Kernel) rejectConnection(conn net.Conn) {
	t := wire.NewTransport(conn, k.cfg.PayloadCeiling, 1)
	defer t.Close()

	diagnostic := []byte(fmt.Sprintf("%v: max_sessions (%d) reached", types.ErrResource, k.cfg.MaxSessions))
	frame := types.Frame{
		Header: types.Header{
			Version:    types.ProtocolVersion,
			Opcode:     types.OpErrorResource,
			PayloadLen: uint32(len(diagnostic)),
		},
		Payload: diagnostic,
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = t.Send(ctx, frame)
}

// SessionCount reports the number of currently established connections,
// for health reporting alongside supervisor.BuildSnapshot.
func (k *Kernel) SessionCount() int {
	k.sessMu.Lock()
	defer k.sessMu.Unlock()
	return len(k.sessions)
}
