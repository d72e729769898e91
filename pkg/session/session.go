package session

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sovereign/kernel/pkg/log"
	"github.com/sovereign/kernel/pkg/router"
	"github.com/sovereign/kernel/pkg/types"
	"github.com/sovereign/kernel/pkg/wire"
)

// Config carries the session's tunables, mirroring the relevant keys of
// pkg/config.Config (spec §6) without this package depending on it.
type Config struct {
	HandshakeDeadline  time.Duration
	HeartbeatInterval  time.Duration
	HeartbeatTimeout   time.Duration
	ClockSkewWindow    time.Duration
	TokenTTL           time.Duration
	DefaultPermissions types.Permission
}

// DefaultConfig matches pkg/config.Default()'s session-relevant defaults.
func DefaultConfig() Config {
	return Config{
		HandshakeDeadline:  5 * time.Second,
		HeartbeatInterval:  5 * time.Second,
		HeartbeatTimeout:   15 * time.Second,
		ClockSkewWindow:    types.DefaultClockSkewWindow,
		TokenTTL:           time.Hour,
		DefaultPermissions: types.PermEmit | types.PermSubscribe | types.PermRead,
	}
}

// Authority is the subset of pkg/capability.Store a Session needs: minting
// the initial token at Attest→Established and revoking every outstanding
// token at Shutdown.
type Authority interface {
	Mint(subject types.Identity, kind types.TokenKind, perms types.Permission, ttl time.Duration) (*types.Token, error)
	Revoke(tok *types.Token)
	Verify(tok *types.Token, subject types.Identity, op types.Permission) error
}

// Attestor verifies the proof a client returns in its AttestResponse. The
// actual measurement/proof format is a black-box crypto concern the spec
// leaves unspecified (akin to the signature primitive in pkg/capability);
// NopAttestor stands in for it, accepting any non-empty proof.
type Attestor interface {
	Verify(proof []byte) error
}

// NopAttestor accepts any non-empty attestation proof. Production
// deployments inject a real measurement verifier; this package only
// defines the seam.
type NopAttestor struct{}

func (NopAttestor) Verify(proof []byte) error {
	if len(proof) == 0 {
		return fmt.Errorf("%w: empty attestation proof", types.ErrAuth)
	}
	return nil
}

// RouterPort is the slice of pkg/router.Router a Session depends on
// (C7 → C5 in the acyclic call graph). Satisfied by *router.Router.
type RouterPort interface {
	Submit(in router.InboundFrame)
	Subscribe(topic string, sub router.Subscriber)
	Unsubscribe(topic string, sub router.Subscriber)
	UnsubscribeAll(sub router.Subscriber)
}

// FrameStream is the slice of *wire.Transport a Session moves frames
// through. A Session doesn't care whether a given frame travelled inline
// or through the Transport Mux's (C9) bulk ring — mux.Stream implements
// this same contract over a *mux.Mux, so a caller wires in either one
// interchangeably depending on whether bulk dispatch is needed for this
// connection.
type FrameStream interface {
	SetNegotiatedVersion(v uint8)
	Send(ctx context.Context, frame types.Frame) error
	Receive() (types.Frame, error)
	Close() error
}

// Session is one Bridge Session: the per-connection state machine of spec
// §4.7, from Connect through Handshake/Attest to Established, guarding
// replay protection and the connection-local capability table.
type Session struct {
	mu sync.Mutex

	connID    string
	logger    zerolog.Logger
	transport FrameStream
	codec     wire.Codec
	authority Authority
	attestor  Attestor
	router    RouterPort
	cfg       Config

	subject types.Identity
	state   types.SessionState

	outSeq        uint64
	lastSeq       uint64
	lastHeartbeat time.Time

	capRefs    map[uint16]*types.Token
	nextCapRef uint16

	events router.Subscriber // delivery channel: Router replies/broadcasts land here

	shutdownOnce  sync.Once
	shutdownCh    chan struct{}
	shutdownCause error
}

// New constructs a Session bound to an already-accepted transport. subject
// is the principal identity this connection will authenticate as once
// attestation succeeds (spec §4.7 leaves the attestation-to-identity
// binding to the deployment's attestation provider; the caller supplies it
// here rather than this package inventing an identity scheme).
func New(connID string, transport FrameStream, codec wire.Codec, authority Authority, attestor Attestor, rt RouterPort, subject types.Identity, cfg Config) *Session {
	return &Session{
		connID:     connID,
		logger:     log.WithSessionID(connID),
		transport:  transport,
		codec:      codec,
		authority:  authority,
		attestor:   attestor,
		router:     rt,
		cfg:        cfg,
		subject:    subject,
		state:      types.SessionConnect,
		capRefs:    make(map[uint16]*types.Token),
		nextCapRef: 1,
		events:     make(router.Subscriber, 64),
		shutdownCh: make(chan struct{}),
	}
}

// State returns the session's current lifecycle state.
func (s *Session) State() types.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st types.SessionState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Run drives the session through Handshake, Attest, and Established, then
// blocks servicing heartbeats and inbound frames until the session reaches
// Shutdown (peer-initiated, heartbeat timeout, protocol/auth failure, or
// ctx cancellation). It returns the cause of the terminal shutdown, or nil
// for an ordinary ctx-cancelled exit.
func (s *Session) Run(ctx context.Context) error {
	s.setState(types.SessionHandshake)
	if err := s.runHandshake(ctx); err != nil {
		return s.shutdown(err)
	}

	s.setState(types.SessionAttest)
	if err := s.runAttest(ctx); err != nil {
		return s.shutdown(err)
	}

	if err := s.establish(ctx); err != nil {
		return s.shutdown(err)
	}
	s.setState(types.SessionEstablished)
	s.lastHeartbeat = time.Now()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); s.forwardLoop(runCtx) }()
	go func() { defer wg.Done(); s.heartbeatLoop(runCtx) }()

	err := s.readLoop(runCtx)
	cancel()
	wg.Wait()
	return err
}

// runHandshake implements Connect→Handshake (spec §4.7): exchange version
// and capability lists within HandshakeDeadline; mismatch shuts the
// session down with ErrProtocol.
func (s *Session) runHandshake(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeDeadline)
	defer cancel()

	frame, err := s.receiveFrame(ctx)
	if err != nil {
		return fmt.Errorf("%w: handshake: %v", types.ErrProtocol, err)
	}
	if frame.Header.Opcode != types.OpHandshake {
		return fmt.Errorf("%w: expected handshake frame, got opcode %#x", types.ErrProtocol, frame.Header.Opcode)
	}

	var req HandshakeRequest
	if err := wire.DecodePayload(s.codec, frame, &req); err != nil {
		return err
	}
	if req.Version != types.ProtocolVersion {
		return fmt.Errorf("%w: peer requested version %d, this node speaks %d", types.ErrProtocol, req.Version, types.ProtocolVersion)
	}
	s.transport.SetNegotiatedVersion(req.Version)
	s.recordSeq(frame.Header.Seq)

	resp := HandshakeResponse{Version: types.ProtocolVersion, Codec: string(s.codec.Name())}
	out, err := wire.EncodeFrame(s.codec, types.Header{Version: types.ProtocolVersion, Opcode: types.OpHandshake, Seq: s.nextOutSeq()}, resp)
	if err != nil {
		return err
	}
	return s.transport.Send(ctx, out)
}

// runAttest implements Handshake→Attest: demand an attestation proof;
// failure shuts the session down with ErrAuth.
func (s *Session) runAttest(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeDeadline)
	defer cancel()

	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("%w: generate attestation nonce: %v", types.ErrInternal, err)
	}
	out, err := wire.EncodeFrame(s.codec, types.Header{Version: types.ProtocolVersion, Opcode: types.OpAttestRequest, Seq: s.nextOutSeq()}, AttestRequest{Nonce: nonce})
	if err != nil {
		return err
	}
	if err := s.transport.Send(ctx, out); err != nil {
		return err
	}

	frame, err := s.receiveFrame(ctx)
	if err != nil {
		return fmt.Errorf("%w: attest: %v", types.ErrAuth, err)
	}
	if frame.Header.Opcode != types.OpAttestResponse {
		return fmt.Errorf("%w: expected attest response, got opcode %#x", types.ErrProtocol, frame.Header.Opcode)
	}
	s.recordSeq(frame.Header.Seq)

	var resp AttestResponse
	if err := wire.DecodePayload(s.codec, frame, &resp); err != nil {
		return err
	}
	if err := s.attestor.Verify(resp.Proof); err != nil {
		return fmt.Errorf("%w: %v", types.ErrAuth, err)
	}
	return nil
}

// establish implements Attest→Established: mint the initial capability
// token via C3 and install it at capability ref 1.
func (s *Session) establish(ctx context.Context) error {
	tok, err := s.authority.Mint(s.subject, types.TokenKindAgent, s.cfg.DefaultPermissions, s.cfg.TokenTTL)
	if err != nil {
		return fmt.Errorf("%w: mint initial capability: %v", types.ErrAuth, err)
	}

	s.mu.Lock()
	s.capRefs[1] = tok
	if s.nextCapRef < 2 {
		s.nextCapRef = 2
	}
	s.mu.Unlock()

	out, err := wire.EncodeFrame(s.codec, types.Header{Version: types.ProtocolVersion, Opcode: types.OpCapExchange, Seq: s.nextOutSeq()}, CapExchangePayload{Ref: 1, Token: *tok})
	if err != nil {
		return err
	}
	return s.transport.Send(ctx, out)
}

// heartbeatLoop sends a heartbeat every HeartbeatInterval and shuts the
// session down with ErrTimeout if no heartbeat has been observed from the
// peer within HeartbeatTimeout (spec §4.7).
func (s *Session) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.shutdownCh:
			return
		case <-ticker.C:
			out, err := wire.EncodeFrame(s.codec, types.Header{Version: types.ProtocolVersion, Opcode: types.OpHeartbeat, Seq: s.nextOutSeq()}, struct{}{})
			if err == nil {
				_ = s.transport.Send(ctx, out)
			}
			s.mu.Lock()
			last := s.lastHeartbeat
			s.mu.Unlock()
			if time.Since(last) > s.cfg.HeartbeatTimeout {
				s.shutdown(fmt.Errorf("%w: no heartbeat within %s", types.ErrTimeout, s.cfg.HeartbeatTimeout))
				return
			}
		}
	}
}

// forwardLoop delivers frames the Router (or this session's own topic
// subscriptions) addresses to this connection's client out over the wire.
func (s *Session) forwardLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.shutdownCh:
			return
		case frame := <-s.events:
			if err := s.transport.Send(ctx, frame); err != nil {
				s.shutdown(err)
				return
			}
		}
	}
}

// readLoop is the inbound half of Established/Heartbeat: every frame is
// replay-checked, heartbeats/subscription control frames are handled
// locally, and everything else is submitted to the Router.
func (s *Session) readLoop(ctx context.Context) error {
	for {
		frame, err := s.receiveFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return s.shutdown(nil)
			}
			return s.shutdown(err)
		}

		if !s.acceptSeq(frame.Header) {
			return s.shutdown(fmt.Errorf("%w: replayed or stale sequence %d", types.ErrProtocol, frame.Header.Seq))
		}

		switch frame.Header.Opcode {
		case types.OpHeartbeat, types.OpPing, types.OpPong:
			s.mu.Lock()
			s.lastHeartbeat = time.Now()
			s.mu.Unlock()
		case types.OpShutdown:
			return s.shutdown(nil)
		case types.OpEventSubscribe:
			// Router.dispatch only authorizes and publishes frames; the
			// subscriber-map mutation these control opcodes request has
			// no Router-side effect of its own; Subscribe/Unsubscribe
			// itself has to be authorized here before touching it.
			var p EventSubscribePayload
			if err := wire.DecodePayload(s.codec, frame, &p); err != nil {
				continue
			}
			if err := s.checkPermission(frame.Header.CapRef, types.PermSubscribe); err != nil {
				s.logger.Debug().Err(err).Str("topic", p.Topic).Msg("rejected subscribe")
				continue
			}
			s.router.Subscribe(p.Topic, s.events)
		case types.OpEventUnsubscribe:
			var p EventSubscribePayload
			if err := wire.DecodePayload(s.codec, frame, &p); err != nil {
				continue
			}
			if err := s.checkPermission(frame.Header.CapRef, types.PermSubscribe); err != nil {
				s.logger.Debug().Err(err).Str("topic", p.Topic).Msg("rejected unsubscribe")
				continue
			}
			s.router.Unsubscribe(p.Topic, s.events)
		default:
			s.mu.Lock()
			tok := s.capRefs[frame.Header.CapRef]
			subject := s.subject
			s.mu.Unlock()
			s.router.Submit(router.InboundFrame{Frame: frame, Token: tok, Subject: subject, Origin: s.events})
		}
	}
}

// acceptSeq applies spec §4.7's replay protection: a frame's sequence
// number must be strictly greater than the last accepted one, and its
// timestamp must fall within ClockSkewWindow of now — except for
// heartbeat/handshake-family frames, which are exempt (the comment on
// types.DefaultClockSkewWindow).
func (s *Session) acceptSeq(h types.Header) bool {
	exempt := h.Opcode == types.OpHeartbeat || h.Opcode == types.OpHandshake || h.Opcode == types.OpPing || h.Opcode == types.OpPong
	s.mu.Lock()
	defer s.mu.Unlock()

	if h.Seq <= s.lastSeq && s.lastSeq != 0 {
		return false
	}
	if !exempt {
		skew := time.Since(time.Unix(0, h.Timestamp))
		if skew < 0 {
			skew = -skew
		}
		if skew > s.cfg.ClockSkewWindow {
			return false
		}
	}
	s.lastSeq = h.Seq
	return true
}

// checkPermission verifies the token installed at ref grants perm,
// mirroring the check pkg/router.Router.dispatch performs for frames that
// pass through it — needed here because Subscribe/Unsubscribe are control
// operations this package applies directly, never going through dispatch.
func (s *Session) checkPermission(ref uint16, perm types.Permission) error {
	s.mu.Lock()
	tok := s.capRefs[ref]
	subject := s.subject
	s.mu.Unlock()
	if tok == nil {
		return fmt.Errorf("%w: no capability installed at ref %d", types.ErrCapability, ref)
	}
	return s.authority.Verify(tok, subject, perm)
}

func (s *Session) recordSeq(seq uint64) {
	s.mu.Lock()
	if seq > s.lastSeq {
		s.lastSeq = seq
	}
	s.mu.Unlock()
}

func (s *Session) nextOutSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outSeq++
	return s.outSeq
}

// receiveFrame reads the next frame, honoring ctx cancellation by closing
// the transport (Transport.Receive has no cancellation of its own).
func (s *Session) receiveFrame(ctx context.Context) (types.Frame, error) {
	type result struct {
		frame types.Frame
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		f, err := s.transport.Receive()
		ch <- result{f, err}
	}()

	select {
	case r := <-ch:
		return r.frame, r.err
	case <-ctx.Done():
		s.transport.Close()
		<-ch
		return types.Frame{}, ctx.Err()
	}
}

// sendErrorFrame best-effort delivers one OpError* frame to the peer
// before the transport closes (spec §7: "a bad frame elicits an error
// frame on the same session"; §8 scenario 2 names this literally for a
// replayed sequence). Uses the same cause→opcode mapping
// pkg/router.Router.reject applies to frames it rejects, so every error
// frame the substrate emits is consistent regardless of which component
// raised the cause. Send errors are swallowed: the transport may already
// be the reason shutdown is running.
func (s *Session) sendErrorFrame(cause error) {
	s.mu.Lock()
	seq := s.lastSeq
	s.mu.Unlock()

	diagnostic := []byte(cause.Error())
	frame := types.Frame{
		Header: types.Header{
			Version:    types.ProtocolVersion,
			Opcode:     router.ErrorOpcodeFor(cause),
			Priority:   types.PriorityHigh,
			Seq:        seq,
			PayloadLen: uint32(len(diagnostic)),
		},
		Payload: diagnostic,
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = s.transport.Send(ctx, frame)
}

// shutdown releases the session's capability table and subscriptions,
// closes the transport, and transitions to the terminal Shutdown state.
// Idempotent: the cause recorded by the first call is what every caller
// (including ones racing in from the heartbeat/read loops after the
// transport closes as a side effect) observes as the return value.
func (s *Session) shutdown(cause error) error {
	s.shutdownOnce.Do(func() {
		s.shutdownCause = cause
		s.setState(types.SessionShutdown)

		if cause != nil {
			s.sendErrorFrame(cause)
		}

		s.mu.Lock()
		tokens := make([]*types.Token, 0, len(s.capRefs))
		for _, tok := range s.capRefs {
			tokens = append(tokens, tok)
		}
		s.mu.Unlock()
		for _, tok := range tokens {
			s.authority.Revoke(tok)
		}

		s.router.UnsubscribeAll(s.events)
		s.transport.Close()
		close(s.shutdownCh)

		if cause != nil {
			s.logger.Warn().Err(cause).Msg("session shutdown")
		} else {
			s.logger.Info().Msg("session shutdown")
		}
	})
	return s.shutdownCause
}
