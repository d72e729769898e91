package session

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sovereign/kernel/pkg/router"
	"github.com/sovereign/kernel/pkg/types"
	"github.com/sovereign/kernel/pkg/wire"
)

type fakeAuthority struct {
	mu      sync.Mutex
	minted  int
	revoked []*types.Token
}

func (f *fakeAuthority) Mint(subject types.Identity, kind types.TokenKind, perms types.Permission, ttl time.Duration) (*types.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.minted++
	return &types.Token{Subject: subject, Kind: kind, Permissions: perms, ExpiresAt: time.Now().Add(ttl).UnixNano()}, nil
}

func (f *fakeAuthority) Revoke(tok *types.Token) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked = append(f.revoked, tok)
}

func (f *fakeAuthority) Verify(tok *types.Token, subject types.Identity, op types.Permission) error {
	if tok == nil || !tok.Permissions.Contains(op) {
		return types.ErrCapability
	}
	return nil
}

type fakeRouterPort struct {
	mu        sync.Mutex
	submitted []router.InboundFrame
}

func (f *fakeRouterPort) Submit(in router.InboundFrame) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, in)
}
func (f *fakeRouterPort) Subscribe(string, router.Subscriber)   {}
func (f *fakeRouterPort) Unsubscribe(string, router.Subscriber) {}
func (f *fakeRouterPort) UnsubscribeAll(router.Subscriber)      {}

func (f *fakeRouterPort) submittedLen() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submitted)
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	for i := 0; i < 200; i++ {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

// establishedSession drives a Session through Handshake/Attest/Establish
// over a net.Pipe loopback, returning the client-side transport for
// further interaction and the Session under test.
func establishedSession(t *testing.T, cfg Config) (*Session, *wire.Transport, *fakeAuthority, *fakeRouterPort, chan error) {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	clientTransport := wire.NewTransport(clientConn, types.DefaultPayloadCeiling, 8)
	serverTransport := wire.NewTransport(serverConn, types.DefaultPayloadCeiling, 8)
	t.Cleanup(func() {
		clientTransport.Close()
		serverTransport.Close()
	})

	auth := &fakeAuthority{}
	rt := &fakeRouterPort{}
	sess := New("conn-1", serverTransport, wire.JSON, auth, NopAttestor{}, rt, types.Identity{1}, cfg)

	errCh := make(chan error, 1)
	go func() { errCh <- sess.Run(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	hs, err := wire.EncodeFrame(wire.JSON, types.Header{Version: types.ProtocolVersion, Opcode: types.OpHandshake, Seq: 1}, HandshakeRequest{Version: types.ProtocolVersion})
	require.NoError(t, err)
	require.NoError(t, clientTransport.Send(ctx, hs))

	_, err = clientTransport.Receive() // handshake response
	require.NoError(t, err)

	attestReq, err := clientTransport.Receive()
	require.NoError(t, err)
	require.Equal(t, types.OpAttestRequest, attestReq.Header.Opcode)

	ar, err := wire.EncodeFrame(wire.JSON, types.Header{Version: types.ProtocolVersion, Opcode: types.OpAttestResponse, Seq: 2}, AttestResponse{Proof: []byte("proof")})
	require.NoError(t, err)
	require.NoError(t, clientTransport.Send(ctx, ar))

	capFrame, err := clientTransport.Receive()
	require.NoError(t, err)
	require.Equal(t, types.OpCapExchange, capFrame.Header.Opcode)
	var capPayload CapExchangePayload
	require.NoError(t, wire.DecodePayload(wire.JSON, capFrame, &capPayload))
	assert.Equal(t, uint16(1), capPayload.Ref)

	waitUntil(t, func() bool { return sess.State() == types.SessionEstablished })
	return sess, clientTransport, auth, rt, errCh
}

func TestSessionEstablishesAndMintsInitialCapability(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HeartbeatInterval = 50 * time.Millisecond
	cfg.HeartbeatTimeout = time.Second

	sess, _, auth, _, _ := establishedSession(t, cfg)
	assert.Equal(t, types.SessionEstablished, sess.State())
	assert.Equal(t, 1, auth.minted)
}

func TestSessionForwardsAuthorizedFrameToRouter(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HeartbeatInterval = 50 * time.Millisecond
	cfg.HeartbeatTimeout = time.Second

	_, client, _, rt, _ := establishedSession(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	emit, err := wire.EncodeFrame(wire.JSON, types.Header{
		Version:   types.ProtocolVersion,
		Opcode:    types.OpEventEmit,
		Seq:       3,
		CapRef:    1,
		Timestamp: time.Now().UnixNano(),
	}, map[string]string{"hello": "world"})
	require.NoError(t, err)
	require.NoError(t, client.Send(ctx, emit))

	waitUntil(t, func() bool { return rt.submittedLen() == 1 })

	rt.mu.Lock()
	got := rt.submitted[0]
	rt.mu.Unlock()
	assert.Equal(t, types.OpEventEmit, got.Frame.Header.Opcode)
	require.NotNil(t, got.Token)
}

func TestSessionShutdownOnPeerRequestRevokesCapabilities(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HeartbeatInterval = 50 * time.Millisecond
	cfg.HeartbeatTimeout = time.Second

	sess, client, auth, _, errCh := establishedSession(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	shutdownFrame, err := wire.EncodeFrame(wire.JSON, types.Header{Version: types.ProtocolVersion, Opcode: types.OpShutdown, Seq: 3, Timestamp: time.Now().UnixNano()}, struct{}{})
	require.NoError(t, err)
	require.NoError(t, client.Send(ctx, shutdownFrame))

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("session did not shut down")
	}

	assert.Equal(t, types.SessionShutdown, sess.State())
	auth.mu.Lock()
	defer auth.mu.Unlock()
	assert.Len(t, auth.revoked, 1)
}

func TestSessionHandshakeVersionMismatchShutsDown(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	clientTransport := wire.NewTransport(clientConn, types.DefaultPayloadCeiling, 8)
	serverTransport := wire.NewTransport(serverConn, types.DefaultPayloadCeiling, 8)
	t.Cleanup(func() {
		clientTransport.Close()
		serverTransport.Close()
	})

	sess := New("conn-2", serverTransport, wire.JSON, &fakeAuthority{}, NopAttestor{}, &fakeRouterPort{}, types.Identity{}, DefaultConfig())
	errCh := make(chan error, 1)
	go func() { errCh <- sess.Run(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	hs, err := wire.EncodeFrame(wire.JSON, types.Header{Version: types.ProtocolVersion, Opcode: types.OpHandshake, Seq: 1}, HandshakeRequest{Version: types.ProtocolVersion + 1})
	require.NoError(t, err)
	require.NoError(t, clientTransport.Send(ctx, hs))

	// The server's error-frame send blocks on net.Pipe until read, so the
	// receive must run concurrently with waiting on errCh rather than after.
	type recvResult struct {
		frame types.Frame
		err   error
	}
	frameCh := make(chan recvResult, 1)
	go func() {
		f, err := clientTransport.Receive()
		frameCh <- recvResult{f, err}
	}()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, types.ErrProtocol)
	case <-time.After(2 * time.Second):
		t.Fatal("session did not shut down on version mismatch")
	}
	assert.Equal(t, types.SessionShutdown, sess.State())

	select {
	case r := <-frameCh:
		require.NoError(t, r.err, "peer should receive an error frame before the transport closes")
		assert.Equal(t, types.OpErrorGeneric, r.frame.Header.Opcode)
		assert.Contains(t, string(r.frame.Payload), "protocol")
	case <-time.After(2 * time.Second):
		t.Fatal("did not receive error frame")
	}
}

// TestSessionReplayedSequenceTearsDownWithErrorFrame covers spec §8
// scenario 2 literally: a frame reusing an already-accepted sequence
// number gets an ErrProtocol error frame and the session is torn down,
// rather than the frame being silently dropped.
func TestSessionReplayedSequenceTearsDownWithErrorFrame(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HeartbeatInterval = 50 * time.Millisecond
	cfg.HeartbeatTimeout = time.Second

	sess, client, auth, _, errCh := establishedSession(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	// Seq 2 was already accepted during attestation (the AttestResponse
	// frame); replaying it must be rejected rather than processed.
	replay, err := wire.EncodeFrame(wire.JSON, types.Header{
		Version:   types.ProtocolVersion,
		Opcode:    types.OpEventEmit,
		Seq:       2,
		CapRef:    1,
		Timestamp: time.Now().UnixNano(),
	}, map[string]string{"hello": "world"})
	require.NoError(t, err)
	require.NoError(t, client.Send(ctx, replay))

	// The server's error-frame send blocks on net.Pipe until read, so the
	// receive must run concurrently with waiting on errCh rather than after.
	type recvResult struct {
		frame types.Frame
		err   error
	}
	frameCh := make(chan recvResult, 1)
	go func() {
		// Heartbeats keep flowing from the server until shutdown; skip past
		// them to find the error frame.
		for {
			f, err := client.Receive()
			if err != nil || (f.Header.Opcode != types.OpHeartbeat && f.Header.Opcode != types.OpPing && f.Header.Opcode != types.OpPong) {
				frameCh <- recvResult{f, err}
				return
			}
		}
	}()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, types.ErrProtocol)
	case <-time.After(2 * time.Second):
		t.Fatal("session did not shut down on replayed sequence")
	}
	assert.Equal(t, types.SessionShutdown, sess.State())

	select {
	case r := <-frameCh:
		require.NoError(t, r.err, "peer should receive an error frame for the replayed sequence")
		assert.Equal(t, types.OpErrorGeneric, r.frame.Header.Opcode)
	case <-time.After(2 * time.Second):
		t.Fatal("did not receive error frame")
	}

	auth.mu.Lock()
	defer auth.mu.Unlock()
	assert.Len(t, auth.revoked, 1, "torn-down session must revoke its outstanding capability")
}
