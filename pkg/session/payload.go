package session

import "github.com/sovereign/kernel/pkg/types"

// HandshakeRequest is the client→server payload of an OpHandshake frame:
// the version and capability-name list the client supports (spec §4.7).
type HandshakeRequest struct {
	Version      uint8
	Capabilities []string
}

// HandshakeResponse is the server's reply to HandshakeRequest: the
// negotiated version and codec.
type HandshakeResponse struct {
	Version uint8
	Codec   string
}

// AttestRequest is the server-issued challenge of an OpAttestRequest frame.
type AttestRequest struct {
	Nonce []byte
}

// AttestResponse carries the client's attestation proof in reply.
type AttestResponse struct {
	Proof []byte
}

// CapExchangePayload delivers a minted capability token to the client at a
// given capability reference (spec §4.7's "installs it at capability ref
// 1").
type CapExchangePayload struct {
	Ref   uint16
	Token types.Token
}

// EventSubscribePayload names the topic a client wants to subscribe to or
// unsubscribe from (OpEventSubscribe/OpEventUnsubscribe).
type EventSubscribePayload struct {
	Topic string
}
