// Package session implements the Bridge Session (spec §4.7): the
// per-connection state machine between a daemon client and the kernel,
// from Connect through Handshake and Attest to Established/Heartbeat, down
// to a terminal Shutdown. It owns replay protection and the connection's
// local capability table, and is the component that consumes
// Handshake/Attest/CapExchange frames before anything reaches the Router
// (pkg/router) — only frames from an Established session are submitted
// there.
package session
