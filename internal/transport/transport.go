// Package transport provides the wire-level connection to the chat service.
// The session client consumes the Transport interface only; the concrete
// implementation in this package speaks XMPP over TCP/TLS via mellium.
package transport

import "context"

// Transport is the connection contract consumed by the session client.
// Inbound stanzas are delivered to the stanza handler one at a time, in
// receipt order. Lifecycle signals (online, offline, reconnect, disconnect,
// error) are delivered through the corresponding handlers. Reconnection
// policy belongs to the transport, never to the session client.
type Transport interface {
	// Connect establishes the connection and starts the read loop.
	Connect(ctx context.Context) error

	// Send encodes and transmits a stanza.
	Send(ctx context.Context, v any) error

	// SendRaw writes raw bytes to the stream. Used for whitespace keepalive.
	SendRaw(ctx context.Context, p []byte) error

	// Connected reports whether the stream is currently up.
	Connected() bool

	// Close tears the connection down for good; no reconnect follows.
	Close() error

	SetStanzaHandler(func(v any))
	SetOnlineHandler(func())
	SetOfflineHandler(func())
	SetReconnectHandler(func())
	SetDisconnectHandler(func(err error))
	SetErrorHandler(func(err error))
}
