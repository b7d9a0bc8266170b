// Package connection maintains logical peer connections over one of several
// transports and carries typed protocol messages between peers.
package connection

import (
	"context"
	"net"
	"time"
)

// Type identifies a transport.
type Type string

const (
	TransportWebRTC Type = "webrtc"
	TransportTCP    Type = "tcp"
	TransportBLE    Type = "ble"
)

// Transport dials a peer at a transport-specific address and yields a
// byte-stream connection that frames flow over.
type Transport interface {
	Type() Type
	Dial(ctx context.Context, addr string) (net.Conn, error)
}

// TCPTransport dials peers over plain TCP.
type TCPTransport struct {
	// DialTimeout bounds a single dial attempt. Zero means 10 seconds.
	DialTimeout time.Duration
}

// Type implements Transport.
func (t *TCPTransport) Type() Type { return TransportTCP }

// Dial implements Transport.
func (t *TCPTransport) Dial(ctx context.Context, addr string) (net.Conn, error) {
	timeout := t.DialTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	d := net.Dialer{Timeout: timeout}
	return d.DialContext(ctx, "tcp", addr)
}

// DialFunc adapts a plain dial function to the Transport interface. BLE
// links come from a platform driver outside this process; the driver hands
// us a dialer and we treat the resulting stream like any other transport.
type DialFunc func(ctx context.Context, addr string) (net.Conn, error)

// FuncTransport wraps a DialFunc with a transport type tag.
type FuncTransport struct {
	TransportType Type
	DialFn        DialFunc
}

// Type implements Transport.
func (f *FuncTransport) Type() Type { return f.TransportType }

// Dial implements Transport.
func (f *FuncTransport) Dial(ctx context.Context, addr string) (net.Conn, error) {
	return f.DialFn(ctx, addr)
}
