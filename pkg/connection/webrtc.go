package connection

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"time"

	"github.com/pion/datachannel"
	"github.com/pion/webrtc/v3"
)

const (
	webrtcHandshakeTimeout = 30 * time.Second
	webrtcChannelLabel     = "proximity"
)

// WebRTCTransport dials peers over a WebRTC data channel, using a short TCP
// exchange to the peer's advertised address for offer/answer signaling. The
// signaling socket closes once the channel is open; frames then flow
// peer-to-peer over the data channel.
type WebRTCTransport struct {
	// ICEServers to use for candidate gathering. Empty means host
	// candidates only, which is sufficient on a shared local network.
	ICEServers []webrtc.ICEServer
}

// NewWebRTCTransport creates a WebRTC transport using the given STUN server
// URLs for candidate gathering.
func NewWebRTCTransport(stunURLs []string) *WebRTCTransport {
	t := &WebRTCTransport{}
	if len(stunURLs) > 0 {
		t.ICEServers = []webrtc.ICEServer{{URLs: stunURLs}}
	}
	return t
}

// Type implements Transport.
func (t *WebRTCTransport) Type() Type { return TransportWebRTC }

// Dial implements Transport.
func (t *WebRTCTransport) Dial(ctx context.Context, addr string) (net.Conn, error) {
	d := net.Dialer{Timeout: webrtcHandshakeTimeout}
	signalingConn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	conn, err := t.handshakeClient(ctx, signalingConn)
	signalingConn.Close()
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// handshakeClient performs the offer side of the WebRTC handshake over the
// signaling connection. Trickle ICE is disabled by waiting for candidate
// gathering to complete before sending the offer.
func (t *WebRTCTransport) handshakeClient(ctx context.Context, signalingConn net.Conn) (net.Conn, error) {
	settingEngine := webrtc.SettingEngine{}
	settingEngine.DetachDataChannels()
	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: t.ICEServers})
	if err != nil {
		return nil, err
	}

	dc, err := pc.CreateDataChannel(webrtcChannelLabel, nil)
	if err != nil {
		pc.Close()
		return nil, err
	}

	rawCh := make(chan datachannel.ReadWriteCloser, 1)
	errCh := make(chan error, 1)
	dc.OnOpen(func() {
		raw, derr := dc.Detach()
		if derr != nil {
			errCh <- derr
			return
		}
		rawCh <- raw
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		pc.Close()
		return nil, err
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		pc.Close()
		return nil, err
	}
	<-gatherComplete

	if err := writeSignal(signalingConn, pc.LocalDescription()); err != nil {
		pc.Close()
		return nil, err
	}

	var answer webrtc.SessionDescription
	if err := readSignal(signalingConn, &answer); err != nil {
		pc.Close()
		return nil, err
	}
	if err := pc.SetRemoteDescription(answer); err != nil {
		pc.Close()
		return nil, err
	}

	select {
	case raw := <-rawCh:
		return &dataChannelConn{
			rwc:    raw,
			pc:     pc,
			local:  signalingConn.LocalAddr(),
			remote: signalingConn.RemoteAddr(),
		}, nil
	case derr := <-errCh:
		pc.Close()
		return nil, derr
	case <-time.After(webrtcHandshakeTimeout):
		pc.Close()
		return nil, errors.New("timeout waiting for data channel open")
	case <-ctx.Done():
		pc.Close()
		return nil, ctx.Err()
	}
}

// handshakeServer performs the answer side of the WebRTC handshake: the
// remote dialed our signaling listener and sent an offer.
func (t *WebRTCTransport) handshakeServer(ctx context.Context, signalingConn net.Conn) (net.Conn, error) {
	settingEngine := webrtc.SettingEngine{}
	settingEngine.DetachDataChannels()
	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: t.ICEServers})
	if err != nil {
		return nil, err
	}

	rawCh := make(chan datachannel.ReadWriteCloser, 1)
	errCh := make(chan error, 1)
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		dc.OnOpen(func() {
			raw, derr := dc.Detach()
			if derr != nil {
				errCh <- derr
				return
			}
			rawCh <- raw
		})
	})

	var offer webrtc.SessionDescription
	if err := readSignal(signalingConn, &offer); err != nil {
		pc.Close()
		return nil, err
	}
	if err := pc.SetRemoteDescription(offer); err != nil {
		pc.Close()
		return nil, err
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		return nil, err
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		return nil, err
	}
	<-gatherComplete

	if err := writeSignal(signalingConn, pc.LocalDescription()); err != nil {
		pc.Close()
		return nil, err
	}

	select {
	case raw := <-rawCh:
		return &dataChannelConn{
			rwc:    raw,
			pc:     pc,
			local:  signalingConn.LocalAddr(),
			remote: signalingConn.RemoteAddr(),
		}, nil
	case derr := <-errCh:
		pc.Close()
		return nil, derr
	case <-time.After(webrtcHandshakeTimeout):
		pc.Close()
		return nil, errors.New("timeout waiting for data channel open")
	case <-ctx.Done():
		pc.Close()
		return nil, ctx.Err()
	}
}

func writeSignal(conn net.Conn, desc *webrtc.SessionDescription) error {
	return json.NewEncoder(conn).Encode(desc)
}

func readSignal(conn net.Conn, desc *webrtc.SessionDescription) error {
	return json.NewDecoder(conn).Decode(desc)
}

// dataChannelConn adapts a detached data channel to net.Conn so the framing
// layer can treat every transport alike.
type dataChannelConn struct {
	rwc    datachannel.ReadWriteCloser
	pc     *webrtc.PeerConnection
	local  net.Addr
	remote net.Addr
}

func (c *dataChannelConn) Read(p []byte) (int, error)  { return c.rwc.Read(p) }
func (c *dataChannelConn) Write(p []byte) (int, error) { return c.rwc.Write(p) }

func (c *dataChannelConn) Close() error {
	c.rwc.Close()
	return c.pc.Close()
}

func (c *dataChannelConn) LocalAddr() net.Addr  { return c.local }
func (c *dataChannelConn) RemoteAddr() net.Addr { return c.remote }

// Deadlines are not supported on detached data channels; reads are bounded
// by connection teardown instead.
func (c *dataChannelConn) SetDeadline(time.Time) error      { return nil }
func (c *dataChannelConn) SetReadDeadline(time.Time) error  { return nil }
func (c *dataChannelConn) SetWriteDeadline(time.Time) error { return nil }
