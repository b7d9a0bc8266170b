// Package proximity assembles the discovery, authentication, session,
// connection and transfer services into one node and routes inbound peer
// messages between them.
package proximity

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nearmesh/proximity/pkg/auth"
	"github.com/nearmesh/proximity/pkg/chain"
	"github.com/nearmesh/proximity/pkg/config"
	"github.com/nearmesh/proximity/pkg/connection"
	"github.com/nearmesh/proximity/pkg/discovery"
	"github.com/nearmesh/proximity/pkg/errors"
	"github.com/nearmesh/proximity/pkg/logging"
	"github.com/nearmesh/proximity/pkg/protocol"
	"github.com/nearmesh/proximity/pkg/session"
	"github.com/nearmesh/proximity/pkg/store"
	"github.com/nearmesh/proximity/pkg/transfer"
)

// Node is a running proximity node bound to one local user.
type Node struct {
	cfg    *config.Config
	logger *logging.ColoredLogger

	peerID protocol.PeerID
	userID string

	Sessions    *session.Manager
	Auth        *auth.Service
	Discovery   *discovery.Service
	Connections *connection.Manager
	Transfers   *transfer.Service

	rtc *connection.WebRTCTransport
	db  *store.Store

	runMu   sync.Mutex
	stopRun context.CancelFunc
}

// NewNode wires a node from configuration. radio supplies the scanning
// driver; extra transports (a BLE driver, for instance) can be appended to
// the built-in WebRTC and TCP ones.
func NewNode(cfg *config.Config, radio discovery.Radio, extraTransports []connection.Transport, logger *logging.ColoredLogger) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}

	peerID := protocol.PeerID(cfg.Node.PeerID)
	if peerID == "" {
		peerID = protocol.PeerID(uuid.NewString())
	}

	var db *store.Store
	if cfg.Storage.DatabasePath != "" {
		var err error
		db, err = store.Open(cfg.Storage.DatabasePath)
		if err != nil {
			return nil, err
		}
	}

	// A nil *store.Store must become a nil interface, not a typed nil.
	var sessStore session.Store
	var xferStore transfer.Store
	var denylist discovery.Denylist
	if db != nil {
		sessStore = db
		xferStore = db
		denylist = db
	}

	sessions := session.NewManager(sessStore, logger)
	authSvc := auth.NewService(logger)
	disc := discovery.NewService(cfg.Node.UserID, radio, denylist, logger)
	disc.SetStalenessWindow(cfg.Discovery.StalenessWindow)

	rtc := connection.NewWebRTCTransport(cfg.Connection.STUNServers)
	transports := []connection.Transport{rtc, &connection.TCPTransport{}}
	transports = append(transports, extraTransports...)

	conns := connection.NewManager(peerID, transports, connection.Options{
		SendQueueSize:  cfg.Connection.SendQueueSize,
		PingInterval:   cfg.Connection.PingInterval,
		DialMaxTries:   cfg.Connection.DialMaxTries,
		InitialBackoff: cfg.Connection.InitialBackoff,
		MaxBackoff:     cfg.Connection.MaxBackoff,
	}, logger)

	submitter := chain.NewClient(chain.Config{
		BaseURL:          cfg.Chain.BaseURL,
		Timeout:          cfg.Chain.Timeout,
		BreakerThreshold: cfg.Chain.BreakerThreshold,
		BreakerCooldown:  cfg.Chain.BreakerCooldown,
	}, logger)

	transfers := transfer.NewService(submitter, nil, xferStore, transfer.Options{
		RequestTTL:     cfg.Transfer.RequestTTL,
		SubmitMaxTries: cfg.Transfer.SubmitMaxTries,
		SubmitBackoff:  cfg.Transfer.SubmitBackoff,
		SubmitCap:      cfg.Transfer.SubmitCap,
	}, logger)

	n := &Node{
		cfg:         cfg,
		logger:      logger,
		peerID:      peerID,
		userID:      cfg.Node.UserID,
		Sessions:    sessions,
		Auth:        authSvc,
		Discovery:   disc,
		Connections: conns,
		Transfers:   transfers,
		rtc:         rtc,
		db:          db,
	}
	conns.OnMessage(n.handleMessage)
	return n, nil
}

// PeerID returns the node's peer identity.
func (n *Node) PeerID() protocol.PeerID {
	return n.peerID
}

// Start launches the node's background tasks. The context bounds the
// lifetime of every sweeper started here.
func (n *Node) Start(ctx context.Context) error {
	n.runMu.Lock()
	defer n.runMu.Unlock()

	if n.stopRun != nil {
		return errors.New("node already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	n.stopRun = cancel

	if n.cfg.Connection.ListenAddr != "" {
		ln, err := net.Listen("tcp", n.cfg.Connection.ListenAddr)
		if err != nil {
			cancel()
			n.stopRun = nil
			return errors.NewServiceError("listener", "failed to bind peer listener", 0, err)
		}
		go func() {
			if err := n.Connections.Serve(runCtx, ln, n.rtc); err != nil {
				n.logger.ComponentError(logging.ComponentConnect, "peer listener failed",
					zap.Error(err))
			}
		}()
		n.logger.ComponentInfo(logging.ComponentConnect, "listening for peers",
			zap.String("addr", ln.Addr().String()))
	}

	n.Sessions.StartSweeper(runCtx)
	if n.cfg.Auth.StartSweeper {
		interval := n.cfg.Auth.SweepInterval
		if interval <= 0 {
			interval = 60 * time.Second
		}
		n.Auth.StartSweeper(runCtx, interval)
	}

	n.logger.ComponentInfo(logging.ComponentProximity, "node started",
		zap.String("peer_id", string(n.peerID)),
		zap.String("user_id", n.userID))
	return nil
}

// Close stops background tasks, drops every connection and closes the
// database.
func (n *Node) Close() error {
	n.runMu.Lock()
	if n.stopRun != nil {
		n.stopRun()
		n.stopRun = nil
	}
	n.runMu.Unlock()

	n.Sessions.StopSweeper()
	n.Auth.StopSweeper()
	_ = n.Discovery.StopDiscovery()
	n.Connections.Close()

	if n.db != nil {
		if err := n.db.Close(); err != nil {
			return errors.Wrap(err, "failed to close store")
		}
	}

	n.logger.ComponentInfo(logging.ComponentProximity, "node closed")
	return nil
}

// ConnectToPeer dials a discovered peer over the transports eligible for
// its discovery method and immediately issues an authentication challenge.
func (n *Node) ConnectToPeer(ctx context.Context, peerID protocol.PeerID) error {
	peer, err := n.Discovery.GetPeer(peerID)
	if err != nil {
		return err
	}

	err = n.Connections.Connect(ctx, connection.Endpoint{
		PeerID:         peer.ID,
		Method:         peer.Method,
		Addr:           peer.Addr,
		SignalStrength: peer.SignalStrength,
	})
	if err != nil {
		return err
	}

	return n.sendChallenge(peerID)
}

// ProposeTransfer records a Pending transfer to the recipient and notifies
// it over the peer connection.
func (n *Node) ProposeTransfer(ctx context.Context, recipient protocol.PeerID, senderWallet, asset string, amount uint64) (*transfer.Request, error) {
	peer, err := n.Discovery.GetPeer(recipient)
	if err != nil {
		return nil, err
	}
	if !peer.Verified {
		return nil, errors.Newf("peer %s is not verified", recipient)
	}

	req, err := n.Transfers.CreateTransferRequest(ctx, transfer.CreateParams{
		SenderUserID:    n.userID,
		SenderWallet:    senderWallet,
		RecipientUserID: peer.UserID,
		RecipientWallet: peer.WalletAddress,
		Asset:           asset,
		Amount:          amount,
	})
	if err != nil {
		return nil, err
	}

	env, err := protocol.NewEnvelope(protocol.MessageTypeTransferRequest, n.peerID, protocol.TransferRequestPayload{
		TransferID:      req.ID,
		SenderWallet:    req.SenderWallet,
		RecipientWallet: req.RecipientWallet,
		Asset:           req.Asset,
		Amount:          req.Amount,
	})
	if err != nil {
		return nil, errors.NewInternalError("failed to encode transfer request", err)
	}
	if err := n.Connections.Send(recipient, env); err != nil {
		return nil, err
	}
	return req, nil
}

// AcceptTransfer accepts a pending request and notifies the sender.
func (n *Node) AcceptTransfer(peerID protocol.PeerID, transferID string) error {
	return n.decideTransfer(peerID, transferID, true, "")
}

// RejectTransfer rejects a pending request and notifies the sender.
func (n *Node) RejectTransfer(peerID protocol.PeerID, transferID, reason string) error {
	return n.decideTransfer(peerID, transferID, false, reason)
}

func (n *Node) decideTransfer(peerID protocol.PeerID, transferID string, accept bool, reason string) error {
	var err error
	msgType := protocol.MessageTypeTransferRejected
	if accept {
		_, err = n.Transfers.AcceptTransfer(transferID)
		msgType = protocol.MessageTypeTransferAccepted
	} else {
		_, err = n.Transfers.RejectTransfer(transferID, reason)
	}
	if err != nil {
		return err
	}

	env, err := protocol.NewEnvelope(msgType, n.peerID, protocol.TransferDecisionPayload{
		TransferID: transferID,
		Reason:     reason,
	})
	if err != nil {
		return errors.NewInternalError("failed to encode transfer decision", err)
	}
	return n.Connections.Send(peerID, env)
}

func (n *Node) sendChallenge(peerID protocol.PeerID) error {
	ch, err := n.Auth.CreateChallenge(peerID)
	if err != nil {
		return err
	}
	env, err := protocol.NewEnvelope(protocol.MessageTypeChallenge, n.peerID, protocol.ChallengePayload{
		Nonce: ch.Nonce,
	})
	if err != nil {
		return errors.NewInternalError("failed to encode challenge", err)
	}
	return n.Connections.Send(peerID, env)
}

// handleMessage routes inbound peer messages to the owning service. Inbound
// challenges are not routed here: answering one needs the wallet's private
// key, which stays with the client application, not the daemon.
func (n *Node) handleMessage(peerID protocol.PeerID, env *protocol.Envelope) {
	switch env.Type {
	case protocol.MessageTypeChallengeResponse:
		n.handleChallengeResponse(peerID, env)
	case protocol.MessageTypeTransferRequest:
		n.handleTransferRequest(peerID, env)
	case protocol.MessageTypeTransferAccepted:
		n.handleDecision(peerID, env, true)
	case protocol.MessageTypeTransferRejected:
		n.handleDecision(peerID, env, false)
	case protocol.MessageTypeTransferCompleted:
		n.handleCompleted(peerID, env)
	default:
		n.logger.ComponentDebug(logging.ComponentProximity, "unhandled message",
			zap.String("peer_id", string(peerID)),
			zap.String("type", string(env.Type)))
	}
}

func (n *Node) handleChallengeResponse(peerID protocol.PeerID, env *protocol.Envelope) {
	var resp protocol.ChallengeResponsePayload
	if err := env.Decode(&resp); err != nil {
		n.logger.ComponentWarn(logging.ComponentProximity, "malformed challenge response",
			zap.String("peer_id", string(peerID)), zap.Error(err))
		return
	}

	ok, err := n.Auth.VerifyPeer(peerID, auth.Proof{
		WalletAddress: resp.WalletAddress,
		Signature:     resp.Signature,
		PublicKey:     resp.PublicKey,
	})
	if err != nil {
		n.logger.ComponentWarn(logging.ComponentProximity, "peer verification error",
			zap.String("peer_id", string(peerID)), zap.Error(err))
		return
	}
	if ok {
		n.Discovery.MarkVerified(peerID)
	}
}

// handleTransferRequest records a proposal from a remote sender so the local
// user can accept or reject it.
func (n *Node) handleTransferRequest(peerID protocol.PeerID, env *protocol.Envelope) {
	var payload protocol.TransferRequestPayload
	if err := env.Decode(&payload); err != nil {
		n.logger.ComponentWarn(logging.ComponentProximity, "malformed transfer request",
			zap.String("peer_id", string(peerID)), zap.Error(err))
		return
	}

	peer, err := n.Discovery.GetPeer(peerID)
	if err != nil || !peer.Verified {
		n.logger.ComponentWarn(logging.ComponentProximity, "transfer request from unverified peer dropped",
			zap.String("peer_id", string(peerID)),
			zap.String("transfer_id", payload.TransferID))
		return
	}

	_, err = n.Transfers.IngestRemoteRequest(context.Background(), payload.TransferID, transfer.CreateParams{
		SenderUserID:    peer.UserID,
		SenderWallet:    payload.SenderWallet,
		RecipientUserID: n.userID,
		RecipientWallet: payload.RecipientWallet,
		Asset:           payload.Asset,
		Amount:          payload.Amount,
	})
	if err != nil {
		n.logger.ComponentWarn(logging.ComponentProximity, "transfer request not recorded",
			zap.String("peer_id", string(peerID)),
			zap.String("transfer_id", payload.TransferID),
			zap.Error(err))
	}
}

func (n *Node) handleDecision(peerID protocol.PeerID, env *protocol.Envelope, accepted bool) {
	var payload protocol.TransferDecisionPayload
	if err := env.Decode(&payload); err != nil {
		return
	}

	// Only the remote recipient's answer arrives here; the local record
	// flips accordingly.
	var err error
	if accepted {
		_, err = n.Transfers.AcceptTransfer(payload.TransferID)
	} else {
		_, err = n.Transfers.RejectTransfer(payload.TransferID, payload.Reason)
	}
	if err != nil {
		n.logger.ComponentWarn(logging.ComponentProximity, "transfer decision not applied",
			zap.String("peer_id", string(peerID)),
			zap.String("transfer_id", payload.TransferID),
			zap.Error(err))
	}
}

func (n *Node) handleCompleted(peerID protocol.PeerID, env *protocol.Envelope) {
	var payload protocol.TransferCompletedPayload
	if err := env.Decode(&payload); err != nil {
		return
	}
	if err := n.Transfers.RecordConfirmation(context.Background(), payload.TransferID, payload.TxHash); err != nil {
		n.logger.ComponentWarn(logging.ComponentProximity, "confirmation not applied",
			zap.String("peer_id", string(peerID)),
			zap.String("transfer_id", payload.TransferID),
			zap.Error(err))
	}
}
