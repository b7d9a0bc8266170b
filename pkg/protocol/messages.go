// Package protocol defines the logical message contract exchanged between
// proximity peers over an established connection. The closed variant set is
// versioned through the envelope so heterogeneous clients can negotiate.
package protocol

import (
	"encoding/json"
	"time"
)

// ProtocolVersion is the current envelope version.
const ProtocolVersion = 1

// PeerID is an opaque stable identifier for a peer for the duration of a
// discovery/authentication cycle.
type PeerID string

// DiscoveryMethod identifies the radio used to find a peer.
type DiscoveryMethod string

const (
	MethodWiFi      DiscoveryMethod = "wifi"
	MethodBluetooth DiscoveryMethod = "bluetooth"
)

// MessageType tags the closed set of peer message variants.
type MessageType string

const (
	MessageTypeChallenge         MessageType = "challenge"
	MessageTypeChallengeResponse MessageType = "challenge_response"
	MessageTypeTransferRequest   MessageType = "transfer_request"
	MessageTypeTransferAccepted  MessageType = "transfer_accepted"
	MessageTypeTransferRejected  MessageType = "transfer_rejected"
	MessageTypeTransferCompleted MessageType = "transfer_completed"
	MessageTypePing              MessageType = "ping"
	MessageTypePong              MessageType = "pong"

	// Mesh gossip variants used by the price/status subsystem.
	MessageTypePriceUpdate  MessageType = "price_update"
	MessageTypeStatusGossip MessageType = "status_gossip"
)

// Envelope wraps every peer message on the wire.
type Envelope struct {
	Version int             `json:"version"`
	Type    MessageType     `json:"type"`
	From    PeerID          `json:"from,omitempty"`
	SentAt  time.Time       `json:"sent_at"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ChallengePayload carries a single-use authentication nonce.
type ChallengePayload struct {
	Nonce []byte `json:"nonce"`
}

// ChallengeResponsePayload carries the proof a peer supplies to bind a
// signature to its claimed wallet identity.
type ChallengeResponsePayload struct {
	WalletAddress string `json:"wallet_address"`
	Signature     []byte `json:"signature"`
	PublicKey     []byte `json:"public_key"`
}

// TransferRequestPayload proposes an asset movement to the remote peer.
type TransferRequestPayload struct {
	TransferID      string `json:"transfer_id"`
	SenderWallet    string `json:"sender_wallet"`
	RecipientWallet string `json:"recipient_wallet"`
	Asset           string `json:"asset"`
	Amount          uint64 `json:"amount"`
}

// TransferDecisionPayload answers a transfer request (accepted/rejected).
type TransferDecisionPayload struct {
	TransferID string `json:"transfer_id"`
	Reason     string `json:"reason,omitempty"`
}

// TransferCompletedPayload announces a confirmed on-chain movement.
type TransferCompletedPayload struct {
	TransferID string `json:"transfer_id"`
	TxHash     string `json:"tx_hash"`
}

// PingPayload probes connection liveness and quality.
type PingPayload struct {
	Seq    uint64    `json:"seq"`
	SentAt time.Time `json:"sent_at"`
}

// PongPayload echoes a ping.
type PongPayload struct {
	Seq    uint64    `json:"seq"`
	SentAt time.Time `json:"sent_at"`
}

// PriceUpdatePayload gossips observed asset pricing across the mesh.
type PriceUpdatePayload struct {
	Asset      string    `json:"asset"`
	Price      float64   `json:"price"`
	ObservedAt time.Time `json:"observed_at"`
}

// StatusGossipPayload gossips peer status across the mesh.
type StatusGossipPayload struct {
	PeerID PeerID `json:"peer_id"`
	Status string `json:"status"`
}

// NewEnvelope builds a versioned envelope around a payload.
func NewEnvelope(msgType MessageType, from PeerID, payload interface{}) (*Envelope, error) {
	env := &Envelope{
		Version: ProtocolVersion,
		Type:    msgType,
		From:    from,
		SentAt:  time.Now().UTC(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		env.Payload = raw
	}
	return env, nil
}

// Marshal serializes an envelope to JSON.
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal deserializes an envelope from JSON.
func (e *Envelope) Unmarshal(data []byte) error {
	return json.Unmarshal(data, e)
}

// Decode unmarshals the envelope payload into the given variant struct.
func (e *Envelope) Decode(out interface{}) error {
	return json.Unmarshal(e.Payload, out)
}
