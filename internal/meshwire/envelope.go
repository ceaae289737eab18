// Package meshwire implements the mesh wire protocol: the envelope schema,
// length-framed read/write, and the canonical byte form used as HMAC input.
package meshwire

import (
	"encoding/hex"
	"encoding/json"
)

// MessageType is the closed enumeration of envelope types carried on the wire.
type MessageType string

const (
	TypeChat             MessageType = "CHAT"
	TypeCommand          MessageType = "COMMAND"
	TypeResponse         MessageType = "RESPONSE"
	TypePing             MessageType = "PING"
	TypePong             MessageType = "PONG"
	TypeStateReport      MessageType = "STATE_REPORT"
	TypeEnrollRequest    MessageType = "ENROLL_REQUEST"
	TypeEnrollResponse   MessageType = "ENROLL_RESPONSE"
	TypeOTAOffer         MessageType = "OTA_OFFER"
	TypeOTAAccept        MessageType = "OTA_ACCEPT"
	TypeOTAReject        MessageType = "OTA_REJECT"
	TypeOTAChunk         MessageType = "OTA_CHUNK"
	TypeOTAChunkAck      MessageType = "OTA_CHUNK_ACK"
	TypeOTAVerify        MessageType = "OTA_VERIFY"
	TypeOTAComplete      MessageType = "OTA_COMPLETE"
	TypeOTAAbort         MessageType = "OTA_ABORT"
	TypeFederationHello  MessageType = "FEDERATION_HELLO"
	TypeFederationSync   MessageType = "FEDERATION_SYNC"
	TypeFederationCommand MessageType = "FEDERATION_COMMAND"
	TypeFederationResponse MessageType = "FEDERATION_RESPONSE"
	TypeFederationState  MessageType = "FEDERATION_STATE"
	TypeFederationPing   MessageType = "FEDERATION_PING"
	TypeFederationPong   MessageType = "FEDERATION_PONG"
)

// BroadcastTarget is the magic target value meaning "every peer".
const BroadcastTarget = "*"

// Envelope is the single atomic unit exchanged over the mesh.
//
// Invariant: at most one of (Payload non-empty) and (EncryptedPayload
// present) holds for any envelope emitted by this module. HMAC and Nonce
// are either both present or both absent.
type Envelope struct {
	Type             MessageType            `json:"type"`
	Source           string                 `json:"source"`
	Target           string                 `json:"target"`
	Payload          map[string]interface{} `json:"payload,omitempty"`
	EncryptedPayload []byte                 `json:"-"`
	IV               []byte                 `json:"-"`
	Ts               float64                `json:"ts"`
	Nonce            string                 `json:"nonce,omitempty"`
	HMAC             string                 `json:"hmac,omitempty"`
}

// envelopeWire is the exact JSON shape on the wire: binary fields travel as
// lowercase hex.
type envelopeWire struct {
	Type             MessageType            `json:"type"`
	Source           string                 `json:"source"`
	Target           string                 `json:"target"`
	Payload          map[string]interface{} `json:"payload,omitempty"`
	EncryptedPayload string                 `json:"encrypted_payload,omitempty"`
	IV               string                 `json:"iv,omitempty"`
	Ts               float64                `json:"ts"`
	Nonce            string                 `json:"nonce,omitempty"`
	HMAC             string                 `json:"hmac,omitempty"`
}

// MarshalJSON renders binary fields as lowercase hex and omits empty fields.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	w := envelopeWire{
		Type:    e.Type,
		Source:  e.Source,
		Target:  e.Target,
		Payload: e.Payload,
		Ts:      e.Ts,
		Nonce:   e.Nonce,
		HMAC:    e.HMAC,
	}
	if len(e.EncryptedPayload) > 0 {
		w.EncryptedPayload = hex.EncodeToString(e.EncryptedPayload)
	}
	if len(e.IV) > 0 {
		w.IV = hex.EncodeToString(e.IV)
	}
	return json.Marshal(w)
}

// UnmarshalJSON parses the wire hex fields back into byte slices. Unknown
// fields are ignored, so newer peers can add fields without breaking us.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w envelopeWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	e.Type = w.Type
	e.Source = w.Source
	e.Target = w.Target
	e.Payload = w.Payload
	e.Ts = w.Ts
	e.Nonce = w.Nonce
	e.HMAC = w.HMAC
	if w.EncryptedPayload != "" {
		b, err := hex.DecodeString(w.EncryptedPayload)
		if err != nil {
			return err
		}
		e.EncryptedPayload = b
	} else {
		e.EncryptedPayload = nil
	}
	if w.IV != "" {
		b, err := hex.DecodeString(w.IV)
		if err != nil {
			return err
		}
		e.IV = b
	} else {
		e.IV = nil
	}
	return nil
}

// IsBroadcast reports whether this envelope targets every peer.
func (e *Envelope) IsBroadcast() bool {
	return e.Target == BroadcastTarget
}

// CanonicalBytes returns the deterministic serialization used as HMAC input:
// the envelope with HMAC and Nonce stripped, object keys sorted
// lexicographically, no insignificant whitespace, UTF-8 output.
//
// Marshaling a map[string]interface{} rather than a struct is what buys the
// lexicographic key ordering: encoding/json sorts map keys, but preserves a
// struct's declared field order.
func (e *Envelope) CanonicalBytes() ([]byte, error) {
	m := map[string]interface{}{
		"type":   e.Type,
		"source": e.Source,
		"target": e.Target,
		"ts":     e.Ts,
	}
	if len(e.Payload) > 0 {
		m["payload"] = e.Payload
	}
	if len(e.EncryptedPayload) > 0 {
		m["encrypted_payload"] = hex.EncodeToString(e.EncryptedPayload)
	}
	if len(e.IV) > 0 {
		m["iv"] = hex.EncodeToString(e.IV)
	}
	return json.Marshal(m)
}
