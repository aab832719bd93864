// Package protocol defines the signaling envelopes exchanged between
// participants and the relay.
//
// Envelopes are the only cross-boundary representation of room and
// negotiation state. Decoding is strict: unknown fields and trailing data are
// rejected so protocol drift is caught at the boundary instead of deep inside
// a handler.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

type Type string

const (
	TypeJoinRoom     Type = "join-room"
	TypeLeaveRoom    Type = "leave-room"
	TypeRoomJoined   Type = "room-joined"
	TypeUserJoined   Type = "user-joined"
	TypeUserLeft     Type = "user-left"
	TypeOffer        Type = "offer"
	TypeAnswer       Type = "answer"
	TypeICECandidate Type = "ice-candidate"
	TypeError        Type = "error"
)

var (
	ErrUnsupportedType = errors.New("protocol: unsupported envelope type")
	ErrMissingField    = errors.New("protocol: missing required field")
	ErrUnexpectedField = errors.New("protocol: unexpected field")
)

// UserInfo identifies a room member on the wire.
type UserInfo struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

// Envelope is the tagged-variant signaling message. Exactly one message type
// is valid per envelope; Validate enforces which fields may accompany it.
//
// Relayed envelopes (offer/answer/ice-candidate) carry TargetUserID on the
// way to the relay; the relay rewrites them to carry the sender's UserID on
// the way out.
type Envelope struct {
	Type Type `json:"type"`

	RoomID       string `json:"roomId,omitempty"`
	UserID       string `json:"userId,omitempty"`
	UserName     string `json:"userName,omitempty"`
	TargetUserID string `json:"targetUserId,omitempty"`

	Users []UserInfo `json:"users,omitempty"`

	Offer     *SDP       `json:"offer,omitempty"`
	Answer    *SDP       `json:"answer,omitempty"`
	Candidate *Candidate `json:"candidate,omitempty"`

	// Message is only set on error envelopes.
	Message string `json:"message,omitempty"`
}

// Parse decodes and validates a single envelope.
func Parse(data []byte) (Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var env Envelope
	if err := dec.Decode(&env); err != nil {
		return Envelope{}, fmt.Errorf("protocol: decode envelope: %w", err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Envelope{}, errors.New("protocol: unexpected trailing data")
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Encode marshals the envelope for the wire.
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Validate checks the per-type required fields. Peer-addressing fields accept
// either direction: TargetUserID before the relay, UserID after it.
func (e Envelope) Validate() error {
	switch e.Type {
	case TypeJoinRoom:
		if e.RoomID == "" || e.UserName == "" {
			return fmt.Errorf("%w: join-room requires roomId and userName", ErrMissingField)
		}
	case TypeLeaveRoom:
		// No payload.
	case TypeRoomJoined:
		if e.RoomID == "" || e.UserID == "" {
			return fmt.Errorf("%w: room-joined requires roomId and userId", ErrMissingField)
		}
	case TypeUserJoined, TypeUserLeft:
		if e.UserID == "" {
			return fmt.Errorf("%w: %s requires userId", ErrMissingField, e.Type)
		}
	case TypeOffer:
		if e.Offer == nil {
			return fmt.Errorf("%w: offer requires offer payload", ErrMissingField)
		}
		if e.Offer.Type != "offer" {
			return fmt.Errorf("protocol: offer envelope has sdp type %q", e.Offer.Type)
		}
		if err := e.validatePeerAddressing(); err != nil {
			return err
		}
	case TypeAnswer:
		if e.Answer == nil {
			return fmt.Errorf("%w: answer requires answer payload", ErrMissingField)
		}
		if e.Answer.Type != "answer" {
			return fmt.Errorf("protocol: answer envelope has sdp type %q", e.Answer.Type)
		}
		if err := e.validatePeerAddressing(); err != nil {
			return err
		}
	case TypeICECandidate:
		if e.Candidate == nil {
			return fmt.Errorf("%w: ice-candidate requires candidate payload", ErrMissingField)
		}
		if err := e.validatePeerAddressing(); err != nil {
			return err
		}
	case TypeError:
		if e.Message == "" {
			return fmt.Errorf("%w: error requires message", ErrMissingField)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedType, e.Type)
	}
	return nil
}

func (e Envelope) validatePeerAddressing() error {
	if e.TargetUserID == "" && e.UserID == "" {
		return fmt.Errorf("%w: %s requires targetUserId or userId", ErrMissingField, e.Type)
	}
	return nil
}

// ErrorEnvelope builds the error envelope sent in response to protocol
// violations.
func ErrorEnvelope(message string) Envelope {
	return Envelope{Type: TypeError, Message: message}
}
