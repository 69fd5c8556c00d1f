package model

import (
	"encoding/json"
	"time"
)

// PeerRole identifies one side of a session's relay.
type PeerRole string

const (
	PeerCandidate  PeerRole = "candidate"
	PeerSupervisor PeerRole = "supervisor"
)

// Valid reports whether r is one of the two relay parties.
func (r PeerRole) Valid() bool {
	return r == PeerCandidate || r == PeerSupervisor
}

// Other returns the opposite party.
func (r PeerRole) Other() PeerRole {
	if r == PeerCandidate {
		return PeerSupervisor
	}
	return PeerCandidate
}

type SignalType string

const (
	SignalOffer        SignalType = "offer"
	SignalAnswer       SignalType = "answer"
	SignalICECandidate SignalType = "ice-candidate"
)

// Valid reports whether t is a known handshake message type.
func (t SignalType) Valid() bool {
	return t == SignalOffer || t == SignalAnswer || t == SignalICECandidate
}

// SignalingMessage is a transient handshake document in a session's mailbox.
type SignalingMessage struct {
	ID        string          `json:"id"`
	Type      SignalType      `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	From      PeerRole        `json:"from"`
	Timestamp time.Time       `json:"timestamp"`
}
