// Package protocol defines the typed JSON control messages exchanged with
// the interview backend over the duplex transport. Audio travels as raw
// binary frames on the same socket and never passes through this package;
// only text frames are control messages.
package protocol

import (
	"encoding/json"
	"fmt"
)

// MessageType discriminates control messages. It appears as the "type"
// field of every JSON message in both directions.
type MessageType string

// Client → server message types.
const (
	// TypeStatus requests or reports session status.
	TypeStatus MessageType = "status"

	// TypeForceStart signals the backend to begin the conversation even
	// though no speech has been detected yet.
	TypeForceStart MessageType = "force_start"

	// TypeStop terminates the session.
	TypeStop MessageType = "stop"

	// TypeSetThreshold adjusts the capture energy threshold at runtime.
	TypeSetThreshold MessageType = "set_threshold"

	// TypePing is a liveness probe; the backend answers with TypePong.
	TypePing MessageType = "ping"
)

// Server → client message types.
const (
	// TypePong answers a ping.
	TypePong MessageType = "pong"

	// TypeTextResponse carries a textual agent utterance.
	TypeTextResponse MessageType = "text_response"

	// TypeError reports a backend error.
	TypeError MessageType = "error"

	// TypeWarning carries a remaining-time hint before the session ends.
	TypeWarning MessageType = "warning"

	// TypeInterviewEnded reports that the backend ended the session, with
	// an end reason and whether the participant may rejoin.
	TypeInterviewEnded MessageType = "interview_ended"
)

// ClientMessage is a control message sent to the backend.
type ClientMessage struct {
	Type MessageType `json:"type"`

	// Threshold is the new capture energy threshold. Only set for
	// [TypeSetThreshold].
	Threshold float64 `json:"threshold,omitempty"`

	// Reason annotates why a force_start was issued ("speech", "timeout",
	// "force").
	Reason string `json:"reason,omitempty"`
}

// Status builds a status handshake/ping message.
func Status() ClientMessage { return ClientMessage{Type: TypeStatus} }

// ForceStart builds a force_start message with the given trigger reason.
func ForceStart(reason string) ClientMessage {
	return ClientMessage{Type: TypeForceStart, Reason: reason}
}

// Stop builds a session-terminating stop message.
func Stop() ClientMessage { return ClientMessage{Type: TypeStop} }

// SetThreshold builds a runtime threshold adjustment message.
func SetThreshold(v float64) ClientMessage {
	return ClientMessage{Type: TypeSetThreshold, Threshold: v}
}

// Ping builds a liveness probe message.
func Ping() ClientMessage { return ClientMessage{Type: TypePing} }

// Encode serializes the message to its JSON wire form.
func (m ClientMessage) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %q: %w", m.Type, err)
	}
	return data, nil
}

// ServerMessage is a control message received from the backend. Fields are
// populated according to Type; unused fields hold zero values.
type ServerMessage struct {
	Type MessageType `json:"type"`

	// Message is human-readable detail on status and error messages.
	Message string `json:"message,omitempty"`

	// Status is the session state reported by status messages
	// ("connected", "started", "error").
	Status string `json:"status,omitempty"`

	// Started reports whether the conversation has begun.
	Started bool `json:"started,omitempty"`

	// Reason is the start trigger on status messages and the end reason on
	// interview_ended messages.
	Reason string `json:"reason,omitempty"`

	// Text is the agent utterance on text_response messages.
	Text string `json:"text,omitempty"`

	// RemainingSeconds is the time hint on warning messages.
	RemainingSeconds int `json:"remaining_seconds,omitempty"`

	// CanRejoin reports rejoin eligibility on interview_ended messages.
	CanRejoin bool `json:"can_rejoin,omitempty"`

	// Timestamp is the backend wall-clock time in Unix seconds.
	Timestamp float64 `json:"timestamp,omitempty"`
}

// ParseServer decodes a text frame into a [ServerMessage]. Messages with an
// empty type field are rejected; unknown types are returned as-is so the
// caller can log and skip them without treating protocol growth as failure.
func ParseServer(data []byte) (ServerMessage, error) {
	var m ServerMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return ServerMessage{}, fmt.Errorf("protocol: parse server message: %w", err)
	}
	if m.Type == "" {
		return ServerMessage{}, fmt.Errorf("protocol: server message missing type")
	}
	return m, nil
}
