// Package protocol defines the wire format spoken over the bot's duplex
// websocket channel: JSON control/text frames interleaved with binary audio
// frames, and the typed events they decode into.
package protocol

import (
	"encoding/json"
	"time"
)

// Message types observed on the wire.
const (
	TypeSessionGreeting   = "session.greeting"
	TypeSessionPing       = "session.ping"
	TypeSessionDisconnect = "session.disconnect"
	TypeSessionOpen       = "session.open"
	TypeSessionClose      = "session.close"

	TypeResponseText      = "response.text"
	TypeResponseTextDelta = "response.text.delta"

	TypeAudioKill     = "audio.kill"
	TypeSkillTransfer = "skill.transfer"
	TypeIdleWarning   = "idle.warning"
	TypeIdleTerminate = "idle.terminate"

	TypeText  = "text"
	TypeError = "error"
)

// Control kinds synthesized by the interpreter for frames that carry no
// bot text.
const (
	ControlUnknown = "unknown"
	ControlAudio   = "audio"
)

// Frame is one raw inbound websocket message.
type Frame struct {
	// MessageType is the websocket frame type (websocket.TextMessage or
	// websocket.BinaryMessage).
	MessageType int
	Data        []byte
	ReceivedAt  time.Time
}

// EventKind classifies a decoded inbound frame.
type EventKind int

const (
	KindUtterance EventKind = iota
	KindControl
	KindError
	KindTerminal
)

func (k EventKind) String() string {
	switch k {
	case KindUtterance:
		return "utterance"
	case KindControl:
		return "control"
	case KindError:
		return "error"
	case KindTerminal:
		return "terminal"
	default:
		return "invalid"
	}
}

// Event is one decoded inbound unit. Text is set for utterances, Control
// for control frames, Detail for errors. Raw always carries the original
// payload.
type Event struct {
	Kind       EventKind
	Type       string
	Text       string
	Control    string
	Detail     string
	Raw        []byte
	ReceivedAt time.Time
}

// serverMessage is the JSON envelope for inbound text frames.
type serverMessage struct {
	Type     string `json:"type"`
	Response string `json:"response,omitempty"`
	Delta    string `json:"delta,omitempty"`
	Error    string `json:"error,omitempty"`
	Message  string `json:"message,omitempty"`
}

// clientMessage is the JSON envelope for outbound text frames.
type clientMessage struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// EncodeControl encodes an outbound control frame such as session.greeting
// or session.ping.
func EncodeControl(msgType string) []byte {
	data, _ := json.Marshal(clientMessage{Type: msgType})
	return data
}

// EncodeText encodes an outbound user text turn.
func EncodeText(text string) []byte {
	data, _ := json.Marshal(clientMessage{Type: TypeText, Text: text})
	return data
}
