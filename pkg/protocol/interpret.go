package protocol

import (
	"encoding/json"
	"strings"

	"github.com/gorilla/websocket"
)

// Interpret classifies one raw inbound frame into a typed event.
//
// It is pure and total: frames that cannot be parsed classify as
// Control(unknown) rather than failing, so a garbled frame can never take
// down the receive loop. Callers log and skip non-decisive events.
func Interpret(frame Frame) Event {
	if frame.MessageType == websocket.BinaryMessage {
		return Event{
			Kind:       KindControl,
			Control:    ControlAudio,
			Raw:        frame.Data,
			ReceivedAt: frame.ReceivedAt,
		}
	}

	var msg serverMessage
	if err := json.Unmarshal(frame.Data, &msg); err != nil || strings.TrimSpace(msg.Type) == "" {
		return Event{
			Kind:       KindControl,
			Control:    ControlUnknown,
			Raw:        frame.Data,
			ReceivedAt: frame.ReceivedAt,
		}
	}

	typ := strings.TrimSpace(msg.Type)
	ev := Event{Type: typ, Raw: frame.Data, ReceivedAt: frame.ReceivedAt}

	switch typ {
	case TypeResponseText:
		ev.Kind = KindUtterance
		ev.Text = msg.Response
	case TypeResponseTextDelta:
		ev.Kind = KindUtterance
		ev.Text = msg.Delta
	case TypeSessionClose, TypeIdleTerminate:
		ev.Kind = KindTerminal
	case TypeError:
		ev.Kind = KindError
		ev.Detail = firstNonEmpty(msg.Error, msg.Message, msg.Response)
	default:
		// session.open, audio.kill, skill.transfer, idle.warning and any
		// future server-side types are non-decisive control traffic.
		ev.Kind = KindControl
		ev.Control = typ
	}
	return ev
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
