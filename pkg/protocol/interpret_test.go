package protocol

import (
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func textFrame(payload string) Frame {
	return Frame{MessageType: websocket.TextMessage, Data: []byte(payload), ReceivedAt: time.Now()}
}

func TestInterpret_ResponseTextIsUtterance(t *testing.T) {
	t.Parallel()

	ev := Interpret(textFrame(`{"type":"response.text","response":"How can I help you today?"}`))
	if ev.Kind != KindUtterance {
		t.Fatalf("kind=%s, want utterance", ev.Kind)
	}
	if ev.Text != "How can I help you today?" {
		t.Fatalf("text=%q", ev.Text)
	}
	if ev.Type != TypeResponseText {
		t.Fatalf("type=%q", ev.Type)
	}
}

func TestInterpret_DeltaCarriesText(t *testing.T) {
	t.Parallel()

	ev := Interpret(textFrame(`{"type":"response.text.delta","delta":"one moment"}`))
	if ev.Kind != KindUtterance || ev.Text != "one moment" {
		t.Fatalf("got kind=%s text=%q", ev.Kind, ev.Text)
	}
}

func TestInterpret_TerminalTypes(t *testing.T) {
	t.Parallel()

	for _, typ := range []string{TypeSessionClose, TypeIdleTerminate} {
		ev := Interpret(textFrame(`{"type":"` + typ + `"}`))
		if ev.Kind != KindTerminal {
			t.Fatalf("type %s: kind=%s, want terminal", typ, ev.Kind)
		}
	}
}

func TestInterpret_ErrorFrame(t *testing.T) {
	t.Parallel()

	ev := Interpret(textFrame(`{"type":"error","error":"agent unavailable"}`))
	if ev.Kind != KindError {
		t.Fatalf("kind=%s, want error", ev.Kind)
	}
	if ev.Detail != "agent unavailable" {
		t.Fatalf("detail=%q", ev.Detail)
	}
}

func TestInterpret_MalformedNeverFails(t *testing.T) {
	t.Parallel()

	cases := []string{
		`not json at all`,
		`{"type":""}`,
		`{}`,
		``,
		`{"type":`,
	}
	for _, payload := range cases {
		ev := Interpret(textFrame(payload))
		if ev.Kind != KindControl || ev.Control != ControlUnknown {
			t.Fatalf("payload %q: got kind=%s control=%q, want control/unknown", payload, ev.Kind, ev.Control)
		}
	}
}

func TestInterpret_BinaryIsAudioControl(t *testing.T) {
	t.Parallel()

	ev := Interpret(Frame{MessageType: websocket.BinaryMessage, Data: []byte{0x52, 0x49, 0x46, 0x46}})
	if ev.Kind != KindControl || ev.Control != ControlAudio {
		t.Fatalf("got kind=%s control=%q, want control/audio", ev.Kind, ev.Control)
	}
}

func TestInterpret_UnknownTypeIsControl(t *testing.T) {
	t.Parallel()

	ev := Interpret(textFrame(`{"type":"skill.transfer"}`))
	if ev.Kind != KindControl || ev.Control != TypeSkillTransfer {
		t.Fatalf("got kind=%s control=%q", ev.Kind, ev.Control)
	}
}
