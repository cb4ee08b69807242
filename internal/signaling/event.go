// Package signaling adapts a Twilio Media Streams websocket into the relay's
// internal signaling events and owns that socket's writer.
package signaling

import (
	"time"

	"github.com/ent0n29/callrelay/internal/protocol"
)

type Kind string

const (
	KindSessionStart   Kind = "session-start"
	KindInboundAudio   Kind = "inbound-audio"
	KindSessionStop    Kind = "session-stop"
	KindTransportError Kind = "transport-error"
	KindMark           Kind = "mark"
	KindDTMF           Kind = "dtmf"
)

// Event is one normalized inbound signaling frame.
type Event struct {
	Kind      Kind
	StreamSID string
	CallSID   string
	// Start is set for KindSessionStart.
	Start *protocol.StreamStarted
	// Payload is the opaque base64 audio of KindInboundAudio.
	Payload string
	// Name is the mark name or the DTMF digit.
	Name       string
	Err        error
	ReceivedAt time.Time
}

// FromMessage maps a decoded Media Streams frame to an Event. The connected
// preamble carries nothing the bridge needs and yields ok=false.
func FromMessage(msg any, now time.Time) (Event, bool) {
	switch m := msg.(type) {
	case protocol.StreamStarted:
		start := m
		return Event{Kind: KindSessionStart, StreamSID: m.StreamSID, CallSID: m.CallSID, Start: &start, ReceivedAt: now}, true
	case protocol.MediaReceived:
		return Event{Kind: KindInboundAudio, StreamSID: m.StreamSID, Payload: m.Payload, ReceivedAt: now}, true
	case protocol.StreamStopped:
		return Event{Kind: KindSessionStop, StreamSID: m.StreamSID, CallSID: m.CallSID, ReceivedAt: now}, true
	case protocol.MarkReceived:
		return Event{Kind: KindMark, StreamSID: m.StreamSID, Name: m.Name, ReceivedAt: now}, true
	case protocol.DTMFReceived:
		return Event{Kind: KindDTMF, StreamSID: m.StreamSID, Name: m.Digit, ReceivedAt: now}, true
	default:
		return Event{}, false
	}
}
