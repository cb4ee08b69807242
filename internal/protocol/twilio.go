package protocol

import (
	"encoding/json"
	"fmt"
)

// TwilioEvent identifies Media Streams frame variants.
type TwilioEvent string

const (
	TwilioConnected TwilioEvent = "connected"
	TwilioStart     TwilioEvent = "start"
	TwilioMedia     TwilioEvent = "media"
	TwilioStop      TwilioEvent = "stop"
	TwilioMark      TwilioEvent = "mark"
	TwilioDTMF      TwilioEvent = "dtmf"
	TwilioClear     TwilioEvent = "clear"
)

// Custom parameter names echoed back in the start frame.
const (
	ParamPrompt       = "prompt"
	ParamFirstMessage = "first_message"
)

type twilioFrame struct {
	Event          TwilioEvent     `json:"event"`
	StreamSID      string          `json:"streamSid"`
	SequenceNumber string          `json:"sequenceNumber"`
	Protocol       string          `json:"protocol"`
	Version        string          `json:"version"`
	Start          json.RawMessage `json:"start"`
	Media          json.RawMessage `json:"media"`
	Stop           json.RawMessage `json:"stop"`
	Mark           json.RawMessage `json:"mark"`
	DTMF           json.RawMessage `json:"dtmf"`
}

type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

// StreamConnected is the first frame on a Media Streams socket.
type StreamConnected struct {
	Protocol string
	Version  string
}

// StreamStarted carries the stream and call identifiers plus the custom
// parameters from the control document.
type StreamStarted struct {
	StreamSID        string            `json:"streamSid"`
	AccountSID       string            `json:"accountSid"`
	CallSID          string            `json:"callSid"`
	Tracks           []string          `json:"tracks"`
	CustomParameters map[string]string `json:"customParameters"`
	MediaFormat      MediaFormat       `json:"mediaFormat"`
}

func (s StreamStarted) Prompt() string       { return s.CustomParameters[ParamPrompt] }
func (s StreamStarted) FirstMessage() string { return s.CustomParameters[ParamFirstMessage] }

// MediaReceived is one caller audio chunk. Payload is base64 and never decoded.
type MediaReceived struct {
	StreamSID string `json:"-"`
	Track     string `json:"track"`
	Chunk     string `json:"chunk"`
	Timestamp string `json:"timestamp"`
	Payload   string `json:"payload"`
}

type StreamStopped struct {
	StreamSID  string `json:"-"`
	AccountSID string `json:"accountSid"`
	CallSID    string `json:"callSid"`
}

// MarkReceived acknowledges a mark we sent once playback reached it.
type MarkReceived struct {
	StreamSID string `json:"-"`
	Name      string `json:"name"`
}

type DTMFReceived struct {
	StreamSID string `json:"-"`
	Track     string `json:"track"`
	Digit     string `json:"digit"`
}

// ParseTwilioMessage decodes one inbound Media Streams frame into
// StreamConnected, StreamStarted, MediaReceived, StreamStopped, MarkReceived
// or DTMFReceived.
func ParseTwilioMessage(raw []byte) (any, error) {
	var f twilioFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, invalid("twilio envelope: %v", err)
	}

	switch f.Event {
	case TwilioConnected:
		return StreamConnected{Protocol: f.Protocol, Version: f.Version}, nil
	case TwilioStart:
		var msg StreamStarted
		if len(f.Start) == 0 {
			return nil, invalid("start frame without start body")
		}
		if err := json.Unmarshal(f.Start, &msg); err != nil {
			return nil, invalid("start body: %v", err)
		}
		if msg.StreamSID == "" {
			msg.StreamSID = f.StreamSID
		}
		if msg.StreamSID == "" {
			return nil, invalid("start frame without streamSid")
		}
		if msg.CustomParameters == nil {
			msg.CustomParameters = map[string]string{}
		}
		return msg, nil
	case TwilioMedia:
		var msg MediaReceived
		if len(f.Media) == 0 {
			return nil, invalid("media frame without media body")
		}
		if err := json.Unmarshal(f.Media, &msg); err != nil {
			return nil, invalid("media body: %v", err)
		}
		if msg.Payload == "" {
			return nil, invalid("media frame without payload")
		}
		msg.StreamSID = f.StreamSID
		return msg, nil
	case TwilioStop:
		msg := StreamStopped{StreamSID: f.StreamSID}
		if len(f.Stop) > 0 {
			if err := json.Unmarshal(f.Stop, &msg); err != nil {
				return nil, invalid("stop body: %v", err)
			}
			msg.StreamSID = f.StreamSID
		}
		return msg, nil
	case TwilioMark:
		msg := MarkReceived{StreamSID: f.StreamSID}
		if len(f.Mark) > 0 {
			if err := json.Unmarshal(f.Mark, &msg); err != nil {
				return nil, invalid("mark body: %v", err)
			}
			msg.StreamSID = f.StreamSID
		}
		return msg, nil
	case TwilioDTMF:
		msg := DTMFReceived{StreamSID: f.StreamSID}
		if len(f.DTMF) > 0 {
			if err := json.Unmarshal(f.DTMF, &msg); err != nil {
				return nil, invalid("dtmf body: %v", err)
			}
			msg.StreamSID = f.StreamSID
		}
		return msg, nil
	case "":
		return nil, invalid("twilio frame without event")
	default:
		return nil, fmt.Errorf("%w: twilio event %q", ErrUnsupportedType, f.Event)
	}
}

// Outbound Media Streams frames.

type OutboundMedia struct {
	Event     TwilioEvent       `json:"event"`
	StreamSID string            `json:"streamSid"`
	Media     OutboundMediaBody `json:"media"`
}

type OutboundMediaBody struct {
	Payload string `json:"payload"`
}

type OutboundClear struct {
	Event     TwilioEvent `json:"event"`
	StreamSID string      `json:"streamSid"`
}

type OutboundMark struct {
	Event     TwilioEvent      `json:"event"`
	StreamSID string           `json:"streamSid"`
	Mark      OutboundMarkBody `json:"mark"`
}

type OutboundMarkBody struct {
	Name string `json:"name"`
}

func NewMediaFrame(streamSID, payload string) OutboundMedia {
	return OutboundMedia{Event: TwilioMedia, StreamSID: streamSID, Media: OutboundMediaBody{Payload: payload}}
}

func NewClearFrame(streamSID string) OutboundClear {
	return OutboundClear{Event: TwilioClear, StreamSID: streamSID}
}

func NewMarkFrame(streamSID, name string) OutboundMark {
	return OutboundMark{Event: TwilioMark, StreamSID: streamSID, Mark: OutboundMarkBody{Name: name}}
}
