package protocol

import (
	"encoding/json"
	"fmt"
)

// AgentMessageType identifies Conversational AI socket payload variants.
type AgentMessageType string

const (
	AgentInitMetadata   AgentMessageType = "conversation_initiation_metadata"
	AgentAudio          AgentMessageType = "audio"
	AgentInterruption   AgentMessageType = "interruption"
	AgentPing           AgentMessageType = "ping"
	AgentResponse       AgentMessageType = "agent_response"
	AgentUserTranscript AgentMessageType = "user_transcript"
	AgentError          AgentMessageType = "error"

	ClientInitiation AgentMessageType = "conversation_initiation_client_data"
	ClientPong       AgentMessageType = "pong"
)

type agentEnvelope struct {
	Type AgentMessageType `json:"type"`
	// Some agent builds put the event id at the top level.
	EventID EventID `json:"event_id"`

	InitMetadata *struct {
		ConversationID    string `json:"conversation_id"`
		AgentOutputFormat string `json:"agent_output_audio_format"`
		UserInputFormat   string `json:"user_input_audio_format"`
	} `json:"conversation_initiation_metadata_event"`
	AudioEvent        *audioBody `json:"audio_event"`
	Audio             *audioBody `json:"audio"`
	InterruptionEvent *struct {
		EventID EventID `json:"event_id"`
	} `json:"interruption_event"`
	PingEvent *struct {
		EventID EventID `json:"event_id"`
		PingMS  int     `json:"ping_ms"`
	} `json:"ping_event"`
	AgentResponseEvent *struct {
		AgentResponse string `json:"agent_response"`
	} `json:"agent_response_event"`
	UserTranscriptionEvent *struct {
		UserTranscript string `json:"user_transcript"`
	} `json:"user_transcription_event"`

	Message string `json:"message"`
	Error   string `json:"error"`
	Code    string `json:"code"`
}

type audioBody struct {
	AudioBase64 string  `json:"audio_base_64"`
	Chunk       string  `json:"chunk"`
	EventID     EventID `json:"event_id"`
}

func (a *audioBody) payload() string {
	if a == nil {
		return ""
	}
	if a.AudioBase64 != "" {
		return a.AudioBase64
	}
	return a.Chunk
}

// ConversationReady completes the agent handshake.
type ConversationReady struct {
	ConversationID    string
	AgentOutputFormat string
	UserInputFormat   string
}

// AgentAudioChunk is synthesized agent speech. Payload is opaque base64.
type AgentAudioChunk struct {
	EventID EventID
	Payload string
}

type AgentInterrupted struct {
	EventID EventID
}

type AgentPinged struct {
	EventID EventID
	PingMS  int
}

type AgentResponded struct {
	Text string
}

type UserTranscribed struct {
	Text string
}

type AgentFailed struct {
	Code    string
	Message string
}

// ParseAgentMessage decodes one agent frame into ConversationReady,
// AgentAudioChunk, AgentInterrupted, AgentPinged, AgentResponded,
// UserTranscribed or AgentFailed.
func ParseAgentMessage(raw []byte) (any, error) {
	var env agentEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, invalid("agent envelope: %v", err)
	}

	switch env.Type {
	case AgentInitMetadata:
		ready := ConversationReady{}
		if env.InitMetadata != nil {
			ready.ConversationID = env.InitMetadata.ConversationID
			ready.AgentOutputFormat = env.InitMetadata.AgentOutputFormat
			ready.UserInputFormat = env.InitMetadata.UserInputFormat
		}
		return ready, nil
	case AgentAudio:
		body := env.AudioEvent
		if body.payload() == "" {
			body = env.Audio
		}
		payload := body.payload()
		if payload == "" {
			return nil, invalid("audio message without chunk or audio_base_64")
		}
		id := body.EventID
		if len(id) == 0 {
			id = env.EventID
		}
		return AgentAudioChunk{EventID: id, Payload: payload}, nil
	case AgentInterruption:
		id := env.EventID
		if env.InterruptionEvent != nil && len(env.InterruptionEvent.EventID) > 0 {
			id = env.InterruptionEvent.EventID
		}
		return AgentInterrupted{EventID: id}, nil
	case AgentPing:
		ping := AgentPinged{EventID: env.EventID}
		if env.PingEvent != nil {
			if len(env.PingEvent.EventID) > 0 {
				ping.EventID = env.PingEvent.EventID
			}
			ping.PingMS = env.PingEvent.PingMS
		}
		if len(ping.EventID) == 0 {
			return nil, invalid("ping without event_id")
		}
		return ping, nil
	case AgentResponse:
		if env.AgentResponseEvent == nil {
			return nil, invalid("agent_response without agent_response_event")
		}
		return AgentResponded{Text: env.AgentResponseEvent.AgentResponse}, nil
	case AgentUserTranscript:
		if env.UserTranscriptionEvent == nil {
			return nil, invalid("user_transcript without user_transcription_event")
		}
		return UserTranscribed{Text: env.UserTranscriptionEvent.UserTranscript}, nil
	case AgentError:
		msg := env.Message
		if msg == "" {
			msg = env.Error
		}
		return AgentFailed{Code: env.Code, Message: msg}, nil
	case "":
		return nil, invalid("agent message without type")
	default:
		return nil, fmt.Errorf("%w: agent type %q", ErrUnsupportedType, env.Type)
	}
}

// Outbound agent frames.

type ConversationInitiation struct {
	Type                       AgentMessageType `json:"type"`
	ConversationConfigOverride *ConfigOverride  `json:"conversation_config_override,omitempty"`
}

type ConfigOverride struct {
	Agent AgentOverride `json:"agent"`
}

type AgentOverride struct {
	Prompt       *PromptOverride `json:"prompt,omitempty"`
	FirstMessage string          `json:"first_message,omitempty"`
}

type PromptOverride struct {
	Prompt string `json:"prompt"`
}

// NewConversationInitiation builds the handshake frame. Empty overrides are
// omitted so the agent's own defaults apply.
func NewConversationInitiation(prompt, firstMessage string) ConversationInitiation {
	msg := ConversationInitiation{Type: ClientInitiation}
	if prompt == "" && firstMessage == "" {
		return msg
	}
	override := &ConfigOverride{Agent: AgentOverride{FirstMessage: firstMessage}}
	if prompt != "" {
		override.Agent.Prompt = &PromptOverride{Prompt: prompt}
	}
	msg.ConversationConfigOverride = override
	return msg
}

type UserAudioChunk struct {
	UserAudioChunk string `json:"user_audio_chunk"`
}

type Pong struct {
	Type    AgentMessageType `json:"type"`
	EventID EventID          `json:"event_id"`
}

func NewPong(id EventID) Pong {
	return Pong{Type: ClientPong, EventID: id}
}
